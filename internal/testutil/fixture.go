// Package testutil seeds catalogs with a small observing dataset for tests.
//
// The fixture mirrors a real observing campaign: six science exposures of
// the planetary nebula IC4406 taken after midnight on 2017-06-16 (and thus
// attributed to night 2017-06-15), master calibrations on three nights, a QC
// table with image-quality values, and one bad exposure that configs
// typically exclude.
package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/nocturne-drs/nocturne/internal/catalog"
	"github.com/nocturne-drs/nocturne/internal/record"
)

// Version is the reduction version used by fixture data.
const Version = "0.1"

// IC4406Exposures are the science exposure names of the fixture dataset,
// in observation order. All six belong to night 2017-06-15.
var IC4406Exposures = []string{
	"2017-06-16T01:25:02.867",
	"2017-06-16T01:34:56.867",
	"2017-06-16T01:43:32.868",
	"2017-06-16T01:46:25.867",
	"2017-06-16T01:49:19.866",
	"2017-06-16T01:57:38.868",
}

// BadExposure is a raw file that settings files usually blacklist.
const BadExposure = "2017-06-14T09:01:03.567"

// BiasNights maps MASTER_BIAS sequence names to the night each belongs to.
var BiasNights = map[string]string{
	"2017-06-16T10:40:27.000": "2017-06-15",
	"2017-06-18T11:03:09.000": "2017-06-17",
	"2017-06-20T10:38:50.000": "2017-06-19",
}

// NewCatalog opens a fresh catalog in a test temp dir with the fixture
// version's tables created.
func NewCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.Open(filepath.Join(t.TempDir(), "nocturne.db"))
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	t.Cleanup(func() { cat.Close() })
	if err := cat.EnsureVersion(context.Background(), Version); err != nil {
		t.Fatalf("ensure version: %v", err)
	}
	return cat
}

// SeedScience inserts the IC4406 science exposures plus the bad exposure.
func SeedScience(t *testing.T, cat *catalog.Catalog) {
	t.Helper()
	ctx := context.Background()
	recs := make([]record.FileRecord, 0, len(IC4406Exposures)+1)
	for _, name := range IC4406Exposures {
		dateObs, err := record.ParseExposure(name)
		if err != nil {
			t.Fatalf("parse exposure: %v", err)
		}
		recs = append(recs, record.FileRecord{
			Name:    name,
			Type:    "OBJECT",
			Night:   record.NightOf(dateObs),
			DateObs: dateObs,
			Path:    "raw/MUSE." + name + ".fits.fz",
			Object:  "IC4406",
			InsMode: "WFM-AO-N",
			Attrs: map[string]any{
				"EXPTIME":       600.0,
				"INS_TEMP7_VAL": 12.53,
			},
		})
	}
	badObs, err := record.ParseExposure(BadExposure)
	if err != nil {
		t.Fatalf("parse exposure: %v", err)
	}
	recs = append(recs, record.FileRecord{
		Name:    BadExposure,
		Type:    "OBJECT",
		Night:   record.NightOf(badObs),
		DateObs: badObs,
		Path:    "raw/MUSE." + BadExposure + ".fits.fz",
		Object:  "IC4406",
		InsMode: "WFM-AO-N",
	})
	if err := cat.InsertRaw(ctx, recs...); err != nil {
		t.Fatalf("seed science: %v", err)
	}
}

// SeedBias inserts MASTER_BIAS processed records for three nights into the
// fixture version.
func SeedBias(t *testing.T, cat *catalog.Catalog) {
	t.Helper()
	SeedReduced(t, cat, Version, "MASTER_BIAS", "nocturne_bias", BiasNights)
}

// SeedReduced inserts one processed record per (name, night) pair with the
// given type and recipe into a version's namespace.
func SeedReduced(t *testing.T, cat *catalog.Catalog, version, dprType, recipeName string, nights map[string]string) {
	t.Helper()
	ctx := context.Background()
	for name, night := range nights {
		dateObs, err := record.ParseExposure(name)
		if err != nil {
			t.Fatalf("parse sequence name: %v", err)
		}
		err = cat.UpsertReduced(ctx, version, record.FileRecord{
			Name:       name,
			Type:       dprType,
			Night:      night,
			DateObs:    dateObs,
			Path:       "reduced/" + version + "/" + name + ".WFM-AO-N",
			InsMode:    "WFM-AO-N",
			RecipeName: recipeName,
			DateRun:    time.Date(2017, 7, 1, 12, 0, 0, 0, time.UTC),
		})
		if err != nil {
			t.Fatalf("seed reduced %s: %v", name, err)
		}
	}
}

// SeedQA fills the qa_raw QC table with image-quality values for the
// IC4406 exposures: the first four are grade A (fwhm < 0.6), the fifth is
// grade B, the last one is worse than either threshold.
func SeedQA(t *testing.T, cat *catalog.Catalog) {
	t.Helper()
	ctx := context.Background()
	fwhm := []float64{0.41, 0.48, 0.52, 0.57, 0.71, 0.93}
	rows := make([]catalog.QARow, len(IC4406Exposures))
	for i, name := range IC4406Exposures {
		rows[i] = catalog.QARow{
			Name:  name,
			Attrs: map[string]any{"PR_fwhmV": fwhm[i]},
		}
	}
	if err := cat.InsertQA(ctx, "raw", rows...); err != nil {
		t.Fatalf("seed QC: %v", err)
	}
}
