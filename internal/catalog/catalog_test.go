package catalog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/nocturne-drs/nocturne/internal/query"
	"github.com/nocturne-drs/nocturne/internal/record"
)

func openTest(t *testing.T) *Catalog {
	t.Helper()
	cat, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { cat.Close() })
	return cat
}

func TestOpenIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	c1, err := Open(path)
	if err != nil {
		t.Fatalf("first Open() failed: %v", err)
	}
	c1.Close()
	c2, err := Open(path)
	if err != nil {
		t.Fatalf("second Open() failed: %v", err)
	}
	c2.Close()
}

func TestVersionTable(t *testing.T) {
	tests := []struct {
		version string
		want    string
		wantErr bool
	}{
		{"0.2", "reduced_0_2", false},
		{"v1", "reduced_v1", false},
		{"2018-beta", "reduced_2018_beta", false},
		{"", "", true},
		{"x; DROP TABLE raw", "", true},
	}
	for _, tt := range tests {
		got, err := versionTable("reduced", tt.version)
		if tt.wantErr {
			if err == nil {
				t.Errorf("versionTable(%q) should fail", tt.version)
			}
			continue
		}
		if err != nil {
			t.Errorf("versionTable(%q) error: %v", tt.version, err)
		}
		if got != tt.want {
			t.Errorf("versionTable(%q) = %q, want %q", tt.version, got, tt.want)
		}
	}
}

func TestInsertRawAndQuery(t *testing.T) {
	cat := openTest(t)
	ctx := context.Background()

	dateObs, _ := record.ParseExposure("2017-06-16T01:34:56.867")
	err := cat.InsertRaw(ctx, record.FileRecord{
		Name:    "2017-06-16T01:34:56.867",
		Type:    "OBJECT",
		Night:   "2017-06-15",
		DateObs: dateObs,
		Path:    "raw/MUSE.2017-06-16T01:34:56.867.fits.fz",
		Object:  "IC4406",
		InsMode: "WFM-AO-N",
		Attrs:   map[string]any{"EXPTIME": 600.0, "TPL_START": "2017-06-16T01:25:02"},
	})
	if err != nil {
		t.Fatalf("InsertRaw() failed: %v", err)
	}

	recs, err := cat.QueryRaw(ctx, query.Eq{Column: "OBJECT", Value: "IC4406"})
	if err != nil {
		t.Fatalf("QueryRaw() failed: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	rec := recs[0]
	if rec.Night != "2017-06-15" {
		t.Errorf("night = %q, want 2017-06-15", rec.Night)
	}
	if !rec.DateObs.Equal(dateObs) {
		t.Errorf("date_obs = %v, want %v", rec.DateObs, dateObs)
	}
	if got, ok := rec.AttrFloat("EXPTIME"); !ok || got != 600.0 {
		t.Errorf("EXPTIME attr = %v (%v), want 600", got, ok)
	}

	// Predicates on attribute-bag keywords go through json_extract.
	recs, err = cat.QueryRaw(ctx, query.Eq{Column: "TPL_START", Value: "2017-06-16T01:25:02"})
	if err != nil {
		t.Fatalf("QueryRaw() by attr failed: %v", err)
	}
	if len(recs) != 1 {
		t.Errorf("query by TPL_START matched %d records, want 1", len(recs))
	}

	// Re-ingesting the same exposure updates in place.
	rec.Path = "elsewhere/MUSE.fits"
	if err := cat.InsertRaw(ctx, rec); err != nil {
		t.Fatalf("re-insert failed: %v", err)
	}
	recs, _ = cat.QueryRaw(ctx, nil)
	if len(recs) != 1 || recs[0].Path != "elsewhere/MUSE.fits" {
		t.Errorf("re-insert should update in place, got %+v", recs)
	}
}

func TestQueryRawOrdering(t *testing.T) {
	cat := openTest(t)
	ctx := context.Background()

	// Insert out of order; queries must come back by date_obs ascending.
	names := []string{
		"2017-06-16T01:57:38.868",
		"2017-06-16T01:25:02.867",
		"2017-06-16T01:43:32.868",
	}
	for _, name := range names {
		dateObs, _ := record.ParseExposure(name)
		if err := cat.InsertRaw(ctx, record.FileRecord{
			Name: name, Type: "OBJECT", Night: "2017-06-15",
			DateObs: dateObs, Path: "raw/" + name, Object: "IC4406",
		}); err != nil {
			t.Fatalf("InsertRaw: %v", err)
		}
	}

	recs, err := cat.QueryRaw(ctx, nil)
	if err != nil {
		t.Fatalf("QueryRaw: %v", err)
	}
	want := []string{
		"2017-06-16T01:25:02.867",
		"2017-06-16T01:43:32.868",
		"2017-06-16T01:57:38.868",
	}
	for i, rec := range recs {
		if rec.Name != want[i] {
			t.Errorf("record %d = %q, want %q", i, rec.Name, want[i])
		}
	}
}

func TestReducedVersionNamespaces(t *testing.T) {
	cat := openTest(t)
	ctx := context.Background()
	for _, v := range []string{"0.1", "0.2"} {
		if err := cat.EnsureVersion(ctx, v); err != nil {
			t.Fatalf("EnsureVersion(%s): %v", v, err)
		}
	}

	err := cat.UpsertReduced(ctx, "0.1", record.FileRecord{
		Name: "2017-06-16T10:40:27.000", Type: "MASTER_BIAS",
		Night: "2017-06-15", Path: "reduced/0.1/bias", RecipeName: "nocturne_bias",
	})
	if err != nil {
		t.Fatalf("UpsertReduced: %v", err)
	}

	recs, err := cat.QueryReduced(ctx, "0.1", query.Eq{Column: "DPR_TYPE", Value: "MASTER_BIAS"})
	if err != nil {
		t.Fatalf("QueryReduced(0.1): %v", err)
	}
	if len(recs) != 1 || recs[0].Version != "0.1" {
		t.Fatalf("version 0.1 should hold the record, got %+v", recs)
	}

	recs, err = cat.QueryReduced(ctx, "0.2", nil)
	if err != nil {
		t.Fatalf("QueryReduced(0.2): %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("version 0.2 must not see version 0.1 records, got %d", len(recs))
	}
}

func TestSelectColumnDistinct(t *testing.T) {
	cat := openTest(t)
	ctx := context.Background()
	for i, name := range []string{"2017-06-16T01:25:02.867", "2017-06-16T01:34:56.867", "2017-06-17T01:00:00.000"} {
		dateObs, _ := record.ParseExposure(name)
		night := "2017-06-15"
		if i == 2 {
			night = "2017-06-16"
		}
		if err := cat.InsertRaw(ctx, record.FileRecord{
			Name: name, Type: "OBJECT", Night: night, DateObs: dateObs, Path: "p",
		}); err != nil {
			t.Fatalf("InsertRaw: %v", err)
		}
	}

	nights, err := cat.SelectColumn(ctx, "", "night", nil, true)
	if err != nil {
		t.Fatalf("SelectColumn: %v", err)
	}
	if len(nights) != 2 || nights[0] != "2017-06-15" || nights[1] != "2017-06-16" {
		t.Errorf("distinct nights = %v", nights)
	}
}

func TestClaimLifecycle(t *testing.T) {
	cat := openTest(t)
	ctx := context.Background()
	if err := cat.EnsureVersion(ctx, "0.1"); err != nil {
		t.Fatalf("EnsureVersion: %v", err)
	}

	key := record.RunKey{Recipe: "nocturne_bias", Target: "2017-06-15", ParamsID: "default", Version: "0.1"}

	res, err := cat.ClaimRun(ctx, "0.1", key, "run-1", false)
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if res.Outcome != ClaimAccepted {
		t.Fatalf("first claim outcome = %v, want accepted", res.Outcome)
	}

	// A second claim while running is a conflict, force or not.
	res, err = cat.ClaimRun(ctx, "0.1", key, "run-2", true)
	if err != nil {
		t.Fatalf("conflicting claim: %v", err)
	}
	if res.Outcome != ClaimConflict || res.PriorID != "run-1" {
		t.Fatalf("claim during running = %+v, want conflict with run-1", res)
	}

	err = cat.FinishRun(ctx, "0.1", "run-1", record.StateSucceeded, time.Now(),
		"logs/run-1.log", "reduced/0.1/bias", []record.Product{{Type: "MASTER_BIAS", Path: "reduced/0.1/bias"}}, "")
	if err != nil {
		t.Fatalf("FinishRun: %v", err)
	}

	// Succeeded without force: skip.
	res, err = cat.ClaimRun(ctx, "0.1", key, "run-3", false)
	if err != nil {
		t.Fatalf("claim after success: %v", err)
	}
	if res.Outcome != ClaimAlreadyDone || res.PriorID != "run-1" {
		t.Fatalf("claim after success = %+v, want already-done run-1", res)
	}

	// Force: prior record superseded, exactly one new running record.
	res, err = cat.ClaimRun(ctx, "0.1", key, "run-4", true)
	if err != nil {
		t.Fatalf("forced claim: %v", err)
	}
	if res.Outcome != ClaimAccepted {
		t.Fatalf("forced claim outcome = %v, want accepted", res.Outcome)
	}
	prior, err := cat.GetRun(ctx, "0.1", "run-1")
	if err != nil {
		t.Fatalf("GetRun(run-1): %v", err)
	}
	if prior.State != record.StateSuperseded {
		t.Errorf("prior run state = %s, want superseded", prior.State)
	}

	// Failed runs are reclaimable without force.
	if err := cat.FinishRun(ctx, "0.1", "run-4", record.StateFailed, time.Now(), "", "", nil, "executor exploded"); err != nil {
		t.Fatalf("FinishRun(failed): %v", err)
	}
	res, err = cat.ClaimRun(ctx, "0.1", key, "run-5", false)
	if err != nil {
		t.Fatalf("claim after failure: %v", err)
	}
	if res.Outcome != ClaimAccepted {
		t.Fatalf("claim after failure = %v, want accepted", res.Outcome)
	}
}

func TestFinishRunRequiresRunning(t *testing.T) {
	cat := openTest(t)
	ctx := context.Background()
	if err := cat.EnsureVersion(ctx, "0.1"); err != nil {
		t.Fatalf("EnsureVersion: %v", err)
	}
	if err := cat.FinishRun(ctx, "0.1", "missing", record.StateSucceeded, time.Now(), "", "", nil, ""); err == nil {
		t.Error("FinishRun on a missing record should fail")
	}
}

func TestReconcileStale(t *testing.T) {
	cat := openTest(t)
	ctx := context.Background()
	if err := cat.EnsureVersion(ctx, "0.1"); err != nil {
		t.Fatalf("EnsureVersion: %v", err)
	}
	key := record.RunKey{Recipe: "nocturne_flat", Target: "2017-06-15", ParamsID: "default"}
	if _, err := cat.ClaimRun(ctx, "0.1", key, "run-1", false); err != nil {
		t.Fatalf("claim: %v", err)
	}

	n, err := cat.ReconcileStale(ctx, "0.1")
	if err != nil {
		t.Fatalf("ReconcileStale: %v", err)
	}
	if n != 1 {
		t.Errorf("reconciled %d records, want 1", n)
	}
	run, err := cat.GetRun(ctx, "0.1", "run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.State != record.StateFailed {
		t.Errorf("stale run state = %s, want failed", run.State)
	}

	// The key is claimable again after reconciliation.
	res, err := cat.ClaimRun(ctx, "0.1", key, "run-2", false)
	if err != nil || res.Outcome != ClaimAccepted {
		t.Errorf("claim after reconcile = %+v, %v; want accepted", res, err)
	}
}

func TestCopyReduced(t *testing.T) {
	cat := openTest(t)
	ctx := context.Background()
	if err := cat.EnsureVersion(ctx, "0.1"); err != nil {
		t.Fatalf("EnsureVersion: %v", err)
	}

	key := record.RunKey{Recipe: "nocturne_bias", Target: "2017-06-15", ParamsID: "default"}
	if _, err := cat.ClaimRun(ctx, "0.1", key, "run-1", false); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := cat.FinishRun(ctx, "0.1", "run-1", record.StateSucceeded, time.Now(), "", "reduced/0.1/bias", nil, ""); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if err := cat.UpsertReduced(ctx, "0.1", record.FileRecord{
		Name: "2017-06-16T10:40:27.000", Type: "MASTER_BIAS", Night: "2017-06-15",
		Path: "reduced/0.1/bias", RecipeName: "nocturne_bias",
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	n, err := cat.CopyReduced(ctx, "0.1", "0.2", []string{"nocturne_bias"})
	if err != nil {
		t.Fatalf("CopyReduced: %v", err)
	}
	if n != 1 {
		t.Errorf("copied %d rows, want 1", n)
	}

	recs, err := cat.QueryReduced(ctx, "0.2", query.Eq{Column: "DPR_TYPE", Value: "MASTER_BIAS"})
	if err != nil {
		t.Fatalf("QueryReduced(0.2): %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("version 0.2 should hold the copied record")
	}
	// Path preserved: no file is recopied on disk.
	if recs[0].Path != "reduced/0.1/bias" {
		t.Errorf("copied path = %q, want original path", recs[0].Path)
	}

	// The copied run satisfies skip in the new version.
	res, err := cat.ClaimRun(ctx, "0.2", key, "run-x", false)
	if err != nil {
		t.Fatalf("claim in 0.2: %v", err)
	}
	if res.Outcome != ClaimAlreadyDone {
		t.Errorf("claim in copied version = %v, want already-done", res.Outcome)
	}

	// Idempotent: a second copy adds nothing.
	n, err = cat.CopyReduced(ctx, "0.1", "0.2", []string{"nocturne_bias"})
	if err != nil {
		t.Fatalf("second CopyReduced: %v", err)
	}
	if n != 0 {
		t.Errorf("second copy copied %d rows, want 0", n)
	}
}

func TestFlagsRoundTrip(t *testing.T) {
	cat := openTest(t)
	ctx := context.Background()
	if err := cat.EnsureVersion(ctx, "0.1"); err != nil {
		t.Fatalf("EnsureVersion: %v", err)
	}

	exps := []string{"2017-06-16T01:25:02.867", "2017-06-16T01:34:56.867"}
	if err := cat.AddFlags(ctx, "0.1", exps[:1], []string{"SATELLITE", "SHORT_EXPTIME"}, 1); err != nil {
		t.Fatalf("AddFlags: %v", err)
	}
	if err := cat.AddFlags(ctx, "0.1", exps[1:], []string{"SATELLITE"}, 1); err != nil {
		t.Fatalf("AddFlags: %v", err)
	}

	flags, err := cat.FlagsFor(ctx, "0.1", exps[0])
	if err != nil {
		t.Fatalf("FlagsFor: %v", err)
	}
	if len(flags) != 2 || flags[0] != "SATELLITE" || flags[1] != "SHORT_EXPTIME" {
		t.Errorf("flags = %v", flags)
	}

	flagged, err := cat.FindFlagged(ctx, "0.1", []string{"SHORT_EXPTIME"})
	if err != nil {
		t.Fatalf("FindFlagged: %v", err)
	}
	if len(flagged) != 1 || flagged[0] != exps[0] {
		t.Errorf("flagged by SHORT_EXPTIME = %v", flagged)
	}

	any, err := cat.FindFlagged(ctx, "0.1", nil)
	if err != nil {
		t.Fatalf("FindFlagged(any): %v", err)
	}
	if len(any) != 2 {
		t.Errorf("flagged by any = %v", any)
	}

	if err := cat.RemoveFlags(ctx, "0.1", exps[:1], []string{"SATELLITE"}); err != nil {
		t.Fatalf("RemoveFlags: %v", err)
	}
	flags, _ = cat.FlagsFor(ctx, "0.1", exps[0])
	if len(flags) != 1 || flags[0] != "SHORT_EXPTIME" {
		t.Errorf("flags after remove = %v", flags)
	}
}

func TestQATables(t *testing.T) {
	cat := openTest(t)
	ctx := context.Background()

	rows := []QARow{
		{Name: "2017-06-16T01:25:02.867", Attrs: map[string]any{"PR_fwhmV": 0.41}},
		{Name: "2017-06-16T01:57:38.868", Attrs: map[string]any{"PR_fwhmV": 0.93}},
	}
	if err := cat.InsertQA(ctx, "raw", rows...); err != nil {
		t.Fatalf("InsertQA: %v", err)
	}

	names, err := cat.QueryQANames(ctx, "raw", query.Cmp{Column: "PR_fwhmV", Op: query.OpLt, Value: 0.6})
	if err != nil {
		t.Fatalf("QueryQANames: %v", err)
	}
	if len(names) != 1 || names[0] != "2017-06-16T01:25:02.867" {
		t.Errorf("QC query = %v", names)
	}
}

func TestClean(t *testing.T) {
	cat := openTest(t)
	ctx := context.Background()
	if err := cat.EnsureVersion(ctx, "0.1"); err != nil {
		t.Fatalf("EnsureVersion: %v", err)
	}
	for _, name := range []string{"2017-06-16T10:40:27.000", "2017-06-18T11:03:09.000"} {
		if err := cat.UpsertReduced(ctx, "0.1", record.FileRecord{
			Name: name, Type: "MASTER_BIAS", Path: "reduced/0.1/" + name,
			RecipeName: "nocturne_bias",
		}); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	n, err := cat.Clean(ctx, "0.1", "nocturne_bias", nil, true, false)
	if err != nil {
		t.Fatalf("Clean(dry): %v", err)
	}
	if n != 2 {
		t.Errorf("dry-run count = %d, want 2", n)
	}
	recs, _ := cat.QueryReduced(ctx, "0.1", nil)
	if len(recs) != 2 {
		t.Errorf("dry-run must not delete, have %d rows", len(recs))
	}

	n, err = cat.Clean(ctx, "0.1", "nocturne_bias", []string{"2017-06-16T10:40:27.000"}, false, false)
	if err != nil {
		t.Fatalf("Clean: %v", err)
	}
	if n != 1 {
		t.Errorf("clean count = %d, want 1", n)
	}
	recs, _ = cat.QueryReduced(ctx, "0.1", nil)
	if len(recs) != 1 || recs[0].Name != "2017-06-18T11:03:09.000" {
		t.Errorf("remaining rows = %+v", recs)
	}
}

func TestWarnings(t *testing.T) {
	cat := openTest(t)
	ctx := context.Background()
	if err := cat.AddWarning(ctx, "selection", "gradeA", "selection matched no exposures"); err != nil {
		t.Fatalf("AddWarning: %v", err)
	}
	warnings, err := cat.Warnings(ctx)
	if err != nil {
		t.Fatalf("Warnings: %v", err)
	}
	if len(warnings) != 1 || warnings[0].Component != "selection" {
		t.Errorf("warnings = %+v", warnings)
	}
}
