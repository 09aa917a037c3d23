package frames

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nocturne-drs/nocturne/internal/config"
	"github.com/nocturne-drs/nocturne/internal/record"
	"github.com/nocturne-drs/nocturne/internal/testutil"
)

func staticWCS(t *testing.T) []record.StaticCalibEntry {
	t.Helper()
	start, err := record.ParseDate("2017-06-01")
	require.NoError(t, err)
	end, err := record.ParseDate("2017-06-30")
	require.NoError(t, err)
	return []record.StaticCalibEntry{{
		Type:     "ASTROMETRY_WCS",
		File:     "astrometry_wcs_wfm_gto17.fits",
		Validity: record.Interval{Start: start, End: end},
	}}
}

func TestResolveFrameMap(t *testing.T) {
	cat := testutil.NewCatalog(t)
	testutil.SeedBias(t, cat)
	testutil.SeedReduced(t, cat, testutil.Version, "MASTER_FLAT", "nocturne_flat",
		map[string]string{"2017-06-16T12:00:00.000": "2017-06-15"})

	r := NewResolver(cat, testutil.Version, "calib", config.GlobalFrames{}, staticWCS(t))

	needs := []Need{
		{Type: "MASTER_BIAS"},
		{Type: "MASTER_FLAT"},
		{Type: "ASTROMETRY_WCS"},
		{Type: "OUTPUT_WCS"},
		{Type: "RAMAN_LINES", Optional: true},
	}
	cfg := config.FrameConfig{
		Exclude:   []config.FrameRef{{Type: "RAMAN_LINES"}},
		Overrides: map[string]config.Override{"OUTPUT_WCS": {Path: "/calib/output_wcs.fits"}},
	}

	m, err := r.Resolve(context.Background(), needs, "2017-06-15", "WFM-AO-N", cfg)
	require.NoError(t, err)

	data, err := json.MarshalIndent(m, "", "  ")
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "frame_map_ic4406", data)
}

func TestEquidistantNightsPreferLatestProcessing(t *testing.T) {
	cat := testutil.NewCatalog(t)
	ctx := context.Background()

	seed := func(name, night string, dateRun time.Time) {
		dateObs, err := record.ParseExposure(name)
		require.NoError(t, err)
		require.NoError(t, cat.UpsertReduced(ctx, testutil.Version, record.FileRecord{
			Name:       name,
			Type:       "MASTER_BIAS",
			Night:      night,
			DateObs:    dateObs,
			Path:       "reduced/" + name,
			RecipeName: "nocturne_bias",
			DateRun:    dateRun,
		}))
	}
	seed("2017-06-16T10:40:27.000", "2017-06-15", time.Date(2017, 7, 1, 12, 0, 0, 0, time.UTC))
	seed("2017-06-18T11:03:09.000", "2017-06-17", time.Date(2017, 8, 1, 12, 0, 0, 0, time.UTC))

	r := NewResolver(cat, testutil.Version, "", config.GlobalFrames{}, nil)

	// Nights 06-15 and 06-17 are both one night away from 06-16; the
	// most recently processed record wins.
	m, err := r.Resolve(ctx, []Need{{Type: "MASTER_BIAS"}},
		"2017-06-16", "WFM-AO-N", config.FrameConfig{})
	require.NoError(t, err)
	assert.Equal(t, "2017-06-18T11:03:09.000", m["MASTER_BIAS"][0].Name)

	// Reprocessing the earlier night flips the choice.
	seed("2017-06-16T10:40:27.000", "2017-06-15", time.Date(2017, 9, 1, 12, 0, 0, 0, time.UTC))
	m, err = r.Resolve(ctx, []Need{{Type: "MASTER_BIAS"}},
		"2017-06-16", "WFM-AO-N", config.FrameConfig{})
	require.NoError(t, err)
	assert.Equal(t, "2017-06-16T10:40:27.000", m["MASTER_BIAS"][0].Name)
}

func TestEquidistantNightsSameDateRunPreferLater(t *testing.T) {
	cat := testutil.NewCatalog(t)
	testutil.SeedBias(t, cat)
	r := NewResolver(cat, testutil.Version, "", config.GlobalFrames{}, nil)

	// Bias nights exist on 2017-06-15, -17 and -19, all processed in one
	// batch; with identical processing dates the later night wins.
	m, err := r.Resolve(context.Background(), []Need{{Type: "MASTER_BIAS"}},
		"2017-06-16", "WFM-AO-N", config.FrameConfig{})
	require.NoError(t, err)
	assert.Equal(t, "2017-06-18T11:03:09.000", m["MASTER_BIAS"][0].Name)

	m, err = r.Resolve(context.Background(), []Need{{Type: "MASTER_BIAS"}},
		"2017-06-18", "WFM-AO-N", config.FrameConfig{})
	require.NoError(t, err)
	assert.Equal(t, "2017-06-20T10:38:50.000", m["MASTER_BIAS"][0].Name)
}

func TestSearchRadius(t *testing.T) {
	cat := testutil.NewCatalog(t)
	testutil.SeedBias(t, cat)
	r := NewResolver(cat, testutil.Version, "", config.GlobalFrames{}, nil)
	ctx := context.Background()

	_, err := r.Resolve(ctx, []Need{{Type: "MASTER_BIAS"}},
		"2017-06-22", "WFM-AO-N", config.FrameConfig{})
	require.True(t, IsMissing(err), "no bias within the default 1-day radius: %v", err)

	cfg := config.FrameConfig{Offsets: map[string]int{"MASTER_BIAS": 3}}
	m, err := r.Resolve(ctx, []Need{{Type: "MASTER_BIAS"}}, "2017-06-22", "WFM-AO-N", cfg)
	require.NoError(t, err)
	assert.Equal(t, "2017-06-20T10:38:50.000", m["MASTER_BIAS"][0].Name)
}

func TestGlobalExclusion(t *testing.T) {
	cat := testutil.NewCatalog(t)
	testutil.SeedBias(t, cat)
	ctx := context.Background()

	global := config.GlobalFrames{Exclude: map[string][]config.ExcludeItem{
		"MASTER_BIAS": {{Name: "2017-06-16T10:40:27.000"}},
	}}
	r := NewResolver(cat, testutil.Version, "", global, nil)

	_, err := r.Resolve(ctx, []Need{{Type: "MASTER_BIAS"}},
		"2017-06-15", "WFM-AO-N", config.FrameConfig{})
	require.True(t, IsMissing(err), "the only candidate in radius is excluded: %v", err)

	// A column-based exclusion behaves the same.
	global = config.GlobalFrames{Exclude: map[string][]config.ExcludeItem{
		"MASTER_BIAS": {{Where: map[string]any{"night": "2017-06-15"}}},
	}}
	r = NewResolver(cat, testutil.Version, "", global, nil)
	_, err = r.Resolve(ctx, []Need{{Type: "MASTER_BIAS"}},
		"2017-06-15", "WFM-AO-N", config.FrameConfig{})
	require.True(t, IsMissing(err))
}

func TestRecipeExclusionByName(t *testing.T) {
	cat := testutil.NewCatalog(t)
	testutil.SeedBias(t, cat)
	r := NewResolver(cat, testutil.Version, "", config.GlobalFrames{}, nil)

	cfg := config.FrameConfig{
		Exclude: []config.FrameRef{{Type: "MASTER_BIAS", Name: "2017-06-16T10:40:27.000"}},
		Offsets: map[string]int{"MASTER_BIAS": 2},
	}
	m, err := r.Resolve(context.Background(), []Need{{Type: "MASTER_BIAS"}},
		"2017-06-15", "WFM-AO-N", cfg)
	require.NoError(t, err)
	assert.Equal(t, "2017-06-18T11:03:09.000", m["MASTER_BIAS"][0].Name)
}

func TestLatestReprocessingWins(t *testing.T) {
	cat := testutil.NewCatalog(t)
	ctx := context.Background()

	for i, dateRun := range []time.Time{
		time.Date(2017, 7, 1, 12, 0, 0, 0, time.UTC),
		time.Date(2017, 8, 1, 12, 0, 0, 0, time.UTC),
	} {
		name := []string{"2017-06-16T10:40:27.000", "2017-06-16T11:02:11.000"}[i]
		dateObs, err := record.ParseExposure(name)
		require.NoError(t, err)
		require.NoError(t, cat.UpsertReduced(ctx, testutil.Version, record.FileRecord{
			Name:       name,
			Type:       "MASTER_BIAS",
			Night:      "2017-06-15",
			DateObs:    dateObs,
			Path:       "reduced/" + name,
			RecipeName: "nocturne_bias",
			DateRun:    dateRun,
		}))
	}

	r := NewResolver(cat, testutil.Version, "", config.GlobalFrames{}, nil)
	m, err := r.Resolve(ctx, []Need{{Type: "MASTER_BIAS"}},
		"2017-06-15", "WFM-AO-N", config.FrameConfig{})
	require.NoError(t, err)
	assert.Equal(t, "2017-06-16T11:02:11.000", m["MASTER_BIAS"][0].Name)
}

func TestModeMatchedTypes(t *testing.T) {
	cat := testutil.NewCatalog(t)
	ctx := context.Background()
	dateObs, err := record.ParseExposure("2017-06-16T12:00:00.000")
	require.NoError(t, err)
	require.NoError(t, cat.UpsertReduced(ctx, testutil.Version, record.FileRecord{
		Name:       "2017-06-16T12:00:00.000",
		Type:       "MASTER_FLAT",
		Night:      "2017-06-15",
		DateObs:    dateObs,
		Path:       "reduced/flat",
		InsMode:    "WFM-NOAO-N",
		RecipeName: "nocturne_flat",
	}))

	r := NewResolver(cat, testutil.Version, "", config.GlobalFrames{}, nil)
	_, err = r.Resolve(ctx, []Need{{Type: "MASTER_FLAT"}},
		"2017-06-15", "WFM-AO-N", config.FrameConfig{})
	assert.True(t, IsMissing(err), "flat of another mode must not serve: %v", err)

	m, err := r.Resolve(ctx, []Need{{Type: "MASTER_FLAT"}},
		"2017-06-15", "WFM-NOAO-N", config.FrameConfig{})
	require.NoError(t, err)
	assert.Equal(t, "reduced/flat", m["MASTER_FLAT"][0].Path)
}

func TestStaticCalibWindows(t *testing.T) {
	cat := testutil.NewCatalog(t)
	ctx := context.Background()
	r := NewResolver(cat, testutil.Version, "calib", config.GlobalFrames{}, staticWCS(t))

	m, err := r.Resolve(ctx, []Need{{Type: "ASTROMETRY_WCS"}},
		"2017-06-15", "WFM-AO-N", config.FrameConfig{})
	require.NoError(t, err)
	assert.Equal(t, "calib/astrometry_wcs_wfm_gto17.fits", m["ASTROMETRY_WCS"][0].Path)

	_, err = r.Resolve(ctx, []Need{{Type: "ASTROMETRY_WCS"}},
		"2017-07-15", "WFM-AO-N", config.FrameConfig{})
	assert.True(t, IsMissing(err))

	m, err = r.Resolve(ctx, []Need{{Type: "ASTROMETRY_WCS", Optional: true}},
		"2017-07-15", "WFM-AO-N", config.FrameConfig{})
	require.NoError(t, err)
	assert.Empty(t, m)
}

func TestStaticCalibOverlapIsAmbiguous(t *testing.T) {
	cat := testutil.NewCatalog(t)
	entries := append(staticWCS(t), staticWCS(t)[0])
	entries[1].File = "astrometry_wcs_wfm_other.fits"

	r := NewResolver(cat, testutil.Version, "calib", config.GlobalFrames{}, entries)
	_, err := r.Resolve(context.Background(), []Need{{Type: "ASTROMETRY_WCS"}},
		"2017-06-15", "WFM-AO-N", config.FrameConfig{})
	assert.True(t, IsAmbiguous(err))
}

func TestDatedOverride(t *testing.T) {
	cat := testutil.NewCatalog(t)
	ctx := context.Background()
	cfg := config.FrameConfig{Overrides: map[string]config.Override{
		"ASTROMETRY_WCS": {Dated: map[string]config.Window{
			"wcs_june.fits": {Start: "2017-06-01", End: "2017-06-30"},
			"wcs_july.fits": {Start: "2017-07-01", End: "2017-07-31"},
		}},
	}}
	r := NewResolver(cat, testutil.Version, "calib", config.GlobalFrames{}, nil)

	m, err := r.Resolve(ctx, []Need{{Type: "ASTROMETRY_WCS"}},
		"2017-07-10", "WFM-AO-N", cfg)
	require.NoError(t, err)
	assert.Equal(t, "calib/wcs_july.fits", m["ASTROMETRY_WCS"][0].Path)

	_, err = r.Resolve(ctx, []Need{{Type: "ASTROMETRY_WCS"}},
		"2017-08-10", "WFM-AO-N", cfg)
	assert.True(t, IsMissing(err))

	cfg.Overrides["ASTROMETRY_WCS"] = config.Override{Dated: map[string]config.Window{
		"wcs_a.fits": {Start: "2017-06-01", End: "2017-06-30"},
		"wcs_b.fits": {Start: "2017-06-10", End: "2017-07-10"},
	}}
	_, err = r.Resolve(ctx, []Need{{Type: "ASTROMETRY_WCS"}},
		"2017-06-20", "WFM-AO-N", cfg)
	assert.True(t, IsAmbiguous(err))
}

func TestOverrideBeatsExclusion(t *testing.T) {
	cat := testutil.NewCatalog(t)
	cfg := config.FrameConfig{
		Exclude:   []config.FrameRef{{Type: "OUTPUT_WCS"}},
		Overrides: map[string]config.Override{"OUTPUT_WCS": {Path: "/calib/output_wcs.fits"}},
	}
	r := NewResolver(cat, testutil.Version, "", config.GlobalFrames{}, nil)

	m, err := r.Resolve(context.Background(), []Need{{Type: "OUTPUT_WCS"}},
		"2017-06-15", "WFM-AO-N", cfg)
	require.NoError(t, err)
	assert.Equal(t, "/calib/output_wcs.fits", m["OUTPUT_WCS"][0].Path)
}

func TestIncludeAddsFrameType(t *testing.T) {
	cat := testutil.NewCatalog(t)
	testutil.SeedReduced(t, cat, testutil.Version, "MASTER_DARK", "nocturne_dark",
		map[string]string{"2017-06-16T14:00:00.000": "2017-06-15"})
	r := NewResolver(cat, testutil.Version, "", config.GlobalFrames{}, nil)

	cfg := config.FrameConfig{Include: []string{"MASTER_DARK"}}
	m, err := r.Resolve(context.Background(), []Need{}, "2017-06-15", "WFM-AO-N", cfg)
	require.NoError(t, err)
	assert.Contains(t, m, "MASTER_DARK")
}

func TestExcludedOptionalIsSkipped(t *testing.T) {
	cat := testutil.NewCatalog(t)
	cfg := config.FrameConfig{Exclude: []config.FrameRef{{Type: "RAMAN_LINES"}}}
	r := NewResolver(cat, testutil.Version, "", config.GlobalFrames{}, nil)

	m, err := r.Resolve(context.Background(),
		[]Need{{Type: "RAMAN_LINES", Optional: true}}, "2017-06-15", "WFM-AO-N", cfg)
	require.NoError(t, err)
	assert.Empty(t, m)
}


func TestOverrideByRecordName(t *testing.T) {
	cat := testutil.NewCatalog(t)
	testutil.SeedReduced(t, cat, testutil.Version, "OFFSET_LIST", "nocturne_exp_align",
		map[string]string{"2017-06-16T01:25:02.867": "2017-06-15"})
	r := NewResolver(cat, testutil.Version, "calib", config.GlobalFrames{}, nil)

	cfg := config.FrameConfig{Overrides: map[string]config.Override{
		"OFFSET_LIST": {Path: "2017-06-16T01:25:02.867"},
	}}
	m, err := r.Resolve(context.Background(), []Need{{Type: "OFFSET_LIST"}},
		"2017-06-15", "WFM-AO-N", cfg)
	require.NoError(t, err)
	require.Len(t, m["OFFSET_LIST"], 1)
	assert.Equal(t, "reduced/0.1/2017-06-16T01:25:02.867.WFM-AO-N", m["OFFSET_LIST"][0].Path)

	// A record name that is not in the catalog is missing, not a path.
	cfg = config.FrameConfig{Overrides: map[string]config.Override{
		"OFFSET_LIST": {Path: "2017-06-20T00:00:00.000"},
	}}
	_, err = r.Resolve(context.Background(), []Need{{Type: "OFFSET_LIST"}},
		"2017-06-15", "WFM-AO-N", cfg)
	require.Error(t, err)
	assert.True(t, IsMissing(err))
}

func TestIncludeReenablesExcludedType(t *testing.T) {
	cat := testutil.NewCatalog(t)
	testutil.SeedReduced(t, cat, testutil.Version, "MASTER_DARK", "nocturne_dark",
		map[string]string{"2017-06-16T09:00:00.000": "2017-06-15"})
	r := NewResolver(cat, testutil.Version, "", config.GlobalFrames{}, nil)

	// An inherited exclusion plus the recipe's own include: the include
	// wins and the type resolves normally.
	cfg := config.FrameConfig{
		Exclude: []config.FrameRef{{Type: "MASTER_DARK"}},
		Include: []string{"MASTER_DARK"},
	}
	m, err := r.Resolve(context.Background(), []Need{{Type: "MASTER_DARK", Optional: true}},
		"2017-06-15", "WFM-AO-N", cfg)
	require.NoError(t, err)
	require.Contains(t, m, "MASTER_DARK")
	assert.Equal(t, "2017-06-16T09:00:00.000", m["MASTER_DARK"][0].Name)
}
