package record

import (
	"testing"
	"time"
)

func TestNightOf(t *testing.T) {
	tests := []struct {
		name    string
		dateObs string
		want    string
	}{
		{"evening exposure stays on its date", "2017-06-15T22:10:00.000", "2017-06-15"},
		{"post-midnight rolls to previous night", "2017-06-16T01:34:56.867", "2017-06-15"},
		{"morning calibration rolls back", "2017-06-16T10:40:27.000", "2017-06-15"},
		{"just before the boundary rolls back", "2017-06-16T20:39:59.000", "2017-06-15"},
		{"at the boundary starts the new night", "2017-06-16T20:40:00.000", "2017-06-16"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dateObs, err := time.Parse(ExposureLayout, tt.dateObs)
			if err != nil {
				t.Fatalf("parse %q: %v", tt.dateObs, err)
			}
			if got := NightOf(dateObs); got != tt.want {
				t.Errorf("NightOf(%s) = %q, want %q", tt.dateObs, got, tt.want)
			}
		})
	}
}

func TestExposureName(t *testing.T) {
	tests := []struct {
		filename string
		want     string
	}{
		{"MUSE.2018-09-08T10:19:47.146.fits.fz", "2018-09-08T10:19:47.146"},
		{"raw/MUSE.2018-09-08T10:19:47.146.fits.fz", "2018-09-08T10:19:47.146"},
		{"foo.fits", ""},
	}
	for _, tt := range tests {
		if got := ExposureName(tt.filename); got != tt.want {
			t.Errorf("ExposureName(%q) = %q, want %q", tt.filename, got, tt.want)
		}
	}
}

func TestIntervalContains(t *testing.T) {
	date := func(s string) time.Time {
		d, err := ParseDate(s)
		if err != nil {
			t.Fatalf("parse date: %v", err)
		}
		return d
	}

	iv := Interval{Start: date("2018-08-11"), End: date("2018-08-26")}
	if !iv.Contains(date("2018-08-13")) {
		t.Error("date inside interval should be contained")
	}
	if !iv.Contains(date("2018-08-11")) || !iv.Contains(date("2018-08-26")) {
		t.Error("bounds are inclusive")
	}
	if iv.Contains(date("2018-09-10")) {
		t.Error("date after end must not be contained")
	}

	openStart := Interval{End: date("2018-08-26")}
	if !openStart.Contains(date("1993-01-01")) {
		t.Error("open start means valid from the beginning of time")
	}
	openEnd := Interval{Start: date("2018-08-11")}
	if !openEnd.Contains(date("2030-01-01")) {
		t.Error("open end means valid forever")
	}
}

func TestIntervalOverlaps(t *testing.T) {
	date := func(s string) time.Time {
		d, _ := ParseDate(s)
		return d
	}
	a := Interval{Start: date("2018-08-11"), End: date("2018-08-26")}
	b := Interval{Start: date("2018-09-04"), End: date("2018-09-15")}
	if a.Overlaps(b) || b.Overlaps(a) {
		t.Error("disjoint intervals must not overlap")
	}
	c := Interval{Start: date("2018-08-20")}
	if !a.Overlaps(c) {
		t.Error("open-ended interval overlapping the tail must overlap")
	}
}

func TestParamsID(t *testing.T) {
	id1, err := ParamsID(map[string]any{"skymethod": "model", "nifu": int64(-1)})
	if err != nil {
		t.Fatalf("ParamsID: %v", err)
	}
	id2, err := ParamsID(map[string]any{"nifu": int64(-1), "skymethod": "model"})
	if err != nil {
		t.Fatalf("ParamsID: %v", err)
	}
	if id1 != id2 {
		t.Errorf("key order must not change the id: %q vs %q", id1, id2)
	}

	id3, _ := ParamsID(map[string]any{"skymethod": "subtract", "nifu": int64(-1)})
	if id3 == id1 {
		t.Error("different parameters must produce different ids")
	}

	empty, err := ParamsID(nil)
	if err != nil {
		t.Fatalf("ParamsID(nil): %v", err)
	}
	if empty != "default" {
		t.Errorf("empty params id = %q, want %q", empty, "default")
	}

	// Integral floats and ints hash alike: settings decoded from YAML or
	// JSON may deliver either for the same value.
	a, _ := ParamsID(map[string]any{"lambdamin": float64(4000)})
	b, _ := ParamsID(map[string]any{"lambdamin": int64(4000)})
	if a != b {
		t.Errorf("4000.0 and 4000 should hash alike, got %q vs %q", a, b)
	}
}

func TestParamsIDNormalizesKeys(t *testing.T) {
	// "café" composed (U+00E9) and decomposed (e + U+0301) name the
	// same parameter and must carry the value either way.
	composed, err := ParamsID(map[string]any{"café": "lyon"})
	if err != nil {
		t.Fatalf("ParamsID: %v", err)
	}
	decomposed, err := ParamsID(map[string]any{"café": "lyon"})
	if err != nil {
		t.Fatalf("ParamsID: %v", err)
	}
	if composed != decomposed {
		t.Errorf("normalization-equivalent keys must hash alike: %q vs %q", composed, decomposed)
	}

	other, _ := ParamsID(map[string]any{"café": "paris"})
	if other == decomposed {
		t.Error("the value under a decomposed key must reach the digest")
	}
}
