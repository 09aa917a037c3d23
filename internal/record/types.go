package record

import (
	"fmt"
	"time"
)

// FileRecord describes one physical data file, raw or processed.
//
// Core fields are typed; instrument header keywords that the core does not
// interpret live in the Attrs bag. Raw records are written once by ingestion
// and are immutable afterwards except for flag and comment annotation.
// Processed records are written by the run tracker and are namespaced by
// reduction version.
type FileRecord struct {
	// Name uniquely identifies the file, e.g. an exposure timestamp
	// ("2017-06-16T01:34:56.867") or a calibration sequence start.
	Name string

	// Type is the frame category tag (BIAS, MASTER_FLAT, PIXTABLE_REDUCED...).
	// Open-ended: new categories appear without code changes.
	Type string

	// Night is the observing night label ("2006-06-15"), derived from the
	// exposure start with the night-boundary convention (see NightOf).
	Night string

	// DateObs is the precise observation (or processing) timestamp.
	DateObs time.Time

	// Path is the location of the file or of its output directory.
	Path string

	// Run is the named observing run containing Night, if any.
	Run string

	// Object is the OBJECT/dataset name for science exposures.
	Object string

	// InsMode is the instrument mode (e.g. "WFM-AO-N").
	InsMode string

	// RecipeName and Version are set on processed records only: the recipe
	// that produced the file and the reduction version that owns it.
	RecipeName string
	Version    string

	// DateRun is the processing timestamp for processed records.
	DateRun time.Time

	// Attrs holds additional header keywords as scalar values
	// (string, int64, float64 or bool).
	Attrs map[string]any
}

// AttrString returns a string attribute, or "" if absent or not a string.
func (r *FileRecord) AttrString(key string) string {
	s, _ := r.Attrs[key].(string)
	return s
}

// AttrFloat returns a float attribute and whether it was present.
// Integer attributes are widened.
func (r *FileRecord) AttrFloat(key string) (float64, bool) {
	switch v := r.Attrs[key].(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// Interval is a date validity window. A zero Start means valid from the
// beginning of time, a zero End means valid forever.
type Interval struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether the interval covers the given date.
// Both bounds are inclusive.
func (iv Interval) Contains(date time.Time) bool {
	if !iv.Start.IsZero() && date.Before(iv.Start) {
		return false
	}
	if !iv.End.IsZero() && date.After(iv.End) {
		return false
	}
	return true
}

// Overlaps reports whether two intervals share at least one day.
func (iv Interval) Overlaps(other Interval) bool {
	if !iv.End.IsZero() && !other.Start.IsZero() && iv.End.Before(other.Start) {
		return false
	}
	if !other.End.IsZero() && !iv.Start.IsZero() && other.End.Before(iv.Start) {
		return false
	}
	return true
}

func (iv Interval) String() string {
	format := func(t time.Time, open string) string {
		if t.IsZero() {
			return open
		}
		return t.Format("2006-01-02")
	}
	return fmt.Sprintf("[%s, %s]", format(iv.Start, "-inf"), format(iv.End, "+inf"))
}

// StaticCalibEntry declares that a calibration file of a given type is valid
// over a fixed date range, instead of being derived per night from the
// catalog. Entries of the same type intended to coexist must not overlap;
// overlapping matches are reported as ambiguous at resolution time.
type StaticCalibEntry struct {
	Type     string
	File     string
	Validity Interval
}

// RunState is the lifecycle state of a recipe run.
type RunState string

const (
	StateRunning    RunState = "running"
	StateSucceeded  RunState = "succeeded"
	StateFailed     RunState = "failed"
	StateSuperseded RunState = "superseded"
)

// Product is one declared output of a recipe execution.
type Product struct {
	Type string `json:"type"`
	Path string `json:"path"`
}

// RunRecord is the execution bookkeeping for one recipe invocation.
//
// At most one record is current (running or succeeded) per
// (Recipe, Target, ParamsID, Version) key; re-execution either supersedes
// the prior record or is skipped, depending on policy.
type RunRecord struct {
	ID       string
	Recipe   string
	Target   string
	ParamsID string
	Version  string
	State    RunState

	StartedAt time.Time
	EndedAt   time.Time

	LogPath   string
	OutputDir string
	Products  []Product

	// Reason carries the failure description for failed runs.
	Reason string
}

// RunKey identifies the serialization unit for run claims.
type RunKey struct {
	Recipe   string
	Target   string
	ParamsID string
	Version  string
}

func (k RunKey) String() string {
	return fmt.Sprintf("%s/%s/%s@%s", k.Recipe, k.Target, k.ParamsID, k.Version)
}

// Flag is a quality annotation on an exposure, namespaced by reduction
// version. Flags are additive and removable; Value is a small positive
// integer, conventionally 1.
type Flag struct {
	Exposure string
	Name     string
	Value    int64
	Version  string
}
