// Package config holds the parsed settings document driving a reduction:
// datasets, named observing runs, static calibration validity windows,
// global frame exclusions and per-recipe configuration.
//
// The document is YAML with ${var} path substitution. After decoding it is
// validated against a CUE schema, and recipe inheritance (from_recipe) is
// flattened once into effective per-recipe configs, so the rest of the
// system never chases references at resolution time.
package config

import (
	"fmt"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nocturne-drs/nocturne/internal/query"
	"github.com/nocturne-drs/nocturne/internal/record"
)

// Settings is the root of the parsed settings document.
type Settings struct {
	Workdir     string `yaml:"workdir"`
	RawPath     string `yaml:"raw_path"`
	ReducedPath string `yaml:"reduced_path"`
	CalibPath   string `yaml:"calib_path"`
	LogDir      string `yaml:"log_dir"`
	DB          string `yaml:"db"`
	Version     string `yaml:"version"`
	LogLevel    string `yaml:"loglevel"`

	Datasets    map[string]Dataset        `yaml:"datasets"`
	Runs        map[string]RunPeriod      `yaml:"runs"`
	StaticCalib map[string]map[string]Window `yaml:"static_calib"`
	Frames      GlobalFrames              `yaml:"frames"`
	Recipes     map[string]*RecipeConfig  `yaml:"recipes"`

	// AdditionalFlags extends the built-in QA flag set.
	AdditionalFlags map[string]string `yaml:"flags"`
}

// Dataset describes one science target and how its exposures are matched.
type Dataset struct {
	Object string `yaml:"OBJECT"`
	// ArchiveQuery holds archive-retrieval parameters; opaque to the core.
	ArchiveQuery map[string]any `yaml:"archive"`
}

// RunPeriod is a named observing run covering a date range.
type RunPeriod struct {
	Start string `yaml:"start_date"`
	End   string `yaml:"end_date"`
}

// Interval parses the run's bounds.
func (r RunPeriod) Interval() (record.Interval, error) {
	return Window{Start: r.Start, End: r.End}.Interval()
}

// Window is a validity window with optional bounds, as written in the
// settings file.
type Window struct {
	Start string `yaml:"start_date"`
	End   string `yaml:"end_date"`
}

// Interval converts the window to a record.Interval.
func (w Window) Interval() (record.Interval, error) {
	var iv record.Interval
	var err error
	if w.Start != "" {
		if iv.Start, err = record.ParseDate(w.Start); err != nil {
			return iv, err
		}
	}
	if w.End != "" {
		if iv.End, err = record.ParseDate(w.End); err != nil {
			return iv, err
		}
	}
	return iv, nil
}

// GlobalFrames is the frames section at the top level of the settings:
// exclusions that apply to every recipe.
type GlobalFrames struct {
	// Exclude maps a frame type (or "raw", matching any raw file) to the
	// excluded items of that type.
	Exclude map[string][]ExcludeItem `yaml:"exclude"`
}

// ExcludeItem blacklists either one file by name (or sequence-start
// timestamp), or every file matching a column query.
type ExcludeItem struct {
	Name  string
	Where map[string]any
}

// UnmarshalYAML accepts either a scalar name or a column mapping.
func (e *ExcludeItem) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		return node.Decode(&e.Name)
	case yaml.MappingNode:
		if err := node.Decode(&e.Where); err != nil {
			return err
		}
		// Unquoted dates decode as time.Time; predicates compare against
		// text columns, so fold them back to their written form.
		for k, v := range e.Where {
			if ts, ok := v.(time.Time); ok {
				e.Where[k] = formatScalarTime(ts)
			}
		}
		return nil
	default:
		return fmt.Errorf("line %d: exclude items must be a name or a column mapping", node.Line)
	}
}

func formatScalarTime(t time.Time) string {
	if t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 && t.Nanosecond() == 0 {
		return t.Format(record.DateLayout)
	}
	return t.Format("2006-01-02T15:04:05")
}

// RecipeConfig is the per-recipe section of the settings.
type RecipeConfig struct {
	// FromRecipe names a recipe whose configuration (and whose output
	// records) this recipe builds on. Flattened at load time.
	FromRecipe string

	// DPRType overrides the input frame type the recipe consumes.
	DPRType string

	Frames FrameConfig
	Init   map[string]any
	Params map[string]any

	// Selections are the named selections feeding a combination recipe.
	Selections []SelectionSpec

	// ExcludeFlags drops flagged exposures from selections: true drops
	// any flagged exposure, a list drops only those flag names.
	ExcludeFlags FlagFilter
}

// rawRecipeConfig is the YAML shape of a recipe block.
type rawRecipeConfig struct {
	FromRecipe   string                       `yaml:"from_recipe"`
	DPRType      string                       `yaml:"DPR_TYPE"`
	Frames       FrameConfig                  `yaml:"frames"`
	Init         map[string]any               `yaml:"init"`
	Params       map[string]any               `yaml:"params"`
	Selections   map[string]map[string]map[string]string `yaml:"names_with_selection"`
	ExcludeFlags FlagFilter                   `yaml:"exclude_flags"`
}

// UnmarshalYAML decodes a recipe block, compiling selection conditions into
// predicates so malformed conditions fail at load time.
func (rc *RecipeConfig) UnmarshalYAML(node *yaml.Node) error {
	var raw rawRecipeConfig
	if err := node.Decode(&raw); err != nil {
		return err
	}
	rc.FromRecipe = raw.FromRecipe
	rc.DPRType = raw.DPRType
	rc.Frames = raw.Frames
	rc.Init = raw.Init
	rc.Params = raw.Params
	rc.ExcludeFlags = raw.ExcludeFlags

	specs, err := compileSelections(raw.Selections)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	rc.Selections = specs
	return nil
}

// SelectionSpec is one named selection: per-table predicates whose
// intersection identifies the selected exposures.
type SelectionSpec struct {
	Name   string
	Tables []TableSelection
}

// TableSelection is the predicate a selection applies to one table.
// Table is "raw", "reduced", or a QC table name ("qa_raw").
type TableSelection struct {
	Table string
	Pred  query.Predicate
}

func compileSelections(raw map[string]map[string]map[string]string) ([]SelectionSpec, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	specs := make([]SelectionSpec, 0, len(raw))
	for name, tables := range raw {
		spec := SelectionSpec{Name: name}
		for table, conds := range tables {
			columns := make([]string, 0, len(conds))
			for column := range conds {
				columns = append(columns, column)
			}
			sort.Strings(columns)
			var preds []query.Predicate
			for _, column := range columns {
				p, err := query.ParseCond(column, conds[column])
				if err != nil {
					return nil, fmt.Errorf("selection %q, table %q: %w", name, table, err)
				}
				preds = append(preds, p)
			}
			spec.Tables = append(spec.Tables, TableSelection{
				Table: table,
				Pred:  query.AndOf(preds...),
			})
		}
		sortTableSelections(spec.Tables)
		specs = append(specs, spec)
	}
	sortSelectionSpecs(specs)
	return specs, nil
}

// FlagFilter is the exclude_flags setting: absent, boolean, or a list of
// flag names.
type FlagFilter struct {
	All   bool
	Names []string
}

// Enabled reports whether the filter drops anything at all.
func (f FlagFilter) Enabled() bool {
	return f.All || len(f.Names) > 0
}

// UnmarshalYAML accepts true/false or a list of flag names.
func (f *FlagFilter) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		return node.Decode(&f.All)
	case yaml.SequenceNode:
		return node.Decode(&f.Names)
	default:
		return fmt.Errorf("line %d: exclude_flags must be a boolean or a list of flag names", node.Line)
	}
}
