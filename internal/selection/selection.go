// Package selection decides which exposures a recipe runs on.
//
// The default selection is every raw science exposure of a dataset, minus
// the globally excluded files and, when the recipe says so, minus flagged
// exposures. Named selections narrow that further with per-table
// predicates; an exposure stays selected only if it satisfies every table
// of the selection.
package selection

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/nocturne-drs/nocturne/internal/catalog"
	"github.com/nocturne-drs/nocturne/internal/config"
	"github.com/nocturne-drs/nocturne/internal/frames"
	"github.com/nocturne-drs/nocturne/internal/query"
	"github.com/nocturne-drs/nocturne/internal/record"
)

// Engine resolves selections against one version of the catalog.
type Engine struct {
	cat     *catalog.Catalog
	version string
	global  config.GlobalFrames
}

// New builds a selection engine.
func New(cat *catalog.Catalog, version string, global config.GlobalFrames) *Engine {
	return &Engine{cat: cat, version: version, global: global}
}

// Result is one resolved selection. Name is empty for the default
// selection.
type Result struct {
	Name      string   `json:"name,omitempty"`
	Exposures []string `json:"exposures"`
}

// Default returns the dataset's science exposures in observation order,
// with global exclusions and, per the filter, flagged exposures removed.
func (e *Engine) Default(ctx context.Context, object string, excl config.FlagFilter) ([]string, error) {
	recs, err := e.cat.QueryRaw(ctx, query.AndOf(
		query.Eq{Column: "dpr_type", Value: "OBJECT"},
		query.Eq{Column: "object", Value: object},
	))
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", object, err)
	}

	items := append(append([]config.ExcludeItem(nil),
		e.global.Exclude["OBJECT"]...), e.global.Exclude["raw"]...)

	names := make([]string, 0, len(recs))
	for _, rec := range recs {
		if frames.Excluded(rec, items) {
			continue
		}
		names = append(names, rec.Name)
	}

	return e.dropFlagged(ctx, names, excl)
}

// dropFlagged removes exposures carrying excluded flags.
func (e *Engine) dropFlagged(ctx context.Context, names []string, excl config.FlagFilter) ([]string, error) {
	if !excl.Enabled() || len(names) == 0 {
		return names, nil
	}
	var flagNames []string
	if !excl.All {
		flagNames = excl.Names
	}
	flagged, err := e.cat.FindFlagged(ctx, e.version, flagNames)
	if err != nil {
		return nil, err
	}
	if len(flagged) == 0 {
		return names, nil
	}
	bad := make(map[string]bool, len(flagged))
	for _, f := range flagged {
		bad[f] = true
	}
	kept := names[:0]
	for _, n := range names {
		if !bad[n] {
			kept = append(kept, n)
		}
	}
	return kept, nil
}

// Named narrows base to the exposures satisfying every table of the
// selection.
func (e *Engine) Named(ctx context.Context, spec config.SelectionSpec, base []string) ([]string, error) {
	selected := make(map[string]bool, len(base))
	for _, n := range base {
		selected[n] = true
	}

	for _, table := range spec.Tables {
		names, err := e.tableNames(ctx, table)
		if err != nil {
			return nil, fmt.Errorf("selection %s: %w", spec.Name, err)
		}
		hit := make(map[string]bool, len(names))
		for _, n := range names {
			hit[n] = true
		}
		for n := range selected {
			if !hit[n] {
				delete(selected, n)
			}
		}
	}

	out := make([]string, 0, len(selected))
	for n := range selected {
		out = append(out, n)
	}
	sort.Strings(out)
	return out, nil
}

func (e *Engine) tableNames(ctx context.Context, table config.TableSelection) ([]string, error) {
	switch {
	case table.Table == "raw":
		recs, err := e.cat.QueryRaw(ctx, table.Pred)
		if err != nil {
			return nil, err
		}
		names := make([]string, len(recs))
		for i, rec := range recs {
			names[i] = rec.Name
		}
		return names, nil

	case table.Table == "reduced":
		recs, err := e.cat.QueryReduced(ctx, e.version, table.Pred)
		if err != nil {
			return nil, err
		}
		names := make([]string, len(recs))
		for i, rec := range recs {
			names[i] = rec.Name
		}
		return names, nil

	case strings.HasPrefix(table.Table, "qa_"):
		return e.cat.QueryQANames(ctx, strings.TrimPrefix(table.Table, "qa_"), table.Pred)

	default:
		return nil, fmt.Errorf("unknown selection table %q", table.Table)
	}
}

// Resolve produces the selections a recipe runs on: one per named
// selection, or a single default one. Named selections that come up empty
// are kept in the result with no exposures and recorded as warnings, so a
// dry run shows them.
func (e *Engine) Resolve(ctx context.Context, object string, rc *config.RecipeConfig, recipeName string) ([]Result, error) {
	base, err := e.Default(ctx, object, rc.ExcludeFlags)
	if err != nil {
		return nil, err
	}

	if len(rc.Selections) == 0 {
		return []Result{{Exposures: base}}, nil
	}

	results := make([]Result, 0, len(rc.Selections))
	for _, spec := range rc.Selections {
		names, err := e.Named(ctx, spec, base)
		if err != nil {
			return nil, err
		}
		if len(names) == 0 {
			warn := fmt.Sprintf("selection %s matched no exposure of %s", spec.Name, object)
			if err := e.cat.AddWarning(ctx, recipeName, object, warn); err != nil {
				return nil, err
			}
		}
		results = append(results, Result{Name: spec.Name, Exposures: names})
	}
	return results, nil
}

// CalibSequences groups a raw calibration type by night, global exclusions
// removed. Records within a night keep observation order.
func (e *Engine) CalibSequences(ctx context.Context, dprType string) (map[string][]record.FileRecord, error) {
	recs, err := e.cat.QueryRaw(ctx, query.Eq{Column: "dpr_type", Value: dprType})
	if err != nil {
		return nil, fmt.Errorf("calib %s: %w", dprType, err)
	}

	items := append(append([]config.ExcludeItem(nil),
		e.global.Exclude[dprType]...), e.global.Exclude["raw"]...)

	nights := make(map[string][]record.FileRecord)
	for _, rec := range recs {
		if frames.Excluded(rec, items) {
			continue
		}
		nights[rec.Night] = append(nights[rec.Night], rec)
	}
	return nights, nil
}
