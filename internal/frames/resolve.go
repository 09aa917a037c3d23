package frames

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/nocturne-drs/nocturne/internal/catalog"
	"github.com/nocturne-drs/nocturne/internal/config"
	"github.com/nocturne-drs/nocturne/internal/query"
	"github.com/nocturne-drs/nocturne/internal/record"
)

// Resolver resolves frame needs against one version's processed records,
// the static calibration registry and the global exclusions.
type Resolver struct {
	cat       *catalog.Catalog
	version   string
	calibPath string
	global    config.GlobalFrames
	static    []record.StaticCalibEntry
}

// NewResolver builds a resolver. calibPath roots relative static
// calibration and override paths.
func NewResolver(cat *catalog.Catalog, version, calibPath string, global config.GlobalFrames, static []record.StaticCalibEntry) *Resolver {
	return &Resolver{
		cat:       cat,
		version:   version,
		calibPath: calibPath,
		global:    global,
		static:    static,
	}
}

// Resolve builds the frame map for one recipe run. needs lists the frame
// types the recipe consumes; cfg is the recipe's effective frames block.
// Force-included types are added as required needs.
func (r *Resolver) Resolve(ctx context.Context, needs []Need, night, insMode string, cfg config.FrameConfig) (Map, error) {
	all := append([]Need(nil), needs...)
	for _, included := range cfg.Include {
		if !hasNeed(all, included) {
			all = append(all, Need{Type: included})
		}
	}

	m := make(Map, len(all))
	for _, need := range all {
		files, err := r.resolveOne(ctx, need, night, insMode, cfg)
		if err != nil {
			return nil, err
		}
		if len(files) > 0 {
			m[need.Type] = files
		}
	}
	return m, nil
}

func hasNeed(needs []Need, frameType string) bool {
	for _, n := range needs {
		if n.Type == frameType {
			return true
		}
	}
	return false
}

// resolveOne walks the precedence chain for a single frame type.
// An override beats an exclusion of the whole type; a type both overridden
// and excluded still resolves from the override.
func (r *Resolver) resolveOne(ctx context.Context, need Need, night, insMode string, cfg config.FrameConfig) ([]File, error) {
	if ov, ok := cfg.Overrides[need.Type]; ok {
		return r.resolveOverride(ctx, need, ov, night)
	}

	// An include re-enables an excluded type; a child recipe undoes an
	// inherited exclusion this way.
	if cfg.ExcludesType(need.Type) && !cfg.Includes(need.Type) {
		if need.Optional {
			return nil, nil
		}
		return nil, &ResolveError{
			Code: CodeMissing, Type: need.Type, Night: night,
			Detail: "excluded by configuration",
		}
	}

	if entries := r.staticFor(need.Type); len(entries) > 0 {
		return r.resolveStatic(need, entries, night)
	}

	return r.searchCatalog(ctx, need, night, insMode, cfg)
}

// resolveOverride serves a frame from an explicit settings entry: a
// processed record named by its sequence name, a literal path, a glob, or
// a dated file set.
func (r *Resolver) resolveOverride(ctx context.Context, need Need, ov config.Override, night string) ([]File, error) {
	if ov.Path != "" {
		if _, err := record.ParseExposure(ov.Path); err == nil {
			return r.overrideRecord(ctx, need, ov.Path, night)
		}
		if strings.ContainsAny(ov.Path, "*?[") {
			matches, err := filepath.Glob(ov.Path)
			if err != nil {
				return nil, fmt.Errorf("frame %s: bad glob %q: %w", need.Type, ov.Path, err)
			}
			if len(matches) == 0 {
				if need.Optional {
					return nil, nil
				}
				return nil, &ResolveError{
					Code: CodeMissing, Type: need.Type, Night: night,
					Detail: fmt.Sprintf("glob %q matched nothing", ov.Path),
				}
			}
			sort.Strings(matches)
			files := make([]File, len(matches))
			for i, m := range matches {
				files[i] = File{Type: need.Type, Name: filepath.Base(m), Path: m}
			}
			return files, nil
		}
		path := r.rooted(ov.Path)
		return []File{{Type: need.Type, Name: filepath.Base(path), Path: path}}, nil
	}

	day, err := record.ParseDate(night)
	if err != nil {
		return nil, fmt.Errorf("frame %s: %w", need.Type, err)
	}
	var names []string
	for name := range ov.Dated {
		names = append(names, name)
	}
	sort.Strings(names)

	var valid []string
	for _, name := range names {
		iv, err := ov.Dated[name].Interval()
		if err != nil {
			return nil, fmt.Errorf("frame %s, file %s: %w", need.Type, name, err)
		}
		if iv.Contains(day) {
			valid = append(valid, name)
		}
	}
	switch len(valid) {
	case 0:
		if need.Optional {
			return nil, nil
		}
		return nil, &ResolveError{
			Code: CodeMissing, Type: need.Type, Night: night,
			Detail: "no override file is valid for this night",
		}
	case 1:
		path := r.rooted(valid[0])
		return []File{{Type: need.Type, Name: filepath.Base(valid[0]), Path: path}}, nil
	default:
		return nil, &ResolveError{
			Code: CodeAmbiguous, Type: need.Type, Night: night,
			Detail: fmt.Sprintf("override files %s are all valid", strings.Join(valid, ", ")),
		}
	}
}

// overrideRecord serves an override that names a processed record (an
// OFFSET_LIST computed by an earlier step, typically) instead of a file.
func (r *Resolver) overrideRecord(ctx context.Context, need Need, name, night string) ([]File, error) {
	recs, err := r.cat.QueryReduced(ctx, r.version, query.AndOf(
		query.Eq{Column: "name", Value: name},
		query.Eq{Column: "dpr_type", Value: need.Type},
	))
	if err != nil {
		return nil, fmt.Errorf("frame %s: %w", need.Type, err)
	}
	if len(recs) == 0 {
		if need.Optional {
			return nil, nil
		}
		return nil, &ResolveError{
			Code: CodeMissing, Type: need.Type, Night: night,
			Detail: fmt.Sprintf("no processed record named %s", name),
		}
	}
	best := recs[0]
	for _, rec := range recs[1:] {
		if rec.DateRun.After(best.DateRun) {
			best = rec
		}
	}
	return []File{{Type: need.Type, Name: best.Name, Path: best.Path}}, nil
}

func (r *Resolver) staticFor(frameType string) []record.StaticCalibEntry {
	var entries []record.StaticCalibEntry
	for _, e := range r.static {
		if e.Type == frameType {
			entries = append(entries, e)
		}
	}
	return entries
}

// resolveStatic serves a frame from the static calibration registry. A
// type with registered entries never falls back to the catalog search;
// static calibrations are not recipe products.
func (r *Resolver) resolveStatic(need Need, entries []record.StaticCalibEntry, night string) ([]File, error) {
	day, err := record.ParseDate(night)
	if err != nil {
		return nil, fmt.Errorf("frame %s: %w", need.Type, err)
	}

	var valid []record.StaticCalibEntry
	for _, e := range entries {
		if e.Validity.Contains(day) {
			valid = append(valid, e)
		}
	}
	switch len(valid) {
	case 0:
		if need.Optional {
			return nil, nil
		}
		return nil, &ResolveError{
			Code: CodeMissing, Type: need.Type, Night: night,
			Detail: "no static calibration is valid for this night",
		}
	case 1:
		path := r.rooted(valid[0].File)
		return []File{{Type: need.Type, Name: valid[0].File, Path: path}}, nil
	default:
		names := make([]string, len(valid))
		for i, e := range valid {
			names[i] = e.File
		}
		return nil, &ResolveError{
			Code: CodeAmbiguous, Type: need.Type, Night: night,
			Detail: fmt.Sprintf("static calibrations %s overlap", strings.Join(names, ", ")),
		}
	}
}

// searchCatalog finds the processed record serving a frame type: the
// nearest night within the search radius, the most recently processed
// record breaking a distance tie.
func (r *Resolver) searchCatalog(ctx context.Context, need Need, night, insMode string, cfg config.FrameConfig) ([]File, error) {
	day, err := record.ParseDate(night)
	if err != nil {
		return nil, fmt.Errorf("frame %s: %w", need.Type, err)
	}
	off := offsetFor(need.Type, cfg)
	lo := day.AddDate(0, 0, -off).Format(record.DateLayout)
	hi := day.AddDate(0, 0, off).Format(record.DateLayout)

	preds := []query.Predicate{
		query.Eq{Column: "dpr_type", Value: need.Type},
		query.Between{Column: "night", Low: lo, High: hi},
	}
	if modeMatched[need.Type] && insMode != "" {
		preds = append(preds, query.Eq{Column: "ins_mode", Value: insMode})
	}

	recs, err := r.cat.QueryReduced(ctx, r.version, query.AndOf(preds...))
	if err != nil {
		return nil, fmt.Errorf("frame %s: %w", need.Type, err)
	}

	recs = r.filterExcluded(recs, need.Type, cfg)
	if len(recs) == 0 {
		if need.Optional {
			return nil, nil
		}
		return nil, &ResolveError{
			Code: CodeMissing, Type: need.Type, Night: night,
			Detail: fmt.Sprintf("no processed record within %d day(s)", off),
		}
	}

	best := pickNearest(recs, night)
	return []File{{Type: need.Type, Name: best.Name, Path: best.Path}}, nil
}

func (r *Resolver) filterExcluded(recs []record.FileRecord, frameType string, cfg config.FrameConfig) []record.FileRecord {
	globalItems := r.global.Exclude[frameType]
	names := cfg.ExcludedNames(frameType)

	kept := recs[:0]
	for _, rec := range recs {
		if Excluded(rec, globalItems) {
			continue
		}
		if nameListed(rec.Name, names) {
			continue
		}
		kept = append(kept, rec)
	}
	return kept
}

func nameListed(name string, names []string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

// pickNearest chooses among candidates from several nights. Nights sort
// lexically, which for ISO dates is chronological.
func pickNearest(recs []record.FileRecord, night string) record.FileRecord {
	best := recs[0]
	bestDist := nightDistance(best.Night, night)
	for _, rec := range recs[1:] {
		dist := nightDistance(rec.Night, night)
		switch {
		case dist < bestDist:
			best, bestDist = rec, dist
		case dist > bestDist:
		case rec.Night == best.Night:
			// Same night: the latest reprocessing wins, then the latest
			// sequence.
			if rec.DateRun.After(best.DateRun) ||
				(rec.DateRun.Equal(best.DateRun) && rec.Name > best.Name) {
				best = rec
			}
		default:
			// Equidistant nights: the most recently processed record
			// wins, the later night breaking a processing-date tie.
			if rec.DateRun.After(best.DateRun) ||
				(rec.DateRun.Equal(best.DateRun) && rec.Night > best.Night) {
				best = rec
			}
		}
	}
	return best
}

func nightDistance(a, b string) int {
	da, errA := record.ParseDate(a)
	db, errB := record.ParseDate(b)
	if errA != nil || errB != nil {
		return int(^uint(0) >> 1)
	}
	d := int(da.Sub(db).Hours() / 24)
	if d < 0 {
		return -d
	}
	return d
}

func (r *Resolver) rooted(path string) string {
	if filepath.IsAbs(path) || r.calibPath == "" {
		return path
	}
	return filepath.Join(r.calibPath, path)
}
