// Package flags is the QA flag vocabulary and the operations on flagged
// exposures. The flag names are fixed here, optionally extended from the
// settings file, so a typo in a flag name is an error rather than a silent
// new flag.
package flags

import (
	"context"
	"fmt"
	"sort"

	"github.com/nocturne-drs/nocturne/internal/catalog"
)

// Builtin is the predefined QA flag vocabulary.
var Builtin = map[string]string{
	"BAD_CENTERING":         "centering on the reference source failed",
	"BAD_IMAQUALITY":        "image quality is out of the usable range",
	"BAD_SKY_FLUX":          "sky flux is anomalously high",
	"BAD_SKY_SUB":           "sky subtraction left visible residuals",
	"BAD_SLICE":             "one or more slices are unusable",
	"IMPHOT_BAD_SCALE":      "photometric scale factor is out of range",
	"IMPHOT_HIGH_BKG":       "photometric fit reports a high background offset",
	"IMPHOT_OUTLIER_OFFSET": "photometric offset is an outlier for the field",
	"SATELLITE":             "satellite trail crosses the field",
	"SHORT_EXPTIME":         "exposure time is shorter than nominal",
	"SLICE_GRADIENT":        "flux gradient across slices",
}

// UnknownFlagError reports a flag name outside the vocabulary.
type UnknownFlagError struct {
	Name string
}

func (e *UnknownFlagError) Error() string {
	return fmt.Sprintf("unknown flag %q", e.Name)
}

// Set binds the flag vocabulary to one version's flag table.
type Set struct {
	cat     *catalog.Catalog
	version string
	known   map[string]string
}

// New builds a Set over the builtin vocabulary plus the settings-defined
// additions.
func New(cat *catalog.Catalog, version string, additional map[string]string) *Set {
	known := make(map[string]string, len(Builtin)+len(additional))
	for name, desc := range Builtin {
		known[name] = desc
	}
	for name, desc := range additional {
		known[name] = desc
	}
	return &Set{cat: cat, version: version, known: known}
}

// Names returns the full vocabulary, sorted.
func (s *Set) Names() []string {
	names := make([]string, 0, len(s.known))
	for name := range s.known {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Describe returns a flag's description.
func (s *Set) Describe(name string) (string, bool) {
	desc, ok := s.known[name]
	return desc, ok
}

func (s *Set) check(names []string) error {
	for _, name := range names {
		if _, ok := s.known[name]; !ok {
			return &UnknownFlagError{Name: name}
		}
	}
	return nil
}

// Add sets flags on exposures. Re-adding a flag is idempotent.
func (s *Set) Add(ctx context.Context, exposures, flagNames []string) error {
	if err := s.check(flagNames); err != nil {
		return err
	}
	return s.cat.AddFlags(ctx, s.version, exposures, flagNames, 1)
}

// Remove clears flags from exposures. Absent flags are a no-op.
func (s *Set) Remove(ctx context.Context, exposures, flagNames []string) error {
	if err := s.check(flagNames); err != nil {
		return err
	}
	return s.cat.RemoveFlags(ctx, s.version, exposures, flagNames)
}

// List returns the flags set on one exposure, sorted.
func (s *Set) List(ctx context.Context, exposure string) ([]string, error) {
	return s.cat.FlagsFor(ctx, s.version, exposure)
}

// Find returns the exposures carrying any of the named flags, or any flag
// at all when names is empty.
func (s *Set) Find(ctx context.Context, flagNames []string) ([]string, error) {
	if err := s.check(flagNames); err != nil {
		return nil, err
	}
	return s.cat.FindFlagged(ctx, s.version, flagNames)
}
