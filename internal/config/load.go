package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"

	"github.com/nocturne-drs/nocturne/internal/record"
)

//go:embed schema.cue
var schemaCUE []byte

// LoadError is a settings problem found before any reduction work starts.
type LoadError struct {
	Code    string
	Message string
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

const (
	// ErrCodeRead covers filesystem problems reading the settings file.
	ErrCodeRead = "S001"
	// ErrCodeSubst covers ${var} substitution failures.
	ErrCodeSubst = "S002"
	// ErrCodeSchema covers CUE schema validation failures.
	ErrCodeSchema = "S003"
	// ErrCodeDecode covers YAML decoding failures.
	ErrCodeDecode = "S004"
	// ErrCodeRecipe covers recipe inheritance problems.
	ErrCodeRecipe = "S005"
)

// Load reads a settings file, applies ${var} substitution, validates the
// document against the embedded schema and flattens recipe inheritance.
func Load(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{Code: ErrCodeRead, Message: err.Error()}
	}
	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// Parse builds Settings from a raw settings document.
func Parse(data []byte) (*Settings, error) {
	expanded, err := substituteVars(data)
	if err != nil {
		return nil, err
	}
	if err := validateSchema(expanded); err != nil {
		return nil, err
	}

	var s Settings
	if err := yaml.Unmarshal(expanded, &s); err != nil {
		return nil, &LoadError{Code: ErrCodeDecode, Message: err.Error()}
	}

	s.Workdir = expandHome(s.Workdir)
	s.RawPath = expandHome(s.RawPath)
	s.ReducedPath = expandHome(s.ReducedPath)
	s.CalibPath = expandHome(s.CalibPath)
	s.LogDir = expandHome(s.LogDir)
	s.DB = expandHome(s.DB)

	if err := s.flattenRecipes(); err != nil {
		return nil, err
	}
	return &s, nil
}

var varPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// substituteVars expands ${name} references against the document's own
// top-level string values. Values may reference each other, so resolution
// iterates; a reference that never settles means a cycle.
func substituteVars(data []byte) ([]byte, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &LoadError{Code: ErrCodeDecode, Message: err.Error()}
	}

	vars := make(map[string]string)
	for key, val := range doc {
		if s, ok := val.(string); ok {
			vars[key] = s
		}
	}

	for range vars {
		settled := true
		for key, val := range vars {
			next := varPattern.ReplaceAllStringFunc(val, func(ref string) string {
				name := varPattern.FindStringSubmatch(ref)[1]
				if rep, ok := vars[name]; ok && name != key {
					return rep
				}
				return ref
			})
			if next != val {
				vars[key] = next
				settled = false
			}
		}
		if settled {
			break
		}
	}

	out := varPattern.ReplaceAllFunc(data, func(ref []byte) []byte {
		name := varPattern.FindSubmatch(ref)[1]
		if rep, ok := vars[string(name)]; ok && !varPattern.MatchString(rep) {
			return []byte(rep)
		}
		return ref
	})
	if loc := varPattern.Find(out); loc != nil {
		return nil, &LoadError{
			Code:    ErrCodeSubst,
			Message: fmt.Sprintf("unresolved reference %s", loc),
		}
	}
	return out, nil
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}

// validateSchema unifies the decoded document with the embedded CUE schema
// so shape errors surface with field paths before anything runs.
func validateSchema(data []byte) error {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return &LoadError{Code: ErrCodeDecode, Message: err.Error()}
	}

	ctx := cuecontext.New()
	schema := ctx.CompileBytes(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return &LoadError{Code: ErrCodeSchema, Message: fmt.Sprintf("compiling schema: %v", err)}
	}

	unified := schema.Unify(ctx.Encode(doc))
	if err := unified.Validate(cue.Concrete(false)); err != nil {
		var msgs []string
		for _, e := range cueerrors.Errors(err) {
			msgs = append(msgs, e.Error())
		}
		return &LoadError{Code: ErrCodeSchema, Message: strings.Join(msgs, "; ")}
	}
	return nil
}

// flattenRecipes resolves from_recipe chains so every recipe carries its
// effective configuration. Cycles are rejected.
func (s *Settings) flattenRecipes() error {
	resolved := make(map[string]bool)

	var resolve func(name string, trail []string) error
	resolve = func(name string, trail []string) error {
		if resolved[name] {
			return nil
		}
		for _, seen := range trail {
			if seen == name {
				return &LoadError{
					Code:    ErrCodeRecipe,
					Message: fmt.Sprintf("from_recipe cycle: %s", strings.Join(append(trail, name), " -> ")),
				}
			}
		}
		rc := s.Recipes[name]
		if rc == nil {
			from := name
			if len(trail) > 0 {
				from = trail[len(trail)-1]
			}
			return &LoadError{
				Code:    ErrCodeRecipe,
				Message: fmt.Sprintf("%s: from_recipe %q is not configured", from, name),
			}
		}
		if rc.FromRecipe != "" {
			if err := resolve(rc.FromRecipe, append(trail, name)); err != nil {
				return err
			}
			rc.inherit(s.Recipes[rc.FromRecipe])
		}
		resolved[name] = true
		return nil
	}

	names := make([]string, 0, len(s.Recipes))
	for name := range s.Recipes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := resolve(name, nil); err != nil {
			return err
		}
	}
	return nil
}

// inherit overlays a parent's effective configuration under this recipe's
// own settings. The child wins on every key it sets explicitly.
func (rc *RecipeConfig) inherit(parent *RecipeConfig) {
	if rc.DPRType == "" {
		rc.DPRType = parent.DPRType
	}
	rc.Init = mergeMaps(parent.Init, rc.Init)
	rc.Params = mergeMaps(parent.Params, rc.Params)
	if len(rc.Selections) == 0 {
		rc.Selections = parent.Selections
	}
	if !rc.ExcludeFlags.Enabled() {
		rc.ExcludeFlags = parent.ExcludeFlags
	}

	rc.Frames.Exclude = append(append([]FrameRef(nil), parent.Frames.Exclude...), rc.Frames.Exclude...)
	rc.Frames.Include = append(append([]string(nil), parent.Frames.Include...), rc.Frames.Include...)
	rc.Frames.Offsets = mergeOffsets(parent.Frames.Offsets, rc.Frames.Offsets)
	rc.Frames.Overrides = mergeOverrides(parent.Frames.Overrides, rc.Frames.Overrides)
}

func mergeMaps(parent, child map[string]any) map[string]any {
	if len(parent) == 0 {
		return child
	}
	merged := make(map[string]any, len(parent)+len(child))
	for k, v := range parent {
		merged[k] = v
	}
	for k, v := range child {
		merged[k] = v
	}
	return merged
}

func mergeOffsets(parent, child map[string]int) map[string]int {
	if len(parent) == 0 {
		return child
	}
	merged := make(map[string]int, len(parent)+len(child))
	for k, v := range parent {
		merged[k] = v
	}
	for k, v := range child {
		merged[k] = v
	}
	return merged
}

func mergeOverrides(parent, child map[string]Override) map[string]Override {
	if len(parent) == 0 {
		return child
	}
	merged := make(map[string]Override, len(parent)+len(child))
	for k, v := range parent {
		merged[k] = v
	}
	for k, v := range child {
		merged[k] = v
	}
	return merged
}

// Recipe returns the effective configuration for a recipe, or an empty one
// when the settings file has no section for it.
func (s *Settings) Recipe(name string) *RecipeConfig {
	if rc, ok := s.Recipes[name]; ok {
		return rc
	}
	return &RecipeConfig{}
}

// RunForNight names the observing run covering a night, if any.
func (s *Settings) RunForNight(night string) (string, error) {
	day, err := record.ParseDate(night)
	if err != nil {
		return "", err
	}
	names := make([]string, 0, len(s.Runs))
	for name := range s.Runs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		iv, err := s.Runs[name].Interval()
		if err != nil {
			return "", fmt.Errorf("run %s: %w", name, err)
		}
		if iv.Contains(day) {
			return name, nil
		}
	}
	return "", nil
}

// StaticCalibEntries converts the static_calib section into sorted entries.
func (s *Settings) StaticCalibEntries() ([]record.StaticCalibEntry, error) {
	var entries []record.StaticCalibEntry
	types := make([]string, 0, len(s.StaticCalib))
	for t := range s.StaticCalib {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		files := make([]string, 0, len(s.StaticCalib[t]))
		for f := range s.StaticCalib[t] {
			files = append(files, f)
		}
		sort.Strings(files)
		for _, f := range files {
			iv, err := s.StaticCalib[t][f].Interval()
			if err != nil {
				return nil, fmt.Errorf("static_calib %s/%s: %w", t, f, err)
			}
			entries = append(entries, record.StaticCalibEntry{
				Type:     t,
				File:     f,
				Validity: iv,
			})
		}
	}
	return entries, nil
}
