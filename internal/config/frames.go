package config

import (
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

// FrameConfig is the frames block of one recipe: inclusions, exclusions,
// nearest-night offsets and explicit overrides.
//
// In the settings file the reserved keys exclude/include/offsets sit next
// to override entries keyed by frame type:
//
//	frames:
//	  exclude: [RAMAN_LINES]
//	  include: [MASTER_DARK]
//	  offsets:
//	    STD_RESPONSE: 5
//	  OUTPUT_WCS: /calib/output_wcs.fits
//	  ASTROMETRY_WCS:
//	    astrometry_wcs_wfm_gto26.fits: {start_date: 2018-08-11, end_date: 2018-08-26}
type FrameConfig struct {
	Exclude   []FrameRef
	Include   []string
	Offsets   map[string]int
	Overrides map[string]Override
}

// FrameRef names a frame type, optionally narrowed to one file.
// A bare type excludes the whole category; a (type, name) pair excludes
// only that candidate.
type FrameRef struct {
	Type string `yaml:"type"`
	Name string `yaml:"name"`
}

// UnmarshalYAML accepts a bare type or a {type, name} mapping.
func (r *FrameRef) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		return node.Decode(&r.Type)
	case yaml.MappingNode:
		type plain FrameRef
		return node.Decode((*plain)(r))
	default:
		return fmt.Errorf("line %d: frame exclude entries must be a type or a {type, name} mapping", node.Line)
	}
}

// Override is an explicit frame source: either a literal path or glob, or
// a set of files with validity windows.
type Override struct {
	Path  string
	Dated map[string]Window
}

// UnmarshalYAML accepts a scalar path/glob or a file→window mapping.
func (o *Override) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		return node.Decode(&o.Path)
	case yaml.MappingNode:
		return node.Decode(&o.Dated)
	default:
		return fmt.Errorf("line %d: frame overrides must be a path or a file mapping", node.Line)
	}
}

// UnmarshalYAML splits the frames block into reserved keys and overrides.
func (fc *FrameConfig) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: frames must be a mapping", node.Line)
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		keyNode, valNode := node.Content[i], node.Content[i+1]
		var key string
		if err := keyNode.Decode(&key); err != nil {
			return err
		}
		switch key {
		case "exclude":
			if err := valNode.Decode(&fc.Exclude); err != nil {
				return err
			}
		case "include":
			if err := valNode.Decode(&fc.Include); err != nil {
				return err
			}
		case "offsets":
			if err := valNode.Decode(&fc.Offsets); err != nil {
				return err
			}
		default:
			var ov Override
			if err := valNode.Decode(&ov); err != nil {
				return err
			}
			if fc.Overrides == nil {
				fc.Overrides = make(map[string]Override)
			}
			fc.Overrides[key] = ov
		}
	}
	return nil
}

// ExcludesType reports whether a whole frame type is excluded.
func (fc FrameConfig) ExcludesType(frameType string) bool {
	for _, ref := range fc.Exclude {
		if ref.Type == frameType && ref.Name == "" {
			return true
		}
	}
	return false
}

// ExcludedNames returns the candidate names excluded for a frame type by
// (type, name) pairs.
func (fc FrameConfig) ExcludedNames(frameType string) []string {
	var names []string
	for _, ref := range fc.Exclude {
		if ref.Type == frameType && ref.Name != "" {
			names = append(names, ref.Name)
		}
	}
	return names
}

// Includes reports whether a frame type is force-included.
func (fc FrameConfig) Includes(frameType string) bool {
	for _, t := range fc.Include {
		if t == frameType {
			return true
		}
	}
	return false
}

func sortTableSelections(ts []TableSelection) {
	sort.Slice(ts, func(i, j int) bool { return ts[i].Table < ts[j].Table })
}

func sortSelectionSpecs(specs []SelectionSpec) {
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
}
