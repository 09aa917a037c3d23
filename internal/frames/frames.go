// Package frames resolves the calibration inputs of a recipe run: for each
// frame type the recipe consumes, exactly which file serves it for a given
// night and instrument mode.
//
// Resolution walks a fixed precedence per frame type: an explicit override
// from the settings wins, then exclusions and inclusions adjust the set,
// then static calibrations with validity windows, and finally a catalog
// search over nearby nights. The same inputs always resolve to the same
// frames.
package frames

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/nocturne-drs/nocturne/internal/config"
	"github.com/nocturne-drs/nocturne/internal/record"
)

// File is one resolved frame.
type File struct {
	Type string `json:"type"`
	Name string `json:"name"`
	Path string `json:"path"`
}

// Map is the resolved frame set of one recipe run, keyed by frame type.
type Map map[string][]File

// Need declares that a recipe consumes a frame type. Optional frames are
// omitted when nothing serves them; a required frame that cannot be served
// is a resolution error.
type Need struct {
	Type     string
	Optional bool
}

// Error codes for resolution failures.
const (
	CodeMissing   = "missing"
	CodeAmbiguous = "ambiguous"
)

// ResolveError reports that a frame type could not be resolved for a night.
type ResolveError struct {
	Code   string
	Type   string
	Night  string
	Detail string
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("%s frame %s for night %s: %s", e.Code, e.Type, e.Night, e.Detail)
}

func asResolveError(err error, target **ResolveError) bool {
	return errors.As(err, target)
}

// IsMissing reports whether err is a missing-frame resolution error.
func IsMissing(err error) bool {
	var rerr *ResolveError
	return asResolveError(err, &rerr) && rerr.Code == CodeMissing
}

// IsAmbiguous reports whether err is an ambiguous-frame resolution error.
func IsAmbiguous(err error) bool {
	var rerr *ResolveError
	return asResolveError(err, &rerr) && rerr.Code == CodeAmbiguous
}

// Types whose candidates must match the instrument mode of the exposure
// being reduced.
var modeMatched = map[string]bool{
	"MASTER_FLAT":  true,
	"STD_RESPONSE": true,
	"STD_TELLURIC": true,
	"LSF_PROFILE":  true,
}

// Default search radius in days around the target night, per frame type.
// Standard stars and twilights are taken less often than nightly
// calibrations.
var defaultOffsets = map[string]int{
	"STD_TELLURIC":  5,
	"STD_RESPONSE":  5,
	"TWILIGHT_CUBE": 3,
}

func offsetFor(frameType string, cfg config.FrameConfig) int {
	if off, ok := cfg.Offsets[frameType]; ok {
		return off
	}
	if off, ok := defaultOffsets[frameType]; ok {
		return off
	}
	return 1
}

// Excluded reports whether a record matches any of the exclude items.
// A named item matches the record's name; a column mapping matches when
// every column equals its value.
func Excluded(rec record.FileRecord, items []config.ExcludeItem) bool {
	for _, it := range items {
		if itemMatches(rec, it) {
			return true
		}
	}
	return false
}

func itemMatches(rec record.FileRecord, it config.ExcludeItem) bool {
	if it.Name != "" {
		return rec.Name == it.Name
	}
	if len(it.Where) == 0 {
		return false
	}
	for column, want := range it.Where {
		if columnValue(rec, column) != scalarString(want) {
			return false
		}
	}
	return true
}

func columnValue(rec record.FileRecord, column string) string {
	switch column {
	case "name":
		return rec.Name
	case "night":
		return rec.Night
	case "type", "dpr_type":
		return rec.Type
	case "object":
		return rec.Object
	case "ins_mode":
		return rec.InsMode
	case "run":
		return rec.Run
	case "recipe_name":
		return rec.RecipeName
	default:
		return scalarString(rec.Attrs[column])
	}
}

func scalarString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case bool:
		return strconv.FormatBool(val)
	default:
		return fmt.Sprint(val)
	}
}
