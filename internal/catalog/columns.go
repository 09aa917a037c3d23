package catalog

import (
	"fmt"
	"strings"

	"github.com/nocturne-drs/nocturne/internal/query"
)

// coreColumns maps predicate column names (settings files use the original
// header keyword spelling, e.g. DPR_TYPE or OBJECT) to catalog columns.
// Lookup is case-insensitive.
var coreColumns = map[string]string{
	"name":        "name",
	"dpr_type":    "dpr_type",
	"type":        "dpr_type",
	"night":       "night",
	"date_obs":    "date_obs",
	"path":        "path",
	"run":         "run",
	"object":      "object",
	"ins_mode":    "ins_mode",
	"recipe_name": "recipe_name",
	"date_run":    "date_run",
}

// fileColumnRef routes core fields to their columns and any other header
// keyword into the attribute bag.
func fileColumnRef(name string) (string, error) {
	if col, ok := coreColumns[strings.ToLower(name)]; ok {
		return `"` + col + `"`, nil
	}
	quoted, err := query.QuoteColumn(name)
	if err != nil {
		return "", err
	}
	// quoted is a validated identifier, safe inside the JSON path.
	return fmt.Sprintf("json_extract(attrs, '$.%s')", strings.Trim(quoted, `"`)), nil
}

// fileCompiler compiles predicates against raw/reduced tables.
var fileCompiler = query.Compiler{ColumnRef: fileColumnRef}

// qaColumnRef routes everything except the exposure key into the QC
// attribute bag.
func qaColumnRef(name string) (string, error) {
	switch strings.ToLower(name) {
	case "name", "hdu":
		return `"` + strings.ToLower(name) + `"`, nil
	}
	quoted, err := query.QuoteColumn(name)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("json_extract(attrs, '$.%s')", strings.Trim(quoted, `"`)), nil
}

var qaCompiler = query.Compiler{ColumnRef: qaColumnRef}
