package query

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseCond turns a condition string from the settings file into a
// predicate on the given column.
//
// Supported forms:
//
//	"< 0.6"      comparison against a number
//	">= 10"
//	"= WFM-AO-N" comparison against a string
//	"BAD"        bare value, shorthand for equality
//
// The literal is always carried as a bound parameter.
func ParseCond(column, cond string) (Predicate, error) {
	cond = strings.TrimSpace(cond)
	if cond == "" {
		return nil, fmt.Errorf("empty condition for column %q", column)
	}

	for _, op := range []CmpOp{OpLe, OpGe, OpNe, OpLt, OpGt, OpEq} {
		if strings.HasPrefix(cond, string(op)) {
			raw := strings.TrimSpace(cond[len(op):])
			if raw == "" {
				return nil, fmt.Errorf("condition %q on %q has no value", cond, column)
			}
			return Cmp{Column: column, Op: op, Value: parseLiteral(raw)}, nil
		}
	}

	return Eq{Column: column, Value: parseLiteral(cond)}, nil
}

// parseLiteral interprets the condition value: numbers become numbers,
// everything else stays a string.
func parseLiteral(raw string) any {
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	return strings.Trim(raw, `"'`)
}
