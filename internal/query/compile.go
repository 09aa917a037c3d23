package query

import (
	"fmt"
	"regexp"
	"strings"
)

// Column names come from the settings file and from instrument header
// keywords; they are validated rather than escaped.
var columnPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*$`)

// QuoteColumn validates and quotes a column identifier.
// Returns an error for anything that is not a plain identifier, which keeps
// settings-sourced column names from smuggling SQL fragments.
func QuoteColumn(name string) (string, error) {
	if !columnPattern.MatchString(name) {
		return "", fmt.Errorf("invalid column name %q", name)
	}
	return `"` + name + `"`, nil
}

// Compiler turns predicates into SQL WHERE fragments.
//
// ColumnRef maps a predicate column name to the SQL expression that reads
// it. The catalog uses this to route core fields to real columns and any
// other header keyword into the attribute bag (json_extract). The zero
// value compiles columns as plain quoted identifiers.
type Compiler struct {
	ColumnRef func(name string) (string, error)
}

func (c *Compiler) columnRef(name string) (string, error) {
	if c.ColumnRef != nil {
		return c.ColumnRef(name)
	}
	return QuoteColumn(name)
}

// Compile converts a predicate to a SQL WHERE fragment with bound
// parameters. A nil predicate compiles to a tautology.
func Compile(p Predicate) (string, []any, error) {
	var c Compiler
	return c.Compile(p)
}

// Compile converts a predicate to a SQL WHERE fragment with bound
// parameters. Values are always placeholders, never interpolated.
func (c *Compiler) Compile(p Predicate) (string, []any, error) {
	if p == nil {
		return "1 = 1", nil, nil
	}

	switch pred := p.(type) {
	case Eq:
		col, err := c.columnRef(pred.Column)
		if err != nil {
			return "", nil, err
		}
		return col + " = ?", []any{pred.Value}, nil

	case In:
		return c.compileInList(pred.Column, pred.Values, false)

	case NotIn:
		return c.compileInList(pred.Column, pred.Values, true)

	case Cmp:
		col, err := c.columnRef(pred.Column)
		if err != nil {
			return "", nil, err
		}
		switch pred.Op {
		case OpLt, OpLe, OpGt, OpGe, OpEq, OpNe:
		default:
			return "", nil, fmt.Errorf("invalid comparison operator %q", pred.Op)
		}
		return fmt.Sprintf("%s %s ?", col, pred.Op), []any{pred.Value}, nil

	case Between:
		col, err := c.columnRef(pred.Column)
		if err != nil {
			return "", nil, err
		}
		return col + " BETWEEN ? AND ?", []any{pred.Low, pred.High}, nil

	case Like:
		col, err := c.columnRef(pred.Column)
		if err != nil {
			return "", nil, err
		}
		return col + " LIKE ?", []any{pred.Pattern}, nil

	case NotNull:
		col, err := c.columnRef(pred.Column)
		if err != nil {
			return "", nil, err
		}
		return col + " IS NOT NULL", nil, nil

	case And:
		return c.compileJunction(pred.Predicates, " AND ", "1 = 1")

	case Or:
		return c.compileJunction(pred.Predicates, " OR ", "1 = 0")

	default:
		return "", nil, fmt.Errorf("unsupported predicate type: %T", p)
	}
}

func (c *Compiler) compileInList(column string, values []any, negate bool) (string, []any, error) {
	col, err := c.columnRef(column)
	if err != nil {
		return "", nil, err
	}
	if len(values) == 0 {
		// IN () is invalid SQL; the empty list has a fixed truth value.
		if negate {
			return "1 = 1", nil, nil
		}
		return "1 = 0", nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(values)), ", ")
	op := "IN"
	if negate {
		op = "NOT IN"
	}
	return fmt.Sprintf("%s %s (%s)", col, op, placeholders), values, nil
}

func (c *Compiler) compileJunction(preds []Predicate, sep, empty string) (string, []any, error) {
	if len(preds) == 0 {
		return empty, nil, nil
	}
	parts := make([]string, 0, len(preds))
	var params []any
	for _, p := range preds {
		frag, fragParams, err := c.Compile(p)
		if err != nil {
			return "", nil, err
		}
		parts = append(parts, "("+frag+")")
		params = append(params, fragParams...)
	}
	return strings.Join(parts, sep), params, nil
}
