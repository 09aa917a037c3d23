// Package query provides a small predicate representation compiled to
// parameterized SQL for the catalog.
//
// The predicate layer is the single place where SQL text is produced:
// callers (frame resolver, selection engine, tracker) build predicate values
// and never concatenate SQL themselves. Values are always bound through
// placeholders, never interpolated, and every compiled query carries a
// deterministic ORDER BY so that resolution results are reproducible across
// runs and SQLite versions.
package query

// Predicate is a boolean condition over catalog columns.
//
// Predicate is a sealed interface: only types in this package implement it,
// so the compiler's type switch is exhaustive.
type Predicate interface {
	predicateNode()
}

// Eq matches rows where a column equals a literal value.
type Eq struct {
	Column string
	Value  any
}

func (Eq) predicateNode() {}

// In matches rows where a column is one of the given values.
// An empty value list matches nothing.
type In struct {
	Column string
	Values []any
}

func (In) predicateNode() {}

// NotIn matches rows where a column is none of the given values.
// An empty value list matches everything.
type NotIn struct {
	Column string
	Values []any
}

func (NotIn) predicateNode() {}

// CmpOp is a comparison operator for Cmp predicates.
type CmpOp string

const (
	OpLt CmpOp = "<"
	OpLe CmpOp = "<="
	OpGt CmpOp = ">"
	OpGe CmpOp = ">="
	OpEq CmpOp = "="
	OpNe CmpOp = "!="
)

// Cmp matches rows where a column compares against a literal value.
// Condition strings from the settings file ("< 0.6") are parsed into Cmp
// values at load time, so the literal is still bound as a parameter.
type Cmp struct {
	Column string
	Op     CmpOp
	Value  any
}

func (Cmp) predicateNode() {}

// Between matches rows where a column lies in [Low, High], both inclusive.
type Between struct {
	Column string
	Low    any
	High   any
}

func (Between) predicateNode() {}

// Like matches rows where a column matches a SQL LIKE pattern.
type Like struct {
	Column  string
	Pattern string
}

func (Like) predicateNode() {}

// NotNull matches rows where a column is not NULL.
type NotNull struct {
	Column string
}

func (NotNull) predicateNode() {}

// And is the conjunction of its predicates. Empty And matches everything.
type And struct {
	Predicates []Predicate
}

func (And) predicateNode() {}

// Or is the disjunction of its predicates. Empty Or matches nothing.
type Or struct {
	Predicates []Predicate
}

func (Or) predicateNode() {}

// AndOf builds a conjunction, flattening out nil members.
func AndOf(preds ...Predicate) Predicate {
	kept := make([]Predicate, 0, len(preds))
	for _, p := range preds {
		if p != nil {
			kept = append(kept, p)
		}
	}
	switch len(kept) {
	case 0:
		return nil
	case 1:
		return kept[0]
	default:
		return And{Predicates: kept}
	}
}
