// Package predicate translates DICOM matching keys into storage predicates.
// A predicate is a small expression tree that renders to SQL for the gorm
// backend and evaluates directly against in-memory rows.
package predicate

// Column references a column of a table or of a relation alias.
type Column struct {
	Table string
	Name  string
}

// Col is shorthand for Column{table, name}.
func Col(table, name string) Column {
	return Column{Table: table, Name: name}
}

func (c Column) String() string {
	return c.Table + "." + c.Name
}

// Expr is a predicate. A nil Expr matches every row.
type Expr interface {
	expr()
}

// Op is a comparison operator.
type Op string

const (
	Eq Op = "="
	Ne Op = "<>"
	Lt Op = "<"
	Le Op = "<="
	Gt Op = ">"
	Ge Op = ">="
)

// Compare is "column op value".
type Compare struct {
	Col   Column
	Op    Op
	Value any
}

// Like is a pattern match using % and _ with ! as escape character.
type Like struct {
	Col     Column
	Pattern string
}

// In is "column IN (values)".
type In struct {
	Col    Column
	Values []string
}

// Between is the inclusive range "column BETWEEN lo AND hi".
type Between struct {
	Col Column
	Lo  string
	Hi  string
}

// IsNull matches rows where the column is NULL.
type IsNull struct {
	Col Column
}

// And is a conjunction.
type And []Expr

// Or is a disjunction.
type Or []Expr

// Not negates its operand.
type Not struct {
	X Expr
}

// Relation describes the rows of Table (aliased as Alias) whose FK column
// equals the Outer column of the enclosing row.
type Relation struct {
	Table string
	Alias string
	FK    string
	Outer Column
}

// Name is the alias used to reference the related rows.
func (r Relation) Name() string {
	if r.Alias != "" {
		return r.Alias
	}
	return r.Table
}

// C references a column of the related rows.
func (r Relation) C(name string) Column {
	return Column{Table: r.Name(), Name: name}
}

// Exists matches when at least one related row satisfies Where.
type Exists struct {
	Rel   Relation
	Where Expr
}

func (Compare) expr() {}
func (Like) expr()    {}
func (In) expr()      {}
func (Between) expr() {}
func (IsNull) expr()  {}
func (And) expr()     {}
func (Or) expr()      {}
func (Not) expr()     {}
func (Exists) expr()  {}

// AllOf conjoins the non-nil operands. It returns nil when none remain.
func AllOf(xs ...Expr) Expr {
	var out And
	for _, x := range xs {
		if x != nil {
			out = append(out, x)
		}
	}
	switch len(out) {
	case 0:
		return nil
	case 1:
		return out[0]
	}
	return out
}

// AnyOf disjoins the operands. A nil operand matches everything, so the
// result is nil as soon as one operand is nil.
func AnyOf(xs ...Expr) Expr {
	if len(xs) == 0 {
		return nil
	}
	out := make(Or, 0, len(xs))
	for _, x := range xs {
		if x == nil {
			return nil
		}
		out = append(out, x)
	}
	if len(out) == 1 {
		return out[0]
	}
	return out
}
