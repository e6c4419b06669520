package predicate

import (
	"fmt"
	"strings"
)

// SQL renders e as a WHERE fragment with "?" placeholders, in the form
// accepted by gorm's Where. A nil expression renders as a tautology.
func SQL(e Expr) (string, []any) {
	var w sqlWriter
	w.write(e)
	return w.b.String(), w.args
}

type sqlWriter struct {
	b    strings.Builder
	args []any
}

func (w *sqlWriter) write(e Expr) {
	switch x := e.(type) {
	case nil:
		w.b.WriteString("1 = 1")
	case Compare:
		fmt.Fprintf(&w.b, "%s %s ?", x.Col, x.Op)
		w.args = append(w.args, x.Value)
	case Like:
		fmt.Fprintf(&w.b, "%s LIKE ? ESCAPE '!'", x.Col)
		w.args = append(w.args, x.Pattern)
	case In:
		fmt.Fprintf(&w.b, "%s IN ?", x.Col)
		w.args = append(w.args, x.Values)
	case Between:
		fmt.Fprintf(&w.b, "%s BETWEEN ? AND ?", x.Col)
		w.args = append(w.args, x.Lo, x.Hi)
	case IsNull:
		fmt.Fprintf(&w.b, "%s IS NULL", x.Col)
	case And:
		w.list([]Expr(x), " AND ")
	case Or:
		w.list([]Expr(x), " OR ")
	case Not:
		w.b.WriteString("NOT (")
		w.write(x.X)
		w.b.WriteString(")")
	case Exists:
		r := x.Rel
		fmt.Fprintf(&w.b, "EXISTS (SELECT 1 FROM %s", r.Table)
		if r.Alias != "" && r.Alias != r.Table {
			fmt.Fprintf(&w.b, " AS %s", r.Alias)
		}
		fmt.Fprintf(&w.b, " WHERE %s = %s", r.C(r.FK), r.Outer)
		if x.Where != nil {
			w.b.WriteString(" AND ")
			w.write(x.Where)
		}
		w.b.WriteString(")")
	default:
		panic(fmt.Sprintf("predicate: unknown expression %T", e))
	}
}

func (w *sqlWriter) list(xs []Expr, sep string) {
	w.b.WriteString("(")
	for i, x := range xs {
		if i > 0 {
			w.b.WriteString(sep)
		}
		w.write(x)
	}
	w.b.WriteString(")")
}
