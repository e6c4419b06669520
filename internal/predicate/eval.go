package predicate

import (
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// Record is one row: column name to value. Missing columns are NULL.
type Record map[string]string

// Env binds table names and relation aliases to the rows being evaluated.
type Env map[string]Record

// Source resolves related rows for Exists.
type Source interface {
	// Related returns the rows of table whose column equals value.
	Related(table, column, value string) []Record
}

// Eval reports whether the rows bound in env satisfy e. NULL compares false
// in every comparison.
func Eval(e Expr, env Env, src Source) bool {
	switch x := e.(type) {
	case nil:
		return true
	case Compare:
		v, ok := lookup(env, x.Col)
		if !ok {
			return false
		}
		return compare(v, x.Op, literal(x.Value))
	case Like:
		v, ok := lookup(env, x.Col)
		return ok && likeRegexp(x.Pattern).MatchString(v)
	case In:
		v, ok := lookup(env, x.Col)
		if !ok {
			return false
		}
		for _, s := range x.Values {
			if v == s {
				return true
			}
		}
		return false
	case Between:
		v, ok := lookup(env, x.Col)
		return ok && v >= x.Lo && v <= x.Hi
	case IsNull:
		_, ok := lookup(env, x.Col)
		return !ok
	case And:
		for _, y := range x {
			if !Eval(y, env, src) {
				return false
			}
		}
		return true
	case Or:
		for _, y := range x {
			if Eval(y, env, src) {
				return true
			}
		}
		return false
	case Not:
		return !Eval(x.X, env, src)
	case Exists:
		key, ok := lookup(env, x.Rel.Outer)
		if !ok {
			return false
		}
		for _, rec := range src.Related(x.Rel.Table, x.Rel.FK, key) {
			inner := make(Env, len(env)+1)
			for k, v := range env {
				inner[k] = v
			}
			inner[x.Rel.Name()] = rec
			if Eval(x.Where, inner, src) {
				return true
			}
		}
		return false
	}
	panic(fmt.Sprintf("predicate: unknown expression %T", e))
}

func lookup(env Env, c Column) (string, bool) {
	rec, ok := env[c.Table]
	if !ok {
		return "", false
	}
	v, ok := rec[c.Name]
	return v, ok
}

func compare(a string, op Op, b string) bool {
	switch op {
	case Eq:
		return a == b
	case Ne:
		return a != b
	case Lt:
		return a < b
	case Le:
		return a <= b
	case Gt:
		return a > b
	case Ge:
		return a >= b
	}
	return false
}

// literal formats a comparison value the way models.Columns formats the
// column it is compared with.
func literal(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(rv.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(rv.Uint(), 10)
	case reflect.String:
		return rv.String()
	}
	return fmt.Sprint(v)
}

var likeCache sync.Map

// likeRegexp converts a LIKE pattern with '!' escapes to an anchored regexp.
func likeRegexp(pattern string) *regexp.Regexp {
	if re, ok := likeCache.Load(pattern); ok {
		return re.(*regexp.Regexp)
	}
	var b strings.Builder
	b.WriteString("(?s)^")
	escaped := false
	for _, r := range pattern {
		switch {
		case escaped:
			b.WriteString(regexp.QuoteMeta(string(r)))
			escaped = false
		case r == '!':
			escaped = true
		case r == '%':
			b.WriteString(".*")
		case r == '_':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	re := regexp.MustCompile(b.String())
	likeCache.Store(pattern, re)
	return re
}
