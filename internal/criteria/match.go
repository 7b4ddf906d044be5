package criteria

import (
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/hanpama/populate/internal/record"
)

// Match reports whether row satisfies where. Keys of where are attribute
// (or column) names, except "or" which holds a list of alternative
// clauses.
func Match(row record.Row, where map[string]any) bool {
	for attr, cond := range where {
		if attr == "or" {
			if !matchOr(row, cond) {
				return false
			}
			continue
		}
		if !matchValue(row[attr], cond) {
			return false
		}
	}
	return true
}

func matchOr(row record.Row, cond any) bool {
	list, ok := cond.([]any)
	if !ok {
		if ms, ok := cond.([]map[string]any); ok {
			for _, m := range ms {
				list = append(list, m)
			}
		}
	}
	for _, c := range list {
		if m, ok := c.(map[string]any); ok && Match(row, m) {
			return true
		}
	}
	return false
}

func matchValue(v, cond any) bool {
	switch c := cond.(type) {
	case nil:
		return v == nil
	case []any:
		return in(v, c)
	case map[string]any:
		for op, arg := range c {
			if !matchOp(v, op, arg) {
				return false
			}
		}
		return true
	}
	return equal(v, cond)
}

func matchOp(v any, op string, arg any) bool {
	switch op {
	case "<", "lessThan":
		return v != nil && record.Compare(v, arg) < 0
	case "<=", "lessThanOrEqual":
		return v != nil && record.Compare(v, arg) <= 0
	case ">", "greaterThan":
		return v != nil && record.Compare(v, arg) > 0
	case ">=", "greaterThanOrEqual":
		return v != nil && record.Compare(v, arg) >= 0
	case "!", "!=", "not":
		if list, ok := arg.([]any); ok {
			return !in(v, list)
		}
		if arg == nil {
			return v != nil
		}
		return !equal(v, arg)
	case "in":
		list, _ := arg.([]any)
		return in(v, list)
	case "like":
		return like(v, arg)
	case "startsWith":
		return like(v, EscapeLike(arg)+"%")
	case "contains":
		return like(v, "%"+EscapeLike(arg)+"%")
	case "endsWith":
		return like(v, "%"+EscapeLike(arg))
	}
	return false
}

func equal(a, b any) bool {
	if record.Equal(a, b) {
		return true
	}
	return a == nil && b == nil
}

func in(v any, list []any) bool {
	for _, e := range list {
		if equal(v, e) {
			return true
		}
	}
	return false
}

// EscapeLike escapes the LIKE wildcards of a literal string argument.
func EscapeLike(arg any) string {
	s, _ := arg.(string)
	return strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`).Replace(s)
}

var likeCache sync.Map // pattern -> *regexp.Regexp

// like matches SQL LIKE patterns case-insensitively.
func like(v, pattern any) bool {
	s, ok := v.(string)
	if !ok {
		return false
	}
	p, ok := pattern.(string)
	if !ok {
		return false
	}
	re, ok := likeCache.Load(p)
	if !ok {
		re, _ = likeCache.LoadOrStore(p, compileLike(p))
	}
	return re.(*regexp.Regexp).MatchString(s)
}

func compileLike(p string) *regexp.Regexp {
	var b strings.Builder
	b.WriteString("(?is)^")
	escaped := false
	for _, r := range p {
		switch {
		case escaped:
			b.WriteString(regexp.QuoteMeta(string(r)))
			escaped = false
		case r == '\\':
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
	return regexp.MustCompile(b.String())
}

// Apply filters, orders, pages and projects rows according to c. The input
// slice is not modified.
func Apply(rows []record.Row, c *Criteria) []record.Row {
	if c == nil {
		return append([]record.Row(nil), rows...)
	}
	out := make([]record.Row, 0, len(rows))
	for _, r := range rows {
		if Match(r, c.Where) {
			out = append(out, r)
		}
	}
	if len(c.Sort) > 0 {
		sort.SliceStable(out, func(i, j int) bool {
			for _, s := range c.Sort {
				n := record.Compare(out[i][s.Attribute], out[j][s.Attribute])
				if n == 0 {
					continue
				}
				if s.Desc {
					return n > 0
				}
				return n < 0
			}
			return false
		})
	}
	if c.Skip > 0 {
		if c.Skip >= len(out) {
			out = out[:0]
		} else {
			out = out[c.Skip:]
		}
	}
	if c.Limit > 0 && c.Limit < len(out) {
		out = out[:c.Limit]
	}
	if len(c.Select) > 0 {
		for i, r := range out {
			p := make(record.Row, len(c.Select))
			for _, name := range c.Select {
				if v, ok := r[name]; ok {
					p[name] = v
				}
			}
			out[i] = p
		}
	}
	return out
}
