package collection

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/hanpama/populate/internal/criteria"
)

// FinderKind tells the finder facade which query a dynamic finder runs.
type FinderKind int

const (
	FindOne FinderKind = iota
	FindMany
	Count
)

// Finder is one entry of a collection's dynamic finder table.
type Finder struct {
	Method    string
	Attribute string
	Kind      FinderKind
	// Operator wraps the value ("like", "startsWith"...). Empty means
	// equality, or IN when the value is a list.
	Operator string
}

var finderTemplates = []struct {
	pattern  string
	kind     FinderKind
	operator string
	lower    bool
}{
	{"findOneBy*", FindOne, "", false},
	{"findOneBy*In", FindOne, "", false},
	{"findOneBy*Like", FindOne, "like", false},
	{"findBy*", FindMany, "", false},
	{"findBy*In", FindMany, "", false},
	{"findBy*Like", FindMany, "like", false},
	{"countBy*", Count, "", false},
	{"countBy*In", Count, "", false},
	{"countBy*Like", Count, "like", false},
	{"*StartsWith", FindMany, "startsWith", true},
	{"*Contains", FindMany, "contains", true},
	{"*EndsWith", FindMany, "endsWith", true},
}

func buildFinders(c *Collection) map[string]Finder {
	out := map[string]Finder{}
	for _, name := range c.Order {
		if c.Attributes[name].Collection != "" {
			continue
		}
		for _, tpl := range finderTemplates {
			n := name
			if !tpl.lower {
				n = capitalize(name)
			}
			method := strings.ReplaceAll(tpl.pattern, "*", n)
			out[method] = Finder{Method: method, Attribute: name, Kind: tpl.kind, Operator: tpl.operator}
		}
	}
	return out
}

func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}

// Finder looks up a dynamic finder by method name.
func (c *Collection) Finder(method string) (Finder, bool) {
	f, ok := c.finders[method]
	return f, ok
}

// Finders lists the dynamic finder method names of c.
func (c *Collection) Finders() []string {
	out := make([]string, 0, len(c.finders))
	for m := range c.finders {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Criteria builds the query a finder runs for value.
func (f Finder) Criteria(value any) *criteria.Criteria {
	var cond any = value
	if f.Operator != "" {
		cond = map[string]any{f.Operator: value}
	} else if list, ok := value.([]string); ok {
		vs := make([]any, len(list))
		for i, v := range list {
			vs[i] = v
		}
		cond = vs
	}
	c := &criteria.Criteria{Where: map[string]any{f.Attribute: cond}}
	if f.Kind == FindOne {
		c.Limit = 1
	}
	return c
}
