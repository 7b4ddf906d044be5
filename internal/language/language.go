// Package language parses populate expressions: GraphQL-shaped documents
// whose top-level fields name collections and whose nested fields name
// attributes and associations.
//
//	{
//	  person(where: {age: {greaterThan: 10}}, sort: "age DESC", limit: 2) {
//	    first_name
//	    cat { fleas toys(sort: "id") }
//	  }
//	}
//
// Scalar fields become the select list of their level; a level without
// scalar fields selects everything. Association fields become populate
// requests.
package language

import (
	"fmt"
	"strings"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"

	"github.com/hanpama/populate/internal/collection"
	"github.com/hanpama/populate/internal/criteria"
)

func ParseQuery(source string) (*QueryDocument, error) {
	doc, err := parser.ParseQuery(&ast.Source{Input: source})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// Request is one top-level field of a populate expression.
type Request struct {
	// Alias is the key the result is reported under.
	Alias      string
	Collection *collection.Collection
	Criteria   *criteria.Criteria
	Populates  []criteria.Populate
}

// Error is a populate expression that parsed but does not fit the
// registry.
type Error struct {
	Message  string
	Position *Position
}

func (e *Error) Error() string {
	if e.Position != nil {
		return fmt.Sprintf("language: %d:%d: %s", e.Position.Line, e.Position.Column, e.Message)
	}
	return "language: " + e.Message
}

func errorf(pos *Position, format string, args ...any) error {
	return &Error{Message: fmt.Sprintf(format, args...), Position: pos}
}

// Compile parses source and resolves it against reg. Variables referenced
// by the expression are taken from vars.
func Compile(reg *collection.Registry, source string, vars map[string]any) ([]Request, error) {
	doc, err := ParseQuery(source)
	if err != nil {
		return nil, err
	}
	if len(doc.Operations) != 1 {
		return nil, errorf(nil, "expected exactly one operation, got %d", len(doc.Operations))
	}
	op := doc.Operations[0]
	if op.Operation != ast.Query {
		return nil, errorf(op.Position, "only queries can populate")
	}

	var out []Request
	for _, sel := range op.SelectionSet {
		f, ok := sel.(*Field)
		if !ok {
			return nil, errorf(sel.GetPosition(), "fragments are not supported")
		}
		c, err := reg.Get(f.Name)
		if err != nil {
			return nil, errorf(f.Position, "%v", err)
		}
		crit, err := arguments(f.Arguments, vars)
		if err != nil {
			return nil, err
		}
		var pops []criteria.Populate
		fields, err := selection(reg, c, f.SelectionSet, "", vars, &pops)
		if err != nil {
			return nil, err
		}
		crit.Select = fields
		alias := f.Alias
		if alias == "" {
			alias = f.Name
		}
		out = append(out, Request{Alias: alias, Collection: c, Criteria: crit, Populates: pops})
	}
	return out, nil
}

// selection walks the fields selected on c. It returns the scalar
// attributes selected and appends one populate per association.
func selection(reg *collection.Registry, c *collection.Collection, set SelectionSet, prefix string, vars map[string]any, pops *[]criteria.Populate) ([]string, error) {
	var scalars []string
	for _, sel := range set {
		f, ok := sel.(*Field)
		if !ok {
			return nil, errorf(sel.GetPosition(), "fragments are not supported")
		}
		a := c.Attribute(f.Name)
		if a == nil {
			return nil, errorf(f.Position, "%s has no attribute %q", c.Identity, f.Name)
		}
		if !a.IsAssociation() {
			if len(f.Arguments) > 0 || len(f.SelectionSet) > 0 {
				return nil, errorf(f.Position, "%s.%s is not an association", c.Identity, f.Name)
			}
			scalars = append(scalars, f.Name)
			continue
		}

		target := a.Model
		if target == "" {
			target = a.Collection
		}
		child, err := reg.Get(target)
		if err != nil {
			return nil, err
		}
		crit, err := arguments(f.Arguments, vars)
		if err != nil {
			return nil, err
		}
		path := prefix + f.Name
		i := len(*pops)
		*pops = append(*pops, criteria.Populate{Path: path})
		fields, err := selection(reg, child, f.SelectionSet, path+".", vars, pops)
		if err != nil {
			return nil, err
		}
		crit.Select = fields
		if crit.Where != nil || crit.Sort != nil || crit.Limit > 0 || crit.Skip > 0 || crit.Select != nil {
			(*pops)[i].Criteria = crit
		}
	}
	return scalars, nil
}

func arguments(args ArgumentList, vars map[string]any) (*criteria.Criteria, error) {
	c := &criteria.Criteria{}
	for _, arg := range args {
		v, err := arg.Value.Value(vars)
		if err != nil {
			return nil, errorf(arg.Position, "%s: %v", arg.Name, err)
		}
		if v == nil {
			continue
		}
		switch arg.Name {
		case "where":
			m, ok := v.(map[string]any)
			if !ok {
				return nil, errorf(arg.Position, "where must be an object")
			}
			c.Where = m
		case "sort":
			s, err := sorts(v)
			if err != nil {
				return nil, errorf(arg.Position, "%v", err)
			}
			c.Sort = s
		case "limit", "skip":
			n, ok := v.(int64)
			if !ok || n < 0 {
				return nil, errorf(arg.Position, "%s must be a non-negative integer", arg.Name)
			}
			if arg.Name == "limit" {
				c.Limit = int(n)
			} else {
				c.Skip = int(n)
			}
		default:
			return nil, errorf(arg.Position, "unknown argument %q", arg.Name)
		}
	}
	return c, nil
}

// sorts accepts "age DESC, name" or a list of such strings.
func sorts(v any) ([]criteria.Sort, error) {
	var parts []string
	switch x := v.(type) {
	case string:
		parts = strings.Split(x, ",")
	case []any:
		for _, e := range x {
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("sort entries must be strings")
			}
			parts = append(parts, s)
		}
	default:
		return nil, fmt.Errorf("sort must be a string or a list of strings")
	}
	var out []criteria.Sort
	for _, p := range parts {
		fields := strings.Fields(p)
		switch {
		case len(fields) == 0:
			continue
		case len(fields) > 2:
			return nil, fmt.Errorf("bad sort %q", strings.TrimSpace(p))
		}
		s := criteria.Sort{Attribute: fields[0]}
		if len(fields) == 2 {
			switch strings.ToUpper(fields[1]) {
			case "ASC":
			case "DESC":
				s.Desc = true
			default:
				return nil, fmt.Errorf("bad sort direction %q", fields[1])
			}
		}
		out = append(out, s)
	}
	return out, nil
}
