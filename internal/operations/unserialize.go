package operations

import (
	"github.com/hanpama/populate/internal/collection"
	"github.com/hanpama/populate/internal/criteria"
	"github.com/hanpama/populate/internal/record"
)

type pass int

const (
	// rawPass renames adapter rows to attribute names and flattens
	// embedded to-one lists.
	rawPass pass = iota
	// finalPass runs over the merged tree: it drops junction rows, cuts
	// populated to-many lists to their window and defaults them to empty
	// lists.
	finalPass
)

func (o *Operations) unserialize(rows []record.Row, path string, c *collection.Collection, p pass) []record.Row {
	out := make([]record.Row, 0, len(rows))
	for _, r := range rows {
		out = append(out, o.unserializeRow(r, path, c, p))
	}
	return out
}

func (o *Operations) unserializeRow(r record.Row, path string, c *collection.Collection, p pass) record.Row {
	renames := o.transforms[path]
	row := make(record.Row, len(r))
	for k, v := range r {
		name := k
		if to, ok := renames[k]; ok {
			if to == "" {
				if p == finalPass {
					continue
				}
			} else {
				name = to
			}
		} else if p == rawPass {
			name = c.Transformer.Attribute(k)
		}
		put(row, name, v)
	}

	ps := o.paths[path]
	for _, name := range c.Order {
		a := c.Attributes[name]
		switch {
		case a.Model != "":
			v := row[name]
			if list, ok := record.AsRows(v); ok {
				v = nil
				if len(list) > 0 {
					v = list[0]
				}
				row[name] = v
			}
			obj, ok := v.(record.Row)
			if !ok {
				continue
			}
			if child := o.collection(a.Model); child != nil {
				row[name] = o.unserializeRow(obj, o.modelPath(path, name), child, p)
			}
		case a.Collection != "":
			if list, ok := record.AsRows(row[name]); ok {
				if child := o.collection(a.Collection); child != nil {
					list = o.unserialize(list, path+"."+name, child, p)
					if w := o.windows[path+"."+name]; w != nil && p == finalPass {
						list = criteria.Apply(list, w)
					}
					row[name] = list
				}
				continue
			}
			if p == finalPass && ps != nil && ps.Collections[name] != nil && row[name] == nil {
				row[name] = []record.Row{}
			}
		}
	}

	// junction rows live under an alias that is not an attribute
	if ps != nil && p == rawPass {
		for alias, tm := range ps.Collections {
			if _, isAttr := c.Attributes[alias]; isAttr {
				continue
			}
			list, ok := record.AsRows(row[alias])
			if !ok {
				continue
			}
			if jc := o.collection(tm.Collection); jc != nil {
				row[alias] = o.unserialize(list, path+"."+alias, jc, p)
			}
		}
	}
	return row
}

// put stores v under name unless an embedded value is already there and
// v is only a key.
func put(row record.Row, name string, v any) {
	if embedded(row[name]) && !embedded(v) {
		return
	}
	row[name] = v
}

func embedded(v any) bool {
	switch v.(type) {
	case record.Row, []record.Row, []any:
		return true
	}
	return false
}

// modelPath is the tree path of the to-one value held by attribute name of
// rows at path. A junction's target key points at the sibling target path.
func (o *Operations) modelPath(path, name string) string {
	if ps := o.paths[path]; ps != nil && ps.Junction {
		for alias, m := range ps.Models {
			if m.Via == name {
				return criteria.ParentPath(path) + "." + alias
			}
		}
	}
	return path + "." + name
}

func (o *Operations) collection(identity string) *collection.Collection {
	if o.ctx.Registry == nil {
		return nil
	}
	c, err := o.ctx.Registry.Get(identity)
	if err != nil {
		return nil
	}
	return c
}
