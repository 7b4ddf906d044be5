package collection

import (
	"github.com/hanpama/populate/internal/criteria"
	"github.com/hanpama/populate/internal/record"
)

// Transformer maps logical attribute names to physical column names and
// back.
type Transformer struct {
	toColumn map[string]string
	toAttr   map[string]string
}

// NewTransformer builds the mapping of c. To-many associations have no
// column and are left out.
func NewTransformer(c *Collection) *Transformer {
	t := &Transformer{toColumn: map[string]string{}, toAttr: map[string]string{}}
	for _, name := range c.Order {
		a := c.Attributes[name]
		if a.Collection != "" {
			continue
		}
		t.toColumn[name] = a.ColumnName()
		t.toAttr[a.ColumnName()] = name
	}
	return t
}

// Column returns the physical name of attr. Unknown names pass through.
func (t *Transformer) Column(attr string) string {
	if c, ok := t.toColumn[attr]; ok {
		return c
	}
	return attr
}

// Attribute returns the logical name of column. Unknown names pass through.
func (t *Transformer) Attribute(column string) string {
	if a, ok := t.toAttr[column]; ok {
		return a
	}
	return column
}

// Serialize renames the keys of row to physical columns.
func (t *Transformer) Serialize(row record.Row) record.Row {
	out := make(record.Row, len(row))
	for k, v := range row {
		out[t.Column(k)] = v
	}
	return out
}

// Unserialize renames the keys of row to logical attributes.
func (t *Transformer) Unserialize(row record.Row) record.Row {
	out := make(record.Row, len(row))
	for k, v := range row {
		out[t.Attribute(k)] = v
	}
	return out
}

// SerializeWhere renames the attributes of a where clause, descending into
// "or" alternatives.
func (t *Transformer) SerializeWhere(where map[string]any) map[string]any {
	if where == nil {
		return nil
	}
	out := make(map[string]any, len(where))
	for k, v := range where {
		if k == "or" {
			if list, ok := v.([]any); ok {
				alts := make([]any, len(list))
				for i, e := range list {
					if m, ok := e.(map[string]any); ok {
						alts[i] = t.SerializeWhere(m)
					} else {
						alts[i] = e
					}
				}
				out[k] = alts
				continue
			}
		}
		out[t.Column(k)] = v
	}
	return out
}

// SerializeCriteria returns a copy of c with where, sort and select in
// physical names. Joins are copied as is.
func (t *Transformer) SerializeCriteria(c *criteria.Criteria) *criteria.Criteria {
	if c == nil {
		return &criteria.Criteria{}
	}
	out := c.Clone()
	out.Where = t.SerializeWhere(c.Where)
	for i := range out.Sort {
		out.Sort[i].Attribute = t.Column(out.Sort[i].Attribute)
	}
	for i := range out.Select {
		out.Select[i] = t.Column(out.Select[i])
	}
	return out
}
