package criteria

import (
	"fmt"

	"github.com/ohler55/ojg/oj"

	"github.com/hanpama/populate/internal/record"
)

// ToMap returns the wire form of c. Paths are planner metadata and are
// not part of the wire form.
func ToMap(c *Criteria) map[string]any {
	if c == nil {
		return nil
	}
	m := map[string]any{}
	if len(c.Where) > 0 {
		m["where"] = c.Where
	}
	if len(c.Sort) > 0 {
		ss := make([]any, len(c.Sort))
		for i, s := range c.Sort {
			ss[i] = map[string]any{"attribute": s.Attribute, "desc": s.Desc}
		}
		m["sort"] = ss
	}
	if c.Limit > 0 {
		m["limit"] = int64(c.Limit)
	}
	if c.Skip > 0 {
		m["skip"] = int64(c.Skip)
	}
	if len(c.Select) > 0 {
		sel := make([]any, len(c.Select))
		for i, s := range c.Select {
			sel[i] = s
		}
		m["select"] = sel
	}
	if len(c.Joins) > 0 {
		js := make([]any, len(c.Joins))
		for i, j := range c.Joins {
			jm := map[string]any{
				"parent":    j.Parent,
				"child":     j.Child,
				"path":      j.Path,
				"alias":     j.Alias,
				"parentKey": j.ParentKey,
				"childKey":  j.ChildKey,
				"model":     j.Model,
			}
			if j.Through != "" {
				jm["through"] = j.Through
			}
			if j.Criteria != nil {
				jm["criteria"] = ToMap(j.Criteria)
			}
			js[i] = jm
		}
		m["joins"] = js
	}
	return m
}

// FromMap parses the wire form produced by ToMap.
func FromMap(m map[string]any) (*Criteria, error) {
	c := &Criteria{}
	if m == nil {
		return c, nil
	}
	if w, ok := m["where"]; ok && w != nil {
		where, ok := w.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("criteria: where must be an object, got %T", w)
		}
		c.Where = where
	}
	if s, ok := m["sort"].([]any); ok {
		for _, e := range s {
			sm, ok := e.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("criteria: invalid sort entry %T", e)
			}
			attr, _ := sm["attribute"].(string)
			desc, _ := sm["desc"].(bool)
			c.Sort = append(c.Sort, Sort{Attribute: attr, Desc: desc})
		}
	}
	if f, ok := record.ToFloat(m["limit"]); ok {
		c.Limit = int(f)
	}
	if f, ok := record.ToFloat(m["skip"]); ok {
		c.Skip = int(f)
	}
	if s, ok := m["select"].([]any); ok {
		for _, e := range s {
			if name, ok := e.(string); ok {
				c.Select = append(c.Select, name)
			}
		}
	}
	if js, ok := m["joins"].([]any); ok {
		for _, e := range js {
			jm, ok := e.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("criteria: invalid join entry %T", e)
			}
			j := &Join{}
			j.Parent, _ = jm["parent"].(string)
			j.Child, _ = jm["child"].(string)
			j.Path, _ = jm["path"].(string)
			j.Alias, _ = jm["alias"].(string)
			j.ParentKey, _ = jm["parentKey"].(string)
			j.ChildKey, _ = jm["childKey"].(string)
			j.Through, _ = jm["through"].(string)
			j.Model, _ = jm["model"].(bool)
			if cm, ok := jm["criteria"].(map[string]any); ok {
				sub, err := FromMap(cm)
				if err != nil {
					return nil, err
				}
				j.Criteria = sub
			}
			c.Joins = append(c.Joins, j)
		}
	}
	return c, nil
}

// Encode serializes c as JSON.
func Encode(c *Criteria) ([]byte, error) {
	return oj.Marshal(plain(ToMap(c)))
}

// Decode parses JSON produced by Encode. Integral numbers decode as int64.
func Decode(b []byte) (*Criteria, error) {
	if len(b) == 0 {
		return &Criteria{}, nil
	}
	v, err := oj.Parse(b)
	if err != nil {
		return nil, fmt.Errorf("criteria: %w", err)
	}
	m, _ := v.(map[string]any)
	return FromMap(m)
}

// EncodeRows serializes rows as a JSON array.
func EncodeRows(rows []record.Row) ([]byte, error) {
	arr := make([]any, len(rows))
	for i, r := range rows {
		arr[i] = plain(r)
	}
	return oj.Marshal(arr)
}

// plain rewrites typed slices into the generic shapes oj writes directly.
func plain(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = plain(e)
		}
		return out
	case []record.Row:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = plain(e)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = plain(e)
		}
		return out
	case []string:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = e
		}
		return out
	case int:
		return int64(x)
	case int32:
		return int64(x)
	}
	return v
}

// DecodeRows parses a JSON array of objects. Nested arrays of objects are
// normalized to []record.Row.
func DecodeRows(b []byte) ([]record.Row, error) {
	if len(b) == 0 {
		return nil, nil
	}
	v, err := oj.Parse(b)
	if err != nil {
		return nil, fmt.Errorf("criteria: %w", err)
	}
	arr, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("criteria: expected array of rows, got %T", v)
	}
	out := make([]record.Row, 0, len(arr))
	for _, e := range arr {
		r, ok := e.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("criteria: expected row object, got %T", e)
		}
		out = append(out, normalize(r))
	}
	return out, nil
}

func normalize(r record.Row) record.Row {
	for k, v := range r {
		switch x := v.(type) {
		case map[string]any:
			r[k] = normalize(x)
		case []any:
			if rows, ok := record.AsRows(x); ok && len(rows) > 0 {
				for i := range rows {
					rows[i] = normalize(rows[i])
				}
				r[k] = rows
			}
		}
	}
	return r
}
