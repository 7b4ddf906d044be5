// Package record holds the row representation shared by adapters, the
// cursor and the population engine.
package record

import (
	"math"
	"strconv"
)

// Row is a single record keyed by attribute (logical) or column (physical)
// name. Populated to-many associations hold []Row, to-one associations hold
// a Row or nil.
type Row = map[string]any

// Key returns the normalized identity of a key value. Integral numbers of
// any width share one identity so that a foreign key decoded as float64
// finds the int64 primary key it points at.
func Key(v any) (string, bool) {
	switch x := v.(type) {
	case nil:
		return "", false
	case string:
		return "s:" + x, true
	case bool:
		return "b:" + strconv.FormatBool(x), true
	case int:
		return "n:" + strconv.FormatInt(int64(x), 10), true
	case int8:
		return "n:" + strconv.FormatInt(int64(x), 10), true
	case int16:
		return "n:" + strconv.FormatInt(int64(x), 10), true
	case int32:
		return "n:" + strconv.FormatInt(int64(x), 10), true
	case int64:
		return "n:" + strconv.FormatInt(x, 10), true
	case uint:
		return "n:" + strconv.FormatUint(uint64(x), 10), true
	case uint8:
		return "n:" + strconv.FormatUint(uint64(x), 10), true
	case uint16:
		return "n:" + strconv.FormatUint(uint64(x), 10), true
	case uint32:
		return "n:" + strconv.FormatUint(uint64(x), 10), true
	case uint64:
		return "n:" + strconv.FormatUint(x, 10), true
	case float32:
		return floatKey(float64(x))
	case float64:
		return floatKey(x)
	}
	return "", false
}

func floatKey(f float64) (string, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", false
	}
	if f == math.Trunc(f) && math.Abs(f) < 1<<63 {
		return "n:" + strconv.FormatInt(int64(f), 10), true
	}
	return "n:" + strconv.FormatFloat(f, 'g', -1, 64), true
}

// Equal reports whether a and b are the same key. Values that are not keys
// are never equal, nil included.
func Equal(a, b any) bool {
	ka, ok := Key(a)
	if !ok {
		return false
	}
	kb, ok := Key(b)
	return ok && ka == kb
}

// Clone returns a shallow copy of r.
func Clone(r Row) Row {
	if r == nil {
		return nil
	}
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// DeepClone copies r along with every nested row and slice.
func DeepClone(r Row) Row {
	if r == nil {
		return nil
	}
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = deepValue(v)
	}
	return out
}

// CloneValue deep copies a row, a row list or a plain list. Other values
// are returned as is.
func CloneValue(v any) any { return deepValue(v) }

func deepValue(v any) any {
	switch x := v.(type) {
	case Row:
		return DeepClone(x)
	case []Row:
		out := make([]Row, len(x))
		for i, r := range x {
			out[i] = DeepClone(r)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = deepValue(e)
		}
		return out
	}
	return v
}

// AsRow reports whether v is a single embedded row.
func AsRow(v any) (Row, bool) {
	r, ok := v.(Row)
	return r, ok
}

// AsRows normalizes an embedded to-many value. []any elements that are not
// rows make the whole value a non-row value.
func AsRows(v any) ([]Row, bool) {
	switch x := v.(type) {
	case []Row:
		return x, true
	case []any:
		out := make([]Row, 0, len(x))
		for _, e := range x {
			r, ok := e.(Row)
			if !ok {
				return nil, false
			}
			out = append(out, r)
		}
		return out, true
	}
	return nil, false
}

// Compare orders two scalar values: numbers numerically, strings
// lexically, nil first. Mixed kinds fall back to their kind order.
func Compare(a, b any) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch ra {
	case 1:
		fa, fb := toFloat(a), toFloat(b)
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	case 2:
		sa, sb := a.(string), b.(string)
		switch {
		case sa < sb:
			return -1
		case sa > sb:
			return 1
		}
		return 0
	case 3:
		ba, bb := a.(bool), b.(bool)
		switch {
		case ba == bb:
			return 0
		case !ba:
			return -1
		}
		return 1
	}
	return 0
}

func rank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return 1
	case string:
		return 2
	case bool:
		return 3
	}
	return 4
}

// ToFloat converts any Go number to float64. Non numbers yield 0, false.
func ToFloat(v any) (float64, bool) {
	if rank(v) != 1 {
		return 0, false
	}
	return toFloat(v), true
}

func toFloat(v any) float64 {
	switch x := v.(type) {
	case int:
		return float64(x)
	case int8:
		return float64(x)
	case int16:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case uint:
		return float64(x)
	case uint8:
		return float64(x)
	case uint16:
		return float64(x)
	case uint32:
		return float64(x)
	case uint64:
		return float64(x)
	case float32:
		return float64(x)
	case float64:
		return x
	}
	return 0
}
