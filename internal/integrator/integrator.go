// Package integrator merges row sets that were fetched separately.
package integrator

import (
	"errors"

	"github.com/hanpama/populate/internal/record"
)

// Options are the inputs of LeftOuterJoin.
type Options struct {
	// Left rows, usually the parent side.
	Left []record.Row
	// Right rows, usually the child side holding a foreign key.
	Right []record.Row
	// LeftKey is compared with RightKey for equality.
	LeftKey  string
	RightKey string
}

var ErrMissingKey = errors.New("integrator: left and right keys are required")

// LeftOuterJoin returns one row per matching (left, right) pair, in left
// order then right order. Each result is a deep copy of the right row
// without RightKey, with the left row deep merged on top.
//
// Despite the name, left rows without a match are not emitted. Rows whose
// key is missing or nil never match.
func LeftOuterJoin(o Options) ([]record.Row, error) {
	if o.LeftKey == "" || o.RightKey == "" {
		return nil, ErrMissingKey
	}

	byKey := make(map[string][]record.Row, len(o.Right))
	for _, r := range o.Right {
		k, ok := record.Key(r[o.RightKey])
		if !ok {
			continue
		}
		byKey[k] = append(byKey[k], r)
	}

	out := []record.Row{}
	for _, l := range o.Left {
		k, ok := record.Key(l[o.LeftKey])
		if !ok {
			continue
		}
		for _, r := range byKey[k] {
			joined := record.DeepClone(r)
			delete(joined, o.RightKey)
			merge(joined, l)
			out = append(out, joined)
		}
	}
	return out, nil
}

// merge copies src into dst, descending into rows present on both sides.
func merge(dst, src record.Row) {
	for k, v := range src {
		if sv, ok := v.(record.Row); ok {
			if dv, ok := dst[k].(record.Row); ok {
				merge(dv, sv)
				continue
			}
			dst[k] = record.DeepClone(sv)
			continue
		}
		dst[k] = record.CloneValue(v)
	}
}
