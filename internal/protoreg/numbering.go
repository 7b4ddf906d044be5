package protoreg

import (
	"hash/fnv"
	"sort"

	"github.com/jhump/protoreflect/v2/protobuilder"
	"google.golang.org/protobuf/reflect/protoreflect"
)

// allocateFieldNumbers gives every field a tag derived from its name, so
// adding a field never renumbers the others.
func allocateFieldNumbers(fieldBuilders []*protobuilder.FieldBuilder) {
	names := make([]string, len(fieldBuilders))
	for i, fb := range fieldBuilders {
		names[i] = string(fb.Name())
	}
	for i, n := range tagNumbers(names) {
		fieldBuilders[i].SetNumber(protoreflect.FieldNumber(n))
	}
}

// tagNumbers hashes each name to (FNV32a(name) % 31767) + 1 and probes
// linearly past collisions and the reserved 19000-19999 block. Names are
// processed sorted so collisions resolve the same way every time.
func tagNumbers(names []string) []int {
	if len(names) == 0 {
		return nil
	}
	order := make([]int, len(names))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(i, j int) bool { return names[order[i]] < names[order[j]] })

	const max = 31767
	out := make([]int, len(names))
	used := make(map[int]bool, len(names))
	for _, idx := range order {
		start := int(fnv32(names[idx])%max) + 1
		cand := start
		for {
			if cand >= 19000 && cand <= 19999 {
				cand = 20000
			}
			if !used[cand] {
				used[cand] = true
				out[idx] = cand
				break
			}
			cand++
			if cand > max {
				cand = 1
			}
			if cand == start {
				panic("protoreg: exhausted tag space")
			}
		}
	}
	return out
}

func fnv32(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}
