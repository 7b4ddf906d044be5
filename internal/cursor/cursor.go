// Package cursor assembles rows fetched separately into one nested tree.
//
// Every row that can receive children lives in a central arena and is
// addressed by a Handle. Rows are indexed by (path, key) so a batch
// fetched for a path finds its destinations without walking the tree:
// to-one rows are overlaid onto the placeholders their parents hold,
// to-many rows are appended to the parents their foreign key (or junction
// row) points at.
package cursor

import (
	"sort"
	"sync"

	"github.com/samber/lo"

	"github.com/hanpama/populate/internal/criteria"
	"github.com/hanpama/populate/internal/record"
)

// Handle addresses a row in the arena.
type Handle int

const noHandle Handle = -1

// placeholder is a to-one value created for a foreign key before the row
// it points at was fetched.
type placeholder struct {
	owner    Handle
	alias    string
	resolved bool
}

type state struct {
	mu    sync.Mutex
	paths criteria.Paths
	root  []record.Row

	arena   []record.Row
	up      []Handle
	refs    map[string]map[string][]Handle
	parents map[string][]any
	holes   map[Handle]*placeholder

	orphan func(path string, key any)
}

// Cursor is a view of the shared index positioned at one path.
type Cursor struct {
	path string
	s    *state
}

type Option func(*state)

// WithOrphanHook registers fn to be called for every fetched row that has
// no parent to attach to. Such rows are dropped.
func WithOrphanHook(fn func(path string, key any)) Option {
	return func(s *state) { s.orphan = fn }
}

// New indexes root at path and walks everything already embedded in it.
func New(path string, root []record.Row, paths criteria.Paths, opts ...Option) *Cursor {
	s := &state{
		paths:   paths,
		root:    root,
		refs:    map[string]map[string][]Handle{},
		parents: map[string][]any{},
		holes:   map[Handle]*placeholder{},
	}
	for _, o := range opts {
		o(s)
	}
	c := &Cursor{path: path, s: s}
	s.mu.Lock()
	s.deepIndex(path, root)
	s.mu.Unlock()
	return c
}

// Path returns the path the cursor is positioned at.
func (c *Cursor) Path() string { return c.path }

// Root returns the root rows, merged in place.
func (c *Cursor) Root() []record.Row { return c.s.root }

// ChildPath returns a cursor at path sharing this cursor's state.
func (c *Cursor) ChildPath(path string) *Cursor { return &Cursor{path: path, s: c.s} }

// Index registers dest as a destination for key at path.
func (c *Cursor) Index(path string, key any, dest record.Row) Handle {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	h := c.s.alloc(dest, noHandle)
	c.s.index(path, key, h)
	return h
}

// DeepIndex indexes rows at path, then stages and merges what they embed.
func (c *Cursor) DeepIndex(rows []record.Row, path string) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	c.s.deepIndex(path, rows)
}

// Extend overlays obj onto every destination indexed under key at the
// cursor's path.
func (c *Cursor) Extend(key any, obj record.Row) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	k, ok := record.Key(key)
	if !ok {
		return
	}
	for _, h := range c.s.refs[c.path][k] {
		c.s.overlay(h, obj)
	}
}

// Zip merges rows fetched for the cursor's path into the tree.
func (c *Cursor) Zip(rows []record.Row) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	c.s.zip(c.path, rows)
}

// Keys returns the distinct keys indexed at path, in first-seen order.
func (c *Cursor) Keys(path string) []any {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	valid := lo.Filter(c.s.parents[path], func(v any, _ int) bool {
		_, ok := record.Key(v)
		return ok
	})
	return lo.UniqBy(valid, func(v any) string {
		k, _ := record.Key(v)
		return k
	})
}

// Finish replaces every placeholder nothing was merged into with nil.
func (c *Cursor) Finish() {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	for _, p := range c.s.holes {
		if !p.resolved {
			c.s.arena[p.owner][p.alias] = nil
		}
	}
}

func (s *state) alloc(r record.Row, up Handle) Handle {
	s.arena = append(s.arena, r)
	s.up = append(s.up, up)
	return Handle(len(s.arena) - 1)
}

func (s *state) index(path string, key any, h Handle) {
	s.parents[path] = append(s.parents[path], key)
	k, ok := record.Key(key)
	if !ok {
		return
	}
	byKey := s.refs[path]
	if byKey == nil {
		byKey = map[string][]Handle{}
		s.refs[path] = byKey
	}
	byKey[k] = append(byKey[k], h)
}

// keyOf returns the attribute rows at path are indexed by. Junction rows
// are indexed by their foreign key to the target.
func (s *state) keyOf(path string) string {
	parent, alias := criteria.ParentPath(path), criteria.LastSegment(path)
	if ps := s.paths[parent]; ps != nil {
		if m := ps.Models[alias]; m != nil {
			return m.PrimaryKey
		}
		if c := ps.Collections[alias]; c != nil {
			return c.PrimaryKey
		}
	}
	if ps := s.paths[path]; ps != nil {
		return ps.PrimaryKey
	}
	return "id"
}

func (s *state) deepIndex(path string, rows []record.Row) {
	key := s.keyOf(path)
	st := newStage()
	for _, r := range rows {
		s.detach(path, r, st)
		h := s.alloc(r, noHandle)
		s.index(path, r[key], h)
		s.placeholders(path, h)
	}
	s.flush(st)
}

func (s *state) zip(path string, rows []record.Row) {
	parent, alias := criteria.ParentPath(path), criteria.LastSegment(path)
	ps := s.paths[parent]
	if ps == nil {
		s.deepIndex(path, rows)
		return
	}
	st := newStage()
	if m := ps.Models[alias]; m != nil {
		for _, r := range rows {
			s.detach(path, r, st)
			k, ok := record.Key(r[m.PrimaryKey])
			hs := s.refs[path][k]
			if !ok || len(hs) == 0 {
				s.orphaned(path, r[m.PrimaryKey])
				continue
			}
			for _, h := range hs {
				s.overlay(h, r)
				s.placeholders(path, h)
			}
		}
	} else if tm := ps.Collections[alias]; tm != nil {
		for _, r := range rows {
			s.detach(path, r, st)
			owners := s.owners(parent, tm, r)
			if len(owners) == 0 {
				s.orphaned(path, r[tm.PrimaryKey])
				continue
			}
			for _, o := range owners {
				c := record.Clone(r)
				dest := s.arena[o]
				list, _ := record.AsRows(dest[alias])
				dest[alias] = append(list, c)
				h := s.alloc(c, o)
				s.index(path, c[tm.PrimaryKey], h)
				s.placeholders(path, h)
			}
		}
	} else {
		s.deepIndex(path, rows)
		return
	}
	s.flush(st)
}

// owners finds the rows a to-many row belongs to: through its foreign key,
// or through the junction rows pointing at it.
func (s *state) owners(parent string, tm *criteria.ToMany, r record.Row) []Handle {
	if tm.Through == "" {
		k, ok := record.Key(r[tm.Via])
		if !ok {
			return nil
		}
		return s.refs[parent][k]
	}
	k, ok := record.Key(r[tm.PrimaryKey])
	if !ok {
		return nil
	}
	var out []Handle
	for _, jh := range s.refs[parent+"."+tm.Through][k] {
		if up := s.up[jh]; up != noHandle {
			out = append(out, up)
		}
	}
	return out
}

func (s *state) orphaned(path string, key any) {
	if s.orphan != nil {
		s.orphan(path, key)
	}
}

// overlay copies the fields of src onto the row at h. Values already
// merged as rows are kept when src only carries the key.
func (s *state) overlay(h Handle, src record.Row) {
	dst := s.arena[h]
	for k, v := range src {
		switch dst[k].(type) {
		case record.Row:
			if _, ok := v.(record.Row); !ok {
				continue
			}
		case []record.Row:
			if _, ok := v.([]record.Row); !ok {
				continue
			}
		}
		dst[k] = v
	}
	if p := s.holes[h]; p != nil {
		p.resolved = true
	}
}

// detach moves what r embeds into st, leaving keys behind for to-one
// values and nothing for to-many lists.
func (s *state) detach(path string, r record.Row, st *stage) {
	ps := s.paths[path]
	if ps == nil {
		return
	}
	if ps.Junction {
		dir := criteria.ParentPath(path)
		for _, alias := range sortedKeys(ps.Models) {
			m := ps.Models[alias]
			if obj, ok := r[m.Via].(record.Row); ok {
				r[m.Via] = obj[m.PrimaryKey]
				st.addUnique(dir+"."+alias, obj[m.PrimaryKey], obj)
			}
		}
		return
	}
	for _, alias := range sortedKeys(ps.Models) {
		m := ps.Models[alias]
		if obj, ok := r[alias].(record.Row); ok {
			r[alias] = obj[m.PrimaryKey]
			st.addUnique(path+"."+alias, obj[m.PrimaryKey], obj)
		}
	}
	for _, alias := range sortedKeys(ps.Collections) {
		if list, ok := record.AsRows(r[alias]); ok {
			st.add(path+"."+alias, list...)
			delete(r, alias)
		}
	}
}

// placeholders gives every populated to-one key of the row at h an empty
// row to merge into.
func (s *state) placeholders(path string, h Handle) {
	ps := s.paths[path]
	if ps == nil || ps.Junction {
		return
	}
	row := s.arena[h]
	for _, alias := range sortedKeys(ps.Models) {
		v := row[alias]
		if _, ok := v.(record.Row); ok {
			continue
		}
		if _, ok := record.Key(v); !ok {
			continue
		}
		ph := record.Row{}
		row[alias] = ph
		ph0 := s.alloc(ph, h)
		s.holes[ph0] = &placeholder{owner: h, alias: alias}
		s.index(path+"."+alias, v, ph0)
	}
}

func (s *state) flush(st *stage) {
	for _, path := range st.order {
		s.zip(path, st.rows[path])
	}
}

// stage collects embedded rows per path until their parents are placed.
type stage struct {
	order []string
	rows  map[string][]record.Row
	seen  map[string]map[string]int
}

func newStage() *stage {
	return &stage{rows: map[string][]record.Row{}, seen: map[string]map[string]int{}}
}

func (st *stage) add(path string, rows ...record.Row) {
	if _, ok := st.rows[path]; !ok {
		st.order = append(st.order, path)
	}
	st.rows[path] = append(st.rows[path], rows...)
}

// addUnique stages r once per key, overlaying repeated occurrences.
func (st *stage) addUnique(path string, key any, r record.Row) {
	k, ok := record.Key(key)
	if !ok {
		st.add(path, r)
		return
	}
	seen := st.seen[path]
	if seen == nil {
		seen = map[string]int{}
		st.seen[path] = seen
	}
	if i, dup := seen[k]; dup {
		for f, v := range r {
			st.rows[path][i][f] = v
		}
		return
	}
	st.add(path, r)
	seen[k] = len(st.rows[path]) - 1
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
