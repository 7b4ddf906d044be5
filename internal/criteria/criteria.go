// Package criteria describes normalized queries: filters, ordering,
// paging, projection and the join plan for populated associations.
package criteria

import "strings"

// Criteria is a normalized query against one collection.
//
// Joins are ordered shallow to deep so that the parent of every join has
// been seen before the join itself. Paths carries the association schema
// of every populated path and is keyed by join path.
type Criteria struct {
	Where  map[string]any
	Sort   []Sort
	Limit  int
	Skip   int
	Select []string

	Joins []*Join
	Paths Paths
}

// Sort orders results by one attribute.
type Sort struct {
	Attribute string
	Desc      bool
}

// Join describes one association hop of a populate request.
type Join struct {
	Parent string // parent collection identity
	Child  string // child collection identity
	Path   string // dot separated location in the result tree
	Alias  string // attribute the children are attached under

	// ParentKey and ChildKey are physical column names.
	ParentKey string
	ChildKey  string

	Criteria *Criteria

	// Through names the junction alias when this hop leaves a junction
	// towards its target collection.
	Through string
	// Model marks a to-one hop.
	Model bool
}

// Paths maps a join path to the schema of the associations populated
// beneath it.
type Paths map[string]*PathSchema

// PathSchema is the association metadata of the rows living at one path.
type PathSchema struct {
	Collection string
	PrimaryKey string
	// Junction is set on paths whose rows are junction rows.
	Junction bool

	Models      map[string]*ToOne
	Collections map[string]*ToMany
}

// ToOne is a populated to-one association: the row at the parent holds the
// child's primary key in Via.
type ToOne struct {
	Collection string
	PrimaryKey string
	Via        string
}

// ToMany is a populated to-many association.
//
// For a direct association, Via is the child attribute holding the parent
// key and PrimaryKey is the child's own key. For an association realized
// through a junction, Through is the junction alias at the same parent and
// PrimaryKey is the target key. For the junction entry itself, PrimaryKey
// is the junction attribute pointing at the target and Via the one pointing
// back at the parent.
type ToMany struct {
	Collection string
	PrimaryKey string
	Via        string
	Through    string
	Dominant   bool
}

// Populate is a caller facing request to populate one association path,
// relative to the root collection ("cat", "cat.toys").
type Populate struct {
	Path     string
	Criteria *Criteria
}

// Clone copies c deeply enough that the copy's where, select, sort and
// join lists can be modified freely. Paths is shared.
func (c *Criteria) Clone() *Criteria {
	if c == nil {
		return nil
	}
	out := &Criteria{
		Limit: c.Limit,
		Skip:  c.Skip,
		Paths: c.Paths,
	}
	if c.Where != nil {
		out.Where = make(map[string]any, len(c.Where))
		for k, v := range c.Where {
			out.Where[k] = v
		}
	}
	if c.Sort != nil {
		out.Sort = append([]Sort(nil), c.Sort...)
	}
	if c.Select != nil {
		out.Select = append([]string(nil), c.Select...)
	}
	for _, j := range c.Joins {
		cp := *j
		cp.Criteria = j.Criteria.Clone()
		out.Joins = append(out.Joins, &cp)
	}
	return out
}

// Schema returns the path schema at p, creating it when missing.
func (p Paths) Schema(path, collection, primaryKey string) *PathSchema {
	s, ok := p[path]
	if !ok {
		s = &PathSchema{
			Collection:  collection,
			PrimaryKey:  primaryKey,
			Models:      map[string]*ToOne{},
			Collections: map[string]*ToMany{},
		}
		p[path] = s
	}
	return s
}

// ParentPath returns the path one level above p ("" for a root path).
func ParentPath(p string) string {
	i := strings.LastIndexByte(p, '.')
	if i < 0 {
		return ""
	}
	return p[:i]
}

// LastSegment returns the final alias of p.
func LastSegment(p string) string {
	return p[strings.LastIndexByte(p, '.')+1:]
}
