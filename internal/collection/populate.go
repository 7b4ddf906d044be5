package collection

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hanpama/populate/internal/criteria"
)

// BuildCriteria expands populate requests against root into the ordered
// join list and path schema the population engine consumes. Missing
// intermediate populates ("cat" for "cat.toys") are added implicitly.
// Selects are extended with the keys the engine needs to stitch rows.
func (r *Registry) BuildCriteria(root *Collection, base *criteria.Criteria, populates ...criteria.Populate) (*criteria.Criteria, error) {
	out := base.Clone()
	if out == nil {
		out = &criteria.Criteria{}
	}
	out.Joins = nil
	if len(populates) == 0 {
		out.Paths = nil
		return out, nil
	}
	out.Paths = criteria.Paths{}
	out.Paths.Schema(root.Identity, root.Identity, root.PrimaryKey)

	requests := map[string]*criteria.Criteria{}
	for _, p := range populates {
		segs := strings.Split(p.Path, ".")
		for i := 1; i < len(segs); i++ {
			prefix := strings.Join(segs[:i], ".")
			if _, ok := requests[prefix]; !ok {
				requests[prefix] = nil
			}
		}
		requests[p.Path] = p.Criteria
	}
	paths := make([]string, 0, len(requests))
	for p := range requests {
		paths = append(paths, p)
	}
	sort.Slice(paths, func(i, j int) bool {
		di, dj := strings.Count(paths[i], "."), strings.Count(paths[j], ".")
		if di != dj {
			return di < dj
		}
		return paths[i] < paths[j]
	})

	owners := map[string]*Collection{root.Identity: root}
	for _, rel := range paths {
		full := root.Identity + "." + rel
		parentPath := criteria.ParentPath(full)
		alias := criteria.LastSegment(full)
		parent := owners[parentPath]
		if parent == nil {
			return nil, fmt.Errorf("collection: populate %q: parent path %q is not populated", rel, parentPath)
		}
		child, err := r.addJoin(out, parent, parentPath, alias, requests[rel])
		if err != nil {
			return nil, fmt.Errorf("collection: populate %q: %w", rel, err)
		}
		owners[full] = child
		if parent.Attributes[alias].Model != "" {
			if pc := criteriaAt(out, root, parentPath); pc != nil && len(pc.Select) > 0 {
				pc.Select = appendMissing(pc.Select, alias)
			}
		}
	}
	if len(out.Select) > 0 {
		out.Select = appendMissing(out.Select, root.PrimaryKey)
	}
	return out, nil
}

func (r *Registry) addJoin(out *criteria.Criteria, parent *Collection, parentPath, alias string, crit *criteria.Criteria) (*Collection, error) {
	a := parent.Attributes[alias]
	if a == nil || !a.IsAssociation() {
		return nil, fmt.Errorf("%s.%s is not an association", parent.Identity, alias)
	}
	path := parentPath + "." + alias
	schema := out.Paths[parentPath]

	if a.Model != "" {
		child, err := r.Get(a.Model)
		if err != nil {
			return nil, err
		}
		out.Joins = append(out.Joins, &criteria.Join{
			Parent:    parent.Identity,
			Child:     child.Identity,
			Path:      path,
			Alias:     alias,
			ParentKey: a.ColumnName(),
			ChildKey:  child.PrimaryColumn(),
			Criteria:  withKeys(crit, child.PrimaryKey),
			Model:     true,
		})
		schema.Models[alias] = &criteria.ToOne{Collection: child.Identity, PrimaryKey: child.PrimaryKey, Via: alias}
		out.Paths.Schema(path, child.Identity, child.PrimaryKey)
		return child, nil
	}

	child, err := r.Get(a.Collection)
	if err != nil {
		return nil, err
	}
	if a.Through == "" {
		via := child.Attributes[a.Via]
		out.Joins = append(out.Joins, &criteria.Join{
			Parent:    parent.Identity,
			Child:     child.Identity,
			Path:      path,
			Alias:     alias,
			ParentKey: parent.PrimaryColumn(),
			ChildKey:  via.ColumnName(),
			Criteria:  withKeys(crit, child.PrimaryKey, a.Via),
		})
		schema.Collections[alias] = &criteria.ToMany{
			Collection: child.Identity,
			PrimaryKey: child.PrimaryKey,
			Via:        a.Via,
			Dominant:   a.Dominant,
		}
		out.Paths.Schema(path, child.Identity, child.PrimaryKey)
		return child, nil
	}

	junction, err := r.Get(a.Through)
	if err != nil {
		return nil, err
	}
	jAlias := junction.Identity
	jPath := parentPath + "." + jAlias
	if _, seen := schema.Collections[jAlias]; !seen {
		out.Joins = append(out.Joins, &criteria.Join{
			Parent:    parent.Identity,
			Child:     junction.Identity,
			Path:      jPath,
			Alias:     jAlias,
			ParentKey: parent.PrimaryColumn(),
			ChildKey:  junction.Attributes[a.ThroughFrom].ColumnName(),
		})
		schema.Collections[jAlias] = &criteria.ToMany{
			Collection: junction.Identity,
			PrimaryKey: a.ThroughTo,
			Via:        a.ThroughFrom,
		}
		js := out.Paths.Schema(jPath, junction.Identity, junction.PrimaryKey)
		js.Junction = true
	}
	out.Joins = append(out.Joins, &criteria.Join{
		Parent:    junction.Identity,
		Child:     child.Identity,
		Path:      path,
		Alias:     alias,
		ParentKey: junction.Attributes[a.ThroughTo].ColumnName(),
		ChildKey:  child.PrimaryColumn(),
		Criteria:  withKeys(crit, child.PrimaryKey),
		Through:   jAlias,
	})
	schema.Collections[alias] = &criteria.ToMany{
		Collection: child.Identity,
		PrimaryKey: child.PrimaryKey,
		Via:        a.Via,
		Through:    jAlias,
		Dominant:   a.Dominant,
	}
	out.Paths[jPath].Models[alias] = &criteria.ToOne{
		Collection: child.Identity,
		PrimaryKey: child.PrimaryKey,
		Via:        a.ThroughTo,
	}
	out.Paths.Schema(path, child.Identity, child.PrimaryKey)
	return child, nil
}

func criteriaAt(out *criteria.Criteria, root *Collection, path string) *criteria.Criteria {
	if path == root.Identity {
		return out
	}
	for _, j := range out.Joins {
		if j.Path == path {
			return j.Criteria
		}
	}
	return nil
}

// withKeys makes sure an explicit select keeps the attributes rows are
// stitched by.
func withKeys(c *criteria.Criteria, keys ...string) *criteria.Criteria {
	if c == nil || len(c.Select) == 0 {
		return c
	}
	c = c.Clone()
	c.Select = appendMissing(c.Select, keys...)
	return c
}

func appendMissing(list []string, names ...string) []string {
	for _, n := range names {
		found := false
		for _, s := range list {
			if s == n {
				found = true
				break
			}
		}
		if !found {
			list = append(list, n)
		}
	}
	return list
}
