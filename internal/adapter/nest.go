package adapter

import (
	"context"

	"github.com/samber/lo"

	"github.com/hanpama/populate/internal/criteria"
	"github.com/hanpama/populate/internal/record"
)

// ChildFetcher loads the rows of one table matching crit. crit never
// carries a limit or skip: those apply per parent.
type ChildFetcher func(ctx context.Context, identity, table string, crit *criteria.Criteria) ([]record.Row, error)

// NestJoins resolves req.Criteria.Joins over root rows by repeated lookups
// through fetch, embedding each join's children under its alias. Back-ends
// without a query planner of their own use it to offer native joins.
//
// A join attaches to the rows of the earlier join that produced its
// parent collection at the same level (its parent path, or a junction
// sibling of it), and to the root rows otherwise.
func NestJoins(ctx context.Context, req Request, root []record.Row, fetch ChildFetcher) ([]record.Row, error) {
	if req.Criteria == nil || len(req.Criteria.Joins) == 0 {
		return root, nil
	}
	produced := map[string][]record.Row{}
	var joins []*criteria.Join
	for _, j := range req.Criteria.Joins {
		parents := root
		for i := len(joins) - 1; i >= 0; i-- {
			k := joins[i]
			if k.Child != j.Parent {
				continue
			}
			dir := criteria.ParentPath(j.Path)
			if k.Path == dir || criteria.ParentPath(k.Path) == dir {
				parents = produced[k.Path]
				break
			}
		}
		children, err := attach(ctx, req, j, parents, fetch)
		if err != nil {
			return nil, err
		}
		produced[j.Path] = children
		joins = append(joins, j)
	}
	return root, nil
}

func attach(ctx context.Context, req Request, j *criteria.Join, parents []record.Row, fetch ChildFetcher) ([]record.Row, error) {
	keys := lo.UniqBy(lo.FilterMap(parents, func(p record.Row, _ int) (any, bool) {
		_, ok := record.Key(p[j.ParentKey])
		return p[j.ParentKey], ok
	}), func(v any) string {
		k, _ := record.Key(v)
		return k
	})

	var sub criteria.Criteria
	if j.Criteria != nil {
		sub = *j.Criteria.Clone()
	}
	limit, skip := sub.Limit, sub.Skip
	sub.Limit, sub.Skip, sub.Joins = 0, 0, nil
	where := make(map[string]any, len(sub.Where)+1)
	for k, v := range sub.Where {
		where[k] = v
	}
	where[j.ChildKey] = keys
	sub.Where = where

	var rows []record.Row
	if len(keys) > 0 {
		var err error
		rows, err = fetch(ctx, j.Child, req.TableOf(j.Child), &sub)
		if err != nil {
			return nil, err
		}
	}
	byKey := lo.GroupBy(rows, func(r record.Row) string {
		k, _ := record.Key(r[j.ChildKey])
		return k
	})

	var attached []record.Row
	for _, p := range parents {
		k, ok := record.Key(p[j.ParentKey])
		var matched []record.Row
		if ok {
			matched = byKey[k]
		}
		if skip > 0 {
			matched = matched[min(skip, len(matched)):]
		}
		if limit > 0 && len(matched) > limit {
			matched = matched[:limit]
		}
		list := make([]record.Row, len(matched))
		for i, m := range matched {
			list[i] = record.Clone(m)
		}
		p[j.Alias] = list
		attached = append(attached, list...)
	}
	return attached, nil
}
