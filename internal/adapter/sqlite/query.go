package sqlite

import (
	"fmt"
	"sort"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"github.com/hanpama/populate/internal/criteria"
	"github.com/hanpama/populate/internal/record"
)

// sqlite needs a LIMIT before OFFSET; this one never binds.
const noLimit = 1 << 62

func quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func selectSQL(table string, crit *criteria.Criteria) (string, []any, error) {
	cols := []string{"*"}
	if crit != nil && len(crit.Select) > 0 {
		cols = make([]string, len(crit.Select))
		for i, c := range crit.Select {
			cols[i] = quote(c)
		}
	}
	q := sq.Select(cols...).From(quote(table))
	if crit == nil {
		return q.ToSql()
	}
	if len(crit.Where) > 0 {
		pred, err := whereSQL(crit.Where)
		if err != nil {
			return "", nil, err
		}
		q = q.Where(pred)
	}
	for _, s := range crit.Sort {
		dir := "ASC"
		if s.Desc {
			dir = "DESC"
		}
		q = q.OrderBy(quote(s.Attribute) + " " + dir)
	}
	switch {
	case crit.Limit > 0:
		q = q.Limit(uint64(crit.Limit))
	case crit.Skip > 0:
		q = q.Limit(noLimit)
	}
	if crit.Skip > 0 {
		q = q.Offset(uint64(crit.Skip))
	}
	return q.ToSql()
}

func insertSQL(table string, row record.Row) (string, []any, error) {
	cols := make([]string, 0, len(row))
	for c := range row {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	quoted := make([]string, len(cols))
	vals := make([]any, len(cols))
	for i, c := range cols {
		quoted[i] = quote(c)
		vals[i] = row[c]
	}
	return sq.Insert(quote(table)).Columns(quoted...).Values(vals...).ToSql()
}

// whereSQL translates a where clause into a squirrel predicate.
func whereSQL(where map[string]any) (sq.Sqlizer, error) {
	keys := make([]string, 0, len(where))
	for k := range where {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	and := sq.And{}
	for _, col := range keys {
		cond := where[col]
		if col == "or" {
			alts, ok := cond.([]any)
			if !ok {
				return nil, fmt.Errorf("sqlite: or expects a list, got %T", cond)
			}
			or := sq.Or{}
			for _, alt := range alts {
				m, ok := alt.(map[string]any)
				if !ok {
					return nil, fmt.Errorf("sqlite: or alternative must be an object, got %T", alt)
				}
				p, err := whereSQL(m)
				if err != nil {
					return nil, err
				}
				or = append(or, p)
			}
			if len(or) == 0 {
				and = append(and, sq.Expr("1=0"))
				continue
			}
			and = append(and, or)
			continue
		}
		p, err := condSQL(quote(col), cond)
		if err != nil {
			return nil, err
		}
		and = append(and, p...)
	}
	if len(and) == 0 {
		return sq.Expr("1=1"), nil
	}
	return and, nil
}

func condSQL(col string, cond any) ([]sq.Sqlizer, error) {
	switch c := cond.(type) {
	case []any:
		if len(c) == 0 {
			return []sq.Sqlizer{sq.Expr("1=0")}, nil
		}
		return []sq.Sqlizer{sq.Eq{col: c}}, nil
	case map[string]any:
		ops := make([]string, 0, len(c))
		for op := range c {
			ops = append(ops, op)
		}
		sort.Strings(ops)
		var out []sq.Sqlizer
		for _, op := range ops {
			p, err := opSQL(col, op, c[op])
			if err != nil {
				return nil, err
			}
			out = append(out, p)
		}
		return out, nil
	}
	return []sq.Sqlizer{sq.Eq{col: cond}}, nil
}

func opSQL(col, op string, arg any) (sq.Sqlizer, error) {
	switch op {
	case "<", "lessThan":
		return sq.Lt{col: arg}, nil
	case "<=", "lessThanOrEqual":
		return sq.LtOrEq{col: arg}, nil
	case ">", "greaterThan":
		return sq.Gt{col: arg}, nil
	case ">=", "greaterThanOrEqual":
		return sq.GtOrEq{col: arg}, nil
	case "!", "!=", "not":
		if list, ok := arg.([]any); ok && len(list) == 0 {
			return sq.Expr("1=1"), nil
		}
		return sq.NotEq{col: arg}, nil
	case "in":
		list, _ := arg.([]any)
		if len(list) == 0 {
			return sq.Expr("1=0"), nil
		}
		return sq.Eq{col: list}, nil
	case "like":
		return sq.Expr(col+` LIKE ? ESCAPE '\'`, arg), nil
	case "startsWith":
		return sq.Expr(col+` LIKE ? ESCAPE '\'`, criteria.EscapeLike(arg)+"%"), nil
	case "contains":
		return sq.Expr(col+` LIKE ? ESCAPE '\'`, "%"+criteria.EscapeLike(arg)+"%"), nil
	case "endsWith":
		return sq.Expr(col+` LIKE ? ESCAPE '\'`, "%"+criteria.EscapeLike(arg)), nil
	}
	return nil, fmt.Errorf("sqlite: unsupported operator %q", op)
}
