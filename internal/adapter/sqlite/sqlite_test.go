package sqlite

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/hanpama/populate/internal/adapter"
	"github.com/hanpama/populate/internal/collection"
	"github.com/hanpama/populate/internal/criteria"
	"github.com/hanpama/populate/internal/fixture"
	"github.com/hanpama/populate/internal/record"
)

func openFixture(t *testing.T) (*Adapter, *collection.Registry) {
	t.Helper()
	a, err := Open(":memory:", WithName("foo"))
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	reg, err := collection.NewRegistry(fixture.Definitions(fixture.Single("foo"))...)
	require.NoError(t, err)
	ctx := context.Background()
	for _, c := range reg.Collections() {
		require.NoError(t, a.Define(ctx, "foo", c))
	}
	require.NoError(t, fixture.Seed(ctx, reg, adapter.Connections{"foo": a}))
	return a, reg
}

func TestSelectSQL(t *testing.T) {
	stmt, args, err := selectSQL("person", &criteria.Criteria{
		Where: map[string]any{
			"AGE":  map[string]any{">=": 25},
			"CAT":  []any{"tobby", "minou"},
			"NAME": nil,
		},
		Sort:   []criteria.Sort{{Attribute: "AGE", Desc: true}},
		Select: []string{"FIRSTNAME"},
		Skip:   1,
	})
	require.NoError(t, err)
	require.Equal(t, `SELECT "FIRSTNAME" FROM "person" WHERE ("AGE" >= ? AND "CAT" IN (?,?) AND "NAME" IS NULL) ORDER BY "AGE" DESC LIMIT 4611686018427387904 OFFSET 1`, stmt)
	if diff := cmp.Diff([]any{25, "tobby", "minou"}, args); diff != "" {
		t.Fatalf("args mismatch (-want +got):\n%s", diff)
	}
}

func TestWhereSQLRejectsUnknownOperators(t *testing.T) {
	_, err := whereSQL(map[string]any{"AGE": map[string]any{"~": 1}})
	require.ErrorContains(t, err, "unsupported operator")
}

func TestFetch(t *testing.T) {
	a, _ := openFixture(t)
	ctx := context.Background()

	for name, tc := range map[string]struct {
		where map[string]any
		want  []string
	}{
		"equality":   {map[string]any{"AGE": int64(50)}, []string{"paul"}},
		"in":         {map[string]any{"CAT": []any{"tobby", "chaton"}}, []string{"jacque", "pierre"}},
		"empty in":   {map[string]any{"CAT": []any{}}, nil},
		"startsWith": {map[string]any{"FIRSTNAME": map[string]any{"startsWith": "P"}}, []string{"paul", "pierre"}},
		"like":       {map[string]any{"FIRSTNAME": map[string]any{"like": "%a_q%"}}, []string{"jacque"}},
		"or": {map[string]any{"or": []any{
			map[string]any{"AGE": map[string]any{"<": 30}},
			map[string]any{"AGE": map[string]any{">": 60}},
		}}, []string{"jacque", "pierre"}},
		"not": {map[string]any{"FIRSTNAME": map[string]any{"!": []any{"paul"}}}, []string{"jacque", "pierre"}},
	} {
		t.Run(name, func(t *testing.T) {
			rows, err := a.Fetch(ctx, adapter.Request{Connection: "foo", Table: "person", Criteria: &criteria.Criteria{
				Where: tc.where,
				Sort:  []criteria.Sort{{Attribute: "FIRSTNAME"}},
			}})
			require.NoError(t, err)
			var got []string
			for _, r := range rows {
				got = append(got, r["FIRSTNAME"].(string))
			}
			require.Equal(t, tc.want, got)
		})
	}
}

func TestJoin(t *testing.T) {
	a, _ := openFixture(t)
	rows, err := a.Join(context.Background(), adapter.Request{
		Connection: "foo",
		Collection: "cat",
		Table:      "cat",
		Criteria: &criteria.Criteria{
			Where: map[string]any{"SURNAME": "minou"},
			Joins: []*criteria.Join{{
				Parent: "cat", Child: "flea", Path: "cat.fleas", Alias: "fleas",
				ParentKey: "SURNAME", ChildKey: "CAT",
				Criteria: &criteria.Criteria{Sort: []criteria.Sort{{Attribute: "ID", Desc: true}}},
			}},
		},
	})
	require.NoError(t, err)
	want := []record.Row{{
		"SURNAME": "minou",
		"AGE":     int64(4),
		"fleas": []record.Row{
			{"ID": int64(5), "COLOR": "pink", "CAT": "minou"},
			{"ID": int64(4), "COLOR": "brown", "CAT": "minou"},
		},
	}}
	if diff := cmp.Diff(want, rows); diff != "" {
		t.Fatalf("joined rows mismatch (-want +got):\n%s", diff)
	}
}

func TestCreateAssignsRowID(t *testing.T) {
	a, reg := openFixture(t)
	junction, err := reg.Get(fixture.Junction)
	require.NoError(t, err)
	rows, err := a.Fetch(context.Background(), adapter.Request{Connection: "foo", Table: junction.Table})
	require.NoError(t, err)
	require.Len(t, rows, 4)
	for i, r := range rows {
		require.Equal(t, int64(i+1), r["id"])
	}
}

func TestTransaction(t *testing.T) {
	a, _ := openFixture(t)
	ctx := context.Background()
	req := adapter.Request{Connection: "foo", Collection: "toy", Table: "toy", PrimaryKey: "ID"}

	id, err := a.RegisterTransaction(ctx, "foo", []string{"toy"})
	require.NoError(t, err)
	txCtx := adapter.WithTransaction(ctx, "foo", id)
	_, err = a.Create(txCtx, req, []record.Row{{"ID": int64(9), "NAME": "kite"}})
	require.NoError(t, err)
	rows, err := a.Fetch(txCtx, req)
	require.NoError(t, err)
	require.Len(t, rows, 4)
	require.NoError(t, a.Rollback(ctx, "foo", id))

	rows, err = a.Fetch(ctx, req)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	id, err = a.RegisterTransaction(ctx, "foo", []string{"toy"})
	require.NoError(t, err)
	txCtx = adapter.WithTransaction(ctx, "foo", id)
	_, err = a.Create(txCtx, req, []record.Row{{"ID": int64(9), "NAME": "kite"}})
	require.NoError(t, err)
	require.NoError(t, a.Commit(ctx, "foo", id))

	rows, err = a.Fetch(ctx, req)
	require.NoError(t, err)
	require.Len(t, rows, 4)
	require.ErrorIs(t, a.Commit(ctx, "foo", id), adapter.ErrUnknownTransaction)
}
