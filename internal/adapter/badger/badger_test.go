package badger_test

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/hanpama/populate/internal/adapter"
	"github.com/hanpama/populate/internal/adapter/badger"
	"github.com/hanpama/populate/internal/collection"
	"github.com/hanpama/populate/internal/criteria"
	"github.com/hanpama/populate/internal/fixture"
	"github.com/hanpama/populate/internal/record"
)

func open(t *testing.T, opts ...badger.Option) *badger.Adapter {
	t.Helper()
	a, err := badger.Open(append([]badger.Option{badger.WithName("kv")}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, a.Close()) })
	return a
}

func TestFetchKeepsInsertionOrderAndIntegers(t *testing.T) {
	a := open(t)
	ctx := context.Background()
	req := adapter.Request{Connection: "c", Collection: "n", Table: "n", PrimaryKey: "id"}
	created, err := a.Create(ctx, req, []record.Row{{"v": "x"}, {"v": "y"}, {"id": int64(100), "v": "z"}})
	require.NoError(t, err)
	require.Equal(t, int64(1), created[0]["id"])
	require.Equal(t, int64(2), created[1]["id"])

	rows, err := a.Fetch(ctx, req)
	require.NoError(t, err)
	want := []record.Row{
		{"id": int64(1), "v": "x"},
		{"id": int64(2), "v": "y"},
		{"id": int64(100), "v": "z"},
	}
	if diff := cmp.Diff(want, rows); diff != "" {
		t.Fatalf("rows mismatch (-want +got):\n%s", diff)
	}

	rows, err = a.Fetch(ctx, adapter.Request{Connection: "c", Table: "n", Criteria: &criteria.Criteria{
		Where: map[string]any{"id": []any{1.0, 100}},
	}})
	require.NoError(t, err)
	require.Len(t, rows, 2, "integral floats match integer keys")
}

func TestJoinFixture(t *testing.T) {
	a := open(t, badger.WithJoinCapability(adapter.DeepJoin))
	reg, err := collection.NewRegistry(fixture.Definitions(fixture.Single("foo"))...)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, fixture.Seed(ctx, reg, adapter.Connections{"foo": a}))

	rows, err := a.Join(ctx, adapter.Request{
		Connection: "foo",
		Collection: "person",
		Table:      "person",
		Criteria: &criteria.Criteria{
			Where: map[string]any{"FIRSTNAME": "paul"},
			Joins: []*criteria.Join{
				{Parent: "person", Child: "cat", Path: "person.cat", Alias: "cat", ParentKey: "CAT", ChildKey: "SURNAME", Model: true},
				{Parent: "cat", Child: "flea", Path: "person.cat.fleas", Alias: "fleas", ParentKey: "SURNAME", ChildKey: "CAT"},
			},
		},
	})
	require.NoError(t, err)
	want := []record.Row{{
		"FIRSTNAME": "paul",
		"AGE":       int64(50),
		"CAT":       "minou",
		"cat": []record.Row{{
			"SURNAME": "minou",
			"AGE":     int64(4),
			"fleas": []record.Row{
				{"ID": int64(4), "COLOR": "brown", "CAT": "minou"},
				{"ID": int64(5), "COLOR": "pink", "CAT": "minou"},
			},
		}},
	}}
	if diff := cmp.Diff(want, rows); diff != "" {
		t.Fatalf("joined rows mismatch (-want +got):\n%s", diff)
	}
}

func TestTransactionIsolation(t *testing.T) {
	a := open(t)
	ctx := context.Background()
	req := adapter.Request{Connection: "c", Collection: "n", Table: "n", PrimaryKey: "id"}

	id, err := a.RegisterTransaction(ctx, "c", []string{"n"})
	require.NoError(t, err)
	txCtx := adapter.WithTransaction(ctx, "c", id)
	_, err = a.Create(txCtx, req, []record.Row{{"v": "pending"}})
	require.NoError(t, err)

	rows, err := a.Fetch(ctx, req)
	require.NoError(t, err)
	require.Empty(t, rows)
	rows, err = a.Fetch(txCtx, req)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	require.NoError(t, a.Commit(ctx, "c", id))
	rows, err = a.Fetch(ctx, req)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	id, err = a.RegisterTransaction(ctx, "c", []string{"n"})
	require.NoError(t, err)
	_, err = a.Create(adapter.WithTransaction(ctx, "c", id), req, []record.Row{{"v": "dropped"}})
	require.NoError(t, err)
	require.NoError(t, a.Rollback(ctx, "c", id))
	rows, err = a.Fetch(ctx, req)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.ErrorIs(t, a.Rollback(ctx, "c", id), adapter.ErrUnknownTransaction)
}
