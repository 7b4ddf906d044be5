package finder_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/hanpama/populate/internal/adapter"
	"github.com/hanpama/populate/internal/adapter/adaptertest"
	"github.com/hanpama/populate/internal/criteria"
	"github.com/hanpama/populate/internal/finder"
	"github.com/hanpama/populate/internal/fixture"
	"github.com/hanpama/populate/internal/operations"
	"github.com/hanpama/populate/internal/record"
)

func newStore(t *testing.T) *finder.Store {
	t.Helper()
	f := adaptertest.NewFixture(t, fixture.Placement{Person: "foo", Cat: "bar", Flea: "foo", Toy: "bar"},
		map[string]adapter.JoinCapability{"bar": adapter.DeepJoin})
	return finder.New(f.Registry, f.Connections)
}

func firstNames(rows []record.Row) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i], _ = r["first_name"].(string)
	}
	return out
}

func TestFind(t *testing.T) {
	s := newStore(t)
	got, err := s.Find(context.Background(), "person", nil, criteria.Populate{Path: "cat.fleas"}, criteria.Populate{Path: "cat.toys"})
	require.NoError(t, err)
	if diff := cmp.Diff(fixture.Tree(), got); diff != "" {
		t.Fatalf("tree mismatch (-want +got):\n%s", diff)
	}
}

func TestFindOneAndCount(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	row, err := s.FindOne(ctx, "person", &criteria.Criteria{Where: map[string]any{"first_name": "paul"}}, criteria.Populate{Path: "cat"})
	require.NoError(t, err)
	require.Equal(t, "minou", row["cat"].(record.Row)["surname"])

	row, err = s.FindOne(ctx, "person", &criteria.Criteria{Where: map[string]any{"first_name": "nobody"}})
	require.NoError(t, err)
	require.Nil(t, row)

	n, err := s.Count(ctx, "person", &criteria.Criteria{Where: map[string]any{"age": map[string]any{">": 30}}, Limit: 1})
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestCreate(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	out, err := s.Create(ctx, "flea", record.Row{"color": "gold", "cat": "chaton"})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "gold", out[0]["color"])
	require.NotNil(t, out[0]["id"], "primary key is assigned")

	row, err := s.FindOne(ctx, "cat", &criteria.Criteria{Where: map[string]any{"surname": "chaton"}}, criteria.Populate{Path: "fleas"})
	require.NoError(t, err)
	require.Len(t, row["fleas"], 1)
}

func TestDynamic(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	tests := []struct {
		method string
		value  any
		want   any
	}{
		{"findByAge", int64(25), []string{"pierre"}},
		{"findByFirst_nameIn", []string{"paul", "jacque"}, []string{"paul", "jacque"}},
		{"first_nameStartsWith", "p", []string{"pierre", "paul"}},
		{"findByFirst_nameLike", "%ac%", []string{"jacque"}},
		{"countByCat", "tobby", 1},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			got, err := s.Dynamic(ctx, "person", tt.method, tt.value)
			require.NoError(t, err)
			if rows, ok := got.([]record.Row); ok {
				got = firstNames(rows)
			}
			require.Equal(t, tt.want, got)
		})
	}

	got, err := s.Dynamic(ctx, "person", "findOneByFirst_name", "pierre", criteria.Populate{Path: "cat"})
	require.NoError(t, err)
	require.Equal(t, "tobby", got.(record.Row)["cat"].(record.Row)["surname"])

	_, err = s.Dynamic(ctx, "person", "findByNothing", 1)
	require.ErrorContains(t, err, "findByNothing")
}

func TestExplain(t *testing.T) {
	s := newStore(t)
	steps, err := s.Explain("person", nil, criteria.Populate{Path: "cat.toys"})
	require.NoError(t, err)
	require.Len(t, steps, 2)
	require.Equal(t, operations.Step{Path: "person.cat", Collection: "cat", Connection: "bar", Method: "join",
		Joins: []string{"person.cat." + fixture.Junction, "person.cat.toys"}, DependsOn: "person"}, steps[1])
}

func TestTransaction(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	_, err := s.Transaction(ctx, []string{"flea", "cat"}, func(ctx context.Context) (any, error) {
		if _, err := s.Create(ctx, "flea", record.Row{"color": "gold", "cat": "chaton"}); err != nil {
			return nil, err
		}
		n, err := s.Count(ctx, "flea", &criteria.Criteria{Where: map[string]any{"color": "gold"}})
		require.NoError(t, err)
		require.Equal(t, 1, n, "writes are visible inside the transaction")
		return nil, boom
	})
	require.Equal(t, boom, err)

	n, err := s.Count(ctx, "flea", &criteria.Criteria{Where: map[string]any{"color": "gold"}})
	require.NoError(t, err)
	require.Zero(t, n)

	got, err := s.Transaction(ctx, []string{"flea"}, func(ctx context.Context) (any, error) {
		return s.Create(ctx, "flea", record.Row{"color": "gold", "cat": "chaton"})
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	n, err = s.Count(ctx, "flea", &criteria.Criteria{Where: map[string]any{"color": "gold"}})
	require.NoError(t, err)
	require.Equal(t, 1, n)
}
