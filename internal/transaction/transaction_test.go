package transaction_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/hanpama/populate/internal/adapter"
	"github.com/hanpama/populate/internal/adapter/adaptertest"
	"github.com/hanpama/populate/internal/collection"
	"github.com/hanpama/populate/internal/criteria"
	"github.com/hanpama/populate/internal/eventbus"
	"github.com/hanpama/populate/internal/events"
	"github.com/hanpama/populate/internal/fixture"
	"github.com/hanpama/populate/internal/operations"
	"github.com/hanpama/populate/internal/record"
	"github.com/hanpama/populate/internal/transaction"
)

var split = fixture.Placement{Person: "foo", Cat: "bar", Flea: "foo", Toy: "bar"}

// journal logs transaction steps of every connection in one sequence.
type journal struct {
	mu    sync.Mutex
	steps []string
}

func (j *journal) add(s string) {
	j.mu.Lock()
	j.steps = append(j.steps, s)
	j.mu.Unlock()
}

type logged struct {
	*adaptertest.Recorder
	j *journal
}

func (l logged) RegisterTransaction(ctx context.Context, connection string, collections []string) (string, error) {
	l.j.add("register " + connection)
	return l.Recorder.RegisterTransaction(ctx, connection, collections)
}

func (l logged) Commit(ctx context.Context, connection, id string) error {
	l.j.add("commit " + connection)
	return l.Recorder.Commit(ctx, connection, id)
}

func (l logged) Rollback(ctx context.Context, connection, id string) error {
	l.j.add("rollback " + connection)
	return l.Recorder.Rollback(ctx, connection, id)
}

func setup(t *testing.T) (*adaptertest.Fixture, adapter.Connections, *journal, []*collection.Collection) {
	t.Helper()
	f := adaptertest.NewFixture(t, split, nil)
	j := &journal{}
	conns := adapter.Connections{}
	for name, r := range f.Recorders {
		conns[name] = logged{r, j}
	}
	colls := []*collection.Collection{f.Collection(t, "person"), f.Collection(t, "cat"), f.Collection(t, "flea")}
	return f, conns, j, colls
}

func createPerson(ctx context.Context, conns adapter.Connections, p *collection.Collection, name string) error {
	w := conns[p.Connection].(adapter.Writer)
	_, err := w.Create(ctx, adapter.Request{Connection: p.Connection, Collection: p.Identity, Table: p.Table, PrimaryKey: p.PrimaryColumn()},
		[]record.Row{p.Transformer.Serialize(record.Row{"first_name": name, "age": int64(1)})})
	return err
}

func countPeople(t *testing.T, conns adapter.Connections, p *collection.Collection, name string) int {
	t.Helper()
	rows, err := conns[p.Connection].Fetch(context.Background(), adapter.Request{
		Connection: p.Connection, Collection: p.Identity, Table: p.Table,
		Criteria: &criteria.Criteria{Where: map[string]any{"FIRSTNAME": name}},
	})
	require.NoError(t, err)
	return len(rows)
}

func TestRunCommitsEveryConnection(t *testing.T) {
	_, conns, j, colls := setup(t)

	got, err := transaction.Run(context.Background(), conns, colls, func(ctx context.Context) (any, error) {
		_, scoped := adapter.TransactionID(ctx, "bar")
		require.True(t, scoped)
		return "done", createPerson(ctx, conns, colls[0], "zoe")
	})
	require.NoError(t, err)
	require.Equal(t, "done", got)

	want := []string{"register foo", "register bar", "commit foo", "commit bar"}
	if diff := cmp.Diff(want, j.steps); diff != "" {
		t.Fatalf("steps mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, 1, countPeople(t, conns, colls[0], "zoe"))
}

func TestRunRollsBackOnBodyError(t *testing.T) {
	_, conns, j, colls := setup(t)
	boom := errors.New("boom")

	got, err := transaction.Run(context.Background(), conns, colls, func(ctx context.Context) (any, error) {
		require.NoError(t, createPerson(ctx, conns, colls[0], "zoe"))
		return nil, boom
	})
	require.Equal(t, boom, err)
	require.Nil(t, got)

	want := []string{"register foo", "register bar", "rollback foo", "rollback bar"}
	if diff := cmp.Diff(want, j.steps); diff != "" {
		t.Fatalf("steps mismatch (-want +got):\n%s", diff)
	}
	require.Zero(t, countPeople(t, conns, colls[0], "zoe"))
}

func TestRollbackFailuresAreJoined(t *testing.T) {
	f, conns, _, colls := setup(t)
	boom, stuck := errors.New("boom"), errors.New("stuck")
	f.Recorders["bar"].RollbackErr = stuck

	_, err := transaction.Run(context.Background(), conns, colls, func(context.Context) (any, error) {
		return nil, boom
	})
	require.ErrorIs(t, err, boom)
	require.ErrorIs(t, err, stuck)
}

func TestNonTransactionalAdapter(t *testing.T) {
	f, _, _, colls := setup(t)
	conns := adapter.Connections{
		"foo": f.Recorders["foo"],
		"bar": adaptertest.FetchOnly(f.Recorders["bar"]),
	}
	_, err := transaction.Begin(context.Background(), conns, colls)
	var serr *operations.StructuralError
	require.ErrorAs(t, err, &serr)
	require.Equal(t, "cat", serr.Subject)
	require.Empty(t, f.Recorders["foo"].Calls(), "nothing is registered")
}

func TestRegistrationFailureRollsBackRegistered(t *testing.T) {
	f, conns, j, colls := setup(t)
	refused := errors.New("refused")
	f.Recorders["bar"].RegisterErr = refused

	_, err := transaction.Begin(context.Background(), conns, colls)
	require.Equal(t, refused, err)
	want := []string{"register foo", "register bar", "rollback foo"}
	if diff := cmp.Diff(want, j.steps); diff != "" {
		t.Fatalf("steps mismatch (-want +got):\n%s", diff)
	}
}

func TestRegistrationFailurePairsEvents(t *testing.T) {
	f, conns, _, colls := setup(t)
	refused := errors.New("refused")
	f.Recorders["bar"].RegisterErr = refused

	bus := eventbus.New()
	var got []string
	eventbus.SubscribeTo(bus, func(ctx context.Context, e events.TransactionStart) {
		got = append(got, "start")
	})
	eventbus.SubscribeTo(bus, func(ctx context.Context, e events.TransactionFinish) {
		require.False(t, e.Committed)
		require.Equal(t, refused, e.Err)
		require.Equal(t, []string{"foo"}, e.Connections)
		got = append(got, "finish")
	})
	eventbus.Use(bus)
	t.Cleanup(func() { eventbus.Use(nil) })

	_, err := transaction.Begin(context.Background(), conns, colls)
	require.Equal(t, refused, err)
	if diff := cmp.Diff([]string{"start", "finish"}, got); diff != "" {
		t.Fatalf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestExplicitSettle(t *testing.T) {
	f, conns, _, colls := setup(t)
	ctx := context.Background()
	tx, err := transaction.Begin(ctx, conns, colls)
	require.NoError(t, err)
	require.Equal(t, []string{"foo", "bar"}, tx.Connections())

	var early []any
	tx.Exec(func(result any, err error) {
		require.NoError(t, err)
		require.Len(t, f.Recorders["bar"].Methods("commit"), 1, "callbacks run after the last commit")
		early = append(early, result)
	})
	require.Empty(t, early, "exec waits for the outcome")

	require.NoError(t, tx.Commit(ctx, 42))
	require.Equal(t, []any{42}, early)
	require.ErrorIs(t, tx.Commit(ctx, 1), transaction.ErrAlreadySettled)
	require.ErrorIs(t, tx.Rollback(ctx, nil), transaction.ErrAlreadySettled)

	var late any
	tx.Exec(func(result any, err error) { late = result })
	require.Equal(t, 42, late)
}

func TestRollbackWithoutCause(t *testing.T) {
	_, conns, _, colls := setup(t)
	ctx := context.Background()
	tx, err := transaction.Begin(ctx, conns, colls)
	require.NoError(t, err)
	require.NoError(t, tx.Rollback(ctx, nil))

	var outcome error
	tx.Exec(func(_ any, err error) { outcome = err })
	require.ErrorIs(t, outcome, transaction.ErrRolledBack)
}
