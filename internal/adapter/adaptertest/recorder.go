// Package adaptertest provides a recording adapter and seeded fixture
// connections for tests.
package adaptertest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/hanpama/populate/internal/adapter"
	"github.com/hanpama/populate/internal/adapter/memory"
	"github.com/hanpama/populate/internal/collection"
	"github.com/hanpama/populate/internal/criteria"
	"github.com/hanpama/populate/internal/fixture"
	"github.com/hanpama/populate/internal/record"
)

// Call is one recorded adapter call.
type Call struct {
	Method     string // "fetch", "join", "create", "register", "commit", "rollback"
	Connection string
	Collection string
	Criteria   *criteria.Criteria
	Tx         string
}

func (c Call) String() string { return c.Method + " " + c.Collection }

// Recorder wraps an adapter, records every call and can inject errors.
// It declares Capability regardless of what Inner supports; Inner must be
// able to join whenever Capability is not NoJoin.
type Recorder struct {
	Name       string
	Inner      adapter.Adapter
	Capability adapter.JoinCapability

	// Fail maps a collection identity to the error its fetch or join
	// returns.
	Fail map[string]error
	// RegisterErr, CommitErr and RollbackErr fail the matching
	// transaction step.
	RegisterErr error
	CommitErr   error
	RollbackErr error

	mu    sync.Mutex
	calls []Call
	ntx   int
}

var (
	_ adapter.Adapter       = (*Recorder)(nil)
	_ adapter.Joiner        = (*Recorder)(nil)
	_ adapter.Transactional = (*Recorder)(nil)
	_ adapter.Writer        = (*Recorder)(nil)
)

func (r *Recorder) Identity() string                        { return r.Name }
func (r *Recorder) JoinCapability() adapter.JoinCapability { return r.Capability }

func (r *Recorder) record(c Call) {
	r.mu.Lock()
	r.calls = append(r.calls, c)
	r.mu.Unlock()
}

func (r *Recorder) Fetch(ctx context.Context, req adapter.Request) ([]record.Row, error) {
	r.record(Call{Method: "fetch", Connection: req.Connection, Collection: req.Collection, Criteria: req.Criteria})
	if err := r.Fail[req.Collection]; err != nil {
		return nil, err
	}
	return r.Inner.Fetch(ctx, req)
}

func (r *Recorder) Join(ctx context.Context, req adapter.Request) ([]record.Row, error) {
	r.record(Call{Method: "join", Connection: req.Connection, Collection: req.Collection, Criteria: req.Criteria})
	if err := r.Fail[req.Collection]; err != nil {
		return nil, err
	}
	j, ok := r.Inner.(adapter.Joiner)
	if !ok {
		return nil, fmt.Errorf("adaptertest: %s cannot join", r.Inner.Identity())
	}
	return j.Join(ctx, req)
}

func (r *Recorder) Create(ctx context.Context, req adapter.Request, rows []record.Row) ([]record.Row, error) {
	r.record(Call{Method: "create", Connection: req.Connection, Collection: req.Collection})
	w, ok := r.Inner.(adapter.Writer)
	if !ok {
		return nil, fmt.Errorf("adaptertest: %s cannot create", r.Inner.Identity())
	}
	return w.Create(ctx, req, rows)
}

// RegisterTransaction delegates to Inner when it is transactional and
// hands out sequential ids otherwise.
func (r *Recorder) RegisterTransaction(ctx context.Context, connection string, collections []string) (string, error) {
	if r.RegisterErr != nil {
		r.record(Call{Method: "register", Connection: connection})
		return "", r.RegisterErr
	}
	var id string
	if t, ok := r.Inner.(adapter.Transactional); ok {
		var err error
		if id, err = t.RegisterTransaction(ctx, connection, collections); err != nil {
			return "", err
		}
	} else {
		r.mu.Lock()
		r.ntx++
		id = fmt.Sprintf("%s-tx-%d", r.Name, r.ntx)
		r.mu.Unlock()
	}
	r.record(Call{Method: "register", Connection: connection, Tx: id})
	return id, nil
}

func (r *Recorder) Commit(ctx context.Context, connection, id string) error {
	r.record(Call{Method: "commit", Connection: connection, Tx: id})
	if r.CommitErr != nil {
		return r.CommitErr
	}
	if t, ok := r.Inner.(adapter.Transactional); ok {
		return t.Commit(ctx, connection, id)
	}
	return nil
}

func (r *Recorder) Rollback(ctx context.Context, connection, id string) error {
	r.record(Call{Method: "rollback", Connection: connection, Tx: id})
	if t, ok := r.Inner.(adapter.Transactional); ok {
		if err := t.Rollback(ctx, connection, id); err != nil {
			return err
		}
	}
	return r.RollbackErr
}

// Calls returns a copy of the recorded calls in call order.
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// Methods returns "method collection" for every recorded call matching one
// of methods (all calls when none are given), sorted.
func (r *Recorder) Methods(methods ...string) []string {
	var out []string
	for _, c := range r.Calls() {
		if len(methods) > 0 && !contains(methods, c.Method) {
			continue
		}
		out = append(out, c.String())
	}
	sort.Strings(out)
	return out
}

// Reset forgets the recorded calls.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.calls = nil
	r.mu.Unlock()
}

func contains(list []string, s string) bool {
	for _, e := range list {
		if e == s {
			return true
		}
	}
	return false
}

// FetchOnly hides every optional capability of a.
func FetchOnly(a adapter.Adapter) adapter.Adapter { return fetchOnly{a} }

type fetchOnly struct{ adapter.Adapter }

// Fixture is a seeded fixture dataset spread over recording connections.
type Fixture struct {
	Registry    *collection.Registry
	Connections adapter.Connections
	Recorders   map[string]*Recorder
}

// Collection returns the fixture collection identity or fails t.
func (f *Fixture) Collection(t testing.TB, identity string) *collection.Collection {
	t.Helper()
	c, err := f.Registry.Get(identity)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

// Methods merges the data calls (fetch and join) of every recorder.
func (f *Fixture) Methods() []string {
	var out []string
	for _, r := range f.Recorders {
		out = append(out, r.Methods("fetch", "join")...)
	}
	sort.Strings(out)
	return out
}

// Reset forgets the calls of every recorder.
func (f *Fixture) Reset() {
	for _, r := range f.Recorders {
		r.Reset()
	}
}

// NewFixture seeds the fixture dataset placed by p. Each connection gets
// its own memory adapter behind a Recorder declaring caps[connection]
// (NoJoin when absent). Seeding calls are forgotten before returning.
func NewFixture(t testing.TB, p fixture.Placement, caps map[string]adapter.JoinCapability) *Fixture {
	t.Helper()
	f, err := Open(context.Background(), p, caps, fixture.Tree())
	if err != nil {
		t.Fatal(err)
	}
	return f
}

// Open is NewFixture seeded with tree instead of the fixture dataset.
func Open(ctx context.Context, p fixture.Placement, caps map[string]adapter.JoinCapability, tree []record.Row) (*Fixture, error) {
	reg, err := collection.NewRegistry(fixture.Definitions(p)...)
	if err != nil {
		return nil, err
	}
	f := &Fixture{Registry: reg, Connections: adapter.Connections{}, Recorders: map[string]*Recorder{}}
	for _, name := range reg.Connections() {
		mem, err := memory.New(memory.WithName(name), memory.WithJoinCapability(adapter.DeepJoin))
		if err != nil {
			return nil, err
		}
		rec := &Recorder{Name: name, Inner: mem, Capability: caps[name]}
		f.Recorders[name] = rec
		f.Connections[name] = rec
	}
	if err := fixture.SeedTree(ctx, reg, f.Connections, tree); err != nil {
		return nil, err
	}
	f.Reset()
	return f, nil
}
