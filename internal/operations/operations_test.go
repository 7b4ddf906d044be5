package operations_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"pgregory.net/rapid"

	"github.com/hanpama/populate/internal/adapter"
	"github.com/hanpama/populate/internal/adapter/adaptertest"
	"github.com/hanpama/populate/internal/collection"
	"github.com/hanpama/populate/internal/criteria"
	"github.com/hanpama/populate/internal/eventbus"
	"github.com/hanpama/populate/internal/events"
	"github.com/hanpama/populate/internal/fixture"
	"github.com/hanpama/populate/internal/operations"
	"github.com/hanpama/populate/internal/record"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var everything = []criteria.Populate{{Path: "cat.fleas"}, {Path: "cat.toys"}}

var split = fixture.Placement{Person: "foo", Cat: "bar", Flea: "foo", Toy: "bar"}

func plan(t *testing.T, reg *collection.Registry, conns adapter.Connections, kind operations.Kind, base *criteria.Criteria, pops ...criteria.Populate) *operations.Operations {
	t.Helper()
	person, err := reg.Get("person")
	require.NoError(t, err)
	crit, err := reg.BuildCriteria(person, base, pops...)
	require.NoError(t, err)
	ops, err := operations.New(operations.Context{Collection: person, Registry: reg, Connections: conns}, crit, kind, nil)
	require.NoError(t, err)
	return ops
}

func run(t *testing.T, f *adaptertest.Fixture, pops ...criteria.Populate) []record.Row {
	t.Helper()
	got, err := plan(t, f.Registry, f.Connections, operations.Find, nil, pops...).Run(context.Background())
	require.NoError(t, err)
	return got
}

func TestAdapterCalls(t *testing.T) {
	tests := []struct {
		name      string
		placement fixture.Placement
		caps      map[string]adapter.JoinCapability
		populates []criteria.Populate
		want      []string
	}{
		{
			name:      "no populate is a single fetch",
			placement: fixture.Single("foo"),
			caps:      map[string]adapter.JoinCapability{"foo": adapter.DeepJoin},
			want:      []string{"fetch person"},
		},
		{
			name:      "fetch only adapter fetches every level",
			placement: fixture.Single("foo"),
			populates: everything,
			want:      []string{"fetch cat", "fetch cat_toys__toy_cats", "fetch flea", "fetch person", "fetch toy"},
		},
		{
			name:      "flat join folds direct children only",
			placement: fixture.Single("foo"),
			caps:      map[string]adapter.JoinCapability{"foo": adapter.FlatJoin},
			populates: everything,
			want:      []string{"fetch flea", "join cat_toys__toy_cats", "join person"},
		},
		{
			name:      "deep join resolves everything at once",
			placement: fixture.Single("foo"),
			caps:      map[string]adapter.JoinCapability{"foo": adapter.DeepJoin},
			populates: everything,
			want:      []string{"join person"},
		},
		{
			name:      "flat join across connections",
			placement: split,
			caps:      map[string]adapter.JoinCapability{"foo": adapter.FlatJoin, "bar": adapter.FlatJoin},
			populates: everything,
			want:      []string{"fetch flea", "fetch person", "fetch toy", "join cat"},
		},
		{
			name:      "deep join never crosses connections",
			placement: split,
			caps:      map[string]adapter.JoinCapability{"foo": adapter.DeepJoin, "bar": adapter.DeepJoin},
			populates: everything,
			want:      []string{"fetch flea", "fetch person", "join cat"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := adaptertest.NewFixture(t, tt.placement, tt.caps)
			got := run(t, f, tt.populates...)
			if len(tt.populates) > 0 {
				if diff := cmp.Diff(fixture.Tree(), got); diff != "" {
					t.Fatalf("tree mismatch (-want +got):\n%s", diff)
				}
			} else {
				require.Len(t, got, 3)
			}
			if diff := cmp.Diff(tt.want, f.Methods()); diff != "" {
				t.Fatalf("adapter calls mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestNoPopulateReturnsLogicalRows(t *testing.T) {
	f := adaptertest.NewFixture(t, fixture.Single("foo"), nil)
	got := run(t, f)
	want := fixture.Scatter(fixture.Tree())["person"]
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("rows mismatch (-want +got):\n%s", diff)
	}
}

func TestManyToManyLeavesNoJunctionFields(t *testing.T) {
	for _, c := range []adapter.JoinCapability{adapter.NoJoin, adapter.FlatJoin, adapter.DeepJoin} {
		t.Run(c.String(), func(t *testing.T) {
			f := adaptertest.NewFixture(t, fixture.Single("foo"), map[string]adapter.JoinCapability{"foo": c})
			got := run(t, f, criteria.Populate{Path: "cat.toys"})
			for _, p := range got {
				cat := p["cat"].(record.Row)
				require.NotContains(t, cat, fixture.Junction)
				for _, toy := range cat["toys"].([]record.Row) {
					require.NotContains(t, toy, "toy_cats")
					require.NotContains(t, toy, "cat_toys")
				}
			}
		})
	}
}

func TestFindOne(t *testing.T) {
	f := adaptertest.NewFixture(t, fixture.Single("foo"), map[string]adapter.JoinCapability{"foo": adapter.FlatJoin})
	got, err := plan(t, f.Registry, f.Connections, operations.FindOne, nil, everything...).Run(context.Background())
	require.NoError(t, err)
	if diff := cmp.Diff(fixture.Tree()[:1], got); diff != "" {
		t.Fatalf("tree mismatch (-want +got):\n%s", diff)
	}
}

func TestChildCriteria(t *testing.T) {
	f := adaptertest.NewFixture(t, fixture.Single("foo"), nil)
	got := run(t, f,
		criteria.Populate{Path: "cat", Criteria: &criteria.Criteria{Where: map[string]any{"age": map[string]any{">": 5}}}},
		criteria.Populate{Path: "cat.fleas"},
	)
	require.Len(t, got, 3)
	require.Equal(t, "tobby", got[0]["cat"].(record.Row)["surname"])
	require.Nil(t, got[1]["cat"], "filtered out to-one values become nil")
	require.Nil(t, got[2]["cat"])
}

// windowed cuts the fleas and toys of every cat in tree the way a
// populate window does.
func windowed(tree []record.Row, fleas, toys *criteria.Criteria) []record.Row {
	for _, p := range tree {
		cat := p["cat"].(record.Row)
		cat["fleas"] = criteria.Apply(cat["fleas"].([]record.Row), fleas)
		cat["toys"] = criteria.Apply(cat["toys"].([]record.Row), toys)
	}
	return tree
}

func TestPopulateWindowIsPerParent(t *testing.T) {
	byID := []criteria.Sort{{Attribute: "id"}}
	windows := []struct {
		name        string
		fleas, toys *criteria.Criteria
	}{
		{
			name:  "limit",
			fleas: &criteria.Criteria{Limit: 1},
		},
		{
			name:  "sorted limit",
			fleas: &criteria.Criteria{Sort: []criteria.Sort{{Attribute: "id", Desc: true}}, Limit: 2},
			toys:  &criteria.Criteria{Sort: byID, Limit: 1},
		},
		{
			name:  "skip",
			fleas: &criteria.Criteria{Sort: byID, Skip: 1, Limit: 1},
			toys:  &criteria.Criteria{Sort: byID, Skip: 1},
		},
		{
			name:  "filter then limit",
			fleas: &criteria.Criteria{Where: map[string]any{"id": map[string]any{">": 1}}, Sort: byID, Limit: 1},
			toys:  &criteria.Criteria{Sort: byID, Skip: 1, Limit: 1},
		},
	}
	placements := []struct {
		name string
		fixture.Placement
	}{
		{"single", fixture.Single("foo")},
		{"split", split},
	}
	for _, w := range windows {
		want := windowed(fixture.Tree(), w.fleas, w.toys)
		for _, pl := range placements {
			for _, c := range []adapter.JoinCapability{adapter.NoJoin, adapter.FlatJoin, adapter.DeepJoin} {
				t.Run(w.name+"/"+pl.name+"/"+c.String(), func(t *testing.T) {
					f := adaptertest.NewFixture(t, pl.Placement, map[string]adapter.JoinCapability{"foo": c, "bar": c})
					got := run(t, f,
						criteria.Populate{Path: "cat"},
						criteria.Populate{Path: "cat.fleas", Criteria: w.fleas},
						criteria.Populate{Path: "cat.toys", Criteria: w.toys},
					)
					if diff := cmp.Diff(want, got); diff != "" {
						t.Fatalf("tree mismatch (-want +got):\n%s", diff)
					}
				})
			}
		}
	}
}

// drawTree generates persons each owning one cat. Fleas belong to one
// cat; toys are drawn from a shared pool so cats may hold the same toy.
func drawTree(t *rapid.T) []record.Row {
	pool := []string{"ball", "yarn", "feather", "mouse", "box"}
	colors := rapid.SampledFrom([]string{"blue", "red", "green"})
	var tree []record.Row
	flea := int64(0)
	for i := range rapid.IntRange(1, 5).Draw(t, "persons") {
		surname := fmt.Sprintf("c%02d", i)
		fleas := []record.Row{}
		for range rapid.IntRange(0, 3).Draw(t, "fleas") {
			flea++
			fleas = append(fleas, record.Row{"id": flea, "color": colors.Draw(t, "color"), "cat": surname})
		}
		toys := []record.Row{}
		for id, name := range pool {
			if rapid.Bool().Draw(t, "toy") {
				toys = append(toys, record.Row{"id": int64(id + 1), "name": name})
			}
		}
		tree = append(tree, record.Row{
			"first_name": fmt.Sprintf("p%02d", i),
			"age":        rapid.Int64Range(0, 99).Draw(t, "age"),
			"cat": record.Row{
				"surname": surname,
				"age":     rapid.Int64Range(0, 20).Draw(t, "cat age"),
				"fleas":   fleas,
				"toys":    toys,
			},
		})
	}
	return tree
}

func drawWindow(t *rapid.T, label string) *criteria.Criteria {
	return &criteria.Criteria{
		Sort:  []criteria.Sort{{Attribute: "id", Desc: rapid.Bool().Draw(t, label+" desc")}},
		Skip:  rapid.IntRange(0, 2).Draw(t, label+" skip"),
		Limit: rapid.IntRange(0, 3).Draw(t, label+" limit"),
	}
}

func TestScatteredTreeIsReassembled(t *testing.T) {
	conn := rapid.SampledFrom([]string{"foo", "bar"})
	capability := rapid.SampledFrom([]adapter.JoinCapability{adapter.NoJoin, adapter.FlatJoin, adapter.DeepJoin})
	rapid.Check(t, func(t *rapid.T) {
		tree := drawTree(t)
		placement := fixture.Placement{
			Person: conn.Draw(t, "person"),
			Cat:    conn.Draw(t, "cat"),
			Flea:   conn.Draw(t, "flea"),
			Toy:    conn.Draw(t, "toy"),
		}
		caps := map[string]adapter.JoinCapability{"foo": capability.Draw(t, "foo"), "bar": capability.Draw(t, "bar")}
		fleas, toys := drawWindow(t, "fleas"), drawWindow(t, "toys")

		ctx := context.Background()
		f, err := adaptertest.Open(ctx, placement, caps, tree)
		if err != nil {
			t.Fatal(err)
		}
		person, err := f.Registry.Get("person")
		if err != nil {
			t.Fatal(err)
		}
		base := &criteria.Criteria{Sort: []criteria.Sort{{Attribute: "first_name"}}}
		crit, err := f.Registry.BuildCriteria(person, base,
			criteria.Populate{Path: "cat.fleas", Criteria: fleas},
			criteria.Populate{Path: "cat.toys", Criteria: toys},
		)
		if err != nil {
			t.Fatal(err)
		}
		ops, err := operations.New(operations.Context{Collection: person, Registry: f.Registry, Connections: f.Connections}, crit, operations.Find, nil)
		if err != nil {
			t.Fatal(err)
		}
		got, err := ops.Run(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(windowed(tree, fleas, toys), got); diff != "" {
			t.Fatalf("tree mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestEmptyRoot(t *testing.T) {
	f := adaptertest.NewFixture(t, fixture.Single("foo"), nil)
	base := &criteria.Criteria{Where: map[string]any{"first_name": "nobody"}}
	got, err := plan(t, f.Registry, f.Connections, operations.Find, base, everything...).Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Empty(t, got)
	require.Equal(t, []string{"fetch person"}, f.Methods())
}

func TestAdapterErrorIsReturnedUnchanged(t *testing.T) {
	boom := errors.New("boom")
	f := adaptertest.NewFixture(t, fixture.Single("foo"), nil)
	f.Recorders["foo"].Fail = map[string]error{"flea": boom}

	got, err := plan(t, f.Registry, f.Connections, operations.Find, nil, everything...).Run(context.Background())
	require.ErrorIs(t, err, boom)
	require.Equal(t, boom, err)
	require.Nil(t, got)
}

func TestUnownedJoinIsStructural(t *testing.T) {
	f := adaptertest.NewFixture(t, fixture.Single("foo"), nil)
	person := f.Collection(t, "person")
	crit := &criteria.Criteria{
		Joins: []*criteria.Join{{Parent: "cat", Child: "flea", Path: "person.cat.fleas", Alias: "fleas", ParentKey: "SURNAME", ChildKey: "CAT"}},
		Paths: criteria.Paths{},
	}
	_, err := operations.New(operations.Context{Collection: person, Registry: f.Registry, Connections: f.Connections}, crit, operations.Find, nil)
	var serr *operations.StructuralError
	require.ErrorAs(t, err, &serr)
	require.Equal(t, "person.cat.fleas", serr.Subject)
}

func TestUnknownConnection(t *testing.T) {
	f := adaptertest.NewFixture(t, split, nil)
	person := f.Collection(t, "person")
	crit, err := f.Registry.BuildCriteria(person, nil, everything...)
	require.NoError(t, err)
	conns := adapter.Connections{"foo": f.Connections["foo"]}
	_, err = operations.New(operations.Context{Collection: person, Registry: f.Registry, Connections: conns}, crit, operations.Find, nil)
	require.ErrorIs(t, err, adapter.ErrUnknownConnection)
}

func TestRunTwice(t *testing.T) {
	f := adaptertest.NewFixture(t, fixture.Single("foo"), nil)
	ops := plan(t, f.Registry, f.Connections, operations.Find, nil)
	_, err := ops.Run(context.Background())
	require.NoError(t, err)
	_, err = ops.Run(context.Background())
	require.ErrorIs(t, err, operations.ErrRan)
}

func TestSteps(t *testing.T) {
	f := adaptertest.NewFixture(t, fixture.Single("foo"), map[string]adapter.JoinCapability{"foo": adapter.FlatJoin})
	got := plan(t, f.Registry, f.Connections, operations.Find, nil, everything...).Steps()
	want := []operations.Step{
		{Path: "person", Collection: "person", Connection: "foo", Method: "join", Joins: []string{"person.cat"}},
		{Path: "person.cat.fleas", Collection: "flea", Connection: "foo", Method: "fetch", DependsOn: "person"},
		{Path: "person.cat." + fixture.Junction, Collection: fixture.Junction, Connection: "foo", Method: "join", Joins: []string{"person.cat.toys"}, DependsOn: "person"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("steps mismatch (-want +got):\n%s", diff)
	}
}

// static serves fixed physical rows per collection and ignores criteria.
type static map[string][]record.Row

func (static) Identity() string { return "static" }

func (s static) Fetch(_ context.Context, req adapter.Request) ([]record.Row, error) {
	out := make([]record.Row, len(s[req.Collection]))
	for i, r := range s[req.Collection] {
		out[i] = record.Clone(r)
	}
	return out, nil
}

type recorded struct {
	mu       sync.Mutex
	orphans  []events.OrphanRow
	finishes []events.OperationFinish
}

func listen(t *testing.T) *recorded {
	t.Helper()
	prev := eventbus.Current()
	bus := eventbus.New()
	eventbus.Use(bus)
	t.Cleanup(func() { eventbus.Use(prev) })

	r := &recorded{}
	eventbus.SubscribeTo(bus, func(_ context.Context, e events.OrphanRow) {
		r.mu.Lock()
		r.orphans = append(r.orphans, e)
		r.mu.Unlock()
	})
	eventbus.SubscribeTo(bus, func(_ context.Context, e events.OperationFinish) {
		r.mu.Lock()
		r.finishes = append(r.finishes, e)
		r.mu.Unlock()
	})
	return r
}

func TestOrphanRowsAreDropped(t *testing.T) {
	ev := listen(t)
	reg, err := collection.NewRegistry(fixture.Definitions(fixture.Single("foo"))...)
	require.NoError(t, err)
	conns := adapter.Connections{"foo": static{
		"person": {{"FIRSTNAME": "pierre", "CAT": "tobby"}},
		"cat":    {{"SURNAME": "tobby"}},
		"flea":   {{"ID": int64(1), "CAT": "tobby"}, {"ID": int64(9), "CAT": "ghost"}},
	}}

	got, err := plan(t, reg, conns, operations.Find, nil, criteria.Populate{Path: "cat.fleas"}).Run(context.Background())
	require.NoError(t, err)
	want := []record.Row{{
		"first_name": "pierre",
		"cat": record.Row{
			"surname": "tobby",
			"fleas":   []record.Row{{"id": int64(1), "cat": "tobby"}},
		},
	}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("tree mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, []events.OrphanRow{{Path: "person.cat.fleas", Key: int64(9)}}, ev.orphans)
}

func TestOperationsWithoutKeysAreSkipped(t *testing.T) {
	ev := listen(t)
	reg, err := collection.NewRegistry(fixture.Definitions(fixture.Single("foo"))...)
	require.NoError(t, err)
	conns := adapter.Connections{"foo": static{
		"person": {{"FIRSTNAME": "anne", "CAT": nil}},
	}}

	got, err := plan(t, reg, conns, operations.Find, nil, criteria.Populate{Path: "cat.fleas"}).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, []record.Row{{"first_name": "anne", "cat": nil}}, got)

	skipped := map[string]bool{}
	for _, e := range ev.finishes {
		if e.Skipped {
			skipped[e.Path] = true
		}
	}
	require.Equal(t, map[string]bool{"person.cat": true, "person.cat.fleas": true}, skipped)
}
