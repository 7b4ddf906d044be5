package cursor_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/hanpama/populate/internal/collection"
	"github.com/hanpama/populate/internal/criteria"
	"github.com/hanpama/populate/internal/cursor"
	"github.com/hanpama/populate/internal/fixture"
	"github.com/hanpama/populate/internal/record"
)

const (
	catPath   = "person.cat"
	fleaPath  = "person.cat.fleas"
	jPath     = "person.cat." + fixture.Junction
	toyPath   = "person.cat.toys"
	rootPath  = "person"
	surname   = "surname"
	firstName = "first_name"
)

func fixturePaths(t *testing.T) criteria.Paths {
	t.Helper()
	reg, err := collection.NewRegistry(fixture.Definitions(fixture.Single("foo"))...)
	require.NoError(t, err)
	person, err := reg.Get("person")
	require.NoError(t, err)
	c, err := reg.BuildCriteria(person, nil,
		criteria.Populate{Path: "cat.fleas"},
		criteria.Populate{Path: "cat.toys"},
	)
	require.NoError(t, err)
	return c.Paths
}

func scattered() map[string][]record.Row {
	rows := fixture.Scatter(fixture.Tree())
	for i, j := range rows[fixture.Junction] {
		j["id"] = int64(i + 1)
	}
	return rows
}

func clones(rows []record.Row) []record.Row {
	out := make([]record.Row, len(rows))
	for i, r := range rows {
		out[i] = record.DeepClone(r)
	}
	return out
}

// dropJunction removes the junction lists the cursor leaves on cats.
func dropJunction(tree []record.Row) []record.Row {
	for _, p := range tree {
		if cat, ok := p["cat"].(record.Row); ok {
			delete(cat, fixture.Junction)
		}
	}
	return tree
}

func wantTree() []record.Row {
	tree := fixture.Tree()
	// nothing was zipped for chaton
	cat := tree[2]["cat"].(record.Row)
	delete(cat, "fleas")
	delete(cat, "toys")
	return tree
}

func TestZipLevelByLevel(t *testing.T) {
	rows := scattered()
	c := cursor.New(rootPath, clones(rows["person"]), fixturePaths(t))

	require.Equal(t, []any{"tobby", "minou", "chaton"}, c.Keys(catPath))
	c.ChildPath(catPath).Zip(clones(rows["cat"]))
	c.ChildPath(fleaPath).Zip(clones(rows["flea"]))
	c.ChildPath(jPath).Zip(clones(rows[fixture.Junction]))
	require.Equal(t, []any{int64(1), int64(2), int64(3)}, c.Keys(jPath))
	c.ChildPath(toyPath).Zip(clones(rows["toy"]))
	c.Finish()

	if diff := cmp.Diff(wantTree(), dropJunction(c.Root())); diff != "" {
		t.Fatalf("tree mismatch (-want +got):\n%s", diff)
	}
}

func TestDeepIndexEmbedded(t *testing.T) {
	rows := scattered()
	// person -> cat -> junction -> toy all embedded, fleas left to a later zip
	var people []record.Row
	for _, p := range clones(rows["person"]) {
		for _, cat := range rows["cat"] {
			if cat[surname] != p["cat"] {
				continue
			}
			embedded := record.Clone(cat)
			var links []record.Row
			for _, j := range rows[fixture.Junction] {
				if j["cat_toys"] != cat[surname] {
					continue
				}
				link := record.Clone(j)
				for _, toy := range rows["toy"] {
					if toy["id"] == j["toy_cats"] {
						link["toy_cats"] = record.Clone(toy)
					}
				}
				links = append(links, link)
			}
			embedded[fixture.Junction] = links
			p["cat"] = embedded
		}
		people = append(people, p)
	}

	c := cursor.New(rootPath, people, fixturePaths(t))
	require.Equal(t, []any{"tobby", "minou", "chaton"}, c.Keys(catPath))
	c.ChildPath(fleaPath).Zip(clones(rows["flea"]))
	c.Finish()

	got := dropJunction(c.Root())
	if diff := cmp.Diff(wantTree(), got); diff != "" {
		t.Fatalf("tree mismatch (-want +got):\n%s", diff)
	}
	for _, p := range got[:2] {
		for _, toy := range p["cat"].(record.Row)["toys"].([]record.Row) {
			require.NotContains(t, toy, "toy_cats")
		}
	}
}

func TestUnresolvedPlaceholderBecomesNil(t *testing.T) {
	c := cursor.New(rootPath, []record.Row{
		{firstName: "ann", "cat": "ghost"},
		{firstName: "bob", "cat": nil},
	}, fixturePaths(t))
	c.Finish()
	want := []record.Row{{firstName: "ann", "cat": nil}, {firstName: "bob", "cat": nil}}
	if diff := cmp.Diff(want, c.Root()); diff != "" {
		t.Fatalf("root mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, []any{"ghost"}, c.Keys(catPath))
}

func TestSharedParentsAndIdempotentOverlay(t *testing.T) {
	c := cursor.New(rootPath, []record.Row{
		{firstName: "ann", "cat": "tobby"},
		{firstName: "bob", "cat": "tobby"},
	}, fixturePaths(t))
	require.Equal(t, []any{"tobby"}, c.Keys(catPath), "keys are deduplicated when read")

	cat := record.Row{surname: "tobby", "age": int64(3)}
	c.ChildPath(catPath).Zip([]record.Row{record.Clone(cat)})
	c.ChildPath(catPath).Zip([]record.Row{record.Clone(cat)})
	c.ChildPath(fleaPath).Zip([]record.Row{{"id": int64(1), "cat": "tobby"}})
	c.Finish()

	wantCat := record.Row{surname: "tobby", "age": int64(3), "fleas": []record.Row{{"id": int64(1), "cat": "tobby"}}}
	for _, p := range c.Root() {
		if diff := cmp.Diff(wantCat, p["cat"]); diff != "" {
			t.Fatalf("%v: cat mismatch (-want +got):\n%s", p[firstName], diff)
		}
	}
}

func TestDuplicateStreamRowsAreKept(t *testing.T) {
	c := cursor.New(rootPath, []record.Row{{firstName: "ann", "cat": "tobby"}}, fixturePaths(t))
	c.ChildPath(catPath).Zip([]record.Row{{surname: "tobby"}})
	flea := record.Row{"id": int64(1), "cat": "tobby"}
	c.ChildPath(fleaPath).Zip([]record.Row{record.Clone(flea), record.Clone(flea)})
	c.Finish()
	require.Len(t, c.Root()[0]["cat"].(record.Row)["fleas"], 2)
}

func TestOrphans(t *testing.T) {
	var orphans []string
	hook := cursor.WithOrphanHook(func(path string, key any) {
		orphans = append(orphans, path)
	})
	c := cursor.New(rootPath, []record.Row{{firstName: "ann", "cat": "tobby"}}, fixturePaths(t), hook)
	c.ChildPath(catPath).Zip([]record.Row{{surname: "tobby"}})
	c.ChildPath(toyPath).Zip([]record.Row{{"id": int64(7), "name": "lost"}})
	c.ChildPath(fleaPath).Zip([]record.Row{{"id": int64(1), "cat": "minou"}})
	c.Finish()

	require.Equal(t, []string{toyPath, fleaPath}, orphans)
	require.Equal(t, []record.Row{{firstName: "ann", "cat": record.Row{surname: "tobby"}}}, c.Root())
}

func TestExtend(t *testing.T) {
	c := cursor.New(rootPath, []record.Row{{firstName: "ann", "cat": "tobby"}}, fixturePaths(t))
	c.ChildPath(catPath).Extend("tobby", record.Row{"age": int64(9)})
	c.Finish()
	require.Equal(t, record.Row{"age": int64(9)}, c.Root()[0]["cat"])
}
