// Package fixture provides the person/cat/flea/toy dataset used by the
// demo mode of the CLI and by tests across packages.
package fixture

import (
	"context"
	"fmt"

	"github.com/hanpama/populate/internal/adapter"
	"github.com/hanpama/populate/internal/collection"
	"github.com/hanpama/populate/internal/record"
)

// Placement assigns each collection to a connection.
type Placement struct {
	Person, Cat, Flea, Toy string
}

// Single places everything on one connection.
func Single(conn string) Placement { return Placement{conn, conn, conn, conn} }

// Definitions returns the collection definitions. Cat.toys is the dominant
// side of the cat/toy many-to-many association, so the generated junction
// is "cat_toys__toy_cats" and lives on the cat connection.
func Definitions(p Placement) []collection.Definition {
	return []collection.Definition{
		{
			Identity:   "person",
			Connection: p.Person,
			Attributes: []*collection.Attribute{
				{Name: "first_name", Column: "FIRSTNAME", Type: "string", Primary: true},
				{Name: "age", Column: "AGE", Type: "integer"},
				{Name: "cat", Column: "CAT", Model: "cat"},
			},
		},
		{
			Identity:   "cat",
			Connection: p.Cat,
			Attributes: []*collection.Attribute{
				{Name: "surname", Column: "SURNAME", Type: "string", Primary: true},
				{Name: "age", Column: "AGE", Type: "integer"},
				{Name: "fleas", Collection: "flea", Via: "cat"},
				{Name: "toys", Collection: "toy", Via: "cats", Dominant: true},
			},
		},
		{
			Identity:   "flea",
			Connection: p.Flea,
			Attributes: []*collection.Attribute{
				{Name: "id", Column: "ID", Type: "integer", Primary: true},
				{Name: "color", Column: "COLOR", Type: "string"},
				{Name: "cat", Column: "CAT", Model: "cat"},
			},
		},
		{
			Identity:   "toy",
			Connection: p.Toy,
			Attributes: []*collection.Attribute{
				{Name: "id", Column: "ID", Type: "integer", Primary: true},
				{Name: "name", Column: "NAME", Type: "string"},
				{Name: "cats", Collection: "cat", Via: "toys"},
			},
		},
	}
}

// Junction is the identity of the generated cat/toy junction.
const Junction = "cat_toys__toy_cats"

// Tree returns the nested dataset as person rows with cat, cat.fleas and
// cat.toys populated.
func Tree() []record.Row {
	return []record.Row{
		{
			"first_name": "pierre",
			"age":        int64(25),
			"cat": record.Row{
				"surname": "tobby",
				"age":     int64(10),
				"fleas": []record.Row{
					{"id": int64(1), "color": "blue", "cat": "tobby"},
					{"id": int64(2), "color": "red", "cat": "tobby"},
					{"id": int64(3), "color": "green", "cat": "tobby"},
				},
				"toys": []record.Row{
					{"id": int64(1), "name": "ball"},
					{"id": int64(2), "name": "yarn"},
				},
			},
		},
		{
			"first_name": "paul",
			"age":        int64(50),
			"cat": record.Row{
				"surname": "minou",
				"age":     int64(4),
				"fleas": []record.Row{
					{"id": int64(4), "color": "brown", "cat": "minou"},
					{"id": int64(5), "color": "pink", "cat": "minou"},
				},
				"toys": []record.Row{
					{"id": int64(2), "name": "yarn"},
					{"id": int64(3), "name": "feather"},
				},
			},
		},
		{
			"first_name": "jacque",
			"age":        int64(70),
			"cat": record.Row{
				"surname": "chaton",
				"age":     int64(1),
				"fleas":   []record.Row{},
				"toys":    []record.Row{},
			},
		},
	}
}

// Scatter flattens tree into rows per collection identity, in logical
// names, the way they would be stored.
func Scatter(tree []record.Row) map[string][]record.Row {
	out := map[string][]record.Row{}
	seenToy := map[any]bool{}
	for _, p := range tree {
		cat := p["cat"].(record.Row)
		for _, f := range cat["fleas"].([]record.Row) {
			out["flea"] = append(out["flea"], record.Clone(f))
		}
		for _, t := range cat["toys"].([]record.Row) {
			if !seenToy[t["id"]] {
				seenToy[t["id"]] = true
				out["toy"] = append(out["toy"], record.Clone(t))
			}
			out[Junction] = append(out[Junction], record.Row{
				"cat_toys": cat["surname"],
				"toy_cats": t["id"],
			})
		}
		out["cat"] = append(out["cat"], record.Row{"surname": cat["surname"], "age": cat["age"]})
		out["person"] = append(out["person"], record.Row{
			"first_name": p["first_name"],
			"age":        p["age"],
			"cat":        cat["surname"],
		})
	}
	return out
}

// Seed writes Tree through each connection's Writer.
func Seed(ctx context.Context, reg *collection.Registry, conns adapter.Connections) error {
	return SeedTree(ctx, reg, conns, Tree())
}

// SeedTree scatters tree and writes it through each connection's Writer,
// serialized to physical column names. Every person of tree needs a cat.
func SeedTree(ctx context.Context, reg *collection.Registry, conns adapter.Connections, tree []record.Row) error {
	rows := Scatter(tree)
	for _, id := range []string{"cat", "flea", "toy", Junction, "person"} {
		c, err := reg.Get(id)
		if err != nil {
			return err
		}
		a, err := conns.Lookup(c.Connection)
		if err != nil {
			return err
		}
		w, ok := a.(adapter.Writer)
		if !ok {
			return fmt.Errorf("fixture: connection %q cannot create rows", c.Connection)
		}
		serialized := make([]record.Row, len(rows[id]))
		for i, r := range rows[id] {
			serialized[i] = c.Transformer.Serialize(r)
		}
		if _, err := w.Create(ctx, adapter.Request{Connection: c.Connection, Collection: c.Identity, Table: c.Table, PrimaryKey: c.PrimaryColumn()}, serialized); err != nil {
			return fmt.Errorf("fixture: seed %s: %w", id, err)
		}
	}
	return nil
}
