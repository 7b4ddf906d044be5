// Package finder is the query facade over the registry, the connections
// and the population engine.
package finder

import (
	"context"
	"fmt"

	"github.com/hanpama/populate/internal/adapter"
	"github.com/hanpama/populate/internal/collection"
	"github.com/hanpama/populate/internal/criteria"
	"github.com/hanpama/populate/internal/operations"
	"github.com/hanpama/populate/internal/record"
	"github.com/hanpama/populate/internal/transaction"
)

// Store runs queries against registered collections.
type Store struct {
	Registry    *collection.Registry
	Connections adapter.Connections
}

func New(reg *collection.Registry, conns adapter.Connections) *Store {
	return &Store{Registry: reg, Connections: conns}
}

// Find returns the rows of identity matching crit, with populates
// resolved.
func (s *Store) Find(ctx context.Context, identity string, crit *criteria.Criteria, populates ...criteria.Populate) ([]record.Row, error) {
	ops, err := s.plan(identity, crit, operations.Find, populates)
	if err != nil {
		return nil, err
	}
	return ops.Run(ctx)
}

// FindOne returns the first matching row, or nil when nothing matches.
func (s *Store) FindOne(ctx context.Context, identity string, crit *criteria.Criteria, populates ...criteria.Populate) (record.Row, error) {
	ops, err := s.plan(identity, crit, operations.FindOne, populates)
	if err != nil {
		return nil, err
	}
	rows, err := ops.Run(ctx)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return rows[0], nil
}

// Count returns how many rows of identity match crit, ignoring paging.
func (s *Store) Count(ctx context.Context, identity string, crit *criteria.Criteria) (int, error) {
	c, err := s.Registry.Get(identity)
	if err != nil {
		return 0, err
	}
	q := &criteria.Criteria{Select: []string{c.PrimaryKey}}
	if crit != nil {
		q.Where = crit.Where
	}
	rows, err := s.Find(ctx, identity, q)
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

// Create inserts rows given in logical names and returns them as stored.
func (s *Store) Create(ctx context.Context, identity string, rows ...record.Row) ([]record.Row, error) {
	c, err := s.Registry.Get(identity)
	if err != nil {
		return nil, err
	}
	a, err := s.Connections.Lookup(c.Connection)
	if err != nil {
		return nil, err
	}
	w, ok := a.(adapter.Writer)
	if !ok {
		return nil, &operations.StructuralError{Subject: identity, Reason: fmt.Sprintf("adapter %s cannot create rows", a.Identity())}
	}
	in := make([]record.Row, len(rows))
	for i, r := range rows {
		in[i] = c.Transformer.Serialize(r)
	}
	out, err := w.Create(ctx, adapter.Request{
		Connection: c.Connection,
		Collection: c.Identity,
		Table:      c.Table,
		PrimaryKey: c.PrimaryColumn(),
	}, in)
	if err != nil {
		return nil, err
	}
	for i, r := range out {
		out[i] = c.Transformer.Unserialize(r)
	}
	return out, nil
}

// Dynamic runs one of the generated finder methods of identity, such as
// findByAge or nameStartsWith. The result is a record.Row (or nil) for
// findOne methods, a []record.Row for find methods and an int for count
// methods.
func (s *Store) Dynamic(ctx context.Context, identity, method string, value any, populates ...criteria.Populate) (any, error) {
	c, err := s.Registry.Get(identity)
	if err != nil {
		return nil, err
	}
	f, ok := c.Finder(method)
	if !ok {
		return nil, fmt.Errorf("finder: %s has no method %q", identity, method)
	}
	crit := f.Criteria(value)
	switch f.Kind {
	case collection.FindOne:
		row, err := s.FindOne(ctx, identity, crit, populates...)
		if err != nil || row == nil {
			return nil, err
		}
		return row, nil
	case collection.Count:
		return s.Count(ctx, identity, crit)
	}
	return s.Find(ctx, identity, crit, populates...)
}

// Transaction runs body inside one transaction spanning the connections of
// identities. Queries issued with the context body receives are scoped to
// it.
func (s *Store) Transaction(ctx context.Context, identities []string, body func(ctx context.Context) (any, error)) (any, error) {
	colls := make([]*collection.Collection, len(identities))
	for i, id := range identities {
		c, err := s.Registry.Get(id)
		if err != nil {
			return nil, err
		}
		colls[i] = c
	}
	return transaction.Run(ctx, s.Connections, colls, body)
}

// Explain returns the operations a Find would run.
func (s *Store) Explain(identity string, crit *criteria.Criteria, populates ...criteria.Populate) ([]operations.Step, error) {
	ops, err := s.plan(identity, crit, operations.Find, populates)
	if err != nil {
		return nil, err
	}
	return ops.Steps(), nil
}

func (s *Store) plan(identity string, crit *criteria.Criteria, kind operations.Kind, populates []criteria.Populate) (*operations.Operations, error) {
	c, err := s.Registry.Get(identity)
	if err != nil {
		return nil, err
	}
	full, err := s.Registry.BuildCriteria(c, crit, populates...)
	if err != nil {
		return nil, err
	}
	return operations.New(operations.Context{
		Collection:  c,
		Registry:    s.Registry,
		Connections: s.Connections,
	}, full, kind, nil)
}
