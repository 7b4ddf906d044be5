// Package adapter defines the contract between the population engine and
// storage back-ends. Only Fetch is required; native joins, transactions
// and writes are optional capabilities discovered by type assertion.
package adapter

import (
	"context"
	"errors"
	"fmt"

	"github.com/hanpama/populate/internal/criteria"
	"github.com/hanpama/populate/internal/record"
)

var (
	// ErrUnknownConnection is returned when no adapter serves a connection.
	ErrUnknownConnection = errors.New("adapter: unknown connection")
	// ErrUnknownTransaction is returned for a transaction id the adapter
	// never registered, or one already settled.
	ErrUnknownTransaction = errors.New("adapter: unknown transaction")
)

// JoinCapability declares how much of a join plan a back-end can resolve
// in a single call.
type JoinCapability int

const (
	// NoJoin back-ends only fetch.
	NoJoin JoinCapability = iota
	// FlatJoin back-ends resolve joins whose parent is the fetched
	// collection itself.
	FlatJoin
	// DeepJoin back-ends resolve multi-level joins.
	DeepJoin
)

func (c JoinCapability) String() string {
	switch c {
	case FlatJoin:
		return "flat"
	case DeepJoin:
		return "deep"
	}
	return "none"
}

// ParseJoinCapability parses "none", "flat" or "deep".
func ParseJoinCapability(s string) (JoinCapability, error) {
	switch s {
	case "", "none":
		return NoJoin, nil
	case "flat":
		return FlatJoin, nil
	case "deep":
		return DeepJoin, nil
	}
	return NoJoin, fmt.Errorf("adapter: unknown join capability %q", s)
}

// Request addresses one collection on one connection. Criteria is in
// physical column names; for joins, Criteria.Joins carries the folded
// join descriptors and Tables maps every joined identity to its table.
type Request struct {
	Connection string
	Collection string
	Table      string
	PrimaryKey string
	Tables     map[string]string
	Criteria   *criteria.Criteria
	// Meta is passed through untouched from the caller.
	Meta any
}

// TableOf returns the table of a joined collection identity.
func (r Request) TableOf(identity string) string {
	if t, ok := r.Tables[identity]; ok {
		return t
	}
	if identity == r.Collection {
		return r.Table
	}
	return identity
}

// Adapter fetches rows from one back-end.
type Adapter interface {
	Identity() string
	Fetch(ctx context.Context, req Request) ([]record.Row, error)
}

// Joiner is implemented by back-ends that resolve joins natively. Joined
// children are embedded in their parent row under Join.Alias, always as a
// list.
type Joiner interface {
	JoinCapability() JoinCapability
	Join(ctx context.Context, req Request) ([]record.Row, error)
}

// Transactional is implemented by back-ends that can scope work to a
// transaction. Scoped calls find their transaction id with TransactionID.
type Transactional interface {
	RegisterTransaction(ctx context.Context, connection string, collections []string) (string, error)
	Commit(ctx context.Context, connection, id string) error
	Rollback(ctx context.Context, connection, id string) error
}

// Writer is implemented by back-ends that accept new rows.
type Writer interface {
	Create(ctx context.Context, req Request, rows []record.Row) ([]record.Row, error)
}

// Capability reports the join capability of a, NoJoin when a cannot join.
func Capability(a Adapter) JoinCapability {
	if j, ok := a.(Joiner); ok {
		return j.JoinCapability()
	}
	return NoJoin
}

// Connections maps connection names to the adapter serving them.
type Connections map[string]Adapter

// Lookup returns the adapter serving name.
func (c Connections) Lookup(name string) (Adapter, error) {
	a, ok := c[name]
	if !ok || a == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownConnection, name)
	}
	return a, nil
}
