// Package transaction coordinates one transaction spanning every
// connection a set of collections lives on.
//
// Connections register in collection-declaration order and settle in the
// same order. Work scoped to the transaction runs with the context
// returned by Context, which carries the id each adapter handed out.
package transaction

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hanpama/populate/internal/adapter"
	"github.com/hanpama/populate/internal/collection"
	"github.com/hanpama/populate/internal/eventbus"
	"github.com/hanpama/populate/internal/events"
	"github.com/hanpama/populate/internal/logging"
	"github.com/hanpama/populate/internal/operations"
)

var (
	// ErrAlreadySettled is returned when committing or rolling back a
	// transaction a second time.
	ErrAlreadySettled = errors.New("transaction: already settled")
	// ErrRolledBack is the outcome of a rollback requested without a cause.
	ErrRolledBack = errors.New("transaction: rolled back")
)

type state int

const (
	open state = iota
	settling
	settled
)

type member struct {
	connection  string
	adapter     adapter.Transactional
	collections []string
	id          string
}

// Transaction is a transaction registered on one or more connections.
type Transaction struct {
	ctx     context.Context
	members []*member
	start   time.Time

	mu      sync.Mutex
	state   state
	result  any
	err     error
	waiters []func(result any, err error)
}

// Begin registers a transaction on every connection colls live on. An
// adapter that cannot run transactions fails the whole call with a
// *operations.StructuralError before anything is registered. When a
// registration fails, the connections registered so far are rolled back.
func Begin(ctx context.Context, conns adapter.Connections, colls []*collection.Collection) (*Transaction, error) {
	var members []*member
	byConn := map[string]*member{}
	for _, c := range colls {
		if c == nil {
			return nil, &operations.StructuralError{Subject: "transaction", Reason: "nil collection"}
		}
		m := byConn[c.Connection]
		if m == nil {
			a, err := conns.Lookup(c.Connection)
			if err != nil {
				return nil, fmt.Errorf("transaction: %s: %w", c.Identity, err)
			}
			t, ok := a.(adapter.Transactional)
			if !ok {
				return nil, &operations.StructuralError{
					Subject: c.Identity,
					Reason:  fmt.Sprintf("adapter %s has no transaction support", a.Identity()),
				}
			}
			m = &member{connection: c.Connection, adapter: t}
			byConn[c.Connection] = m
			members = append(members, m)
		}
		if !contains(m.collections, c.Identity) {
			m.collections = append(m.collections, c.Identity)
		}
	}

	tx := &Transaction{start: time.Now(), members: members}
	// Published before registering so that a failed registration, which
	// rolls back and finishes, is still paired with a start.
	eventbus.Publish(ctx, events.TransactionStart{Connections: tx.Connections()})
	scoped := ctx
	for i, m := range members {
		id, err := m.adapter.RegisterTransaction(ctx, m.connection, m.collections)
		if err != nil {
			tx.members = members[:i]
			if rerr := tx.Rollback(ctx, err); rerr != nil {
				return nil, errors.Join(err, rerr)
			}
			return nil, err
		}
		m.id = id
		scoped = adapter.WithTransaction(scoped, m.connection, id)
	}
	tx.members = members
	tx.ctx = scoped
	logging.Ctx(ctx).Debug().Strs("connections", tx.Connections()).Msg("transaction started")
	return tx, nil
}

// Context returns a context carrying the transaction ids. It derives from
// the context Begin was called with.
func (t *Transaction) Context() context.Context { return t.ctx }

// Connections lists the registered connections in settle order.
func (t *Transaction) Connections() []string {
	out := make([]string, len(t.members))
	for i, m := range t.members {
		out[i] = m.connection
	}
	return out
}

// Commit commits every registered connection and records result as the
// outcome. Every connection is visited even when one fails; the failures
// are joined and become the outcome's error.
func (t *Transaction) Commit(ctx context.Context, result any) error {
	if !t.claim() {
		return ErrAlreadySettled
	}
	var errs []error
	for _, m := range t.members {
		if err := m.adapter.Commit(ctx, m.connection, m.id); err != nil {
			errs = append(errs, fmt.Errorf("transaction: commit %s: %w", m.connection, err))
		}
	}
	err := errors.Join(errs...)
	if err != nil {
		result = nil
	}
	t.finish(ctx, result, err, err == nil)
	return err
}

// Rollback rolls back every registered connection. cause becomes the
// outcome's error; the returned error only reports failed rollbacks.
func (t *Transaction) Rollback(ctx context.Context, cause error) error {
	if !t.claim() {
		return ErrAlreadySettled
	}
	if cause == nil {
		cause = ErrRolledBack
	}
	var errs []error
	for _, m := range t.members {
		if err := m.adapter.Rollback(ctx, m.connection, m.id); err != nil {
			errs = append(errs, fmt.Errorf("transaction: rollback %s: %w", m.connection, err))
		}
	}
	err := errors.Join(errs...)
	t.finish(ctx, nil, cause, false)
	return err
}

// Exec calls fn with the outcome once the transaction settled, right away
// when it already has.
func (t *Transaction) Exec(fn func(result any, err error)) {
	t.mu.Lock()
	if t.state != settled {
		t.waiters = append(t.waiters, fn)
		t.mu.Unlock()
		return
	}
	result, err := t.result, t.err
	t.mu.Unlock()
	fn(result, err)
}

func (t *Transaction) claim() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != open {
		return false
	}
	t.state = settling
	return true
}

func (t *Transaction) finish(ctx context.Context, result any, err error, committed bool) {
	t.mu.Lock()
	t.state = settled
	t.result, t.err = result, err
	waiters := t.waiters
	t.waiters = nil
	t.mu.Unlock()

	logging.Ctx(ctx).Debug().Strs("connections", t.Connections()).Bool("committed", committed).Err(err).Msg("transaction settled")
	eventbus.Publish(ctx, events.TransactionFinish{
		Connections: t.Connections(),
		Committed:   committed,
		Err:         err,
		Duration:    time.Since(t.start),
	})
	for _, fn := range waiters {
		fn(result, err)
	}
}

// Run begins a transaction, runs body inside it, then commits with body's
// result or rolls back with body's error. It returns the outcome.
func Run(ctx context.Context, conns adapter.Connections, colls []*collection.Collection, body func(ctx context.Context) (any, error)) (result any, err error) {
	tx, err := Begin(ctx, conns, colls)
	if err != nil {
		return nil, err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx, fmt.Errorf("transaction: panic: %v", p))
			panic(p)
		}
	}()

	res, berr := body(tx.Context())
	if berr != nil {
		if rerr := tx.Rollback(ctx, berr); rerr != nil {
			return nil, errors.Join(berr, rerr)
		}
		return nil, berr
	}
	if err := tx.Commit(ctx, res); err != nil {
		return nil, err
	}
	return res, nil
}

func contains(list []string, s string) bool {
	for _, e := range list {
		if e == s {
			return true
		}
	}
	return false
}
