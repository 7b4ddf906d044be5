// Package memory is an in-process adapter backed by go-memdb. Reads run on
// immutable snapshots; writes and transactions go through memdb's single
// writer.
//
// Use one Adapter per connection: a transaction holds the writer lock of
// its adapter until it settles.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/hashicorp/go-memdb"

	"github.com/hanpama/populate/internal/adapter"
	"github.com/hanpama/populate/internal/criteria"
	"github.com/hanpama/populate/internal/logging"
	"github.com/hanpama/populate/internal/record"
)

const tableRows = "rows"

const (
	indexID    = "id"
	indexTable = "table"
)

var schema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		tableRows: {
			Name: tableRows,
			Indexes: map[string]*memdb.IndexSchema{
				indexID: {
					Name:    indexID,
					Unique:  true,
					Indexer: &memdb.UintFieldIndex{Field: "Seq"},
				},
				indexTable: {
					Name:    indexTable,
					Unique:  false,
					Indexer: &memdb.StringFieldIndex{Field: "Table"},
				},
			},
		},
	},
}

// stored is the memdb object. Data is never modified once inserted.
type stored struct {
	Seq   uint64
	Table string
	Data  record.Row
}

// Options configures an Adapter.
type Options struct {
	Name       string
	Capability adapter.JoinCapability
}

type Option func(*Options)

func WithName(name string) Option { return func(o *Options) { o.Name = name } }
func WithJoinCapability(c adapter.JoinCapability) Option {
	return func(o *Options) { o.Capability = c }
}

// Adapter stores rows in memory.
type Adapter struct {
	opts Options
	db   *memdb.MemDB
	seq  atomic.Uint64

	mu   sync.Mutex
	txns map[string]*txn
}

type txn struct {
	mu  sync.Mutex
	txn *memdb.Txn
}

var (
	_ adapter.Adapter       = (*Adapter)(nil)
	_ adapter.Joiner        = (*Adapter)(nil)
	_ adapter.Transactional = (*Adapter)(nil)
	_ adapter.Writer        = (*Adapter)(nil)
)

// New creates an empty Adapter.
func New(opts ...Option) (*Adapter, error) {
	o := Options{Name: "memory"}
	for _, f := range opts {
		f(&o)
	}
	db, err := memdb.NewMemDB(schema)
	if err != nil {
		return nil, fmt.Errorf("memory: %w", err)
	}
	return &Adapter{opts: o, db: db, txns: map[string]*txn{}}, nil
}

func (a *Adapter) Identity() string                        { return a.opts.Name }
func (a *Adapter) JoinCapability() adapter.JoinCapability { return a.opts.Capability }

func tableKey(connection, table string) string { return connection + "/" + table }

// Fetch returns the rows of req.Table matching req.Criteria.
func (a *Adapter) Fetch(ctx context.Context, req adapter.Request) ([]record.Row, error) {
	return a.fetch(ctx, req.Connection, req.Table, req.Criteria)
}

// Join fetches like Fetch, then resolves req.Criteria.Joins by nested
// lookups.
func (a *Adapter) Join(ctx context.Context, req adapter.Request) ([]record.Row, error) {
	if a.opts.Capability == adapter.NoJoin {
		return nil, fmt.Errorf("memory: %s does not join", a.opts.Name)
	}
	rows, err := a.fetch(ctx, req.Connection, req.Table, req.Criteria)
	if err != nil {
		return nil, err
	}
	return adapter.NestJoins(ctx, req, rows, func(ctx context.Context, _, table string, crit *criteria.Criteria) ([]record.Row, error) {
		return a.fetch(ctx, req.Connection, table, crit)
	})
}

func (a *Adapter) fetch(ctx context.Context, connection, table string, crit *criteria.Criteria) ([]record.Row, error) {
	var all []*stored
	err := a.read(ctx, connection, func(tx *memdb.Txn) error {
		it, err := tx.Get(tableRows, indexTable, tableKey(connection, table))
		if err != nil {
			return err
		}
		for obj := it.Next(); obj != nil; obj = it.Next() {
			all = append(all, obj.(*stored))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Seq < all[j].Seq })
	rows := make([]record.Row, len(all))
	for i, s := range all {
		rows[i] = s.Data
	}
	out := criteria.Apply(rows, crit)
	for i, r := range out {
		out[i] = record.DeepClone(r)
	}
	return out, nil
}

// read runs fn on the transaction ctx holds for connection, or on a fresh
// snapshot.
func (a *Adapter) read(ctx context.Context, connection string, fn func(*memdb.Txn) error) error {
	if t, err := a.scoped(ctx, connection); err != nil {
		return err
	} else if t != nil {
		t.mu.Lock()
		defer t.mu.Unlock()
		return fn(t.txn)
	}
	tx := a.db.Txn(false)
	defer tx.Abort()
	return fn(tx)
}

func (a *Adapter) scoped(ctx context.Context, connection string) (*txn, error) {
	id, ok := adapter.TransactionID(ctx, connection)
	if !ok {
		return nil, nil
	}
	a.mu.Lock()
	t := a.txns[id]
	a.mu.Unlock()
	if t == nil {
		return nil, fmt.Errorf("%w: %s", adapter.ErrUnknownTransaction, id)
	}
	return t, nil
}

// Create inserts rows. A missing primary key is filled from the insertion
// sequence.
func (a *Adapter) Create(ctx context.Context, req adapter.Request, rows []record.Row) ([]record.Row, error) {
	out := make([]record.Row, 0, len(rows))
	write := func(tx *memdb.Txn) error {
		for _, r := range rows {
			seq := a.seq.Add(1)
			data := record.DeepClone(r)
			if req.PrimaryKey != "" && data[req.PrimaryKey] == nil {
				data[req.PrimaryKey] = int64(seq)
			}
			if err := tx.Insert(tableRows, &stored{Seq: seq, Table: tableKey(req.Connection, req.Table), Data: data}); err != nil {
				return err
			}
			out = append(out, record.DeepClone(data))
		}
		return nil
	}

	t, err := a.scoped(ctx, req.Connection)
	if err != nil {
		return nil, err
	}
	if t != nil {
		t.mu.Lock()
		defer t.mu.Unlock()
		if err := write(t.txn); err != nil {
			return nil, fmt.Errorf("memory: create %s: %w", req.Table, err)
		}
		return out, nil
	}
	tx := a.db.Txn(true)
	if err := write(tx); err != nil {
		tx.Abort()
		return nil, fmt.Errorf("memory: create %s: %w", req.Table, err)
	}
	tx.Commit()
	return out, nil
}

// RegisterTransaction opens a write transaction. It blocks while another
// transaction of this adapter is open.
func (a *Adapter) RegisterTransaction(ctx context.Context, connection string, collections []string) (string, error) {
	id := uuid.NewString()
	t := &txn{txn: a.db.Txn(true)}
	a.mu.Lock()
	a.txns[id] = t
	a.mu.Unlock()
	logging.Ctx(ctx).Debug().Str("adapter", a.opts.Name).Str("connection", connection).
		Strs("collections", collections).Str("tx", id).Msg("transaction registered")
	return id, nil
}

func (a *Adapter) Commit(ctx context.Context, connection, id string) error {
	t, err := a.settle(id)
	if err != nil {
		return err
	}
	t.txn.Commit()
	logging.Ctx(ctx).Debug().Str("connection", connection).Str("tx", id).Msg("transaction committed")
	return nil
}

func (a *Adapter) Rollback(ctx context.Context, connection, id string) error {
	t, err := a.settle(id)
	if err != nil {
		return err
	}
	t.txn.Abort()
	logging.Ctx(ctx).Debug().Str("connection", connection).Str("tx", id).Msg("transaction rolled back")
	return nil
}

func (a *Adapter) settle(id string) (*txn, error) {
	a.mu.Lock()
	t := a.txns[id]
	delete(a.txns, id)
	a.mu.Unlock()
	if t == nil {
		return nil, fmt.Errorf("%w: %s", adapter.ErrUnknownTransaction, id)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t, nil
}
