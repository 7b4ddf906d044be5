// Package badger is an embedded key-value adapter over badger/v4. Rows are
// stored as JSON under "<connection>/<table>/<seq>" keys so a table scan
// is one prefix iteration in insertion order.
package badger

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/ohler55/ojg/oj"

	"github.com/hanpama/populate/internal/adapter"
	"github.com/hanpama/populate/internal/criteria"
	"github.com/hanpama/populate/internal/logging"
	"github.com/hanpama/populate/internal/record"
)

var seqKey = []byte("!seq")

// Options configures an Adapter. An empty Dir keeps everything in memory.
type Options struct {
	Name       string
	Dir        string
	Capability adapter.JoinCapability
}

type Option func(*Options)

func WithName(name string) Option { return func(o *Options) { o.Name = name } }
func WithDir(dir string) Option   { return func(o *Options) { o.Dir = dir } }
func WithJoinCapability(c adapter.JoinCapability) Option {
	return func(o *Options) { o.Capability = c }
}

// Adapter serves one badger database.
type Adapter struct {
	opts Options
	db   *badger.DB
	seq  *badger.Sequence

	mu   sync.Mutex
	txns map[string]*scopedTxn
}

type scopedTxn struct {
	mu  sync.Mutex
	txn *badger.Txn
}

var (
	_ adapter.Adapter       = (*Adapter)(nil)
	_ adapter.Joiner        = (*Adapter)(nil)
	_ adapter.Transactional = (*Adapter)(nil)
	_ adapter.Writer        = (*Adapter)(nil)
)

// Open opens the database.
func Open(opts ...Option) (*Adapter, error) {
	o := Options{Name: "badger"}
	for _, f := range opts {
		f(&o)
	}
	bo := badger.DefaultOptions(o.Dir).WithLogger(nil)
	if o.Dir == "" {
		bo = bo.WithInMemory(true)
	}
	db, err := badger.Open(bo)
	if err != nil {
		return nil, fmt.Errorf("badger: open: %w", err)
	}
	seq, err := db.GetSequence(seqKey, 128)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("badger: sequence: %w", err)
	}
	return &Adapter{opts: o, db: db, seq: seq, txns: map[string]*scopedTxn{}}, nil
}

// Close releases the sequence and closes the database.
func (a *Adapter) Close() error {
	if err := a.seq.Release(); err != nil {
		a.db.Close()
		return err
	}
	return a.db.Close()
}

func (a *Adapter) Identity() string                        { return a.opts.Name }
func (a *Adapter) JoinCapability() adapter.JoinCapability { return a.opts.Capability }

func prefix(connection, table string) []byte {
	return []byte(connection + "/" + table + "/")
}

func rowKey(connection, table string, seq uint64) []byte {
	k := prefix(connection, table)
	return binary.BigEndian.AppendUint64(k, seq)
}

// view runs fn in the transaction ctx holds for connection, or in a fresh
// read-only one.
func (a *Adapter) view(ctx context.Context, connection string, fn func(*badger.Txn) error) error {
	t, err := a.scoped(ctx, connection)
	if err != nil {
		return err
	}
	if t != nil {
		t.mu.Lock()
		defer t.mu.Unlock()
		return fn(t.txn)
	}
	return a.db.View(fn)
}

func (a *Adapter) update(ctx context.Context, connection string, fn func(*badger.Txn) error) error {
	t, err := a.scoped(ctx, connection)
	if err != nil {
		return err
	}
	if t != nil {
		t.mu.Lock()
		defer t.mu.Unlock()
		return fn(t.txn)
	}
	return a.db.Update(fn)
}

func (a *Adapter) scoped(ctx context.Context, connection string) (*scopedTxn, error) {
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

func (a *Adapter) Fetch(ctx context.Context, req adapter.Request) ([]record.Row, error) {
	return a.scan(ctx, req.Connection, req.Table, req.Criteria)
}

func (a *Adapter) Join(ctx context.Context, req adapter.Request) ([]record.Row, error) {
	if a.opts.Capability == adapter.NoJoin {
		return nil, fmt.Errorf("badger: %s does not join", a.opts.Name)
	}
	rows, err := a.scan(ctx, req.Connection, req.Table, req.Criteria)
	if err != nil {
		return nil, err
	}
	return adapter.NestJoins(ctx, req, rows, func(ctx context.Context, _, table string, crit *criteria.Criteria) ([]record.Row, error) {
		return a.scan(ctx, req.Connection, table, crit)
	})
}

func (a *Adapter) scan(ctx context.Context, connection, table string, crit *criteria.Criteria) ([]record.Row, error) {
	var rows []record.Row
	p := prefix(connection, table)
	err := a.view(ctx, connection, func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				r, err := decode(val)
				if err != nil {
					return err
				}
				rows = append(rows, r)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger: %s: %w", table, err)
	}
	return criteria.Apply(rows, crit), nil
}

func decode(val []byte) (record.Row, error) {
	v, err := oj.Parse(val)
	if err != nil {
		return nil, err
	}
	r, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("stored value is %T, not an object", v)
	}
	return r, nil
}

// Create stores rows. A missing primary key takes the row's sequence
// number.
func (a *Adapter) Create(ctx context.Context, req adapter.Request, rows []record.Row) ([]record.Row, error) {
	out := make([]record.Row, 0, len(rows))
	err := a.update(ctx, req.Connection, func(txn *badger.Txn) error {
		for _, r := range rows {
			seq, err := a.seq.Next()
			if err != nil {
				return err
			}
			// sequences start at zero
			seq++
			created := record.Clone(r)
			if req.PrimaryKey != "" && created[req.PrimaryKey] == nil {
				created[req.PrimaryKey] = int64(seq)
			}
			val, err := oj.Marshal(created)
			if err != nil {
				return err
			}
			if err := txn.Set(rowKey(req.Connection, req.Table, seq), val); err != nil {
				return err
			}
			out = append(out, created)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger: create %s: %w", req.Table, err)
	}
	return out, nil
}

func (a *Adapter) RegisterTransaction(ctx context.Context, connection string, collections []string) (string, error) {
	id := uuid.NewString()
	a.mu.Lock()
	a.txns[id] = &scopedTxn{txn: a.db.NewTransaction(true)}
	a.mu.Unlock()
	logging.Ctx(ctx).Debug().Str("adapter", a.opts.Name).Str("connection", connection).
		Strs("collections", collections).Str("tx", id).Msg("badger transaction registered")
	return id, nil
}

// Commit fails with badger.ErrConflict when a concurrent transaction
// wrote a key this one read.
func (a *Adapter) Commit(ctx context.Context, connection, id string) error {
	t, err := a.settle(id)
	if err != nil {
		return err
	}
	if err := t.txn.Commit(); err != nil {
		return fmt.Errorf("badger: commit: %w", err)
	}
	return nil
}

func (a *Adapter) Rollback(ctx context.Context, connection, id string) error {
	t, err := a.settle(id)
	if err != nil {
		return err
	}
	t.txn.Discard()
	return nil
}

func (a *Adapter) settle(id string) (*scopedTxn, error) {
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
