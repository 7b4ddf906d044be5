// Package sqlite is a SQL adapter over modernc.org/sqlite. Queries are
// built with squirrel; native joins are resolved with one query per join
// level.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/hanpama/populate/internal/adapter"
	"github.com/hanpama/populate/internal/collection"
	"github.com/hanpama/populate/internal/criteria"
	"github.com/hanpama/populate/internal/logging"
	"github.com/hanpama/populate/internal/record"
)

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

// Adapter serves one sqlite database.
type Adapter struct {
	opts Options
	db   *sql.DB

	mu   sync.Mutex
	txns map[string]*scopedTx
}

type scopedTx struct {
	mu sync.Mutex
	tx *sql.Tx
}

var (
	_ adapter.Adapter       = (*Adapter)(nil)
	_ adapter.Joiner        = (*Adapter)(nil)
	_ adapter.Transactional = (*Adapter)(nil)
	_ adapter.Writer        = (*Adapter)(nil)
)

// Open opens dsn ("file:app.db", ":memory:"). The pool is limited to one
// connection: sqlite serializes writers, and an in-memory database only
// exists on the connection that created it.
func Open(dsn string, opts ...Option) (*Adapter, error) {
	o := Options{Name: "sqlite", Capability: adapter.FlatJoin}
	for _, f := range opts {
		f(&o)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	return &Adapter{opts: o, db: db, txns: map[string]*scopedTx{}}, nil
}

// DB exposes the underlying database.
func (a *Adapter) DB() *sql.DB { return a.db }

func (a *Adapter) Close() error { return a.db.Close() }

func (a *Adapter) Identity() string                        { return a.opts.Name }
func (a *Adapter) JoinCapability() adapter.JoinCapability { return a.opts.Capability }

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// with runs fn on the transaction ctx holds for connection, or on the
// database.
func (a *Adapter) with(ctx context.Context, connection string, fn func(querier) error) error {
	id, ok := adapter.TransactionID(ctx, connection)
	if !ok {
		return fn(a.db)
	}
	a.mu.Lock()
	t := a.txns[id]
	a.mu.Unlock()
	if t == nil {
		return fmt.Errorf("%w: %s", adapter.ErrUnknownTransaction, id)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return fn(t.tx)
}

// Define creates the table of c when it does not exist yet.
func (a *Adapter) Define(ctx context.Context, connection string, c *collection.Collection) error {
	var cols []string
	for _, name := range c.Order {
		attr := c.Attributes[name]
		if attr.Collection != "" {
			continue
		}
		col := quote(attr.ColumnName())
		if attr.Primary {
			if attr.Type == "integer" {
				col += " INTEGER PRIMARY KEY"
			} else {
				col += " TEXT PRIMARY KEY"
			}
		}
		cols = append(cols, col)
	}
	stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", quote(c.Table), strings.Join(cols, ", "))
	return a.with(ctx, connection, func(q querier) error {
		_, err := q.ExecContext(ctx, stmt)
		return err
	})
}

func (a *Adapter) Fetch(ctx context.Context, req adapter.Request) ([]record.Row, error) {
	return a.query(ctx, req.Connection, req.Table, req.Criteria)
}

// Join fetches the root rows, then resolves each join with one IN query.
func (a *Adapter) Join(ctx context.Context, req adapter.Request) ([]record.Row, error) {
	if a.opts.Capability == adapter.NoJoin {
		return nil, fmt.Errorf("sqlite: %s does not join", a.opts.Name)
	}
	rows, err := a.query(ctx, req.Connection, req.Table, req.Criteria)
	if err != nil {
		return nil, err
	}
	return adapter.NestJoins(ctx, req, rows, func(ctx context.Context, _, table string, crit *criteria.Criteria) ([]record.Row, error) {
		return a.query(ctx, req.Connection, table, crit)
	})
}

func (a *Adapter) query(ctx context.Context, connection, table string, crit *criteria.Criteria) ([]record.Row, error) {
	stmt, args, err := selectSQL(table, crit)
	if err != nil {
		return nil, err
	}
	var out []record.Row
	err = a.with(ctx, connection, func(q querier) error {
		rows, err := q.QueryContext(ctx, stmt, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		out, err = scan(rows)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite: %s: %w", table, err)
	}
	return out, nil
}

func scan(rows *sql.Rows) ([]record.Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []record.Row
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		r := make(record.Row, len(cols))
		for i, c := range cols {
			if b, ok := vals[i].([]byte); ok {
				r[c] = string(b)
				continue
			}
			r[c] = vals[i]
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Create inserts rows one statement each. A missing primary key takes the
// rowid sqlite assigned.
func (a *Adapter) Create(ctx context.Context, req adapter.Request, rows []record.Row) ([]record.Row, error) {
	out := make([]record.Row, 0, len(rows))
	err := a.with(ctx, req.Connection, func(q querier) error {
		for _, r := range rows {
			stmt, args, err := insertSQL(req.Table, r)
			if err != nil {
				return err
			}
			res, err := q.ExecContext(ctx, stmt, args...)
			if err != nil {
				return err
			}
			created := record.Clone(r)
			if req.PrimaryKey != "" && created[req.PrimaryKey] == nil {
				id, err := res.LastInsertId()
				if err != nil {
					return err
				}
				created[req.PrimaryKey] = id
			}
			out = append(out, created)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite: create %s: %w", req.Table, err)
	}
	return out, nil
}

func (a *Adapter) RegisterTransaction(ctx context.Context, connection string, collections []string) (string, error) {
	tx, err := a.db.BeginTx(context.WithoutCancel(ctx), nil)
	if err != nil {
		return "", fmt.Errorf("sqlite: begin: %w", err)
	}
	id := uuid.NewString()
	a.mu.Lock()
	a.txns[id] = &scopedTx{tx: tx}
	a.mu.Unlock()
	logging.Ctx(ctx).Debug().Str("connection", connection).Strs("collections", collections).Str("tx", id).Msg("sqlite transaction begun")
	return id, nil
}

func (a *Adapter) Commit(ctx context.Context, connection, id string) error {
	t, err := a.settle(id)
	if err != nil {
		return err
	}
	return t.tx.Commit()
}

func (a *Adapter) Rollback(ctx context.Context, connection, id string) error {
	t, err := a.settle(id)
	if err != nil {
		return err
	}
	return t.tx.Rollback()
}

func (a *Adapter) settle(id string) (*scopedTx, error) {
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
