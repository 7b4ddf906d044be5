package operations

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hanpama/populate/internal/adapter"
	"github.com/hanpama/populate/internal/criteria"
	"github.com/hanpama/populate/internal/cursor"
	"github.com/hanpama/populate/internal/eventbus"
	"github.com/hanpama/populate/internal/events"
	"github.com/hanpama/populate/internal/logging"
	"github.com/hanpama/populate/internal/record"
)

// Run executes the plan and returns the assembled rows in logical names.
// An empty root yields an empty, non-nil slice. Adapter errors are
// returned as the adapter produced them. A plan runs once.
func (o *Operations) Run(ctx context.Context) (rows []record.Row, err error) {
	if !o.ran.CompareAndSwap(false, true) {
		return nil, ErrRan
	}
	root := o.ops[0]
	start := time.Now()
	eventbus.Publish(ctx, events.RunStart{Collection: root.collection.Identity, Kind: string(o.kind), Operations: len(o.ops)})
	defer func() {
		eventbus.Publish(ctx, events.RunFinish{
			Collection: root.collection.Identity,
			Kind:       string(o.kind),
			Rows:       len(rows),
			Err:        err,
			Duration:   time.Since(start),
		})
	}()

	crit := root.criteria.Clone()
	crit.Joins = root.joins
	raw, err := o.call(ctx, root, crit)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return []record.Row{}, nil
	}
	tree := o.unserialize(raw, root.path, root.collection, rawPass)
	if len(o.ops) == 1 && !o.through {
		return o.unserialize(tree, root.path, root.collection, finalPass), nil
	}

	cur := cursor.New(root.path, tree, o.paths, cursor.WithOrphanHook(o.orphaned(ctx)))
	close(root.done)

	g, gctx := errgroup.WithContext(ctx)
	for _, op := range o.ops[1:] {
		g.Go(func() error { return o.runDependent(gctx, op, cur) })
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	cur.Finish()
	return o.unserialize(cur.Root(), root.path, root.collection, finalPass), nil
}

// runDependent waits for op's parent, then fetches and merges op's rows.
// op only signals on success; after a failure the group context releases
// everything still waiting.
func (o *Operations) runDependent(ctx context.Context, op *operation, cur *cursor.Cursor) error {
	select {
	case <-op.parent.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	keyPath := op.lookup
	if op.join.Model {
		keyPath = op.path
	}
	keys := cur.Keys(keyPath)
	if len(keys) == 0 {
		eventbus.Publish(ctx, events.OperationFinish{
			Path:       op.path,
			Collection: op.collection.Identity,
			Connection: op.connection,
			Method:     op.method,
			Skipped:    true,
		})
		close(op.done)
		return nil
	}

	crit := op.criteria.Clone()
	where := make(map[string]any, len(crit.Where)+1)
	for k, v := range crit.Where {
		where[k] = v
	}
	where[op.join.ChildKey] = keys
	crit.Where = where
	crit.Joins = op.joins

	raw, err := o.call(ctx, op, crit)
	if err != nil {
		return err
	}
	rows := o.unserialize(raw, op.path, op.collection, rawPass)
	cur.ChildPath(op.path).Zip(rows)
	close(op.done)
	return nil
}

func (o *Operations) call(ctx context.Context, op *operation, crit *criteria.Criteria) (rows []record.Row, err error) {
	req := adapter.Request{
		Connection: op.connection,
		Collection: op.collection.Identity,
		Table:      op.collection.Table,
		PrimaryKey: op.collection.PrimaryColumn(),
		Tables:     op.tables,
		Criteria:   crit,
		Meta:       o.meta,
	}
	start := time.Now()
	eventbus.Publish(ctx, events.OperationStart{
		Path:       op.path,
		Collection: op.collection.Identity,
		Connection: op.connection,
		Method:     op.method,
		Joins:      len(op.joins),
	})
	defer func() {
		eventbus.Publish(ctx, events.OperationFinish{
			Path:       op.path,
			Collection: op.collection.Identity,
			Connection: op.connection,
			Method:     op.method,
			Rows:       len(rows),
			Err:        err,
			Duration:   time.Since(start),
		})
	}()

	if op.method == methodJoin {
		j, ok := op.adapter.(adapter.Joiner)
		if !ok {
			return nil, &StructuralError{Subject: op.path, Reason: fmt.Sprintf("adapter %s cannot join", op.adapter.Identity())}
		}
		return j.Join(ctx, req)
	}
	return op.adapter.Fetch(ctx, req)
}

func (o *Operations) orphaned(ctx context.Context) func(path string, key any) {
	return func(path string, key any) {
		logging.Ctx(ctx).Debug().Str("path", path).Interface("key", key).Msg("row has no parent, dropped")
		eventbus.Publish(ctx, events.OrphanRow{Path: path, Key: key})
	}
}
