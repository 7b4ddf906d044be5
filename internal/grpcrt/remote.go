package grpcrt

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/reflect/protoreflect"

	"github.com/hanpama/populate/internal/adapter"
	"github.com/hanpama/populate/internal/logging"
	"github.com/hanpama/populate/internal/protoreg"
	"github.com/hanpama/populate/internal/record"
)

// DefaultMaxAttempts bounds the attempts of a retried call.
const DefaultMaxAttempts = 4

// Remote is an adapter served by a remote adapter service. It fetches,
// joins and creates rows and takes part in transactions through the
// service's RPCs.
//
// Reads (Describe, Fetch, Join) are retried with exponential backoff while
// the service answers Unavailable. Writes and transaction steps are sent
// once.
type Remote struct {
	reg       Registry
	transport Transport
	// connection is the name the remote service knows its back-end by.
	connection string

	identity      string
	capability    adapter.JoinCapability
	transactional bool
	writable      bool

	maxAttempts int
	backoff     func() *backoff.ExponentialBackOff
}

var (
	_ adapter.Adapter       = (*Remote)(nil)
	_ adapter.Joiner        = (*Remote)(nil)
	_ adapter.Transactional = (*Remote)(nil)
	_ adapter.Writer        = (*Remote)(nil)
)

// RemoteOption configures a Remote.
type RemoteOption func(*Remote)

// WithMaxAttempts bounds how many times a read is attempted.
func WithMaxAttempts(n int) RemoteOption { return func(r *Remote) { r.maxAttempts = n } }

// WithInitialInterval sets the first retry delay.
func WithInitialInterval(d time.Duration) RemoteOption {
	return func(r *Remote) {
		r.backoff = func() *backoff.ExponentialBackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = d
			return b
		}
	}
}

// Dial describes the remote connection and returns an adapter for it.
func Dial(ctx context.Context, reg Registry, transport Transport, connection string, opts ...RemoteOption) (*Remote, error) {
	r := &Remote{
		reg:         reg,
		transport:   transport,
		connection:  connection,
		maxAttempts: DefaultMaxAttempts,
		backoff:     backoff.NewExponentialBackOff,
	}
	for _, o := range opts {
		o(r)
	}
	md := r.method(protoreg.MethodDescribe)
	resp, err := r.call(ctx, md, NewMessage(md.Input(), map[string]any{"connection": connection}), true)
	if err != nil {
		return nil, fmt.Errorf("grpcrt: describe %s: %w", connection, err)
	}
	if r.capability, err = adapter.ParseJoinCapability(String(resp, "join_capability")); err != nil {
		return nil, err
	}
	r.identity = String(resp, "identity")
	r.transactional = Bool(resp, "transactional")
	r.writable = Bool(resp, "writable")
	return r, nil
}

// Adapter returns r as the capabilities the service described: a remote
// back-end without transactions does not satisfy adapter.Transactional.
func (r *Remote) Adapter() adapter.Adapter {
	if r.transactional {
		return r
	}
	return struct {
		adapter.Adapter
		adapter.Joiner
		adapter.Writer
	}{r, r, r}
}

func (r *Remote) Identity() string { return r.identity }

func (r *Remote) JoinCapability() adapter.JoinCapability { return r.capability }

// Writable reports whether the service accepts Create.
func (r *Remote) Writable() bool { return r.writable }

func (r *Remote) Fetch(ctx context.Context, req adapter.Request) ([]record.Row, error) {
	return r.rows(ctx, protoreg.MethodFetch, req, nil, true)
}

func (r *Remote) Join(ctx context.Context, req adapter.Request) ([]record.Row, error) {
	return r.rows(ctx, protoreg.MethodJoin, req, nil, true)
}

func (r *Remote) Create(ctx context.Context, req adapter.Request, rows []record.Row) ([]record.Row, error) {
	if rows == nil {
		rows = []record.Row{}
	}
	return r.rows(ctx, protoreg.MethodCreate, req, rows, false)
}

func (r *Remote) RegisterTransaction(ctx context.Context, connection string, collections []string) (string, error) {
	md := r.method(protoreg.MethodRegisterTransaction)
	resp, err := r.call(ctx, md, NewMessage(md.Input(), map[string]any{
		"connection":  r.connection,
		"collections": collections,
	}), false)
	if err != nil {
		return "", err
	}
	return String(resp, "id"), nil
}

func (r *Remote) Commit(ctx context.Context, connection, id string) error {
	return r.settle(ctx, protoreg.MethodCommit, id)
}

func (r *Remote) Rollback(ctx context.Context, connection, id string) error {
	return r.settle(ctx, protoreg.MethodRollback, id)
}

func (r *Remote) settle(ctx context.Context, name, id string) error {
	md := r.method(name)
	_, err := r.call(ctx, md, NewMessage(md.Input(), map[string]any{"connection": r.connection, "id": id}), false)
	if status.Code(err) == codes.NotFound {
		return fmt.Errorf("%w: %s", adapter.ErrUnknownTransaction, id)
	}
	return err
}

func (r *Remote) rows(ctx context.Context, name string, req adapter.Request, rows []record.Row, retry bool) ([]record.Row, error) {
	md := r.method(name)
	tx, _ := adapter.TransactionID(ctx, req.Connection)
	req.Connection = r.connection
	msg, err := EncodeQuery(md.Input(), Query{Request: req, Transaction: tx, Rows: rows})
	if err != nil {
		return nil, err
	}
	resp, err := r.call(ctx, md, msg, retry && tx == "")
	if err != nil {
		return nil, err
	}
	return DecodeRows(resp)
}

func (r *Remote) method(name string) protoreflect.MethodDescriptor {
	md := r.reg.Method(name)
	if md == nil {
		panic(fmt.Sprintf("grpcrt: registry has no method %s", name))
	}
	return md
}

// call invokes md, retrying Unavailable answers when retry is set.
func (r *Remote) call(ctx context.Context, md protoreflect.MethodDescriptor, req protoreflect.Message, retry bool) (protoreflect.Message, error) {
	if !retry || r.maxAttempts <= 1 {
		return r.transport.Call(ctx, md, req)
	}
	b := r.backoff()
	for attempt := 1; ; attempt++ {
		resp, err := r.transport.Call(WithAttempt(ctx, attempt), md, req)
		if err == nil || status.Code(err) != codes.Unavailable || attempt >= r.maxAttempts {
			return resp, err
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return nil, err
		}
		logging.Ctx(ctx).Debug().
			Err(err).
			Str("method", string(md.Name())).
			Int("attempt", attempt).
			Dur("wait", wait).
			Msg("retrying remote adapter call")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}
