package config

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/hanpama/populate/internal/adapter"
	"github.com/hanpama/populate/internal/adapter/badger"
	"github.com/hanpama/populate/internal/adapter/memory"
	"github.com/hanpama/populate/internal/adapter/sqlite"
	"github.com/hanpama/populate/internal/collection"
	"github.com/hanpama/populate/internal/grpcrt"
	"github.com/hanpama/populate/internal/grpctp"
	"github.com/hanpama/populate/internal/logging"
	"github.com/hanpama/populate/internal/protoreg"
	"github.com/hanpama/populate/internal/record"
)

// Stack is what a configuration builds: the registry and the adapters
// serving its connections.
type Stack struct {
	Registry    *collection.Registry
	Connections adapter.Connections

	closers []io.Closer
}

// Close releases every adapter that holds resources.
func (s *Stack) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i].Close())
	}
	return errors.Join(errs...)
}

// Build registers the collections, opens every connection and writes the
// seed rows.
func (c *Config) Build(ctx context.Context) (*Stack, error) {
	reg, err := collection.NewRegistry(c.Definitions()...)
	if err != nil {
		return nil, err
	}
	s := &Stack{Registry: reg, Connections: adapter.Connections{}}
	for _, conn := range c.Connections {
		a, err := s.open(ctx, conn)
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("config: connection %s: %w", conn.Name, err)
		}
		s.Connections[conn.Name] = a
		logging.Info().Str("connection", conn.Name).Str("adapter", conn.Adapter).
			Stringer("join", adapter.Capability(a)).Msg("connection opened")
	}
	if err := s.seed(ctx, c.Seed); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Stack) open(ctx context.Context, conn Connection) (adapter.Adapter, error) {
	jc, declared := conn.JoinCapability()
	switch conn.Adapter {
	case "memory":
		opts := []memory.Option{memory.WithName(conn.Name)}
		if declared {
			opts = append(opts, memory.WithJoinCapability(jc))
		}
		return memory.New(opts...)

	case "sqlite":
		opts := []sqlite.Option{sqlite.WithName(conn.Name)}
		if declared {
			opts = append(opts, sqlite.WithJoinCapability(jc))
		}
		a, err := sqlite.Open(conn.DSN, opts...)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, a)
		for _, coll := range s.Registry.Collections() {
			if coll.Connection != conn.Name {
				continue
			}
			if err := a.Define(ctx, conn.Name, coll); err != nil {
				return nil, fmt.Errorf("define %s: %w", coll.Identity, err)
			}
		}
		return a, nil

	case "badger":
		opts := []badger.Option{badger.WithName(conn.Name), badger.WithDir(conn.Dir)}
		if declared {
			opts = append(opts, badger.WithJoinCapability(jc))
		}
		a, err := badger.Open(opts...)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, a)
		return a, nil

	case "remote":
		reg, err := protoreg.Build("")
		if err != nil {
			return nil, err
		}
		topts := []grpctp.Option{grpctp.WithProvider(grpctp.NewStaticEndpoints(map[string][]string{
			string(reg.Service().FullName()): conn.Endpoints,
		}))}
		if conn.Timeout > 0 {
			topts = append(topts, grpctp.WithRPCTimeout(conn.Timeout))
		}
		tp := grpctp.New(topts...)
		s.closers = append(s.closers, tp)
		r, err := grpcrt.Dial(ctx, reg, tp, conn.RemoteName())
		if err != nil {
			return nil, err
		}
		if declared && jc != r.JoinCapability() {
			return nil, fmt.Errorf("remote joins %s, configured %s", r.JoinCapability(), jc)
		}
		return r.Adapter(), nil
	}
	return nil, fmt.Errorf("unknown adapter %q", conn.Adapter)
}

// seed creates the configured rows, given in attribute names. Generated
// junction collections can be seeded too.
func (s *Stack) seed(ctx context.Context, rows map[string][]record.Row) error {
	for identity := range rows {
		if _, err := s.Registry.Get(identity); err != nil {
			return fmt.Errorf("config: seed: %w", err)
		}
	}
	for _, coll := range s.Registry.Collections() {
		in := rows[coll.Identity]
		if len(in) == 0 {
			continue
		}
		a, err := s.Connections.Lookup(coll.Connection)
		if err != nil {
			return err
		}
		w, ok := a.(adapter.Writer)
		if !ok {
			return fmt.Errorf("config: seed %s: connection %s cannot create rows", coll.Identity, coll.Connection)
		}
		serialized := make([]record.Row, len(in))
		for i, r := range in {
			serialized[i] = coll.Transformer.Serialize(normalize(r))
		}
		req := adapter.Request{Connection: coll.Connection, Collection: coll.Identity, Table: coll.Table, PrimaryKey: coll.PrimaryColumn()}
		if _, err := w.Create(ctx, req, serialized); err != nil {
			return fmt.Errorf("config: seed %s: %w", coll.Identity, err)
		}
	}
	return nil
}

// normalize widens the ints YAML decodes to the int64 adapters return.
func normalize(r record.Row) record.Row {
	out := make(record.Row, len(r))
	for k, v := range r {
		if n, ok := v.(int); ok {
			v = int64(n)
		}
		out[k] = v
	}
	return out
}
