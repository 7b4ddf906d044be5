// Package adaptersvc serves local adapters over gRPC, so that another
// process can populate from them through grpcrt.Remote.
package adaptersvc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/hanpama/populate/internal/adapter"
	"github.com/hanpama/populate/internal/eventbus"
	"github.com/hanpama/populate/internal/events"
	"github.com/hanpama/populate/internal/grpcrt"
	"github.com/hanpama/populate/internal/logging"
	"github.com/hanpama/populate/internal/protoreg"
	"github.com/hanpama/populate/internal/record"
)

// Server answers adapter service calls from the connections it holds.
// Transactions are not tracked here: the id the local adapter issues is
// handed to the client and comes back on every scoped call.
type Server struct {
	reg   grpcrt.Registry
	conns adapter.Connections
}

var _ grpcrt.Transport = (*Server)(nil)

func New(reg grpcrt.Registry, conns adapter.Connections) *Server {
	return &Server{reg: reg, conns: conns}
}

// Register adds the adapter service to gs.
func (s *Server) Register(gs *grpc.Server) {
	gs.RegisterService(s.ServiceDesc(), s)
}

// ServiceDesc describes the adapter service for grpc.Server.
func (s *Server) ServiceDesc() *grpc.ServiceDesc {
	svc := s.reg.Service()
	desc := &grpc.ServiceDesc{
		ServiceName: string(svc.FullName()),
		HandlerType: (*any)(nil),
		Metadata:    svc.ParentFile().Path(),
	}
	ms := svc.Methods()
	for i := 0; i < ms.Len(); i++ {
		md := ms.Get(i)
		desc.Methods = append(desc.Methods, grpc.MethodDesc{
			MethodName: string(md.Name()),
			Handler:    s.handler(md),
		})
	}
	return desc
}

func (s *Server) handler(md protoreflect.MethodDescriptor) grpc.MethodHandler {
	full := fmt.Sprintf("/%s/%s", md.Parent().FullName(), md.Name())
	return func(_ any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := dynamicpb.NewMessage(md.Input())
		if err := dec(in); err != nil {
			return nil, err
		}
		call := func(ctx context.Context, req any) (any, error) {
			out, err := s.Call(ctx, md, req.(protoreflect.Message))
			if err != nil {
				return nil, err
			}
			return out.Interface(), nil
		}
		if interceptor == nil {
			return call(ctx, in)
		}
		return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: s, FullMethod: full}, call)
	}
}

// Call handles one adapter service call in process. Errors carry a gRPC
// status.
func (s *Server) Call(ctx context.Context, md protoreflect.MethodDescriptor, req protoreflect.Message) (protoreflect.Message, error) {
	start := time.Now()
	out, err := s.dispatch(ctx, md, req)
	if err != nil {
		err = toStatus(err)
	}
	code := status.Code(err)
	eventbus.Publish(ctx, events.GRPCServerFinish{Method: string(md.Name()), Code: code, Duration: time.Since(start)})
	ev := logging.Ctx(ctx).Debug()
	if err != nil {
		ev = logging.Ctx(ctx).Warn().Err(err)
	}
	ev.Str("method", string(md.Name())).
		Str("code", code.String()).
		Dur("duration", time.Since(start)).
		Msg("adapter call")
	return out, err
}

func (s *Server) dispatch(ctx context.Context, md protoreflect.MethodDescriptor, req protoreflect.Message) (protoreflect.Message, error) {
	switch string(md.Name()) {
	case protoreg.MethodDescribe:
		a, err := s.conns.Lookup(grpcrt.String(req, "connection"))
		if err != nil {
			return nil, err
		}
		_, tx := a.(adapter.Transactional)
		_, w := a.(adapter.Writer)
		return grpcrt.NewMessage(md.Output(), map[string]any{
			"identity":        a.Identity(),
			"join_capability": adapter.Capability(a).String(),
			"transactional":   tx,
			"writable":        w,
		}), nil

	case protoreg.MethodFetch, protoreg.MethodJoin, protoreg.MethodCreate:
		q, err := grpcrt.DecodeQuery(req)
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		a, err := s.conns.Lookup(q.Request.Connection)
		if err != nil {
			return nil, err
		}
		if q.Transaction != "" {
			ctx = adapter.WithTransaction(ctx, q.Request.Connection, q.Transaction)
		}
		rows, err := s.rows(ctx, string(md.Name()), a, q)
		if err != nil {
			return nil, err
		}
		return grpcrt.EncodeRows(md.Output(), rows)

	case protoreg.MethodRegisterTransaction:
		conn := grpcrt.String(req, "connection")
		t, err := s.transactional(conn)
		if err != nil {
			return nil, err
		}
		id, err := t.RegisterTransaction(ctx, conn, grpcrt.Strings(req, "collections"))
		if err != nil {
			return nil, err
		}
		return grpcrt.NewMessage(md.Output(), map[string]any{"id": id}), nil

	case protoreg.MethodCommit, protoreg.MethodRollback:
		conn, id := grpcrt.String(req, "connection"), grpcrt.String(req, "id")
		t, err := s.transactional(conn)
		if err != nil {
			return nil, err
		}
		if md.Name() == protoreg.MethodCommit {
			err = t.Commit(ctx, conn, id)
		} else {
			err = t.Rollback(ctx, conn, id)
		}
		if err != nil {
			return nil, err
		}
		return grpcrt.NewMessage(md.Output(), nil), nil
	}
	return nil, status.Errorf(codes.Unimplemented, "unknown method %s", md.FullName())
}

func (s *Server) rows(ctx context.Context, method string, a adapter.Adapter, q grpcrt.Query) ([]record.Row, error) {
	switch method {
	case protoreg.MethodJoin:
		j, ok := a.(adapter.Joiner)
		if !ok || j.JoinCapability() == adapter.NoJoin {
			return nil, status.Errorf(codes.Unimplemented, "%s cannot join", a.Identity())
		}
		return j.Join(ctx, q.Request)
	case protoreg.MethodCreate:
		w, ok := a.(adapter.Writer)
		if !ok {
			return nil, status.Errorf(codes.Unimplemented, "%s cannot create rows", a.Identity())
		}
		return w.Create(ctx, q.Request, q.Rows)
	}
	return a.Fetch(ctx, q.Request)
}

func (s *Server) transactional(conn string) (adapter.Transactional, error) {
	a, err := s.conns.Lookup(conn)
	if err != nil {
		return nil, err
	}
	t, ok := a.(adapter.Transactional)
	if !ok {
		return nil, status.Errorf(codes.Unimplemented, "%s has no transactions", a.Identity())
	}
	return t, nil
}

func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, adapter.ErrUnknownConnection), errors.Is(err, adapter.ErrUnknownTransaction):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}
