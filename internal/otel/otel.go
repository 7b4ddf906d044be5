// Package otel turns engine events into OpenTelemetry spans exported over
// OTLP gRPC.
package otel

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/hanpama/populate/internal/eventbus"
	"github.com/hanpama/populate/internal/events"
	"github.com/hanpama/populate/internal/reqid"
)

// Setup configures OpenTelemetry and attaches eventbus subscribers.
// If endpoint is empty, no telemetry is configured.
func Setup(endpoint, service string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	exp, err := otlptracegrpc.New(context.Background(),
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure())
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(service),
		)),
	)
	otel.SetTracerProvider(tp)

	unsubscribe := Subscribe(eventbus.Current(), tp.Tracer("populate"))
	return func(ctx context.Context) error {
		unsubscribe()
		return tp.Shutdown(ctx)
	}, nil
}

// Subscribe records spans with tracer for the events published on b.
func Subscribe(b *eventbus.Bus, tracer trace.Tracer) (unsubscribe func()) {
	s := &subscriber{tracer: tracer}
	return s.register(b)
}

// Spans are keyed by request ID plus whatever tells concurrent siblings
// apart.
type subscriber struct {
	tracer trace.Tracer
	spans  sync.Map // key -> trace.Span
}

func key(ctx context.Context, kind string, parts ...string) string {
	rid, _ := reqid.FromContext(ctx)
	k := rid + "|" + kind
	for _, p := range parts {
		k += "|" + p
	}
	return k
}

// parent returns ctx carrying the first open span among keys.
func (s *subscriber) parent(ctx context.Context, keys ...string) context.Context {
	for _, k := range keys {
		if v, ok := s.spans.Load(k); ok {
			return trace.ContextWithSpan(ctx, v.(trace.Span))
		}
	}
	return ctx
}

func (s *subscriber) start(ctx context.Context, k, name string, attrs ...attribute.KeyValue) {
	_, span := s.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	s.spans.Store(k, span)
}

func (s *subscriber) end(k string, err error, attrs ...attribute.KeyValue) {
	v, ok := s.spans.LoadAndDelete(k)
	if !ok {
		return
	}
	span := v.(trace.Span)
	span.SetAttributes(attrs...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (s *subscriber) register(b *eventbus.Bus) func() {
	var unsubs []func()
	add := func(u func()) { unsubs = append(unsubs, u) }

	add(eventbus.SubscribeTo(b, func(ctx context.Context, e events.HTTPStart) {
		s.start(ctx, key(ctx, "http"), "http.request",
			semconv.HTTPMethodKey.String(e.Request.Method),
			attribute.String("http.target", e.Request.URL.Path),
		)
	}))
	add(eventbus.SubscribeTo(b, func(ctx context.Context, e events.HTTPFinish) {
		s.end(key(ctx, "http"), nil,
			semconv.HTTPStatusCodeKey.Int(e.Status),
			attribute.Int("populate.rows", e.Rows),
		)
	}))

	add(eventbus.SubscribeTo(b, func(ctx context.Context, e events.TransactionStart) {
		s.start(s.parent(ctx, key(ctx, "http")), key(ctx, "tx"), "populate.transaction",
			attribute.StringSlice("populate.connections", e.Connections),
		)
	}))
	add(eventbus.SubscribeTo(b, func(ctx context.Context, e events.TransactionFinish) {
		s.end(key(ctx, "tx"), e.Err, attribute.Bool("populate.committed", e.Committed))
	}))

	add(eventbus.SubscribeTo(b, func(ctx context.Context, e events.RunStart) {
		s.start(s.parent(ctx, key(ctx, "tx"), key(ctx, "http")), key(ctx, "run", e.Collection), "populate.run",
			attribute.String("populate.collection", e.Collection),
			attribute.String("populate.kind", e.Kind),
			attribute.Int("populate.operations", e.Operations),
		)
	}))
	add(eventbus.SubscribeTo(b, func(ctx context.Context, e events.RunFinish) {
		s.end(key(ctx, "run", e.Collection), e.Err, attribute.Int("populate.rows", e.Rows))
	}))

	add(eventbus.SubscribeTo(b, func(ctx context.Context, e events.OperationStart) {
		s.start(s.parent(ctx, key(ctx, "http")), key(ctx, "op", e.Path), "populate.operation",
			attribute.String("populate.path", e.Path),
			attribute.String("populate.collection", e.Collection),
			attribute.String("populate.connection", e.Connection),
			attribute.String("populate.method", e.Method),
			attribute.Int("populate.joins", e.Joins),
		)
	}))
	add(eventbus.SubscribeTo(b, func(ctx context.Context, e events.OperationFinish) {
		if e.Skipped {
			return
		}
		s.end(key(ctx, "op", e.Path), e.Err, attribute.Int("populate.rows", e.Rows))
	}))

	add(eventbus.SubscribeTo(b, func(ctx context.Context, e events.GRPCClientStart) {
		s.start(s.parent(ctx, key(ctx, "http")), key(ctx, "grpc", e.Method), "grpc.client",
			semconv.RPCServiceKey.String(e.Service),
			semconv.RPCMethodKey.String(e.Method),
			attribute.String("net.peer.name", e.Target),
			attribute.Int("rpc.attempt", e.Attempt),
		)
	}))
	add(eventbus.SubscribeTo(b, func(ctx context.Context, e events.GRPCClientFinish) {
		s.end(key(ctx, "grpc", e.Method), e.Err, attribute.String("grpc.code", e.Code.String()))
	}))

	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}
