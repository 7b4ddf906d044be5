package otel

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	otelcodes "go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/hanpama/populate/internal/eventbus"
	"github.com/hanpama/populate/internal/events"
	"github.com/hanpama/populate/internal/reqid"
)

func TestSpans(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	bus := eventbus.New()
	eventbus.Use(bus)
	t.Cleanup(func() { eventbus.Use(nil) })
	unsubscribe := Subscribe(bus, tp.Tracer("test"))

	ctx, _ := reqid.NewContext(context.Background())
	boom := errors.New("boom")
	eventbus.Publish(ctx, events.RunStart{Collection: "person", Kind: "find", Operations: 2})
	eventbus.Publish(ctx, events.OperationStart{Path: "person", Collection: "person", Connection: "foo", Method: "fetch"})
	eventbus.Publish(ctx, events.OperationStart{Path: "person.cat", Collection: "cat", Connection: "bar", Method: "join", Joins: 1})
	eventbus.Publish(ctx, events.OperationFinish{Path: "person", Rows: 3})
	eventbus.Publish(ctx, events.OperationFinish{Path: "person.cat", Err: boom})
	eventbus.Publish(ctx, events.RunFinish{Collection: "person", Kind: "find", Err: boom})

	unsubscribe()
	eventbus.Publish(ctx, events.RunStart{Collection: "toy"})

	ended := rec.Ended()
	require.Len(t, ended, 3)
	names := []string{ended[0].Name(), ended[1].Name(), ended[2].Name()}
	require.Equal(t, []string{"populate.operation", "populate.operation", "populate.run"}, names)
	require.Equal(t, otelcodes.Unset, ended[0].Status().Code)
	require.Equal(t, otelcodes.Error, ended[1].Status().Code)
	require.Empty(t, rec.Started()[3:], "no span after unsubscribe")
}
