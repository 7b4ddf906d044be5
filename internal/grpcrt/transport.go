package grpcrt

import (
	"context"

	"google.golang.org/protobuf/reflect/protoreflect"
)

// Transport handles the actual gRPC communication.
// Implementations MUST be safe for concurrent use: the population engine
// calls the same remote adapter from several goroutines.
//
// Provided implementations:
// - internal/grpctp.Transport: pooled client with timeouts and failover
// - MockTransport: in-process fake for tests
type Transport interface {
	// Call executes a single gRPC method call.
	Call(ctx context.Context, method protoreflect.MethodDescriptor, request protoreflect.Message) (protoreflect.Message, error)
}

// Metadata keys set on every outgoing adapter call.
const (
	ServiceHeader = "x-populate-service"
	AttemptHeader = "x-populate-attempt"
)

type attemptKey struct{}

// WithAttempt records in ctx which attempt of a retried call is running.
func WithAttempt(ctx context.Context, n int) context.Context {
	return context.WithValue(ctx, attemptKey{}, n)
}

// Attempt returns the attempt number stored by WithAttempt, 1 when none.
func Attempt(ctx context.Context) int {
	if n, ok := ctx.Value(attemptKey{}).(int); ok {
		return n
	}
	return 1
}
