package grpcrt

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
)

// CallRecord captures a single Call invocation for assertions.
type CallRecord struct {
	// Method is the descriptor invoked.
	Method protoreflect.MethodDescriptor
	// FullMethod is "/<service full name>/<method>" for convenience.
	FullMethod string
	// Attempt is the retry attempt the call was made in.
	Attempt int
	// Request is a deep-cloned proto message snapshot of the input.
	Request proto.Message
}

// MockTransport implements Transport by handing every call to Next, and
// records Call invocations for inspection. Errs are returned, in order,
// by the first calls instead of reaching Next.
type MockTransport struct {
	Next Transport
	Errs []error

	mu    sync.Mutex
	calls []CallRecord
}

// NewMockTransport creates a MockTransport in front of next.
func NewMockTransport(next Transport, errs ...error) *MockTransport {
	return &MockTransport{Next: next, Errs: errs}
}

// Call records the invocation and forwards it.
func (m *MockTransport) Call(ctx context.Context, method protoreflect.MethodDescriptor, request protoreflect.Message) (protoreflect.Message, error) {
	m.mu.Lock()
	var reqClone proto.Message
	if request != nil {
		reqClone = proto.Clone(request.Interface())
	}
	m.calls = append(m.calls, CallRecord{
		Method:     method,
		FullMethod: fmt.Sprintf("/%s/%s", method.Parent().FullName(), method.Name()),
		Attempt:    Attempt(ctx),
		Request:    reqClone,
	})
	var err error
	if len(m.Errs) > 0 {
		err, m.Errs = m.Errs[0], m.Errs[1:]
	}
	m.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if m.Next == nil {
		return nil, fmt.Errorf("mock transport: no handler for %s", method.FullName())
	}
	return m.Next.Call(ctx, method, request)
}

// Calls returns a snapshot of recorded Call invocations.
func (m *MockTransport) Calls() []CallRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CallRecord, len(m.calls))
	copy(out, m.calls)
	return out
}

// Methods returns the method names of the recorded calls, in order.
func (m *MockTransport) Methods() []string {
	calls := m.Calls()
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = string(c.Method.Name())
	}
	return out
}
