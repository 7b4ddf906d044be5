package grpctp

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// EndpointProvider lists the endpoints (gRPC targets) serving a fully
// qualified service name such as "populate.adapter.v1.Adapter".
// Implementations must be safe for concurrent use.
type EndpointProvider interface {
	Endpoints(ctx context.Context, service string) ([]string, error)
}

// Wildcard is the StaticEndpoints key used for services without a mapping
// of their own.
const Wildcard = "*"

// StaticEndpoints is a provider backed by an in-memory map from service
// name to endpoints.
type StaticEndpoints struct {
	mu   sync.RWMutex
	data map[string][]string
}

func NewStaticEndpoints(m map[string][]string) *StaticEndpoints {
	s := &StaticEndpoints{data: make(map[string][]string, len(m))}
	for k, v := range m {
		s.data[k] = slices.Clone(v)
	}
	return s
}

// Set replaces the endpoints of service. An empty list removes it.
func (s *StaticEndpoints) Set(service string, endpoints ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(endpoints) == 0 {
		delete(s.data, service)
		return
	}
	s.data[service] = slices.Clone(endpoints)
}

func (s *StaticEndpoints) Endpoints(_ context.Context, service string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.data[service]
	if len(arr) == 0 {
		arr = s.data[Wildcard]
	}
	if len(arr) == 0 {
		return nil, fmt.Errorf("%w for %s", ErrNoEndpoints, service)
	}
	return slices.Clone(arr), nil
}
