package grpcrt

import (
	"google.golang.org/protobuf/reflect/protoreflect"

	"github.com/hanpama/populate/internal/protoreg"
)

// Registry resolves adapter service methods. A healthy registry returns a
// descriptor for every method protoreg declares; a missing one is a
// programming error.
type Registry interface {
	Service() protoreflect.ServiceDescriptor
	Method(name string) protoreflect.MethodDescriptor
}

var _ Registry = (*protoreg.Registry)(nil)
