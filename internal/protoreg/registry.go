package protoreg

import (
	"fmt"

	"google.golang.org/protobuf/reflect/protoreflect"
)

// Registry indexes the methods of the built adapter service.
type Registry struct {
	file    protoreflect.FileDescriptor
	service protoreflect.ServiceDescriptor
	methods map[string]protoreflect.MethodDescriptor
}

func newRegistry(fd protoreflect.FileDescriptor) (*Registry, error) {
	svc := fd.Services().ByName(serviceName)
	if svc == nil {
		return nil, fmt.Errorf("protoreg: %s has no service %s", fd.Path(), serviceName)
	}
	r := &Registry{file: fd, service: svc, methods: map[string]protoreflect.MethodDescriptor{}}
	ms := svc.Methods()
	for i := 0; i < ms.Len(); i++ {
		m := ms.Get(i)
		r.methods[string(m.Name())] = m
	}
	return r, nil
}

// Files returns the file descriptors r was built from.
func (r *Registry) Files() []protoreflect.FileDescriptor {
	return []protoreflect.FileDescriptor{r.file}
}

func (r *Registry) Service() protoreflect.ServiceDescriptor { return r.service }

// Method returns the adapter method called name, nil when unknown.
func (r *Registry) Method(name string) protoreflect.MethodDescriptor { return r.methods[name] }
