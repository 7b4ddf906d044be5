package grpctp

import "errors"

var (
	// ErrNoEndpoints indicates the provider knows no endpoint for a service.
	ErrNoEndpoints = errors.New("grpctp: no endpoints available")
	// ErrClosed is returned by calls made after Close.
	ErrClosed = errors.New("grpctp: closed")
)
