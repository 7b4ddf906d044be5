package events

import (
	"time"

	"google.golang.org/grpc/codes"
)

// GRPCClientStart is emitted before each attempt of a gRPC client call.
type GRPCClientStart struct {
	Service string
	Method  string
	Target  string
	Attempt int
}

// GRPCClientFinish is emitted after an attempt completes.
type GRPCClientFinish struct {
	Service  string
	Method   string
	Target   string
	Attempt  int
	Code     codes.Code
	Err      error
	Duration time.Duration
}

// GRPCServerFinish is emitted by the adapter service after handling a
// call.
type GRPCServerFinish struct {
	Method   string
	Code     codes.Code
	Duration time.Duration
}
