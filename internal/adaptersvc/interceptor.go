package adaptersvc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/hanpama/populate/internal/grpcrt"
	"github.com/hanpama/populate/internal/logging"
	"github.com/hanpama/populate/internal/reqid"
)

// UnaryInterceptor adopts the caller's request ID, or mints one, and
// attaches a logger tagged with it.
func UnaryInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	attempt := "1"
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ids := md.Get(reqid.Header); len(ids) > 0 {
			ctx = reqid.WithID(ctx, ids[0])
		}
		if a := md.Get(grpcrt.AttemptHeader); len(a) > 0 {
			attempt = a[0]
		}
	}
	ctx, id := reqid.NewContext(ctx)
	logger := logging.With().Str("request_id", id).Str("rpc", info.FullMethod).Str("attempt", attempt).Logger()
	return handler(logger.WithContext(ctx), req)
}
