package grpctp_test

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/test/bufconn"

	"github.com/hanpama/populate/internal/adapter"
	"github.com/hanpama/populate/internal/adapter/adaptertest"
	"github.com/hanpama/populate/internal/adaptersvc"
	"github.com/hanpama/populate/internal/eventbus"
	"github.com/hanpama/populate/internal/events"
	"github.com/hanpama/populate/internal/fixture"
	"github.com/hanpama/populate/internal/grpcrt"
	"github.com/hanpama/populate/internal/grpctp"
	"github.com/hanpama/populate/internal/protoreg"
	"github.com/hanpama/populate/internal/reqid"
)

const (
	up   = "passthrough:///up"
	down = "passthrough:///down"
)

type harness struct {
	reg *protoreg.Registry
	tp  *grpctp.Transport

	mu       sync.Mutex
	incoming []metadata.MD
	finished []events.GRPCClientFinish
}

// newHarness serves the fixture behind the "up" endpoint. Dialing "down"
// always fails.
func newHarness(t *testing.T, endpoints ...string) *harness {
	t.Helper()
	h := &harness{}
	reg, err := protoreg.Build("")
	require.NoError(t, err)
	h.reg = reg

	f := adaptertest.NewFixture(t, fixture.Single("foo"), map[string]adapter.JoinCapability{"foo": adapter.FlatJoin})
	capture := func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		md, _ := metadata.FromIncomingContext(ctx)
		h.mu.Lock()
		h.incoming = append(h.incoming, md)
		h.mu.Unlock()
		return handler(ctx, req)
	}
	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer(grpc.ChainUnaryInterceptor(capture, adaptersvc.UnaryInterceptor))
	adaptersvc.New(reg, f.Connections).Register(gs)
	go func() { _ = gs.Serve(lis) }()

	bus := eventbus.New()
	eventbus.Use(bus)
	unsubscribe := eventbus.SubscribeTo(bus, func(_ context.Context, e events.GRPCClientFinish) {
		h.mu.Lock()
		h.finished = append(h.finished, e)
		h.mu.Unlock()
	})

	h.tp = grpctp.New(
		grpctp.WithProvider(grpctp.NewStaticEndpoints(map[string][]string{
			string(reg.Service().FullName()): endpoints,
		})),
		grpctp.WithDialOptions(
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithContextDialer(func(ctx context.Context, addr string) (net.Conn, error) {
				if addr == "down" {
					return nil, errors.New("connection refused")
				}
				return lis.DialContext(ctx)
			}),
		),
	)
	t.Cleanup(func() {
		_ = h.tp.Close()
		gs.Stop()
		unsubscribe()
		eventbus.Use(nil)
	})
	return h
}

func (h *harness) dial(t *testing.T, ctx context.Context) *grpcrt.Remote {
	t.Helper()
	r, err := grpcrt.Dial(ctx, h.reg, h.tp, "foo", grpcrt.WithInitialInterval(time.Millisecond))
	require.NoError(t, err)
	return r
}

func (h *harness) targets() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.finished))
	for i, e := range h.finished {
		out[i] = e.Target
	}
	return out
}

func TestMetadata(t *testing.T) {
	h := newHarness(t, up)
	ctx := reqid.WithID(context.Background(), "req-1")
	h.dial(t, ctx)

	require.Len(t, h.incoming, 1)
	md := h.incoming[0]
	require.Equal(t, []string{string(h.reg.Service().FullName())}, md.Get(grpcrt.ServiceHeader))
	require.Equal(t, []string{"1"}, md.Get(grpcrt.AttemptHeader))
	require.Equal(t, []string{"req-1"}, md.Get(reqid.Header))

	require.Len(t, h.finished, 1)
	require.Equal(t, codes.OK, h.finished[0].Code)
	require.Equal(t, protoreg.MethodDescribe, h.finished[0].Method)
}

func TestFailover(t *testing.T) {
	h := newHarness(t, down, up)
	r := h.dial(t, context.Background())

	h.mu.Lock()
	first := h.finished[0]
	h.mu.Unlock()
	require.Equal(t, down, first.Target)
	require.Equal(t, codes.Unavailable, first.Code)

	for range 3 {
		_, err := r.Fetch(context.Background(), adapter.Request{Connection: "foo", Collection: "person", Table: "person"})
		require.NoError(t, err)
	}
	require.Equal(t, []string{down, up, up, up, up}, h.targets(), "the failed endpoint cools down")
	require.Equal(t, []string{"2"}, h.incoming[0].Get(grpcrt.AttemptHeader))
}

func TestRoundRobin(t *testing.T) {
	// Two names for the same server.
	h := newHarness(t, up, "passthrough:///up-again")
	r := h.dial(t, context.Background())
	_, err := r.Fetch(context.Background(), adapter.Request{Connection: "foo", Collection: "person", Table: "person"})
	require.NoError(t, err)
	require.Equal(t, []string{up, "passthrough:///up-again"}, h.targets())
}

func TestNoEndpoints(t *testing.T) {
	h := newHarness(t)
	_, err := grpcrt.Dial(context.Background(), h.reg, h.tp, "foo")
	require.ErrorIs(t, err, grpctp.ErrNoEndpoints)
	require.Empty(t, h.finished)
}

func TestClosed(t *testing.T) {
	h := newHarness(t, up)
	require.NoError(t, h.tp.Close())
	_, err := grpcrt.Dial(context.Background(), h.reg, h.tp, "foo")
	require.ErrorIs(t, err, grpctp.ErrClosed)
}

func TestStaticEndpoints(t *testing.T) {
	p := grpctp.NewStaticEndpoints(map[string][]string{grpctp.Wildcard: {"any:1"}})
	got, err := p.Endpoints(context.Background(), "a.B")
	require.NoError(t, err)
	require.Equal(t, []string{"any:1"}, got)

	p.Set("a.B", "b:1", "b:2")
	got, err = p.Endpoints(context.Background(), "a.B")
	require.NoError(t, err)
	require.Equal(t, []string{"b:1", "b:2"}, got)

	p.Set(grpctp.Wildcard)
	_, err = p.Endpoints(context.Background(), "c.D")
	require.ErrorIs(t, err, grpctp.ErrNoEndpoints)
}
