package grpcserver

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/and161185/authgate/internal/errs"
	"github.com/and161185/authgate/internal/gate"
	"github.com/and161185/authgate/internal/model"
	"github.com/and161185/authgate/internal/ratelimit"
	"github.com/and161185/authgate/internal/repository/repotest"
	"github.com/and161185/authgate/internal/token"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

type fakeAddr struct{}

func (fakeAddr) Network() string { return "tcp" }
func (fakeAddr) String() string  { return "127.0.0.1:12345" }

type stubLimiter struct {
	dec ratelimit.Decision
	err error
}

func (s stubLimiter) Check(context.Context, string) (ratelimit.Decision, error) { return s.dec, s.err }

func newTokens(t *testing.T) *token.Service {
	t.Helper()
	clock := repotest.NewClock(time.Date(2024, 9, 1, 0, 0, 0, 0, time.UTC))
	svc, err := token.NewService([]byte(strings.Repeat("g", token.MinSecretLen)), repotest.NewRevocations(),
		token.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func TestLoggingUnary_Passthrough(t *testing.T) {
	t.Parallel()

	log := zaptest.NewLogger(t)
	ic := LoggingUnary(log)

	ctx := peer.NewContext(context.Background(), &peer.Peer{Addr: fakeAddr{}})

	h := func(ctx context.Context, req any) (any, error) { return "ok", nil }
	info := &grpc.UnaryServerInfo{FullMethod: "/authgate.Test/Method"}

	resp, err := ic(ctx, "req", info, h)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if s, _ := resp.(string); s != "ok" {
		t.Fatalf("resp mismatch: %v", resp)
	}

	wantErr := errors.New("boom")
	hErr := func(ctx context.Context, req any) (any, error) { return nil, wantErr }
	_, err = ic(ctx, "req", info, hErr)
	if !errors.Is(err, wantErr) {
		t.Fatalf("want original error, got: %v", err)
	}
}

func TestRecoverUnary_CatchesPanic(t *testing.T) {
	t.Parallel()

	ic := RecoverUnary(zaptest.NewLogger(t))
	info := &grpc.UnaryServerInfo{FullMethod: "/authgate.Test/Panic"}

	panicH := func(ctx context.Context, req any) (any, error) {
		panic("oh no")
	}

	_, err := ic(context.Background(), "req", info, panicH)
	st, ok := status.FromError(err)
	if !ok || st.Code() != codes.Internal {
		t.Fatalf("want codes.Internal, got: %v", err)
	}
}

func TestRecoverUnary_NoPanicPassThrough(t *testing.T) {
	t.Parallel()

	ic := RecoverUnary(zaptest.NewLogger(t))
	info := &grpc.UnaryServerInfo{FullMethod: "/authgate.Test/Ok"}

	h := func(ctx context.Context, req any) (any, error) { return 42, nil }

	resp, err := ic(context.Background(), "req", info, h)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if resp.(int) != 42 {
		t.Fatalf("resp mismatch: %v", resp)
	}
}

func TestGateUnary_AttachesIdentity(t *testing.T) {
	t.Parallel()

	tokens := newTokens(t)
	pair, err := tokens.IssuePair(context.Background(), "alice")
	if err != nil {
		t.Fatalf("IssuePair: %v", err)
	}
	g := gate.New(stubLimiter{dec: ratelimit.Decision{Allowed: true, Remaining: 10, Limit: 60}}, tokens, nil)
	ic := GateUnary(g, false, zaptest.NewLogger(t))

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer "+pair.AccessToken))
	info := &grpc.UnaryServerInfo{FullMethod: "/authgate.Test/Me"}

	var got model.Identity
	var ok bool
	_, err = ic(ctx, nil, info, func(ctx context.Context, _ any) (any, error) {
		got, ok = gate.IdentityFromContext(ctx)
		return nil, nil
	})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if !ok || got.Subject != "alice" {
		t.Fatalf("identity not attached: %+v ok=%v", got, ok)
	}
}

func TestGateUnary_Denied(t *testing.T) {
	t.Parallel()

	g := gate.New(stubLimiter{dec: ratelimit.Decision{Allowed: false, Limit: 60}}, newTokens(t), nil)
	ic := GateUnary(g, false, zaptest.NewLogger(t))

	called := false
	_, err := ic(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/authgate.Test/X"},
		func(context.Context, any) (any, error) { called = true; return nil, nil })
	if status.Code(err) != codes.ResourceExhausted {
		t.Fatalf("want ResourceExhausted, got %v", err)
	}
	if called {
		t.Fatalf("handler must not run for a denied call")
	}
}

func TestGateUnary_UngatedPrefixSkipsLimiter(t *testing.T) {
	t.Parallel()

	g := gate.New(stubLimiter{err: errors.New("must not be called")}, newTokens(t), nil)
	ic := GateUnary(g, false, zaptest.NewLogger(t), HealthPrefix)

	resp, err := ic(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: HealthPrefix + "Check"},
		func(context.Context, any) (any, error) { return "ok", nil })
	if err != nil || resp != "ok" {
		t.Fatalf("resp=%v err=%v", resp, err)
	}
}

func TestGateUnary_StoreUnavailable(t *testing.T) {
	t.Parallel()

	g := gate.New(stubLimiter{err: errs.Store("ratelimit.check", errors.New("down"))}, newTokens(t), nil)
	ic := GateUnary(g, false, zaptest.NewLogger(t))

	_, err := ic(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/authgate.Test/X"},
		func(context.Context, any) (any, error) { return nil, nil })
	if status.Code(err) != codes.Unavailable {
		t.Fatalf("want Unavailable, got %v", err)
	}
}
