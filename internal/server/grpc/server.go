// Package grpcserver hosts gRPC services behind the request gate.
package grpcserver

import (
	"net"
	"time"

	"github.com/and161185/authgate/internal/gate"
	"github.com/and161185/authgate/internal/service"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthPrefix is the method prefix of the standard health service.
const HealthPrefix = "/grpc.health.v1.Health/"

// Server is a grpc.Server with the gate interceptor chain and a health service.
// Health calls bypass the gate; every other service is gated.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	log    *zap.Logger
	opts   options
}

type options struct {
	trustForwarded bool
	now            func() time.Time
	serverOpts     []grpc.ServerOption
}

type Option func(*options)

// WithTrustForwarded takes the client key from x-forwarded-for metadata.
func WithTrustForwarded(v bool) Option { return func(o *options) { o.trustForwarded = v } }

// WithClock sets the time source used for retry-after values.
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// WithServerOptions appends raw grpc.ServerOption values.
func WithServerOptions(opts ...grpc.ServerOption) Option {
	return func(o *options) { o.serverOpts = append(o.serverOpts, opts...) }
}

// New builds the server. Register additional services on GRPC() before Serve.
func New(g *gate.Gate, log *zap.Logger, opts ...Option) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	o := options{now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}

	srvOpts := append([]grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			RecoverUnary(log),
			LoggingUnary(log),
			GateUnary(g, o.trustForwarded, log, HealthPrefix),
		),
	}, o.serverOpts...)

	s := &Server{
		grpc:   grpc.NewServer(srvOpts...),
		health: health.NewServer(),
		log:    log,
		opts:   o,
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	return s
}

// GRPC exposes the underlying server for service registration.
func (s *Server) GRPC() *grpc.Server { return s.grpc }

// RegisterAuth exposes auth as the AuthServiceName service and marks it serving.
func (s *Server) RegisterAuth(auth service.AuthService) {
	s.grpc.RegisterService(&authServiceDesc, newAuthHandler(auth, s.log, s.opts.now, s.opts.trustForwarded))
	s.health.SetServingStatus(AuthServiceName, healthpb.HealthCheckResponse_SERVING)
}

// Serve blocks serving on lis.
func (s *Server) Serve(lis net.Listener) error {
	s.log.Info("grpc listening", zap.String("addr", lis.Addr().String()))
	return s.grpc.Serve(lis)
}

// GracefulStop marks the server not serving and drains in-flight calls.
func (s *Server) GracefulStop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
