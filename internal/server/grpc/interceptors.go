package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/and161185/authgate/internal/errs"
	"github.com/and161185/authgate/internal/gate"
	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// Metadata keys mirroring the HTTP rate-limit headers.
const (
	mdLimit      = "x-ratelimit-limit"
	mdRemaining  = "x-ratelimit-remaining"
	mdRetryAfter = "retry-after"
)

// LoggingUnary returns a unary server interceptor for structured logging.
func LoggingUnary(log *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := next(ctx, req)
		code := status.Code(err)

		var remote string
		if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
			remote = p.Addr.String()
		}

		// metadata only, never payloads
		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.String("code", code.String()),
			zap.Duration("dur", time.Since(start)),
			zap.String("peer", remote),
		}
		switch code {
		case codes.OK:
			log.Debug("grpc", fields...)
		case codes.Internal, codes.Unknown, codes.Unavailable:
			log.Warn("grpc", append(fields, zap.Error(err))...)
		default:
			log.Info("grpc", fields...)
		}
		return resp, err
	}
}

// RecoverUnary returns a unary server interceptor that recovers from panics
// and reports them to Sentry.
func RecoverUnary(log *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				stack := debug.Stack()
				sentry.WithScope(func(scope *sentry.Scope) {
					scope.SetTag("grpc.method", info.FullMethod)
					scope.SetExtra("stack", string(stack))
					sentry.CaptureException(fmt.Errorf("panic: %v", r))
				})
				log.Error("panic",
					zap.Any("reason", r),
					zap.ByteString("stack", stack),
					zap.String("method", info.FullMethod),
				)
				err = status.Error(codes.Internal, "internal")
			}
		}()
		return next(ctx, req)
	}
}

// GateUnary runs the request gate before every unary call whose method does not
// start with one of the ungated prefixes. A denied call fails with ResourceExhausted
// and a retry-after trailer; an admitted call carries its identity in the context.
func GateUnary(g *gate.Gate, trustForwarded bool, log *zap.Logger, ungated ...string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		for _, prefix := range ungated {
			if strings.HasPrefix(info.FullMethod, prefix) {
				return next(ctx, req)
			}
		}

		key := clientKey(ctx, trustForwarded)
		dec, err := g.Admit(ctx, key, authorizationFromMD(ctx))
		if err != nil {
			if errors.Is(err, errs.ErrStoreUnavailable) {
				return nil, status.Error(codes.Unavailable, "service temporarily unavailable")
			}
			log.Error("gate failure", zap.String("method", info.FullMethod), zap.Error(err))
			return nil, status.Error(codes.Internal, "internal")
		}

		_ = grpc.SetHeader(ctx, metadata.Pairs(
			mdLimit, strconv.Itoa(dec.RateLimit.Limit),
			mdRemaining, strconv.Itoa(dec.RateLimit.Remaining),
		))
		if !dec.Allowed {
			_ = grpc.SetTrailer(ctx, metadata.Pairs(mdRetryAfter, strconv.Itoa(gate.RetryAfterSeconds)))
			return nil, status.Error(codes.ResourceExhausted, "Too many requests. Please try again later.")
		}
		if dec.Identity != nil {
			ctx = gate.WithIdentity(ctx, *dec.Identity)
		}
		return next(ctx, req)
	}
}
