package grpcserver

import (
	"context"
	"errors"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/and161185/authgate/internal/errs"
	"github.com/and161185/authgate/internal/gate"
	"github.com/and161185/authgate/internal/model"
	"github.com/and161185/authgate/internal/service"
	"github.com/and161185/authgate/internal/validate"
	"github.com/getsentry/sentry-go"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// AuthServiceName is the fully qualified name of the account service.
const AuthServiceName = "authgate.v1.Auth"

// authServer is the handler contract of AuthServiceName. Requests and replies are
// google.protobuf.Struct values whose fields match the HTTP API JSON bodies.
type authServer interface {
	Register(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Login(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Refresh(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Logout(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Me(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

var authServiceDesc = grpc.ServiceDesc{
	ServiceName: AuthServiceName,
	HandlerType: (*authServer)(nil),
	Methods: []grpc.MethodDesc{
		authMethod("Register", authServer.Register),
		authMethod("Login", authServer.Login),
		authMethod("Refresh", authServer.Refresh),
		authMethod("Logout", authServer.Logout),
		authMethod("Me", authServer.Me),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "authgate/v1/auth",
}

func authMethod(name string, call func(authServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodDesc {
	fullMethod := "/" + AuthServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(authServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(authServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

type registerRequest struct {
	Username string `validate:"required,min=3,max=50"`
	Password string `validate:"required,strong_password"`
}

type loginRequest struct {
	Username string `validate:"required,max=50"`
	Password string `validate:"required,max=128"`
}

type refreshRequest struct {
	RefreshToken string `validate:"required"`
}

type authHandler struct {
	auth           service.AuthService
	validate       *validator.Validate
	log            *zap.Logger
	now            func() time.Time
	trustForwarded bool
}

var _ authServer = (*authHandler)(nil)

func (h *authHandler) Register(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req := registerRequest{Username: field(in, "username"), Password: field(in, "password")}
	if err := h.check(req); err != nil {
		return nil, err
	}
	id, err := h.auth.Register(ctx, req.Username, req.Password)
	if err != nil {
		return nil, h.fail(ctx, "register", err)
	}
	return structpb.NewStruct(map[string]any{"user_id": id, "username": req.Username})
}

func (h *authHandler) Login(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req := loginRequest{Username: field(in, "username"), Password: field(in, "password")}
	if err := h.check(req); err != nil {
		return nil, err
	}
	tokens, err := h.auth.Login(ctx, req.Username, req.Password, clientKey(ctx, h.trustForwarded))
	if err != nil {
		return nil, h.fail(ctx, "login", err)
	}
	return tokenReply(tokens)
}

func (h *authHandler) Refresh(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req := refreshRequest{RefreshToken: field(in, "refresh_token")}
	if err := h.check(req); err != nil {
		return nil, err
	}
	tokens, err := h.auth.Refresh(ctx, req.RefreshToken)
	if err != nil {
		return nil, h.fail(ctx, "refresh", err)
	}
	return tokenReply(tokens)
}

// Logout revokes the refresh token from the request and the bearer access token, if any.
func (h *authHandler) Logout(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req := refreshRequest{RefreshToken: field(in, "refresh_token")}
	if err := h.check(req); err != nil {
		return nil, err
	}
	access := gate.BearerToken(authorizationFromMD(ctx))
	if err := h.auth.Logout(ctx, req.RefreshToken, access); err != nil {
		return nil, h.fail(ctx, "logout", err)
	}
	return &structpb.Struct{}, nil
}

func (h *authHandler) Me(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	id, ok := gate.IdentityFromContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "authentication required")
	}
	return structpb.NewStruct(map[string]any{
		"username":   id.Subject,
		"token_id":   id.TokenID,
		"expires_at": id.ExpiresAt.Unix(),
	})
}

// check validates req and returns an InvalidArgument status naming the first bad field.
func (h *authHandler) check(req any) error {
	if err := h.validate.Struct(req); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) && len(ve) > 0 {
			return status.Errorf(codes.InvalidArgument, "%s is invalid", strings.ToLower(ve[0].Field()))
		}
		return status.Error(codes.InvalidArgument, "invalid request")
	}
	return nil
}

func (h *authHandler) fail(ctx context.Context, op string, err error) error {
	var locked *errs.LockedError
	switch {
	case errors.As(err, &locked):
		secs := int(math.Ceil(locked.RetryAfter(h.now()).Seconds()))
		if secs < 1 {
			secs = 1
		}
		_ = grpc.SetTrailer(ctx, metadata.Pairs(mdRetryAfter, strconv.Itoa(secs)))
		return status.Error(codes.ResourceExhausted, "account temporarily locked")
	case errors.Is(err, errs.ErrAlreadyExists):
		return status.Error(codes.AlreadyExists, "username already taken")
	case errors.Is(err, errs.ErrInvalidInput):
		return status.Error(codes.InvalidArgument, "invalid request")
	case errors.Is(err, errs.ErrUnauthorized):
		return status.Error(codes.Unauthenticated, "invalid credentials")
	case errs.IsTokenError(err):
		return status.Error(codes.Unauthenticated, "invalid token")
	case errors.Is(err, errs.ErrStoreUnavailable):
		h.log.Warn(op+" store unavailable", zap.Error(err))
		return status.Error(codes.Unavailable, "service temporarily unavailable")
	default:
		sentry.CaptureException(err)
		h.log.Error(op+" failed", zap.Error(err))
		return status.Error(codes.Internal, "internal")
	}
}

func field(in *structpb.Struct, name string) string {
	return in.GetFields()[name].GetStringValue()
}

func tokenReply(t model.Tokens) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"access_token":  t.AccessToken,
		"refresh_token": t.RefreshToken,
		"token_type":    t.TokenType,
		"expires_in":    int64(t.ExpiresIn / time.Second),
	})
}

func newAuthHandler(auth service.AuthService, log *zap.Logger, now func() time.Time, trustForwarded bool) *authHandler {
	return &authHandler{
		auth:           auth,
		validate:       validate.New(),
		log:            log,
		now:            now,
		trustForwarded: trustForwarded,
	}
}
