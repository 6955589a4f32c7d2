// Package httpapi exposes the auth service over JSON/HTTP behind the request gate.
package httpapi

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/and161185/authgate/internal/errs"
	"github.com/and161185/authgate/internal/gate"
	"github.com/and161185/authgate/internal/service"
	"github.com/getsentry/sentry-go"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// Pinger reports backing store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// API holds the HTTP handlers.
type API struct {
	auth     service.AuthService
	gate     func(http.Handler) http.Handler
	db       Pinger
	log      *zap.Logger
	validate *validator.Validate
	now      func() time.Time

	trustForwarded bool
}

type Option func(*API)

func WithClock(now func() time.Time) Option { return func(a *API) { a.now = now } }

// WithTrustForwarded takes the client address from X-Forwarded-For for audit records.
func WithTrustForwarded(v bool) Option { return func(a *API) { a.trustForwarded = v } }

// New builds the API. gateMW wraps every route except /health; db may be nil.
func New(auth service.AuthService, gateMW func(http.Handler) http.Handler, db Pinger, log *zap.Logger, opts ...Option) *API {
	if log == nil {
		log = zap.NewNop()
	}
	a := &API{
		auth:     auth,
		gate:     gateMW,
		db:       db,
		log:      log,
		validate: newValidator(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Handler returns the routed handler with recover and request logging applied.
func (a *API) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST /api/auth/register", a.Register)
	api.HandleFunc("POST /api/auth/login", a.Login)
	api.HandleFunc("POST /api/auth/refresh", a.Refresh)
	api.HandleFunc("POST /api/auth/logout", a.Logout)
	api.HandleFunc("GET /api/users/me", a.Me)

	var gated http.Handler = api
	if a.gate != nil {
		gated = a.gate(api)
	}

	root := http.NewServeMux()
	root.HandleFunc("GET /health", a.Health)
	root.Handle("/", gated)

	return Recover(a.log, RequestLog(a.log, root))
}

func (a *API) Register(w http.ResponseWriter, r *http.Request) {
	var body registerRequest
	if err := a.decode(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := a.auth.Register(r.Context(), body.Username, body.Password)
	if err != nil {
		switch {
		case errors.Is(err, errs.ErrAlreadyExists):
			writeError(w, http.StatusConflict, "username already taken")
		case errors.Is(err, errs.ErrInvalidInput):
			writeError(w, http.StatusBadRequest, "invalid request")
		default:
			a.internal(w, "register", err)
		}
		return
	}
	writeJSON(w, http.StatusCreated, registerResponse{UserID: id, Username: body.Username})
}

func (a *API) Login(w http.ResponseWriter, r *http.Request) {
	var body loginRequest
	if err := a.decode(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	tokens, err := a.auth.Login(r.Context(), body.Username, body.Password, gate.ClientKey(r, a.trustForwarded))
	if err != nil {
		var locked *errs.LockedError
		switch {
		case errors.As(err, &locked):
			secs := int(math.Ceil(locked.RetryAfter(a.now()).Seconds()))
			if secs < 1 {
				secs = 1
			}
			w.Header().Set(gate.HeaderRetryAfter, strconv.Itoa(secs))
			writeError(w, http.StatusTooManyRequests, "account temporarily locked")
		case errors.Is(err, errs.ErrUnauthorized):
			writeError(w, http.StatusUnauthorized, "invalid credentials")
		default:
			a.internal(w, "login", err)
		}
		return
	}
	writeJSON(w, http.StatusOK, toTokenResponse(tokens))
}

func (a *API) Refresh(w http.ResponseWriter, r *http.Request) {
	var body refreshRequest
	if err := a.decode(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	tokens, err := a.auth.Refresh(r.Context(), body.RefreshToken)
	if err != nil {
		if errs.IsTokenError(err) {
			writeError(w, http.StatusUnauthorized, "invalid refresh token")
			return
		}
		a.internal(w, "refresh", err)
		return
	}
	writeJSON(w, http.StatusOK, toTokenResponse(tokens))
}

// Logout revokes the refresh token from the body and the bearer access token, if any.
func (a *API) Logout(w http.ResponseWriter, r *http.Request) {
	var body refreshRequest
	if err := a.decode(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	access := gate.BearerToken(r.Header.Get("Authorization"))
	if err := a.auth.Logout(r.Context(), body.RefreshToken, access); err != nil {
		if errs.IsTokenError(err) {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		a.internal(w, "logout", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) Me(w http.ResponseWriter, r *http.Request) {
	id, ok := gate.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	writeJSON(w, http.StatusOK, meResponse{Username: id.Subject, TokenID: id.TokenID, ExpiresAt: id.ExpiresAt.Unix()})
}

func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	if a.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.db.Ping(ctx); err != nil {
			a.log.Warn("health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) internal(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, errs.ErrStoreUnavailable) {
		a.log.Warn(op+" store unavailable", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "service temporarily unavailable")
		return
	}
	sentry.CaptureException(err)
	a.log.Error(op+" failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal server error")
}
