package gate

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/and161185/authgate/internal/errs"
	"go.uber.org/zap"
)

const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderRetryAfter = "Retry-After"

	// RetryAfterSeconds is the fixed hint sent with 429 responses.
	RetryAfterSeconds = 60

	tooManyRequestsMsg = "Too many requests. Please try again later."
)

// Middleware runs the gate in front of next. Every response carries the rate-limit
// headers; a denied request gets 429 and next is not called.
func (g *Gate) Middleware(trustForwarded bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := ClientKey(r, trustForwarded)
			dec, err := g.Admit(r.Context(), key, r.Header.Get("Authorization"))
			if err != nil {
				if errors.Is(err, errs.ErrStoreUnavailable) {
					writeError(w, http.StatusServiceUnavailable, "service temporarily unavailable")
					return
				}
				g.log.Error("gate failure", zap.Error(err))
				writeError(w, http.StatusInternalServerError, "internal error")
				return
			}

			h := w.Header()
			h.Set(HeaderLimit, strconv.Itoa(dec.RateLimit.Limit))
			h.Set(HeaderRemaining, strconv.Itoa(dec.RateLimit.Remaining))
			if !dec.Allowed {
				h.Set(HeaderRetryAfter, strconv.Itoa(RetryAfterSeconds))
				writeError(w, http.StatusTooManyRequests, tooManyRequestsMsg)
				return
			}

			ctx := r.Context()
			if dec.Identity != nil {
				ctx = WithIdentity(ctx, *dec.Identity)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClientKey identifies the caller: the first X-Forwarded-For entry when trusted,
// otherwise the host part of RemoteAddr.
func ClientKey(r *http.Request, trustForwarded bool) string {
	if trustForwarded {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	if r.RemoteAddr == "" {
		return "unknown"
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
