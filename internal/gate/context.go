package gate

import (
	"context"

	"github.com/and161185/authgate/internal/model"
)

type ctxKey string

const identityKey ctxKey = "authgate.identity"

// WithIdentity stores the authenticated identity in context.
func WithIdentity(ctx context.Context, id model.Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFromContext fetches the identity attached by the gate.
func IdentityFromContext(ctx context.Context) (model.Identity, bool) {
	v := ctx.Value(identityKey)
	if v == nil {
		return model.Identity{}, false
	}
	id, ok := v.(model.Identity)
	return id, ok
}
