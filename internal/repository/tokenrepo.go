package repository

import (
	"context"
	"time"

	"github.com/and161185/authgate/internal/model"
)

// RevocationRepository stores revoked token ids until their natural expiry.
type RevocationRepository interface {
	// Revoke inserts the entry if its id is not present yet.
	// inserted is false when the id was already revoked.
	Revoke(ctx context.Context, e model.RevocationEntry) (inserted bool, err error)

	// IsRevoked reports whether the id is on the list.
	IsRevoked(ctx context.Context, tokenID string) (bool, error)

	// DeleteExpired removes entries whose token expired at or before now.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)

	// Count returns the number of stored entries.
	Count(ctx context.Context) (int64, error)
}
