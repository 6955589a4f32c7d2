package postgres

import (
	"context"
	"time"

	"github.com/and161185/authgate/internal/model"
)

// RevocationRepo implements RevocationRepository on the revoked_tokens table.
type RevocationRepo struct{ db *DB }

// NewRevocationRepo constructs a revocation repository.
func NewRevocationRepo(db *DB) *RevocationRepo { return &RevocationRepo{db: db} }

// Revoke inserts the entry; a second revocation of the same id is a no-op.
func (r *RevocationRepo) Revoke(ctx context.Context, e model.RevocationEntry) (bool, error) {
	const q = `
INSERT INTO revoked_tokens (jti, subject, expires_at, revoked_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (jti) DO NOTHING`
	tag, err := r.db.Pool.Exec(ctx, q, e.TokenID, e.Subject, e.ExpiresAt, e.RevokedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// IsRevoked reports whether jti is present.
func (r *RevocationRepo) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	const q = `SELECT EXISTS (SELECT 1 FROM revoked_tokens WHERE jti=$1)`
	var ok bool
	if err := r.db.Pool.QueryRow(ctx, q, tokenID).Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}

// DeleteExpired removes entries whose tokens can no longer validate anyway.
func (r *RevocationRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	const q = `DELETE FROM revoked_tokens WHERE expires_at <= $1`
	tag, err := r.db.Pool.Exec(ctx, q, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Count returns the current list size.
func (r *RevocationRepo) Count(ctx context.Context) (int64, error) {
	const q = `SELECT count(*) FROM revoked_tokens`
	var n int64
	if err := r.db.Pool.QueryRow(ctx, q).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
