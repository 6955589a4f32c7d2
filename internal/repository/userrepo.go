// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"

	"github.com/and161185/authgate/internal/model"
)

// UserRepository provides access to user accounts.
type UserRepository interface {
	// Create inserts a new user. Returns errs.ErrAlreadyExists on a taken username.
	Create(ctx context.Context, u *model.User) error
	// GetByUsername loads a user by username. Returns errs.ErrNotFound when absent.
	GetByUsername(ctx context.Context, username string) (*model.User, error)
}
