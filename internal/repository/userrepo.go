// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"
	"time"

	"github.com/and161185/trustcore/internal/model"
	"github.com/gofrs/uuid/v5"
)

// UserRepository provides access to user accounts.
type UserRepository interface {
	// Create inserts a new user. Username or email collisions return errs.ErrAlreadyExists.
	Create(ctx context.Context, u *model.User) error
	// GetByID loads a user by ID.
	GetByID(ctx context.Context, id uuid.UUID) (*model.User, error)
	// GetByUsername loads a user by username.
	GetByUsername(ctx context.Context, username string) (*model.User, error)
	// ExistsUsernameOrEmail reports which of the unique fields are already taken.
	ExistsUsernameOrEmail(ctx context.Context, username, email string) (usernameTaken, emailTaken bool, err error)
	// UpdatePassword replaces hash and salt.
	UpdatePassword(ctx context.Context, id uuid.UUID, hash, salt []byte, at time.Time) error
	// TouchLogin sets the last-login timestamp.
	TouchLogin(ctx context.Context, id uuid.UUID, at time.Time) error
	// SetActive toggles the active flag.
	SetActive(ctx context.Context, id uuid.UUID, active bool, at time.Time) error
	// Delete physically removes the user; sessions and consent history cascade.
	Delete(ctx context.Context, id uuid.UUID) error
}
