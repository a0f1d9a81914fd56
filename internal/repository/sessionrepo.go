package repository

import (
	"context"
	"time"

	"github.com/and161185/trustcore/internal/model"
	"github.com/gofrs/uuid/v5"
)

// SessionRepository maps session ids to session records. There is no update path.
type SessionRepository interface {
	// Create stores a new session.
	Create(ctx context.Context, s *model.Session) error
	// FindByID returns the session or errs.ErrNotFound. Expiry is not evaluated here.
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// Delete removes the session and reports whether it existed. Deleting a missing id is not an error.
	Delete(ctx context.Context, id string) (bool, error)
	// DeleteByUser removes all sessions of a user and returns how many were removed.
	DeleteByUser(ctx context.Context, userID uuid.UUID) (int64, error)
	// DeleteExpired removes sessions that expired before the given instant.
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}
