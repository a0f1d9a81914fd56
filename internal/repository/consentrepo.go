package repository

import (
	"context"

	"github.com/and161185/trustcore/internal/model"
	"github.com/gofrs/uuid/v5"
)

// ConsentRepository stores consent transitions. Records are never updated or deleted
// except by account erasure.
type ConsentRepository interface {
	// Append stores a new transition and fills its ID.
	Append(ctx context.Context, r *model.ConsentRecord) error
	// Latest returns the most recent transition for (user, purpose) or errs.ErrNotFound.
	Latest(ctx context.Context, userID uuid.UUID, purpose model.Purpose) (*model.ConsentRecord, error)
	// History returns all transitions for (user, purpose), oldest first.
	History(ctx context.Context, userID uuid.UUID, purpose model.Purpose) ([]model.ConsentRecord, error)
	// LatestAll returns the most recent transition per purpose for a user.
	LatestAll(ctx context.Context, userID uuid.UUID) ([]model.ConsentRecord, error)
}
