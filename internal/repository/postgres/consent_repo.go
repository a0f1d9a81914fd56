package postgres

import (
	"context"
	"errors"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/and161185/trustcore/internal/errs"
	"github.com/and161185/trustcore/internal/model"
)

// ConsentRepo implements ConsentRepository using PostgreSQL.
type ConsentRepo struct{ db *DB }

// NewConsentRepo constructs a consent repository.
func NewConsentRepo(db *DB) *ConsentRepo { return &ConsentRepo{db: db} }

const consentColumns = `id, user_id, purpose, granted, granted_at, revoked_at, policy_version, recorded_at`

// Append inserts a transition and fills its ID.
func (r *ConsentRepo) Append(ctx context.Context, c *model.ConsentRecord) error {
	const q = `
INSERT INTO consents (user_id, purpose, granted, granted_at, revoked_at, policy_version, recorded_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING id`
	return r.db.Pool.QueryRow(ctx, q, c.UserID, string(c.Purpose), c.Granted, c.GrantedAt, c.RevokedAt, c.PolicyVersion, c.RecordedAt).
		Scan(&c.ID)
}

func scanConsent(row pgx.Row) (model.ConsentRecord, error) {
	var c model.ConsentRecord
	var purpose string
	if err := row.Scan(&c.ID, &c.UserID, &purpose, &c.Granted, &c.GrantedAt, &c.RevokedAt, &c.PolicyVersion, &c.RecordedAt); err != nil {
		return model.ConsentRecord{}, err
	}
	c.Purpose = model.Purpose(purpose)
	return c, nil
}

// Latest returns the most recent transition for (user, purpose).
func (r *ConsentRepo) Latest(ctx context.Context, userID uuid.UUID, purpose model.Purpose) (*model.ConsentRecord, error) {
	const q = `SELECT ` + consentColumns + ` FROM consents WHERE user_id=$1 AND purpose=$2 ORDER BY id DESC LIMIT 1`
	c, err := scanConsent(r.db.Pool.QueryRow(ctx, q, userID, string(purpose)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *ConsentRepo) list(ctx context.Context, q string, args ...any) ([]model.ConsentRecord, error) {
	rows, err := r.db.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ConsentRecord
	for rows.Next() {
		c, err := scanConsent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// History returns all transitions for (user, purpose), oldest first.
func (r *ConsentRepo) History(ctx context.Context, userID uuid.UUID, purpose model.Purpose) ([]model.ConsentRecord, error) {
	const q = `SELECT ` + consentColumns + ` FROM consents WHERE user_id=$1 AND purpose=$2 ORDER BY id`
	return r.list(ctx, q, userID, string(purpose))
}

// LatestAll returns the most recent transition per purpose.
func (r *ConsentRepo) LatestAll(ctx context.Context, userID uuid.UUID) ([]model.ConsentRecord, error) {
	const q = `
SELECT DISTINCT ON (purpose) ` + consentColumns + `
FROM consents WHERE user_id=$1
ORDER BY purpose, id DESC`
	return r.list(ctx, q, userID)
}
