package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/trustcore/internal/errs"
	"github.com/and161185/trustcore/internal/model"
)

// ConsentRepo implements repository.ConsentRepository using SQLite.
type ConsentRepo struct{ db *sql.DB }

// NewConsentRepo constructs a consent repository.
func NewConsentRepo(db *sql.DB) *ConsentRepo { return &ConsentRepo{db: db} }

const consentColumns = `id, user_id, purpose, granted, granted_at, revoked_at, policy_version, recorded_at`

// Append inserts a transition and fills its ID.
func (r *ConsentRepo) Append(ctx context.Context, c *model.ConsentRecord) error {
	const q = `
INSERT INTO consents (user_id, purpose, granted, granted_at, revoked_at, policy_version, recorded_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`
	res, err := r.db.ExecContext(ctx, q, c.UserID, string(c.Purpose), boolInt(c.Granted),
		nullMicros(c.GrantedAt), nullMicros(c.RevokedAt), c.PolicyVersion, toMicros(c.RecordedAt))
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	c.ID = id
	return nil
}

func scanConsent(s scanner) (model.ConsentRecord, error) {
	var (
		c                  model.ConsentRecord
		purpose            string
		grantedAt, revoked sql.NullInt64
		recorded           int64
	)
	if err := s.Scan(&c.ID, &c.UserID, &purpose, &c.Granted, &grantedAt, &revoked, &c.PolicyVersion, &recorded); err != nil {
		return model.ConsentRecord{}, err
	}
	c.Purpose = model.Purpose(purpose)
	c.GrantedAt = fromNullMicros(grantedAt)
	c.RevokedAt = fromNullMicros(revoked)
	c.RecordedAt = fromMicros(recorded)
	return c, nil
}

// Latest returns the most recent transition for (user, purpose).
func (r *ConsentRepo) Latest(ctx context.Context, userID uuid.UUID, purpose model.Purpose) (*model.ConsentRecord, error) {
	const q = `SELECT ` + consentColumns + ` FROM consents WHERE user_id=? AND purpose=? ORDER BY id DESC LIMIT 1`
	c, err := scanConsent(r.db.QueryRowContext(ctx, q, userID, string(purpose)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *ConsentRepo) list(ctx context.Context, q string, args ...any) ([]model.ConsentRecord, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
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
	return r.list(ctx, `SELECT `+consentColumns+` FROM consents WHERE user_id=? AND purpose=? ORDER BY id`, userID, string(purpose))
}

// LatestAll returns the most recent transition per purpose.
func (r *ConsentRepo) LatestAll(ctx context.Context, userID uuid.UUID) ([]model.ConsentRecord, error) {
	const q = `
SELECT ` + consentColumns + ` FROM consents c
WHERE c.user_id=? AND c.id = (
  SELECT MAX(id) FROM consents WHERE user_id=c.user_id AND purpose=c.purpose
)
ORDER BY c.purpose`
	return r.list(ctx, q, userID)
}
