package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/trustcore/internal/errs"
	"github.com/and161185/trustcore/internal/model"
)

// SessionRepo implements repository.SessionRepository using SQLite.
type SessionRepo struct{ db *sql.DB }

// NewSessionRepo constructs a session repository.
func NewSessionRepo(db *sql.DB) *SessionRepo { return &SessionRepo{db: db} }

// Create inserts a session row.
func (r *SessionRepo) Create(ctx context.Context, s *model.Session) error {
	const q = `
INSERT INTO sessions (id, user_id, created_at, expires_at, origin, user_agent)
VALUES (?, ?, ?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, q, s.ID, s.UserID, toMicros(s.CreatedAt), toMicros(s.ExpiresAt), s.Origin, s.UserAgent)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

// FindByID selects a session by id.
func (r *SessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	const q = `SELECT id, user_id, created_at, expires_at, origin, user_agent FROM sessions WHERE id=?`
	var (
		s                model.Session
		created, expires int64
	)
	err := r.db.QueryRowContext(ctx, q, id).Scan(&s.ID, &s.UserID, &created, &expires, &s.Origin, &s.UserAgent)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	s.CreatedAt = fromMicros(created)
	s.ExpiresAt = fromMicros(expires)
	return &s, nil
}

// Delete removes a session; a missing id is not an error.
func (r *SessionRepo) Delete(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE id=?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// DeleteByUser removes all sessions of a user.
func (r *SessionRepo) DeleteByUser(ctx context.Context, userID uuid.UUID) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE user_id=?`, userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteExpired removes sessions whose expiry is not after before.
func (r *SessionRepo) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at<=?`, toMicros(before))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
