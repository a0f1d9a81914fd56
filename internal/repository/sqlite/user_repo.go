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

// UserRepo implements repository.UserRepository using SQLite.
type UserRepo struct{ db *sql.DB }

// NewUserRepo constructs a user repository.
func NewUserRepo(db *sql.DB) *UserRepo { return &UserRepo{db: db} }

const userColumns = `id, username, email, pwd_hash, pwd_salt, role, active, created_at, updated_at, last_login_at`

// Create inserts a new user row.
func (r *UserRepo) Create(ctx context.Context, u *model.User) error {
	const q = `
INSERT INTO users (` + userColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, q, u.ID, u.Username, u.Email, u.PwdHash, u.PwdSalt, string(u.Role),
		boolInt(u.Active), toMicros(u.CreatedAt), toMicros(u.UpdatedAt), nullMicros(u.LastLoginAt))
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

func scanUser(row *sql.Row) (*model.User, error) {
	var (
		u                model.User
		role             string
		created, updated int64
		lastLogin        sql.NullInt64
	)
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PwdHash, &u.PwdSalt, &role, &u.Active, &created, &updated, &lastLogin)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.Role = model.Role(role)
	u.CreatedAt = fromMicros(created)
	u.UpdatedAt = fromMicros(updated)
	u.LastLoginAt = fromNullMicros(lastLogin)
	return &u, nil
}

// GetByID selects a user by ID.
func (r *UserRepo) GetByID(ctx context.Context, id uuid.UUID) (*model.User, error) {
	return scanUser(r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=?`, id))
}

// GetByUsername selects a user by username.
func (r *UserRepo) GetByUsername(ctx context.Context, username string) (*model.User, error) {
	return scanUser(r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username=?`, username))
}

// ExistsUsernameOrEmail reports which unique fields are taken.
func (r *UserRepo) ExistsUsernameOrEmail(ctx context.Context, username, email string) (bool, bool, error) {
	const q = `
SELECT
  EXISTS(SELECT 1 FROM users WHERE username=?),
  EXISTS(SELECT 1 FROM users WHERE email=?)`
	var byName, byEmail bool
	if err := r.db.QueryRowContext(ctx, q, username, email).Scan(&byName, &byEmail); err != nil {
		return false, false, err
	}
	return byName, byEmail, nil
}

func (r *UserRepo) execOne(ctx context.Context, q string, args ...any) error {
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// UpdatePassword replaces hash and salt.
func (r *UserRepo) UpdatePassword(ctx context.Context, id uuid.UUID, hash, salt []byte, at time.Time) error {
	return r.execOne(ctx, `UPDATE users SET pwd_hash=?, pwd_salt=?, updated_at=? WHERE id=?`, hash, salt, toMicros(at), id)
}

// TouchLogin sets the last-login timestamp.
func (r *UserRepo) TouchLogin(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.execOne(ctx, `UPDATE users SET last_login_at=? WHERE id=?`, toMicros(at), id)
}

// SetActive toggles the active flag.
func (r *UserRepo) SetActive(ctx context.Context, id uuid.UUID, active bool, at time.Time) error {
	return r.execOne(ctx, `UPDATE users SET active=?, updated_at=? WHERE id=?`, boolInt(active), toMicros(at), id)
}

// Delete removes the user; sessions and consents cascade.
func (r *UserRepo) Delete(ctx context.Context, id uuid.UUID) error {
	return r.execOne(ctx, `DELETE FROM users WHERE id=?`, id)
}
