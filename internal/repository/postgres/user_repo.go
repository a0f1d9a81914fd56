package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/and161185/trustcore/internal/errs"
	"github.com/and161185/trustcore/internal/model"
)

// UserRepo implements UserRepository using PostgreSQL.
type UserRepo struct{ db *DB }

// NewUserRepo constructs a user repository.
func NewUserRepo(db *DB) *UserRepo { return &UserRepo{db: db} }

// Create inserts a new user row.
func (r *UserRepo) Create(ctx context.Context, u *model.User) error {
	const q = `
INSERT INTO users (id, username, email, pwd_hash, pwd_salt, role, active, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := r.db.Pool.Exec(ctx, q, u.ID, u.Username, u.Email, u.PwdHash, u.PwdSalt, string(u.Role), u.Active, u.CreatedAt, u.UpdatedAt)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

func scanUser(row pgx.Row) (*model.User, error) {
	var u model.User
	var role string
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PwdHash, &u.PwdSalt, &role, &u.Active, &u.CreatedAt, &u.UpdatedAt, &u.LastLoginAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	u.Role = model.Role(role)
	return &u, nil
}

// GetByID selects a user by ID.
func (r *UserRepo) GetByID(ctx context.Context, id uuid.UUID) (*model.User, error) {
	const q = `
SELECT id, username, email, pwd_hash, pwd_salt, role, active, created_at, updated_at, last_login_at
FROM users WHERE id=$1`
	return scanUser(r.db.Pool.QueryRow(ctx, q, id))
}

// GetByUsername selects a user by username.
func (r *UserRepo) GetByUsername(ctx context.Context, username string) (*model.User, error) {
	const q = `
SELECT id, username, email, pwd_hash, pwd_salt, role, active, created_at, updated_at, last_login_at
FROM users WHERE username=$1`
	return scanUser(r.db.Pool.QueryRow(ctx, q, username))
}

// ExistsUsernameOrEmail reports which unique fields are taken.
func (r *UserRepo) ExistsUsernameOrEmail(ctx context.Context, username, email string) (bool, bool, error) {
	const q = `
SELECT
  EXISTS(SELECT 1 FROM users WHERE username=$1),
  EXISTS(SELECT 1 FROM users WHERE email=$2)`
	var byName, byEmail bool
	if err := r.db.Pool.QueryRow(ctx, q, username, email).Scan(&byName, &byEmail); err != nil {
		return false, false, err
	}
	return byName, byEmail, nil
}

func (r *UserRepo) execOne(ctx context.Context, q string, args ...any) error {
	tag, err := r.db.Pool.Exec(ctx, q, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// UpdatePassword replaces hash and salt.
func (r *UserRepo) UpdatePassword(ctx context.Context, id uuid.UUID, hash, salt []byte, at time.Time) error {
	const q = `UPDATE users SET pwd_hash=$2, pwd_salt=$3, updated_at=$4 WHERE id=$1`
	return r.execOne(ctx, q, id, hash, salt, at)
}

// TouchLogin sets the last-login timestamp.
func (r *UserRepo) TouchLogin(ctx context.Context, id uuid.UUID, at time.Time) error {
	const q = `UPDATE users SET last_login_at=$2 WHERE id=$1`
	return r.execOne(ctx, q, id, at)
}

// SetActive toggles the active flag.
func (r *UserRepo) SetActive(ctx context.Context, id uuid.UUID, active bool, at time.Time) error {
	const q = `UPDATE users SET active=$2, updated_at=$3 WHERE id=$1`
	return r.execOne(ctx, q, id, active, at)
}

// Delete removes the user; sessions and consents cascade.
func (r *UserRepo) Delete(ctx context.Context, id uuid.UUID) error {
	return r.execOne(ctx, `DELETE FROM users WHERE id=$1`, id)
}
