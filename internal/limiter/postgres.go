package limiter

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PG keeps per (username, ip) counters in PostgreSQL. Clock reads happen in
// the database so every server instance agrees on the window.
type PG struct {
	pool Querier
	Policy
}

// Querier is the subset of a pgx pool the limiter needs.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPG constructs a PostgreSQL-backed limiter.
func NewPG(q Querier, p Policy) *PG {
	return &PG{pool: q, Policy: p}
}

const pgAllowSQL = `
SELECT GREATEST(EXTRACT(EPOCH FROM blocked_until - now()), 0)::float8
FROM auth_limiter WHERE username=$1 AND ip_hash=$2`

// Allow reports whether a login attempt may proceed and, if not, how long to wait.
func (l *PG) Allow(ctx context.Context, username string, ipHash []byte) (bool, time.Duration, error) {
	var secs float64
	err := l.pool.QueryRow(ctx, pgAllowSQL, username, ipHash).Scan(&secs)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return true, 0, nil
	case err != nil:
		return false, 0, err
	}
	if wait := seconds(secs); wait > 0 {
		return false, wait, nil
	}
	return true, 0, nil
}

const pgSuccessSQL = `
INSERT INTO auth_limiter (username, ip_hash, fail_count, blocked_until, updated_at)
VALUES ($1, $2, 0, 'epoch', now())
ON CONFLICT (username, ip_hash)
DO UPDATE SET fail_count=0, blocked_until='epoch', updated_at=now()`

// Success clears the counter for (username, ip).
func (l *PG) Success(ctx context.Context, username string, ipHash []byte) error {
	_, err := l.pool.Exec(ctx, pgSuccessSQL, username, ipHash)
	return err
}

// pgFailureSQL counts the failure and sets the block in one statement, so two
// concurrent failures cannot both read a count below the threshold.
// $3 window, $4 max fails, $5 block duration.
const pgFailureSQL = `
INSERT INTO auth_limiter AS a (username, ip_hash, fail_count, blocked_until, updated_at)
VALUES ($1, $2, 1, CASE WHEN $4 <= 1 THEN now() + $5::interval ELSE 'epoch' END, now())
ON CONFLICT (username, ip_hash) DO UPDATE
SET
  fail_count = CASE WHEN now() - a.updated_at > $3::interval THEN 1 ELSE a.fail_count + 1 END,
  blocked_until = CASE
    WHEN (CASE WHEN now() - a.updated_at > $3::interval THEN 1 ELSE a.fail_count + 1 END) >= $4
    THEN now() + $5::interval
    ELSE a.blocked_until END,
  updated_at = now()
RETURNING fail_count`

// Failure records a failed attempt and reports whether it triggered a block.
func (l *PG) Failure(ctx context.Context, username string, ipHash []byte) (bool, time.Duration, error) {
	var fails int
	err := l.pool.QueryRow(ctx, pgFailureSQL, username, ipHash, l.Window, l.MaxFails, l.BlockFor).Scan(&fails)
	if err != nil {
		return false, 0, err
	}
	if fails >= l.MaxFails {
		return true, l.BlockFor, nil
	}
	return false, 0, nil
}

func seconds(s float64) time.Duration { return time.Duration(s * float64(time.Second)) }
