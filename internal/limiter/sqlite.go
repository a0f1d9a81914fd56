package limiter

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// SQLite is the limiter for the embedded store. Timestamps are Unix microseconds.
type SQLite struct {
	db *sql.DB
	Policy
	now func() time.Time
}

// NewSQLite constructs an SQLite-backed limiter.
func NewSQLite(db *sql.DB, p Policy) *SQLite {
	return &SQLite{db: db, Policy: p, now: time.Now}
}

// Allow reports whether login is currently allowed and a retry-after duration.
func (l *SQLite) Allow(ctx context.Context, username string, ipHash []byte) (bool, time.Duration, error) {
	const q = `SELECT blocked_until FROM auth_limiter WHERE username=? AND ip_hash=?`
	var blockedUntil int64
	err := l.db.QueryRowContext(ctx, q, username, ipHash).Scan(&blockedUntil)
	switch {
	case err == nil:
		if until := time.UnixMicro(blockedUntil).Sub(l.now()); until > 0 {
			return false, until, nil
		}
		return true, 0, nil
	case errors.Is(err, sql.ErrNoRows):
		return true, 0, nil
	default:
		return false, 0, err
	}
}

// Success resets counters for (username, ip).
func (l *SQLite) Success(ctx context.Context, username string, ipHash []byte) error {
	const q = `
INSERT INTO auth_limiter (username, ip_hash, fail_count, blocked_until, updated_at)
VALUES (?, ?, 0, 0, ?)
ON CONFLICT (username, ip_hash)
DO UPDATE SET fail_count=0, blocked_until=0, updated_at=excluded.updated_at`
	_, err := l.db.ExecContext(ctx, q, username, ipHash, l.now().UnixMicro())
	return err
}

// Failure records a failed attempt and reports whether it triggered a block.
// Counting and blocking share one statement; writers are serialized by the
// immediate transaction lock.
func (l *SQLite) Failure(ctx context.Context, username string, ipHash []byte) (bool, time.Duration, error) {
	now := l.now().UnixMicro()
	blockUntil := l.now().Add(l.BlockFor).UnixMicro()
	firstBlock := int64(0)
	if l.MaxFails <= 1 {
		firstBlock = blockUntil
	}

	const q = `
INSERT INTO auth_limiter AS a (username, ip_hash, fail_count, blocked_until, updated_at)
VALUES (:user, :ip, 1, :first_block, :now)
ON CONFLICT (username, ip_hash) DO UPDATE
SET
  fail_count = CASE WHEN :now - a.updated_at > :window THEN 1 ELSE a.fail_count + 1 END,
  blocked_until = CASE
    WHEN (CASE WHEN :now - a.updated_at > :window THEN 1 ELSE a.fail_count + 1 END) >= :max
    THEN :block_until
    ELSE a.blocked_until END,
  updated_at = :now
RETURNING fail_count`
	var fails int
	err := l.db.QueryRowContext(ctx, q,
		sql.Named("user", username),
		sql.Named("ip", ipHash),
		sql.Named("first_block", firstBlock),
		sql.Named("now", now),
		sql.Named("window", l.Window.Microseconds()),
		sql.Named("max", l.MaxFails),
		sql.Named("block_until", blockUntil),
	).Scan(&fails)
	if err != nil {
		return false, 0, err
	}
	if fails >= l.MaxFails {
		return true, l.BlockFor, nil
	}
	return false, 0, nil
}
