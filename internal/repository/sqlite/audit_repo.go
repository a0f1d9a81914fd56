package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/trustcore/internal/errs"
	"github.com/and161185/trustcore/internal/model"
	"github.com/and161185/trustcore/internal/repository"
)

// AuditRepo implements repository.AuditRepository using SQLite.
// The table is guarded by triggers that abort any UPDATE or DELETE.
type AuditRepo struct{ db *sql.DB }

// NewAuditRepo constructs an audit repository.
func NewAuditRepo(db *sql.DB) *AuditRepo { return &AuditRepo{db: db} }

const auditColumns = `seq, ts, event_type, actor_id, resource_type, resource_id, success, details, content_hash, prev_hash, chain_hash`

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func head(ctx context.Context, q querier) (model.AuditHead, error) {
	var h model.AuditHead
	err := q.QueryRowContext(ctx, `SELECT seq, chain_hash FROM audit_log ORDER BY seq DESC LIMIT 1`).Scan(&h.Seq, &h.ChainHash)
	if errors.Is(err, sql.ErrNoRows) {
		return model.AuditHead{}, nil
	}
	return h, err
}

// Append reads the head and inserts the built entry in one write transaction.
// The connection is opened with _txlock=immediate, so BEGIN takes the write lock.
func (r *AuditRepo) Append(ctx context.Context, build repository.AuditBuildFunc) (model.AuditEntry, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return model.AuditEntry{}, err
	}
	defer func() { _ = tx.Rollback() }()

	h, err := head(ctx, tx)
	if err != nil {
		return model.AuditEntry{}, err
	}
	e, err := build(h)
	if err != nil {
		return model.AuditEntry{}, err
	}
	details, err := json.Marshal(e.Details)
	if err != nil {
		return model.AuditEntry{}, fmt.Errorf("marshal details: %w", err)
	}
	var actor uuid.NullUUID
	if e.ActorID != nil {
		actor = uuid.NullUUID{UUID: *e.ActorID, Valid: true}
	}

	const q = `INSERT INTO audit_log (` + auditColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, q, e.Seq, toMicros(e.Timestamp), string(e.EventType), actor,
		e.ResourceType, e.ResourceID, boolInt(e.Success), string(details), e.ContentHash, e.PrevHash, e.ChainHash); err != nil {
		if isUniqueViolation(err) {
			return model.AuditEntry{}, errs.ErrAlreadyExists
		}
		return model.AuditEntry{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.AuditEntry{}, err
	}
	return e, nil
}

// Head returns the latest chain position.
func (r *AuditRepo) Head(ctx context.Context) (model.AuditHead, error) {
	return head(ctx, r.db)
}

type scanner interface {
	Scan(dest ...any) error
}

// scanEntry reads columns loosely so a row edited outside the API is reported
// as *errs.CorruptEntryError carrying its seq instead of a driver scan error.
func scanEntry(s scanner) (model.AuditEntry, error) {
	var (
		seq  int64
		cols [10]any
	)
	dest := make([]any, 0, len(cols)+1)
	dest = append(dest, &seq)
	for i := range cols {
		dest = append(dest, &cols[i])
	}
	if err := s.Scan(dest...); err != nil {
		return model.AuditEntry{}, err
	}
	e, err := decodeEntry(seq, cols)
	if err != nil {
		return model.AuditEntry{}, &errs.CorruptEntryError{Seq: seq, Err: err}
	}
	return e, nil
}

func text(name string, v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	}
	return "", fmt.Errorf("%s: want text, got %T", name, v)
}

// decodeEntry converts the columns after seq, in auditColumns order.
func decodeEntry(seq int64, c [10]any) (model.AuditEntry, error) {
	e := model.AuditEntry{Seq: seq}

	ts, ok := c[0].(int64)
	if !ok {
		return e, fmt.Errorf("ts: want integer, got %T", c[0])
	}
	e.Timestamp = fromMicros(ts)

	var (
		event, details string
		err            error
	)
	if event, err = text("event_type", c[1]); err != nil {
		return e, err
	}
	e.EventType = model.EventType(event)

	if c[2] != nil {
		raw, err := text("actor_id", c[2])
		if err != nil {
			return e, err
		}
		id, err := uuid.FromString(raw)
		if err != nil {
			return e, fmt.Errorf("actor_id: %w", err)
		}
		e.ActorID = &id
	}
	if e.ResourceType, err = text("resource_type", c[3]); err != nil {
		return e, err
	}
	if e.ResourceID, err = text("resource_id", c[4]); err != nil {
		return e, err
	}

	switch c[5] {
	case int64(0):
	case int64(1):
		e.Success = true
	default:
		return e, fmt.Errorf("success: want 0 or 1, got %v", c[5])
	}

	if details, err = text("details", c[6]); err != nil {
		return e, err
	}
	if err := json.Unmarshal([]byte(details), &e.Details); err != nil {
		return e, fmt.Errorf("details: %w", err)
	}
	// Append writes json.Marshal output; any other spelling was written by hand
	if again, err := json.Marshal(e.Details); err != nil || e.Details == nil || string(again) != details {
		return e, errors.New("details: not in stored form")
	}
	if e.ContentHash, err = text("content_hash", c[7]); err != nil {
		return e, err
	}
	if e.PrevHash, err = text("prev_hash", c[8]); err != nil {
		return e, err
	}
	if e.ChainHash, err = text("chain_hash", c[9]); err != nil {
		return e, err
	}
	return e, nil
}

// Get selects one entry by sequence number.
func (r *AuditRepo) Get(ctx context.Context, seq int64) (*model.AuditEntry, error) {
	e, err := scanEntry(r.db.QueryRowContext(ctx, `SELECT `+auditColumns+` FROM audit_log WHERE seq=?`, seq))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// Range selects entries with from <= seq <= to in ascending order.
func (r *AuditRepo) Range(ctx context.Context, from, to int64) ([]model.AuditEntry, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+auditColumns+` FROM audit_log WHERE seq BETWEEN ? AND ? ORDER BY seq`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.AuditEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
