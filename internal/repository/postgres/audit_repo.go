package postgres

import (
	"context"
	"errors"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/and161185/trustcore/internal/errs"
	"github.com/and161185/trustcore/internal/model"
	"github.com/and161185/trustcore/internal/repository"
)

// AuditRepo implements AuditRepository using PostgreSQL.
type AuditRepo struct{ db *DB }

// NewAuditRepo constructs an audit repository.
func NewAuditRepo(db *DB) *AuditRepo { return &AuditRepo{db: db} }

const auditColumns = `seq, ts, event_type, actor_id, resource_type, resource_id, success, details, content_hash, prev_hash, chain_hash`

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func head(ctx context.Context, q rowQuerier) (model.AuditHead, error) {
	var h model.AuditHead
	err := q.QueryRow(ctx, `SELECT seq, chain_hash FROM audit_log ORDER BY seq DESC LIMIT 1`).Scan(&h.Seq, &h.ChainHash)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.AuditHead{}, nil
	}
	return h, err
}

// Append locks the table against concurrent writers, reads the head and
// inserts the built entry in one transaction. Readers are not blocked.
func (r *AuditRepo) Append(ctx context.Context, build repository.AuditBuildFunc) (e model.AuditEntry, err error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return model.AuditEntry{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			e = model.AuditEntry{}
			return
		}
		if cerr := tx.Commit(ctx); cerr != nil {
			e, err = model.AuditEntry{}, cerr
		}
	}()

	if _, err = tx.Exec(ctx, `LOCK TABLE audit_log IN EXCLUSIVE MODE`); err != nil {
		return
	}
	h, err := head(ctx, tx)
	if err != nil {
		return
	}
	e, err = build(h)
	if err != nil {
		return
	}
	var actor uuid.NullUUID
	if e.ActorID != nil {
		actor = uuid.NullUUID{UUID: *e.ActorID, Valid: true}
	}

	const q = `INSERT INTO audit_log (` + auditColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err = tx.Exec(ctx, q, e.Seq, e.Timestamp, string(e.EventType), actor, e.ResourceType, e.ResourceID,
		e.Success, e.Details, e.ContentHash, e.PrevHash, e.ChainHash)
	if isUniqueViolation(err) {
		err = errs.ErrAlreadyExists
	}
	return
}

// Head returns the latest chain position.
func (r *AuditRepo) Head(ctx context.Context) (model.AuditHead, error) {
	return head(ctx, r.db.Pool)
}

// corruptOr marks a failure to decode a column after seq as a corrupt row.
// pgx assigns destinations in column order, so seq is already set then.
func corruptOr(seq int64, err error) error {
	var sae pgx.ScanArgError
	if errors.As(err, &sae) && sae.ColumnIndex > 0 {
		return &errs.CorruptEntryError{Seq: seq, Err: err}
	}
	return err
}

func scanEntry(row pgx.Row) (model.AuditEntry, error) {
	var (
		e     model.AuditEntry
		event string
		actor uuid.NullUUID
	)
	if err := row.Scan(&e.Seq, &e.Timestamp, &event, &actor, &e.ResourceType, &e.ResourceID, &e.Success,
		&e.Details, &e.ContentHash, &e.PrevHash, &e.ChainHash); err != nil {
		return model.AuditEntry{}, corruptOr(e.Seq, err)
	}
	if e.Details == nil {
		return model.AuditEntry{}, &errs.CorruptEntryError{Seq: e.Seq, Err: errors.New("details: not an object")}
	}
	e.Timestamp = e.Timestamp.UTC()
	e.EventType = model.EventType(event)
	if actor.Valid {
		id := actor.UUID
		e.ActorID = &id
	}
	return e, nil
}

// Get selects one entry by sequence number.
func (r *AuditRepo) Get(ctx context.Context, seq int64) (*model.AuditEntry, error) {
	e, err := scanEntry(r.db.Pool.QueryRow(ctx, `SELECT `+auditColumns+` FROM audit_log WHERE seq=$1`, seq))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// Range selects entries with from <= seq <= to in ascending order.
func (r *AuditRepo) Range(ctx context.Context, from, to int64) ([]model.AuditEntry, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT `+auditColumns+` FROM audit_log WHERE seq BETWEEN $1 AND $2 ORDER BY seq`, from, to)
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
