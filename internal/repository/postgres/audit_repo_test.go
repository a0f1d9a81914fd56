package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/and161185/trustcore/internal/errs"
	"github.com/and161185/trustcore/internal/model"
)

var auditCols = []string{"seq", "ts", "event_type", "actor_id", "resource_type", "resource_id", "success", "details", "content_hash", "prev_hash", "chain_hash"}

func TestAuditRepo_Append_EmptyLog(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewAuditRepo(db)
	ts := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec(`LOCK TABLE audit_log IN EXCLUSIVE MODE`).WillReturnResult(pgxmock.NewResult("LOCK TABLE", 0))
	mock.ExpectQuery(`SELECT seq, chain_hash FROM audit_log ORDER BY seq DESC LIMIT 1`).WillReturnError(pgx.ErrNoRows)
	mock.ExpectExec(`INSERT INTO audit_log`).
		WithArgs(int64(1), ts, "user.register", uuid.NullUUID{}, "user", "u1", true, map[string]string{}, "c", "p", "h").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	var seen model.AuditHead
	e, err := r.Append(context.Background(), func(h model.AuditHead) (model.AuditEntry, error) {
		seen = h
		return model.AuditEntry{
			Seq: h.Seq + 1, Timestamp: ts, EventType: model.EventUserRegister, ResourceType: "user", ResourceID: "u1",
			Success: true, Details: map[string]string{}, ContentHash: "c", PrevHash: "p", ChainHash: "h",
		}, nil
	})
	require.NoError(t, err)
	require.Equal(t, model.AuditHead{}, seen)
	require.Equal(t, int64(1), e.Seq)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditRepo_Append_BuildErrorRollsBack(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewAuditRepo(db)

	mock.ExpectBegin()
	mock.ExpectExec(`LOCK TABLE audit_log`).WillReturnResult(pgxmock.NewResult("LOCK TABLE", 0))
	mock.ExpectQuery(`SELECT seq, chain_hash FROM audit_log`).
		WillReturnRows(pgxmock.NewRows([]string{"seq", "chain_hash"}).AddRow(int64(7), "abc"))
	mock.ExpectRollback()

	boom := errors.New("boom")
	_, err := r.Append(context.Background(), func(h model.AuditHead) (model.AuditEntry, error) {
		require.Equal(t, model.AuditHead{Seq: 7, ChainHash: "abc"}, h)
		return model.AuditEntry{}, boom
	})
	require.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditRepo_GetAndRange(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewAuditRepo(db)
	ctx := context.Background()
	actor := uuid.Must(uuid.NewV4())
	ts := time.Now().UTC()

	mock.ExpectQuery(`FROM audit_log WHERE seq=\$1`).
		WithArgs(int64(2)).
		WillReturnRows(pgxmock.NewRows(auditCols).
			AddRow(int64(2), ts, "authz.denied", uuid.NullUUID{UUID: actor, Valid: true}, "case", "c1", false, map[string]string{"reason": "not owner"}, "c", "p", "h"))
	e, err := r.Get(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, model.EventAuthzDenied, e.EventType)
	require.NotNil(t, e.ActorID)
	require.Equal(t, actor, *e.ActorID)
	require.Equal(t, "not owner", e.Details["reason"])

	mock.ExpectQuery(`FROM audit_log WHERE seq=\$1`).WithArgs(int64(9)).WillReturnError(pgx.ErrNoRows)
	_, err = r.Get(ctx, 9)
	require.ErrorIs(t, err, errs.ErrNotFound)

	mock.ExpectQuery(`FROM audit_log WHERE seq BETWEEN \$1 AND \$2 ORDER BY seq`).
		WithArgs(int64(1), int64(2)).
		WillReturnRows(pgxmock.NewRows(auditCols).
			AddRow(int64(1), ts, "user.register", uuid.NullUUID{}, "", "", true, map[string]string{}, "c1", "p1", "h1").
			AddRow(int64(2), ts, "user.login", uuid.NullUUID{}, "", "", true, map[string]string{}, "c2", "h1", "h2"))
	list, err := r.Range(ctx, 1, 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Nil(t, list[0].ActorID)
	require.Equal(t, "h1", list[1].PrevHash)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCorruptOr(t *testing.T) {
	t.Parallel()

	badDetails := pgx.ScanArgError{ColumnIndex: 7, Err: errors.New("cannot scan jsonb array into map")}
	err := corruptOr(3, badDetails)
	var ce *errs.CorruptEntryError
	require.ErrorAs(t, err, &ce)
	require.EqualValues(t, 3, ce.Seq)

	// seq itself failed: nothing to attribute the row to
	badSeq := pgx.ScanArgError{ColumnIndex: 0, Err: errors.New("bad seq")}
	require.False(t, errors.As(corruptOr(0, badSeq), &ce))

	require.ErrorIs(t, corruptOr(3, pgx.ErrNoRows), pgx.ErrNoRows)
}
