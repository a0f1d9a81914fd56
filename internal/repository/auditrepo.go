package repository

import (
	"context"

	"github.com/and161185/trustcore/internal/model"
)

// AuditBuildFunc produces the entry to store given the current chain head.
type AuditBuildFunc func(head model.AuditHead) (model.AuditEntry, error)

// AuditRepository is append-only storage for the audit chain.
type AuditRepository interface {
	// Append reads the head and inserts the built entry inside one serialized
	// write transaction, so two entries can never claim the same predecessor.
	Append(ctx context.Context, build AuditBuildFunc) (model.AuditEntry, error)
	// Head returns the latest entry position; an empty log has Seq 0 and an empty hash.
	Head(ctx context.Context) (model.AuditHead, error)
	// Get returns a single entry by sequence number.
	Get(ctx context.Context, seq int64) (*model.AuditEntry, error)
	// Range returns entries with from <= seq <= to in ascending order.
	Range(ctx context.Context, from, to int64) ([]model.AuditEntry, error)
}
