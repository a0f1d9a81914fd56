// Package audit maintains the append-only, hash-chained audit log.
//
// Each entry stores ContentHash = SHA256(canonical fields) and
// ChainHash = SHA256(ContentHash || PrevHash), where PrevHash is the chain
// hash of the preceding entry (Genesis for the first one). Recomputing the
// chain from stored fields detects any alteration or removal.
package audit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/trustcore/internal/errs"
	"github.com/and161185/trustcore/internal/model"
	"github.com/and161185/trustcore/internal/repository"
)

// Input is the caller-supplied part of an entry.
type Input struct {
	EventType    model.EventType
	ActorID      *uuid.UUID
	ResourceType string
	ResourceID   string
	Success      bool
	Details      map[string]string
}

// Report summarizes a successful verification.
type Report struct {
	From     int64
	To       int64
	Checked  int
	HeadHash string
}

// Logger appends and verifies audit entries.
type Logger struct {
	repo repository.AuditRepository
	log  *zap.Logger
	now  func() time.Time

	mu sync.Mutex // serializes read-head/insert within the process
}

// Option configures a Logger.
type Option func(*Logger)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(l *Logger) { l.now = now } }

// New constructs a Logger over the given repository.
func New(repo repository.AuditRepository, log *zap.Logger, opts ...Option) *Logger {
	if log == nil {
		log = zap.NewNop()
	}
	l := &Logger{repo: repo, log: log, now: time.Now}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Append stores a new entry chained to the current head. An error means
// nothing was recorded and the triggering operation must fail.
func (l *Logger) Append(ctx context.Context, in Input) (model.AuditEntry, error) {
	if !in.EventType.Valid() {
		return model.AuditEntry{}, errs.NewValidation("event_type", errs.RuleUnknownEvent)
	}
	if field := invalidUTF8(in.ResourceType, in.ResourceID, in.Details); field != "" {
		return model.AuditEntry{}, errs.NewValidation(field, errs.RuleInvalidUTF8)
	}
	details := make(map[string]string, len(in.Details))
	for k, v := range in.Details {
		details[k] = v
	}
	var actor *uuid.UUID
	if in.ActorID != nil {
		id := *in.ActorID
		actor = &id
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e, err := l.repo.Append(ctx, func(head model.AuditHead) (model.AuditEntry, error) {
		prev := head.ChainHash
		if head.Seq == 0 || prev == "" {
			prev = Genesis
		}
		e := model.AuditEntry{
			Seq:          head.Seq + 1,
			Timestamp:    NormalizeTime(l.now()),
			EventType:    in.EventType,
			ActorID:      actor,
			ResourceType: in.ResourceType,
			ResourceID:   in.ResourceID,
			Success:      in.Success,
			Details:      details,
			PrevHash:     prev,
		}
		e.ContentHash = ContentHash(e)
		e.ChainHash = ChainHash(e.ContentHash, e.PrevHash)
		return e, nil
	})
	if err != nil {
		l.log.Error("audit append failed", zap.String("event", string(in.EventType)), zap.Error(err))
		return model.AuditEntry{}, fmt.Errorf("audit append: %w", err)
	}
	l.log.Debug("audit appended", zap.Int64("seq", e.Seq), zap.String("event", string(e.EventType)))
	return e, nil
}

// Head returns the current chain head.
func (l *Logger) Head(ctx context.Context) (model.AuditHead, error) {
	h, err := l.repo.Head(ctx)
	if err != nil {
		return model.AuditHead{}, err
	}
	if h.Seq == 0 {
		h.ChainHash = Genesis
	}
	return h, nil
}

// Tail returns up to n most recent entries, oldest first.
func (l *Logger) Tail(ctx context.Context, n int64) ([]model.AuditEntry, error) {
	h, err := l.repo.Head(ctx)
	if err != nil {
		return nil, err
	}
	from := h.Seq - n + 1
	if from < 1 {
		from = 1
	}
	return l.repo.Range(ctx, from, h.Seq)
}

// VerifyChain recomputes entries from..to (to <= 0 means the head). The first
// mismatch is returned as *errs.TamperError and recorded as an incident entry.
func (l *Logger) VerifyChain(ctx context.Context, from, to int64) (Report, error) {
	rep, err := l.verify(ctx, from, to)
	var te *errs.TamperError
	if errors.As(err, &te) {
		l.log.Error("audit chain tamper detected", zap.Int64("at_seq", te.AtSeq), zap.String("reason", te.Reason))
		_, aerr := l.Append(ctx, Input{
			EventType:    model.EventAuditTamper,
			ResourceType: "audit_log",
			ResourceID:   strconv.FormatInt(te.AtSeq, 10),
			Success:      false,
			Details:      map[string]string{"reason": te.Reason},
		})
		if aerr != nil {
			return rep, errors.Join(err, aerr)
		}
	}
	return rep, err
}

func (l *Logger) verify(ctx context.Context, from, to int64) (Report, error) {
	if from < 1 {
		from = 1
	}
	if to <= 0 {
		h, err := l.repo.Head(ctx)
		if err != nil {
			return Report{}, err
		}
		to = h.Seq
		if to == 0 {
			return Report{From: from, To: 0, HeadHash: Genesis}, nil
		}
	}
	if from > to {
		return Report{}, errs.NewValidation("range", errs.RuleRange)
	}

	expectedPrev := Genesis
	if from > 1 {
		anchor, err := l.repo.Get(ctx, from-1)
		var ce *errs.CorruptEntryError
		switch {
		case errors.Is(err, errs.ErrNotFound):
			return Report{}, &errs.TamperError{AtSeq: from, Reason: "missing predecessor"}
		case errors.As(err, &ce):
			return Report{}, &errs.TamperError{AtSeq: ce.Seq, Reason: "undecodable row"}
		case err != nil:
			return Report{}, err
		}
		expectedPrev = anchor.ChainHash
	}

	entries, err := l.repo.Range(ctx, from, to)
	var ce *errs.CorruptEntryError
	if errors.As(err, &ce) {
		// an earlier break in the range takes precedence
		if ce.Seq > from {
			if _, err := l.verify(ctx, from, ce.Seq-1); err != nil {
				return Report{}, err
			}
		}
		return Report{}, &errs.TamperError{AtSeq: ce.Seq, Reason: "undecodable row"}
	}
	if err != nil {
		return Report{}, err
	}

	expectedSeq := from
	for _, e := range entries {
		// the hash encoding folds invalid bytes into U+FFFD; Append never stores them
		if field := invalidUTF8(e.ResourceType, e.ResourceID, e.Details); field != "" || !utf8.ValidString(string(e.EventType)) {
			return Report{}, &errs.TamperError{AtSeq: e.Seq, Reason: "invalid utf-8"}
		}
		content := ContentHash(e)
		if content != e.ContentHash {
			return Report{}, &errs.TamperError{AtSeq: e.Seq, Reason: "content hash mismatch"}
		}
		if e.PrevHash != expectedPrev {
			return Report{}, &errs.TamperError{AtSeq: e.Seq, Reason: "predecessor hash mismatch"}
		}
		if e.Seq != expectedSeq {
			return Report{}, &errs.TamperError{AtSeq: expectedSeq, Reason: "missing entry"}
		}
		chain := ChainHash(content, e.PrevHash)
		if chain != e.ChainHash {
			return Report{}, &errs.TamperError{AtSeq: e.Seq, Reason: "chain hash mismatch"}
		}
		expectedPrev = chain
		expectedSeq++
	}
	if expectedSeq <= to {
		return Report{}, &errs.TamperError{AtSeq: expectedSeq, Reason: "missing entry"}
	}
	return Report{From: from, To: to, Checked: len(entries), HeadHash: expectedPrev}, nil
}

// invalidUTF8 names the first field that is not valid UTF-8, or returns "".
func invalidUTF8(resourceType, resourceID string, details map[string]string) string {
	switch {
	case !utf8.ValidString(resourceType):
		return "resource_type"
	case !utf8.ValidString(resourceID):
		return "resource_id"
	}
	for k, v := range details {
		if !utf8.ValidString(k) || !utf8.ValidString(v) {
			return "details"
		}
	}
	return ""
}
