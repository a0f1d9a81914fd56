package audit

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/trustcore/internal/errs"
	"github.com/and161185/trustcore/internal/model"
	"github.com/and161185/trustcore/internal/repository"
)

// memRepo is an in-memory AuditRepository used to tamper with stored rows directly.
type memRepo struct {
	mu        sync.Mutex
	rows      map[int64]model.AuditEntry
	garbled   map[int64]bool // rows the store can no longer decode
	appendErr error
}

func newMemRepo() *memRepo {
	return &memRepo{rows: map[int64]model.AuditEntry{}, garbled: map[int64]bool{}}
}

func (r *memRepo) Append(_ context.Context, build repository.AuditBuildFunc) (model.AuditEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.appendErr != nil {
		return model.AuditEntry{}, r.appendErr
	}
	head := r.headLocked()
	e, err := build(head)
	if err != nil {
		return model.AuditEntry{}, err
	}
	if _, dup := r.rows[e.Seq]; dup {
		return model.AuditEntry{}, errs.ErrAlreadyExists
	}
	r.rows[e.Seq] = e
	return e, nil
}

func (r *memRepo) headLocked() model.AuditHead {
	var h model.AuditHead
	for seq, e := range r.rows {
		if seq > h.Seq {
			h = model.AuditHead{Seq: seq, ChainHash: e.ChainHash}
		}
	}
	return h
}

func (r *memRepo) Head(context.Context) (model.AuditHead, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.headLocked(), nil
}

func (r *memRepo) Get(_ context.Context, seq int64) (*model.AuditEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.rows[seq]
	if !ok {
		return nil, errs.ErrNotFound
	}
	if r.garbled[seq] {
		return nil, &errs.CorruptEntryError{Seq: seq, Err: errors.New("bad column")}
	}
	return &e, nil
}

func (r *memRepo) Range(_ context.Context, from, to int64) ([]model.AuditEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.AuditEntry
	for seq, e := range r.rows {
		if seq >= from && seq <= to {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	for _, e := range out {
		if r.garbled[e.Seq] {
			return nil, &errs.CorruptEntryError{Seq: e.Seq, Err: errors.New("bad column")}
		}
	}
	return out, nil
}

func (r *memRepo) garble(seq int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.garbled[seq] = true
}

func (r *memRepo) mutate(seq int64, f func(*model.AuditEntry)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.rows[seq]
	f(&e)
	r.rows[seq] = e
}

func (r *memRepo) remove(seq int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rows, seq)
}

func fixedClock() func() time.Time {
	t := time.Date(2025, 3, 1, 12, 0, 0, 123456789, time.UTC)
	return func() time.Time { return t }
}

func appendFive(t *testing.T, l *Logger) {
	t.Helper()
	actor := uuid.Must(uuid.NewV4())
	for i := 1; i <= 5; i++ {
		_, err := l.Append(context.Background(), Input{
			EventType:    model.EventUserLogin,
			ActorID:      &actor,
			ResourceType: "user",
			ResourceID:   actor.String(),
			Success:      true,
			Details:      map[string]string{"n": strconv.Itoa(i)},
		})
		require.NoError(t, err)
	}
}

func TestAppend_ChainsEntries(t *testing.T) {
	t.Parallel()

	repo := newMemRepo()
	l := New(repo, zaptest.NewLogger(t), WithClock(fixedClock()))

	e1, err := l.Append(context.Background(), Input{EventType: model.EventUserRegister, Success: true})
	require.NoError(t, err)
	e2, err := l.Append(context.Background(), Input{EventType: model.EventUserLogin, Success: false, Details: map[string]string{"reason": "not found"}})
	require.NoError(t, err)

	assert.Equal(t, int64(1), e1.Seq)
	assert.Equal(t, Genesis, e1.PrevHash)
	assert.Equal(t, ContentHash(e1), e1.ContentHash)
	assert.Equal(t, ChainHash(e1.ContentHash, Genesis), e1.ChainHash)

	assert.Equal(t, int64(2), e2.Seq)
	assert.Equal(t, e1.ChainHash, e2.PrevHash)
	assert.Equal(t, time.UTC, e2.Timestamp.Location())
	assert.Equal(t, 123456000, e2.Timestamp.Nanosecond())

	head, err := l.Head(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.AuditHead{Seq: 2, ChainHash: e2.ChainHash}, head)
}

func TestAppend_RejectsUnknownEvent(t *testing.T) {
	t.Parallel()

	repo := newMemRepo()
	l := New(repo, nil)
	_, err := l.Append(context.Background(), Input{EventType: "user.teleported"})
	require.ErrorIs(t, err, errs.ErrValidation)
	assert.Empty(t, repo.rows)
}

func TestAppend_StorageFailureIsReturned(t *testing.T) {
	t.Parallel()

	repo := newMemRepo()
	repo.appendErr = errors.New("disk full")
	_, err := New(repo, nil).Append(context.Background(), Input{EventType: model.EventUserLogout})
	require.Error(t, err)
}

func TestAppend_CopiesCallerDetails(t *testing.T) {
	t.Parallel()

	repo := newMemRepo()
	l := New(repo, nil)
	d := map[string]string{"k": "v"}
	_, err := l.Append(context.Background(), Input{EventType: model.EventUserLogout, Details: d})
	require.NoError(t, err)
	d["k"] = "changed"

	_, err = l.VerifyChain(context.Background(), 1, 0)
	require.NoError(t, err)
}

func TestAppend_ConcurrentCallersKeepChainLinear(t *testing.T) {
	t.Parallel()

	repo := newMemRepo()
	l := New(repo, nil)

	const n = 64
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Append(context.Background(), Input{EventType: model.EventAuthzDenied})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	rep, err := l.VerifyChain(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.Equal(t, n, rep.Checked)

	seen := map[string]bool{}
	for _, e := range repo.rows {
		require.False(t, seen[e.PrevHash], "two entries share a predecessor")
		seen[e.PrevHash] = true
	}
}

func TestContentHash_Deterministic(t *testing.T) {
	t.Parallel()

	ts := time.Date(2025, 1, 2, 3, 4, 5, 6000, time.FixedZone("X", 3600))
	a := model.AuditEntry{Seq: 7, Timestamp: ts, EventType: model.EventConsentGranted, Details: map[string]string{"b": "2", "a": "1"}}
	b := a
	b.Timestamp = ts.UTC()
	b.Details = map[string]string{"a": "1", "b": "2"}
	assert.Equal(t, ContentHash(a), ContentHash(b))

	c := a
	c.Details = nil
	d := a
	d.Details = map[string]string{}
	assert.Equal(t, ContentHash(c), ContentHash(d))

	e := a
	e.Success = true
	assert.NotEqual(t, ContentHash(a), ContentHash(e))
}

func TestVerifyChain_EmptyLog(t *testing.T) {
	t.Parallel()

	rep, err := New(newMemRepo(), nil).VerifyChain(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Checked)
	assert.Equal(t, Genesis, rep.HeadHash)
}

func TestVerifyChain_Intact(t *testing.T) {
	t.Parallel()

	repo := newMemRepo()
	l := New(repo, nil)
	appendFive(t, l)

	rep, err := l.VerifyChain(context.Background(), 1, 5)
	require.NoError(t, err)
	assert.Equal(t, Report{From: 1, To: 5, Checked: 5, HeadHash: repo.rows[5].ChainHash}, rep)

	// a sub-range anchors on its predecessor
	rep, err = l.VerifyChain(context.Background(), 3, 4)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Checked)
}

func TestVerifyChain_DetectsTamper(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		tamper func(r *memRepo)
		atSeq  int64
	}{
		{"details edited", func(r *memRepo) { r.mutate(3, func(e *model.AuditEntry) { e.Details["n"] = "x" }) }, 3},
		{"success flipped", func(r *memRepo) { r.mutate(3, func(e *model.AuditEntry) { e.Success = false }) }, 3},
		{"actor cleared", func(r *memRepo) { r.mutate(3, func(e *model.AuditEntry) { e.ActorID = nil }) }, 3},
		{"timestamp moved", func(r *memRepo) { r.mutate(3, func(e *model.AuditEntry) { e.Timestamp = e.Timestamp.Add(time.Second) }) }, 3},
		{"event renamed", func(r *memRepo) { r.mutate(3, func(e *model.AuditEntry) { e.EventType = model.EventUserLogout }) }, 3},
		{"content rehashed", func(r *memRepo) {
			r.mutate(3, func(e *model.AuditEntry) {
				e.ResourceID = "other"
				e.ContentHash = ContentHash(*e)
			})
		}, 3},
		{"prev hash edited", func(r *memRepo) { r.mutate(3, func(e *model.AuditEntry) { e.PrevHash = Genesis }) }, 3},
		{"chain hash edited", func(r *memRepo) { r.mutate(3, func(e *model.AuditEntry) { e.ChainHash = Genesis }) }, 3},
		{"entry deleted", func(r *memRepo) { r.remove(3) }, 4},
		{"last entry deleted with explicit range", func(r *memRepo) { r.remove(5) }, 5},
		{"row undecodable", func(r *memRepo) { r.garble(3) }, 3},
		{"edit before undecodable row", func(r *memRepo) {
			r.mutate(2, func(e *model.AuditEntry) { e.ResourceType = "x" })
			r.garble(4)
		}, 2},
		{"resource id made invalid utf-8", func(r *memRepo) { r.mutate(3, func(e *model.AuditEntry) { e.ResourceID += "\xff" }) }, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			repo := newMemRepo()
			l := New(repo, nil)
			appendFive(t, l)
			tt.tamper(repo)

			_, err := l.VerifyChain(context.Background(), 1, 5)
			require.ErrorIs(t, err, errs.ErrTamperDetected)
			var te *errs.TamperError
			require.ErrorAs(t, err, &te)
			assert.Equal(t, tt.atSeq, te.AtSeq)

			// the incident itself is recorded at the head
			h, err := repo.Head(context.Background())
			require.NoError(t, err)
			incident := repo.rows[h.Seq]
			assert.Equal(t, model.EventAuditTamper, incident.EventType)
			assert.Equal(t, strconv.FormatInt(tt.atSeq, 10), incident.ResourceID)
			assert.False(t, incident.Success)
		})
	}
}

func TestVerifyChain_MissingAnchor(t *testing.T) {
	t.Parallel()

	repo := newMemRepo()
	l := New(repo, nil)
	appendFive(t, l)
	repo.remove(2)

	_, err := l.VerifyChain(context.Background(), 3, 5)
	var te *errs.TamperError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, int64(3), te.AtSeq)
}

func TestVerifyChain_UndecodableAnchor(t *testing.T) {
	t.Parallel()

	repo := newMemRepo()
	l := New(repo, nil)
	appendFive(t, l)
	repo.garble(2)

	_, err := l.VerifyChain(context.Background(), 3, 5)
	var te *errs.TamperError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, int64(2), te.AtSeq)
	assert.Equal(t, "undecodable row", te.Reason)
}

func TestAppend_RejectsInvalidUTF8(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		in    Input
		field string
	}{
		{"resource type", Input{ResourceType: "us\xffer"}, "resource_type"},
		{"resource id", Input{ResourceID: "x\xff"}, "resource_id"},
		{"details value", Input{Details: map[string]string{"reason": "\xfe"}}, "details"},
		{"details key", Input{Details: map[string]string{"\xfe": "v"}}, "details"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			repo := newMemRepo()
			tt.in.EventType = model.EventUserLoginFailed
			_, err := New(repo, nil).Append(context.Background(), tt.in)
			var ve *errs.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, []errs.Violation{{Field: tt.field, Rule: errs.RuleInvalidUTF8}}, ve.Violations)
			assert.Empty(t, repo.rows)
		})
	}
}

// Invalid bytes and U+FFFD encode to the same JSON, so the content hash alone
// cannot tell them apart.
func TestVerifyChain_ReplacementCharacterSwap(t *testing.T) {
	t.Parallel()

	repo := newMemRepo()
	l := New(repo, nil)
	_, err := l.Append(context.Background(), Input{
		EventType:  model.EventUserLoginFailed,
		ResourceID: "x\uFFFD",
		Details:    map[string]string{"reason": "\uFFFD"},
	})
	require.NoError(t, err)

	stored := repo.rows[1]
	swapped := stored
	swapped.ResourceID = "x\xff"
	swapped.Details = map[string]string{"reason": "\xfe"}
	require.Equal(t, ContentHash(stored), ContentHash(swapped))

	repo.mutate(1, func(e *model.AuditEntry) { *e = swapped })
	_, err = l.VerifyChain(context.Background(), 1, 1)
	var te *errs.TamperError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, int64(1), te.AtSeq)
	assert.Equal(t, "invalid utf-8", te.Reason)
}

func TestVerifyChain_IncidentAppendFailureIsJoined(t *testing.T) {
	t.Parallel()

	repo := newMemRepo()
	l := New(repo, nil)
	appendFive(t, l)
	repo.mutate(2, func(e *model.AuditEntry) { e.ResourceType = "x" })
	repo.appendErr = errors.New("read-only")

	_, err := l.VerifyChain(context.Background(), 0, 0)
	require.ErrorIs(t, err, errs.ErrTamperDetected)
	require.ErrorContains(t, err, "read-only")
}

func TestVerifyChain_BadRange(t *testing.T) {
	t.Parallel()

	l := New(newMemRepo(), nil)
	appendFive(t, l)
	_, err := l.VerifyChain(context.Background(), 4, 2)
	require.ErrorIs(t, err, errs.ErrValidation)
}

func TestTail(t *testing.T) {
	t.Parallel()

	l := New(newMemRepo(), nil)
	appendFive(t, l)

	got, err := l.Tail(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(4), got[0].Seq)
	assert.Equal(t, int64(5), got[1].Seq)

	got, err = l.Tail(context.Background(), 50)
	require.NoError(t, err)
	assert.Len(t, got, 5)
}
