// Package badgerkv keeps sessions in an embedded Badger key-value store.
//
// Keys:
//
//	sess:<id>            JSON session record
//	user:<uuid>:<id>     empty marker used by DeleteByUser
//
// Every key carries a Badger TTL of expiry plus Grace, so storage reclaims
// itself even if no sweep runs. Liveness is still decided by the caller from
// ExpiresAt; Grace keeps expired records readable long enough for that check.
package badgerkv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/trustcore/internal/errs"
	"github.com/and161185/trustcore/internal/model"
)

const (
	prefixSession = "sess:"
	prefixUser    = "user:"

	// DefaultGrace is how long an expired session stays readable.
	DefaultGrace = time.Hour

	maxConflictRetries = 5
)

// SessionStore implements repository.SessionRepository on Badger.
type SessionStore struct {
	db    *badger.DB
	grace time.Duration
	now   func() time.Time
}

// Option configures a SessionStore.
type Option func(*SessionStore)

// WithGrace overrides DefaultGrace.
func WithGrace(d time.Duration) Option { return func(s *SessionStore) { s.grace = d } }

// WithClock overrides the time source used to compute TTLs.
func WithClock(now func() time.Time) Option { return func(s *SessionStore) { s.now = now } }

// Open opens (or creates) a Badger database in dir. An empty dir keeps it in memory.
func Open(dir string, log *zap.Logger) (*badger.DB, error) {
	opts := badger.DefaultOptions(dir).WithLogger(badgerLogger{log: zapOrNop(log).Sugar()})
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return db, nil
}

// New wraps an open Badger database.
func New(db *badger.DB, opts ...Option) *SessionStore {
	s := &SessionStore{db: db, grace: DefaultGrace, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

type record struct {
	ID        string    `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Origin    string    `json:"origin,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
}

func sessionKey(id string) []byte { return []byte(prefixSession + id) }

func userKey(uid uuid.UUID, id string) []byte { return []byte(prefixUser + uid.String() + ":" + id) }

func userPrefix(uid uuid.UUID) []byte { return []byte(prefixUser + uid.String() + ":") }

// update runs fn in a read-write transaction, retrying on conflicts with
// concurrent writers touching the same keys.
func (s *SessionStore) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	for i := 0; ; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.db.Update(fn)
		if errors.Is(err, badger.ErrConflict) && i < maxConflictRetries {
			continue
		}
		return err
	}
}

// Create stores a new session.
func (s *SessionStore) Create(ctx context.Context, sess *model.Session) error {
	data, err := json.Marshal(record(*sess))
	if err != nil {
		return fmt.Errorf("serialize session: %w", err)
	}
	ttl := sess.ExpiresAt.Sub(s.now()) + s.grace
	if ttl <= 0 {
		ttl = time.Second
	}
	return s.update(ctx, func(txn *badger.Txn) error {
		_, err := txn.Get(sessionKey(sess.ID))
		switch {
		case err == nil:
			return errs.ErrAlreadyExists
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		if err := txn.SetEntry(badger.NewEntry(sessionKey(sess.ID), data).WithTTL(ttl)); err != nil {
			return err
		}
		return txn.SetEntry(badger.NewEntry(userKey(sess.UserID, sess.ID), nil).WithTTL(ttl))
	})
}

func readSession(txn *badger.Txn, id string) (*model.Session, error) {
	item, err := txn.Get(sessionKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var r record
	if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &r) }); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	sess := model.Session(r)
	return &sess, nil
}

// FindByID loads a session.
func (s *SessionStore) FindByID(ctx context.Context, id string) (*model.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out *model.Session
	err := s.db.View(func(txn *badger.Txn) error {
		sess, err := readSession(txn, id)
		out = sess
		return err
	})
	return out, err
}

// Delete removes the session; a missing id is not an error.
func (s *SessionStore) Delete(ctx context.Context, id string) (bool, error) {
	var found bool
	err := s.update(ctx, func(txn *badger.Txn) error {
		found = false
		sess, err := readSession(txn, id)
		if errors.Is(err, errs.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		if err := txn.Delete(sessionKey(id)); err != nil {
			return err
		}
		return txn.Delete(userKey(sess.UserID, id))
	})
	return found, err
}

// DeleteByUser removes every session of a user.
func (s *SessionStore) DeleteByUser(ctx context.Context, userID uuid.UUID) (int64, error) {
	var n int64
	err := s.update(ctx, func(txn *badger.Txn) error {
		n = 0
		prefix := userPrefix(userID)
		var ids []string
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		for it.Rewind(); it.Valid(); it.Next() {
			ids = append(ids, string(it.Item().Key()[len(prefix):]))
		}
		it.Close()

		for _, id := range ids {
			if err := txn.Delete(sessionKey(id)); err != nil {
				return err
			}
			if err := txn.Delete(userKey(userID, id)); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}

// DeleteExpired removes sessions whose expiry is not after before.
func (s *SessionStore) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	var n int64
	err := s.update(ctx, func(txn *badger.Txn) error {
		n = 0
		var expired []model.Session
		prefix := []byte(prefixSession)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var r record
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &r) }); err != nil {
				it.Close()
				return fmt.Errorf("decode session: %w", err)
			}
			if !r.ExpiresAt.After(before) {
				expired = append(expired, model.Session(r))
			}
		}
		it.Close()

		for _, sess := range expired {
			if err := txn.Delete(sessionKey(sess.ID)); err != nil {
				return err
			}
			if err := txn.Delete(userKey(sess.UserID, sess.ID)); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}
