package service

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/trustcore/internal/audit"
	pkgcrypto "github.com/and161185/trustcore/internal/crypto"
	"github.com/and161185/trustcore/internal/limiter"
	"github.com/and161185/trustcore/internal/migrate"
	"github.com/and161185/trustcore/internal/model"
	sqliterepo "github.com/and161185/trustcore/internal/repository/sqlite"
)

const goodPassword = "Correct-Horse9"

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock { return &clock{t: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fastHasher keeps tests quick; TestLogin_UniformTiming uses Argon2.
type fastHasher struct{}

func (fastHasher) Hash(pw string) ([]byte, []byte, error) {
	salt, err := pkgcrypto.RandBytes(pkgcrypto.SaltLen)
	if err != nil {
		return nil, nil, err
	}
	sum := sha256.Sum256(append(append([]byte(nil), salt...), pw...))
	return sum[:], salt, nil
}

func (fastHasher) Verify(pw string, hash, salt []byte) bool {
	sum := sha256.Sum256(append(append([]byte(nil), salt...), pw...))
	return subtle.ConstantTimeCompare(sum[:], hash) == 1
}

// flakyAuditor fails appends of the listed event types.
type flakyAuditor struct {
	next Auditor
	fail map[model.EventType]bool
}

var errAuditDown = errors.New("audit store down")

func (f *flakyAuditor) Append(ctx context.Context, in audit.Input) (model.AuditEntry, error) {
	if f.fail[in.EventType] {
		return model.AuditEntry{}, errAuditDown
	}
	return f.next.Append(ctx, in)
}

type env struct {
	db       *sql.DB
	clock    *clock
	log      *audit.Logger
	auditor  *flakyAuditor
	users    *sqliterepo.UserRepo
	sessions *sqliterepo.SessionRepo
	consents *sqliterepo.ConsentRepo
	auth     *AuthServiceImpl
	ledger   *ConsentLedgerImpl
	guard    *Guard
}

type envConfig struct {
	hasher  pkgcrypto.Hasher
	limiter limiter.Limiter
	policy  *limiter.Policy // builds an SQLite limiter on the env database
	opts    []AuthOption
}

func newEnv(t *testing.T, cfg envConfig) *env {
	t.Helper()
	ctx := context.Background()
	db, err := sqliterepo.Open(ctx, sqliterepo.MemoryPath, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, migrate.Up(ctx, migrate.DriverSQLite, db, nil))

	logger := zaptest.NewLogger(t)
	c := newClock()
	e := &env{
		db:       db,
		clock:    c,
		log:      audit.New(sqliterepo.NewAuditRepo(db), logger, audit.WithClock(c.Now)),
		users:    sqliterepo.NewUserRepo(db),
		sessions: sqliterepo.NewSessionRepo(db),
		consents: sqliterepo.NewConsentRepo(db),
	}
	e.auditor = &flakyAuditor{next: e.log, fail: map[model.EventType]bool{}}

	if cfg.policy != nil {
		cfg.limiter = limiter.NewSQLite(db, *cfg.policy)
	}
	if cfg.hasher == nil {
		cfg.hasher = fastHasher{}
	}
	opts := append([]AuthOption{WithClock(c.Now)}, cfg.opts...)
	e.auth, err = NewAuthService(AuthDeps{
		Users:    e.users,
		Sessions: e.sessions,
		Consents: e.consents,
		Hasher:   cfg.hasher,
		Audit:    e.auditor,
		Limiter:  cfg.limiter,
		Log:      logger,
	}, opts...)
	require.NoError(t, err)

	e.ledger = NewConsentLedger(e.consents, e.users, e.auditor, logger, "2025-01")
	e.ledger.now = c.Now
	e.guard = NewGuard(e.auth, e.auditor, logger)
	return e
}

func (e *env) register(t *testing.T, name string) model.PublicUser {
	t.Helper()
	u, err := e.auth.Register(context.Background(), name, goodPassword, name+"@example.org")
	require.NoError(t, err)
	return u
}

func (e *env) login(t *testing.T, name string, remember bool) LoginResult {
	t.Helper()
	res, err := e.auth.Login(context.Background(), LoginRequest{Username: name, Password: goodPassword, RememberMe: remember, Origin: "127.0.0.1"})
	require.NoError(t, err)
	return res
}

// entries returns the whole audit log.
func (e *env) entries(t *testing.T) []model.AuditEntry {
	t.Helper()
	out, err := e.log.Tail(context.Background(), 1<<20)
	require.NoError(t, err)
	return out
}

func (e *env) eventTypes(t *testing.T) []model.EventType {
	t.Helper()
	var out []model.EventType
	for _, en := range e.entries(t) {
		out = append(out, en.EventType)
	}
	return out
}

func (e *env) last(t *testing.T) model.AuditEntry {
	t.Helper()
	all := e.entries(t)
	require.NotEmpty(t, all)
	return all[len(all)-1]
}
