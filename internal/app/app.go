// Package app assembles storage, the master key and the Trust Core services
// from a resolved configuration. cmd/server and cmd/trustctl share it.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/and161185/trustcore/internal/audit"
	"github.com/and161185/trustcore/internal/config"
	pkgcrypto "github.com/and161185/trustcore/internal/crypto"
	"github.com/and161185/trustcore/internal/crypto/fieldcrypt"
	"github.com/and161185/trustcore/internal/keymanager"
	"github.com/and161185/trustcore/internal/limiter"
	"github.com/and161185/trustcore/internal/migrate"
	"github.com/and161185/trustcore/internal/model"
	"github.com/and161185/trustcore/internal/repository"
	"github.com/and161185/trustcore/internal/repository/badgerkv"
	"github.com/and161185/trustcore/internal/repository/postgres"
	sqliterepo "github.com/and161185/trustcore/internal/repository/sqlite"
	"github.com/and161185/trustcore/internal/service"
)

// Storage bundles the repositories of one backend.
type Storage struct {
	Driver   string
	SQL      *sql.DB
	Users    repository.UserRepository
	Sessions repository.SessionRepository
	Consents repository.ConsentRepository
	Audit    repository.AuditRepository
	Limiter  limiter.Limiter

	closers []func() error
}

// OpenStorage connects to the configured backend and applies pending migrations.
func OpenStorage(ctx context.Context, cfg config.Config, log *zap.Logger) (st *Storage, err error) {
	if log == nil {
		log = zap.NewNop()
	}
	st = &Storage{Driver: cfg.Storage.Driver}
	defer func() {
		if err != nil {
			_ = st.Close()
			st = nil
		}
	}()

	policy := limiter.Policy{Window: cfg.Limiter.Window, MaxFails: cfg.Limiter.MaxFails, BlockFor: cfg.Limiter.BlockFor}

	switch cfg.Storage.Driver {
	case config.DriverSQLite:
		db, err := sqliterepo.Open(ctx, cfg.Storage.SQLitePath, 4)
		if err != nil {
			return st, fmt.Errorf("open sqlite: %w", err)
		}
		st.SQL = db
		st.closers = append(st.closers, db.Close)
		if err := migrate.Up(ctx, migrate.DriverSQLite, db, log); err != nil {
			return st, err
		}
		st.Users = sqliterepo.NewUserRepo(db)
		st.Sessions = sqliterepo.NewSessionRepo(db)
		st.Consents = sqliterepo.NewConsentRepo(db)
		st.Audit = sqliterepo.NewAuditRepo(db)
		st.Limiter = limiter.NewSQLite(db, policy)

	case config.DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.Storage.DSN)
		if err != nil {
			return st, fmt.Errorf("pgxpool: %w", err)
		}
		st.closers = append(st.closers, func() error { pool.Close(); return nil })
		db := &postgres.DB{Pool: pool}
		if err := db.Ping(ctx); err != nil {
			return st, fmt.Errorf("ping postgres: %w", err)
		}
		st.SQL = stdlib.OpenDBFromPool(pool)
		st.closers = append(st.closers, st.SQL.Close)
		if err := migrate.Up(ctx, migrate.DriverPostgres, st.SQL, log); err != nil {
			return st, err
		}
		st.Users = postgres.NewUserRepo(db)
		st.Sessions = postgres.NewSessionRepo(db)
		st.Consents = postgres.NewConsentRepo(db)
		st.Audit = postgres.NewAuditRepo(db)
		st.Limiter = limiter.NewPG(pool, policy)

	default:
		return st, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}

	if cfg.Session.Backend == config.SessionsBadger {
		kv, err := badgerkv.Open(cfg.Session.BadgerDir, log)
		if err != nil {
			return st, err
		}
		st.closers = append(st.closers, kv.Close)
		st.Sessions = badgerkv.New(kv)
	}
	return st, nil
}

// SchemaVersion reports the applied migration version.
func (s *Storage) SchemaVersion(ctx context.Context) (int64, error) {
	return migrate.Version(ctx, s.Driver, s.SQL)
}

// Close releases every handle in reverse opening order.
func (s *Storage) Close() error {
	var errList []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errList = append(errList, s.closers[i]())
	}
	s.closers = nil
	return errors.Join(errList...)
}

// SecretStore returns the configured master key store.
func SecretStore(cfg config.Config) keymanager.SecretStore {
	if cfg.Key.Store == config.KeyStoreFile {
		return keymanager.NewFileStore(cfg.Key.File)
	}
	return keymanager.NewKeyringStore(cfg.Key.KeyringService, cfg.Key.KeyringUser)
}

// CipherOptions maps the crypto section onto fieldcrypt options.
func CipherOptions(cfg config.Config, log *zap.Logger) []fieldcrypt.Option {
	return []fieldcrypt.Option{
		fieldcrypt.WithAlgorithm(cfg.Crypto.Algorithm),
		fieldcrypt.WithLegacyReads(cfg.Crypto.LegacyReads),
		fieldcrypt.WithLogger(log),
	}
}

// LoadKey resolves the master key from the secure store or a bootstrap source.
func LoadKey(ctx context.Context, cfg config.Config, store keymanager.SecretStore, log *zap.Logger) (*keymanager.Key, error) {
	boot := keymanager.Bootstrap{EnvVar: keymanager.DefaultEnvVar, FilePath: cfg.Key.BootstrapFile}
	return keymanager.New(store, boot, log, CipherOptions(cfg, log)...).LoadOrCreate(ctx)
}

// Services is the assembled service layer.
type Services struct {
	Audit    *audit.Logger
	Auth     *service.AuthServiceImpl
	Guard    *service.Guard
	Fields   *service.FieldService
	Consents *service.ConsentLedgerImpl
	Sweeper  *service.Sweeper
}

// NewServices wires the services over st. hasher is normally pkgcrypto.NewHasher().
func NewServices(cfg config.Config, st *Storage, cipher service.FieldCipher, hasher pkgcrypto.Hasher, log *zap.Logger) (*Services, error) {
	if log == nil {
		log = zap.NewNop()
	}
	auditLog := audit.New(st.Audit, log)
	auth, err := service.NewAuthService(service.AuthDeps{
		Users:    st.Users,
		Sessions: st.Sessions,
		Consents: st.Consents,
		Hasher:   hasher,
		Audit:    auditLog,
		Limiter:  st.Limiter,
		Log:      log,
	},
		service.WithSessionTTL(cfg.Session.TTL, cfg.Session.RememberTTL),
		service.WithPolicyVersion(cfg.PolicyVersion),
	)
	if err != nil {
		return nil, err
	}
	return &Services{
		Audit:    auditLog,
		Auth:     auth,
		Guard:    service.NewGuard(auth, auditLog, log),
		Fields:   service.NewFieldService(cipher, auditLog, log),
		Consents: service.NewConsentLedger(st.Consents, st.Users, auditLog, log, cfg.PolicyVersion),
		Sweeper:  service.NewSweeper(st.Sessions, cfg.Session.SweepInterval, log),
	}, nil
}

// RecordKeyLoaded writes the key.loaded entry. Key material never reaches the log.
func RecordKeyLoaded(ctx context.Context, a service.Auditor, key *keymanager.Key, alg string) error {
	_, err := a.Append(ctx, audit.Input{
		EventType:    model.EventKeyLoaded,
		ResourceType: "master_key",
		Success:      true,
		Details:      map[string]string{"source": string(key.Source()), "algorithm": alg},
	})
	return err
}
