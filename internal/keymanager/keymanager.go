// Package keymanager loads, validates and holds the at-rest master key.
//
// The key is looked up in the secure store first, then in the bootstrap
// locations (environment variable, file), and generated only when it exists
// nowhere. A bootstrap key is migrated into the secure store and removed from
// its bootstrap location. Every candidate must be exactly 32 bytes and pass a
// cipher round trip before it is accepted.
package keymanager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/awnumar/memguard"
	"go.uber.org/zap"

	pkgcrypto "github.com/and161185/trustcore/internal/crypto"
	"github.com/and161185/trustcore/internal/crypto/fieldcrypt"
	"github.com/and161185/trustcore/internal/errs"
)

// DefaultEnvVar carries a base64 bootstrap key.
const DefaultEnvVar = "TRUSTCORE_MASTER_KEY"

// Source names where the key came from.
type Source string

const (
	SourceStore     Source = "secure_store"
	SourceEnv       Source = "bootstrap_env"
	SourceFile      Source = "bootstrap_file"
	SourceGenerated Source = "generated"
)

// Bootstrap locations consulted when the secure store is empty.
type Bootstrap struct {
	EnvVar   string
	FilePath string
}

// Key is the validated master key sealed in an encrypted enclave.
type Key struct {
	enclave *memguard.Enclave
	source  Source
}

// String never reveals key material.
func (k *Key) String() string { return "Key(redacted)" }

// Source reports where the key was loaded from.
func (k *Key) Source() Source { return k.source }

// NewCipher opens the enclave just long enough to build a field cipher.
func (k *Key) NewCipher(opts ...fieldcrypt.Option) (*fieldcrypt.Cipher, error) {
	buf, err := k.enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: open enclave: %v", errs.ErrKeyUnavailable, err)
	}
	defer buf.Destroy()
	return fieldcrypt.New(buf.Bytes(), opts...)
}

// Manager resolves the master key once per process.
type Manager struct {
	store      SecretStore
	boot       Bootstrap
	log        *zap.Logger
	cipherOpts []fieldcrypt.Option

	once sync.Once
	key  *Key
	err  error
}

// New constructs a Manager. cipherOpts are used for the self-test.
func New(store SecretStore, boot Bootstrap, log *zap.Logger, cipherOpts ...fieldcrypt.Option) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{store: store, boot: boot, log: log, cipherOpts: cipherOpts}
}

// LoadOrCreate returns the master key, resolving it on the first call.
// Any failure wraps errs.ErrKeyUnavailable and is cached: the process must not
// serve data-touching requests.
func (m *Manager) LoadOrCreate(ctx context.Context) (*Key, error) {
	m.once.Do(func() {
		m.key, m.err = m.load(ctx)
		if m.err != nil {
			m.log.Error("master key unavailable", zap.Error(m.err))
		}
	})
	return m.key, m.err
}

func (m *Manager) load(ctx context.Context) (*Key, error) {
	raw, src, cleanup, err := m.resolve(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrKeyUnavailable, err)
	}
	defer memguard.WipeBytes(raw)

	if len(raw) != fieldcrypt.KeySize {
		return nil, fmt.Errorf("%w: key must be %d bytes, got %d", errs.ErrKeyUnavailable, fieldcrypt.KeySize, len(raw))
	}
	c, err := fieldcrypt.New(raw, m.cipherOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrKeyUnavailable, err)
	}
	if err := c.SelfTest(); err != nil {
		return nil, err
	}

	if src != SourceStore {
		if err := m.store.Put(ctx, raw); err != nil {
			return nil, fmt.Errorf("%w: persist key: %v", errs.ErrKeyUnavailable, err)
		}
		if cleanup != nil {
			if err := cleanup(); err != nil {
				m.log.Warn("bootstrap key not removed", zap.String("source", string(src)), zap.Error(err))
			}
		}
	}

	sealed := append([]byte(nil), raw...)
	m.log.Info("master key loaded", zap.String("source", string(src)))
	return &Key{enclave: memguard.NewEnclave(sealed), source: src}, nil
}

// resolve finds a key candidate and, for bootstrap sources, the function that
// removes it from its bootstrap location once it is safely stored.
func (m *Manager) resolve(ctx context.Context) ([]byte, Source, func() error, error) {
	raw, err := m.store.Get(ctx)
	switch {
	case err == nil:
		return raw, SourceStore, nil, nil
	case !errors.Is(err, errs.ErrNotFound):
		return nil, "", nil, fmt.Errorf("secure store: %w", err)
	}

	if m.boot.EnvVar != "" {
		if v, ok := os.LookupEnv(m.boot.EnvVar); ok && strings.TrimSpace(v) != "" {
			raw, err := decodeKey(v)
			if err != nil {
				return nil, "", nil, fmt.Errorf("bootstrap env: %w", err)
			}
			env := m.boot.EnvVar
			return raw, SourceEnv, func() error { return os.Unsetenv(env) }, nil
		}
	}

	if m.boot.FilePath != "" {
		b, err := os.ReadFile(m.boot.FilePath)
		switch {
		case err == nil:
			raw, err := decodeKey(string(b))
			if err != nil {
				return nil, "", nil, fmt.Errorf("bootstrap file: %w", err)
			}
			path := m.boot.FilePath
			return raw, SourceFile, func() error { return os.Remove(path) }, nil
		case !errors.Is(err, os.ErrNotExist):
			return nil, "", nil, fmt.Errorf("bootstrap file: %w", err)
		}
	}

	raw, err = pkgcrypto.RandBytes(fieldcrypt.KeySize)
	if err != nil {
		return nil, "", nil, fmt.Errorf("generate key: %w", err)
	}
	return raw, SourceGenerated, nil, nil
}
