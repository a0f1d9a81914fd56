package keymanager

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/zalando/go-keyring"

	"github.com/and161185/trustcore/internal/errs"
)

// SecretStore persists the master key outside the database.
type SecretStore interface {
	// Get returns the stored key or errs.ErrNotFound.
	Get(ctx context.Context) ([]byte, error)
	// Put stores the key, replacing any previous value.
	Put(ctx context.Context, key []byte) error
}

// KeyringStore keeps the key in the OS credential store
// (Keychain, Windows Credential Manager, Secret Service).
type KeyringStore struct {
	Service string
	User    string
}

// NewKeyringStore returns a store addressed by service/user.
func NewKeyringStore(service, user string) *KeyringStore {
	return &KeyringStore{Service: service, User: user}
}

// Get implements SecretStore.
func (s *KeyringStore) Get(context.Context) ([]byte, error) {
	v, err := keyring.Get(s.Service, s.User)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("keyring get: %w", err)
	}
	return decodeKey(v)
}

// Put implements SecretStore.
func (s *KeyringStore) Put(_ context.Context, key []byte) error {
	if err := keyring.Set(s.Service, s.User, base64.StdEncoding.EncodeToString(key)); err != nil {
		return fmt.Errorf("keyring set: %w", err)
	}
	return nil
}

// FileStore keeps the key in a 0600 file for hosts without a credential service.
type FileStore struct {
	Path string
}

// NewFileStore returns a file-backed store.
func NewFileStore(path string) *FileStore { return &FileStore{Path: path} }

// Get implements SecretStore.
func (s *FileStore) Get(context.Context) ([]byte, error) {
	b, err := os.ReadFile(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	return decodeKey(string(b))
}

// Put implements SecretStore. The file is written atomically.
func (s *FileStore) Put(_ context.Context, key []byte) error {
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o700); err != nil {
		return fmt.Errorf("mkdir key dir: %w", err)
	}
	tmp := s.Path + ".tmp"
	if err := os.WriteFile(tmp, []byte(base64.StdEncoding.EncodeToString(key)), 0o600); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}
	return os.Rename(tmp, s.Path)
}

// MemoryStore is a process-local store, used for ephemeral setups and tests.
type MemoryStore struct {
	mu  sync.Mutex
	key []byte
}

// Get implements SecretStore.
func (s *MemoryStore) Get(context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.key == nil {
		return nil, errs.ErrNotFound
	}
	return append([]byte(nil), s.key...), nil
}

// Put implements SecretStore.
func (s *MemoryStore) Put(_ context.Context, key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.key = append([]byte(nil), key...)
	return nil
}

func decodeKey(v string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(v))
	if err != nil {
		return nil, errors.New("stored key is not base64")
	}
	return b, nil
}
