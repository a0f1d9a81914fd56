// Package crypto implements server-side password hashing and verification.
package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters. Fixed for the deployment lifetime; changing them needs a rehash migration.
const (
	argonTime    uint32 = 3         // iterations
	argonMemory  uint32 = 64 * 1024 // 64 MB
	argonThreads uint8  = 1
	argonKeyLen  uint32 = 32

	// SaltLen is the per-password salt size in bytes (128 bits).
	SaltLen = 16
)

// RandBytes returns n cryptographically secure random bytes.
func RandBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// HashPassword returns Argon2id hash of password using the provided salt.
func HashPassword(password, salt []byte) []byte {
	return argon2.IDKey(password, salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}

// VerifyPassword verifies password against expected Argon2id hash and salt.
func VerifyPassword(password, salt, expected []byte) bool {
	got := HashPassword(password, salt)
	return subtle.ConstantTimeCompare(got, expected) == 1
}

// Hasher derives and verifies salted password hashes.
type Hasher interface {
	// Hash derives a hash under a fresh random salt.
	Hash(password string) (hash, salt []byte, err error)
	// Verify reports whether password matches hash under salt.
	Verify(password string, hash, salt []byte) bool
}

// Argon2Hasher is the production Hasher.
type Argon2Hasher struct{}

// NewHasher returns the Argon2id hasher.
func NewHasher() Argon2Hasher { return Argon2Hasher{} }

// Hash implements Hasher.
func (Argon2Hasher) Hash(password string) ([]byte, []byte, error) {
	if password == "" {
		return nil, nil, errors.New("empty password")
	}
	salt, err := RandBytes(SaltLen)
	if err != nil {
		return nil, nil, err
	}
	return HashPassword([]byte(password), salt), salt, nil
}

// Verify implements Hasher.
func (Argon2Hasher) Verify(password string, hash, salt []byte) bool {
	if len(hash) == 0 || len(salt) == 0 {
		return false
	}
	return VerifyPassword([]byte(password), salt, hash)
}
