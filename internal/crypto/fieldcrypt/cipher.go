package fieldcrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/awnumar/memguard"
	"go.uber.org/zap"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/and161185/trustcore/internal/errs"
)

// KeySize is the required master key length (256 bits).
const KeySize = 32

const selfTestPlaintext = "trustcore self-test: the quick brown fox"

// OpenResult describes how a stored value was read.
type OpenResult struct {
	// Legacy is set when an unframed plaintext value was passed through.
	Legacy bool
	// Empty is set for the "no value" sentinel and empty columns.
	Empty bool
}

// Cipher encrypts and decrypts field envelopes. It holds no mutable state
// after construction and is safe for concurrent use.
type Cipher struct {
	alg         string
	version     int
	aeads       map[string]cipher.AEAD
	legacyReads bool
	log         *zap.Logger
}

// Option configures a Cipher.
type Option func(*Cipher)

// WithAlgorithm selects the algorithm for new envelopes.
func WithAlgorithm(alg string) Option { return func(c *Cipher) { c.alg = alg } }

// WithKeyVersion sets the key-version marker written into envelopes.
func WithKeyVersion(v int) Option { return func(c *Cipher) { c.version = v } }

// WithLegacyReads lets Open pass unframed plaintext through during a migration window.
func WithLegacyReads(on bool) Option { return func(c *Cipher) { c.legacyReads = on } }

// WithLogger sets the logger used for legacy-read warnings.
func WithLogger(l *zap.Logger) Option { return func(c *Cipher) { c.log = l } }

// New builds a Cipher from the master key. Per-algorithm subkeys are derived
// with HKDF-SHA256 and the derived bytes are wiped once the AEADs exist.
func New(masterKey []byte, opts ...Option) (*Cipher, error) {
	if len(masterKey) != KeySize {
		return nil, fmt.Errorf("%w: key must be %d bytes, got %d", errs.ErrKeyUnavailable, KeySize, len(masterKey))
	}
	c := &Cipher{alg: AlgAES256GCM, version: 1, log: zap.NewNop()}
	for _, o := range opts {
		o(c)
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}

	c.aeads = make(map[string]cipher.AEAD, 2)
	for _, alg := range []string{AlgAES256GCM, AlgXChaCha20Poly1305} {
		sub, err := deriveSubkey(masterKey, alg, c.version)
		if err != nil {
			return nil, err
		}
		aead, err := newAEAD(alg, sub)
		memguard.WipeBytes(sub)
		if err != nil {
			return nil, err
		}
		c.aeads[alg] = aead
	}
	if _, ok := c.aeads[c.alg]; !ok {
		return nil, fmt.Errorf("unsupported algorithm %q", c.alg)
	}
	return c, nil
}

func deriveSubkey(master []byte, alg string, version int) ([]byte, error) {
	info := []byte("trustcore/field/" + alg + "/v" + strconv.Itoa(version))
	r := hkdf.New(sha256.New, master, nil, info)
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

func newAEAD(alg string, key []byte) (cipher.AEAD, error) {
	switch alg {
	case AlgAES256GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	case AlgXChaCha20Poly1305:
		return chacha20poly1305.NewX(key)
	default:
		return nil, fmt.Errorf("unsupported algorithm %q", alg)
	}
}

// aad binds the envelope header to the ciphertext.
func aad(alg string, version int) []byte {
	return []byte(alg + "|" + strconv.Itoa(version))
}

// Algorithm returns the algorithm used for new envelopes.
func (c *Cipher) Algorithm() string { return c.alg }

// Encrypt seals plaintext under a fresh random IV. Empty input yields the
// "no value" sentinel without running the cipher.
func (c *Cipher) Encrypt(plaintext string) (Envelope, error) {
	if plaintext == "" {
		return NoValue(), nil
	}
	aead := c.aeads[c.alg]
	iv := make([]byte, aead.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return Envelope{}, fmt.Errorf("iv: %w", err)
	}
	sealed := aead.Seal(nil, iv, []byte(plaintext), aad(c.alg, c.version))
	split := len(sealed) - aead.Overhead()
	return Envelope{
		Algorithm:  c.alg,
		KeyVersion: c.version,
		IV:         iv,
		Tag:        append([]byte(nil), sealed[split:]...),
		Ciphertext: append([]byte(nil), sealed[:split]...),
	}, nil
}

// Decrypt opens an envelope. Any failure returns errs.ErrDecryption and no plaintext.
func (c *Cipher) Decrypt(e Envelope) (string, error) {
	if e.IsNoValue() {
		if len(e.IV) != 0 || len(e.Tag) != 0 || len(e.Ciphertext) != 0 {
			return "", fmt.Errorf("%w: sentinel carries cipher material", errs.ErrDecryption)
		}
		return "", nil
	}
	aead, ok := c.aeads[e.Algorithm]
	if !ok {
		return "", fmt.Errorf("%w: unknown algorithm", errs.ErrDecryption)
	}
	if e.KeyVersion != c.version {
		return "", fmt.Errorf("%w: unknown key version", errs.ErrDecryption)
	}
	if len(e.IV) != aead.NonceSize() || len(e.Tag) != aead.Overhead() {
		return "", fmt.Errorf("%w: malformed envelope", errs.ErrDecryption)
	}
	sealed := make([]byte, 0, len(e.Ciphertext)+len(e.Tag))
	sealed = append(sealed, e.Ciphertext...)
	sealed = append(sealed, e.Tag...)
	pt, err := aead.Open(nil, e.IV, sealed, aad(e.Algorithm, e.KeyVersion))
	if err != nil {
		return "", fmt.Errorf("%w: authentication failed", errs.ErrDecryption)
	}
	return string(pt), nil
}

// Seal encrypts plaintext and returns the column form.
func (c *Cipher) Seal(plaintext string) (string, error) {
	e, err := c.Encrypt(plaintext)
	if err != nil {
		return "", err
	}
	return e.Marshal()
}

// Open decrypts a column value. Unframed values are returned as-is only when
// legacy reads are enabled; otherwise they are a decryption error.
func (c *Cipher) Open(stored string) (string, OpenResult, error) {
	if stored == "" {
		return "", OpenResult{Empty: true}, nil
	}
	e, err := Parse(stored)
	if errors.Is(err, ErrNotEnvelope) {
		if !c.legacyReads {
			return "", OpenResult{}, fmt.Errorf("%w: unframed value", errs.ErrDecryption)
		}
		c.log.Warn("legacy plaintext field read", zap.Int("len", len(stored)))
		return stored, OpenResult{Legacy: true}, nil
	}
	if err != nil {
		return "", OpenResult{}, err
	}
	pt, err := c.Decrypt(e)
	if err != nil {
		return "", OpenResult{}, err
	}
	return pt, OpenResult{Empty: e.IsNoValue()}, nil
}

// SelfTest round-trips a known plaintext under every supported algorithm.
func (c *Cipher) SelfTest() error {
	for alg := range c.aeads {
		trial := &Cipher{alg: alg, version: c.version, aeads: c.aeads, log: c.log}
		e, err := trial.Encrypt(selfTestPlaintext)
		if err != nil {
			return fmt.Errorf("%w: self-test encrypt (%s): %v", errs.ErrKeyUnavailable, alg, err)
		}
		got, err := trial.Decrypt(e)
		if err != nil {
			return fmt.Errorf("%w: self-test decrypt (%s): %v", errs.ErrKeyUnavailable, alg, err)
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(selfTestPlaintext)) != 1 {
			return fmt.Errorf("%w: self-test mismatch (%s)", errs.ErrKeyUnavailable, alg)
		}
	}
	return nil
}
