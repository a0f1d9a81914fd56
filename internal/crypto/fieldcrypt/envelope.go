// Package fieldcrypt encrypts individual field values into self-describing envelopes.
package fieldcrypt

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/and161185/trustcore/internal/errs"
)

// Algorithm identifiers carried in every envelope.
const (
	AlgAES256GCM         = "AES-256-GCM"
	AlgXChaCha20Poly1305 = "XCHACHA20-POLY1305"
	AlgNone              = "none"
)

// Prefix frames a serialized envelope inside a text column.
const Prefix = "tc1:"

// ErrNotEnvelope reports a stored value without envelope framing.
var ErrNotEnvelope = errors.New("value is not an envelope")

// Envelope is an immutable encrypted field value.
type Envelope struct {
	Algorithm  string `json:"alg"`
	KeyVersion int    `json:"kv,omitempty"`
	IV         []byte `json:"iv,omitempty"`
	Tag        []byte `json:"tag,omitempty"`
	Ciphertext []byte `json:"ct,omitempty"`
}

// NoValue is the sentinel envelope for empty input.
func NoValue() Envelope { return Envelope{Algorithm: AlgNone} }

// IsNoValue reports whether e is the "no value" sentinel.
func (e Envelope) IsNoValue() bool { return e.Algorithm == AlgNone }

// Marshal returns the column form: Prefix + base64url(JSON).
func (e Envelope) Marshal() (string, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return Prefix + base64.RawURLEncoding.EncodeToString(b), nil
}

// IsFramed reports whether s carries envelope framing.
func IsFramed(s string) bool { return strings.HasPrefix(s, Prefix) }

// Parse decodes the column form. Values without framing yield ErrNotEnvelope;
// framed but malformed values yield errs.ErrDecryption.
func Parse(s string) (Envelope, error) {
	if !IsFramed(s) {
		return Envelope{}, ErrNotEnvelope
	}
	raw, err := base64.RawURLEncoding.DecodeString(s[len(Prefix):])
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: bad framing", errs.ErrDecryption)
	}
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: bad envelope", errs.ErrDecryption)
	}
	if e.Algorithm == "" {
		return Envelope{}, fmt.Errorf("%w: missing algorithm", errs.ErrDecryption)
	}
	return e, nil
}
