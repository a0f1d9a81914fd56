// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Common sentinels across repo/service layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a unique constraint violation (e.g., username taken).
	ErrAlreadyExists = errors.New("already exists")

	// ErrValidation indicates malformed or policy-violating input.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidCredentials is returned for unknown user and wrong password alike.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrUnauthorized indicates there is no valid session.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden indicates a valid session that does not own the resource.
	ErrForbidden = errors.New("forbidden")

	// ErrRateLimited indicates temporary login lock due to rate limiting.
	ErrRateLimited = errors.New("rate limited")

	// ErrDecryption indicates an authentication-tag failure or a malformed envelope.
	ErrDecryption = errors.New("decryption failed")

	// ErrKeyUnavailable is fatal: data-touching requests must not be served.
	ErrKeyUnavailable = errors.New("key unavailable")

	// ErrTamperDetected indicates the audit chain failed verification.
	ErrTamperDetected = errors.New("audit chain tamper detected")

	// ErrConsentRequired indicates a mandatory consent cannot be withdrawn or a feature lacks consent.
	ErrConsentRequired = errors.New("consent required")
)

// Violation is a single failed input rule.
type Violation struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
}

// Rule codes reported in ValidationError.
const (
	RuleRequired       = "required"
	RuleUsernameFormat = "username_format"
	RuleUsernameTaken  = "username_taken"
	RuleEmailFormat    = "email_format"
	RuleEmailTaken     = "email_taken"
	RulePasswordLength = "password_min_length"
	RulePasswordUpper  = "password_uppercase"
	RulePasswordLower  = "password_lowercase"
	RulePasswordDigit  = "password_digit"
	RuleUnknownPurpose = "unknown_purpose"
	RuleUnknownEvent   = "unknown_event"
	RuleInvalidUTF8    = "invalid_utf8"
	RuleRange          = "range"
)

// ValidationError lists every rule the input violated.
type ValidationError struct {
	Violations []Violation
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, v.Field+": "+v.Rule)
	}
	return "validation failed: " + strings.Join(parts, ", ")
}

// Is makes errors.Is(err, ErrValidation) hold.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Add appends a violation.
func (e *ValidationError) Add(field, rule string) { e.Violations = append(e.Violations, Violation{Field: field, Rule: rule}) }

// Has reports whether rule was violated.
func (e *ValidationError) Has(rule string) bool {
	for _, v := range e.Violations {
		if v.Rule == rule {
			return true
		}
	}
	return false
}

// OrNil returns e if it carries violations, nil otherwise.
func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Violations) == 0 {
		return nil
	}
	return e
}

// NewValidation builds a ValidationError with a single violation.
func NewValidation(field, rule string) *ValidationError {
	return &ValidationError{Violations: []Violation{{Field: field, Rule: rule}}}
}

// TamperError locates the first audit entry that failed verification.
type TamperError struct {
	AtSeq  int64
	Reason string
}

func (e *TamperError) Error() string {
	return fmt.Sprintf("audit chain tamper detected at seq %d: %s", e.AtSeq, e.Reason)
}

// Is makes errors.Is(err, ErrTamperDetected) hold.
func (e *TamperError) Is(target error) bool { return target == ErrTamperDetected }

// CorruptEntryError reports a stored audit row whose columns cannot be decoded.
type CorruptEntryError struct {
	Seq int64
	Err error
}

func (e *CorruptEntryError) Error() string {
	return fmt.Sprintf("audit seq %d undecodable: %v", e.Seq, e.Err)
}

func (e *CorruptEntryError) Unwrap() error { return e.Err }
