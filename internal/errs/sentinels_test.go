package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidationError_IsAndOrNil(t *testing.T) {
	t.Parallel()

	var ve ValidationError
	require.NoError(t, ve.OrNil())

	ve.Add("password", RulePasswordLength)
	ve.Add("password", RulePasswordDigit)
	err := fmt.Errorf("register: %w", ve.OrNil())

	require.ErrorIs(t, err, ErrValidation)
	var got *ValidationError
	require.ErrorAs(t, err, &got)
	require.True(t, got.Has(RulePasswordDigit))
	require.False(t, got.Has(RulePasswordUpper))
	require.Contains(t, err.Error(), "password: password_min_length")
}

func TestTamperError_Is(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("verify: %w", &TamperError{AtSeq: 3, Reason: "content hash mismatch"})
	require.ErrorIs(t, err, ErrTamperDetected)
	require.False(t, errors.Is(err, ErrDecryption))

	var te *TamperError
	require.ErrorAs(t, err, &te)
	require.Equal(t, int64(3), te.AtSeq)
}

func TestCorruptEntryError_Unwrap(t *testing.T) {
	t.Parallel()

	cause := errors.New("bad column")
	err := fmt.Errorf("range: %w", &CorruptEntryError{Seq: 3, Err: cause})

	var ce *CorruptEntryError
	require.ErrorAs(t, err, &ce)
	require.EqualValues(t, 3, ce.Seq)
	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "audit seq 3 undecodable")
}
