package service

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/and161185/trustcore/internal/crypto/fieldcrypt"
	"github.com/and161185/trustcore/internal/errs"
	"github.com/and161185/trustcore/internal/model"
)

func newFieldService(t *testing.T, e *env, opts ...fieldcrypt.Option) (*FieldService, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	log := zap.New(core)
	c, err := fieldcrypt.New(bytes.Repeat([]byte{7}, fieldcrypt.KeySize), append(opts, fieldcrypt.WithLogger(log))...)
	require.NoError(t, err)
	return NewFieldService(c, e.auditor, log), logs
}

func TestFieldService_RoundTrip(t *testing.T) {
	t.Parallel()
	e := newEnv(t, envConfig{})
	f, _ := newFieldService(t, e)
	ctx := context.Background()

	stored, err := f.EncryptField(ctx, "555-0100")
	require.NoError(t, err)
	assert.True(t, fieldcrypt.IsFramed(stored))
	assert.NotContains(t, stored, "555-0100")

	got, err := f.DecryptField(ctx, nil, stored)
	require.NoError(t, err)
	assert.Equal(t, "555-0100", got)
	assert.Empty(t, e.entries(t))
}

func TestFieldService_FailureIsAudited(t *testing.T) {
	t.Parallel()
	e := newEnv(t, envConfig{})
	u := e.register(t, "alice")
	f, _ := newFieldService(t, e)
	ctx := context.Background()

	stored, err := f.EncryptField(ctx, "secret")
	require.NoError(t, err)
	envlp, err := fieldcrypt.Parse(stored)
	require.NoError(t, err)
	envlp.Tag[0] ^= 0x01
	tampered, err := envlp.Marshal()
	require.NoError(t, err)

	got, err := f.DecryptField(ctx, &u.ID, tampered)
	require.ErrorIs(t, err, errs.ErrDecryption)
	assert.Empty(t, got)

	last := e.last(t)
	assert.Equal(t, model.EventFieldDecrypt, last.EventType)
	assert.False(t, last.Success)
	require.NotNil(t, last.ActorID)
	assert.Equal(t, u.ID, *last.ActorID)
	assert.Equal(t, valueRef(tampered), last.ResourceID)

	e.auditor.fail[model.EventFieldDecrypt] = true
	_, err = f.DecryptField(ctx, &u.ID, tampered)
	require.ErrorIs(t, err, errAuditDown)
}

func TestFieldService_LegacyReads(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("disabled", func(t *testing.T) {
		e := newEnv(t, envConfig{})
		f, _ := newFieldService(t, e)
		_, err := f.DecryptField(ctx, nil, "plain old value")
		require.ErrorIs(t, err, errs.ErrDecryption)
		assert.Equal(t, model.EventFieldDecrypt, e.last(t).EventType)
	})

	t.Run("enabled", func(t *testing.T) {
		e := newEnv(t, envConfig{})
		f, logs := newFieldService(t, e, fieldcrypt.WithLegacyReads(true))
		got, err := f.DecryptField(ctx, nil, "plain old value")
		require.NoError(t, err)
		assert.Equal(t, "plain old value", got)

		assert.Equal(t, 1, logs.FilterMessage("legacy plaintext field read").Len())
		last := e.last(t)
		assert.Equal(t, model.EventFieldLegacyRead, last.EventType)
		assert.True(t, last.Success)

		// new writes are always framed
		stored, err := f.EncryptField(ctx, "plain old value")
		require.NoError(t, err)
		assert.True(t, fieldcrypt.IsFramed(stored))
	})
}
