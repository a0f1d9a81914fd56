package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/trustcore/internal/audit"
	"github.com/and161185/trustcore/internal/crypto/fieldcrypt"
	"github.com/and161185/trustcore/internal/model"
)

// FieldCipher is the part of *fieldcrypt.Cipher the field service needs.
type FieldCipher interface {
	Seal(plaintext string) (string, error)
	Open(stored string) (string, fieldcrypt.OpenResult, error)
}

// FieldService encrypts sensitive columns and audits failed or legacy reads.
type FieldService struct {
	cipher FieldCipher
	audit  Auditor
	log    *zap.Logger
}

// NewFieldService constructs a FieldService.
func NewFieldService(c FieldCipher, a Auditor, log *zap.Logger) *FieldService {
	if log == nil {
		log = zap.NewNop()
	}
	return &FieldService{cipher: c, audit: a, log: log}
}

// EncryptField returns the envelope column form of plaintext.
func (f *FieldService) EncryptField(_ context.Context, plaintext string) (string, error) {
	return f.cipher.Seal(plaintext)
}

// valueRef fingerprints a stored value so incidents can be correlated without the value itself.
func valueRef(stored string) string {
	sum := sha256.Sum256([]byte(stored))
	return hex.EncodeToString(sum[:8])
}

// DecryptField opens a stored value. Failures are audited before they are
// returned; if that append fails the audit error is returned instead.
func (f *FieldService) DecryptField(ctx context.Context, actorID *uuid.UUID, stored string) (string, error) {
	pt, res, err := f.cipher.Open(stored)
	if err != nil {
		f.log.Warn("field decryption failed", zap.String("ref", valueRef(stored)), zap.Error(err))
		if _, aerr := f.audit.Append(ctx, audit.Input{
			EventType:    model.EventFieldDecrypt,
			ActorID:      actorID,
			ResourceType: "field",
			ResourceID:   valueRef(stored),
			Details:      map[string]string{"reason": err.Error()},
		}); aerr != nil {
			return "", aerr
		}
		return "", err
	}
	if res.Legacy {
		if _, aerr := f.audit.Append(ctx, audit.Input{
			EventType:    model.EventFieldLegacyRead,
			ActorID:      actorID,
			ResourceType: "field",
			ResourceID:   valueRef(stored),
			Success:      true,
		}); aerr != nil {
			return "", aerr
		}
	}
	return pt, nil
}
