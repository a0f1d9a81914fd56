package service

import (
	"context"
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/trustcore/internal/audit"
	"github.com/and161185/trustcore/internal/errs"
	"github.com/and161185/trustcore/internal/model"
	"github.com/and161185/trustcore/internal/repository"
)

// ConsentLedger records per-purpose consent transitions.
type ConsentLedger interface {
	Grant(ctx context.Context, userID uuid.UUID, purpose model.Purpose) error
	Revoke(ctx context.Context, userID uuid.UUID, purpose model.Purpose) error
	IsGranted(ctx context.Context, userID uuid.UUID, purpose model.Purpose) (bool, error)
}

// ConsentState is the active state of one purpose.
type ConsentState struct {
	Purpose       model.Purpose `json:"purpose"`
	Granted       bool          `json:"granted"`
	Mandatory     bool          `json:"mandatory"`
	PolicyVersion string        `json:"policy_version,omitempty"`
	Since         *time.Time    `json:"since,omitempty"`
}

type ConsentLedgerImpl struct {
	consents      repository.ConsentRepository
	users         repository.UserRepository
	audit         Auditor
	log           *zap.Logger
	now           func() time.Time
	policyVersion string
}

// NewConsentLedger constructs the ledger.
func NewConsentLedger(consents repository.ConsentRepository, users repository.UserRepository, a Auditor, log *zap.Logger, policyVersion string) *ConsentLedgerImpl {
	if log == nil {
		log = zap.NewNop()
	}
	if policyVersion == "" {
		policyVersion = "1"
	}
	return &ConsentLedgerImpl{consents: consents, users: users, audit: a, log: log, now: time.Now, policyVersion: policyVersion}
}

func checkPurpose(p model.Purpose) error {
	if !p.Valid() {
		return errs.NewValidation("purpose", errs.RuleUnknownPurpose)
	}
	return nil
}

// Grant records consent for purpose.
func (c *ConsentLedgerImpl) Grant(ctx context.Context, userID uuid.UUID, purpose model.Purpose) error {
	if err := checkPurpose(purpose); err != nil {
		return err
	}
	if _, err := c.users.GetByID(ctx, userID); err != nil {
		return err
	}
	now := c.now().UTC()
	return c.record(ctx, model.EventConsentGranted, &model.ConsentRecord{
		UserID:        userID,
		Purpose:       purpose,
		Granted:       true,
		GrantedAt:     &now,
		PolicyVersion: c.policyVersion,
		RecordedAt:    now,
	})
}

// Revoke withdraws consent. Mandatory purposes stay granted while the account is active.
func (c *ConsentLedgerImpl) Revoke(ctx context.Context, userID uuid.UUID, purpose model.Purpose) error {
	if err := checkPurpose(purpose); err != nil {
		return err
	}
	u, err := c.users.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	if purpose.Mandatory() && u.Active {
		return errs.ErrConsentRequired
	}
	now := c.now().UTC()
	return c.record(ctx, model.EventConsentRevoked, &model.ConsentRecord{
		UserID:        userID,
		Purpose:       purpose,
		Granted:       false,
		RevokedAt:     &now,
		PolicyVersion: c.policyVersion,
		RecordedAt:    now,
	})
}

// record audits first so no transition exists without its entry. A storage
// failure afterwards is recorded as a failed transition.
func (c *ConsentLedgerImpl) record(ctx context.Context, ev model.EventType, r *model.ConsentRecord) error {
	in := audit.Input{
		EventType:    ev,
		ActorID:      &r.UserID,
		ResourceType: "consent",
		ResourceID:   string(r.Purpose),
		Success:      true,
		Details:      map[string]string{"policy_version": r.PolicyVersion},
	}
	if _, err := c.audit.Append(ctx, in); err != nil {
		return err
	}
	if err := c.consents.Append(ctx, r); err != nil {
		in.Success = false
		in.Details = map[string]string{"policy_version": r.PolicyVersion, "reason": "storage failure"}
		if _, aerr := c.audit.Append(ctx, in); aerr != nil {
			c.log.Error("consent failure not audited", zap.Error(aerr))
		}
		return err
	}
	return nil
}

// IsGranted reports the active state. Purposes with no record are not granted.
func (c *ConsentLedgerImpl) IsGranted(ctx context.Context, userID uuid.UUID, purpose model.Purpose) (bool, error) {
	if err := checkPurpose(purpose); err != nil {
		return false, err
	}
	r, err := c.consents.Latest(ctx, userID, purpose)
	if errors.Is(err, errs.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return r.Granted, nil
}

// History returns every transition for (user, purpose), oldest first.
func (c *ConsentLedgerImpl) History(ctx context.Context, userID uuid.UUID, purpose model.Purpose) ([]model.ConsentRecord, error) {
	if err := checkPurpose(purpose); err != nil {
		return nil, err
	}
	return c.consents.History(ctx, userID, purpose)
}

// Status lists the active state of every known purpose.
func (c *ConsentLedgerImpl) Status(ctx context.Context, userID uuid.UUID) ([]ConsentState, error) {
	latest, err := c.consents.LatestAll(ctx, userID)
	if err != nil {
		return nil, err
	}
	byPurpose := make(map[model.Purpose]model.ConsentRecord, len(latest))
	for _, r := range latest {
		byPurpose[r.Purpose] = r
	}
	out := make([]ConsentState, 0, len(model.AllPurposes))
	for _, p := range model.AllPurposes {
		st := ConsentState{Purpose: p, Mandatory: p.Mandatory()}
		if r, ok := byPurpose[p]; ok {
			st.Granted = r.Granted
			st.PolicyVersion = r.PolicyVersion
			at := r.RecordedAt
			st.Since = &at
		}
		out = append(out, st)
	}
	return out, nil
}

// RequireConsent returns errs.ErrConsentRequired unless purpose is granted.
func RequireConsent(ctx context.Context, l ConsentLedger, userID uuid.UUID, purpose model.Purpose) error {
	ok, err := l.IsGranted(ctx, userID, purpose)
	if err != nil {
		return err
	}
	if !ok {
		return errs.ErrConsentRequired
	}
	return nil
}
