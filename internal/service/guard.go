package service

import (
	"context"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/trustcore/internal/audit"
	"github.com/and161185/trustcore/internal/errs"
	"github.com/and161185/trustcore/internal/model"
)

// SessionValidator resolves a session id to its owner. AuthServiceImpl implements it.
type SessionValidator interface {
	ValidateSession(ctx context.Context, sessionID string) (*model.PublicUser, error)
}

// Decision is a positive authorization outcome.
type Decision struct {
	User model.PublicUser
}

type authzOptions struct {
	resourceType string
	resourceID   string
	auditAccess  bool
}

// AuthzOption tunes a single Authorize call.
type AuthzOption func(*authzOptions)

// WithResource names the resource for denial entries.
func WithResource(resourceType, resourceID string) AuthzOption {
	return func(o *authzOptions) {
		o.resourceType = resourceType
		o.resourceID = resourceID
	}
}

// WithAccessAudit names the resource and records granted access as well.
func WithAccessAudit(resourceType, resourceID string) AuthzOption {
	return func(o *authzOptions) {
		o.resourceType = resourceType
		o.resourceID = resourceID
		o.auditAccess = true
	}
}

// Guard checks that a session owns a resource.
type Guard struct {
	sessions SessionValidator
	audit    Auditor
	log      *zap.Logger
}

// NewGuard constructs a Guard.
func NewGuard(sessions SessionValidator, a Auditor, log *zap.Logger) *Guard {
	if log == nil {
		log = zap.NewNop()
	}
	return &Guard{sessions: sessions, audit: a, log: log}
}

// Authorize returns errs.ErrUnauthorized without a live session and
// errs.ErrForbidden when the session user does not own the resource.
// Every denial is audited; an audit failure replaces the denial error.
func (g *Guard) Authorize(ctx context.Context, sessionID string, ownerID uuid.UUID, opts ...AuthzOption) (Decision, error) {
	var o authzOptions
	for _, fn := range opts {
		fn(&o)
	}
	if o.resourceType == "" {
		o.resourceType = "resource"
	}
	if o.resourceID == "" {
		o.resourceID = ownerID.String()
	}

	u, err := g.sessions.ValidateSession(ctx, sessionID)
	if err != nil {
		return Decision{}, err
	}
	if u == nil {
		if _, err := g.audit.Append(ctx, audit.Input{
			EventType:    model.EventAuthzDenied,
			ResourceType: o.resourceType,
			ResourceID:   o.resourceID,
			Details:      map[string]string{"reason": "no session"},
		}); err != nil {
			return Decision{}, err
		}
		return Decision{}, errs.ErrUnauthorized
	}

	if u.ID != ownerID {
		g.log.Info("authorization denied", zap.String("user_id", u.ID.String()), zap.String("resource", o.resourceType))
		if _, err := g.audit.Append(ctx, audit.Input{
			EventType:    model.EventAuthzDenied,
			ActorID:      &u.ID,
			ResourceType: o.resourceType,
			ResourceID:   o.resourceID,
			Details:      map[string]string{"reason": "not owner", "attempted_by": u.ID.String()},
		}); err != nil {
			return Decision{}, err
		}
		return Decision{}, errs.ErrForbidden
	}

	if o.auditAccess {
		if _, err := g.audit.Append(ctx, audit.Input{
			EventType:    model.EventAuthzGranted,
			ActorID:      &u.ID,
			ResourceType: o.resourceType,
			ResourceID:   o.resourceID,
			Success:      true,
		}); err != nil {
			return Decision{}, err
		}
	}
	return Decision{User: *u}, nil
}
