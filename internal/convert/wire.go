// Package convert maps domain types to and from trustcore.v1 wire messages.
package convert

import (
	"fmt"
	"time"

	u "github.com/gofrs/uuid/v5"

	v1 "github.com/and161185/trustcore/api/trustcore/v1"
	"github.com/and161185/trustcore/internal/audit"
	model "github.com/and161185/trustcore/internal/model"
	"github.com/and161185/trustcore/internal/service"
)

// --- helpers ---

func utc(t *time.Time) *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	v := t.UTC()
	return &v
}

// ParseID parses a wire UUID. Empty input is an error.
func ParseID(s string) (u.UUID, error) {
	var id u.UUID
	if err := id.UnmarshalText([]byte(s)); err != nil {
		return u.Nil, fmt.Errorf("invalid id: %w", err)
	}
	return id, nil
}

// --- Users ---

// ToWireUser converts a public user to its wire form.
func ToWireUser(p model.PublicUser) v1.User {
	return v1.User{
		ID:          p.ID.String(),
		Username:    p.Username,
		Email:       p.Email,
		Role:        string(p.Role),
		Active:      p.Active,
		CreatedAt:   p.CreatedAt.UTC(),
		LastLoginAt: utc(p.LastLoginAt),
	}
}

// --- Audit ---

// ToWireEntry converts a stored audit entry.
func ToWireEntry(e model.AuditEntry) v1.AuditEntry {
	out := v1.AuditEntry{
		Seq:          e.Seq,
		Timestamp:    e.Timestamp.UTC(),
		EventType:    string(e.EventType),
		ResourceType: e.ResourceType,
		ResourceID:   e.ResourceID,
		Success:      e.Success,
		Details:      e.Details,
		ContentHash:  e.ContentHash,
		PrevHash:     e.PrevHash,
		ChainHash:    e.ChainHash,
	}
	if e.ActorID != nil {
		out.ActorID = e.ActorID.String()
	}
	return out
}

// FromWireAppend builds an audit input; the actor always comes from the session, never the request.
func FromWireAppend(in *v1.AppendAuditRequest, actor u.UUID) (audit.Input, error) {
	if in == nil {
		return audit.Input{}, fmt.Errorf("nil AppendAuditRequest")
	}
	return audit.Input{
		EventType:    model.EventType(in.EventType),
		ActorID:      &actor,
		ResourceType: in.ResourceType,
		ResourceID:   in.ResourceID,
		Success:      in.Success,
		Details:      in.Details,
	}, nil
}

// ToWireReport converts a verification report.
func ToWireReport(r audit.Report) *v1.VerifyAuditResponse {
	return &v1.VerifyAuditResponse{From: r.From, To: r.To, Checked: r.Checked, HeadHash: r.HeadHash}
}

// --- Consents ---

// ToWireConsents converts per-purpose consent states.
func ToWireConsents(st []service.ConsentState) []v1.Consent {
	out := make([]v1.Consent, 0, len(st))
	for _, s := range st {
		out = append(out, v1.Consent{
			Purpose:       string(s.Purpose),
			Granted:       s.Granted,
			Mandatory:     s.Mandatory,
			PolicyVersion: s.PolicyVersion,
			Since:         utc(s.Since),
		})
	}
	return out
}
