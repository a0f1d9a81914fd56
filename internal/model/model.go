// Package model defines domain entities used by services and repositories.
package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// Role is the account privilege level.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// User represents an account. PwdHash and PwdSalt never leave the service layer.
type User struct {
	ID          uuid.UUID // PK
	Username    string    // unique
	Email       string    // unique
	PwdHash     []byte    // Argon2id(password, PwdSalt)
	PwdSalt     []byte    // per-user salt, 16 bytes
	Role        Role
	Active      bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastLoginAt *time.Time
}

// PublicUser is the secret-free projection of User returned to callers.
type PublicUser struct {
	ID          uuid.UUID  `json:"id"`
	Username    string     `json:"username"`
	Email       string     `json:"email"`
	Role        Role       `json:"role"`
	Active      bool       `json:"active"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
}

// Public strips credential material.
func (u User) Public() PublicUser {
	return PublicUser{
		ID:          u.ID,
		Username:    u.Username,
		Email:       u.Email,
		Role:        u.Role,
		Active:      u.Active,
		CreatedAt:   u.CreatedAt,
		UpdatedAt:   u.UpdatedAt,
		LastLoginAt: u.LastLoginAt,
	}
}

// Session is an issued login. It is never mutated after creation.
type Session struct {
	ID        string // 32 random bytes, base64url
	UserID    uuid.UUID
	CreatedAt time.Time
	ExpiresAt time.Time
	Origin    string // client address, may be empty
	UserAgent string
}

// Expired reports whether the session is past its expiry at now.
func (s Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// EventType is the closed vocabulary of audit events.
type EventType string

const (
	EventUserRegister       EventType = "user.register"
	EventUserLogin          EventType = "user.login"
	EventUserLoginFailed    EventType = "user.login_failed"
	EventUserLogout         EventType = "user.logout"
	EventUserPasswordChange EventType = "user.password_change"
	EventUserDeactivated    EventType = "user.deactivated"
	EventUserErased         EventType = "user.erased"
	EventSessionExpired     EventType = "session.expired"
	EventSessionRevoked     EventType = "session.revoked"
	EventAuthzDenied        EventType = "authz.denied"
	EventAuthzGranted       EventType = "authz.granted"
	EventFieldDecrypt       EventType = "field.decrypt"
	EventFieldLegacyRead    EventType = "field.legacy_read"
	EventConsentGranted     EventType = "consent.granted"
	EventConsentRevoked     EventType = "consent.revoked"
	EventAuditTamper        EventType = "audit.tamper_detected"
	EventKeyLoaded          EventType = "key.loaded"
)

var knownEvents = map[EventType]struct{}{
	EventUserRegister: {}, EventUserLogin: {}, EventUserLoginFailed: {}, EventUserLogout: {},
	EventUserPasswordChange: {}, EventUserDeactivated: {}, EventUserErased: {},
	EventSessionExpired: {}, EventSessionRevoked: {}, EventAuthzDenied: {}, EventAuthzGranted: {},
	EventFieldDecrypt: {}, EventFieldLegacyRead: {}, EventConsentGranted: {}, EventConsentRevoked: {},
	EventAuditTamper: {}, EventKeyLoaded: {},
}

// Valid reports whether e belongs to the audit vocabulary.
func (e EventType) Valid() bool {
	_, ok := knownEvents[e]
	return ok
}

// AuditEntry is one immutable, hash-chained audit record.
type AuditEntry struct {
	Seq          int64
	Timestamp    time.Time // UTC, microsecond precision
	EventType    EventType
	ActorID      *uuid.UUID // nil for anonymous or failed attempts
	ResourceType string
	ResourceID   string
	Success      bool
	Details      map[string]string
	ContentHash  string // hex SHA-256 over the canonical content
	PrevHash     string // chain hash of the predecessor, or genesis
	ChainHash    string // hex SHA-256(ContentHash || PrevHash)
}

// AuditHead is the latest position of the chain.
type AuditHead struct {
	Seq       int64
	ChainHash string
}

// Purpose is the closed vocabulary of consent purposes.
type Purpose string

const (
	PurposeCoreProcessing   Purpose = "core_processing"
	PurposeDataStorage      Purpose = "data_storage"
	PurposeAIProcessing     Purpose = "ai_processing"
	PurposeDocumentAnalysis Purpose = "document_analysis"
	PurposeTelemetry        Purpose = "telemetry"
)

// AllPurposes lists the vocabulary in display order.
var AllPurposes = []Purpose{PurposeCoreProcessing, PurposeDataStorage, PurposeAIProcessing, PurposeDocumentAnalysis, PurposeTelemetry}

// MandatoryPurposes are granted at registration and cannot be revoked while the account is active.
var MandatoryPurposes = []Purpose{PurposeCoreProcessing, PurposeDataStorage}

// Valid reports whether p belongs to the purpose vocabulary.
func (p Purpose) Valid() bool {
	switch p {
	case PurposeCoreProcessing, PurposeDataStorage, PurposeAIProcessing, PurposeDocumentAnalysis, PurposeTelemetry:
		return true
	}
	return false
}

// Mandatory reports whether p is required for core functionality.
func (p Purpose) Mandatory() bool {
	for _, m := range MandatoryPurposes {
		if m == p {
			return true
		}
	}
	return false
}

// ConsentRecord is one state transition for a (user, purpose) pair.
// The most recent record is the active state.
type ConsentRecord struct {
	ID            int64
	UserID        uuid.UUID
	Purpose       Purpose
	Granted       bool
	GrantedAt     *time.Time
	RevokedAt     *time.Time
	PolicyVersion string
	RecordedAt    time.Time
}
