// Package trustcorev1 defines the trustcore.v1.TrustCore gRPC contract:
// JSON wire messages, the codec that carries them and the service descriptor.
package trustcorev1

import "time"

// User is the public projection of an account.
type User struct {
	ID          string     `json:"id"`
	Username    string     `json:"username"`
	Email       string     `json:"email"`
	Role        string     `json:"role"`
	Active      bool       `json:"active"`
	CreatedAt   time.Time  `json:"created_at"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
}

type RegisterRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Email    string `json:"email"`
}

type RegisterResponse struct {
	User User `json:"user"`
}

type LoginRequest struct {
	Username   string `json:"username"`
	Password   string `json:"password"`
	RememberMe bool   `json:"remember_me,omitempty"`
}

type LoginResponse struct {
	SessionID string    `json:"session_id"`
	ExpiresAt time.Time `json:"expires_at"`
	User      User      `json:"user"`
}

type LogoutRequest struct{}

type LogoutResponse struct{}

type ValidateSessionRequest struct{}

type ValidateSessionResponse struct {
	Valid bool  `json:"valid"`
	User  *User `json:"user,omitempty"`
}

type AuthorizeRequest struct {
	OwnerID      string `json:"owner_id"`
	ResourceType string `json:"resource_type,omitempty"`
	ResourceID   string `json:"resource_id,omitempty"`
	AuditAccess  bool   `json:"audit_access,omitempty"`
}

type AuthorizeResponse struct {
	User User `json:"user"`
}

type EncryptFieldRequest struct {
	Plaintext string `json:"plaintext"`
}

type EncryptFieldResponse struct {
	Envelope string `json:"envelope"`
}

type DecryptFieldRequest struct {
	Envelope string `json:"envelope"`
	// OwnerID, when set, must match the caller.
	OwnerID string `json:"owner_id,omitempty"`
}

type DecryptFieldResponse struct {
	Plaintext string `json:"plaintext"`
}

// AuditEntry is a stored audit record.
type AuditEntry struct {
	Seq          int64             `json:"seq"`
	Timestamp    time.Time         `json:"ts"`
	EventType    string            `json:"event_type"`
	ActorID      string            `json:"actor_id,omitempty"`
	ResourceType string            `json:"resource_type,omitempty"`
	ResourceID   string            `json:"resource_id,omitempty"`
	Success      bool              `json:"success"`
	Details      map[string]string `json:"details,omitempty"`
	ContentHash  string            `json:"content_hash"`
	PrevHash     string            `json:"prev_hash"`
	ChainHash    string            `json:"chain_hash"`
}

type AppendAuditRequest struct {
	EventType    string            `json:"event_type"`
	ResourceType string            `json:"resource_type,omitempty"`
	ResourceID   string            `json:"resource_id,omitempty"`
	Success      bool              `json:"success"`
	Details      map[string]string `json:"details,omitempty"`
}

type AppendAuditResponse struct {
	Entry AuditEntry `json:"entry"`
}

type VerifyAuditRequest struct {
	From int64 `json:"from,omitempty"`
	To   int64 `json:"to,omitempty"` // 0 means the head
}

type VerifyAuditResponse struct {
	From     int64  `json:"from"`
	To       int64  `json:"to"`
	Checked  int    `json:"checked"`
	HeadHash string `json:"head_hash"`
}

type ConsentRequest struct {
	Purpose string `json:"purpose"`
}

type ConsentResponse struct{}

type ConsentStatusRequest struct{}

type Consent struct {
	Purpose       string     `json:"purpose"`
	Granted       bool       `json:"granted"`
	Mandatory     bool       `json:"mandatory"`
	PolicyVersion string     `json:"policy_version,omitempty"`
	Since         *time.Time `json:"since,omitempty"`
}

type ConsentStatusResponse struct {
	Consents []Consent `json:"consents"`
}

type ChangePasswordRequest struct {
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
}

type ChangePasswordResponse struct{}
