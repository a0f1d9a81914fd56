// Package service contains the Trust Core application services: authentication,
// authorization, consent and audited field encryption.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/trustcore/internal/audit"
	pkgcrypto "github.com/and161185/trustcore/internal/crypto"
	"github.com/and161185/trustcore/internal/errs"
	"github.com/and161185/trustcore/internal/limiter"
	"github.com/and161185/trustcore/internal/model"
	"github.com/and161185/trustcore/internal/repository"
)

// Session lifetimes.
const (
	DefaultSessionTTL  = 24 * time.Hour
	DefaultRememberTTL = 30 * 24 * time.Hour

	sessionIDBytes = 32
)

// Auditor appends to the audit chain. *audit.Logger implements it.
type Auditor interface {
	Append(ctx context.Context, in audit.Input) (model.AuditEntry, error)
}

// ResourceEraser removes data an erased user owns outside the Trust Core.
type ResourceEraser interface {
	EraseOwner(ctx context.Context, userID uuid.UUID) error
}

// AuthService defines account and session operations.
type AuthService interface {
	// Register validates input, creates the user and records mandatory consents.
	Register(ctx context.Context, username, password, email string) (model.PublicUser, error)
	// Login authenticates and issues a session.
	Login(ctx context.Context, req LoginRequest) (LoginResult, error)
	// Logout destroys a session; unknown ids are not an error.
	Logout(ctx context.Context, sessionID string) error
	// ValidateSession returns the session owner, or nil when there is no live session.
	ValidateSession(ctx context.Context, sessionID string) (*model.PublicUser, error)
	// ChangePassword re-verifies the old password and replaces it.
	ChangePassword(ctx context.Context, userID uuid.UUID, oldPassword, newPassword string) error
}

// LoginRequest carries credentials and optional client metadata.
type LoginRequest struct {
	Username   string
	Password   string
	RememberMe bool
	Origin     string
	UserAgent  string
}

// LoginResult is returned on successful authentication.
type LoginResult struct {
	User    model.PublicUser
	Session model.Session
}

// AuthDeps groups the collaborators of AuthServiceImpl.
type AuthDeps struct {
	Users    repository.UserRepository
	Sessions repository.SessionRepository
	Consents repository.ConsentRepository
	Hasher   pkgcrypto.Hasher
	Audit    Auditor
	Limiter  limiter.Limiter // nil disables rate limiting
	Log      *zap.Logger
}

type AuthServiceImpl struct {
	users    repository.UserRepository
	sessions repository.SessionRepository
	consents repository.ConsentRepository
	hasher   pkgcrypto.Hasher
	audit    Auditor
	lim      limiter.Limiter
	log      *zap.Logger

	now           func() time.Time
	sessionTTL    time.Duration
	rememberTTL   time.Duration
	policyVersion string
	erasers       []ResourceEraser

	// verified against when the username is unknown, so both failure paths cost the same
	dummyHash, dummySalt []byte
}

// AuthOption configures AuthServiceImpl.
type AuthOption func(*AuthServiceImpl)

// WithClock overrides the time source.
func WithClock(now func() time.Time) AuthOption { return func(s *AuthServiceImpl) { s.now = now } }

// WithSessionTTL overrides the default and remember-me session lifetimes.
func WithSessionTTL(ttl, remember time.Duration) AuthOption {
	return func(s *AuthServiceImpl) {
		if ttl > 0 {
			s.sessionTTL = ttl
		}
		if remember > 0 {
			s.rememberTTL = remember
		}
	}
}

// WithPolicyVersion sets the consent policy version recorded at registration.
func WithPolicyVersion(v string) AuthOption { return func(s *AuthServiceImpl) { s.policyVersion = v } }

// WithEraser registers an owner of external resources for cascade erasure.
func WithEraser(e ResourceEraser) AuthOption {
	return func(s *AuthServiceImpl) { s.erasers = append(s.erasers, e) }
}

// NewAuthService constructs AuthService with required dependencies.
func NewAuthService(d AuthDeps, opts ...AuthOption) (*AuthServiceImpl, error) {
	if d.Users == nil || d.Sessions == nil || d.Consents == nil || d.Hasher == nil || d.Audit == nil {
		return nil, errors.New("auth service: missing dependency")
	}
	s := &AuthServiceImpl{
		users:         d.Users,
		sessions:      d.Sessions,
		consents:      d.Consents,
		hasher:        d.Hasher,
		audit:         d.Audit,
		lim:           d.Limiter,
		log:           d.Log,
		now:           time.Now,
		sessionTTL:    DefaultSessionTTL,
		rememberTTL:   DefaultRememberTTL,
		policyVersion: "1",
	}
	if s.lim == nil {
		s.lim = limiter.Nop{}
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	for _, o := range opts {
		o(s)
	}
	dummy, err := pkgcrypto.RandBytes(24)
	if err != nil {
		return nil, err
	}
	if s.dummyHash, s.dummySalt, err = s.hasher.Hash(base64.RawStdEncoding.EncodeToString(dummy)); err != nil {
		return nil, fmt.Errorf("dummy hash: %w", err)
	}
	return s, nil
}

// sessionRef identifies a session in logs and audit entries without exposing the bearer secret.
func sessionRef(id string) string {
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:8])
}

func newSessionID() (string, error) {
	b, err := pkgcrypto.RandBytes(sessionIDBytes)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Register creates a new user.
func (s *AuthServiceImpl) Register(ctx context.Context, username, password, email string) (model.PublicUser, error) {
	username = strings.TrimSpace(username)
	email = normalizeEmail(email)

	ve := &errs.ValidationError{}
	validateUsername(ve, username)
	validateEmail(ve, email)
	validatePassword(ve, "password", password)
	if !ve.Has(errs.RuleUsernameFormat) && !ve.Has(errs.RuleEmailFormat) && username != "" && email != "" {
		nameTaken, emailTaken, err := s.users.ExistsUsernameOrEmail(ctx, username, email)
		if err != nil {
			return model.PublicUser{}, err
		}
		if nameTaken {
			ve.Add("username", errs.RuleUsernameTaken)
		}
		if emailTaken {
			ve.Add("email", errs.RuleEmailTaken)
		}
	}
	if err := ve.OrNil(); err != nil {
		return model.PublicUser{}, err
	}

	uid, err := uuid.NewV4()
	if err != nil {
		return model.PublicUser{}, err
	}
	hash, salt, err := s.hasher.Hash(password)
	if err != nil {
		return model.PublicUser{}, err
	}
	now := s.now().UTC()
	u := &model.User{
		ID:        uid,
		Username:  username,
		Email:     email,
		PwdHash:   hash,
		PwdSalt:   salt,
		Role:      model.RoleUser,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.users.Create(ctx, u); err != nil {
		if errors.Is(err, errs.ErrAlreadyExists) {
			// lost a race with a concurrent registration
			return model.PublicUser{}, errs.NewValidation("username", errs.RuleUsernameTaken)
		}
		return model.PublicUser{}, err
	}

	purposes := make([]string, 0, len(model.MandatoryPurposes))
	for _, p := range model.MandatoryPurposes {
		rec := &model.ConsentRecord{UserID: uid, Purpose: p, Granted: true, GrantedAt: &now, PolicyVersion: s.policyVersion, RecordedAt: now}
		if err := s.consents.Append(ctx, rec); err != nil {
			s.compensateUser(ctx, uid)
			return model.PublicUser{}, err
		}
		purposes = append(purposes, string(p))
	}

	if _, err := s.audit.Append(ctx, audit.Input{
		EventType:    model.EventUserRegister,
		ActorID:      &uid,
		ResourceType: "user",
		ResourceID:   uid.String(),
		Success:      true,
		Details:      map[string]string{"username": username, "consents": strings.Join(purposes, ","), "policy_version": s.policyVersion},
	}); err != nil {
		s.compensateUser(ctx, uid)
		return model.PublicUser{}, err
	}
	s.log.Info("user registered", zap.String("user_id", uid.String()))
	return u.Public(), nil
}

func (s *AuthServiceImpl) compensateUser(ctx context.Context, uid uuid.UUID) {
	if err := s.users.Delete(ctx, uid); err != nil {
		s.log.Error("compensating user delete failed", zap.String("user_id", uid.String()), zap.Error(err))
	}
}

// Login authenticates with rate limiting by (username, origin).
// Unknown users, wrong passwords and inactive accounts all yield
// errs.ErrInvalidCredentials after the same amount of hashing work.
func (s *AuthServiceImpl) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	req.Username = strings.TrimSpace(req.Username)
	ipHash := limiter.HashIP(req.Origin)
	// the name is caller input; the audit log only takes valid UTF-8
	attempted := strings.ToValidUTF8(req.Username, "\uFFFD")

	allowed, retry, err := s.lim.Allow(ctx, req.Username, ipHash)
	if err != nil {
		return LoginResult{}, err
	}
	if !allowed {
		if _, aerr := s.audit.Append(ctx, audit.Input{
			EventType:    model.EventUserLoginFailed,
			ResourceType: "user",
			ResourceID:   attempted,
			Details:      map[string]string{"reason": "rate limited", "retry_after": retry.Round(time.Second).String()},
		}); aerr != nil {
			return LoginResult{}, aerr
		}
		return LoginResult{}, errs.ErrRateLimited
	}

	u, err := s.users.GetByUsername(ctx, req.Username)
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		return LoginResult{}, err
	}

	if u == nil {
		s.hasher.Verify(req.Password, s.dummyHash, s.dummySalt)
		return LoginResult{}, s.loginFailed(ctx, req, ipHash, audit.Input{
			EventType:    model.EventUserLogin,
			ResourceType: "user",
			ResourceID:   attempted,
			Details:      map[string]string{"reason": "not found"},
		})
	}

	ok := s.hasher.Verify(req.Password, u.PwdHash, u.PwdSalt)
	if !ok || !u.Active {
		reason := "bad password"
		if ok {
			reason = "inactive"
		}
		return LoginResult{}, s.loginFailed(ctx, req, ipHash, audit.Input{
			EventType:    model.EventUserLoginFailed,
			ActorID:      &u.ID,
			ResourceType: "user",
			ResourceID:   u.ID.String(),
			Details:      map[string]string{"reason": reason},
		})
	}

	if err := s.lim.Success(ctx, req.Username, ipHash); err != nil {
		s.log.Warn("limiter reset failed", zap.Error(err))
	}

	id, err := newSessionID()
	if err != nil {
		return LoginResult{}, err
	}
	now := s.now().UTC()
	ttl := s.sessionTTL
	if req.RememberMe {
		ttl = s.rememberTTL
	}
	sess := model.Session{
		ID:        id,
		UserID:    u.ID,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		Origin:    req.Origin,
		UserAgent: req.UserAgent,
	}
	if err := s.sessions.Create(ctx, &sess); err != nil {
		return LoginResult{}, err
	}
	if err := s.users.TouchLogin(ctx, u.ID, now); err != nil {
		s.dropSession(ctx, id)
		return LoginResult{}, err
	}
	u.LastLoginAt = &now

	if _, err := s.audit.Append(ctx, audit.Input{
		EventType:    model.EventUserLogin,
		ActorID:      &u.ID,
		ResourceType: "session",
		ResourceID:   sessionRef(id),
		Success:      true,
		Details:      map[string]string{"remember_me": strconv.FormatBool(req.RememberMe)},
	}); err != nil {
		s.dropSession(ctx, id)
		return LoginResult{}, err
	}
	return LoginResult{User: u.Public(), Session: sess}, nil
}

// loginFailed records the failure and returns the error the caller sees.
func (s *AuthServiceImpl) loginFailed(ctx context.Context, req LoginRequest, ipHash []byte, in audit.Input) error {
	blocked, _, ferr := s.lim.Failure(ctx, req.Username, ipHash)
	if ferr != nil {
		s.log.Warn("limiter failure record failed", zap.Error(ferr))
	}
	if _, err := s.audit.Append(ctx, in); err != nil {
		return err
	}
	if blocked {
		return errs.ErrRateLimited
	}
	return errs.ErrInvalidCredentials
}

func (s *AuthServiceImpl) dropSession(ctx context.Context, id string) {
	if _, err := s.sessions.Delete(ctx, id); err != nil {
		s.log.Error("compensating session delete failed", zap.String("session", sessionRef(id)), zap.Error(err))
	}
}

// Logout deletes the session. Calling it for an unknown or already
// deleted session is a no-op.
func (s *AuthServiceImpl) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	sess, err := s.sessions.FindByID(ctx, sessionID)
	if errors.Is(err, errs.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	found, err := s.sessions.Delete(ctx, sessionID)
	if err != nil {
		return err
	}
	if !found {
		// a concurrent logout won
		return nil
	}
	_, err = s.audit.Append(ctx, audit.Input{
		EventType:    model.EventUserLogout,
		ActorID:      &sess.UserID,
		ResourceType: "session",
		ResourceID:   sessionRef(sessionID),
		Success:      true,
	})
	return err
}

// ValidateSession returns the owning user of a live session. Missing,
// expired and orphaned sessions yield (nil, nil); only storage or audit
// failures are errors.
func (s *AuthServiceImpl) ValidateSession(ctx context.Context, sessionID string) (*model.PublicUser, error) {
	_, u, err := s.resolve(ctx, sessionID)
	if err != nil || u == nil {
		return nil, err
	}
	pub := u.Public()
	return &pub, nil
}

// resolve loads a live session and its active owner.
func (s *AuthServiceImpl) resolve(ctx context.Context, sessionID string) (*model.Session, *model.User, error) {
	if sessionID == "" {
		return nil, nil, nil
	}
	sess, err := s.sessions.FindByID(ctx, sessionID)
	if errors.Is(err, errs.ErrNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}

	if sess.Expired(s.now()) {
		found, err := s.sessions.Delete(ctx, sessionID)
		if err != nil {
			return nil, nil, err
		}
		if found {
			if _, err := s.audit.Append(ctx, audit.Input{
				EventType:    model.EventSessionExpired,
				ActorID:      &sess.UserID,
				ResourceType: "session",
				ResourceID:   sessionRef(sessionID),
				Success:      true,
				Details:      map[string]string{"expired_at": sess.ExpiresAt.UTC().Format(time.RFC3339)},
			}); err != nil {
				return nil, nil, err
			}
		}
		return nil, nil, nil
	}

	u, err := s.users.GetByID(ctx, sess.UserID)
	if errors.Is(err, errs.ErrNotFound) {
		s.dropSession(ctx, sessionID)
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	if !u.Active {
		return nil, nil, nil
	}
	return sess, u, nil
}

// ErrSessionsNotRevoked reports a password change that was applied while
// revoking the user's sessions failed.
var ErrSessionsNotRevoked = errors.New("password changed, sessions not revoked")

// ChangePassword re-verifies the old password, applies the policy to the new
// one, re-hashes with a fresh salt and revokes every session of the user.
// An error wrapping ErrSessionsNotRevoked means the new password is stored
// and audited but old sessions may still be live; callers should retry
// RevokeSessions.
func (s *AuthServiceImpl) ChangePassword(ctx context.Context, userID uuid.UUID, oldPassword, newPassword string) error {
	u, err := s.users.GetByID(ctx, userID)
	if errors.Is(err, errs.ErrNotFound) {
		s.hasher.Verify(oldPassword, s.dummyHash, s.dummySalt)
		return errs.ErrInvalidCredentials
	}
	if err != nil {
		return err
	}
	if !s.hasher.Verify(oldPassword, u.PwdHash, u.PwdSalt) {
		if _, err := s.audit.Append(ctx, audit.Input{
			EventType:    model.EventUserPasswordChange,
			ActorID:      &u.ID,
			ResourceType: "user",
			ResourceID:   u.ID.String(),
			Details:      map[string]string{"reason": "bad password"},
		}); err != nil {
			return err
		}
		return errs.ErrInvalidCredentials
	}

	ve := &errs.ValidationError{}
	validatePassword(ve, "new_password", newPassword)
	if err := ve.OrNil(); err != nil {
		return err
	}

	hash, salt, err := s.hasher.Hash(newPassword)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	if err := s.users.UpdatePassword(ctx, u.ID, hash, salt, now); err != nil {
		return err
	}
	if _, err := s.audit.Append(ctx, audit.Input{
		EventType:    model.EventUserPasswordChange,
		ActorID:      &u.ID,
		ResourceType: "user",
		ResourceID:   u.ID.String(),
		Success:      true,
	}); err != nil {
		if rerr := s.users.UpdatePassword(ctx, u.ID, u.PwdHash, u.PwdSalt, u.UpdatedAt); rerr != nil {
			s.log.Error("password restore failed", zap.String("user_id", u.ID.String()), zap.Error(rerr))
		}
		return err
	}
	if _, err := s.revokeSessions(ctx, u.ID, "password change"); err != nil {
		s.log.Error("password changed but sessions not revoked", zap.String("user_id", u.ID.String()), zap.Error(err))
		return fmt.Errorf("%w: %w", ErrSessionsNotRevoked, err)
	}
	return nil
}

// RevokeSessions ends every session of a user.
func (s *AuthServiceImpl) RevokeSessions(ctx context.Context, userID uuid.UUID) (int64, error) {
	return s.revokeSessions(ctx, userID, "revoked")
}

func (s *AuthServiceImpl) revokeSessions(ctx context.Context, userID uuid.UUID, reason string) (int64, error) {
	n, err := s.sessions.DeleteByUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	_, err = s.audit.Append(ctx, audit.Input{
		EventType:    model.EventSessionRevoked,
		ActorID:      &userID,
		ResourceType: "user",
		ResourceID:   userID.String(),
		Success:      true,
		Details:      map[string]string{"count": strconv.FormatInt(n, 10), "reason": reason},
	})
	return n, err
}

// Deactivate disables the account and ends its sessions.
func (s *AuthServiceImpl) Deactivate(ctx context.Context, userID uuid.UUID) error {
	now := s.now().UTC()
	if err := s.users.SetActive(ctx, userID, false, now); err != nil {
		return err
	}
	if _, err := s.audit.Append(ctx, audit.Input{
		EventType:    model.EventUserDeactivated,
		ActorID:      &userID,
		ResourceType: "user",
		ResourceID:   userID.String(),
		Success:      true,
	}); err != nil {
		if rerr := s.users.SetActive(ctx, userID, true, now); rerr != nil {
			s.log.Error("reactivation failed", zap.String("user_id", userID.String()), zap.Error(rerr))
		}
		return err
	}
	_, err := s.revokeSessions(ctx, userID, "deactivated")
	return err
}

// Erase physically removes the user. The user.erased entry is written before
// anything is removed and a later failure is recorded as a failed erase.
// Registered erasers run first so external resources never outlive their
// owner; consent history cascades in storage. Audit entries are kept.
func (s *AuthServiceImpl) Erase(ctx context.Context, userID uuid.UUID) error {
	if _, err := s.users.GetByID(ctx, userID); err != nil {
		return err
	}
	in := audit.Input{
		EventType:    model.EventUserErased,
		ActorID:      &userID,
		ResourceType: "user",
		ResourceID:   userID.String(),
		Success:      true,
	}
	if _, err := s.audit.Append(ctx, in); err != nil {
		return err
	}
	if err := s.erase(ctx, userID); err != nil {
		in.Success = false
		in.Details = map[string]string{"reason": "storage failure"}
		if _, aerr := s.audit.Append(ctx, in); aerr != nil {
			s.log.Error("erase failure not audited", zap.String("user_id", userID.String()), zap.Error(aerr))
		}
		return err
	}
	return nil
}

func (s *AuthServiceImpl) erase(ctx context.Context, userID uuid.UUID) error {
	for _, e := range s.erasers {
		if err := e.EraseOwner(ctx, userID); err != nil {
			return fmt.Errorf("erase owned resources: %w", err)
		}
	}
	if _, err := s.sessions.DeleteByUser(ctx, userID); err != nil {
		return fmt.Errorf("erase sessions: %w", err)
	}
	if err := s.users.Delete(ctx, userID); err != nil {
		return fmt.Errorf("erase user: %w", err)
	}
	return nil
}
