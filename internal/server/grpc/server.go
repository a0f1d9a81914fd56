// Package grpcserver exposes the Trust Core over gRPC.
package grpcserver

import (
	"context"
	"errors"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	v1 "github.com/and161185/trustcore/api/trustcore/v1"
	"github.com/and161185/trustcore/internal/audit"
	"github.com/and161185/trustcore/internal/convert"
	"github.com/and161185/trustcore/internal/errs"
	"github.com/and161185/trustcore/internal/model"
	"github.com/and161185/trustcore/internal/service"
)

// Authorizer checks resource ownership. *service.Guard implements it.
type Authorizer interface {
	Authorize(ctx context.Context, sessionID string, ownerID uuid.UUID, opts ...service.AuthzOption) (service.Decision, error)
}

// Fields encrypts and decrypts column values. *service.FieldService implements it.
type Fields interface {
	EncryptField(ctx context.Context, plaintext string) (string, error)
	DecryptField(ctx context.Context, actorID *uuid.UUID, stored string) (string, error)
}

// AuditLog appends to and verifies the chain. *audit.Logger implements it.
type AuditLog interface {
	Append(ctx context.Context, in audit.Input) (model.AuditEntry, error)
	VerifyChain(ctx context.Context, from, to int64) (audit.Report, error)
}

// Consents manages consent state. *service.ConsentLedgerImpl implements it.
type Consents interface {
	Grant(ctx context.Context, userID uuid.UUID, purpose model.Purpose) error
	Revoke(ctx context.Context, userID uuid.UUID, purpose model.Purpose) error
	Status(ctx context.Context, userID uuid.UUID) ([]service.ConsentState, error)
}

// Deps groups the services behind the handlers.
type Deps struct {
	Auth     service.AuthService
	Guard    Authorizer
	Fields   Fields
	Audit    AuditLog
	Consents Consents
	Log      *zap.Logger
}

// Server wires services into gRPC handlers.
type Server struct {
	v1.UnimplementedTrustCoreServer
	auth     service.AuthService
	guard    Authorizer
	fields   Fields
	audit    AuditLog
	consents Consents
	log      *zap.Logger
}

var _ v1.TrustCoreServer = (*Server)(nil)

// New constructs a gRPC server with injected services.
func New(d Deps) *Server {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{auth: d.Auth, guard: d.Guard, fields: d.Fields, audit: d.Audit, consents: d.Consents, log: log}
}

// NewGRPCServer builds a grpc.Server with the standard interceptor chain and
// registers the TrustCore and health services.
func NewGRPCServer(srv *Server, sessions service.SessionValidator, log *zap.Logger, opts ...grpc.ServerOption) (*grpc.Server, *health.Server) {
	opts = append(opts, grpc.ChainUnaryInterceptor(
		RecoverUnary(log),
		LoggingUnary(log),
		AuthUnary(sessions, log),
	))
	gs := grpc.NewServer(opts...)
	v1.RegisterTrustCoreServer(gs, srv)

	hs := health.NewServer()
	hs.SetServingStatus(v1.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(gs, hs)
	return gs, hs
}

// toStatus maps domain errors to gRPC codes. Messages stay generic; details
// live in the audit log.
func (s *Server) toStatus(method string, err error) error {
	var ve *errs.ValidationError
	var te *errs.TamperError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &ve):
		return status.Error(codes.InvalidArgument, ve.Error())
	case errors.Is(err, errs.ErrInvalidCredentials):
		return status.Error(codes.Unauthenticated, "invalid credentials")
	case errors.Is(err, errs.ErrUnauthorized):
		return status.Error(codes.Unauthenticated, "unauthorized")
	case errors.Is(err, errs.ErrForbidden):
		return status.Error(codes.PermissionDenied, "forbidden")
	case errors.Is(err, errs.ErrRateLimited):
		return status.Error(codes.ResourceExhausted, "rate limited")
	case errors.As(err, &te):
		return status.Error(codes.DataLoss, te.Error())
	case errors.Is(err, errs.ErrDecryption):
		return status.Error(codes.DataLoss, "decryption failed")
	case errors.Is(err, errs.ErrKeyUnavailable):
		return status.Error(codes.Unavailable, "key unavailable")
	case errors.Is(err, errs.ErrConsentRequired):
		return status.Error(codes.FailedPrecondition, "consent required")
	case errors.Is(err, errs.ErrNotFound):
		return status.Error(codes.NotFound, "not found")
	case errors.Is(err, errs.ErrAlreadyExists):
		return status.Error(codes.AlreadyExists, "already exists")
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, "canceled")
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, "deadline exceeded")
	default:
		s.log.Error("request failed", zap.String("method", method), zap.Error(err))
		return status.Error(codes.Internal, "internal")
	}
}

func (s *Server) caller(ctx context.Context) (model.PublicUser, error) {
	u, ok := CallerFromCtx(ctx)
	if !ok {
		return model.PublicUser{}, status.Error(codes.Unauthenticated, "unauthorized")
	}
	return u, nil
}

// --- Auth ---

// Register creates a new user account.
func (s *Server) Register(ctx context.Context, req *v1.RegisterRequest) (*v1.RegisterResponse, error) {
	u, err := s.auth.Register(ctx, req.Username, req.Password, req.Email)
	if err != nil {
		return nil, s.toStatus(v1.MethodRegister, err)
	}
	return &v1.RegisterResponse{User: convert.ToWireUser(u)}, nil
}

// Login authenticates a user and issues a session.
func (s *Server) Login(ctx context.Context, req *v1.LoginRequest) (*v1.LoginResponse, error) {
	res, err := s.auth.Login(ctx, service.LoginRequest{
		Username:   req.Username,
		Password:   req.Password,
		RememberMe: req.RememberMe,
		Origin:     remoteIP(ctx),
		UserAgent:  userAgent(ctx),
	})
	if err != nil {
		return nil, s.toStatus(v1.MethodLogin, err)
	}
	return &v1.LoginResponse{
		SessionID: res.Session.ID,
		ExpiresAt: res.Session.ExpiresAt.UTC(),
		User:      convert.ToWireUser(res.User),
	}, nil
}

// Logout ends the presented session. It succeeds for unknown sessions.
func (s *Server) Logout(ctx context.Context, _ *v1.LogoutRequest) (*v1.LogoutResponse, error) {
	if err := s.auth.Logout(ctx, SessionIDFromCtx(ctx)); err != nil {
		return nil, s.toStatus(v1.MethodLogout, err)
	}
	return &v1.LogoutResponse{}, nil
}

// ValidateSession reports whether the presented session is live.
func (s *Server) ValidateSession(ctx context.Context, _ *v1.ValidateSessionRequest) (*v1.ValidateSessionResponse, error) {
	u, err := s.auth.ValidateSession(ctx, SessionIDFromCtx(ctx))
	if err != nil {
		return nil, s.toStatus(v1.MethodValidateSession, err)
	}
	if u == nil {
		return &v1.ValidateSessionResponse{}, nil
	}
	w := convert.ToWireUser(*u)
	return &v1.ValidateSessionResponse{Valid: true, User: &w}, nil
}

// Authorize checks that the presented session owns the resource.
func (s *Server) Authorize(ctx context.Context, req *v1.AuthorizeRequest) (*v1.AuthorizeResponse, error) {
	owner, err := convert.ParseID(req.OwnerID)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "bad owner_id")
	}
	opt := service.WithResource(req.ResourceType, req.ResourceID)
	if req.AuditAccess {
		opt = service.WithAccessAudit(req.ResourceType, req.ResourceID)
	}
	d, err := s.guard.Authorize(ctx, SessionIDFromCtx(ctx), owner, opt)
	if err != nil {
		return nil, s.toStatus(v1.MethodAuthorize, err)
	}
	return &v1.AuthorizeResponse{User: convert.ToWireUser(d.User)}, nil
}

// ChangePassword replaces the caller's password and ends all their sessions.
func (s *Server) ChangePassword(ctx context.Context, req *v1.ChangePasswordRequest) (*v1.ChangePasswordResponse, error) {
	u, err := s.caller(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.auth.ChangePassword(ctx, u.ID, req.OldPassword, req.NewPassword); err != nil {
		return nil, s.toStatus(v1.MethodChangePassword, err)
	}
	return &v1.ChangePasswordResponse{}, nil
}

// --- Fields ---

// EncryptField seals a value for storage.
func (s *Server) EncryptField(ctx context.Context, req *v1.EncryptFieldRequest) (*v1.EncryptFieldResponse, error) {
	if _, err := s.caller(ctx); err != nil {
		return nil, err
	}
	env, err := s.fields.EncryptField(ctx, req.Plaintext)
	if err != nil {
		return nil, s.toStatus(v1.MethodEncryptField, err)
	}
	return &v1.EncryptFieldResponse{Envelope: env}, nil
}

// DecryptField opens a stored value. With owner_id set the caller must own it.
func (s *Server) DecryptField(ctx context.Context, req *v1.DecryptFieldRequest) (*v1.DecryptFieldResponse, error) {
	u, err := s.caller(ctx)
	if err != nil {
		return nil, err
	}
	if req.OwnerID != "" {
		owner, err := convert.ParseID(req.OwnerID)
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, "bad owner_id")
		}
		if _, err := s.guard.Authorize(ctx, SessionIDFromCtx(ctx), owner, service.WithResource("field", "")); err != nil {
			return nil, s.toStatus(v1.MethodDecryptField, err)
		}
	}
	pt, err := s.fields.DecryptField(ctx, &u.ID, req.Envelope)
	if err != nil {
		return nil, s.toStatus(v1.MethodDecryptField, err)
	}
	return &v1.DecryptFieldResponse{Plaintext: pt}, nil
}

// --- Audit ---

// AppendAudit records an event on behalf of the caller.
func (s *Server) AppendAudit(ctx context.Context, req *v1.AppendAuditRequest) (*v1.AppendAuditResponse, error) {
	u, err := s.caller(ctx)
	if err != nil {
		return nil, err
	}
	in, err := convert.FromWireAppend(req, u.ID)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	e, err := s.audit.Append(ctx, in)
	if err != nil {
		return nil, s.toStatus(v1.MethodAppendAudit, err)
	}
	return &v1.AppendAuditResponse{Entry: convert.ToWireEntry(e)}, nil
}

// VerifyAudit recomputes the chain over a range.
func (s *Server) VerifyAudit(ctx context.Context, req *v1.VerifyAuditRequest) (*v1.VerifyAuditResponse, error) {
	if _, err := s.caller(ctx); err != nil {
		return nil, err
	}
	rep, err := s.audit.VerifyChain(ctx, req.From, req.To)
	if err != nil {
		return nil, s.toStatus(v1.MethodVerifyAudit, err)
	}
	return convert.ToWireReport(rep), nil
}

// --- Consent ---

// GrantConsent records consent for the caller.
func (s *Server) GrantConsent(ctx context.Context, req *v1.ConsentRequest) (*v1.ConsentResponse, error) {
	u, err := s.caller(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.consents.Grant(ctx, u.ID, model.Purpose(req.Purpose)); err != nil {
		return nil, s.toStatus(v1.MethodGrantConsent, err)
	}
	return &v1.ConsentResponse{}, nil
}

// RevokeConsent withdraws consent for the caller.
func (s *Server) RevokeConsent(ctx context.Context, req *v1.ConsentRequest) (*v1.ConsentResponse, error) {
	u, err := s.caller(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.consents.Revoke(ctx, u.ID, model.Purpose(req.Purpose)); err != nil {
		return nil, s.toStatus(v1.MethodRevokeConsent, err)
	}
	return &v1.ConsentResponse{}, nil
}

// ConsentStatus lists the caller's consent state per purpose.
func (s *Server) ConsentStatus(ctx context.Context, _ *v1.ConsentStatusRequest) (*v1.ConsentStatusResponse, error) {
	u, err := s.caller(ctx)
	if err != nil {
		return nil, err
	}
	st, err := s.consents.Status(ctx, u.ID)
	if err != nil {
		return nil, s.toStatus(v1.MethodConsentStatus, err)
	}
	return &v1.ConsentStatusResponse{Consents: convert.ToWireConsents(st)}, nil
}
