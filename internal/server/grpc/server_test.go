package grpcserver

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	v1 "github.com/and161185/trustcore/api/trustcore/v1"
	"github.com/and161185/trustcore/internal/audit"
	pkgcrypto "github.com/and161185/trustcore/internal/crypto"
	"github.com/and161185/trustcore/internal/crypto/fieldcrypt"
	"github.com/and161185/trustcore/internal/errs"
	"github.com/and161185/trustcore/internal/migrate"
	sqliterepo "github.com/and161185/trustcore/internal/repository/sqlite"
	"github.com/and161185/trustcore/internal/service"
)

const (
	bufSize  = 1 << 20
	password = "SecurePass123!"
)

type sha256Hasher struct{}

func (sha256Hasher) Hash(pw string) ([]byte, []byte, error) {
	salt, err := pkgcrypto.RandBytes(pkgcrypto.SaltLen)
	if err != nil {
		return nil, nil, err
	}
	sum := sha256.Sum256(append(append([]byte(nil), salt...), pw...))
	return sum[:], salt, nil
}

func (sha256Hasher) Verify(pw string, hash, salt []byte) bool {
	sum := sha256.Sum256(append(append([]byte(nil), salt...), pw...))
	return subtle.ConstantTimeCompare(sum[:], hash) == 1
}

type harness struct {
	db     *sql.DB
	client *v1.TrustCoreClient
	health healthpb.HealthClient
	srv    *Server
}

func startBufGRPC(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	log := zaptest.NewLogger(t)

	db, err := sqliterepo.Open(ctx, sqliterepo.MemoryPath, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, migrate.Up(ctx, migrate.DriverSQLite, db, log))

	auditLog := audit.New(sqliterepo.NewAuditRepo(db), log)
	users := sqliterepo.NewUserRepo(db)
	auth, err := service.NewAuthService(service.AuthDeps{
		Users:    users,
		Sessions: sqliterepo.NewSessionRepo(db),
		Consents: sqliterepo.NewConsentRepo(db),
		Hasher:   sha256Hasher{},
		Audit:    auditLog,
		Log:      log,
	})
	require.NoError(t, err)
	cipher, err := fieldcrypt.New([]byte(strings.Repeat("k", fieldcrypt.KeySize)))
	require.NoError(t, err)

	srv := New(Deps{
		Auth:     auth,
		Guard:    service.NewGuard(auth, auditLog, log),
		Fields:   service.NewFieldService(cipher, auditLog, log),
		Audit:    auditLog,
		Consents: service.NewConsentLedger(sqliterepo.NewConsentRepo(db), users, auditLog, log, "1"),
		Log:      log,
	})
	gs, _ := NewGRPCServer(srv, auth, log)

	lis := bufconn.Listen(bufSize)
	go func() { _ = gs.Serve(lis) }()
	dialer := func(context.Context, string) (net.Conn, error) { return lis.Dial() }
	cc, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(dialer), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cc.Close(); gs.Stop(); _ = lis.Close() })

	return &harness{db: db, client: v1.NewTrustCoreClient(cc), health: healthpb.NewHealthClient(cc), srv: srv}
}

func withSession(sid string) context.Context {
	return metadata.AppendToOutgoingContext(context.Background(), "authorization", "Bearer "+sid)
}

func (h *harness) signup(t *testing.T, name string) (*v1.RegisterResponse, *v1.LoginResponse) {
	t.Helper()
	reg, err := h.client.Register(context.Background(), &v1.RegisterRequest{Username: name, Password: password, Email: name + "@example.org"})
	require.NoError(t, err)
	lr, err := h.client.Login(context.Background(), &v1.LoginRequest{Username: name, Password: password})
	require.NoError(t, err)
	return reg, lr
}

func requireCode(t *testing.T, err error, want codes.Code) *status.Status {
	t.Helper()
	st, ok := status.FromError(err)
	require.True(t, ok, "not a status error: %v", err)
	require.Equal(t, want, st.Code(), st.Message())
	return st
}

func TestServer_E2E_AliceFlow(t *testing.T) {
	t.Parallel()
	h := startBufGRPC(t)
	reg, lr := h.signup(t, "alice")
	assert.Equal(t, "alice", reg.User.Username)
	assert.Equal(t, reg.User.ID, lr.User.ID)
	assert.NotEmpty(t, lr.SessionID)

	ctx := withSession(lr.SessionID)

	vs, err := h.client.ValidateSession(ctx, &v1.ValidateSessionRequest{})
	require.NoError(t, err)
	require.True(t, vs.Valid)
	assert.Equal(t, reg.User.ID, vs.User.ID)

	az, err := h.client.Authorize(ctx, &v1.AuthorizeRequest{OwnerID: reg.User.ID, ResourceType: "case", ResourceID: "c1", AuditAccess: true})
	require.NoError(t, err)
	assert.Equal(t, reg.User.ID, az.User.ID)

	enc, err := h.client.EncryptField(ctx, &v1.EncryptFieldRequest{Plaintext: "case notes"})
	require.NoError(t, err)
	assert.True(t, fieldcrypt.IsFramed(enc.Envelope))

	dec, err := h.client.DecryptField(ctx, &v1.DecryptFieldRequest{Envelope: enc.Envelope, OwnerID: reg.User.ID})
	require.NoError(t, err)
	assert.Equal(t, "case notes", dec.Plaintext)

	_, err = h.client.GrantConsent(ctx, &v1.ConsentRequest{Purpose: "ai_processing"})
	require.NoError(t, err)
	cs, err := h.client.ConsentStatus(ctx, &v1.ConsentStatusRequest{})
	require.NoError(t, err)
	granted := map[string]bool{}
	for _, c := range cs.Consents {
		granted[c.Purpose] = c.Granted
	}
	assert.True(t, granted["ai_processing"])
	assert.True(t, granted["core_processing"])
	assert.False(t, granted["telemetry"])

	_, err = h.client.RevokeConsent(ctx, &v1.ConsentRequest{Purpose: "data_storage"})
	requireCode(t, err, codes.FailedPrecondition)

	ap, err := h.client.AppendAudit(ctx, &v1.AppendAuditRequest{EventType: "authz.granted", ResourceType: "case", ResourceID: "c1", Success: true})
	require.NoError(t, err)
	assert.Equal(t, reg.User.ID, ap.Entry.ActorID)

	rep, err := h.client.VerifyAudit(ctx, &v1.VerifyAuditRequest{})
	require.NoError(t, err)
	assert.Equal(t, ap.Entry.Seq, rep.To)
	assert.Equal(t, ap.Entry.ChainHash, rep.HeadHash)

	_, err = h.client.Logout(ctx, &v1.LogoutRequest{})
	require.NoError(t, err)
	_, err = h.client.Logout(ctx, &v1.LogoutRequest{})
	require.NoError(t, err)

	vs, err = h.client.ValidateSession(ctx, &v1.ValidateSessionRequest{})
	require.NoError(t, err)
	assert.False(t, vs.Valid)
	assert.Nil(t, vs.User)

	_, err = h.client.EncryptField(ctx, &v1.EncryptFieldRequest{Plaintext: "x"})
	requireCode(t, err, codes.Unauthenticated)
}

func TestServer_RegisterValidation(t *testing.T) {
	t.Parallel()
	h := startBufGRPC(t)

	_, err := h.client.Register(context.Background(), &v1.RegisterRequest{Username: "alice", Password: "short", Email: "alice@example.org"})
	st := requireCode(t, err, codes.InvalidArgument)
	assert.Contains(t, st.Message(), errs.RulePasswordLength)
	assert.Contains(t, st.Message(), errs.RulePasswordUpper)
	assert.Contains(t, st.Message(), errs.RulePasswordDigit)
}

func TestServer_LoginFailuresLookTheSame(t *testing.T) {
	t.Parallel()
	h := startBufGRPC(t)
	h.signup(t, "alice")

	_, errUnknown := h.client.Login(context.Background(), &v1.LoginRequest{Username: "nobody", Password: password})
	_, errWrong := h.client.Login(context.Background(), &v1.LoginRequest{Username: "alice", Password: "Wrong-Password1"})
	a := requireCode(t, errUnknown, codes.Unauthenticated)
	b := requireCode(t, errWrong, codes.Unauthenticated)
	assert.Equal(t, "invalid credentials", a.Message())
	assert.Equal(t, a.Message(), b.Message())
}

func TestServer_AuthorizeOtherUser(t *testing.T) {
	t.Parallel()
	h := startBufGRPC(t)
	alice, _ := h.signup(t, "alice")
	_, bob := h.signup(t, "bob")

	_, err := h.client.Authorize(withSession(bob.SessionID), &v1.AuthorizeRequest{OwnerID: alice.User.ID})
	requireCode(t, err, codes.PermissionDenied)

	_, err = h.client.Authorize(withSession("bogus"), &v1.AuthorizeRequest{OwnerID: alice.User.ID})
	requireCode(t, err, codes.Unauthenticated)

	_, err = h.client.Authorize(withSession(bob.SessionID), &v1.AuthorizeRequest{OwnerID: "not-a-uuid"})
	requireCode(t, err, codes.InvalidArgument)

	enc, err := h.client.EncryptField(withSession(bob.SessionID), &v1.EncryptFieldRequest{Plaintext: "bob's"})
	require.NoError(t, err)
	_, err = h.client.DecryptField(withSession(bob.SessionID), &v1.DecryptFieldRequest{Envelope: enc.Envelope, OwnerID: alice.User.ID})
	requireCode(t, err, codes.PermissionDenied)
}

func TestServer_DecryptFailureIsDataLoss(t *testing.T) {
	t.Parallel()
	h := startBufGRPC(t)
	_, lr := h.signup(t, "alice")

	_, err := h.client.DecryptField(withSession(lr.SessionID), &v1.DecryptFieldRequest{Envelope: fieldcrypt.Prefix + "garbage"})
	requireCode(t, err, codes.DataLoss)
}

func TestServer_TamperIsDataLoss(t *testing.T) {
	t.Parallel()
	h := startBufGRPC(t)
	_, lr := h.signup(t, "alice")

	_, err := h.db.Exec(`DROP TRIGGER audit_log_no_update`)
	require.NoError(t, err)
	_, err = h.db.Exec(`UPDATE audit_log SET details='{"username":"mallory"}' WHERE seq=1`)
	require.NoError(t, err)

	_, err = h.client.VerifyAudit(withSession(lr.SessionID), &v1.VerifyAuditRequest{})
	st := requireCode(t, err, codes.DataLoss)
	assert.Contains(t, st.Message(), "seq 1")
}

func TestServer_ChangePasswordEndsSession(t *testing.T) {
	t.Parallel()
	h := startBufGRPC(t)
	_, lr := h.signup(t, "alice")
	ctx := withSession(lr.SessionID)

	_, err := h.client.ChangePassword(ctx, &v1.ChangePasswordRequest{OldPassword: "nope", NewPassword: "New-Password42"})
	requireCode(t, err, codes.Unauthenticated)

	_, err = h.client.ChangePassword(ctx, &v1.ChangePasswordRequest{OldPassword: password, NewPassword: "New-Password42"})
	require.NoError(t, err)

	vs, err := h.client.ValidateSession(ctx, &v1.ValidateSessionRequest{})
	require.NoError(t, err)
	assert.False(t, vs.Valid)
}

func TestServer_Health(t *testing.T) {
	t.Parallel()
	h := startBufGRPC(t)

	resp, err := h.health.Check(context.Background(), &healthpb.HealthCheckRequest{Service: v1.ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
}

func TestServer_toStatus(t *testing.T) {
	t.Parallel()
	s := New(Deps{Log: zaptest.NewLogger(t)})

	cases := []struct {
		err  error
		want codes.Code
	}{
		{errs.NewValidation("username", errs.RuleUsernameFormat), codes.InvalidArgument},
		{errs.ErrInvalidCredentials, codes.Unauthenticated},
		{errs.ErrUnauthorized, codes.Unauthenticated},
		{errs.ErrForbidden, codes.PermissionDenied},
		{errs.ErrRateLimited, codes.ResourceExhausted},
		{fmt.Errorf("open: %w", errs.ErrDecryption), codes.DataLoss},
		{&errs.TamperError{AtSeq: 3, Reason: "content hash mismatch"}, codes.DataLoss},
		{errors.Join(&errs.TamperError{AtSeq: 3}, errors.New("incident append failed")), codes.DataLoss},
		{errs.ErrKeyUnavailable, codes.Unavailable},
		{errs.ErrConsentRequired, codes.FailedPrecondition},
		{errs.ErrNotFound, codes.NotFound},
		{context.DeadlineExceeded, codes.DeadlineExceeded},
		{errors.New("pq: connection refused"), codes.Internal},
	}
	for _, c := range cases {
		got := s.toStatus("m", c.err)
		assert.Equal(t, c.want, status.Code(got), c.err.Error())
	}
	assert.NoError(t, s.toStatus("m", nil))
	assert.Equal(t, "internal", status.Convert(s.toStatus("m", errors.New("secret detail"))).Message())
}
