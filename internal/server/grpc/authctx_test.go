package grpcserver

import (
	"context"
	"errors"
	"testing"

	"github.com/gofrs/uuid/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	v1 "github.com/and161185/trustcore/api/trustcore/v1"
	"github.com/and161185/trustcore/internal/model"
)

func TestCallerAndSessionCtx(t *testing.T) {
	t.Parallel()

	if _, ok := CallerFromCtx(context.Background()); ok {
		t.Fatalf("expected no caller in empty ctx")
	}
	if SessionIDFromCtx(context.Background()) != "" {
		t.Fatalf("expected no session in empty ctx")
	}

	want := model.PublicUser{ID: uuid.Must(uuid.NewV4()), Username: "alice"}
	ctx := WithSessionID(WithCaller(context.Background(), want), "sid")
	got, ok := CallerFromCtx(ctx)
	if !ok || got.ID != want.ID {
		t.Fatalf("caller mismatch: %+v", got)
	}
	if SessionIDFromCtx(ctx) != "sid" {
		t.Fatalf("session mismatch")
	}

	bad := context.WithValue(context.Background(), callerKey, "not-a-user")
	if _, ok := CallerFromCtx(bad); ok {
		t.Fatalf("expected miss on wrong typed value")
	}
}

func Test_sessionFromMD_OkAndErrors(t *testing.T) {
	t.Parallel()

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer abc"))
	got, err := sessionFromMD(ctx)
	if err != nil || got != "abc" {
		t.Fatalf("ok: got=%q err=%v", got, err)
	}

	ctx = metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Basic foo"))
	if _, err := sessionFromMD(ctx); err == nil {
		t.Fatalf("want error on non-bearer")
	}

	ctx = metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer   "))
	if _, err := sessionFromMD(ctx); err == nil {
		t.Fatalf("want error on empty session")
	}

	if _, err := sessionFromMD(context.Background()); err == nil {
		t.Fatalf("want error on no metadata")
	}
}

func Test_remoteIP_StripsPort(t *testing.T) {
	t.Parallel()

	if got := remoteIP(context.Background()); got != "" {
		t.Fatalf("want empty, got %q", got)
	}
	ctx := peer.NewContext(context.Background(), &peer.Peer{Addr: fakeAddr{}})
	if got := remoteIP(ctx); got != "127.0.0.1" {
		t.Fatalf("want host only, got %q", got)
	}
}

type stubValidator struct {
	user *model.PublicUser
	err  error
	seen []string
}

func (s *stubValidator) ValidateSession(_ context.Context, id string) (*model.PublicUser, error) {
	s.seen = append(s.seen, id)
	return s.user, s.err
}

func TestAuthUnary(t *testing.T) {
	t.Parallel()

	alice := &model.PublicUser{ID: uuid.Must(uuid.NewV4())}
	protected := &grpc.UnaryServerInfo{FullMethod: v1.FullMethod(v1.MethodEncryptField)}
	public := &grpc.UnaryServerInfo{FullMethod: v1.FullMethod(v1.MethodLogout)}
	withSession := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer s1"))

	var gotCtx context.Context
	h := func(ctx context.Context, req any) (any, error) { gotCtx = ctx; return "ok", nil }

	v := &stubValidator{user: alice}
	ic := AuthUnary(v, nil)

	if _, err := ic(withSession, nil, protected, h); err != nil {
		t.Fatalf("protected with session: %v", err)
	}
	if u, ok := CallerFromCtx(gotCtx); !ok || u.ID != alice.ID {
		t.Fatalf("caller not attached")
	}

	if _, err := ic(context.Background(), nil, protected, h); status.Code(err) != codes.Unauthenticated {
		t.Fatalf("want Unauthenticated without session, got %v", err)
	}

	if _, err := ic(withSession, nil, public, h); err != nil {
		t.Fatalf("public: %v", err)
	}
	if SessionIDFromCtx(gotCtx) != "s1" {
		t.Fatalf("session id not attached on public method")
	}
	if len(v.seen) != 1 {
		t.Fatalf("public methods must not resolve the session: %v", v.seen)
	}

	expired := AuthUnary(&stubValidator{}, nil)
	if _, err := expired(withSession, nil, protected, h); status.Code(err) != codes.Unauthenticated {
		t.Fatalf("want Unauthenticated for dead session, got %v", err)
	}

	broken := AuthUnary(&stubValidator{err: errors.New("db down")}, nil)
	if _, err := broken(withSession, nil, protected, h); status.Code(err) != codes.Internal {
		t.Fatalf("want Internal on lookup failure, got %v", err)
	}

	health := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}
	if _, err := ic(context.Background(), nil, health, h); err != nil {
		t.Fatalf("health must pass through: %v", err)
	}
}
