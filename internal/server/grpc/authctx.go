package grpcserver

import (
	"context"
	"errors"
	"net"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	v1 "github.com/and161185/trustcore/api/trustcore/v1"
	"github.com/and161185/trustcore/internal/model"
	"github.com/and161185/trustcore/internal/service"
)

type ctxKey string

const (
	sessionKey ctxKey = "tc.session"
	callerKey  ctxKey = "tc.caller"
)

// WithSessionID stores the presented session id in context.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionKey, id)
}

// SessionIDFromCtx fetches the presented session id.
func SessionIDFromCtx(ctx context.Context) string {
	id, _ := ctx.Value(sessionKey).(string)
	return id
}

// WithCaller stores the authenticated user in context.
func WithCaller(ctx context.Context, u model.PublicUser) context.Context {
	return context.WithValue(ctx, callerKey, u)
}

// CallerFromCtx fetches the authenticated user.
func CallerFromCtx(ctx context.Context) (model.PublicUser, bool) {
	u, ok := ctx.Value(callerKey).(model.PublicUser)
	return u, ok
}

// sessionFromMD extracts "authorization: Bearer <session id>".
func sessionFromMD(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", errors.New("no metadata")
	}
	for _, v := range md.Get("authorization") {
		v = strings.TrimSpace(v)
		if len(v) >= 7 && strings.EqualFold(v[:7], "bearer ") {
			t := strings.TrimSpace(v[7:])
			if t != "" {
				return t, nil
			}
		}
	}
	return "", errors.New("no bearer session")
}

// remoteIP returns the peer host without the port so rate limiting is per address.
func remoteIP(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return ""
	}
	addr := p.Addr.String()
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

func userAgent(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if v := md.Get("user-agent"); len(v) > 0 {
		return v[0]
	}
	return ""
}

// publicMethods resolve the session themselves (or need none).
var publicMethods = map[string]bool{
	v1.FullMethod(v1.MethodRegister):        true,
	v1.FullMethod(v1.MethodLogin):           true,
	v1.FullMethod(v1.MethodLogout):          true,
	v1.FullMethod(v1.MethodValidateSession): true,
	v1.FullMethod(v1.MethodAuthorize):       true,
}

// AuthUnary attaches the bearer session id to every call and, for protected
// methods, resolves it to a live user or fails with codes.Unauthenticated.
func AuthUnary(sessions service.SessionValidator, log *zap.Logger) grpc.UnaryServerInterceptor {
	if log == nil {
		log = zap.NewNop()
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		sid, _ := sessionFromMD(ctx)
		ctx = WithSessionID(ctx, sid)
		if publicMethods[info.FullMethod] || !strings.HasPrefix(info.FullMethod, "/"+v1.ServiceName+"/") {
			return next(ctx, req)
		}
		if sid == "" {
			return nil, status.Error(codes.Unauthenticated, "unauthorized")
		}
		u, err := sessions.ValidateSession(ctx, sid)
		if err != nil {
			log.Error("session lookup failed", zap.String("method", info.FullMethod), zap.Error(err))
			return nil, status.Error(codes.Internal, "internal")
		}
		if u == nil {
			return nil, status.Error(codes.Unauthenticated, "unauthorized")
		}
		return next(WithCaller(ctx, *u), req)
	}
}
