package trustcorev1

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "trustcore.v1.TrustCore"

// Method names.
const (
	MethodRegister        = "Register"
	MethodLogin           = "Login"
	MethodLogout          = "Logout"
	MethodValidateSession = "ValidateSession"
	MethodAuthorize       = "Authorize"
	MethodEncryptField    = "EncryptField"
	MethodDecryptField    = "DecryptField"
	MethodAppendAudit     = "AppendAudit"
	MethodVerifyAudit     = "VerifyAudit"
	MethodGrantConsent    = "GrantConsent"
	MethodRevokeConsent   = "RevokeConsent"
	MethodConsentStatus   = "ConsentStatus"
	MethodChangePassword  = "ChangePassword"
)

// FullMethod returns "/trustcore.v1.TrustCore/<name>".
func FullMethod(name string) string { return "/" + ServiceName + "/" + name }

// TrustCoreServer is the server API for the TrustCore service.
type TrustCoreServer interface {
	Register(context.Context, *RegisterRequest) (*RegisterResponse, error)
	Login(context.Context, *LoginRequest) (*LoginResponse, error)
	Logout(context.Context, *LogoutRequest) (*LogoutResponse, error)
	ValidateSession(context.Context, *ValidateSessionRequest) (*ValidateSessionResponse, error)
	Authorize(context.Context, *AuthorizeRequest) (*AuthorizeResponse, error)
	EncryptField(context.Context, *EncryptFieldRequest) (*EncryptFieldResponse, error)
	DecryptField(context.Context, *DecryptFieldRequest) (*DecryptFieldResponse, error)
	AppendAudit(context.Context, *AppendAuditRequest) (*AppendAuditResponse, error)
	VerifyAudit(context.Context, *VerifyAuditRequest) (*VerifyAuditResponse, error)
	GrantConsent(context.Context, *ConsentRequest) (*ConsentResponse, error)
	RevokeConsent(context.Context, *ConsentRequest) (*ConsentResponse, error)
	ConsentStatus(context.Context, *ConsentStatusRequest) (*ConsentStatusResponse, error)
	ChangePassword(context.Context, *ChangePasswordRequest) (*ChangePasswordResponse, error)
}

// UnimplementedTrustCoreServer answers every method with codes.Unimplemented.
type UnimplementedTrustCoreServer struct{}

func unimplemented(m string) error { return status.Errorf(codes.Unimplemented, "method %s not implemented", m) }

func (UnimplementedTrustCoreServer) Register(context.Context, *RegisterRequest) (*RegisterResponse, error) {
	return nil, unimplemented(MethodRegister)
}
func (UnimplementedTrustCoreServer) Login(context.Context, *LoginRequest) (*LoginResponse, error) {
	return nil, unimplemented(MethodLogin)
}
func (UnimplementedTrustCoreServer) Logout(context.Context, *LogoutRequest) (*LogoutResponse, error) {
	return nil, unimplemented(MethodLogout)
}
func (UnimplementedTrustCoreServer) ValidateSession(context.Context, *ValidateSessionRequest) (*ValidateSessionResponse, error) {
	return nil, unimplemented(MethodValidateSession)
}
func (UnimplementedTrustCoreServer) Authorize(context.Context, *AuthorizeRequest) (*AuthorizeResponse, error) {
	return nil, unimplemented(MethodAuthorize)
}
func (UnimplementedTrustCoreServer) EncryptField(context.Context, *EncryptFieldRequest) (*EncryptFieldResponse, error) {
	return nil, unimplemented(MethodEncryptField)
}
func (UnimplementedTrustCoreServer) DecryptField(context.Context, *DecryptFieldRequest) (*DecryptFieldResponse, error) {
	return nil, unimplemented(MethodDecryptField)
}
func (UnimplementedTrustCoreServer) AppendAudit(context.Context, *AppendAuditRequest) (*AppendAuditResponse, error) {
	return nil, unimplemented(MethodAppendAudit)
}
func (UnimplementedTrustCoreServer) VerifyAudit(context.Context, *VerifyAuditRequest) (*VerifyAuditResponse, error) {
	return nil, unimplemented(MethodVerifyAudit)
}
func (UnimplementedTrustCoreServer) GrantConsent(context.Context, *ConsentRequest) (*ConsentResponse, error) {
	return nil, unimplemented(MethodGrantConsent)
}
func (UnimplementedTrustCoreServer) RevokeConsent(context.Context, *ConsentRequest) (*ConsentResponse, error) {
	return nil, unimplemented(MethodRevokeConsent)
}
func (UnimplementedTrustCoreServer) ConsentStatus(context.Context, *ConsentStatusRequest) (*ConsentStatusResponse, error) {
	return nil, unimplemented(MethodConsentStatus)
}
func (UnimplementedTrustCoreServer) ChangePassword(context.Context, *ChangePasswordRequest) (*ChangePasswordResponse, error) {
	return nil, unimplemented(MethodChangePassword)
}

func unaryHandler[Req, Resp any](method string, call func(TrustCoreServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(TrustCoreServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(method)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(TrustCoreServer), ctx, req.(*Req))
			})
		},
	}
}

// ServiceDesc is the grpc.ServiceDesc for TrustCore.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TrustCoreServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler(MethodRegister, TrustCoreServer.Register),
		unaryHandler(MethodLogin, TrustCoreServer.Login),
		unaryHandler(MethodLogout, TrustCoreServer.Logout),
		unaryHandler(MethodValidateSession, TrustCoreServer.ValidateSession),
		unaryHandler(MethodAuthorize, TrustCoreServer.Authorize),
		unaryHandler(MethodEncryptField, TrustCoreServer.EncryptField),
		unaryHandler(MethodDecryptField, TrustCoreServer.DecryptField),
		unaryHandler(MethodAppendAudit, TrustCoreServer.AppendAudit),
		unaryHandler(MethodVerifyAudit, TrustCoreServer.VerifyAudit),
		unaryHandler(MethodGrantConsent, TrustCoreServer.GrantConsent),
		unaryHandler(MethodRevokeConsent, TrustCoreServer.RevokeConsent),
		unaryHandler(MethodConsentStatus, TrustCoreServer.ConsentStatus),
		unaryHandler(MethodChangePassword, TrustCoreServer.ChangePassword),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "trustcore/v1/trustcore.json",
}

// RegisterTrustCoreServer registers srv on s.
func RegisterTrustCoreServer(s grpc.ServiceRegistrar, srv TrustCoreServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// TrustCoreClient is the client API for the TrustCore service.
type TrustCoreClient struct {
	cc grpc.ClientConnInterface
}

// NewTrustCoreClient wraps a connection. Calls always use the JSON codec.
func NewTrustCoreClient(cc grpc.ClientConnInterface) *TrustCoreClient {
	return &TrustCoreClient{cc: cc}
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, in any, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := cc.Invoke(ctx, FullMethod(method), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *TrustCoreClient) Register(ctx context.Context, in *RegisterRequest, opts ...grpc.CallOption) (*RegisterResponse, error) {
	return invoke[RegisterResponse](ctx, c.cc, MethodRegister, in, opts)
}

func (c *TrustCoreClient) Login(ctx context.Context, in *LoginRequest, opts ...grpc.CallOption) (*LoginResponse, error) {
	return invoke[LoginResponse](ctx, c.cc, MethodLogin, in, opts)
}

func (c *TrustCoreClient) Logout(ctx context.Context, in *LogoutRequest, opts ...grpc.CallOption) (*LogoutResponse, error) {
	return invoke[LogoutResponse](ctx, c.cc, MethodLogout, in, opts)
}

func (c *TrustCoreClient) ValidateSession(ctx context.Context, in *ValidateSessionRequest, opts ...grpc.CallOption) (*ValidateSessionResponse, error) {
	return invoke[ValidateSessionResponse](ctx, c.cc, MethodValidateSession, in, opts)
}

func (c *TrustCoreClient) Authorize(ctx context.Context, in *AuthorizeRequest, opts ...grpc.CallOption) (*AuthorizeResponse, error) {
	return invoke[AuthorizeResponse](ctx, c.cc, MethodAuthorize, in, opts)
}

func (c *TrustCoreClient) EncryptField(ctx context.Context, in *EncryptFieldRequest, opts ...grpc.CallOption) (*EncryptFieldResponse, error) {
	return invoke[EncryptFieldResponse](ctx, c.cc, MethodEncryptField, in, opts)
}

func (c *TrustCoreClient) DecryptField(ctx context.Context, in *DecryptFieldRequest, opts ...grpc.CallOption) (*DecryptFieldResponse, error) {
	return invoke[DecryptFieldResponse](ctx, c.cc, MethodDecryptField, in, opts)
}

func (c *TrustCoreClient) AppendAudit(ctx context.Context, in *AppendAuditRequest, opts ...grpc.CallOption) (*AppendAuditResponse, error) {
	return invoke[AppendAuditResponse](ctx, c.cc, MethodAppendAudit, in, opts)
}

func (c *TrustCoreClient) VerifyAudit(ctx context.Context, in *VerifyAuditRequest, opts ...grpc.CallOption) (*VerifyAuditResponse, error) {
	return invoke[VerifyAuditResponse](ctx, c.cc, MethodVerifyAudit, in, opts)
}

func (c *TrustCoreClient) GrantConsent(ctx context.Context, in *ConsentRequest, opts ...grpc.CallOption) (*ConsentResponse, error) {
	return invoke[ConsentResponse](ctx, c.cc, MethodGrantConsent, in, opts)
}

func (c *TrustCoreClient) RevokeConsent(ctx context.Context, in *ConsentRequest, opts ...grpc.CallOption) (*ConsentResponse, error) {
	return invoke[ConsentResponse](ctx, c.cc, MethodRevokeConsent, in, opts)
}

func (c *TrustCoreClient) ConsentStatus(ctx context.Context, in *ConsentStatusRequest, opts ...grpc.CallOption) (*ConsentStatusResponse, error) {
	return invoke[ConsentStatusResponse](ctx, c.cc, MethodConsentStatus, in, opts)
}

func (c *TrustCoreClient) ChangePassword(ctx context.Context, in *ChangePasswordRequest, opts ...grpc.CallOption) (*ChangePasswordResponse, error) {
	return invoke[ChangePasswordResponse](ctx, c.cc, MethodChangePassword, in, opts)
}
