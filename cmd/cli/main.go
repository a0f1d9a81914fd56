// Command tc is a CLI client for the Trust Core service.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/term"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	v1 "github.com/and161185/trustcore/api/trustcore/v1"
)

// ---- session store ----

type sessionFile struct {
	SessionID string    `json:"session_id"`
	ExpiresAt time.Time `json:"expires_at"`
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
}

func cfgDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "trustcore")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "trustcore")
}

func sessionPath() string { return filepath.Join(cfgDir(), "session.json") }

func saveSession(s sessionFile) error {
	if err := os.MkdirAll(cfgDir(), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(sessionPath(), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}

func loadSession() (sessionFile, error) {
	b, err := os.ReadFile(sessionPath())
	if err != nil {
		return sessionFile{}, err
	}
	var s sessionFile
	if err := json.Unmarshal(b, &s); err != nil {
		return sessionFile{}, err
	}
	if s.SessionID == "" || time.Now().After(s.ExpiresAt) {
		return sessionFile{}, errors.New("no valid session (login required)")
	}
	return s, nil
}

func clearSession() error {
	err := os.Remove(sessionPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// ---- grpc dial ----

type bearerCreds struct {
	sid    string
	secure bool
}

func (b bearerCreds) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + b.sid}, nil
}
func (b bearerCreds) RequireTransportSecurity() bool { return b.secure }

func loadTLS(caPath string, skipVerify bool) (credentials.TransportCredentials, error) {
	if skipVerify {
		return credentials.NewTLS(&tls.Config{InsecureSkipVerify: true}), nil
	}
	if caPath == "" {
		return credentials.NewClientTLSFromCert(nil, ""), nil
	}
	pem, err := os.ReadFile(caPath)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("bad CA cert")
	}
	return credentials.NewTLS(&tls.Config{RootCAs: pool}), nil
}

type dialOpts struct {
	addr       string
	caPath     string
	skipVerify bool
	plaintext  bool
}

func dial(o dialOpts, sid string) (*grpc.ClientConn, *v1.TrustCoreClient, error) {
	creds := insecure.NewCredentials()
	if !o.plaintext {
		var err error
		if creds, err = loadTLS(o.caPath, o.skipVerify); err != nil {
			return nil, nil, err
		}
	}
	opts := []grpc.DialOption{grpc.WithTransportCredentials(creds)}
	if sid != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(bearerCreds{sid: sid, secure: !o.plaintext}))
	}
	cc, err := grpc.NewClient(o.addr, opts...)
	if err != nil {
		return nil, nil, err
	}
	return cc, v1.NewTrustCoreClient(cc), nil
}

// ---- utils ----

func readAll(p string) ([]byte, error) {
	if p == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(p)
}

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// details parses repeated k=v pairs.
type details map[string]string

func (d details) String() string { return fmt.Sprint(map[string]string(d)) }

func (d details) Set(s string) error {
	k, v, ok := strings.Cut(s, "=")
	if !ok || k == "" {
		return fmt.Errorf("detail %q: want key=value", s)
	}
	d[k] = v
	return nil
}

func usage() {
	fmt.Fprintf(os.Stderr, `tc CLI
Usage:
  tc -addr HOST:PORT [-cacert file | -insecure | -plaintext] <cmd> [args]

Commands:
  version
  register   -u <username> -e <email> [-p <password>]
  login      -u <username> [-p <password>] [-remember]   (saves session)
  logout
  whoami
  passwd     [-old <password> -new <password>]
             (omitted passwords are prompted for on a terminal)
  authorize  -owner <uuid> [-type t -id r -audit]
  encrypt    (-text <value> | -file <path|->)
  decrypt    -envelope <tc1:...> [-owner <uuid>]
  consent    grant|revoke -purpose <name>
  consent    status
  audit      append -event <type> [-type t -id r -fail -d k=v ...]
  audit      verify [-from n -to n]
`)
	os.Exit(2)
}

// ---- commands ----

// api is the part of the generated client the commands use.
type api interface {
	Register(ctx context.Context, in *v1.RegisterRequest, opts ...grpc.CallOption) (*v1.RegisterResponse, error)
	Login(ctx context.Context, in *v1.LoginRequest, opts ...grpc.CallOption) (*v1.LoginResponse, error)
	Logout(ctx context.Context, in *v1.LogoutRequest, opts ...grpc.CallOption) (*v1.LogoutResponse, error)
	ValidateSession(ctx context.Context, in *v1.ValidateSessionRequest, opts ...grpc.CallOption) (*v1.ValidateSessionResponse, error)
	Authorize(ctx context.Context, in *v1.AuthorizeRequest, opts ...grpc.CallOption) (*v1.AuthorizeResponse, error)
	EncryptField(ctx context.Context, in *v1.EncryptFieldRequest, opts ...grpc.CallOption) (*v1.EncryptFieldResponse, error)
	DecryptField(ctx context.Context, in *v1.DecryptFieldRequest, opts ...grpc.CallOption) (*v1.DecryptFieldResponse, error)
	AppendAudit(ctx context.Context, in *v1.AppendAuditRequest, opts ...grpc.CallOption) (*v1.AppendAuditResponse, error)
	VerifyAudit(ctx context.Context, in *v1.VerifyAuditRequest, opts ...grpc.CallOption) (*v1.VerifyAuditResponse, error)
	GrantConsent(ctx context.Context, in *v1.ConsentRequest, opts ...grpc.CallOption) (*v1.ConsentResponse, error)
	RevokeConsent(ctx context.Context, in *v1.ConsentRequest, opts ...grpc.CallOption) (*v1.ConsentResponse, error)
	ConsentStatus(ctx context.Context, in *v1.ConsentStatusRequest, opts ...grpc.CallOption) (*v1.ConsentStatusResponse, error)
	ChangePassword(ctx context.Context, in *v1.ChangePasswordRequest, opts ...grpc.CallOption) (*v1.ChangePasswordResponse, error)
}

var errUsage = errors.New("usage")

// readPassword prompts on the terminal without echo. It returns "" when stdin
// is not a terminal. Replaced in tests.
var readPassword = func(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", nil
	}
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	return string(b), err
}

// promptIfEmpty fills *v from the terminal when the flag was omitted.
func promptIfEmpty(v *string, prompt string) error {
	if *v != "" {
		return nil
	}
	pw, err := readPassword(prompt)
	if err != nil {
		return err
	}
	*v = pw
	return nil
}

// run executes one command against cli and writes its result to out.
func run(ctx context.Context, cli api, cmd string, args []string, out io.Writer) error {
	switch cmd {
	case "register":
		fs := flag.NewFlagSet("register", flag.ContinueOnError)
		u := fs.String("u", "", "username")
		p := fs.String("p", "", "password")
		e := fs.String("e", "", "email")
		if err := fs.Parse(args); err != nil {
			return err
		}
		if *u != "" && *e != "" {
			if err := promptIfEmpty(p, "password: "); err != nil {
				return err
			}
		}
		if *u == "" || *p == "" || *e == "" {
			return fmt.Errorf("%w: need -u, -p and -e", errUsage)
		}
		resp, err := cli.Register(ctx, &v1.RegisterRequest{Username: *u, Password: *p, Email: *e})
		if err != nil {
			return err
		}
		fmt.Fprintln(out, resp.User.ID)

	case "login":
		fs := flag.NewFlagSet("login", flag.ContinueOnError)
		u := fs.String("u", "", "username")
		p := fs.String("p", "", "password")
		remember := fs.Bool("remember", false, "long-lived session")
		if err := fs.Parse(args); err != nil {
			return err
		}
		if *u != "" {
			if err := promptIfEmpty(p, "password: "); err != nil {
				return err
			}
		}
		if *u == "" || *p == "" {
			return fmt.Errorf("%w: need -u and -p", errUsage)
		}
		resp, err := cli.Login(ctx, &v1.LoginRequest{Username: *u, Password: *p, RememberMe: *remember})
		if err != nil {
			return err
		}
		if err := saveSession(sessionFile{
			SessionID: resp.SessionID,
			ExpiresAt: resp.ExpiresAt,
			UserID:    resp.User.ID,
			Username:  resp.User.Username,
		}); err != nil {
			return err
		}
		fmt.Fprintln(out, "ok")

	case "logout":
		if _, err := cli.Logout(ctx, &v1.LogoutRequest{}); err != nil {
			return err
		}
		if err := clearSession(); err != nil {
			return err
		}
		fmt.Fprintln(out, "ok")

	case "whoami":
		resp, err := cli.ValidateSession(ctx, &v1.ValidateSessionRequest{})
		if err != nil {
			return err
		}
		if !resp.Valid {
			return errors.New("session is not valid")
		}
		printJSON(out, resp.User)

	case "passwd":
		fs := flag.NewFlagSet("passwd", flag.ContinueOnError)
		oldPw := fs.String("old", "", "current password")
		newPw := fs.String("new", "", "new password")
		if err := fs.Parse(args); err != nil {
			return err
		}
		if err := promptIfEmpty(oldPw, "current password: "); err != nil {
			return err
		}
		if err := promptIfEmpty(newPw, "new password: "); err != nil {
			return err
		}
		if *oldPw == "" || *newPw == "" {
			return fmt.Errorf("%w: need -old and -new", errUsage)
		}
		if _, err := cli.ChangePassword(ctx, &v1.ChangePasswordRequest{OldPassword: *oldPw, NewPassword: *newPw}); err != nil {
			return err
		}
		// the server ended every session, including this one
		_ = clearSession()
		fmt.Fprintln(out, "ok; login again")

	case "authorize":
		fs := flag.NewFlagSet("authorize", flag.ContinueOnError)
		owner := fs.String("owner", "", "owner user id")
		typ := fs.String("type", "", "resource type")
		id := fs.String("id", "", "resource id")
		auditAccess := fs.Bool("audit", false, "record the granted access")
		if err := fs.Parse(args); err != nil {
			return err
		}
		if *owner == "" {
			return fmt.Errorf("%w: need -owner", errUsage)
		}
		resp, err := cli.Authorize(ctx, &v1.AuthorizeRequest{OwnerID: *owner, ResourceType: *typ, ResourceID: *id, AuditAccess: *auditAccess})
		if err != nil {
			return err
		}
		printJSON(out, resp.User)

	case "encrypt":
		fs := flag.NewFlagSet("encrypt", flag.ContinueOnError)
		text := fs.String("text", "", "plaintext")
		file := fs.String("file", "", "plaintext file ('-'=stdin)")
		if err := fs.Parse(args); err != nil {
			return err
		}
		pt := *text
		if *file != "" {
			b, err := readAll(*file)
			if err != nil {
				return err
			}
			pt = string(b)
		}
		resp, err := cli.EncryptField(ctx, &v1.EncryptFieldRequest{Plaintext: pt})
		if err != nil {
			return err
		}
		fmt.Fprintln(out, resp.Envelope)

	case "decrypt":
		fs := flag.NewFlagSet("decrypt", flag.ContinueOnError)
		envelope := fs.String("envelope", "", "stored value")
		owner := fs.String("owner", "", "owner user id")
		if err := fs.Parse(args); err != nil {
			return err
		}
		resp, err := cli.DecryptField(ctx, &v1.DecryptFieldRequest{Envelope: *envelope, OwnerID: *owner})
		if err != nil {
			return err
		}
		fmt.Fprint(out, resp.Plaintext)

	case "consent":
		if len(args) < 1 {
			return fmt.Errorf("%w: consent grant|revoke|status", errUsage)
		}
		sub := args[0]
		if sub == "status" {
			resp, err := cli.ConsentStatus(ctx, &v1.ConsentStatusRequest{})
			if err != nil {
				return err
			}
			printJSON(out, resp.Consents)
			return nil
		}
		fs := flag.NewFlagSet("consent "+sub, flag.ContinueOnError)
		purpose := fs.String("purpose", "", "consent purpose")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		if *purpose == "" {
			return fmt.Errorf("%w: need -purpose", errUsage)
		}
		var err error
		switch sub {
		case "grant":
			_, err = cli.GrantConsent(ctx, &v1.ConsentRequest{Purpose: *purpose})
		case "revoke":
			_, err = cli.RevokeConsent(ctx, &v1.ConsentRequest{Purpose: *purpose})
		default:
			return fmt.Errorf("%w: unknown consent command %q", errUsage, sub)
		}
		if err != nil {
			return err
		}
		fmt.Fprintln(out, "ok")

	case "audit":
		if len(args) < 1 {
			return fmt.Errorf("%w: audit append|verify", errUsage)
		}
		switch args[0] {
		case "append":
			fs := flag.NewFlagSet("audit append", flag.ContinueOnError)
			event := fs.String("event", "", "event type")
			typ := fs.String("type", "", "resource type")
			id := fs.String("id", "", "resource id")
			failed := fs.Bool("fail", false, "record an unsuccessful outcome")
			d := details{}
			fs.Var(d, "d", "detail key=value (repeatable)")
			if err := fs.Parse(args[1:]); err != nil {
				return err
			}
			if *event == "" {
				return fmt.Errorf("%w: need -event", errUsage)
			}
			resp, err := cli.AppendAudit(ctx, &v1.AppendAuditRequest{
				EventType: *event, ResourceType: *typ, ResourceID: *id, Success: !*failed, Details: d,
			})
			if err != nil {
				return err
			}
			printJSON(out, resp.Entry)
		case "verify":
			fs := flag.NewFlagSet("audit verify", flag.ContinueOnError)
			from := fs.Int64("from", 1, "first sequence number")
			to := fs.Int64("to", 0, "last sequence number (0 = head)")
			if err := fs.Parse(args[1:]); err != nil {
				return err
			}
			resp, err := cli.VerifyAudit(ctx, &v1.VerifyAuditRequest{From: *from, To: *to})
			if err != nil {
				return err
			}
			printJSON(out, resp)
		default:
			return fmt.Errorf("%w: unknown audit command %q", errUsage, args[0])
		}

	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
	return nil
}

// ---- main ----

var (
	version   = "dev"
	buildDate = "unknown"
)

// main dispatches subcommands and configures TLS and session credentials for RPC calls.
func main() {
	// global flags
	addr := flag.String("addr", "localhost:8443", "server addr")
	caPath := flag.String("cacert", "", "CA cert (PEM)")
	skipVerify := flag.Bool("insecure", false, "skip cert verify (dev)")
	plaintext := flag.Bool("plaintext", false, "no TLS (loopback dev server)")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
	}
	cmd := flag.Arg(0)
	if cmd == "version" {
		fmt.Printf("tc %s (%s)\n", version, buildDate)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var sid string
	if cmd != "register" && cmd != "login" {
		s, err := loadSession()
		if err != nil {
			fail(err)
		}
		sid = s.SessionID
	}

	cc, cli, err := dial(dialOpts{addr: *addr, caPath: *caPath, skipVerify: *skipVerify, plaintext: *plaintext}, sid)
	if err != nil {
		fail(err)
	}
	defer cc.Close()

	if err := run(ctx, cli, cmd, flag.Args()[1:], os.Stdout); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprintln(os.Stderr, err)
			usage()
		}
		fail(err)
	}
}

// ---- helpers ----

func fail(err error) {
	if s, ok := status.FromError(err); ok {
		fmt.Fprintf(os.Stderr, "rpc error: code=%s msg=%s\n", s.Code(), s.Message())
		os.Exit(1)
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
