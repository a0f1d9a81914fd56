// Command trustcore-server hosts the Trust Core gRPC service.
package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/awnumar/memguard"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/and161185/trustcore/internal/app"
	"github.com/and161185/trustcore/internal/config"
	pkgcrypto "github.com/and161185/trustcore/internal/crypto"
	grpcserver "github.com/and161185/trustcore/internal/server/grpc"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// exit leaves the process. os.Exit and zap's Fatal skip deferred calls, so
// SafeExit purges guarded key memory first.
var exit = memguard.SafeExit

func fatal(log *zap.Logger, msg string, err error) {
	log.Error(msg, zap.Error(err))
	_ = log.Sync()
	exit(1)
}

// main resolves configuration, opens storage, loads the master key and serves gRPC.
func main() {
	defer memguard.Purge()

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		// zap is not up yet
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(2)
	}

	logger, _ := zap.NewProduction()
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("addr", cfg.ListenAddr),
		zap.String("driver", cfg.Storage.Driver),
		zap.String("sessions", cfg.Session.Backend),
	)

	// Context with OS signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := app.OpenStorage(ctx, cfg, logger)
	if err != nil {
		fatal(logger, "open storage", err)
	}
	defer func() { _ = st.Close() }()

	// No key, no data-touching requests: refuse to start.
	key, err := app.LoadKey(ctx, cfg, app.SecretStore(cfg), logger)
	if err != nil {
		fatal(logger, "master key", err)
	}
	cipher, err := key.NewCipher(app.CipherOptions(cfg, logger)...)
	if err != nil {
		fatal(logger, "field cipher", err)
	}

	svc, err := app.NewServices(cfg, st, cipher, pkgcrypto.NewHasher(), logger)
	if err != nil {
		fatal(logger, "services", err)
	}
	if err := app.RecordKeyLoaded(ctx, svc.Audit, key, cipher.Algorithm()); err != nil {
		fatal(logger, "audit key.loaded", err)
	}

	go svc.Sweeper.Run(ctx)

	var opts []grpc.ServerOption
	if cfg.TLS.CertFile != "" {
		creds, err := credentials.NewServerTLSFromFile(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			fatal(logger, "failed to load TLS cert/key", err)
		}
		opts = append(opts, grpc.Creds(creds))
	} else {
		logger.Warn("TLS disabled; bind to loopback only")
	}

	srv := grpcserver.New(grpcserver.Deps{
		Auth:     svc.Auth,
		Guard:    svc.Guard,
		Fields:   svc.Fields,
		Audit:    svc.Audit,
		Consents: svc.Consents,
		Log:      logger,
	})
	s, hs := grpcserver.NewGRPCServer(srv, svc.Auth, logger, opts...)
	if cfg.Dev {
		reflection.Register(s)
	}

	lis, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		fatal(logger, "listen", err)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.ListenAddr), zap.Bool("tls", cfg.TLS.CertFile != ""))
		errCh <- s.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		done := make(chan struct{})
		go func() {
			s.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			s.Stop()
		}
	case err := <-errCh:
		fatal(logger, "server error", err)
	}

	logger.Info("shutdown complete")
}
