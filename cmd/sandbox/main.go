// Command tw-sandbox starts the sandbox card network.
package main

import (
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/and161185/tap-wallet/internal/config"
	"github.com/and161185/tap-wallet/internal/network"
	"github.com/and161185/tap-wallet/internal/sandbox"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// main loads configuration and serves the sandbox network until SIGINT/SIGTERM.
func main() {
	cfgPath := flag.String("config", "", "config file (YAML)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		zap.NewExample().Fatal("config", zap.Error(err))
	}
	logger, err := config.NewLogger(cfg.Log.Level)
	if err != nil {
		zap.NewExample().Fatal("logger", zap.Error(err))
	}
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("addr", cfg.Sandbox.Addr),
	)

	if cfg.Network.APIKey == "" {
		logger.Fatal("missing device token signing key (network.api_key)")
	}

	var opts []grpc.ServerOption
	if cfg.Sandbox.TLSCert != "" {
		creds, err := credentials.NewServerTLSFromFile(cfg.Sandbox.TLSCert, cfg.Sandbox.TLSKey)
		if err != nil {
			logger.Fatal("failed to load TLS cert/key", zap.Error(err))
		}
		opts = append(opts, grpc.Creds(creds))
	} else {
		logger.Warn("serving without TLS")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sb, err := sandbox.New(sandbox.Config{
		OTPCode:         cfg.Sandbox.OTPCode,
		ActivationPolls: cfg.Sandbox.ActivationPolls,
		Log:             logger,
	})
	if err != nil {
		logger.Fatal("sandbox", zap.Error(err))
	}

	s := sandbox.NewGRPCServer([]byte(cfg.Network.APIKey), logger, opts...)
	sandbox.Register(s, sb)

	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	hs.SetServingStatus(network.ServiceName, healthpb.HealthCheckResponse_SERVING)
	if cfg.Sandbox.Reflection {
		reflection.Register(s)
	}

	lis, err := net.Listen("tcp", cfg.Sandbox.Addr)
	if err != nil {
		logger.Fatal("listen", zap.Error(err))
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.Sandbox.Addr))
		errCh <- s.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		hs.Shutdown()
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
		logger.Error("server error", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}
