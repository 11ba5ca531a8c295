package main

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/scheduled-ledger/internal/api"
	"github.com/example/scheduled-ledger/internal/clock"
	"github.com/example/scheduled-ledger/internal/config"
	"github.com/example/scheduled-ledger/internal/ledger"
	"github.com/example/scheduled-ledger/internal/security"
	"github.com/example/scheduled-ledger/internal/storage"
	"github.com/example/scheduled-ledger/pkg/audit"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("scheduler exited", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger.Info("starting scheduled ledger",
		"env", cfg.Environment,
		"storage", cfg.StorageDriver,
		"tick_interval", cfg.TickInterval.String(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, err := storage.Open(ctx, storage.Options{
		Driver:      cfg.StorageDriver,
		SQLitePath:  cfg.SQLitePath,
		DatabaseURL: cfg.DatabaseURL,
	})
	if err != nil {
		return err
	}
	var ledgerRepo ledger.Repository
	if repo != nil {
		defer repo.Close()
		ledgerRepo = repo
	}

	auditLog := logger.With("component", "audit")
	auditor := audit.NewChainLogger(audit.WithSink(func(e *audit.LogEntry) {
		auditLog.Info("audit_entry", "seq", e.Sequence, "hash", e.Hash, "payload", e.Payload)
	}))

	seeds := make([]ledger.Account, 0, len(cfg.SeedAccounts))
	for _, s := range cfg.SeedAccounts {
		seeds = append(seeds, ledger.Account{ID: s.ID, Balance: s.Balance})
	}

	svc := ledger.NewService(ledger.Options{
		Clock:        clock.System{},
		TickInterval: cfg.TickInterval,
		SeedAccounts: seeds,
		Repository:   ledgerRepo,
		Auditor:      auditor,
		Logger:       logger,
	})
	if err := svc.Init(ctx); err != nil {
		return err
	}

	var rateLimiter *security.RedisTokenBucket
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		rateLimiter = &security.RedisTokenBucket{
			Redis:      redisClient,
			Prefix:     "scheduled_ledger",
			Capacity:   cfg.RateLimitCapacity,
			RefillRate: cfg.RateLimitRefillPerSec,
		}
	}

	router, err := api.NewRouter(api.Dependencies{
		Logger:       logger,
		Ledger:       svc,
		Auditor:      auditor,
		RateLimiter:  rateLimiter,
		MaxBodyBytes: cfg.MaxBodyBytes,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return err
	}

	tlsFiles := security.TLSConfig{CertFile: cfg.TLSCert, KeyFile: cfg.TLSKey, CAFile: cfg.TLSCA}
	if tlsFiles.Enabled() {
		if err := tlsFiles.VerifyFiles(); err != nil {
			return err
		}
		tlsCfg, err := security.LoadServerTLSConfig(tlsFiles)
		if err != nil {
			return err
		}
		srv.TLSConfig = tlsCfg
		ln = tls.NewListener(ln, tlsCfg)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("scheduled ledger listening", "addr", cfg.Addr, "tls", tlsFiles.Enabled())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			_ = svc.Shutdown(context.Background())
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	if err := svc.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info("scheduled ledger stopped")
	return nil
}
