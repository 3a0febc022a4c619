package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/stakeplan/pkg/api"
	"github.com/Mindburn-Labs/stakeplan/pkg/archive"
	"github.com/Mindburn-Labs/stakeplan/pkg/config"
	"github.com/Mindburn-Labs/stakeplan/pkg/escrow"
	"github.com/Mindburn-Labs/stakeplan/pkg/observability"
	"github.com/Mindburn-Labs/stakeplan/pkg/plan"
	"github.com/Mindburn-Labs/stakeplan/pkg/store"
)

func runServer(stderr io.Writer) int {
	cfg, err := loadConfig()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		return 1
	}
	return 0
}

// backends holds the opened storage and vault and whatever must be closed with them.
type backends struct {
	store   plan.Storage
	vault   plan.Vault
	closers []func() error
}

func (b *backends) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}
	return errors.Join(errs...)
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: version,
		Environment:    cfg.Observability.Environment,
		OTLPEndpoint:   cfg.Observability.Endpoint,
		SampleRate:     cfg.Observability.SampleRate,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.Observability.Enabled,
		Insecure:       cfg.Observability.Insecure,
	}, logger)
	if err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := obs.Shutdown(shutdownCtx); err != nil {
			logger.Warn("observability shutdown failed", "error", err)
		}
	}()

	b, err := openBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.Close(); err != nil {
			logger.Warn("closing backends failed", "error", err)
		}
	}()

	opts := []plan.Option{plan.WithLogger(logger), plan.WithTelemetry(obs)}
	archiveStore, err := archive.New(ctx, archive.Config{
		Kind: archive.Kind(cfg.Archive.Kind),
		Dir:  cfg.Archive.Dir,
		S3: archive.S3Config{
			Bucket:   cfg.Archive.S3Bucket,
			Region:   cfg.Archive.S3Region,
			Endpoint: cfg.Archive.S3Endpoint,
			Prefix:   cfg.Archive.S3Prefix,
		},
		GCS: archive.GCSConfig{Bucket: cfg.Archive.GCSBucket, Prefix: cfg.Archive.GCSPrefix},
	})
	if err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	if archiveStore != nil {
		opts = append(opts, plan.WithSettlementHook(archive.NewArchiver(archiveStore, logger).Hook()))
	}

	life, err := plan.NewLifecycle(b.store, b.vault, plan.Asset{ID: cfg.Asset.ID, Decimals: cfg.Asset.Decimals}, opts...)
	if err != nil {
		return err
	}

	auth, err := api.NewAuthenticator([]byte(cfg.Auth.JWTSecret), cfg.Auth.Issuer, cfg.Auth.Audience)
	if err != nil {
		return err
	}
	limiter := api.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	go limiter.Run(ctx, time.Minute)

	srv, err := api.NewServer(life, auth, api.WithRateLimiter(limiter), api.WithServerLogger(logger))
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("stakeplan listening",
			"addr", cfg.Addr, "store", cfg.Store.Kind, "vault", cfg.Vault.Kind, "archive", cfg.Archive.Kind)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func openBackends(ctx context.Context, cfg *config.Config) (_ *backends, err error) {
	b := &backends{}
	defer func() {
		if err != nil {
			_ = b.Close()
		}
	}()

	var pg *sql.DB
	postgresDB := func() (*sql.DB, error) {
		if pg != nil {
			return pg, nil
		}
		db, err := sql.Open("postgres", cfg.Store.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		b.closers = append(b.closers, db.Close)
		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		pg = db
		return db, nil
	}

	switch cfg.Store.Kind {
	case "memory":
		b.store = plan.NewMemoryStorage()
	case "sqlite":
		if dir := filepath.Dir(cfg.Store.SQLitePath); dir != "" {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("create sqlite directory: %w", err)
			}
		}
		db, err := sql.Open("sqlite", cfg.Store.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		b.closers = append(b.closers, db.Close)
		// SQLite serialises writers; one connection avoids SQLITE_BUSY under load.
		db.SetMaxOpenConns(1)
		if b.store, err = store.NewSQLStore(ctx, db, store.SQLite); err != nil {
			return nil, err
		}
	case "postgres":
		db, err := postgresDB()
		if err != nil {
			return nil, err
		}
		if b.store, err = store.NewSQLStore(ctx, db, store.Postgres); err != nil {
			return nil, err
		}
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Store.RedisAddr,
			Password: cfg.Store.RedisPassword,
			DB:       cfg.Store.RedisDB,
		})
		b.closers = append(b.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		b.store = store.NewRedisStore(client, cfg.Store.RedisPrefix)
	default:
		return nil, fmt.Errorf("unknown store kind %q", cfg.Store.Kind)
	}

	issuer, err := escrow.NewIssuer([]byte(cfg.Vault.CapabilitySecret))
	if err != nil {
		return nil, err
	}
	switch cfg.Vault.Kind {
	case "memory":
		b.vault = escrow.NewMemoryVault(issuer, cfg.Asset.ID).WithOpeningBalance(cfg.Vault.OpeningBalance)
	case "postgres":
		db, err := postgresDB()
		if err != nil {
			return nil, err
		}
		v := escrow.NewPostgresVault(db, issuer, cfg.Asset.ID)
		if err := v.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate vault: %w", err)
		}
		b.vault = v
	default:
		return nil, fmt.Errorf("unknown vault kind %q", cfg.Vault.Kind)
	}
	return b, nil
}
