// Command authd serves the authcore HTTP API.
//
// Configuration comes from the environment and an optional .env file; see
// internal/config. With APP_ENV=development and no external stores it runs
// fully in-process: generated signing keys, an embedded redis and a seeded
// admin account.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	authcore "github.com/jhongo20/BaseAdmin-sub000"
	"github.com/jhongo20/BaseAdmin-sub000/internal/config"
	"github.com/jhongo20/BaseAdmin-sub000/internal/httpapi"
	"github.com/jhongo20/BaseAdmin-sub000/metrics/export/prometheus"
	"github.com/jhongo20/BaseAdmin-sub000/password"
	"github.com/jhongo20/BaseAdmin-sub000/storage/postgres"
)

func main() {
	envFile := flag.String("env-file", ".env", "optional dotenv file")
	migrateOnly := flag.Bool("migrate", false, "apply database migrations and exit")
	flag.Parse()

	settings, err := config.Load(*envFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := newLogger(settings)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *migrateOnly {
		if err := postgres.Migrate(settings.DatabaseURL); err != nil {
			logger.Fatal("migrate", zap.Error(err))
		}
		logger.Info("migrations applied")
		return
	}

	if err := run(ctx, settings, logger); err != nil {
		logger.Fatal("authd stopped", zap.Error(err))
	}
}

func newLogger(s *config.Settings) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(s.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	zc := zap.NewProductionConfig()
	if s.Development() {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

func run(ctx context.Context, s *config.Settings, logger *zap.Logger) error {
	cfg, err := s.EngineConfig()
	if err != nil {
		return err
	}

	b := authcore.New().
		WithConfig(cfg).
		WithLogger(logger).
		WithLatencyHistograms(s.MetricsLatency)

	rdb, closeRedis, err := openRedis(s, logger)
	if err != nil {
		return err
	}
	defer closeRedis()
	if rdb != nil {
		b.WithRedis(rdb)
	}

	var db *sql.DB
	if s.DatabaseURL != "" {
		if err := postgres.Migrate(s.DatabaseURL); err != nil {
			return err
		}
		db, err = postgres.Open(ctx, s.DatabaseURL, postgres.PoolConfig{MaxOpenConns: 25, MaxIdleConns: 5})
		if err != nil {
			return err
		}
		defer db.Close()
		b.WithUserProvider(postgres.NewUserRepository(db)).
			WithRevocationStore(postgres.NewRevocationStore(db)).
			WithLockoutStore(postgres.NewLockoutStore(db))
		logger.Info("using postgres for users, revocations and lockouts")
	} else {
		users := authcore.NewMemoryUserProvider()
		if err := seedAdmin(users, s, cfg.Password); err != nil {
			return err
		}
		b.WithUserProvider(users)
		logger.Warn("no DATABASE_URL; users are held in memory")
	}

	engine, err := b.Build()
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	defer engine.Close()

	api := httpapi.NewServer(engine, logger.Named("http"), httpapi.Options{
		AllowedOrigins:    s.AllowedOrigins,
		AdminRole:         s.AdminRole,
		RequestTimeout:    s.RequestTimeout,
		TrustProxyHeaders: s.TrustProxy,
		Metrics:           prometheus.NewExporter(engine).Handler(),
	})
	srv := &http.Server{
		Addr:              s.HTTPAddr,
		Handler:           api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", s.HTTPAddr), zap.String("env", s.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func openRedis(s *config.Settings, logger *zap.Logger) (redis.UniversalClient, func(), error) {
	switch {
	case s.RedisURL != "":
		opts, err := redis.ParseURL(s.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		return client, func() { _ = client.Close() }, nil
	case s.RedisEmbedded:
		mr, err := miniredis.Run()
		if err != nil {
			return nil, nil, fmt.Errorf("start embedded redis: %w", err)
		}
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		logger.Warn("using embedded redis; state is lost on exit", zap.String("addr", mr.Addr()))
		return client, func() {
			_ = client.Close()
			mr.Close()
		}, nil
	default:
		return nil, func() {}, nil
	}
}

func seedAdmin(users *authcore.MemoryUserProvider, s *config.Settings, pc authcore.PasswordConfig) error {
	if s.SeedAdminIdentifier == "" {
		return nil
	}
	if s.SeedAdminPassword == "" {
		return errors.New("SEED_ADMIN_PASSWORD must be set with SEED_ADMIN_IDENTIFIER")
	}
	hasher, err := password.NewArgon2(password.Config{
		Memory:      pc.Memory,
		Time:        pc.Time,
		Parallelism: pc.Parallelism,
		SaltLength:  pc.SaltLength,
		KeyLength:   pc.KeyLength,
	})
	if err != nil {
		return err
	}
	hash, err := hasher.Hash(s.SeedAdminPassword)
	if err != nil {
		return err
	}
	return users.Put(authcore.UserRecord{
		UserID:       "admin",
		Identifier:   s.SeedAdminIdentifier,
		PasswordHash: hash,
		Status:       authcore.AccountActive,
		Roles:        []string{s.AdminRole},
	})
}
