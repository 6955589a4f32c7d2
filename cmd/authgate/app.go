package main

import (
	"context"
	"fmt"
	"time"

	"github.com/and161185/authgate/internal/audit"
	"github.com/and161185/authgate/internal/cleanup"
	"github.com/and161185/authgate/internal/config"
	"github.com/and161185/authgate/internal/lockout"
	"github.com/and161185/authgate/internal/ratelimit"
	"github.com/and161185/authgate/internal/repository"
	"github.com/and161185/authgate/internal/repository/postgres"
	redisrepo "github.com/and161185/authgate/internal/repository/redis"
	"github.com/and161185/authgate/internal/service"
	"github.com/and161185/authgate/internal/token"
	"github.com/getsentry/sentry-go"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// app holds the wired components shared by all subcommands.
type app struct {
	cfg config.Config
	log *zap.Logger

	db  *postgres.DB
	rdb *goredis.Client

	tokens  *token.Service
	lockout *lockout.Tracker
	limiter *ratelimit.Limiter
	auth    *service.AuthServiceImpl
	cleanup *cleanup.Scheduler
}

func newLogger(level string, dev bool) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if dev {
		zc = zap.NewDevelopmentConfig()
	}
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	zc.Level = lvl
	return zc.Build()
}

func initSentry(dsn, environment string) error {
	if dsn == "" {
		return nil
	}
	return sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      environment,
		Release:          version,
		AttachStacktrace: true,
	})
}

// setup loads configuration and wires stores and services. The caller must call close.
func setup(ctx context.Context, cmd *cobra.Command) (*app, error) {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return nil, err
	}
	log, err := newLogger(cfg.LogLevel, cfg.Dev)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	if err := initSentry(cfg.SentryDSN, cfg.Environment); err != nil {
		log.Error("init sentry", zap.Error(err))
	}

	a := &app{cfg: cfg, log: log}

	a.db, err = postgres.New(ctx, cfg.DatabaseDSN, postgres.Options{MaxConns: cfg.DBMaxConns, MaxConnLifetime: time.Hour})
	if err != nil {
		a.close()
		return nil, fmt.Errorf("postgres: %w", err)
	}

	var buckets repository.BucketRepository = postgres.NewBucketRepo(a.db)
	if cfg.RateLimitBackend == "redis" {
		a.rdb = goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if err := a.rdb.Ping(ctx).Err(); err != nil {
			a.close()
			return nil, fmt.Errorf("redis: %w", err)
		}
		buckets = redisrepo.NewBucketRepo(a.rdb, cfg.RateLimitStaleAfter)
	}

	rec := audit.NewLogger(log)

	a.tokens, err = token.NewService([]byte(cfg.JWTSecret), postgres.NewRevocationRepo(a.db),
		token.WithIssuer(cfg.JWTIssuer),
		token.WithAudience(cfg.JWTAudience),
		token.WithAccessTTL(cfg.AccessTTL),
		token.WithRefreshTTL(cfg.RefreshTTL),
		token.WithStoreTimeout(cfg.StoreTimeout),
		token.WithLogger(log),
		token.WithAudit(rec),
	)
	if err != nil {
		a.close()
		return nil, err
	}
	a.lockout = lockout.New(postgres.NewLockoutRepo(a.db), cfg.LockoutConfig(),
		lockout.WithLogger(log), lockout.WithAudit(rec))
	a.limiter = ratelimit.New(buckets, cfg.RateLimitConfig(),
		ratelimit.WithLogger(log), ratelimit.WithAudit(rec))
	a.auth = service.NewAuthService(postgres.NewUserRepo(a.db), a.tokens, a.lockout, rec, log)

	a.cleanup = cleanup.New(cfg.CleanupInterval, log,
		cleanup.Task{Name: "revoked_tokens", Run: a.tokens.PurgeExpired},
		cleanup.Task{Name: "login_attempts", Run: a.lockout.PurgeExpired},
		cleanup.Task{Name: "rate_limit_buckets", Run: a.limiter.PurgeStale},
	)
	return a, nil
}

func (a *app) close() {
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
	sentry.Flush(2 * time.Second)
	_ = a.log.Sync()
}
