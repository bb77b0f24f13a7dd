package cli

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"salesledger/backend/internal/cache"
	"salesledger/backend/internal/config"
	"salesledger/backend/internal/service"
	"salesledger/backend/internal/store"
	"salesledger/backend/internal/store/memory"
	pgstore "salesledger/backend/internal/store/postgres"
	"salesledger/backend/internal/store/sqlite"
)

var errNoPersistentStore = errors.New("no persistent store configured: set DATABASE_URL or SQLITE_PATH")

func newLogger(level string) (*zap.Logger, error) {
	lvl := zapcore.InfoLevel
	if level != "" {
		parsed, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
		lvl = parsed
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	zcfg.EncoderConfig.TimeKey = "ts"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zcfg.Build()
}

type storeOptions struct {
	// allowMemory falls back to the seeded in-memory store when no database
	// is configured.
	allowMemory bool
	migrate     bool
}

// openRepository picks PostgreSQL, then SQLite, then (when allowed) the
// in-memory store. A configured database that cannot be reached is fatal.
func openRepository(ctx context.Context, cfg config.Config, logger *zap.Logger, opts storeOptions) (store.Repository, error) {
	switch {
	case cfg.DatabaseURL != "":
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("postgres unavailable and DATABASE_URL is set: %w", err)
		}
		if opts.migrate {
			if err := pg.Migrate(ctx); err != nil {
				_ = pg.Close()
				return nil, fmt.Errorf("postgres migrate: %w", err)
			}
		}
		logger.Info("repository ready", zap.String("backend", "postgres"))
		return pg, nil
	case cfg.SQLitePath != "":
		lite, err := sqlite.New(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("sqlite %s: %w", cfg.SQLitePath, err)
		}
		logger.Info("repository ready", zap.String("backend", "sqlite"), zap.String("path", cfg.SQLitePath))
		return lite, nil
	case opts.allowMemory:
		logger.Warn("no database configured, using the seeded in-memory store")
		return memory.NewSeeded(logger.Named("memory")), nil
	default:
		return nil, errNoPersistentStore
	}
}

// openPolicyCache returns the Redis cache when it answers a ping and the
// no-op cache otherwise. The returned close func is never nil.
func openPolicyCache(ctx context.Context, cfg config.Config, logger *zap.Logger) (cache.PolicyCache, func() error) {
	noop := func() error { return nil }
	if cfg.RedisAddr == "" {
		logger.Info("policy cache disabled")
		return cache.NoopPolicyCache{}, noop
	}
	redisCache := cache.NewRedisPolicyCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err := redisCache.Ping(ctx); err != nil {
		logger.Warn("redis unavailable, policy cache disabled", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		_ = redisCache.Close()
		return cache.NoopPolicyCache{}, noop
	}
	logger.Info("policy cache ready", zap.String("backend", "redis"), zap.String("addr", cfg.RedisAddr))
	return redisCache, redisCache.Close
}

func newService(cfg config.Config, repo store.Repository, policyCache cache.PolicyCache, logger *zap.Logger) (*service.Service, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	minorUnits := cfg.MinorUnits
	return service.New(repo, service.Options{
		PolicyCache:    policyCache,
		PolicyCacheTTL: cfg.PolicyCacheTTL(),
		Location:       loc,
		MinorUnits:     &minorUnits,
		Logger:         logger.Named("service"),
	}), nil
}
