package main

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/makeasinger/stemsplit/internal/config"
	"github.com/makeasinger/stemsplit/internal/logging"
	"github.com/makeasinger/stemsplit/internal/store"
	"github.com/makeasinger/stemsplit/internal/workspace"
)

// deps holds what every command opens before doing its work.
type deps struct {
	cfg       *config.Config
	logger    *zap.Logger
	redis     *redis.Client
	store     store.Store
	jobsDir   string
	workspace *workspace.Workspace
	closers   []func() error
}

func openDeps(ctx context.Context) (*deps, error) {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return nil, errors.Wrap(err, "load config")
	}

	logger, err := logging.New(cfg.Server.LogLevel, cfg.Server.Env)
	if err != nil {
		return nil, err
	}
	rt := &deps{cfg: cfg, logger: logger}
	rt.closers = append(rt.closers, func() error {
		_ = logger.Sync()
		return nil
	})

	if cfg.UsesRedis() {
		rt.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		rt.closers = append(rt.closers, rt.redis.Close)

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rt.redis.Ping(pingCtx).Err(); err != nil {
			rt.Close()
			return nil, errors.Wrapf(err, "connect redis at %s", cfg.Redis.Addr)
		}
	}

	if err := rt.openStore(); err != nil {
		rt.Close()
		return nil, err
	}

	rt.workspace = workspace.New(cfg.Storage.UploadDir, cfg.Storage.OutputDir, cfg.Storage.TempDir)
	if err := rt.workspace.Prepare(); err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

func (rt *deps) openStore() error {
	switch rt.cfg.Storage.Backend {
	case "redis":
		rt.store = store.NewRedisStore(rt.redis, rt.cfg.Retention.MaxAge, rt.logger)
		rt.logger.Info("job records stored in redis", zap.String("addr", rt.cfg.Redis.Addr))
		return nil
	default:
		fs, err := store.NewFileStore(rt.cfg.Storage.JobsDir, rt.logger)
		if err != nil {
			return err
		}
		// A second process on the same directory would overwrite records.
		if err := fs.Lock(); err != nil {
			return err
		}
		rt.closers = append(rt.closers, fs.Close)
		rt.store = fs
		rt.jobsDir = fs.Dir()
		rt.logger.Info("job records stored on disk", zap.String("path", fs.Dir()))
		return nil
	}
}

// Close releases everything in reverse order of opening.
func (rt *deps) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil && rt.logger != nil {
			rt.logger.Warn("close failed", zap.Error(err))
		}
	}
	rt.closers = nil
}
