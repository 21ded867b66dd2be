package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/luma/lodestar/internal/env"
	"github.com/luma/lodestar/storage"
)

// openEngine builds the configured cache engine. The returned close func
// writes the snapshot, if one is configured, before releasing the engine.
func openEngine(ctx context.Context, conf *env.Config, log *zap.Logger) (storage.Engine, func() error, error) {
	switch conf.Engine {
	case env.EngineRedis:
		engine := storage.NewRedisStore(&redis.Options{Addr: conf.RedisAddr})
		if err := engine.Ping(ctx); err != nil {
			engine.Close()
			return nil, nil, fmt.Errorf("Failed to reach redis at %s: %w", conf.RedisAddr, err)
		}

		log.Info("Using redis engine", zap.String("addr", conf.RedisAddr))
		return engine, engine.Close, nil

	default:
		engine := storage.NewInmemoryStore(storage.InmemoryOptions{
			MaxBytes:    conf.MaxBytes,
			MaxWriteGap: conf.MaxWriteGap,
		})
		if conf.SnapshotPath == "" {
			log.Info("Using in-memory engine", zap.Int64("maxBytes", conf.MaxBytes))
			return engine, engine.Close, nil
		}

		if err := restoreSnapshot(engine, conf.SnapshotPath); err != nil {
			return nil, nil, err
		}

		log.Info("Using in-memory engine",
			zap.Int64("maxBytes", conf.MaxBytes),
			zap.String("snapshot", conf.SnapshotPath))

		closeEngine := func() error {
			err := saveSnapshot(engine, conf.SnapshotPath)
			return multierr.Append(err, engine.Close())
		}

		return engine, closeEngine, nil
	}
}

func restoreSnapshot(engine *storage.InmemoryStore, path string) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	return engine.Restore(f)
}

// saveSnapshot writes to a temporary file first so a failed write never
// replaces the previous snapshot.
func saveSnapshot(engine *storage.InmemoryStore, path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*")
	if err != nil {
		return err
	}

	if err := engine.Backup(tmp); err != nil {
		return multierr.Combine(err, tmp.Close(), os.Remove(tmp.Name()))
	}

	if err := tmp.Close(); err != nil {
		return multierr.Append(err, os.Remove(tmp.Name()))
	}

	return os.Rename(tmp.Name(), path)
}
