package main

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/corralhq/corral/core/infra/config"
	"github.com/corralhq/corral/core/infra/locks"
)

const sweepOpTimeout = 30 * time.Second

// openLockStore picks the lock store backend named by configuration. The
// returned closer releases whatever the backend opened.
func openLockStore(ctx context.Context, cfg *config.Config) (locks.Store, func(), error) {
	switch strings.ToLower(strings.TrimSpace(cfg.LockBackend)) {
	case "redis":
		store, err := locks.NewRedisStore(cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		return store, closeQuietly("redis lock store", store.Close), nil
	case "s3":
		if cfg.S3Bucket == "" {
			return nil, nil, fmt.Errorf("CORRAL_S3_BUCKET is required for the s3 backend")
		}
		store, err := locks.NewS3Store(ctx, cfg.S3Bucket, cfg.S3Prefix)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	case "sqlite":
		store, err := locks.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return store, closeQuietly("sqlite lock store", store.Close), nil
	default:
		return nil, nil, fmt.Errorf("unknown lock backend %q (want redis, s3, or sqlite)", cfg.LockBackend)
	}
}

func closeQuietly(name string, closeFn func() error) func() {
	return func() {
		if err := closeFn(); err != nil {
			log.Printf("%s close failed: %v", name, err)
		}
	}
}

// sweepExpiredLeases drops rows past their lease deadline so abandoned locks
// do not pile up in the store between reads.
func sweepExpiredLeases(ctx context.Context, store locks.Store, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepCtx, cancel := context.WithTimeout(ctx, sweepOpTimeout)
			if err := store.CleanupExpired(sweepCtx); err != nil {
				log.Printf("lease sweep failed: %v", err)
			}
			cancel()
		}
	}
}
