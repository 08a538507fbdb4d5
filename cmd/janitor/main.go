package main

import (
	"context"
	"flag"
	"log"
	"time"

	"go.uber.org/zap"

	"memoria/api/internal/acl"
	"memoria/api/internal/config"
	"memoria/api/internal/store"
)

// janitor sweeps permissions whose last access is older than the configured
// staleness threshold. Meant for a periodic scheduler (cron or similar); each
// run is a single batched delete with its own audit trail in the server logs.
func main() {
	dryRun := flag.Bool("dry-run", false, "report without deleting")
	timeout := flag.Duration("timeout", 2*time.Minute, "overall run deadline")
	flag.Parse()

	cfg := config.Load()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		logger.Fatal("migrations failed", zap.Error(err))
	}

	dataStore := store.NewPostgresStore(db)

	if *dryRun {
		count, err := dataStore.CountStalePermissions(ctx, time.Now().Add(-cfg.StaleAfter))
		if err != nil {
			logger.Fatal("stale permission count failed", zap.Error(err))
		}
		logger.Info("dry run: stale permissions found",
			zap.Int64("count", count),
			zap.Duration("stale_after", cfg.StaleAfter))
		return
	}

	access := acl.New(acl.Config{
		ChecksPerMinute: cfg.PermissionBurst,
		CacheSize:       cfg.PermissionCacheSz,
		CacheTTL:        cfg.PermissionTTL,
		StaleAfter:      cfg.StaleAfter,
	}, dataStore, nil, logger)

	removed, err := access.CleanupStalePermissions(ctx)
	if err != nil {
		logger.Fatal("stale permission sweep failed", zap.Error(err))
	}
	logger.Info("stale permission sweep complete",
		zap.Int64("removed", removed),
		zap.Duration("stale_after", cfg.StaleAfter))
}
