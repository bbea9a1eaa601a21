package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/juju/clock"

	"s2b/internal/backup"
	"s2b/internal/config"
	"s2b/internal/lifecycle"
	"s2b/internal/localfs"
	"s2b/internal/lock"
)

func runBackup(ctx context.Context, configPath, tagKey, mountDir, splitValue string, compress, deleteSnap, verbose bool) error {
	if ctx.Err() != nil {
		return fmt.Errorf("backup cancelled before start: %w", ctx.Err())
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	splitSize, err := config.ParseSplitSize(splitValue)
	if err != nil {
		return err
	}

	logFile, err := setupLogging(verbose)
	if err != nil {
		return err
	}
	defer logFile.Close()
	slog.Info("Backup started", "bucket", cfg.Bucket, "tag", tagKey, "mount", mountDir)

	releaseLock, err := lock.Acquire(mountDir)
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer func() {
		if err := releaseLock(); err != nil {
			slog.Warn("Failed to release lock", "error", err)
		}
	}()

	store, err := newStore(ctx, cfg)
	if err != nil {
		return err
	}
	provider, err := newProvider(ctx, cfg, tagKey)
	if err != nil {
		return err
	}

	fs := localfs.New()
	resources := lifecycle.NewManager(provider, fs, lifecycle.NewSlots())
	pipeline := backup.New(provider, store, fs, resources, clock.WallClock, backup.Options{
		MountDir:       mountDir,
		SplitSize:      splitSize,
		Compress:       compress,
		DeleteSnapshot: deleteSnap,
	})
	return pipeline.Run(ctx)
}
