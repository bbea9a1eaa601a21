package main

import (
	"context"
	"fmt"
	"log/slog"

	"s2b/internal/config"
	"s2b/internal/lifecycle"
	"s2b/internal/localfs"
	"s2b/internal/lock"
	"s2b/internal/restore"
)

func runRestore(ctx context.Context, configPath, key, tagKey, mountDir, restoreDir string, boot, verbose bool) error {
	if ctx.Err() != nil {
		return fmt.Errorf("restore cancelled before start: %w", ctx.Err())
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logFile, err := setupLogging(verbose)
	if err != nil {
		return err
	}
	defer logFile.Close()
	slog.Info("Restore started", "bucket", cfg.Bucket, "key", key, "mount", mountDir)

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
	pipeline := restore.New(provider, store, fs, resources, restore.Options{
		MountDir:   mountDir,
		RestoreDir: restoreDir,
		Boot:       boot,
	})
	return pipeline.Run(ctx, key)
}
