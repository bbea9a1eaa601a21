package main

import (
	"context"
	"fmt"

	"s2b/internal/config"
	"s2b/internal/list"
)

func runList(ctx context.Context, configPath, name string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	store, err := newStore(ctx, cfg)
	if err != nil {
		return err
	}
	return list.Run(ctx, store, cfg.Bucket, name)
}
