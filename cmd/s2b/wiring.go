package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"s2b/internal/bucket"
	"s2b/internal/config"
	"s2b/internal/ebs"
	"s2b/internal/logging"
)

const logDir = "/var/log/s2b"

func setupLogging(verbose bool) (*os.File, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	logPath := filepath.Join(logDir, fmt.Sprintf("%s.log", time.Now().Format("2006-01-02")))

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger, logFile, err := logging.NewLogger(logPath, level)
	if err != nil {
		return nil, fmt.Errorf("failed to setup logging: %w", err)
	}
	slog.SetDefault(logger)
	return logFile, nil
}

func newStore(ctx context.Context, cfg *config.Config) (*bucket.S3, error) {
	store, err := bucket.NewS3(ctx, cfg.Bucket, cfg.Region, cfg.Endpoint,
		s3types.StorageClass(cfg.StorageClass), cfg.RetryAttempts())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize bucket backend: %w", err)
	}
	if err := store.Verify(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func newProvider(ctx context.Context, cfg *config.Config, tagKey string) (*ebs.Service, error) {
	provider, err := ebs.New(ctx, cfg.RetryAttempts(), ebs.Options{
		TagKey:     tagKey,
		VolumeType: ec2types.VolumeType(cfg.Volume.Type),
		Iops:       cfg.Volume.Iops,
		Throughput: cfg.Volume.Throughput,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize snapshot provider: %w", err)
	}
	return provider, nil
}
