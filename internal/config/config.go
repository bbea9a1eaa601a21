// Package config loads and validates the environment-level settings:
// which bucket to use, how to reach the provider and what kind of
// volumes to create. Per-run choices (split size, compression, restore
// key) arrive as CLI flags and are validated where they are parsed.
package config

import (
	"fmt"
	"os"

	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"s2b/internal/bucket"
	"s2b/internal/fault"
)

// S3 refuses single multipart parts below 5 MiB and whole objects
// above 5 TiB, which bounds the usable split sizes.
const (
	MinSplitSize = int64(5 * 1024 * 1024)
	MaxSplitSize = int64(5 * 1024 * 1024 * 1024 * 1024)
)

type VolumeConfig struct {
	Type       string `yaml:"type"`
	Iops       int32  `yaml:"iops,omitempty"`
	Throughput int32  `yaml:"throughput,omitempty"`
}

type Config struct {
	Bucket       string       `yaml:"bucket"`
	Region       string       `yaml:"region"`
	Endpoint     string       `yaml:"endpoint,omitempty"`
	StorageClass string       `yaml:"storage_class"`
	Volume       VolumeConfig `yaml:"volume"`
	Retry        struct {
		MaxAttempts int `yaml:"max_attempts"`
	} `yaml:"retry,omitempty"`
}

func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	if cfg.StorageClass == "" {
		cfg.StorageClass = string(s3types.StorageClassStandard)
	}
	if cfg.Volume.Type == "" {
		cfg.Volume.Type = string(ec2types.VolumeTypeGp2)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

var volumeTypes = map[string]bool{
	"standard": true,
	"io1":      true,
	"io2":      true,
	"gp2":      true,
	"gp3":      true,
	"sc1":      true,
	"st1":      true,
}

func supportsIops(volumeType string) bool {
	return volumeType == "gp3" || volumeType == "io1" || volumeType == "io2"
}

// Validate rejects missing settings and invalid option combinations
// before any resource is acquired.
func (c *Config) Validate() error {
	if c.Bucket == "" {
		return fault.New(fault.Config, "bucket is required")
	}
	if c.Region == "" {
		return fault.New(fault.Config, "region is required")
	}
	if err := bucket.ValidateStorageClass(c.StorageClass); err != nil {
		return err
	}
	if !volumeTypes[c.Volume.Type] {
		return fault.New(fault.Config, "unrecognized volume type %q", c.Volume.Type)
	}
	if c.Volume.Iops != 0 {
		if !supportsIops(c.Volume.Type) {
			return fault.New(fault.Config, "IOPS can only be set for gp3, io1 and io2 volumes, not %s", c.Volume.Type)
		}
		if c.Volume.Type == "gp3" && (c.Volume.Iops < 3000 || c.Volume.Iops > 16000) {
			return fault.New(fault.Config, "gp3 supports 3000-16000 IOPS, %d given", c.Volume.Iops)
		}
		if c.Volume.Type != "gp3" && (c.Volume.Iops < 100 || c.Volume.Iops > 64000) {
			return fault.New(fault.Config, "%s supports 100-64000 IOPS, %d given", c.Volume.Type, c.Volume.Iops)
		}
	}
	if c.Volume.Throughput != 0 {
		if c.Volume.Type != "gp3" {
			return fault.New(fault.Config, "throughput can only be set for gp3 volumes, not %s", c.Volume.Type)
		}
		if c.Volume.Throughput < 125 || c.Volume.Throughput > 1000 {
			return fault.New(fault.Config, "gp3 supports 125-1000 MiB/s throughput, %d given", c.Volume.Throughput)
		}
	}
	return nil
}

func (c *Config) RetryAttempts() int {
	if c.Retry.MaxAttempts > 0 {
		return c.Retry.MaxAttempts
	}
	return 4
}

// ParseSplitSize parses a human-readable size ("512MiB", "1.5GiB",
// "5TiB") and enforces the object-storage bounds.
func ParseSplitSize(value string) (int64, error) {
	parsed, err := humanize.ParseBytes(value)
	if err != nil {
		return 0, fault.New(fault.Config, "split size %q not understood: %v", value, err)
	}
	size := int64(parsed)
	if size < MinSplitSize {
		return 0, fault.New(fault.Config, "split size %s is below the %s minimum",
			humanize.IBytes(uint64(size)), humanize.IBytes(uint64(MinSplitSize)))
	}
	if size > MaxSplitSize {
		return 0, fault.New(fault.Config, "split size %s is above the %s object-storage ceiling",
			humanize.IBytes(uint64(size)), humanize.IBytes(uint64(MaxSplitSize)))
	}
	return size, nil
}
