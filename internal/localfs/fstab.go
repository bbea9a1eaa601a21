package localfs

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	fstabRootPattern = regexp.MustCompile(`(?i)(UUID|LABEL)=([0-9a-z\-]+)\s+(/boot|/)\s+(ext[2-4])`)
	blkidUUIDPattern = regexp.MustCompile(`(?im)^UUID=([0-9a-z\-]+)$`)
)

// UpdateFstab rewrites the restored tree's fstab so the root entry
// matches the freshly formatted partition. A UUID entry gets the new
// partition's UUID; a LABEL entry is satisfied by relabeling the
// partition instead.
func (f *FS) UpdateFstab(ctx context.Context, mountDir, partition string) error {
	fstabPath := filepath.Join(mountDir, "etc", "fstab")
	data, err := os.ReadFile(fstabPath)
	if err != nil {
		return fmt.Errorf("failed to read restored fstab: %w", err)
	}

	match := fstabRootPattern.FindSubmatch(data)
	if match == nil {
		return fmt.Errorf("no root filesystem entry recognized in %s", fstabPath)
	}

	switch strings.ToLower(string(match[1])) {
	case "uuid":
		out, err := exec.CommandContext(ctx, "blkid", "--output", "export", partition).Output()
		if err != nil {
			return fmt.Errorf("blkid failed for %s: %w", partition, err)
		}
		uuid := blkidUUIDPattern.FindSubmatch(out)
		if uuid == nil {
			return fmt.Errorf("no UUID reported for %s", partition)
		}
		updated := strings.Replace(string(data), string(match[2]), string(uuid[1]), 1)
		if err := os.WriteFile(fstabPath, []byte(updated), 0o644); err != nil {
			return fmt.Errorf("failed to write restored fstab: %w", err)
		}
		slog.Info("Updated fstab root UUID", "old", string(match[2]), "new", string(uuid[1]))
	case "label":
		label := string(match[2])
		if out, err := exec.CommandContext(ctx, "e2label", partition, label).CombinedOutput(); err != nil {
			return fmt.Errorf("failed to relabel %s as %q: %s: %w", partition, label, strings.TrimSpace(string(out)), err)
		}
		slog.Info("Relabeled restored partition", "partition", partition, "label", label)
	}
	return nil
}
