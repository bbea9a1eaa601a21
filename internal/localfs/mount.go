package localfs

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"

	"s2b/internal/fault"
)

// Mount binds a device partition at dir, creating the directory if
// absent.
func (f *FS) Mount(ctx context.Context, device, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create mount directory: %w", err)
	}
	out, err := exec.CommandContext(ctx, "mount", "--source", device, "--target", dir).CombinedOutput()
	if err != nil {
		return fmt.Errorf("failed to mount %s at %s: %s: %w", device, dir, strings.TrimSpace(string(out)), err)
	}
	slog.Info("Mounted", "device", device, "dir", dir)
	return nil
}

// Unmount releases the mount at dir, retrying briefly while the
// device is reported busy (a straggling flush or scanner).
func (f *FS) Unmount(ctx context.Context, dir string) error {
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			out, err := exec.CommandContext(ctx, "umount", dir).CombinedOutput()
			if err == nil {
				return nil
			}
			msg := strings.TrimSpace(string(out))
			if bytes.Contains(bytes.ToLower(out), []byte("busy")) {
				return fault.New(fault.Busy, "umount %s: %s", dir, msg)
			}
			return fmt.Errorf("umount %s: %s: %w", dir, msg, err)
		},
		IsFatalError: func(err error) bool { return fault.KindOf(err) != fault.Busy },
		NotifyFunc: func(err error, attempt int) {
			slog.Warn("Mount point busy, retrying unmount", "dir", dir, "attempt", attempt)
		},
		Attempts: 6,
		Delay:    2 * time.Second,
		Clock:    clock.WallClock,
		Stop:     ctx.Done(),
	})
	if err != nil {
		return retry.LastError(err)
	}
	slog.Info("Unmounted", "dir", dir)
	return nil
}

// Partition writes a DOS label with a single Linux partition spanning
// the raw device, optionally marked bootable, and returns the new
// partition node.
func (f *FS) Partition(ctx context.Context, volumeID string, boot bool) (string, error) {
	raw, err := f.WaitRawDevice(ctx, volumeID)
	if err != nil {
		return "", err
	}

	script := "label: dos\ntype=83\n"
	if boot {
		script = "label: dos\ntype=83, bootable\n"
	}
	cmd := exec.CommandContext(ctx, "sfdisk", raw)
	cmd.Stdin = strings.NewReader(script)
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("failed to partition %s: %s: %w", raw, strings.TrimSpace(string(out)), err)
	}
	slog.Info("Partitioned device", "device", raw, "bootable", boot)

	// Re-resolve so the fresh partition node is picked up.
	partition, err := f.WaitDevice(ctx, volumeID)
	if err != nil {
		return "", err
	}
	if partition == raw {
		return "", fmt.Errorf("partition on %s did not appear", raw)
	}
	return partition, nil
}

// Format creates an ext4 filesystem on the partition.
func (f *FS) Format(ctx context.Context, partition string) error {
	if out, err := exec.CommandContext(ctx, "mke2fs", "-t", "ext4", partition).CombinedOutput(); err != nil {
		return fmt.Errorf("failed to format %s: %s: %w", partition, strings.TrimSpace(string(out)), err)
	}
	slog.Info("Formatted", "partition", partition, "fstype", "ext4")
	return nil
}

// UsedBytes reports the used size of the filesystem mounted at dir,
// per df. Fast but approximate, which is fine for a split decision
// and metadata.
func (f *FS) UsedBytes(ctx context.Context, dir string) (int64, error) {
	out, err := exec.CommandContext(ctx, "df", "--sync", "-k", "--local", "--output=used", dir).Output()
	if err != nil {
		return 0, fmt.Errorf("df failed for %s: %w", dir, err)
	}
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) < 2 {
		return 0, fmt.Errorf("unexpected df output for %s: %q", dir, string(out))
	}
	usedKiB, err := strconv.ParseInt(strings.TrimSpace(lines[len(lines)-1]), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unexpected df output for %s: %q", dir, lines[len(lines)-1])
	}
	return usedKiB * 1024, nil
}
