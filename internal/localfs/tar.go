package localfs

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
)

// TarCreate streams the tree under dir as a tar archive, preserving
// permissions, ownership and symlinks. The returned wait func must be
// called after the stream is drained (or abandoned) to reap the
// process; it reports tar's own exit status.
func (f *FS) TarCreate(ctx context.Context, dir string) (io.ReadCloser, func() error, error) {
	cmd := exec.CommandContext(ctx, "tar",
		"--directory", dir,
		"--create",
		"--preserve-permissions",
		"--numeric-owner",
		".")
	cmd.Stderr = os.Stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open tar stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("failed to start tar: %w", err)
	}
	slog.Info("Archiving tree", "dir", dir)

	wait := func() error {
		if err := cmd.Wait(); err != nil {
			return fmt.Errorf("tar create failed: %w", err)
		}
		return nil
	}
	return stdout, wait, nil
}

// TarExtract unpacks the tar stream r into dir, preserving
// permissions, ownership, symlinks and member order.
func (f *FS) TarExtract(ctx context.Context, dir string, r io.Reader) error {
	cmd := exec.CommandContext(ctx, "tar",
		"--extract",
		"--directory", dir,
		"--preserve-permissions",
		"--preserve-order",
		"--numeric-owner")
	cmd.Stdin = r
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("tar extract failed: %s: %w", strings.TrimSpace(string(out)), err)
	}
	slog.Info("Archive extracted", "dir", dir)
	return nil
}
