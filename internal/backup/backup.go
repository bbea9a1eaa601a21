// Package backup runs the snapshot-to-bucket pipeline: each eligible
// snapshot is materialized as a volume, attached, mounted, streamed
// into the bucket as one or more archive parts, and its migration tag
// flipped once everything is confirmed.
package backup

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/juju/clock"
	"github.com/zeebo/blake3"

	"s2b/internal/bucket"
	"s2b/internal/ebs"
	"s2b/internal/lifecycle"
	"s2b/internal/naming"
	"s2b/internal/stream"
	"s2b/internal/tag"
)

// Provider is the snapshot-side capability the pipeline consumes.
type Provider interface {
	Snapshots(ctx context.Context) ([]ebs.Snapshot, error)
	CreateVolumeFromSnapshot(ctx context.Context, snap ebs.Snapshot) (string, error)
	SetSnapshotStatus(ctx context.Context, snap ebs.Snapshot, to tag.Status) error
	DeleteSnapshot(ctx context.Context, snap ebs.Snapshot) error
}

// FileSystem is the local capability needed beyond what the lifecycle
// manager already drives.
type FileSystem interface {
	UsedBytes(ctx context.Context, dir string) (int64, error)
	TarCreate(ctx context.Context, dir string) (io.ReadCloser, func() error, error)
}

type Options struct {
	MountDir string
	// SplitSize caps one archive part. An archive whose estimated
	// size fits within it is uploaded as a single suffix-less object.
	SplitSize      int64
	Compress       bool
	DeleteSnapshot bool
}

type Pipeline struct {
	provider  Provider
	store     bucket.Store
	fs        FileSystem
	resources *lifecycle.Manager
	clock     clock.Clock
	opts      Options
}

func New(provider Provider, store bucket.Store, fs FileSystem, resources *lifecycle.Manager, clk clock.Clock, opts Options) *Pipeline {
	return &Pipeline{
		provider:  provider,
		store:     store,
		fs:        fs,
		resources: resources,
		clock:     clk,
		opts:      opts,
	}
}

// Run processes every snapshot currently tagged for migration.
// Snapshots are independent: one failing run is reported and the loop
// moves on, except on cancellation.
func (p *Pipeline) Run(ctx context.Context) error {
	snapshots, err := p.provider.Snapshots(ctx)
	if err != nil {
		return err
	}

	var eligible []ebs.Snapshot
	for _, snap := range snapshots {
		switch snap.Status {
		case tag.Migrate:
			eligible = append(eligible, snap)
		case tag.Transferred:
			slog.Info("Skipping already transferred snapshot", "snapshot", snap.ID)
		default:
			slog.Debug("Skipping ineligible snapshot", "snapshot", snap.ID)
		}
	}
	if len(eligible) == 0 {
		slog.Info("No snapshots tagged for migration")
		return nil
	}

	var errs []error
	for i, snap := range eligible {
		slog.Info("Processing snapshot", "snapshot", snap.ID, "name", snap.Name,
			"progress", fmt.Sprintf("%d of %d", i+1, len(eligible)))
		if err := p.runOne(ctx, snap); err != nil {
			errs = append(errs, fmt.Errorf("snapshot %s: %w", snap.ID, err))
			if ctx.Err() != nil {
				break
			}
			slog.Error("Snapshot transfer failed, moving on", "snapshot", snap.ID, "error", err)
			continue
		}
		slog.Info("Snapshot transferred", "snapshot", snap.ID)
	}
	return errors.Join(errs...)
}

func (p *Pipeline) runOne(ctx context.Context, snap ebs.Snapshot) error {
	stack := lifecycle.NewStack()
	// Backstop for every failure path; a no-op after the success path
	// has already drained the stack.
	defer func() {
		lifecycle.LogWarnings(stack.ReleaseAll(ctx))
	}()

	volumeID, _, err := p.resources.AcquireVolume(ctx, stack, func(ctx context.Context) (string, error) {
		return p.provider.CreateVolumeFromSnapshot(ctx, snap)
	})
	if err != nil {
		return err
	}

	device, err := p.resources.AcquireAttachment(ctx, stack, volumeID)
	if err != nil {
		return err
	}

	mountDir := filepath.Join(p.opts.MountDir, snap.ID)
	if err := p.resources.AcquireMount(ctx, stack, device, mountDir); err != nil {
		return err
	}

	usedBytes, err := p.fs.UsedBytes(ctx, mountDir)
	if err != nil {
		return err
	}
	slog.Info("Mounted snapshot volume", "snapshot", snap.ID, "device", device,
		"used", humanize.IBytes(uint64(usedBytes)))

	if err := p.upload(ctx, snap, mountDir, usedBytes); err != nil {
		return err
	}

	// Resources are torn down before the tag flips, so a snapshot is
	// only marked transferred once its transient volume is gone.
	lifecycle.LogWarnings(stack.ReleaseAll(ctx))

	if err := p.provider.SetSnapshotStatus(ctx, snap, tag.Transferred); err != nil {
		return err
	}
	if p.opts.DeleteSnapshot {
		if err := p.provider.DeleteSnapshot(ctx, snap); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) upload(ctx context.Context, snap ebs.Snapshot, mountDir string, usedBytes int64) error {
	ref := naming.Ref{
		Name:       snap.Name,
		SnapshotID: snap.ID,
		Created:    snap.Created.UTC(),
		Uploaded:   p.clock.Now().UTC(),
		Compressed: p.opts.Compress,
	}
	metadata := map[string]string{
		bucket.MetaDiscSize:     strconv.FormatInt(usedBytes, 10),
		bucket.MetaVolumeSize:   fmt.Sprintf("%d GiB", snap.SizeGiB),
		bucket.MetaCreationTime: snap.Created.UTC().Format(time.RFC3339),
	}
	contentType := "application/x-tar"
	if p.opts.Compress {
		contentType = "application/gzip"
	}

	tarStream, tarWait, err := p.fs.TarCreate(ctx, mountDir)
	if err != nil {
		return err
	}
	waited := false
	defer func() {
		if !waited {
			tarStream.Close()
			_ = tarWait()
		}
	}()

	var src io.Reader = tarStream
	if p.opts.Compress {
		// The compressed bytes form one continuous stream; split
		// boundaries slice it blindly and restore concatenates before
		// decompressing.
		pr, pw := io.Pipe()
		go func() {
			gz := gzip.NewWriter(pw)
			_, err := io.Copy(gz, tarStream)
			if cerr := gz.Close(); err == nil {
				err = cerr
			}
			pw.CloseWithError(err)
		}()
		defer pr.Close()
		src = pr
	}

	if usedBytes <= p.opts.SplitSize {
		if err := p.putPart(ctx, ref.Key(0), src, contentType, metadata); err != nil {
			return err
		}
	} else {
		splitter, err := stream.NewSplitter(src, p.opts.SplitSize)
		if err != nil {
			return err
		}
		for index := 1; ; index++ {
			part, ok, err := splitter.Next()
			if err != nil {
				return err
			}
			if !ok {
				break
			}
			if err := p.putPart(ctx, ref.Key(index), part, contentType, metadata); err != nil {
				return err
			}
		}
	}

	waited = true
	tarStream.Close()
	return tarWait()
}

func (p *Pipeline) putPart(ctx context.Context, key string, body io.Reader, contentType string, metadata map[string]string) error {
	hasher := blake3.New()
	err := p.store.Put(ctx, key, io.TeeReader(body, hasher), bucket.PutOptions{
		ContentType: contentType,
		Metadata:    metadata,
	})
	if err != nil {
		return err
	}
	return p.store.Tag(ctx, key, map[string]string{
		bucket.MetaBlake3: fmt.Sprintf("%x", hasher.Sum(nil)),
	})
}
