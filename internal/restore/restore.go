// Package restore rebuilds a volume from archived snapshot parts: it
// sizes and provisions a fresh volume, partitions and formats it,
// then streams the parts back through verification, decompression and
// tar extraction. The restored volume stays attached and mounted when
// the run succeeds.
package restore

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/zeebo/blake3"

	"s2b/internal/bucket"
	"s2b/internal/fault"
	"s2b/internal/lifecycle"
	"s2b/internal/naming"
	"s2b/internal/stream"
)

// The provisioned volume is padded a quarter over the archived data
// size so the extracted tree and filesystem overhead fit.
const growthNumerator, growthDenominator = 5, 4

const gib = 1 << 30

// Provisioner is the provider-side capability the pipeline consumes.
type Provisioner interface {
	CreateEmptyVolume(ctx context.Context, sizeGiB int32) (string, error)
}

// FileSystem is the local capability needed beyond what the lifecycle
// manager already drives.
type FileSystem interface {
	Partition(ctx context.Context, volumeID string, boot bool) (string, error)
	Format(ctx context.Context, partition string) error
	TarExtract(ctx context.Context, dir string, r io.Reader) error
	UpdateFstab(ctx context.Context, mountDir, partition string) error
}

type Options struct {
	MountDir string
	// RestoreDir holds downloaded parts while they are consumed.
	RestoreDir string
	// Boot marks the restored partition bootable and rewrites the
	// extracted fstab root entry to match the new filesystem.
	Boot bool
}

type Pipeline struct {
	provider  Provisioner
	store     bucket.Store
	fs        FileSystem
	resources *lifecycle.Manager
	opts      Options
}

func New(provider Provisioner, store bucket.Store, fs FileSystem, resources *lifecycle.Manager, opts Options) *Pipeline {
	return &Pipeline{
		provider:  provider,
		store:     store,
		fs:        fs,
		resources: resources,
		opts:      opts,
	}
}

// Run restores the archive identified by key. Any object key of the
// archive works: the whole part set is discovered from the bucket.
func (p *Pipeline) Run(ctx context.Context, key string) error {
	manifest, err := p.discover(ctx, key)
	if err != nil {
		return err
	}

	info, err := p.store.Head(ctx, manifest.Parts[0].Key)
	if err != nil {
		return err
	}
	sizeGiB := provisionGiB(TargetBytes(discSize(info.Metadata), manifest.TotalSize()))
	slog.Info("Restoring archive", "snapshot", manifest.Ref.SnapshotID,
		"parts", len(manifest.Parts),
		"archived", humanize.IBytes(uint64(manifest.TotalSize())),
		"volume_size", fmt.Sprintf("%d GiB", sizeGiB))

	stack := lifecycle.NewStack()
	defer func() {
		lifecycle.LogWarnings(stack.ReleaseAll(ctx))
	}()

	volumeID, keepVolume, err := p.resources.AcquireVolume(ctx, stack, func(ctx context.Context) (string, error) {
		return p.provider.CreateEmptyVolume(ctx, sizeGiB)
	})
	if err != nil {
		return err
	}

	if _, err := p.resources.AcquireAttachment(ctx, stack, volumeID); err != nil {
		return err
	}

	partition, err := p.fs.Partition(ctx, volumeID, p.opts.Boot)
	if err != nil {
		return err
	}
	if err := p.fs.Format(ctx, partition); err != nil {
		return err
	}

	mountDir := filepath.Join(p.opts.MountDir, manifest.Ref.SnapshotID)
	if err := p.resources.AcquireMount(ctx, stack, partition, mountDir); err != nil {
		return err
	}

	if err := p.extract(ctx, manifest, mountDir); err != nil {
		return err
	}

	if p.opts.Boot {
		if err := p.fs.UpdateFstab(ctx, mountDir, partition); err != nil {
			return err
		}
	}

	// The data survives teardown; only the volume itself is spared.
	keepVolume.Disarm()
	slog.Info("Restore complete", "volume", volumeID, "mount", mountDir)
	return nil
}

// discover locates every part of the archive key belongs to.
func (p *Pipeline) discover(ctx context.Context, key string) (naming.Manifest, error) {
	ref, _, err := naming.Parse(key)
	if err != nil {
		return naming.Manifest{}, err
	}

	objects, err := p.store.List(ctx, naming.Prefix(ref.Name))
	if err != nil {
		return naming.Manifest{}, err
	}
	var siblings []naming.Object
	for _, obj := range objects {
		other, _, err := naming.Parse(obj.Key)
		if err != nil {
			slog.Warn("Ignoring unparseable object", "key", obj.Key, "error", err)
			continue
		}
		if other == ref {
			siblings = append(siblings, naming.Object(obj))
		}
	}
	return naming.BuildManifest(siblings)
}

func (p *Pipeline) extract(ctx context.Context, manifest naming.Manifest, mountDir string) error {
	if err := os.MkdirAll(p.opts.RestoreDir, 0o755); err != nil {
		return fmt.Errorf("failed to create restore dir: %w", err)
	}

	joined := stream.Join(len(manifest.Parts), func(i int) (io.ReadCloser, error) {
		return p.fetchPart(ctx, manifest.Parts[i])
	})
	defer joined.Close()

	var src io.Reader = joined
	if manifest.Ref.Compressed {
		gz, err := gzip.NewReader(joined)
		if err != nil {
			return fmt.Errorf("archive is not valid gzip: %w", err)
		}
		defer gz.Close()
		src = gz
	}
	return p.fs.TarExtract(ctx, mountDir, src)
}

// fetchPart downloads one part, verifies its recorded content hash and
// hands back a reader that removes the local copy on close.
func (p *Pipeline) fetchPart(ctx context.Context, part naming.Part) (io.ReadCloser, error) {
	local := filepath.Join(p.opts.RestoreDir, filepath.Base(part.Key))
	size, err := p.store.Download(ctx, part.Key, local)
	if err != nil {
		return nil, err
	}
	slog.Info("Downloaded part", "key", part.Key, "size", humanize.IBytes(uint64(size)))

	if err := p.verifyPart(ctx, part.Key, local); err != nil {
		os.Remove(local)
		return nil, err
	}

	file, err := os.Open(local)
	if err != nil {
		os.Remove(local)
		return nil, fmt.Errorf("failed to open downloaded part: %w", err)
	}
	return &scratchFile{File: file, path: local}, nil
}

func (p *Pipeline) verifyPart(ctx context.Context, key, local string) error {
	tags, err := p.store.Tags(ctx, key)
	if err != nil {
		return err
	}
	want, ok := tags[bucket.MetaBlake3]
	if !ok {
		slog.Warn("Part carries no content hash, skipping verification", "key", key)
		return nil
	}

	file, err := os.Open(local)
	if err != nil {
		return fmt.Errorf("failed to reopen part for verification: %w", err)
	}
	defer file.Close()
	hasher := blake3.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return fmt.Errorf("failed to hash part %s: %w", key, err)
	}
	got := fmt.Sprintf("%x", hasher.Sum(nil))
	if got != want {
		return fault.New(fault.Integrity, "part %s hash mismatch: got %s, want %s", key, got, want)
	}
	slog.Debug("Part verified", "key", key)
	return nil
}

// scratchFile deletes the backing file once the part is consumed.
type scratchFile struct {
	*os.File
	path string
}

func (s *scratchFile) Close() error {
	err := s.File.Close()
	if rerr := os.Remove(s.path); err == nil {
		err = rerr
	}
	return err
}

// TargetBytes sizes the restore volume: a quarter over the archived
// data, never under one GiB. discSize is the recorded used-byte count
// from backup time; when it is absent the archived part total stands
// in.
func TargetBytes(discSize, archivedSize int64) int64 {
	base := discSize
	if base <= 1 {
		base = archivedSize
	}
	size := base * growthNumerator / growthDenominator
	if size < gib {
		size = gib
	}
	return size
}

func provisionGiB(bytes int64) int32 {
	return int32((bytes + gib - 1) / gib)
}

func discSize(metadata map[string]string) int64 {
	raw, ok := metadata[bucket.MetaDiscSize]
	if !ok {
		return 0
	}
	size, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		slog.Warn("Ignoring malformed disc-size metadata", "value", raw)
		return 0
	}
	return size
}
