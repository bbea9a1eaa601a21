// Package list reports the archives currently held in the bucket as
// JSON on stdout.
package list

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/dustin/go-humanize"

	"s2b/internal/bucket"
	"s2b/internal/naming"
)

type Info struct {
	Name       string `json:"name"`
	SnapshotID string `json:"snapshot_id"`
	Created    string `json:"created"`
	Uploaded   string `json:"uploaded"`
	Compressed bool   `json:"compressed"`
	PartsCount int    `json:"parts_count"`
	SizeBytes  int64  `json:"size_bytes"`
	Size       string `json:"size"`
	Key        string `json:"key"`
}

type Output struct {
	Bucket   string `json:"bucket"`
	Archives []Info `json:"archives"`
	Summary  struct {
		TotalArchives  int    `json:"total_archives"`
		TotalSizeBytes int64  `json:"total_size_bytes"`
		TotalSize      string `json:"total_size"`
	} `json:"summary"`
}

// Run lists every archive in the bucket, or only those of one
// snapshot name when name is non-empty.
func Run(ctx context.Context, store bucket.Store, bucketName, name string) error {
	prefix := "snap/"
	if name != "" {
		prefix = naming.Prefix(name)
	}
	objects, err := store.List(ctx, prefix)
	if err != nil {
		return err
	}

	type group struct {
		ref   naming.Ref
		parts int
		size  int64
		key   string
	}
	groups := map[naming.Ref]*group{}
	for _, obj := range objects {
		ref, index, err := naming.Parse(obj.Key)
		if err != nil {
			slog.Warn("Ignoring unparseable object", "key", obj.Key, "error", err)
			continue
		}
		g, ok := groups[ref]
		if !ok {
			g = &group{ref: ref}
			groups[ref] = g
		}
		g.parts++
		g.size += obj.Size
		if g.key == "" || index <= 1 {
			g.key = obj.Key
		}
	}

	output := Output{
		Bucket:   bucketName,
		Archives: []Info{},
	}
	for _, g := range groups {
		output.Archives = append(output.Archives, Info{
			Name:       g.ref.Name,
			SnapshotID: g.ref.SnapshotID,
			Created:    g.ref.Created.Format(time.RFC3339),
			Uploaded:   g.ref.Uploaded.Format(time.RFC3339),
			Compressed: g.ref.Compressed,
			PartsCount: g.parts,
			SizeBytes:  g.size,
			Size:       humanize.IBytes(uint64(g.size)),
			Key:        g.key,
		})
	}
	sort.Slice(output.Archives, func(i, j int) bool {
		if output.Archives[i].Name != output.Archives[j].Name {
			return output.Archives[i].Name < output.Archives[j].Name
		}
		return output.Archives[i].Uploaded < output.Archives[j].Uploaded
	})

	output.Summary.TotalArchives = len(output.Archives)
	for _, archive := range output.Archives {
		output.Summary.TotalSizeBytes += archive.SizeBytes
	}
	output.Summary.TotalSize = humanize.IBytes(uint64(output.Summary.TotalSizeBytes))

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(output); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	return nil
}
