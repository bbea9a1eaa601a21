// Package naming maps a snapshot identity to its deterministic archive
// key and back. Keys have the form
//
//	snap/<escaped-name>/<snapshotId>-<created>-<uploaded>.tar[.gz][.partNNN]
//
// where the name has spaces replaced by '+' and slashes by '_' so it
// stays a single path segment, timestamps are second-resolution
// ISO 8601, and partNNN is a zero-padded 1-based split index present
// only when an archive was split.
package naming

import (
	"fmt"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"s2b/internal/fault"
)

const (
	// TimeLayout is the timestamp format embedded in keys.
	TimeLayout = "2006-01-02T15:04:05"

	root = "snap"
)

var partSuffix = regexp.MustCompile(`\.part(\d{3,})$`)

func Escape(name string) string {
	return strings.ReplaceAll(strings.ReplaceAll(name, " ", "+"), "/", "_")
}

func Unescape(segment string) string {
	return strings.ReplaceAll(strings.ReplaceAll(segment, "+", " "), "_", "/")
}

// Prefix is the listing prefix covering every archive of the named
// snapshot.
func Prefix(name string) string {
	return root + "/" + Escape(name) + "/"
}

// Ref identifies one archived snapshot transfer.
type Ref struct {
	Name       string
	SnapshotID string
	Created    time.Time
	Uploaded   time.Time
	Compressed bool
}

// Key renders the object key for one part. Index 0 means the archive
// was not split and the key carries no part suffix.
func (r Ref) Key(index int) string {
	var b strings.Builder
	b.WriteString(root)
	b.WriteByte('/')
	b.WriteString(Escape(r.Name))
	b.WriteByte('/')
	b.WriteString(r.SnapshotID)
	b.WriteByte('-')
	b.WriteString(r.Created.Format(TimeLayout))
	b.WriteByte('-')
	b.WriteString(r.Uploaded.Format(TimeLayout))
	b.WriteString(".tar")
	if r.Compressed {
		b.WriteString(".gz")
	}
	if index > 0 {
		fmt.Fprintf(&b, ".part%03d", index)
	}
	return b.String()
}

func (r *Ref) parseFile(file string) (int, error) {
	index := 0
	if m := partSuffix.FindStringSubmatch(file); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 {
			return 0, fmt.Errorf("invalid part suffix in %q", file)
		}
		index = n
		file = strings.TrimSuffix(file, m[0])
	}
	switch {
	case strings.HasSuffix(file, ".tar.gz"):
		r.Compressed = true
		file = strings.TrimSuffix(file, ".tar.gz")
	case strings.HasSuffix(file, ".tar"):
		file = strings.TrimSuffix(file, ".tar")
	default:
		return 0, fmt.Errorf("key %q does not end in .tar or .tar.gz", file)
	}

	// The snapshot id itself contains '-', so the two timestamps are
	// peeled off the end by their fixed width.
	tsLen := len(TimeLayout)
	if len(file) < 2*tsLen+2 {
		return 0, fmt.Errorf("key body %q too short", file)
	}
	uploaded, err := time.Parse(TimeLayout, file[len(file)-tsLen:])
	if err != nil {
		return 0, fmt.Errorf("bad upload timestamp in %q: %w", file, err)
	}
	file = file[:len(file)-tsLen-1]
	created, err := time.Parse(TimeLayout, file[len(file)-tsLen:])
	if err != nil {
		return 0, fmt.Errorf("bad creation timestamp in %q: %w", file, err)
	}
	r.SnapshotID = file[:len(file)-tsLen-1]
	r.Created = created
	r.Uploaded = uploaded
	return index, nil
}

// Parse is the exact inverse of Key. It returns the transfer identity
// and the part index (0 for an unsplit archive).
func Parse(key string) (Ref, int, error) {
	var r Ref
	dir, file := path.Split(key)
	segments := strings.Split(strings.Trim(dir, "/"), "/")
	if len(segments) != 2 || segments[0] != root {
		return r, 0, fmt.Errorf("key %q is not under %s/<name>/", key, root)
	}
	r.Name = Unescape(segments[1])
	index, err := r.parseFile(file)
	if err != nil {
		return r, 0, err
	}
	return r, index, nil
}

// Object is one listed bucket entry considered for a manifest.
type Object struct {
	Key  string
	Size int64
}

// Part is one ordered slice of a transfer's byte stream.
type Part struct {
	Key   string
	Index int
	Size  int64
}

// Manifest is the ordered, contiguous part set of a single transfer,
// reconstructed from a key listing.
type Manifest struct {
	Ref   Ref
	Parts []Part
}

// TotalSize sums the stored size of every part.
func (m Manifest) TotalSize() int64 {
	var total int64
	for _, p := range m.Parts {
		total += p.Size
	}
	return total
}

// BuildManifest sorts the listed objects into part order and verifies
// the sequence: either a single suffix-less object (index 0), or parts
// 1..N with no gap and no duplicate. Keys that do not parse, mixed
// transfers under one prefix and broken sequences are integrity
// failures, never silently repaired.
func BuildManifest(objects []Object) (Manifest, error) {
	var m Manifest
	if len(objects) == 0 {
		return m, fault.New(fault.Integrity, "no archive objects found")
	}

	seen := make(map[int]string, len(objects))
	for _, obj := range objects {
		ref, index, err := Parse(obj.Key)
		if err != nil {
			return m, fault.Wrap(fault.Integrity, err)
		}
		if len(m.Parts) == 0 {
			m.Ref = ref
		} else if ref != m.Ref {
			return m, fault.New(fault.Integrity,
				"listing mixes multiple transfers: %q and %q", m.Parts[0].Key, obj.Key)
		}
		if prev, dup := seen[index]; dup {
			return m, fault.New(fault.Integrity,
				"duplicate part index %d: %q and %q", index, prev, obj.Key)
		}
		seen[index] = obj.Key
		m.Parts = append(m.Parts, Part{Key: obj.Key, Index: index, Size: obj.Size})
	}

	sort.Slice(m.Parts, func(i, j int) bool { return m.Parts[i].Index < m.Parts[j].Index })

	if m.Parts[0].Index == 0 {
		if len(m.Parts) > 1 {
			return m, fault.New(fault.Integrity,
				"whole-archive object %q listed alongside split parts", m.Parts[0].Key)
		}
		return m, nil
	}
	for i, p := range m.Parts {
		if p.Index != i+1 {
			return m, fault.New(fault.Integrity,
				"part sequence has a gap: expected part %d, found %q", i+1, p.Key)
		}
	}
	return m, nil
}
