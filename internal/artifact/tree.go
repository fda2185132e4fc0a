package artifact

import (
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"

	"buildorch/internal/digest"
)

const (
	ModeFile       uint32 = 0o644
	ModeExecutable uint32 = 0o755
)

// Entry is one regular file in a tree.
type Entry struct {
	Path   string        `json:"path"`
	Digest digest.Digest `json:"digest"`
	Mode   uint32        `json:"mode"`
}

// Tree is a flat, path-sorted manifest of files. It is stored in the CAS as a
// blob; its digest identifies the whole directory.
type Tree struct {
	Entries []Entry `json:"entries"`
}

// Normalize cleans paths, sorts entries and rejects duplicates or paths that
// escape the tree root.
func (t *Tree) Normalize() error {
	for i := range t.Entries {
		p, err := cleanPath(t.Entries[i].Path)
		if err != nil {
			return err
		}
		t.Entries[i].Path = p
		if t.Entries[i].Mode == 0 {
			t.Entries[i].Mode = ModeFile
		}
	}
	sort.Slice(t.Entries, func(i, j int) bool { return t.Entries[i].Path < t.Entries[j].Path })
	for i := 1; i < len(t.Entries); i++ {
		if t.Entries[i].Path == t.Entries[i-1].Path {
			return fmt.Errorf("tree: duplicate path %q", t.Entries[i].Path)
		}
	}
	return nil
}

func cleanPath(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", fmt.Errorf("tree: empty path")
	}
	c := path.Clean("/" + strings.ReplaceAll(p, "\\", "/"))
	c = strings.TrimPrefix(c, "/")
	if c == "" || c == "." {
		return "", fmt.Errorf("tree: invalid path %q", p)
	}
	return c, nil
}

// Children returns the file digests referenced by the tree, deduplicated.
func (t Tree) Children() []digest.Digest {
	seen := make(map[digest.Digest]struct{}, len(t.Entries))
	out := make([]digest.Digest, 0, len(t.Entries))
	for _, e := range t.Entries {
		if _, ok := seen[e.Digest]; ok {
			continue
		}
		seen[e.Digest] = struct{}{}
		out = append(out, e.Digest)
	}
	return out
}

// EncodeTree normalizes t and returns its canonical bytes and digest.
func EncodeTree(t Tree) ([]byte, digest.Digest, error) {
	if t.Entries == nil {
		t.Entries = []Entry{}
	}
	if err := t.Normalize(); err != nil {
		return nil, digest.Digest{}, err
	}
	raw, err := json.Marshal(t)
	if err != nil {
		return nil, digest.Digest{}, err
	}
	return raw, digest.OfBytes(raw), nil
}

func DecodeTree(raw []byte) (Tree, error) {
	var t Tree
	if err := json.Unmarshal(raw, &t); err != nil {
		return Tree{}, fmt.Errorf("decode tree: %w", err)
	}
	return t, nil
}

// Merge overlays trees in order; a later tree wins on path conflicts. The
// returned list names every overlapped path.
func Merge(trees ...Tree) (Tree, []string) {
	byPath := make(map[string]Entry)
	var overlaps []string
	for _, t := range trees {
		for _, e := range t.Entries {
			if prev, ok := byPath[e.Path]; ok && prev.Digest != e.Digest {
				overlaps = append(overlaps, e.Path)
			}
			byPath[e.Path] = e
		}
	}
	out := Tree{Entries: make([]Entry, 0, len(byPath))}
	for _, e := range byPath {
		out.Entries = append(out.Entries, e)
	}
	sort.Slice(out.Entries, func(i, j int) bool { return out.Entries[i].Path < out.Entries[j].Path })
	sort.Strings(overlaps)
	return out, overlaps
}

// Prefix relocates every entry of t under dir.
func Prefix(t Tree, dir string) Tree {
	dir = strings.Trim(strings.TrimSpace(dir), "/")
	if dir == "" {
		return t
	}
	out := Tree{Entries: make([]Entry, len(t.Entries))}
	for i, e := range t.Entries {
		e.Path = dir + "/" + e.Path
		out.Entries[i] = e
	}
	return out
}
