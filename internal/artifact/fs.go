package artifact

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"buildorch/internal/digest"
)

// Blobs is the slice of a content store the tree helpers need.
type Blobs interface {
	Get(ctx context.Context, d digest.Digest) ([]byte, error)
	PutBytes(ctx context.Context, data []byte, children ...digest.Digest) (digest.Digest, error)
}

// StoreTree writes the tree manifest. File blobs must already be present.
func StoreTree(ctx context.Context, blobs Blobs, t Tree) (digest.Digest, error) {
	raw, _, err := EncodeTree(t)
	if err != nil {
		return digest.Digest{}, err
	}
	return blobs.PutBytes(ctx, raw, t.Children()...)
}

func LoadTree(ctx context.Context, blobs Blobs, d digest.Digest) (Tree, error) {
	raw, err := blobs.Get(ctx, d)
	if err != nil {
		return Tree{}, fmt.Errorf("load tree %s: %w", d, err)
	}
	return DecodeTree(raw)
}

// ScanDir builds a tree for the regular files under dir without storing
// anything.
func ScanDir(dir string) (Tree, error) {
	return walkDir(dir, func(path string) (digest.Digest, error) {
		f, err := os.Open(path)
		if err != nil {
			return digest.Digest{}, err
		}
		defer f.Close()
		return digest.OfReader(f)
	})
}

// IngestDir stores every regular file under dir and then the tree itself.
func IngestDir(ctx context.Context, blobs Blobs, dir string) (Tree, digest.Digest, error) {
	t, err := walkDir(dir, func(path string) (digest.Digest, error) {
		if err := ctx.Err(); err != nil {
			return digest.Digest{}, err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return digest.Digest{}, err
		}
		return blobs.PutBytes(ctx, data)
	})
	if err != nil {
		return Tree{}, digest.Digest{}, err
	}
	d, err := StoreTree(ctx, blobs, t)
	if err != nil {
		return Tree{}, digest.Digest{}, err
	}
	return t, d, nil
}

func walkDir(dir string, hash func(path string) (digest.Digest, error)) (Tree, error) {
	var t Tree
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		dg, err := hash(path)
		if err != nil {
			return fmt.Errorf("%s: %w", rel, err)
		}
		mode := ModeFile
		if info.Mode()&0o111 != 0 {
			mode = ModeExecutable
		}
		t.Entries = append(t.Entries, Entry{Path: filepath.ToSlash(rel), Digest: dg, Mode: mode})
		return nil
	})
	if err != nil {
		return Tree{}, err
	}
	if err := t.Normalize(); err != nil {
		return Tree{}, err
	}
	return t, nil
}

// Checkout materializes the tree stored under d into dir.
func Checkout(ctx context.Context, blobs Blobs, d digest.Digest, dir string) error {
	t, err := LoadTree(ctx, blobs, d)
	if err != nil {
		return err
	}
	return CheckoutTree(ctx, blobs, t, dir)
}

func CheckoutTree(ctx context.Context, blobs Blobs, t Tree, dir string) error {
	for _, e := range t.Entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		p, err := cleanPath(e.Path)
		if err != nil {
			return err
		}
		data, err := blobs.Get(ctx, e.Digest)
		if err != nil {
			return fmt.Errorf("checkout %s: %w", p, err)
		}
		dst := filepath.Join(dir, filepath.FromSlash(p))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(dst, data, os.FileMode(e.Mode)); err != nil {
			return err
		}
	}
	return nil
}

// Subtree returns the entries under dir with the prefix removed.
func Subtree(t Tree, dir string) Tree {
	dir = strings.Trim(strings.TrimSpace(dir), "/")
	if dir == "" {
		return t
	}
	var out Tree
	for _, e := range t.Entries {
		if rest, ok := strings.CutPrefix(e.Path, dir+"/"); ok {
			e.Path = rest
			out.Entries = append(out.Entries, e)
		}
	}
	return out
}
