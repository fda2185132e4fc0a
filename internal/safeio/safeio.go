// Package safeio resolves user-supplied paths against a fixed directory
// without letting them escape it.
package safeio

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

var ErrOutsideRoot = errors.New("safeio: path escapes root")

// Root is a directory that relative paths are confined to.
type Root struct {
	abs string // absolute, symlinks resolved
}

func NewRoot(dir string) (*Root, error) {
	if dir == "" {
		return nil, errors.New("safeio: empty root")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	abs, err = filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("safeio: %s is not a directory", dir)
	}
	return &Root{abs: abs}, nil
}

func (r *Root) Path() string { return r.abs }

// Resolve joins rel onto the root and follows symlinks. The result must
// still lie under the root.
func (r *Root) Resolve(rel string) (string, error) {
	if filepath.IsAbs(rel) || (runtime.GOOS == "windows" && filepath.VolumeName(rel) != "") {
		return "", fmt.Errorf("%w: %q is absolute", ErrOutsideRoot, rel)
	}
	clean := filepath.Clean(filepath.FromSlash(rel))
	if clean == "." {
		return r.abs, nil
	}
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrOutsideRoot, rel)
	}
	resolved, err := filepath.EvalSymlinks(filepath.Join(r.abs, clean))
	if err != nil {
		return "", err
	}
	if !within(resolved, r.abs) {
		return "", fmt.Errorf("%w: %q resolves to %s", ErrOutsideRoot, rel, resolved)
	}
	return resolved, nil
}

// Resolve is NewRoot(dir) followed by Resolve(rel).
func Resolve(dir, rel string) (string, error) {
	r, err := NewRoot(dir)
	if err != nil {
		return "", err
	}
	return r.Resolve(rel)
}

func within(path, root string) bool {
	path = filepath.Clean(path)
	root = filepath.Clean(root)
	if runtime.GOOS == "windows" {
		path = strings.ToLower(path)
		root = strings.ToLower(root)
	}
	if path == root {
		return true
	}
	sep := string(os.PathSeparator)
	if !strings.HasSuffix(root, sep) {
		root += sep
	}
	return strings.HasPrefix(path+sep, root)
}
