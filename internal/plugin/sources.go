package plugin

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"buildorch/internal/artifact"
	"buildorch/internal/digest"
	"buildorch/internal/element"
	"buildorch/internal/safeio"
)

// Local takes a directory of the project. Its ref is the digest of the
// directory's tree. Options: path (required), directory.
type Local struct{}

func (Local) Configure(src element.SourceSpec) error {
	if err := checkOptions(src.Config, "path", "directory"); err != nil {
		return err
	}
	p, err := configString(src.Config, "path")
	if err != nil {
		return err
	}
	if p == "" {
		return errors.New("local source requires a path")
	}
	if filepath.IsAbs(p) {
		return fmt.Errorf("local source path %q must be relative to the project", p)
	}
	_, err = configString(src.Config, "directory")
	return err
}

func (Local) UniqueKey(src element.SourceSpec) (any, error) {
	if src.Ref == "" {
		return nil, ErrNoRef
	}
	return map[string]any{"kind": "local", "ref": src.Ref}, nil
}

func (Local) dir(sc SourceContext, src element.SourceSpec) (string, error) {
	p, _ := configString(src.Config, "path")
	dir, err := safeio.Resolve(sc.ProjectDir, p)
	if err != nil {
		return "", fmt.Errorf("local: %w", err)
	}
	return dir, nil
}

func (l Local) Track(_ context.Context, sc SourceContext, src element.SourceSpec) (string, error) {
	dir, err := l.dir(sc, src)
	if err != nil {
		return "", err
	}
	t, err := artifact.ScanDir(dir)
	if err != nil {
		return "", fmt.Errorf("local: track: %w", err)
	}
	t = artifact.Prefix(t, stageDir(src))
	_, d, err := artifact.EncodeTree(t)
	if err != nil {
		return "", err
	}
	return d.String(), nil
}

func (Local) IsCached(ctx context.Context, sc SourceContext, src element.SourceSpec) (bool, error) {
	d, err := digest.Parse(src.Ref)
	if err != nil {
		return false, fmt.Errorf("local: ref: %w", err)
	}
	return sc.Cache.HasLocal(ctx, d)
}

func (l Local) Fetch(ctx context.Context, sc SourceContext, src element.SourceSpec) (digest.Digest, error) {
	want, err := digest.Parse(src.Ref)
	if err != nil {
		return digest.Digest{}, fmt.Errorf("local: ref: %w", err)
	}
	if ok, err := sc.Cache.HasLocal(ctx, want); err != nil {
		return digest.Digest{}, err
	} else if ok {
		return want, nil
	}
	dir, err := l.dir(sc, src)
	if err != nil {
		return digest.Digest{}, err
	}
	t, _, err := artifact.IngestDir(ctx, sc.Cache, dir)
	if err != nil {
		return digest.Digest{}, fmt.Errorf("local: fetch: %w", err)
	}
	got, err := artifact.StoreTree(ctx, sc.Cache, artifact.Prefix(t, stageDir(src)))
	if err != nil {
		return digest.Digest{}, err
	}
	if got != want {
		return digest.Digest{}, fmt.Errorf("local: %s changed since it was tracked (ref %s, found %s)", dir, want, got)
	}
	return got, nil
}

// CAS takes a tree that is already in the artifact cache, locally or on
// the remote. The ref is the tree digest. Options: directory.
type CAS struct{}

func (CAS) Configure(src element.SourceSpec) error {
	if err := checkOptions(src.Config, "directory"); err != nil {
		return err
	}
	if src.Ref != "" {
		if _, err := digest.Parse(src.Ref); err != nil {
			return fmt.Errorf("cas source ref: %w", err)
		}
	}
	_, err := configString(src.Config, "directory")
	return err
}

func (CAS) UniqueKey(src element.SourceSpec) (any, error) {
	if src.Ref == "" {
		return nil, ErrNoRef
	}
	dir, _ := configString(src.Config, "directory")
	return map[string]any{"kind": "cas", "ref": src.Ref, "directory": dir}, nil
}

// Track keeps the configured ref; a cas source cannot discover new content.
func (CAS) Track(_ context.Context, _ SourceContext, src element.SourceSpec) (string, error) {
	if src.Ref == "" {
		return "", fmt.Errorf("cas: %w and cannot be tracked", ErrNoRef)
	}
	return src.Ref, nil
}

func (CAS) IsCached(ctx context.Context, sc SourceContext, src element.SourceSpec) (bool, error) {
	d, err := digest.Parse(src.Ref)
	if err != nil {
		return false, err
	}
	ok, err := sc.Cache.HasLocal(ctx, d)
	if err != nil || !ok {
		return false, err
	}
	t, err := artifact.LoadTree(ctx, sc.Cache, d)
	if err != nil {
		return false, err
	}
	for _, c := range t.Children() {
		if ok, err := sc.Cache.HasLocal(ctx, c); err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func (c CAS) Fetch(ctx context.Context, sc SourceContext, src element.SourceSpec) (digest.Digest, error) {
	d, err := digest.Parse(src.Ref)
	if err != nil {
		return digest.Digest{}, err
	}
	t, err := artifact.LoadTree(ctx, sc.Cache, d)
	if err != nil {
		return digest.Digest{}, fmt.Errorf("cas: fetch: %w", err)
	}
	for _, child := range t.Children() {
		if _, err := sc.Cache.Get(ctx, child); err != nil {
			return digest.Digest{}, fmt.Errorf("cas: fetch %s: %w", child, err)
		}
	}
	dir := stageDir(src)
	if dir == "" {
		return d, nil
	}
	return artifact.StoreTree(ctx, sc.Cache, artifact.Prefix(t, dir))
}

func stageDir(src element.SourceSpec) string {
	dir, _ := configString(src.Config, "directory")
	return dir
}
