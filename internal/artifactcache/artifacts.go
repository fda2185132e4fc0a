package artifactcache

import (
	"context"
	"errors"
	"fmt"
	"log"

	"buildorch/internal/artifact"
	"buildorch/internal/casrpc"
	"buildorch/internal/digest"
	"buildorch/internal/localcas"
)

// RefKey names an artifact ref. Refs are namespaced by element because
// elements with identical inputs share cache keys.
func RefKey(element, key string) string {
	return element + "/" + key
}

// LookupArtifact resolves a locally recorded artifact.
func (c *Cache) LookupArtifact(ctx context.Context, element, key string) (artifact.Artifact, digest.Digest, error) {
	if key == "" {
		return artifact.Artifact{}, digest.Digest{}, fmt.Errorf("%w: %s has no key", ErrMissing, element)
	}
	d, err := c.local.ResolveRef(ctx, RefKey(element, key))
	if err != nil {
		if errors.Is(err, localcas.ErrNotFound) {
			return artifact.Artifact{}, digest.Digest{}, fmt.Errorf("%w: %s", ErrMissing, RefKey(element, key))
		}
		return artifact.Artifact{}, digest.Digest{}, err
	}
	raw, err := c.local.Get(ctx, d)
	if err != nil {
		if errors.Is(err, localcas.ErrNotFound) {
			return artifact.Artifact{}, digest.Digest{}, fmt.Errorf("%w: %s", ErrMissing, RefKey(element, key))
		}
		return artifact.Artifact{}, digest.Digest{}, err
	}
	a, err := artifact.Decode(raw)
	if err != nil {
		return artifact.Artifact{}, digest.Digest{}, err
	}
	ok, err := c.complete(ctx, a)
	if err != nil {
		return artifact.Artifact{}, digest.Digest{}, err
	}
	if !ok {
		return artifact.Artifact{}, digest.Digest{}, fmt.Errorf("%w: %s is incomplete", ErrMissing, RefKey(element, key))
	}
	return a, d, nil
}

// complete reports whether the artifact's file tree and its files are held
// locally.
func (c *Cache) complete(ctx context.Context, a artifact.Artifact) (bool, error) {
	if a.Files.IsZero() {
		return true, nil
	}
	raw, err := c.local.Get(ctx, a.Files)
	if errors.Is(err, localcas.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	t, err := artifact.DecodeTree(raw)
	if err != nil {
		return false, err
	}
	missing, err := c.local.FindMissing(ctx, t.Children())
	if err != nil {
		return false, err
	}
	return len(missing) == 0, nil
}

// CommitArtifact records a under its strict key, and its weak key when
// set. A later commit under the same key replaces the earlier one.
func (c *Cache) CommitArtifact(ctx context.Context, a artifact.Artifact) (digest.Digest, error) {
	raw, d, err := artifact.Encode(a)
	if err != nil {
		return digest.Digest{}, err
	}
	if err := c.Put(ctx, d, raw, a.Children()...); err != nil {
		return digest.Digest{}, err
	}
	for _, key := range artifactKeys(a) {
		if err := c.local.SetRef(ctx, RefKey(a.Element, key), d); err != nil {
			return digest.Digest{}, err
		}
	}
	return d, nil
}

func artifactKeys(a artifact.Artifact) []string {
	keys := []string{a.StrictKey}
	if a.WeakKey != "" && a.WeakKey != a.StrictKey {
		keys = append(keys, a.WeakKey)
	}
	return keys
}

// closure lists every blob reachable from the artifact manifest d, the
// manifest included, reading through get.
func closure(ctx context.Context, get func(context.Context, digest.Digest) ([]byte, error), d digest.Digest, a artifact.Artifact) ([]digest.Digest, error) {
	out := []digest.Digest{d}
	if !a.Log.IsZero() {
		out = append(out, a.Log)
	}
	for _, td := range []digest.Digest{a.Files, a.BuildTree} {
		if td.IsZero() {
			continue
		}
		raw, err := get(ctx, td)
		if err != nil {
			return nil, err
		}
		t, err := artifact.DecodeTree(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, td)
		out = append(out, t.Children()...)
	}
	return dedupe(out), nil
}

func dedupe(ds []digest.Digest) []digest.Digest {
	seen := make(map[digest.Digest]bool, len(ds))
	out := ds[:0]
	for _, d := range ds {
		if seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, d)
	}
	return out
}

// PullArtifact downloads the artifact recorded remotely under key,
// together with its whole closure, and records it locally.
func (c *Cache) PullArtifact(ctx context.Context, element, key string) (artifact.Artifact, digest.Digest, error) {
	if c.remote == nil || key == "" {
		return artifact.Artifact{}, digest.Digest{}, fmt.Errorf("%w: %s", ErrMissing, RefKey(element, key))
	}
	d, err := c.remote.GetReference(ctx, RefKey(element, key))
	if err != nil {
		if errors.Is(err, casrpc.ErrNotFound) {
			return artifact.Artifact{}, digest.Digest{}, fmt.Errorf("%w: %s", ErrMissing, RefKey(element, key))
		}
		return artifact.Artifact{}, digest.Digest{}, err
	}
	c.metrics.pulls.Add(1)
	raw, err := c.fetch(ctx, d)
	if err != nil {
		return artifact.Artifact{}, digest.Digest{}, err
	}
	a, err := artifact.Decode(raw)
	if err != nil {
		return artifact.Artifact{}, digest.Digest{}, err
	}
	release := c.local.Pin(d)
	defer release()
	for _, td := range []digest.Digest{a.Files, a.BuildTree} {
		if td.IsZero() {
			continue
		}
		if err := c.fetchTree(ctx, td); err != nil {
			return artifact.Artifact{}, digest.Digest{}, err
		}
	}
	if !a.Log.IsZero() {
		if _, err := c.fetch(ctx, a.Log); err != nil {
			return artifact.Artifact{}, digest.Digest{}, err
		}
	}
	if err := c.local.Link(ctx, d, a.Children()...); err != nil {
		return artifact.Artifact{}, digest.Digest{}, err
	}
	for _, k := range uniqueStrings(append([]string{key}, artifactKeys(a)...)) {
		if err := c.local.SetRef(ctx, RefKey(element, k), d); err != nil {
			return artifact.Artifact{}, digest.Digest{}, err
		}
	}
	log.Printf("cas: pulled %s (%s)", RefKey(element, key), d)
	return a, d, nil
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// fetch returns d from the local store, downloading it when missing. It
// does not mirror downloaded content back.
func (c *Cache) fetch(ctx context.Context, d digest.Digest) ([]byte, error) {
	data, err := c.local.Get(ctx, d)
	if err == nil {
		return data, nil
	}
	if !errors.Is(err, localcas.ErrNotFound) {
		return nil, err
	}
	data, err = c.download(ctx, d)
	if err != nil {
		return nil, err
	}
	return data, c.local.Put(ctx, d, data)
}

func (c *Cache) fetchTree(ctx context.Context, td digest.Digest) error {
	raw, err := c.fetch(ctx, td)
	if err != nil {
		return err
	}
	t, err := artifact.DecodeTree(raw)
	if err != nil {
		return err
	}
	children := t.Children()
	missing, err := c.local.FindMissing(ctx, children)
	if err != nil {
		return err
	}
	for _, m := range missing {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := c.fetch(ctx, m); err != nil {
			return err
		}
	}
	return c.local.Link(ctx, td, children...)
}

// PushArtifact uploads the closure of the local artifact under key that the
// remote lacks, then points the remote refs at it.
func (c *Cache) PushArtifact(ctx context.Context, element, key string) error {
	if !c.CanPush() {
		return ErrNoRemote
	}
	d, err := c.local.ResolveRef(ctx, RefKey(element, key))
	if err != nil {
		if errors.Is(err, localcas.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrMissing, RefKey(element, key))
		}
		return err
	}
	release := c.local.Pin(d)
	defer release()
	raw, err := c.local.Get(ctx, d)
	if err != nil {
		return err
	}
	a, err := artifact.Decode(raw)
	if err != nil {
		return err
	}
	all, err := closure(ctx, c.local.Get, d, a)
	if err != nil {
		return err
	}
	missing, err := c.remote.FindMissingBlobs(ctx, all)
	if err != nil {
		return err
	}
	for _, m := range missing {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := c.local.Get(ctx, m)
		if err != nil {
			return err
		}
		c.presence.Remove(m)
		if err := c.upload(ctx, m, data); err != nil {
			return fmt.Errorf("push %s: %w", RefKey(element, key), err)
		}
	}
	keys := make([]string, 0, 2)
	for _, k := range artifactKeys(a) {
		keys = append(keys, RefKey(element, k))
	}
	if err := c.remote.UpdateReference(ctx, keys, d, all); err != nil {
		return fmt.Errorf("push %s: update reference: %w", RefKey(element, key), err)
	}
	c.metrics.pushes.Add(1)
	log.Printf("cas: pushed %s (%d of %d blobs uploaded)", RefKey(element, key), len(missing), len(all))
	return nil
}
