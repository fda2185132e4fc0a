package job

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"buildorch/internal/artifact"
	"buildorch/internal/digest"
	"buildorch/internal/element"
	"buildorch/internal/graph"
	"buildorch/internal/plugin"
	"buildorch/internal/sandbox"
)

// ErrBuildFailed marks an artifact recorded for a failed build.
var ErrBuildFailed = errors.New("build failed")

// Cache is the artifact cache surface jobs need.
type Cache interface {
	plugin.Cache
	Pin(ds ...digest.Digest) (release func())
	LookupArtifact(ctx context.Context, element, key string) (artifact.Artifact, digest.Digest, error)
	PullArtifact(ctx context.Context, element, key string) (artifact.Artifact, digest.Digest, error)
	CommitArtifact(ctx context.Context, a artifact.Artifact) (digest.Digest, error)
	PushArtifact(ctx context.Context, element, key string) error
}

// Env bundles what the job adapters run against. Jobs only read specs and
// keys; they never change graph state.
type Env struct {
	Registry      *plugin.Registry
	Cache         Cache
	Sandbox       sandbox.Sandbox
	ProjectDir    string
	KeepBuildTree bool
	Now           func() time.Time
}

func (e Env) sourceContext() plugin.SourceContext {
	return plugin.SourceContext{ProjectDir: e.ProjectDir, Cache: e.Cache}
}

// Track resolves a fresh ref for every source of spec.
func Track(ctx context.Context, env Env, spec element.Spec) ([]string, error) {
	refs := make([]string, len(spec.Sources))
	for i, src := range spec.Sources {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sp, err := env.Registry.Source(src.Kind)
		if err != nil {
			return nil, MarkPermanent(err)
		}
		ref, err := sp.Track(ctx, env.sourceContext(), src)
		if err != nil {
			return nil, fmt.Errorf("%s: track source %d: %w", spec.Name, i, err)
		}
		refs[i] = ref
	}
	return refs, nil
}

// SourcesCached reports whether every source of spec is available locally.
func SourcesCached(ctx context.Context, env Env, spec element.Spec) (bool, error) {
	for _, src := range spec.Sources {
		sp, err := env.Registry.Source(src.Kind)
		if err != nil {
			return false, MarkPermanent(err)
		}
		ok, err := sp.IsCached(ctx, env.sourceContext(), src)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// FetchSources brings every source into the local cache and returns their
// tree digests in declaration order.
func FetchSources(ctx context.Context, env Env, spec element.Spec) ([]digest.Digest, error) {
	out := make([]digest.Digest, len(spec.Sources))
	for i, src := range spec.Sources {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sp, err := env.Registry.Source(src.Kind)
		if err != nil {
			return nil, MarkPermanent(err)
		}
		d, err := sp.Fetch(ctx, env.sourceContext(), src)
		if err != nil {
			return nil, fmt.Errorf("%s: fetch source %d: %w", spec.Name, i, err)
		}
		out[i] = d
	}
	return out, nil
}

// BuildInput describes one build attempt.
type BuildInput struct {
	Spec element.Spec
	Keys graph.Keys
	// Deps are the artifacts of the direct build dependencies in
	// declaration order; later outputs overlay earlier ones.
	Deps []DepArtifact
	// Sources are the source trees a fetch job already stored, one per
	// source. When absent they are resolved again from the source cache.
	Sources []digest.Digest
}

type DepArtifact struct {
	Name     string
	Digest   digest.Digest
	Artifact artifact.Artifact
}

// BuildResult is a committed artifact. Failed builds are committed too so
// they can be inspected; their Err is set and wraps ErrBuildFailed.
type BuildResult struct {
	Artifact artifact.Artifact
	Digest   digest.Digest
	Err      error
}

// Build stages dependencies and sources, runs the element plugin and commits
// the resulting artifact under the element's keys.
func Build(ctx context.Context, env Env, in BuildInput) (BuildResult, error) {
	ep, err := env.Registry.Element(in.Spec.Kind)
	if err != nil {
		return BuildResult{}, MarkPermanent(err)
	}
	pins := make([]digest.Digest, 0, len(in.Deps))
	for _, d := range in.Deps {
		pins = append(pins, d.Digest)
	}
	release := env.Cache.Pin(pins...)
	defer release()

	trees := make([]artifact.Tree, 0, len(in.Deps)+1)
	for _, d := range in.Deps {
		if !d.Artifact.Success {
			return BuildResult{}, MarkPermanent(fmt.Errorf("%s: dependency %s has a failed artifact", in.Spec.Name, d.Name))
		}
		t, err := artifact.LoadTree(ctx, env.Cache, d.Artifact.Files)
		if err != nil {
			return BuildResult{}, fmt.Errorf("%s: stage %s: %w", in.Spec.Name, d.Name, err)
		}
		trees = append(trees, t)
	}

	sourceDigests := in.Sources
	if len(sourceDigests) != len(in.Spec.Sources) {
		if sourceDigests, err = FetchSources(ctx, env, in.Spec); err != nil {
			return BuildResult{}, err
		}
	}
	sourceTrees := make([]artifact.Tree, 0, len(sourceDigests))
	for _, d := range sourceDigests {
		t, err := artifact.LoadTree(ctx, env.Cache, d)
		if err != nil {
			return BuildResult{}, err
		}
		sourceTrees = append(sourceTrees, t)
	}
	sources, overlaps := artifact.Merge(sourceTrees...)
	logOverlaps(in.Spec.Name, "sources", overlaps)
	input, overlaps := artifact.Merge(append(trees, sources)...)
	logOverlaps(in.Spec.Name, "staging", overlaps)
	inputDigest, err := artifact.StoreTree(ctx, env.Cache, input)
	if err != nil {
		return BuildResult{}, err
	}
	releaseInput := env.Cache.Pin(inputDigest)
	defer releaseInput()

	res, err := ep.Assemble(ctx, plugin.BuildContext{
		Spec:          in.Spec,
		Input:         inputDigest,
		Sources:       sources,
		Blobs:         env.Cache,
		Sandbox:       env.Sandbox,
		KeepBuildTree: env.KeepBuildTree,
	})
	if err != nil {
		return BuildResult{}, fmt.Errorf("%s: assemble: %w", in.Spec.Name, err)
	}

	now := time.Now
	if env.Now != nil {
		now = env.Now
	}
	a := artifact.Artifact{
		Element:   in.Spec.Name,
		StrictKey: in.Keys.Strict,
		WeakKey:   in.Keys.Weak,
		Success:   res.ExitCode == 0,
		ExitCode:  res.ExitCode,
		Files:     res.Output,
		Log:       res.Log,
		BuildTree: res.BuildTree,
		CreatedAt: now().UTC(),
	}
	if !a.Success {
		a.Error = fmt.Sprintf("command exited with status %d", res.ExitCode)
	}
	d, err := env.Cache.CommitArtifact(ctx, a)
	if err != nil {
		return BuildResult{}, fmt.Errorf("%s: commit artifact: %w", in.Spec.Name, err)
	}
	out := BuildResult{Artifact: a, Digest: d}
	if !a.Success {
		out.Err = MarkPermanent(fmt.Errorf("%s: %w: %s", in.Spec.Name, ErrBuildFailed, a.Error))
	}
	return out, nil
}

// Push uploads the artifact stored under the element's strict key.
func Push(ctx context.Context, env Env, name string, keys graph.Keys) error {
	return env.Cache.PushArtifact(ctx, name, keys.Strict)
}

// logOverlaps reports paths written by more than one input tree. The later
// tree has already won.
func logOverlaps(name, stage string, paths []string) {
	if len(paths) == 0 {
		return
	}
	shown := paths
	if len(shown) > 5 {
		shown = shown[:5]
	}
	log.Printf("job: %s: %s overlap on %d paths: %s", name, stage, len(paths), strings.Join(shown, ", "))
}
