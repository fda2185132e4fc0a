package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"

	"buildorch/internal/artifactcache"
	"buildorch/internal/element"
	"buildorch/internal/job"
)

// execute runs one job on its own goroutine. It reads only immutable item
// fields and the snapshot taken at dispatch.
func (r *run) execute(ctx context.Context, it *item, k job.Kind, st staged) completion {
	if err := ctx.Err(); err != nil {
		return completion{out: job.Failed(err)}
	}
	env := r.s.env
	switch k {
	case job.KindTrack:
		refs, err := job.Track(ctx, env, it.spec)
		if err != nil {
			return completion{out: job.Failed(err)}
		}
		return completion{out: job.Outcome{Success: true}, refs: refs}

	case job.KindFetch:
		if r.mode == ModeBuild && r.s.cfg.Pull {
			if c, ok := r.pull(ctx, it); ok {
				return c
			}
		}
		cached, err := job.SourcesCached(ctx, env, it.spec)
		if err != nil {
			return completion{out: job.Failed(err)}
		}
		if cached {
			return completion{out: job.Outcome{Success: true, Skipped: true}}
		}
		sources, err := job.FetchSources(ctx, env, it.spec)
		if err != nil {
			return completion{out: job.Failed(err)}
		}
		return completion{out: job.Outcome{Success: true}, sources: sources}

	case job.KindBuild:
		in, err := r.buildInput(ctx, it, st)
		if err != nil {
			return completion{out: job.Failed(err)}
		}
		res, err := job.Build(ctx, env, in)
		if err != nil {
			return completion{out: job.Failed(err)}
		}
		if res.Err != nil {
			return completion{out: job.Outcome{Digest: res.Digest, Err: res.Err}, artifact: res.Artifact}
		}
		return completion{out: job.Succeeded(res.Digest), artifact: res.Artifact}

	case job.KindPush:
		if err := job.Push(ctx, env, it.name, it.keys); err != nil {
			if errors.Is(err, artifactcache.ErrNoRemote) {
				return completion{out: job.Outcome{Success: true, Skipped: true}}
			}
			return completion{out: job.Failed(err)}
		}
		return completion{out: job.Succeeded(it.digest)}
	}
	return completion{out: job.Failed(job.MarkPermanent(fmt.Errorf("unknown job kind %s", k)))}
}

// pull asks the remote for the element's artifact, strict key first. Remote
// errors are logged and the element falls back to a local build.
func (r *run) pull(ctx context.Context, it *item) (completion, bool) {
	keys := []string{it.keys.Strict}
	if r.s.cfg.NonStrict && it.keys.Weak != "" {
		keys = append(keys, it.keys.Weak)
	}
	for _, key := range keys {
		a, d, err := r.s.env.Cache.PullArtifact(ctx, it.name, key)
		if err == nil {
			return completion{out: job.Succeeded(d), pulled: true, artifact: a}, true
		}
		if !errors.Is(err, artifactcache.ErrMissing) {
			log.Printf("scheduler: pull %s: %v", it.name, err)
			return completion{}, false
		}
	}
	return completion{}, false
}

// buildInput collects the direct build dependency artifacts in declaration
// order. Dependencies outside the plan must already be in the cache.
func (r *run) buildInput(ctx context.Context, it *item, st staged) (job.BuildInput, error) {
	names, err := r.s.graph.Dependencies(it.name, element.DepBuild)
	if err != nil {
		return job.BuildInput{}, job.MarkPermanent(err)
	}
	in := job.BuildInput{Spec: it.spec, Keys: it.keys, Sources: st.sources}
	for _, name := range names {
		if d, ok := st.deps[name]; ok {
			in.Deps = append(in.Deps, d)
			continue
		}
		keys, ok := r.s.graph.Keys(name)
		if !ok {
			return job.BuildInput{}, job.MarkPermanent(fmt.Errorf("%s: dependency %s has no cache key", it.name, name))
		}
		a, d, err := r.lookupLocal(name, keys)
		if err != nil {
			if errors.Is(err, artifactcache.ErrMissing) {
				return job.BuildInput{}, job.MarkPermanent(fmt.Errorf("%s: dependency %s is not cached", it.name, name))
			}
			return job.BuildInput{}, err
		}
		in.Deps = append(in.Deps, job.DepArtifact{Name: name, Digest: d, Artifact: a})
	}
	return in, nil
}
