// Package session ties one project, one cache and one scheduler together
// for the lifetime of a command.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"connectrpc.com/connect"

	"buildorch/internal/artifact"
	"buildorch/internal/artifactcache"
	"buildorch/internal/casrpc"
	"buildorch/internal/config"
	"buildorch/internal/graph"
	"buildorch/internal/job"
	"buildorch/internal/localcas"
	"buildorch/internal/plugin"
	"buildorch/internal/project"
	"buildorch/internal/sandbox"
	"buildorch/internal/scheduler"
)

var ErrNoArtifact = errors.New("session: element is not cached")

type Options struct {
	Config     *config.Config
	ProjectDir string
	// Sink receives run events; nil drops them.
	Sink scheduler.EventSink
	// Registry defaults to plugin.Builtin.
	Registry *plugin.Registry
	// Sandbox defaults to a host sandbox under the cache directory.
	Sandbox sandbox.Sandbox
	// HTTPClient overrides the client used to reach the remote.
	HTTPClient connect.HTTPClient
	// Remote overrides the protocol client built from Config.Remote.URL.
	Remote artifactcache.Remote
	// Volume overrides the volume statistics of the local store.
	Volume localcas.VolumeFunc
}

// Session is the explicit context of one command: configuration, loaded
// project, element graph, artifact cache and scheduler.
type Session struct {
	cfg      *config.Config
	project  *project.Project
	graph    *graph.Graph
	registry *plugin.Registry
	store    *localcas.Store
	cache    *artifactcache.Cache
	env      job.Env
	sched    *scheduler.Scheduler
}

// Open loads the project, validates every element against its plugin,
// opens the local store and connects to the remote when one is configured.
func Open(ctx context.Context, opts Options) (*Session, error) {
	cfg := opts.Config
	if cfg == nil {
		d := config.Default()
		cfg = &d
	}
	proj, err := project.Load(opts.ProjectDir)
	if err != nil {
		return nil, err
	}
	reg := opts.Registry
	if reg == nil {
		reg = plugin.Builtin()
	}
	for _, spec := range proj.Specs {
		if err := reg.Configure(spec); err != nil {
			return nil, fmt.Errorf("session: %w", err)
		}
	}
	g, err := graph.Load(proj.Specs, graph.WithKeyer(reg))
	if err != nil {
		return nil, err
	}

	storeCfg := cfg.StoreConfig()
	storeCfg.Volume = opts.Volume
	store, err := localcas.Open(storeCfg)
	if err != nil {
		return nil, fmt.Errorf("session: open cache %s: %w", storeCfg.Root, err)
	}

	remote := opts.Remote
	if remote == nil && cfg.Remote.URL != "" {
		httpClient := opts.HTTPClient
		if httpClient == nil {
			httpClient = casrpc.NewHTTPClient(cfg.Remote.URL)
		}
		remote = casrpc.NewClient(httpClient, cfg.Remote.URL, casrpc.WithResumes(cfg.Scheduler.NetworkRetries+1))
	}
	cache, err := artifactcache.New(store, artifactcache.Options{Remote: remote, Mirror: cfg.Mirror()})
	if err != nil {
		store.Close()
		return nil, err
	}
	if remote != nil {
		if err := cache.Connect(ctx); err != nil {
			store.Close()
			return nil, err
		}
	}

	sb := opts.Sandbox
	if sb == nil {
		sb = sandbox.NewHost(cache, filepath.Join(store.Root(), "sandbox"))
	}
	env := job.Env{
		Registry:      reg,
		Cache:         cache,
		Sandbox:       sb,
		ProjectDir:    proj.Dir,
		KeepBuildTree: cfg.Build.KeepBuildTree,
		Now:           time.Now,
	}
	s := &Session{
		cfg:      cfg,
		project:  proj,
		graph:    g,
		registry: reg,
		store:    store,
		cache:    cache,
		env:      env,
	}
	var schedOpts []scheduler.Option
	if opts.Sink != nil {
		schedOpts = append(schedOpts, scheduler.WithEventSink(opts.Sink))
	}
	s.sched = scheduler.New(g, env, cfg.SchedulerConfig(), schedOpts...)
	log.Printf("session: project %s: %d elements, cache %s", proj.Name, g.Len(), store.Root())
	return s, nil
}

// Close waits for background uploads and closes the local store.
func (s *Session) Close() error {
	err := s.cache.Close()
	if cerr := s.store.Close(); err == nil {
		err = cerr
	}
	return err
}

func (s *Session) Project() *project.Project { return s.project }

func (s *Session) Graph() *graph.Graph { return s.graph }

func (s *Session) Cache() *artifactcache.Cache { return s.cache }

func (s *Session) Config() *config.Config { return s.cfg }

// Plan orders targets and their dependencies under scope. No targets
// means every element of the project.
func (s *Session) Plan(targets []string, scope graph.Scope) ([]string, error) {
	if len(targets) == 0 {
		targets = s.graph.Names()
	}
	return s.graph.Plan(targets, scope)
}

type BuildOptions struct {
	// Track refreshes source refs before building.
	Track bool
	Scope *graph.Scope
}

func (s *Session) scope(o *graph.Scope) graph.Scope {
	if o != nil {
		return *o
	}
	return s.cfg.Scope()
}

// Build runs the build queues over targets. With Track set, a track run
// precedes it and the build only starts if tracking succeeded.
func (s *Session) Build(ctx context.Context, targets []string, opts BuildOptions) (*scheduler.Report, error) {
	scope := s.scope(opts.Scope)
	if opts.Track {
		rep, err := s.Track(ctx, targets, scope)
		if err != nil || !rep.OK() {
			return rep, err
		}
	}
	plan, err := s.Plan(targets, scope)
	if err != nil {
		return nil, err
	}
	rep, err := s.sched.Run(ctx, plan, scheduler.ModeBuild)
	if err == nil {
		s.cleanup(ctx)
	}
	return rep, err
}

// cleanup brings the local cache back under quota. Jobs pin what they
// stage, so a run can leave usage over the limit until its pins are gone.
func (s *Session) cleanup(ctx context.Context) {
	if _, err := s.cache.Cleanup(ctx); err != nil {
		log.Printf("session: cache cleanup: %v", err)
	}
}

// Track resolves fresh source refs and records them in project.refs.
func (s *Session) Track(ctx context.Context, targets []string, scope graph.Scope) (*scheduler.Report, error) {
	plan, err := s.Plan(targets, scope)
	if err != nil {
		return nil, err
	}
	rep, err := s.sched.Run(ctx, plan, scheduler.ModeTrack)
	if err != nil {
		return nil, err
	}
	if err := s.project.SaveRefs(rep.Tracked); err != nil {
		return rep, fmt.Errorf("session: save refs: %w", err)
	}
	return rep, nil
}

func (s *Session) Fetch(ctx context.Context, targets []string, scope graph.Scope) (*scheduler.Report, error) {
	plan, err := s.Plan(targets, scope)
	if err != nil {
		return nil, err
	}
	rep, err := s.sched.Run(ctx, plan, scheduler.ModeFetch)
	if err == nil {
		s.cleanup(ctx)
	}
	return rep, err
}

// Push publishes the cached artifacts of targets.
func (s *Session) Push(ctx context.Context, targets []string, scope graph.Scope) (*scheduler.Report, error) {
	if !s.cache.CanPush() {
		return nil, artifactcache.ErrNoRemote
	}
	plan, err := s.Plan(targets, scope)
	if err != nil {
		return nil, err
	}
	return s.sched.Run(ctx, plan, scheduler.ModePush)
}

// artifactFor finds the artifact of name locally, then on the remote.
func (s *Session) artifactFor(ctx context.Context, name string) (artifact.Artifact, error) {
	if err := s.graph.ResolveKeys([]string{name}); err != nil {
		return artifact.Artifact{}, err
	}
	keys, _ := s.graph.Keys(name)
	candidates := []string{keys.Strict}
	if s.cfg.Build.NonStrict && keys.Weak != keys.Strict {
		candidates = append(candidates, keys.Weak)
	}
	for _, key := range candidates {
		a, _, err := s.cache.LookupArtifact(ctx, name, key)
		if err == nil {
			return a, nil
		}
		if !errors.Is(err, artifactcache.ErrMissing) {
			return artifact.Artifact{}, err
		}
	}
	if s.cache.HasRemote() && s.cfg.Remote.Pull {
		for _, key := range candidates {
			a, _, err := s.cache.PullArtifact(ctx, name, key)
			if err == nil {
				return a, nil
			}
			if !errors.Is(err, artifactcache.ErrMissing) {
				return artifact.Artifact{}, err
			}
		}
	}
	return artifact.Artifact{}, fmt.Errorf("%w: %s", ErrNoArtifact, name)
}

// Checkout writes the files of the cached artifact of name into dir.
func (s *Session) Checkout(ctx context.Context, name, dir string) error {
	a, err := s.artifactFor(ctx, name)
	if err != nil {
		return err
	}
	if !a.Success {
		return fmt.Errorf("session: %s: cached artifact is a failed build", name)
	}
	release := s.cache.Pin(a.Children()...)
	defer release()
	return artifact.Checkout(ctx, s.cache, a.Files, dir)
}

// Log returns the build log recorded in the artifact of name.
func (s *Session) Log(ctx context.Context, name string) ([]byte, error) {
	a, err := s.artifactFor(ctx, name)
	if err != nil {
		return nil, err
	}
	if a.Log.IsZero() {
		return nil, nil
	}
	return s.cache.Get(ctx, a.Log)
}
