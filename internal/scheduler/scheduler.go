// Package scheduler runs track, fetch, build and push jobs for a build plan
// under per-queue concurrency ceilings.
//
// A single coordinating goroutine owns all run bookkeeping and every graph
// state change. Jobs run on their own goroutines and report back over a
// completion channel; a completion immediately relaxes the dependents of
// its element so newly unblocked work is dispatched in the same turn.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"buildorch/internal/artifact"
	"buildorch/internal/artifactcache"
	"buildorch/internal/digest"
	"buildorch/internal/element"
	"buildorch/internal/graph"
	"buildorch/internal/job"
)

var ErrAlreadyRunning = errors.New("scheduler: a run is already in progress")

type Scheduler struct {
	graph *graph.Graph
	env   job.Env
	cfg   Config
	sink  EventSink
	newID func() string

	mu    sync.Mutex
	state RunState
}

type Option func(*Scheduler)

func WithEventSink(sink EventSink) Option {
	return func(s *Scheduler) { s.sink = sink }
}

func WithRunID(fn func() string) Option {
	return func(s *Scheduler) {
		if fn != nil {
			s.newID = fn
		}
	}
}

func New(g *graph.Graph, env job.Env, cfg Config, opts ...Option) *Scheduler {
	if cfg.OnError == "" {
		cfg.OnError = OnErrorQuit
	}
	if cfg.NetworkRetries < 0 {
		cfg.NetworkRetries = 0
	}
	s := &Scheduler{graph: g, env: env, cfg: cfg, newID: uuid.NewString}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Scheduler) State() RunState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Scheduler) setState(st RunState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Run drives plan, which must be in dependency order as returned by
// graph.Plan, through the queues of mode. Job failures are reported in
// the Report; the error is reserved for problems that prevent the run,
// such as unresolvable cache keys.
func (s *Scheduler) Run(ctx context.Context, plan []string, mode Mode) (*Report, error) {
	s.mu.Lock()
	if s.state == Running {
		s.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	s.state = Running
	s.mu.Unlock()

	if mode == ModeBuild || mode == ModePush {
		if err := s.graph.ResolveKeys(plan); err != nil {
			s.setState(Idle)
			return nil, err
		}
	}
	s.graph.ResetStates()

	r := newRun(ctx, s, plan, mode)
	defer r.cancelJobs()
	r.emit(Event{Kind: EventRunStarted, Status: mode.String()})
	log.Printf("scheduler: run %s started: %s of %d elements", r.report.RunID, mode, len(plan))
	if err := r.seed(); err != nil {
		s.setState(Idle)
		return nil, err
	}
	r.loop()
	r.finish()
	s.setState(r.report.State)
	return r.report, nil
}

// item is the per-element bookkeeping of a run.
type item struct {
	name  string
	index int
	spec  element.Spec
	keys  graph.Keys

	// indeg counts unfinished build dependencies inside the plan.
	indeg   int
	fetched bool
	done    bool

	// jobs holds the job of each queue the element has entered; a retry
	// requeues the same job.
	jobs     map[job.Kind]*job.Job
	sources  []digest.Digest
	artifact artifact.Artifact
	digest   digest.Digest
}

// completion is what a job goroutine hands back to the coordinator.
type completion struct {
	it  *item
	job *job.Job
	out job.Outcome

	pulled   bool
	artifact artifact.Artifact
	refs     []string
	sources  []digest.Digest
}

type run struct {
	s      *Scheduler
	mode   Mode
	report *Report

	parent     context.Context
	jobCtx     context.Context
	cancelJobs context.CancelFunc

	items []*item
	byName map[string]*item
	// adj[u] lists plan indices that build-depend on u.
	adj [][]int

	queues   map[job.Kind][]*job.Job
	active   map[job.Kind]int
	inflight int
	doneCh   chan completion
	stopping bool
	aborted  bool
}

func newRun(ctx context.Context, s *Scheduler, plan []string, mode Mode) *run {
	jobCtx, cancel := context.WithCancel(ctx)
	r := &run{
		s:          s,
		mode:       mode,
		report:     newReport(s.newID(), mode),
		parent:     ctx,
		jobCtx:     jobCtx,
		cancelJobs: cancel,
		byName:     make(map[string]*item, len(plan)),
		queues:     map[job.Kind][]*job.Job{},
		active:     map[job.Kind]int{},
		doneCh:     make(chan completion),
	}
	r.report.Started = time.Now()
	for i, name := range plan {
		spec, _ := s.graph.Element(name)
		it := &item{name: name, index: i, spec: spec, jobs: map[job.Kind]*job.Job{}}
		if keys, ok := s.graph.Keys(name); ok {
			it.keys = keys
		}
		r.items = append(r.items, it)
		r.byName[name] = it
	}
	r.adj = make([][]int, len(plan))
	if mode == ModeBuild {
		for _, it := range r.items {
			deps, _ := s.graph.Dependencies(it.name, element.DepBuild)
			for _, d := range deps {
				if dep, ok := r.byName[d]; ok {
					r.adj[dep.index] = append(r.adj[dep.index], it.index)
				}
			}
		}
		for i, n := range computeIndegrees(r.adj) {
			r.items[i].indeg = n
		}
	}
	return r
}

func (r *run) emit(ev Event) {
	if r.s.sink == nil {
		return
	}
	ev.RunID = r.report.RunID
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	r.s.sink.Send(ev)
}

func (r *run) transition(it *item, to element.State) {
	if _, err := r.s.graph.Transition(it.name, to); err != nil {
		log.Printf("scheduler: %v", err)
	}
}

// seed decides the first queue of every element.
func (r *run) seed() error {
	for _, it := range r.items {
		if r.parent.Err() != nil {
			r.stop(true)
			return nil
		}
		switch r.mode {
		case ModeTrack:
			if len(it.spec.Sources) == 0 {
				r.report.Queues[job.KindTrack].Skipped = append(r.report.Queues[job.KindTrack].Skipped, it.name)
				it.done = true
				continue
			}
			r.enqueue(it, job.KindTrack)
		case ModeFetch:
			r.transition(it, element.StateFetchNeeded)
			r.enqueue(it, job.KindFetch)
		case ModePush:
			a, d, err := r.lookupLocal(it.name, it.keys)
			if err != nil {
				if !errors.Is(err, artifactcache.ErrMissing) {
					return err
				}
				r.report.Queues[job.KindPush].Skipped = append(r.report.Queues[job.KindPush].Skipped, it.name)
				it.done = true
				continue
			}
			it.artifact, it.digest = a, d
			r.enqueue(it, job.KindPush)
		case ModeBuild:
			if err := r.seedBuild(it); err != nil {
				return err
			}
		}
	}
	return nil
}

// seedBuild is the cache query stage: a usable local artifact finishes the
// element without dispatching anything.
func (r *run) seedBuild(it *item) error {
	if it.done {
		return nil
	}
	a, d, err := r.lookupLocal(it.name, it.keys)
	switch {
	case err == nil && (a.Success || !r.s.cfg.RetryFailed):
		it.artifact, it.digest = a, d
		if a.Success {
			r.report.Cached = append(r.report.Cached, it.name)
			r.emit(Event{Kind: EventElementCached, Element: it.name, Digest: d})
			r.transition(it, element.StateCached)
			r.complete(it)
			return nil
		}
		r.fail(it, job.KindBuild, fmt.Errorf("%s: %w (cached failure: %s)", it.name, job.ErrBuildFailed, a.Error))
		return nil
	case err != nil && !errors.Is(err, artifactcache.ErrMissing):
		return fmt.Errorf("scheduler: query cache for %s: %w", it.name, err)
	}
	if r.s.cfg.ceiling(job.KindFetch) == 0 {
		r.seedBuildOnly(it)
		return nil
	}
	r.transition(it, element.StateFetchNeeded)
	r.enqueue(it, job.KindFetch)
	return nil
}

// seedBuildOnly handles runs without fetchers. Elements whose sources are
// already in the source cache go straight to the build queue; the rest are
// left incomplete.
func (r *run) seedBuildOnly(it *item) {
	cached, err := job.SourcesCached(r.parent, r.s.env, it.spec)
	if err != nil {
		log.Printf("scheduler: %s: check sources: %v", it.name, err)
		return
	}
	if !cached {
		log.Printf("scheduler: %s: sources not cached and fetching is disabled", it.name)
		return
	}
	it.fetched = true
	if it.indeg == 0 {
		r.transition(it, element.StateBuildable)
		r.enqueue(it, job.KindBuild)
	}
}

func (r *run) lookupLocal(name string, keys graph.Keys) (artifact.Artifact, digest.Digest, error) {
	ctx := r.parent
	a, d, err := r.s.env.Cache.LookupArtifact(ctx, name, keys.Strict)
	if err == nil || !r.s.cfg.NonStrict || keys.Weak == "" || !errors.Is(err, artifactcache.ErrMissing) {
		return a, d, err
	}
	return r.s.env.Cache.LookupArtifact(ctx, name, keys.Weak)
}

func (r *run) enqueue(it *item, k job.Kind) {
	j := it.jobs[k]
	if j == nil {
		j = job.New(k, it.name)
		it.jobs[k] = j
	} else {
		j.Retry()
	}
	r.queues[k] = append(r.queues[k], j)
}

// dispatch launches queued jobs while their queue has capacity, in
// readiness order.
func (r *run) dispatch() {
	if r.stopping {
		return
	}
	for _, k := range job.Kinds() {
		ceiling := r.s.cfg.ceiling(k)
		for r.active[k] < ceiling && len(r.queues[k]) > 0 {
			if r.parent.Err() != nil {
				r.stop(true)
				return
			}
			j := r.queues[k][0]
			r.queues[k] = r.queues[k][1:]
			it := r.byName[j.Element]
			if it.done {
				continue
			}
			r.launch(it, j)
		}
	}
}

func (r *run) launch(it *item, j *job.Job) {
	j.Start()
	k := j.Kind
	if k == job.KindBuild && j.Attempt == 1 {
		r.transition(it, element.StateBuilding)
	}
	st := r.stage(it, k)
	r.active[k]++
	r.inflight++
	r.emit(Event{Kind: EventJobStarted, Element: it.name, Queue: k.String(), Attempt: j.Attempt})
	go func() {
		c := r.execute(r.jobCtx, it, k, st)
		c.it, c.job = it, j
		r.doneCh <- c
	}()
}

// staged is what a build job needs from coordinator state, copied at
// dispatch so the job goroutine never reads it.
type staged struct {
	deps    map[string]job.DepArtifact
	sources []digest.Digest
}

func (r *run) stage(it *item, k job.Kind) staged {
	if k != job.KindBuild {
		return staged{}
	}
	st := staged{deps: map[string]job.DepArtifact{}, sources: it.sources}
	deps, _ := r.s.graph.Dependencies(it.name, element.DepBuild)
	for _, d := range deps {
		if dep, ok := r.byName[d]; ok && dep.done {
			st.deps[d] = job.DepArtifact{Name: d, Digest: dep.digest, Artifact: dep.artifact}
		}
	}
	return st
}

func (r *run) loop() {
	r.dispatch()
	for r.inflight > 0 {
		select {
		case <-r.parent.Done():
			if !r.stopping {
				log.Printf("scheduler: run %s cancelled; waiting for %d jobs", r.report.RunID, r.inflight)
				r.stop(true)
			}
			c := <-r.doneCh
			r.handle(c)
		case c := <-r.doneCh:
			r.handle(c)
		}
		r.dispatch()
	}
}

// stop ends dispatching. abort also cancels jobs still running.
func (r *run) stop(abort bool) {
	r.stopping = true
	r.aborted = true
	if abort {
		r.cancelJobs()
	}
}

func (r *run) handle(c completion) {
	j, it := c.job, c.it
	k := j.Kind
	r.active[k]--
	r.inflight--
	qr := r.report.Queues[k]
	status := j.Finish(c.out)

	if c.out.Err != nil {
		err := c.out.Err
		if job.Classify(err) == job.Transient {
			if j.Attempt <= r.s.cfg.NetworkRetries && !r.stopping && !it.done {
				log.Printf("scheduler: %s failed, retrying: %v", j, err)
				r.emit(Event{Kind: EventJobRetry, Element: it.name, Queue: k.String(), Attempt: j.Attempt, Error: err.Error()})
				r.enqueue(it, k)
				return
			}
			err = job.MarkPermanent(fmt.Errorf("giving up after %d attempts: %w", j.Attempt, err))
		}
		r.emit(Event{Kind: EventJobFinished, Element: it.name, Queue: k.String(), Attempt: j.Attempt, Status: status.String(), Error: err.Error()})
		if it.done {
			return
		}
		qr.Failed = append(qr.Failed, it.name)
		if k == job.KindPush {
			r.recordFailure(it, k, err)
			it.done = true
			return
		}
		r.fail(it, k, err)
		return
	}

	if c.out.Skipped {
		qr.Skipped = append(qr.Skipped, it.name)
	} else {
		qr.Processed = append(qr.Processed, it.name)
	}
	r.emit(Event{Kind: EventJobFinished, Element: it.name, Queue: k.String(), Attempt: j.Attempt, Status: status.String(), Digest: c.out.Digest})
	if it.done {
		return
	}

	switch k {
	case job.KindTrack:
		r.applyTrack(it, c.refs)
	case job.KindFetch:
		r.afterFetch(it, c)
	case job.KindBuild:
		it.artifact, it.digest = c.artifact, c.out.Digest
		r.report.Built = append(r.report.Built, it.name)
		r.transition(it, element.StateCached)
		r.complete(it)
		if r.s.cfg.Push {
			r.enqueue(it, job.KindPush)
		}
	case job.KindPush:
		if !c.out.Skipped {
			r.report.Pushed = append(r.report.Pushed, it.name)
		}
		it.done = true
	}
}

func (r *run) applyTrack(it *item, refs []string) {
	for i, ref := range refs {
		if i < len(it.spec.Sources) && it.spec.Sources[i].Ref == ref {
			continue
		}
		if err := r.s.graph.SetSourceRef(it.name, i, ref); err != nil {
			r.recordFailure(it, job.KindTrack, err)
			it.done = true
			return
		}
	}
	r.report.Tracked[it.name] = refs
	it.done = true
}

func (r *run) afterFetch(it *item, c completion) {
	if r.mode == ModeFetch {
		r.transition(it, element.StateBuildable)
		it.done = true
		return
	}
	if c.pulled {
		it.artifact, it.digest = c.artifact, c.out.Digest
		if !c.artifact.Success && !r.s.cfg.RetryFailed {
			r.fail(it, job.KindFetch, fmt.Errorf("%s: %w (pulled failure: %s)", it.name, job.ErrBuildFailed, c.artifact.Error))
			return
		}
		if c.artifact.Success {
			r.report.Pulled = append(r.report.Pulled, it.name)
			r.emit(Event{Kind: EventElementCached, Element: it.name, Digest: c.out.Digest})
			r.transition(it, element.StateCached)
			r.complete(it)
			return
		}
	}
	it.fetched = true
	it.sources = c.sources
	if it.indeg == 0 {
		r.transition(it, element.StateBuildable)
		r.enqueue(it, job.KindBuild)
	}
}

// complete marks it finished and relaxes the build edges to its
// dependents.
func (r *run) complete(it *item) {
	it.done = true
	for _, v := range r.adj[it.index] {
		dep := r.items[v]
		dep.indeg--
		if dep.indeg == 0 && dep.fetched && !dep.done {
			r.transition(dep, element.StateBuildable)
			r.enqueue(dep, job.KindBuild)
		}
	}
}

func (r *run) recordFailure(it *item, k job.Kind, err error) {
	r.report.Failures = append(r.report.Failures, Failure{Element: it.name, Queue: k, Err: err})
	r.emit(Event{Kind: EventElementFailed, Element: it.name, Queue: k.String(), Error: err.Error()})
	log.Printf("scheduler: %s %s failed: %v", k, it.name, err)
}

// fail records a permanent failure of it and applies the error policy.
func (r *run) fail(it *item, k job.Kind, err error) {
	r.recordFailure(it, k, err)
	it.done = true
	switch r.s.cfg.OnError {
	case OnErrorContinue:
		if r.mode != ModeBuild {
			r.transition(it, element.StateFailed)
			return
		}
		skipped, perr := r.s.graph.FailAndPropagate(it.name, func(name string) bool {
			_, ok := r.byName[name]
			return ok
		})
		if perr != nil {
			log.Printf("scheduler: %v", perr)
		}
		for _, name := range skipped {
			dep := r.byName[name]
			if dep == nil || dep.done {
				continue
			}
			dep.done = true
			r.report.Skipped = append(r.report.Skipped, name)
			r.emit(Event{Kind: EventElementSkipped, Element: name, Error: "dependency " + it.name + " failed"})
		}
	case OnErrorTerminate:
		r.transition(it, element.StateFailed)
		r.stop(true)
	default:
		r.transition(it, element.StateFailed)
		r.stop(false)
	}
}

func (r *run) finish() {
	for _, it := range r.items {
		if !it.done {
			r.report.Incomplete = append(r.report.Incomplete, it.name)
		}
	}
	r.report.State = Completed
	if r.aborted || r.parent.Err() != nil {
		r.report.State = Terminated
	}
	r.report.Finished = time.Now()
	r.emit(Event{Kind: EventRunFinished, Status: r.report.State.String()})
	log.Printf("scheduler: run %s %s: %d built, %d cached, %d pulled, %d failed, %d skipped, %d incomplete",
		r.report.RunID, r.report.State, len(r.report.Built), len(r.report.Cached), len(r.report.Pulled),
		len(r.report.Failures), len(r.report.Skipped), len(r.report.Incomplete))
}
