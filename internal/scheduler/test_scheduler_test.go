package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buildorch/internal/artifact"
	"buildorch/internal/artifactcache"
	"buildorch/internal/digest"
	"buildorch/internal/element"
	"buildorch/internal/graph"
	"buildorch/internal/job"
	"buildorch/internal/localcas"
	"buildorch/internal/plugin"
	"buildorch/internal/sandbox"
)

// recorder is an element plugin that records the order it assembles in.
type recorder struct {
	mu    sync.Mutex
	order []string
	calls map[string]int
	exit  map[string]int
	errs  map[string]error
	// flaky fails an element transiently this many times before it builds.
	flaky map[string]int
	delay time.Duration
	// hold blocks an element until its context is cancelled.
	hold map[string]bool

	running int
	peak    int
}

func newRecorder() *recorder {
	return &recorder{
		calls: map[string]int{},
		exit:  map[string]int{},
		errs:  map[string]error{},
		flaky: map[string]int{},
		hold:  map[string]bool{},
	}
}

func (r *recorder) Configure(element.Spec) error { return nil }

func (r *recorder) UniqueKey(element.Spec) (any, error) {
	return map[string]any{"plugin": "record"}, nil
}

func (r *recorder) Assemble(ctx context.Context, bc plugin.BuildContext) (sandbox.Result, error) {
	name := bc.Spec.Name
	r.mu.Lock()
	r.calls[name]++
	r.running++
	if r.running > r.peak {
		r.peak = r.running
	}
	err := r.errs[name]
	if r.flaky[name] > 0 {
		r.flaky[name]--
		err = job.MarkTransient(errors.New("flaky builder"))
	}
	code := r.exit[name]
	hold := r.hold[name]
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.running--
		r.mu.Unlock()
	}()

	if hold {
		<-ctx.Done()
		return sandbox.Result{}, ctx.Err()
	}
	if r.delay > 0 {
		select {
		case <-ctx.Done():
			return sandbox.Result{}, ctx.Err()
		case <-time.After(r.delay):
		}
	}
	if err != nil {
		return sandbox.Result{}, err
	}
	r.mu.Lock()
	r.order = append(r.order, name)
	r.mu.Unlock()

	out, err := artifact.StoreTree(ctx, bc.Blobs, artifact.Tree{})
	if err != nil {
		return sandbox.Result{}, err
	}
	logDigest, err := bc.Blobs.PutBytes(ctx, []byte("built "+name))
	if err != nil {
		return sandbox.Result{}, err
	}
	return sandbox.Result{ExitCode: code, Output: out, Log: logDigest}, nil
}

func (r *recorder) built() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func (r *recorder) callsOf(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[name]
}

// fakeSource stores an empty tree for every source it fetches.
type fakeSource struct {
	mu      sync.Mutex
	cached  bool
	flaky   int
	fetches int
}

func (f *fakeSource) Configure(element.SourceSpec) error { return nil }

func (f *fakeSource) UniqueKey(element.SourceSpec) (any, error) {
	return map[string]any{"plugin": "fake"}, nil
}

func (f *fakeSource) Track(context.Context, plugin.SourceContext, element.SourceSpec) (string, error) {
	return "v1", nil
}

func (f *fakeSource) IsCached(context.Context, plugin.SourceContext, element.SourceSpec) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cached, nil
}

func (f *fakeSource) Fetch(ctx context.Context, sc plugin.SourceContext, _ element.SourceSpec) (digest.Digest, error) {
	f.mu.Lock()
	f.fetches++
	fail := f.flaky > 0
	if fail {
		f.flaky--
	}
	f.mu.Unlock()
	if fail {
		return digest.Digest{}, job.MarkTransient(errors.New("mirror timed out"))
	}
	return artifact.StoreTree(ctx, sc.Cache, artifact.Tree{})
}

func (f *fakeSource) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

func withFakeSource(s element.Spec) element.Spec {
	s.Sources = []element.SourceSpec{{Kind: "fake"}}
	return s
}

type harness struct {
	t          *testing.T
	rec        *recorder
	reg        *plugin.Registry
	cache      *artifactcache.Cache
	projectDir string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := localcas.Open(localcas.Config{Root: t.TempDir(), Volume: localcas.NoVolume})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	cache, err := artifactcache.New(store, artifactcache.Options{})
	require.NoError(t, err)
	rec := newRecorder()
	reg := plugin.NewRegistry()
	reg.RegisterElement("record", rec)
	return &harness{t: t, rec: rec, reg: reg, cache: cache, projectDir: t.TempDir()}
}

func spec(name string, deps ...string) element.Spec {
	s := element.Spec{Name: name, Kind: "record"}
	for _, d := range deps {
		s.Dependencies = append(s.Dependencies, element.Dependency{Name: d, Kind: element.DepBuild})
	}
	return s
}

func (h *harness) graph(specs ...element.Spec) *graph.Graph {
	h.t.Helper()
	g, err := graph.Load(specs, graph.WithKeyer(h.reg))
	require.NoError(h.t, err)
	return g
}

func (h *harness) run(g *graph.Graph, cfg Config, mode Mode, targets ...string) *Report {
	h.t.Helper()
	return h.runCtx(context.Background(), g, cfg, mode, targets...)
}

func (h *harness) runCtx(ctx context.Context, g *graph.Graph, cfg Config, mode Mode, targets ...string) *Report {
	h.t.Helper()
	plan, err := g.Plan(targets, graph.ScopeAll)
	require.NoError(h.t, err)
	env := job.Env{Registry: h.reg, Cache: h.cache, ProjectDir: h.projectDir}
	rep, err := New(g, env, cfg).Run(ctx, plan, mode)
	require.NoError(h.t, err)
	return rep
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Builders = 1
	return cfg
}

func TestBuildOrderFollowsDependencies(t *testing.T) {
	h := newHarness(t)
	g := h.graph(spec("A", "B"), spec("B", "C"), spec("C"))

	rep := h.run(g, testConfig(), ModeBuild, "A")

	assert.Equal(t, Completed, rep.State)
	assert.True(t, rep.OK())
	assert.Equal(t, []string{"C", "B", "A"}, h.rec.built())
	assert.Equal(t, []string{"C", "B", "A"}, rep.Built)
	assert.Equal(t, []string{"C", "B", "A"}, rep.Queues[job.KindBuild].Processed)
	for _, name := range []string{"A", "B", "C"} {
		st, err := g.State(name)
		require.NoError(t, err)
		assert.Equal(t, element.StateCached, st)
	}
}

func TestCacheHitSkipsBuild(t *testing.T) {
	h := newHarness(t)
	g := h.graph(spec("A", "B"), spec("B", "C"), spec("C"))

	first := h.run(g, testConfig(), ModeBuild, "B")
	require.True(t, first.OK())
	assert.Equal(t, []string{"C", "B"}, h.rec.built())

	g = h.graph(spec("A", "B"), spec("B", "C"), spec("C"))
	second := h.run(g, testConfig(), ModeBuild, "A")
	require.True(t, second.OK())
	assert.Equal(t, []string{"C", "B"}, second.Cached)
	assert.Equal(t, []string{"A"}, second.Built)
	assert.Equal(t, 1, h.rec.callsOf("B"))
	assert.Equal(t, 1, h.rec.callsOf("A"))
}

func TestContinueSkipsDependents(t *testing.T) {
	h := newHarness(t)
	h.rec.exit["B"] = 1
	g := h.graph(spec("A", "B"), spec("B"), spec("D"))
	cfg := testConfig()
	cfg.OnError = OnErrorContinue

	rep := h.run(g, cfg, ModeBuild, "A", "D")

	assert.Equal(t, Completed, rep.State)
	assert.False(t, rep.OK())
	assert.Equal(t, []string{"B"}, rep.Failed())
	assert.ErrorIs(t, rep.Failures[0].Err, job.ErrBuildFailed)
	assert.Equal(t, []string{"A"}, rep.Skipped)
	assert.Equal(t, []string{"D"}, rep.Built)
	assert.Zero(t, h.rec.callsOf("A"))

	st, err := g.State("A")
	require.NoError(t, err)
	assert.Equal(t, element.StateSkipped, st)
	st, err = g.State("B")
	require.NoError(t, err)
	assert.Equal(t, element.StateFailed, st)
}

func TestQuitStopsDispatch(t *testing.T) {
	h := newHarness(t)
	h.rec.exit["B"] = 2
	g := h.graph(spec("A", "B"), spec("B", "C"), spec("C"))

	rep := h.run(g, testConfig(), ModeBuild, "A")

	assert.Equal(t, Terminated, rep.State)
	assert.Equal(t, []string{"B"}, rep.Failed())
	assert.Equal(t, []string{"C"}, rep.Built)
	assert.Equal(t, []string{"A"}, rep.Incomplete)
	assert.Zero(t, h.rec.callsOf("A"))
}

func TestTerminateCancelsRunningJobs(t *testing.T) {
	h := newHarness(t)
	h.rec.hold["S"] = true
	h.rec.errs["F"] = errors.New("compiler crashed")
	g := h.graph(spec("S"), spec("F"))
	cfg := testConfig()
	cfg.Builders = 2
	cfg.OnError = OnErrorTerminate

	done := make(chan *Report, 1)
	go func() { done <- h.run(g, cfg, ModeBuild, "S", "F") }()

	select {
	case rep := <-done:
		assert.Equal(t, Terminated, rep.State)
		assert.Contains(t, rep.Failed(), "F")
		assert.Empty(t, rep.Built)
	case <-time.After(5 * time.Second):
		t.Fatal("terminate did not cancel the held build")
	}
}

func TestCachedFailureIsNotRebuilt(t *testing.T) {
	h := newHarness(t)
	h.rec.exit["B"] = 1
	g := h.graph(spec("B"))
	cfg := testConfig()
	cfg.OnError = OnErrorContinue

	first := h.run(g, cfg, ModeBuild, "B")
	require.Equal(t, []string{"B"}, first.Failed())

	g = h.graph(spec("B"))
	second := h.run(g, cfg, ModeBuild, "B")
	assert.Equal(t, []string{"B"}, second.Failed())
	assert.Equal(t, 1, h.rec.callsOf("B"))

	delete(h.rec.exit, "B")
	cfg.RetryFailed = true
	g = h.graph(spec("B"))
	third := h.run(g, cfg, ModeBuild, "B")
	assert.True(t, third.OK())
	assert.Equal(t, 2, h.rec.callsOf("B"))
}

func TestTransientFailuresRetriedUpToLimit(t *testing.T) {
	h := newHarness(t)
	h.rec.errs["B"] = job.MarkTransient(errors.New("remote unavailable"))
	g := h.graph(spec("B"))
	cfg := testConfig()
	cfg.NetworkRetries = 2

	var retries []int
	var mu sync.Mutex
	sink := SinkFunc(func(ev Event) {
		if ev.Kind == EventJobRetry {
			mu.Lock()
			retries = append(retries, ev.Attempt)
			mu.Unlock()
		}
	})
	plan, err := g.Plan([]string{"B"}, graph.ScopeAll)
	require.NoError(t, err)
	rep, err := New(g, job.Env{Registry: h.reg, Cache: h.cache}, cfg, WithEventSink(sink)).
		Run(context.Background(), plan, ModeBuild)
	require.NoError(t, err)

	assert.Equal(t, 3, h.rec.callsOf("B"))
	assert.Equal(t, []int{1, 2}, retries)
	assert.Equal(t, []string{"B"}, rep.Failed())
	assert.Equal(t, job.Permanent, job.Classify(rep.Failures[0].Err))
	assert.ErrorContains(t, rep.Failures[0].Err, "giving up after 3 attempts")
}

func TestTransientFailureRecovers(t *testing.T) {
	h := newHarness(t)
	h.rec.flaky["B"] = 1
	g := h.graph(spec("B"))

	rep := h.run(g, testConfig(), ModeBuild, "B")

	assert.True(t, rep.OK())
	assert.Equal(t, 2, h.rec.callsOf("B"))
	assert.Equal(t, []string{"B"}, rep.Built)
}

func TestPermanentFailureNotRetried(t *testing.T) {
	h := newHarness(t)
	h.rec.errs["B"] = errors.New("broken plugin")
	g := h.graph(spec("B"))
	cfg := testConfig()
	cfg.NetworkRetries = 5

	rep := h.run(g, cfg, ModeBuild, "B")

	assert.Equal(t, 1, h.rec.callsOf("B"))
	assert.Equal(t, []string{"B"}, rep.Failed())
}

func TestBuildersCeiling(t *testing.T) {
	h := newHarness(t)
	h.rec.delay = 20 * time.Millisecond
	g := h.graph(spec("A"), spec("B"), spec("C"), spec("D"), spec("E"))
	cfg := testConfig()
	cfg.Builders = 2

	rep := h.run(g, cfg, ModeBuild, "A", "B", "C", "D", "E")

	assert.True(t, rep.OK())
	assert.Len(t, rep.Built, 5)
	h.rec.mu.Lock()
	defer h.rec.mu.Unlock()
	assert.LessOrEqual(t, h.rec.peak, 2)
}

func TestZeroCeilingLeavesWorkIncomplete(t *testing.T) {
	h := newHarness(t)
	g := h.graph(spec("A", "B"), spec("B"))
	cfg := testConfig()
	cfg.Builders = 0

	rep := h.run(g, cfg, ModeBuild, "A")

	assert.Equal(t, Completed, rep.State)
	assert.False(t, rep.OK())
	assert.Equal(t, []string{"B", "A"}, rep.Incomplete)
	assert.Empty(t, h.rec.built())
}

func TestCancelledRunTerminates(t *testing.T) {
	h := newHarness(t)
	g := h.graph(spec("A", "B"), spec("B"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rep := h.runCtx(ctx, g, testConfig(), ModeBuild, "A")

	assert.Equal(t, Terminated, rep.State)
	assert.Empty(t, h.rec.built())
	assert.ElementsMatch(t, []string{"A", "B"}, rep.Incomplete)
}

func TestNonStrictAcceptsWeakKey(t *testing.T) {
	h := newHarness(t)
	g := h.graph(spec("A", "B"), spec("B"))
	require.True(t, h.run(g, testConfig(), ModeBuild, "A").OK())

	changed := spec("B")
	changed.Env = map[string]string{"OPT": "2"}

	g = h.graph(spec("A", "B"), changed)
	cfg := testConfig()
	cfg.NonStrict = true
	rep := h.run(g, cfg, ModeBuild, "A")
	require.True(t, rep.OK())
	assert.Equal(t, []string{"B"}, rep.Built)
	assert.Equal(t, []string{"A"}, rep.Cached)

	g = h.graph(spec("A", "B"), changed)
	rep = h.run(g, testConfig(), ModeBuild, "A")
	require.True(t, rep.OK())
	assert.Equal(t, []string{"B"}, rep.Cached)
	assert.Equal(t, []string{"A"}, rep.Built)
}

func TestPushModeSkipsUncached(t *testing.T) {
	h := newHarness(t)
	g := h.graph(spec("A", "B"), spec("B"))
	require.True(t, h.run(g, testConfig(), ModeBuild, "B").OK())

	g = h.graph(spec("A", "B"), spec("B"))
	rep := h.run(g, testConfig(), ModePush, "A")

	// Without a remote the push jobs have nothing to do.
	assert.Equal(t, Completed, rep.State)
	assert.Equal(t, []string{"A"}, rep.Queues[job.KindPush].Skipped[:1])
	assert.Contains(t, rep.Queues[job.KindPush].Skipped, "B")
	assert.Empty(t, rep.Pushed)
}

func TestRunEvents(t *testing.T) {
	h := newHarness(t)
	g := h.graph(spec("A", "B"), spec("B"))
	var mu sync.Mutex
	var kinds []EventKind
	sink := SinkFunc(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		assert.NotEmpty(t, ev.RunID)
		kinds = append(kinds, ev.Kind)
	})
	plan, err := g.Plan([]string{"A"}, graph.ScopeAll)
	require.NoError(t, err)
	s := New(g, job.Env{Registry: h.reg, Cache: h.cache}, testConfig(), WithEventSink(sink), WithRunID(func() string { return "run-1" }))
	rep, err := s.Run(context.Background(), plan, ModeBuild)
	require.NoError(t, err)
	assert.Equal(t, "run-1", rep.RunID)
	assert.Equal(t, Completed, s.State())

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, kinds)
	assert.Equal(t, EventRunStarted, kinds[0])
	assert.Equal(t, EventRunFinished, kinds[len(kinds)-1])
	started := 0
	for _, k := range kinds {
		if k == EventJobStarted {
			started++
		}
	}
	// One fetch and one build per element.
	assert.Equal(t, 4, started)
}

func TestKeyNotReadyIsFatal(t *testing.T) {
	h := newHarness(t)
	h.reg.RegisterSource("local", plugin.Local{})
	s := spec("A")
	s.Sources = []element.SourceSpec{{Kind: "local", Config: map[string]any{"path": "src"}}}
	g := h.graph(s)
	plan, err := g.Plan([]string{"A"}, graph.ScopeAll)
	require.NoError(t, err)

	_, err = New(g, job.Env{Registry: h.reg, Cache: h.cache}, testConfig()).Run(context.Background(), plan, ModeBuild)
	assert.ErrorIs(t, err, graph.ErrKeyNotReady)
}

func TestParseOnError(t *testing.T) {
	for in, want := range map[string]OnError{"": OnErrorQuit, "quit": OnErrorQuit, "Continue": OnErrorContinue, "terminate": OnErrorTerminate} {
		got, err := ParseOnError(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseOnError("ignore")
	assert.Error(t, err)
}

func TestTrackThenBuild(t *testing.T) {
	h := newHarness(t)
	h.reg.RegisterSource("local", plugin.Local{})
	require.NoError(t, os.MkdirAll(filepath.Join(h.projectDir, "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(h.projectDir, "src", "main.c"), []byte("int main;"), 0o644))

	withSource := spec("A", "B")
	withSource.Sources = []element.SourceSpec{{Kind: "local", Config: map[string]any{"path": "src"}}}
	g := h.graph(withSource, spec("B"))

	tracked := h.run(g, testConfig(), ModeTrack, "A")
	require.True(t, tracked.OK())
	require.Len(t, tracked.Tracked["A"], 1)
	assert.NotEmpty(t, tracked.Tracked["A"][0])
	assert.Equal(t, []string{"B"}, tracked.Queues[job.KindTrack].Skipped)

	got, ok := g.Element("A")
	require.True(t, ok)
	assert.Equal(t, tracked.Tracked["A"][0], got.Sources[0].Ref)

	built := h.run(g, testConfig(), ModeBuild, "A")
	require.True(t, built.OK())
	assert.Equal(t, []string{"B", "A"}, built.Built)
	assert.Equal(t, []string{"A"}, built.Queues[job.KindFetch].Processed)
}

func TestContinueSkipsWholeChain(t *testing.T) {
	h := newHarness(t)
	h.rec.exit["C"] = 1
	g := h.graph(spec("A", "B"), spec("B", "C"), spec("C"))
	cfg := testConfig()
	cfg.OnError = OnErrorContinue

	rep := h.run(g, cfg, ModeBuild, "A")

	assert.Equal(t, Completed, rep.State)
	assert.Equal(t, []string{"C"}, rep.Failed())
	assert.ElementsMatch(t, []string{"B", "A"}, rep.Skipped)
	assert.Empty(t, rep.Built)
	assert.Empty(t, rep.Incomplete)
	for _, name := range []string{"A", "B"} {
		assert.Zero(t, h.rec.callsOf(name))
		st, err := g.State(name)
		require.NoError(t, err)
		assert.Equal(t, element.StateSkipped, st, name)
	}
}

func TestBuildWithoutFetchers(t *testing.T) {
	h := newHarness(t)
	g := h.graph(spec("A", "B"), spec("B"))
	cfg := testConfig()
	cfg.Fetchers = 0

	rep := h.run(g, cfg, ModeBuild, "A")

	assert.Equal(t, Completed, rep.State)
	assert.True(t, rep.OK())
	assert.Equal(t, []string{"B", "A"}, h.rec.built())
	assert.Empty(t, rep.Queues[job.KindFetch].Processed)
}

func TestBuildWithoutFetchersNeedsCachedSources(t *testing.T) {
	h := newHarness(t)
	src := &fakeSource{}
	h.reg.RegisterSource("fake", src)
	cfg := testConfig()
	cfg.Fetchers = 0

	g := h.graph(withFakeSource(spec("S")), spec("T", "S"), spec("U"))
	rep := h.run(g, cfg, ModeBuild, "T", "U")

	assert.Equal(t, Completed, rep.State)
	assert.Equal(t, []string{"U"}, rep.Built)
	assert.ElementsMatch(t, []string{"S", "T"}, rep.Incomplete)
	assert.Zero(t, src.fetchCount())

	src.cached = true
	g = h.graph(withFakeSource(spec("S")), spec("T", "S"), spec("U"))
	rep = h.run(g, cfg, ModeBuild, "T", "U")

	assert.True(t, rep.OK())
	assert.Equal(t, []string{"S", "T"}, rep.Built)
	assert.Equal(t, []string{"U"}, rep.Cached)
}

func TestFetchRetriesTransientSourceErrors(t *testing.T) {
	h := newHarness(t)
	src := &fakeSource{flaky: 2}
	h.reg.RegisterSource("fake", src)
	g := h.graph(withFakeSource(spec("S")))
	cfg := testConfig()
	cfg.NetworkRetries = 2

	rep := h.run(g, cfg, ModeBuild, "S")

	assert.True(t, rep.OK())
	assert.Equal(t, 3, src.fetchCount())
	assert.Equal(t, []string{"S"}, rep.Queues[job.KindFetch].Processed)
	assert.Equal(t, []string{"S"}, rep.Built)
}

func TestFetchRetriesExhausted(t *testing.T) {
	h := newHarness(t)
	src := &fakeSource{flaky: 5}
	h.reg.RegisterSource("fake", src)
	g := h.graph(withFakeSource(spec("S")))
	cfg := testConfig()
	cfg.NetworkRetries = 1

	rep := h.run(g, cfg, ModeBuild, "S")

	assert.Equal(t, 2, src.fetchCount())
	assert.Equal(t, []string{"S"}, rep.Failed())
	assert.Equal(t, job.KindFetch, rep.Failures[0].Queue)
	assert.Equal(t, job.Permanent, job.Classify(rep.Failures[0].Err))
	assert.Zero(t, h.rec.callsOf("S"))
}

func TestBuildReusesFetchedSources(t *testing.T) {
	h := newHarness(t)
	src := &fakeSource{}
	h.reg.RegisterSource("fake", src)
	g := h.graph(withFakeSource(spec("S")))

	rep := h.run(g, testConfig(), ModeBuild, "S")

	require.True(t, rep.OK())
	assert.Equal(t, 1, src.fetchCount())
}
