package scheduler

import (
	"fmt"
	"strings"
	"time"

	"buildorch/internal/digest"
	"buildorch/internal/job"
)

// Mode selects which queues a run drives.
type Mode int

const (
	// ModeBuild queries the cache, pulls or fetches, builds and optionally
	// pushes every planned element.
	ModeBuild Mode = iota
	ModeFetch
	ModeTrack
	ModePush
)

func (m Mode) String() string {
	switch m {
	case ModeBuild:
		return "build"
	case ModeFetch:
		return "fetch"
	case ModeTrack:
		return "track"
	case ModePush:
		return "push"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// OnError is the policy applied when a job fails for good.
type OnError string

const (
	// OnErrorQuit stops dispatching and lets in-flight jobs finish.
	OnErrorQuit OnError = "quit"
	// OnErrorContinue keeps dispatching work that does not depend on the
	// failure.
	OnErrorContinue OnError = "continue"
	// OnErrorTerminate stops dispatching and cancels in-flight jobs.
	OnErrorTerminate OnError = "terminate"
)

func ParseOnError(s string) (OnError, error) {
	switch p := OnError(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return OnErrorQuit, nil
	case OnErrorQuit, OnErrorContinue, OnErrorTerminate:
		return p, nil
	default:
		return "", fmt.Errorf("unknown on-error policy %q (want quit, continue or terminate)", s)
	}
}

type RunState int

const (
	Idle RunState = iota
	Running
	Completed
	Terminated
)

func (s RunState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Terminated:
		return "terminated"
	default:
		return fmt.Sprintf("RunState(%d)", int(s))
	}
}

type Config struct {
	// Ceilings per queue. Zero means jobs of that kind never run.
	Fetchers int
	Builders int
	Pushers  int
	// Trackers defaults to Fetchers when negative.
	Trackers int

	// NetworkRetries bounds how often a transient failure is retried.
	NetworkRetries int
	OnError        OnError

	// NonStrict accepts an artifact recorded under the weak key when the
	// strict key misses.
	NonStrict bool
	// Pull asks the remote for artifacts missing locally.
	Pull bool
	// Push publishes built artifacts.
	Push bool
	// RetryFailed rebuilds elements whose cached artifact is a failure.
	RetryFailed bool
}

func DefaultConfig() Config {
	return Config{
		Fetchers:       10,
		Builders:       4,
		Pushers:        4,
		Trackers:       -1,
		NetworkRetries: 2,
		OnError:        OnErrorQuit,
	}
}

func (c Config) ceiling(k job.Kind) int {
	switch k {
	case job.KindTrack:
		if c.Trackers < 0 {
			return c.Fetchers
		}
		return c.Trackers
	case job.KindFetch:
		return c.Fetchers
	case job.KindBuild:
		return c.Builders
	case job.KindPush:
		return c.Pushers
	}
	return 0
}

type EventKind string

const (
	EventRunStarted     EventKind = "run_started"
	EventRunFinished    EventKind = "run_finished"
	EventJobStarted     EventKind = "job_started"
	EventJobFinished    EventKind = "job_finished"
	EventJobRetry       EventKind = "job_retry"
	EventElementCached  EventKind = "element_cached"
	EventElementFailed  EventKind = "element_failed"
	EventElementSkipped EventKind = "element_skipped"
)

// Event is one progress notification.
type Event struct {
	RunID   string        `json:"run_id"`
	Kind    EventKind     `json:"kind"`
	Time    time.Time     `json:"time"`
	Element string        `json:"element,omitempty"`
	Queue   string        `json:"queue,omitempty"`
	Attempt int           `json:"attempt,omitempty"`
	Status  string        `json:"status,omitempty"`
	Digest  digest.Digest `json:"digest,omitempty"`
	Error   string        `json:"error,omitempty"`
}

// EventSink receives events from the coordinating goroutine. Send must
// not block for long.
type EventSink interface {
	Send(ev Event)
}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(ev Event)

func (f SinkFunc) Send(ev Event) { f(ev) }

// QueueReport is the bookkeeping of one queue.
type QueueReport struct {
	Processed []string
	Skipped   []string
	Failed    []string
}

type Failure struct {
	Element string
	Queue   job.Kind
	Err     error
}

type Report struct {
	RunID string
	Mode  Mode
	State RunState

	// Cached elements were satisfied by the local cache.
	Cached []string
	Pulled []string
	Built  []string
	Pushed []string
	// Tracked maps elements to their new source refs.
	Tracked map[string][]string

	Failures []Failure
	// Skipped elements depend on a failure.
	Skipped []string
	// Incomplete elements never reached a final state, either because the
	// run stopped or because a queue they needed has no capacity.
	Incomplete []string

	Queues   map[job.Kind]*QueueReport
	Started  time.Time
	Finished time.Time
}

func newReport(id string, mode Mode) *Report {
	r := &Report{
		RunID:   id,
		Mode:    mode,
		State:   Running,
		Tracked: map[string][]string{},
		Queues:  map[job.Kind]*QueueReport{},
	}
	for _, k := range job.Kinds() {
		r.Queues[k] = &QueueReport{}
	}
	return r
}

// OK reports whether the run completed with every element done.
func (r *Report) OK() bool {
	return r != nil && r.State == Completed && len(r.Failures) == 0 && len(r.Skipped) == 0 && len(r.Incomplete) == 0
}

// Failed lists failed element names in failure order.
func (r *Report) Failed() []string {
	out := make([]string, 0, len(r.Failures))
	for _, f := range r.Failures {
		out = append(out, f.Element)
	}
	return out
}
