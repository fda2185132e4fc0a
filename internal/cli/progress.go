package cli

import (
	"fmt"
	"io"

	"buildorch/internal/scheduler"
)

// progress prints one line per notable event.
type progress struct {
	w io.Writer
}

func newProgress(w io.Writer) *progress { return &progress{w: w} }

func (p *progress) Send(ev scheduler.Event) {
	switch ev.Kind {
	case scheduler.EventRunStarted:
		fmt.Fprintf(p.w, "[%s] run %s started\n", ev.Status, ev.RunID)
	case scheduler.EventJobStarted:
		fmt.Fprintf(p.w, "[%-5s] %s\n", ev.Queue, ev.Element)
	case scheduler.EventJobRetry:
		fmt.Fprintf(p.w, "[%-5s] %s: retrying (attempt %d): %s\n", ev.Queue, ev.Element, ev.Attempt+1, ev.Error)
	case scheduler.EventElementFailed:
		fmt.Fprintf(p.w, "[%-5s] %s FAILED: %s\n", ev.Queue, ev.Element, ev.Error)
	case scheduler.EventElementSkipped:
		fmt.Fprintf(p.w, "[skip ] %s\n", ev.Element)
	case scheduler.EventElementCached:
		fmt.Fprintf(p.w, "[cache] %s %s\n", ev.Element, ev.Digest)
	case scheduler.EventRunFinished:
		fmt.Fprintf(p.w, "run %s %s\n", ev.RunID, ev.Status)
	}
}
