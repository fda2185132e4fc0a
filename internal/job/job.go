// Package job holds the units of work the scheduler dispatches and the
// classification of their failures.
package job

import (
	"context"
	"errors"
	"fmt"
	"net"

	"connectrpc.com/connect"

	"buildorch/internal/digest"
)

type Kind int

const (
	KindTrack Kind = iota
	KindFetch
	KindBuild
	KindPush
)

var kindNames = [...]string{"track", "fetch", "build", "push"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Kinds lists every kind in pipeline order.
func Kinds() []Kind { return []Kind{KindTrack, KindFetch, KindBuild, KindPush} }

type Status int

const (
	StatusPending Status = iota
	StatusRunning
	StatusSucceeded
	StatusFailed
	StatusSkipped
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusSkipped:
		return "skipped"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Outcome is the terminal result of one attempt.
type Outcome struct {
	Success bool
	Digest  digest.Digest
	Err     error
	// Skipped means the job found nothing to do, e.g. sources already cached.
	Skipped bool
}

func Succeeded(d digest.Digest) Outcome { return Outcome{Success: true, Digest: d} }
func Failed(err error) Outcome         { return Outcome{Err: err} }

// Job is one unit of work for an element. It is owned by the scheduler's
// coordinator: Attempt counts dispatches and Status moves from pending to
// running to a terminal status, back to pending only for a retry.
type Job struct {
	Kind    Kind
	Element string
	Attempt int
	Status  Status
}

func New(k Kind, element string) *Job {
	return &Job{Kind: k, Element: element, Status: StatusPending}
}

func (j *Job) Start() {
	j.Attempt++
	j.Status = StatusRunning
}

// Retry returns a failed attempt to the queue.
func (j *Job) Retry() { j.Status = StatusPending }

// Finish records the outcome of the running attempt.
func (j *Job) Finish(out Outcome) Status {
	switch {
	case out.Err != nil:
		j.Status = StatusFailed
	case out.Skipped:
		j.Status = StatusSkipped
	default:
		j.Status = StatusSucceeded
	}
	return j.Status
}

func (j *Job) String() string {
	return fmt.Sprintf("%s %s (attempt %d, %s)", j.Kind, j.Element, j.Attempt, j.Status)
}

// Class tells the scheduler whether a failure may be retried.
type Class int

const (
	Permanent Class = iota
	Transient
)

func (c Class) String() string {
	if c == Transient {
		return "transient"
	}
	return "permanent"
}

type TransientError struct{ Err error }

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

type PermanentError struct{ Err error }

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// MarkTransient flags err as retryable.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// MarkPermanent flags err as never retryable, overriding anything it wraps.
func MarkPermanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Classify decides whether err may be retried. Explicit marks win; then
// cancellation is permanent, remote unavailability and timeouts are
// transient, and everything else is permanent.
func Classify(err error) Class {
	if err == nil {
		return Permanent
	}
	var perm *PermanentError
	var trans *TransientError
	permOK := errors.As(err, &perm)
	transOK := errors.As(err, &trans)
	switch {
	case permOK && transOK:
		// The outermost mark wins.
		if errors.Is(perm, trans) {
			return Permanent
		}
		return Transient
	case permOK:
		return Permanent
	case transOK:
		return Transient
	}
	if errors.Is(err, context.Canceled) {
		return Permanent
	}
	switch connect.CodeOf(err) {
	case connect.CodeUnavailable, connect.CodeDeadlineExceeded, connect.CodeAborted, connect.CodeResourceExhausted:
		return Transient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Transient
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return Transient
	}
	return Permanent
}
