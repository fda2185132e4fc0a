package cli

import "errors"

// Process exit codes.
const (
	CodeOK    = 0
	CodeRun   = 1 // the run finished with failed elements
	CodeUsage = 2 // bad arguments, unloadable project, unreachable cache
)

// exitError pairs a command error with the code main exits with.
type exitError struct {
	code int
	msg  string
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return e.msg
	}
	return e.msg + ": " + e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

// usageError reports a problem with how the command was invoked or with
// the project it was pointed at. err may be nil.
func usageError(msg string, err error) error {
	return &exitError{code: CodeUsage, msg: msg, err: err}
}

// runFailure reports work that was attempted and did not succeed.
func runFailure(msg string, err error) error {
	return &exitError{code: CodeRun, msg: msg, err: err}
}

// ExitCode maps the error returned by a command to a process exit code.
// Errors that carry no code count as run failures.
func ExitCode(err error) int {
	if err == nil {
		return CodeOK
	}
	var e *exitError
	if errors.As(err, &e) {
		return e.code
	}
	return CodeRun
}
