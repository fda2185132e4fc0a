// Package sandbox defines how build commands are executed against a staged
// input tree. Isolation is up to the implementation.
package sandbox

import (
	"context"

	"buildorch/internal/digest"
)

// DefaultOutputDir is where commands install their results, relative to
// the sandbox root. Commands see it as $INSTALL_ROOT.
const DefaultOutputDir = "install"

// Mount exposes a host path inside the sandbox.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

type Request struct {
	Element  string
	Commands []string
	// Input is the digest of the tree staged at the sandbox root.
	Input     digest.Digest
	Env       map[string]string
	Mounts    []Mount
	WorkDir   string
	OutputDir string
	// KeepBuildTree also captures the whole sandbox root after the build.
	KeepBuildTree bool
}

// Result of running every command of a request. A non-zero ExitCode is a
// build failure and comes with a nil error; errors are reserved for
// problems running the sandbox itself.
type Result struct {
	ExitCode  int
	Output    digest.Digest
	Log       digest.Digest
	BuildTree digest.Digest
}

type Sandbox interface {
	Execute(ctx context.Context, req Request) (Result, error)
}

// Func adapts a function to Sandbox.
type Func func(ctx context.Context, req Request) (Result, error)

func (f Func) Execute(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}
