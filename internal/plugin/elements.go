package plugin

import (
	"context"
	"errors"
	"fmt"

	"buildorch/internal/artifact"
	"buildorch/internal/element"
	"buildorch/internal/sandbox"
)

// Manual runs the element's commands in the sandbox. Options: workdir,
// install-dir.
type Manual struct{}

func (Manual) Configure(spec element.Spec) error {
	if err := checkOptions(spec.Config, "workdir", "install-dir"); err != nil {
		return err
	}
	for _, key := range []string{"workdir", "install-dir"} {
		if _, err := configString(spec.Config, key); err != nil {
			return err
		}
	}
	return nil
}

func (Manual) UniqueKey(spec element.Spec) (any, error) {
	workdir, _ := configString(spec.Config, "workdir")
	installDir, _ := configString(spec.Config, "install-dir")
	return map[string]any{"workdir": workdir, "install-dir": installDir}, nil
}

func (Manual) Assemble(ctx context.Context, bc BuildContext) (sandbox.Result, error) {
	if bc.Sandbox == nil {
		return sandbox.Result{}, errors.New("manual: no sandbox configured")
	}
	workdir, _ := configString(bc.Spec.Config, "workdir")
	installDir, _ := configString(bc.Spec.Config, "install-dir")
	return bc.Sandbox.Execute(ctx, sandbox.Request{
		Element:       bc.Spec.Name,
		Commands:      bc.Spec.Commands,
		Input:         bc.Input,
		Env:           bc.Spec.Env,
		WorkDir:       workdir,
		OutputDir:     installDir,
		KeepBuildTree: bc.KeepBuildTree,
	})
}

// Import publishes its sources as its output without running anything.
// Options: source (subdirectory to take), target (where to place it).
type Import struct{}

func (Import) Configure(spec element.Spec) error {
	if len(spec.Commands) > 0 {
		return errors.New("import elements take no commands")
	}
	if err := checkOptions(spec.Config, "source", "target"); err != nil {
		return err
	}
	for _, key := range []string{"source", "target"} {
		if _, err := configString(spec.Config, key); err != nil {
			return err
		}
	}
	return nil
}

func (Import) UniqueKey(spec element.Spec) (any, error) {
	source, _ := configString(spec.Config, "source")
	target, _ := configString(spec.Config, "target")
	return map[string]any{"source": source, "target": target}, nil
}

func (Import) Assemble(ctx context.Context, bc BuildContext) (sandbox.Result, error) {
	source, _ := configString(bc.Spec.Config, "source")
	target, _ := configString(bc.Spec.Config, "target")
	out := artifact.Prefix(artifact.Subtree(bc.Sources, source), target)
	d, err := artifact.StoreTree(ctx, bc.Blobs, out)
	if err != nil {
		return sandbox.Result{}, err
	}
	logDigest, err := bc.Blobs.PutBytes(ctx, []byte(fmt.Sprintf("imported %d files\n", len(out.Entries))))
	if err != nil {
		return sandbox.Result{}, err
	}
	return sandbox.Result{Output: d, Log: logDigest}, nil
}

// Stack has no output of its own; it only groups dependencies.
type Stack struct{}

func (Stack) Configure(spec element.Spec) error {
	if len(spec.Commands) > 0 || len(spec.Sources) > 0 {
		return errors.New("stack elements take no sources or commands")
	}
	return checkOptions(spec.Config)
}

func (Stack) UniqueKey(element.Spec) (any, error) { return map[string]any{}, nil }

func (Stack) Assemble(ctx context.Context, bc BuildContext) (sandbox.Result, error) {
	d, err := artifact.StoreTree(ctx, bc.Blobs, artifact.Tree{})
	if err != nil {
		return sandbox.Result{}, err
	}
	return sandbox.Result{Output: d}, nil
}
