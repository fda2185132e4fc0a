package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"buildorch/internal/artifact"
)

// Host runs commands directly on the host with /bin/sh inside a scratch
// directory populated from the input tree. It provides no isolation.
type Host struct {
	Blobs   artifact.Blobs
	TempDir string
	Shell   string
}

func NewHost(blobs artifact.Blobs, tempDir string) *Host {
	return &Host{Blobs: blobs, TempDir: tempDir, Shell: "/bin/sh"}
}

func (h *Host) Execute(ctx context.Context, req Request) (Result, error) {
	if h.Blobs == nil {
		return Result{}, errors.New("sandbox: host has no blob store")
	}
	if h.TempDir != "" {
		if err := os.MkdirAll(h.TempDir, 0o755); err != nil {
			return Result{}, err
		}
	}
	scratch, err := os.MkdirTemp(h.TempDir, "sandbox-*")
	if err != nil {
		return Result{}, fmt.Errorf("sandbox: scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	root := filepath.Join(scratch, "root")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return Result{}, err
	}
	if !req.Input.IsZero() {
		if err := artifact.Checkout(ctx, h.Blobs, req.Input, root); err != nil {
			return Result{}, fmt.Errorf("sandbox: stage input: %w", err)
		}
	}
	outDir := req.OutputDir
	if outDir == "" {
		outDir = DefaultOutputDir
	}
	install := filepath.Join(root, filepath.FromSlash(outDir))
	if err := os.MkdirAll(install, 0o755); err != nil {
		return Result{}, err
	}
	workDir := filepath.Join(root, filepath.FromSlash(req.WorkDir))
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return Result{}, err
	}
	for _, m := range req.Mounts {
		target := filepath.Join(root, filepath.FromSlash(strings.TrimPrefix(m.Target, "/")))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return Result{}, err
		}
		if err := os.Symlink(m.Source, target); err != nil {
			return Result{}, fmt.Errorf("sandbox: mount %s: %w", m.Target, err)
		}
	}

	env := hostEnv(req.Env, root, install)
	shell := h.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	var buf bytes.Buffer
	exitCode := 0
	for _, command := range req.Commands {
		fmt.Fprintf(&buf, "+ %s\n", command)
		cmd := exec.CommandContext(ctx, shell, "-e", "-c", command)
		cmd.Dir = workDir
		cmd.Env = env
		cmd.Stdout = &buf
		cmd.Stderr = &buf
		err := cmd.Run()
		if err == nil {
			continue
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, ctxErr
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
			fmt.Fprintf(&buf, "command exited with status %d\n", exitCode)
			break
		}
		return Result{}, fmt.Errorf("sandbox: run %q: %w", command, err)
	}

	res := Result{ExitCode: exitCode}
	if res.Log, err = h.Blobs.PutBytes(ctx, buf.Bytes()); err != nil {
		return Result{}, fmt.Errorf("sandbox: store log: %w", err)
	}
	if _, res.Output, err = artifact.IngestDir(ctx, h.Blobs, install); err != nil {
		return Result{}, fmt.Errorf("sandbox: collect output: %w", err)
	}
	if req.KeepBuildTree {
		if _, res.BuildTree, err = artifact.IngestDir(ctx, h.Blobs, root); err != nil {
			return Result{}, fmt.Errorf("sandbox: collect build tree: %w", err)
		}
	}
	if exitCode != 0 {
		log.Printf("sandbox: %s failed with exit code %d", req.Element, exitCode)
	}
	return res, nil
}

func hostEnv(extra map[string]string, root, install string) []string {
	env := map[string]string{
		"PATH":         "/usr/local/bin:/usr/bin:/bin",
		"HOME":         root,
		"SANDBOX_ROOT": root,
		"INSTALL_ROOT": install,
	}
	if p := os.Getenv("PATH"); p != "" {
		env["PATH"] = p
	}
	for k, v := range extra {
		env[k] = v
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

var _ Sandbox = (*Host)(nil)
var _ Sandbox = Func(nil)
