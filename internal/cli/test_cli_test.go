package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

// newProject has base (import of files/) and all (a stack over base).
func newProject(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "project.yaml"), "name: sample\n")
	writeFile(t, filepath.Join(dir, "files", "hello.txt"), "hello\n")
	writeFile(t, filepath.Join(dir, "elements", "base.yaml"), `
kind: import
sources:
  - kind: local
    path: files
`)
	writeFile(t, filepath.Join(dir, "elements", "all.yaml"), `
kind: stack
depends:
  - base
`)
	t.Setenv("BUILDORCH_CONFIG", "")
	t.Setenv("BUILDORCH_CACHE_DIR", t.TempDir())
	t.Setenv("BUILDORCH_REMOTE_URL", "")
	return dir
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

type response struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
	Error  *CLIError       `json:"error"`
}

func decodeResponse(t *testing.T, out string, data any) response {
	t.Helper()
	var resp response
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	if data != nil && len(resp.Data) > 0 {
		require.NoError(t, json.Unmarshal(resp.Data, data))
	}
	return resp
}

func TestInvalidFormat(t *testing.T) {
	dir := newProject(t)
	_, err := run(t, "-C", dir, "--format", "yaml", "show")
	require.Error(t, err)
	assert.Equal(t, CodeUsage, ExitCode(err))
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, CodeOK, ExitCode(nil))
	assert.Equal(t, CodeRun, ExitCode(errors.New("plain")))
	assert.Equal(t, CodeUsage, ExitCode(usageError("bad flag", nil)))
	assert.Equal(t, CodeUsage, ExitCode(fmt.Errorf("command: %w", usageError("bad flag", nil))))

	failed := runFailure("run failed", errors.New("boom"))
	assert.Equal(t, CodeRun, ExitCode(failed))
	assert.Equal(t, "run failed: boom", failed.Error())
	assert.ErrorContains(t, errors.Unwrap(failed), "boom")
}

func TestBuildWithoutTrackingFails(t *testing.T) {
	dir := newProject(t)
	out, err := run(t, "-C", dir, "--format", "json", "build")
	require.Error(t, err)
	assert.Equal(t, CodeUsage, ExitCode(err))

	resp := decodeResponse(t, out, nil)
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
}

func TestShowTrackBuild(t *testing.T) {
	dir := newProject(t)

	var before []elementJSON
	out, err := run(t, "-C", dir, "--format", "json", "show")
	require.NoError(t, err)
	decodeResponse(t, out, &before)
	require.Len(t, before, 2)
	assert.Equal(t, "base", before[0].Name)
	assert.Equal(t, "no reference", before[0].Status)

	out, err = run(t, "-C", dir, "--format", "json", "build", "--track", "all")
	require.NoError(t, err)
	var rep reportJSON
	resp := decodeResponse(t, out, &rep)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "build", rep.Mode)
	assert.Equal(t, []string{"base", "all"}, rep.Built)
	assert.FileExists(t, filepath.Join(dir, "project.refs"))

	var after []elementJSON
	out, err = run(t, "-C", dir, "--format", "json", "show", "--deps", "none", "all")
	require.NoError(t, err)
	decodeResponse(t, out, &after)
	require.Len(t, after, 1)
	assert.Equal(t, "cached", after[0].Status)
	assert.NotEmpty(t, after[0].StrictKey)

	out, err = run(t, "-C", dir, "show", "--keys")
	require.NoError(t, err)
	assert.Contains(t, out, "base")
	assert.Contains(t, out, after[0].StrictKey[:12])

	out, err = run(t, "-C", dir, "build", "all")
	require.NoError(t, err)
	assert.Contains(t, out, "cached:")
}

func TestArtifactCheckoutAndLog(t *testing.T) {
	dir := newProject(t)
	_, err := run(t, "-C", dir, "build", "--track", "base")
	require.NoError(t, err)

	dest := t.TempDir()
	_, err = run(t, "-C", dir, "artifact", "checkout", "base", dest)
	require.NoError(t, err)
	got, err := os.ReadFile(filepath.Join(dest, "hello.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(got))

	out, err := run(t, "-C", dir, "artifact", "log", "base")
	require.NoError(t, err)
	assert.Equal(t, "imported 1 files\n", out)

	_, err = run(t, "-C", dir, "artifact", "log")
	require.Error(t, err)
}

func TestCheckoutBeforeBuild(t *testing.T) {
	dir := newProject(t)
	_, err := run(t, "-C", dir, "track")
	require.NoError(t, err)
	_, err = run(t, "-C", dir, "artifact", "checkout", "base", t.TempDir())
	require.Error(t, err)
	assert.Equal(t, CodeRun, ExitCode(err))
}

func TestPushNeedsRemote(t *testing.T) {
	dir := newProject(t)
	_, err := run(t, "-C", dir, "push")
	require.Error(t, err)
	assert.Equal(t, CodeUsage, ExitCode(err))
}

func TestCacheStatusAndGC(t *testing.T) {
	dir := newProject(t)
	_, err := run(t, "-C", dir, "build", "--track")
	require.NoError(t, err)

	var u usageJSON
	out, err := run(t, "-C", dir, "--format", "json", "cache", "status")
	require.NoError(t, err)
	decodeResponse(t, out, &u)
	assert.Positive(t, u.Blobs)
	assert.Positive(t, u.Bytes)
	assert.GreaterOrEqual(t, u.Refs, int64(2))
	assert.False(t, u.Remote)

	out, err = run(t, "-C", dir, "cache", "gc", "--prune")
	require.NoError(t, err)
	assert.Contains(t, out, "freed")
}

func TestInvalidRunFlag(t *testing.T) {
	dir := newProject(t)
	_, err := run(t, "-C", dir, "build", "--on-error", "explode")
	require.Error(t, err)
	assert.Equal(t, CodeUsage, ExitCode(err))
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "unlimited", formatBytes(-1))
	assert.Equal(t, "512B", formatBytes(512))
	assert.Equal(t, "2.0K", formatBytes(2048))
	assert.Equal(t, "1.5M", formatBytes(3<<19))
}
