package plugin

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buildorch/internal/artifact"
	"buildorch/internal/digest"
	"buildorch/internal/element"
	"buildorch/internal/graph"
	"buildorch/internal/safeio"
	"buildorch/internal/sandbox"
)

type fakeCache struct {
	mu   sync.Mutex
	data map[digest.Digest][]byte
	gets int
}

func newFakeCache() *fakeCache { return &fakeCache{data: map[digest.Digest][]byte{}} }

func (c *fakeCache) Get(_ context.Context, d digest.Digest) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	b, ok := c.data[d]
	if !ok {
		return nil, errors.New("not found")
	}
	return b, nil
}

func (c *fakeCache) PutBytes(_ context.Context, data []byte, _ ...digest.Digest) (digest.Digest, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := digest.OfBytes(data)
	c.data[d] = append([]byte(nil), data...)
	return d, nil
}

func (c *fakeCache) HasLocal(_ context.Context, d digest.Digest) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.data[d]
	return ok, nil
}

func writeProject(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "src", "main.c"), []byte("int main(){}"), 0o644))
	return dir
}

func TestLocalTrackFetch(t *testing.T) {
	ctx := context.Background()
	project := writeProject(t)
	cache := newFakeCache()
	sc := SourceContext{ProjectDir: project, Cache: cache}
	src := element.SourceSpec{Kind: "local", Config: map[string]any{"path": "src", "directory": "app"}}

	reg := Builtin()
	sp, err := reg.Source("local")
	require.NoError(t, err)
	require.NoError(t, sp.Configure(src))

	_, err = sp.UniqueKey(src)
	assert.True(t, errors.Is(err, ErrNoRef))

	ref, err := sp.Track(ctx, sc, src)
	require.NoError(t, err)
	src.Ref = ref

	cached, err := sp.IsCached(ctx, sc, src)
	require.NoError(t, err)
	assert.False(t, cached)

	d, err := sp.Fetch(ctx, sc, src)
	require.NoError(t, err)
	assert.Equal(t, ref, d.String())

	cached, err = sp.IsCached(ctx, sc, src)
	require.NoError(t, err)
	assert.True(t, cached)

	tree, err := artifact.LoadTree(ctx, cache, d)
	require.NoError(t, err)
	require.Len(t, tree.Entries, 1)
	assert.Equal(t, "app/main.c", tree.Entries[0].Path)

	require.NoError(t, os.WriteFile(filepath.Join(project, "src", "main.c"), []byte("changed"), 0o644))
	d2, err := sp.Fetch(ctx, sc, src)
	require.NoError(t, err, "cached sources are not re-read")
	assert.Equal(t, d, d2)

	_, err = sp.Fetch(ctx, SourceContext{ProjectDir: project, Cache: newFakeCache()}, src)
	assert.ErrorContains(t, err, "changed since it was tracked")
}

func TestLocalStaysInsideProject(t *testing.T) {
	ctx := context.Background()
	project := writeProject(t)
	sc := SourceContext{ProjectDir: filepath.Join(project, "src"), Cache: newFakeCache()}
	src := element.SourceSpec{Kind: "local", Config: map[string]any{"path": "../"}}

	sp, err := Builtin().Source("local")
	require.NoError(t, err)
	require.NoError(t, sp.Configure(src))
	_, err = sp.Track(ctx, sc, src)
	assert.ErrorIs(t, err, safeio.ErrOutsideRoot)
}

func TestCASSourceFetchesChildren(t *testing.T) {
	ctx := context.Background()
	cache := newFakeCache()
	file, err := cache.PutBytes(ctx, []byte("payload"))
	require.NoError(t, err)
	treeDigest, err := artifact.StoreTree(ctx, cache, artifact.Tree{Entries: []artifact.Entry{{Path: "f", Digest: file}}})
	require.NoError(t, err)

	src := element.SourceSpec{Kind: "cas", Ref: treeDigest.String()}
	reg := Builtin()
	sp, err := reg.Source("cas")
	require.NoError(t, err)
	require.NoError(t, sp.Configure(src))

	sc := SourceContext{Cache: cache}
	ok, err := sp.IsCached(ctx, sc, src)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := sp.Fetch(ctx, sc, src)
	require.NoError(t, err)
	assert.Equal(t, treeDigest, got)

	ref, err := sp.Track(ctx, sc, src)
	require.NoError(t, err)
	assert.Equal(t, src.Ref, ref)

	assert.Error(t, sp.Configure(element.SourceSpec{Kind: "cas", Ref: "nonsense"}))
}

func TestConfigureRejectsBadSpecs(t *testing.T) {
	reg := Builtin()
	assert.True(t, errors.Is(reg.Configure(element.Spec{Name: "x", Kind: "nope"}), ErrUnknownKind))
	assert.Error(t, reg.Configure(element.Spec{Name: "x", Kind: "stack", Commands: []string{"make"}}))
	assert.Error(t, reg.Configure(element.Spec{Name: "x", Kind: "import", Commands: []string{"make"}}))
	assert.Error(t, reg.Configure(element.Spec{Name: "x", Kind: "manual", Config: map[string]any{"bogus": 1}}))
	assert.Error(t, reg.Configure(element.Spec{Name: "x", Kind: "manual", Sources: []element.SourceSpec{{Kind: "local"}}}))
	assert.NoError(t, reg.Configure(element.Spec{
		Name:     "x",
		Kind:     "manual",
		Config:   map[string]any{"workdir": "build"},
		Commands: []string{"make"},
		Sources:  []element.SourceSpec{{Kind: "local", Config: map[string]any{"path": "src"}}},
	}))
}

func TestRegistryIsKeyer(t *testing.T) {
	reg := Builtin()
	mk := func(workdir string) graph.Keys {
		g, err := graph.Load([]element.Spec{{
			Name:    "app",
			Kind:    "manual",
			Config:  map[string]any{"workdir": workdir},
			Sources: []element.SourceSpec{{Kind: "local", Config: map[string]any{"path": "src"}, Ref: "r"}},
		}}, graph.WithKeyer(reg))
		require.NoError(t, err)
		k, err := g.ComputeKeys("app")
		require.NoError(t, err)
		return k
	}
	assert.Equal(t, mk("a"), mk("a"))
	assert.NotEqual(t, mk("a"), mk("b"))
}

func TestImportAndStackAssemble(t *testing.T) {
	ctx := context.Background()
	cache := newFakeCache()
	file, err := cache.PutBytes(ctx, []byte("data"))
	require.NoError(t, err)
	sources := artifact.Tree{Entries: []artifact.Entry{
		{Path: "pkg/usr/lib/libx.so", Digest: file, Mode: artifact.ModeFile},
		{Path: "pkg/README", Digest: file, Mode: artifact.ModeFile},
		{Path: "other/ignored", Digest: file, Mode: artifact.ModeFile},
	}}
	spec := element.Spec{Name: "imp", Kind: "import", Config: map[string]any{"source": "pkg/usr", "target": "opt"}}
	res, err := Import{}.Assemble(ctx, BuildContext{Spec: spec, Sources: sources, Blobs: cache})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	out, err := artifact.LoadTree(ctx, cache, res.Output)
	require.NoError(t, err)
	require.Len(t, out.Entries, 1)
	assert.Equal(t, "opt/lib/libx.so", out.Entries[0].Path)

	res, err = Stack{}.Assemble(ctx, BuildContext{Spec: element.Spec{Name: "s", Kind: "stack"}, Blobs: cache})
	require.NoError(t, err)
	out, err = artifact.LoadTree(ctx, cache, res.Output)
	require.NoError(t, err)
	assert.Empty(t, out.Entries)
}

func TestManualDelegatesToSandbox(t *testing.T) {
	var got sandbox.Request
	sb := sandbox.Func(func(_ context.Context, req sandbox.Request) (sandbox.Result, error) {
		got = req
		return sandbox.Result{ExitCode: 1}, nil
	})
	spec := element.Spec{Name: "m", Kind: "manual", Commands: []string{"make"}, Config: map[string]any{"workdir": "w"}}
	res, err := Manual{}.Assemble(context.Background(), BuildContext{Spec: spec, Sandbox: sb})
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExitCode)
	assert.Equal(t, []string{"make"}, got.Commands)
	assert.Equal(t, "w", got.WorkDir)
}
