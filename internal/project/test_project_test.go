package project

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buildorch/internal/element"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func sampleProject(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "project.yaml"), "name: demo\n")
	writeFile(t, filepath.Join(dir, "elements", "base.yaml"), `
kind: import
sources:
  - kind: local
    path: files/base
`)
	writeFile(t, filepath.Join(dir, "elements", "app", "hello.yaml"), `
kind: manual
depends:
  - base.yaml
  - name: tools
    type: build
sources:
  - kind: local
    path: src
    directory: hello
config:
  install-dir: /out
environment:
  CC: gcc
commands:
  - make
  - make install
`)
	writeFile(t, filepath.Join(dir, "elements", "tools.yml"), "kind: stack\n")
	writeFile(t, filepath.Join(dir, "elements", "README"), "not an element\n")
	return dir
}

func specByName(t *testing.T, p *Project, name string) element.Spec {
	t.Helper()
	for _, s := range p.Specs {
		if s.Name == name {
			return s
		}
	}
	t.Fatalf("element %s not loaded", name)
	return element.Spec{}
}

func TestLoad(t *testing.T) {
	p, err := Load(sampleProject(t))
	require.NoError(t, err)
	assert.Equal(t, "demo", p.Name)
	assert.Equal(t, []string{"app/hello", "base", "tools"}, p.Names())

	hello := specByName(t, p, "app/hello")
	assert.Equal(t, "manual", hello.Kind)
	assert.Equal(t, []element.Dependency{
		{Name: "base", Kind: element.DepAll},
		{Name: "tools", Kind: element.DepBuild},
	}, hello.Dependencies)
	require.Len(t, hello.Sources, 1)
	assert.Equal(t, "local", hello.Sources[0].Kind)
	assert.Equal(t, map[string]any{"path": "src", "directory": "hello"}, hello.Sources[0].Config)
	assert.Empty(t, hello.Sources[0].Ref)
	assert.Equal(t, map[string]any{"install-dir": "/out"}, hello.Config)
	assert.Equal(t, map[string]string{"CC": "gcc"}, hello.Env)
	assert.Equal(t, []string{"make", "make install"}, hello.Commands)
}

func TestSaveRefsIsPickedUpOnReload(t *testing.T) {
	dir := sampleProject(t)
	p, err := Load(dir)
	require.NoError(t, err)

	require.NoError(t, p.SaveRefs(map[string][]string{"app/hello": {"abc/3"}}))
	assert.Equal(t, "abc/3", specByName(t, p, "app/hello").Sources[0].Ref)

	require.NoError(t, p.SaveRefs(map[string][]string{"base": {"def/4"}}))

	again, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "abc/3", specByName(t, again, "app/hello").Sources[0].Ref)
	assert.Equal(t, "def/4", specByName(t, again, "base").Sources[0].Ref)
}

func TestElementPath(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "project.yaml"), "element-path: defs\n")
	writeFile(t, filepath.Join(dir, "defs", "one.yaml"), "kind: stack\n")

	p, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Base(dir), p.Name)
	assert.Equal(t, []string{"one"}, p.Names())
}

func TestLoadRejectsInvalidElements(t *testing.T) {
	cases := map[string]string{
		"no kind":        "depends: [a]\n",
		"bad dep type":   "kind: stack\ndepends:\n  - name: a\n    type: sometimes\n",
		"source no kind": "kind: import\nsources:\n  - path: x\n",
		"ref not string": "kind: import\nsources:\n  - kind: local\n    ref: [1]\n",
		"not yaml":       "kind: [\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			writeFile(t, filepath.Join(dir, "elements", "x.yaml"), body)
			_, err := Load(dir)
			require.Error(t, err)
		})
	}
}

func TestMissingElementDirectory(t *testing.T) {
	_, err := Load(t.TempDir())
	require.Error(t, err)
}
