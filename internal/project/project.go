// Package project loads element declarations from a project directory.
//
// A project is a directory with an optional project.yaml and one YAML file
// per element under its element path (elements/ by default). The element
// name is the file's path relative to the element path, without the
// extension. Source refs recorded by tracking live in project.refs.
package project

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"buildorch/internal/element"
)

const (
	projectFile = "project.yaml"
	refsFile    = "project.refs"
)

type Project struct {
	Name        string
	Dir         string
	ElementPath string
	Specs       []element.Spec
}

type projectDoc struct {
	Name        string `yaml:"name"`
	ElementPath string `yaml:"element-path"`
}

type elementDoc struct {
	Kind        string            `yaml:"kind"`
	Depends     []depDoc          `yaml:"depends"`
	Sources     []map[string]any  `yaml:"sources"`
	Config      map[string]any    `yaml:"config"`
	Environment map[string]string `yaml:"environment"`
	Commands    []string          `yaml:"commands"`
}

// depDoc is either a bare element name or {name, type}.
type depDoc struct {
	Name string
	Type string
}

func (d *depDoc) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind == yaml.ScalarNode {
		d.Name = n.Value
		return nil
	}
	var raw struct {
		Name string `yaml:"name"`
		Type string `yaml:"type"`
	}
	if err := n.Decode(&raw); err != nil {
		return err
	}
	d.Name, d.Type = raw.Name, raw.Type
	return nil
}

type refsDoc struct {
	Elements map[string][]string `yaml:"elements"`
}

// Load reads the project rooted at dir.
func Load(dir string) (*Project, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	p := &Project{Name: filepath.Base(abs), Dir: abs, ElementPath: "elements"}

	var pd projectDoc
	if err := readYAML(filepath.Join(abs, projectFile), &pd); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	if strings.TrimSpace(pd.Name) != "" {
		p.Name = pd.Name
	}
	if strings.TrimSpace(pd.ElementPath) != "" {
		p.ElementPath = filepath.ToSlash(filepath.Clean(pd.ElementPath))
	}

	refs, err := p.readRefs()
	if err != nil {
		return nil, err
	}

	root := filepath.Join(abs, filepath.FromSlash(p.ElementPath))
	err = filepath.WalkDir(root, func(path string, de fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if de.IsDir() || !isElementFile(path) {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		name := elementName(filepath.ToSlash(rel))
		spec, err := loadElement(path, name)
		if err != nil {
			return err
		}
		for i, r := range refs[name] {
			if i < len(spec.Sources) && r != "" {
				spec.Sources[i].Ref = r
			}
		}
		p.Specs = append(p.Specs, spec)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("project: %w", err)
	}
	return p, nil
}

func isElementFile(path string) bool {
	ext := filepath.Ext(path)
	return ext == ".yaml" || ext == ".yml"
}

// elementName drops a .yaml or .yml extension, so dependencies may be
// written either way.
func elementName(s string) string {
	if isElementFile(s) {
		return strings.TrimSuffix(s, filepath.Ext(s))
	}
	return s
}

func readYAML(path string, v any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

func loadElement(path, name string) (element.Spec, error) {
	var doc elementDoc
	if err := readYAML(path, &doc); err != nil {
		return element.Spec{}, err
	}
	spec := element.Spec{
		Name:     name,
		Kind:     doc.Kind,
		Config:   doc.Config,
		Env:      doc.Environment,
		Commands: doc.Commands,
	}
	for _, d := range doc.Depends {
		kind, err := element.ParseDepKind(d.Type)
		if err != nil {
			return element.Spec{}, fmt.Errorf("%s: %w", path, err)
		}
		spec.Dependencies = append(spec.Dependencies, element.Dependency{Name: elementName(d.Name), Kind: kind})
	}
	for i, raw := range doc.Sources {
		src, err := sourceSpec(raw)
		if err != nil {
			return element.Spec{}, fmt.Errorf("%s: source %d: %w", path, i, err)
		}
		spec.Sources = append(spec.Sources, src)
	}
	if err := spec.Validate(); err != nil {
		return element.Spec{}, fmt.Errorf("%s: %w", path, err)
	}
	return spec, nil
}

// sourceSpec splits the kind and ref out of a source mapping; every other
// key is plugin configuration.
func sourceSpec(raw map[string]any) (element.SourceSpec, error) {
	src := element.SourceSpec{Config: map[string]any{}}
	for k, v := range raw {
		switch k {
		case "kind", "ref":
			s, ok := v.(string)
			if !ok {
				return element.SourceSpec{}, fmt.Errorf("%s must be a string", k)
			}
			if k == "kind" {
				src.Kind = s
			} else {
				src.Ref = s
			}
		default:
			src.Config[k] = v
		}
	}
	if src.Kind == "" {
		return element.SourceSpec{}, errors.New("kind is required")
	}
	return src, nil
}

func (p *Project) readRefs() (map[string][]string, error) {
	var doc refsDoc
	err := readYAML(filepath.Join(p.Dir, refsFile), &doc)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string][]string{}, nil
	}
	if err != nil {
		return nil, err
	}
	if doc.Elements == nil {
		doc.Elements = map[string][]string{}
	}
	return doc.Elements, nil
}

// SaveRefs merges tracked refs into project.refs and into the loaded specs.
func (p *Project) SaveRefs(tracked map[string][]string) error {
	if len(tracked) == 0 {
		return nil
	}
	refs, err := p.readRefs()
	if err != nil {
		return err
	}
	for name, rs := range tracked {
		refs[name] = append([]string(nil), rs...)
	}
	for i := range p.Specs {
		rs, ok := tracked[p.Specs[i].Name]
		if !ok {
			continue
		}
		for j := range p.Specs[i].Sources {
			if j < len(rs) {
				p.Specs[i].Sources[j].Ref = rs[j]
			}
		}
	}

	out, err := yaml.Marshal(refsDoc{Elements: refs})
	if err != nil {
		return err
	}
	path := filepath.Join(p.Dir, refsFile)
	tmp, err := os.CreateTemp(p.Dir, ".refs-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(out); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Names lists the element names, sorted.
func (p *Project) Names() []string {
	out := make([]string, 0, len(p.Specs))
	for _, s := range p.Specs {
		out = append(out, s.Name)
	}
	sort.Strings(out)
	return out
}
