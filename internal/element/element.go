package element

import (
	"fmt"
	"strings"
)

// DepKind is the set of phases a dependency is required for.
type DepKind uint8

const (
	DepBuild DepKind = 1 << iota
	DepRuntime

	DepAll = DepBuild | DepRuntime
)

func (k DepKind) Has(other DepKind) bool { return k&other != 0 }

func (k DepKind) String() string {
	switch k {
	case DepBuild:
		return "build"
	case DepRuntime:
		return "runtime"
	case DepAll:
		return "all"
	default:
		return fmt.Sprintf("DepKind(%d)", uint8(k))
	}
}

// ParseDepKind accepts "build", "runtime", "all" and the empty string (all).
func ParseDepKind(s string) (DepKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "all":
		return DepAll, nil
	case "build":
		return DepBuild, nil
	case "runtime":
		return DepRuntime, nil
	default:
		return 0, fmt.Errorf("invalid dependency type %q", s)
	}
}

// Dependency is one declared edge of an element.
type Dependency struct {
	Name string
	Kind DepKind
}

// SourceSpec declares one source of an element. Ref is empty until the
// source has been tracked.
type SourceSpec struct {
	Kind   string
	Config map[string]any
	Ref    string
}

// Spec is the declarative description of an element as handed to the graph.
type Spec struct {
	Name         string
	Kind         string
	Dependencies []Dependency
	Sources      []SourceSpec
	Config       map[string]any
	Env          map[string]string
	Commands     []string
}

// BuildDeps returns the names of dependencies needed at build time, in
// declaration order.
func (s Spec) BuildDeps() []string {
	out := make([]string, 0, len(s.Dependencies))
	for _, d := range s.Dependencies {
		if d.Kind.Has(DepBuild) {
			out = append(out, d.Name)
		}
	}
	return out
}

func (s Spec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("element name is required")
	}
	if strings.TrimSpace(s.Kind) == "" {
		return fmt.Errorf("element %s: kind is required", s.Name)
	}
	seen := make(map[string]struct{}, len(s.Dependencies))
	for _, d := range s.Dependencies {
		if strings.TrimSpace(d.Name) == "" {
			return fmt.Errorf("element %s: dependency name is required", s.Name)
		}
		if d.Kind == 0 || d.Kind&^DepAll != 0 {
			return fmt.Errorf("element %s: dependency %s has invalid kind %s", s.Name, d.Name, d.Kind)
		}
		if _, dup := seen[d.Name]; dup {
			return fmt.Errorf("element %s: duplicate dependency %s", s.Name, d.Name)
		}
		seen[d.Name] = struct{}{}
	}
	for i, src := range s.Sources {
		if strings.TrimSpace(src.Kind) == "" {
			return fmt.Errorf("element %s: source %d: kind is required", s.Name, i)
		}
	}
	return nil
}
