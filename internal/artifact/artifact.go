package artifact

import (
	"encoding/json"
	"fmt"
	"time"

	"buildorch/internal/digest"
)

// Artifact is the recorded result of building an element. It is stored as a
// blob and referenced from the cache index by strict (and weak) key.
type Artifact struct {
	Element   string        `json:"element"`
	StrictKey string        `json:"strict_key"`
	WeakKey   string        `json:"weak_key,omitempty"`
	Success   bool          `json:"success"`
	ExitCode  int           `json:"exit_code"`
	Files     digest.Digest `json:"files"`
	Log       digest.Digest `json:"log,omitempty"`
	BuildTree digest.Digest `json:"build_tree,omitempty"`
	Error     string        `json:"error,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// Children returns the digests the artifact manifest refers to.
func (a Artifact) Children() []digest.Digest {
	out := make([]digest.Digest, 0, 3)
	for _, d := range []digest.Digest{a.Files, a.Log, a.BuildTree} {
		if !d.IsZero() {
			out = append(out, d)
		}
	}
	return out
}

func Encode(a Artifact) ([]byte, digest.Digest, error) {
	if a.StrictKey == "" {
		return nil, digest.Digest{}, fmt.Errorf("artifact: strict key is required")
	}
	raw, err := json.Marshal(a)
	if err != nil {
		return nil, digest.Digest{}, err
	}
	return raw, digest.OfBytes(raw), nil
}

func Decode(raw []byte) (Artifact, error) {
	var a Artifact
	if err := json.Unmarshal(raw, &a); err != nil {
		return Artifact{}, fmt.Errorf("decode artifact: %w", err)
	}
	return a, nil
}
