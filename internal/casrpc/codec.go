package casrpc

import (
	"encoding/json"

	"connectrpc.com/connect"
)

// Codec carries the plain Go message structs as JSON. It registers under
// the "json" name so connect negotiates application/json.
type Codec struct{}

func (Codec) Name() string { return "json" }

func (Codec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (Codec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

var _ connect.Codec = Codec{}

// WithCodec is the option both clients and handlers must carry.
func WithCodec() connect.Option { return connect.WithCodec(Codec{}) }
