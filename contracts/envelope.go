package contracts

import (
	"encoding/json"

	"github.com/glimte/carotte-go/internal/codec"
)

// Envelope is the body of every carotte message. Headers never travel in
// it; they are broker message properties.
type Envelope struct {
	Data    json.RawMessage `json:"data,omitempty"`
	Context Context         `json:"context"`
}

// NewEnvelope encodes data and pairs it with ctx.
func NewEnvelope(data any, ctx Context) (*Envelope, error) {
	raw, err := EncodeData(data)
	if err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = Context{}
	}
	return &Envelope{Data: raw, Context: ctx}, nil
}

// EncodeData turns a payload into its JSON form. Raw messages and byte
// slices holding valid JSON are kept as is.
func EncodeData(data any) (json.RawMessage, error) {
	switch v := data.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	case []byte:
		if codec.Valid(v) {
			return json.RawMessage(v), nil
		}
	}
	raw, err := codec.Marshal(data)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// Marshal serializes the envelope for publishing.
func (e *Envelope) Marshal() ([]byte, error) {
	if e.Context == nil {
		e.Context = Context{}
	}
	return codec.Marshal(e)
}

// Decode unmarshals the data part into v.
func (e *Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	return codec.Unmarshal(e.Data, v)
}

// ParseEnvelope decodes a message body. A missing context is replaced with
// an empty one so callers can always write to it.
func ParseEnvelope(body []byte) (*Envelope, error) {
	var env Envelope
	if err := codec.Unmarshal(body, &env); err != nil {
		return nil, err
	}
	if env.Context == nil {
		env.Context = Context{}
	}
	return &env, nil
}
