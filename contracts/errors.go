package contracts

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/glimte/carotte-go/internal/codec"
)

// StatusCoder is implemented by errors that carry a client-visible status.
// Such failures are answered directly and never retried.
type StatusCoder interface {
	StatusCode() int
}

// Error is the serialized form of a handler failure. Custom fields survive
// the trip in Metadata and are flattened next to the canonical ones on the
// wire.
type Error struct {
	Message  string
	Stack    string
	Status   int
	Name     string
	Metadata map[string]any
}

// NewError builds a status-carrying failure.
func NewError(status int, format string, args ...any) *Error {
	return &Error{Name: "Error", Message: fmt.Sprintf(format, args...), Status: status}
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) StatusCode() int {
	return e.Status
}

// With sets a custom field and returns e.
func (e *Error) With(key string, value any) *Error {
	if e.Metadata == nil {
		e.Metadata = map[string]any{}
	}
	e.Metadata[key] = value
	return e
}

func (e *Error) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Metadata)+4)
	for k, v := range e.Metadata {
		out[k] = v
	}
	out["message"] = e.Message
	if e.Stack != "" {
		out["stack"] = e.Stack
	}
	if e.Status != 0 {
		out["status"] = e.Status
	}
	if e.Name != "" {
		out["name"] = e.Name
	}
	return codec.Marshal(out)
}

func (e *Error) UnmarshalJSON(data []byte) error {
	var fields map[string]any
	if err := codec.Unmarshal(data, &fields); err != nil {
		return err
	}
	*e = Error{}
	for k, v := range fields {
		switch k {
		case "message":
			e.Message = fmt.Sprint(v)
		case "stack":
			e.Stack, _ = v.(string)
		case "name":
			e.Name, _ = v.(string)
		case "status":
			if n, ok := v.(float64); ok {
				e.Status = int(n)
			}
		default:
			if e.Metadata == nil {
				e.Metadata = map[string]any{}
			}
			e.Metadata[k] = v
		}
	}
	return nil
}

// SerializeError captures err in its wire form. The status of any
// StatusCoder in the chain is preserved.
func SerializeError(err error) *Error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		cp := *ce
		if cp.Metadata != nil {
			cp.Metadata = make(map[string]any, len(ce.Metadata))
			for k, v := range ce.Metadata {
				cp.Metadata[k] = v
			}
		}
		return &cp
	}
	out := &Error{Name: "Error", Message: err.Error()}
	var sc StatusCoder
	if errors.As(err, &sc) {
		out.Status = sc.StatusCode()
	}
	return out
}

// DeserializeError rebuilds an error from its wire form. A JSON string is
// unwrapped once and parsed again; anything that is not an object becomes
// a plain message.
func DeserializeError(raw []byte) *Error {
	var e Error
	if err := codec.Unmarshal(raw, &e); err == nil {
		return &e
	}
	var s string
	if err := codec.Unmarshal(raw, &s); err == nil {
		if err := codec.Unmarshal([]byte(s), &e); err == nil {
			return &e
		}
		return &Error{Message: s}
	}
	return &Error{Message: string(raw)}
}

// StatusOf returns the status carried by err, or 0.
func StatusOf(err error) int {
	var sc StatusCoder
	if errors.As(err, &sc) {
		return sc.StatusCode()
	}
	return 0
}

var _ json.Marshaler = (*Error)(nil)
