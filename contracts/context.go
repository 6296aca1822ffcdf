package contracts

import (
	"fmt"

	"github.com/glimte/carotte-go/internal/codec"
)

// Recognized context keys.
const (
	KeyTransactionID    = "transactionId"
	KeyTransactionStack = "transactionStack"
	KeyOriginConsumer   = "origin-consumer"
	KeyDebugToken       = "debugToken"
	KeyError            = "error"
)

// Context is the metadata bag carried end to end with every envelope.
// It is mutable inside one handler invocation and copied, never shared,
// when handed to a downstream call.
type Context map[string]any

// Clone returns a copy that can be mutated without affecting c. The
// transaction stack is copied as well since it is extended per hop.
func (c Context) Clone() Context {
	out := make(Context, len(c)+2)
	for k, v := range c {
		out[k] = v
	}
	if stack := c.TransactionStack(); stack != nil {
		out[KeyTransactionStack] = append([]string(nil), stack...)
	}
	return out
}

// TransactionStack returns the hop identifiers, oldest first. Values decoded
// from JSON arrive as []any and are normalized here.
func (c Context) TransactionStack() []string {
	switch v := c[KeyTransactionStack].(type) {
	case []string:
		return v
	case []any:
		stack := make([]string, 0, len(v))
		for _, id := range v {
			stack = append(stack, fmt.Sprint(id))
		}
		return stack
	default:
		return nil
	}
}

func (c Context) SetTransactionStack(stack []string) {
	c[KeyTransactionStack] = stack
}

func (c Context) TransactionID() string {
	return c.str(KeyTransactionID)
}

func (c Context) OriginConsumer() string {
	return c.str(KeyOriginConsumer)
}

func (c Context) SetOriginConsumer(qualifier string) {
	c[KeyOriginConsumer] = qualifier
}

func (c Context) DebugToken() string {
	return c.str(KeyDebugToken)
}

func (c Context) SetDebugToken(token string) {
	c[KeyDebugToken] = token
}

// CarriedError returns the error forwarded from a failure path, if any.
func (c Context) CarriedError() *Error {
	v, ok := c[KeyError]
	if !ok || v == nil {
		return nil
	}
	switch e := v.(type) {
	case *Error:
		return e
	case Error:
		return &e
	default:
		raw, err := codec.Marshal(e)
		if err != nil {
			return &Error{Message: fmt.Sprint(e)}
		}
		return DeserializeError(raw)
	}
}

// MergeReply copies the keys of a reply context into c, keeping c's own
// transaction identity. A callee's stack never leaks back to its caller.
func (c Context) MergeReply(reply Context) {
	stack, hasStack := c[KeyTransactionStack]
	id, hasID := c[KeyTransactionID]
	for k, v := range reply {
		c[k] = v
	}
	if hasStack {
		c[KeyTransactionStack] = stack
	} else {
		delete(c, KeyTransactionStack)
	}
	if hasID {
		c[KeyTransactionID] = id
	} else {
		delete(c, KeyTransactionID)
	}
}

func (c Context) str(key string) string {
	s, _ := c[key].(string)
	return s
}
