package carotte

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/carotte-go/contracts"
	"github.com/glimte/carotte-go/internal/codec"
)

// Message is a received message as seen by a handler. Calls made through
// it carry the handler context and record the subscriber as origin.
//
// Invocations made through the message merge their answer context into
// Context. While such calls run on other goroutines, read it with
// ContextSnapshot.
type Message struct {
	Data        json.RawMessage
	Headers     amqp.Table
	Context     contracts.Context
	Qualifier   string
	Redelivered bool
	// Err is the failure carried by the message: the data of an error
	// answer, or the context error of a dead letter.
	Err *contracts.Error

	client *Client
	mu     sync.Mutex
}

// Decode unmarshals the message data into v.
func (m *Message) Decode(v any) error {
	if len(m.Data) == 0 {
		return nil
	}
	return codec.Unmarshal(m.Data, v)
}

// Header returns a header value as a string.
func (m *Message) Header(key string) string {
	return headerString(m.Headers, key)
}

// ContextSnapshot returns a copy of the message context.
func (m *Message) ContextSnapshot() contracts.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Context.Clone()
}

func (m *Message) mergeReply(reply contracts.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Context.MergeReply(reply)
}

// callOptions gives every call its own copy of the context, so sibling
// calls may run concurrently.
func (m *Message) callOptions(opts []CallOption) []CallOption {
	return append([]CallOption{
		WithContext(m.ContextSnapshot()),
		withOriginConsumer(m.Qualifier),
		withReplyMerge(m.mergeReply),
	}, opts...)
}

// Publish publishes on behalf of the handler.
func (m *Message) Publish(ctx context.Context, qualifier string, payload any, opts ...CallOption) error {
	return m.client.Publish(ctx, qualifier, payload, m.callOptions(opts)...)
}

// Invoke invokes on behalf of the handler. The answer context is merged
// into the message context, transaction stack aside.
func (m *Message) Invoke(ctx context.Context, qualifier string, payload any, opts ...CallOption) (json.RawMessage, error) {
	return m.client.Invoke(ctx, qualifier, payload, m.callOptions(opts)...)
}

// InvokeWithFullResponse invokes on behalf of the handler and returns the
// whole answer envelope.
func (m *Message) InvokeWithFullResponse(ctx context.Context, qualifier string, payload any, opts ...CallOption) (*contracts.Envelope, error) {
	return m.client.InvokeWithFullResponse(ctx, qualifier, payload, m.callOptions(opts)...)
}

// Parallel starts a parallel call on behalf of the handler.
func (m *Message) Parallel(ctx context.Context, qualifier string, payload any, cb ParallelCallback, opts ...CallOption) (string, error) {
	return m.client.Parallel(ctx, qualifier, payload, cb, m.callOptions(opts)...)
}

// headerString reads a header that may have travelled as a string, bytes
// or a number.
func headerString(headers amqp.Table, key string) string {
	switch v := headers[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return fmt.Sprint(v)
	}
}

// isTrue accepts the boolean and the "true" string encodings.
func isTrue(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		return strings.EqualFold(b, "true")
	case []byte:
		return strings.EqualFold(string(b), "true")
	}
	return false
}
