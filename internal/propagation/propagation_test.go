package propagation

import (
	"context"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/glimte/carotte-go/contracts"
)

func TestStack(t *testing.T) {
	t.Run("ids are four alphanumerics", func(t *testing.T) {
		for i := 0; i < 20; i++ {
			assert.Regexp(t, `^[A-Za-z0-9]{4}$`, NewStackID())
		}
	})

	t.Run("missing stack starts with one id", func(t *testing.T) {
		assert.Len(t, NextStack(contracts.Context{}), 1)
	})

	t.Run("siblings diverge and the parent is untouched", func(t *testing.T) {
		parent := contracts.Context{contracts.KeyTransactionStack: []string{"root"}}

		var a, b []string
		for {
			a = Outgoing(parent, "").TransactionStack()
			b = Outgoing(parent, "").TransactionStack()
			if a[1] != b[1] {
				break
			}
		}

		assert.Len(t, a, 2)
		assert.Len(t, b, 2)
		assert.Equal(t, "root", a[0])
		assert.Equal(t, "root", b[0])
		assert.Equal(t, []string{"root"}, parent.TransactionStack())
	})

	t.Run("outgoing tags the origin consumer", func(t *testing.T) {
		parent := contracts.Context{"custom": 1}
		out := Outgoing(parent, "direct/user.get")
		assert.Equal(t, "direct/user.get", out.OriginConsumer())
		assert.Equal(t, 1, out["custom"])
		assert.Empty(t, parent.OriginConsumer())
	})
}

func TestTraceHeaders(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})

	headers := amqp.Table{}
	Inject(trace.ContextWithSpanContext(context.Background(), sc), headers)
	assert.Equal(t, "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01", headers["traceparent"])

	got := trace.SpanContextFromContext(Extract(context.Background(), headers))
	assert.Equal(t, traceID, got.TraceID())
	assert.True(t, got.IsRemote())
}

func TestSpans(t *testing.T) {
	ctx, span := StartPublish(context.Background(), "direct/a", "amq.direct", "a")
	assert.NotNil(t, ctx)
	EndSpan(span, errors.New("boom"))

	_, span = StartConsume(context.Background(), "direct/a", nil)
	EndSpan(span, nil)
}

func TestHeaderCarrier(t *testing.T) {
	c := HeaderCarrier{"a": []byte("x"), "b": int32(3)}
	c.Set("c", "y")
	assert.Equal(t, "x", c.Get("a"))
	assert.Equal(t, "3", c.Get("b"))
	assert.Equal(t, "y", c.Get("c"))
	assert.Empty(t, c.Get("missing"))
	assert.ElementsMatch(t, []string{"a", "b", "c"}, c.Keys())
}
