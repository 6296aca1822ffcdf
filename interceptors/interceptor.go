package interceptors

import (
	"context"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/carotte-go/contracts"
)

// Kind names the operation a plugin hook wraps.
type Kind string

const (
	KindPublish Kind = "publish"
	KindInvoke  Kind = "invoke"
	KindReceive Kind = "receive"
)

// Call describes the operation flowing through the plugin chain. Hooks may
// modify it before calling next.
type Call struct {
	Kind      Kind
	Qualifier string
	// Payload is the outgoing payload for publish and invoke, the received
	// data for receive.
	Payload any
	Headers amqp.Table
	Context contracts.Context
}

// Next continues the chain.
type Next func(ctx context.Context, call *Call) (any, error)

// Hook wraps one operation. It must call next at most once.
type Hook func(ctx context.Context, call *Call, next Next) (any, error)

// Plugin is a named set of optional hooks.
type Plugin struct {
	Name      string
	OnPublish Hook
	OnInvoke  Hook
	OnReceive Hook
}

func (p Plugin) hook(kind Kind) Hook {
	switch kind {
	case KindPublish:
		return p.OnPublish
	case KindInvoke:
		return p.OnInvoke
	case KindReceive:
		return p.OnReceive
	}
	return nil
}

// Chain runs plugins around operations. The first plugin added is the
// outermost one.
type Chain struct {
	plugins []Plugin
}

// NewChain creates a chain from plugins, in order.
func NewChain(plugins ...Plugin) *Chain {
	return &Chain{plugins: append([]Plugin(nil), plugins...)}
}

// Add appends a plugin. Chains are not safe for Add while running.
func (c *Chain) Add(p Plugin) *Chain {
	c.plugins = append(c.plugins, p)
	return c
}

// Len returns the number of plugins.
func (c *Chain) Len() int {
	if c == nil {
		return 0
	}
	return len(c.plugins)
}

// Execute runs final wrapped by every hook registered for call.Kind.
func (c *Chain) Execute(ctx context.Context, call *Call, final Next) (any, error) {
	if c == nil || len(c.plugins) == 0 {
		return final(ctx, call)
	}

	// Build the chain in reverse order
	next := final
	for i := len(c.plugins) - 1; i >= 0; i-- {
		hook := c.plugins[i].hook(call.Kind)
		if hook == nil {
			continue
		}
		inner := next
		next = func(ctx context.Context, call *Call) (any, error) {
			return hook(ctx, call, inner)
		}
	}
	return next(ctx, call)
}

// LoggingPlugin logs every operation with its duration.
func LoggingPlugin(logger *slog.Logger) Plugin {
	if logger == nil {
		logger = slog.Default()
	}

	hook := func(ctx context.Context, call *Call, next Next) (any, error) {
		start := time.Now()
		result, err := next(ctx, call)
		duration := time.Since(start)

		attrs := []any{
			"kind", call.Kind,
			"qualifier", call.Qualifier,
			"duration", duration,
		}
		if id := call.Context.TransactionID(); id != "" {
			attrs = append(attrs, "transactionId", id)
		}
		if err != nil {
			logger.ErrorContext(ctx, "operation failed", append(attrs, "error", err)...)
		} else {
			logger.DebugContext(ctx, "operation completed", attrs...)
		}
		return result, err
	}

	return Plugin{
		Name:      "logging",
		OnPublish: hook,
		OnInvoke:  hook,
		OnReceive: hook,
	}
}
