package routing

import (
	"context"
	"strings"

	"github.com/glimte/carotte-go/contracts"
)

// QueueOptions are the declare-time properties of a subscriber queue.
type QueueOptions struct {
	Durable    bool
	AutoDelete bool
	Exclusive  bool
}

// QueueProber checks for the existence of a queue without disturbing the
// channels used for real traffic.
type QueueProber interface {
	QueueExists(ctx context.Context, token, queue string) bool
}

// Overlay suffixes destinations with a developer token. A disabled overlay
// leaves every name untouched.
type Overlay struct {
	Token    string
	Disabled bool
}

// token picks the call context token over the process one.
func (o Overlay) token(callToken string) string {
	if o.Disabled {
		return ""
	}
	if callToken != "" {
		return callToken
	}
	return o.Token
}

// Active reports whether names are currently overlaid.
func (o Overlay) Active(callToken string) bool {
	return o.token(callToken) != ""
}

// Name returns queue with the active token appended.
func (o Overlay) Name(queue, callToken string) string {
	token := o.token(callToken)
	if token == "" {
		return queue
	}
	return queue + ":" + token
}

// SubscriberQueue overlays a subscriber queue name. Overlaid queues are
// made disposable since the real queue's durability can't be redeclared.
func (o Overlay) SubscriberQueue(queue string, opts *QueueOptions) string {
	token := o.token("")
	if token == "" {
		return queue
	}
	if opts != nil {
		opts.Durable = false
		opts.AutoDelete = true
	}
	return queue + ":" + token
}

// Strip removes the active token suffix from name.
func (o Overlay) Strip(name string) string {
	token := o.token("")
	if token == "" {
		return name
	}
	return strings.TrimSuffix(name, ":"+token)
}

// Destination resolves where a publish to queue should land. When the
// overlaid queue exists it is used and the token is recorded in c so the
// next hops stay on the overlay. Broker named reply queues are never probed.
func (o Overlay) Destination(ctx context.Context, prober QueueProber, queue string, c contracts.Context) string {
	token := o.token(c.DebugToken())
	if token == "" || prober == nil || strings.HasPrefix(queue, "amq.gen") {
		return queue
	}
	dest := queue + ":" + token
	if !prober.QueueExists(ctx, token, dest) {
		return queue
	}
	c.SetDebugToken(token)
	return dest
}
