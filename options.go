package carotte

import (
	"log/slog"
	"maps"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/carotte-go/config"
	"github.com/glimte/carotte-go/contracts"
	"github.com/glimte/carotte-go/interceptors"
	"github.com/glimte/carotte-go/internal/reliability"
	"github.com/glimte/carotte-go/introspection"
	"github.com/glimte/carotte-go/routing"
)

// Option configures a Client.
type Option func(*clientOptions)

type clientOptions struct {
	logger       *slog.Logger
	dialer       Dialer
	metrics      MetricsCollector
	registry     *introspection.Registry
	plugins      []interceptors.Plugin
	errorHandler func(error)
	hostname     string
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *clientOptions) {
		o.logger = logger
	}
}

// WithDialer replaces the AMQP dialer, mostly for tests.
func WithDialer(dialer Dialer) Option {
	return func(o *clientOptions) {
		o.dialer = dialer
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(collector MetricsCollector) Option {
	return func(o *clientOptions) {
		o.metrics = collector
	}
}

// WithIntrospection shares a subscriber registry with the client.
func WithIntrospection(registry *introspection.Registry) Option {
	return func(o *clientOptions) {
		o.registry = registry
	}
}

// WithPlugins appends plugins. The first plugin wraps all the others.
func WithPlugins(plugins ...interceptors.Plugin) Option {
	return func(o *clientOptions) {
		o.plugins = append(o.plugins, plugins...)
	}
}

// WithErrorHandler is notified when the broker connection drops.
func WithErrorHandler(fn func(error)) Option {
	return func(o *clientOptions) {
		o.errorHandler = fn
	}
}

// WithHostname overrides the host name advertised to the broker and in
// introspection answers.
func WithHostname(hostname string) Option {
	return func(o *clientOptions) {
		o.hostname = hostname
	}
}

// CallOption configures a publish, invoke or parallel call.
type CallOption func(*callOptions)

type callOptions struct {
	headers        amqp.Table
	context        contracts.Context
	exchangeName   string
	timeout        time.Duration
	durable        bool
	serialized     bool
	noLog          bool
	completeAnswer bool
	originConsumer string
	// onReply receives the answer context of an invoke.
	onReply func(contracts.Context)
}

func newCallOptions(opts []CallOption) *callOptions {
	o := &callOptions{durable: true}
	for _, opt := range opts {
		opt(o)
	}
	if o.context == nil {
		o.context = contracts.Context{}
	}
	return o
}

func (o *callOptions) clone() *callOptions {
	cp := *o
	cp.headers = maps.Clone(o.headers)
	if cp.headers == nil {
		cp.headers = amqp.Table{}
	}
	return &cp
}

// WithHeaders adds message headers.
func WithHeaders(headers amqp.Table) CallOption {
	return func(o *callOptions) {
		if o.headers == nil {
			o.headers = amqp.Table{}
		}
		for k, v := range headers {
			o.headers[k] = v
		}
	}
}

// WithContext sets the context carried by the envelope. Replies to an
// invoke are merged back into it.
func WithContext(c contracts.Context) CallOption {
	return func(o *callOptions) {
		o.context = c
	}
}

// WithExchangeName publishes to a named exchange instead of amq.<type>.
func WithExchangeName(name string) CallOption {
	return func(o *callOptions) {
		o.exchangeName = name
	}
}

// WithTimeout bounds the wait for an answer. Zero waits forever.
func WithTimeout(timeout time.Duration) CallOption {
	return func(o *callOptions) {
		o.timeout = timeout
	}
}

// WithDurable sets the durability used when the exchange is asserted.
func WithDurable(durable bool) CallOption {
	return func(o *callOptions) {
		o.durable = durable
	}
}

// WithSerializedPayload publishes the payload bytes as the whole message
// body, without building an envelope.
func WithSerializedPayload() CallOption {
	return func(o *callOptions) {
		o.serialized = true
	}
}

// WithoutLogging suppresses the publish log lines.
func WithoutLogging() CallOption {
	return func(o *callOptions) {
		o.noLog = true
	}
}

// WithCompleteAnswer makes Invoke return the whole reply envelope instead
// of its data.
func WithCompleteAnswer() CallOption {
	return func(o *callOptions) {
		o.completeAnswer = true
	}
}

func withOriginConsumer(qualifier string) CallOption {
	return func(o *callOptions) {
		o.originConsumer = qualifier
	}
}

func withReplyMerge(fn func(contracts.Context)) CallOption {
	return func(o *callOptions) {
		o.onReply = fn
	}
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*subscribeOptions)

type subscribeOptions struct {
	prefetch        int
	queue           routing.QueueOptions
	exchangeName    string
	exchangeDurable bool
	retry           reliability.Policy
	meta            introspection.Meta
	timeout         time.Duration
	describe        bool
	unlisted        bool
}

func newSubscribeOptions(cfg config.Config, opts []SubscribeOption) *subscribeOptions {
	o := &subscribeOptions{
		queue:           routing.QueueOptions{Durable: true},
		exchangeDurable: true,
		retry: reliability.Policy{
			Max:      cfg.Retry.Max,
			Strategy: reliability.Strategy(cfg.Retry.Strategy),
			Interval: cfg.Retry.Interval,
			Jitter:   cfg.Retry.Jitter,
		},
		timeout:  cfg.SubscribeTimeout,
		describe: cfg.AutoDescribe,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithPrefetch bounds the deliveries received while the consumer
// registers. Subscriptions with a prefetch get their own channel.
func WithPrefetch(prefetch int) SubscribeOption {
	return func(o *subscribeOptions) {
		o.prefetch = prefetch
	}
}

// WithQueueOptions sets the declare-time queue properties.
func WithQueueOptions(queue routing.QueueOptions) SubscribeOption {
	return func(o *subscribeOptions) {
		o.queue = queue
	}
}

// WithSubscribeExchange binds to a named exchange instead of amq.<type>.
func WithSubscribeExchange(name string) SubscribeOption {
	return func(o *subscribeOptions) {
		o.exchangeName = name
	}
}

// WithExchangeDurable sets the durability used when the exchange is
// asserted.
func WithExchangeDurable(durable bool) SubscribeOption {
	return func(o *subscribeOptions) {
		o.exchangeDurable = durable
	}
}

// RetryPolicy is the retry budget of a subscription. Interval and Jitter
// travel in headers with millisecond precision.
type RetryPolicy = reliability.Policy

// RetryStrategy selects how the delay between attempts grows.
type RetryStrategy = reliability.Strategy

const (
	RetryDirect      RetryStrategy = reliability.Direct
	RetryExponential RetryStrategy = reliability.Exponential
	RetryFixed       RetryStrategy = reliability.Fixed
)

// WithRetry sets the retry policy of failed messages.
func WithRetry(policy RetryPolicy) SubscribeOption {
	return func(o *subscribeOptions) {
		o.retry = policy
	}
}

// WithMeta describes the subscriber for introspection and describe
// requests.
func WithMeta(meta introspection.Meta) SubscribeOption {
	return func(o *subscribeOptions) {
		o.meta = meta
	}
}

// WithSubscribeTimeout bounds the subscription setup.
func WithSubscribeTimeout(timeout time.Duration) SubscribeOption {
	return func(o *subscribeOptions) {
		o.timeout = timeout
	}
}

// asAgent marks the runtime's own subscriptions: not described and not
// listed in the registry.
func asAgent() SubscribeOption {
	return func(o *subscribeOptions) {
		o.describe = false
		o.unlisted = true
	}
}
