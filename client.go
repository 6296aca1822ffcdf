// Copyright 2024 Carotte Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package carotte

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/carotte-go/config"
	"github.com/glimte/carotte-go/interceptors"
	"github.com/glimte/carotte-go/internal/inflight"
	"github.com/glimte/carotte-go/internal/rabbitmq"
	"github.com/glimte/carotte-go/introspection"
	"github.com/glimte/carotte-go/routing"
)

// Version is advertised in the x-carotte-version header and the
// connection properties.
const Version = "1.0.0"

// Client is the entry point of the runtime. It is safe for concurrent use.
type Client struct {
	cfg         config.Config
	serviceName string
	logger      *slog.Logger
	broker      *rabbitmq.Manager
	consumers   *rabbitmq.Consumers
	register    *inflight.Register
	overlay     routing.Overlay
	transient   rabbitmq.TransientPolicy
	metrics     MetricsCollector
	registry    *introspection.Registry
	plugins     *interceptors.Chain
	deadLetter  *routing.Qualifier

	mu      sync.Mutex
	pending map[string]*pendingCall
	reply   *replySubscription

	shutdownOnce      sync.Once
	shutdownRemaining []string
	shutdownErr       error
}

// New creates a client. No connection is opened until the first
// operation, unless the introspection agent is enabled.
func New(cfg config.Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	o := &clientOptions{
		logger:  slog.Default(),
		metrics: noopMetrics{},
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.hostname == "" {
		o.hostname = introspection.Hostname()
	}
	if o.registry == nil {
		o.registry = introspection.NewRegistry(cfg.ServiceName, o.hostname)
	}

	c := &Client{
		cfg:         cfg,
		serviceName: cfg.ServiceName,
		logger:      o.logger,
		consumers:   rabbitmq.NewConsumers(o.logger),
		register:    inflight.New(),
		overlay:     routing.Overlay{Token: cfg.DebugToken, Disabled: cfg.IsProduction()},
		transient:   rabbitmq.NewTransientPolicy(cfg.RetryableErrorCodes),
		metrics:     o.metrics,
		registry:    o.registry,
		plugins:     interceptors.NewChain(o.plugins...),
		pending:     make(map[string]*pendingCall),
	}

	managerOpts := []rabbitmq.ManagerOption{
		rabbitmq.WithLogger(o.logger),
		rabbitmq.WithAMQPConfig(connectionConfig(o.hostname)),
		rabbitmq.WithErrorHandler(c.onConnectionError(o.errorHandler)),
	}
	if cfg.DeadLetter.Enabled {
		q := routing.Parse(cfg.DeadLetter.Qualifier)
		c.deadLetter = &q
		managerOpts = append(managerOpts, rabbitmq.WithDeadLetterQueue(q.Queue(cfg.ServiceName)))
	}
	if o.dialer != nil {
		managerOpts = append(managerOpts, rabbitmq.WithDialer(o.dialer))
	}
	c.broker = rabbitmq.NewManager(cfg.BrokerURL(), managerOpts...)

	if cfg.Introspection {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.SubscribeTimeout)
		defer cancel()
		if _, err := c.StartIntrospectionAgent(ctx); err != nil {
			_ = c.broker.Close()
			return nil, fmt.Errorf("failed to start introspection agent: %w", err)
		}
	}

	return c, nil
}

func connectionConfig(hostname string) amqp.Config {
	props := amqp.NewConnectionProperties()
	props["carotte-host-name"] = hostname
	props["carotte-version"] = Version
	props["carotte-host-version"] = runtime.Version()
	return amqp.Config{
		Heartbeat:  10 * time.Second,
		Locale:     "en_US",
		Properties: props,
	}
}

func (c *Client) onConnectionError(sink func(error)) func(error) {
	return func(err error) {
		c.failPending(err)
		if sink != nil {
			sink(err)
		}
	}
}

// Registry returns the subscriber registry fed by this client.
func (c *Client) Registry() *introspection.Registry {
	return c.registry
}

// isDeadLetter reports whether q addresses the dead letter queue.
func (c *Client) isDeadLetter(q routing.Qualifier) bool {
	return c.deadLetter != nil && q.Equivalent(*c.deadLetter)
}

// Ping opens the connection and the default channel if needed.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.broker.DefaultChannel(ctx)
	return err
}

// InFlight returns the number of handlers currently running.
func (c *Client) InFlight() int {
	return c.register.Total()
}
