package rabbitmq

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DeliveryHandler receives every delivery of a consumer, in order, on the
// consumer goroutine. It must not block for long.
type DeliveryHandler func(amqp.Delivery)

// ConsumeSpec describes a consumer to start.
type ConsumeSpec struct {
	Queue     string
	Prefetch  int
	Exclusive bool
	// Internal consumers survive CancelAll.
	Internal bool
}

// ConsumerInfo tracks active consumer information
type ConsumerInfo struct {
	Queue       string
	ConsumerTag string
	Internal    bool
	Channel     Channel
	Done        chan struct{}
}

// Consumers is the registry of running consumers.
type Consumers struct {
	logger *slog.Logger

	mu     sync.Mutex
	active map[string]*ConsumerInfo
}

// NewConsumers creates an empty registry.
func NewConsumers(logger *slog.Logger) *Consumers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumers{
		logger: logger,
		active: make(map[string]*ConsumerInfo),
	}
}

// Start registers a consumer on ch. The prefetch bounds the deliveries
// flowing in while the consumer registers and is reset to unbounded right
// after.
func (c *Consumers) Start(ch Channel, spec ConsumeSpec, handler DeliveryHandler) (*ConsumerInfo, error) {
	tag := "carotte-" + uuid.New().String()

	if err := ch.Qos(spec.Prefetch, 0, false); err != nil {
		return nil, &ConsumerError{
			Queue:       spec.Queue,
			ConsumerTag: tag,
			Op:          "qos",
			Err:         err,
			Timestamp:   time.Now(),
		}
	}

	deliveries, err := ch.Consume(spec.Queue, tag, false, spec.Exclusive, false, false, nil)
	if err != nil {
		return nil, &ConsumerError{
			Queue:       spec.Queue,
			ConsumerTag: tag,
			Op:          "consume",
			Err:         err,
			Timestamp:   time.Now(),
		}
	}

	if err := ch.Qos(0, 0, false); err != nil {
		c.logger.Warn("failed to reset prefetch", "queue", spec.Queue, "error", err)
	}

	info := &ConsumerInfo{
		Queue:       spec.Queue,
		ConsumerTag: tag,
		Internal:    spec.Internal,
		Channel:     ch,
		Done:        make(chan struct{}),
	}

	c.mu.Lock()
	c.active[tag] = info
	c.mu.Unlock()

	go c.process(info, deliveries, handler)

	c.logger.Debug("subscribed to queue",
		"queue", spec.Queue,
		"consumerTag", tag,
		"prefetchCount", spec.Prefetch,
	)
	return info, nil
}

func (c *Consumers) process(info *ConsumerInfo, deliveries <-chan amqp.Delivery, handler DeliveryHandler) {
	defer func() {
		c.mu.Lock()
		delete(c.active, info.ConsumerTag)
		c.mu.Unlock()
		close(info.Done)
		c.logger.Debug("consumer stopped", "queue", info.Queue, "consumerTag", info.ConsumerTag)
	}()

	for delivery := range deliveries {
		handler(delivery)
	}
}

// Cancel stops the deliveries of one consumer. Messages already handed to
// the handler are unaffected.
func (c *Consumers) Cancel(tag string) error {
	c.mu.Lock()
	info, ok := c.active[tag]
	c.mu.Unlock()
	if !ok {
		return ErrConsumerNotFound
	}

	if err := info.Channel.Cancel(tag, false); err != nil {
		return &ConsumerError{
			Queue:       info.Queue,
			ConsumerTag: tag,
			Op:          "cancel",
			Err:         err,
			Timestamp:   time.Now(),
		}
	}
	return nil
}

// CancelAll cancels every consumer not flagged internal and returns the
// failures.
func (c *Consumers) CancelAll() []error {
	c.mu.Lock()
	tags := make([]string, 0, len(c.active))
	for tag, info := range c.active {
		if !info.Internal {
			tags = append(tags, tag)
		}
	}
	c.mu.Unlock()

	var errs []error
	for _, tag := range tags {
		if err := c.Cancel(tag); err != nil {
			c.logger.Error("failed to cancel consumer", "consumerTag", tag, "error", err)
			errs = append(errs, err)
		}
	}
	return errs
}

// Active returns the queues currently consumed.
func (c *Consumers) Active() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	queues := make([]string, 0, len(c.active))
	for _, info := range c.active {
		queues = append(queues, info.Queue)
	}
	return queues
}
