package carotte

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/carotte-go/contracts"
	"github.com/glimte/carotte-go/interceptors"
	"github.com/glimte/carotte-go/internal/propagation"
	"github.com/glimte/carotte-go/internal/rabbitmq"
	"github.com/glimte/carotte-go/routing"
)

// Handler processes one message. The returned value is sent back to the
// caller of an invoke. An error carrying a status (see contracts.NewError)
// is answered as is; any other error is retried then dead lettered.
type Handler func(ctx context.Context, msg *Message) (any, error)

// QueueInfo describes an established subscription.
type QueueInfo struct {
	Queue       string
	Exchange    string
	RoutingKey  string
	ConsumerTag string
}

type subscription struct {
	qualifier string
	queue     string
	handler   Handler
	options   *subscribeOptions
}

type setupResult struct {
	info     *QueueInfo
	consumer *rabbitmq.ConsumerInfo
	err      error
}

// Subscribe declares and binds the queue of qualifier and starts
// consuming it with h. Setup that does not complete within the subscribe
// timeout fails with ErrSubscribeTimeout.
func (c *Client) Subscribe(ctx context.Context, qualifier string, h Handler, opts ...SubscribeOption) (*QueueInfo, error) {
	if h == nil {
		return nil, ErrNilHandler
	}
	o := newSubscribeOptions(c.cfg, opts)
	if err := o.retry.Validate(); err != nil {
		return nil, err
	}

	if !o.unlisted {
		c.registry.AddSubscriber(qualifier, o.meta)
	}

	results := make(chan setupResult, 1)
	go func() {
		info, consumer, err := c.setupSubscription(ctx, qualifier, h, o)
		results <- setupResult{info: info, consumer: consumer, err: err}
	}()

	var timeout <-chan time.Time
	if o.timeout > 0 {
		timer := time.NewTimer(o.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	var err error
	select {
	case r := <-results:
		if r.err != nil {
			c.forgetSubscriber(qualifier, o)
			return nil, r.err
		}
		c.logger.Info("subscribed", "qualifier", qualifier, "queue", r.info.Queue, "exchange", r.info.Exchange)
		if o.describe {
			c.subscribeDescribe(ctx, qualifier, o.meta)
		}
		return r.info, nil
	case <-timeout:
		err = fmt.Errorf("%w: %s after %s", ErrSubscribeTimeout, qualifier, o.timeout)
	case <-ctx.Done():
		err = ctx.Err()
	}

	// A setup completing late must not leave a consumer behind.
	c.forgetSubscriber(qualifier, o)
	go func() {
		if r := <-results; r.consumer != nil {
			_ = c.consumers.Cancel(r.consumer.ConsumerTag)
		}
	}()
	c.logger.Error("subscription failed", "qualifier", qualifier, "error", err)
	return nil, err
}

func (c *Client) forgetSubscriber(qualifier string, o *subscribeOptions) {
	if !o.unlisted {
		c.registry.RemoveSubscriber(qualifier)
	}
}

func (c *Client) setupSubscription(ctx context.Context, qualifier string, h Handler, o *subscribeOptions) (*QueueInfo, *rabbitmq.ConsumerInfo, error) {
	q := routing.Parse(qualifier)
	exchange := q.ExchangeName(o.exchangeName)

	queueOpts := o.queue
	queueName := q.Queue(c.serviceName)
	if queueName != "" {
		queueName = c.overlay.SubscriberQueue(queueName, &queueOpts)
	}

	ch, err := c.broker.Channel(ctx, qualifier, o.prefetch)
	if err != nil {
		return nil, nil, err
	}

	err = c.broker.AssertExchange(ctx, ch, rabbitmq.ExchangeDeclaration{
		Name:    exchange,
		Type:    string(q.Type),
		Durable: o.exchangeDurable,
	})
	if err != nil {
		return nil, nil, err
	}

	declared, err := rabbitmq.DeclareQueue(ch, rabbitmq.QueueDeclaration{
		Name:       queueName,
		Durable:    queueOpts.Durable,
		AutoDelete: queueOpts.AutoDelete,
		Exclusive:  queueOpts.Exclusive,
	})
	if err != nil {
		return nil, nil, err
	}

	// Direct queues are addressed by name, overlay suffix included.
	key := q.RoutingKey
	if q.Type == routing.Direct || key == "" {
		key = declared.Name
	}

	if exchange != "" {
		if err := rabbitmq.BindQueue(ch, rabbitmq.Binding{Queue: declared.Name, Exchange: exchange, RoutingKey: key}); err != nil {
			return nil, nil, err
		}
		if q.LegacyKey != "" && q.LegacyKey != key {
			if err := rabbitmq.BindQueue(ch, rabbitmq.Binding{Queue: declared.Name, Exchange: exchange, RoutingKey: q.LegacyKey}); err != nil {
				return nil, nil, err
			}
		}
	}

	sub := &subscription{
		qualifier: qualifier,
		queue:     declared.Name,
		handler:   h,
		options:   o,
	}
	consumer, err := c.consumers.Start(ch, rabbitmq.ConsumeSpec{
		Queue:     declared.Name,
		Prefetch:  o.prefetch,
		Exclusive: queueOpts.Exclusive,
	}, c.deliveryHandler(sub))
	if err != nil {
		return nil, nil, err
	}

	return &QueueInfo{
		Queue:       declared.Name,
		Exchange:    exchange,
		RoutingKey:  key,
		ConsumerTag: consumer.ConsumerTag,
	}, consumer, nil
}

// deliveryHandler registers the message as in flight before handing it
// to its own goroutine, so a shutdown never misses it.
func (c *Client) deliveryHandler(sub *subscription) rabbitmq.DeliveryHandler {
	return func(d amqp.Delivery) {
		c.register.Start(sub.qualifier)
		c.metrics.SetInFlight(c.register.Total())
		go c.consume(sub, d)
	}
}

func (c *Client) consume(sub *subscription, d amqp.Delivery) {
	defer func() {
		c.register.Finish(sub.qualifier)
		c.metrics.SetInFlight(c.register.Total())
	}()

	start := time.Now()
	ctx, span := propagation.StartConsume(context.Background(), sub.qualifier, d.Headers)

	env, err := contracts.ParseEnvelope(d.Body)
	if err != nil {
		perr := contracts.NewError(400, "invalid message body: %v", err)
		c.logger.Error("dropping unparsable message", "qualifier", sub.qualifier, "error", err)
		c.replyError(ctx, sub, d, contracts.Context{}, contracts.SerializeError(perr))
		c.ack(sub, d)
		c.metrics.RecordMessage(sub.qualifier, time.Since(start), OutcomeForward)
		propagation.EndSpan(span, perr)
		return
	}

	if origin := headerString(d.Headers, contracts.HeaderOriginConsumer); origin != "" {
		env.Context.SetOriginConsumer(origin)
	}

	msg := &Message{
		Data:        env.Data,
		Headers:     d.Headers,
		Context:     env.Context,
		Qualifier:   sub.qualifier,
		Redelivered: d.Redelivered,
		client:      c,
	}
	if isTrue(d.Headers[contracts.HeaderError]) {
		msg.Err = contracts.DeserializeError(env.Data)
	} else {
		msg.Err = env.Context.CarriedError()
	}

	if d.Redelivered && !isTrue(d.Headers[contracts.HeaderIgnoreRedeliver]) {
		err := fmt.Errorf("%w: %s", ErrRedelivered, sub.qualifier)
		outcome := c.handleFailure(ctx, sub, d, msg, err)
		c.metrics.RecordMessage(sub.qualifier, time.Since(start), outcome)
		propagation.EndSpan(span, err)
		return
	}

	result, err := c.runHandler(ctx, sub, msg)
	duration := time.Since(start)
	if err != nil {
		outcome := c.handleFailure(ctx, sub, d, msg, err)
		c.metrics.RecordMessage(sub.qualifier, duration, outcome)
		propagation.EndSpan(span, err)
		return
	}

	c.registry.LogStats(sub.qualifier, duration, headerString(d.Headers, contracts.HeaderOriginService))
	c.replySuccess(ctx, sub, d, msg, result)
	c.ack(sub, d)

	c.logger.InfoContext(ctx, "message consumed",
		"qualifier", sub.qualifier,
		"duration", duration,
		"transactionId", msg.ContextSnapshot().TransactionID(),
	)
	c.metrics.RecordMessage(sub.qualifier, duration, OutcomeSuccess)
	propagation.EndSpan(span, nil)
}

// runHandler runs the handler inside the plugin chain. A panic becomes an
// ordinary failure.
func (c *Client) runHandler(ctx context.Context, sub *subscription, msg *Message) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &contracts.Error{
				Name:    "PanicError",
				Message: fmt.Sprintf("handler panic: %v", r),
				Stack:   string(debug.Stack()),
			}
		}
	}()

	call := &interceptors.Call{
		Kind:      interceptors.KindReceive,
		Qualifier: sub.qualifier,
		Payload:   msg.Data,
		Headers:   msg.Headers,
		Context:   msg.Context,
	}
	return c.plugins.Execute(ctx, call, func(ctx context.Context, call *interceptors.Call) (any, error) {
		msg.Context = call.Context
		return sub.handler(ctx, msg)
	})
}

// replySuccess answers the caller of an invoke, if any. A failed answer
// is logged; the work is done and the message is still acknowledged.
func (c *Client) replySuccess(ctx context.Context, sub *subscription, d amqp.Delivery, msg *Message, result any) {
	replyTo := headerString(d.Headers, contracts.HeaderReplyTo)
	if replyTo == "" {
		return
	}
	o := newCallOptions([]CallOption{
		WithContext(msg.ContextSnapshot()),
		WithHeaders(amqp.Table{contracts.HeaderCorrelationID: headerString(d.Headers, contracts.HeaderCorrelationID)}),
		withOriginConsumer(sub.qualifier),
	})
	if err := c.publish(ctx, "direct/"+replyTo, result, o); err != nil {
		c.logger.Error("failed to reply", "qualifier", sub.qualifier, "replyTo", replyTo, "error", err)
	}
}

// replyError answers the caller of an invoke with a failure, if any.
func (c *Client) replyError(ctx context.Context, sub *subscription, d amqp.Delivery, msgCtx contracts.Context, failure *contracts.Error) {
	replyTo := headerString(d.Headers, contracts.HeaderReplyTo)
	if replyTo == "" {
		return
	}
	o := newCallOptions([]CallOption{
		WithContext(msgCtx),
		WithHeaders(amqp.Table{
			contracts.HeaderCorrelationID: headerString(d.Headers, contracts.HeaderCorrelationID),
			contracts.HeaderError:         "true",
		}),
		withOriginConsumer(sub.qualifier),
	})
	if err := c.publish(ctx, "direct/"+replyTo, failure, o); err != nil {
		c.logger.Error("failed to reply error", "qualifier", sub.qualifier, "replyTo", replyTo, "error", err)
	}
}

func (c *Client) ack(sub *subscription, d amqp.Delivery) {
	if err := d.Ack(false); err != nil {
		c.logger.Error("failed to ack message", "qualifier", sub.qualifier, "error", err)
	}
}

func (c *Client) nack(sub *subscription, d amqp.Delivery) {
	if err := d.Nack(false, true); err != nil {
		c.logger.Error("failed to nack message", "qualifier", sub.qualifier, "error", err)
	}
}
