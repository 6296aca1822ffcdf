package carotte

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/carotte-go/contracts"
	"github.com/glimte/carotte-go/interceptors"
	"github.com/glimte/carotte-go/internal/propagation"
	"github.com/glimte/carotte-go/internal/rabbitmq"
	"github.com/glimte/carotte-go/internal/reliability"
	"github.com/glimte/carotte-go/routing"
)

// Publish sends payload to qualifier without waiting for any answer.
func (c *Client) Publish(ctx context.Context, qualifier string, payload any, opts ...CallOption) error {
	o := newCallOptions(opts)
	call := &interceptors.Call{
		Kind:      interceptors.KindPublish,
		Qualifier: qualifier,
		Payload:   payload,
		Headers:   o.headers,
		Context:   o.context,
	}
	_, err := c.plugins.Execute(ctx, call, func(ctx context.Context, call *interceptors.Call) (any, error) {
		o.headers = call.Headers
		o.context = call.Context
		return nil, c.publish(ctx, call.Qualifier, call.Payload, o)
	})
	return err
}

// publish is the pipeline shared by every outgoing message: replies,
// retries and dead letters included.
func (c *Client) publish(ctx context.Context, qualifier string, payload any, o *callOptions) error {
	start := time.Now()
	q := routing.Parse(qualifier)
	exchange := q.ExchangeName(o.exchangeName)

	headers := amqp.Table{
		contracts.HeaderVersion:       Version,
		contracts.HeaderOriginService: c.serviceName,
	}
	for k, v := range o.headers {
		headers[k] = v
	}
	deadLetter := c.isDeadLetter(q)
	if !deadLetter {
		headers[contracts.HeaderDestination] = qualifier
	}
	if o.originConsumer != "" {
		headers[contracts.HeaderOriginConsumer] = o.originConsumer
	}

	var outgoing contracts.Context
	if o.serialized {
		outgoing = o.context.Clone()
	} else {
		outgoing = propagation.Outgoing(o.context, o.originConsumer)
	}

	routingKey := q.RoutingKey
	if q.Type == routing.Direct {
		routingKey = c.overlay.Destination(ctx, c.broker, routingKey, outgoing)
	}

	body, err := c.encode(payload, outgoing, o.serialized)
	if err != nil {
		return fmt.Errorf("failed to encode message for %s: %w", qualifier, err)
	}

	ctx, span := propagation.StartPublish(ctx, qualifier, exchange, routingKey)
	propagation.Inject(ctx, headers)

	pub := rabbitmq.Publication{
		Exchange: rabbitmq.ExchangeDeclaration{
			Name:    exchange,
			Type:    string(q.Type),
			Durable: o.durable,
		},
		RoutingKey: routingKey,
		Message: amqp.Publishing{
			Headers:     headers,
			ContentType: "application/json",
			Body:        body,
		},
	}
	if deadLetter {
		pub.Message.DeliveryMode = amqp.Persistent
	}

	err = reliability.Retry(ctx, reliability.Once(c.transient.IsTransient), func() error {
		return c.broker.Publish(ctx, pub)
	})
	propagation.EndSpan(span, err)
	c.metrics.RecordPublish(qualifier, exchange, time.Since(start), err == nil)

	if !o.noLog {
		attrs := []any{
			"destination", qualifier,
			"exchange", exchange,
			"routingKey", routingKey,
			"transactionId", outgoing.TransactionID(),
			"origin-consumer", outgoing.OriginConsumer(),
		}
		if err != nil {
			c.logger.ErrorContext(ctx, "publish failed", append(attrs, "error", err)...)
		} else {
			c.logger.InfoContext(ctx, "message published", attrs...)
		}
	}
	return err
}

// encode builds the message body. Serialized payloads are sent as is.
func (c *Client) encode(payload any, ctx contracts.Context, serialized bool) ([]byte, error) {
	if serialized {
		switch v := payload.(type) {
		case []byte:
			return v, nil
		case json.RawMessage:
			return v, nil
		case string:
			return []byte(v), nil
		default:
			return nil, fmt.Errorf("serialized payload must be bytes, got %T", payload)
		}
	}
	env, err := contracts.NewEnvelope(payload, ctx)
	if err != nil {
		return nil, err
	}
	return env.Marshal()
}
