package carotte

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/carotte-go/contracts"
	"github.com/glimte/carotte-go/internal/rabbitmq"
	"github.com/glimte/carotte-go/internal/reliability"
)

// handleFailure decides what becomes of a message whose handling failed:
// answered, retried or dead lettered. Every path settles d exactly once.
func (c *Client) handleFailure(ctx context.Context, sub *subscription, d amqp.Delivery, msg *Message, cause error) string {
	if status := contracts.StatusOf(cause); status != 0 {
		c.logger.WarnContext(ctx, "message handling failed",
			"qualifier", sub.qualifier,
			"status", status,
			"decision", "forward",
			"error", cause,
		)
		c.replyError(ctx, sub, d, msg.ContextSnapshot(), contracts.SerializeError(cause))
		c.ack(sub, d)
		return OutcomeForward
	}

	policy := sub.options.retry
	attempt := reliability.RetryCount(d.Headers) + 1
	if policy.Max > 0 && attempt <= policy.Max {
		return c.retry(ctx, sub, d, cause, policy, attempt)
	}
	return c.sendToDeadLetter(ctx, sub, d, msg, cause)
}

// retry republishes the original body to the subscriber queue once the
// backoff elapsed, then acknowledges the original. The republish goes
// through the default exchange so other queues bound to the same key are
// not triggered again.
func (c *Client) retry(ctx context.Context, sub *subscription, d amqp.Delivery, cause error, policy reliability.Policy, attempt int) string {
	headers := reliability.IncrementRetryHeaders(d.Headers, policy)
	delay := reliability.ComputeNextCall(headers)

	c.logger.ErrorContext(ctx, "message handling failed",
		"qualifier", sub.qualifier,
		"decision", "retry",
		"attempt", attempt,
		"max", policy.Max,
		"delay", delay,
		"error", cause,
	)
	c.metrics.RecordRetry(sub.qualifier, attempt)

	if delay > 0 {
		timer := time.NewTimer(delay)
		<-timer.C
	}

	pub := rabbitmq.Publication{
		Exchange:   rabbitmq.ExchangeDeclaration{Name: ""},
		RoutingKey: sub.queue,
		Message: amqp.Publishing{
			Headers:      headers,
			ContentType:  d.ContentType,
			DeliveryMode: d.DeliveryMode,
			Body:         d.Body,
		},
	}
	err := reliability.Retry(ctx, reliability.Once(c.transient.IsTransient), func() error {
		return c.broker.Publish(ctx, pub)
	})
	if err != nil {
		c.logger.Error("failed to schedule retry, returning message to the broker",
			"qualifier", sub.qualifier,
			"error", err,
		)
		c.nack(sub, d)
		return OutcomeRequeue
	}

	c.ack(sub, d)
	return OutcomeRetry
}

// sendToDeadLetter stores the original content with the terminal failure in
// the dead letter queue, answers the caller and acknowledges the original.
func (c *Client) sendToDeadLetter(ctx context.Context, sub *subscription, d amqp.Delivery, msg *Message, cause error) string {
	failure := contracts.SerializeError(cause)
	if failure.Status == 0 {
		failure.Status = 500
	}

	c.logger.ErrorContext(ctx, "message handling failed",
		"qualifier", sub.qualifier,
		"decision", "deadLetter",
		"attempts", reliability.RetryCount(d.Headers)+1,
		"error", cause,
	)

	if c.deadLetter != nil {
		if err := c.publishDeadLetter(ctx, d, failure); err != nil {
			c.logger.Error("failed to dead letter message, returning it to the broker",
				"qualifier", sub.qualifier,
				"error", err,
			)
			c.nack(sub, d)
			return OutcomeRequeue
		}
		c.metrics.RecordDeadLetter(sub.qualifier)
	}

	c.replyError(ctx, sub, d, msg.ContextSnapshot(), failure)
	c.ack(sub, d)
	return OutcomeDeadLetter
}

func (c *Client) publishDeadLetter(ctx context.Context, d amqp.Delivery, failure *contracts.Error) error {
	env, err := contracts.ParseEnvelope(d.Body)
	if err != nil {
		return err
	}
	env.Context[contracts.KeyError] = failure
	body, err := env.Marshal()
	if err != nil {
		return err
	}

	headers := reliability.CleanRetryHeaders(d.Headers)
	headers[contracts.HeaderIgnoreRedeliver] = "true"

	o := newCallOptions([]CallOption{WithHeaders(headers), WithSerializedPayload()})
	return c.publish(ctx, c.cfg.DeadLetter.Qualifier, body, o)
}
