package rabbitmq

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publication is one message ready for the broker.
type Publication struct {
	Exchange   ExchangeDeclaration
	RoutingKey string
	Message    amqp.Publishing
}

// Publish sends pub on the default channel, asserting its exchange first.
func (m *Manager) Publish(ctx context.Context, pub Publication) error {
	ch, err := m.DefaultChannel(ctx)
	if err != nil {
		return err
	}

	if err := m.AssertExchange(ctx, ch, pub.Exchange); err != nil {
		return err
	}

	if pub.Message.ContentType == "" {
		pub.Message.ContentType = "application/json"
	}
	if pub.Message.Timestamp.IsZero() {
		pub.Message.Timestamp = time.Now()
	}

	err = ch.PublishWithContext(ctx, pub.Exchange.Name, pub.RoutingKey, false, false, pub.Message)
	if err != nil {
		return &PublishError{
			Exchange:   pub.Exchange.Name,
			RoutingKey: pub.RoutingKey,
			Err:        err,
			Timestamp:  time.Now(),
		}
	}
	return nil
}
