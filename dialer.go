package carotte

import (
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/carotte-go/internal/rabbitmq"
)

// Channel is the subset of *amqp.Channel the client uses.
type Channel = rabbitmq.Channel

// Connection is the subset of *amqp.Connection the client uses.
type Connection = rabbitmq.Connection

// Dialer opens a broker connection. See WithDialer.
type Dialer = rabbitmq.Dialer

// DialAMQP is the default Dialer, backed by amqp091-go.
func DialAMQP(url string, config amqp.Config) (Connection, error) {
	return rabbitmq.DialAMQP(url, config)
}
