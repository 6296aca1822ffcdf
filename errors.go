package carotte

import (
	"errors"

	"github.com/glimte/carotte-go/internal/rabbitmq"
)

var (
	// ErrClosed is returned by every operation once the client shut down.
	ErrClosed = rabbitmq.ErrConnectionClosed
	// ErrTimeout is returned when an invocation gets no answer in time.
	// The remote execution is not cancelled.
	ErrTimeout = errors.New("invocation timed out")
	// ErrSubscribeTimeout is returned when a subscription could not be
	// established in time. The process is expected to restart.
	ErrSubscribeTimeout = errors.New("subscription timed out")
	// ErrRedelivered is the failure recorded for a message the broker
	// delivered again.
	ErrRedelivered = errors.New("message redelivered")
	// ErrShutdownTimeout is returned when in-flight handlers did not finish
	// before the shutdown timeout.
	ErrShutdownTimeout = errors.New("shutdown timed out")
	// ErrNilHandler is returned when subscribing without a handler.
	ErrNilHandler = errors.New("handler cannot be nil")
)
