package carotte

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/glimte/carotte-go/internal/inflight"
)

// Shutdown stops every consumer, waits for the running handlers and closes
// the connection. The wait is bounded by timeout, zero meaning unbounded.
// The qualifiers awaited are returned. When the wait times out only those
// still running are returned, along with ErrShutdownTimeout; the
// connection is closed either way.
//
// Concurrent and repeated calls share the outcome of the first one.
func (c *Client) Shutdown(timeout time.Duration) ([]string, error) {
	c.shutdownOnce.Do(func() {
		c.shutdownRemaining, c.shutdownErr = c.shutdown(timeout)
	})
	return slices.Clone(c.shutdownRemaining), c.shutdownErr
}

func (c *Client) shutdown(timeout time.Duration) ([]string, error) {
	c.logger.Info("shutting down", "inFlight", c.register.Total(), "timeout", timeout)

	for _, err := range c.consumers.CancelAll() {
		c.logger.Warn("consumer cancel failed during shutdown", "error", err)
	}

	remaining, waitErr := c.register.Wait(timeout)
	if waitErr != nil {
		var timeoutErr *inflight.WaitTimeoutError
		if errors.As(waitErr, &timeoutErr) {
			remaining = timeoutErr.Remaining
		}
		c.logger.Warn("in-flight messages still running", "qualifiers", remaining)
		waitErr = fmt.Errorf("%w: %w", ErrShutdownTimeout, waitErr)
	}

	closeErr := c.broker.Close()
	c.failPending(ErrClosed)

	c.logger.Info("shutdown complete")
	return remaining, errors.Join(waitErr, closeErr)
}
