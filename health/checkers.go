package health

import (
	"context"
	"fmt"
	"time"
)

// Pinger is implemented by carotte.Client.
type Pinger interface {
	Ping(ctx context.Context) error
}

// InFlightReporter is implemented by carotte.Client.
type InFlightReporter interface {
	InFlight() int
}

// BrokerChecker checks that the broker connection and its default channel
// can be obtained.
type BrokerChecker struct {
	pinger Pinger
}

// NewBrokerChecker creates a broker connectivity checker.
func NewBrokerChecker(pinger Pinger) *BrokerChecker {
	return &BrokerChecker{pinger: pinger}
}

func (c *BrokerChecker) Name() string {
	return "broker"
}

func (c *BrokerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	if err := c.pinger.Ping(ctx); err != nil {
		result.Status = StatusUnhealthy
		result.Message = "broker unreachable"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	result.Status = StatusHealthy
	result.Message = "connection is healthy"
	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// InFlightChecker reports degraded then unhealthy as the number of
// running handlers crosses its thresholds. A zero threshold is ignored.
type InFlightChecker struct {
	reporter InFlightReporter
	warning  int
	critical int
}

// NewInFlightChecker creates an in-flight handler checker.
func NewInFlightChecker(reporter InFlightReporter, warning, critical int) *InFlightChecker {
	return &InFlightChecker{reporter: reporter, warning: warning, critical: critical}
}

func (c *InFlightChecker) Name() string {
	return "in_flight"
}

func (c *InFlightChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	n := c.reporter.InFlight()
	result := CheckResult{
		Name:      c.Name(),
		Status:    StatusHealthy,
		Message:   "handlers are keeping up",
		Timestamp: start,
		Details:   map[string]any{"in_flight": n},
	}

	switch {
	case c.critical > 0 && n >= c.critical:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("too many running handlers: %d", n)
	case c.warning > 0 && n >= c.warning:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("high running handler count: %d", n)
	}

	result.Duration = time.Since(start)
	return result
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc struct {
	name string
	fn   func(ctx context.Context) CheckResult
}

func NewCheckerFunc(name string, fn func(ctx context.Context) CheckResult) *CheckerFunc {
	return &CheckerFunc{name: name, fn: fn}
}

func (c *CheckerFunc) Name() string {
	return c.name
}

func (c *CheckerFunc) Check(ctx context.Context) CheckResult {
	return c.fn(ctx)
}
