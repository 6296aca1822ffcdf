package carotte

import "time"

// Outcomes reported to MetricsCollector.RecordMessage.
const (
	OutcomeSuccess    = "success"
	OutcomeForward    = "forward"
	OutcomeRetry      = "retry"
	OutcomeDeadLetter = "dead_letter"
	OutcomeRequeue    = "requeue"
)

// MetricsCollector receives the runtime activity. The metrics package
// provides a Prometheus implementation.
type MetricsCollector interface {
	RecordPublish(qualifier, exchange string, duration time.Duration, success bool)
	RecordInvoke(qualifier string, duration time.Duration, success bool)
	RecordMessage(qualifier string, duration time.Duration, outcome string)
	RecordRetry(qualifier string, attempt int)
	RecordDeadLetter(qualifier string)
	SetInFlight(n int)
}

type noopMetrics struct{}

func (noopMetrics) RecordPublish(string, string, time.Duration, bool) {}
func (noopMetrics) RecordInvoke(string, time.Duration, bool)          {}
func (noopMetrics) RecordMessage(string, time.Duration, string)       {}
func (noopMetrics) RecordRetry(string, int)                           {}
func (noopMetrics) RecordDeadLetter(string)                           {}
func (noopMetrics) SetInFlight(int)                                   {}
