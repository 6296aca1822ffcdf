package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "carotte"

var durationBuckets = []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}

// Collector records publishes, invocations, consumed messages, retries and
// dead letters.
type Collector struct {
	mu         sync.Mutex
	registerer prometheus.Registerer
	registered bool

	publishTotal     *prometheus.CounterVec
	publishDuration  *prometheus.HistogramVec
	invokeTotal      *prometheus.CounterVec
	invokeDuration   *prometheus.HistogramVec
	consumeTotal     *prometheus.CounterVec
	consumeDuration  *prometheus.HistogramVec
	retryTotal       *prometheus.CounterVec
	deadLetterTotal  *prometheus.CounterVec
	inFlightMessages prometheus.Gauge
}

func newCounterVec(subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newHistogramVec(subsystem, name, help string, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
			Buckets:   durationBuckets,
		},
		labels,
	)
}

// NewCollector creates the collectors. Nothing is registered until
// Register is called. A nil registerer means the default one.
func NewCollector(registerer prometheus.Registerer) *Collector {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Collector{
		registerer:      registerer,
		publishTotal:    newCounterVec("publish", "total", "Messages published, by qualifier and result", []string{"qualifier", "exchange", "result"}),
		publishDuration: newHistogramVec("publish", "duration_seconds", "Time spent publishing a message", []string{"qualifier"}),
		invokeTotal:     newCounterVec("invoke", "total", "RPC invocations, by qualifier and result", []string{"qualifier", "result"}),
		invokeDuration:  newHistogramVec("invoke", "duration_seconds", "Time until an RPC invocation resolved", []string{"qualifier"}),
		consumeTotal:    newCounterVec("consume", "total", "Messages consumed, by qualifier and outcome", []string{"qualifier", "outcome"}),
		consumeDuration: newHistogramVec("consume", "duration_seconds", "Handler execution time", []string{"qualifier"}),
		retryTotal:      newCounterVec("retry", "total", "Messages scheduled for another attempt", []string{"qualifier", "attempt"}),
		deadLetterTotal: newCounterVec("dead_letter", "total", "Messages moved to the dead letter queue", []string{"qualifier"}),
		inFlightMessages: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "in_flight_messages",
			Help:      "Handler executions currently running",
		}),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (c *Collector) Register() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.registered {
		return nil
	}

	for _, col := range c.collectors() {
		if err := c.registerer.Register(col); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	c.registered = true
	return nil
}

func (c *Collector) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.publishTotal,
		c.publishDuration,
		c.invokeTotal,
		c.invokeDuration,
		c.consumeTotal,
		c.consumeDuration,
		c.retryTotal,
		c.deadLetterTotal,
		c.inFlightMessages,
	}
}

func result(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

func (c *Collector) RecordPublish(qualifier, exchange string, duration time.Duration, success bool) {
	c.publishTotal.WithLabelValues(qualifier, exchange, result(success)).Inc()
	c.publishDuration.WithLabelValues(qualifier).Observe(duration.Seconds())
}

func (c *Collector) RecordInvoke(qualifier string, duration time.Duration, success bool) {
	c.invokeTotal.WithLabelValues(qualifier, result(success)).Inc()
	c.invokeDuration.WithLabelValues(qualifier).Observe(duration.Seconds())
}

// RecordMessage records one handled delivery. Outcome is the runtime
// decision: success, forward, retry or dead_letter.
func (c *Collector) RecordMessage(qualifier string, duration time.Duration, outcome string) {
	c.consumeTotal.WithLabelValues(qualifier, outcome).Inc()
	c.consumeDuration.WithLabelValues(qualifier).Observe(duration.Seconds())
}

func (c *Collector) RecordRetry(qualifier string, attempt int) {
	c.retryTotal.WithLabelValues(qualifier, strconv.Itoa(attempt)).Inc()
}

func (c *Collector) RecordDeadLetter(qualifier string) {
	c.deadLetterTotal.WithLabelValues(qualifier).Inc()
}

func (c *Collector) SetInFlight(n int) {
	c.inFlightMessages.Set(float64(n))
}

// Reset clears every series.
func (c *Collector) Reset() {
	c.publishTotal.Reset()
	c.publishDuration.Reset()
	c.invokeTotal.Reset()
	c.invokeDuration.Reset()
	c.consumeTotal.Reset()
	c.consumeDuration.Reset()
	c.retryTotal.Reset()
	c.deadLetterTotal.Reset()
	c.inFlightMessages.Set(0)
}
