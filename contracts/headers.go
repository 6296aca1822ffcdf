package contracts

// Broker message headers produced and consumed by the runtime.
const (
	HeaderReplyTo         = "x-reply-to"
	HeaderCorrelationID   = "x-correlation-id"
	HeaderRetryCount      = "x-retry-count"
	HeaderRetryMax        = "x-retry-max"
	HeaderRetryStrategy   = "x-retry-strategy"
	HeaderRetryInterval   = "x-retry-interval"
	HeaderRetryJitter     = "x-retry-jitter"
	HeaderDestination     = "x-destination"
	HeaderOriginService   = "x-origin-service"
	HeaderOriginConsumer  = "x-origin-consumer"
	HeaderError           = "x-error"
	HeaderIgnoreRedeliver = "x-ignore-redeliver"
	HeaderVersion         = "x-carotte-version"
)

// RetryHeaders lists every header owned by the retry state machine.
var RetryHeaders = []string{
	HeaderRetryCount,
	HeaderRetryMax,
	HeaderRetryStrategy,
	HeaderRetryInterval,
	HeaderRetryJitter,
}
