package reliability

import (
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/carotte-go/contracts"
)

// RetryCount returns the number of retries already performed.
func RetryCount(headers amqp.Table) int {
	return headerInt(headers, contracts.HeaderRetryCount)
}

// IncrementRetryHeaders returns a copy of headers prepared for the next
// attempt. Policy headers are only set when absent so the policy of the
// first failure sticks; the count is always incremented.
func IncrementRetryHeaders(headers amqp.Table, p Policy) amqp.Table {
	out := make(amqp.Table, len(headers)+5)
	for k, v := range headers {
		out[k] = v
	}

	setIfAbsent := func(key, value string) {
		if _, ok := out[key]; !ok {
			out[key] = value
		}
	}

	strategy := p.Strategy
	if strategy == "" {
		strategy = Direct
	}
	setIfAbsent(contracts.HeaderRetryMax, strconv.Itoa(p.Max))
	setIfAbsent(contracts.HeaderRetryStrategy, string(strategy))
	setIfAbsent(contracts.HeaderRetryInterval, strconv.FormatInt(p.Interval.Milliseconds(), 10))
	if p.Jitter > 0 {
		setIfAbsent(contracts.HeaderRetryJitter, strconv.FormatInt(p.Jitter.Milliseconds(), 10))
	}

	if _, ok := headers[contracts.HeaderRetryCount]; !ok {
		out[contracts.HeaderRetryCount] = "1"
	} else {
		out[contracts.HeaderRetryCount] = strconv.Itoa(RetryCount(headers) + 1)
	}
	return out
}

// CleanRetryHeaders returns a copy of headers without any x-retry-* key.
func CleanRetryHeaders(headers amqp.Table) amqp.Table {
	out := make(amqp.Table, len(headers))
	for k, v := range headers {
		out[k] = v
	}
	for _, k := range contracts.RetryHeaders {
		delete(out, k)
	}
	return out
}

// ComputeNextCall derives the wait before the next attempt from the retry
// headers of a message.
func ComputeNextCall(headers amqp.Table) time.Duration {
	return NextDelay(
		Strategy(headerString(headers, contracts.HeaderRetryStrategy)),
		headerInt(headers, contracts.HeaderRetryCount),
		time.Duration(headerInt(headers, contracts.HeaderRetryInterval))*time.Millisecond,
		time.Duration(headerInt(headers, contracts.HeaderRetryJitter))*time.Millisecond,
	)
}

// headerString safely extracts a string from headers
func headerString(headers amqp.Table, key string) string {
	if headers == nil {
		return ""
	}
	if val, ok := headers[key].(string); ok {
		return val
	}
	return ""
}

// headerInt accepts every numeric encoding a peer may have used, including
// decimal strings.
func headerInt(headers amqp.Table, key string) int {
	if headers == nil {
		return 0
	}
	switch val := headers[key].(type) {
	case int:
		return val
	case int8:
		return int(val)
	case int16:
		return int(val)
	case int32:
		return int(val)
	case int64:
		return int(val)
	case uint8:
		return int(val)
	case uint16:
		return int(val)
	case uint32:
		return int(val)
	case float32:
		return int(val)
	case float64:
		return int(val)
	case string:
		n, err := strconv.Atoi(val)
		if err != nil {
			return 0
		}
		return n
	}
	return 0
}
