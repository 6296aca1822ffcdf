package routing

import (
	"strings"
)

// ExchangeType is one of the broker exchange kinds a qualifier may name.
type ExchangeType string

const (
	Direct  ExchangeType = "direct"
	Topic   ExchangeType = "topic"
	Fanout  ExchangeType = "fanout"
	Headers ExchangeType = "headers"
)

// Known reports whether t maps to a predeclared amq.<type> exchange.
func (t ExchangeType) Known() bool {
	switch t {
	case Direct, Topic, Fanout, Headers:
		return true
	}
	return false
}

// Qualifier is a parsed routing address. It is immutable once parsed.
type Qualifier struct {
	Type       ExchangeType
	RoutingKey string
	QueueName  string
	// LegacyKey is the reduced key an extended topic qualifier is also
	// bound under. Empty for every other form.
	LegacyKey string
}

// Parse reads a qualifier string. It never fails: missing segments are
// empty and a missing type is direct.
func Parse(qualifier string) Qualifier {
	segs := strings.Split(qualifier, "/")

	if len(segs) == 1 && segs[0] != string(Fanout) {
		return Qualifier{Type: Direct, RoutingKey: segs[0]}
	}

	q := Qualifier{Type: ExchangeType(segs[0])}
	if q.Type == "" {
		q.Type = Direct
	}

	switch {
	case q.Type == Fanout && len(segs) == 2:
		q.QueueName = segs[1]
	case len(segs) > 3:
		last := len(segs) - 1
		q.RoutingKey = strings.Join(segs[1:last], ".")
		q.QueueName = segs[last]
		q.LegacyKey = segs[1]
	default:
		if len(segs) > 1 {
			q.RoutingKey = segs[1]
		}
		if len(segs) > 2 {
			q.QueueName = segs[2]
		}
	}
	return q
}

// ExchangeName resolves the exchange to use. An explicit override wins.
// Unknown types fall back to the default exchange "".
func (q Qualifier) ExchangeName(override string) string {
	if override != "" {
		return override
	}
	if q.Type.Known() {
		return "amq." + string(q.Type)
	}
	return ""
}

// Queue resolves the queue name consumed by a subscriber of q.
func (q Qualifier) Queue(serviceName string) string {
	if q.Type == Direct {
		return q.RoutingKey
	}
	if serviceName != "" && q.QueueName != "" {
		return serviceName + ":" + q.QueueName
	}
	return ""
}

// Equivalent reports whether both qualifiers route identically.
func (q Qualifier) Equivalent(o Qualifier) bool {
	return q.Type == o.Type && q.RoutingKey == o.RoutingKey && q.QueueName == o.QueueName
}

// String renders q back into its canonical slash form.
func (q Qualifier) String() string {
	if q.QueueName != "" {
		return string(q.Type) + "/" + q.RoutingKey + "/" + q.QueueName
	}
	return string(q.Type) + "/" + q.RoutingKey
}
