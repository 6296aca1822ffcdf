package introspection

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"
)

var epoch = time.Unix(0, 0).UTC()

// ErrUnknownRequest is returned for an origin/type pair no responder handles.
var ErrUnknownRequest = errors.New("unknown introspection request")

// Meta is the free form description attached to a subscriber: request and
// response schemas, version, description.
type Meta map[string]any

// DurationStats aggregates handler durations in milliseconds.
type DurationStats struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
	Sum float64 `json:"sum"`
}

// Performances groups the measured statistics of a subscriber.
type Performances struct {
	Duration DurationStats `json:"duration"`
}

// Subscriber is the description and statistics of one subscription.
type Subscriber struct {
	Qualifier       string       `json:"qualifier"`
	Meta            Meta         `json:"meta,omitempty"`
	Performances    Performances `json:"performances"`
	Callers         []string     `json:"callers"`
	FirstReceivedAt time.Time    `json:"firstReceivedAt"`
	LastReceivedAt  time.Time    `json:"lastReceivedAt"`
	ReceivedCount   int          `json:"receivedCount"`
}

func newSubscriber(qualifier string, meta Meta) *Subscriber {
	return &Subscriber{
		Qualifier:       qualifier,
		Meta:            meta,
		Callers:         []string{},
		FirstReceivedAt: epoch,
		LastReceivedAt:  epoch,
	}
}

func (s *Subscriber) clone() Subscriber {
	out := *s
	out.Callers = slices.Clone(s.Callers)
	return out
}

// Description is the answer to an introspection request.
type Description struct {
	Name        string                `json:"name"`
	Hostname    string                `json:"hostname"`
	Subscribers map[string]Subscriber `json:"subscribers"`
}

// Request asks a service to describe itself.
type Request struct {
	Origin string `json:"origin"`
	Type   string `json:"type"`
}

// Registry is safe for concurrent use.
type Registry struct {
	name     string
	hostname string
	now      func() time.Time

	mu          sync.Mutex
	subscribers map[string]*Subscriber
}

// NewRegistry creates an empty registry for the named service.
func NewRegistry(serviceName, hostname string) *Registry {
	if hostname == "" {
		hostname = Hostname()
	}
	return &Registry{
		name:        serviceName,
		hostname:    hostname,
		now:         time.Now,
		subscribers: make(map[string]*Subscriber),
	}
}

// Hostname returns $HOSTNAME, or "local".
func Hostname() string {
	if h := os.Getenv("HOSTNAME"); h != "" {
		return h
	}
	return "local"
}

// AddSubscriber registers qualifier with fresh statistics. Registering an
// existing qualifier resets it.
func (r *Registry) AddSubscriber(qualifier string, meta Meta) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribers[qualifier] = newSubscriber(qualifier, meta)
}

// RemoveSubscriber forgets qualifier.
func (r *Registry) RemoveSubscriber(qualifier string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subscribers, qualifier)
}

// Subscriber returns a copy of the entry for qualifier.
func (r *Registry) Subscriber(qualifier string) (Subscriber, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.subscribers[qualifier]
	if !ok {
		return Subscriber{}, false
	}
	return s.clone(), true
}

// LogStats records one handled message. Unknown qualifiers are ignored.
func (r *Registry) LogStats(qualifier string, duration time.Duration, caller string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.subscribers[qualifier]
	if !ok {
		return
	}

	now := r.now()
	if s.ReceivedCount == 0 {
		s.FirstReceivedAt = now
	}
	s.LastReceivedAt = now
	s.ReceivedCount++

	if !slices.Contains(s.Callers, caller) {
		s.Callers = append(s.Callers, caller)
	}

	ms := float64(duration) / float64(time.Millisecond)
	d := &s.Performances.Duration
	if d.Min == 0 || d.Min > ms {
		d.Min = ms
	}
	if d.Max < ms {
		d.Max = ms
	}
	d.Sum += ms
}

// Snapshot describes every subscriber. With reset, statistics start over
// once captured.
func (r *Registry) Snapshot(reset bool) Description {
	return r.snapshot(func(string) bool { return true }, reset)
}

func (r *Registry) snapshot(keep func(string) bool, reset bool) Description {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := Description{
		Name:        r.name,
		Hostname:    r.hostname,
		Subscribers: make(map[string]Subscriber, len(r.subscribers)),
	}
	for q, s := range r.subscribers {
		if !keep(q) {
			continue
		}
		out.Subscribers[q] = s.clone()
		if reset {
			r.subscribers[q] = newSubscriber(q, s.Meta)
		}
	}
	return out
}

// Answer responds to req. Requests from "master" reset the statistics.
func (r *Registry) Answer(req Request) (Description, error) {
	switch {
	case req.Origin == "master" && req.Type == "all":
		return r.Snapshot(true), nil
	case req.Origin == "gateway" && req.Type == "controller":
		return r.snapshot(func(q string) bool { return strings.Contains(q, "controller.") }, false), nil
	}
	return Description{}, fmt.Errorf("%w: %s/%s", ErrUnknownRequest, req.Origin, req.Type)
}
