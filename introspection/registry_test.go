package introspection

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	t.Run("new subscribers start at epoch", func(t *testing.T) {
		r := NewRegistry("users", "host-1")
		r.AddSubscriber("direct/users.get", Meta{"description": "get a user"})

		s, ok := r.Subscriber("direct/users.get")
		require.True(t, ok)
		assert.Equal(t, "direct/users.get", s.Qualifier)
		assert.Equal(t, "get a user", s.Meta["description"])
		assert.Equal(t, epoch, s.FirstReceivedAt)
		assert.Equal(t, 0, s.ReceivedCount)
		assert.Empty(t, s.Callers)
	})

	t.Run("removed subscribers are forgotten", func(t *testing.T) {
		r := NewRegistry("users", "host-1")
		r.AddSubscriber("direct/users.get", nil)
		r.RemoveSubscriber("direct/users.get")
		r.RemoveSubscriber("direct/unknown")

		_, ok := r.Subscriber("direct/users.get")
		assert.False(t, ok)
		assert.Empty(t, r.Snapshot(false).Subscribers)
	})

	t.Run("log stats aggregates durations and callers", func(t *testing.T) {
		r := NewRegistry("users", "host-1")
		first := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		clock := first
		r.now = func() time.Time { return clock }
		r.AddSubscriber("direct/users.get", nil)

		r.LogStats("direct/users.get", 30*time.Millisecond, "direct/a")
		clock = clock.Add(time.Minute)
		r.LogStats("direct/users.get", 10*time.Millisecond, "direct/b")
		r.LogStats("direct/users.get", 20*time.Millisecond, "direct/a")
		r.LogStats("direct/unknown", time.Second, "direct/a")

		s, _ := r.Subscriber("direct/users.get")
		assert.Equal(t, 3, s.ReceivedCount)
		assert.Equal(t, first, s.FirstReceivedAt)
		assert.Equal(t, first.Add(time.Minute), s.LastReceivedAt)
		assert.Equal(t, []string{"direct/a", "direct/b"}, s.Callers)
		assert.InDelta(t, 10, s.Performances.Duration.Min, 0.001)
		assert.InDelta(t, 30, s.Performances.Duration.Max, 0.001)
		assert.InDelta(t, 60, s.Performances.Duration.Sum, 0.001)

		_, ok := r.Subscriber("direct/unknown")
		assert.False(t, ok)
	})

	t.Run("snapshot with reset keeps meta", func(t *testing.T) {
		r := NewRegistry("users", "host-1")
		r.AddSubscriber("direct/users.get", Meta{"version": 2})
		r.LogStats("direct/users.get", time.Millisecond, "direct/a")

		snap := r.Snapshot(true)
		assert.Equal(t, "users", snap.Name)
		assert.Equal(t, "host-1", snap.Hostname)
		assert.Equal(t, 1, snap.Subscribers["direct/users.get"].ReceivedCount)

		after, _ := r.Subscriber("direct/users.get")
		assert.Equal(t, 0, after.ReceivedCount)
		assert.Equal(t, 2, after.Meta["version"])
	})
}

func TestRegistryAnswer(t *testing.T) {
	r := NewRegistry("gateway", "host-1")
	r.AddSubscriber("direct/controller.users", nil)
	r.AddSubscriber("direct/users.get", nil)
	r.LogStats("direct/controller.users", time.Millisecond, "direct/a")

	t.Run("gateway controllers", func(t *testing.T) {
		desc, err := r.Answer(Request{Origin: "gateway", Type: "controller"})
		require.NoError(t, err)
		assert.Len(t, desc.Subscribers, 1)
		assert.Contains(t, desc.Subscribers, "direct/controller.users")
	})

	t.Run("master resets", func(t *testing.T) {
		desc, err := r.Answer(Request{Origin: "master", Type: "all"})
		require.NoError(t, err)
		assert.Len(t, desc.Subscribers, 2)
		assert.Equal(t, 1, desc.Subscribers["direct/controller.users"].ReceivedCount)

		s, _ := r.Subscriber("direct/controller.users")
		assert.Equal(t, 0, s.ReceivedCount)
	})

	t.Run("unknown request", func(t *testing.T) {
		_, err := r.Answer(Request{Origin: "someone", Type: "all"})
		assert.ErrorIs(t, err, ErrUnknownRequest)
	})
}

func TestHostname(t *testing.T) {
	t.Setenv("HOSTNAME", "")
	assert.Equal(t, "local", Hostname())
	t.Setenv("HOSTNAME", "pod-7")
	assert.Equal(t, "pod-7", Hostname())
	assert.Equal(t, "pod-7", NewRegistry("svc", "").hostname)
}
