package routing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/glimte/carotte-go/contracts"
)

type fakeProber struct {
	existing map[string]bool
	probed   []string
}

func (p *fakeProber) QueueExists(_ context.Context, _ string, queue string) bool {
	p.probed = append(p.probed, queue)
	return p.existing[queue]
}

func TestParse(t *testing.T) {
	tests := []struct {
		name      string
		qualifier string
		want      Qualifier
	}{
		{"bare key is direct", "user.get", Qualifier{Type: Direct, RoutingKey: "user.get"}},
		{"empty is direct", "", Qualifier{Type: Direct}},
		{"explicit direct", "direct/user.get", Qualifier{Type: Direct, RoutingKey: "user.get"}},
		{"topic with queue", "topic/user.created/mailer", Qualifier{Type: Topic, RoutingKey: "user.created", QueueName: "mailer"}},
		{"fanout with two segments names the queue", "fanout/cache-reset", Qualifier{Type: Fanout, QueueName: "cache-reset"}},
		{"bare fanout", "fanout", Qualifier{Type: Fanout}},
		{"fanout with three segments", "fanout/key/q", Qualifier{Type: Fanout, RoutingKey: "key", QueueName: "q"}},
		{"missing type defaults to direct", "/key", Qualifier{Type: Direct, RoutingKey: "key"}},
		{"extended topic form", "topic/user/created/mailer", Qualifier{Type: Topic, RoutingKey: "user.created", QueueName: "mailer", LegacyKey: "user"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Parse(tt.qualifier))
		})
	}
}

func TestParseWithoutTypeSegment(t *testing.T) {
	for _, q := range []string{"a", "a.b.c", "with-dash", "x:y"} {
		got := Parse(q)
		assert.Equal(t, Direct, got.Type, q)
		assert.Equal(t, q, got.RoutingKey, q)
	}
}

func TestExchangeName(t *testing.T) {
	t.Run("override wins", func(t *testing.T) {
		assert.Equal(t, "custom", Parse("topic/a/b").ExchangeName("custom"))
	})
	t.Run("known types map to amq exchanges", func(t *testing.T) {
		assert.Equal(t, "amq.topic", Parse("topic/a/b").ExchangeName(""))
		assert.Equal(t, "amq.direct", Parse("a").ExchangeName(""))
		assert.Equal(t, "amq.fanout", Parse("fanout/q").ExchangeName(""))
		assert.Equal(t, "amq.headers", Parse("headers/k/q").ExchangeName(""))
	})
	t.Run("unknown types use the default exchange", func(t *testing.T) {
		assert.Equal(t, "", Parse("weird/a/b").ExchangeName(""))
	})
}

func TestQueue(t *testing.T) {
	assert.Equal(t, "user.get", Parse("user.get").Queue("svc"))
	assert.Equal(t, "svc:mailer", Parse("topic/user.created/mailer").Queue("svc"))
	assert.Equal(t, "", Parse("topic/user.created").Queue("svc"))
	assert.Equal(t, "", Parse("topic/user.created/mailer").Queue(""))
}

func TestEquivalentAndString(t *testing.T) {
	assert.True(t, Parse("a").Equivalent(Parse("direct/a")))
	assert.False(t, Parse("topic/a/b").Equivalent(Parse("topic/a/c")))
	assert.Equal(t, "topic/a/b", Parse("topic/a/b").String())
	assert.True(t, Parse(Parse("fanout/q").String()).Equivalent(Parse("fanout/q")))
}

func TestOverlay(t *testing.T) {
	t.Run("call token takes precedence", func(t *testing.T) {
		o := Overlay{Token: "env"}
		assert.Equal(t, "q:call", o.Name("q", "call"))
		assert.Equal(t, "q:env", o.Name("q", ""))
	})

	t.Run("disabled overlay is transparent", func(t *testing.T) {
		o := Overlay{Token: "env", Disabled: true}
		assert.Equal(t, "q", o.Name("q", "call"))
		assert.False(t, o.Active("call"))
	})

	t.Run("subscriber queues become disposable", func(t *testing.T) {
		opts := QueueOptions{Durable: true}
		name := Overlay{Token: "dev"}.SubscriberQueue("q", &opts)
		assert.Equal(t, "q:dev", name)
		assert.False(t, opts.Durable)
		assert.True(t, opts.AutoDelete)
	})

	t.Run("strip removes the suffix", func(t *testing.T) {
		assert.Equal(t, "q", Overlay{Token: "dev"}.Strip("q:dev"))
	})
}

func TestDestination(t *testing.T) {
	t.Run("uses the overlaid queue when it exists", func(t *testing.T) {
		p := &fakeProber{existing: map[string]bool{"q:dev": true}}
		c := contracts.Context{}
		assert.Equal(t, "q:dev", Overlay{Token: "dev"}.Destination(context.Background(), p, "q", c))
		assert.Equal(t, "dev", c.DebugToken())
	})

	t.Run("falls back when the probe misses", func(t *testing.T) {
		p := &fakeProber{}
		c := contracts.Context{}
		assert.Equal(t, "q", Overlay{Token: "dev"}.Destination(context.Background(), p, "q", c))
		assert.Empty(t, c.DebugToken())
	})

	t.Run("context token propagates without process token", func(t *testing.T) {
		p := &fakeProber{existing: map[string]bool{"q:up": true}}
		c := contracts.Context{contracts.KeyDebugToken: "up"}
		assert.Equal(t, "q:up", Overlay{}.Destination(context.Background(), p, "q", c))
	})

	t.Run("reply queues are never probed", func(t *testing.T) {
		p := &fakeProber{}
		Overlay{Token: "dev"}.Destination(context.Background(), p, "amq.gen-abc", contracts.Context{})
		assert.Empty(t, p.probed)
	})
}
