package carotte

import (
	"context"
	"strings"

	"github.com/glimte/carotte-go/contracts"
	"github.com/glimte/carotte-go/introspection"
	"github.com/glimte/carotte-go/routing"
)

const (
	describeSuffix = ":describe:v2"
	// IntrospectionExchange is the fanout exchange introspection requests
	// are broadcast on.
	IntrospectionExchange = "bouillon.fanout"
)

// DescribeQualifier returns the direct qualifier answering with the meta
// of the subscriber of qualifier. Topic and fanout qualifiers are reduced
// to their last segment.
func DescribeQualifier(qualifier, debugToken string) string {
	if strings.HasPrefix(qualifier, "topic/") || strings.HasPrefix(qualifier, "fanout/") {
		parts := strings.Split(qualifier, "/")
		qualifier = "direct/" + parts[len(parts)-1]
	}
	if debugToken != "" {
		qualifier = strings.ReplaceAll(qualifier, ":"+debugToken, "")
	}
	return qualifier + describeSuffix
}

// subscribeDescribe exposes meta for qualifier. Failures only cost the
// description and are logged.
func (c *Client) subscribeDescribe(ctx context.Context, qualifier string, meta introspection.Meta) {
	if strings.HasSuffix(qualifier, describeSuffix) {
		return
	}
	describe := DescribeQualifier(qualifier, c.overlay.Token)
	_, err := c.Subscribe(ctx, describe, func(context.Context, *Message) (any, error) {
		return meta, nil
	}, asAgent())
	if err != nil {
		c.logger.Warn("failed to subscribe describe queue", "qualifier", describe, "error", err)
	}
}

// Describe asks the subscriber of qualifier for its meta.
func (c *Client) Describe(ctx context.Context, qualifier string, opts ...CallOption) (introspection.Meta, error) {
	return InvokeAs[introspection.Meta](ctx, c, DescribeQualifier(qualifier, ""), nil, opts...)
}

// StartIntrospectionAgent answers the introspection requests broadcast on
// IntrospectionExchange with the subscriber registry.
func (c *Client) StartIntrospectionAgent(ctx context.Context) (*QueueInfo, error) {
	return c.Subscribe(ctx, "fanout", func(ctx context.Context, msg *Message) (any, error) {
		var req introspection.Request
		if err := msg.Decode(&req); err != nil {
			return nil, contracts.NewError(400, "invalid introspection request: %v", err)
		}
		desc, err := c.registry.Answer(req)
		if err != nil {
			return nil, contracts.NewError(400, "%v", err)
		}
		return desc, nil
	},
		WithSubscribeExchange(IntrospectionExchange),
		WithQueueOptions(routing.QueueOptions{Exclusive: true, AutoDelete: true}),
		asAgent(),
	)
}

// Introspect broadcasts an introspection request and hands every service
// description received to cb until ClearParallel is called with the
// returned id.
func (c *Client) Introspect(ctx context.Context, req introspection.Request, cb func(error, *introspection.Description), opts ...CallOption) (string, error) {
	opts = append([]CallOption{WithExchangeName(IntrospectionExchange)}, opts...)
	return c.Parallel(ctx, "fanout", req, func(err error, answer *contracts.Envelope) {
		if err != nil {
			cb(err, nil)
			return
		}
		var desc introspection.Description
		if err := answer.Decode(&desc); err != nil {
			cb(err, nil)
			return
		}
		cb(nil, &desc)
	}, opts...)
}
