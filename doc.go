// Package carotte is a messaging runtime over an AMQP broker. Services
// address each other with qualifiers of the form type/routingKey/queue,
// publish fire-and-forget messages, invoke subscribers and wait for their
// answer, or fan a request out to many subscribers.
//
// Failed messages are retried with the subscription's policy and then
// stored in a dead letter queue. Every message is acknowledged exactly
// once. Shutdown drains the handlers still running before closing the
// connection.
//
// Basic usage:
//
//	client, err := carotte.New(cfg, carotte.WithLogger(logger))
//	if err != nil {
//		return err
//	}
//	defer client.Shutdown(10 * time.Second)
//
//	_, err = client.Subscribe(ctx, "direct/users.get", func(ctx context.Context, msg *carotte.Message) (any, error) {
//		var req GetUser
//		if err := msg.Decode(&req); err != nil {
//			return nil, contracts.NewError(400, "invalid request: %v", err)
//		}
//		return users.Get(ctx, req.ID)
//	})
//
//	user, err := carotte.InvokeAs[User](ctx, client, "direct/users.get", GetUser{ID: 42})
package carotte
