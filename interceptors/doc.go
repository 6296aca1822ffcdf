// Package interceptors provides the plugin hooks wrapped around publishes,
// invokes and handler executions.
//
// A plugin supplies any of OnPublish, OnInvoke and OnReceive. Hooks are
// nested in registration order, the first plugin being the outermost:
//
//	chain := interceptors.NewChain(
//		interceptors.LoggingPlugin(logger),
//		interceptors.Plugin{
//			Name: "audit",
//			OnReceive: func(ctx context.Context, call *interceptors.Call, next interceptors.Next) (any, error) {
//				call.Context["audited"] = true
//				return next(ctx, call)
//			},
//		},
//	)
//
// A hook may short-circuit by returning without calling next. BreakerPlugin
// does so for outgoing calls while its Breaker is open.
package interceptors
