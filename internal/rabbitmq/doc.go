// Package rabbitmq is the broker layer of carotte.
//
// This package includes:
//   - Manager: one lazily dialed connection, a cache of channels keyed by
//     purpose and prefetch, the exchange assertion cache and the debug queue
//     probe
//   - Consumers: registry of running consumers, cancelled on shutdown
//   - topology helpers wrapping exchange, queue and binding declarations
//   - the error taxonomy and the transient error classification used by the
//     publish retry
//
// The runtime talks to the broker through the Connection and Channel
// interfaces, which *amqp.Channel satisfies, so tests can substitute an
// in-memory broker.
package rabbitmq
