// Package brokertest is an in-memory AMQP broker for tests. It implements
// the rabbitmq.Connection and rabbitmq.Channel interfaces with the routing,
// acknowledgement and redelivery rules the runtime depends on:
//
//   - amq.direct, amq.topic, amq.fanout, amq.headers and the default
//     exchange exist up front
//   - an empty queue name gets a broker generated amq.gen- name
//   - a passive declare miss, an unknown exchange or a double ack closes the
//     channel the way a broker would
//   - unacknowledged messages are requeued as redelivered when their
//     channel closes or when nacked with requeue
//
// Faults can be injected on dial and publish, and connections can be
// dropped from the broker side.
package brokertest
