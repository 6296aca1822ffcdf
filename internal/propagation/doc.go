// Package propagation annotates outgoing calls with their causal history:
// the carotte transaction stack (one short id per hop) and the W3C trace
// context carried in AMQP headers.
package propagation
