// Package introspection keeps the description of the subscribers a
// service runs together with their usage statistics. The runtime answers
// describe and introspection requests from it.
package introspection
