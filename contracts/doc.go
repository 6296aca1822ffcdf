// Package contracts defines what travels on the wire between carotte services:
//   - Envelope: the {data, context} JSON document carried in a message body
//   - Context: free-form metadata propagated hop to hop
//   - Error: the serialized error shape used by failure replies and dead letters
//   - header names understood by every carotte runtime
package contracts
