package propagation

import (
	"math/rand"

	"github.com/glimte/carotte-go/contracts"
)

const (
	stackChars  = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	stackIDSize = 4
)

// NewStackID returns a random four character hop identifier.
func NewStackID() string {
	b := make([]byte, stackIDSize)
	for i := range b {
		b[i] = stackChars[rand.Intn(len(stackChars))]
	}
	return string(b)
}

// NextStack returns the stack of c extended by one fresh id. The stack held
// by c is never modified.
func NextStack(c contracts.Context) []string {
	parent := c.TransactionStack()
	next := make([]string, len(parent), len(parent)+1)
	copy(next, parent)
	return append(next, NewStackID())
}

// Outgoing derives the context sent with a downstream call: a copy of c
// with an extended stack and, when issued from a subscriber, its qualifier
// as origin consumer.
func Outgoing(c contracts.Context, originConsumer string) contracts.Context {
	out := c.Clone()
	out.SetTransactionStack(NextStack(c))
	if originConsumer != "" {
		out.SetOriginConsumer(originConsumer)
	}
	return out
}
