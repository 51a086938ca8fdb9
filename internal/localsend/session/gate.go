package session

import (
	"context"
	"sync"

	"github.com/sonhoai27/localsend/internal/models"
)

// Decision is the operator's answer to a transfer proposal.
type Decision struct {
	Accepted bool
	Tokens   models.FileTokens // accepted files only
}

// Gate is a one-shot rendezvous between the request that carries a proposal
// and whoever decides on it. The first Resolve wins.
type Gate struct {
	once     sync.Once
	done     chan struct{}
	decision Decision
}

func NewGate() *Gate {
	return &Gate{
		done: make(chan struct{}),
	}
}

// Resolve records d and wakes every waiter. It reports false when the gate
// had already been resolved, in which case d is dropped.
func (g *Gate) Resolve(d Decision) bool {
	resolved := false
	g.once.Do(func() {
		g.decision = d
		close(g.done)
		resolved = true
	})

	return resolved
}

// Wait blocks until the gate is resolved or ctx ends.
func (g *Gate) Wait(ctx context.Context) (Decision, error) {
	select {
	case <-g.done:
		return g.decision, nil
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	}
}
