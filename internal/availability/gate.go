package availability

import (
	"context"
	"sync"
)

// Decision is the published result of the one central watch.
type Decision struct {
	Result Result
	Err    error
}

// Gate shares a single watch across sessions. The first session to
// Acquire it becomes the owner and must either Publish a decision or
// Release ownership. Everyone else blocks until a decision exists, which
// is then read-only.
type Gate struct {
	mu        sync.Mutex
	owned     bool
	published bool
	decision  Decision
	changed   chan struct{}
}

func NewGate() *Gate {
	return &Gate{changed: make(chan struct{})}
}

// Acquire returns the published decision, or owner=true when the caller
// must run the watch itself.
func (g *Gate) Acquire(ctx context.Context) (d Decision, owner bool, err error) {
	for {
		g.mu.Lock()
		if g.published {
			d = g.decision
			g.mu.Unlock()
			return d, false, nil
		}
		if !g.owned {
			g.owned = true
			g.mu.Unlock()
			return Decision{}, true, nil
		}
		ch := g.changed
		g.mu.Unlock()

		select {
		case <-ctx.Done():
			return Decision{}, false, ctx.Err()
		case <-ch:
		}
	}
}

// Publish records d. Only the first call has an effect; it reports
// whether this call was it.
func (g *Gate) Publish(d Decision) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.published {
		return false
	}
	g.published = true
	g.decision = d
	close(g.changed)
	return true
}

// Release gives up ownership without a decision, letting the next waiter
// take over. It is a no-op once a decision is published.
func (g *Gate) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.published || !g.owned {
		return
	}
	g.owned = false
	close(g.changed)
	g.changed = make(chan struct{})
}

// Decided returns the decision if one has been published.
func (g *Gate) Decided() (Decision, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.decision, g.published
}
