package browser

import (
	"context"
	"time"
)

// CombineContext derives a context from session that is also cancelled when
// op is done, and that adopts op's deadline when it is sooner. Values come
// from session, which is what chromedp needs to find its target.
func CombineContext(session, op context.Context) (context.Context, context.CancelFunc) {
	var (
		combined context.Context
		cancel   context.CancelFunc
	)
	if deadline, ok := op.Deadline(); ok {
		combined, cancel = context.WithDeadline(session, deadline)
	} else {
		combined, cancel = context.WithCancel(session)
	}

	stop := context.AfterFunc(op, cancel)
	return combined, func() {
		stop()
		cancel()
	}
}

// valueOnlyContext keeps the parent's values but drops its deadline and
// cancellation.
type valueOnlyContext struct {
	context.Context
}

func (valueOnlyContext) Deadline() (deadline time.Time, ok bool) { return }
func (valueOnlyContext) Done() <-chan struct{}                   { return nil }
func (valueOnlyContext) Err() error                              { return nil }

// Detach returns a context carrying ctx's values that is never cancelled by
// ctx. Cleanup that must outlive a cancelled session uses it.
func Detach(ctx context.Context) context.Context {
	return valueOnlyContext{ctx}
}
