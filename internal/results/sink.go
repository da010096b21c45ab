// Package results records session outcomes as they arrive and the run
// summary once a run ends.
package results

import (
	"context"
	"errors"

	"github.com/xkilldash9x/slotrunner/api/schemas"
)

// Sink is an append-only destination for session results. Write is called
// once per finished session, in completion order.
type Sink interface {
	Write(ctx context.Context, res schemas.SessionResult) error
	Close() error
}

// SummaryWriter is implemented by sinks that also record whole runs.
type SummaryWriter interface {
	WriteSummary(ctx context.Context, summary schemas.RunSummary) error
}

// Multi fans every call out to each sink. A failing sink does not stop the
// others; their errors are joined.
type Multi []Sink

func (m Multi) Write(ctx context.Context, res schemas.SessionResult) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, res); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) WriteSummary(ctx context.Context, summary schemas.RunSummary) error {
	var errs []error
	for _, s := range m {
		if sw, ok := s.(SummaryWriter); ok {
			if err := sw.WriteSummary(ctx, summary); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops everything.
type Discard struct{}

func (Discard) Write(context.Context, schemas.SessionResult) error { return nil }
func (Discard) Close() error                                       { return nil }
