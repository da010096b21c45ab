// Package orchestrator fans subjects out to session runners and gathers
// their results into a run summary.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/slotrunner/api/schemas"
	"github.com/xkilldash9x/slotrunner/internal/config"
	"github.com/xkilldash9x/slotrunner/internal/results"
)

// stepDispatch is the failed step recorded for subjects that never started.
const stepDispatch = "dispatch"

// Runner runs one subject to completion. It must always return a result.
type Runner interface {
	Run(ctx context.Context, subject schemas.Subject) schemas.SessionResult
}

// Orchestrator manages the lifecycle of a booking run. It is injected with
// a fully configured runner and result sink.
type Orchestrator struct {
	cfg     *config.Config
	logger  *zap.Logger
	runner  Runner
	sink    results.Sink
	limiter *rate.Limiter
}

// New creates an Orchestrator from its dependencies.
func New(cfg *config.Config, logger *zap.Logger, runner Runner, sink results.Sink) (*Orchestrator, error) {
	if cfg == nil || logger == nil || runner == nil || sink == nil {
		return nil, errors.New("cannot initialize orchestrator with nil dependencies")
	}
	limit := rate.Inf
	if cfg.Run.LaunchRate > 0 {
		limit = rate.Limit(cfg.Run.LaunchRate)
	}
	burst := cfg.Run.LaunchBurst
	if burst < 1 {
		burst = 1
	}
	return &Orchestrator{
		cfg:     cfg,
		logger:  logger.Named("orchestrator"),
		runner:  runner,
		sink:    sink,
		limiter: rate.NewLimiter(limit, burst),
	}, nil
}

// Run dispatches at most run.max_subjects subjects and blocks until every
// dispatched runner has returned. The summary lists each dispatched subject
// exactly once, in completion order, under an identifier no other subject
// of the run shares. Results are written to the sink as they
// arrive, and the summary afterwards when the sink can take it.
func (o *Orchestrator) Run(ctx context.Context, runID string, subjects []schemas.Subject) (schemas.RunSummary, error) {
	started := time.Now().UTC()
	subjects = schemas.UniqueIdentifiers(o.bound(subjects))
	o.logger.Info("Run starting.",
		zap.String("run_id", runID),
		zap.Int("subjects", len(subjects)),
		zap.String("discipline", o.cfg.Run.Discipline),
	)

	// Sinks still get results produced while shutting down.
	recordCtx := context.WithoutCancel(ctx)
	out := make(chan schemas.SessionResult)
	done := make(chan struct{})
	var collected []schemas.SessionResult
	go func() {
		defer close(done)
		for res := range out {
			if err := o.sink.Write(recordCtx, res); err != nil {
				o.logger.Error("Failed to record session result.", zap.String("subject", res.Subject), zap.Error(err))
			}
			collected = append(collected, res)
		}
	}()

	if o.cfg.Run.Discipline == config.DisciplineParallel {
		o.runParallel(ctx, runID, subjects, out)
	} else {
		o.runSequential(ctx, runID, subjects, out)
	}
	close(out)
	<-done

	summary := schemas.NewRunSummary(runID, started, collected)
	o.logger.Info("Run finished.",
		zap.String("run_id", runID),
		zap.Int("total", summary.Total),
		zap.Int("booked", summary.Counts[schemas.StatusBooked]),
		zap.Int("submitted_unconfirmed", summary.Counts[schemas.StatusSubmittedUnconfirmed]),
		zap.Int("failed", summary.Counts[schemas.StatusFailed]),
		zap.Duration("elapsed", summary.EndedAt.Sub(started)),
	)

	var errs []error
	if sw, ok := o.sink.(results.SummaryWriter); ok {
		if err := sw.WriteSummary(recordCtx, summary); err != nil {
			errs = append(errs, fmt.Errorf("failed to write run summary: %w", err))
		}
	}
	if err := ctx.Err(); err != nil {
		errs = append(errs, fmt.Errorf("run interrupted: %w", err))
	}
	return summary, errors.Join(errs...)
}

func (o *Orchestrator) bound(subjects []schemas.Subject) []schemas.Subject {
	limit := o.cfg.Run.MaxSubjects
	if limit <= 0 || len(subjects) <= limit {
		return subjects
	}
	for _, s := range subjects[limit:] {
		o.logger.Warn("Subject dropped, over the configured maximum.",
			zap.String("subject", s.Identifier()),
			zap.Int("max_subjects", limit),
		)
	}
	return subjects[:limit]
}

func (o *Orchestrator) runSequential(ctx context.Context, runID string, subjects []schemas.Subject, out chan<- schemas.SessionResult) {
	for i, s := range subjects {
		if err := o.limiter.Wait(ctx); err != nil {
			out <- o.notDispatched(runID, s, err)
			continue
		}
		out <- o.runOne(ctx, runID, s)
		if i < len(subjects)-1 {
			o.pace(ctx)
		}
	}
}

func (o *Orchestrator) runParallel(ctx context.Context, runID string, subjects []schemas.Subject, out chan<- schemas.SessionResult) {
	var g errgroup.Group
	g.SetLimit(max(o.cfg.Run.MaxSubjects, 1))
	for _, s := range subjects {
		g.Go(func() error {
			if err := o.limiter.Wait(ctx); err != nil {
				out <- o.notDispatched(runID, s, err)
				return nil
			}
			out <- o.runOne(ctx, runID, s)
			return nil
		})
	}
	// Runners never return errors; failures travel in their results.
	_ = g.Wait()
}

// runOne shields the run from a runner that panics instead of reporting.
func (o *Orchestrator) runOne(ctx context.Context, runID string, s schemas.Subject) (res schemas.SessionResult) {
	defer func() {
		if rec := recover(); rec != nil {
			o.logger.Error("Runner panicked outside its session.",
				zap.String("subject", s.Identifier()),
				zap.Any("panic_value", rec),
				zap.String("stack", string(debug.Stack())),
			)
			res = schemas.NewFailedResult(s, uuid.NewString(), stepDispatch, fmt.Errorf("%w: %v", schemas.ErrSessionPanic, rec))
		}
		res.RunID = runID
	}()
	return o.runner.Run(ctx, s)
}

func (o *Orchestrator) notDispatched(runID string, s schemas.Subject, err error) schemas.SessionResult {
	o.logger.Warn("Subject not dispatched.", zap.String("subject", s.Identifier()), zap.Error(err))
	res := schemas.NewFailedResult(s, uuid.NewString(), stepDispatch, err)
	if res.ErrorKind == schemas.KindTransportFault {
		// The limiter refuses waits that would outlast the deadline.
		res.ErrorKind = schemas.KindCancelled
	}
	res.RunID = runID
	return res
}

// pace sleeps a random delay in [PacingMin, PacingMax] between sequential
// subjects.
func (o *Orchestrator) pace(ctx context.Context) {
	lo, hi := o.cfg.Run.PacingMin, o.cfg.Run.PacingMax
	if hi <= 0 {
		return
	}
	d := lo
	if hi > lo {
		d += time.Duration(rand.Int64N(int64(hi - lo)))
	}
	if d <= 0 {
		return
	}
	o.logger.Debug("Pacing before next subject.", zap.Duration("delay", d))
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
