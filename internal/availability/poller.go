// Package availability watches the booking page until slots open up.
package availability

import (
	"context"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/slotrunner/internal/browser"
	"github.com/xkilldash9x/slotrunner/internal/challenge"
	"github.com/xkilldash9x/slotrunner/internal/retry"
)

// Result is how a watch ended.
type Result int

const (
	Expired Result = iota
	Available
)

func (r Result) String() string {
	if r == Available {
		return "available"
	}
	return "expired"
}

// Options tunes a Poller.
type Options struct {
	// TargetURL is loaded on the first cycle. Later cycles reload. Empty
	// means reload whatever the page shows.
	TargetURL string
	// Jitter spreads each sleep uniformly over interval ± Jitter.
	Jitter           time.Duration
	ChallengeTimeout time.Duration
	ReloadRetries    int
	ReloadBackoff    time.Duration
}

// Poller reloads a page until a SignalDetector reports availability.
type Poller struct {
	logger *zap.Logger
	gate   *challenge.Gate
	opts   Options
}

// NewPoller returns a Poller. gate may be nil.
func NewPoller(logger *zap.Logger, gate *challenge.Gate, opts Options) *Poller {
	if opts.ReloadRetries <= 0 {
		opts.ReloadRetries = 3
	}
	if opts.ReloadBackoff <= 0 {
		opts.ReloadBackoff = time.Second
	}
	if opts.ChallengeTimeout <= 0 {
		opts.ChallengeTimeout = 120 * time.Second
	}
	if opts.Jitter < 0 {
		opts.Jitter = 0
	}
	return &Poller{logger: logger.Named("availability"), gate: gate, opts: opts}
}

// Watch samples page until detector reports availability or deadline
// passes. It returns Available as soon as a positive sample is seen. A
// cycle whose reload fails counts as unavailable. The only error is
// cancellation of ctx.
func (p *Poller) Watch(ctx context.Context, page browser.Page, deadline time.Time, interval time.Duration, detector SignalDetector) (Result, error) {
	p.logger.Info("Watching for availability.",
		zap.Time("deadline", deadline), zap.Duration("interval", interval), zap.Duration("jitter", p.opts.Jitter))

	cycle := 0
	for time.Now().Before(deadline) {
		cycle++
		if err := p.refresh(ctx, page, cycle); err != nil {
			if ctx.Err() != nil {
				return Expired, ctx.Err()
			}
			p.logger.Warn("Poll reload failed.", zap.Int("cycle", cycle), zap.Error(err))
		} else {
			if p.gate != nil {
				if _, err := p.gate.AwaitClearance(ctx, page, p.opts.ChallengeTimeout); err != nil {
					return Expired, err
				}
			}
			out := detector.Detect(ctx, page)
			out.Cycle = cycle
			p.logger.Info("Poll sample taken.",
				zap.Int("cycle", cycle),
				zap.Bool("available", out.Available),
				zap.String("basis", string(out.Basis)),
				zap.String("match", out.Match),
				zap.Int("slots", out.SlotCount),
				zap.Duration("remaining", time.Until(deadline).Round(time.Second)))
			if out.Available {
				return Available, nil
			}
		}

		wait := p.jittered(interval)
		if remaining := time.Until(deadline); wait > remaining {
			wait = remaining
		}
		if err := sleep(ctx, wait); err != nil {
			return Expired, err
		}
	}

	p.logger.Warn("Poll window expired without availability.", zap.Int("cycles", cycle))
	return Expired, nil
}

func (p *Poller) refresh(ctx context.Context, page browser.Page, cycle int) error {
	return retry.Attempt(ctx, func(ctx context.Context, try int) error {
		if cycle == 1 && p.opts.TargetURL != "" {
			return page.Navigate(ctx, p.opts.TargetURL)
		}
		return page.Reload(ctx)
	}, p.opts.ReloadRetries, retry.Constant(p.opts.ReloadBackoff))
}

func (p *Poller) jittered(interval time.Duration) time.Duration {
	if p.opts.Jitter <= 0 {
		return interval
	}
	d := interval - p.opts.Jitter + time.Duration(rand.Int64N(int64(2*p.opts.Jitter)+1))
	if d < 0 {
		return 0
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
