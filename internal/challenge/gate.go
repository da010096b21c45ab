// Package challenge waits out anti-bot interstitials. It never tries to
// solve one; it only notices when the page stops looking like one.
package challenge

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/slotrunner/internal/browser"
)

// Outcome is the result of one clearance wait.
type Outcome int

const (
	Cleared Outcome = iota
	TimedOut
)

func (o Outcome) String() string {
	if o == TimedOut {
		return "timed_out"
	}
	return "cleared"
}

// DefaultMarkers are lowercase fragments that only appear on interstitial
// or access-restriction pages.
var DefaultMarkers = []string{
	"just a moment",
	"checking your browser",
	"ddos protection by cloudflare",
	"cf-challenge",
	"cf-browser-verification",
	"this process is automatic",
	"cloudflare ray id",
	"acesso restrito",
	"atividade incomum",
	"403201",
	"your access has been temporarily restricted",
}

const defaultInterval = 800 * time.Millisecond

// Gate detects and waits out challenge pages for one session. It records
// whether any wait timed out so a later failure can be attributed to the
// challenge rather than to the step that tripped over it.
type Gate struct {
	logger   *zap.Logger
	markers  []string
	interval time.Duration

	timedOut atomic.Bool
}

// NewGate returns a Gate. Empty markers use DefaultMarkers; a non-positive
// interval uses 800ms.
func NewGate(logger *zap.Logger, markers []string, interval time.Duration) *Gate {
	if len(markers) == 0 {
		markers = DefaultMarkers
	}
	lowered := make([]string, 0, len(markers))
	for _, m := range markers {
		if m = strings.ToLower(strings.TrimSpace(m)); m != "" {
			lowered = append(lowered, m)
		}
	}
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Gate{logger: logger.Named("challenge"), markers: lowered, interval: interval}
}

// Active reports whether page currently shows a challenge, and the marker
// that matched. Read errors count as no match.
func (g *Gate) Active(ctx context.Context, page browser.Page) (bool, string) {
	title, err := page.Title(ctx)
	if err != nil {
		g.logger.Debug("Could not read page title.", zap.Error(err))
	}
	if m := g.match(title); m != "" {
		return true, m
	}
	content, err := page.Content(ctx)
	if err != nil {
		g.logger.Debug("Could not read page content.", zap.Error(err))
		return false, ""
	}
	if m := g.match(content); m != "" {
		return true, m
	}
	return false, ""
}

func (g *Gate) match(text string) string {
	if text == "" {
		return ""
	}
	text = strings.ToLower(text)
	for _, m := range g.markers {
		if strings.Contains(text, m) {
			return m
		}
	}
	return ""
}

// AwaitClearance polls page until no marker matches or maxWait elapses.
// It returns TimedOut with a nil error when the challenge outlasts maxWait;
// the caller decides whether to carry on. Only cancellation of ctx is an
// error.
func (g *Gate) AwaitClearance(ctx context.Context, page browser.Page, maxWait time.Duration) (Outcome, error) {
	active, marker := g.Active(ctx, page)
	if !active {
		return Cleared, nil
	}

	start := time.Now()
	g.logger.Info("Challenge page detected, waiting for clearance.", zap.String("marker", marker), zap.Duration("max_wait", maxWait))

	timer := time.NewTimer(maxWait)
	defer timer.Stop()
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return TimedOut, ctx.Err()
		case <-timer.C:
			g.timedOut.Store(true)
			g.logger.Warn("Challenge did not clear in time, proceeding anyway.",
				zap.String("marker", marker), zap.Duration("waited", time.Since(start)))
			return TimedOut, nil
		case <-ticker.C:
			if err := ctx.Err(); err != nil {
				return TimedOut, err
			}
			if active, marker = g.Active(ctx, page); !active {
				g.logger.Info("Challenge cleared.", zap.Duration("waited", time.Since(start)))
				return Cleared, nil
			}
		}
	}
}

// TimedOut reports whether any wait on this gate has timed out.
func (g *Gate) TimedOut() bool { return g.timedOut.Load() }
