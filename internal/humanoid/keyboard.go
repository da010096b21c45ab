// Package humanoid paces synthetic keystrokes so typed input arrives at a
// human cadence.
package humanoid

import (
	"context"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"
)

// commonNgrams are typed faster than arbitrary pairs.
var commonNgrams = map[string]bool{
	"th": true, "he": true, "in": true, "er": true, "an": true, "re": true,
	"es": true, "on": true, "st": true, "nt": true,
	"the": true, "and": true, "ing": true, "ion": true, "tio": true,
}

// KeyConfig shapes the inter-key delay distribution. Delays are drawn from a
// normal distribution around MeanMs and clamped to [MinMs, MaxMs].
type KeyConfig struct {
	MeanMs   float64
	StdDevMs float64
	MinMs    float64
	MaxMs    float64
}

// DefaultKeyConfig keeps every delay inside 40..120ms.
func DefaultKeyConfig() KeyConfig {
	return KeyConfig{MeanMs: 80, StdDevMs: 22, MinMs: 40, MaxMs: 120}
}

// Typist paces keystrokes. It is safe for concurrent use, though each
// session normally owns its own.
type Typist struct {
	cfg KeyConfig
	mu  sync.Mutex
	rng *rand.Rand
}

// NewTypist returns a Typist seeded with seed. A zero seed uses the clock.
func NewTypist(cfg KeyConfig, seed int64) *Typist {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if cfg.MaxMs <= 0 || cfg.MaxMs < cfg.MinMs {
		cfg = DefaultKeyConfig()
	}
	return &Typist{cfg: cfg, rng: rand.New(rand.NewSource(seed))}
}

// Delay returns the pause before typing runes[index].
func (t *Typist) Delay(runes []rune, index int) time.Duration {
	mean := t.cfg.MeanMs
	if index >= 2 && index < len(runes) && commonNgrams[strings.ToLower(string(runes[index-2:index+1]))] {
		mean *= 0.7
	} else if index >= 1 && index < len(runes) && commonNgrams[strings.ToLower(string(runes[index-1:index+1]))] {
		mean *= 0.85
	}

	t.mu.Lock()
	n := t.rng.NormFloat64()
	t.mu.Unlock()

	ms := math.Min(t.cfg.MaxMs, math.Max(t.cfg.MinMs, n*t.cfg.StdDevMs+mean))
	return time.Duration(ms * float64(time.Millisecond))
}

// Type calls emit once per rune of text, pausing before each. It stops at
// the first emit error or when ctx is done.
func (t *Typist) Type(ctx context.Context, text string, emit func(ctx context.Context, r rune) error) error {
	runes := []rune(text)
	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for i, r := range runes {
		timer.Reset(t.Delay(runes, i))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
		if err := emit(ctx, r); err != nil {
			return err
		}
	}
	return nil
}
