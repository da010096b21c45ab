package availability

import (
	"context"
	"strings"
	"time"

	"github.com/xkilldash9x/slotrunner/api/schemas"
	"github.com/xkilldash9x/slotrunner/internal/browser"
	"github.com/xkilldash9x/slotrunner/internal/locator"
)

// SignalDetector samples a page once and decides whether slots are open.
type SignalDetector interface {
	Detect(ctx context.Context, page browser.Page) schemas.PollOutcome
}

// Default phrase and selector tables, all matched case-insensitively
// against the page source.
var (
	DefaultNegativePhrases = []string{
		"no appointments available",
		"no appointment",
		"no slots",
		"fully booked",
		"there are no available",
		"there are currently no",
		"appointments are not available",
		"not available at this time",
		"não existem",
		"aucun rendez",
	}

	DefaultPositiveSelectors = []browser.Locator{
		locator.CSS("mat-calendar .mat-calendar-body-cell:not(.mat-calendar-body-disabled)"),
		locator.CSS("[data-testid='appointment-slot']"),
		locator.CSS(".vfs-slot-available"),
		locator.CSS(".slot-available"),
		locator.CSS(".appointment-slot"),
		locator.CSS(".available-slot"),
		locator.CSS(".available-date"),
		locator.CSS(".calendar-day.available"),
		locator.CSS(".calendar-day.bookable"),
		locator.CSS("input[type='radio'][name*='slot']:not([disabled])"),
		locator.CSS("input[type='radio'][name*='appointment']:not([disabled])"),
	}

	DefaultPositivePhrases = []string{
		"select a date",
		"select time",
		"available dates",
		"available appointment",
		"appointment available",
		"choose a slot",
		"pick a date",
	}
)

// PageDetector is the stock SignalDetector. A negative phrase anywhere in
// the source wins over everything, since the portal leaves stale slot
// markup behind. Otherwise the first selector with matches, then any
// positive phrase, signals availability.
type PageDetector struct {
	Negative  []string
	Selectors []browser.Locator
	Positive  []string
}

// NewPageDetector returns a PageDetector over the default tables.
func NewPageDetector() *PageDetector {
	return &PageDetector{
		Negative:  DefaultNegativePhrases,
		Selectors: DefaultPositiveSelectors,
		Positive:  DefaultPositivePhrases,
	}
}

func (d *PageDetector) Detect(ctx context.Context, page browser.Page) schemas.PollOutcome {
	out := schemas.PollOutcome{Basis: schemas.BasisNone, ObservedAt: time.Now().UTC()}

	content, err := page.Content(ctx)
	if err != nil {
		return out
	}
	low := strings.ToLower(content)

	if p := firstIn(low, d.Negative); p != "" {
		out.Basis, out.Match = schemas.BasisNegativePhrase, p
		return out
	}
	for _, sel := range d.Selectors {
		els, err := page.FindAll(ctx, sel)
		if err != nil || len(els) == 0 {
			continue
		}
		out.Available = true
		out.Basis, out.Match, out.SlotCount = schemas.BasisPositiveSelector, sel.Expr, len(els)
		return out
	}
	if p := firstIn(low, d.Positive); p != "" {
		out.Available = true
		out.Basis, out.Match = schemas.BasisPositivePhrase, p
	}
	return out
}

func firstIn(haystack string, needles []string) string {
	for _, n := range needles {
		if n != "" && strings.Contains(haystack, strings.ToLower(n)) {
			return n
		}
	}
	return ""
}
