// Package locator resolves logical page elements from ordered lists of
// candidate selectors. Target markup changes between deployments, so each
// logical element carries several candidates tried in declared order.
package locator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/slotrunner/api/schemas"
	"github.com/xkilldash9x/slotrunner/internal/browser"
)

// ErrNotFound is returned when no candidate of a Spec yields a visible
// element within the budget.
var ErrNotFound = fmt.Errorf("no candidate matched: %w", schemas.ErrLocatorNotFound)

const defaultPollInterval = 150 * time.Millisecond

// Spec names a logical element and its candidates, most specific first.
type Spec struct {
	Name       string
	Candidates []browser.Locator
}

// NewSpec builds a Spec. It panics on an empty candidate list, which is a
// programming error in a catalog.
func NewSpec(name string, candidates ...browser.Locator) Spec {
	if len(candidates) == 0 {
		panic("locator: spec " + name + " has no candidates")
	}
	return Spec{Name: name, Candidates: candidates}
}

func (s Spec) String() string { return s.Name }

// CSS returns a structural candidate.
func CSS(selector string) browser.Locator {
	return browser.Locator{Kind: browser.Structural, Expr: selector}
}

// XPath returns a text candidate from a raw XPath expression.
func XPath(expr string) browser.Locator {
	return browser.Locator{Kind: browser.Text, Expr: expr}
}

// TextContains matches tag elements whose normalized text contains text,
// case-insensitively. An empty tag matches any element.
func TextContains(tag, text string) browser.Locator {
	if tag == "" {
		tag = "*"
	}
	return XPath(fmt.Sprintf(
		"//%s[contains(translate(normalize-space(.), 'ABCDEFGHIJKLMNOPQRSTUVWXYZ', 'abcdefghijklmnopqrstuvwxyz'), %s)]",
		tag, xpathLiteral(strings.ToLower(text)),
	))
}

// OwnTextContains is like TextContains but only matches elements whose
// own text nodes hold text, so ancestors of the match are excluded.
func OwnTextContains(tag, text string) browser.Locator {
	if tag == "" {
		tag = "*"
	}
	return XPath(fmt.Sprintf(
		"//%s[text()[contains(translate(., 'ABCDEFGHIJKLMNOPQRSTUVWXYZ', 'abcdefghijklmnopqrstuvwxyz'), %s)]]",
		tag, xpathLiteral(strings.ToLower(text)),
	))
}

// xpathLiteral quotes s for XPath 1.0, which has no escape sequences.
func xpathLiteral(s string) string {
	if !strings.Contains(s, "'") {
		return "'" + s + "'"
	}
	if !strings.Contains(s, `"`) {
		return `"` + s + `"`
	}
	parts := strings.Split(s, "'")
	quoted := make([]string, len(parts))
	for i, p := range parts {
		quoted[i] = "'" + p + "'"
	}
	return "concat(" + strings.Join(quoted, `, "'", `) + ")"
}

// Resolver finds elements for a Spec. It is stateless apart from its
// configuration and safe for concurrent use.
type Resolver struct {
	logger       *zap.Logger
	pollInterval time.Duration
}

// NewResolver returns a Resolver polling at pollInterval. A non-positive
// interval uses 150ms.
func NewResolver(logger *zap.Logger, pollInterval time.Duration) *Resolver {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &Resolver{logger: logger.Named("locator"), pollInterval: pollInterval}
}

// PollInterval reports the interval between probes of one candidate.
func (r *Resolver) PollInterval() time.Duration { return r.pollInterval }

// Resolve tries every candidate in order, giving each an equal share of
// timeout, and returns the first visible element found. The first
// candidate to resolve wins even if a later one would also match. Once
// timeout has run out no further candidate is tried, even when floored
// shares left some untouched.
func (r *Resolver) Resolve(ctx context.Context, page browser.Page, spec Spec, timeout time.Duration) (browser.Element, error) {
	if len(spec.Candidates) == 0 {
		return browser.Element{}, fmt.Errorf("%s: %w", spec.Name, ErrNotFound)
	}
	end := time.Now().Add(timeout)
	share := timeout / time.Duration(len(spec.Candidates))
	if share < r.pollInterval {
		share = r.pollInterval
	}

	for i, cand := range spec.Candidates {
		if i > 0 && !time.Now().Before(end) {
			break
		}
		deadline := time.Now().Add(share)
		if deadline.After(end) {
			deadline = end
		}
		el, err := r.await(ctx, page, cand, deadline)
		if err == nil {
			if i > 0 {
				r.logger.Debug("Resolved with a fallback candidate.",
					zap.String("spec", spec.Name), zap.Int("candidate", i), zap.Stringer("locator", cand))
			}
			return el, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return browser.Element{}, ctxErr
		}
	}
	return browser.Element{}, fmt.Errorf("%s: %w", spec.Name, ErrNotFound)
}

// await polls one candidate until it yields an element or deadline passes.
func (r *Resolver) await(ctx context.Context, page browser.Page, cand browser.Locator, deadline time.Time) (browser.Element, error) {
	timer := time.NewTimer(r.pollInterval)
	defer timer.Stop()

	for {
		el, err := page.Find(ctx, cand)
		if err == nil {
			return el, nil
		}
		if !errors.Is(err, browser.ErrNoElement) {
			// Transport errors on a probe are treated as "not yet".
			r.logger.Debug("Probe failed.", zap.Stringer("locator", cand), zap.Error(err))
		}
		left := time.Until(deadline)
		if left <= 0 {
			return browser.Element{}, browser.ErrNoElement
		}
		timer.Reset(min(left, r.pollInterval))
		select {
		case <-ctx.Done():
			return browser.Element{}, ctx.Err()
		case <-timer.C:
		}
	}
}

// Probe makes a single non-waiting pass over the candidates.
func (r *Resolver) Probe(ctx context.Context, page browser.Page, spec Spec) (browser.Element, bool) {
	for _, cand := range spec.Candidates {
		if el, err := page.Find(ctx, cand); err == nil {
			return el, true
		}
	}
	return browser.Element{}, false
}

// ResolveAll returns every visible element matching any candidate, without
// waiting. Elements matched by several candidates are counted once.
func (r *Resolver) ResolveAll(ctx context.Context, page browser.Page, spec Spec) ([]browser.Element, error) {
	var (
		out  []browser.Element
		seen = make(map[string]struct{})
	)
	for _, cand := range spec.Candidates {
		els, err := page.FindAll(ctx, cand)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			r.logger.Debug("Enumeration probe failed.", zap.Stringer("locator", cand), zap.Error(err))
			continue
		}
		for _, el := range els {
			id := identity(el)
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, el)
		}
	}
	return out, nil
}

func identity(el browser.Element) string {
	if el.Key != "" {
		return el.Key
	}
	return fmt.Sprintf("%s#%d", el.Locator, el.Index)
}
