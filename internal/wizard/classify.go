package wizard

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/slotrunner/api/schemas"
	"github.com/xkilldash9x/slotrunner/internal/browser"
)

// referenceToken matches booking references such as "GNB12345678".
var referenceToken = regexp.MustCompile(`\b[A-Z0-9][A-Z0-9-]{5,}\b`)

const maxReferenceLen = 100

// Classify decides the terminal status of the page after submission.
//
// A visible reference or confirmation phrase means Booked. A URL that has
// left the wizard without either means the submission went somewhere
// unrecognised: SubmittedUnconfirmed, with no reference and no error.
// Anything else is Failed.
func (m *Machine) Classify(ctx context.Context, page browser.Page) (schemas.Status, string, error) {
	if el, ok := m.resolver.Probe(ctx, page, m.catalog.Reference); ok {
		txt, err := page.Text(ctx, el)
		if err == nil {
			if ref := extractReference(txt); ref != "" {
				return schemas.StatusBooked, ref, nil
			}
		}
	}
	if el, ok := m.resolver.Probe(ctx, page, m.catalog.ConfirmPhrases); ok {
		txt, _ := page.Text(ctx, el)
		return schemas.StatusBooked, referenceIn(txt), nil
	}

	if err := ctx.Err(); err != nil {
		return schemas.StatusFailed, "", err
	}
	current, err := page.URL(ctx)
	if err != nil {
		return schemas.StatusFailed, "", fmt.Errorf("reading final url: %w", err)
	}
	if m.offForm(current) {
		m.logger.Info("Page left the form without a confirmation.", zap.String("url", current))
		return schemas.StatusSubmittedUnconfirmed, "", nil
	}
	return schemas.StatusFailed, "", fmt.Errorf("%w at %s: %w", errNoConfirmation, current, schemas.ErrStepAdvanceFailed)
}

// offForm reports whether raw is outside both the wizard and the login page.
func (m *Machine) offForm(raw string) bool {
	path := strings.ToLower(urlPath(raw))
	if strings.Contains(path, strings.ToLower(m.opts.LoginPath)) {
		return false
	}
	for _, p := range m.opts.FormPaths {
		if strings.Contains(path, strings.ToLower(p)) {
			return false
		}
	}
	return true
}

// urlPath returns the path of raw, or raw itself when it does not parse.
func urlPath(raw string) string {
	if u, err := url.Parse(raw); err == nil && u.Path != "" {
		return u.Path
	}
	return raw
}

// extractReference pulls a reference token out of confirmation text. A
// token needs at least one digit. Without one, the collapsed text itself is
// used, cut to maxReferenceLen runes.
func extractReference(txt string) string {
	txt = strings.Join(strings.Fields(txt), " ")
	if txt == "" {
		return ""
	}
	if tok := referenceIn(txt); tok != "" {
		return tok
	}
	if r := []rune(txt); len(r) > maxReferenceLen {
		txt = string(r[:maxReferenceLen])
	}
	return txt
}

// referenceIn returns the first reference-like token in txt, or "".
func referenceIn(txt string) string {
	for _, tok := range referenceToken.FindAllString(txt, -1) {
		if strings.ContainsAny(tok, "0123456789") {
			return tok
		}
	}
	return ""
}
