package form

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/slotrunner/internal/browser/browsertest"
	"github.com/xkilldash9x/slotrunner/internal/locator"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var (
	emailCSS  = locator.CSS("input[formcontrolname='email']")
	centreCSS = locator.CSS("mat-select[formcontrolname='centre']")
	optionCSS = locator.CSS("mat-option")
	emailSpec = locator.NewSpec("email", emailCSS)
	centre    = locator.NewSpec("centre", centreCSS)
)

func newFiller(t *testing.T, retries int) (*Filler, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	logger := zap.New(core)
	resolver := locator.NewResolver(logger, 5*time.Millisecond)
	return NewFiller(logger, resolver, Options{
		LocateTimeout:   30 * time.Millisecond,
		Retries:         retries,
		Backoff:         time.Millisecond,
		DropdownTimeout: 30 * time.Millisecond,
		DropdownPoll:    5 * time.Millisecond,
		SettleDelay:     time.Millisecond,
	}), logs
}

func TestFillText(t *testing.T) {
	t.Run("native assignment", func(t *testing.T) {
		f, _ := newFiller(t, 2)
		page := browsertest.NewPage("p", "https://example.test").Add(emailCSS, &browsertest.Element{Key: "email"})

		assert.True(t, f.FillText(context.Background(), page, emailSpec, "ana@example.test"))
		assert.Equal(t, "ana@example.test", page.Get("email").Value)
		_, typed := page.Typed("email")
		assert.False(t, typed, "keystrokes are only a fallback")
	})

	t.Run("falls back to typing", func(t *testing.T) {
		f, _ := newFiller(t, 2)
		page := browsertest.NewPage("p", "https://example.test").
			Add(emailCSS, &browsertest.Element{Key: "email", RejectSetValue: true})

		assert.True(t, f.FillText(context.Background(), page, emailSpec, "ana@example.test"))
		typed, ok := page.Typed("email")
		assert.True(t, ok)
		assert.Equal(t, "ana@example.test", typed)
	})

	t.Run("missing control fails without retrying the search", func(t *testing.T) {
		f, logs := newFiller(t, 3)
		page := browsertest.NewPage("p", "https://example.test")

		start := time.Now()
		assert.False(t, f.FillText(context.Background(), page, emailSpec, "x"))
		assert.Less(t, time.Since(start), 500*time.Millisecond)
		assert.Equal(t, 1, logs.FilterMessage("Could not fill field.").Len())
	})
}

func centrePage(shown string, options ...string) *browsertest.Page {
	page := browsertest.NewPage("p", "https://example.test")
	control := &browsertest.Element{Key: "centre", Text: shown}
	control.OnClick = func(p *browsertest.Page) {
		for _, o := range options {
			text := o
			p.Add(optionCSS, &browsertest.Element{
				Key:  "opt:" + text,
				Text: "  " + text + " ",
				OnClick: func(p *browsertest.Page) {
					p.Get("centre").Text = text
					p.Remove(optionCSS)
				},
			})
		}
	}
	return page.Add(centreCSS, control)
}

func TestSelectOption(t *testing.T) {
	t.Run("exact match beats substring", func(t *testing.T) {
		f, _ := newFiller(t, 2)
		page := centrePage("Select centre", "Lisbon Premium Lounge", "LISBON", "Porto")

		assert.True(t, f.SelectOption(context.Background(), page, centre, "lisbon"))
		assert.Equal(t, "LISBON", page.Get("centre").Text)
		assert.Equal(t, []string{"centre", "opt:LISBON"}, page.Clicks())
		assert.Zero(t, page.Escapes())
	})

	t.Run("substring match", func(t *testing.T) {
		f, _ := newFiller(t, 2)
		page := centrePage("Select centre", "Guinea-Bissau Visa Application Centre", "Porto")

		assert.True(t, f.SelectOption(context.Background(), page, centre, "Bissau"))
		assert.Equal(t, "Guinea-Bissau Visa Application Centre", page.Get("centre").Text)
	})

	t.Run("idempotent when already showing the value", func(t *testing.T) {
		f, _ := newFiller(t, 2)
		page := centrePage("Lisbon", "Lisbon", "Porto")

		assert.True(t, f.SelectOption(context.Background(), page, centre, "Lisbon"))
		assert.True(t, f.SelectOption(context.Background(), page, centre, "lisbon"))
		assert.Empty(t, page.Clicks(), "dropdown must not be reopened")
	})

	t.Run("no match closes the dropdown", func(t *testing.T) {
		f, _ := newFiller(t, 3)
		page := centrePage("Select centre", "Porto", "Faro")

		assert.False(t, f.SelectOption(context.Background(), page, centre, "Lisbon"))
		assert.Equal(t, 1, page.Escapes())
		assert.Equal(t, []string{"centre"}, page.Clicks(), "no match is not retried")
	})

	t.Run("option list never opens", func(t *testing.T) {
		f, _ := newFiller(t, 2)
		page := browsertest.NewPage("p", "https://example.test").Add(centreCSS, &browsertest.Element{Key: "centre"})

		assert.False(t, f.SelectOption(context.Background(), page, centre, "Lisbon"))
		assert.Equal(t, 2, page.Escapes(), "every failed try closes what it opened")
	})

	t.Run("empty request", func(t *testing.T) {
		f, _ := newFiller(t, 2)
		page := centrePage("Select centre", "Porto")
		assert.False(t, f.SelectOption(context.Background(), page, centre, "  "))
		assert.Empty(t, page.Clicks())
	})
}

func TestSelectNative(t *testing.T) {
	selectCSS := locator.CSS("select#gender")
	spec := locator.NewSpec("gender", locator.CSS("mat-select[formcontrolname='gender']"), selectCSS)

	page := browsertest.NewPage("p", "https://example.test").
		Add(selectCSS, &browsertest.Element{Key: "gender"}).
		Add(locator.CSS("select#gender option"),
			&browsertest.Element{Key: "o1", Text: "Male", Attrs: map[string]string{"value": "M"}},
			&browsertest.Element{Key: "o2", Text: "Female", Attrs: map[string]string{"value": "F"}},
		)

	f, _ := newFiller(t, 2)
	require.True(t, f.SelectNative(context.Background(), page, spec, "female"))
	assert.Equal(t, "F", page.Get("gender").Value)

	assert.False(t, f.SelectNative(context.Background(), page, spec, "Other"))
}

func TestClick(t *testing.T) {
	submit := locator.CSS("button[type='submit']")
	page := browsertest.NewPage("p", "https://example.test").Add(submit, &browsertest.Element{Key: "submit"})

	f, _ := newFiller(t, 2)
	assert.True(t, f.Click(context.Background(), page, locator.NewSpec("submit", submit)))
	assert.Equal(t, []string{"submit"}, page.Clicks())

	assert.False(t, f.Click(context.Background(), page, locator.NewSpec("absent", locator.CSS("#nope"))))
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "guinea bissau", normalize("  Guinea \n  Bissau "))
}
