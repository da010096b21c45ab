package wizard

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/slotrunner/api/schemas"
	"github.com/xkilldash9x/slotrunner/internal/browser"
	"github.com/xkilldash9x/slotrunner/internal/browser/browsertest"
	"github.com/xkilldash9x/slotrunner/internal/challenge"
	"github.com/xkilldash9x/slotrunner/internal/form"
	"github.com/xkilldash9x/slotrunner/internal/locator"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const base = "https://portal.example.test/gnb/en/prt"

var (
	centreCSS    = css("#centre")
	categoryCSS  = css("#category")
	dateCSS      = css("td.available")
	slotCSS      = css("button.slot")
	firstCSS     = css("#first")
	lastCSS      = css("#last")
	emailCSS     = css("#email")
	passportCSS  = css("#passport")
	continueCSS  = css("#continue")
	reviewCSS    = css("app-review")
	confirmCSS   = css("#confirm")
	servicesCSS  = css("app-services")
	referenceCSS = css(".booking-reference")
	phraseCSS    = css(".phrase")
	optionCSS    = css("mat-option")
)

// testCatalog has one candidate per control so the fake page can be
// scripted by locator.
func testCatalog() Catalog {
	none := locator.Spec{Name: "absent"}
	return Catalog{
		Centre:         spec("centre", centreCSS),
		Category:       spec("category", categoryCSS),
		SubCategory:    spec("sub_category", css("#sub")),
		Reason:         spec("reason", css("#reason")),
		Calendar:       spec("calendar", css("mat-calendar")),
		DateCells:      spec("date_cells", dateCSS),
		Slots:          spec("slots", slotCSS),
		FirstName:      spec("first_name", firstCSS),
		LastName:       spec("last_name", lastCSS),
		DateOfBirth:    spec("dob", css("#dob")),
		Email:          spec("email", emailCSS),
		MobileCode:     spec("code", css("#code")),
		MobileNumber:   spec("mobile", css("#mobile")),
		PassportNumber: spec("passport", passportCSS),
		PassportExpiry: spec("expiry", css("#expiry")),
		Gender:         spec("gender", css("#gender")),
		GenderNative:   none,
		Nationality:    spec("nationality", css("#nationality")),
		ServicesMarker: spec("services", servicesCSS),
		Continue:       spec("continue", continueCSS),
		ReviewMarker:   spec("review", reviewCSS),
		Confirm:        spec("confirm", confirmCSS),
		Reference:      spec("reference", referenceCSS),
		ConfirmPhrases: spec("phrase", phraseCSS),
	}
}

func testSubject(ordinal int) schemas.Subject {
	return schemas.SubjectFromMap(ordinal, map[string]string{
		schemas.FieldFirstName:      "Ana",
		schemas.FieldLastName:       "Silva",
		schemas.FieldEmail:          "ana@example.test",
		schemas.FieldPassportNumber: "P1234567",
		schemas.FieldCentre:         "Bissau",
		schemas.FieldCategory:       "Schengen Visa",
	})
}

// dropdown scripts a custom select whose options appear on click and
// vanish once one is chosen.
func dropdown(page *browsertest.Page, loc browser.Locator, options ...string) *browsertest.Element {
	control := &browsertest.Element{}
	control.OnClick = func(p *browsertest.Page) {
		for _, o := range options {
			o := o
			p.Add(optionCSS, &browsertest.Element{Text: o, OnClick: func(p *browsertest.Page) {
				control.Text = o
				p.Remove(optionCSS)
			}})
		}
	}
	control.Key = loc.Expr
	page.Add(loc, control)
	return control
}

type wizardPage struct {
	*browsertest.Page
	// onConfirm decides what submission does.
	onConfirm func(p *browsertest.Page)
	// services shows the extra services page before the review.
	services bool
	// afterDetails, when set, replaces whatever the details Continue does.
	afterDetails func(p *browsertest.Page)
}

// newWizardPage scripts the whole booking flow. Continue advances one
// stage per click, as the real portal does.
func newWizardPage(slots int) *wizardPage {
	wp := &wizardPage{Page: browsertest.NewPage("ctx-1", base+"/book-an-appointment")}
	p := wp.Page

	dropdown(p, centreCSS, "Bissau", "Lisbon")
	dropdown(p, categoryCSS, "Schengen Visa", "National Visa")

	stage := 0
	p.Add(continueCSS, &browsertest.Element{Key: "continue", OnClick: func(p *browsertest.Page) {
		stage++
		switch stage {
		case 1:
			p.SetURL(base + "/book-an-appointment/schedule")
			p.Add(css("mat-calendar"), &browsertest.Element{})
			p.Add(dateCSS, &browsertest.Element{Key: "date-0", OnClick: func(p *browsertest.Page) {
				for i := 0; i < slots; i++ {
					p.Add(slotCSS, &browsertest.Element{})
				}
			}})
		case 2:
			p.SetURL(base + "/your-details")
			for _, loc := range []browser.Locator{firstCSS, lastCSS, emailCSS, passportCSS} {
				p.Add(loc, &browsertest.Element{Key: loc.Expr})
			}
		case 3:
			switch {
			case wp.afterDetails != nil:
				wp.afterDetails(p)
				return
			case wp.services:
				p.SetURL(base + "/services")
				p.Add(servicesCSS, &browsertest.Element{})
				return
			}
			fallthrough
		case 4:
			p.Remove(servicesCSS)
			p.SetURL(base + "/review")
			p.Add(reviewCSS, &browsertest.Element{})
			p.Add(confirmCSS, &browsertest.Element{Key: "confirm", OnClick: func(p *browsertest.Page) {
				if wp.onConfirm != nil {
					wp.onConfirm(p)
				}
			}})
		}
	}})
	return wp
}

func countClicks(p *browsertest.Page, key string) int {
	n := 0
	for _, k := range p.Clicks() {
		if k == key {
			n++
		}
	}
	return n
}

func newMachine(t *testing.T, opts Options) (*Machine, *challenge.Gate, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	logger := zap.New(core)
	resolver := locator.NewResolver(logger, 2*time.Millisecond)
	filler := form.NewFiller(logger, resolver, form.Options{
		LocateTimeout:   20 * time.Millisecond,
		Retries:         1,
		Backoff:         time.Millisecond,
		DropdownTimeout: 20 * time.Millisecond,
		DropdownPoll:    2 * time.Millisecond,
		SettleDelay:     -1,
	})
	gate := challenge.NewGate(logger, nil, 2*time.Millisecond)
	if opts.StepTimeout == 0 {
		opts.StepTimeout = 40 * time.Millisecond
	}
	if opts.StepBackoff == 0 {
		opts.StepBackoff = time.Millisecond
	}
	if opts.ChallengeTimeout == 0 {
		opts.ChallengeTimeout = 20 * time.Millisecond
	}
	return NewMachine(logger, resolver, filler, gate, testCatalog(), opts), gate, logs
}

func TestMachine_Booked(t *testing.T) {
	wp := newWizardPage(3)
	wp.onConfirm = func(p *browsertest.Page) {
		p.SetURL(base + "/booking-confirmation")
		p.Add(referenceCSS, &browsertest.Element{Text: "Your reference number is GNB2024001234"})
	}
	var phases []string
	m, _, _ := newMachine(t, Options{OnStep: func(_ context.Context, s State, ph Phase) {
		phases = append(phases, s.String()+":"+string(ph))
	}})

	res := m.Run(context.Background(), wp, testSubject(4))

	require.NoError(t, res.Err)
	assert.Equal(t, schemas.StatusBooked, res.Status)
	assert.Equal(t, "GNB2024001234", res.Reference)
	assert.Empty(t, res.FailedStep)
	assert.Equal(t, []State{CategorySelection, DateSelection, SlotSelection, PersonalDetails, Services, Review, Terminal}, res.Trace)

	assert.Equal(t, "Bissau", wp.Get(centreCSS.Expr).Text)
	assert.Equal(t, "Schengen Visa", wp.Get(categoryCSS.Expr).Text)
	assert.Equal(t, "Ana", wp.Get(firstCSS.Expr).Value)
	assert.Equal(t, "P1234567", wp.Get(passportCSS.Expr).Value)

	// Ordinal 4 over 3 slots lands on the second slot.
	assert.Contains(t, wp.Clicks(), slotCSS.String()+"#1")
	assert.NotContains(t, wp.Clicks(), slotCSS.String()+"#0")
	assert.Contains(t, phases, "personal_details:filled")
	assert.Contains(t, phases, "review:advanced")
}

func TestMachine_SubmittedUnconfirmed(t *testing.T) {
	wp := newWizardPage(2)
	wp.onConfirm = func(p *browsertest.Page) {
		p.SetURL(base + "/application-status")
	}
	m, _, _ := newMachine(t, Options{})

	res := m.Run(context.Background(), wp, testSubject(0))

	assert.Equal(t, schemas.StatusSubmittedUnconfirmed, res.Status)
	assert.Empty(t, res.Reference)
	assert.NoError(t, res.Err)
	assert.Empty(t, res.FailedStep)
}

func TestMachine_NoConfirmationOnForm(t *testing.T) {
	wp := newWizardPage(2)
	m, _, _ := newMachine(t, Options{})

	res := m.Run(context.Background(), wp, testSubject(0))

	assert.Equal(t, schemas.StatusFailed, res.Status)
	assert.ErrorIs(t, res.Err, schemas.ErrStepAdvanceFailed)
	assert.Equal(t, Review.String(), res.FailedStep)
	// Submission is never repeated.
	assert.Equal(t, 1, countClicks(wp.Page, "confirm"))
}

func TestMachine_RedirectBeforeReviewIsNotASubmission(t *testing.T) {
	wp := newWizardPage(2)
	wp.afterDetails = func(p *browsertest.Page) {
		p.SetURL(base + "/error/session-expired")
	}
	m, _, logs := newMachine(t, Options{})

	res := m.Run(context.Background(), wp, testSubject(0))

	assert.Equal(t, schemas.StatusFailed, res.Status)
	assert.Equal(t, Review.String(), res.FailedStep)
	assert.ErrorIs(t, res.Err, errNotSubmitted)
	assert.Equal(t, schemas.KindLocatorNotFound, schemas.Classify(res.Err))
	assert.Empty(t, res.Reference)
	assert.Zero(t, countClicks(wp.Page, "confirm"))
	assert.NotContains(t, res.Trace, Terminal, "an unsubmitted form is never classified")
	assert.Equal(t, 1, logs.FilterMessage("Form was never submitted.").Len())
	assert.Zero(t, logs.FilterMessage("Page left the form without a confirmation.").Len())
}

func TestMachine_ServicesPagePassedThrough(t *testing.T) {
	wp := newWizardPage(1)
	wp.services = true
	wp.onConfirm = func(p *browsertest.Page) {
		p.SetURL(base + "/booking-confirmation")
		p.Add(referenceCSS, &browsertest.Element{Text: "Reference GNB2024005555"})
	}
	var phases []string
	m, _, _ := newMachine(t, Options{OnStep: func(_ context.Context, s State, ph Phase) {
		phases = append(phases, s.String()+":"+string(ph))
	}})

	res := m.Run(context.Background(), wp, testSubject(0))

	require.NoError(t, res.Err)
	assert.Equal(t, schemas.StatusBooked, res.Status)
	assert.Equal(t, "GNB2024005555", res.Reference)
	assert.Equal(t, 4, countClicks(wp.Page, "continue"))
	assert.Contains(t, phases, "services:advanced")
}

func TestMachine_ServicesPageStuck(t *testing.T) {
	wp := newWizardPage(1)
	wp.afterDetails = func(p *browsertest.Page) {
		// Continue on the services page goes nowhere.
		p.SetURL(base + "/services")
		p.Add(servicesCSS, &browsertest.Element{})
		p.Remove(continueCSS)
		p.Add(continueCSS, &browsertest.Element{Key: "continue"})
	}
	m, _, _ := newMachine(t, Options{StepRetries: 2})

	res := m.Run(context.Background(), wp, testSubject(0))

	assert.Equal(t, schemas.StatusFailed, res.Status)
	assert.Equal(t, Services.String(), res.FailedStep)
	assert.ErrorIs(t, res.Err, schemas.ErrStepAdvanceFailed)
	assert.Zero(t, countClicks(wp.Page, "confirm"))
}

func TestMachine_PhraseWithoutReference(t *testing.T) {
	wp := newWizardPage(1)
	wp.onConfirm = func(p *browsertest.Page) {
		p.Add(phraseCSS, &browsertest.Element{Text: "Appointment Confirmed"})
	}
	m, _, _ := newMachine(t, Options{})

	res := m.Run(context.Background(), wp, testSubject(0))

	assert.Equal(t, schemas.StatusBooked, res.Status)
	assert.Empty(t, res.Reference)
}

func TestMachine_RequiredFieldMissing(t *testing.T) {
	wp := newWizardPage(1)
	wp.Remove(categoryCSS)
	m, _, logs := newMachine(t, Options{StepRetries: 2})

	res := m.Run(context.Background(), wp, testSubject(0))

	assert.Equal(t, schemas.StatusFailed, res.Status)
	assert.Equal(t, CategorySelection.String(), res.FailedStep)
	assert.ErrorIs(t, res.Err, schemas.ErrLocatorNotFound)
	assert.Equal(t, schemas.KindLocatorNotFound, schemas.Classify(res.Err))
	assert.Equal(t, []State{CategorySelection}, res.Trace)
	assert.Equal(t, 1, logs.FilterMessage("Retrying wizard step.").Len())
}

func TestMachine_NoSlots(t *testing.T) {
	wp := newWizardPage(0)
	m, _, _ := newMachine(t, Options{StepRetries: 1, BestEffort: []State{DateSelection}})

	res := m.Run(context.Background(), wp, testSubject(0))

	assert.Equal(t, schemas.StatusFailed, res.Status)
	assert.Equal(t, SlotSelection.String(), res.FailedStep)
	assert.ErrorIs(t, res.Err, schemas.ErrLocatorNotFound)
}

func TestMachine_BestEffortDateSelection(t *testing.T) {
	// The portal opens straight onto the slot list: no date cells at all.
	wp := newWizardPage(2)
	wp.Remove(continueCSS)
	stage := 0
	wp.Add(continueCSS, &browsertest.Element{Key: "continue", OnClick: func(p *browsertest.Page) {
		stage++
		switch stage {
		case 1:
			p.SetURL(base + "/book-an-appointment/schedule")
			p.Add(css("mat-calendar"), &browsertest.Element{})
		case 2:
			p.SetURL(base + "/your-details")
			for _, loc := range []browser.Locator{firstCSS, lastCSS, emailCSS, passportCSS} {
				p.Add(loc, &browsertest.Element{Key: loc.Expr})
			}
		case 3:
			p.SetURL(base + "/review")
			p.Add(reviewCSS, &browsertest.Element{})
			p.Add(confirmCSS, &browsertest.Element{OnClick: func(p *browsertest.Page) {
				p.Add(referenceCSS, &browsertest.Element{Text: "REF 77AB12CD"})
			}})
		}
	}})
	// Slots show up late, after the date step has given up.
	m, _, logs := newMachine(t, Options{StepRetries: 1, BestEffort: []State{DateSelection}, OnStep: func(_ context.Context, s State, ph Phase) {
		if s == DateSelection && ph == PhaseFailed {
			wp.Add(slotCSS, &browsertest.Element{}, &browsertest.Element{})
		}
	}})

	res := m.Run(context.Background(), wp, testSubject(0))

	assert.Equal(t, schemas.StatusBooked, res.Status)
	assert.Equal(t, "77AB12CD", res.Reference)
	assert.Equal(t, 1, logs.FilterMessage("Best-effort step failed, continuing.").Len())
}

func TestMachine_Cancelled(t *testing.T) {
	wp := newWizardPage(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m, _, _ := newMachine(t, Options{})

	res := m.Run(ctx, wp, testSubject(0))

	assert.Equal(t, schemas.StatusFailed, res.Status)
	assert.True(t, errors.Is(res.Err, context.Canceled))
	assert.Equal(t, schemas.KindCancelled, schemas.Classify(res.Err))
}

func TestMachine_ChallengeAfterNavigation(t *testing.T) {
	wp := newWizardPage(1)
	wp.onConfirm = func(p *browsertest.Page) {
		p.SetURL(base + "/booking-confirmation")
		p.SetTitle("Just a moment...")
	}
	m, gate, _ := newMachine(t, Options{})

	res := m.Run(context.Background(), wp, testSubject(0))

	assert.True(t, gate.TimedOut())
	// Still on an unrecognised page with no confirmation.
	assert.Equal(t, schemas.StatusSubmittedUnconfirmed, res.Status)
}

func TestExtractReference(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Reference: GNB2024001234", "GNB2024001234"},
		{"  Booking   ref\nABC-12345 confirmed ", "ABC-12345"},
		{"Your booking is confirmed", "Your booking is confirmed"},
		{"CONFIRMED ONLY", "CONFIRMED ONLY"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, extractReference(tt.in), tt.in)
	}
	assert.Len(t, extractReference(longText(150)), maxReferenceLen)

	accented := extractReference(strings.Repeat("Marcação confirmada ", 10))
	assert.True(t, utf8.ValidString(accented))
	assert.Equal(t, maxReferenceLen, utf8.RuneCountInString(accented))
	assert.True(t, strings.HasPrefix(accented, "Marcação confirmada Marcação"))
}

func longText(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = 'a'
	}
	return string(b)
}

func TestOffForm(t *testing.T) {
	m, _, _ := newMachine(t, Options{})
	assert.False(t, m.offForm(base+"/book-an-appointment"))
	assert.False(t, m.offForm(base+"/review?step=2"))
	assert.False(t, m.offForm(base+"/login"))
	assert.True(t, m.offForm(base+"/dashboard"))
	assert.True(t, m.offForm(base+"/payment/complete"))
}

func TestParseState(t *testing.T) {
	s, err := ParseState(" Date_Selection ")
	require.NoError(t, err)
	assert.Equal(t, DateSelection, s)

	s, err = ParseState("services")
	require.NoError(t, err)
	assert.Equal(t, Services, s)

	_, err = ParseState("checkout")
	assert.Error(t, err)
	assert.Equal(t, "state(42)", State(42).String())
}
