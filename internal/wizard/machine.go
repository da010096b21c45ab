// Package wizard walks a subject through the fixed booking wizard and
// classifies where it ended up.
package wizard

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/slotrunner/api/schemas"
	"github.com/xkilldash9x/slotrunner/internal/browser"
	"github.com/xkilldash9x/slotrunner/internal/challenge"
	"github.com/xkilldash9x/slotrunner/internal/form"
	"github.com/xkilldash9x/slotrunner/internal/locator"
	"github.com/xkilldash9x/slotrunner/internal/retry"
)

// Phase marks a point in a step for StepHook.
type Phase string

const (
	PhaseFilled   Phase = "filled"
	PhaseAdvanced Phase = "advanced"
	PhaseFailed   Phase = "failed"
)

// StepHook observes step progress. It must not touch the form.
type StepHook func(ctx context.Context, state State, phase Phase)

// Options tunes a Machine.
type Options struct {
	StepTimeout      time.Duration
	StepRetries      int
	StepBackoff      time.Duration
	StepPause        time.Duration
	ChallengeTimeout time.Duration
	// BestEffort steps may fail without ending the run.
	BestEffort []State
	// FormPaths are URL path fragments that belong to the wizard. A final
	// URL containing none of them, and not the login path, has left the
	// form.
	FormPaths []string
	LoginPath string
	OnStep    StepHook
}

// DefaultFormPaths are the wizard's own routes.
var DefaultFormPaths = []string{
	"/book-an-appointment",
	"/book-appointment",
	"/application-detail",
	"/your-details",
	"/services",
	"/review",
}

func (o Options) withDefaults() Options {
	if o.StepTimeout <= 0 {
		o.StepTimeout = 6 * time.Second
	}
	if o.StepRetries <= 0 {
		o.StepRetries = 3
	}
	if o.StepBackoff < 0 {
		o.StepBackoff = 0
	}
	if o.ChallengeTimeout <= 0 {
		o.ChallengeTimeout = 120 * time.Second
	}
	if len(o.FormPaths) == 0 {
		o.FormPaths = DefaultFormPaths
	}
	if o.LoginPath == "" {
		o.LoginPath = "/login"
	}
	return o
}

// Result is where a subject's run through the wizard ended.
type Result struct {
	Status     schemas.Status
	Reference  string
	FailedStep string
	Err        error
	// Trace lists the states entered, in order.
	Trace []State
}

// Machine drives one page through the wizard. A Machine belongs to a
// single session.
type Machine struct {
	logger     *zap.Logger
	resolver   *locator.Resolver
	filler     *form.Filler
	gate       *challenge.Gate
	catalog    Catalog
	steps      []Step
	opts       Options
	bestEffort map[State]bool
}

// NewMachine returns a Machine over the default step sequence built from
// catalog. gate may be nil when no interstitial is expected.
func NewMachine(logger *zap.Logger, resolver *locator.Resolver, filler *form.Filler, gate *challenge.Gate, catalog Catalog, opts Options) *Machine {
	opts = opts.withDefaults()
	m := &Machine{
		logger:     logger.Named("wizard"),
		resolver:   resolver,
		filler:     filler,
		gate:       gate,
		catalog:    catalog,
		steps:      Steps(catalog),
		opts:       opts,
		bestEffort: make(map[State]bool, len(opts.BestEffort)),
	}
	for _, s := range opts.BestEffort {
		m.bestEffort[s] = true
	}
	return m
}

// Run walks every step in order and classifies the final page. It never
// panics on page faults; they surface as a Failed result.
func (m *Machine) Run(ctx context.Context, page browser.Page, subject schemas.Subject) Result {
	logger := m.logger.With(zap.String("subject", subject.Identifier()))
	var trace []State

	for _, step := range m.steps {
		trace = append(trace, step.State)
		logger.Info("Entering wizard step.", zap.Stringer("step", step.State))

		err := m.runStep(ctx, page, subject, step, logger)
		if err == nil {
			m.hook(ctx, step.State, PhaseAdvanced)
			if err := sleep(ctx, m.opts.StepPause); err != nil {
				return Result{Status: schemas.StatusFailed, FailedStep: step.State.String(), Err: err, Trace: trace}
			}
			continue
		}
		m.hook(ctx, step.State, PhaseFailed)

		switch {
		case ctx.Err() != nil:
			return Result{Status: schemas.StatusFailed, FailedStep: step.State.String(), Err: ctx.Err(), Trace: trace}
		case errors.Is(err, errNotSubmitted):
			logger.Error("Form was never submitted.", zap.Stringer("step", step.State), zap.Error(err))
			return Result{Status: schemas.StatusFailed, FailedStep: step.State.String(), Err: err, Trace: trace}
		case step.Final:
			logger.Warn("Submission was not acknowledged in time, classifying the page as it stands.", zap.Error(err))
		case m.bestEffort[step.State]:
			logger.Warn("Best-effort step failed, continuing.", zap.Stringer("step", step.State), zap.Error(err))
		default:
			logger.Error("Wizard step failed.", zap.Stringer("step", step.State), zap.Error(err))
			return Result{Status: schemas.StatusFailed, FailedStep: step.State.String(), Err: err, Trace: trace}
		}
	}

	trace = append(trace, Terminal)
	status, ref, err := m.Classify(ctx, page)
	res := Result{Status: status, Reference: ref, Err: err, Trace: trace}
	if status == schemas.StatusFailed {
		res.FailedStep = Review.String()
	}
	logger.Info("Wizard finished.", zap.String("status", string(status)), zap.String("reference", ref))
	return res
}

func (m *Machine) hook(ctx context.Context, state State, phase Phase) {
	if m.opts.OnStep != nil {
		m.opts.OnStep(ctx, state, phase)
	}
}

func (m *Machine) runStep(ctx context.Context, page browser.Page, subject schemas.Subject, step Step, logger *zap.Logger) error {
	startURL, _ := page.URL(ctx)

	if step.SkipIfNext && len(step.Next.Candidates) > 0 {
		if _, ok := m.resolver.Probe(ctx, page, step.Next); ok {
			logger.Debug("Step already satisfied.", zap.Stringer("step", step.State))
			return nil
		}
	}
	if !m.applies(ctx, page, step, startURL) {
		logger.Debug("Step not shown, skipping.", zap.Stringer("step", step.State))
		return nil
	}

	tries := m.opts.StepRetries
	if step.Final {
		tries = 1
	}
	err := retry.Attempt(ctx, func(ctx context.Context, try int) error {
		if try > 1 {
			if m.holds(ctx, page, step, startURL) {
				// The previous advance landed after its wait ran out.
				return nil
			}
			logger.Info("Retrying wizard step.", zap.Stringer("step", step.State), zap.Int("try", try))
		}
		return m.attemptStep(ctx, page, subject, step, startURL, logger)
	}, tries, retry.Constant(m.opts.StepBackoff))
	if err != nil {
		return fmt.Errorf("step %s: %w", step.State, err)
	}
	return nil
}

// applies reports whether a conditional step's page is showing.
func (m *Machine) applies(ctx context.Context, page browser.Page, step Step, current string) bool {
	if step.When == nil && step.WhenPath == "" {
		return true
	}
	if step.WhenPath != "" && strings.Contains(strings.ToLower(urlPath(current)), step.WhenPath) {
		return true
	}
	if step.When != nil {
		_, ok := m.resolver.Probe(ctx, page, *step.When)
		return ok
	}
	return false
}

// attemptStep fills, picks and clicks Advance, then waits for the step's
// success predicate. On a Final step, anything that fails before the
// Advance click is wrapped with errNotSubmitted.
func (m *Machine) attemptStep(ctx context.Context, page browser.Page, subject schemas.Subject, step Step, startURL string, logger *zap.Logger) error {
	if err := m.submit(ctx, page, subject, step, logger); err != nil {
		if step.Final {
			return fmt.Errorf("%w: %w", errNotSubmitted, err)
		}
		return err
	}
	return m.awaitAdvance(ctx, page, step, startURL)
}

func (m *Machine) submit(ctx context.Context, page browser.Page, subject schemas.Subject, step Step, logger *zap.Logger) error {
	filled := make(map[string]bool, len(step.Fields))
	for _, f := range step.Fields {
		value := f.Value(subject, filled)
		if value == "" {
			continue
		}
		ok := m.fill(ctx, page, f, value)
		filled[f.Name] = ok
		if ok {
			continue
		}
		if f.Required {
			return m.fieldError(ctx, page, f)
		}
		logger.Warn("Optional field not filled.", zap.String("field", f.Name))
	}
	if len(step.Fields) > 0 {
		m.hook(ctx, step.State, PhaseFilled)
	}

	if step.Pick != nil {
		if err := m.pick(ctx, page, subject, step, logger); err != nil {
			return err
		}
	}

	if step.Advance != nil && !m.filler.Click(ctx, page, *step.Advance) {
		return fmt.Errorf("advance control %s: %w", step.Advance.Name, schemas.ErrLocatorNotFound)
	}
	return nil
}

func (m *Machine) fill(ctx context.Context, page browser.Page, f Field, value string) bool {
	switch f.Kind {
	case SelectField:
		if m.filler.SelectOption(ctx, page, f.Spec, value) {
			return true
		}
		return len(f.Native.Candidates) > 0 && m.filler.SelectNative(ctx, page, f.Native, value)
	default:
		return m.filler.FillText(ctx, page, f.Spec, value)
	}
}

// fieldError tells an absent control apart from one that refused input.
func (m *Machine) fieldError(ctx context.Context, page browser.Page, f Field) error {
	if _, ok := m.resolver.Probe(ctx, page, f.Spec); !ok {
		return fmt.Errorf("required field %s: %w", f.Name, schemas.ErrLocatorNotFound)
	}
	return fmt.Errorf("required field %s rejected its value: %w", f.Name, schemas.ErrStepAdvanceFailed)
}

func (m *Machine) pick(ctx context.Context, page browser.Page, subject schemas.Subject, step Step, logger *zap.Logger) error {
	options, err := m.enumerate(ctx, page, step.Pick.Spec)
	if err != nil {
		return err
	}
	if len(options) == 0 {
		return fmt.Errorf("no %s available: %w", step.Pick.Spec.Name, schemas.ErrLocatorNotFound)
	}
	idx := step.Pick.Index(subject.Ordinal(), len(options))
	if idx < 0 || idx >= len(options) {
		return fmt.Errorf("pick index %d out of range for %d %s", idx, len(options), step.Pick.Spec.Name)
	}
	if err := page.Click(ctx, options[idx]); err != nil {
		return fmt.Errorf("choosing %s %d: %w", step.Pick.Spec.Name, idx, err)
	}
	logger.Info("Picked option.", zap.String("kind", step.Pick.Spec.Name), zap.Int("index", idx), zap.Int("count", len(options)))
	return nil
}

// enumerate waits up to the step timeout for at least one match of spec.
func (m *Machine) enumerate(ctx context.Context, page browser.Page, spec locator.Spec) ([]browser.Element, error) {
	deadline := time.Now().Add(m.opts.StepTimeout)
	for {
		els, err := m.resolver.ResolveAll(ctx, page, spec)
		if err != nil || len(els) > 0 || !time.Now().Before(deadline) {
			return els, err
		}
		if err := sleep(ctx, m.resolver.PollInterval()); err != nil {
			return nil, err
		}
	}
}

// holds evaluates the step's success predicate once.
func (m *Machine) holds(ctx context.Context, page browser.Page, step Step, startURL string) bool {
	if len(step.Next.Candidates) > 0 {
		if _, ok := m.resolver.Probe(ctx, page, step.Next); ok {
			return true
		}
	}
	if step.URLChange {
		if u, err := page.URL(ctx); err == nil && u != startURL {
			return true
		}
	}
	return false
}

// awaitAdvance waits for the success predicate. A URL change means a full
// navigation happened, so the challenge gate runs once before judging it.
func (m *Machine) awaitAdvance(ctx context.Context, page browser.Page, step Step, startURL string) error {
	if len(step.Next.Candidates) == 0 && !step.URLChange {
		return nil
	}
	gated := false
	deadline := time.Now().Add(m.opts.StepTimeout)
	for {
		if !gated && m.gate != nil {
			if u, err := page.URL(ctx); err == nil && u != startURL {
				gated = true
				if _, err := m.gate.AwaitClearance(ctx, page, m.opts.ChallengeTimeout); err != nil {
					return err
				}
				deadline = time.Now().Add(m.opts.StepTimeout)
			}
		}
		if m.holds(ctx, page, step, startURL) {
			return nil
		}
		if !time.Now().Before(deadline) {
			return fmt.Errorf("no sign of %s after advancing: %w", step.Next.Name, schemas.ErrStepAdvanceFailed)
		}
		if err := sleep(ctx, m.resolver.PollInterval()); err != nil {
			return err
		}
	}
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

var (
	// errNoConfirmation is returned with a Failed classification.
	errNoConfirmation = errors.New("no confirmation observed")
	// errNotSubmitted marks a Final step that never clicked its Advance
	// control. Such a run is Failed and never classified.
	errNotSubmitted = errors.New("form not submitted")
)
