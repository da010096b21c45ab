// Package session runs one subject end to end inside its own isolated
// browser context.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"regexp"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/slotrunner/api/schemas"
	"github.com/xkilldash9x/slotrunner/internal/availability"
	"github.com/xkilldash9x/slotrunner/internal/browser"
	"github.com/xkilldash9x/slotrunner/internal/challenge"
	"github.com/xkilldash9x/slotrunner/internal/config"
	"github.com/xkilldash9x/slotrunner/internal/form"
	"github.com/xkilldash9x/slotrunner/internal/locator"
	"github.com/xkilldash9x/slotrunner/internal/retry"
	"github.com/xkilldash9x/slotrunner/internal/wizard"
)

const (
	navigateTries = 3
	closeTimeout  = 10 * time.Second
)

// Runner builds and runs sessions. It holds only configuration and shared
// collaborators; every per-subject object lives in the session it creates.
type Runner struct {
	logger     *zap.Logger
	cfg        *config.Config
	factory    browser.ContextFactory
	catalog    wizard.Catalog
	detector   availability.SignalDetector
	avail      *availability.Gate
	bestEffort []wizard.State
	runID      string
}

// Option customizes a Runner.
type Option func(*Runner)

// WithAvailabilityGate makes sessions share one availability watch. Without
// a gate, sessions go straight to the wizard.
func WithAvailabilityGate(g *availability.Gate) Option {
	return func(r *Runner) { r.avail = g }
}

// WithDetector replaces the stock availability detector.
func WithDetector(d availability.SignalDetector) Option {
	return func(r *Runner) { r.detector = d }
}

// WithCatalog replaces the default selector catalog.
func WithCatalog(c wizard.Catalog) Option {
	return func(r *Runner) { r.catalog = c }
}

// WithRunID groups screenshots under the run that took them.
func WithRunID(id string) Option {
	return func(r *Runner) { r.runID = id }
}

// NewRunner validates the wizard settings in cfg and returns a Runner.
func NewRunner(logger *zap.Logger, cfg *config.Config, factory browser.ContextFactory, opts ...Option) (*Runner, error) {
	r := &Runner{
		logger:   logger.Named("session"),
		cfg:      cfg,
		factory:  factory,
		catalog:  wizard.DefaultCatalog(),
		detector: availability.NewPageDetector(),
		runID:    uuid.NewString(),
	}
	for _, name := range cfg.Wizard.BestEffortSteps {
		st, err := wizard.ParseState(name)
		if err != nil {
			return nil, fmt.Errorf("invalid wizard.best_effort_steps: %w", err)
		}
		r.bestEffort = append(r.bestEffort, st)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// session is everything one subject owns for the length of its run.
type session struct {
	r        *Runner
	id       string
	subject  schemas.Subject
	logger   *zap.Logger
	page     browser.Context
	gate     *challenge.Gate
	resolver *locator.Resolver
	filler   *form.Filler
	// stage names what the session was doing, for failure records.
	stage string
	shots int
}

func (r *Runner) newSession(subject schemas.Subject) *session {
	id := uuid.NewString()
	logger := r.logger.With(zap.String("session_id", id), zap.String("subject", subject.Identifier()))
	resolver := locator.NewResolver(logger, r.cfg.Locator.PollInterval)
	return &session{
		r:        r,
		id:       id,
		subject:  subject,
		logger:   logger,
		gate:     challenge.NewGate(logger, r.cfg.Challenge.Markers, r.cfg.Challenge.Interval),
		resolver: resolver,
		filler: form.NewFiller(logger, resolver, form.Options{
			LocateTimeout:   r.cfg.Locator.Timeout,
			Retries:         r.cfg.Wizard.FieldRetries,
			DropdownTimeout: r.cfg.Wizard.DropdownTimeout,
			DropdownPoll:    r.cfg.Wizard.DropdownPoll,
			SettleDelay:     r.cfg.Wizard.SettleDelay,
		}),
		stage: "open",
	}
}

// Profile returns the isolated context description for subject. The
// cookie file is keyed by the subject's identifier so warmed-up sessions
// can be reused; subjects sharing an email must have been through
// schemas.UniqueIdentifiers to get files of their own.
func (r *Runner) Profile(subject schemas.Subject, sessionID string) browser.Profile {
	return browser.Profile{
		ID:         sessionID,
		CookieFile: filepath.Join(r.cfg.Browser.ProfileDir, profileName(subject)+".cookies.json"),
	}
}

var unsafeName = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

func profileName(subject schemas.Subject) string {
	name := strings.Trim(unsafeName.ReplaceAllString(strings.ToLower(subject.Identifier()), "_"), "_.")
	if name == "" {
		name = fmt.Sprintf("subject-%d", subject.Ordinal())
	}
	return name
}

// Run takes subject through login, the shared availability watch and the
// wizard. It always returns a result and always releases the browser
// context, including when something panics.
func (r *Runner) Run(ctx context.Context, subject schemas.Subject) (res schemas.SessionResult) {
	s := r.newSession(subject)
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("Session panicked.",
				zap.Any("panic_value", rec),
				zap.String("stack", string(debug.Stack())),
			)
			res = schemas.NewFailedResult(subject, s.id, s.stage, fmt.Errorf("%w: %v", schemas.ErrSessionPanic, rec))
			res.Duration = time.Since(start)
		}
	}()

	s.logger.Info("Session starting.", zap.Int("ordinal", subject.Ordinal()))
	status, ref, err := s.run(ctx)
	if status == schemas.StatusFailed && err != nil && s.gate.TimedOut() && !errors.Is(err, schemas.ErrChallengeTimeout) {
		// A failure after an interstitial that never cleared is blamed on it.
		err = fmt.Errorf("%w: %w", schemas.ErrChallengeTimeout, err)
	}
	res = s.result(status, ref, err, start)
	s.logger.Info("Session finished.",
		zap.String("status", string(res.Status)),
		zap.String("reference", res.Reference),
		zap.String("error_kind", string(res.ErrorKind)),
		zap.Duration("duration", res.Duration),
	)
	return res
}

func (s *session) run(ctx context.Context) (schemas.Status, string, error) {
	if err := s.openContext(ctx); err != nil {
		return schemas.StatusFailed, "", err
	}
	defer s.close()

	s.stage = "login"
	if err := s.login(ctx); err != nil {
		s.screenshot(ctx, "login_failed")
		return schemas.StatusFailed, "", err
	}

	s.stage = "availability"
	if err := s.awaitAvailability(ctx); err != nil {
		return schemas.StatusFailed, "", err
	}

	s.stage = "booking"
	if err := s.load(ctx, s.r.cfg.Site.BookingURL()); err != nil {
		return schemas.StatusFailed, "", err
	}

	m := wizard.NewMachine(s.logger, s.resolver, s.filler, s.gate, s.r.catalog, wizard.Options{
		StepTimeout:      s.r.cfg.Wizard.StepTimeout,
		StepRetries:      s.r.cfg.Wizard.StepRetries,
		StepBackoff:      s.r.cfg.Wizard.StepBackoff,
		StepPause:        s.r.cfg.Wizard.StepPause,
		ChallengeTimeout: s.r.cfg.Challenge.Timeout,
		BestEffort:       s.r.bestEffort,
		LoginPath:        s.r.cfg.Site.LoginPath,
		OnStep: func(ctx context.Context, state wizard.State, phase wizard.Phase) {
			s.stage = state.String()
			if phase != wizard.PhaseFilled {
				s.screenshot(ctx, state.String()+"_"+string(phase))
			}
		},
	})
	wres := m.Run(ctx, s.page, s.subject)
	s.screenshot(ctx, "final")
	if wres.FailedStep != "" {
		s.stage = wres.FailedStep
	}

	return wres.Status, wres.Reference, wres.Err
}

func (s *session) result(status schemas.Status, ref string, err error, start time.Time) schemas.SessionResult {
	res := schemas.SessionResult{
		SessionID: s.id,
		Subject:   s.subject.Identifier(),
		Name:      s.subject.Name(),
		Ordinal:   s.subject.Ordinal(),
		Status:    status,
		Reference: ref,
		Timestamp: time.Now().UTC(),
		Duration:  time.Since(start),
	}
	if err != nil {
		res.ErrorKind = schemas.Classify(err)
		res.Error = err.Error()
	}
	if status == schemas.StatusFailed {
		res.FailedStep = s.stage
	}
	return res
}

func (s *session) openContext(ctx context.Context) error {
	page, err := s.r.factory.NewContext(ctx, s.r.Profile(s.subject, s.id))
	if err != nil {
		return fmt.Errorf("opening browser context: %w: %w", schemas.ErrTransportFault, err)
	}
	s.page = page
	return nil
}

// close releases the browser context even when ctx is already done.
func (s *session) close() {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := s.page.Close(ctx); err != nil {
		s.logger.Warn("Failed to close browser context cleanly.", zap.Error(err))
	}
}

// load navigates to target, waits out any interstitial and clears the
// cookie banner.
func (s *session) load(ctx context.Context, target string) error {
	err := retry.Attempt(ctx, func(ctx context.Context, try int) error {
		if try > 1 {
			s.logger.Info("Retrying navigation.", zap.String("url", target), zap.Int("try", try))
		}
		return s.page.Navigate(ctx, target)
	}, navigateTries, retry.Exponential(s.r.cfg.Wizard.StepBackoff, 4*s.r.cfg.Wizard.StepBackoff))
	if err != nil {
		return fmt.Errorf("navigating to %s: %w: %w", target, schemas.ErrTransportFault, err)
	}
	if _, err := s.gate.AwaitClearance(ctx, s.page, s.r.cfg.Challenge.Timeout); err != nil {
		return err
	}
	s.dismissCookieBanner(ctx)
	return nil
}

const removeOverlaysScript = `(() => {
	let removed = 0;
	for (const sel of ['#onetrust-consent-sdk', '.onetrust-pc-dark-filter', '.cdk-overlay-backdrop', '.cookie-banner', '.modal-backdrop']) {
		document.querySelectorAll(sel).forEach(el => { el.remove(); removed++; });
	}
	document.body && (document.body.style.overflow = 'auto');
	return removed;
})()`

func (s *session) dismissCookieBanner(ctx context.Context) {
	if el, ok := s.resolver.Probe(ctx, s.page, s.r.catalog.CookieAccept); ok {
		if err := s.page.Click(ctx, el); err != nil {
			s.logger.Debug("Could not accept cookie banner.", zap.Error(err))
		} else {
			s.logger.Debug("Cookie banner accepted.")
		}
	}
	var removed int
	if err := s.page.Evaluate(ctx, removeOverlaysScript, &removed); err != nil {
		s.logger.Debug("Overlay removal failed.", zap.Error(err))
	} else if removed > 0 {
		s.logger.Debug("Removed blocking overlays.", zap.Int("count", removed))
	}
}

// credentials prefer the subject's own login over the shared account.
func (s *session) credentials() (string, string) {
	if email, password, ok := s.subject.Credentials(); ok {
		return email, password
	}
	return s.r.cfg.Account.Email, s.r.cfg.Account.Password
}

// authenticated reports whether the page shows a signed-in view.
func (s *session) authenticated(ctx context.Context) bool {
	if _, ok := s.resolver.Probe(ctx, s.page, s.r.catalog.LoginSuccess); ok {
		return true
	}
	current, err := s.page.URL(ctx)
	if err != nil {
		return false
	}
	return leftLogin(current, s.r.cfg.Site.LoginPath)
}

func leftLogin(raw, loginPath string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	return !strings.Contains(strings.ToLower(u.Path), strings.ToLower(loginPath))
}

// login signs in unless the restored cookies already did.
func (s *session) login(ctx context.Context) error {
	if err := s.load(ctx, s.r.cfg.Site.LoginURL()); err != nil {
		return err
	}
	if s.authenticated(ctx) {
		s.logger.Info("Already authenticated, skipping login.")
		return nil
	}

	email, password := s.credentials()
	if email == "" || password == "" {
		return fmt.Errorf("no account configured: %w", schemas.ErrLoginFailed)
	}
	c := s.r.catalog
	if !s.filler.FillText(ctx, s.page, c.LoginEmail, email) {
		return fmt.Errorf("email field: %w", schemas.ErrLoginFailed)
	}
	if !s.filler.FillText(ctx, s.page, c.LoginPassword, password) {
		return fmt.Errorf("password field: %w", schemas.ErrLoginFailed)
	}
	startURL, _ := s.page.URL(ctx)
	if !s.filler.Click(ctx, s.page, c.LoginSubmit) {
		return fmt.Errorf("submit control: %w", schemas.ErrLoginFailed)
	}

	gated := false
	deadline := time.Now().Add(s.r.cfg.Locator.Timeout)
	for {
		if !gated {
			if u, err := s.page.URL(ctx); err == nil && u != startURL {
				gated = true
				if _, err := s.gate.AwaitClearance(ctx, s.page, s.r.cfg.Challenge.Timeout); err != nil {
					return err
				}
			}
		}
		if s.authenticated(ctx) {
			s.logger.Info("Logged in.")
			s.dismissCookieBanner(ctx)
			return nil
		}
		if !time.Now().Before(deadline) {
			return fmt.Errorf("still on the login page after %s: %w", s.r.cfg.Locator.Timeout, schemas.ErrLoginFailed)
		}
		if err := sleep(ctx, s.resolver.PollInterval()); err != nil {
			return err
		}
	}
}

// awaitAvailability takes part in the shared watch: the first session to
// get here polls and publishes, the rest wait for its decision.
func (s *session) awaitAvailability(ctx context.Context) error {
	g := s.r.avail
	if g == nil {
		return nil
	}
	d, owner, err := g.Acquire(ctx)
	if err != nil {
		return err
	}
	if owner {
		defer g.Release()
		d, err = s.watch(ctx)
		if err != nil {
			return err
		}
		g.Publish(d)
	} else {
		s.logger.Info("Using shared availability decision.", zap.Stringer("result", d.Result))
	}
	if d.Err != nil {
		return d.Err
	}
	if d.Result != availability.Available {
		return fmt.Errorf("watched for %s: %w", s.r.cfg.Poll.Window, schemas.ErrAvailabilityExpired)
	}
	return nil
}

func (s *session) watch(ctx context.Context) (availability.Decision, error) {
	return s.r.watch(ctx, s.page, s.gate, s.logger)
}

func (r *Runner) watch(ctx context.Context, page browser.Page, gate *challenge.Gate, logger *zap.Logger) (availability.Decision, error) {
	target := r.cfg.Poll.TargetURL
	if target == "" {
		target = r.cfg.Site.BookingURL()
	}
	poller := availability.NewPoller(logger, gate, availability.Options{
		TargetURL:        target,
		Jitter:           r.cfg.Poll.Jitter,
		ChallengeTimeout: r.cfg.Challenge.Timeout,
	})
	res, err := poller.Watch(ctx, page, time.Now().Add(r.cfg.Poll.Window), r.cfg.Poll.Interval, r.detector)
	if err != nil {
		return availability.Decision{}, err
	}
	return availability.Decision{Result: res}, nil
}

// screenshot is best effort and only runs when enabled.
func (s *session) screenshot(ctx context.Context, label string) {
	if !s.r.cfg.Run.Screenshots || s.page == nil {
		return
	}
	s.shots++
	name := fmt.Sprintf("%s_%02d_%s.png", profileName(s.subject), s.shots, label)
	path := filepath.Join(s.r.cfg.Run.ScreenshotDir, s.r.runID, name)
	if err := s.page.Screenshot(ctx, path); err != nil {
		s.logger.Debug("Screenshot failed.", zap.String("path", path), zap.Error(err))
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
