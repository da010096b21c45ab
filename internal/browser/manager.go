package browser

import (
	"context"
	"errors"
	"fmt"
	goruntime "runtime"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/slotrunner/internal/browser/stealth"
	"github.com/xkilldash9x/slotrunner/internal/config"
	"github.com/xkilldash9x/slotrunner/internal/humanoid"
)

// Manager owns the browser process and hands out isolated contexts, one per
// subject. All contexts share one allocator but no cookies or storage.
type Manager struct {
	logger  *zap.Logger
	cfg     config.BrowserConfig
	netCfg  config.NetworkConfig
	persona stealth.Persona
	keys    humanoid.KeyConfig
	proxy   string

	allocCtx      context.Context
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	// execCtx addresses the browser endpoint rather than a page.
	execCtx context.Context

	// createMu serializes context creation; Chrome handles concurrent
	// CreateBrowserContext calls poorly.
	createMu sync.Mutex
	wg       sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

var _ ContextFactory = (*Manager)(nil)

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithProxyServer routes every context through addr.
func WithProxyServer(addr string) ManagerOption {
	return func(m *Manager) { m.proxy = addr }
}

// NewManager launches the browser and verifies it responds.
func NewManager(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...ManagerOption) (*Manager, error) {
	m := &Manager{
		logger: logger.Named("browser_manager"),
		cfg:    cfg.Browser,
		netCfg: cfg.Network,
		persona: stealth.Persona{
			UserAgent: cfg.Browser.Persona.UserAgent,
			Platform:  cfg.Browser.Persona.Platform,
			Languages: cfg.Browser.Persona.Languages,
			Timezone:  cfg.Browser.Persona.Timezone,
			Locale:    cfg.Browser.Persona.Locale,
		},
		keys: humanoid.KeyConfig{
			MeanMs:   cfg.Browser.Typing.MeanMs,
			StdDevMs: cfg.Browser.Typing.StdDevMs,
			MinMs:    cfg.Browser.Typing.MinMs,
			MaxMs:    cfg.Browser.Typing.MaxMs,
		},
	}
	for _, opt := range opts {
		opt(m)
	}

	if err := m.launch(ctx); err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}
	return m, nil
}

func (m *Manager) launch(ctx context.Context) error {
	m.logger.Info("Initializing browser allocator.", zap.Bool("headless", m.cfg.Headless))

	m.allocCtx, m.allocCancel = chromedp.NewExecAllocator(ctx, m.allocatorOptions()...)
	m.browserCtx, m.browserCancel = chromedp.NewContext(m.allocCtx,
		chromedp.WithLogf(m.logger.Sugar().Debugf),
		chromedp.WithErrorf(m.logger.Sugar().Debugf),
	)

	// The first Run starts the browser process.
	startup := m.cfg.StartupTimeout
	if startup <= 0 {
		startup = 30 * time.Second
	}
	startCtx, cancel := context.WithTimeout(m.browserCtx, startup)
	defer cancel()
	if err := chromedp.Run(startCtx, chromedp.Navigate("about:blank")); err != nil {
		m.browserCancel()
		m.allocCancel()
		return fmt.Errorf("browser failed to start or respond: %w", err)
	}

	c := chromedp.FromContext(m.browserCtx)
	if c == nil || c.Browser == nil {
		m.browserCancel()
		m.allocCancel()
		return errors.New("browser handle missing after startup")
	}
	m.execCtx = cdp.WithExecutor(m.browserCtx, c.Browser)

	m.logger.Info("Browser launched successfully and is responsive.")
	return nil
}

// launchFlag is one Chrome command-line switch.
type launchFlag struct {
	Name  string
	Value any
}

// launchFlags lists the switches applied on top of chromedp's defaults.
// Switches that announce automation are turned off.
func (m *Manager) launchFlags() []launchFlag {
	width, height := m.cfg.WindowWidth, m.cfg.WindowHeight
	if width <= 0 || height <= 0 {
		width, height = 1366, 900
	}

	flags := []launchFlag{
		{"headless", m.cfg.Headless},
		{"enable-automation", false},
		{"disable-blink-features", "AutomationControlled"},
		{"ignore-certificate-errors", m.cfg.IgnoreTLSErrors},
		{"disable-extensions", true},
		{"disable-gpu", m.cfg.Headless},
		{"window-size", fmt.Sprintf("%d,%d", width, height)},
		{"user-agent", stealthAgent(m.persona)},
	}
	if m.cfg.UserDataDir != "" {
		flags = append(flags, launchFlag{"user-data-dir", m.cfg.UserDataDir})
	}
	if m.proxy != "" {
		flags = append(flags, launchFlag{"proxy-server", m.proxy})
	}

	for _, arg := range m.cfg.Args {
		name, value, hasValue := strings.Cut(strings.TrimPrefix(arg, "--"), "=")
		if hasValue {
			flags = append(flags, launchFlag{name, value})
		} else {
			flags = append(flags, launchFlag{name, true})
		}
	}

	if goruntime.GOOS == "linux" {
		flags = append(flags,
			launchFlag{"no-sandbox", true},
			launchFlag{"disable-dev-shm-usage", true},
		)
	}
	return flags
}

func (m *Manager) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	for _, f := range m.launchFlags() {
		opts = append(opts, chromedp.Flag(f.Name, f.Value))
	}
	if m.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(m.cfg.ExecPath))
	}
	return opts
}

func stealthAgent(p stealth.Persona) string {
	if p.UserAgent != "" {
		return p.UserAgent
	}
	return stealth.DefaultPersona.UserAgent
}

// NewContext opens a fresh browser context with one blank page, applies the
// stealth persona and restores the profile's cookies.
func (m *Manager) NewContext(ctx context.Context, profile Profile) (Context, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errors.New("browser manager is shut down")
	}
	m.wg.Add(1)
	m.mu.Unlock()

	s, err := m.openSession(ctx, profile)
	if err != nil {
		m.wg.Done()
		return nil, err
	}
	return s, nil
}

func (m *Manager) openSession(ctx context.Context, profile Profile) (*Session, error) {
	logger := m.logger.Named("session").With(zap.String("profile", profile.ID))

	m.createMu.Lock()
	if err := ctx.Err(); err != nil {
		m.createMu.Unlock()
		return nil, fmt.Errorf("context cancelled before creating browser context: %w", err)
	}
	execCtx, cancelExec := CombineContext(m.execCtx, ctx)
	browserContextID, err := target.CreateBrowserContext().WithDisposeOnDetach(true).Do(execCtx)
	if err != nil {
		cancelExec()
		m.createMu.Unlock()
		return nil, fmt.Errorf("failed to create browser context: %w", err)
	}
	targetID, err := target.CreateTarget("about:blank").WithBrowserContextID(browserContextID).Do(execCtx)
	cancelExec()
	m.createMu.Unlock()

	s := &Session{
		id:                profile.ID,
		logger:            logger,
		browserCtx:        m.execCtx,
		browserContextID:  browserContextID,
		typist:            humanoid.NewTypist(m.keys, 0),
		navigationTimeout: m.netCfg.NavigationTimeout,
		postLoadWait:      m.netCfg.PostLoadWait,
		onClose:           m.wg.Done,
	}
	if err != nil {
		// No target exists yet; dispose of the context directly.
		s.ctx, s.cancel = context.WithCancel(context.Background())
		s.onClose = nil
		_ = s.Close(ctx)
		return nil, fmt.Errorf("failed to create target: %w", err)
	}
	s.ctx, s.cancel = chromedp.NewContext(m.browserCtx, chromedp.WithTargetID(targetID))

	success := false
	defer func() {
		if !success {
			s.onClose = nil
			_ = s.Close(ctx)
		}
	}()

	if err := s.run(ctx, stealth.Apply(m.persona, logger)); err != nil {
		return nil, fmt.Errorf("failed to set up session: %w", err)
	}

	if profile.CookieFile != "" {
		cookies, err := LoadCookieFile(profile.CookieFile)
		switch {
		case err != nil:
			logger.Warn("Could not load saved cookies, starting clean.", zap.String("file", profile.CookieFile), zap.Error(err))
		case len(cookies) > 0:
			if err := s.SetCookies(ctx, cookies); err != nil {
				logger.Warn("Could not restore saved cookies.", zap.Error(err))
			} else {
				logger.Debug("Restored saved cookies.", zap.Int("count", len(cookies)))
			}
		}
	}

	success = true
	logger.Info("Browser context opened.", zap.String("browser_context_id", string(browserContextID)))
	return s, nil
}

// Shutdown waits for open contexts to close, bounded by ctx, then stops the
// browser process.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.logger.Info("Browser manager shutdown initiated. Waiting for open contexts to close.")

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
		m.logger.Debug("All browser contexts closed.")
	case <-ctx.Done():
		err = fmt.Errorf("timed out waiting for browser contexts: %w", ctx.Err())
		m.logger.Warn("Shutdown deadline reached with contexts still open. Forcing browser exit.")
	}

	// Let chromedp close the browser gracefully before the allocator kills it.
	if cerr := chromedp.Cancel(m.browserCtx); cerr != nil && !errors.Is(cerr, context.Canceled) {
		m.logger.Debug("Browser close returned an error.", zap.Error(cerr))
	}
	m.browserCancel()
	m.allocCancel()

	m.logger.Info("Browser process stopped.")
	return err
}
