package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Run disciplines.
const (
	DisciplineSequential = "sequential"
	DisciplineParallel   = "parallel"
)

// Config is the root configuration for a run. It is loaded once and then
// treated as read-only.
type Config struct {
	Logger    LoggerConfig    `mapstructure:"logger" yaml:"logger"`
	Browser   BrowserConfig   `mapstructure:"browser" yaml:"browser"`
	Network   NetworkConfig   `mapstructure:"network" yaml:"network"`
	Site      SiteConfig      `mapstructure:"site" yaml:"site"`
	Account   AccountConfig   `mapstructure:"account" yaml:"account"`
	Run       RunConfig       `mapstructure:"run" yaml:"run"`
	Poll      PollConfig      `mapstructure:"poll" yaml:"poll"`
	Challenge ChallengeConfig `mapstructure:"challenge" yaml:"challenge"`
	Locator   LocatorConfig   `mapstructure:"locator" yaml:"locator"`
	Wizard    WizardConfig    `mapstructure:"wizard" yaml:"wizard"`
	Results   ResultsConfig   `mapstructure:"results" yaml:"results"`
	Database  DatabaseConfig  `mapstructure:"database" yaml:"database"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color names for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// BrowserConfig controls the browser process and what every isolated
// context looks like from the outside.
type BrowserConfig struct {
	Headless        bool          `mapstructure:"headless" yaml:"headless"`
	IgnoreTLSErrors bool          `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	ExecPath        string        `mapstructure:"exec_path" yaml:"exec_path"`
	UserDataDir     string        `mapstructure:"user_data_dir" yaml:"user_data_dir"`
	Args            []string      `mapstructure:"args" yaml:"args"`
	WindowWidth     int           `mapstructure:"window_width" yaml:"window_width"`
	WindowHeight    int           `mapstructure:"window_height" yaml:"window_height"`
	StartupTimeout  time.Duration `mapstructure:"startup_timeout" yaml:"startup_timeout"`
	// ProfileDir holds one cookie file per subject, written by warmup.
	ProfileDir string        `mapstructure:"profile_dir" yaml:"profile_dir"`
	Persona    PersonaConfig `mapstructure:"persona" yaml:"persona"`
	Typing     TypingConfig  `mapstructure:"typing" yaml:"typing"`
}

// PersonaConfig overrides the emulated browser identity. Empty fields keep
// the built-in persona.
type PersonaConfig struct {
	UserAgent string   `mapstructure:"user_agent" yaml:"user_agent"`
	Platform  string   `mapstructure:"platform" yaml:"platform"`
	Languages []string `mapstructure:"languages" yaml:"languages"`
	Timezone  string   `mapstructure:"timezone" yaml:"timezone"`
	Locale    string   `mapstructure:"locale" yaml:"locale"`
}

// TypingConfig shapes the per-keystroke delay used when typing is the only
// way to get a value into a field.
type TypingConfig struct {
	MeanMs   float64 `mapstructure:"mean_ms" yaml:"mean_ms"`
	StdDevMs float64 `mapstructure:"stddev_ms" yaml:"stddev_ms"`
	MinMs    float64 `mapstructure:"min_ms" yaml:"min_ms"`
	MaxMs    float64 `mapstructure:"max_ms" yaml:"max_ms"`
}

// NetworkConfig holds navigation timing and the optional upstream proxy.
type NetworkConfig struct {
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	PostLoadWait      time.Duration `mapstructure:"post_load_wait" yaml:"post_load_wait"`
	Proxy             ProxyConfig   `mapstructure:"proxy" yaml:"proxy"`
}

// ProxyConfig describes an upstream proxy. Chrome cannot authenticate to a
// proxy on its own, so credentials are handled by a local forwarder
// listening on ListenAddress.
type ProxyConfig struct {
	Enabled       bool   `mapstructure:"enabled" yaml:"enabled"`
	Address       string `mapstructure:"address" yaml:"address"`
	Username      string `mapstructure:"username" yaml:"username"`
	Password      string `mapstructure:"password" yaml:"-"`
	ListenAddress string `mapstructure:"listen_address" yaml:"listen_address"`
}

// SiteConfig locates the target application.
type SiteConfig struct {
	BaseURL       string `mapstructure:"base_url" yaml:"base_url"`
	LoginPath     string `mapstructure:"login_path" yaml:"login_path"`
	DashboardPath string `mapstructure:"dashboard_path" yaml:"dashboard_path"`
	BookingPath   string `mapstructure:"booking_path" yaml:"booking_path"`
}

// LoginURL returns the absolute login page URL.
func (s SiteConfig) LoginURL() string { return joinURL(s.BaseURL, s.LoginPath) }

// DashboardURL returns the absolute dashboard URL.
func (s SiteConfig) DashboardURL() string { return joinURL(s.BaseURL, s.DashboardPath) }

// BookingURL returns the absolute wizard entry URL.
func (s SiteConfig) BookingURL() string { return joinURL(s.BaseURL, s.BookingPath) }

func joinURL(base, path string) string {
	if path == "" {
		return base
	}
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}

// AccountConfig is the run-wide login. Subjects may carry their own.
type AccountConfig struct {
	Email    string `mapstructure:"email" yaml:"email"`
	Password string `mapstructure:"password" yaml:"-"`
}

// RunConfig controls fan-out and pacing.
type RunConfig struct {
	MaxSubjects     int           `mapstructure:"max_subjects" yaml:"max_subjects"`
	Discipline      string        `mapstructure:"discipline" yaml:"discipline"`
	LaunchRate      float64       `mapstructure:"launch_rate" yaml:"launch_rate"`
	LaunchBurst     int           `mapstructure:"launch_burst" yaml:"launch_burst"`
	PacingMin       time.Duration `mapstructure:"pacing_min" yaml:"pacing_min"`
	PacingMax       time.Duration `mapstructure:"pacing_max" yaml:"pacing_max"`
	SubjectsFile    string        `mapstructure:"subjects_file" yaml:"subjects_file"`
	Screenshots     bool          `mapstructure:"screenshots" yaml:"screenshots"`
	ScreenshotDir   string        `mapstructure:"screenshot_dir" yaml:"screenshot_dir"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// PollConfig controls the availability watch.
type PollConfig struct {
	Enabled  bool          `mapstructure:"enabled" yaml:"enabled"`
	Window   time.Duration `mapstructure:"window" yaml:"window"`
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
	Jitter   time.Duration `mapstructure:"jitter" yaml:"jitter"`
	// TargetURL defaults to the booking page.
	TargetURL string `mapstructure:"target_url" yaml:"target_url"`
}

// ChallengeConfig controls the interstitial wait.
type ChallengeConfig struct {
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
	// Markers replaces the built-in marker list when non-empty.
	Markers []string `mapstructure:"markers" yaml:"markers"`
}

// LocatorConfig bounds element resolution.
type LocatorConfig struct {
	Timeout      time.Duration `mapstructure:"timeout" yaml:"timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
}

// WizardConfig controls step advancement and field retries.
type WizardConfig struct {
	StepTimeout     time.Duration `mapstructure:"step_timeout" yaml:"step_timeout"`
	StepRetries     int           `mapstructure:"step_retries" yaml:"step_retries"`
	StepBackoff     time.Duration `mapstructure:"step_backoff" yaml:"step_backoff"`
	StepPause       time.Duration `mapstructure:"step_pause" yaml:"step_pause"`
	FieldRetries    int           `mapstructure:"field_retries" yaml:"field_retries"`
	DropdownTimeout time.Duration `mapstructure:"dropdown_timeout" yaml:"dropdown_timeout"`
	DropdownPoll    time.Duration `mapstructure:"dropdown_poll" yaml:"dropdown_poll"`
	SettleDelay     time.Duration `mapstructure:"settle_delay" yaml:"settle_delay"`
	// BestEffortSteps names steps whose failure does not end the run.
	BestEffortSteps []string `mapstructure:"best_effort_steps" yaml:"best_effort_steps"`
}

// ResultsConfig selects where session results go.
type ResultsConfig struct {
	CSVPath    string `mapstructure:"csv_path" yaml:"csv_path"`
	JSONLPath  string `mapstructure:"jsonl_path" yaml:"jsonl_path"`
	SummaryDir string `mapstructure:"summary_dir" yaml:"summary_dir"`
	Postgres   bool   `mapstructure:"postgres" yaml:"postgres"`
}

// DatabaseConfig holds the database connection details.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"-"`
}

// NewDefaultConfig returns a configuration populated only from defaults.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for every configuration key.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "slotrunner")
	v.SetDefault("logger.log_file", "slotrunner.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "red")

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.window_width", 1366)
	v.SetDefault("browser.window_height", 900)
	v.SetDefault("browser.startup_timeout", "30s")
	v.SetDefault("browser.profile_dir", "~/.slotrunner/profiles")
	v.SetDefault("browser.typing.mean_ms", 80.0)
	v.SetDefault("browser.typing.stddev_ms", 22.0)
	v.SetDefault("browser.typing.min_ms", 40.0)
	v.SetDefault("browser.typing.max_ms", 120.0)

	// -- Network --
	v.SetDefault("network.navigation_timeout", "60s")
	v.SetDefault("network.post_load_wait", "1500ms")
	v.SetDefault("network.proxy.enabled", false)
	v.SetDefault("network.proxy.listen_address", "127.0.0.1:0")

	// -- Site --
	v.SetDefault("site.base_url", "https://visa.vfsglobal.com/gnb/en/prt")
	v.SetDefault("site.login_path", "/login")
	v.SetDefault("site.dashboard_path", "/dashboard")
	v.SetDefault("site.booking_path", "/book-an-appointment")

	// -- Run --
	v.SetDefault("run.max_subjects", 5)
	v.SetDefault("run.discipline", DisciplineSequential)
	v.SetDefault("run.launch_rate", 0.5)
	v.SetDefault("run.launch_burst", 1)
	v.SetDefault("run.pacing_min", "2s")
	v.SetDefault("run.pacing_max", "5s")
	v.SetDefault("run.subjects_file", "subjects.csv")
	v.SetDefault("run.screenshots", false)
	v.SetDefault("run.screenshot_dir", "screenshots")
	v.SetDefault("run.shutdown_timeout", "30s")

	// -- Poll --
	v.SetDefault("poll.enabled", true)
	v.SetDefault("poll.window", "30m")
	v.SetDefault("poll.interval", "20s")
	v.SetDefault("poll.jitter", "5s")

	// -- Challenge --
	v.SetDefault("challenge.timeout", "120s")
	v.SetDefault("challenge.interval", "800ms")

	// -- Locator --
	v.SetDefault("locator.timeout", "30s")
	v.SetDefault("locator.poll_interval", "150ms")

	// -- Wizard --
	v.SetDefault("wizard.step_timeout", "6s")
	v.SetDefault("wizard.step_retries", 3)
	v.SetDefault("wizard.step_backoff", "2s")
	v.SetDefault("wizard.step_pause", "1500ms")
	v.SetDefault("wizard.field_retries", 2)
	v.SetDefault("wizard.dropdown_timeout", "5s")
	v.SetDefault("wizard.dropdown_poll", "100ms")
	v.SetDefault("wizard.settle_delay", "250ms")
	v.SetDefault("wizard.best_effort_steps", []string{"date_selection"})

	// -- Results --
	v.SetDefault("results.csv_path", "booking_results.csv")
	v.SetDefault("results.jsonl_path", "booking_results.jsonl")
	v.SetDefault("results.summary_dir", ".")
	v.SetDefault("results.postgres", false)
}

// NewConfigFromViper unmarshals, binds secrets from the environment, expands
// paths and validates.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Secrets never need to live in a config file.
	_ = v.BindEnv("account.password", "SLOTRUNNER_ACCOUNT_PASSWORD")
	_ = v.BindEnv("database.url", "SLOTRUNNER_DATABASE_URL")
	_ = v.BindEnv("network.proxy.password", "SLOTRUNNER_NETWORK_PROXY_PASSWORD")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.ExpandPaths(); err != nil {
		return nil, fmt.Errorf("error expanding paths: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// ExpandPaths resolves a leading "~" in every file system path.
func (c *Config) ExpandPaths() error {
	paths := []*string{
		&c.Logger.LogFile,
		&c.Browser.ExecPath,
		&c.Browser.UserDataDir,
		&c.Browser.ProfileDir,
		&c.Run.SubjectsFile,
		&c.Run.ScreenshotDir,
		&c.Results.CSVPath,
		&c.Results.JSONLPath,
		&c.Results.SummaryDir,
	}
	for _, p := range paths {
		if *p == "" {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("%s: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	var errs []error
	if c.Run.MaxSubjects <= 0 {
		errs = append(errs, errors.New("run.max_subjects must be a positive integer"))
	}
	switch c.Run.Discipline {
	case DisciplineSequential, DisciplineParallel:
	default:
		errs = append(errs, fmt.Errorf("run.discipline must be %q or %q, got %q", DisciplineSequential, DisciplineParallel, c.Run.Discipline))
	}
	if c.Run.LaunchRate < 0 {
		errs = append(errs, errors.New("run.launch_rate must not be negative"))
	}
	if c.Run.PacingMax < c.Run.PacingMin {
		errs = append(errs, errors.New("run.pacing_max must not be less than run.pacing_min"))
	}
	if c.Poll.Enabled {
		if c.Poll.Window <= 0 {
			errs = append(errs, errors.New("poll.window must be a positive duration"))
		}
		if c.Poll.Interval <= 0 {
			errs = append(errs, errors.New("poll.interval must be a positive duration"))
		}
		if c.Poll.Jitter < 0 || c.Poll.Jitter >= c.Poll.Interval {
			errs = append(errs, errors.New("poll.jitter must be non-negative and smaller than poll.interval"))
		}
	}
	if c.Challenge.Timeout <= 0 || c.Challenge.Interval <= 0 {
		errs = append(errs, errors.New("challenge.timeout and challenge.interval must be positive durations"))
	}
	if c.Locator.Timeout <= 0 || c.Locator.PollInterval <= 0 {
		errs = append(errs, errors.New("locator.timeout and locator.poll_interval must be positive durations"))
	}
	if c.Wizard.StepRetries <= 0 || c.Wizard.FieldRetries <= 0 {
		errs = append(errs, errors.New("wizard.step_retries and wizard.field_retries must be positive integers"))
	}
	if c.Wizard.StepTimeout <= 0 {
		errs = append(errs, errors.New("wizard.step_timeout must be a positive duration"))
	}
	if _, err := url.ParseRequestURI(c.Site.BaseURL); err != nil {
		errs = append(errs, fmt.Errorf("site.base_url is not a valid URL: %w", err))
	}
	if c.Network.Proxy.Enabled {
		if err := c.Network.Proxy.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("network.proxy configuration invalid: %w", err))
		}
	}
	if c.Results.Postgres && c.Database.URL == "" {
		errs = append(errs, errors.New("database.url is required when results.postgres is enabled. Set SLOTRUNNER_DATABASE_URL"))
	}
	return errors.Join(errs...)
}

// Validate checks the upstream proxy settings.
func (p *ProxyConfig) Validate() error {
	if p.Address == "" {
		return errors.New("address is required")
	}
	u, err := url.Parse(p.Address)
	if err != nil {
		return fmt.Errorf("address: %w", err)
	}
	switch u.Scheme {
	case "http", "https", "socks5":
	default:
		return fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("address must include a host")
	}
	if p.Username != "" && p.Password == "" {
		return errors.New("password is required when username is set. Set SLOTRUNNER_NETWORK_PROXY_PASSWORD")
	}
	return nil
}
