package config

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// -- Constructor and Defaults Tests --

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, "slotrunner", cfg.Logger.ServiceName)
	assert.True(t, cfg.Browser.Headless)
	assert.Equal(t, 30*time.Second, cfg.Browser.StartupTimeout)
	assert.Equal(t, 5, cfg.Run.MaxSubjects)
	assert.Equal(t, DisciplineSequential, cfg.Run.Discipline)
	assert.Equal(t, 20*time.Second, cfg.Poll.Interval)
	assert.Equal(t, 120*time.Second, cfg.Challenge.Timeout)
	assert.Equal(t, 800*time.Millisecond, cfg.Challenge.Interval)
	assert.Equal(t, 150*time.Millisecond, cfg.Locator.PollInterval)
	assert.Equal(t, 3, cfg.Wizard.StepRetries)
	assert.Equal(t, 2, cfg.Wizard.FieldRetries)
	assert.Equal(t, []string{"date_selection"}, cfg.Wizard.BestEffortSteps)
	assert.Equal(t, 1500*time.Millisecond, cfg.Wizard.StepPause)
	assert.Equal(t, 40.0, cfg.Browser.Typing.MinMs)
	assert.Equal(t, 120.0, cfg.Browser.Typing.MaxMs)

	assert.NoError(t, cfg.Validate(), "defaults must validate")
}

func TestSiteURLs(t *testing.T) {
	site := SiteConfig{
		BaseURL:       "https://book.example.test/pt/",
		LoginPath:     "/login",
		DashboardPath: "dashboard",
		BookingPath:   "https://other.example.test/book",
	}
	assert.Equal(t, "https://book.example.test/pt/login", site.LoginURL())
	assert.Equal(t, "https://book.example.test/pt/dashboard", site.DashboardURL())
	assert.Equal(t, "https://other.example.test/book", site.BookingURL())

	site.LoginPath = ""
	assert.Equal(t, site.BaseURL, site.LoginURL())
}

// -- Validation Logic Tests --

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"zero max subjects", func(c *Config) { c.Run.MaxSubjects = 0 }, "run.max_subjects must be a positive integer"},
		{"unknown discipline", func(c *Config) { c.Run.Discipline = "random" }, "run.discipline must be"},
		{"pacing inverted", func(c *Config) { c.Run.PacingMin = 5 * time.Second; c.Run.PacingMax = time.Second }, "run.pacing_max"},
		{"jitter too large", func(c *Config) { c.Poll.Jitter = c.Poll.Interval }, "poll.jitter"},
		{"poll window", func(c *Config) { c.Poll.Window = 0 }, "poll.window"},
		{"challenge interval", func(c *Config) { c.Challenge.Interval = 0 }, "challenge.timeout and challenge.interval"},
		{"locator timeout", func(c *Config) { c.Locator.Timeout = 0 }, "locator.timeout"},
		{"step retries", func(c *Config) { c.Wizard.StepRetries = 0 }, "wizard.step_retries"},
		{"bad base url", func(c *Config) { c.Site.BaseURL = "not a url" }, "site.base_url"},
		{"postgres without url", func(c *Config) { c.Results.Postgres = true }, "database.url is required"},
		{"proxy without address", func(c *Config) { c.Network.Proxy.Enabled = true }, "address is required"},
		{"proxy bad scheme", func(c *Config) {
			c.Network.Proxy = ProxyConfig{Enabled: true, Address: "ftp://proxy:21"}
		}, "unsupported proxy scheme"},
		{"proxy user without password", func(c *Config) {
			c.Network.Proxy = ProxyConfig{Enabled: true, Address: "http://proxy:8080", Username: "u"}
		}, "SLOTRUNNER_NETWORK_PROXY_PASSWORD"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	t.Run("disabled poll skips poll checks", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.Poll.Enabled = false
		cfg.Poll.Window = 0
		assert.NoError(t, cfg.Validate())
	})

	t.Run("errors are joined", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.Run.MaxSubjects = 0
		cfg.Wizard.StepTimeout = 0
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "run.max_subjects")
		assert.Contains(t, err.Error(), "wizard.step_timeout")
	})
}

// -- Factory Function Tests --

func TestNewConfigFromViper(t *testing.T) {
	t.Run("Successful Load from YAML", func(t *testing.T) {
		yamlBytes := []byte(`
run:
  max_subjects: 3
  discipline: parallel
poll:
  interval: 10s
  jitter: 2s
challenge:
  markers: ["just a moment"]
`)
		v := viper.New()
		SetDefaults(v)
		v.SetConfigType("yaml")
		require.NoError(t, v.ReadConfig(bytes.NewBuffer(yamlBytes)))

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)

		assert.Equal(t, 3, cfg.Run.MaxSubjects)
		assert.Equal(t, DisciplineParallel, cfg.Run.Discipline)
		assert.Equal(t, 10*time.Second, cfg.Poll.Interval)
		assert.Equal(t, []string{"just a moment"}, cfg.Challenge.Markers)
		// Defaults survive alongside file values.
		assert.Equal(t, "info", cfg.Logger.Level)
	})

	t.Run("Validation Failure", func(t *testing.T) {
		v := viper.New()
		SetDefaults(v)
		v.Set("run.max_subjects", 0)

		cfg, err := NewConfigFromViper(v)
		assert.Error(t, err)
		assert.Nil(t, cfg)
		assert.Contains(t, err.Error(), "invalid configuration")
		assert.Contains(t, err.Error(), "run.max_subjects must be a positive integer")
	})

	t.Run("Environment Variable Binding", func(t *testing.T) {
		v := viper.New()
		SetDefaults(v)
		v.SetConfigType("yaml")
		require.NoError(t, v.ReadConfig(bytes.NewBufferString(`
account:
  email: ops@example.test
  password: from-file
results:
  postgres: true
`)))

		t.Setenv("SLOTRUNNER_ACCOUNT_PASSWORD", "from-env")
		t.Setenv("SLOTRUNNER_DATABASE_URL", "postgres://envvar/db")

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)

		assert.Equal(t, "ops@example.test", cfg.Account.Email)
		assert.Equal(t, "from-env", cfg.Account.Password, "environment overrides the file")
		assert.Equal(t, "postgres://envvar/db", cfg.Database.URL)
	})

	t.Run("Paths are expanded", func(t *testing.T) {
		home, err := homedir.Dir()
		require.NoError(t, err)

		v := viper.New()
		SetDefaults(v)
		v.Set("results.jsonl_path", "~/runs/results.jsonl")

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(home, "runs", "results.jsonl"), cfg.Results.JSONLPath)
		assert.Equal(t, filepath.Join(home, ".slotrunner", "profiles"), cfg.Browser.ProfileDir)
	})
}
