package cmd

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/slotrunner/internal/config"
	"github.com/xkilldash9x/slotrunner/internal/session/sessiontest"
)

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "slotrunner "+Version+"\n", out)
}

func TestRootCommand_Help(t *testing.T) {
	out, err := execute(t, "--help")
	require.NoError(t, err)
	for _, sub := range []string{"run", "watch", "warmup", "results", "version"} {
		assert.Contains(t, out, sub)
	}
}

func TestInitializeConfig_Precedence(t *testing.T) {
	w := newTestWorkspace(t)
	t.Setenv("SLOTRUNNER_RUN_DISCIPLINE", "sequential")
	t.Setenv("SLOTRUNNER_RUN_LAUNCH_RATE", "2.5")
	t.Setenv("SLOTRUNNER_RUN_MAX_SUBJECTS", "4")

	runCmd := newRunCmd()
	require.NoError(t, runCmd.Flags().Set("max-subjects", "2"))
	require.NoError(t, runCmd.Flags().Set("proxy", "socks5://127.0.0.1:1080"))
	require.NoError(t, runCmd.Flags().Set("challenge-timeout", "45s"))

	v := viper.New()
	config.SetDefaults(v)
	require.NoError(t, initializeConfig(runCmd, v, w.configPath))
	cfg, err := config.NewConfigFromViper(v)
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Run.MaxSubjects, "flag beats env and file")
	assert.Equal(t, config.DisciplineSequential, cfg.Run.Discipline, "env beats file")
	assert.Equal(t, 2.5, cfg.Run.LaunchRate, "env beats file")
	assert.Equal(t, 45*time.Second, cfg.Challenge.Timeout)
	assert.Equal(t, sessiontest.Base, cfg.Site.BaseURL, "file beats default")
	assert.Equal(t, 1, cfg.Run.LaunchBurst, "default survives")
	assert.Equal(t, "s3cret", cfg.Account.Password, "secret bound from env")
	assert.True(t, cfg.Network.Proxy.Enabled, "--proxy enables the forwarder")
	assert.Equal(t, "socks5://127.0.0.1:1080", cfg.Network.Proxy.Address)
	assert.True(t, cfg.Browser.Headless, "unchanged flag keeps the default")
}

func TestInitializeConfig_MissingFileIsNotAnError(t *testing.T) {
	t.Chdir(t.TempDir())
	v := viper.New()
	config.SetDefaults(v)
	require.NoError(t, initializeConfig(newRunCmd(), v, ""))
	cfg, err := config.NewConfigFromViper(v)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Run.MaxSubjects)
}

func TestInitializeConfig_ExplicitFileMustExist(t *testing.T) {
	v := viper.New()
	require.Error(t, initializeConfig(newRunCmd(), v, t.TempDir()+"/nope.yaml"))
}

func TestRootCommand_InvalidConfig(t *testing.T) {
	resetLogger(t)
	w := newTestWorkspace(t)
	t.Setenv("SLOTRUNNER_RUN_DISCIPLINE", "zigzag")

	_, err := execute(t, "run", "-c", w.configPath)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load or validate config")
	assert.Contains(t, err.Error(), "run.discipline")
}

func TestConfigFrom(t *testing.T) {
	_, err := configFrom(context.Background())
	require.Error(t, err)

	cfg := config.NewDefaultConfig()
	got, err := configFrom(context.WithValue(context.Background(), configKey, cfg))
	require.NoError(t, err)
	assert.Same(t, cfg, got)
}
