package browser

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/slotrunner/internal/config"
)

func flagMap(flags []launchFlag) map[string]any {
	out := make(map[string]any, len(flags))
	for _, f := range flags {
		out[f.Name] = f.Value
	}
	return out
}

func TestLaunchFlags(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		m := &Manager{cfg: config.BrowserConfig{Headless: true}}
		flags := flagMap(m.launchFlags())

		assert.Equal(t, true, flags["headless"])
		assert.Equal(t, false, flags["enable-automation"])
		assert.Equal(t, "AutomationControlled", flags["disable-blink-features"])
		assert.Equal(t, "1366,900", flags["window-size"])
		assert.NotEmpty(t, flags["user-agent"])
		assert.NotContains(t, flags, "proxy-server")
		assert.NotContains(t, flags, "user-data-dir")
	})

	t.Run("VisibleWindowWithProxy", func(t *testing.T) {
		m := &Manager{
			cfg:   config.BrowserConfig{Headless: false, WindowWidth: 1920, WindowHeight: 1080, UserDataDir: "/tmp/profile"},
			proxy: "http://127.0.0.1:8899",
		}
		flags := flagMap(m.launchFlags())

		assert.Equal(t, false, flags["headless"])
		assert.Equal(t, false, flags["disable-gpu"])
		assert.Equal(t, "1920,1080", flags["window-size"])
		assert.Equal(t, "http://127.0.0.1:8899", flags["proxy-server"])
		assert.Equal(t, "/tmp/profile", flags["user-data-dir"])
	})

	t.Run("CustomArgs", func(t *testing.T) {
		m := &Manager{cfg: config.BrowserConfig{Args: []string{"--lang=pt-PT", "--mute-audio"}}}
		flags := flagMap(m.launchFlags())

		assert.Equal(t, "pt-PT", flags["lang"])
		assert.Equal(t, true, flags["mute-audio"])
	})

	t.Run("PersonaUserAgentWins", func(t *testing.T) {
		m := &Manager{}
		m.persona.UserAgent = "agent/1.0"
		assert.Equal(t, "agent/1.0", flagMap(m.launchFlags())["user-agent"])
	})
}

func TestManagerRejectsContextsAfterShutdown(t *testing.T) {
	m := &Manager{
		logger:        zap.NewNop(),
		browserCtx:    context.Background(),
		browserCancel: func() {},
		allocCancel:   func() {},
	}
	m.closed = true

	_, err := m.NewContext(context.Background(), Profile{ID: "subject-0"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shut down")
	assert.NoError(t, m.Shutdown(context.Background()), "second shutdown is a no-op")
}
