package challenge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/slotrunner/internal/browser/browsertest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestActive(t *testing.T) {
	g := NewGate(zap.NewNop(), nil, 0)

	tests := []struct {
		name, title, content string
		want                 bool
		marker               string
	}{
		{"clean page", "Book an appointment", "<html><body>Welcome</body></html>", false, ""},
		{"title marker", "Just a moment...", "", true, "just a moment"},
		{"content marker", "", "<div id='cf-challenge-running'>", true, "cf-challenge"},
		{"restriction page", "Erro", "<p>Acesso restrito: atividade incomum</p>", true, "acesso restrito"},
		{"error code", "", "<span>Error 403201</span>", true, "403201"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page := browsertest.NewPage("p", "https://example.test")
			page.SetTitle(tt.title)
			page.SetContent(tt.content)

			active, marker := g.Active(context.Background(), page)
			assert.Equal(t, tt.want, active)
			assert.Equal(t, tt.marker, marker)
		})
	}
}

func TestActiveTreatsReadErrorsAsNoMatch(t *testing.T) {
	page := browsertest.NewPage("p", "https://example.test")
	page.ContentErr = errors.New("target closed")

	active, _ := NewGate(zap.NewNop(), nil, 0).Active(context.Background(), page)
	assert.False(t, active)
}

func TestCustomMarkersAreCaseInsensitive(t *testing.T) {
	g := NewGate(zap.NewNop(), []string{"  Please Wait  ", ""}, 0)
	page := browsertest.NewPage("p", "https://example.test")
	page.SetContent("PLEASE WAIT while we verify")

	active, marker := g.Active(context.Background(), page)
	assert.True(t, active)
	assert.Equal(t, "please wait", marker)
}

func TestAwaitClearance(t *testing.T) {
	t.Run("returns immediately on a clean page", func(t *testing.T) {
		g := NewGate(zap.NewNop(), nil, 10*time.Millisecond)
		page := browsertest.NewPage("p", "https://example.test")

		out, err := g.AwaitClearance(context.Background(), page, time.Second)
		require.NoError(t, err)
		assert.Equal(t, Cleared, out)
		assert.False(t, g.TimedOut())
	})

	t.Run("clears once the marker disappears", func(t *testing.T) {
		g := NewGate(zap.NewNop(), nil, 10*time.Millisecond)
		page := browsertest.NewPage("p", "https://example.test")
		page.SetTitle("Just a moment...")
		time.AfterFunc(40*time.Millisecond, func() { page.SetTitle("Dashboard") })

		out, err := g.AwaitClearance(context.Background(), page, time.Second)
		require.NoError(t, err)
		assert.Equal(t, Cleared, out)
	})

	t.Run("times out and records it", func(t *testing.T) {
		core, logs := observer.New(zap.WarnLevel)
		g := NewGate(zap.New(core), nil, 10*time.Millisecond)
		page := browsertest.NewPage("p", "https://example.test")
		page.SetContent("Checking your browser before accessing")

		out, err := g.AwaitClearance(context.Background(), page, 50*time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, TimedOut, out)
		assert.True(t, g.TimedOut())
		assert.Equal(t, 1, logs.FilterMessage("Challenge did not clear in time, proceeding anyway.").Len())
	})

	t.Run("cancellation is an error", func(t *testing.T) {
		g := NewGate(zap.NewNop(), nil, 10*time.Millisecond)
		page := browsertest.NewPage("p", "https://example.test")
		page.SetTitle("Just a moment...")
		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(20*time.Millisecond, cancel)

		_, err := g.AwaitClearance(ctx, page, time.Minute)
		assert.ErrorIs(t, err, context.Canceled)
		assert.False(t, g.TimedOut())
	})
}
