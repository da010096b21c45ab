package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/slotrunner/internal/browser"
	"github.com/xkilldash9x/slotrunner/internal/browser/network"
	"github.com/xkilldash9x/slotrunner/internal/config"
	"github.com/xkilldash9x/slotrunner/internal/results"
	"github.com/xkilldash9x/slotrunner/internal/session"
	"github.com/xkilldash9x/slotrunner/internal/store"
)

// browserFactory is the part of browser.Manager the commands rely on.
type browserFactory interface {
	browser.ContextFactory
	Shutdown(ctx context.Context) error
}

// Seams replaced in tests.
var (
	launchBrowser = func(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...browser.ManagerOption) (browserFactory, error) {
		return browser.NewManager(ctx, cfg, logger, opts...)
	}
	openStore = func(ctx context.Context, cfg *config.Config, logger *zap.Logger) (results.Sink, error) {
		return store.Connect(ctx, cfg.Database.URL, logger)
	}
	sessionOptions = func() []session.Option { return nil }
)

// environment holds the process-wide collaborators a command needs: the
// browser and, when an upstream proxy is configured, the local forwarder
// in front of it.
type environment struct {
	cfg       *config.Config
	logger    *zap.Logger
	browser   browserFactory
	forwarder *network.Forwarder
}

func openEnvironment(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*environment, error) {
	env := &environment{cfg: cfg, logger: logger}

	var opts []browser.ManagerOption
	if cfg.Network.Proxy.Enabled {
		fwd, err := network.NewForwarder(cfg.Network.Proxy, logger)
		if err != nil {
			return nil, err
		}
		if err := fwd.Start(); err != nil {
			return nil, fmt.Errorf("failed to start forwarding proxy: %w", err)
		}
		env.forwarder = fwd
		opts = append(opts, browser.WithProxyServer(fwd.URL()))
	}

	b, err := launchBrowser(ctx, cfg, logger, opts...)
	if err != nil {
		env.Shutdown()
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}
	env.browser = b
	return env, nil
}

// Shutdown stops the browser, then the forwarder, within run.shutdown_timeout.
func (e *environment) Shutdown() {
	timeout := e.cfg.Run.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if e.browser != nil {
		if err := e.browser.Shutdown(ctx); err != nil {
			e.logger.Warn("Browser shutdown incomplete.", zap.Error(err))
		}
	}
	if e.forwarder != nil {
		if err := e.forwarder.Shutdown(ctx); err != nil {
			e.logger.Warn("Forwarding proxy shutdown incomplete.", zap.Error(err))
		}
	}
}

// newRunner builds the session runner every command drives.
func (e *environment) newRunner(opts ...session.Option) (*session.Runner, error) {
	return session.NewRunner(e.logger, e.cfg, e.browser, append(opts, sessionOptions()...)...)
}

// openSinks opens every configured result destination. On error, sinks
// opened so far are closed.
func openSinks(ctx context.Context, cfg *config.Config, logger *zap.Logger) (results.Multi, error) {
	var sinks results.Multi
	fail := func(err error) (results.Multi, error) {
		_ = sinks.Close()
		return nil, err
	}

	if cfg.Results.CSVPath != "" {
		s, err := results.NewCSVSink(cfg.Results.CSVPath)
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, s)
	}
	if cfg.Results.JSONLPath != "" {
		s, err := results.NewJSONLSink(cfg.Results.JSONLPath)
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, s)
	}
	if cfg.Results.SummaryDir != "" {
		sinks = append(sinks, results.SummaryFile{Dir: cfg.Results.SummaryDir})
	}
	if cfg.Results.Postgres {
		s, err := openStore(ctx, cfg, logger)
		if err != nil {
			return fail(fmt.Errorf("failed to open result store: %w", err))
		}
		sinks = append(sinks, s)
	}
	if len(sinks) == 0 {
		return fail(errors.New("no result destination configured"))
	}
	return sinks, nil
}
