// Package network runs the local forwarding proxy that lets the browser use
// an authenticated upstream proxy.
package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/elazarl/goproxy"
	"go.uber.org/zap"

	"github.com/xkilldash9x/slotrunner/internal/config"
)

// Forwarder is a local, unauthenticated HTTP proxy that relays every request
// and CONNECT tunnel to an upstream proxy, adding the upstream credentials.
// Chrome cannot answer a proxy's auth challenge in headless mode, so each
// browser context points at the forwarder instead.
type Forwarder struct {
	proxy    *goproxy.ProxyHttpServer
	upstream *url.URL
	listen   string
	logger   *zap.Logger

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	done     chan struct{}
}

// NewForwarder builds a forwarder for the upstream described by cfg.
func NewForwarder(cfg config.ProxyConfig, logger *zap.Logger) (*Forwarder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid proxy configuration: %w", err)
	}
	upstream, err := url.Parse(cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy address: %w", err)
	}
	if cfg.Username != "" {
		upstream.User = url.UserPassword(cfg.Username, cfg.Password)
	}
	listen := cfg.ListenAddress
	if listen == "" {
		listen = "127.0.0.1:0"
	}

	dialerCfg := NewDialerConfig()
	dialerCfg.ProxyURL = upstream
	directCfg := NewDialerConfig()

	transport := &http.Transport{
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   tlsHandshakeTimeout,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if upstream.Scheme == "socks5" {
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return DialTCPContext(ctx, network, addr, dialerCfg)
		}
	} else {
		// The transport sends Proxy-Authorization from the URL's userinfo.
		transport.Proxy = http.ProxyURL(upstream)
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return DialTCPContext(ctx, network, addr, directCfg)
		}
	}

	p := goproxy.NewProxyHttpServer()
	p.Tr = transport
	p.ConnectDial = func(network, addr string) (net.Conn, error) {
		ctx, cancel := context.WithTimeout(context.Background(), dialerCfg.Timeout)
		defer cancel()
		return DialTCPContext(ctx, network, addr, dialerCfg)
	}

	f := &Forwarder{
		proxy:    p,
		upstream: upstream,
		listen:   listen,
		logger:   logger.Named("forwarder"),
	}
	p.OnResponse().DoFunc(f.handleResponse)
	return f, nil
}

// Start listens and serves in the background. It returns once the listener
// is bound.
func (f *Forwarder) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.server != nil {
		return errors.New("forwarder already started")
	}
	ln, err := net.Listen("tcp", f.listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", f.listen, err)
	}
	f.listener = ln
	f.server = &http.Server{Handler: f.proxy, ReadHeaderTimeout: 30 * time.Second}
	f.done = make(chan struct{})

	go func(srv *http.Server, done chan struct{}) {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			f.logger.Error("Forwarder stopped unexpectedly.", zap.Error(err))
		}
	}(f.server, f.done)

	f.logger.Info("Forwarding proxy listening.",
		zap.String("address", ln.Addr().String()),
		zap.String("upstream", f.upstream.Redacted()),
	)
	return nil
}

// URL is what the browser should use as its proxy server. It is empty until
// Start succeeds.
func (f *Forwarder) URL() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listener == nil {
		return ""
	}
	return "http://" + f.listener.Addr().String()
}

// Shutdown stops accepting connections and waits for the server to exit.
func (f *Forwarder) Shutdown(ctx context.Context) error {
	f.mu.Lock()
	srv, done := f.server, f.done
	f.mu.Unlock()
	if srv == nil {
		return nil
	}
	err := srv.Shutdown(ctx)
	select {
	case <-done:
	case <-ctx.Done():
	}
	return err
}

// handleResponse turns upstream connection failures into gateway errors the
// browser can render, instead of a dropped connection.
func (f *Forwarder) handleResponse(r *http.Response, ctx *goproxy.ProxyCtx) *http.Response {
	if r != nil {
		return r
	}
	errorMsg := "unknown error"
	if ctx.Error != nil {
		errorMsg = ctx.Error.Error()
	}
	f.logger.Warn("Upstream request failed.", zap.String("url", requestURL(ctx)), zap.String("error", errorMsg))
	if ctx.Req == nil {
		return nil
	}
	status := http.StatusBadGateway
	var netErr net.Error
	if errors.As(ctx.Error, &netErr) && netErr.Timeout() {
		status = http.StatusGatewayTimeout
	}
	return goproxy.NewResponse(ctx.Req, goproxy.ContentTypeText, status, "Proxy error: upstream connection failed: "+errorMsg)
}

func requestURL(ctx *goproxy.ProxyCtx) string {
	if ctx != nil && ctx.Req != nil && ctx.Req.URL != nil {
		return ctx.Req.URL.String()
	}
	return "unknown"
}
