package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/slotrunner/internal/humanoid"
)

const (
	closeTimeout        = 10 * time.Second
	defaultQueryTimeout = 5 * time.Second
)

// Session is one isolated browser context holding a single page target.
// It implements Context.
type Session struct {
	id     string
	logger *zap.Logger

	// ctx addresses the page target; cancel detaches from and closes it.
	ctx    context.Context
	cancel context.CancelFunc

	// browserCtx carries the browser-level executor used to dispose of the
	// browser context on close.
	browserCtx       context.Context
	browserContextID cdp.BrowserContextID

	typist            *humanoid.Typist
	navigationTimeout time.Duration
	postLoadWait      time.Duration

	mu       sync.Mutex
	isClosed bool
	onClose  func()
}

var _ Context = (*Session)(nil)

// ID returns the profile ID the session was opened for.
func (s *Session) ID() string { return s.id }

// run executes actions on the page target, bounded by ctx.
func (s *Session) run(ctx context.Context, actions ...chromedp.Action) error {
	if s.closed() {
		return fmt.Errorf("session %s is closed", s.id)
	}
	runCtx, cancel := CombineContext(s.ctx, ctx)
	defer cancel()
	return chromedp.Run(runCtx, actions...)
}

func (s *Session) closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isClosed
}

// -- Navigation --

// Navigate loads url and waits for the load event. A load that outlives the
// navigation timeout is logged and treated as done, since challenge pages
// often never fire it; the caller's own cancellation is still an error.
func (s *Session) Navigate(ctx context.Context, url string) error {
	return s.load(ctx, "navigate", chromedp.Navigate(url), zap.String("url", url))
}

// Reload reloads the current page with the same timeout policy as Navigate.
func (s *Session) Reload(ctx context.Context) error {
	return s.load(ctx, "reload", chromedp.Reload())
}

func (s *Session) load(ctx context.Context, op string, action chromedp.Action, fields ...zap.Field) error {
	err := WithTimeout(ctx, s.navigationTimeout, func(navCtx context.Context) error {
		return s.run(navCtx, action)
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			s.logger.Warn("Page load timed out, proceeding anyway.", append(fields, zap.String("op", op))...)
		} else {
			return fmt.Errorf("failed to %s: %w", op, err)
		}
	}
	if s.postLoadWait > 0 {
		return chromedp.Sleep(s.postLoadWait).Do(ctx)
	}
	return nil
}

// -- Element queries --

func queryOption(kind LocatorKind) chromedp.QueryOption {
	if kind == Text {
		return chromedp.BySearch
	}
	return chromedp.ByQueryAll
}

// FindAll returns the visible matches of loc without waiting for any.
func (s *Session) FindAll(ctx context.Context, loc Locator) ([]Element, error) {
	var nodes []*cdp.Node
	err := WithTimeout(ctx, defaultQueryTimeout, func(qctx context.Context) error {
		return s.run(qctx, chromedp.Nodes(loc.Expr, &nodes, queryOption(loc.Kind), chromedp.AtLeast(0)))
	})
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", loc, err)
	}

	elements := make([]Element, 0, len(nodes))
	for i, n := range nodes {
		if n.NodeType != cdp.NodeTypeElement {
			continue
		}
		el := Element{Locator: loc, Index: i, Key: fmt.Sprintf("node-%d", n.BackendNodeID), node: n}
		var visible bool
		if err := s.callOn(ctx, el, visibleFn, &visible); err != nil {
			// Nodes detached between the query and the check are skipped.
			s.logger.Debug("Visibility check failed.", zap.Stringer("locator", loc), zap.Error(err))
			continue
		}
		if visible {
			elements = append(elements, el)
		}
	}
	return elements, nil
}

// Find returns the first visible match of loc.
func (s *Session) Find(ctx context.Context, loc Locator) (Element, error) {
	els, err := s.FindAll(ctx, loc)
	if err != nil {
		return Element{}, err
	}
	if len(els) == 0 {
		return Element{}, fmt.Errorf("%s: %w", loc, ErrNoElement)
	}
	return els[0], nil
}

// callOn runs fn with `this` bound to el and decodes its return value.
func (s *Session) callOn(ctx context.Context, el Element, fn string, out any) error {
	if el.node == nil {
		return fmt.Errorf("element %q is not backed by a DOM node", el.Key)
	}
	return s.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		obj, err := dom.ResolveNode().WithNodeID(el.node.NodeID).Do(ctx)
		if err != nil {
			return fmt.Errorf("failed to resolve node: %w", err)
		}
		res, exc, err := runtime.CallFunctionOn(fn).
			WithObjectID(obj.ObjectID).
			WithReturnByValue(true).
			WithAwaitPromise(true).
			Do(ctx)
		if err != nil {
			return err
		}
		if exc != nil {
			return fmt.Errorf("script exception: %s", exc.Text)
		}
		if out == nil || res == nil || len(res.Value) == 0 {
			return nil
		}
		return jsoniter.Unmarshal([]byte(res.Value), out)
	}))
}

// -- Interaction --

// Click dispatches a real mouse click on el, falling back to a scripted
// click when the node has no box model (covered or zero-sized).
func (s *Session) Click(ctx context.Context, el Element) error {
	if el.node == nil {
		return fmt.Errorf("element %q is not backed by a DOM node", el.Key)
	}
	err := s.run(ctx,
		dom.ScrollIntoViewIfNeeded().WithNodeID(el.node.NodeID),
		chromedp.MouseClickNode(el.node),
	)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	s.logger.Debug("Mouse click failed, using scripted click.", zap.String("element", el.Key), zap.Error(err))
	if err := s.callOn(ctx, el, clickFn, nil); err != nil {
		return fmt.Errorf("failed to click %s: %w", el.Key, err)
	}
	return nil
}

// TypeText clears el and types value key by key with human pacing.
func (s *Session) TypeText(ctx context.Context, el Element, value string) error {
	if err := s.callOn(ctx, el, clearFn, nil); err != nil {
		return fmt.Errorf("failed to focus %s: %w", el.Key, err)
	}
	return s.typist.Type(ctx, value, func(ctx context.Context, r rune) error {
		return s.run(ctx, chromedp.KeyEvent(string(r)))
	})
}

// SetValue writes value through the native setter and fires the events
// reactive form bindings listen for.
func (s *Session) SetValue(ctx context.Context, el Element, value string) (bool, error) {
	var stuck bool
	if err := s.callOn(ctx, el, setValueScript(value), &stuck); err != nil {
		return false, err
	}
	return stuck, nil
}

func (s *Session) Value(ctx context.Context, el Element) (string, error) {
	var v string
	err := s.callOn(ctx, el, valueFn, &v)
	return v, err
}

func (s *Session) Text(ctx context.Context, el Element) (string, error) {
	var v string
	err := s.callOn(ctx, el, textFn, &v)
	return v, err
}

func (s *Session) Attribute(ctx context.Context, el Element, name string) (string, bool, error) {
	var res struct {
		Present bool   `json:"present"`
		Value   string `json:"value"`
	}
	if err := s.callOn(ctx, el, attributeScript(name), &res); err != nil {
		return "", false, err
	}
	return res.Value, res.Present, nil
}

// PressEscape sends a native Escape key and a synthetic one to the focused
// element, which closes overlay panels in most component libraries.
func (s *Session) PressEscape(ctx context.Context) error {
	return s.run(ctx,
		chromedp.KeyEvent(kb.Escape),
		chromedp.Evaluate(escapeScript, nil),
	)
}

// -- Page state --

func (s *Session) Evaluate(ctx context.Context, script string, res any) error {
	return s.run(ctx, chromedp.Evaluate(script, res, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
		return p.WithAwaitPromise(true)
	}))
}

func (s *Session) Title(ctx context.Context) (string, error) {
	var title string
	err := s.run(ctx, chromedp.Title(&title))
	return title, err
}

func (s *Session) URL(ctx context.Context) (string, error) {
	var url string
	err := s.run(ctx, chromedp.Location(&url))
	return url, err
}

func (s *Session) Content(ctx context.Context) (string, error) {
	var html string
	err := s.run(ctx, chromedp.Evaluate(contentScript, &html))
	return html, err
}

// Screenshot writes a full-page PNG to path, creating parent directories.
func (s *Session) Screenshot(ctx context.Context, path string) error {
	var buf []byte
	if err := s.run(ctx, chromedp.FullScreenshot(&buf, 100)); err != nil {
		return fmt.Errorf("failed to capture screenshot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create screenshot directory: %w", err)
	}
	return os.WriteFile(path, buf, 0o644)
}

// -- Cookies --

func (s *Session) Cookies(ctx context.Context) ([]Cookie, error) {
	var raw []*network.Cookie
	err := s.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		raw, err = network.GetCookies().Do(ctx)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to read cookies: %w", err)
	}
	cookies := make([]Cookie, 0, len(raw))
	for _, c := range raw {
		cookies = append(cookies, Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
		})
	}
	return cookies, nil
}

func (s *Session) SetCookies(ctx context.Context, cookies []Cookie) error {
	if len(cookies) == 0 {
		return nil
	}
	params := make([]*network.CookieParam, 0, len(cookies))
	for _, c := range cookies {
		p := &network.CookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
		}
		if c.Expires > 0 {
			exp := cdp.TimeSinceEpoch(time.Unix(int64(c.Expires), 0))
			p.Expires = &exp
		}
		params = append(params, p)
	}
	if err := s.run(ctx, network.SetCookies(params)); err != nil {
		return fmt.Errorf("failed to set cookies: %w", err)
	}
	return nil
}

// -- Lifecycle --

// Close closes the page target and disposes of its browser context. It is
// safe to call more than once and from any exit path.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.isClosed {
		s.mu.Unlock()
		return nil
	}
	s.isClosed = true
	onClose := s.onClose
	s.mu.Unlock()

	if onClose != nil {
		defer onClose()
	}

	s.cancel()

	if s.browserContextID == "" || s.browserCtx.Err() != nil {
		return nil
	}

	// Disposal must happen even when the caller's context is already done.
	disposeCtx, cancel := context.WithTimeout(Detach(ctx), closeTimeout)
	defer cancel()
	runCtx, cancelRun := CombineContext(s.browserCtx, disposeCtx)
	defer cancelRun()

	if err := target.DisposeBrowserContext(s.browserContextID).Do(runCtx); err != nil {
		s.logger.Warn("Failed to dispose of browser context. It may be orphaned.",
			zap.String("browser_context_id", string(s.browserContextID)),
			zap.Error(err),
		)
		return fmt.Errorf("failed to dispose browser context: %w", err)
	}
	s.logger.Debug("Disposed browser context.", zap.String("browser_context_id", string(s.browserContextID)))
	return nil
}
