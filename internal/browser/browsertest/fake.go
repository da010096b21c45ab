// Package browsertest provides a scripted in-memory Page for exercising the
// engine without a browser.
package browsertest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/xkilldash9x/slotrunner/internal/browser"
)

// Element is a fake DOM node.
type Element struct {
	Key    string
	Text   string
	Value  string
	Attrs  map[string]string
	Hidden bool
	// RejectSetValue makes SetValue report that the value did not stick,
	// forcing callers onto the keystroke path.
	RejectSetValue bool
	// OnClick runs after the click is recorded.
	OnClick func(p *Page)
}

// Page is a scripted browser.Context. The zero value is not usable; use
// NewPage.
type Page struct {
	mu sync.Mutex

	id       string
	title    string
	url      string
	content  string
	elements map[browser.Locator][]*Element
	byKey    map[string]*Element
	cookies  []browser.Cookie
	closed   bool

	// OnNavigate and OnReload let tests change the page in response to
	// navigation. They run without the page lock held.
	OnNavigate func(p *Page, url string)
	OnReload   func(p *Page, count int)
	// OnEscape runs on every PressEscape.
	OnEscape func(p *Page)
	// EvaluateFunc answers Evaluate calls.
	EvaluateFunc func(script string, res any) error

	NavigateErr error
	ContentErr  error

	navigations []string
	reloads     int
	clicks      []string
	escapes     int
	typed       map[string]string
	screenshots []string
	closeCount  int
}

var _ browser.Context = (*Page)(nil)

// NewPage returns an empty page at url.
func NewPage(id, url string) *Page {
	return &Page{
		id:       id,
		url:      url,
		elements: make(map[browser.Locator][]*Element),
		byKey:    make(map[string]*Element),
		typed:    make(map[string]string),
	}
}

// -- Scripting --

// Add appends elements matched by loc. Keys default to "<loc>#<n>".
func (p *Page) Add(loc browser.Locator, els ...*Element) *Page {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, el := range els {
		if el.Key == "" {
			el.Key = fmt.Sprintf("%s#%d", loc, len(p.elements[loc]))
		}
		p.elements[loc] = append(p.elements[loc], el)
		p.byKey[el.Key] = el
	}
	return p
}

// Remove drops every element matched by loc.
func (p *Page) Remove(loc browser.Locator) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, el := range p.elements[loc] {
		delete(p.byKey, el.Key)
	}
	delete(p.elements, loc)
}

// Clear drops every element, as a full page load would.
func (p *Page) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.elements = make(map[browser.Locator][]*Element)
	p.byKey = make(map[string]*Element)
}

// Get returns the element registered under key, or nil.
func (p *Page) Get(key string) *Element {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.byKey[key]
}

func (p *Page) SetTitle(title string) {
	p.mu.Lock()
	p.title = title
	p.mu.Unlock()
}

func (p *Page) SetURL(url string) {
	p.mu.Lock()
	p.url = url
	p.mu.Unlock()
}

func (p *Page) SetContent(content string) {
	p.mu.Lock()
	p.content = content
	p.mu.Unlock()
}

// -- Observations --

func (p *Page) Navigations() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.navigations...)
}

func (p *Page) Reloads() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reloads
}

func (p *Page) Clicks() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.clicks...)
}

func (p *Page) Escapes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.escapes
}

// Typed returns what TypeText last wrote into the element with key.
func (p *Page) Typed(key string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.typed[key]
	return v, ok
}

func (p *Page) Screenshots() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.screenshots...)
}

// CloseCount reports how many times Close was called.
func (p *Page) CloseCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeCount
}

// -- browser.Context --

func (p *Page) ID() string { return p.id }

func (p *Page) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	if p.NavigateErr != nil {
		err := p.NavigateErr
		p.mu.Unlock()
		return err
	}
	p.navigations = append(p.navigations, url)
	p.url = url
	hook := p.OnNavigate
	p.mu.Unlock()
	if hook != nil {
		hook(p, url)
	}
	return nil
}

func (p *Page) Reload(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	p.reloads++
	n := p.reloads
	hook := p.OnReload
	p.mu.Unlock()
	if hook != nil {
		hook(p, n)
	}
	return nil
}

func (p *Page) FindAll(ctx context.Context, loc browser.Locator) ([]browser.Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []browser.Element
	for i, el := range p.elements[loc] {
		if el.Hidden {
			continue
		}
		out = append(out, browser.Element{Locator: loc, Index: i, Key: el.Key})
	}
	return out, nil
}

func (p *Page) Find(ctx context.Context, loc browser.Locator) (browser.Element, error) {
	els, err := p.FindAll(ctx, loc)
	if err != nil {
		return browser.Element{}, err
	}
	if len(els) == 0 {
		return browser.Element{}, fmt.Errorf("%s: %w", loc, browser.ErrNoElement)
	}
	return els[0], nil
}

func (p *Page) lookup(el browser.Element) (*Element, error) {
	fe, ok := p.byKey[el.Key]
	if !ok {
		return nil, fmt.Errorf("element %q detached", el.Key)
	}
	return fe, nil
}

func (p *Page) Click(ctx context.Context, el browser.Element) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	fe, err := p.lookup(el)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	p.clicks = append(p.clicks, fe.Key)
	hook := fe.OnClick
	p.mu.Unlock()
	if hook != nil {
		hook(p)
	}
	return nil
}

func (p *Page) TypeText(ctx context.Context, el browser.Element, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fe, err := p.lookup(el)
	if err != nil {
		return err
	}
	fe.Value = value
	p.typed[fe.Key] = value
	return nil
}

func (p *Page) SetValue(ctx context.Context, el browser.Element, value string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fe, err := p.lookup(el)
	if err != nil {
		return false, err
	}
	if fe.RejectSetValue {
		return false, nil
	}
	fe.Value = value
	return true, nil
}

func (p *Page) Value(ctx context.Context, el browser.Element) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fe, err := p.lookup(el)
	if err != nil {
		return "", err
	}
	return fe.Value, nil
}

func (p *Page) Text(ctx context.Context, el browser.Element) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fe, err := p.lookup(el)
	if err != nil {
		return "", err
	}
	return fe.Text, nil
}

func (p *Page) Attribute(ctx context.Context, el browser.Element, name string) (string, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fe, err := p.lookup(el)
	if err != nil {
		return "", false, err
	}
	v, ok := fe.Attrs[name]
	return v, ok, nil
}

func (p *Page) Evaluate(ctx context.Context, script string, res any) error {
	if p.EvaluateFunc != nil {
		return p.EvaluateFunc(script, res)
	}
	return nil
}

func (p *Page) Title(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.title, nil
}

func (p *Page) URL(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url, nil
}

func (p *Page) Content(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ContentErr != nil {
		return "", p.ContentErr
	}
	return p.content, nil
}

func (p *Page) PressEscape(ctx context.Context) error {
	p.mu.Lock()
	p.escapes++
	hook := p.OnEscape
	p.mu.Unlock()
	if hook != nil {
		hook(p)
	}
	return nil
}

func (p *Page) Screenshot(ctx context.Context, path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.screenshots = append(p.screenshots, path)
	return nil
}

func (p *Page) Cookies(ctx context.Context) ([]browser.Cookie, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]browser.Cookie(nil), p.cookies...), nil
}

func (p *Page) SetCookies(ctx context.Context, cookies []browser.Cookie) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cookies = append(p.cookies, cookies...)
	return nil
}

func (p *Page) Close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeCount++
	p.closed = true
	return nil
}

// -- Factory --

// Factory hands out scripted pages, one per profile.
type Factory struct {
	mu sync.Mutex
	// New builds the page for a profile. Required.
	New func(profile browser.Profile) *Page
	// Err, when set, fails every NewContext call.
	Err error

	pages  map[string]*Page
	opened []string
}

var _ browser.ContextFactory = (*Factory)(nil)

// ErrFactoryClosed is a convenient error for Factory.Err.
var ErrFactoryClosed = errors.New("factory closed")

func (f *Factory) NewContext(ctx context.Context, profile browser.Profile) (browser.Context, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	if f.pages == nil {
		f.pages = make(map[string]*Page)
	}
	p := f.New(profile)
	f.pages[profile.ID] = p
	f.opened = append(f.opened, profile.ID)
	return p, nil
}

// Page returns the page opened for profile ID, or nil.
func (f *Factory) Page(id string) *Page {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pages[id]
}

// Opened lists profile IDs in the order they were opened.
func (f *Factory) Opened() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.opened...)
}
