package browser

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/cdp"
)

// ErrNoElement is returned by Page.Find when nothing visible matches.
var ErrNoElement = errors.New("no visible element")

// LocatorKind says how a Locator expression is evaluated.
type LocatorKind int

const (
	// Structural locators are CSS selectors over tags and attributes.
	Structural LocatorKind = iota
	// Text locators are XPath expressions over text content.
	Text
)

func (k LocatorKind) String() string {
	switch k {
	case Structural:
		return "css"
	case Text:
		return "xpath"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Locator is one candidate expression for finding elements.
type Locator struct {
	Kind LocatorKind
	Expr string
}

func (l Locator) String() string { return l.Kind.String() + ":" + l.Expr }

// Element is a handle to one node resolved on a page. Handles are only
// valid until the next navigation of the page that produced them.
type Element struct {
	Locator Locator
	// Index is the element's position among the locator's matches.
	Index int
	// Key identifies the underlying node. Two handles with the same Key
	// refer to the same node.
	Key string

	node *cdp.Node
}

// Cookie is a browser cookie in a transport-neutral shape.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires,omitempty"`
	HTTPOnly bool    `json:"http_only,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
}

// Page is the browsing capability the engine drives. Every method blocks
// for at most the lifetime of ctx.
type Page interface {
	Navigate(ctx context.Context, url string) error
	Reload(ctx context.Context) error

	// Find returns the first visible element matching loc, or ErrNoElement.
	// It does not wait.
	Find(ctx context.Context, loc Locator) (Element, error)
	// FindAll returns every visible element matching loc. It does not wait.
	FindAll(ctx context.Context, loc Locator) ([]Element, error)

	Click(ctx context.Context, el Element) error
	// TypeText emits value as individual key events into el.
	TypeText(ctx context.Context, el Element, value string) error
	// SetValue assigns value through the element's native value setter and
	// dispatches input, change and blur. It reports whether the element
	// holds value afterwards.
	SetValue(ctx context.Context, el Element, value string) (bool, error)
	// Value reads the current value of a form control.
	Value(ctx context.Context, el Element) (string, error)
	Attribute(ctx context.Context, el Element, name string) (string, bool, error)
	Text(ctx context.Context, el Element) (string, error)

	Evaluate(ctx context.Context, script string, res any) error
	Title(ctx context.Context) (string, error)
	URL(ctx context.Context) (string, error)
	// Content returns the serialized document, markup included.
	Content(ctx context.Context) (string, error)

	PressEscape(ctx context.Context) error
	Screenshot(ctx context.Context, path string) error

	Cookies(ctx context.Context) ([]Cookie, error)
	SetCookies(ctx context.Context, cookies []Cookie) error
}

// Context is one isolated browsing context: its own cookie jar, storage
// and cache. Close must be called on every exit path.
type Context interface {
	Page
	ID() string
	Close(ctx context.Context) error
}

// Profile describes the isolated context a subject gets.
type Profile struct {
	// ID names the context in logs and keys the cookie file.
	ID string
	// CookieFile, when set, seeds the context's cookies on open.
	CookieFile string
}

// ContextFactory opens isolated browsing contexts.
type ContextFactory interface {
	NewContext(ctx context.Context, profile Profile) (Context, error)
}

// WithTimeout runs fn against a context bounded by d. A zero d runs fn
// against ctx unchanged.
func WithTimeout(ctx context.Context, d time.Duration, fn func(ctx context.Context) error) error {
	if d <= 0 {
		return fn(ctx)
	}
	opCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return fn(opCtx)
}
