// Package form fills individual controls. Every operation reports success
// as a bool: faults are logged here and never escape to the caller, which
// decides whether a missing field sinks the step.
package form

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/slotrunner/internal/browser"
	"github.com/xkilldash9x/slotrunner/internal/locator"
	"github.com/xkilldash9x/slotrunner/internal/retry"
)

// errNoMatch means the option list opened but held nothing matching.
var errNoMatch = errors.New("no matching option")

// DefaultOptionSpec matches the entries of an open custom dropdown.
var DefaultOptionSpec = locator.NewSpec("dropdown_option",
	locator.CSS("mat-option"),
	locator.CSS("[role='option']"),
	locator.CSS(".ng-dropdown-panel .ng-option"),
	locator.CSS(".dropdown-menu .dropdown-item"),
)

// Options tunes a Filler. Zero values take the defaults noted per field.
type Options struct {
	// LocateTimeout bounds resolving the control itself. Default 30s.
	LocateTimeout time.Duration
	// Retries is the number of tries per operation. Default 2.
	Retries int
	// Backoff is the pause between tries. Default 500ms.
	Backoff time.Duration
	// DropdownTimeout bounds waiting for an option list. Default 5s.
	DropdownTimeout time.Duration
	// DropdownPoll is the option list probe interval. Default 100ms.
	DropdownPoll time.Duration
	// SettleDelay is slept after a selection so dependent controls can
	// refresh. Default 250ms.
	SettleDelay time.Duration
	// OptionSpec locates dropdown entries. Default DefaultOptionSpec.
	OptionSpec locator.Spec
}

func (o Options) withDefaults() Options {
	if o.LocateTimeout <= 0 {
		o.LocateTimeout = 30 * time.Second
	}
	if o.Retries <= 0 {
		o.Retries = 2
	}
	if o.Backoff <= 0 {
		o.Backoff = 500 * time.Millisecond
	}
	if o.DropdownTimeout <= 0 {
		o.DropdownTimeout = 5 * time.Second
	}
	if o.DropdownPoll <= 0 {
		o.DropdownPoll = 100 * time.Millisecond
	}
	if o.SettleDelay < 0 {
		o.SettleDelay = 0
	} else if o.SettleDelay == 0 {
		o.SettleDelay = 250 * time.Millisecond
	}
	if len(o.OptionSpec.Candidates) == 0 {
		o.OptionSpec = DefaultOptionSpec
	}
	return o
}

// Filler writes values into form controls.
type Filler struct {
	logger   *zap.Logger
	resolver *locator.Resolver
	opts     Options
}

// NewFiller returns a Filler resolving controls through resolver.
func NewFiller(logger *zap.Logger, resolver *locator.Resolver, opts Options) *Filler {
	return &Filler{logger: logger.Named("form"), resolver: resolver, opts: opts.withDefaults()}
}

func (f *Filler) attempt(ctx context.Context, op retry.Op) error {
	return retry.Attempt(ctx, op, f.opts.Retries, retry.Constant(f.opts.Backoff))
}

// locate resolves spec, marking absence as permanent: the resolver has
// already spent its whole budget looking.
func (f *Filler) locate(ctx context.Context, page browser.Page, spec locator.Spec) (browser.Element, error) {
	el, err := f.resolver.Resolve(ctx, page, spec, f.opts.LocateTimeout)
	if errors.Is(err, locator.ErrNotFound) {
		return el, retry.Permanent(err)
	}
	return el, err
}

// FillText writes value into a text control. It assigns through the native
// setter first and falls back to typing when the value does not stick.
func (f *Filler) FillText(ctx context.Context, page browser.Page, spec locator.Spec, value string) bool {
	err := f.attempt(ctx, func(ctx context.Context, try int) error {
		el, err := f.locate(ctx, page, spec)
		if err != nil {
			return err
		}

		stuck, err := page.SetValue(ctx, el, value)
		if err == nil && stuck {
			if got, verr := page.Value(ctx, el); verr == nil && got == value {
				return nil
			}
		}
		if err != nil {
			f.logger.Debug("Native assignment failed, typing instead.", zap.String("field", spec.Name), zap.Error(err))
		}

		if err := page.TypeText(ctx, el, value); err != nil {
			return fmt.Errorf("typing into %s: %w", spec.Name, err)
		}
		got, err := page.Value(ctx, el)
		if err != nil {
			return fmt.Errorf("reading back %s: %w", spec.Name, err)
		}
		if got != value {
			return fmt.Errorf("%s holds %q after typing", spec.Name, got)
		}
		return nil
	})
	if err != nil {
		f.logger.Warn("Could not fill field.", zap.String("field", spec.Name), zap.Error(err))
		return false
	}
	return true
}

// SelectOption picks visibleText from a custom dropdown. An exact
// case-insensitive match wins over a substring match. A control already
// showing visibleText is left alone. The dropdown is never left open.
func (f *Filler) SelectOption(ctx context.Context, page browser.Page, spec locator.Spec, visibleText string) bool {
	want := normalize(visibleText)
	if want == "" {
		f.logger.Debug("Empty selection requested, skipping.", zap.String("field", spec.Name))
		return false
	}

	err := f.attempt(ctx, func(ctx context.Context, try int) error {
		el, err := f.locate(ctx, page, spec)
		if err != nil {
			return err
		}
		if shown, err := page.Text(ctx, el); err == nil && normalize(shown) == want {
			return nil
		}

		if err := page.Click(ctx, el); err != nil {
			return fmt.Errorf("opening %s: %w", spec.Name, err)
		}
		chosen := false
		defer func() {
			if !chosen {
				f.closeDropdown(page)
			}
		}()

		options, err := f.awaitOptions(ctx, page)
		if err != nil {
			return err
		}
		match, ok := f.pick(ctx, page, options, want)
		if !ok {
			return retry.Permanent(fmt.Errorf("%s has no option %q: %w", spec.Name, visibleText, errNoMatch))
		}
		if err := page.Click(ctx, match); err != nil {
			return fmt.Errorf("choosing %q in %s: %w", visibleText, spec.Name, err)
		}
		chosen = true
		return f.settle(ctx)
	})
	if err != nil {
		f.logger.Warn("Could not select option.", zap.String("field", spec.Name), zap.String("option", visibleText), zap.Error(err))
		return false
	}
	return true
}

// closeDropdown dismisses an open option list even when ctx is done.
func (f *Filler) closeDropdown(page browser.Page) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := page.PressEscape(ctx); err != nil {
		f.logger.Debug("Could not dismiss dropdown.", zap.Error(err))
	}
}

func (f *Filler) awaitOptions(ctx context.Context, page browser.Page) ([]browser.Element, error) {
	deadline := time.Now().Add(f.opts.DropdownTimeout)
	for {
		options, err := f.resolver.ResolveAll(ctx, page, f.opts.OptionSpec)
		if err != nil {
			return nil, err
		}
		if len(options) > 0 {
			return options, nil
		}
		if !time.Now().Before(deadline) {
			return nil, fmt.Errorf("option list did not open within %s", f.opts.DropdownTimeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.opts.DropdownPoll):
		}
	}
}

func (f *Filler) pick(ctx context.Context, page browser.Page, options []browser.Element, want string) (browser.Element, bool) {
	var (
		partial   browser.Element
		haveMatch bool
	)
	for _, opt := range options {
		text, err := page.Text(ctx, opt)
		if err != nil {
			continue
		}
		text = normalize(text)
		if text == want {
			return opt, true
		}
		if !haveMatch && strings.Contains(text, want) {
			partial, haveMatch = opt, true
		}
	}
	return partial, haveMatch
}

func (f *Filler) settle(ctx context.Context) error {
	if f.opts.SettleDelay <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(f.opts.SettleDelay):
		return nil
	}
}

// SelectNative picks visibleText from a native <select>. Only structural
// candidates can be used, since options are addressed as descendants.
func (f *Filler) SelectNative(ctx context.Context, page browser.Page, spec locator.Spec, visibleText string) bool {
	want := normalize(visibleText)
	err := f.attempt(ctx, func(ctx context.Context, try int) error {
		el, err := f.locate(ctx, page, spec)
		if err != nil {
			return err
		}
		if el.Locator.Kind != browser.Structural {
			return retry.Permanent(fmt.Errorf("%s resolved through a text locator", spec.Name))
		}
		options, err := page.FindAll(ctx, locator.CSS(el.Locator.Expr+" option"))
		if err != nil {
			return err
		}
		match, ok := f.pick(ctx, page, options, want)
		if !ok {
			return retry.Permanent(fmt.Errorf("%s has no option %q: %w", spec.Name, visibleText, errNoMatch))
		}
		value, present, err := page.Attribute(ctx, match, "value")
		if err != nil {
			return err
		}
		if !present {
			if value, err = page.Text(ctx, match); err != nil {
				return err
			}
		}
		stuck, err := page.SetValue(ctx, el, value)
		if err != nil {
			return err
		}
		if !stuck {
			return fmt.Errorf("%s rejected value %q", spec.Name, value)
		}
		return nil
	})
	if err != nil {
		f.logger.Warn("Could not select native option.", zap.String("field", spec.Name), zap.String("option", visibleText), zap.Error(err))
		return false
	}
	return true
}

// Click resolves spec and clicks it.
func (f *Filler) Click(ctx context.Context, page browser.Page, spec locator.Spec) bool {
	err := f.attempt(ctx, func(ctx context.Context, try int) error {
		el, err := f.locate(ctx, page, spec)
		if err != nil {
			return err
		}
		return page.Click(ctx, el)
	})
	if err != nil {
		f.logger.Warn("Could not click control.", zap.String("control", spec.Name), zap.Error(err))
		return false
	}
	return true
}

func normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
