package stealth

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

//go:embed evasions.js
var evasionsScript string

// Persona defines the browser characteristics to emulate.
type Persona struct {
	UserAgent string   `mapstructure:"user_agent" yaml:"user_agent"`
	Platform  string   `mapstructure:"platform" yaml:"platform"`
	Languages []string `mapstructure:"languages" yaml:"languages"`
	Timezone  string   `mapstructure:"timezone" yaml:"timezone"`
	Locale    string   `mapstructure:"locale" yaml:"locale"`
}

// DefaultPersona is a desktop Chrome on Windows with an English locale.
var DefaultPersona = Persona{
	UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
	Platform:  "Win32",
	Languages: []string{"en-US", "en"},
	Timezone:  "Europe/Lisbon",
	Locale:    "en-US",
}

// withDefaults fills the zero fields of p from DefaultPersona.
func (p Persona) withDefaults() Persona {
	if p.UserAgent == "" {
		p.UserAgent = DefaultPersona.UserAgent
	}
	if p.Platform == "" {
		p.Platform = DefaultPersona.Platform
	}
	if len(p.Languages) == 0 {
		p.Languages = DefaultPersona.Languages
	}
	if p.Timezone == "" {
		p.Timezone = DefaultPersona.Timezone
	}
	if p.Locale == "" {
		p.Locale = DefaultPersona.Locale
	}
	return p
}

// AcceptLanguage renders the persona's languages as an Accept-Language value.
func (p Persona) AcceptLanguage() string {
	p = p.withDefaults()
	parts := make([]string, 0, len(p.Languages))
	for i, lang := range p.Languages {
		if i == 0 {
			parts = append(parts, lang)
			continue
		}
		q := 1.0 - 0.1*float64(i)
		if q < 0.1 {
			q = 0.1
		}
		parts = append(parts, fmt.Sprintf("%s;q=%.1f", lang, q))
	}
	return strings.Join(parts, ",")
}

// Script returns the evasion script with the persona's values bound.
func (p Persona) Script() (string, error) {
	p = p.withDefaults()
	langs, err := jsoniter.MarshalToString(p.Languages)
	if err != nil {
		return "", fmt.Errorf("failed to encode persona languages: %w", err)
	}
	platform, err := jsoniter.MarshalToString(p.Platform)
	if err != nil {
		return "", fmt.Errorf("failed to encode persona platform: %w", err)
	}
	prelude := fmt.Sprintf("window.__slotrunnerLanguages = %s;\nwindow.__slotrunnerPlatform = %s;\n", langs, platform)
	return prelude + evasionsScript, nil
}

// Apply returns the actions that make a fresh target look like a user's
// browser. They must run before the first navigation.
func Apply(p Persona, logger *zap.Logger) chromedp.Tasks {
	p = p.withDefaults()
	logger.Debug("Applying browser stealth persona.",
		zap.String("user_agent", p.UserAgent),
		zap.String("platform", p.Platform),
	)

	return chromedp.Tasks{
		emulation.SetUserAgentOverride(p.UserAgent).
			WithPlatform(p.Platform).
			WithAcceptLanguage(p.AcceptLanguage()),

		chromedp.ActionFunc(func(ctx context.Context) error {
			script, err := p.Script()
			if err != nil {
				return err
			}
			if _, err := page.AddScriptToEvaluateOnNewDocument(script).Do(ctx); err != nil {
				return fmt.Errorf("failed to inject evasions script: %w", err)
			}
			return nil
		}),

		emulation.SetTimezoneOverride(p.Timezone),
		emulation.SetLocaleOverride().WithLocale(p.Locale),
		network.SetExtraHTTPHeaders(network.Headers{
			"Accept-Language": p.AcceptLanguage(),
		}),
	}
}
