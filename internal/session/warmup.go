package session

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/slotrunner/api/schemas"
	"github.com/xkilldash9x/slotrunner/internal/availability"
	"github.com/xkilldash9x/slotrunner/internal/browser"
)

// Warmup signs subject in and saves the resulting cookies to the
// subject's profile file, so a later run starts authenticated.
func (r *Runner) Warmup(ctx context.Context, subject schemas.Subject) error {
	s := r.newSession(subject)
	if err := s.openContext(ctx); err != nil {
		return err
	}
	defer s.close()

	if err := s.login(ctx); err != nil {
		return err
	}
	cookies, err := s.page.Cookies(ctx)
	if err != nil {
		return fmt.Errorf("reading cookies: %w: %w", schemas.ErrTransportFault, err)
	}
	path := r.Profile(subject, s.id).CookieFile
	if err := browser.SaveCookieFile(path, cookies); err != nil {
		return err
	}
	s.logger.Info("Profile warmed up.", zap.String("file", path), zap.Int("cookies", len(cookies)))
	return nil
}

// Watch signs in as subject and runs the availability watch alone,
// without booking anything.
func (r *Runner) Watch(ctx context.Context, subject schemas.Subject) (availability.Result, error) {
	s := r.newSession(subject)
	if err := s.openContext(ctx); err != nil {
		return availability.Expired, err
	}
	defer s.close()

	if err := s.login(ctx); err != nil {
		return availability.Expired, err
	}
	d, err := s.watch(ctx)
	if err != nil {
		return availability.Expired, err
	}
	return d.Result, nil
}
