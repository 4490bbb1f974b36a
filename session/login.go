package session

import (
	"context"
	"fmt"

	"github.com/solhealth/dhisfill/retry"
)

// Selectors on the DHIS2 login surface. The landmark is the header-bar apps
// icon: it only renders after the server accepted the credentials.
const (
	selUsername      = "#username"
	selPassword      = "#password"
	selLoginButton   = `button[data-test="dhis2-uicore-button"]`
	selLoginLandmark = `[data-test="headerbar-apps-icon"]`
)

// Login authenticates against the configured instance, retrying up to
// MaxLoginRetries with a fixed delay. On exhaustion it returns
// ErrAuthentication wrapping the last attempt's failure.
func (s *Session) Login(ctx context.Context) error {
	log := s.cfg.Logger

	attempt := 0
	err := retry.Do(ctx, retry.Config{
		Attempts: s.cfg.MaxLoginRetries,
		Delay:    s.cfg.RetryDelay,
		Logger:   log,
	}, "login", func(ctx context.Context) error {
		attempt++
		log.Info("session: login attempt", "attempt", attempt, "max", s.cfg.MaxLoginRetries, "url", s.cfg.BaseURL)

		page := s.page.Context(ctx)
		if err := page.Timeout(s.cfg.NavigationTimeout).Navigate(s.cfg.BaseURL); err != nil {
			return fmt.Errorf("navigate: %w", err)
		}

		user, err := page.Timeout(s.cfg.NavigationTimeout).Element(selUsername)
		if err != nil {
			return fmt.Errorf("username field: %w", err)
		}
		if err := user.Input(s.cfg.Username); err != nil {
			return fmt.Errorf("fill username: %w", err)
		}

		pass, err := page.Timeout(s.cfg.NavigationTimeout).Element(selPassword)
		if err != nil {
			return fmt.Errorf("password field: %w", err)
		}
		if err := pass.Input(s.cfg.Password); err != nil {
			return fmt.Errorf("fill password: %w", err)
		}

		if err := s.click(ctx, selLoginButton); err != nil {
			return err
		}

		if _, err := page.Timeout(s.cfg.LoginTimeout).Element(selLoginLandmark); err != nil {
			return fmt.Errorf("post-login landmark: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthentication, err)
	}

	log.Info("session: login successful")
	return nil
}
