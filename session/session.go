// Package session owns the single authenticated browser session against a
// DHIS2 instance: Chrome lifecycle, login with retry, navigation into the
// Data Entry app, and reporting-period selection.
//
// One Session maps to one automation run. The remote form's DOM is globally
// shared state, so everything here is strictly sequential; concurrency across
// runs happens at the caller with independent Sessions.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// ErrAuthentication is returned when every login attempt fails. Fatal for
// the run: nothing downstream can work without a session.
var ErrAuthentication = errors.New("session: authentication failed")

// ErrNavigation is returned when the Data Entry surface never becomes
// reachable.
var ErrNavigation = errors.New("session: navigation failed")

// Config configures a Session.
type Config struct {
	// BaseURL of the DHIS2 instance, e.g. "https://sols1.baosystems.com".
	BaseURL  string
	Username string
	Password string

	// RemoteURL is the WebSocket URL of an external Chrome. Empty = launch
	// a local one via launcher.
	RemoteURL string

	// Headless controls the local launch mode. Default: true.
	Headless *bool

	// LoginTimeout bounds the wait for the post-login landmark. Default: 30s.
	LoginTimeout time.Duration

	// NavigationTimeout bounds individual element waits. Default: 10s.
	NavigationTimeout time.Duration

	// MaxLoginRetries is the total login attempt budget. Default: 3.
	MaxLoginRetries int

	// RetryDelay is the fixed wait between login attempts. Default: 2s.
	RetryDelay time.Duration

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.Headless == nil {
		v := true
		c.Headless = &v
	}
	if c.LoginTimeout <= 0 {
		c.LoginTimeout = 30 * time.Second
	}
	if c.NavigationTimeout <= 0 {
		c.NavigationTimeout = 10 * time.Second
	}
	if c.MaxLoginRetries <= 0 {
		c.MaxLoginRetries = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 2 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Session is one authenticated browser session. Not safe for concurrent use.
type Session struct {
	cfg     Config
	browser *rod.Browser
	lnch    *launcher.Launcher
	page    *rod.Page
}

// New creates a Session. Call Start to launch the browser.
func New(cfg Config) *Session {
	cfg.defaults()
	return &Session{cfg: cfg}
}

// Start launches Chrome (or connects to a remote instance) and opens the
// session's page with stealth applied.
func (s *Session) Start(ctx context.Context) error {
	log := s.cfg.Logger

	wsURL := s.cfg.RemoteURL
	if wsURL == "" {
		l := launcher.New().
			Headless(*s.cfg.Headless).
			NoSandbox(true).
			Set("disable-dev-shm-usage").
			Set("disable-blink-features", "AutomationControlled")

		u, err := l.Launch()
		if err != nil {
			return fmt.Errorf("session: launch: %w", err)
		}
		wsURL = u
		s.lnch = l
		log.Info("session: launched local chrome", "headless", *s.cfg.Headless)
	} else {
		log.Info("session: connecting to remote chrome", "url", wsURL)
	}

	b := rod.New().ControlURL(wsURL).Context(ctx)
	if err := b.Connect(); err != nil {
		s.cleanupLauncher()
		return fmt.Errorf("session: connect: %w", err)
	}
	s.browser = b

	if err := b.IgnoreCertErrors(true); err != nil {
		log.Warn("session: ignore cert errors failed", "error", err)
	}

	page, err := stealth.Page(b)
	if err != nil {
		s.Close()
		return fmt.Errorf("session: create page: %w", err)
	}
	s.page = page
	return nil
}

// Page returns the current active page handle. After OpenDataEntry this may
// point at a spawned tab rather than the login page.
func (s *Session) Page() *rod.Page {
	return s.page
}

// Close shuts down the browser. Safe to call on every exit path; a leaked
// Chrome process outlives the run otherwise.
func (s *Session) Close() {
	if s.browser != nil {
		if err := s.browser.Close(); err != nil {
			s.cfg.Logger.Warn("session: browser close", "error", err)
		}
		s.browser = nil
	}
	s.cleanupLauncher()
	s.page = nil
}

func (s *Session) cleanupLauncher() {
	if s.lnch != nil {
		s.lnch.Cleanup()
		s.lnch = nil
	}
}

// adoptNewestPage re-points the session at the most recently opened browser
// tab. DHIS2 opens Data Entry in a fresh tab; the newest page is the one the
// user would be looking at.
func (s *Session) adoptNewestPage(ctx context.Context) error {
	pages, err := s.browser.Pages()
	if err != nil {
		return fmt.Errorf("list pages: %w", err)
	}
	if len(pages) <= 1 {
		s.cfg.Logger.Warn("session: no new tab detected, keeping current page")
		return nil
	}

	newest := pages[len(pages)-1]
	if _, err := newest.Activate(); err != nil {
		s.cfg.Logger.Warn("session: activate new tab", "error", err)
	}
	if err := newest.Context(ctx).Timeout(s.cfg.LoginTimeout).WaitLoad(); err != nil {
		s.cfg.Logger.Warn("session: new tab load wait", "error", err)
	}
	s.page = newest

	info, err := newest.Info()
	if err == nil {
		s.cfg.Logger.Info("session: switched to new tab", "url", info.URL)
	}
	return nil
}

// settle waits a fixed delay, honouring cancellation. The remote app reacts
// to every click with deferred rendering; explicit waits beat polling here
// because there is no reliable "done" signal to poll for.
func (s *Session) settle(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// click resolves a selector bounded by the navigation timeout and clicks it.
func (s *Session) click(ctx context.Context, selector string) error {
	el, err := s.page.Context(ctx).Timeout(s.cfg.NavigationTimeout).Element(selector)
	if err != nil {
		return fmt.Errorf("find %s: %w", selector, err)
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("click %s: %w", selector, err)
	}
	return nil
}
