// Package runner orchestrates one end-to-end automation run: browser
// session, login, Data Entry navigation, org-unit selection, field
// discovery, record resolution, form filling and validation. Persistence and
// transport live elsewhere; the runner only turns a record into a result.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/solhealth/dhisfill/aiclient"
	"github.com/solhealth/dhisfill/discovery"
	"github.com/solhealth/dhisfill/filler"
	"github.com/solhealth/dhisfill/mapping"
	"github.com/solhealth/dhisfill/orgtree"
	"github.com/solhealth/dhisfill/session"
)

// Result is everything a caller learns from one run. Deliberately more than
// a boolean: most runs partially succeed, and the split between filled,
// hidden and failed is what decides the follow-up.
type Result struct {
	OrgPath             []string          `json:"org_path"`
	Period              string            `json:"period"`
	Attempted           int               `json:"attempted"`
	Filled              []string          `json:"filled"`
	SkippedHidden       []string          `json:"skipped_hidden"`
	Failed              map[string]string `json:"failed"`
	SuccessRate         float64           `json:"success_rate"`
	Unresolved          []string          `json:"unresolved,omitempty"`
	Excluded            []string          `json:"excluded,omitempty"`
	ValidationTriggered bool              `json:"validation_triggered"`
	ScreenshotPath      string            `json:"screenshot_path,omitempty"`
	Duration            time.Duration     `json:"duration"`
}

// Runner executes runs against one configured DHIS2 instance.
type Runner struct {
	cfg    *Config
	client aiclient.Client
	logger *slog.Logger
}

// New creates a Runner. logger may be nil.
func New(cfg *Config, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		cfg: cfg,
		client: aiclient.New(aiclient.Config{
			APIKey:      cfg.OpenAI.APIKey,
			Model:       cfg.OpenAI.Model,
			MaxTokens:   cfg.OpenAI.MaxTokens,
			Temperature: cfg.OpenAI.Temperature,
		}),
		logger: logger,
	}
}

// Client exposes the configured model client for callers that also run
// extraction. Nil when no API key is configured.
func (r *Runner) Client() aiclient.Client {
	return r.client
}

// Run executes one full automation run. The browser is closed on every exit
// path. A filler.ErrConflict passes through wrapped, with the partial result
// still returned.
func (r *Runner) Run(ctx context.Context, record map[string]any, orgPath []string, period string) (*Result, error) {
	if err := r.cfg.Validate(); err != nil {
		return nil, err
	}
	if len(orgPath) == 0 {
		orgPath = r.cfg.DHIS.DefaultOrgPath
	}
	if period == "" {
		period = r.cfg.DHIS.Period
	}

	start := time.Now()
	log := r.logger
	log.Info("runner: starting run", "org_path", orgPath, "period", period, "fields", len(record))

	sess := session.New(session.Config{
		BaseURL:           r.cfg.DHIS.URL,
		Username:          r.cfg.DHIS.Username,
		Password:          r.cfg.DHIS.Password,
		Headless:          r.cfg.Headless,
		LoginTimeout:      r.cfg.Timeouts.Login,
		NavigationTimeout: r.cfg.Timeouts.Navigation,
		MaxLoginRetries:   r.cfg.Retries.MaxLogin,
		RetryDelay:        r.cfg.Retries.Delay,
		Logger:            log,
	})
	if err := sess.Start(ctx); err != nil {
		return nil, err
	}
	defer sess.Close()

	if err := sess.Login(ctx); err != nil {
		return nil, err
	}
	if err := sess.OpenDataEntry(ctx); err != nil {
		return nil, err
	}

	tree := orgtree.New(sess.Page(), orgtree.Config{
		CacheFile:         filepath.Join(r.cfg.Cache.Dir, "org_units_cache.json"),
		CacheWindow:       time.Duration(r.cfg.Cache.OrgHours) * time.Hour,
		NavigationTimeout: r.cfg.Timeouts.Navigation,
		Logger:            log,
	})
	if !tree.LoadCache() {
		if _, err := tree.Discover(ctx); err != nil {
			return nil, fmt.Errorf("runner: org discovery: %w", err)
		}
	}
	if err := tree.ResolvePath(ctx, orgPath); err != nil {
		return nil, err
	}

	if err := sess.SelectPeriod(ctx, period); err != nil {
		return nil, fmt.Errorf("runner: period: %w", err)
	}

	fieldCache := filepath.Join(r.cfg.Cache.Dir, "field_mappings_cache.json")
	disc := discovery.New(sess.Page(), discovery.Config{
		CacheFile:       fieldCache,
		CacheWindow:     time.Duration(r.cfg.Cache.FieldHours) * time.Hour,
		FormLoadTimeout: r.cfg.Timeouts.FormLoad,
		TabSwitchDelay:  r.cfg.Timeouts.TabSwitchDelay,
		Logger:          log,
	})
	fields, ok := disc.LoadCache(ctx, disc.ComputeFingerprint)
	if !ok {
		var err error
		fields, _, err = disc.DiscoverAll(ctx)
		if err != nil {
			return nil, fmt.Errorf("runner: field discovery: %w", err)
		}
	}

	engine := mapping.NewEngine(mapping.Config{
		TablePath: r.cfg.MappingTable,
		Client:    r.client,
		Logger:    log,
	})
	resolution, err := engine.Resolve(ctx, record, fields)
	if err != nil {
		return nil, fmt.Errorf("runner: resolution: %w", err)
	}

	fill := filler.New(
		filler.NewRodDriver(sess.Page(), r.cfg.Timeouts.Navigation),
		filler.Config{
			CacheFile:     fieldCache,
			ScreenshotDir: r.cfg.ScreenshotDir,
			TabSettle:     r.cfg.Timeouts.TabSwitchDelay,
			Logger:        log,
		})

	report, fillErr := fill.Fill(ctx, resolution.Assignments, fields)

	result := &Result{
		OrgPath:    orgPath,
		Period:     period,
		Unresolved: resolution.Unresolved,
		Excluded:   resolution.Excluded,
	}
	if report != nil {
		result.Attempted = report.Attempted
		result.Filled = report.Filled
		result.SkippedHidden = report.SkippedHidden
		result.Failed = report.Failed
		result.SuccessRate = report.SuccessRate
	}

	if fillErr != nil {
		result.Duration = time.Since(start)
		return result, fmt.Errorf("runner: fill: %w", fillErr)
	}

	validation, valErr := fill.Validate(ctx)
	result.ValidationTriggered = validation.Triggered
	result.ScreenshotPath = validation.ScreenshotPath
	if valErr != nil {
		log.Warn("runner: validation trigger failed", "error", valErr)
	}

	result.Duration = time.Since(start)
	log.Info("runner: run complete",
		"filled", len(result.Filled),
		"failed", len(result.Failed),
		"success_rate", result.SuccessRate,
		"duration", result.Duration.Round(time.Second))
	return result, nil
}
