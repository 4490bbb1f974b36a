// Package filler writes resolved values into the live form, tab by tab, and
// triggers validation. Every field gets an individual verdict: filled,
// skipped because the form hides it, or failed with a reason. A run never
// aborts because one field misbehaved; the one exception is a concurrent
// entry conflict, which poisons everything after it and is surfaced whole.
package filler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/solhealth/dhisfill/discovery"
)

// ErrConflict is returned when the form reports that another session already
// entered data for this unit and period. Whether to retry, merge or abort is
// the caller's policy decision.
var ErrConflict = errors.New("filler: concurrent entry conflict")

// healThreshold is the success rate below which the field cache is presumed
// stale and backed up for inspection.
const healThreshold = 0.5

// Driver is the page surface the filler needs. The production driver wraps
// the live page; tests substitute a fake.
type Driver interface {
	// ActivateTab brings the named tab's pane to the front.
	ActivateTab(ctx context.Context, tab string) error

	// Visible reports whether the selector resolves to a control the user
	// could see, per computed style.
	Visible(ctx context.Context, selector string) (bool, error)

	// SetText replaces a text input's content.
	SetText(ctx context.Context, selector, value string) error

	// SetSelect picks a dropdown option, falling back to type-ahead.
	SetSelect(ctx context.Context, selector, value string) error

	// SetRadio clicks a radio input. The selector already pins the value.
	SetRadio(ctx context.Context, selector string) error

	// ClearFocus blurs the active element so pending cell handlers fire.
	ClearFocus(ctx context.Context) error

	// ConflictShown reports whether the form is displaying a concurrent
	// entry conflict dialog.
	ConflictShown(ctx context.Context) (bool, error)

	// TriggerValidation clicks the form's validate control.
	TriggerValidation(ctx context.Context) error

	// Screenshot captures the page to path.
	Screenshot(ctx context.Context, path string) error
}

// Config configures a Filler.
type Config struct {
	// CacheFile is the discovery cache to back up when a run goes badly.
	CacheFile string

	// ScreenshotDir receives validation screenshots. Default: "screenshots".
	ScreenshotDir string

	// TabSettle is the pause after activating a tab. Default: 2s.
	TabSettle time.Duration

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.ScreenshotDir == "" {
		c.ScreenshotDir = "screenshots"
	}
	if c.TabSettle <= 0 {
		c.TabSettle = 2 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Report is the per-field outcome of one fill pass. SuccessRate is computed
// over fields the form actually offered: hidden fields are skipped, not
// failed, and sit outside the denominator.
type Report struct {
	Attempted     int               `json:"attempted"`
	Filled        []string          `json:"filled"`
	SkippedHidden []string          `json:"skipped_hidden"`
	Failed        map[string]string `json:"failed"`
	SuccessRate   float64           `json:"success_rate"`
	BackupCreated bool              `json:"backup_created"`
}

// Filler writes assignments into the form.
type Filler struct {
	cfg    Config
	driver Driver
}

// New creates a Filler on the given driver.
func New(driver Driver, cfg Config) *Filler {
	cfg.defaults()
	return &Filler{cfg: cfg, driver: driver}
}

// Fill writes every assignment into its field. Assignments are grouped by
// owning tab and written one tab at a time; a tab whose pane never becomes
// visible fails all of its fields at once. Returns ErrConflict as soon as
// the form raises a concurrent entry dialog.
func (f *Filler) Fill(ctx context.Context, assignments map[string]string, fields map[string]discovery.FieldMapping) (*Report, error) {
	log := f.cfg.Logger

	report := &Report{
		Attempted: len(assignments),
		Failed:    map[string]string{},
	}

	byTab := groupByTab(assignments, fields)
	tabs := sortedTabNames(byTab)
	log.Info("filler: starting", "fields", len(assignments), "tabs", len(tabs))

	// Reset to the first tab so the pass always starts from a known pane,
	// and drop any focus left over from period selection.
	if len(tabs) > 0 {
		if err := f.driver.ActivateTab(ctx, tabs[0]); err != nil {
			log.Warn("filler: initial tab reset failed", "tab", tabs[0], "error", err)
		}
	}
	if err := f.driver.ClearFocus(ctx); err != nil {
		log.Warn("filler: clear focus failed", "error", err)
	}

	for _, tabName := range tabs {
		keys := byTab[tabName]

		if err := f.driver.ActivateTab(ctx, tabName); err != nil {
			for _, key := range keys {
				report.Failed[key] = fmt.Sprintf("tab %s unreachable: %v", tabName, err)
			}
			log.Warn("filler: tab unreachable, failing its group", "tab", tabName, "fields", len(keys), "error", err)
			continue
		}
		sleepCtx(ctx, f.cfg.TabSettle)

		// Verify the switch took: a pane with none of our controls visible
		// means the click landed but the pane never rendered.
		if !f.anyVisible(ctx, keys, fields) {
			for _, key := range keys {
				report.Failed[key] = fmt.Sprintf("tab %s switch unverified: no controls visible", tabName)
			}
			log.Warn("filler: tab switch unverified, failing its group", "tab", tabName, "fields", len(keys))
			continue
		}

		for _, key := range keys {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			f.fillOne(ctx, key, assignments[key], fields[key], report)
		}

		if err := f.driver.ClearFocus(ctx); err != nil {
			log.Warn("filler: clear focus failed", "tab", tabName, "error", err)
		}

		if shown, err := f.driver.ConflictShown(ctx); err == nil && shown {
			f.finishReport(report)
			return report, ErrConflict
		}
	}

	f.finishReport(report)

	if report.SuccessRate < healThreshold && f.denominator(report) > 0 {
		f.backupCache(report)
	}

	log.Info("filler: done",
		"filled", len(report.Filled),
		"skipped_hidden", len(report.SkippedHidden),
		"failed", len(report.Failed),
		"success_rate", report.SuccessRate)
	return report, nil
}

// fillOne writes a single field, classifying hidden fields as skipped.
func (f *Filler) fillOne(ctx context.Context, key, value string, fm discovery.FieldMapping, report *Report) {
	visible, err := f.driver.Visible(ctx, fm.Selector)
	if err != nil {
		report.Failed[key] = fmt.Sprintf("visibility check: %v", err)
		return
	}
	if !visible {
		report.SkippedHidden = append(report.SkippedHidden, key)
		return
	}

	switch fm.Kind {
	case discovery.KindRadio:
		err = f.driver.SetRadio(ctx, fm.Selector)
	case discovery.KindSelect:
		err = f.driver.SetSelect(ctx, fm.Selector, value)
	default:
		err = f.driver.SetText(ctx, fm.Selector, value)
	}
	if err != nil {
		report.Failed[key] = err.Error()
		return
	}
	report.Filled = append(report.Filled, key)
}

func (f *Filler) anyVisible(ctx context.Context, keys []string, fields map[string]discovery.FieldMapping) bool {
	for _, key := range keys {
		if ok, err := f.driver.Visible(ctx, fields[key].Selector); err == nil && ok {
			return true
		}
	}
	return false
}

func (f *Filler) finishReport(report *Report) {
	sort.Strings(report.Filled)
	sort.Strings(report.SkippedHidden)
	if n := f.denominator(report); n > 0 {
		report.SuccessRate = float64(len(report.Filled)) / float64(n)
	}
}

// denominator is the number of fields the form actually offered.
func (f *Filler) denominator(report *Report) int {
	return report.Attempted - len(report.SkippedHidden)
}

// backupCache copies the discovery cache aside instead of deleting it. A bad
// run usually means stale selectors, but the evidence is worth keeping and
// the next run's fingerprint check makes the final call.
func (f *Filler) backupCache(report *Report) {
	log := f.cfg.Logger
	if f.cfg.CacheFile == "" {
		return
	}
	backup := f.cfg.CacheFile + ".backup_failed"
	if err := copyFile(f.cfg.CacheFile, backup); err != nil {
		log.Warn("filler: cache backup failed", "error", err)
		return
	}
	report.BackupCreated = true
	log.Warn("filler: low success rate, field cache likely stale",
		"success_rate", report.SuccessRate,
		"backup", backup,
		"recommendation", "delete the field cache to force rediscovery on the next run")
}

// Validation is the outcome of triggering the form's own validation.
type Validation struct {
	Triggered      bool   `json:"triggered"`
	ScreenshotPath string `json:"screenshot_path,omitempty"`
}

// Validate clicks the form's validate control and captures a screenshot
// either way. Only the trigger outcome is reported; interpreting the
// validation dialog's contents is out of reach for selector automation.
func (f *Filler) Validate(ctx context.Context) (Validation, error) {
	log := f.cfg.Logger

	var v Validation
	err := f.driver.TriggerValidation(ctx)
	v.Triggered = err == nil
	if err != nil {
		log.Warn("filler: validation trigger failed", "error", err)
	}
	sleepCtx(ctx, f.cfg.TabSettle)

	if path, serr := f.screenshot(ctx, "validation"); serr != nil {
		log.Warn("filler: validation screenshot failed", "error", serr)
	} else {
		v.ScreenshotPath = path
	}
	return v, err
}

// CapturePage takes an on-demand screenshot, for operator inspection.
func (f *Filler) CapturePage(ctx context.Context, label string) (string, error) {
	return f.screenshot(ctx, label)
}

func (f *Filler) screenshot(ctx context.Context, label string) (string, error) {
	if err := os.MkdirAll(f.cfg.ScreenshotDir, 0o755); err != nil {
		return "", err
	}
	name := fmt.Sprintf("%s_%s.png", label, time.Now().Format("20060102_150405"))
	path := filepath.Join(f.cfg.ScreenshotDir, name)
	if err := f.driver.Screenshot(ctx, path); err != nil {
		return "", err
	}
	return path, nil
}

func groupByTab(assignments map[string]string, fields map[string]discovery.FieldMapping) map[string][]string {
	byTab := map[string][]string{}
	for key := range assignments {
		byTab[fields[key].Tab] = append(byTab[fields[key].Tab], key)
	}
	for _, keys := range byTab {
		sort.Strings(keys)
	}
	return byTab
}

func sortedTabNames(byTab map[string][]string) []string {
	tabs := make([]string, 0, len(byTab))
	for t := range byTab {
		tabs = append(tabs, t)
	}
	sort.Strings(tabs)
	return tabs
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
