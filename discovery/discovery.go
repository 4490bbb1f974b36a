// Package discovery maps the remote data-entry form: which tabs exist, which
// entry fields live on each tab, and what each field means. The product is a
// semantic-key -> selector table that the mapping and filling stages consume.
//
// Discovery is the most expensive operation in a run (every tab is visited
// and every field's row markup parsed), so results are cached and guarded by
// a structural fingerprint instead of being recomputed each time.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// ErrNoFields is returned when a full pass over the form finds nothing to
// fill. Usually means the form never loaded or the wrong org unit or period
// is selected.
var ErrNoFields = errors.New("discovery: no entry fields found")

// Tab selector strategies, tried in order. Classic DHIS2 custom forms use
// jQuery UI tabs; newer builds only keep the #Page anchors.
var tabStrategies = []string{
	"ul.ui-tabs-nav li a",
	".ui-tabs-anchor",
	`a[href*="#Page"]`,
}

// Entry-control strategies per tab, first non-empty match wins. Ordered from
// most to least specific so a form that marks its fields with .entryfield
// never falls through to bare text inputs.
var controlStrategies = []string{
	"input.entryfield",
	`input[id*="-val"]`,
	`input[type="text"]`,
	`table input[type="text"]`,
}

// Config configures a Discoverer.
type Config struct {
	// CacheFile holds the discovered mappings. Default: "field_mappings_cache.json".
	CacheFile string

	// CacheWindow is how long a cache stays fresh absent structural drift.
	// Default: 24h.
	CacheWindow time.Duration

	// FormLoadTimeout bounds the wait for the form to render at all.
	// Default: 60s.
	FormLoadTimeout time.Duration

	// TabSwitchDelay is the settle time after activating a tab. Default: 3s.
	TabSwitchDelay time.Duration

	// Labels extracts semantic keys from row markup. Default: SpanLabelExtractor.
	Labels LabelExtractor

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.CacheFile == "" {
		c.CacheFile = "field_mappings_cache.json"
	}
	if c.CacheWindow <= 0 {
		c.CacheWindow = 24 * time.Hour
	}
	if c.FormLoadTimeout <= 0 {
		c.FormLoadTimeout = 60 * time.Second
	}
	if c.TabSwitchDelay <= 0 {
		c.TabSwitchDelay = 3 * time.Second
	}
	if c.Labels == nil {
		c.Labels = SpanLabelExtractor{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Discoverer walks the live form. Not safe for concurrent use.
type Discoverer struct {
	cfg  Config
	page *rod.Page
}

// New creates a Discoverer bound to the Data Entry page.
func New(page *rod.Page, cfg Config) *Discoverer {
	cfg.defaults()
	return &Discoverer{cfg: cfg, page: page}
}

// SingleTab is the pseudo-tab recorded when the form has no tab bar. The
// filler treats it as already active.
const SingleTab = "main"

// visibleJS is a style-only visibility probe. Inactive tab panes stay in the
// DOM with display:none, so every per-tab pass must drop hidden matches or
// the first tab would claim the whole page's fields.
const visibleJS = `() => {
	const s = window.getComputedStyle(this);
	if (s.display === 'none' || s.visibility === 'hidden' || s.opacity === '0') return false;
	const r = this.getBoundingClientRect();
	if (r.width === 0 || r.height === 0) return false;
	return this.offsetParent !== null || s.position === 'fixed';
}`

// tab is one discovered form tab with the anchor needed to activate it.
type tab struct {
	Name     string
	strategy string
	index    int
}

// DiscoverAll visits every tab, maps every labelled entry field and radio
// group, fingerprints the structure and caches the result.
func (d *Discoverer) DiscoverAll(ctx context.Context) (map[string]FieldMapping, Fingerprint, error) {
	log := d.cfg.Logger

	if err := d.waitForForm(ctx); err != nil {
		return nil, Fingerprint{}, err
	}

	tabs := d.discoverTabs(ctx)
	log.Info("discovery: tabs found", "count", len(tabs))

	mappings := map[string]FieldMapping{}
	counts := make([]int, 0, len(tabs))

	for _, tb := range tabs {
		if err := d.activateTab(ctx, tb); err != nil {
			log.Warn("discovery: tab unreachable, skipping", "tab", tb.Name, "error", err)
			counts = append(counts, 0)
			continue
		}

		n := d.discoverControls(ctx, tb.Name, mappings)
		d.discoverRadioGroups(ctx, tb.Name, mappings)
		d.discoverSelects(ctx, tb.Name, mappings)
		counts = append(counts, n)
		log.Info("discovery: tab mapped", "tab", tb.Name, "fields", n)
	}

	if len(mappings) == 0 {
		return nil, Fingerprint{}, ErrNoFields
	}

	fp := NewFingerprint(counts)
	if err := d.saveCache(mappings, len(tabs), fp); err != nil {
		log.Warn("discovery: cache save failed", "error", err)
	}
	log.Info("discovery: complete", "fields", len(mappings), "hash", fp.FormHash)
	return mappings, fp, nil
}

// ComputeFingerprint runs the count-only pass: visit each tab and count its
// entry controls without parsing any row markup. Cheap enough to run before
// every cache hit.
func (d *Discoverer) ComputeFingerprint(ctx context.Context) (Fingerprint, error) {
	if err := d.waitForForm(ctx); err != nil {
		return Fingerprint{}, err
	}

	tabs := d.discoverTabs(ctx)
	counts := make([]int, 0, len(tabs))
	for _, tb := range tabs {
		if err := d.activateTab(ctx, tb); err != nil {
			return Fingerprint{}, fmt.Errorf("activate tab %s: %w", tb.Name, err)
		}
		counts = append(counts, d.countControls(ctx))
	}
	return NewFingerprint(counts), nil
}

func (d *Discoverer) waitForForm(ctx context.Context) error {
	sel := strings.Join(controlStrategies, ", ")
	if _, err := d.page.Context(ctx).Timeout(d.cfg.FormLoadTimeout).Element(sel); err != nil {
		return fmt.Errorf("discovery: form never rendered: %w", err)
	}
	return nil
}

// discoverTabs returns the tab list from the first strategy that matches.
// A form with no tab bar at all is treated as a single unnamed tab.
func (d *Discoverer) discoverTabs(ctx context.Context) []tab {
	page := d.page.Context(ctx)

	for _, strategy := range tabStrategies {
		els, err := page.Elements(strategy)
		if err != nil || len(els) == 0 {
			continue
		}

		tabs := make([]tab, 0, len(els))
		seen := map[string]bool{}
		for i, el := range els {
			name := tabName(el, i)
			if seen[name] {
				continue
			}
			seen[name] = true
			tabs = append(tabs, tab{Name: name, strategy: strategy, index: i})
		}
		return tabs
	}
	return []tab{{Name: SingleTab}}
}

func tabName(el *rod.Element, index int) string {
	if href, err := el.Attribute("href"); err == nil && href != nil {
		if i := strings.IndexByte(*href, '#'); i >= 0 && i+1 < len(*href) {
			return (*href)[i+1:]
		}
	}
	if txt, err := el.Text(); err == nil {
		if txt = strings.TrimSpace(txt); txt != "" {
			return txt
		}
	}
	return fmt.Sprintf("tab_%d", index+1)
}

// activateTab clicks the tab's anchor and waits for the pane to render. The
// single-tab pseudo entry has no strategy and needs no click.
func (d *Discoverer) activateTab(ctx context.Context, tb tab) error {
	if tb.strategy == "" {
		return nil
	}
	els, err := d.page.Context(ctx).Elements(tb.strategy)
	if err != nil {
		return err
	}
	if tb.index >= len(els) {
		return fmt.Errorf("tab anchor %d gone (have %d)", tb.index, len(els))
	}
	if err := els[tb.index].Click(proto.InputMouseButtonLeft, 1); err != nil {
		return err
	}
	sleepCtx(ctx, d.cfg.TabSwitchDelay)
	return nil
}

// control is one enumerated input: its DOM id and the row markup the labels
// live in.
type control struct {
	id  string
	row string
}

// discoverControls enumerates the visible text controls on the active tab,
// maps the labelled ones into mappings and returns the visible control count
// for the fingerprint.
func (d *Discoverer) discoverControls(ctx context.Context, tabName string, mappings map[string]FieldMapping) int {
	els := d.matchControls(ctx)

	controls := make([]control, 0, len(els))
	for _, el := range els {
		idAttr, err := el.Attribute("id")
		if err != nil || idAttr == nil || *idAttr == "" {
			continue
		}
		row, err := rowHTML(el)
		if err != nil {
			continue
		}
		controls = append(controls, control{id: *idAttr, row: row})
	}

	d.mapControls(tabName, controls, mappings)
	return len(els)
}

// mapControls derives semantic keys for the given controls and records them
// under tabName. On a key collision the first field wins: duplicate labels
// mean ambiguous markup, and overwriting would silently redirect values
// between fields.
func (d *Discoverer) mapControls(tabName string, controls []control, mappings map[string]FieldMapping) {
	for _, c := range controls {
		if c.row == "" {
			continue
		}
		de, oc, ok := d.cfg.Labels.Extract(c.row)
		if !ok {
			continue
		}

		key := Key(de, oc)
		if _, exists := mappings[key]; exists {
			d.cfg.Logger.Warn("discovery: duplicate semantic key, keeping first", "key", key, "tab", tabName)
			continue
		}
		mappings[key] = FieldMapping{Selector: "#" + c.id, Tab: tabName}
	}
}

// discoverRadioGroups maps yes/no radio pairs on the active tab. Each group
// yields two keys suffixed Yes and No, targeting the value="true" and
// value="false" inputs of the group.
func (d *Discoverer) discoverRadioGroups(ctx context.Context, tabName string, mappings map[string]FieldMapping) {
	els, err := d.page.Context(ctx).Elements(`input[type="radio"]`)
	if err != nil {
		return
	}

	seen := map[string]bool{}
	for _, el := range els {
		if !elementVisible(el) {
			continue
		}
		nameAttr, err := el.Attribute("name")
		if err != nil || nameAttr == nil || *nameAttr == "" || seen[*nameAttr] {
			continue
		}
		seen[*nameAttr] = true

		row, err := rowHTML(el)
		if err != nil || row == "" {
			continue
		}
		de, _, ok := d.cfg.Labels.Extract(row)
		if !ok {
			continue
		}

		base := fmt.Sprintf(`input[name=%q]`, *nameAttr)
		for suffix, value := range map[string]string{"Yes": "true", "No": "false"} {
			key := de + KeySeparator + suffix
			if _, exists := mappings[key]; exists {
				continue
			}
			mappings[key] = FieldMapping{
				Selector: fmt.Sprintf(`%s[value="%s"]`, base, value),
				Tab:      tabName,
				Kind:     KindRadio,
			}
		}
	}
}

// discoverSelects maps labelled dropdown controls on the active tab. Some
// form variants render choice fields as selects instead of radio pairs.
func (d *Discoverer) discoverSelects(ctx context.Context, tabName string, mappings map[string]FieldMapping) {
	els, err := d.page.Context(ctx).Elements(`select[id*="-val"], select.entryselect`)
	if err != nil {
		return
	}
	for _, el := range els {
		if !elementVisible(el) {
			continue
		}
		idAttr, err := el.Attribute("id")
		if err != nil || idAttr == nil || *idAttr == "" {
			continue
		}
		row, err := rowHTML(el)
		if err != nil || row == "" {
			continue
		}
		de, oc, ok := d.cfg.Labels.Extract(row)
		if !ok {
			continue
		}
		key := Key(de, oc)
		if _, exists := mappings[key]; exists {
			continue
		}
		mappings[key] = FieldMapping{Selector: "#" + *idAttr, Tab: tabName, Kind: KindSelect}
	}
}

// matchControls returns the visible entry controls on the active tab, from
// the first strategy that yields any.
func (d *Discoverer) matchControls(ctx context.Context) rod.Elements {
	page := d.page.Context(ctx)
	for _, strategy := range controlStrategies {
		els, err := page.Elements(strategy)
		if err != nil {
			continue
		}
		visible := make(rod.Elements, 0, len(els))
		for _, el := range els {
			if elementVisible(el) {
				visible = append(visible, el)
			}
		}
		if len(visible) > 0 {
			return visible
		}
	}
	return nil
}

func (d *Discoverer) countControls(ctx context.Context) int {
	return len(d.matchControls(ctx))
}

func elementVisible(el *rod.Element) bool {
	res, err := el.Eval(visibleJS)
	if err != nil {
		return false
	}
	return res.Value.Bool()
}

// rowHTML returns the markup of the table row (or cell) containing el, which
// is where DHIS2 renders the hidden label spans.
func rowHTML(el *rod.Element) (string, error) {
	res, err := el.Eval(`() => {
		const row = this.closest('tr') || this.closest('td') || this.parentElement;
		return row ? row.outerHTML : "";
	}`)
	if err != nil {
		return "", err
	}
	return res.Value.Str(), nil
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
