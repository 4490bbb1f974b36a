// Package orgtree discovers the organisation-unit hierarchy rendered by the
// Data Entry sidebar and navigates it. Discovery walks the live DOM tree
// breadth-limited by MaxDepth; the result is cached on disk because the
// hierarchy changes rarely and a full walk costs minutes of expand waits.
package orgtree

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

// ErrPathResolution is returned when a requested path segment does not exist
// in the discovered hierarchy. Fatal: selecting a sibling facility would file
// the report against the wrong unit.
var ErrPathResolution = errors.New("orgtree: path resolution failed")

const (
	selTreeContainer = "#orgUnitTreeContainer"
	unitPrefix       = "orgUnit"
)

// Node is one discovered organisation unit, addressable both by its DHIS2
// identifier and by the CSS selectors needed to act on it.
type Node struct {
	Name           string `json:"-"`
	ID             string `json:"id"`
	FullElementID  string `json:"full_element_id"`
	Level          int    `json:"level"`
	Selector       string `json:"selector"`
	ToggleSelector string `json:"toggle_selector"`
	LinkSelector   string `json:"link_selector"`
}

// Config configures discovery and navigation.
type Config struct {
	// CacheFile holds the discovered hierarchy. Default: "org_units_cache.json".
	CacheFile string

	// CacheWindow is how long a cache stays fresh. Default: 168h (7 days).
	CacheWindow time.Duration

	// MaxDepth bounds the recursive walk. Default: 6, which reaches facility
	// level on national instances without walking every village.
	MaxDepth int

	// ExpandDelay is the settle time after clicking a toggle. Default: 2s.
	ExpandDelay time.Duration

	// NavigationTimeout bounds individual element waits. Default: 10s.
	NavigationTimeout time.Duration

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.CacheFile == "" {
		c.CacheFile = "org_units_cache.json"
	}
	if c.CacheWindow <= 0 {
		c.CacheWindow = 7 * 24 * time.Hour
	}
	if c.MaxDepth <= 0 {
		c.MaxDepth = 6
	}
	if c.ExpandDelay <= 0 {
		c.ExpandDelay = 2 * time.Second
	}
	if c.NavigationTimeout <= 0 {
		c.NavigationTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Tree discovers and navigates the org-unit sidebar on a single page.
// Not safe for concurrent use.
type Tree struct {
	cfg   Config
	page  *rod.Page
	units map[string]Node
}

// New creates a Tree bound to the Data Entry page.
func New(page *rod.Page, cfg Config) *Tree {
	cfg.defaults()
	return &Tree{cfg: cfg, page: page, units: map[string]Node{}}
}

// Units returns the discovered hierarchy keyed by unit name.
func (t *Tree) Units() map[string]Node {
	return t.units
}

// Discover walks the sidebar tree, expanding collapsed branches down to
// MaxDepth, and caches the result. Returns the number of units found.
func (t *Tree) Discover(ctx context.Context) (int, error) {
	log := t.cfg.Logger
	log.Info("orgtree: discovering hierarchy", "max_depth", t.cfg.MaxDepth)

	if _, err := t.page.Context(ctx).Timeout(t.cfg.NavigationTimeout).Element(selTreeContainer); err != nil {
		return 0, fmt.Errorf("orgtree: tree container: %w", err)
	}

	t.units = map[string]Node{}
	if err := t.walk(ctx, selTreeContainer, 1); err != nil {
		return 0, err
	}

	log.Info("orgtree: discovery complete", "units", len(t.units))
	if err := t.saveCache(); err != nil {
		log.Warn("orgtree: cache save failed", "error", err)
	}
	return len(t.units), nil
}

// walk records every unit under parentSel, expanding each branch once and
// recursing into children. A branch that stays empty after expansion is
// logged and skipped: leaf units legitimately carry a toggle with no
// children on some DHIS2 builds.
func (t *Tree) walk(ctx context.Context, parentSel string, level int) error {
	if level > t.cfg.MaxDepth {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	items, err := t.page.Context(ctx).Elements(childItems(parentSel))
	if err != nil {
		return fmt.Errorf("orgtree: list children of %s: %w", parentSel, err)
	}

	for _, li := range items {
		node, ok := t.record(li, level)
		if !ok {
			continue
		}

		if level == t.cfg.MaxDepth {
			continue
		}

		expanded, err := t.ensureExpanded(ctx, node)
		if err != nil {
			t.cfg.Logger.Warn("orgtree: expand failed", "unit", node.Name, "error", err)
			continue
		}
		if !expanded {
			continue
		}
		if err := t.walk(ctx, node.Selector, level+1); err != nil {
			return err
		}
	}
	return nil
}

// record extracts a Node from a tree item. Items without a usable element id
// or a name are skipped rather than failing the walk.
func (t *Tree) record(li *rod.Element, level int) (Node, bool) {
	idAttr, err := li.Attribute("id")
	if err != nil || idAttr == nil || !strings.HasPrefix(*idAttr, unitPrefix) {
		return Node{}, false
	}
	elemID := *idAttr

	anchor, err := li.Element("a")
	if err != nil {
		return Node{}, false
	}
	name, err := anchor.Text()
	if err != nil || strings.TrimSpace(name) == "" {
		return Node{}, false
	}
	name = strings.TrimSpace(name)

	node := Node{
		Name:           name,
		ID:             strings.TrimPrefix(elemID, unitPrefix),
		FullElementID:  elemID,
		Level:          level,
		Selector:       "#" + elemID,
		ToggleSelector: "#" + elemID + " > span.toggle",
		LinkSelector:   elemID,
	}
	t.units[name] = node
	return node, true
}

// ensureExpanded makes node's children visible, clicking its toggle if
// needed. Returns false when the branch has no children to descend into.
func (t *Tree) ensureExpanded(ctx context.Context, node Node) (bool, error) {
	page := t.page.Context(ctx)

	if n, err := countElements(page, childItems(node.Selector)); err == nil && n > 0 {
		return true, nil
	}

	has, toggle, err := page.Has(node.ToggleSelector)
	if err != nil || !has {
		return false, nil
	}
	if err := toggle.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return false, fmt.Errorf("click toggle: %w", err)
	}
	sleepCtx(ctx, t.cfg.ExpandDelay)

	n, err := countElements(page, childItems(node.Selector))
	if err != nil {
		return false, err
	}
	if n == 0 {
		t.cfg.Logger.Debug("orgtree: branch empty after expand", "unit", node.Name)
		return false, nil
	}
	return true, nil
}

func childItems(parentSel string) string {
	return parentSel + " > ul > li[id^='" + unitPrefix + "']"
}

func countElements(page *rod.Page, sel string) (int, error) {
	els, err := page.Elements(sel)
	if err != nil {
		return 0, err
	}
	return len(els), nil
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
