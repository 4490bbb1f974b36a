package orgtree

import (
	"context"
	"fmt"

	"github.com/go-rod/rod/lib/proto"
)

// ResolvePath walks the sidebar along a root-to-facility list of unit names,
// expanding each intermediate branch and clicking the terminal unit to select
// it. Every segment must exist in the discovered hierarchy; a missing name is
// a hard stop, because guessing a nearby unit would file the report in the
// wrong place.
func (t *Tree) ResolvePath(ctx context.Context, path []string) error {
	log := t.cfg.Logger
	if len(path) == 0 {
		return fmt.Errorf("%w: empty path", ErrPathResolution)
	}

	nodes := make([]Node, len(path))
	for i, name := range path {
		node, ok := t.units[name]
		if !ok {
			return fmt.Errorf("%w: %q not in discovered hierarchy", ErrPathResolution, name)
		}
		nodes[i] = node
	}

	log.Info("orgtree: resolving path", "depth", len(path), "target", path[len(path)-1])

	for i, node := range nodes {
		terminal := i == len(nodes)-1
		if terminal {
			if err := t.selectUnit(ctx, node); err != nil {
				return fmt.Errorf("%w: select %q: %v", ErrPathResolution, node.Name, err)
			}
			log.Info("orgtree: unit selected", "unit", node.Name)
			return nil
		}

		expanded, err := t.ensureExpanded(ctx, node)
		if err != nil {
			return fmt.Errorf("%w: expand %q: %v", ErrPathResolution, node.Name, err)
		}
		if !expanded {
			return fmt.Errorf("%w: %q has no visible children", ErrPathResolution, node.Name)
		}

		// The next segment's element must be attached before we act on it.
		next := nodes[i+1]
		if _, err := t.page.Context(ctx).Timeout(t.cfg.NavigationTimeout).Element(next.Selector); err != nil {
			return fmt.Errorf("%w: %q not visible under %q: %v", ErrPathResolution, next.Name, node.Name, err)
		}
	}
	return nil
}

// selectUnit clicks the unit's anchor. Anchor placement varies across DHIS2
// tree builds, so three selector shapes are tried in order.
func (t *Tree) selectUnit(ctx context.Context, node Node) error {
	page := t.page.Context(ctx)

	candidates := []string{
		node.Selector + " > a",
		node.Selector + " a:first-child",
		node.Selector + " a",
	}

	var lastErr error
	for _, sel := range candidates {
		el, err := page.Timeout(t.cfg.NavigationTimeout).Element(sel)
		if err != nil {
			lastErr = err
			continue
		}
		if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
			lastErr = err
			continue
		}
		sleepCtx(ctx, t.cfg.ExpandDelay)
		return nil
	}
	return fmt.Errorf("no clickable anchor: %w", lastErr)
}
