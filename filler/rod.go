package filler

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"

	"github.com/solhealth/dhisfill/discovery"
)

const selValidateButton = "#validateButton"

// visibleJS decides visibility the way a user would: computed style, a
// non-empty bounding box and an offset parent. Focusing the element to probe
// it would fire the form's cell handlers, so the check is style-only.
const visibleJS = `() => {
	const s = window.getComputedStyle(this);
	if (s.display === 'none' || s.visibility === 'hidden' || s.opacity === '0') return false;
	const r = this.getBoundingClientRect();
	if (r.width === 0 || r.height === 0) return false;
	return this.offsetParent !== null || s.position === 'fixed';
}`

const conflictJS = `() => {
	const dialogs = document.querySelectorAll('.ui-dialog, [role="alertdialog"]');
	for (const d of dialogs) {
		if (d.offsetParent === null) continue;
		const t = (d.textContent || '').toLowerCase();
		if (t.includes('conflict') || t.includes('already been entered')) return true;
	}
	return false;
}`

// RodDriver drives the live Data Entry page. Not safe for concurrent use.
type RodDriver struct {
	page    *rod.Page
	timeout time.Duration
}

// NewRodDriver wraps a page. timeout bounds individual element waits.
func NewRodDriver(page *rod.Page, timeout time.Duration) *RodDriver {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RodDriver{page: page, timeout: timeout}
}

// ActivateTab clicks the anchor for the named tab. Anchor markup differs
// across form builds, so selector shapes are tried in order, ending with a
// text match. The single-tab pseudo entry has no anchor and needs no click.
func (d *RodDriver) ActivateTab(ctx context.Context, tab string) error {
	if tab == "" || tab == discovery.SingleTab {
		return nil
	}

	page := d.page.Context(ctx)

	selectors := []string{
		fmt.Sprintf(`a[href="#%s"]`, tab),
		fmt.Sprintf(`a[href*="%s"]`, tab),
		fmt.Sprintf(`.ui-tabs-anchor[href*="%s"]`, tab),
	}

	var lastErr error
	for _, sel := range selectors {
		el, err := page.Timeout(d.timeout).Element(sel)
		if err != nil {
			lastErr = err
			continue
		}
		if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
			lastErr = err
			continue
		}
		return nil
	}

	// Last resort: match the tab label itself.
	el, err := page.Timeout(d.timeout).ElementR("a", "^"+regexp.QuoteMeta(tab)+"$")
	if err != nil {
		return fmt.Errorf("tab %q: no anchor matched: %w", tab, lastErr)
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("tab %q: click: %w", tab, err)
	}
	return nil
}

func (d *RodDriver) Visible(ctx context.Context, selector string) (bool, error) {
	page := d.page.Context(ctx)
	has, el, err := page.Has(selector)
	if err != nil {
		return false, err
	}
	if !has {
		return false, nil
	}
	res, err := el.Eval(visibleJS)
	if err != nil {
		return false, err
	}
	return res.Value.Bool(), nil
}

func (d *RodDriver) SetText(ctx context.Context, selector, value string) error {
	el, err := d.page.Context(ctx).Timeout(d.timeout).Element(selector)
	if err != nil {
		return fmt.Errorf("find %s: %w", selector, err)
	}
	if err := el.SelectAllText(); err != nil {
		return fmt.Errorf("select text in %s: %w", selector, err)
	}
	if err := el.Input(value); err != nil {
		return fmt.Errorf("input into %s: %w", selector, err)
	}
	return nil
}

// SetSelect prefers the native option pick and falls back to type-ahead
// with Enter for combobox widgets that replace the select element.
func (d *RodDriver) SetSelect(ctx context.Context, selector, value string) error {
	el, err := d.page.Context(ctx).Timeout(d.timeout).Element(selector)
	if err != nil {
		return fmt.Errorf("find %s: %w", selector, err)
	}

	if err := el.Select([]string{value}, true, rod.SelectorTypeText); err == nil {
		return nil
	}

	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("focus %s: %w", selector, err)
	}
	if err := el.SelectAllText(); err == nil {
		_ = el.Input("")
	}
	if err := el.Input(value); err != nil {
		return fmt.Errorf("type into %s: %w", selector, err)
	}
	sleepCtx(ctx, time.Second)
	if err := el.Type(input.Enter); err != nil {
		return fmt.Errorf("confirm %s: %w", selector, err)
	}
	return nil
}

func (d *RodDriver) SetRadio(ctx context.Context, selector string) error {
	el, err := d.page.Context(ctx).Timeout(d.timeout).Element(selector)
	if err != nil {
		return fmt.Errorf("find %s: %w", selector, err)
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("click %s: %w", selector, err)
	}
	return nil
}

func (d *RodDriver) ClearFocus(ctx context.Context) error {
	_, err := d.page.Context(ctx).Eval(`() => {
		if (document.activeElement && document.activeElement !== document.body) {
			document.activeElement.blur();
		}
	}`)
	return err
}

func (d *RodDriver) ConflictShown(ctx context.Context) (bool, error) {
	res, err := d.page.Context(ctx).Eval(conflictJS)
	if err != nil {
		return false, err
	}
	return res.Value.Bool(), nil
}

func (d *RodDriver) TriggerValidation(ctx context.Context) error {
	el, err := d.page.Context(ctx).Timeout(d.timeout).Element(selValidateButton)
	if err != nil {
		return fmt.Errorf("validate button: %w", err)
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("click validate: %w", err)
	}
	return nil
}

func (d *RodDriver) Screenshot(ctx context.Context, path string) error {
	data, err := d.page.Context(ctx).Screenshot(true, nil)
	if err != nil {
		return fmt.Errorf("screenshot: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
