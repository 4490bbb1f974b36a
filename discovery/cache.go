package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// FieldMapping locates one discovered field: the CSS selector that reaches
// its input and the tab it lives on.
type FieldMapping struct {
	Selector string `json:"selector"`
	Tab      string `json:"tab"`
	Kind     string `json:"kind,omitempty"`
}

// Field kinds. Text is the default and is omitted from the cache.
const (
	KindText   = ""
	KindRadio  = "radio"
	KindSelect = "select"
)

// cacheFile is the on-disk shape of a discovery result.
type cacheFile struct {
	Timestamp       time.Time               `json:"timestamp"`
	Mappings        map[string]FieldMapping `json:"mappings"`
	TotalFields     int                     `json:"total_fields"`
	TabsDiscovered  int                     `json:"tabs_discovered"`
	FormFingerprint Fingerprint             `json:"form_fingerprint"`
}

// FingerprintFunc recomputes the live form's fingerprint. Injected so cache
// validation is testable without a browser.
type FingerprintFunc func(ctx context.Context) (Fingerprint, error)

// LoadCache returns the cached field mappings if the cache is present,
// parseable, non-empty, younger than CacheWindow and still matches the live
// form's fingerprint. When recomputing the fingerprint itself fails the
// stale cache is trusted: a flaky fingerprint pass must not force a full
// rediscovery that would hit the same flakiness harder.
func (d *Discoverer) LoadCache(ctx context.Context, fp FingerprintFunc) (map[string]FieldMapping, bool) {
	log := d.cfg.Logger

	data, err := os.ReadFile(d.cfg.CacheFile)
	if err != nil {
		return nil, false
	}

	var cf cacheFile
	if err := json.Unmarshal(data, &cf); err != nil {
		log.Warn("discovery: cache unreadable, rediscovering", "file", d.cfg.CacheFile, "error", err)
		return nil, false
	}
	if len(cf.Mappings) == 0 {
		log.Warn("discovery: cache empty, rediscovering", "file", d.cfg.CacheFile)
		return nil, false
	}

	age := time.Since(cf.Timestamp)
	if age > d.cfg.CacheWindow {
		log.Info("discovery: cache expired, rediscovering", "age", age.Round(time.Minute), "window", d.cfg.CacheWindow)
		return nil, false
	}

	if fp != nil {
		current, err := fp(ctx)
		if err != nil {
			log.Warn("discovery: fingerprint recompute failed, trusting cache", "error", err)
		} else if ok, reason := cf.FormFingerprint.Matches(current); !ok {
			log.Info("discovery: form structure changed, rediscovering", "reason", reason)
			return nil, false
		}
	}

	log.Info("discovery: loaded field mappings from cache",
		"fields", len(cf.Mappings), "tabs", cf.TabsDiscovered, "age", age.Round(time.Minute))
	return cf.Mappings, true
}

func (d *Discoverer) saveCache(mappings map[string]FieldMapping, tabs int, fp Fingerprint) error {
	cf := cacheFile{
		Timestamp:       time.Now(),
		Mappings:        mappings,
		TotalFields:     len(mappings),
		TabsDiscovered:  tabs,
		FormFingerprint: fp,
	}
	data, err := json.MarshalIndent(cf, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cache: %w", err)
	}
	if err := os.WriteFile(d.cfg.CacheFile, data, 0o644); err != nil {
		return fmt.Errorf("write cache: %w", err)
	}
	return nil
}
