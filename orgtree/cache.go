package orgtree

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// cacheFile is the on-disk shape of a discovered hierarchy.
type cacheFile struct {
	Timestamp  time.Time       `json:"timestamp"`
	OrgUnits   map[string]Node `json:"org_units"`
	TotalUnits int             `json:"total_units"`
}

// LoadCache loads the cached hierarchy if it exists, parses, is non-empty and
// is younger than CacheWindow. Returns false when discovery must run; a bad
// cache is never fatal.
func (t *Tree) LoadCache() bool {
	log := t.cfg.Logger

	data, err := os.ReadFile(t.cfg.CacheFile)
	if err != nil {
		return false
	}

	var cf cacheFile
	if err := json.Unmarshal(data, &cf); err != nil {
		log.Warn("orgtree: cache unreadable, rediscovering", "file", t.cfg.CacheFile, "error", err)
		return false
	}
	if len(cf.OrgUnits) == 0 {
		log.Warn("orgtree: cache empty, rediscovering", "file", t.cfg.CacheFile)
		return false
	}

	age := time.Since(cf.Timestamp)
	if age > t.cfg.CacheWindow {
		log.Info("orgtree: cache expired, rediscovering", "age", age.Round(time.Hour), "window", t.cfg.CacheWindow)
		return false
	}

	for name, node := range cf.OrgUnits {
		node.Name = name
		cf.OrgUnits[name] = node
	}
	t.units = cf.OrgUnits

	log.Info("orgtree: loaded hierarchy from cache", "units", len(t.units), "age", age.Round(time.Minute))
	return true
}

func (t *Tree) saveCache() error {
	cf := cacheFile{
		Timestamp:  time.Now(),
		OrgUnits:   t.units,
		TotalUnits: len(t.units),
	}
	data, err := json.MarshalIndent(cf, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cache: %w", err)
	}
	if err := os.WriteFile(t.cfg.CacheFile, data, 0o644); err != nil {
		return fmt.Errorf("write cache: %w", err)
	}
	return nil
}
