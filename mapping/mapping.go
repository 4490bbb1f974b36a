// Package mapping translates the semantic keys of an input record into the
// remote keys discovered on the form. Resolution is layered: the persisted
// translation table first, regeneration against the live key set when the
// table is missing or useless, and a language-model fallback for the long
// tail. Later tiers never overwrite what an earlier tier resolved.
package mapping

import (
	"context"
	"log/slog"

	"github.com/solhealth/dhisfill/discovery"
)

// LLMThreshold is the resolved-key count above which the language-model tier
// is skipped. A run that already resolved this many fields has a working
// table; burning tokens on the remainder rarely pays.
const LLMThreshold = 50

// Config configures an Engine.
type Config struct {
	// TablePath is the translation-table file. Default: "mapping_table.json".
	TablePath string

	// Client is the language-model fallback. Nil disables the tier.
	Client CompletionClient

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.TablePath == "" {
		c.TablePath = "mapping_table.json"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// CompletionClient is the slice of the model client the fallback tier needs.
type CompletionClient interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Resolution is the outcome of resolving one record against one form.
type Resolution struct {
	// Assignments maps each resolved remote key to its normalized value.
	Assignments map[string]string

	// Sources records which tier resolved each remote key.
	Sources map[string]string

	// Unresolved lists input keys no tier could place.
	Unresolved []string

	// Excluded lists metadata keys that were never candidates.
	Excluded []string
}

// Engine runs the tiered resolution.
type Engine struct {
	cfg   Config
	tiers []tier
}

// tier is one resolution strategy. Tiers run in order; ready gates each on
// the counts left by its predecessors, and resolve proposes input→remote
// pairs that the engine merges without overwriting earlier tiers.
type tier struct {
	name    string
	ready   func(resolved, unresolved int) bool
	resolve func(ctx context.Context, values map[string]any, resolved map[string]string, known map[string]bool) (map[string]string, error)
}

// NewEngine creates an Engine.
func NewEngine(cfg Config) *Engine {
	cfg.defaults()
	e := &Engine{cfg: cfg}
	e.tiers = []tier{
		{
			name:  "table",
			ready: func(_, _ int) bool { return true },
			resolve: func(_ context.Context, values map[string]any, _ map[string]string, known map[string]bool) (map[string]string, error) {
				return e.resolveTable(values, known), nil
			},
		},
		{
			// Only fires when the table tier produced nothing: a partially
			// useful table must not be replaced by one built from a single
			// record's keys.
			name:  "regenerated",
			ready: func(resolved, unresolved int) bool { return resolved == 0 && unresolved > 0 },
			resolve: func(_ context.Context, values map[string]any, _ map[string]string, known map[string]bool) (map[string]string, error) {
				return e.resolveRegenerated(values, known), nil
			},
		},
		{
			name: "llm",
			ready: func(resolved, unresolved int) bool {
				return resolved < LLMThreshold && unresolved > 0 && e.cfg.Client != nil
			},
			resolve: e.resolveLLM,
		},
	}
	return e
}

// Resolve maps record's keys onto the discovered fields. Deterministic for a
// fixed record, field set and table: running it twice yields the same
// assignments (the model tier only fires when the deterministic tiers leave
// the run below LLMThreshold).
func (e *Engine) Resolve(ctx context.Context, record map[string]any, fields map[string]discovery.FieldMapping) (Resolution, error) {
	log := e.cfg.Logger

	known := make(map[string]bool, len(fields))
	for k := range fields {
		known[k] = true
	}

	res := Resolution{
		Assignments: map[string]string{},
		Sources:     map[string]string{},
	}

	values := map[string]any{}
	for k, v := range record {
		if IsMetadata(k) {
			res.Excluded = append(res.Excluded, k)
			continue
		}
		values[k] = v
	}

	resolved := map[string]string{}

	merge := func(tier string, found map[string]string) {
		for _, in := range sortedKeys(found) {
			remote := found[in]
			if _, done := resolved[in]; done {
				continue
			}
			if _, taken := res.Assignments[remote]; taken {
				log.Warn("mapping: remote key already assigned, skipping", "tier", tier, "input", in, "remote", remote)
				continue
			}
			resolved[in] = remote
			res.Assignments[remote] = NormalizeValue(values[in], fields[remote])
			res.Sources[remote] = tier
		}
	}

	for _, t := range e.tiers {
		if !t.ready(len(resolved), unresolvedCount(values, resolved)) {
			continue
		}
		found, err := t.resolve(ctx, values, resolved, known)
		if err != nil {
			log.Warn("mapping: tier failed, continuing without it", "tier", t.name, "error", err)
			continue
		}
		merge(t.name, found)
	}

	for _, in := range sortedKeys(values) {
		if _, ok := resolved[in]; !ok {
			res.Unresolved = append(res.Unresolved, in)
		}
	}

	log.Info("mapping: resolution complete",
		"resolved", len(res.Assignments),
		"unresolved", len(res.Unresolved),
		"excluded", len(res.Excluded))
	return res, nil
}

func unresolvedCount(values map[string]any, resolved map[string]string) int {
	n := 0
	for k := range values {
		if _, ok := resolved[k]; !ok {
			n++
		}
	}
	return n
}

// resolveTable is the first tier: the persisted translation table.
func (e *Engine) resolveTable(values map[string]any, known map[string]bool) map[string]string {
	t, err := LoadTable(e.cfg.TablePath)
	if err != nil {
		e.cfg.Logger.Info("mapping: no usable table, skipping tier", "path", e.cfg.TablePath)
		return nil
	}
	found := t.Lookup(values, known)
	e.cfg.Logger.Info("mapping: table tier", "resolved", len(found))
	return found
}

// resolveRegenerated is the second tier: rebuild the table against the live
// key set and persist it, so the next run's first tier works again.
func (e *Engine) resolveRegenerated(values map[string]any, known map[string]bool) map[string]string {
	inputs := sortedKeys(values)
	knownList := sortedKeys(known)

	t := Generate(inputs, knownList)
	if len(t.Mappings) == 0 {
		return nil
	}
	if err := t.Save(e.cfg.TablePath); err != nil {
		e.cfg.Logger.Warn("mapping: regenerated table not persisted", "error", err)
	} else {
		e.cfg.Logger.Info("mapping: regenerated table persisted",
			"mapped", t.Statistics.MappedFields, "coverage", t.CoveragePercentage)
	}
	return t.Lookup(values, known)
}
