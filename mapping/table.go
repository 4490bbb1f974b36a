package mapping

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// MinConfidence is the floor below which a generated match is discarded. A
// 0.4 match is usually a shared age band with the wrong data element.
const MinConfidence = 0.4

// Table is the persisted input-key -> remote-key translation table, produced
// offline by Generate or on demand by the emergency tier.
type Table struct {
	Mappings           map[string]string `json:"mappings"`
	CoveragePercentage float64           `json:"coverage_percentage"`
	Statistics         TableStats        `json:"statistics"`
	GeneratedAt        time.Time         `json:"generated_at,omitempty"`
}

// TableStats carries the generator's bookkeeping, including the per-key
// confidence of every persisted match.
type TableStats struct {
	TotalInputFields int                `json:"total_input_fields"`
	MappedFields     int                `json:"mapped_fields"`
	Confidences      map[string]float64 `json:"confidences,omitempty"`
}

// LoadTable reads a translation table from disk.
func LoadTable(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var t Table
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse table %s: %w", path, err)
	}
	if t.Mappings == nil {
		t.Mappings = map[string]string{}
	}
	return &t, nil
}

// Save writes the table to disk.
func (t *Table) Save(path string) error {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal table: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write table %s: %w", path, err)
	}
	return nil
}

// Lookup resolves input keys through the table, keeping only translations
// whose target exists in the discovered key set. Entries below MinConfidence
// are skipped when a confidence is recorded for them; entries without a
// recorded confidence are trusted, as hand-written tables carry none.
func (t *Table) Lookup(record map[string]any, known map[string]bool) map[string]string {
	out := map[string]string{}
	for in := range record {
		remote, ok := t.Mappings[in]
		if !ok {
			continue
		}
		if conf, recorded := t.Statistics.Confidences[in]; recorded && conf < MinConfidence {
			continue
		}
		if !known[remote] {
			continue
		}
		out[in] = remote
	}
	return out
}
