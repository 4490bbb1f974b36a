// Package ingest turns uploaded report artifacts into the flat key-value
// records the mapping engine consumes: parsing and flattening extracted
// JSON, validating PDF uploads, and converting HTML reports to markdown for
// the extraction model.
package ingest

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// ParseRecord decodes a JSON report payload and flattens any nesting into
// dotted paths, so `{"outpatients": {"under_5": {"male": 3}}}` resolves the
// same as a flat `outpatients.under_5.male`.
func ParseRecord(data []byte) (map[string]any, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("ingest: parse record: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("ingest: record is empty")
	}
	return Flatten(raw), nil
}

// Flatten collapses nested objects into dotted paths and arrays into
// indexed paths. Scalar values pass through untouched.
func Flatten(raw map[string]any) map[string]any {
	out := map[string]any{}
	flattenInto(out, "", raw)
	return out
}

func flattenInto(out map[string]any, prefix string, v any) {
	switch val := v.(type) {
	case map[string]any:
		for _, k := range sortedMapKeys(val) {
			flattenInto(out, joinPath(prefix, k), val[k])
		}
	case []any:
		for i, item := range val {
			flattenInto(out, joinPath(prefix, strconv.Itoa(i)), item)
		}
	default:
		if prefix != "" {
			out[prefix] = v
		}
	}
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

func sortedMapKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
