package ingest

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/solhealth/dhisfill/aiclient"
)

const extractPromptHeader = `Extract every reported value from this health facility report as a
flat JSON object. Use snake_case keys combining the indicator, age group and
gender where present (e.g. "outpatients_under_5_male"). Include report
metadata under the keys province_name, health_facility_name, month, year.
Numbers stay numbers, yes/no answers become booleans. Return only the JSON
object.`

// ExtractRecord asks the model to pull a flat record out of a report's
// markdown. The reply is fence-stripped, parsed and flattened; a nil client
// means extraction is not configured.
func ExtractRecord(ctx context.Context, client aiclient.Client, markdown string) (map[string]any, error) {
	if client == nil {
		return nil, fmt.Errorf("ingest: extraction not configured")
	}

	reply, err := client.Complete(ctx, extractPromptHeader+"\n\n"+markdown)
	if err != nil {
		return nil, fmt.Errorf("ingest: extraction: %w", err)
	}

	var raw map[string]any
	if err := json.Unmarshal([]byte(aiclient.StripFences(reply)), &raw); err != nil {
		return nil, fmt.Errorf("ingest: parse extraction reply: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("ingest: extraction produced no fields")
	}
	return Flatten(raw), nil
}
