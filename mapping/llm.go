package mapping

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/solhealth/dhisfill/aiclient"
)

const llmPromptHeader = `You map health report field names to data entry form field names.
Given the unmapped report fields and the list of valid form fields, return a
JSON object mapping each report field name to exactly one form field name
from the list. Only use form field names from the list. Omit report fields
you cannot map confidently. Return only the JSON object.`

// resolveLLM is the last tier: ask the model to place the keys the
// deterministic tiers could not. Every reply key is validated against the
// unresolved set and every reply value against the discovered key set, so a
// hallucinated field name can never reach the form.
func (e *Engine) resolveLLM(ctx context.Context, values map[string]any, resolved map[string]string, known map[string]bool) (map[string]string, error) {
	var unmapped []string
	for _, k := range sortedKeys(values) {
		if _, ok := resolved[k]; !ok {
			unmapped = append(unmapped, k)
		}
	}

	var b strings.Builder
	b.WriteString(llmPromptHeader)
	b.WriteString("\n\nUnmapped report fields:\n")
	for _, k := range unmapped {
		fmt.Fprintf(&b, "- %s\n", k)
	}
	b.WriteString("\nValid form fields:\n")
	for _, k := range sortedKeys(known) {
		fmt.Fprintf(&b, "- %s\n", k)
	}

	reply, err := e.cfg.Client.Complete(ctx, b.String())
	if err != nil {
		return nil, fmt.Errorf("completion: %w", err)
	}

	var raw map[string]string
	if err := json.Unmarshal([]byte(aiclient.StripFences(reply)), &raw); err != nil {
		return nil, fmt.Errorf("parse model reply: %w", err)
	}

	unmappedSet := make(map[string]bool, len(unmapped))
	for _, k := range unmapped {
		unmappedSet[k] = true
	}

	found := map[string]string{}
	for in, remote := range raw {
		if !unmappedSet[in] {
			e.cfg.Logger.Warn("mapping: model invented an input key, dropping", "key", in)
			continue
		}
		if !known[remote] {
			e.cfg.Logger.Warn("mapping: model invented a form field, dropping", "input", in, "remote", remote)
			continue
		}
		found[in] = remote
	}
	e.cfg.Logger.Info("mapping: model tier", "asked", len(unmapped), "accepted", len(found))
	return found, nil
}
