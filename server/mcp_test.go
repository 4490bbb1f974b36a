package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/solhealth/dhisfill/filler"
	"github.com/solhealth/dhisfill/runner"
	"github.com/solhealth/dhisfill/runstore"
)

var testMCPImpl = &mcp.Implementation{Name: "dhisfill-test", Version: "0.1.0"}

func mcpSession(t *testing.T, s *Server) *mcp.ClientSession {
	t.Helper()
	srv := mcp.NewServer(testMCPImpl, nil)
	s.RegisterMCP(srv)

	serverT, clientT := mcp.NewInMemoryTransports()
	ctx := context.Background()
	go func() { _ = srv.Run(ctx, serverT) }()

	client := mcp.NewClient(testMCPImpl, nil)
	session, err := client.Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return session
}

func mcpCallTool(t *testing.T, session *mcp.ClientSession, name string, args any) string {
	t.Helper()
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	if result.IsError {
		t.Fatalf("CallTool(%s) tool error: %v", name, toolError(result))
	}
	tc, ok := result.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("CallTool(%s): expected TextContent", name)
	}
	return tc.Text
}

func mcpCallToolErr(t *testing.T, session *mcp.ClientSession, name string, args any) error {
	t.Helper()
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	return toolError(result)
}

// toolError reconstructs a tool error on the client side. The SDK's GetError
// always returns nil on clients; only IsError and the content text cross the
// wire.
func toolError(result *mcp.CallToolResult) error {
	if !result.IsError {
		return nil
	}
	msg := "tool error"
	if len(result.Content) > 0 {
		if tc, ok := result.Content[0].(*mcp.TextContent); ok {
			msg = tc.Text
		}
	}
	return errors.New(msg)
}

func writeFieldCache(t *testing.T, dir string) {
	t.Helper()
	cache := map[string]any{
		"timestamp": time.Now().Format(time.RFC3339Nano),
		"mappings": map[string]any{
			"Outpatients||Under 5 Male": map[string]any{"selector": "#de1-co1-val", "tab": "tab1"},
			"Referral||Total":           map[string]any{"selector": "#de2-co2-val", "tab": "tab2"},
		},
		"total_fields":    2,
		"tabs_discovered": 2,
	}
	data, err := json.Marshal(cache)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "field_mappings_cache.json"), data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestMCP_OrgUnits(t *testing.T) {
	// WHAT: The org-units tool lists cached units, sorted, with an optional
	// level filter.
	// WHY: Callers compose org paths from this list without a browser.
	s, _ := testServer(t, failingRun)
	writeOrgCache(t, s.cacheDir)
	session := mcpSession(t, s)

	text := mcpCallTool(t, session, "dhisfill_org_units", map[string]any{})

	var resp struct {
		Units []struct {
			Name  string `json:"name"`
			ID    string `json:"id"`
			Level int    `json:"level"`
		} `json:"units"`
		Total int `json:"total"`
	}
	if err := json.Unmarshal([]byte(text), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Total != 2 {
		t.Fatalf("total = %d", resp.Total)
	}
	if resp.Units[0].Name != "Sierra Leone" || resp.Units[1].Name != "Bo" {
		t.Errorf("units out of level order: %+v", resp.Units)
	}

	text = mcpCallTool(t, session, "dhisfill_org_units", map[string]any{"level": 2})
	if err := json.Unmarshal([]byte(text), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Total != 1 || resp.Units[0].Name != "Bo" {
		t.Errorf("level filter: %+v", resp)
	}
}

func TestMCP_OrgUnits_NoCache(t *testing.T) {
	// WHAT: Without a cache the tool reports an error instead of an empty
	// list.
	// WHY: An empty list looks like an empty hierarchy; a missing cache is a
	// different situation with a different fix.
	s, _ := testServer(t, failingRun)
	session := mcpSession(t, s)

	if err := mcpCallToolErr(t, session, "dhisfill_org_units", map[string]any{}); err == nil {
		t.Error("expected tool error without cache")
	}
}

func TestMCP_ResolvePreview(t *testing.T) {
	// WHAT: The preview tool maps record keys onto cached fields using the
	// deterministic tiers only.
	// WHY: Operators sanity-check a report before spending a browser run.
	s, _ := testServer(t, failingRun)
	writeFieldCache(t, s.cacheDir)
	s.mappingTable = filepath.Join(s.cacheDir, "mapping_table.json")
	session := mcpSession(t, s)

	text := mcpCallTool(t, session, "dhisfill_resolve_preview", map[string]any{
		"record": map[string]any{
			"outpatients_under_5_male": 17,
			"province_name":            "Bo",
		},
	})

	var resp struct {
		Assignments map[string]string `json:"assignments"`
		Sources     map[string]string `json:"sources"`
		Unresolved  []string          `json:"unresolved"`
		Excluded    []string          `json:"excluded"`
	}
	if err := json.Unmarshal([]byte(text), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Assignments["Outpatients||Under 5 Male"] != "17" {
		t.Errorf("assignments = %v", resp.Assignments)
	}
	if resp.Sources["Outpatients||Under 5 Male"] != "regenerated" {
		t.Errorf("sources = %v", resp.Sources)
	}
	if len(resp.Excluded) != 1 || resp.Excluded[0] != "province_name" {
		t.Errorf("excluded = %v", resp.Excluded)
	}
}

func TestMCP_ResolvePreview_NoFieldCache(t *testing.T) {
	// WHAT: Without a field cache the preview refuses rather than guessing.
	// WHY: There is nothing to map onto; a silent empty preview misleads.
	s, _ := testServer(t, failingRun)
	session := mcpSession(t, s)

	err := mcpCallToolErr(t, session, "dhisfill_resolve_preview", map[string]any{
		"record": map[string]any{"a": 1},
	})
	if err == nil {
		t.Error("expected tool error without field cache")
	}
}

func TestMCP_Run(t *testing.T) {
	// WHAT: The run tool executes synchronously and persists the outcome.
	// WHY: MCP callers get the result in the reply; the store still keeps the
	// audit trail.
	s, store := testServer(t, nil)
	session := mcpSession(t, s)

	text := mcpCallTool(t, session, "dhisfill_run", map[string]any{
		"record":   map[string]any{"outpatients_under_5_male": 17},
		"org_path": []string{"SL", "Bo"},
		"period":   "January 2026",
	})

	var resp struct {
		ID     string         `json:"id"`
		Result *runner.Result `json:"result"`
	}
	if err := json.Unmarshal([]byte(text), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.ID == "" || resp.Result == nil {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.Result.SuccessRate != 1 {
		t.Errorf("success rate = %v", resp.Result.SuccessRate)
	}

	run, err := store.GetRun(context.Background(), resp.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != runstore.StatusCompleted {
		t.Errorf("status = %q", run.Status)
	}
}

func TestMCP_Run_ConflictRecorded(t *testing.T) {
	// WHAT: A run aborted by a concurrent entry conflict lands in the store
	// with the conflict status, matching the HTTP path.
	// WHY: Operators triage conflicts differently from crashes, whichever
	// surface started the run.
	conflictRun := func(context.Context, map[string]any, []string, string) (*runner.Result, error) {
		return nil, fmt.Errorf("fill: %w", filler.ErrConflict)
	}
	s, store := testServer(t, conflictRun)
	session := mcpSession(t, s)

	err := mcpCallToolErr(t, session, "dhisfill_run", map[string]any{
		"record": map[string]any{"a": 1},
		"period": "Feb",
	})
	if err == nil {
		t.Fatal("expected tool error")
	}

	runs, lerr := store.ListRuns(context.Background(), 10)
	if lerr != nil {
		t.Fatal(lerr)
	}
	if len(runs) != 1 || runs[0].Status != runstore.StatusConflict {
		t.Errorf("runs = %+v", runs)
	}
}

func TestMCP_Run_FailureRecorded(t *testing.T) {
	// WHAT: A failing run surfaces as a tool error and lands in the store as
	// failed.
	// WHY: The audit trail must cover failures too.
	s, store := testServer(t, failingRun)
	session := mcpSession(t, s)

	err := mcpCallToolErr(t, session, "dhisfill_run", map[string]any{
		"record": map[string]any{"a": 1},
		"period": "Feb",
	})
	if err == nil {
		t.Fatal("expected tool error")
	}

	runs, lerr := store.ListRuns(context.Background(), 10)
	if lerr != nil {
		t.Fatal(lerr)
	}
	if len(runs) != 1 || runs[0].Status != runstore.StatusFailed {
		t.Errorf("runs = %+v", runs)
	}
}
