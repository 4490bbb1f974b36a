package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/solhealth/dhisfill/discovery"
	"github.com/solhealth/dhisfill/filler"
	"github.com/solhealth/dhisfill/ingest"
	"github.com/solhealth/dhisfill/mapping"
	"github.com/solhealth/dhisfill/orgtree"
	"github.com/solhealth/dhisfill/runstore"
)

// RegisterMCP registers the automation tools on an MCP server.
func (s *Server) RegisterMCP(srv *mcp.Server) {
	s.registerRunTool(srv)
	s.registerResolvePreviewTool(srv)
	s.registerOrgUnitsTool(srv)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// registerTool wires a decode-execute pair into the SDK's handler shape.
// Tool failures go through SetError so the client sees a tool error rather
// than a protocol error.
func registerTool[Req any](srv *mcp.Server, tool *mcp.Tool, endpoint func(context.Context, *Req) (any, error)) {
	srv.AddTool(tool, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var r Req
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			var res mcp.CallToolResult
			res.SetError(fmt.Errorf("invalid arguments: %w", err))
			return &res, nil
		}

		resp, err := endpoint(ctx, &r)
		if err != nil {
			var res mcp.CallToolResult
			res.SetError(errors.New(err.Error()))
			return &res, nil
		}

		data, err := json.Marshal(resp)
		if err != nil {
			var res mcp.CallToolResult
			res.SetError(fmt.Errorf("marshal: %w", err))
			return &res, nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
		}, nil
	})
}

// --- run ---

type runReq struct {
	Record  map[string]any `json:"record"`
	OrgPath []string       `json:"org_path"`
	Period  string         `json:"period"`
}

func (s *Server) registerRunTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "dhisfill_run",
		Description: "Fill and validate a health report on the remote form, synchronously. Returns per-field outcomes.",
		InputSchema: inputSchema(map[string]any{
			"record":   map[string]any{"type": "object", "description": "Flat or nested report values"},
			"org_path": map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Root-to-facility org unit names"},
			"period":   map[string]any{"type": "string", "description": "Reporting period label"},
		}, []string{"record"}),
	}

	registerTool(srv, tool, func(ctx context.Context, r *runReq) (any, error) {
		if len(r.Record) == 0 {
			return nil, fmt.Errorf("record is required")
		}
		record := ingest.Flatten(r.Record)

		id := runstore.NewRunID()
		if err := s.store.CreateRun(ctx, id, r.OrgPath, r.Period); err != nil {
			return nil, err
		}
		if err := s.store.SetStatus(ctx, id, runstore.StatusRunning, ""); err != nil {
			return nil, err
		}

		result, err := s.run(ctx, record, r.OrgPath, r.Period)
		if err != nil {
			status := runstore.StatusFailed
			if errors.Is(err, filler.ErrConflict) {
				status = runstore.StatusConflict
			}
			_ = s.store.SetStatus(ctx, id, status, err.Error())
			return nil, err
		}
		if serr := s.storeResult(ctx, id, result); serr != nil {
			s.logger.Error("server: persist mcp run", "run_id", id, "error", serr)
		}

		return map[string]any{"id": id, "result": result}, nil
	})
}

// --- resolve preview ---

type previewReq struct {
	Record map[string]any `json:"record"`
}

func (s *Server) registerResolvePreviewTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "dhisfill_resolve_preview",
		Description: "Preview how a record's keys would map onto the cached form fields, without touching the browser.",
		InputSchema: inputSchema(map[string]any{
			"record": map[string]any{"type": "object", "description": "Flat or nested report values"},
		}, []string{"record"}),
	}

	registerTool(srv, tool, func(ctx context.Context, r *previewReq) (any, error) {
		if len(r.Record) == 0 {
			return nil, fmt.Errorf("record is required")
		}

		disc := discovery.New(nil, discovery.Config{
			CacheFile: filepath.Join(s.cacheDir, "field_mappings_cache.json"),
			Logger:    s.logger,
		})
		fields, ok := disc.LoadCache(ctx, nil)
		if !ok {
			return nil, fmt.Errorf("no field cache available; run a discovery first")
		}

		// Deterministic tiers only: a preview must not spend model tokens.
		engine := mapping.NewEngine(mapping.Config{
			TablePath: s.mappingTable,
			Logger:    s.logger,
		})
		res, err := engine.Resolve(ctx, ingest.Flatten(r.Record), fields)
		if err != nil {
			return nil, err
		}

		return map[string]any{
			"assignments": res.Assignments,
			"sources":     res.Sources,
			"unresolved":  res.Unresolved,
			"excluded":    res.Excluded,
		}, nil
	})
}

// --- org units ---

type orgUnitsReq struct {
	Level int `json:"level"`
}

func (s *Server) registerOrgUnitsTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "dhisfill_org_units",
		Description: "List the cached organisation units, optionally filtered by hierarchy level.",
		InputSchema: inputSchema(map[string]any{
			"level": map[string]any{"type": "integer", "description": "Only units at this level (0 = all)"},
		}, nil),
	}

	registerTool(srv, tool, func(_ context.Context, r *orgUnitsReq) (any, error) {
		tree := orgtree.New(nil, orgtree.Config{
			CacheFile: filepath.Join(s.cacheDir, "org_units_cache.json"),
			Logger:    s.logger,
		})
		if !tree.LoadCache() {
			return nil, fmt.Errorf("no org unit cache available; run a discovery first")
		}

		type unit struct {
			Name  string `json:"name"`
			ID    string `json:"id"`
			Level int    `json:"level"`
		}
		var units []unit
		for name, node := range tree.Units() {
			if r.Level > 0 && node.Level != r.Level {
				continue
			}
			units = append(units, unit{Name: name, ID: node.ID, Level: node.Level})
		}
		sort.Slice(units, func(i, j int) bool {
			if units[i].Level != units[j].Level {
				return units[i].Level < units[j].Level
			}
			return units[i].Name < units[j].Name
		})
		return map[string]any{"units": units, "total": len(units)}, nil
	})
}
