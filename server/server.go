// Package server exposes the automation over HTTP and MCP: report upload,
// run creation and inspection. Runs execute asynchronously; the store is the
// source of truth a client polls.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/solhealth/dhisfill/aiclient"
	"github.com/solhealth/dhisfill/filler"
	"github.com/solhealth/dhisfill/ingest"
	"github.com/solhealth/dhisfill/runner"
	"github.com/solhealth/dhisfill/runstore"
)

// maxUploadBytes bounds report uploads.
const maxUploadBytes = 20 << 20

// RunFunc executes one automation run. Decoupled from the concrete runner so
// handlers are testable without a browser.
type RunFunc func(ctx context.Context, record map[string]any, orgPath []string, period string) (*runner.Result, error)

// Config configures the Server.
type Config struct {
	Store   *runstore.Store
	Run     RunFunc
	Extract aiclient.Client // nil disables HTML extraction

	// CacheDir holds the org and field caches the offline MCP tools read.
	CacheDir string

	// MappingTable is the translation-table path for resolve previews.
	MappingTable string

	Logger *slog.Logger
}

// Server handles the HTTP and MCP surfaces.
type Server struct {
	store        *runstore.Store
	run          RunFunc
	extract      aiclient.Client
	cacheDir     string
	mappingTable string
	logger       *slog.Logger
}

// New creates a Server.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.CacheDir == "" {
		cfg.CacheDir = "."
	}
	if cfg.MappingTable == "" {
		cfg.MappingTable = "mapping_table.json"
	}
	return &Server{
		store:        cfg.Store,
		run:          cfg.Run,
		extract:      cfg.Extract,
		cacheDir:     cfg.CacheDir,
		mappingTable: cfg.MappingTable,
		logger:       cfg.Logger,
	}
}

// Router builds the HTTP routes.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Post("/api/reports", s.handleUploadReport)
	r.Post("/api/runs", s.handleCreateRun)
	r.Get("/api/runs", s.handleListRuns)
	r.Get("/api/runs/{id}", s.handleGetRun)
	r.Get("/api/runs/{id}/results", s.handleGetResults)
	return r
}

// handleUploadReport accepts a multipart report file and returns the flat
// record extracted from it. JSON parses directly, HTML goes through
// sanitize-convert-extract, PDF is validated and acknowledged.
func (s *Server) handleUploadReport(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("parse upload: %w", err))
		return
	}
	file, header, err := r.FormFile("report")
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("missing report file: %w", err))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxUploadBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	switch strings.ToLower(filepath.Ext(header.Filename)) {
	case ".json":
		record, err := ingest.ParseRecord(data)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"record": record, "fields": len(record)})

	case ".html", ".htm":
		md, err := ingest.ReportMarkdown(string(data))
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, err)
			return
		}
		record, err := ingest.ExtractRecord(r.Context(), s.extract, md)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"record": record, "fields": len(record)})

	case ".pdf":
		tmp, err := os.CreateTemp("", "report-*.pdf")
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		defer os.Remove(tmp.Name())
		if _, err := tmp.Write(data); err != nil {
			tmp.Close()
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		tmp.Close()

		pages, err := ingest.ValidatePDF(tmp.Name())
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"pages": pages, "status": "validated"})

	default:
		writeError(w, http.StatusUnsupportedMediaType,
			fmt.Errorf("unsupported report type %q", filepath.Ext(header.Filename)))
	}
}

type createRunRequest struct {
	Record  map[string]any `json:"record"`
	OrgPath []string       `json:"org_path"`
	Period  string         `json:"period"`
}

// handleCreateRun records a pending run and executes it in the background.
// A completed run for the same unit and period is a conflict: filing the
// same report twice double-counts every value.
func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("parse request: %w", err))
		return
	}
	if len(req.Record) == 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("record is required"))
		return
	}

	record := ingest.Flatten(req.Record)

	dup, err := s.store.HasCompletedRun(r.Context(), req.OrgPath, req.Period)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if dup {
		writeError(w, http.StatusConflict,
			fmt.Errorf("a completed run already exists for this unit and period"))
		return
	}

	id := runstore.NewRunID()
	if err := s.store.CreateRun(r.Context(), id, req.OrgPath, req.Period); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	go s.executeRun(id, record, req.OrgPath, req.Period)

	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": runstore.StatusPending})
}

// executeRun drives one background run to a terminal status. It owns its own
// context: the HTTP request that created the run is long gone.
func (s *Server) executeRun(id string, record map[string]any, orgPath []string, period string) {
	ctx := context.Background()
	log := s.logger.With("run_id", id)

	if err := s.store.SetStatus(ctx, id, runstore.StatusRunning, ""); err != nil {
		log.Error("server: mark running", "error", err)
		return
	}

	result, err := s.run(ctx, record, orgPath, period)
	switch {
	case errors.Is(err, filler.ErrConflict):
		log.Warn("server: run hit entry conflict")
		if serr := s.store.SetStatus(ctx, id, runstore.StatusConflict, err.Error()); serr != nil {
			log.Error("server: mark conflict", "error", serr)
		}
	case err != nil:
		log.Error("server: run failed", "error", err)
		if serr := s.store.SetStatus(ctx, id, runstore.StatusFailed, err.Error()); serr != nil {
			log.Error("server: mark failed", "error", serr)
		}
	default:
		if serr := s.storeResult(ctx, id, result); serr != nil {
			log.Error("server: persist completion", "error", serr)
		}
	}
}

// storeResult persists a finished run's report and validation outcome.
func (s *Server) storeResult(ctx context.Context, id string, result *runner.Result) error {
	report := &filler.Report{
		Attempted:     result.Attempted,
		Filled:        result.Filled,
		SkippedHidden: result.SkippedHidden,
		Failed:        result.Failed,
		SuccessRate:   result.SuccessRate,
	}
	v := filler.Validation{Triggered: result.ValidationTriggered, ScreenshotPath: result.ScreenshotPath}
	return s.store.CompleteRun(ctx, id, report, v)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.ListRuns(r.Context(), 50)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, runstore.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleGetResults(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetRun(r.Context(), id); errors.Is(err, runstore.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	results, err := s.store.Results(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
