// Command dhisfill fills a health report into a remote DHIS2 data-entry form.
//
// Usage:
//
//	dhisfill -record report.json                        # fill using config defaults
//	dhisfill -record report.json -org "SL/Bo/Bo CHC" -period "January 2026"
//	dhisfill -record report.html                        # extract values first, then fill
//	dhisfill -record report.json -preview               # map against cached fields, no browser
//	dhisfill -gen-mapping -record report.json           # rebuild the translation table
//	dhisfill -validate-pdf report.pdf                   # check a PDF report and exit
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	_ "modernc.org/sqlite"

	"github.com/solhealth/dhisfill/discovery"
	"github.com/solhealth/dhisfill/ingest"
	"github.com/solhealth/dhisfill/mapping"
	"github.com/solhealth/dhisfill/runner"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	recordPath := flag.String("record", "", "report file (.json or .html)")
	orgPath := flag.String("org", "", "org unit path, slash separated (default from config)")
	period := flag.String("period", "", "reporting period label (default from config)")
	preview := flag.Bool("preview", false, "resolve against the cached fields without a browser")
	genMapping := flag.Bool("gen-mapping", false, "rebuild the translation table from the record and cached fields")
	validatePDF := flag.String("validate-pdf", "", "validate a PDF report and exit")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var lvl slog.Level
	switch *logLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := run(ctx, logger, options{
		configPath:  *configPath,
		recordPath:  *recordPath,
		orgPath:     *orgPath,
		period:      *period,
		preview:     *preview,
		genMapping:  *genMapping,
		validatePDF: *validatePDF,
	})
	if err != nil {
		logger.Error("dhisfill: fatal", "error", err)
		os.Exit(1)
	}
}

type options struct {
	configPath  string
	recordPath  string
	orgPath     string
	period      string
	preview     bool
	genMapping  bool
	validatePDF string
}

func run(ctx context.Context, logger *slog.Logger, opts options) error {
	if opts.validatePDF != "" {
		pages, err := ingest.ValidatePDF(opts.validatePDF)
		if err != nil {
			return err
		}
		return printJSON(map[string]any{"pages": pages, "status": "validated"})
	}

	cfg, err := runner.LoadConfig(opts.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if opts.recordPath == "" {
		fmt.Fprintln(os.Stderr, "usage: dhisfill -record <file> [-org <path>] [-period <label>] [-preview | -gen-mapping]")
		os.Exit(1)
	}

	r := runner.New(cfg, logger)
	record, err := loadRecord(ctx, r, opts.recordPath)
	if err != nil {
		return err
	}

	switch {
	case opts.genMapping:
		return runGenMapping(cfg, logger, record)
	case opts.preview:
		return runPreview(ctx, cfg, logger, record)
	}

	org := cfg.DHIS.DefaultOrgPath
	if opts.orgPath != "" {
		org = strings.Split(opts.orgPath, "/")
		for i := range org {
			org[i] = strings.TrimSpace(org[i])
		}
	}

	result, err := r.Run(ctx, record, org, opts.period)
	if result != nil {
		_ = printJSON(result)
	}
	return err
}

// loadRecord reads a report file into a flat record. JSON parses directly;
// HTML goes through sanitize-convert-extract and needs a configured model.
func loadRecord(ctx context.Context, r *runner.Runner, path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read record: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return ingest.ParseRecord(data)
	case ".html", ".htm":
		md, err := ingest.ReportMarkdown(string(data))
		if err != nil {
			return nil, err
		}
		return ingest.ExtractRecord(ctx, r.Client(), md)
	default:
		return nil, fmt.Errorf("unsupported record type %q", filepath.Ext(path))
	}
}

// runGenMapping rebuilds the translation table from the record's keys and the
// cached field discovery, then reports coverage.
func runGenMapping(cfg *runner.Config, logger *slog.Logger, record map[string]any) error {
	fields, ok := cachedFields(cfg, logger)
	if !ok {
		return fmt.Errorf("no field cache available; run a fill or discovery first")
	}

	var inputs []string
	for k := range record {
		inputs = append(inputs, k)
	}
	var known []string
	for k := range fields {
		known = append(known, k)
	}

	table := mapping.Generate(inputs, known)
	if err := table.Save(cfg.MappingTable); err != nil {
		return err
	}

	logger.Info("dhisfill: translation table written",
		"path", cfg.MappingTable,
		"mapped", table.Statistics.MappedFields,
		"coverage", table.CoveragePercentage)
	return printJSON(table)
}

// runPreview resolves the record against the cached fields using the
// deterministic tiers only.
func runPreview(ctx context.Context, cfg *runner.Config, logger *slog.Logger, record map[string]any) error {
	fields, ok := cachedFields(cfg, logger)
	if !ok {
		return fmt.Errorf("no field cache available; run a fill or discovery first")
	}

	engine := mapping.NewEngine(mapping.Config{
		TablePath: cfg.MappingTable,
		Logger:    logger,
	})
	res, err := engine.Resolve(ctx, record, fields)
	if err != nil {
		return err
	}
	return printJSON(res)
}

func cachedFields(cfg *runner.Config, logger *slog.Logger) (map[string]discovery.FieldMapping, bool) {
	disc := discovery.New(nil, discovery.Config{
		CacheFile: filepath.Join(cfg.Cache.Dir, "field_mappings_cache.json"),
		Logger:    logger,
	})
	return disc.LoadCache(context.Background(), nil)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
