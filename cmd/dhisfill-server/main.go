// Command dhisfill-server exposes the report automation over HTTP, and
// optionally over MCP on stdio.
//
// Usage:
//
//	dhisfill-server -config config.yaml          # HTTP API
//	dhisfill-server -config config.yaml -mcp     # MCP on stdio, no HTTP
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/solhealth/dhisfill/runner"
	"github.com/solhealth/dhisfill/runstore"
	"github.com/solhealth/dhisfill/server"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	mcpStdio := flag.Bool("mcp", false, "serve MCP on stdio instead of HTTP")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	logger := newLogger(*logLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, *configPath, *mcpStdio); err != nil {
		logger.Error("dhisfill-server: fatal", "error", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func run(ctx context.Context, logger *slog.Logger, configPath string, mcpStdio bool) error {
	cfg, err := runner.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	store, err := runstore.Open(cfg.Server.DBPath)
	if err != nil {
		return fmt.Errorf("open run store: %w", err)
	}
	defer store.Close()

	r := runner.New(cfg, logger)
	srv := server.New(server.Config{
		Store:        store,
		Run:          r.Run,
		Extract:      r.Client(),
		CacheDir:     cfg.Cache.Dir,
		MappingTable: cfg.MappingTable,
		Logger:       logger,
	})

	if mcpStdio {
		return runMCP(ctx, logger, srv)
	}
	return runHTTP(ctx, logger, srv, cfg.Server.Addr)
}

func runMCP(ctx context.Context, logger *slog.Logger, srv *server.Server) error {
	m := mcp.NewServer(&mcp.Implementation{Name: "dhisfill", Version: "1.0.0"}, nil)
	srv.RegisterMCP(m)

	logger.Info("dhisfill-server: serving MCP on stdio")
	return m.Run(ctx, &mcp.IOTransport{Reader: os.Stdin, Writer: os.Stdout})
}

func runHTTP(ctx context.Context, logger *slog.Logger, srv *server.Server, addr string) error {
	hs := &http.Server{
		Addr:              addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("dhisfill-server: listening", "addr", addr)
		if err := hs.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("dhisfill-server: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return hs.Shutdown(shutdownCtx)
}
