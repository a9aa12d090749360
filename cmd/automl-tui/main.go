package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"automl-tui/internal/app"
	"automl-tui/internal/config"
	"automl-tui/internal/service"
	"automl-tui/internal/storage"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()
	os.Exit(run(os.Args[1:], os.Stderr))
}

// run returns the process exit code so deferred cleanup, the log file in
// particular, happens before the process exits.
func run(args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("automl-tui", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		configPath  = fs.String("config", "", "path to a YAML config file")
		draftPath   = fs.String("draft", "", "JSON draft that prefills the new-run form")
		apiURL      = fs.String("api-url", "", "backend base URL (overrides config and AUTOML_API_URL)")
		dataDir     = fs.String("data-dir", "", "directory for saved runs and downloads")
		logFilePath = fs.String("log-file", "", "log file path")
		logLevel    = fs.String("log-level", "", "debug, info, warn or error")
	)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "failed to load config: %v\n", err)
		return 1
	}
	applyFlags(&cfg, *apiURL, *dataDir, *logFilePath, *logLevel)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "invalid config: %v\n", err)
		return 1
	}

	logger, logFile, err := newLogger(cfg.LogFile, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(stderr, "failed to open log file: %v\n", err)
		return 1
	}
	defer logFile.Close()

	store, err := storage.NewStore(cfg.DataDir)
	if err != nil {
		logger.Error("init run storage", "error", err)
		fmt.Fprintf(stderr, "failed to initialize run storage: %v\n", err)
		return 1
	}

	draft, source, err := resolveStartupDraft(*draftPath)
	if err != nil {
		logger.Error("load draft", "error", err)
		fmt.Fprintf(stderr, "failed to load draft: %v\n", err)
		return 1
	}

	client := service.NewClient(service.Options{
		BaseURL:           cfg.APIURL,
		Timeout:           cfg.RequestTimeout,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Burst:             cfg.Burst,
		Logger:            logger,
	})
	logger.Info("starting", "api_url", cfg.APIURL, "data_dir", cfg.DataDir, "draft", source)

	model := app.NewModelWithOptions(client, store, app.Options{
		PollInterval:   cfg.PollInterval,
		ListInterval:   cfg.ListInterval,
		RequestTimeout: cfg.RequestTimeout,
		Logger:         logger,
		Draft:          draft,
		DraftPath:      source,
	})
	program := tea.NewProgram(model, tea.WithAltScreen(), tea.WithMouseCellMotion())
	if _, err := program.Run(); err != nil {
		logger.Error("tui exited", "error", err)
		fmt.Fprintf(stderr, "tui exited with error: %v\n", err)
		return 1
	}
	return 0
}

func applyFlags(cfg *config.Config, apiURL, dataDir, logFile, logLevel string) {
	if v := strings.TrimSpace(apiURL); v != "" {
		cfg.APIURL = v
	}
	if v := strings.TrimSpace(dataDir); v != "" {
		cfg.DataDir = v
	}
	if v := strings.TrimSpace(logFile); v != "" {
		cfg.LogFile = v
	}
	if v := strings.TrimSpace(logLevel); v != "" {
		cfg.LogLevel = v
	}
}

// newLogger writes text logs to path. The terminal belongs to the TUI, so
// nothing is logged to stdout or stderr while it runs.
func newLogger(path, level string) (*slog.Logger, io.Closer, error) {
	lvl, err := config.ParseLevel(level)
	if err != nil {
		return nil, nil, err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log dir: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}
	return slog.New(slog.NewTextHandler(f, &slog.HandlerOptions{Level: lvl})), f, nil
}

func resolveStartupDraft(path string) (*app.Draft, string, error) {
	if strings.TrimSpace(path) == "" {
		return nil, "", nil
	}
	draft, source, err := app.LoadDraftFile(path)
	if err != nil {
		return nil, "", err
	}
	return &draft, source, nil
}
