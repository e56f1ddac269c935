// Scout is a clinical-trials research agent.
//
// It answers patient and clinician questions by searching
// ClinicalTrials.gov, the DrugCentral database, and the Pharos target
// API through a bounded tool-calling loop, and serves the results over
// an HTTP API with live progress updates. Configuration is loaded from
// a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	scout serve              Start the API server
//	scout ask <question>     Ask a single question (for testing)
//	scout version            Print version and build information
//	scout -o json version    Output version information as JSON
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/nugget/trial-scout/internal/agent"
	"github.com/nugget/trial-scout/internal/api"
	"github.com/nugget/trial-scout/internal/buildinfo"
	"github.com/nugget/trial-scout/internal/config"
	"github.com/nugget/trial-scout/internal/conversation"
	"github.com/nugget/trial-scout/internal/drugcentral"
	"github.com/nugget/trial-scout/internal/llm"
	"github.com/nugget/trial-scout/internal/notify"
	"github.com/nugget/trial-scout/internal/pharos"
	"github.com/nugget/trial-scout/internal/task"
	"github.com/nugget/trial-scout/internal/tools"
	"github.com/nugget/trial-scout/internal/trials"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run] so the full
// startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the scout command. All OS-level
// dependencies are injected as parameters. Arguments are parsed by
// hand: the flag package relies on package-level globals, which makes
// it impossible to call run() concurrently from tests, and our
// argument surface is small enough that manual parsing is clearer
// than bringing in a CLI framework.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: scout ask <question>")
		}
		return runAsk(ctx, stdout, stderr, configPath, cmdArgs)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	// Print fields in a stable order for human readability.
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Scout - Clinical Trials Research Agent")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: scout [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the API server")
	fmt.Fprintln(w, "  ask          Ask a single question (for testing)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/trial-scout/config.yaml, /etc/trial-scout/config.yaml")
	return nil
}

// runAsk handles the "scout ask <question>" subcommand. It boots a
// full engine against a throwaway in-memory database, runs a single
// question to completion, and prints the answer to stdout. Useful for
// smoke tests and prompt debugging without starting the server.
func runAsk(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string, args []string) error {
	logger := newLogger(stderr, slog.LevelWarn, "text")

	question := strings.Join(args, " ")

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger.Info("config loaded", "path", cfgPath)

	// Nothing to persist for a one-shot question. A single pooled
	// connection keeps the in-memory database alive and shared.
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	deps, err := buildEngine(ctx, cfg, db, logger)
	if err != nil {
		return err
	}
	defer deps.close()

	conv, err := deps.conversations.Create()
	if err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	if _, err := deps.conversations.AddUserMessage(conv.ID, question); err != nil {
		return fmt.Errorf("record question: %w", err)
	}
	t, err := deps.tasks.Create(conv.ID)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}

	if err := deps.engine.Run(ctx, conv.ID, t.ID); err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	done, err := deps.tasks.Get(t.ID)
	if err != nil {
		return fmt.Errorf("read result: %w", err)
	}
	fmt.Fprintln(stdout, done.Result)
	return nil
}

// runServe handles the "scout serve" subcommand. It is the primary
// operating mode: loads config, opens the database, builds the engine
// with all tools, starts the API server, and blocks until a shutdown
// signal arrives.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting Scout", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure the logger now that the desired level and format are
	// known. The initial Info-level text logger covers only the startup
	// banner and config discovery.
	{
		level := slog.LevelInfo
		if cfg.LogLevel != "" {
			// Already validated by config.Validate.
			level, _ = config.ParseLogLevel(cfg.LogLevel)
		}
		logger = newLogger(stdout, level, cfg.LogFormat)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"model", cfg.Models.Default,
	)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// Conversations and tasks share one SQLite database so that the
	// message history and its run records stay in a single file.
	dbPath := filepath.Join(cfg.DataDir, "scout.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("open database %s: %w", dbPath, err)
	}
	defer db.Close()
	logger.Info("database opened", "path", dbPath)

	deps, err := buildEngine(ctx, cfg, db, logger)
	if err != nil {
		return err
	}
	defer deps.close()

	listen := fmt.Sprintf("%s:%d", cfg.Listen.Address, cfg.Listen.Port)
	server := api.NewServer(listen, deps.conversations, deps.tasks, deps.hub, deps.engine, logger)

	// NotifyContext wraps the parent context so that SIGINT/SIGTERM
	// cancellation flows through the same ctx used by all components,
	// including in-flight model calls.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")
		_ = server.Shutdown(context.Background())
	}()

	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("Scout stopped")
	return nil
}

// engineDeps bundles everything buildEngine constructs so that serve
// and ask share one wiring path.
type engineDeps struct {
	conversations *conversation.Store
	tasks         *task.Store
	hub           *notify.Hub
	engine        *agent.Engine

	dcService *drugcentral.Service
}

func (d *engineDeps) close() {
	if d.dcService != nil {
		d.dcService.Close()
	}
}

// buildEngine constructs the full agent stack: stores, the Anthropic
// client, the trial resolver, the optional DrugCentral and Pharos
// services, the tool registry, and the engine itself.
func buildEngine(ctx context.Context, cfg *config.Config, db *sql.DB, logger *slog.Logger) (*engineDeps, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	conversations, err := conversation.NewStore(db)
	if err != nil {
		return nil, fmt.Errorf("conversation store: %w", err)
	}
	tasks, err := task.NewStore(db)
	if err != nil {
		return nil, fmt.Errorf("task store: %w", err)
	}

	llmClient := llm.NewAnthropicClient(cfg.Anthropic.APIKey, llm.SnapshotPolicy{
		Interval: cfg.Agent.SnapshotInterval,
		Growth:   cfg.Agent.SnapshotGrowth,
	}, logger)

	registry := trials.NewClient(cfg.Trials.BaseURL, cfg.Trials.Timeout, logger)
	resolver := trials.NewResolver(registry, logger)

	// DrugCentral is optional. Without a DSN the tool stays registered
	// but reports itself unconfigured when called.
	deps := &engineDeps{
		conversations: conversations,
		tasks:         tasks,
		hub:           notify.New(),
	}
	var dcAsker tools.Asker
	if cfg.DrugCentral.DSN != "" {
		svc, err := drugcentral.New(ctx, cfg.DrugCentral.DSN, llmClient, cfg.QueryModel(), logger)
		if err != nil {
			return nil, fmt.Errorf("drugcentral: %w", err)
		}
		deps.dcService = svc
		dcAsker = svc
		logger.Info("DrugCentral configured")
	} else {
		logger.Info("DrugCentral disabled (no DSN)")
	}

	pharosService := pharos.New(cfg.Pharos.Endpoint, llmClient, cfg.QueryModel(), logger)

	dispatcher := tools.NewRegistry(resolver, dcAsker, pharosService, logger)

	deps.engine = agent.New(llmClient, dispatcher, conversations, tasks, deps.hub, agent.Config{
		Model:         cfg.Models.Default,
		MaxRounds:     cfg.Agent.MaxRounds,
		RoundDelay:    cfg.Agent.RoundDelay,
		StreamTimeout: cfg.Agent.StreamTimeout,
	}, logger)

	return deps, nil
}

// newLogger creates a structured logger that writes to w at the given
// level and format. All log output in Scout goes through slog; this
// helper standardizes handler configuration across subcommands.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the YAML configuration file. If
// explicit is non-empty, that exact path is used (and must exist).
// Returns the parsed config, the path that was loaded, and any error.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
