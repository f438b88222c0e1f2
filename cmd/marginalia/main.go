// Marginalia is a reading companion daemon.
//
// It keeps a library of books, lets configurable personas annotate
// passages and chat about them, and maintains each persona's long-term
// memory of the reader. Generation goes through a configurable model
// provider (Gemini or any OpenAI-compatible endpoint). Configuration is
// loaded from a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	marginalia serve                 Start the API server
//	marginalia ask <persona> <text>  Annotate a passage from the CLI
//	marginalia models                List models the provider offers
//	marginalia backup push|pull      Push or pull a gist backup
//	marginalia version               Print version and build information
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/nvollmar/marginalia/internal/backup"
	"github.com/nvollmar/marginalia/internal/buildinfo"
	"github.com/nvollmar/marginalia/internal/companion"
	"github.com/nvollmar/marginalia/internal/config"
	"github.com/nvollmar/marginalia/internal/httpkit"
	"github.com/nvollmar/marginalia/internal/library"
	"github.com/nvollmar/marginalia/internal/llm"
	"github.com/nvollmar/marginalia/internal/persona"
	"github.com/nvollmar/marginalia/internal/web"
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

// run is the real entry point for the marginalia command. Arguments are
// parsed by hand: the flag package relies on package-level globals,
// which makes it impossible to call run() concurrently from tests, and
// the argument surface is small.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
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
		if len(cmdArgs) < 2 {
			return fmt.Errorf("usage: marginalia ask <persona> <passage>")
		}
		return runAsk(ctx, stdout, configPath, cmdArgs[0], strings.Join(cmdArgs[1:], " "))
	case "models":
		return runModels(ctx, stdout, configPath)
	case "backup":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: marginalia backup push|pull")
		}
		return runBackup(ctx, stdout, configPath, cmdArgs[0])
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Marginalia - Reading Companion Daemon")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: marginalia [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                Start the API server")
	fmt.Fprintln(w, "  ask <persona> <text> Annotate a passage from the CLI")
	fmt.Fprintln(w, "  models               List models the configured provider offers")
	fmt.Fprintln(w, "  backup push|pull     Push or pull a gist backup")
	fmt.Fprintln(w, "  version              Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./marginalia.yaml, ~/.config/marginalia/config.yaml, /etc/marginalia/config.yaml")
	return nil
}

func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// runAsk produces one annotation from the CLI without starting the
// server or opening the library database. Useful for smoke-testing a
// provider configuration.
func runAsk(ctx context.Context, stdout io.Writer, configPath, personaID, passage string) error {
	logger := newLogger(stdout, slog.LevelWarn)

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	registry, err := persona.NewRegistry(nil, logger)
	if err != nil {
		return err
	}
	controller := companion.New(llm.NewRouter(logger), ephemeralLibrary{}, registry, logger)

	ann, err := controller.Annotate(ctx, *cfg, personaID, "cli", passage)
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	fmt.Fprintln(stdout, ann.Comment)
	return nil
}

// ephemeralLibrary satisfies the controller for one-shot CLI calls
// where nothing should be persisted.
type ephemeralLibrary struct{}

func (ephemeralLibrary) AddAnnotation(a library.Annotation) (library.Annotation, error) {
	return a, nil
}
func (ephemeralLibrary) GetAnnotation(id string) (library.Annotation, error) {
	return library.Annotation{}, fmt.Errorf("unknown annotation %q", id)
}
func (ephemeralLibrary) ListAnnotations(string) ([]library.Annotation, error) { return nil, nil }
func (ephemeralLibrary) Anchors(string) (map[string]bool, error) {
	return map[string]bool{}, nil
}
func (ephemeralLibrary) SetThread(string, []library.ChatTurn) error   { return nil }
func (ephemeralLibrary) RecentComments(string, int) ([]string, error) { return nil, nil }

// runModels lists what the configured provider offers.
func runModels(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelWarn)

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	models, err := llm.NewRouter(logger).ListModels(ctx, cfg.Engine)
	if err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	for _, m := range models {
		fmt.Fprintln(stdout, m)
	}
	return nil
}

// runBackup pushes or pulls a gist backup from the CLI.
func runBackup(ctx context.Context, stdout io.Writer, configPath, direction string) error {
	logger := newLogger(stdout, slog.LevelInfo)

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.Backup.Token == "" {
		return fmt.Errorf("backup: no github token configured")
	}

	store, err := openLibrary(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	registry, err := persona.NewRegistry(store, logger)
	if err != nil {
		return err
	}

	gist, err := newGist(cfg, store, registry, logger)
	if err != nil {
		return err
	}

	switch direction {
	case "push":
		id, err := gist.Push(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "backup pushed to gist %s\n", id)
	case "pull":
		snap, err := gist.Pull(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "restored %d books, %d annotations, %d personas\n",
			len(snap.Books), len(snap.Annotations), len(snap.Personas))
	default:
		return fmt.Errorf("usage: marginalia backup push|pull")
	}
	return nil
}

// runServe is the primary operating mode: loads config, opens the
// library database, wires the controller and consolidation scheduler,
// starts the API server, and blocks until a shutdown signal arrives.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting marginalia",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"built", buildinfo.BuildTime,
	)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure the logger now that the desired level is known. The
	// initial Info-level logger covers only the startup banner.
	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		logger = newLogger(stdout, level)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"provider", cfg.Engine.Provider,
		"model", cfg.Engine.Model,
	)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	store, err := openLibrary(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	logger.Info("library database opened", "path", filepath.Join(cfg.DataDir, "library.db"))

	registry, err := persona.NewRegistry(store, logger)
	if err != nil {
		return err
	}
	logger.Info("personas loaded", "count", len(registry.All()))

	router := llm.NewRouter(logger)
	controller := companion.New(router, store, registry, logger)
	consolidator := companion.NewConsolidator(controller, logger)

	server := web.NewServer(*cfg, controller, consolidator, store, registry, router, logger)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Gist backup is optional; without a token the endpoints report
	// unavailable and no schedule runs.
	if cfg.Backup.Token != "" {
		gist, err := newGist(cfg, store, registry, logger)
		if err != nil {
			return err
		}
		server.SetBackup(gist)

		if cfg.Backup.Schedule != "" {
			scheduler := backup.NewScheduler(gist, cfg.Backup.Schedule, logger)
			if err := scheduler.Start(ctx); err != nil {
				return fmt.Errorf("backup schedule: %w", err)
			}
		}
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func newGist(cfg *config.Config, store *library.Store, registry *persona.Registry, logger *slog.Logger) (*backup.Gist, error) {
	httpClient := httpkit.NewClient(
		httpkit.WithTimeout(30*time.Second),
		httpkit.WithUserAgent(buildinfo.UserAgent()),
	)
	return backup.NewGist(httpClient, cfg.Backup.Token, "", cfg.Backup.GistID, store, registry, logger)
}

func openLibrary(cfg *config.Config) (*library.Store, error) {
	dbPath := filepath.Join(cfg.DataDir, "library.db")
	store, err := library.NewStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open library database %s: %w", dbPath, err)
	}
	return store, nil
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist); otherwise
// [config.FindConfig] searches the default locations.
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
