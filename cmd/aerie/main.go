// Aerie is a conversational assistant for indoor environmental data.
//
// It answers questions about CO2, temperature, humidity and TVOC by
// letting a language model call sensor tools in a bounded reasoning
// loop. Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	aerie serve                      Start the API server
//	aerie init [dir]                 Write an example config into dir
//	aerie ask [-user id] <question>  Ask a single question
//	aerie recall <user> <date>       Print a user's archived conversation
//	aerie tools                      List the tools offered to the model
//	aerie version                    Print version and build information
//	aerie -o json version            Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/aerie/examples"
	"github.com/nugget/aerie/internal/agent"
	"github.com/nugget/aerie/internal/api"
	"github.com/nugget/aerie/internal/buildinfo"
	"github.com/nugget/aerie/internal/config"
	"github.com/nugget/aerie/internal/connwatch"
	"github.com/nugget/aerie/internal/memory"
	"github.com/nugget/aerie/internal/mqtt"
)

// main constructs the OS-level environment and delegates to [run] so
// the whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// options are the global flags shared by every command.
type options struct {
	configPath string
	outputFmt  string // "text" (default) or "json"
}

// run is the real entry point. Structured logs go to stdout; fatal
// errors are returned to main. Arguments are parsed by hand so tests
// can call run concurrently without flag package globals.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var opts options
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case command != "":
			cmdArgs = append(cmdArgs, args[i])
		case args[i] == "-config" && i+1 < len(args):
			opts.configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			opts.configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			opts.outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			opts.outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			opts.outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-"):
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if opts.outputFmt == "" {
		opts.outputFmt = "text"
	}
	if opts.outputFmt != "text" && opts.outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", opts.outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, opts)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		return runAsk(ctx, stdout, stderr, opts, cmdArgs)
	case "recall":
		if len(cmdArgs) != 2 {
			return fmt.Errorf("usage: aerie recall <user> <YYYY-MM-DD>")
		}
		return runRecall(ctx, stdout, stderr, opts, cmdArgs[0], cmdArgs[1])
	case "tools":
		return runTools(stdout, stderr, opts)
	case "version":
		return runVersion(stdout, opts.outputFmt)
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
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Aerie - Indoor Environment Assistant")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: aerie [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                      Start the API server")
	fmt.Fprintln(w, "  init [dir]                 Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  ask [-user id] <question>  Ask a single question")
	fmt.Fprintln(w, "  recall <user> <date>       Show archived conversation for a day")
	fmt.Fprintln(w, "  tools                      List available tools")
	fmt.Fprintln(w, "  version                    Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// runInit writes the example configuration into dir without
// overwriting an existing file.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing Aerie workspace in %s\n", dir)

	dbDir := filepath.Join(dir, "db")
	if err := os.MkdirAll(dbDir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dbDir, err)
	}

	configPath := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(configPath); err == nil {
		fmt.Fprintf(w, "  - %s exists, left unchanged\n", configPath)
	} else {
		// The config may hold API keys.
		if err := os.WriteFile(configPath, examples.ConfigYAML, 0o600); err != nil {
			return fmt.Errorf("write %s: %w", configPath, err)
		}
		fmt.Fprintf(w, "  ✓ %s\n", configPath)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Point sensors.db_path at your sensor database, then run: aerie serve")
	return nil
}

// runAsk answers one question through the full agent loop and prints
// the answer. The exchange is archived like any other.
func runAsk(ctx context.Context, stdout, stderr io.Writer, opts options, args []string) error {
	userID := "cli"
	var words []string
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-user" && i+1 < len(args):
			userID = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-user="):
			userID = strings.TrimPrefix(args[i], "-user=")
		default:
			words = append(words, args[i])
		}
	}
	if len(words) == 0 {
		return fmt.Errorf("usage: aerie ask [-user id] <question>")
	}

	cfg, _, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	// Keep stdout clean for the answer.
	logger := newLogger(stderr, cfg)

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	resp, err := a.loop.Run(ctx, &agent.Request{UserID: userID, Message: strings.Join(words, " ")})
	if resp == nil {
		return fmt.Errorf("ask: %w", err)
	}
	if err != nil {
		logger.Warn("answer not saved to history", "error", err)
	}

	if opts.outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}
	fmt.Fprintln(stdout, resp.Answer)
	if resp.Status != agent.StatusAnswered {
		logger.Info("run did not complete normally", "status", resp.Status, "iterations", resp.Iterations)
	}
	return nil
}

// runRecall prints the archived turns for one user and date.
func runRecall(ctx context.Context, stdout, stderr io.Writer, opts options, userID, dateStr string) error {
	date, err := memory.ParseDate(dateStr)
	if err != nil {
		return fmt.Errorf("recall: %w", err)
	}

	cfg, _, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	logger := newLogger(stderr, cfg)

	archive, closer, err := openArchive(cfg.Memory.Archive)
	if err != nil {
		return err
	}
	if closer != nil {
		defer closer.Close()
	}

	loc, _ := cfg.TimeLocation()
	store := memory.NewStore(archive, cfg.Memory.RecentCapacity, loc, logger)
	turns, err := store.RecallDate(ctx, userID, date)
	if err != nil {
		return err
	}

	if opts.outputFmt == "json" {
		if turns == nil {
			turns = []memory.Turn{}
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(api.TurnsResponse{UserID: userID, Date: date.String(), Turns: turns})
	}

	if len(turns) == 0 {
		fmt.Fprintf(stdout, "No conversation archived for %s on %s.\n", userID, date)
		return nil
	}
	for _, t := range turns {
		fmt.Fprintf(stdout, "[%s] %s: %s\n", t.Time.In(loc).Format("15:04"), t.Role, t.Text)
	}
	return nil
}

// runTools lists the tool catalog. It needs no sensor or model
// connection since only descriptors are printed.
func runTools(stdout, stderr io.Writer, opts options) error {
	reg, err := buildRegistry(nil, nil, time.Local)
	if err != nil {
		return err
	}

	catalog := reg.Catalog()
	if opts.outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(catalog)
	}
	for _, d := range catalog {
		fmt.Fprintf(stdout, "%s\n    %s\n", d.Signature(), d.Description)
	}
	return nil
}

// runServe is the primary operating mode: it wires every component,
// starts the API server and the optional MQTT subscriber, and blocks
// until a shutdown signal arrives. In-flight requests drain before
// databases close.
func runServe(ctx context.Context, stdout io.Writer, opts options) error {
	cfg, cfgPath, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	logger := newLogger(stdout, cfg)
	logger.Info("starting Aerie", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)
	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"provider", cfg.Models.Provider,
		"model", cfg.Models.Default,
		"archive", cfg.Memory.Archive.Backend,
	)

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, a.loop, a.store, a.registry, logger)
	server.SetMetrics(a.metrics)

	g, gctx := errgroup.WithContext(ctx)

	monitor := connwatch.NewMonitor(logger)
	defer monitor.Stop()
	a.watch(gctx, monitor)
	server.SetHealth(monitor)

	g.Go(func() error {
		return server.Start(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, done := context.WithTimeout(context.WithoutCancel(gctx), 30*time.Second)
		defer done()
		return server.Shutdown(shutdownCtx)
	})

	if cfg.MQTT.Configured() {
		sub := mqtt.NewSubscriber(cfg.MQTT, a.live, a.metrics, logger)
		g.Go(func() error {
			return sub.Start(gctx)
		})
		a.watchDependency(gctx, monitor, "mqtt", sub.AwaitConnection)
	} else {
		logger.Info("mqtt not configured, live sensor ingest disabled")
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// newLogger builds the process logger at the configured level.
func newLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	// Validate already rejected unknown levels.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	return config.NewLogger(w, level)
}

// loadConfig locates and parses the YAML configuration file. If
// explicit is non-empty, that exact path is used.
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
