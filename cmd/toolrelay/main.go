// Toolrelay routes tool calls between a language model and any number
// of tool providers.
//
// It serves an HTTP API for chat and tool discovery, aggregates tools
// from remote HTTP endpoints and local stdio commands, and can itself
// act as a stdio tool provider. Configuration is loaded from a single
// YAML file discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	toolrelay serve                  Start the API server
//	toolrelay init [dir]             Write an example config.yaml
//	toolrelay ask <question>         Ask a single question
//	toolrelay tools                  List the aggregated tool catalog
//	toolrelay call <tool> [json]     Call one tool through the aggregator
//	toolrelay providers              List configured providers
//	toolrelay stdio                  Serve the builtin tools over stdin/stdout
//	toolrelay version                Print version and build information
//	toolrelay -o json version        Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/nugget/toolrelay/internal/agent"
	"github.com/nugget/toolrelay/internal/api"
	"github.com/nugget/toolrelay/internal/buildinfo"
	"github.com/nugget/toolrelay/internal/config"
	"github.com/nugget/toolrelay/internal/connwatch"
	"github.com/nugget/toolrelay/internal/events"
	"github.com/nugget/toolrelay/internal/llm"
	"github.com/nugget/toolrelay/internal/mcp"
	"github.com/nugget/toolrelay/internal/mqtt"
	"github.com/nugget/toolrelay/internal/providers"
	"github.com/nugget/toolrelay/internal/tools"
	"github.com/nugget/toolrelay/internal/toolserver"
)

// main only gathers the OS environment and hands it to [run], so the
// whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// options are the global flags.
type options struct {
	configPath string
	outputFmt  string // "text" (default) or "json"
}

// run is the real entry point. args is os.Args[1:]. Arguments are
// parsed by hand; the flag package's globals get in the way of calling
// run from parallel tests.
func run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
	var opts options
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case command != "":
			cmdArgs = append(cmdArgs, args[i])
		case args[i] == "-config" && i+1 < len(args):
			opts.configPath = args[i+1]
			i++ // skip the value
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
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: toolrelay ask <question>")
		}
		return runAsk(ctx, stdout, stderr, opts, strings.Join(cmdArgs, " "))
	case "tools":
		return runTools(ctx, stdout, stderr, opts)
	case "call":
		if len(cmdArgs) == 0 || len(cmdArgs) > 2 {
			return fmt.Errorf("usage: toolrelay call <tool> [json-arguments]")
		}
		return runCall(ctx, stdout, stderr, opts, cmdArgs)
	case "providers":
		return runProviders(ctx, stdout, opts)
	case "stdio":
		return runStdio(ctx, stdin, stdout, stderr)
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
	info := buildinfo.RuntimeInfo()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	// Print fields in a stable order for human readability.
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Toolrelay - tool routing for language models")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: toolrelay [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve               Start the API server")
	fmt.Fprintln(w, "  init [dir]          Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  ask <question>      Ask a single question")
	fmt.Fprintln(w, "  tools               List the aggregated tool catalog")
	fmt.Fprintln(w, "  call <tool> [json]  Call one tool through the aggregator")
	fmt.Fprintln(w, "  providers           List configured providers")
	fmt.Fprintln(w, "  stdio               Serve the builtin tools over stdin/stdout")
	fmt.Fprintln(w, "  version             Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/toolrelay/config.yaml, /etc/toolrelay/config.yaml")
	return nil
}

// newLogger builds the process logger. Format "json" selects the JSON
// handler; anything else is text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	return slog.New(config.NewHandler(w, level, format))
}

// configuredLogger is the logger for the level and format in cfg.
// config.Load has already validated the level.
func configuredLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	return newLogger(w, level, cfg.LogFormat)
}

// loadConfig locates and parses the YAML configuration file. It
// returns the parsed config and the path that was loaded.
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

// createLLMClient builds the configured model backend.
func createLLMClient(cfg *config.Config, logger *slog.Logger) llm.Client {
	switch cfg.LLM.Provider {
	case "anthropic":
		logger.Info("LLM client initialized", "backend", "anthropic", "model", cfg.LLM.Model)
		return llm.NewAnthropicClient(cfg.LLM.APIKey, cfg.LLM.Model, cfg.LLM.Timeout, logger)
	default:
		logger.Info("LLM client initialized", "backend", "ollama", "model", cfg.LLM.Model, "url", cfg.LLM.OllamaURL)
		return llm.NewOllamaClient(cfg.LLM.OllamaURL, cfg.LLM.Model, cfg.LLM.Timeout, logger)
	}
}

// clientOptions are the transport settings every provider client uses.
func clientOptions(cfg *config.Config, logger *slog.Logger) providers.ClientOptions {
	return providers.ClientOptions{
		RequestTimeout: cfg.MCP.RequestTimeout,
		TimeoutPolicy:  cfg.MCP.Policy(),
		StopGrace:      cfg.MCP.StopGrace,
		ClientInfo:     mcp.Implementation{Name: cfg.Server.Name, Version: buildinfo.Version},
		Logger:         logger,
	}
}

// newToolServer builds the relay's own tool server with the builtin
// tools registered.
func newToolServer(name, version string, logger *slog.Logger) (*toolserver.Server, error) {
	if version == "" {
		version = buildinfo.Version
	}
	srv := toolserver.New(mcp.Implementation{Name: name, Version: version}, logger)
	if err := tools.Register(srv); err != nil {
		return nil, err
	}
	return srv, nil
}

// runStdio serves the builtin tools over stdin/stdout so another relay
// can use this binary as a local provider. Logs go to stderr; stdout
// carries only protocol lines.
func runStdio(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer) error {
	logger := newLogger(stderr, slog.LevelWarn, "text")
	srv, err := newToolServer("toolrelay", "", logger)
	if err != nil {
		return err
	}
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return srv.ServeStdio(ctx, stdin, stdout)
}

// runServe is the primary operating mode. It opens the provider store
// (seeding it from the config file when empty), wires the aggregator,
// loop, tool server and API, and blocks until a shutdown signal.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. MQTT publishes offline and disconnects
//  3. The HTTP server drains in-flight requests
//  4. Provider processes are stopped and the store is closed via defers
func runServe(ctx context.Context, stdout io.Writer, opts options) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting toolrelay", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	logger = configuredLogger(stdout, cfg)
	logger.Info("config loaded",
		"path", cfgPath,
		"listen", cfg.Listen.Addr(),
		"llm", cfg.LLM.Provider,
		"model", cfg.LLM.Model,
		"max_iterations", cfg.Agent.MaxIterations,
	)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	store, err := providers.NewStore(cfg.ProviderDBPath())
	if err != nil {
		return fmt.Errorf("open provider store: %w", err)
	}
	defer store.Close()

	seeded, err := store.Seed(ctx, cfg.Providers)
	if err != nil {
		return fmt.Errorf("seed providers: %w", err)
	}
	if seeded > 0 {
		logger.Info("provider store seeded from config", "count", seeded)
	}

	bus := events.New()

	agg := providers.NewAggregator(store, clientOptions(cfg, logger),
		providers.WithBus(bus), providers.WithLogger(logger))
	defer func() {
		if err := agg.Close(); err != nil {
			logger.Warn("provider shutdown incomplete", "error", err)
		}
	}()

	llmClient := createLLMClient(cfg, logger)
	loop := agent.NewLoop(llmClient, agg, agent.NewMemoryHistory(0), bus,
		agent.Config{SystemPrompt: cfg.LLM.SystemPrompt, MaxIterations: cfg.Agent.MaxIterations}, logger)

	toolSrv, err := newToolServer(cfg.Server.Name, cfg.Server.Version, logger)
	if err != nil {
		return err
	}

	// NotifyContext wraps the parent context so that SIGINT/SIGTERM
	// cancellation flows through the same ctx used by all components.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	health := connwatch.NewManager(logger)
	defer health.Stop()
	watchLLM(ctx, health, cfg, llmClient, bus)

	server := api.NewServer(cfg.Listen.Addr(), api.Deps{
		Runner:     loop,
		Tools:      agg,
		Store:      store,
		ToolServer: toolSrv,
		Health:     health,
		Bus:        bus,
		Logger:     logger,
	})

	var forwarder *mqtt.Forwarder
	if cfg.MQTT.Enabled() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("mqtt instance id: %w", err)
		}
		forwarder = mqtt.NewForwarder(cfg.MQTT, instanceID, bus, logger)
		go func() {
			if err := forwarder.Start(ctx); err != nil {
				logger.Error("mqtt forwarder failed", "error", err)
			}
		}()
		logger.Info("mqtt event forwarding enabled", "broker", cfg.MQTT.Broker, "instance_id", instanceID)
	} else {
		logger.Info("mqtt event forwarding disabled (not configured)")
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if forwarder != nil {
			if err := forwarder.Stop(shutdownCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("server failed: %w", err)
	}

	logger.Info("toolrelay stopped")
	return nil
}

// watchLLM probes the model backend and publishes its transitions on
// the bus. Anthropic is not watched because every probe is a billed
// request.
func watchLLM(ctx context.Context, m *connwatch.Manager, cfg *config.Config, client llm.Client, bus *events.Bus) {
	if cfg.LLM.Provider == "anthropic" {
		return
	}
	m.Watch(ctx, connwatch.Service{
		Name:    "llm/" + cfg.LLM.Provider,
		Probe:   client.Ping,
		Backoff: connwatch.DefaultBackoff(),
		OnChange: func(s connwatch.Status) {
			if s.Ready {
				bus.Emit(events.SourceHealth, events.KindServiceReady, map[string]any{"service": s.Name})
				return
			}
			bus.Emit(events.SourceHealth, events.KindServiceDown, map[string]any{"service": s.Name, "error": s.LastError})
		},
	})
}

// openAggregator builds an aggregator over the configured providers
// for the one-shot commands. Local provider processes exit when the
// returned aggregator is closed.
func openAggregator(cfg *config.Config, logger *slog.Logger) *providers.Aggregator {
	return providers.NewAggregator(providers.StaticSource(cfg.Providers), clientOptions(cfg, logger),
		providers.WithLogger(logger))
}

// runTools prints the aggregated catalog with provider attribution.
func runTools(ctx context.Context, stdout, stderr io.Writer, opts options) error {
	cfg, _, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	logger := configuredLogger(stderr, cfg)
	agg := openAggregator(cfg, logger)
	defer agg.Close()

	entries, err := agg.Catalog(ctx)
	if err != nil {
		return fmt.Errorf("catalog: %w", err)
	}

	if opts.outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}

	conflicts := providers.Conflicts(entries)
	seen := make(map[string]bool, len(entries))
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TOOL\tPROVIDER\tDESCRIPTION")
	for _, e := range entries {
		name := e.Tool.Name
		if _, dup := conflicts[name]; dup && seen[name] {
			name += " (shadowed)"
		}
		seen[e.Tool.Name] = true
		fmt.Fprintf(tw, "%s\t%s\t%s\n", name, e.ProviderName, firstLine(e.Tool.Description))
	}
	return tw.Flush()
}

// runCall invokes one tool through the aggregator's fallback routing.
func runCall(ctx context.Context, stdout, stderr io.Writer, opts options, args []string) error {
	cfg, _, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}

	toolArgs := map[string]any{}
	if len(args) == 2 {
		if err := json.Unmarshal([]byte(args[1]), &toolArgs); err != nil {
			return fmt.Errorf("parse tool arguments: %w", err)
		}
	}

	agg := openAggregator(cfg, configuredLogger(stderr, cfg))
	defer agg.Close()

	out, err := agg.CallTool(ctx, args[0], toolArgs)
	if err != nil {
		return err
	}
	if opts.outputFmt == "json" {
		return json.NewEncoder(stdout).Encode(map[string]string{"tool": args[0], "result": out})
	}
	fmt.Fprintln(stdout, out)
	return nil
}

// runProviders lists the providers the relay would use: the store when
// one exists in the data directory, otherwise the config file.
func runProviders(ctx context.Context, stdout io.Writer, opts options) error {
	cfg, _, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}

	list := cfg.Providers
	if _, err := os.Stat(cfg.ProviderDBPath()); err == nil {
		store, err := providers.NewStore(cfg.ProviderDBPath())
		if err != nil {
			return fmt.Errorf("open provider store: %w", err)
		}
		defer store.Close()
		if list, err = store.Providers(ctx); err != nil {
			return err
		}
	}

	if opts.outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(list)
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tKIND\tACTIVE\tTARGET")
	for _, p := range list {
		target := p.URL
		if p.Kind == providers.KindLocal {
			target = strings.TrimSpace(p.Command + " " + strings.Join(p.Args, " "))
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\n", p.ID, p.Name, p.Kind, p.Active, target)
	}
	return tw.Flush()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
