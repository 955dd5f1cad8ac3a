// Reeve is a conversation agent runtime that orchestrates tool-using
// model turns against a durable per-conversation event log.
//
// It exposes an HTTP API for turns and transcript inspection, an
// optional websocket gateway bridge for chat-network messages, and an
// optional MQTT presence/telemetry publisher. Configuration is loaded
// from a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	reeve serve                Start the API server
//	reeve init [dir]           Initialize a working directory with defaults
//	reeve ask <message>        Run a single turn (for testing)
//	reeve export <conv-id>     Render a conversation transcript as HTML
//	reeve version              Print version and build information
//	reeve -o json version      Output version information as JSON
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
	"time"

	"github.com/google/uuid"

	"github.com/nugget/reeve/internal/agent"
	"github.com/nugget/reeve/internal/api"
	"github.com/nugget/reeve/internal/buildinfo"
	"github.com/nugget/reeve/internal/config"
	"github.com/nugget/reeve/internal/connwatch"
	"github.com/nugget/reeve/internal/eventlog"
	"github.com/nugget/reeve/internal/events"
	"github.com/nugget/reeve/internal/fetch"
	"github.com/nugget/reeve/internal/gateway"
	"github.com/nugget/reeve/internal/llm"
	"github.com/nugget/reeve/internal/mqtt"
	"github.com/nugget/reeve/internal/opstate"
	"github.com/nugget/reeve/internal/paths"
	"github.com/nugget/reeve/internal/persona"
	"github.com/nugget/reeve/internal/search"
	"github.com/nugget/reeve/internal/tools"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the reeve command. All OS-level
// dependencies are injected as parameters:
//
//   - ctx controls the lifetime of the process. Cancelling it triggers
//     graceful shutdown of all servers and background goroutines.
//   - stdout and stderr receive all program output. Structured logs go
//     to stdout; fatal error messages go to stderr.
//   - args is os.Args[1:] — the command-line arguments after the program
//     name. We parse these manually rather than using the flag package
//     to avoid global state that interferes with parallel tests.
//
// run returns nil on clean shutdown and a non-nil error for any failure.
// The caller (main) is responsible for printing the error and exiting.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	// Parse arguments by hand. The flag package relies on package-level
	// globals (flag.CommandLine), which makes it impossible to call run()
	// concurrently from tests. Our argument surface is small enough that
	// manual parsing is clearer than bringing in a CLI framework.
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
				// Collect remaining args as subcommand arguments.
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	// Default to human-readable text output.
	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: reeve ask <message>")
		}
		return runAsk(ctx, stdout, stderr, configPath, cmdArgs)
	case "export":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: reeve export <conversation-id> [output-file]")
		}
		return runExport(ctx, stdout, configPath, cmdArgs)
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

// printUsage writes the top-level help text to w. It is called when
// reeve is invoked with no arguments, or with -h / --help.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Reeve - Conversation Agent Runtime")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: reeve [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve            Start the API server")
	fmt.Fprintln(w, "  init [dir]       Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  ask <message>    Run a single turn (for testing)")
	fmt.Fprintln(w, "  export <id> [out]  Render a conversation transcript as HTML")
	fmt.Fprintln(w, "  version          Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/reeve/config.yaml, /etc/reeve/config.yaml")
	return nil
}

// runAsk handles the "reeve ask <message>" subcommand. It boots a
// minimal agent against the configured event log and processes one
// turn, printing the response to stdout. Useful for quick smoke tests
// and debugging without starting the server.
func runAsk(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string, args []string) error {
	logger := config.NewLogger(stderr, slog.LevelWarn, "text")

	message := strings.Join(args, " ")

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.EventLogDir(), 0755); err != nil {
		return fmt.Errorf("create conversation directory: %w", err)
	}
	logStore, err := eventlog.NewStore(cfg.EventLogDir(), logger)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}

	personaText, err := persona.NewLoader(cfg.Persona.Dir, logger).Load()
	if err != nil {
		return fmt.Errorf("load persona: %w", err)
	}

	ollamaClient := llm.NewOllamaClient(cfg.Models.OllamaURL, logger)
	llmClient := createLLMClient(cfg, logger, ollamaClient)

	loop := agent.New(agent.Options{
		Log:       logStore,
		Client:    llmClient,
		Registry:  buildRegistry(cfg, logger),
		Persona:   personaText,
		Logger:    logger,
		Model:     cfg.Models.Default,
		MaxRounds: cfg.Turn.MaxRounds,
	})

	resp, err := loop.Turn(ctx, agent.Request{
		ConversationID: "cli",
		UserText:       message,
		RequestID:      uuid.NewString(),
	})
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	fmt.Fprintln(stdout, resp.Content)
	return nil
}

// runExport handles the "reeve export <conversation-id> [output-file]"
// subcommand. It renders the stored transcript as a standalone HTML
// document, either on stdout or to the given file. The output path may
// use a named prefix (workspace:, state:) resolved against the loaded
// configuration.
func runExport(ctx context.Context, stdout io.Writer, configPath string, args []string) error {
	logger := config.NewLogger(io.Discard, slog.LevelError, "text")

	conversationID := args[0]

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logStore, err := eventlog.NewStore(cfg.EventLogDir(), logger)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}

	evs, err := logStore.ReadAll(conversationID)
	if err != nil {
		return fmt.Errorf("read conversation: %w", err)
	}
	if len(evs) == 0 {
		return fmt.Errorf("conversation not found: %s", conversationID)
	}

	html, err := api.ExportHTML(conversationID, evs)
	if err != nil {
		return fmt.Errorf("render transcript: %w", err)
	}

	if len(args) > 1 {
		dest, err := paths.FromConfig(cfg).Resolve(args[1])
		if err != nil {
			return fmt.Errorf("resolve output path: %w", err)
		}
		if err := os.WriteFile(dest, []byte(html), 0o644); err != nil {
			return fmt.Errorf("write transcript: %w", err)
		}
		fmt.Fprintf(stdout, "Wrote %s\n", dest)
		return nil
	}

	fmt.Fprint(stdout, html)
	return nil
}

// runServe handles the "reeve serve" subcommand. It is the primary
// operating mode: loads config, opens the event log and state
// database, initializes the turn loop with the configured capability
// registry, starts the API server, and blocks until a shutdown signal
// arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. MQTT publishes "offline" and disconnects
//  3. Telemetry counters are folded into the state database
//  4. The HTTP server drains in-flight requests
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := config.NewLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting Reeve", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure the logger now that the desired level and format are
	// known. The initial Info-level text logger covers only the startup
	// banner.
	{
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		logger = config.NewLogger(stdout, level, cfg.LogFormat)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"model", cfg.Models.Default,
		"ollama_url", cfg.Models.OllamaURL,
	)

	// --- Data directory ---
	// All persistent state (conversation logs, operational state DB)
	// lives under this directory.
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}
	if err := os.MkdirAll(cfg.EventLogDir(), 0755); err != nil {
		return fmt.Errorf("create conversation directory %s: %w", cfg.EventLogDir(), err)
	}

	// --- Event log ---
	// Append-only JSONL, one file per conversation. This is the source
	// of truth for every transcript the API and the loop serve.
	logStore, err := eventlog.NewStore(cfg.EventLogDir(), logger)
	if err != nil {
		return fmt.Errorf("open event log %s: %w", cfg.EventLogDir(), err)
	}
	logger.Info("event log opened", "dir", cfg.EventLogDir())

	// --- Operational state ---
	// Small SQLite KV for lifetime counters and cursors. Not part of
	// any transcript; safe to delete without losing conversations.
	state, err := opstate.NewStore(cfg.StateDBPath())
	if err != nil {
		return fmt.Errorf("open state database %s: %w", cfg.StateDBPath(), err)
	}
	defer state.Close()

	boots, err := state.Increment("server", "boots", 1)
	if err != nil {
		return fmt.Errorf("update state database: %w", err)
	}
	logger.Info("state database opened", "path", cfg.StateDBPath(), "boot_count", boots)

	// --- Event bus ---
	// In-process pub/sub feeding telemetry and the debug log mirror.
	bus := events.New()

	busCh := bus.Subscribe(64)
	go func() {
		for ev := range busCh {
			logger.Debug("event", "source", ev.Source, "kind", ev.Kind, "data", ev.Data)
		}
	}()

	// --- Model client ---
	// Multi-provider client that routes each model name to its
	// configured provider. Unknown models fall back to Ollama.
	ollamaClient := llm.NewOllamaClient(cfg.Models.OllamaURL, logger)
	llmClient := createLLMClient(cfg, logger, ollamaClient)

	// --- Connection resilience ---
	// Background health monitoring with exponential backoff for the
	// model backend. A backend that is down at startup is retried
	// rather than fatal; the health endpoint reports its status.
	connMon := connwatch.New(logger)
	defer connMon.Stop()

	connMon.Track(ctx, "ollama", ollamaClient.Ping)

	// --- Capability registry ---
	registry := buildRegistry(cfg, logger)
	logger.Info("capability registry built", "tools", registry.Names())

	// --- Persona ---
	// A missing or empty persona is a configuration error; the agent
	// must never run with an unspecified identity.
	personaText, err := persona.NewLoader(cfg.Persona.Dir, logger).Load()
	if err != nil {
		return fmt.Errorf("load persona: %w", err)
	}
	logger.Info("persona loaded", "dir", cfg.Persona.Dir, "chars", len(personaText))

	// --- Turn loop ---
	loop := agent.New(agent.Options{
		Log:       logStore,
		Client:    llmClient,
		Registry:  registry,
		Persona:   personaText,
		Bus:       bus,
		Logger:    logger,
		Model:     cfg.Models.Default,
		MaxRounds: cfg.Turn.MaxRounds,
	})

	// --- API server ---
	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, loop, logStore, llmClient, logger)
	server.SetStatusSource(connMon)

	// --- Gateway bridge ---
	// Optional websocket connection to a chat network gateway. Inbound
	// messages run as turns; replies go back to the sender.
	var gwClient *gateway.Client
	if cfg.Gateway.Enabled {
		gwClient = gateway.NewClient(cfg.Gateway.URL, cfg.Gateway.Token, logger)
		if err := gwClient.Connect(ctx); err != nil {
			return fmt.Errorf("connect gateway %s: %w", cfg.Gateway.URL, err)
		}
		bridge := gateway.NewBridge(gateway.BridgeConfig{
			Messages:       gwClient.Messages(),
			Sender:         gwClient,
			Runner:         loop,
			Bus:            bus,
			Logger:         logger,
			RateLimit:      cfg.Gateway.RateLimitPerMinute,
			DedupeSize:     cfg.Gateway.DedupeSize,
			AllowedSenders: cfg.Gateway.AllowedSenders,
			State:          state,
		})
		go bridge.Start(ctx)
		logger.Info("gateway bridge started", "url", cfg.Gateway.URL)
	} else {
		logger.Info("gateway disabled (not configured)")
	}

	// --- MQTT presence and telemetry ---
	var telemetry *mqtt.Telemetry
	var mqttPub *mqtt.Publisher
	if cfg.MQTT.Enabled {
		telemetry = mqtt.NewTelemetry()
		go telemetry.Consume(ctx, bus)
		mqttPub = mqtt.New(cfg.MQTT, telemetry, logger)
		go func() {
			if err := mqttPub.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()
		logger.Info("mqtt publishing enabled",
			"broker", cfg.MQTT.Broker,
			"device_name", cfg.MQTT.DeviceName,
			"interval", cfg.MQTT.PublishIntervalSec,
		)
	} else {
		logger.Info("mqtt publishing disabled (not configured)")
	}

	// --- Signal handling and graceful shutdown ---
	// NotifyContext wraps the parent context so that SIGINT/SIGTERM
	// cancellation flows through the same ctx used by all components.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		// Publish MQTT offline status before disconnecting.
		if mqttPub != nil {
			offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer offlineCancel()
			if err := mqttPub.Stop(offlineCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}

		if gwClient != nil {
			_ = gwClient.Close()
		}

		// Fold this run's counters into the lifetime totals.
		if telemetry != nil {
			persistCounters(state, telemetry.Snapshot(), logger)
		}

		bus.Unsubscribe(busCh)
		_ = server.Shutdown(context.Background())
	}()

	// Start the API server. This blocks until the server is shut down
	// (via context cancellation or fatal error).
	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("Reeve stopped")
	return nil
}

// persistCounters adds one run's telemetry counters to the lifetime
// totals in the state database.
func persistCounters(state *opstate.Store, snap mqtt.Snapshot, logger *slog.Logger) {
	for key, delta := range map[string]int64{
		"turns":             snap.Turns,
		"tool_calls":        snap.ToolCalls,
		"limits_reached":    snap.LimitsReached,
		"messages_received": snap.MessagesReceived,
		"messages_sent":     snap.MessagesSent,
	} {
		if delta == 0 {
			continue
		}
		if _, err := state.Increment("lifetime", key, delta); err != nil {
			logger.Warn("persist counter failed", "key", key, "error", err)
		}
	}
}

// buildRegistry assembles the capability registry from configuration.
// Each capability is registered only when its backing configuration is
// present, so the manifest advertised to the model always matches what
// the executor will actually allow.
func buildRegistry(cfg *config.Config, logger *slog.Logger) *tools.Registry {
	registry := tools.NewRegistry(logger)

	if cfg.Workspace.Path != "" {
		registry.Register(tools.NewFileRead(cfg.Workspace.Path))
	}

	provider := cfg.Search.Provider
	if provider == "" {
		provider = "searxng"
	}
	mgr := search.NewManager(provider)
	if cfg.Search.SearXNGURL != "" {
		mgr.Register(search.NewSearXNG(cfg.Search.SearXNGURL))
	}
	if mgr.Configured() {
		registry.Register(tools.NewWebSearch(mgr))
	}

	registry.Register(tools.NewWebFetch(fetch.New(), cfg.Fetch.MaxChars))

	return registry
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist). Otherwise,
// [config.FindConfig] searches the default locations. Returns the parsed
// config, the path that was loaded, and any error.
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

// createLLMClient builds a multi-provider model client from the
// configuration. Each model listed in config is mapped to its provider
// (ollama or openai). Models not explicitly mapped fall through to the
// Ollama provider, which acts as the default backend.
func createLLMClient(cfg *config.Config, logger *slog.Logger, ollamaClient *llm.OllamaClient) llm.Client {
	multi := llm.NewMultiClient(ollamaClient)
	multi.AddProvider("ollama", ollamaClient)

	if cfg.Models.OpenAIURL != "" {
		openaiClient := llm.NewOpenAIClient(cfg.Models.OpenAIURL, cfg.Models.OpenAIKey, logger)
		multi.AddProvider("openai", openaiClient)
		logger.Info("OpenAI-compatible provider configured", "url", cfg.Models.OpenAIURL)
	}

	for _, m := range cfg.Models.Available {
		provider := m.Provider
		if provider == "" {
			provider = "ollama"
		}
		multi.AddModel(m.Name, provider)
	}

	defaultProvider := "ollama"
	for _, m := range cfg.Models.Available {
		if m.Name == cfg.Models.Default && m.Provider != "" {
			defaultProvider = m.Provider
		}
	}
	logger.Info("model client initialized", "default_model", cfg.Models.Default, "default_provider", defaultProvider)

	return multi
}
