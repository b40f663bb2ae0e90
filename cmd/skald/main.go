// Skald is an AI marketing operations agent.
//
// It runs a ReAct-style reasoning loop over a catalog of marketing
// tools (campaign management, ad copy, landing pages, reporting),
// suspends turns for human approval when a tool requires it, and
// meters everything through a credit ledger. The HTTP API streams
// turn progress over SSE; an optional dashboard and MQTT/email
// bridges watch the same event bus. Configuration is a single YAML
// file discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	skald serve               Start the API server
//	skald init [dir]          Initialize a working directory with defaults
//	skald ask <question>      Run one turn against a running server
//	skald version             Print version and build information
//	skald -o json version     Output version information as JSON
package main

import (
	"bufio"
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/skaldhq/skald/internal/agent"
	"github.com/skaldhq/skald/internal/api"
	"github.com/skaldhq/skald/internal/blob"
	"github.com/skaldhq/skald/internal/buildinfo"
	"github.com/skaldhq/skald/internal/capability/campaign"
	"github.com/skaldhq/skald/internal/capability/creative"
	"github.com/skaldhq/skald/internal/capability/insights"
	"github.com/skaldhq/skald/internal/capability/landing"
	"github.com/skaldhq/skald/internal/capability/reporting"
	"github.com/skaldhq/skald/internal/config"
	"github.com/skaldhq/skald/internal/convo"
	"github.com/skaldhq/skald/internal/credits"
	"github.com/skaldhq/skald/internal/events"
	"github.com/skaldhq/skald/internal/hitl"
	"github.com/skaldhq/skald/internal/httpkit"
	"github.com/skaldhq/skald/internal/llm"
	"github.com/skaldhq/skald/internal/mcp"
	"github.com/skaldhq/skald/internal/metrics"
	"github.com/skaldhq/skald/internal/mqtt"
	"github.com/skaldhq/skald/internal/notify"
	"github.com/skaldhq/skald/internal/playbook"
	"github.com/skaldhq/skald/internal/stream"
	"github.com/skaldhq/skald/internal/tools"
	"github.com/skaldhq/skald/internal/usage"
	"github.com/skaldhq/skald/internal/web"

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

// run is the real entry point for the skald command. All OS-level
// dependencies are injected as parameters:
//
//   - ctx controls the lifetime of the process. Cancelling it triggers
//     graceful shutdown of the server and all background goroutines.
//   - stdout and stderr receive all program output. Structured logs go
//     to stdout; progress and fatal error messages go to stderr.
//   - args is os.Args[1:], the command-line arguments after the program
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
			return fmt.Errorf("usage: skald ask <question>")
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
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w. It is called when
// skald is invoked with no arguments, or with -h / --help.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Skald - AI Marketing Operations Agent")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: skald [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the API server")
	fmt.Fprintln(w, "  init [dir]   Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  ask          Run one turn against a running server")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./skald.yaml, ~/.config/skald/skald.yaml, /etc/skald/skald.yaml")
	return nil
}

// runServe handles the "skald serve" subcommand. It is the primary
// operating mode: loads config, opens the database, registers the tool
// catalog, connects MCP servers, recovers interrupted turns, starts
// the API server, and blocks until a shutdown signal arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. In-flight turns drain to a step boundary (bounded wait)
//  3. The MQTT bridge publishes its offline status and disconnects
//  4. The HTTP server drains in-flight requests
//  5. Database connections are closed via defers
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting Skald", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure the logger now that we know the desired level. The
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
		"port", cfg.Server.Port,
		"model", cfg.Model.Primary.Model,
		"provider", cfg.Model.Primary.Provider,
	)

	// Wrap the context before any component captures it so a signal
	// reaches every goroutine started below.
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Storage ---
	// Everything durable lives in one SQLite file: sessions, turns and
	// steps (convo), usage records, the credit ledger, campaigns and
	// their metrics. Each store opens its own handle; WAL mode and a
	// busy timeout make the handles coexist.
	convoStore, err := convo.NewStore(cfg.Storage.DatabasePath)
	if err != nil {
		return fmt.Errorf("open conversation store %s: %w", cfg.Storage.DatabasePath, err)
	}
	defer convoStore.Close()

	usageStore, err := usage.NewStore(cfg.Storage.DatabasePath)
	if err != nil {
		return fmt.Errorf("open usage store: %w", err)
	}
	defer usageStore.Close()

	db, err := sql.Open("sqlite3", cfg.Storage.DatabasePath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("open database %s: %w", cfg.Storage.DatabasePath, err)
	}
	defer db.Close()

	ledger, err := credits.NewLedger(db, logger)
	if err != nil {
		return fmt.Errorf("create credit ledger: %w", err)
	}

	metricsStore, err := metrics.NewStore(db)
	if err != nil {
		return fmt.Errorf("create metrics store: %w", err)
	}

	campaigns, err := campaign.NewStore(db, logger)
	if err != nil {
		return fmt.Errorf("create campaign store: %w", err)
	}
	logger.Info("database opened", "path", cfg.Storage.DatabasePath)

	// --- Blob store ---
	// Uploads, rendered landing pages and QR codes, served back under
	// /v1/uploads on this server.
	baseURL := serverBaseURL(cfg)
	blobs, err := blob.NewStore(cfg.Storage.BlobDir, baseURL+"/v1/uploads", logger)
	if err != nil {
		return fmt.Errorf("open blob store %s: %w", cfg.Storage.BlobDir, err)
	}

	// --- Model client ---
	// Failover chain over the configured providers: the primary first,
	// then each fallback on retryable errors.
	client, err := createModelClient(cfg, logger)
	if err != nil {
		return err
	}

	// --- Tool catalog ---
	registry := tools.NewRegistry(cfg.Agent.ToolTimeout(), logger)

	if err := campaign.RegisterTools(registry, campaigns, metricsStore, logger); err != nil {
		return fmt.Errorf("register campaign tools: %w", err)
	}
	if err := creative.RegisterTools(registry, client, cfg.Model.Primary.Model, logger); err != nil {
		return fmt.Errorf("register creative tools: %w", err)
	}
	if err := insights.RegisterTools(registry, insights.NewAnalyzer(logger), logger); err != nil {
		return fmt.Errorf("register insights tools: %w", err)
	}
	if err := landing.RegisterTools(registry, blobs, logger); err != nil {
		return fmt.Errorf("register landing tools: %w", err)
	}
	if err := reporting.RegisterTools(registry, reporting.Deps{
		Campaigns: campaigns,
		Metrics:   metricsStore,
		Credits:   ledger,
		Usage:     usageStore,
	}, logger); err != nil {
		return fmt.Errorf("register reporting tools: %w", err)
	}

	// --- Playbooks ---
	// Embedded marketing playbooks, overlaid by .md files from the
	// configured directory when it exists.
	library, err := playbook.Load(cfg.Storage.PlaybookDir)
	if err != nil {
		return fmt.Errorf("load playbooks: %w", err)
	}
	if err := playbook.RegisterTools(registry, library, logger); err != nil {
		return fmt.Errorf("register playbook tools: %w", err)
	}

	// --- Credit cost overrides ---
	for name, cost := range cfg.Credits.Costs {
		if !registry.SetCost(name, cost) {
			logger.Warn("cost override for unknown tool", "tool", name)
		}
	}

	// --- MCP servers ---
	// Connect to configured MCP servers and bridge their tools into the
	// catalog. A server that fails to initialize is skipped, not fatal;
	// the rest of the catalog still serves.
	var mcpClients []*mcp.Client
	for _, serverCfg := range cfg.MCP.Servers {
		var transport mcp.Transport
		switch serverCfg.Transport {
		case "stdio":
			transport = mcp.NewStdioTransport(mcp.StdioConfig{
				Command: serverCfg.Command,
				Args:    serverCfg.Args,
				Env:     serverCfg.Env,
				Logger:  logger,
			})
		case "http":
			transport = mcp.NewHTTPTransport(mcp.HTTPConfig{
				URL:     serverCfg.URL,
				Headers: serverCfg.Headers,
				Logger:  logger,
			})
		default:
			return fmt.Errorf("mcp server %q: unknown transport %q (expected stdio or http)", serverCfg.Name, serverCfg.Transport)
		}

		mcpClient := mcp.NewClient(serverCfg.Name, transport, logger)

		initCtx, initCancel := context.WithTimeout(ctx, 30*time.Second)
		err := mcpClient.Initialize(initCtx)
		initCancel()
		if err != nil {
			logger.Error("MCP server initialization failed",
				"server", serverCfg.Name,
				"error", err,
			)
			mcpClient.Close()
			continue
		}

		bridgeCtx, bridgeCancel := context.WithTimeout(ctx, 30*time.Second)
		count, err := mcp.BridgeTools(bridgeCtx, mcpClient, serverCfg.Name, registry, mcp.BridgeOptions{
			Include:             serverCfg.Include,
			Exclude:             serverCfg.Exclude,
			StateChanging:       serverCfg.StateChanging,
			RequireConfirmation: serverCfg.RequireConfirmation,
		}, logger)
		bridgeCancel()
		if err != nil {
			logger.Error("MCP tool bridge failed",
				"server", serverCfg.Name,
				"error", err,
			)
			mcpClient.Close()
			continue
		}

		mcpClients = append(mcpClients, mcpClient)
		logger.Info("MCP server connected", "server", serverCfg.Name, "tools", count)
	}
	defer func() {
		for _, c := range mcpClients {
			c.Close()
		}
	}()

	logger.Info("tool catalog ready", "tools", len(registry.Names()))

	// --- Orchestrator ---
	// The reasoning loop. The broker holds open human input requests,
	// the journal fans live events out to SSE subscribers, and the bus
	// feeds the dashboard websocket and the MQTT/email bridges.
	broker := hitl.NewBroker(logger)
	journal := stream.NewJournal(logger)
	bus := events.New()

	orch, err := agent.New(agent.Deps{
		Logger:   logger,
		Convo:    convoStore,
		Registry: registry,
		Client:   client,
		Credits:  ledger,
		Usage:    usageStore,
		Broker:   broker,
		Journal:  journal,
		Bus:      bus,
	}, agent.Config{
		Model:          cfg.Model.Primary.Model,
		MaxIterations:  cfg.Agent.MaxIterations,
		HistoryWindow:  cfg.Agent.HistoryWindow,
		HITLTimeout:    cfg.Agent.HITLTimeout(),
		ModelTimeout:   cfg.Model.Timeout(),
		MaxToolRetries: cfg.Agent.MaxToolRetries,
		InitialGrant:   cfg.Credits.InitialGrant,
		Temperature:    cfg.Model.Temperature,
		MaxTokens:      cfg.Model.MaxTokens,
		Pricing:        cfg.Model.Pricing,
		Providers:      modelProviders(cfg),
	})
	if err != nil {
		return err
	}

	// --- Recovery ---
	// Turns interrupted by the previous shutdown are failed; suspended
	// turns get their broker entries rebuilt from the step log with
	// their original expiry.
	if err := orch.Recover(ctx); err != nil {
		return fmt.Errorf("recover turns: %w", err)
	}
	go orch.RunExpiry(ctx, 30*time.Second)

	// --- API server ---
	server := api.NewServer(cfg.Server.Address, cfg.Server.Port, api.Deps{
		Orchestrator: orch,
		Convo:        convoStore,
		Credits:      ledger,
		Journal:      journal,
		Blobs:        blobs,
		Logger:       logger,
	})

	if cfg.Server.Dashboard {
		server.SetDashboard(web.NewWebServer(web.Config{
			Convo:     convoStore,
			Credits:   ledger,
			Usage:     usageStore,
			Broker:    broker,
			Playbooks: library,
			Bus:       bus,
			Logger:    logger,
		}))
		logger.Info("dashboard enabled")
	}

	// --- Email notifications ---
	// Alerts the configured address when a turn stops to wait for a
	// human, with a link back to the transcript.
	if cfg.Email.Configured() {
		notifier := notify.New(cfg.Email, baseURL, bus, logger)
		go notifier.Run(ctx)
		logger.Info("email notifications enabled", "to", cfg.Email.To)
	}

	// --- MQTT bridge ---
	// Mirrors bus events onto retained broker topics so dashboards and
	// automations can watch agent activity without polling.
	var bridge *mqtt.Bridge
	if cfg.MQTT.Configured() {
		bridge = mqtt.New(cfg.MQTT, bus, logger)
		go func() {
			if err := bridge.Start(ctx); err != nil {
				logger.Error("mqtt bridge failed", "error", err)
			}
		}()
		logger.Info("mqtt bridge enabled", "broker", cfg.MQTT.BrokerURL)
	} else {
		logger.Info("mqtt bridge disabled (not configured)")
	}

	// --- Graceful shutdown ---
	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		// Let in-flight turns reach a step boundary. Suspended turns
		// hold no goroutine and keep across restarts.
		drainCtx, drainCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer drainCancel()
		if err := orch.Shutdown(drainCtx); err != nil {
			logger.Warn("turns still in flight at shutdown", "error", err)
		}

		if bridge != nil {
			offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer offlineCancel()
			if err := bridge.Stop(offlineCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}

		_ = server.Shutdown(context.Background())
	}()

	// Start the API server. This blocks until the server is shut down
	// (via context cancellation or fatal error).
	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("Skald stopped")
	return nil
}

// runAsk handles the "skald ask <question>" subcommand. It starts one
// turn against a running server and streams its progress: thoughts and
// tool calls go to stderr, the final answer to stdout. Useful for
// quick smoke tests without opening the dashboard.
func runAsk(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string, args []string) error {
	question := strings.Join(args, " ")

	// Config is only consulted for where the server lives. Without a
	// config file, fall back to the default local port.
	cfg := config.Default()
	if path, err := config.FindConfig(configPath); err == nil {
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("load config %s: %w", path, err)
		}
	} else if configPath != "" {
		return err
	}
	base := serverBaseURL(cfg)

	body, err := json.Marshal(api.StartTurnRequest{Message: question, Stream: true})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/v1/turns", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	// No overall timeout: the stream stays open for the whole turn.
	httpClient := httpkit.NewClient(httpkit.WithTimeout(0))
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("connect to %s (is skald serve running?): %w", base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("server returned %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	return printEventStream(stdout, stderr, resp.Body)
}

// printEventStream renders a turn's SSE stream for the terminal.
// Progress goes to stderr so the final answer on stdout stays pipeable.
func printEventStream(stdout io.Writer, stderr io.Writer, r io.Reader) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for sc.Scan() {
		line := sc.Text()
		// Frames are "id: N" / "data: {json}" pairs; only data matters here.
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		if data == "[DONE]" {
			return nil
		}

		var ev stream.Event
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			continue
		}

		switch ev.Type {
		case stream.TypeThought:
			fmt.Fprintf(stderr, "· %s\n", ev.Text)
		case stream.TypeAction:
			args, _ := json.Marshal(ev.Args)
			fmt.Fprintf(stderr, "→ %s %s\n", ev.Tool, args)
		case stream.TypeObservation:
			if ev.Success != nil && !*ev.Success && ev.Error != nil {
				fmt.Fprintf(stderr, "✗ %s: %s\n", ev.Tool, ev.Error.Message)
			}
		case stream.TypeHumanRequest:
			fmt.Fprintf(stderr, "? %s\n", ev.Question)
			for _, opt := range ev.Options {
				fmt.Fprintf(stderr, "    %s  %s\n", opt.Value, opt.Label)
			}
			fmt.Fprintf(stderr, "  Turn %s is waiting for input. Answer from the dashboard, or POST\n", ev.TurnID)
			fmt.Fprintf(stderr, "  /v1/turns/%s/resume with request_id %s.\n", ev.TurnID, ev.RequestID)
		case stream.TypeFinal:
			fmt.Fprintln(stdout, ev.Text)
		}
	}
	return sc.Err()
}

// serverBaseURL returns the URL clients and generated links should use
// to reach this server.
func serverBaseURL(cfg *config.Config) string {
	if cfg.Server.BaseURL != "" {
		return strings.TrimRight(cfg.Server.BaseURL, "/")
	}
	return fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
}

// newLogger creates a structured logger that writes to w at the given
// level. All log output in Skald goes through slog; this helper
// standardizes the handler configuration across subcommands.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
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

// createModelClient builds the failover chain from the model config:
// one backend per configured provider, primary first.
func createModelClient(cfg *config.Config, logger *slog.Logger) (llm.Client, error) {
	providers := append([]config.ProviderConfig{cfg.Model.Primary}, cfg.Model.Fallbacks...)

	backends := make([]llm.Backend, 0, len(providers))
	for _, p := range providers {
		if p.Model == "" {
			return nil, fmt.Errorf("model provider %q has no model name", p.Provider)
		}
		var client llm.Client
		switch p.Provider {
		case "anthropic":
			client = llm.NewAnthropicClient(p.APIKey, p.BaseURL, logger)
		case "openai":
			client = llm.NewOpenAIClient(p.APIKey, p.BaseURL, logger)
		default:
			return nil, fmt.Errorf("unknown model provider %q (expected anthropic or openai)", p.Provider)
		}
		backends = append(backends, llm.Backend{Name: p.Provider, Model: p.Model, Client: client})
	}

	logger.Info("model client initialized",
		"primary", backends[0].Model,
		"fallbacks", len(backends)-1,
	)
	return llm.NewMultiClient(logger, backends...), nil
}

// modelProviders maps each configured model name to its provider label
// for usage records.
func modelProviders(cfg *config.Config) map[string]string {
	m := make(map[string]string)
	if cfg.Model.Primary.Model != "" {
		m[cfg.Model.Primary.Model] = cfg.Model.Primary.Provider
	}
	for _, p := range cfg.Model.Fallbacks {
		if p.Model != "" {
			m[p.Model] = p.Provider
		}
	}
	return m
}
