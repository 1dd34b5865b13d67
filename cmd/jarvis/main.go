// Jarvis is a persistent autonomous agent.
//
// It runs a continuous plan-execute-remember loop, talks to its creator
// over HTTP, MQTT, email, and Telegram, and exposes an HTTP API with a
// WebSocket event stream for inspection and control. Configuration is
// loaded from a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]); ${NAME} values in the file are expanded
// from the environment, including a .env file loaded at startup.
//
// Usage:
//
//	jarvis                   Run the agent (same as serve)
//	jarvis serve             Run the agent and its API server
//	jarvis init [dir]        Initialize a data directory with defaults
//	jarvis chat <text>       Send one message to a running agent
//	jarvis version           Print version and build information
//	jarvis -o json version   Output version information as JSON
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/jarvis-agent/jarvis/internal/api"
	"github.com/jarvis-agent/jarvis/internal/blob"
	"github.com/jarvis-agent/jarvis/internal/budget"
	"github.com/jarvis-agent/jarvis/internal/buildinfo"
	"github.com/jarvis-agent/jarvis/internal/chat"
	"github.com/jarvis-agent/jarvis/internal/config"
	"github.com/jarvis-agent/jarvis/internal/core"
	"github.com/jarvis-agent/jarvis/internal/defaults"
	"github.com/jarvis-agent/jarvis/internal/email"
	"github.com/jarvis-agent/jarvis/internal/embeddings"
	"github.com/jarvis-agent/jarvis/internal/events"
	"github.com/jarvis-agent/jarvis/internal/executor"
	"github.com/jarvis-agent/jarvis/internal/fetch"
	"github.com/jarvis-agent/jarvis/internal/httpkit"
	"github.com/jarvis-agent/jarvis/internal/ingest"
	"github.com/jarvis-agent/jarvis/internal/llm"
	"github.com/jarvis-agent/jarvis/internal/mqttchat"
	"github.com/jarvis-agent/jarvis/internal/notes"
	"github.com/jarvis-agent/jarvis/internal/paths"
	"github.com/jarvis-agent/jarvis/internal/planner"
	"github.com/jarvis-agent/jarvis/internal/router"
	"github.com/jarvis-agent/jarvis/internal/safety"
	"github.com/jarvis-agent/jarvis/internal/search"
	"github.com/jarvis-agent/jarvis/internal/selfupdate"
	"github.com/jarvis-agent/jarvis/internal/state"
	"github.com/jarvis-agent/jarvis/internal/telegram"
	"github.com/jarvis-agent/jarvis/internal/tools"
	"github.com/jarvis-agent/jarvis/internal/usage"
	"github.com/jarvis-agent/jarvis/internal/vector"
)

// healthyAfter is how long the process must stay up before the boot
// protocol's revert flag is cleared. A self-update that crashes the
// agent inside this window sends the next boot back one version.
const healthyAfter = 30 * time.Second

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

// run is the real entry point for the jarvis command. All OS-level
// dependencies are injected as parameters:
//
//   - ctx controls the lifetime of the process. Cancelling it triggers
//     graceful shutdown of the loop, listeners, and the API server.
//   - stdout and stderr receive all program output. Structured logs go
//     to stdout; fatal error messages go to stderr.
//   - args is os.Args[1:] — the command-line arguments after the program
//     name. We parse these manually rather than using the flag package
//     to avoid global state that interferes with parallel tests.
//
// run returns nil on clean shutdown and a non-nil error for any failure.
// The caller (main) is responsible for printing the error and exiting.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var (
		configPath string
		outputFmt  string
		command    string
		cmdArgs    []string
	)

	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "-config" || arg == "--config":
			if i+1 >= len(args) {
				return fmt.Errorf("%s requires a path argument", arg)
			}
			i++
			configPath = args[i]
		case strings.HasPrefix(arg, "-config="):
			configPath = strings.TrimPrefix(arg, "-config=")
		case strings.HasPrefix(arg, "--config="):
			configPath = strings.TrimPrefix(arg, "--config=")
		case arg == "-o" || arg == "--output":
			if i+1 >= len(args) {
				return fmt.Errorf("%s requires a format argument", arg)
			}
			i++
			outputFmt = args[i]
		case strings.HasPrefix(arg, "-o="):
			outputFmt = strings.TrimPrefix(arg, "-o=")
		case strings.HasPrefix(arg, "--output="):
			outputFmt = strings.TrimPrefix(arg, "--output=")
		case arg == "-h" || arg == "-help" || arg == "--help":
			return printUsage(stdout)
		case strings.HasPrefix(arg, "-") && command == "":
			return fmt.Errorf("unknown flag: %s", arg)
		default:
			if command == "" {
				command = arg
			} else {
				cmdArgs = append(cmdArgs, arg)
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
	// No command means serve: the container entrypoint runs bare.
	case "serve", "":
		return runServe(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "chat":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: jarvis chat <message>")
		}
		return runChat(ctx, stdout, configPath, cmdArgs)
	case "version":
		return runVersion(stdout, outputFmt)
	case "help":
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
// jarvis is invoked with -h / --help.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Jarvis - Persistent Autonomous Agent")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: jarvis [flags] [command] [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve          Run the agent and its API server (default)")
	fmt.Fprintln(w, "  init [dir]     Initialize a data directory with defaults (default: .)")
	fmt.Fprintln(w, "  chat <text>    Send one message to a running agent and print the reply")
	fmt.Fprintln(w, "  version        Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  $JARVIS_CONFIG, ./jarvis.yaml, ~/.config/jarvis/config.yaml,")
	fmt.Fprintln(w, "  /etc/jarvis/config.yaml")
	return nil
}

// loadConfig locates and parses the YAML configuration file. A .env
// file in the working directory is loaded first so that ${NAME}
// references in the config expand against it. If explicit is non-empty,
// that exact path is used (and must exist); otherwise [config.FindConfig]
// searches the default locations. Returns the parsed config, the path
// that was loaded, and any error.
func loadConfig(explicit string) (*config.Config, string, error) {
	// Best effort: a missing .env is the normal case.
	_ = godotenv.Load()

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

// runChat handles the "jarvis chat <message>" subcommand. It posts one
// message to a running agent's /chat endpoint and prints the reply.
// The agent address and creator token come from the same config file
// serve uses, so the subcommand works wherever serve does.
func runChat(ctx context.Context, stdout io.Writer, configPath string, args []string) error {
	message := strings.Join(args, " ")

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	host := cfg.Listen.Address
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	url := fmt.Sprintf("http://%s:%d/chat", host, cfg.Listen.Port)

	body, err := json.Marshal(map[string]string{"message": message})
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.Auth.Mode == "creator-token" && cfg.Auth.CreatorToken != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.Auth.CreatorToken)
	}

	// The server holds the request open for its sync-reply window; give
	// the client that long plus slack before giving up locally.
	timeout := time.Duration(cfg.Chat.SyncReplyTimeoutSec+30) * time.Second
	if timeout <= 30*time.Second {
		timeout = 150 * time.Second
	}
	client := httpkit.NewClient(httpkit.WithTimeout(timeout))

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("reach jarvis at %s (is it serving?): %w", url, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var out struct {
			Reply string `json:"reply"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return fmt.Errorf("decode reply: %w", err)
		}
		fmt.Fprintln(stdout, out.Reply)
		return nil
	case http.StatusAccepted:
		var out struct {
			ID string `json:"id"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&out)
		fmt.Fprintf(stdout, "queued as %s: the agent is busy, the reply will land in /chat/history\n", out.ID)
		return nil
	default:
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error != "" {
			return fmt.Errorf("jarvis returned %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("jarvis returned %d", resp.StatusCode)
	}
}

// runServe handles the "jarvis serve" subcommand. It is the primary
// operating mode: loads config, opens the state store and memory
// layers, builds the router, tools, planner, and executor, starts the
// chat listeners and the API server, runs the self-update boot
// protocol, and then blocks in the core loop until a shutdown signal
// arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. The core loop finishes (or abandons) its current iteration
//  3. The API server drains in-flight requests
//  4. A shutdown event is appended to the blob log
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	// NotifyContext wraps the parent context so that SIGINT/SIGTERM
	// cancellation flows through the same ctx used by all components.
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config %s: %w", cfgPath, err)
	}

	logger, err := config.NewLogger(stdout, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	logger.Info("starting jarvis",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"built", buildinfo.BuildTime,
	)
	logger.Info("config loaded",
		"path", cfgPath,
		"data_dir", cfg.DataDir,
		"port", cfg.Listen.Port,
		"providers", len(cfg.Providers),
	)

	// --- Data directory ---
	// Everything persistent (state database, vector memory, blob log,
	// skills, self-update backups) lives under this one tree.
	layout, err := paths.NewLayout(cfg.DataDir)
	if err != nil {
		return err
	}
	if err := layout.EnsureTree(); err != nil {
		return fmt.Errorf("prepare data directory: %w", err)
	}

	bus := events.New()

	// --- State store ---
	// Single SQLite row holding directive, goals, iteration counter, and
	// runtime settings, plus chat history and usage records.
	store, err := state.Open(layout.StateDB())
	if err != nil {
		return err
	}
	defer store.Close()

	if err := seedFirstBoot(store, logger); err != nil {
		return err
	}

	// --- Blob log ---
	// Append-only audit trail. Append failures degrade (the agent keeps
	// running), so a full disk never takes the loop down with it.
	blobLog, err := blob.NewLog(layout.BlobDir(), logger)
	if err != nil {
		return fmt.Errorf("open blob log: %w", err)
	}
	defer blobLog.Close()
	if err := blobLog.Append(blob.EventSystem, "boot: "+buildinfo.String(), nil); err != nil {
		logger.Warn("boot audit append failed", "error", err)
	}

	// --- Safety validator ---
	// Hard-coded action rules. Needs the blob log so rule 3 can refuse
	// actions while the audit trail is unavailable.
	validator := safety.New(logger, &layout, blobLog)

	// --- Memory layers ---
	emb := embeddings.New(cfg.Embeddings)
	vec, err := vector.New(layout.VectorDir(), emb, logger)
	if err != nil {
		return fmt.Errorf("open vector memory: %w", err)
	}
	defer vec.Close()

	noteMgr, err := notes.NewManager(store, logger)
	if err != nil {
		return err
	}

	// --- Budget ---
	tracker, err := budget.NewTracker(store, cfg.Providers, cfg.Budget.MonthlyCapUSD, logger, bus)
	if err != nil {
		return err
	}

	usageStore, err := usage.NewStore(store.DB())
	if err != nil {
		return err
	}

	// --- LLM clients and router ---
	clients := llm.NewRegistry(cfg.Providers, logger)
	rtr := router.New(logger, cfg, clients, tracker, usageStore, blobLog, bus)

	// --- Self-update manager ---
	updater := selfupdate.NewManager(logger, layout, validator, cfg.SelfUpdate)

	// --- Skill library ---
	skills, err := ingest.NewLibrary(layout.SkillsDir(), vec, logger)
	if err != nil {
		return err
	}
	// Mirror the library into vector memory off the boot path; every
	// entry costs an embeddings call and the endpoint may be down.
	go func() {
		if _, err := skills.IngestAll(ctx); err != nil {
			logger.Warn("skill ingest failed", "error", err)
		}
	}()

	// --- Tools ---
	registry := tools.NewRegistry(logger, validator)
	registry.SetMemoryStore(vec)
	registry.SetFileTools(tools.NewFileTools(layout))
	registry.SetWebFetch(fetch.New())
	registry.SetHTTPRequest(httpkit.NewClient(
		httpkit.WithTimeout(60*time.Second),
		httpkit.WithRetry(2, 500*time.Millisecond),
		httpkit.WithLogger(logger),
	))
	registry.SetBudgetTracker(tracker)
	registry.SetSelfUpdater(updater)
	registry.SetSkillLibrary(skills)
	registry.SetCodingAgent(tools.NewCodingAgent(logger, rtr, validator, layout, cfg.SelfUpdate, skills))

	if sh := tools.NewShellExec(cfg.ShellExec); sh.Enabled() {
		registry.SetShellExec(sh)
		logger.Info("shell execution enabled", "working_dir", cfg.ShellExec.WorkingDir)
	} else {
		logger.Info("shell execution disabled")
	}

	searchMgr := search.New(cfg.Search.Provider)
	if cfg.Search.BaseURL != "" {
		searchMgr.Register(search.NewSearXNG(cfg.Search.BaseURL))
	}
	if cfg.Search.APIKey != "" {
		searchMgr.Register(search.NewBrave(cfg.Search.APIKey))
	}
	if searchMgr.Ready() {
		registry.SetWebSearch(searchMgr)
		logger.Info("web search enabled", "provider", cfg.Search.Provider)
	} else {
		logger.Info("web search disabled (no provider configured)")
	}

	// Messaging clients are built here so their send tools register;
	// the inbound listeners start further down, once the queue exists.
	var tgClient *telegram.Client
	if cfg.Telegram.Enabled {
		tgClient = telegram.NewClient(cfg.Telegram, logger)
		registry.SetTelegramClient(tgClient)
	}
	var emailClient *email.Client
	var emailSender *email.Sender
	if cfg.Email.Enabled {
		emailClient = email.NewClient(cfg.Email, logger)
		emailSender = email.NewSender(cfg.Email, logger)
		if emailSender.Enabled() {
			registry.SetEmailSender(emailSender)
		}
	}

	// --- Planner and executor ---
	pl := planner.New(logger, rtr, vec, noteMgr, store, cfg)
	exec := executor.New(logger, registry, validator, blobLog, noteMgr, vec)

	// --- Chat queue ---
	// Every channel (HTTP, MQTT, email, Telegram) enqueues here and the
	// loop drains in batches; replies route back by channel name.
	queue, err := chat.New(logger, store, bus, 0)
	if err != nil {
		return err
	}

	// --- Listeners ---
	if cfg.MQTT.Enabled {
		ml := mqttchat.NewListener(cfg.MQTT, queue, bus, logger)
		go func() {
			if err := ml.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("mqtt listener failed", "error", err)
			}
		}()
	}
	if tgClient != nil && tgClient.Enabled() {
		tl := telegram.NewListener(tgClient, queue, bus, logger,
			time.Duration(cfg.Telegram.PollIntervalSec)*time.Second)
		go func() {
			if err := tl.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("telegram listener failed", "error", err)
			}
		}()
	}
	if emailClient != nil && emailClient.Enabled() {
		el := email.NewListener(emailClient, emailSender, queue, bus, logger, cfg.Email)
		go func() {
			if err := el.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("email listener failed", "error", err)
			}
		}()
	}

	// --- API server ---
	apiServer, err := api.NewServer(api.Deps{
		Logger:  logger,
		Config:  cfg,
		Store:   store,
		Budget:  tracker,
		Vector:  vec,
		Blob:    blobLog,
		Notes:   noteMgr,
		Planner: pl,
		Queue:   queue,
		Tools:   registry,
		Router:  rtr,
		Bus:     bus,
		Usage:   usageStore,
	})
	if err != nil {
		return err
	}
	go func() {
		if err := apiServer.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", "error", err)
			// The agent is headless without its API; bail out.
			stop()
		}
	}()

	// --- Self-update boot protocol ---
	// Seed or merge the backup, honor a pending revert, and arm the
	// revert flag for this run. A failure here leaves self-update
	// inactive for the run but never stops the agent from serving.
	if rep, err := updater.Boot(ctx); err != nil {
		logger.Error("self-update boot protocol failed", "error", err)
	} else {
		logger.Info("self-update boot complete",
			"version", rep.Version,
			"seeded", rep.Seeded,
			"image_updated", rep.ImageUpdated,
			"flag_revert", rep.FlagRevert,
			"import_revert", rep.ImportRevert,
		)
		if rep.FlagRevert || rep.ImportRevert {
			bus.Emit(events.SourceSelfUpdate, events.KindRevert, map[string]any{
				"version":      rep.Version,
				"flag_revert":  rep.FlagRevert,
				"import_error": rep.ImportError,
			})
		}
	}
	go func() {
		t := time.NewTimer(healthyAfter)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if err := updater.MarkHealthy(); err != nil {
			logger.Error("mark healthy failed", "error", err)
			return
		}
		logger.Info("uptime threshold reached, current version marked healthy")
		bus.Emit(events.SourceSelfUpdate, events.KindHealthy, map[string]any{
			"after_seconds": healthyAfter.Seconds(),
		})
	}()

	// --- Core loop ---
	loop, err := core.New(core.Deps{
		Logger:   logger,
		Config:   cfg,
		Store:    store,
		Planner:  pl,
		Executor: exec,
		Budget:   tracker,
		Queue:    queue,
		Blob:     blobLog,
		Vector:   vec,
		Notes:    noteMgr,
		Bus:      bus,
		Tools:    registry,
		OnStall: func() {
			// Exiting hands recovery to the supervisor; the boot
			// protocol judges the restart.
			logger.Error("loop stalled beyond heartbeat timeout, shutting down for restart")
			stop()
		},
	})
	if err != nil {
		return err
	}
	apiServer.SetLoop(loop)

	err = loop.Run(ctx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if serr := apiServer.Shutdown(shutdownCtx); serr != nil {
		logger.Warn("api shutdown incomplete", "error", serr)
	}
	if aerr := blobLog.Append(blob.EventSystem, "shutdown", nil); aerr != nil {
		logger.Warn("shutdown audit append failed", "error", aerr)
	}
	logger.Info("jarvis stopped")
	return err
}

// seedFirstBoot installs the starter directive and goals on an empty
// store. The agent rewrites both as it runs; a store that already has a
// directive is left alone.
func seedFirstBoot(store *state.Store, logger *slog.Logger) error {
	st, err := store.State()
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	if st.Directive != "" {
		return nil
	}
	_, err = store.Mutate(func(a *state.AgentState) {
		a.Directive = defaults.Directive
		a.Goals = state.Goals{
			ShortTerm: defaults.ShortTermGoals,
			MidTerm:   defaults.MidTermGoals,
			LongTerm:  defaults.LongTermGoals,
		}
	})
	if err != nil {
		return fmt.Errorf("seed initial state: %w", err)
	}
	logger.Info("seeded initial directive and goals")
	return nil
}
