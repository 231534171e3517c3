package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/basket/clawrelay/internal/agent"
	"github.com/basket/clawrelay/internal/audit"
	"github.com/basket/clawrelay/internal/bus"
	"github.com/basket/clawrelay/internal/channels"
	"github.com/basket/clawrelay/internal/config"
	"github.com/basket/clawrelay/internal/cron"
	"github.com/basket/clawrelay/internal/engine"
	"github.com/basket/clawrelay/internal/gateway"
	otelPkg "github.com/basket/clawrelay/internal/otel"
	"github.com/basket/clawrelay/internal/persistence"
	"github.com/basket/clawrelay/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

SERVER (default):
  %s                          Serve Slack events and relay them to Claude
  %s serve                    Same as above

SUBCOMMANDS:
  %s status                   Show server health status (/healthz)
  %s doctor [-json]           Run diagnostic checks
                              Flags: -json for JSON output
  %s version                  Print the build version

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  CLAWRELAY_HOME          Data directory (default: ~/.clawrelay)
  SLACK_BOT_TOKEN         Slack bot token (xoxb-...)
  SLACK_SIGNING_SECRET    Slack request signing secret
  ANTHROPIC_API_KEY       Passed to the Claude CLI
  PORT                    Listen port on 0.0.0.0

EXAMPLES:
  Start the relay:        %s
  Check server health:    %s status
  Run diagnostics:        %s doctor
`, os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	loadDotEnv(".env")

	quiet := flag.Bool("quiet", false, "log to <home>/logs only, not stdout")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		case "version":
			fmt.Println(Version)
			return
		case "serve":
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	code := serve(ctx, *quiet)
	stop()
	os.Exit(code)
}

// serve runs the relay until ctx is canceled or the gateway fails and
// returns the process exit code. Deferred cleanup runs before it returns.
func serve(ctx context.Context, quiet bool) int {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Audit needs only the home dir, so logger init failures are audited too.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	levelVar := new(slog.LevelVar)
	levelVar.Set(telemetry.ParseLevel(cfg.LogLevel))
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, levelVar, quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "config_fingerprint", cfg.Fingerprint())
	if cfg.FileMissing {
		logger.Warn("config.yaml not found; using defaults and environment", "path", config.ConfigPath(cfg.HomeDir))
	}
	if err := cfg.Validate(); err != nil {
		fatalStartup(logger, "E_CONFIG_INVALID", err)
	}

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRate:  cfg.Telemetry.SampleRate,
		Logger:      logger,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() {
		// ctx is already cancelled here; flush on a fresh deadline.
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelProvider.Shutdown(flushCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}

	eventBus := bus.New()
	store, err := persistence.Open(cfg.Store.Path, eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "store_opened", "path", cfg.Store.Path)

	sweeper, err := cron.NewSweeper(cron.Config{
		Store:    store,
		Logger:   logger,
		Metrics:  metrics,
		TTL:      cfg.SessionTTL(),
		Interval: cfg.SweepInterval(),
		Schedule: cfg.Store.SweepSchedule,
	})
	if err != nil {
		fatalStartup(logger, "E_SWEEPER_INIT", err)
	}
	if err := sweeper.Start(ctx); err != nil {
		fatalStartup(logger, "E_SWEEPER_START", err)
	}
	defer sweeper.Stop()

	if userHome, err := os.UserHomeDir(); err == nil {
		if path, err := agent.EnsureCLISettings(userHome); err != nil {
			logger.Warn("claude cli settings not written", "error", err)
		} else {
			logger.Debug("claude cli settings ensured", "path", path)
		}
	}
	if err := os.MkdirAll(cfg.Claude.WorkDir, 0o755); err != nil {
		fatalStartup(logger, "E_WORKSPACE_CREATE", err)
	}
	backend := agent.NewClaudeCLI(agent.CLIConfig{
		Command:            cfg.Claude.Command,
		Model:              cfg.Claude.Model,
		MaxTurns:           cfg.Claude.MaxTurns,
		PermissionMode:     cfg.Claude.PermissionMode,
		WorkDir:            cfg.Claude.WorkDir,
		AppendSystemPrompt: cfg.Claude.AppendSystemPrompt,
		AllowedTools:       cfg.Claude.AllowedTools,
		DisallowedTools:    cfg.Claude.DisallowedTools,
		StreamPartial:      cfg.Claude.StreamPartial,
		Env:                backendEnv(cfg),
		Logger:             logger,
	})

	orch, err := engine.NewOrchestrator(engine.Config{
		Store:              store,
		Querier:            backend,
		Bus:                eventBus,
		Metrics:            metrics,
		Tracer:             otelProvider.Tracer,
		Logger:             logger,
		Tuning:             tuningFrom(cfg),
		SerializePerThread: cfg.Engine.SerializePerThread,
	})
	if err != nil {
		fatalStartup(logger, "E_ENGINE_INIT", err)
	}

	// Turns outlive the signal context so Drain can let them finish.
	turnCtx, cancelTurns := context.WithCancel(context.Background())
	defer cancelTurns()
	dispatcher := engine.NewDispatcher(turnCtx, orch, engine.NewGate(store, logger), metrics, logger)

	webhooks := map[string]http.Handler{}
	var chans []channels.Channel
	if cfg.Channels.Slack.Enabled {
		slackCh := channels.NewSlackChannel(channels.SlackConfig{
			BotToken:      cfg.Channels.Slack.BotToken,
			SigningSecret: cfg.Channels.Slack.SigningSecret,
			APIURL:        cfg.Channels.Slack.APIURL,
			Dispatcher:    dispatcher,
			Logger:        logger,
		})
		webhooks["/slack/events"] = slackCh.EventsHandler()
		chans = append(chans, slackCh)
	}
	if cfg.Channels.Telegram.Enabled {
		chans = append(chans, channels.NewTelegramChannel(
			cfg.Channels.Telegram.Token,
			cfg.Channels.Telegram.AllowedIDs,
			dispatcher,
			logger,
		))
	}

	var live atomic.Pointer[config.Config]
	live.Store(&cfg)

	gw := gateway.New(gateway.Config{
		Store:             store,
		Bus:               eventBus,
		AdminToken:        cfg.Admin.Token,
		Webhooks:          webhooks,
		ActiveTurns:       orch.ActiveTurns,
		ConfigFingerprint: func() string { return live.Load().Fingerprint() },
		Version:           Version,
		Logger:            logger,
	})
	if cfg.Admin.Token == "" {
		logger.Info("admin api disabled; set admin.token or CLAWRELAY_ADMIN_TOKEN to enable /api")
	}

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for ev := range confWatcher.Events() {
			logger.Info("config hot-reload event", "path", ev.Path, "op", ev.Op.String())
			next, err := config.LoadFrom(cfg.HomeDir)
			if err != nil {
				logger.Error("config.yaml reload failed", "error", err)
				continue
			}
			applied := applyReload(*live.Load(), next, levelVar, orch, eventBus, logger)
			live.Store(&applied)
		}
	}()

	server := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			hint := portOccupantHint(cfg.BindAddr)
			fatalStartup(logger, "E_LISTENER_BIND", fmt.Errorf("%w\n\n  %s", err, hint))
		}
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	logger.Info("startup phase", "phase", "listener_bound", "addr", cfg.BindAddr)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "webhooks", len(webhooks))
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	for _, ch := range chans {
		go func(ch channels.Channel) {
			if err := ch.Start(ctx); err != nil && ctx.Err() == nil {
				logger.Error("channel failed", "channel", ch.Name(), "error", err)
			}
		}(ch)
	}
	logger.Info("startup phase", "phase", "channels_started", "count", len(chans))

	exitCode := waitForShutdown(ctx, serverErr, logger)

	// Stop intake first, then let in-flight turns finish their final edit.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	if !orch.Drain(cfg.ShutdownGrace()) {
		logger.Warn("shutdown grace elapsed with turns in flight", "active_turns", orch.ActiveTurns())
	}
	cancelTurns()
	logger.Info("shutdown complete", "exit_code", exitCode)
	return exitCode
}

// waitForShutdown blocks until a shutdown signal or a gateway failure and
// returns the exit code for it: 0 for a signal, 1 for a failure.
func waitForShutdown(ctx context.Context, serverErr <-chan error, logger *slog.Logger) int {
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		return 0
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
		audit.Record("fatal", "runtime.gateway", "E_GATEWAY_SERVE", err.Error())
		return 1
	}
}

// tuner is the part of the orchestrator a config reload touches.
type tuner interface {
	SetTuning(engine.Tuning)
}

func tuningFrom(cfg config.Config) engine.Tuning {
	return engine.Tuning{
		QueryTimeout:     cfg.QueryTimeout(),
		RelayInterval:    cfg.RelayInterval(),
		MaxLength:        cfg.Engine.MaxMessageLength,
		ProgressInterval: cfg.ProgressInterval(),
	}
}

// applyReload applies the reloadable settings of next and returns the
// config now in effect. An invalid next config is rejected whole.
func applyReload(cur, next config.Config, level *slog.LevelVar, t tuner, eventBus *bus.Bus, logger *slog.Logger) config.Config {
	if err := next.Validate(); err != nil {
		logger.Error("config.yaml reload rejected; retaining previous settings", "error", err)
		return cur
	}
	restart := cur.RestartRequired(next)

	applied := cur
	applied.LogLevel = next.LogLevel
	applied.Engine.QueryTimeoutSeconds = next.Engine.QueryTimeoutSeconds
	applied.Engine.RelayIntervalMS = next.Engine.RelayIntervalMS
	applied.Engine.MaxMessageLength = next.Engine.MaxMessageLength
	applied.Engine.ProgressIntervalMS = next.Engine.ProgressIntervalMS

	level.Set(telemetry.ParseLevel(applied.LogLevel))
	t.SetTuning(tuningFrom(applied))

	if len(restart) > 0 {
		logger.Warn("config changes need a restart to take effect", "settings", restart)
	}
	logger.Info("config.yaml hot-reloaded", "config_fingerprint", applied.Fingerprint(), "log_level", applied.LogLevel)
	eventBus.Publish(bus.TopicConfigReloaded, bus.ConfigReloadedEvent{
		Fingerprint:     applied.Fingerprint(),
		RestartRequired: restart,
	})
	return applied
}

// backendEnv is appended to the Claude CLI environment.
func backendEnv(cfg config.Config) []string {
	var env []string
	if cfg.Claude.APIKey != "" {
		env = append(env, "ANTHROPIC_API_KEY="+cfg.Claude.APIKey)
	}
	return env
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("fatal", "runtime.startup", reasonCode, message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	var sysErr *os.SyscallError
	if errors.As(err, &sysErr) {
		return errors.Is(sysErr.Err, syscall.EADDRINUSE)
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change bind_addr in config.yaml.", addr)
	}
	// lsof is available on macOS and most Linux hosts.
	out, err := execCommand("lsof", "-ti", ":"+port)
	if err == nil && strings.TrimSpace(out) != "" {
		pids := strings.TrimSpace(out)
		return fmt.Sprintf("Port %s is occupied by PID %s. Kill it with: kill %s", port, pids, pids)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or change bind_addr (or PORT).", port)
}

func execCommand(name string, args ...string) (string, error) {
	out, err := execCommandFunc(name, args...).Output()
	return string(out), err
}

var execCommandFunc = exec.Command

// loadDotEnv sets variables from a .env file without overriding ones
// already present in the environment.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.Trim(strings.TrimSpace(line[eq+1:]), `"'`)
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
