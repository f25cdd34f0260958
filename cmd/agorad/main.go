// Command agorad runs the agora marketplace daemon: agent heartbeats, the
// deadline sweeper, the operator HTTP gateway, and telegram notifications.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/basket/agora/internal/audit"
	"github.com/basket/agora/internal/bus"
	"github.com/basket/agora/internal/config"
	"github.com/basket/agora/internal/custody"
	"github.com/basket/agora/internal/decision"
	"github.com/basket/agora/internal/executor"
	"github.com/basket/agora/internal/gateway"
	"github.com/basket/agora/internal/heartbeat"
	"github.com/basket/agora/internal/notify"
	otelPkg "github.com/basket/agora/internal/otel"
	"github.com/basket/agora/internal/rails"
	"github.com/basket/agora/internal/store"
	"github.com/basket/agora/internal/sweeper"
	"github.com/basket/agora/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                 Run the marketplace daemon
  %s status          Show daemon health (/healthz)

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  AGORA_HOME         Data directory (default: ~/.agora)
  AGORA_BIND_ADDR    Override bind address
  AGORA_AUTH_TOKEN   Override API bearer token
  GEMINI_API_KEY     Required for the google provider

EXAMPLES:
  Run the daemon:        %s
  Check daemon health:   %s status
`, os.Args[0], os.Args[0])
}

func main() {
	loadDotEnv(".env")

	quiet := flag.Bool("quiet", false, "log to file only, keep stdout clean")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Println(Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Audit comes up before the logger so logger failures land on record.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, *quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir)

	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && cfg.AuthToken == "" {
			logger.Warn("auth_token is empty on a non-loopback bind; the API is open to the network",
				"bind_addr", cfg.BindAddr)
		}
	}

	// The bus exists before the store so store mutations can publish.
	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRate:  cfg.Telemetry.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() { _ = otelProvider.Shutdown(context.Background()) }()
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}

	dbPath := filepath.Join(cfg.HomeDir, "agora.db")
	st, err := store.Open(dbPath, eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer st.Close()
	audit.SetDB(st.DB())
	logger.Info("startup phase", "phase", "schema_migrated", "db", dbPath)

	if err := seedAgents(ctx, st, cfg.Agents); err != nil {
		fatalStartup(logger, "E_AGENT_SEED", err)
	}
	if len(cfg.Agents) > 0 {
		logger.Info("agent seeds ensured", "count", len(cfg.Agents), "house", len(cfg.House.Agents))
	}

	railsClient := rails.NewClient(cfg.Rails.BaseURL, cfg.Rails.APIKey, logger.With("component", "rails"))
	railsClient.SetMetrics(metrics)
	if cfg.Rails.BaseURL == "" {
		logger.Warn("rails.base_url is empty; balances read as zero and purchases cannot fund")
	}
	custodyClient := custody.NewClient(cfg.Custody.BaseURL, cfg.Custody.APIKey, logger.With("component", "custody"))
	if cfg.Custody.BaseURL == "" {
		logger.Warn("custody.base_url is empty; hosted releases cannot sign")
	}

	brain := decision.NewGenkitBrain(ctx, decision.BrainConfig{
		Enabled:            cfg.LLM.Enabled,
		Provider:           cfg.LLM.Provider,
		Model:              cfg.LLM.Model,
		APIKey:             cfg.ProviderAPIKey(cfg.LLM.Provider),
		CompatibleProvider: cfg.LLM.CompatibleProvider,
		CompatibleBaseURL:  cfg.LLM.CompatibleBaseURL,
	})
	if brain.Offline() {
		logger.Warn("reasoning service offline; every decision resolves to do_nothing")
	}
	engine := decision.NewEngine(brain, logger.With("component", "decision"))

	marketExec := executor.New(st, railsClient, custodyClient, eventBus, executor.Config{
		EscrowContract:  cfg.Custody.EscrowContract,
		ContractVersion: cfg.Custody.ContractVersion,
		ReviewDeadline:  time.Duration(cfg.Market.ReviewDeadlineHours) * time.Hour,
	}, logger.With("component", "executor"))
	marketExec.SetMetrics(metrics)

	aggregator := heartbeat.NewAggregator(st, railsClient, heartbeat.AggregatorConfig{
		ListingLimit: cfg.Heartbeat.ListingLimit,
		MessageLimit: cfg.Heartbeat.MessageLimit,
		HouseAgents:  cfg.HouseSet(),
		HouseCredit:  cfg.House.CreditCents,
	}, logger.With("component", "heartbeat"))

	runner := heartbeat.NewRunner(st, aggregator, engine, marketExec, eventBus, heartbeat.RunnerConfig{
		CycleTimeout: time.Duration(cfg.Heartbeat.CycleTimeoutSeconds) * time.Second,
	}, logger.With("component", "heartbeat"))
	runner.SetTelemetry(metrics, otelProvider.Tracer)

	scheduler := heartbeat.NewScheduler(runner, st, heartbeat.SchedulerConfig{
		Interval: time.Duration(cfg.Heartbeat.IntervalSeconds) * time.Second,
		Workers:  cfg.Heartbeat.Workers,
	}, logger.With("component", "heartbeat"))
	scheduler.Start(ctx)
	defer scheduler.Stop()
	logger.Info("startup phase", "phase", "scheduler_started")

	if cfg.Sweeper.Enabled {
		sweep, err := sweeper.New(st, marketExec, railsClient, eventBus, sweeper.Config{
			Schedule:     cfg.Sweeper.Schedule,
			FundingGrace: time.Duration(cfg.Market.FundingGraceMinutes) * time.Minute,
		}, logger.With("component", "sweeper"))
		if err != nil {
			fatalStartup(logger, "E_SWEEPER_INIT", err)
		}
		sweep.SetMetrics(metrics)
		sweep.Start(ctx)
		defer sweep.Stop()
	}

	// activeCfg is what reloads swap; the fingerprint closure reads it so
	// /v1/status reflects the running config, not the boot config.
	var cfgMu sync.Mutex
	activeCfg := cfg

	gw := gateway.New(gateway.Config{
		Store:           st,
		Runner:          runner,
		Bus:             eventBus,
		AuthToken:       cfg.AuthToken,
		AllowOrigins:    cfg.AllowOrigins,
		Version:         Version,
		ReasoningOnline: func() bool { return !brain.Offline() },
		ConfigFingerprint: func() string {
			cfgMu.Lock()
			defer cfgMu.Unlock()
			return activeCfg.Fingerprint()
		},
	}, logger.With("component", "gateway"))

	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: gw.Handler(),
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
		logger.Info("gateway listening", "addr", cfg.BindAddr, "feed", "/v1/feed")
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	if cfg.Notify.Telegram.Enabled {
		if cfg.Notify.Telegram.Token == "" {
			logger.Warn("telegram notifications enabled but token is missing")
		} else {
			tg := notify.NewTelegram(eventBus, notify.Config{
				Token:   cfg.Notify.Telegram.Token,
				ChatIDs: cfg.Notify.Telegram.ChatIDs,
			}, logger.With("component", "notify"))
			if err := tg.Start(ctx); err != nil {
				logger.Error("telegram notifier failed to start", "error", err)
			} else {
				defer tg.Stop()
			}
		}
	}

	applyReload := func() {
		newCfg, err := config.Load()
		if err != nil {
			logger.Error("config reload failed; keeping previous config", "error", err)
			return
		}
		cfgMu.Lock()
		activeCfg = newCfg
		cfgMu.Unlock()
		telemetry.SetLevel(newCfg.LogLevel)
		scheduler.SetInterval(time.Duration(newCfg.Heartbeat.IntervalSeconds) * time.Second)
		aggregator.SetHouse(newCfg.HouseSet(), newCfg.House.CreditCents)
		audit.RecordEvent("runtime.config", "reload", newCfg.Fingerprint())
		logger.Info("config hot-reloaded", "fingerprint", newCfg.Fingerprint())
	}

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	defer signal.Stop(sighup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-confWatcher.Events():
				if !ok {
					return
				}
				applyReload()
			case <-sighup:
				logger.Info("SIGHUP received, reloading config")
				applyReload()
			}
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Stop intake first; background loops drain through their deferred Stops.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
}

// seedAgents creates configured agents that do not exist yet. Existing rows
// keep their live state; seeds are identity, not data.
func seedAgents(ctx context.Context, st *store.Store, seeds []config.AgentSeed) error {
	for _, seed := range seeds {
		err := st.EnsureAgent(ctx, store.Agent{
			ID:          seed.AgentID,
			Name:        seed.Name,
			Personality: seed.Personality,
			Bio:         seed.Bio,
			WalletRef:   seed.WalletRef,
			WalletKind:  seed.WalletKind,
		})
		if err != nil {
			return fmt.Errorf("seed agent %s: %w", seed.AgentID, err)
		}
	}
	return nil
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.RecordEvent("runtime.startup", reasonCode, message)

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
	if opErr, ok := err.(*net.OpError); ok {
		if sysErr, ok := opErr.Err.(*os.SyscallError); ok {
			return sysErr.Err == syscall.EADDRINUSE
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change bind_addr in config.yaml.", addr)
	}
	out, err := execCommand("lsof", "-ti", ":"+port)
	if err == nil && strings.TrimSpace(out) != "" {
		pids := strings.TrimSpace(out)
		return fmt.Sprintf("Port %s is occupied by PID %s. Kill it with: kill %s", port, pids, pids)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or change bind_addr in config.yaml.", port)
}

func execCommand(name string, args ...string) (string, error) {
	out, err := exec.Command(name, args...).Output()
	return string(out), err
}

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
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
