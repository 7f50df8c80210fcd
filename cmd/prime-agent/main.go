// Package main is the entry point for the prime-agent server.
// A single binary hosts the HTTP/WebSocket gateway, the interactive
// session and background command coordinators, and the vault loops.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	// Common packages
	"github.com/prime-system/prime-agent/internal/common/config"
	"github.com/prime-system/prime-agent/internal/common/logger"

	// Event bus
	"github.com/prime-system/prime-agent/internal/events/bus"

	// Agent coordinators
	"github.com/prime-system/prime-agent/internal/agent/command"
	"github.com/prime-system/prime-agent/internal/agent/runner"
	"github.com/prime-system/prime-agent/internal/agent/session"

	// Vault packages
	"github.com/prime-system/prime-agent/internal/vault"
	"github.com/prime-system/prime-agent/internal/vault/mirror"

	// Supporting services
	"github.com/prime-system/prime-agent/internal/gateway"
	"github.com/prime-system/prime-agent/internal/identity"
	"github.com/prime-system/prime-agent/internal/monitoring"
	"github.com/prime-system/prime-agent/internal/push"
	"github.com/prime-system/prime-agent/internal/tracing"
)

var configFlag = flag.String("config", "", "path to config.yaml (default: search standard locations)")

func main() {
	flag.Parse()

	// 1. Load configuration
	cfg, err := config.LoadWithPath(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	cfgMgr := config.NewManager(cfg, *configFlag)

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting prime-agent...", zap.String("vault", cfg.Vault.Path))

	// 3. Initialize event bus (in-memory by default, NATS if configured)
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		log.Info("Connecting to NATS...", zap.String("url", cfg.NATS.URL))
		natsEventBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsEventBus
		log.Info("Connected to NATS event bus")
	} else {
		log.Info("Using in-memory event bus")
		eventBus = bus.NewMemoryEventBus(log)
	}

	// 4. Load agent identity
	ident, err := identity.Load(cfg.Identity.Path, log)
	if err != nil {
		log.Fatal("Failed to load agent identity", zap.Error(err))
	}
	log.Info("Agent identity loaded", zap.String("prime_agent_id", ident.PrimeAgentID))

	// 5. Vault mirror (a no-op coordinator unless mirror.enabled)
	locker := mirror.NewLocker()
	git := mirror.NewGitClient(cfg.Vault.Path, cfg.Mirror.Remote, cfg.Mirror.Branch, log)
	coordinator := mirror.NewCoordinator(cfg.Mirror, cfg.Vault, locker, git, eventBus, log)
	pullLoop := mirror.NewPullLoop(coordinator, cfg.Mirror.PullIntervalDuration(), log)
	if cfg.Mirror.Enabled {
		if branch, berr := git.CurrentBranch(context.Background()); berr != nil {
			log.Warn("Could not determine vault checkout branch", zap.Error(berr))
		} else if branch != cfg.Mirror.Branch {
			log.Warn("Vault checkout is not on the configured mirror branch",
				zap.String("checkout_branch", branch),
				zap.String("configured_branch", cfg.Mirror.Branch))
		}
		pullLoop.Start()
		log.Info("Vault mirror enabled",
			zap.String("remote", cfg.Mirror.Remote),
			zap.String("branch", cfg.Mirror.Branch))
	}

	// 6. Push notification relay
	registry, err := push.NewRegistry(cfg.Push, log)
	if err != nil {
		log.Fatal("Failed to load device registry", zap.Error(err))
	}
	sender := push.NewSender(cfg.Push, registry, log)
	notifier := push.NewSessionNotifier(sender)
	log.Info("Device registry loaded", zap.Int("devices", registry.Count()))

	// 7. Agent runner, shared by sessions, commands, and captures
	client := runner.NewCLIClient(cfg.Agent, cfg.Vault.Path, log)
	turns := runner.New(cfg.Agent.TurnTimeoutDuration(), log)

	// 8. Interactive sessions
	sessions := session.NewManager(cfg.Sessions, turns, client, notifier, eventBus, log)
	sessions.StartCleanupLoop()

	// 9. Background command runs
	store, err := command.OpenStore(cfg.Commands.AuditDBPath, log)
	if err != nil {
		log.Fatal("Failed to open command audit store", zap.Error(err))
	}
	runs := command.NewManager(cfg.Commands, eventBus, log)
	runs.StartCleanupLoop()
	executor := command.NewExecutor(cfg.Commands, runs, turns, client, coordinator, store, log)
	scheduler := command.NewScheduler(cfg.Commands, executor, runs, log)
	scheduler.Start()
	log.Info("Command runner initialized", zap.Int("commands", len(cfg.Commands.Defs)))

	// 10. Vault capture and browsing
	ingestor := vault.NewIngestor(cfg.Vault, turns, client, coordinator, eventBus, log)
	browser := vault.NewBrowser(cfg.Vault, log)

	// 11. Background task monitoring
	monitor := monitoring.NewMonitor(monitoring.Deps{
		Sessions:  sessions,
		Runs:      runs,
		Scheduler: scheduler,
		PullLoop:  pullLoop,
		Mirror:    coordinator,
		Audit:     store,
		Devices:   registry,
	}, eventBus, log)
	if err := monitor.Start(); err != nil {
		log.Warn("Monitoring bus subscription failed", zap.Error(err))
	}

	// 12. HTTP + WebSocket gateway
	srv := gateway.NewServer(cfgMgr, gateway.Deps{
		Sessions: sessions,
		Ingestor: ingestor,
		Executor: executor,
		Runs:     runs,
		Registry: registry,
		Sender:   sender,
		Monitor:  monitor,
		Browser:  browser,
	}, log)

	go func() {
		log.Info("Gateway listening",
			zap.String("host", cfg.Server.Host),
			zap.Int("port", cfg.Server.Port))
		if err := srv.Start(); err != nil {
			log.Fatal("Failed to start gateway", zap.Error(err))
		}
	}()

	// ============================================
	// GRACEFUL SHUTDOWN
	// ============================================
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down prime-agent...")

	// Stop producers first so nothing schedules new work against the
	// coordinators while they drain.
	scheduler.Stop()
	pullLoop.Stop()
	executor.Stop()
	monitor.Stop()
	ingestor.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := sessions.TerminateAll(shutdownCtx); err != nil {
		log.Error("Session termination error", zap.Error(err))
	}
	sessions.Stop()
	runs.Stop()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Gateway shutdown error", zap.Error(err))
	}

	if err := store.Close(); err != nil {
		log.Error("Audit store close error", zap.Error(err))
	}
	eventBus.Close()

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("prime-agent stopped")
}
