package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/basket/narrabot/internal/audit"
	"github.com/basket/narrabot/internal/breaker"
	"github.com/basket/narrabot/internal/bus"
	"github.com/basket/narrabot/internal/channels"
	"github.com/basket/narrabot/internal/config"
	"github.com/basket/narrabot/internal/coordinator"
	"github.com/basket/narrabot/internal/cron"
	"github.com/basket/narrabot/internal/gateway"
	"github.com/basket/narrabot/internal/ledger"
	"github.com/basket/narrabot/internal/menu"
	"github.com/basket/narrabot/internal/mission"
	"github.com/basket/narrabot/internal/narrative"
	otelPkg "github.com/basket/narrabot/internal/otel"
	"github.com/basket/narrabot/internal/shop"
	"github.com/basket/narrabot/internal/store"
	"github.com/basket/narrabot/internal/telemetry"
	"github.com/basket/narrabot/internal/user"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

const breakerProbeInterval = 10 * time.Second

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE (default):
  %s                          Start the bot, the API server, and the sweeps

SUBCOMMANDS:
  %s status                   Show daemon health (/healthz)
  %s doctor [-json]           Run diagnostic checks
                              Flags: -json for JSON output
  %s version                  Print the version and exit

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  NARRABOT_HOME           Data directory (default: ~/.narrabot)
  TRANSPORT_TOKEN         Telegram bot token
  DOCSTORE_URI            MongoDB connection string
  BUS_URI                 Redis connection string

EXAMPLES:
  Run the daemon:         %s
  Check daemon health:    %s status
  Run diagnostics:        %s doctor
`, os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	loadDotEnv(".env")

	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			return
		case "version":
			fmt.Println("narrabot", Version)
			return
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "config_load", err)
	}

	// Audit only needs the home directory, so it comes up first and
	// captures later startup failures.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "audit_init", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fatalStartup(nil, "logger_init", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)

	if err := runDaemon(ctx, cfg, logger); err != nil {
		fatalStartup(logger, "runtime", err)
	}
}

func runDaemon(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	logger.Info("narrabot starting",
		"version", Version, "home", cfg.HomeDir, "config", cfg.Fingerprint())

	provider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Otel.Enabled,
		Exporter:    cfg.Otel.Exporter,
		Endpoint:    cfg.Otel.Endpoint,
		ServiceName: cfg.Otel.ServiceName,
		SampleRate:  cfg.Otel.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(shutdownCtx)
	}()

	metrics, err := otelPkg.NewMetrics(provider.Meter)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	// Stores. An empty docstore URI means the operator opted into the
	// in-memory store; everything else about the wiring stays the same.
	var docs store.Documents
	var mongoStore *store.Mongo
	if cfg.DocStore.URI != "" {
		openCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		mongoStore, err = store.OpenMongo(openCtx, store.MongoOptions{
			URI:         cfg.DocStore.URI,
			Database:    cfg.DocStore.Database,
			MinPool:     cfg.DocStore.MinPoolSize,
			MaxPool:     cfg.DocStore.MaxPoolSize,
			IdleTimeout: cfg.DocStore.IdleTimeout(),
		})
		cancel()
		if err != nil {
			return fmt.Errorf("open document store: %w", err)
		}
		docs = mongoStore
	} else {
		logger.Warn("no document store configured, state will not survive a restart")
		docs = store.NewMemory()
	}

	rel, err := store.OpenRelational(cfg.Relational.Path)
	if err != nil {
		return fmt.Errorf("open relational store: %w", err)
	}

	stores := store.NewManager(docs, rel)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = stores.Close(closeCtx)
	}()

	// Event transport. Without Redis every publish lands in the replay
	// queue and waits for a bus to drain it.
	queue, err := bus.OpenReplayQueue(cfg.LocalQueue.Path, cfg.LocalQueue.Capacity)
	if err != nil {
		return fmt.Errorf("open replay queue: %w", err)
	}

	var busClient redis.UniversalClient
	if cfg.Bus.URI != "" {
		opts, perr := redis.ParseURL(cfg.Bus.URI)
		if perr != nil {
			return fmt.Errorf("parse bus uri: %w", perr)
		}
		if cfg.Bus.Password != "" {
			opts.Password = cfg.Bus.Password
		}
		client := redis.NewClient(opts)
		defer client.Close()
		busClient = client
	} else {
		logger.Warn("no bus configured, events stay in the local queue")
	}

	reg := breaker.NewRegistry(breaker.Options{Logger: logger, Metrics: metrics})
	if busClient != nil {
		reg.Register(breaker.DepBus, func(ctx context.Context) error {
			return busClient.Ping(ctx).Err()
		})
	}
	if mongoStore != nil {
		reg.Register(breaker.DepDocStore, mongoStore.Ping)
	}
	reg.Register(breaker.DepRelational, rel.Ping)

	// Domain calls run through the document-store breaker: while it is
	// OPEN they fail fast with service_degraded instead of waiting out
	// driver timeouts.
	docs = store.GuardDocuments(reg, breaker.DepDocStore, docs)
	audit.SetSink(docs)

	b := bus.New(bus.Options{
		Client:  busClient,
		Queue:   queue,
		Logger:  logger,
		Metrics: metrics,
		DLQ:     docs,
		Source:  "narrabot",
		TransportDown: func() bool {
			return busClient == nil || reg.Open(breaker.DepBus)
		},
	})
	reg.OnClosed(breaker.DepBus, func() { b.NotifyTransportHealthy(ctx) })

	// Domain services.
	led := ledger.New(docs, b, logger)
	users := user.NewRegistry(docs, rel, b, logger)
	story := narrative.NewEngine(users, docs, led, b, logger)
	tienda := shop.New(docs, led, b, logger)
	tracker := mission.NewTracker(docs, led, b, logger)
	gate := mission.NewGate(cfg.Reactions, b, metrics, logger)

	// Workflow coordination: per-user serial lanes fed by the bus, with
	// the journal resuming whatever a crash left half-done.
	journal := coordinator.NewJournal(docs, logger)
	coord := coordinator.New(metrics, logger)
	coord.SetDeadLetters(docs)
	defer coord.Close()
	flows := &coordinator.Flows{
		Missions: tracker,
		Docs:     docs,
		Journal:  journal,
		Pub:      b,
		Logger:   logger,
	}
	flows.Register(coord)
	b.Subscribe("", coord.Dispatch)

	if n, err := journal.ReplayPending(ctx, flows.Replay); err != nil {
		logger.Warn("journal replay incomplete", "resumed", n, "error", err)
	} else if n > 0 {
		logger.Info("journal replay finished", "resumed", n)
	}

	if frags, hints, err := narrative.LoadContent(ctx, docs, cfg.ContentDir); err != nil {
		return fmt.Errorf("load content: %w", err)
	} else if frags > 0 || hints > 0 {
		logger.Info("content loaded", "fragments", frags, "hints", hints, "dir", cfg.ContentDir)
	}

	// Telegram surface. The adapter is also the menu transport, so the
	// handler attaches after the menu manager exists.
	bot, err := channels.Connect(cfg.Transport.Token)
	if err != nil {
		return fmt.Errorf("connect telegram: %w", err)
	}
	reg.Register(breaker.DepTelegram, func(context.Context) error {
		_, err := bot.GetMe()
		return err
	})

	adapter := channels.NewAdapter(bot, nil, logger, runtime.NumCPU()*cfg.WorkerMultiplier)
	menus := menu.NewManager(adapter, docs, cfg.Menu.EditsPerMinute, metrics, logger)
	menus.SetCleanupInterval(time.Duration(cfg.Menu.CleanupIntervalSeconds) * time.Second)
	handler := channels.NewHandler(channels.Services{
		Users:    users,
		Engine:   story,
		Shop:     tienda,
		Missions: tracker,
		Gate:     gate,
		Menu:     menus,
		Rel:      rel,
		Pub:      b,
		Logger:   logger,
	})
	adapter.Attach(handler)

	if n, err := menus.Rehydrate(ctx); err != nil {
		logger.Warn("menu rehydrate", "error", err)
	} else if n > 0 {
		logger.Info("menus rehydrated", "chats", n)
	}

	api := gateway.NewServer(gateway.Config{
		API:   cfg.API,
		Users: users,
		Docs:  docs,
		Rel:   rel,
		Health: func(ctx context.Context) map[string]any {
			return map[string]any{
				"version":     Version,
				"stores":      stores.Health(ctx),
				"breakers":    reg.Snapshot(),
				"queue_depth": b.QueueDepth(),
			}
		},
		Metrics: metrics,
		Logger:  logger,
	})

	sched := cron.NewScheduler(cron.Config{
		Rel:            rel,
		Docs:           docs,
		Missions:       tracker,
		Journal:        journal,
		Poster:         adapter,
		Pub:            b,
		Logger:         logger,
		ReactionEmojis: cfg.Reactions.EmojisAllowed,
	})
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	if busClient != nil {
		if err := b.Run(ctx); err != nil {
			return fmt.Errorf("start bus: %w", err)
		}
	}
	defer func() { _ = b.Close() }()

	watchReloads(ctx, cfg.HomeDir, docs, gate, logger)

	go reg.Run(ctx, breakerProbeInterval)
	go menus.Run(ctx)

	errCh := make(chan error, 2)
	go func() {
		if err := api.Start(ctx, cfg.APIAddr()); err != nil {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()
	go func() {
		if err := adapter.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("telegram: %w", err)
		}
	}()

	logger.Info("narrabot ready", "api", cfg.APIAddr(), "bot", bot.Self.UserName)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("narrabot stopping")
	return nil
}

// watchReloads applies the live-reloadable slice of the config when
// config.yaml or authored content changes on disk: reaction allowlists
// and the narrative graph. Everything else needs a restart.
func watchReloads(ctx context.Context, homeDir string, docs store.Documents,
	gate *mission.Gate, logger *slog.Logger) {
	watcher := config.NewWatcher(homeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
		return
	}

	go func() {
		for ev := range watcher.Events() {
			if strings.HasSuffix(ev.Path, "config.yaml") {
				next, err := config.Load()
				if err != nil {
					logger.Warn("config reload failed", "error", err)
					continue
				}
				gate.Update(next.Reactions)
				telemetry.SetLevel(next.LogLevel)
				logger.Info("live settings reloaded", "config", next.Fingerprint())
				continue
			}
			frags, hints, err := narrative.LoadContent(ctx, docs, filepath.Dir(ev.Path))
			if err != nil {
				logger.Warn("content reload failed", "path", ev.Path, "error", err)
				continue
			}
			logger.Info("content reloaded", "fragments", frags, "hints", hints)
		}
	}()
}

func fatalStartup(logger *slog.Logger, reason string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record(context.Background(), "startup_failure", reason, map[string]any{"error": message})

	if logger != nil {
		logger.Error("startup failure", "reason", reason, "error", message)
	} else {
		fmt.Fprintf(os.Stderr, "narrabot: %s: %s\n", reason, message)
	}
	os.Exit(1)
}

// loadDotEnv loads KEY=VALUE pairs from a .env file if present. Existing
// environment variables win.
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
