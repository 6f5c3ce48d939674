package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/djlord-it/postcron/internal/analytics"
	"github.com/djlord-it/postcron/internal/api"
	"github.com/djlord-it/postcron/internal/circuitbreaker"
	"github.com/djlord-it/postcron/internal/config"
	"github.com/djlord-it/postcron/internal/dispatcher"
	"github.com/djlord-it/postcron/internal/leaderelection"
	"github.com/djlord-it/postcron/internal/media"
	"github.com/djlord-it/postcron/internal/metrics"
	"github.com/djlord-it/postcron/internal/reconciler"
	"github.com/djlord-it/postcron/internal/scheduler"
	"github.com/djlord-it/postcron/internal/store/sqlstore"
	"github.com/djlord-it/postcron/internal/transport/channel"
)

// Build-time variables set via -ldflags
var (
	version = "dev"
	commit  = "unknown"
)

const (
	exitSuccess       = 0
	exitRuntimeError  = 1
	exitInvalidConfig = 2
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitRuntimeError)
	}

	if err := config.LoadDotEnv(os.Getenv("ENV_FILE")); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load env file: %v\n", err)
		os.Exit(exitInvalidConfig)
	}

	cmd := os.Args[1]

	switch cmd {
	case "serve":
		os.Exit(runServe())
	case "validate":
		os.Exit(runValidate())
	case "config":
		os.Exit(runConfig())
	case "version":
		os.Exit(runVersion())
	case "--help", "-h", "help":
		printUsage()
		os.Exit(exitSuccess)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(exitRuntimeError)
	}
}

func printUsage() {
	fmt.Println(`postcron - scheduled Telegram posts

Usage:
  postcron <command>

Commands:
  serve      Start the HTTP API, scheduler and dispatcher
  validate   Validate configuration (no connections made)
  config     Print effective configuration as JSON (secrets masked)
  version    Print version information

Variables are read from the environment and from .env (or ENV_FILE)
without overriding what is already set.

Environment Variables:
  BOT_TOKEN                 Telegram bot token (posts fail without it)
  TELEGRAM_API_ENDPOINT     Bot API endpoint format (default: tgbotapi default)
  TELEGRAM_TIMEOUT          Per-request Bot API timeout (default: "30s")
  DATABASE_URL              SQLite file or PostgreSQL URL (default: "jobs.sqlite")
  MEDIA_DIR                 Staging directory for uploads (default: "media")
  MEDIA_MAX_UPLOAD_BYTES    Max /schedule body size (default: "52428800")
  HTTP_ADDR                 HTTP server address (default: ":8000", or ":$PORT")

  DB_OP_TIMEOUT             Database operation timeout (default: "5s")
  DB_MAX_OPEN_CONNS         Max open database connections (default: "25")
  DB_MAX_IDLE_CONNS         Max idle database connections (default: "5")
  DB_CONN_MAX_LIFETIME      Max connection lifetime (default: "30m")

  HTTP_SHUTDOWN_TIMEOUT     Graceful HTTP shutdown timeout (default: "10s")
  DISPATCHER_DRAIN_TIMEOUT  Dispatcher event drain timeout (default: "30s")

  SYNC_INTERVAL             Scheduler re-sync interval (default: "30s")
  MISFIRE_GRACE             How late a post may still be sent (default: "5m")
  EVENTBUS_BUFFER_SIZE      Buffered trigger events (default: "100")
  DISPATCHER_WORKERS        Concurrent deliveries (default: "4")
  DELIVERY_MAX_ATTEMPTS     Attempts per post, 1 disables retries (default: "1")
  CIRCUIT_BREAKER_THRESHOLD Failures before a chat is paused, 0 disables (default: "5")
  CIRCUIT_BREAKER_COOLDOWN  Pause before retrying a chat (default: "2m")

  RECONCILE_ENABLED         Re-deliver posts stuck after a crash (default: "true")
  RECONCILE_INTERVAL        How often to scan for orphans (default: "5m")
  RECONCILE_THRESHOLD       Age before a claimed post is orphaned (default: "15m")
  RECONCILE_BATCH_SIZE      Max orphans per cycle (default: "100")
  JOB_RETENTION             Keep finished posts this long, 0 keeps them (default: "168h")

  LEADER_ELECTION_ENABLED   Run scheduling on one instance only (default: "false")
  LEADER_LOCK_KEY           Advisory lock key shared by instances (default: "728380")
  LEADER_RETRY_INTERVAL     Follower lock retry interval (default: "5s")
  LEADER_HEARTBEAT_INTERVAL Leader connection check interval (default: "2s")

  METRICS_ENABLED           Enable Prometheus metrics (default: "false")
  METRICS_PATH              Metrics endpoint path (default: "/metrics")
  METRICS_PORT              Metrics server port (default: "9090")

  REDIS_ADDR                Redis address for delivery analytics (optional)
  ANALYTICS_RETENTION       Analytics key TTL, 0 keeps keys (default: "168h")`)
}

func runServe() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitInvalidConfig
	}
	logConfigWarnings(&cfg)

	db, dialect, err := sqlstore.Open(cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open database: %v\n", err)
		return exitRuntimeError
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)

	log.Printf("postcron: db pool configured (dialect=%s, max_open=%d, max_idle=%d, max_lifetime=%s)",
		dialect, cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime)

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStartup()

	if err := db.PingContext(startupCtx); err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to database: %v\n", err)
		return exitRuntimeError
	}
	if err := sqlstore.Migrate(startupCtx, db, dialect); err != nil {
		fmt.Fprintf(os.Stderr, "failed to migrate database: %v\n", err)
		return exitRuntimeError
	}
	if err := probeSchema(startupCtx, db); err != nil {
		fmt.Fprintf(os.Stderr, "database schema check failed (posts table from an older version?): %v\n", err)
		return exitRuntimeError
	}

	store := sqlstore.New(db, dialect, cfg.DBOpTimeout)

	stager, err := media.NewStager(cfg.MediaDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to prepare media dir: %v\n", err)
		return exitRuntimeError
	}
	log.Printf("postcron: staging uploads in %s", stager.Dir())

	// Initialize metrics sink (optional)
	var metricsSink *metrics.PrometheusSink
	var metricsServer *http.Server

	if cfg.MetricsEnabled {
		metricsSink = metrics.NewPrometheusSink(prometheus.DefaultRegisterer)
		log.Printf("postcron: metrics enabled (port=%s, path=%s)", cfg.MetricsPort, cfg.MetricsPath)

		metricsMux := http.NewServeMux()
		metricsMux.Handle(cfg.MetricsPath, promhttp.Handler())
		metricsServer = &http.Server{
			Addr:    ":" + cfg.MetricsPort,
			Handler: metricsMux,
		}
		go func() {
			log.Printf("postcron: metrics server listening on :%s", cfg.MetricsPort)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("postcron: metrics server error: %v", err)
			}
		}()
	} else {
		log.Println("postcron: METRICS_ENABLED not set; metrics disabled")
	}

	var busOpts []channel.Option
	if metricsSink != nil {
		busOpts = append(busOpts, channel.WithMetrics(metricsSink))
	}
	bus := channel.NewEventBus(cfg.EventBusBufferSize, busOpts...)

	sched := scheduler.New(
		scheduler.Config{
			SyncInterval: cfg.SyncInterval,
			MisfireGrace: cfg.MisfireGrace,
		},
		store,
		bus,
	)
	if metricsSink != nil {
		sched = sched.WithMetrics(metricsSink)
	}

	var transport dispatcher.Transport
	if cfg.BotToken != "" {
		tg := dispatcher.NewTelegramTransport(cfg.BotToken).
			WithEndpoint(cfg.TelegramEndpoint).
			WithTimeout(cfg.TelegramTimeout)
		if username, err := tg.Ping(); err != nil {
			log.Printf("postcron: telegram getMe failed, deliveries may fail: %v", err)
		} else {
			log.Printf("postcron: telegram bot @%s ready", username)
		}
		transport = tg
	}

	disp := dispatcher.New(store, transport).
		WithWorkers(cfg.DispatcherWorkers).
		WithMaxAttempts(cfg.DeliveryMaxAttempts).
		WithDrainTimeout(cfg.DispatcherDrainTimeout)
	if cfg.CircuitBreakerThreshold > 0 {
		disp = disp.WithBreaker(circuitbreaker.New(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown))
	}
	if metricsSink != nil {
		disp = disp.WithMetrics(metricsSink)
	}

	// Wire analytics if Redis is configured
	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr: cfg.RedisAddr,
		})
		defer redisClient.Close()

		sink := analytics.NewRedisSink(redisClient, cfg.AnalyticsRetention)
		if err := sink.Ping(startupCtx); err != nil {
			log.Printf("postcron: redis ping failed, analytics writes will be dropped until it recovers: %v", err)
		}
		disp = disp.WithAnalytics(sink)
		log.Printf("postcron: analytics enabled (redis=%s)", cfg.RedisAddr)
	} else {
		log.Println("postcron: REDIS_ADDR not set; analytics disabled")
	}

	var recon *reconciler.Reconciler
	if cfg.ReconcileEnabled {
		recon = reconciler.New(
			reconciler.Config{
				Interval:  cfg.ReconcileInterval,
				Threshold: cfg.ReconcileThreshold,
				BatchSize: cfg.ReconcileBatchSize,
				Retention: cfg.JobRetention,
			},
			store,
			bus,
		)
		if metricsSink != nil {
			recon = recon.WithMetrics(metricsSink)
		}
		log.Printf("postcron: reconciler enabled (interval=%s, threshold=%s, batch=%d, retention=%s)",
			cfg.ReconcileInterval, cfg.ReconcileThreshold, cfg.ReconcileBatchSize, cfg.JobRetention)
	} else {
		log.Println("postcron: RECONCILE_ENABLED not set; reconciler disabled")
	}

	leader := newDuties(func(ctx context.Context) {
		if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("postcron: scheduler exited: %v", err)
		}
	})
	if recon != nil {
		leader.add(recon.Run)
	}

	apiHandler := api.NewHandler(store, sched, stager).
		WithMaxUploadBytes(cfg.MediaMaxUploadBytes)

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: apiHandler,
	}

	go func() {
		log.Printf("postcron: http server listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("postcron: http server error: %v", err)
		}
	}()

	dispatcherCtx, cancelDispatcher := context.WithCancel(context.Background())
	var dispatcherWg sync.WaitGroup
	dispatcherWg.Add(1)
	go func() {
		defer dispatcherWg.Done()
		disp.Run(dispatcherCtx, bus.Channel())
	}()

	var electorWg sync.WaitGroup
	var cancelElector context.CancelFunc
	if cfg.LeaderElectionEnabled {
		var electorCtx context.Context
		electorCtx, cancelElector = context.WithCancel(context.Background())
		elector := leaderelection.New(
			db,
			cfg.LeaderLockKey,
			cfg.LeaderRetryInterval,
			cfg.LeaderHeartbeatInterval,
			leader.start,
			leader.stop,
		)
		if metricsSink != nil {
			elector = elector.WithMetrics(metricsSink)
		}
		electorWg.Add(1)
		go func() {
			defer electorWg.Done()
			elector.Run(electorCtx)
		}()
		log.Printf("postcron: leader election enabled (lock_key=%d)", cfg.LeaderLockKey)
	} else {
		leader.start(context.Background())
	}

	log.Printf("postcron: started (sync=%s, grace=%s, http=%s)", cfg.SyncInterval, cfg.MisfireGrace, cfg.HTTPAddr)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig

	log.Printf("postcron: received signal %v, shutting down", received)

	// Phase 1: Stop accepting new posts
	log.Println("postcron: stopping http server...")
	httpShutdownCtx, httpShutdownCancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
	defer httpShutdownCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		log.Printf("postcron: http server shutdown error: %v", err)
	}
	log.Println("postcron: http server stopped")

	// Phase 2: Stop scheduler and reconciler (no new events emitted)
	if cancelElector != nil {
		log.Println("postcron: stepping down from leader election...")
		cancelElector()
		electorWg.Wait()
	}
	log.Println("postcron: stopping scheduler and reconciler...")
	leader.stop()
	log.Println("postcron: scheduler and reconciler stopped")

	// Phase 3: Stop dispatcher (will drain buffered events before returning)
	log.Println("postcron: stopping dispatcher (draining events)...")
	cancelDispatcher()
	dispatcherWg.Wait()
	log.Println("postcron: dispatcher stopped")

	// Phase 4: Stop metrics server if running (with same timeout)
	if metricsServer != nil {
		log.Println("postcron: stopping metrics server...")
		metricsShutdownCtx, metricsShutdownCancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
		defer metricsShutdownCancel()
		if err := metricsServer.Shutdown(metricsShutdownCtx); err != nil {
			log.Printf("postcron: metrics server shutdown error: %v", err)
		}
		log.Println("postcron: metrics server stopped")
	}

	log.Println("postcron: stopped")
	return exitSuccess
}

// probeSchema checks that the posts table carries the columns the store
// reads. Migrate only creates missing tables, so a table left by an older
// build passes Migrate and fails here.
func probeSchema(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx, "SELECT id, media_refs, status, claimed_at FROM posts WHERE 1 = 0")
	if err != nil {
		return err
	}
	return rows.Close()
}

// logConfigWarnings logs configurations that run but are likely mistakes.
func logConfigWarnings(cfg *config.Config) {
	if cfg.BotToken == "" {
		log.Println("postcron: WARNING [P0]: BOT_TOKEN not set; every post will fail at publish time (media is still cleaned up)")
	}
	if !cfg.ReconcileEnabled {
		log.Println("postcron: WARNING [P0]: RECONCILE_ENABLED=false; posts claimed before a crash are never delivered and finished posts are never purged")
	}
	if !cfg.MetricsEnabled {
		log.Println("postcron: WARNING [P1]: METRICS_ENABLED=false; no visibility into delivery failures or scheduler lag")
	}
	if cfg.IsPostgres() && !cfg.LeaderElectionEnabled {
		log.Println("postcron: INFO: LEADER_ELECTION_ENABLED=false with PostgreSQL; every instance runs a scheduler and relies on claims to avoid duplicates")
	}
	if cfg.DeliveryMaxAttempts > 1 && cfg.ReconcileEnabled && cfg.ReconcileThreshold < cfg.TelegramTimeout*time.Duration(cfg.DeliveryMaxAttempts) {
		log.Printf("postcron: WARNING [P1]: RECONCILE_THRESHOLD=%s is shorter than DELIVERY_MAX_ATTEMPTS x TELEGRAM_TIMEOUT; posts still retrying may be re-delivered",
			cfg.ReconcileThreshold)
	}
	if cfg.DispatcherWorkers == 1 {
		log.Println("postcron: INFO: DISPATCHER_WORKERS=1; posts due at the same moment are delivered one after another")
	}
}

func runValidate() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitInvalidConfig
	}

	fmt.Println("configuration valid")
	return exitSuccess
}

func runConfig() int {
	cfg := config.Load()

	data, err := cfg.MaskedJSON()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to marshal config: %v\n", err)
		return exitRuntimeError
	}

	fmt.Println(string(data))
	return exitSuccess
}

func runVersion() int {
	fmt.Printf("postcron version %s (commit: %s)\n", version, commit)
	return exitSuccess
}
