// Command server runs the upmon monitoring core: the scheduler, the probe
// worker pool, the alert pipeline, and the retention sweeper, all in one
// process.
//
// # Usage
//
//	server --config /etc/upmon/config.yaml
//
// # Configuration
//
// The server can be configured via:
// - Config file (YAML)
// - Environment variables (DATABASE_URL, REDIS_URL, SMTP_*, ...)
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/upmon-net/upmon/db/migrate"
	"github.com/upmon-net/upmon/internal/alert"
	"github.com/upmon-net/upmon/internal/api"
	"github.com/upmon-net/upmon/internal/cache"
	"github.com/upmon-net/upmon/internal/config"
	"github.com/upmon-net/upmon/internal/metrics"
	"github.com/upmon-net/upmon/internal/probe"
	"github.com/upmon-net/upmon/internal/pubsub"
	"github.com/upmon-net/upmon/internal/queue"
	"github.com/upmon-net/upmon/internal/reliability"
	"github.com/upmon-net/upmon/internal/retention"
	"github.com/upmon-net/upmon/internal/scheduler"
	"github.com/upmon-net/upmon/internal/secrets"
	"github.com/upmon-net/upmon/internal/service"
	"github.com/upmon-net/upmon/internal/store"
	"github.com/upmon-net/upmon/internal/worker"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to YAML config file")
		port       = flag.Int("port", 8090, "Operational HTTP port")
		debug      = flag.Bool("debug", false, "Enable debug logging")
		version    = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *version {
		fmt.Println("upmon-server v0.1.0")
		os.Exit(0)
	}

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("loading configuration", "error", err)
		os.Exit(1)
	}
	loc, err := cfg.Location()
	if err != nil {
		logger.Error("resolving timezone", "error", err)
		os.Exit(1)
	}

	// Connect to Postgres and bring the schema up to date.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	db, err := store.NewStoreFromURL(ctx, cfg.Database.URL)
	if err != nil {
		cancel()
		logger.Error("connecting to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := migrate.Run(ctx, db.Pool(), logger); err != nil {
		cancel()
		logger.Error("running migrations", "error", err)
		os.Exit(1)
	}
	if err := db.Ping(ctx); err != nil {
		cancel()
		logger.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to database")

	// Connect to Redis.
	redisOpts, err := redis.ParseURL(cfg.Redis.EffectiveURL())
	if err != nil {
		cancel()
		logger.Error("parsing redis URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		cancel()
		logger.Error("redis ping failed", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to redis")
	cancel()

	// Resolve the SMTP password through the secrets backend when the
	// config carries none.
	if cfg.SMTP.Password == "" {
		provider, err := secrets.NewProvider(secrets.ConfigFromEnv(), logger)
		if err != nil {
			logger.Error("initializing secrets backend", "error", err)
			os.Exit(1)
		}
		secretCtx, secretCancel := context.WithTimeout(context.Background(), 10*time.Second)
		password, err := provider.Get(secretCtx, "smtp-password")
		secretCancel()
		if err != nil {
			logger.Error("resolving smtp password", "error", err)
			os.Exit(1)
		}
		cfg.SMTP.Password = password
	}

	probeQueue := queue.New(rdb, queue.TopicProbes, logger)
	alertQueue := queue.New(rdb, queue.TopicAlerts, logger)
	publisher := pubsub.NewPublisher(rdb, logger)
	responseCache := cache.New(rdb, logger)

	tracker := reliability.NewTracker(logger)
	engine := probe.NewEngine(logger)

	sched := scheduler.New(db, probeQueue, loc, cfg.Scheduler.DefaultFrequencyMinutes, logger)
	pool := worker.NewPool(db, probeQueue, alertQueue, publisher, tracker, engine,
		worker.Options{
			Concurrency:     cfg.Worker.Concurrency,
			RateLimitPerSec: cfg.Worker.RateLimitPerSec,
		}, logger)
	pipeline := alert.NewPipeline(db, alertQueue, tracker,
		alert.NewSMTPSender(cfg.SMTP, logger),
		alert.NewWebhookSender(logger),
		loc,
		alert.Options{
			Concurrency:     cfg.Alerts.Concurrency,
			RateLimitPerSec: cfg.Alerts.RateLimitPerSec,
		}, logger)
	sweeper := retention.New(db, loc, cfg.Retention.CheckDataDays, cfg.Retention.LogDays, logger)

	// The operational HTTP surface shares the same components as the
	// background loops.
	svc := service.New(db, responseCache, engine, tracker, publisher, logger)
	health := metrics.NewCollector(db, probeQueue, alertQueue, logger)
	opsServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      api.NewServer(svc, health, logger),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	runCtx, stop := context.WithCancel(context.Background())
	tracker.Start()
	sched.Start(runCtx)
	pool.Start(runCtx)
	pipeline.Start(runCtx)
	sweeper.Start(runCtx)

	go func() {
		logger.Info("operational endpoint listening", "port", *port)
		if err := opsServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("operational server error", "error", err)
			os.Exit(1)
		}
	}()

	// Periodic health logging doubles as a liveness breadcrumb.
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				snap := health.Collect(runCtx)
				logger.Info("health",
					"cpu_percent", snap.CPUPercent,
					"memory_percent", snap.MemoryPercent,
					"db_up", snap.DatabaseUp,
					"probe_depth", snap.ProbeQueue.Depth,
					"alert_depth", snap.AlertQueue.Depth,
				)
			}
		}
	}()

	logger.Info("monitor core running", "timezone", loc.String())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutting down operational server", "error", err)
	}
	shutdownCancel()

	// Stop producing before stopping consumers, so shutdown drains instead
	// of stranding claimed jobs.
	sched.Stop()
	pool.Stop()
	pipeline.Stop()
	sweeper.Stop()
	tracker.Stop()
	stop()

	logger.Info("shutdown complete")
}
