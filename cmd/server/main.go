package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ignite/bulk-verifier/internal/api"
	"github.com/ignite/bulk-verifier/internal/cache"
	"github.com/ignite/bulk-verifier/internal/config"
	"github.com/ignite/bulk-verifier/internal/pkg/distlock"
	"github.com/ignite/bulk-verifier/internal/pkg/logger"
	"github.com/ignite/bulk-verifier/internal/probe"
	"github.com/ignite/bulk-verifier/internal/progress"
	"github.com/ignite/bulk-verifier/internal/repository/memory"
	"github.com/ignite/bulk-verifier/internal/repository/postgres"
	"github.com/ignite/bulk-verifier/internal/service/jobs"
	"github.com/ignite/bulk-verifier/internal/service/ledger"
	"github.com/ignite/bulk-verifier/internal/service/webhook"
	"github.com/ignite/bulk-verifier/internal/storage"
	"github.com/ignite/bulk-verifier/internal/throttle"
	"github.com/ignite/bulk-verifier/internal/worker"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

var log = logger.New("server")

func fatal(msg string, err error) {
	log.Error(msg, "error", err)
	os.Exit(1)
}

// checkPortAvailable fails fast when another process holds the port.
func checkPortAvailable(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port %d is already in use (addr %s): %w", port, addr, err)
	}
	return ln.Close()
}

// repositories groups the persistence backends chosen at startup.
type repositories struct {
	db       *sql.DB
	jobs     jobs.Repository
	ledger   ledger.Repository
	webhooks webhook.Repository
	dlq      webhook.DeadLetterStore
}

func openRepositories(ctx context.Context, cfg *config.Config) repositories {
	if cfg.Database.URL == "" {
		log.Warn("no database configured, using in-memory repositories")
		led := memory.NewLedgerRepo()
		return repositories{
			jobs:     memory.NewJobRepo(led),
			ledger:   led,
			webhooks: memory.NewWebhookRepo(),
			dlq:      memory.NewDeadLetterStore(),
		}
	}

	db, err := postgres.Open(ctx, cfg.Database.URL, postgres.PoolConfig{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime(),
	})
	if err != nil {
		fatal("connecting to database", err)
	}
	if cfg.Database.AutoMigrate {
		if err := postgres.Migrate(ctx, db); err != nil {
			fatal("applying schema", err)
		}
		log.Info("database schema applied")
	}
	return repositories{
		db:       db,
		jobs:     postgres.NewJobRepo(db),
		ledger:   postgres.NewLedgerRepo(db),
		webhooks: postgres.NewWebhookRepo(db),
		dlq:      postgres.NewDeadLetterStore(db),
	}
}

func openRedis(ctx context.Context, url string) *redis.Client {
	if url == "" {
		log.Warn("no Redis configured, progress and locks are process-local")
		return nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		opts = &redis.Options{Addr: url}
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		fatal("connecting to Redis", err)
	}
	return client
}

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		fatal("loading config", err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	logger.SetRedactPII(cfg.Logging.RedactPII)

	host, port := cfg.Server.GetHost(), cfg.Server.Port
	if err := checkPortAvailable(host, port); err != nil {
		fatal("pre-flight check failed", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clock := clockwork.NewRealClock()

	repos := openRepositories(ctx, cfg)
	redisClient := openRedis(ctx, cfg.Redis.URL)
	lockFor := func(key string, ttl time.Duration) func() distlock.DistLock {
		return func() distlock.DistLock { return distlock.NewLock(redisClient, repos.db, key, ttl) }
	}

	// Result storage. The DynamoDB dead-letter table, when configured,
	// replaces the database one.
	store, err := storage.New(ctx, cfg.Storage.StoreConfig())
	if err != nil {
		fatal("initializing result storage", err)
	}
	exporter := storage.NewExporter(store, cfg.Storage.ExportPrefix)
	dlq := repos.dlq
	if cfg.Storage.DeadLetterTable != "" {
		awsCfg, err := storage.LoadAWSConfig(ctx, cfg.Storage.AWS())
		if err != nil {
			fatal("loading AWS config", err)
		}
		dlq = storage.NewDynamoDeadLetterStore(awsCfg, cfg.Storage.AWS(), cfg.Storage.DeadLetterTTL())
		log.Info("dead letters stored in DynamoDB", "table", cfg.Storage.DeadLetterTable)
	}

	// Verification pipeline.
	th := throttle.New(cfg.Verification.Throttle(), clock)
	go th.Run(ctx, time.Minute)

	probeCfg := cfg.Verification.Probe()
	mx := probe.NewMXLookup(nil, cfg.Verification.DNSRetries, cfg.Verification.MXCacheTTL(), clock)
	engine := probe.NewEngine(probeCfg, mx, probe.NewSMTPProber(probeCfg), th)
	results := cache.New(redisClient, cfg.Redis.CacheTTL(), cfg.Redis.LocalCacheSize)
	sched := worker.NewScheduler(cfg.Verification.Scheduler(), th, engine, results, clock)

	hub := progress.NewHub(redisClient)
	var pub progress.Publisher = progress.NewHubPublisher(hub)
	if redisClient != nil {
		pub = progress.NewRedisPublisher(redisClient)
	}
	go func() {
		if err := hub.Run(ctx); err != nil {
			log.Error("progress hub stopped", "error", err)
		}
	}()

	ledgerSvc := ledger.NewService(repos.ledger, cfg.Billing.PricePerAddress, clock)
	webhookSvc := webhook.NewService(repos.webhooks, dlq, nil, cfg.Webhooks.Delivery(), clock)
	runner := worker.NewJobRunner(sched, repos.jobs, ledgerSvc, pub, webhookSvc, exporter, clock).
		WithLease(cfg.Verification.JobLease())
	intake := jobs.NewService(repos.jobs, ledgerSvc, runner, clock).
		WithMaxAddresses(cfg.Server.MaxAddressesPerJob)
	if redisClient != nil {
		intake = intake.WithIntakeLocks(func(key string) distlock.DistLock {
			return distlock.NewRedisLock(redisClient, key, time.Minute)
		})
	}

	if n, err := runner.RecoverInterrupted(ctx); err != nil {
		log.Error("recovering interrupted jobs", "error", err)
	} else if n > 0 {
		log.Warn("failed jobs abandoned by a stopped process", "jobs", n)
	}

	// Background sweepers, one replica at a time.
	go worker.NewWebhookWorker(webhookSvc, lockFor("webhook-sweep", time.Minute), cfg.Webhooks.SweepInterval(), clock).Start(ctx)
	go worker.NewStaleJobSweeper(runner, lockFor("stale-jobs", time.Minute), cfg.Verification.JobLease(), clock).Start(ctx)
	go worker.NewReservationReaper(ledgerSvc, repos.jobs, lockFor("reservation-reaper", 5*time.Minute), cfg.Billing.ReapInterval(), clock).Start(ctx)

	health := api.NewHealthChecker(repos.db, redisClient, store, runner)
	server := api.NewServer(cfg.Server, api.NewHandlers(intake, ledgerSvc, webhookSvc, hub, th, health))

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		addr := fmt.Sprintf("%s:%d", host, port)
		log.Info("starting server", "addr", addr)
		if err := server.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			fatal("server error", err)
		}
	}()

	<-done
	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown", "error", err)
	}
	// Running jobs are marked failed before background loops stop so their
	// reservations are settled.
	if err := runner.Shutdown(shutdownCtx); err != nil {
		log.Error("job runner shutdown", "error", err)
	}
	cancel()

	if redisClient != nil {
		redisClient.Close()
	}
	if repos.db != nil {
		repos.db.Close()
	}
	log.Info("server stopped")
}
