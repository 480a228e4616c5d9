package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/technosupport/ts-fleet/internal/api"
	"github.com/technosupport/ts-fleet/internal/command"
	"github.com/technosupport/ts-fleet/internal/config"
	"github.com/technosupport/ts-fleet/internal/data"
	"github.com/technosupport/ts-fleet/internal/lease"
	"github.com/technosupport/ts-fleet/internal/middleware"
	"github.com/technosupport/ts-fleet/internal/ratelimit"
	"github.com/technosupport/ts-fleet/internal/registry"
	"github.com/technosupport/ts-fleet/internal/visits"
)

const serviceName = "TS-Fleet-Control"

// escalatorFunc adapts a closure to command.Escalator so the channel can be
// constructed before the registry service it escalates to.
type escalatorFunc func(ctx context.Context, workerID uuid.UUID) error

func (f escalatorFunc) MarkWorkerErrored(ctx context.Context, workerID uuid.UUID) error {
	return f(ctx, workerID)
}

func main() {
	configPath := flag.String("config", "config/default.yaml", "path to config file")
	flag.Parse()

	// 1. Config
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}
	watcher := config.NewWatcher(*configPath, cfg)

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()
	watcher.Start(rootCtx)

	// 2. DB Init
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		log.Fatalf("DB open error: %v", err)
	}
	if err := db.Ping(); err != nil {
		log.Fatalf("DB ping error: %v", err)
	}

	// 3. Shared Redis Client
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	// 4. NATS (optional; visit activity fan-out is disabled without it)
	var activityPub visits.ActivityPublisher
	natsURL := cfg.NATS.URL
	if natsURL == "" {
		natsURL = nats.DefaultURL
	}
	nc, err := nats.Connect(natsURL, nats.Name(serviceName))
	if err != nil {
		log.Printf("Warning: NATS Connect Failed: %v. Visit activity publishing disabled.", err)
	} else {
		activityPub = visits.NewNATSPublisher(nc, cfg.NATS.SubjectPrefix, cfg.NATS.PublishRetry)
	}

	// 5. Repositories
	workerRepo := data.WorkerModel{DB: db}
	leaseRepo := data.LeaseModel{DB: db}
	visitRepo := data.VisitModel{DB: db}

	// 6. Command channel: websocket first, redis queue as polled fallback
	hub := command.NewSocketHub()
	queue := command.NewQueueTransport(rdb)
	channelCfg := command.Config{
		AckTimeout:    cfg.Commands.AckTimeout,
		MaxAttempts:   cfg.Commands.MaxAttempts,
		EscalateAfter: cfg.Commands.EscalateAfter,
	}

	// registry and channel reference each other (enqueue vs escalate), so
	// the channel gets the service through a late-bound pointer
	var registrySvc *registry.Service
	channel := command.NewChannel(channelCfg, escalatorFunc(func(ctx context.Context, workerID uuid.UUID) error {
		return registrySvc.MarkWorkerErrored(ctx, workerID)
	}), hub, queue)

	registrySvc = registry.NewService(workerRepo, leaseRepo, channel)
	leaseMgr := lease.NewManager(leaseRepo, workerRepo, channel)

	// 7. Visit aggregation
	dedup := visits.NewEventDedup(cfg.Visits.DedupMaxKeys, cfg.Visits.DedupTTL)
	resolver := visits.NewHTTPResolver(cfg.Visits.ResolverURL, cfg.Visits.ResolverToken, cfg.Visits.ResolverTimeout)
	aggregator := visits.NewAggregator(visitRepo, resolver, activityPub, dedup, watcher.MergeWindow)

	// 8. Background sweeper
	sweeper := registry.NewSweeper(registry.SweeperConfig{
		Interval: cfg.Registry.SweepInterval,
		TTL:      watcher.SweepTTL,
	}, registrySvc)
	sweeper.Start()

	// 9. Rate limiting
	var rlMiddleware *middleware.RateLimitMiddleware
	if cfg.RateLimit.Enabled {
		limiter := ratelimit.NewLimiter(rdb, os.Getenv("RATE_LIMIT_SALT"))
		rlMiddleware = middleware.NewRateLimitMiddleware(limiter, middleware.Config{
			Enabled:  true,
			GlobalIP: ratelimit.LimitConfig{Rate: cfg.RateLimit.RPS, Window: time.Second},
			Worker:   ratelimit.LimitConfig{Rate: cfg.RateLimit.Burst, Window: time.Second},
		})
	}

	// 10. Routes
	adminHandler := api.NewAdminHandler(registrySvc)
	adminHandler.StaleAfter = cfg.Registry.SweepTTL

	handler := api.NewRouter(api.RouterDeps{
		Workers:   api.NewWorkerHandler(registrySvc),
		Leases:    api.NewLeaseHandler(leaseMgr),
		Commands:  api.NewCommandHandler(channel, queue, hub),
		Events:    api.NewEventHandler(aggregator),
		Admin:     adminHandler,
		RateLimit: rlMiddleware,
		DB:        db,
		Redis:     rdb,
	})

	server := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: handler,
	}

	go func() {
		log.Printf("Starting server on %s", cfg.Server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	// Wait for interrupt
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("Shutdown requested")

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sweeper.Stop()
	channel.Stop()
	rootCancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Graceful shutdown error: %v", err)
	}
	if nc != nil {
		nc.Drain()
	}
	log.Println("Server stopped gracefully")
}
