// Copyright 2025 James Ross
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/raulskat/webhook-service/internal/cache"
	"github.com/raulskat/webhook-service/internal/config"
	"github.com/raulskat/webhook-service/internal/delivery"
	"github.com/raulskat/webhook-service/internal/ingest"
	"github.com/raulskat/webhook-service/internal/obs"
	"github.com/raulskat/webhook-service/internal/queue"
	"github.com/raulskat/webhook-service/internal/redisclient"
	"github.com/raulskat/webhook-service/internal/retention"
	"github.com/raulskat/webhook-service/internal/scheduler"
	"github.com/raulskat/webhook-service/internal/store"
)

var version = "dev"

func main() {
	var role string
	var configPath string
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&role, "role", "all", "Role to run: ingest|worker|scheduler|all")
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	tp, err := obs.MaybeInitTracing(cfg)
	if err != nil {
		logger.Warn("tracing init failed", obs.Err(err))
	}
	if tp != nil {
		defer func() { _ = tp.Shutdown(context.Background()) }()
	}

	rdb := redisclient.New(cfg)
	defer rdb.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(ctx, cfg.Database.DSN, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime)
	if err != nil {
		logger.Fatal("failed to open store", obs.Err(err))
	}
	defer st.Close()

	q := queue.New(rdb, cfg.Queue.KeyPrefix)
	subCache := cache.New(rdb, cfg.Cache.SubscriptionTTL, cfg.Cache.KeyPrefix, st.GetSubscription)

	readyCheck := func(c context.Context) error {
		if err := rdb.Ping(c).Err(); err != nil {
			return err
		}
		return st.Ping(c)
	}
	httpSrv := obs.StartHTTPServer(cfg, readyCheck)
	defer func() { _ = httpSrv.Shutdown(context.Background()) }()

	obs.StartQueueLengthUpdater(ctx, q, logger, 2*time.Second)

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
		cancel()
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(1)
		case <-time.After(5 * time.Second):
		}
	}()

	switch role {
	case "ingest":
		runIngest(ctx, cfg, st, subCache, q, logger)
	case "worker":
		runWorker(ctx, cfg, st, subCache, q, logger)
	case "scheduler":
		runScheduler(ctx, cfg, st, q, logger)
	case "all":
		go runIngest(ctx, cfg, st, subCache, q, logger)
		go runScheduler(ctx, cfg, st, q, logger)
		runWorker(ctx, cfg, st, subCache, q, logger)
	default:
		logger.Fatal("unknown role", obs.String("role", role))
	}
}

func runIngest(ctx context.Context, cfg *config.Config, st *store.Store, c *cache.SubscriptionCache, q *queue.Queue, logger *zap.Logger) {
	svc := ingest.New(st, c, q, logger)
	router := mux.NewRouter()
	svc.RegisterRoutes(router)
	srv := &http.Server{
		Addr:         cfg.Ingest.ListenAddr,
		Handler:      router,
		ReadTimeout:  cfg.Ingest.ReadTimeout,
		WriteTimeout: cfg.Ingest.WriteTimeout,
	}
	go func() {
		<-ctx.Done()
		_ = srv.Shutdown(context.Background())
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("ingest server error", obs.Err(err))
	}
}

func runWorker(ctx context.Context, cfg *config.Config, st *store.Store, c *cache.SubscriptionCache, q *queue.Queue, logger *zap.Logger) {
	w := delivery.New(cfg, st, c, q, logger)
	w.Run(ctx)
	<-ctx.Done()
}

func runScheduler(ctx context.Context, cfg *config.Config, st *store.Store, q *queue.Queue, logger *zap.Logger) {
	sch, err := scheduler.New(cfg.Scheduler.CleanupCron, cfg.Queue.RecoverySweepPeriod, q, logger)
	if err != nil {
		logger.Fatal("failed to start scheduler", obs.Err(err))
	}
	sweeper := retention.New(st, q, cfg.Retention.Hours, cfg.Retention.DeleteBatchSize, logger)
	go sweeper.Run(ctx)
	sch.Run(ctx)
}
