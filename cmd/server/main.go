// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"generation-job-service/internal/config"
	"generation-job-service/internal/entity"
	"generation-job-service/internal/provider"
	"generation-job-service/internal/repository/postgresql"
	"generation-job-service/internal/service"
	httptransport "generation-job-service/internal/transport/http"
	"generation-job-service/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	log.Printf("[server] config addr=%s workers=%d redis_addr=%s queue_key=%s postgres_dsn=%s provider_url=%s",
		cfg.HTTPAddr, cfg.Workers, cfg.RedisAddr, cfg.QueueKey, config.RedactDSN(cfg.PostgresDSN), cfg.ProviderURL,
	)

	// Postgres
	if cfg.Migrate {
		if err := postgresql.Migrate(cfg.PostgresDSN); err != nil {
			log.Fatalf("migrate: %v", err)
		}
	}
	pool, err := postgresql.NewPool(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("pg: %v", err)
	}
	defer pool.Close()

	// Redis
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("redis: %v", err)
	}
	defer rdb.Close()

	// DI
	repo := postgresql.NewJobRepository(pool)
	ledger := postgresql.NewUsageLedger(pool, map[entity.Category]int{
		entity.CategoryPhotoEdit:       cfg.PhotoEditLimit,
		entity.CategoryVideoGeneration: cfg.VideoGenerationLimit,
	})
	queue := service.NewRedisPriorityQueue(
		rdb,
		cfg.ProcessingKey+":map",
		cfg.QueueKey+":pending",
		service.Lane{QueueKey: cfg.QueueKey + ":low", ProcessingKey: cfg.ProcessingKey + ":low"},
		service.Lane{QueueKey: cfg.QueueKey + ":normal", ProcessingKey: cfg.ProcessingKey + ":normal"},
		service.Lane{QueueKey: cfg.QueueKey + ":high", ProcessingKey: cfg.ProcessingKey + ":high"},
	)
	compute := provider.NewClient(provider.Config{
		BaseURL: cfg.ProviderURL,
		Token:   cfg.ProviderToken,
		Model:   cfg.ProviderModel,
	})

	jobSvc := service.NewJobService(repo, ledger, compute, queue, service.Options{
		WebhookURL:       cfg.WebhookURL(),
		StaleAfter:       cfg.StaleAfter,
		ReconcileTimeout: cfg.ReconcileTimeout,
		SubmitTimeout:    cfg.SubmitTimeout,
	})

	// Sweep: stale jobs whose callback never arrived go to the reconcile queue;
	// the reaper returns claims abandoned by a crashed worker.
	sched := cron.New()
	every := "@every " + cfg.SweepInterval.String()
	if _, err := sched.AddFunc(every, func() {
		n, err := jobSvc.SweepStale(ctx, cfg.SweepBatch)
		if err != nil {
			log.Printf("[sweep] error=%v", err)
			return
		}
		if n > 0 {
			log.Printf("[sweep] enqueued=%d", n)
		}
	}); err != nil {
		log.Fatalf("cron: %v", err)
	}
	if _, err := sched.AddFunc(every, func() {
		n, err := queue.RequeueStale(ctx, 100)
		if err != nil {
			log.Printf("[reaper] requeue error=%v", err)
			return
		}
		if n > 0 {
			log.Printf("[reaper] requeued=%d", n)
		}
	}); err != nil {
		log.Fatalf("cron: %v", err)
	}
	sched.Start()

	reconcilers := worker.NewPool(queue, worker.NewProcessor(repo, jobSvc), cfg.Workers)
	poolDone := make(chan struct{})
	go func() {
		reconcilers.Run(ctx)
		close(poolDone)
	}()

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httptransport.Routes(httptransport.NewHandler(jobSvc, cfg.WebhookToken)),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Printf("[server] listening addr=%s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("[server] shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[server] http shutdown error=%v", err)
	}
	<-sched.Stop().Done()
	<-poolDone

	log.Println("[server] stopped")
}
