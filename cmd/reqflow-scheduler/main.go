package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/cordum/reqflow/core/controlplane/scheduler"
	"github.com/cordum/reqflow/core/infra/buildinfo"
	"github.com/cordum/reqflow/core/infra/bus"
	"github.com/cordum/reqflow/core/infra/config"
	"github.com/cordum/reqflow/core/infra/locks"
	infraMetrics "github.com/cordum/reqflow/core/infra/metrics"
	"github.com/cordum/reqflow/core/infra/stores"
	"github.com/google/uuid"
)

func main() {
	log.Println("reqflow scheduler starting...")
	buildinfo.Log("reqflow-scheduler")

	cfg := config.Load()
	pipeline, err := config.LoadPipeline(cfg.PipelineConfigPath)
	if err != nil {
		log.Printf("using default pipeline config (could not load %s): %v", cfg.PipelineConfigPath, err)
	}

	metrics := infraMetrics.NewProm("reqflow_scheduler")
	go func() {
		srv := infraMetrics.NewServer(cfg.MetricsAddr)
		log.Printf("scheduler metrics on %s/metrics", cfg.MetricsAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jobStore, err := stores.OpenJobStore(ctx, cfg.JobStoreURL)
	if err != nil {
		log.Fatalf("failed to open job store: %v", err)
	}
	defer jobStore.Close()

	natsBus, err := bus.NewNatsBus(ctx, cfg.NatsURL, pipeline.Bus.Options("reqflow-scheduler"))
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}
	defer natsBus.Close()

	opts := []scheduler.Option{scheduler.WithMetrics(metrics)}
	leases, err := locks.NewRedisStore(cfg.RedisURL)
	if err != nil {
		log.Printf("recovery lease disabled: failed to connect to Redis: %v", err)
	} else {
		defer leases.Close()
		host, _ := os.Hostname()
		opts = append(opts, scheduler.WithRecoveryLease(leases, host+"-"+uuid.NewString()[:8]))
	}

	svc := scheduler.NewService(natsBus, jobStore, scheduler.Config{
		Tenants:             cfg.Tenants,
		PlanTopic:           pipeline.Topics.Plan.Topic(),
		PerformTopic:        pipeline.Topics.Perform.Topic(),
		TickInterval:        pipeline.Scheduler.TickInterval,
		LockLifetime:        pipeline.Scheduler.LockLifetime,
		BatchSize:           pipeline.Scheduler.BatchSize,
		RecoveryConcurrency: pipeline.Scheduler.RecoveryConcurrency,
	}, opts...)
	if err := svc.Start(ctx); err != nil {
		log.Fatalf("failed to start scheduler: %v", err)
	}

	log.Printf("scheduler running for %d tenant(s). waiting for signals...", len(cfg.Tenants))
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("scheduler shutting down")
	svc.Stop()
	cancel()
}
