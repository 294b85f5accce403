package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/cordum/reqflow/core/controlplane/reconciler"
	"github.com/cordum/reqflow/core/infra/buildinfo"
	"github.com/cordum/reqflow/core/infra/bus"
	"github.com/cordum/reqflow/core/infra/config"
	"github.com/cordum/reqflow/core/infra/memory"
	infraMetrics "github.com/cordum/reqflow/core/infra/metrics"
	"github.com/cordum/reqflow/core/infra/stores"
)

func main() {
	log.Println("reqflow reconciler starting...")
	buildinfo.Log("reqflow-reconciler")

	cfg := config.Load()
	pipeline, err := config.LoadPipeline(cfg.PipelineConfigPath)
	if err != nil {
		log.Printf("using default pipeline config (could not load %s): %v", cfg.PipelineConfigPath, err)
	}

	metrics := infraMetrics.NewProm("reqflow_reconciler")
	go func() {
		srv := infraMetrics.NewServer(cfg.MetricsAddr)
		log.Printf("reconciler metrics on %s/metrics", cfg.MetricsAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	records, err := stores.OpenRecordStore(ctx, cfg.RedisURL, cfg.RecordStoreDSN)
	if err != nil {
		log.Fatalf("failed to open record store: %v", err)
	}
	defer records.Close()

	natsBus, err := bus.NewNatsBus(ctx, cfg.NatsURL, pipeline.Bus.Options("reqflow-reconciler"))
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}
	defer natsBus.Close()

	opts := []reconciler.Option{reconciler.WithMetrics(metrics)}
	if dead, err := memory.NewDeadLetterStore(cfg.RedisURL); err != nil {
		log.Printf("dead letters disabled: %v", err)
	} else {
		defer dead.Close()
		opts = append(opts, reconciler.WithDeadLetters(dead))
	}
	recon := reconciler.New(records, opts...)
	if err := recon.Start(ctx, natsBus, pipeline.Topics.Completed.Topic(), cfg.Tenants); err != nil {
		log.Fatalf("failed to start reconciler: %v", err)
	}

	log.Printf("reconciler running for %d tenant(s). waiting for signals...", len(cfg.Tenants))
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("reconciler shutting down")
	cancel()
}
