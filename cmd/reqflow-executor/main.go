package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/cordum/reqflow/core/controlplane/executor"
	"github.com/cordum/reqflow/core/infra/buildinfo"
	"github.com/cordum/reqflow/core/infra/bus"
	"github.com/cordum/reqflow/core/infra/config"
	infraMetrics "github.com/cordum/reqflow/core/infra/metrics"
)

func main() {
	log.Println("reqflow executor starting...")
	buildinfo.Log("reqflow-executor")

	cfg := config.Load()
	pipeline, err := config.LoadPipeline(cfg.PipelineConfigPath)
	if err != nil {
		log.Printf("using default pipeline config (could not load %s): %v", cfg.PipelineConfigPath, err)
	}

	metrics := infraMetrics.NewProm("reqflow_executor")
	go func() {
		srv := infraMetrics.NewServer(cfg.MetricsAddr)
		log.Printf("executor metrics on %s/metrics", cfg.MetricsAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	natsBus, err := bus.NewNatsBus(ctx, cfg.NatsURL, pipeline.Bus.Options("reqflow-executor"))
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}
	defer natsBus.Close()

	exec := executor.New(natsBus, executor.Config{
		Tenants:          cfg.Tenants,
		PerformTopic:     pipeline.Topics.Perform.Topic(),
		CompletedTopic:   pipeline.Topics.Completed.Topic(),
		HTTPTimeout:      pipeline.Executor.HTTPTimeout,
		MaxResponseBytes: pipeline.Executor.MaxResponseBytes,
	}, executor.WithMetrics(metrics))
	if err := exec.Start(ctx); err != nil {
		log.Fatalf("failed to start executor: %v", err)
	}

	log.Printf("executor running for %d tenant(s). waiting for signals...", len(cfg.Tenants))
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("executor shutting down")
	cancel()
}
