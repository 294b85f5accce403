package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/alecthomas/kong"
	"github.com/cordum/reqflow/core/controlplane/intake"
	"github.com/cordum/reqflow/core/infra/bus"
	"github.com/cordum/reqflow/core/infra/config"
	"github.com/cordum/reqflow/core/infra/memory"
	"github.com/cordum/reqflow/core/infra/redact"
	"github.com/cordum/reqflow/core/infra/stores"
	"github.com/cordum/reqflow/core/request"
)

// CLI is the reqflowctl command tree.
type CLI struct {
	Tenant      string `help:"Tenant id." env:"REQFLOW_TENANT" required:""`
	ShowSecrets bool   `help:"Print credential headers unmasked."`

	Submit SubmitCmd `cmd:"" help:"Submit an HTTP request for immediate or scheduled execution."`
	Status StatusCmd `cmd:"" help:"Show a request record."`
	Cancel CancelCmd `cmd:"" help:"Cancel scheduled jobs for a request."`
	Jobs   JobsCmd   `cmd:"" help:"List scheduled jobs, failed ones included."`

	DeadLetters DeadLettersCmd `cmd:"" name:"dead-letters" help:"List or delete parked completions."`
}

// publisher is an intake.Publisher that owns a connection.
type publisher interface {
	intake.Publisher
	Close()
}

// env carries configuration and lazily opened dependencies to commands.
type env struct {
	tenant      string
	showSecrets bool
	cfg         *config.Config
	pipeline    *config.PipelineConfig
	out         io.Writer

	openJobs    func(ctx context.Context) (stores.JobStore, error)
	openRecords func(ctx context.Context) (stores.RecordStore, error)
	openBus     func(ctx context.Context) (publisher, error)
	openDead    func(ctx context.Context) (deadLetters, error)
}

func newEnv(tenant string, out io.Writer) *env {
	cfg := config.Load()
	pipeline, err := config.LoadPipeline(cfg.PipelineConfigPath)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "using default pipeline config: %v\n", err)
	}
	return &env{
		tenant:   tenant,
		cfg:      cfg,
		pipeline: pipeline,
		out:      out,
		openJobs: func(ctx context.Context) (stores.JobStore, error) {
			return stores.OpenJobStore(ctx, cfg.JobStoreURL)
		},
		openRecords: func(ctx context.Context) (stores.RecordStore, error) {
			return stores.OpenRecordStore(ctx, cfg.RedisURL, cfg.RecordStoreDSN)
		},
		openDead: func(ctx context.Context) (deadLetters, error) {
			return memory.NewDeadLetterStore(cfg.RedisURL)
		},
		openBus: func(ctx context.Context) (publisher, error) {
			opts := pipeline.Bus.Options("reqflowctl")
			opts.ConnectRetries = 1
			b, err := bus.NewNatsBus(ctx, cfg.NatsURL, opts)
			if err != nil {
				return nil, err
			}
			return b, nil
		},
	}
}

func (e *env) printRecord(rec *request.Record) error {
	if e.showSecrets {
		return e.printJSON(rec)
	}
	return e.printJSON(redact.Record(*rec))
}

func (e *env) printJSON(value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(e.out, string(data))
	return err
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("reqflowctl"),
		kong.Description("Submit and inspect reqflow requests."),
		kong.UsageOnError(),
	)
	e := newEnv(cli.Tenant, os.Stdout)
	e.showSecrets = cli.ShowSecrets
	kctx.FatalIfErrorf(kctx.Run(e))
}
