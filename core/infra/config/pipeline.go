package config

import (
	"fmt"
	"os"
	"time"

	"github.com/cordum/reqflow/core/infra/bus"
	"gopkg.in/yaml.v3"
)

// TopicConfig names one exchange/routing key/queue triple.
type TopicConfig struct {
	Exchange   string `yaml:"exchange"`
	RoutingKey string `yaml:"routing_key"`
	Queue      string `yaml:"queue"`
}

// Topic converts to the bus representation.
func (t TopicConfig) Topic() bus.Topic {
	return bus.Topic{Exchange: t.Exchange, RoutingKey: t.RoutingKey, Queue: t.Queue}
}

type TopicsConfig struct {
	Plan      TopicConfig `yaml:"plan"`
	Perform   TopicConfig `yaml:"perform"`
	Completed TopicConfig `yaml:"completed"`
}

type SchedulerConfig struct {
	TickInterval        time.Duration `yaml:"tick_interval"`
	LockLifetime        time.Duration `yaml:"lock_lifetime"`
	BatchSize           int           `yaml:"batch_size"`
	RecoveryConcurrency int           `yaml:"recovery_concurrency"`
}

type ExecutorConfig struct {
	HTTPTimeout      time.Duration `yaml:"http_timeout"`
	MaxResponseBytes int64         `yaml:"max_response_bytes"`
}

type BusConfig struct {
	AckWait        time.Duration `yaml:"ack_wait"`
	MaxAge         time.Duration `yaml:"max_age"`
	FetchBatch     int           `yaml:"fetch_batch"`
	MaxInFlight    int           `yaml:"max_in_flight"`
	// ConnectRetries of 0 dials once.
	ConnectRetries int `yaml:"connect_retries"`
}

// Options builds bus client options for the named process.
func (b BusConfig) Options(name string) bus.Options {
	retries := b.ConnectRetries
	if retries == 0 {
		retries = bus.NoConnectRetries
	}
	return bus.Options{
		Name:           name,
		AckWait:        b.AckWait,
		MaxAge:         b.MaxAge,
		FetchBatch:     b.FetchBatch,
		MaxInFlight:    b.MaxInFlight,
		ConnectRetries: retries,
	}
}

// PipelineConfig tunes topics and per-stage behaviour.
type PipelineConfig struct {
	Topics    TopicsConfig    `yaml:"topics"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Bus       BusConfig       `yaml:"bus"`
}

// LoadPipeline reads a YAML pipeline file; returns defaults if missing.
func LoadPipeline(path string) (*PipelineConfig, error) {
	if path == "" {
		return DefaultPipeline(), nil
	}
	// #nosec G304 -- pipeline config path is operator-provided.
	data, err := os.ReadFile(path)
	if err != nil {
		return DefaultPipeline(), fmt.Errorf("read pipeline config: %w", err)
	}
	return ParsePipeline(data)
}

// ParsePipeline parses and validates pipeline config bytes. Unset fields
// keep their defaults.
func ParsePipeline(data []byte) (*PipelineConfig, error) {
	if len(data) == 0 {
		return DefaultPipeline(), nil
	}
	if err := validateConfigSchema("pipeline", pipelineSchemaFile, data); err != nil {
		return DefaultPipeline(), err
	}
	var cfg PipelineConfig
	// Zero is a meaningful retry count, so the default goes in before decoding.
	cfg.Bus.ConnectRetries = DefaultPipeline().Bus.ConnectRetries
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return DefaultPipeline(), fmt.Errorf("parse pipeline config: %w", err)
	}
	cfg.fillDefaults(DefaultPipeline())
	return &cfg, nil
}

// DefaultPipeline returns the built-in topic names and tunables.
func DefaultPipeline() *PipelineConfig {
	return &PipelineConfig{
		Topics: TopicsConfig{
			Plan:      TopicConfig{Exchange: "plan-request-job", RoutingKey: "schedule-request", Queue: "scheduled-requests"},
			Perform:   TopicConfig{Exchange: "perform-request", Queue: "perform-request"},
			Completed: TopicConfig{Exchange: "request-completed", Queue: "request-completed"},
		},
		Scheduler: SchedulerConfig{
			TickInterval:        5 * time.Second,
			LockLifetime:        10 * time.Minute,
			BatchSize:           100,
			RecoveryConcurrency: 8,
		},
		Executor: ExecutorConfig{
			HTTPTimeout:      30 * time.Second,
			MaxResponseBytes: 1 << 20,
		},
		Bus: BusConfig{
			AckWait:        10 * time.Minute,
			MaxAge:         7 * 24 * time.Hour,
			FetchBatch:     16,
			MaxInFlight:    64,
			ConnectRetries: 5,
		},
	}
}

func (c *PipelineConfig) fillDefaults(def *PipelineConfig) {
	fillTopic(&c.Topics.Plan, def.Topics.Plan)
	fillTopic(&c.Topics.Perform, def.Topics.Perform)
	fillTopic(&c.Topics.Completed, def.Topics.Completed)

	if c.Scheduler.TickInterval <= 0 {
		c.Scheduler.TickInterval = def.Scheduler.TickInterval
	}
	if c.Scheduler.LockLifetime <= 0 {
		c.Scheduler.LockLifetime = def.Scheduler.LockLifetime
	}
	if c.Scheduler.BatchSize <= 0 {
		c.Scheduler.BatchSize = def.Scheduler.BatchSize
	}
	if c.Scheduler.RecoveryConcurrency <= 0 {
		c.Scheduler.RecoveryConcurrency = def.Scheduler.RecoveryConcurrency
	}
	if c.Executor.HTTPTimeout <= 0 {
		c.Executor.HTTPTimeout = def.Executor.HTTPTimeout
	}
	if c.Executor.MaxResponseBytes <= 0 {
		c.Executor.MaxResponseBytes = def.Executor.MaxResponseBytes
	}
	if c.Bus.AckWait <= 0 {
		c.Bus.AckWait = def.Bus.AckWait
	}
	if c.Bus.MaxAge <= 0 {
		c.Bus.MaxAge = def.Bus.MaxAge
	}
	if c.Bus.FetchBatch <= 0 {
		c.Bus.FetchBatch = def.Bus.FetchBatch
	}
	if c.Bus.MaxInFlight <= 0 {
		c.Bus.MaxInFlight = def.Bus.MaxInFlight
	}
}

// A topic with an exchange set is taken as a whole; routing key and
// queue may be intentionally empty.
func fillTopic(t *TopicConfig, def TopicConfig) {
	if t.Exchange == "" {
		*t = def
	}
}
