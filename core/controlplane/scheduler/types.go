package scheduler

import (
	"context"
	"time"

	"github.com/cordum/reqflow/core/infra/bus"
)

// Bus abstracts the message bus so the scheduler stays decoupled from the
// concrete transport.
type Bus interface {
	Publish(ctx context.Context, tenant string, topic bus.Topic, msg any) error
	Subscribe(ctx context.Context, tenant string, topic bus.Topic, handler bus.Handler) error
}

// Metrics captures counters for scheduler events.
type Metrics interface {
	IncIntentsScheduled()
	IncIntentsRejected(reason string)
	IncJobsFired(path string)
	IncJobsFailed(path string)
}

// Fire paths, used as the metrics label.
const (
	PathTick     = "tick"
	PathRecovery = "recovery"
)

const (
	defaultTickInterval        = 5 * time.Second
	defaultLockLifetime        = 10 * time.Minute
	defaultBatchSize           = 100
	defaultRecoveryConcurrency = 8
	storeOpTimeout             = 2 * time.Second
	recoveryLeaseResource      = "scheduler:recovery"
)

// Config tunes the service. Zero values take defaults.
type Config struct {
	Tenants             []string
	PlanTopic           bus.Topic
	PerformTopic        bus.Topic
	TickInterval        time.Duration
	LockLifetime        time.Duration
	BatchSize           int
	RecoveryConcurrency int
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = defaultTickInterval
	}
	if c.LockLifetime <= 0 {
		c.LockLifetime = defaultLockLifetime
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.RecoveryConcurrency <= 0 {
		c.RecoveryConcurrency = defaultRecoveryConcurrency
	}
	return c
}
