package bus

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Topic names a logical exchange/queue pair before tenant scoping.
// Queue is empty for publish-only topics.
type Topic struct {
	Exchange   string
	RoutingKey string
	Queue      string
}

// TenantTopic is a Topic with every name scoped to one tenant.
type TenantTopic struct {
	Tenant     string
	Exchange   string
	RoutingKey string
	Queue      string
}

// Subject is the JetStream subject messages for this topic travel on.
func (t TenantTopic) Subject() string {
	return t.Exchange + "." + t.RoutingKey
}

// ForTenant derives the tenant-scoped names. An empty routing key defaults
// to the scoped exchange name.
func (t Topic) ForTenant(tenant string) TenantTopic {
	norm := NormalizeTenant(tenant)
	out := TenantTopic{
		Tenant:   norm,
		Exchange: TenantScoped(t.Exchange, norm),
	}
	if t.RoutingKey == "" {
		out.RoutingKey = out.Exchange
	} else {
		out.RoutingKey = TenantScoped(t.RoutingKey, norm)
	}
	if t.Queue != "" {
		out.Queue = TenantScoped(t.Queue, norm)
	}
	return out
}

// NormalizeTenant lower-cases the id and replaces every rune outside
// [a-z0-9] with '-'. Runs are not collapsed, so distinct ids may collide.
func NormalizeTenant(id string) string {
	if id == "" {
		return ""
	}
	lower := strings.ToLower(id)
	var b strings.Builder
	b.Grow(len(lower))
	for _, r := range lower {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			continue
		}
		b.WriteByte('-')
	}
	return b.String()
}

// TenantScoped builds "{base}-{normalizedTenant}".
func TenantScoped(base, tenant string) string {
	return base + "-" + NormalizeTenant(tenant)
}

// Declarer creates broker-side entities. Both calls must be idempotent.
type Declarer interface {
	DeclareExchange(ctx context.Context, exchange string) error
	DeclareBinding(ctx context.Context, exchange, queue, routingKey string) error
}

// TopologyError reports a failed declare or bind.
type TopologyError struct {
	Tenant string
	Op     string
	Name   string
	Err    error
}

func (e *TopologyError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("topology %s %s (tenant %s): %v", e.Op, e.Name, e.Tenant, e.Err)
}

func (e *TopologyError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Topology provisions tenant-scoped entities once per (tenant, topic) for
// the lifetime of the instance. Failures are never cached.
type Topology struct {
	declarer    Declarer
	mu          sync.RWMutex
	provisioned map[string]struct{}
	group       singleflight.Group
}

// NewTopology wraps a Declarer with a provisioned-set cache.
func NewTopology(declarer Declarer) *Topology {
	return &Topology{
		declarer:    declarer,
		provisioned: map[string]struct{}{},
	}
}

// Ensure declares each topic's exchange and, when it has a queue, the queue
// and binding for the tenant.
func (t *Topology) Ensure(ctx context.Context, tenant string, topics ...Topic) error {
	if t == nil || t.declarer == nil {
		return fmt.Errorf("topology declarer not configured")
	}
	norm := NormalizeTenant(tenant)
	if norm == "" {
		return errEmptyTenant
	}
	for _, topic := range topics {
		if topic.Exchange == "" {
			return errEmptyTopic
		}
		key := provisionKey(norm, topic)
		if t.isProvisioned(key) {
			continue
		}
		_, err, _ := t.group.Do(key, func() (any, error) {
			if t.isProvisioned(key) {
				return nil, nil
			}
			if err := t.declare(ctx, topic.ForTenant(norm)); err != nil {
				return nil, err
			}
			t.mu.Lock()
			t.provisioned[key] = struct{}{}
			t.mu.Unlock()
			return nil, nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Provisioned reports whether the topic is cached for the tenant.
func (t *Topology) Provisioned(tenant string, topic Topic) bool {
	if t == nil {
		return false
	}
	return t.isProvisioned(provisionKey(NormalizeTenant(tenant), topic))
}

func (t *Topology) declare(ctx context.Context, scoped TenantTopic) error {
	if err := t.declarer.DeclareExchange(ctx, scoped.Exchange); err != nil {
		return &TopologyError{Tenant: scoped.Tenant, Op: "declare exchange", Name: scoped.Exchange, Err: err}
	}
	if scoped.Queue == "" {
		return nil
	}
	if err := t.declarer.DeclareBinding(ctx, scoped.Exchange, scoped.Queue, scoped.RoutingKey); err != nil {
		return &TopologyError{Tenant: scoped.Tenant, Op: "bind queue", Name: scoped.Queue, Err: err}
	}
	return nil
}

func (t *Topology) isProvisioned(key string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.provisioned[key]
	return ok
}

func provisionKey(tenant string, topic Topic) string {
	return tenant + "|" + topic.Exchange + "|" + topic.RoutingKey + "|" + topic.Queue
}
