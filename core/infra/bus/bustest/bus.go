// Package bustest provides an in-memory bus with the same publish and
// subscribe contract as the JetStream client, for tests.
package bustest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cordum/reqflow/core/infra/bus"
)

// Message is one accepted publish.
type Message struct {
	Tenant string
	Topic  bus.TenantTopic
	Data   json.RawMessage
}

type subscription struct {
	scoped  bus.TenantTopic
	handler bus.Handler
}

// Bus delivers synchronously to subscribers bound on the same subject.
// Handler errors are recorded, never returned to the publisher.
type Bus struct {
	mu         sync.Mutex
	topology   *bus.Topology
	subs       []subscription
	published  []Message
	exchanges  []string
	bindings   []string
	handlerErr []error
	dropped    int
	publishErr error
}

// New returns an empty in-memory bus.
func New() *Bus {
	b := &Bus{}
	b.topology = bus.NewTopology(b)
	return b
}

func (b *Bus) DeclareExchange(_ context.Context, exchange string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.exchanges = append(b.exchanges, exchange)
	return nil
}

func (b *Bus) DeclareBinding(_ context.Context, exchange, queue, routingKey string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bindings = append(b.bindings, fmt.Sprintf("%s/%s/%s", exchange, queue, routingKey))
	return nil
}

// Publish encodes msg and delivers it to every matching subscriber.
func (b *Bus) Publish(ctx context.Context, tenant string, topic bus.Topic, msg any) error {
	b.mu.Lock()
	failure := b.publishErr
	b.mu.Unlock()
	if failure != nil {
		return &bus.TransportError{Op: "publish", Subject: topic.ForTenant(tenant).Subject(), Err: failure}
	}
	if err := b.topology.Ensure(ctx, tenant, topic); err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	scoped := topic.ForTenant(tenant)
	b.mu.Lock()
	b.published = append(b.published, Message{Tenant: tenant, Topic: scoped, Data: data})
	b.mu.Unlock()
	_ = b.Deliver(ctx, scoped, data)
	return nil
}

// Subscribe registers handler for the tenant-scoped queue.
func (b *Bus) Subscribe(ctx context.Context, tenant string, topic bus.Topic, handler bus.Handler) error {
	if handler == nil {
		return fmt.Errorf("nil handler")
	}
	if topic.Queue == "" {
		return fmt.Errorf("topic has no queue")
	}
	if err := b.topology.Ensure(ctx, tenant, topic); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, subscription{scoped: topic.ForTenant(tenant), handler: handler})
	return nil
}

// Deliver hands raw bytes to subscribers of scoped's subject, decoding them
// the same way the JetStream client does. It returns the last handler error.
func (b *Bus) Deliver(ctx context.Context, scoped bus.TenantTopic, data []byte) error {
	b.mu.Lock()
	var handlers []bus.Handler
	for _, sub := range b.subs {
		if sub.scoped.Subject() == scoped.Subject() {
			handlers = append(handlers, sub.handler)
		}
	}
	b.mu.Unlock()
	if len(handlers) == 0 {
		return nil
	}

	obj, ok := bus.DecodeEnvelope(data).(bus.RawObject)
	if !ok {
		b.mu.Lock()
		b.dropped++
		b.mu.Unlock()
		return nil
	}
	var last error
	for _, h := range handlers {
		if err := h(ctx, json.RawMessage(obj)); err != nil {
			b.mu.Lock()
			b.handlerErr = append(b.handlerErr, err)
			b.mu.Unlock()
			last = err
		}
	}
	return last
}

// Published returns messages accepted on the tenant-scoped exchange of topic.
func (b *Bus) Published(tenant string, topic bus.Topic) []Message {
	exchange := topic.ForTenant(tenant).Exchange
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Message
	for _, m := range b.published {
		if m.Topic.Exchange == exchange {
			out = append(out, m)
		}
	}
	return out
}

// All returns every accepted publish in order.
func (b *Bus) All() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.published...)
}

// HandlerErrors returns errors that would have triggered a nak.
func (b *Bus) HandlerErrors() []error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]error(nil), b.handlerErr...)
}

// Dropped counts malformed deliveries acked without a handler call.
func (b *Bus) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Exchanges lists declared exchanges in declaration order.
func (b *Bus) Exchanges() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.exchanges...)
}

// Bindings lists declared bindings as exchange/queue/routingKey.
func (b *Bus) Bindings() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.bindings...)
}

// SetPublishErr makes every publish fail with err until reset with nil.
func (b *Bus) SetPublishErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishErr = err
}
