package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cordum/reqflow/core/infra/logging"
	"github.com/nats-io/nats.go"
	"golang.org/x/sync/semaphore"
)

const (
	defaultAckWait        = 10 * time.Minute
	defaultMaxAge         = 7 * 24 * time.Hour
	defaultFetchBatch     = 16
	defaultFetchWait      = 2 * time.Second
	defaultMaxInFlight    = 64
	defaultPublishTimeout = 5 * time.Second
	defaultConnectRetries = 5
)

// NoConnectRetries makes NewNatsBus dial exactly once.
const NoConnectRetries = -1

var (
	// ErrNotConnected is returned when the bus has no live connection.
	ErrNotConnected = errors.New("nats bus not connected")
	errEmptyTopic   = errors.New("empty topic")
	errEmptyTenant  = errors.New("empty tenant")
	errEmptyQueue   = errors.New("topic has no queue")
	errNilHandler   = errors.New("nil handler")
)

// Handler processes one decoded JSON object. A non-nil error requests
// redelivery.
type Handler func(ctx context.Context, payload json.RawMessage) error

// TransportError wraps a broker failure on publish or subscribe.
type TransportError struct {
	Op      string
	Subject string
	Err     error
}

func (e *TransportError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("bus %s %s: %v", e.Op, e.Subject, e.Err)
}

func (e *TransportError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Options tunes the JetStream client. Zero values take defaults.
type Options struct {
	Name           string
	AckWait        time.Duration
	MaxAge         time.Duration
	FetchBatch     int
	FetchWait      time.Duration
	MaxInFlight    int
	PublishTimeout time.Duration
	// ConnectRetries of 0 takes the default; NoConnectRetries disables retry.
	ConnectRetries int
}

func (o Options) withDefaults() Options {
	if o.Name == "" {
		o.Name = "reqflow-bus"
	}
	if o.AckWait <= 0 {
		o.AckWait = defaultAckWait
	}
	if o.MaxAge <= 0 {
		o.MaxAge = defaultMaxAge
	}
	if o.FetchBatch <= 0 {
		o.FetchBatch = defaultFetchBatch
	}
	if o.FetchWait <= 0 {
		o.FetchWait = defaultFetchWait
	}
	if o.MaxInFlight <= 0 {
		o.MaxInFlight = defaultMaxInFlight
	}
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = defaultPublishTimeout
	}
	if o.ConnectRetries < 0 {
		o.ConnectRetries = 0
	} else if o.ConnectRetries == 0 {
		o.ConnectRetries = defaultConnectRetries
	}
	return o
}

// NatsBus publishes and consumes JSON messages over JetStream. Each
// tenant-scoped exchange is a stream and each queue a durable pull consumer.
type NatsBus struct {
	nc       *nats.Conn
	js       nats.JetStreamContext
	opts     Options
	topology *Topology
	sem      *semaphore.Weighted

	ctx       context.Context
	cancel    context.CancelFunc
	loops     sync.WaitGroup
	inflight  sync.WaitGroup
	closeOnce sync.Once
}

// NewNatsBus dials NATS with bounded exponential retries and requires
// JetStream to be available.
func NewNatsBus(ctx context.Context, url string, opts Options) (*NatsBus, error) {
	opts = opts.withDefaults()
	natsOpts := []nats.Option{
		nats.Name(opts.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logging.Warn("bus", "disconnected from NATS", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logging.Info("bus", "reconnected to NATS", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logging.Info("bus", "connection closed")
		}),
	}
	tlsCfg, err := natsTLSConfigFromEnv()
	if err != nil {
		return nil, err
	}
	if tlsCfg != nil {
		natsOpts = append(natsOpts, nats.Secure(tlsCfg))
	}

	var nc *nats.Conn
	attempt := 0
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(opts.ConnectRetries)), ctx)
	err = backoff.Retry(func() error {
		attempt++
		conn, err := nats.Connect(url, natsOpts...)
		if err != nil {
			logging.Warn("bus", "connect failed", "url", url, "attempt", attempt, "error", err)
			return err
		}
		nc = conn
		return nil
	}, policy)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}
	if _, err := js.AccountInfo(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream not available: %w", err)
	}
	b := newBus(nc, js, opts)
	logging.Info("bus", "jetstream ready", "url", nc.ConnectedUrl(), "ack_wait", opts.AckWait, "max_in_flight", opts.MaxInFlight)
	return b, nil
}

func newBus(nc *nats.Conn, js nats.JetStreamContext, opts Options) *NatsBus {
	ctx, cancel := context.WithCancel(context.Background())
	b := &NatsBus{
		nc:     nc,
		js:     js,
		opts:   opts,
		sem:    semaphore.NewWeighted(int64(opts.MaxInFlight)),
		ctx:    ctx,
		cancel: cancel,
	}
	b.topology = NewTopology(b)
	return b
}

// Topology exposes the provisioned-set for callers that pre-warm tenants.
func (b *NatsBus) Topology() *Topology {
	if b == nil {
		return nil
	}
	return b.topology
}

// DeclareExchange creates the tenant stream when it does not exist.
func (b *NatsBus) DeclareExchange(_ context.Context, exchange string) error {
	if !b.ready() {
		return ErrNotConnected
	}
	_, err := b.js.AddStream(&nats.StreamConfig{
		Name:       exchange,
		Subjects:   []string{exchange + ".>"},
		Retention:  nats.WorkQueuePolicy,
		Storage:    nats.FileStorage,
		MaxAge:     b.opts.MaxAge,
		Duplicates: 2 * time.Minute,
	})
	if err == nil {
		logging.Info("bus", "stream ensured", "name", exchange)
		return nil
	}
	// An existing stream with a drifted config still serves.
	if _, infoErr := b.js.StreamInfo(exchange); infoErr == nil {
		return nil
	}
	return err
}

// DeclareBinding creates the durable consumer acting as the queue.
func (b *NatsBus) DeclareBinding(_ context.Context, exchange, queue, routingKey string) error {
	if !b.ready() {
		return ErrNotConnected
	}
	_, err := b.js.AddConsumer(exchange, &nats.ConsumerConfig{
		Durable:       queue,
		FilterSubject: exchange + "." + routingKey,
		AckPolicy:     nats.AckExplicitPolicy,
		AckWait:       b.opts.AckWait,
		MaxAckPending: b.opts.MaxInFlight * 4,
		DeliverPolicy: nats.DeliverAllPolicy,
	})
	if err == nil {
		return nil
	}
	if _, infoErr := b.js.ConsumerInfo(exchange, queue); infoErr == nil {
		return nil
	}
	return err
}

// Publish encodes msg as JSON and waits for the JetStream ack.
func (b *NatsBus) Publish(ctx context.Context, tenant string, topic Topic, msg any) error {
	if !b.ready() {
		return ErrNotConnected
	}
	if strings.TrimSpace(topic.Exchange) == "" {
		return errEmptyTopic
	}
	if NormalizeTenant(tenant) == "" {
		return errEmptyTenant
	}
	if err := b.topology.Ensure(ctx, tenant, topic); err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	scoped := topic.ForTenant(tenant)
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.opts.PublishTimeout)
		defer cancel()
	}
	pubOpts := []nats.PubOpt{nats.Context(ctx)}
	if id := messageID(msg); id != "" {
		pubOpts = append(pubOpts, nats.MsgId(id))
	}
	if _, err := b.js.Publish(scoped.Subject(), data, pubOpts...); err != nil {
		return &TransportError{Op: "publish", Subject: scoped.Subject(), Err: err}
	}
	return nil
}

// Subscribe binds the tenant's queue and dispatches deliveries to handler
// until ctx ends or the bus is closed.
func (b *NatsBus) Subscribe(ctx context.Context, tenant string, topic Topic, handler Handler) error {
	if !b.ready() {
		return ErrNotConnected
	}
	if strings.TrimSpace(topic.Exchange) == "" {
		return errEmptyTopic
	}
	if topic.Queue == "" {
		return errEmptyQueue
	}
	if handler == nil {
		return errNilHandler
	}
	if NormalizeTenant(tenant) == "" {
		return errEmptyTenant
	}
	if err := b.topology.Ensure(ctx, tenant, topic); err != nil {
		return err
	}
	scoped := topic.ForTenant(tenant)
	sub, err := b.js.PullSubscribe(scoped.Subject(), scoped.Queue, nats.Bind(scoped.Exchange, scoped.Queue))
	if err != nil {
		return &TransportError{Op: "subscribe", Subject: scoped.Subject(), Err: err}
	}

	loopCtx, stop := context.WithCancel(b.ctx)
	context.AfterFunc(ctx, stop)
	b.loops.Add(1)
	go func() {
		defer b.loops.Done()
		defer stop()
		defer func() { _ = sub.Unsubscribe() }()
		b.consume(loopCtx, sub, scoped, handler)
	}()
	logging.Info("bus", "subscribed", "tenant", scoped.Tenant, "queue", scoped.Queue, "subject", scoped.Subject())
	return nil
}

func (b *NatsBus) consume(ctx context.Context, sub *nats.Subscription, scoped TenantTopic, handler Handler) {
	for ctx.Err() == nil {
		fetchCtx, cancel := context.WithTimeout(ctx, b.opts.FetchWait)
		msgs, err := sub.Fetch(b.opts.FetchBatch, nats.Context(fetchCtx))
		cancel()
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return
			case errors.Is(err, nats.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
				continue
			case errors.Is(err, nats.ErrConnectionClosed), errors.Is(err, nats.ErrBadSubscription):
				return
			}
			logging.Warn("bus", "fetch failed", "queue", scoped.Queue, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(b.opts.FetchWait):
			}
			continue
		}
		for _, msg := range msgs {
			if err := b.sem.Acquire(ctx, 1); err != nil {
				_ = msg.Nak()
				continue
			}
			b.inflight.Add(1)
			go func(m *nats.Msg) {
				defer b.inflight.Done()
				defer b.sem.Release(1)
				b.dispatch(ctx, scoped, m, handler)
			}(msg)
		}
	}
}

func (b *NatsBus) dispatch(ctx context.Context, scoped TenantTopic, msg *nats.Msg, handler Handler) {
	var payload json.RawMessage
	switch env := DecodeEnvelope(msg.Data).(type) {
	case RawObject:
		payload = json.RawMessage(env)
	case Malformed:
		logging.Error("bus", "dropping malformed message", "queue", scoped.Queue, "reason", env.Reason)
		_ = msg.Ack()
		return
	}
	// Handlers outlive loop cancellation so in-flight work can finish on Close.
	if err := handler(context.WithoutCancel(ctx), payload); err != nil {
		delay, _ := RetryDelay(err)
		logging.Warn("bus", "handler failed; redelivering", "queue", scoped.Queue, "delay", delay, "error", err)
		if delay > 0 {
			_ = msg.NakWithDelay(delay)
		} else {
			_ = msg.Nak()
		}
		return
	}
	_ = msg.Ack()
}

// Close stops consumption, waits for in-flight handlers and closes the
// connection. Safe on a nil or never-connected bus.
func (b *NatsBus) Close() {
	if b == nil {
		return
	}
	b.closeOnce.Do(func() {
		if b.cancel != nil {
			b.cancel()
		}
		b.loops.Wait()
		b.inflight.Wait()
		if b.nc != nil {
			b.nc.Close()
		}
	})
}

func (b *NatsBus) ready() bool {
	return b != nil && b.nc != nil && b.js != nil && !b.nc.IsClosed()
}

func (b *NatsBus) IsConnected() bool {
	return b != nil && b.nc != nil && b.nc.IsConnected()
}

func (b *NatsBus) Status() string {
	if b == nil || b.nc == nil {
		return "UNKNOWN"
	}
	return b.nc.Status().String()
}

func (b *NatsBus) ConnectedURL() string {
	if b == nil || b.nc == nil {
		return ""
	}
	return b.nc.ConnectedUrl()
}

func messageID(msg any) string {
	type identified interface {
		MessageID() string
	}
	if m, ok := msg.(identified); ok {
		return strings.TrimSpace(m.MessageID())
	}
	return ""
}
