package bus

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/cordum/reqflow/core/request"
)

func TestNatsBusNotConnected(t *testing.T) {
	ctx := context.Background()
	topic := Topic{Exchange: "perform-request", Queue: "perform-request"}
	noop := func(context.Context, json.RawMessage) error { return nil }

	var nilBus *NatsBus
	if err := nilBus.Publish(ctx, "acme", topic, map[string]string{}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected not connected, got %v", err)
	}
	if err := nilBus.Subscribe(ctx, "acme", topic, noop); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected not connected, got %v", err)
	}
	empty := &NatsBus{}
	if err := empty.Publish(ctx, "acme", topic, map[string]string{}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected not connected on unconnected bus, got %v", err)
	}
	if err := empty.DeclareExchange(ctx, "x"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected not connected on declare, got %v", err)
	}
}

func TestNatsBusCloseIsSafe(t *testing.T) {
	var nilBus *NatsBus
	nilBus.Close()

	b := newBus(nil, nil, Options{}.withDefaults())
	b.Close()
	b.Close()
	select {
	case <-b.ctx.Done():
	default:
		t.Fatalf("expected loop context cancelled after close")
	}
}

func TestNatsBusStatusDefaults(t *testing.T) {
	var nilBus *NatsBus
	if nilBus.IsConnected() {
		t.Fatalf("expected disconnected nil bus")
	}
	if status := nilBus.Status(); status != "UNKNOWN" {
		t.Fatalf("expected UNKNOWN status, got %s", status)
	}
	if url := nilBus.ConnectedURL(); url != "" {
		t.Fatalf("expected empty url, got %s", url)
	}
	if nilBus.Topology() != nil {
		t.Fatalf("expected nil topology for nil bus")
	}
}

func TestOptionsDefaults(t *testing.T) {
	opts := Options{}.withDefaults()
	if opts.AckWait != defaultAckWait || opts.FetchBatch != defaultFetchBatch || opts.MaxInFlight != defaultMaxInFlight {
		t.Fatalf("unexpected defaults: %#v", opts)
	}
	if opts.ConnectRetries != defaultConnectRetries {
		t.Fatalf("expected default connect retries, got %d", opts.ConnectRetries)
	}
	custom := Options{AckWait: time.Second, ConnectRetries: NoConnectRetries}.withDefaults()
	if custom.AckWait != time.Second || custom.ConnectRetries != 0 {
		t.Fatalf("unexpected custom options: %#v", custom)
	}
}

func TestMessageID(t *testing.T) {
	intent := request.Intent{ID: "r1", TenantID: "acme"}
	if got := messageID(intent); got != "intent:acme:r1" {
		t.Fatalf("unexpected intent msg id: %s", got)
	}
	if got := messageID(map[string]string{"id": "r1"}); got != "" {
		t.Fatalf("expected no msg id for plain map, got %s", got)
	}
	if got := messageID(request.Outcome{}); got != "" {
		t.Fatalf("expected empty msg id for empty outcome, got %s", got)
	}
}

func TestTransportErrorUnwrap(t *testing.T) {
	base := errors.New("nats: timeout")
	err := error(&TransportError{Op: "publish", Subject: "a.b", Err: base})
	if !errors.Is(err, base) {
		t.Fatalf("expected unwrap to base error")
	}
	if err.Error() != "bus publish a.b: nats: timeout" {
		t.Fatalf("unexpected error string: %s", err.Error())
	}
}
