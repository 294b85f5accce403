// Package reconciler folds completion outcomes into persisted request
// records.
package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cordum/reqflow/core/infra/bus"
	"github.com/cordum/reqflow/core/infra/logging"
	"github.com/cordum/reqflow/core/request"
)

const component = "reconciler"

// Drop reasons reported to metrics.
const (
	DropInvalid  = "invalid"
	DropNoRecord = "no_record"
)

// Subscriber is the slice of the bus the reconciler consumes from.
type Subscriber interface {
	Subscribe(ctx context.Context, tenant string, topic bus.Topic, handler bus.Handler) error
}

// Metrics counts reconciliations and drops.
type Metrics interface {
	IncReconciled(status string)
	IncReconcileDropped(reason string)
}

// DeadLetterSink parks dropped completions for later inspection.
type DeadLetterSink interface {
	Park(ctx context.Context, entry request.DeadLetter) error
}

type Reconciler struct {
	store   request.RecordStore
	metrics Metrics
	dead    DeadLetterSink
	now     func() time.Time
}

type Option func(*Reconciler)

func WithMetrics(m Metrics) Option {
	return func(r *Reconciler) { r.metrics = m }
}

func WithDeadLetters(sink DeadLetterSink) Option {
	return func(r *Reconciler) { r.dead = sink }
}

func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

func New(store request.RecordStore, opts ...Option) *Reconciler {
	r := &Reconciler{store: store, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// DeriveStatus maps an executor outcome to the record's terminal status.
func DeriveStatus(o request.Outcome) request.RecordStatus {
	switch o.Status {
	case request.OutcomeCompleted:
		if o.Response != nil && o.Response.Status != 0 {
			if o.Response.Status >= 200 && o.Response.Status < 300 {
				return request.StatusSuccess
			}
			return request.StatusFailed
		}
	case request.OutcomeFailed:
		return request.StatusFailed
	}
	return request.StatusCompleted
}

// Reconcile applies outcome to its record. Invalid outcomes and unknown
// records are dropped; only store failures are returned.
func (r *Reconciler) Reconcile(ctx context.Context, outcome request.Outcome) error {
	if err := request.ValidateOutcome(outcome); err != nil {
		logging.Warn(component, "dropping invalid outcome", "request_id", outcome.ID, "tenant", outcome.TenantID, "error", err)
		r.drop(ctx, DropInvalid, outcome.ID, outcome.TenantID, encodeOrNil(outcome))
		return nil
	}
	if _, err := r.store.FindByIDAndTenant(ctx, outcome.ID, outcome.TenantID); err != nil {
		if errors.Is(err, request.ErrNotFound) {
			logging.Warn(component, "no record for outcome", "request_id", outcome.ID, "tenant", outcome.TenantID)
			r.drop(ctx, DropNoRecord, outcome.ID, outcome.TenantID, encodeOrNil(outcome))
			return nil
		}
		return fmt.Errorf("find record %s: %w", outcome.ID, err)
	}

	status := DeriveStatus(outcome)
	encoded, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("encode outcome: %w", err)
	}
	if err := r.store.UpdateStatusAndResponse(ctx, outcome.ID, outcome.TenantID, status, encoded, r.now().UTC()); err != nil {
		if errors.Is(err, request.ErrNotFound) {
			logging.Warn(component, "record vanished before update", "request_id", outcome.ID, "tenant", outcome.TenantID)
			r.drop(ctx, DropNoRecord, outcome.ID, outcome.TenantID, encoded)
			return nil
		}
		return fmt.Errorf("update record %s: %w", outcome.ID, err)
	}
	if r.metrics != nil {
		r.metrics.IncReconciled(string(status))
	}
	logging.Info(component, "record updated", "request_id", outcome.ID, "tenant", outcome.TenantID, "status", status)
	return nil
}

// HandleCompleted consumes request-completed deliveries.
func (r *Reconciler) HandleCompleted(ctx context.Context, payload json.RawMessage) error {
	var outcome request.Outcome
	if err := json.Unmarshal(payload, &outcome); err != nil {
		logging.Warn(component, "dropping undecodable outcome", "error", err)
		r.drop(ctx, DropInvalid, "", "", payload)
		return nil
	}
	return r.Reconcile(ctx, outcome)
}

// Start subscribes to each tenant's completed topic.
func (r *Reconciler) Start(ctx context.Context, sub Subscriber, topic bus.Topic, tenants []string) error {
	for _, tenant := range tenants {
		if err := sub.Subscribe(ctx, tenant, topic, r.HandleCompleted); err != nil {
			return fmt.Errorf("subscribe completed topic for %s: %w", tenant, err)
		}
	}
	return nil
}

func (r *Reconciler) drop(ctx context.Context, reason, requestID, tenantID string, payload json.RawMessage) {
	if r.metrics != nil {
		r.metrics.IncReconcileDropped(reason)
	}
	if r.dead == nil {
		return
	}
	entry := request.DeadLetter{
		RequestID: requestID,
		TenantID:  tenantID,
		Reason:    reason,
		Payload:   payload,
		CreatedAt: r.now().UTC(),
	}
	if err := r.dead.Park(ctx, entry); err != nil {
		logging.Error(component, "park dead letter failed", "request_id", requestID, "reason", reason, "error", err)
	}
}

func encodeOrNil(o request.Outcome) json.RawMessage {
	data, err := json.Marshal(o)
	if err != nil {
		return nil
	}
	return data
}
