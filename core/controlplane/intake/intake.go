// Package intake records submitted requests and routes them to the
// scheduler or straight to execution.
package intake

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cordum/reqflow/core/infra/bus"
	"github.com/cordum/reqflow/core/infra/logging"
	"github.com/cordum/reqflow/core/request"
	"github.com/google/uuid"
)

const component = "intake"

// Submission is what a tenant asks for.
type Submission struct {
	Name       string            `json:"name" validate:"required"`
	Method     string            `json:"method" validate:"required,oneof=GET POST PUT PATCH DELETE HEAD OPTIONS"`
	URL        string            `json:"url" validate:"required,url"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       json.RawMessage   `json:"body,omitempty"`
	Schedule   *time.Time        `json:"schedule,omitempty"`
	ExecuteNow bool              `json:"executeNow,omitempty"`
}

// Publisher is the slice of the bus intake needs.
type Publisher interface {
	Publish(ctx context.Context, tenant string, topic bus.Topic, msg any) error
}

type Submitter struct {
	bus     Publisher
	records request.RecordStore
	plan    bus.Topic
	perform bus.Topic
	now     func() time.Time
	newID   func() string
}

type Option func(*Submitter)

func WithClock(now func() time.Time) Option {
	return func(s *Submitter) { s.now = now }
}

func WithIDGenerator(gen func() string) Option {
	return func(s *Submitter) { s.newID = gen }
}

func NewSubmitter(pub Publisher, records request.RecordStore, plan, perform bus.Topic, opts ...Option) *Submitter {
	s := &Submitter{
		bus:     pub,
		records: records,
		plan:    plan,
		perform: perform,
		now:     time.Now,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Submit persists the record first and then publishes. A publish failure
// leaves the record in its initial status and is returned.
func (s *Submitter) Submit(ctx context.Context, tenantID string, sub Submission) (*request.Record, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, &request.ValidationError{Kind: "submission", Fields: []string{"tenantId"}}
	}
	sub.Method = strings.ToUpper(strings.TrimSpace(sub.Method))
	if err := request.ValidateStruct("submission", sub); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	intent := request.Intent{
		ID:       s.newID(),
		TenantID: tenantID,
		Name:     sub.Name,
		Method:   sub.Method,
		URL:      sub.URL,
		Headers:  sub.Headers,
		Body:     sub.Body,
	}
	if sub.Schedule != nil {
		at := sub.Schedule.UTC()
		intent.Schedule = &at
	}
	deferred := !sub.ExecuteNow && !intent.IsImmediate(now)

	rec := &request.Record{
		ID:        intent.ID,
		TenantID:  tenantID,
		Payload:   intent,
		Status:    request.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if deferred {
		rec.Status = request.StatusScheduled
	}
	if err := s.records.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("create record: %w", err)
	}

	if deferred {
		logging.Info(component, "sending request to scheduler", "request_id", intent.ID, "tenant", tenantID, "schedule", intent.Schedule.Format(time.RFC3339))
		if err := s.bus.Publish(ctx, tenantID, s.plan, intent); err != nil {
			return rec, fmt.Errorf("publish plan: %w", err)
		}
		return rec, nil
	}
	logging.Info(component, "sending request for immediate execution", "request_id", intent.ID, "tenant", tenantID)
	if err := s.bus.Publish(ctx, tenantID, s.perform, intent.WithoutSchedule()); err != nil {
		return rec, fmt.Errorf("publish perform: %w", err)
	}
	return rec, nil
}
