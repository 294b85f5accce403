package request

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// OutcomeStatus is the executor's verdict on a single HTTP attempt.
type OutcomeStatus string

const (
	OutcomeCompleted OutcomeStatus = "completed"
	OutcomeFailed    OutcomeStatus = "failed"
)

// RecordStatus tracks a persisted request through its lifecycle.
type RecordStatus string

const (
	StatusPending   RecordStatus = "pending"
	StatusScheduled RecordStatus = "scheduled"
	StatusSuccess   RecordStatus = "success"
	StatusFailed    RecordStatus = "failed"
	StatusCompleted RecordStatus = "completed"
)

// ErrNotFound is returned by record stores when no record matches.
var ErrNotFound = errors.New("request record not found")

// Intent describes one HTTP call a tenant wants performed, now or later.
type Intent struct {
	ID       string            `json:"id" validate:"required"`
	TenantID string            `json:"tenantId" validate:"required"`
	Name     string            `json:"name" validate:"required"`
	Method   string            `json:"method" validate:"required"`
	URL      string            `json:"url" validate:"required"`
	Headers  map[string]string `json:"headers,omitempty"`
	Body     json.RawMessage   `json:"body,omitempty"`
	Schedule *time.Time        `json:"schedule,omitempty"`
}

// Layouts accepted for a schedule string, tried in order. Zone-less forms
// are read as UTC.
var scheduleLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// UnmarshalJSON treats an empty or null schedule as absent and accepts unix
// milliseconds as well as the layouts above.
func (i *Intent) UnmarshalJSON(data []byte) error {
	type plain Intent
	var aux struct {
		plain
		Schedule json.RawMessage `json:"schedule"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	schedule, err := parseSchedule(aux.Schedule)
	if err != nil {
		return err
	}
	*i = Intent(aux.plain)
	i.Schedule = schedule
	return nil
}

func parseSchedule(raw json.RawMessage) (*time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] != '"' {
		var ms int64
		if err := json.Unmarshal(raw, &ms); err != nil {
			return nil, fmt.Errorf("invalid schedule %s", raw)
		}
		ts := time.UnixMilli(ms).UTC()
		return &ts, nil
	}
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return nil, fmt.Errorf("invalid schedule: %w", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}
	for _, layout := range scheduleLayouts {
		if ts, err := time.Parse(layout, text); err == nil {
			return &ts, nil
		}
	}
	return nil, fmt.Errorf("invalid schedule %q", text)
}

// IsImmediate reports whether the intent should run without delay.
func (i Intent) IsImmediate(now time.Time) bool {
	return i.Schedule == nil || !i.Schedule.After(now)
}

// WithoutSchedule returns a copy with the schedule cleared.
func (i Intent) WithoutSchedule() Intent {
	out := i
	out.Schedule = nil
	if i.Headers != nil {
		out.Headers = make(map[string]string, len(i.Headers))
		for k, v := range i.Headers {
			out.Headers[k] = v
		}
	}
	return out
}

// MessageID keys broker-side duplicate suppression for intents.
func (i Intent) MessageID() string {
	if i.ID == "" {
		return ""
	}
	return "intent:" + i.TenantID + ":" + i.ID
}

// HTTPResponse is the serialisable part of an upstream response.
type HTTPResponse struct {
	Status     int               `json:"status"`
	StatusText string            `json:"statusText,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Data       json.RawMessage   `json:"data,omitempty"`
}

// ExecutionFailure describes an attempt that produced no usable response.
type ExecutionFailure struct {
	Message  string        `json:"message"`
	Code     string        `json:"code,omitempty"`
	Response *HTTPResponse `json:"response,omitempty"`
}

// Outcome is published once per execution attempt.
type Outcome struct {
	ID              string            `json:"id" validate:"required"`
	TenantID        string            `json:"tenantId" validate:"required"`
	Status          OutcomeStatus     `json:"status" validate:"required,oneof=completed failed"`
	Response        *HTTPResponse     `json:"response,omitempty"`
	Error           *ExecutionFailure `json:"error,omitempty"`
	ExecutionTimeMs *int64            `json:"executionTime,omitempty"`
	CompletedAt     time.Time         `json:"completedAt" validate:"required"`
}

// MessageID keys broker-side duplicate suppression for outcomes.
func (o Outcome) MessageID() string {
	if o.ID == "" || o.CompletedAt.IsZero() {
		return ""
	}
	return "outcome:" + o.TenantID + ":" + o.ID + ":" + o.CompletedAt.UTC().Format(time.RFC3339Nano)
}

// Record is the durable view of a submitted request.
type Record struct {
	ID        string          `json:"id"`
	TenantID  string          `json:"tenantId"`
	Payload   Intent          `json:"payload"`
	Status    RecordStatus    `json:"status"`
	Response  json.RawMessage `json:"response,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// RecordStore persists request records keyed by (id, tenant).
type RecordStore interface {
	Create(ctx context.Context, rec *Record) error
	FindByIDAndTenant(ctx context.Context, id, tenantID string) (*Record, error)
	UpdateStatusAndResponse(ctx context.Context, id, tenantID string, status RecordStatus, response json.RawMessage, updatedAt time.Time) error
}

// DeadLetter is a completion message that could not be applied to any
// record, parked for operators.
type DeadLetter struct {
	ID        string          `json:"id"`
	RequestID string          `json:"requestId,omitempty"`
	TenantID  string          `json:"tenantId,omitempty"`
	Reason    string          `json:"reason"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}
