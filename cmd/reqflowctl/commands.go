package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cordum/reqflow/core/controlplane/intake"
	"github.com/cordum/reqflow/core/controlplane/scheduler"
	"github.com/cordum/reqflow/core/infra/memory"
	"github.com/cordum/reqflow/core/request"
)

type SubmitCmd struct {
	URL     string            `arg:"" help:"Target URL."`
	Name    string            `help:"Request name." default:"adhoc"`
	Method  string            `short:"X" help:"HTTP method." default:"GET"`
	Header  map[string]string `short:"H" help:"Header as key=value; repeatable."`
	Body    string            `help:"JSON body; anything that is not valid JSON is sent as text."`
	At      string            `help:"Execute at this RFC 3339 instant."`
	In      time.Duration     `help:"Execute after this delay."`
	Now     bool              `help:"Execute immediately even when a schedule is set."`
	Timeout time.Duration     `help:"Overall deadline." default:"10s"`
}

func (c *SubmitCmd) Run(e *env) error {
	schedule, err := parseSchedule(c.At, c.In, time.Now())
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
	defer cancel()

	records, err := e.openRecords(ctx)
	if err != nil {
		return fmt.Errorf("open record store: %w", err)
	}
	defer records.Close()
	pub, err := e.openBus(ctx)
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	defer pub.Close()

	sub := intake.NewSubmitter(pub, records, e.pipeline.Topics.Plan.Topic(), e.pipeline.Topics.Perform.Topic())
	rec, err := sub.Submit(ctx, e.tenant, intake.Submission{
		Name:       c.Name,
		Method:     c.Method,
		URL:        c.URL,
		Headers:    c.Header,
		Body:       encodeBody(c.Body),
		Schedule:   schedule,
		ExecuteNow: c.Now,
	})
	if err != nil {
		return err
	}
	return e.printRecord(rec)
}

type StatusCmd struct {
	ID string `arg:"" help:"Request id."`
}

func (c *StatusCmd) Run(e *env) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	records, err := e.openRecords(ctx)
	if err != nil {
		return fmt.Errorf("open record store: %w", err)
	}
	defer records.Close()
	rec, err := records.FindByIDAndTenant(ctx, c.ID, e.tenant)
	if err != nil {
		return err
	}
	return e.printRecord(rec)
}

type CancelCmd struct {
	ID string `arg:"" help:"Request id."`
}

func (c *CancelCmd) Run(e *env) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	svc, closeFn, err := e.scheduler(ctx)
	if err != nil {
		return err
	}
	defer closeFn()
	n, err := svc.CancelScheduledRequest(ctx, c.ID, e.tenant)
	if err != nil {
		return err
	}
	return e.printJSON(map[string]any{"requestId": c.ID, "tenantId": e.tenant, "removed": n})
}

type JobsCmd struct{}

func (c *JobsCmd) Run(e *env) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	svc, closeFn, err := e.scheduler(ctx)
	if err != nil {
		return err
	}
	defer closeFn()
	jobs, err := svc.ListJobs(ctx, e.tenant)
	if err != nil {
		return err
	}
	views := make([]jobView, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, newJobView(job))
	}
	return e.printJSON(views)
}

// scheduler builds a store-only service; cancel and list never publish.
func (e *env) scheduler(ctx context.Context) (*scheduler.Service, func(), error) {
	store, err := e.openJobs(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("open job store: %w", err)
	}
	svc := scheduler.NewService(nil, store, scheduler.Config{
		LockLifetime: e.pipeline.Scheduler.LockLifetime,
	})
	return svc, func() { _ = store.Close() }, nil
}

type jobView struct {
	ID         string     `json:"id"`
	RequestID  string     `json:"requestId"`
	Name       string     `json:"name"`
	Method     string     `json:"method"`
	URL        string     `json:"url"`
	DueAt      time.Time  `json:"dueAt"`
	LockedAt   *time.Time `json:"lockedAt,omitempty"`
	FailedAt   *time.Time `json:"failedAt,omitempty"`
	FailReason string     `json:"failReason,omitempty"`
}

func newJobView(job *scheduler.Job) jobView {
	return jobView{
		ID:         job.ID,
		RequestID:  job.RequestID,
		Name:       job.Intent.Name,
		Method:     job.Intent.Method,
		URL:        job.Intent.URL,
		DueAt:      job.DueAt,
		LockedAt:   job.LockedAt,
		FailedAt:   job.FailedAt,
		FailReason: job.FailReason,
	}
}

func parseSchedule(at string, in time.Duration, now time.Time) (*time.Time, error) {
	at = strings.TrimSpace(at)
	switch {
	case at != "" && in != 0:
		return nil, fmt.Errorf("--at and --in are mutually exclusive")
	case at != "":
		ts, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return nil, fmt.Errorf("invalid --at: %w", err)
		}
		return &ts, nil
	case in < 0:
		return nil, fmt.Errorf("--in must not be negative")
	case in > 0:
		ts := now.Add(in)
		return &ts, nil
	}
	return nil, nil
}

func encodeBody(raw string) json.RawMessage {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	if json.Valid([]byte(raw)) {
		return json.RawMessage(raw)
	}
	encoded, _ := json.Marshal(raw)
	return encoded
}

type deadLetters interface {
	List(ctx context.Context, cursor time.Time, limit int64) ([]request.DeadLetter, error)
	Get(ctx context.Context, id string) (*request.DeadLetter, error)
	Delete(ctx context.Context, id string) error
	Close() error
}

type DeadLettersCmd struct {
	Limit  int64    `help:"Maximum entries to list." default:"50"`
	Delete []string `help:"Delete entries by id instead of listing."`
}

// Run lists entries for the selected tenant only; entries that could not be
// attributed to a tenant are listed for every tenant.
func (c *DeadLettersCmd) Run(e *env) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	store, err := e.openDead(ctx)
	if err != nil {
		return fmt.Errorf("open dead letters: %w", err)
	}
	defer store.Close()

	if len(c.Delete) > 0 {
		// Every id is checked before anything is removed.
		for _, id := range c.Delete {
			entry, err := store.Get(ctx, id)
			if errors.Is(err, memory.ErrDeadLetterNotFound) {
				continue
			}
			if err != nil {
				return fmt.Errorf("load %s: %w", id, err)
			}
			if entry.TenantID != "" && entry.TenantID != e.tenant {
				return fmt.Errorf("dead letter %s belongs to another tenant", id)
			}
		}
		for _, id := range c.Delete {
			if err := store.Delete(ctx, id); err != nil {
				return fmt.Errorf("delete %s: %w", id, err)
			}
		}
		return e.printJSON(map[string]any{"deleted": c.Delete})
	}
	entries, err := store.List(ctx, time.Time{}, c.Limit)
	if err != nil {
		return err
	}
	out := make([]request.DeadLetter, 0, len(entries))
	for _, entry := range entries {
		if entry.TenantID == "" || entry.TenantID == e.tenant {
			out = append(out, entry)
		}
	}
	return e.printJSON(out)
}
