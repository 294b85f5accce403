// Package executor performs HTTP intents and publishes one completion
// outcome per attempt.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cordum/reqflow/core/infra/bus"
	"github.com/cordum/reqflow/core/infra/logging"
	"github.com/cordum/reqflow/core/infra/redact"
	"github.com/cordum/reqflow/core/request"
)

const component = "executor"

// Failure codes carried in ExecutionFailure.Code.
const (
	CodeConnRefused = "ECONNREFUSED"
	CodeNotFound    = "ENOTFOUND"
	CodeTimedOut    = "ETIMEDOUT"
	CodeConnReset   = "ECONNRESET"
	CodeInvalidURL  = "ERR_INVALID_URL"
)

const (
	defaultHTTPTimeout      = 30 * time.Second
	defaultMaxResponseBytes = 1 << 20
	publishRetryDelay       = time.Second
)

// Bus is the slice of the message bus the executor needs.
type Bus interface {
	Publish(ctx context.Context, tenant string, topic bus.Topic, msg any) error
	Subscribe(ctx context.Context, tenant string, topic bus.Topic, handler bus.Handler) error
}

// Metrics observes executions by outcome status.
type Metrics interface {
	ObserveExecution(outcome string, durationSeconds float64)
}

type Config struct {
	Tenants          []string
	PerformTopic     bus.Topic
	CompletedTopic   bus.Topic
	HTTPTimeout      time.Duration
	MaxResponseBytes int64
}

type Executor struct {
	bus     Bus
	client  *http.Client
	cfg     Config
	metrics Metrics
	now     func() time.Time
}

type Option func(*Executor)

// WithHTTPClient replaces the default client. Its Timeout is left as is.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Executor) { e.client = c }
}

func WithMetrics(m Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

func New(b Bus, cfg Config, opts ...Option) *Executor {
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = defaultHTTPTimeout
	}
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = defaultMaxResponseBytes
	}
	e := &Executor{
		bus:    b,
		client: &http.Client{Timeout: cfg.HTTPTimeout},
		cfg:    cfg,
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Start subscribes to every configured tenant's perform topic.
func (e *Executor) Start(ctx context.Context) error {
	for _, tenant := range e.cfg.Tenants {
		if err := e.bus.Subscribe(ctx, tenant, e.cfg.PerformTopic, e.HandlePerform); err != nil {
			return fmt.Errorf("subscribe perform topic for %s: %w", tenant, err)
		}
	}
	return nil
}

// HandlePerform consumes perform-request deliveries. Invalid intents are
// dropped; a failed outcome publish is redelivered after a delay.
func (e *Executor) HandlePerform(ctx context.Context, payload json.RawMessage) error {
	intent, err := request.DecodeIntent(payload)
	if err != nil {
		logging.Warn(component, "dropping invalid intent", "error", err)
		return nil
	}
	if _, err := e.Execute(ctx, intent); err != nil {
		if request.IsValidation(err) {
			return nil
		}
		return bus.RetryAfter(err, publishRetryDelay)
	}
	return nil
}

// Execute performs intent once and publishes its outcome to the tenant's
// completed topic. The outcome is returned even when publishing fails.
func (e *Executor) Execute(ctx context.Context, intent request.Intent) (*request.Outcome, error) {
	if err := request.ValidateIntent(intent); err != nil {
		logging.Error(component, "invalid intent", "request_id", intent.ID, "tenant", intent.TenantID, "error", err)
		return nil, err
	}
	logging.Info(component, "executing request",
		"request_id", intent.ID,
		"tenant", intent.TenantID,
		"method", intent.Method,
		"url", redact.URL(intent.URL),
	)

	start := time.Now()
	outcome := e.perform(ctx, intent)
	elapsed := time.Since(start)
	outcome.CompletedAt = e.now().UTC()
	if outcome.Status == request.OutcomeCompleted {
		ms := elapsed.Milliseconds()
		outcome.ExecutionTimeMs = &ms
	}
	if e.metrics != nil {
		e.metrics.ObserveExecution(string(outcome.Status), elapsed.Seconds())
	}

	if err := e.bus.Publish(ctx, intent.TenantID, e.cfg.CompletedTopic, outcome); err != nil {
		logging.Error(component, "publish outcome failed", "request_id", intent.ID, "tenant", intent.TenantID, "error", err)
		return outcome, fmt.Errorf("publish outcome: %w", err)
	}
	if outcome.Status == request.OutcomeCompleted {
		logging.Info(component, "request completed",
			"request_id", intent.ID,
			"tenant", intent.TenantID,
			"status", outcome.Response.Status,
			"duration_ms", *outcome.ExecutionTimeMs,
		)
	} else {
		logging.Warn(component, "request failed",
			"request_id", intent.ID,
			"tenant", intent.TenantID,
			"code", outcome.Error.Code,
			"error", outcome.Error.Message,
		)
	}
	return outcome, nil
}

func (e *Executor) perform(ctx context.Context, intent request.Intent) *request.Outcome {
	outcome := &request.Outcome{ID: intent.ID, TenantID: intent.TenantID}
	fail := func(err error, code string, partial *request.HTTPResponse) *request.Outcome {
		outcome.Status = request.OutcomeFailed
		outcome.Error = &request.ExecutionFailure{Message: err.Error(), Code: code, Response: partial}
		return outcome
	}

	if err := checkURL(intent.URL); err != nil {
		return fail(err, CodeInvalidURL, nil)
	}
	body, contentType, err := requestBody(intent.Body)
	if err != nil {
		return fail(err, "", nil)
	}
	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(intent.Method), intent.URL, body)
	if err != nil {
		return fail(err, CodeInvalidURL, nil)
	}
	for k, v := range intent.Headers {
		req.Header.Set(k, v)
	}
	if contentType != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fail(err, classify(err), nil)
	}
	defer resp.Body.Close()

	data, readErr := io.ReadAll(io.LimitReader(resp.Body, e.cfg.MaxResponseBytes))
	response := &request.HTTPResponse{
		Status:     resp.StatusCode,
		StatusText: statusText(resp),
		Headers:    flattenHeaders(resp.Header),
		Data:       encodeData(data),
	}
	if readErr != nil {
		response.Headers = nil
		return fail(readErr, classify(readErr), response)
	}
	outcome.Status = request.OutcomeCompleted
	outcome.Response = response
	return outcome
}

func checkURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid url %q", raw)
	}
	return nil
}

// requestBody sends a JSON string body as its text and any other JSON value
// as application/json. null and empty bodies send nothing.
func requestBody(raw json.RawMessage) (io.Reader, string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, "", nil
	}
	if trimmed[0] == '"' {
		var text string
		if err := json.Unmarshal(trimmed, &text); err != nil {
			return nil, "", fmt.Errorf("decode body: %w", err)
		}
		return strings.NewReader(text), "text/plain; charset=utf-8", nil
	}
	return bytes.NewReader(trimmed), "application/json", nil
}

func statusText(resp *http.Response) string {
	text := strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)))
	if text == "" {
		return http.StatusText(resp.StatusCode)
	}
	return text
}

// flattenHeaders lower-cases names and joins repeated values.
func flattenHeaders(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[strings.ToLower(k)] = strings.Join(v, ", ")
	}
	return out
}

// encodeData keeps JSON bodies as JSON and wraps anything else as a string.
func encodeData(data []byte) json.RawMessage {
	if len(data) == 0 {
		return nil
	}
	if json.Valid(data) {
		return json.RawMessage(bytes.Clone(data))
	}
	encoded, err := json.Marshal(string(data))
	if err != nil {
		return nil
	}
	return encoded
}

func classify(err error) string {
	var dnsErr *net.DNSError
	switch {
	case errors.As(err, &dnsErr):
		return CodeNotFound
	case errors.Is(err, syscall.ECONNREFUSED):
		return CodeConnRefused
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
		return CodeConnReset
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimedOut
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CodeTimedOut
	}
	return ""
}
