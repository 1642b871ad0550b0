// Package webhook posts the locked payload to the external agent service
// with exponential backoff and identity verification of the response.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"forcesync/internal/clock"
	"forcesync/internal/identity"
	"forcesync/internal/logger"
	"forcesync/internal/models"
	"forcesync/internal/telemetry"
)

const maxResponseBytes = 1 << 20

// ErrNonRetryable marks failures that short-circuit the retry loop.
var ErrNonRetryable = errors.New("non-retryable webhook failure")

// StatusError is a non-2xx answer from the external service.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook returned status %d: %s", e.Code, e.Body)
}

// Response is the external service acknowledgment.
type Response struct {
	WorkflowID string `json:"workflow_id"`
	ID         string `json:"id"`
	SessionID  string `json:"session_id"`
	PollingURL string `json:"polling_url,omitempty"`
}

// ReportedWorkflow prefers workflow_id and falls back to id.
func (r Response) ReportedWorkflow() string {
	if r.WorkflowID != "" {
		return r.WorkflowID
	}
	return r.ID
}

// Result describes a finished call, successful or not.
type Result struct {
	Response   Response
	Attempts   int
	HTTPStatus int
	AttemptIDs []string
	Delays     []time.Duration
}

// Caller is safe for concurrent use.
type Caller struct {
	url    string
	token  string
	policy models.RetryPolicy
	client *http.Client
	clock  clock.Clock
	jitter func(max time.Duration) time.Duration
	log    zerolog.Logger
}

// Option customizes a Caller.
type Option func(*Caller)

func WithHTTPClient(c *http.Client) Option { return func(cl *Caller) { cl.client = c } }

func WithClock(c clock.Clock) Option { return func(cl *Caller) { cl.clock = c } }

// WithJitter replaces the random jitter source.
func WithJitter(f func(max time.Duration) time.Duration) Option {
	return func(cl *Caller) { cl.jitter = f }
}

// NewCaller builds a caller for an already validated endpoint.
func NewCaller(url, token string, policy models.RetryPolicy, opts ...Option) *Caller {
	if policy.MaxRetries <= 0 {
		policy.MaxRetries = 1
	}
	if policy.RetryableStatuses == nil {
		policy.RetryableStatuses = models.DefaultRetryableStatuses()
	}
	c := &Caller{
		url:    url,
		token:  token,
		policy: policy,
		client: &http.Client{Timeout: 30 * time.Second},
		clock:  clock.Real(),
		jitter: randomJitter,
		log:    logger.Component("webhook"),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Call posts payload until it succeeds, a non-retryable error is seen or
// attempts run out. callID seeds the per-attempt identifiers; an empty value
// generates one. All attempts share payload.CorrelationID.
func (c *Caller) Call(ctx context.Context, payload models.OutboundPayload, callID string) (*Result, error) {
	if callID == "" {
		callID = uuid.NewString()
	}
	res := &Result{}
	var lastErr error

	for attempt := 1; attempt <= c.policy.MaxRetries; attempt++ {
		attemptID := callID + "-" + strconv.Itoa(attempt)
		res.Attempts = attempt
		res.AttemptIDs = append(res.AttemptIDs, attemptID)
		log := c.log.With().Str("correlation_id", payload.CorrelationID).Str("attempt_id", attemptID).Int("attempt", attempt).Logger()

		resp, status, err := c.post(ctx, withAttempt(payload, attemptID, attempt), attemptID)
		res.HTTPStatus = status
		if err == nil {
			telemetry.WebhookAttempts.WithLabelValues("success").Inc()
			res.Response = resp
			if err := identity.CheckReportedWorkflow(resp.ReportedWorkflow()); err != nil {
				telemetry.IdentityViolations.Inc()
				log.Error().Err(err).Msg("external service reported unexpected workflow")
				return res, err
			}
			log.Info().Int("status", status).Str("workflow_id", resp.ReportedWorkflow()).Msg("webhook accepted")
			return res, nil
		}
		lastErr = err

		if !c.retryable(ctx, err) {
			telemetry.WebhookAttempts.WithLabelValues("fatal").Inc()
			log.Warn().Err(err).Msg("webhook failed, not retrying")
			return res, fmt.Errorf("%w: %w", ErrNonRetryable, err)
		}
		telemetry.WebhookAttempts.WithLabelValues("retryable").Inc()
		if attempt == c.policy.MaxRetries {
			break
		}

		delay := Backoff(c.policy, attempt, c.jitter(c.policy.Jitter))
		res.Delays = append(res.Delays, delay)
		log.Warn().Err(err).Dur("delay", delay).Msg("webhook attempt failed, backing off")
		if err := c.clock.Sleep(ctx, delay); err != nil {
			return res, fmt.Errorf("webhook retry interrupted: %w", err)
		}
	}
	return res, fmt.Errorf("webhook failed after %d attempts: %w", res.Attempts, lastErr)
}

func (c *Caller) retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return c.policy.Retryable(se.Code)
	}
	var de *decodeError
	if errors.As(err, &de) {
		return false
	}
	return true
}

type decodeError struct{ err error }

func (e *decodeError) Error() string { return "decode webhook response: " + e.err.Error() }
func (e *decodeError) Unwrap() error { return e.err }

func (c *Caller) post(ctx context.Context, payload models.OutboundPayload, attemptID string) (Response, int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Response{}, 0, &decodeError{err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return Response{}, 0, &decodeError{err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("X-Correlation-ID", payload.CorrelationID)
	req.Header.Set("X-Attempt-ID", attemptID)
	req.Header.Set("Idempotency-Key", payload.CorrelationID)

	resp, err := c.client.Do(req)
	if err != nil {
		return Response{}, 0, fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Response{}, resp.StatusCode, fmt.Errorf("read webhook response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Response{}, resp.StatusCode, &StatusError{Code: resp.StatusCode, Body: truncate(string(raw), 256)}
	}
	var out Response
	if err := json.Unmarshal(raw, &out); err != nil {
		return Response{}, resp.StatusCode, &decodeError{err: err}
	}
	return out, resp.StatusCode, nil
}

// withAttempt copies payload metadata and stamps the attempt identity.
func withAttempt(p models.OutboundPayload, attemptID string, attempt int) models.OutboundPayload {
	meta := make(map[string]any, len(p.Metadata)+3)
	for k, v := range p.Metadata {
		meta[k] = v
	}
	meta["attempt_id"] = attemptID
	meta["attempt"] = attempt
	meta["correlation_id"] = p.CorrelationID
	p.Metadata = meta
	return p
}

// Backoff returns min(base*2^(attempt-1) + jitter, max).
func Backoff(p models.RetryPolicy, attempt int, jitter time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if jitter < 0 {
		jitter = 0
	}
	if attempt > 32 {
		return p.MaxDelay
	}
	wait := p.BaseDelay*time.Duration(int64(1)<<(attempt-1)) + jitter
	if wait < 0 || (p.MaxDelay > 0 && wait > p.MaxDelay) {
		wait = p.MaxDelay
	}
	return wait
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
