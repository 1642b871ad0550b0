// Package workflow talks to the internal workflow engine, the tier that runs
// in every deployment.
package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"forcesync/internal/models"
)

// Request is what the orchestrator asks the engine to run.
type Request struct {
	CorrelationID string               `json:"correlation_id"`
	Scope         models.SyncScope     `json:"sync_scope"`
	Platforms     []string             `json:"platforms"`
	ClientContext models.ClientContext `json:"client_context"`
	TriggeredBy   string               `json:"triggered_by"`
	Metadata      map[string]any       `json:"metadata,omitempty"`
}

// Response identifies the workflow the engine started.
type Response struct {
	WorkflowID string `json:"workflow_id"`
	SessionID  string `json:"session_id"`
	PollingURL string `json:"polling_url"`
}

// Engine triggers one internal workflow run. Failures surface as errors.
type Engine interface {
	TriggerWorkflow(ctx context.Context, req Request) (Response, error)
}

// EngineFunc adapts a function to Engine.
type EngineFunc func(ctx context.Context, req Request) (Response, error)

func (f EngineFunc) TriggerWorkflow(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// ErrNoWorkflowID is returned when the engine answers without an id.
var ErrNoWorkflowID = errors.New("workflow engine returned no workflow id")

// HTTPEngine calls a remote engine at POST {baseURL}/workflows/trigger.
type HTTPEngine struct {
	baseURL string
	client  *http.Client
}

func NewHTTPEngine(baseURL string, timeout time.Duration) *HTTPEngine {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPEngine{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (e *HTTPEngine) TriggerWorkflow(ctx context.Context, req Request) (Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("marshal workflow request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/workflows/trigger", bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("build workflow request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Correlation-ID", req.CorrelationID)

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("trigger workflow: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Response{}, fmt.Errorf("workflow engine returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var out Response
	if err := json.Unmarshal(raw, &out); err != nil {
		return Response{}, fmt.Errorf("decode workflow response: %w", err)
	}
	if out.WorkflowID == "" {
		return Response{}, ErrNoWorkflowID
	}
	return out, nil
}

// LocalEngine runs in-process when no remote engine is configured. It
// acknowledges every trigger with fresh identifiers.
type LocalEngine struct {
	pollingBase string
}

func NewLocalEngine(pollingBase string) *LocalEngine {
	return &LocalEngine{pollingBase: strings.TrimRight(pollingBase, "/")}
}

func (e *LocalEngine) TriggerWorkflow(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	id := "wf-" + uuid.NewString()
	return Response{
		WorkflowID: id,
		SessionID:  req.CorrelationID,
		PollingURL: e.pollingBase + "/workflows/" + id,
	}, nil
}
