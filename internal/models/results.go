package models

import "time"

// Tier outcome labels.
const (
	TierSucceeded     = "succeeded"
	TierFailed        = "failed"
	TierPlaceholder   = "placeholder"
	TierNotConfigured = "not_configured"
	TierMocked        = "mocked"
	TierSkipped       = "skipped"
)

// InternalTierResult is what the internal workflow engine produced.
type InternalTierResult struct {
	Status      string        `json:"status"`
	WorkflowID  string        `json:"workflow_id,omitempty"`
	SessionID   string        `json:"session_id,omitempty"`
	PollingURL  string        `json:"polling_url,omitempty"`
	Placeholder bool          `json:"placeholder,omitempty"`
	Error       string        `json:"error,omitempty"`
	Duration    time.Duration `json:"duration_ns"`
}

// ExternalTierResult is the outcome of the external agent webhook.
type ExternalTierResult struct {
	Status     string        `json:"status"`
	WorkflowID string        `json:"workflow_id,omitempty"`
	SessionID  string        `json:"session_id,omitempty"`
	PollingURL string        `json:"polling_url,omitempty"`
	Attempts   int           `json:"attempts,omitempty"`
	HTTPStatus int           `json:"http_status,omitempty"`
	Error      string        `json:"error,omitempty"`
	Warnings   []string      `json:"warnings,omitempty"`
	Duration   time.Duration `json:"duration_ns"`
}

// SyncResults combines both tiers. Success follows the internal tier.
type SyncResults struct {
	Success         bool                `json:"success"`
	WorkflowID      string              `json:"workflow_id,omitempty"`
	ExternalEnabled bool                `json:"external_enhanced"`
	Internal        *InternalTierResult `json:"internal"`
	External        *ExternalTierResult `json:"external"`
	Error           string              `json:"error,omitempty"`
}

// OutboundPayload is the body posted to the external agent service.
// WorkflowName and WorkflowID are filled from pinned constants only.
type OutboundPayload struct {
	WorkflowName  string         `json:"workflow_name"`
	WorkflowID    string         `json:"workflow_id"`
	ClientName    string         `json:"client_name,omitempty"`
	Industry      string         `json:"industry,omitempty"`
	Recipients    []string       `json:"recipients,omitempty"`
	Platforms     []string       `json:"platforms,omitempty"`
	TriggeredBy   string         `json:"triggered_by"`
	ForceSync     bool           `json:"force_sync"`
	CorrelationID string         `json:"correlation_id"`
	Metadata      map[string]any `json:"metadata"`
}
