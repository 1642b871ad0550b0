// Package executor runs one sync across the internal workflow engine and
// the external agent webhook and combines the two outcomes.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"forcesync/internal/clock"
	"forcesync/internal/config"
	"forcesync/internal/identity"
	"forcesync/internal/logger"
	"forcesync/internal/models"
	"forcesync/internal/telemetry"
	"forcesync/internal/webhook"
	"forcesync/internal/workflow"
)

const (
	tierInternal = "internal"
	tierExternal = "external"

	progressInternalDone = 50
	progressExternalDone = 90
)

// Tracker receives progress updates; session.Manager satisfies it. It
// returns an error wrapping session.ErrTerminal once the session finished.
type Tracker interface {
	Progress(ctx context.Context, id string, percent int, message string, ev models.EventType, fields map[string]any) (*models.SyncSession, error)
}

// ErrAborted means the session turned terminal mid-run; remaining tiers are
// skipped and results are discarded.
var ErrAborted = errors.New("session finished before execution completed")

// Options wires an Executor.
type Options struct {
	Engine          workflow.Engine
	Tracker         Tracker
	Validator       *identity.Validator
	Config          config.Config
	Policy          models.RetryPolicy
	InternalTimeout time.Duration
	CallerOptions   []webhook.Option
	Clock           clock.Clock
}

type Executor struct {
	engine          workflow.Engine
	tracker         Tracker
	validator       *identity.Validator
	cfg             config.Config
	policy          models.RetryPolicy
	internalTimeout time.Duration
	callerOpts      []webhook.Option
	clock           clock.Clock
	log             zerolog.Logger
}

func New(opts Options) *Executor {
	if opts.Validator == nil {
		opts.Validator = identity.NewValidator(identity.DefaultPin())
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.InternalTimeout <= 0 {
		opts.InternalTimeout = 30 * time.Second
	}
	return &Executor{
		engine:          opts.Engine,
		tracker:         opts.Tracker,
		validator:       opts.Validator,
		cfg:             opts.Config,
		policy:          opts.Policy,
		internalTimeout: opts.InternalTimeout,
		callerOpts:      opts.CallerOptions,
		clock:           opts.Clock,
		log:             logger.Component("executor"),
	}
}

// Run executes the internal tier, then the external tier, and combines
// them. Overall success follows the internal tier unless the external
// service violated identity pinning.
func (e *Executor) Run(ctx context.Context, s *models.SyncSession) (*models.SyncResults, error) {
	log := e.log.With().Str("session_id", s.ID).Str("correlation_id", s.CorrelationID).Logger()

	internal := e.runInternal(ctx, s, log)
	if _, err := e.tracker.Progress(ctx, s.ID, progressInternalDone, "Internal workflow tier finished",
		models.EventInternalTierCompleted, map[string]any{
			"status":      internal.Status,
			"workflow_id": internal.WorkflowID,
		}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAborted, err)
	}

	external, violation := e.runExternal(ctx, s, log)
	if _, err := e.tracker.Progress(ctx, s.ID, progressExternalDone, "External agent tier finished",
		models.EventAgentCompleted, map[string]any{
			"status":   external.Status,
			"attempts": external.Attempts,
		}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAborted, err)
	}

	res := Combine(internal, external, violation)
	log.Info().
		Bool("success", res.Success).
		Str("internal", internal.Status).
		Str("external", external.Status).
		Msg("tiers combined")
	return res, nil
}

// Combine applies the success rule: the internal tier decides unless an
// identity violation occurred.
func Combine(internal *models.InternalTierResult, external *models.ExternalTierResult, violation error) *models.SyncResults {
	res := &models.SyncResults{
		Success:         internal.WorkflowID != "",
		WorkflowID:      internal.WorkflowID,
		ExternalEnabled: external.Status == models.TierSucceeded,
		Internal:        internal,
		External:        external,
	}
	if violation != nil {
		res.Success = false
		res.Error = violation.Error()
	}
	return res
}

func (e *Executor) runInternal(ctx context.Context, s *models.SyncSession, log zerolog.Logger) *models.InternalTierResult {
	start := e.clock.Now()
	tctx, cancel := context.WithTimeout(ctx, e.internalTimeout)
	defer cancel()

	resp, err := e.engine.TriggerWorkflow(tctx, workflow.Request{
		CorrelationID: s.CorrelationID,
		Scope:         s.Options.SyncScope,
		Platforms:     s.Options.SyncScope.Platforms(),
		ClientContext: s.Options.ClientContext,
		TriggeredBy:   s.Options.TriggeredBy,
		Metadata:      s.Options.Metadata,
	})
	elapsed := e.clock.Now().Sub(start)
	if err != nil {
		log.Warn().Err(err).Msg("internal workflow failed, continuing with placeholder")
		telemetry.TierDuration.WithLabelValues(tierInternal, models.TierPlaceholder).Observe(elapsed.Seconds())
		return &models.InternalTierResult{
			Status:      models.TierPlaceholder,
			WorkflowID:  "placeholder-" + s.CorrelationID,
			SessionID:   s.ID,
			Placeholder: true,
			Error:       err.Error(),
			Duration:    elapsed,
		}
	}
	telemetry.TierDuration.WithLabelValues(tierInternal, models.TierSucceeded).Observe(elapsed.Seconds())
	log.Info().Str("workflow_id", resp.WorkflowID).Msg("internal workflow triggered")
	return &models.InternalTierResult{
		Status:     models.TierSucceeded,
		WorkflowID: resp.WorkflowID,
		SessionID:  resp.SessionID,
		PollingURL: resp.PollingURL,
		Duration:   elapsed,
	}
}

// runExternal returns the tier result and, for configuration or response
// identity violations, the error that fails the session.
func (e *Executor) runExternal(ctx context.Context, s *models.SyncSession, log zerolog.Logger) (*models.ExternalTierResult, error) {
	start := e.clock.Now()
	check := e.validator.Validate(e.cfg)
	out := &models.ExternalTierResult{Warnings: check.Warnings}

	finish := func(status string) {
		out.Status = status
		out.Duration = e.clock.Now().Sub(start)
		telemetry.TierDuration.WithLabelValues(tierExternal, status).Observe(out.Duration.Seconds())
	}

	if err := check.Err(); err != nil {
		telemetry.IdentityViolations.Inc()
		log.Error().Err(err).Msg("external identity configuration rejected")
		out.Error = err.Error()
		finish(models.TierFailed)
		return out, err
	}
	ext := check.Resolved
	switch {
	case !ext.Configured:
		finish(models.TierNotConfigured)
		return out, nil
	case ext.Mock:
		log.Warn().Strs("warnings", check.Warnings).Msg("external agent mocked")
		out.WorkflowID = identity.WorkflowID
		finish(models.TierMocked)
		return out, nil
	}

	caller := webhook.NewCaller(ext.WebhookURL, ext.Token, e.policy, e.callerOpts...)
	log.Info().Str("url", ext.WebhookURL).Str("token", logger.Redact(ext.Token)).Msg("calling external agent")
	res, err := caller.Call(ctx, BuildPayload(s), s.ID)
	if res != nil {
		out.Attempts = res.Attempts
		out.HTTPStatus = res.HTTPStatus
	}
	if err != nil {
		out.Error = err.Error()
		finish(models.TierFailed)
		if errors.Is(err, identity.ErrMismatch) {
			return out, err
		}
		log.Warn().Err(err).Msg("external agent tier failed")
		return out, nil
	}
	out.WorkflowID = res.Response.ReportedWorkflow()
	out.SessionID = res.Response.SessionID
	out.PollingURL = res.Response.PollingURL
	finish(models.TierSucceeded)
	return out, nil
}

// BuildPayload assembles the locked outbound payload. Workflow identity and
// provenance come from constants and the session, never from request input.
func BuildPayload(s *models.SyncSession) models.OutboundPayload {
	meta := make(map[string]any, len(s.Options.Metadata)+4)
	for k, v := range s.Options.Metadata {
		meta[k] = v
	}
	meta["session_id"] = s.ID
	meta["sync_scope"] = string(s.Options.SyncScope)
	meta["requested_by"] = s.Options.TriggeredBy
	meta["async"] = s.Async

	triggeredBy := "force_sync"
	if s.Async {
		triggeredBy = "force_sync_async"
	}
	return models.OutboundPayload{
		WorkflowName:  identity.WorkflowName,
		WorkflowID:    identity.WorkflowID,
		ClientName:    s.Options.ClientContext.ClientName,
		Industry:      s.Options.ClientContext.Industry,
		Recipients:    s.Options.ClientContext.Recipients,
		Platforms:     s.Options.SyncScope.Platforms(),
		TriggeredBy:   triggeredBy,
		ForceSync:     true,
		CorrelationID: s.CorrelationID,
		Metadata:      meta,
	}
}
