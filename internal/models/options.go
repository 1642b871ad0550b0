package models

import (
	"fmt"
	"time"
)

// SyncScope controls platform breadth and the estimated duration of a sync.
type SyncScope string

const (
	ScopeQuick             SyncScope = "quick"
	ScopeStandard          SyncScope = "standard"
	ScopeFull              SyncScope = "full"
	ScopePriorityPlatforms SyncScope = "priority_platforms"
)

var scopePlatforms = map[SyncScope][]string{
	ScopeQuick:             {"content_recs", "cms"},
	ScopeStandard:          {"content_recs", "cms", "odp", "webx"},
	ScopeFull:              {"content_recs", "cms", "odp", "webx", "cmp"},
	ScopePriorityPlatforms: {"odp", "content_recs", "cms"},
}

var scopeDurations = map[SyncScope]time.Duration{
	ScopeQuick:             2 * time.Minute,
	ScopeStandard:          5 * time.Minute,
	ScopeFull:              8 * time.Minute,
	ScopePriorityPlatforms: 4 * time.Minute,
}

// ParseScope maps an empty value to the default and rejects unknown scopes.
func ParseScope(v string) (SyncScope, error) {
	if v == "" {
		return ScopePriorityPlatforms, nil
	}
	s := SyncScope(v)
	if _, ok := scopePlatforms[s]; !ok {
		return "", fmt.Errorf("unknown sync scope %q", v)
	}
	return s, nil
}

// Platforms lists the platforms covered by the scope.
func (s SyncScope) Platforms() []string {
	p := scopePlatforms[s]
	out := make([]string, len(p))
	copy(out, p)
	return out
}

// EstimatedDuration is a display hint, not a deadline.
func (s SyncScope) EstimatedDuration() time.Duration {
	return scopeDurations[s]
}

// ClientContext is passed through to both tiers untouched.
type ClientContext struct {
	ClientName string   `json:"client_name,omitempty"`
	Industry   string   `json:"industry,omitempty"`
	Recipients []string `json:"recipients,omitempty"`
}

// ForceSyncOptions is the trigger request.
type ForceSyncOptions struct {
	SyncScope     SyncScope      `json:"sync_scope"`
	ClientContext ClientContext  `json:"client_context"`
	TriggeredBy   string         `json:"triggered_by"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

func (o ForceSyncOptions) Clone() ForceSyncOptions {
	out := o
	if o.ClientContext.Recipients != nil {
		out.ClientContext.Recipients = append([]string(nil), o.ClientContext.Recipients...)
	}
	if o.Metadata != nil {
		out.Metadata = make(map[string]any, len(o.Metadata))
		for k, v := range o.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// RetryPolicy bounds the webhook caller. MaxRetries is the total number of
// attempts.
type RetryPolicy struct {
	MaxRetries        int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	Jitter            time.Duration
	RetryableStatuses map[int]bool
}

// Retryable reports whether an HTTP status is in the retryable set.
func (p RetryPolicy) Retryable(status int) bool {
	return p.RetryableStatuses[status]
}

// DefaultRetryableStatuses are the statuses retried when none are configured.
func DefaultRetryableStatuses() map[int]bool {
	return map[int]bool{408: true, 425: true, 429: true, 500: true, 502: true, 503: true, 504: true}
}
