// Package identity pins the external agent service to one account and one
// workflow. Validation is pure: it reads configuration and returns a
// decision without performing I/O.
package identity

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"forcesync/internal/config"
)

// Pinned identity of the external agent service. These are not
// configuration: changing them requires a code change and review.
const (
	AllowedDomain    = "webhook.opal.optimizely.com"
	AllowedAccountID = "8e2b1f4c-6a3d-4e9b-b7c1-d05f9a3e2c68"
	WorkflowName     = "strategy_workflow"
	WorkflowID       = "wf-strategy-force-sync-01"

	MinTokenLength = 32
	MockWebhookURL = "mock://external-agent/disabled"
)

var placeholderTokens = map[string]bool{
	"changeme":        true,
	"change-me":       true,
	"your-token-here": true,
	"your_token_here": true,
	"your-api-key":    true,
	"your_api_key":    true,
	"placeholder":     true,
	"replace-me":      true,
	"todo":            true,
	"dummy":           true,
	"test":            true,
	"secret":          true,
	"<token>":         true,
}

// ErrMismatch is a security violation: the external service answered for a
// workflow other than the pinned one. It is never retried.
var ErrMismatch = errors.New("external workflow identity mismatch")

// ConfigError carries every validation error found in strict mode.
type ConfigError struct {
	Errors []string
}

func (e *ConfigError) Error() string {
	return "external identity configuration invalid: " + strings.Join(e.Errors, "; ")
}

// Pin is the domain and account an endpoint must match.
type Pin struct {
	Domain       string
	AccountID    string
	RequireHTTPS bool
}

// DefaultPin is the production pin built from the constants above.
func DefaultPin() Pin {
	return Pin{Domain: AllowedDomain, AccountID: AllowedAccountID, RequireHTTPS: true}
}

// ExternalConfig is the resolved external endpoint the executor may use.
type ExternalConfig struct {
	WebhookURL string
	Token      string
	Configured bool
	// Mock is set when relaxed mode substituted a safe configuration; no
	// network call is made against it.
	Mock bool
}

// Result is the outcome of Validate.
type Result struct {
	Valid    bool
	Strict   bool
	Errors   []string
	Warnings []string
	Resolved ExternalConfig
}

// Err returns a *ConfigError when the result is not valid.
func (r Result) Err() error {
	if r.Valid {
		return nil
	}
	return &ConfigError{Errors: append([]string(nil), r.Errors...)}
}

// Validator checks external configuration against a Pin.
type Validator struct {
	pin Pin
}

func NewValidator(pin Pin) *Validator {
	return &Validator{pin: pin}
}

// Validate checks domain, then account, then credential. In strict mode
// violations are errors; otherwise they are downgraded to warnings and a
// mock configuration is substituted.
func (v *Validator) Validate(cfg config.Config) Result {
	res := Result{Strict: cfg.Strict()}
	rawURL := strings.TrimSpace(cfg.ExternalWebhookURL)
	token := strings.TrimSpace(cfg.ExternalWebhookToken)

	if rawURL == "" && token == "" {
		res.Valid = true
		res.Warnings = append(res.Warnings, "external agent webhook not configured")
		return res
	}

	var problems []string
	u, err := url.Parse(rawURL)
	if rawURL == "" || err != nil || u.Host == "" {
		problems = append(problems, "webhook url missing or unparseable")
	} else {
		if p := v.checkDomain(u); p != "" {
			problems = append(problems, p)
		}
		if p := v.checkAccount(u); p != "" {
			problems = append(problems, p)
		}
	}
	if p := checkToken(token); p != "" {
		problems = append(problems, p)
	}

	if len(problems) == 0 {
		res.Valid = true
		res.Resolved = ExternalConfig{WebhookURL: rawURL, Token: token, Configured: true}
		return res
	}
	if res.Strict {
		res.Errors = problems
		return res
	}
	res.Valid = true
	res.Warnings = append(res.Warnings, problems...)
	res.Warnings = append(res.Warnings, "substituting mock external configuration")
	res.Resolved = ExternalConfig{WebhookURL: MockWebhookURL, Configured: true, Mock: true}
	return res
}

func (v *Validator) checkDomain(u *url.URL) string {
	if v.pin.RequireHTTPS && u.Scheme != "https" {
		return fmt.Sprintf("webhook url must use https, got %q", u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	domain := strings.ToLower(v.pin.Domain)
	if host != domain && !strings.HasSuffix(host, "."+domain) {
		return fmt.Sprintf("webhook host %q is outside %q", host, domain)
	}
	return ""
}

func (v *Validator) checkAccount(u *url.URL) string {
	for _, seg := range strings.Split(u.Path, "/") {
		if seg == v.pin.AccountID {
			return ""
		}
	}
	return "webhook url does not reference the pinned account"
}

func checkToken(token string) string {
	if token == "" {
		return "webhook token missing"
	}
	if len(token) < MinTokenLength {
		return fmt.Sprintf("webhook token shorter than %d characters", MinTokenLength)
	}
	lower := strings.ToLower(token)
	if placeholderTokens[lower] || strings.Contains(lower, "placeholder") || strings.Contains(lower, "changeme") ||
		strings.HasPrefix(lower, "your-") || strings.HasPrefix(lower, "your_") || repeated(lower) {
		return "webhook token is a placeholder"
	}
	return ""
}

func repeated(s string) bool {
	for i := 1; i < len(s); i++ {
		if s[i] != s[0] {
			return false
		}
	}
	return true
}

// Validate runs the production pin.
func Validate(cfg config.Config) Result {
	return NewValidator(DefaultPin()).Validate(cfg)
}

// CheckReportedWorkflow compares the workflow identifier reported by the
// external service against the pinned constant.
func CheckReportedWorkflow(reported string) error {
	if reported != WorkflowID {
		return fmt.Errorf("%w: reported %q", ErrMismatch, reported)
	}
	return nil
}
