package keyrouter

import (
	"fmt"
	"time"
)

// OwnerScope says who owns a credential.
type OwnerScope string

const (
	ScopeTenant OwnerScope = "tenant"
	ScopeShared OwnerScope = "shared"
)

// Credential is a provider API key record.
type Credential struct {
	ID          string     `json:"id"`
	Scope       OwnerScope `json:"scope"`
	TenantID    string     `json:"tenant_id,omitempty"`
	Active      bool       `json:"active"`
	DisplayName string     `json:"display_name,omitempty"`
	APIKey      string     `json:"-"`

	// AllowedTenants restricts a shared credential to the listed tenants.
	// Empty means every tenant may use it.
	AllowedTenants []string `json:"allowed_tenants,omitempty"`
}

// InstanceKey identifies a (credential, model) pair.
type InstanceKey struct {
	CredentialID string `json:"credential_id"`
	Model        string `json:"model"`
}

func (k InstanceKey) String() string {
	return k.CredentialID + "/" + k.Model
}

// ModelInstance is the unit the router selects.
type ModelInstance struct {
	Key        InstanceKey
	Credential Credential
	Family     string
	Priority   int // lower is preferred
	Enabled    bool
	Limits     Limits
}

// FamilyName returns the instance family, falling back to the model name.
func (m ModelInstance) FamilyName() string {
	if m.Family != "" {
		return m.Family
	}
	return m.Key.Model
}

// Limits are the per-instance quota limits. Zero means unlimited.
type Limits struct {
	RPM   int64 `yaml:"rpm" json:"rpm"`
	RPH   int64 `yaml:"rph" json:"rph"`
	RPD   int64 `yaml:"rpd" json:"rpd"`
	Total int64 `yaml:"total" json:"total"`

	// TotalResetEvery rolls the total counter periodically. Zero never resets.
	TotalResetEvery time.Duration `yaml:"total_reset_every" json:"total_reset_every"`
	Unit            QuotaUnit     `yaml:"unit" json:"unit"`
}

// Limit returns the configured limit for w.
func (l Limits) Limit(w Window) int64 {
	switch w {
	case WindowTotal:
		return l.Total
	case WindowDay:
		return l.RPD
	case WindowHour:
		return l.RPH
	case WindowMinute:
		return l.RPM
	default:
		return 0
	}
}

// Period returns how often w rolls under these limits. Zero means never.
func (l Limits) Period(w Window) time.Duration {
	if w == WindowTotal {
		return l.TotalResetEvery
	}
	return w.Duration()
}

// QuotaUnit defines how the total quota is measured.
type QuotaUnit string

const (
	QuotaTokens   QuotaUnit = "tokens"
	QuotaRequests QuotaUnit = "requests"
)

// Window is a quota accounting period.
type Window int

// Windows in the order RecordAttempt checks them.
const (
	WindowTotal Window = iota
	WindowDay
	WindowHour
	WindowMinute
)

// CheckOrder is the fixed order in which windows are evaluated.
var CheckOrder = [...]Window{WindowTotal, WindowDay, WindowHour, WindowMinute}

func (w Window) String() string {
	switch w {
	case WindowTotal:
		return "total"
	case WindowDay:
		return "rpd"
	case WindowHour:
		return "rph"
	case WindowMinute:
		return "rpm"
	default:
		return fmt.Sprintf("window(%d)", int(w))
	}
}

// Duration returns the window length. The total window has no fixed length.
func (w Window) Duration() time.Duration {
	switch w {
	case WindowDay:
		return 24 * time.Hour
	case WindowHour:
		return time.Hour
	case WindowMinute:
		return time.Minute
	default:
		return 0
	}
}

// UsageWindow is one counter of the ledger.
type UsageWindow struct {
	Used        int64         `json:"used"`
	Limit       int64         `json:"limit"`
	WindowStart time.Time     `json:"window_start"`
	Duration    time.Duration `json:"duration"`
}

// Percent returns used/limit in percent, or 0 when unlimited.
func (w UsageWindow) Percent() float64 {
	if w.Limit <= 0 {
		return 0
	}
	return float64(w.Used) * 100 / float64(w.Limit)
}

// UsageSnapshot is a read-only view of an instance's counters.
type UsageSnapshot struct {
	Minute     UsageWindow `json:"rpm"`
	Hour       UsageWindow `json:"rph"`
	Day        UsageWindow `json:"rpd"`
	Total      UsageWindow `json:"total"`
	LastUsedAt time.Time   `json:"last_used_at"`
}

// Window returns the counter for w.
func (s UsageSnapshot) Window(w Window) UsageWindow {
	switch w {
	case WindowTotal:
		return s.Total
	case WindowDay:
		return s.Day
	case WindowHour:
		return s.Hour
	default:
		return s.Minute
	}
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is one logical AI-reply request.
type Request struct {
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
}

// Response is the result of Router.Execute.
type Response struct {
	ID      string
	Content string
	Usage   Usage
	Routing RoutingInfo
}

// Usage represents token usage information.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// RoutingInfo describes which instance served the request.
type RoutingInfo struct {
	RequestID    string
	CredentialID string
	Model        string
	Family       string
	Priority     int
	Attempts     int
}

// IntPtr returns a pointer to the given int.
func IntPtr(v int) *int { return &v }

// Float64Ptr returns a pointer to the given float64.
func Float64Ptr(v float64) *float64 { return &v }
