package keyrouter

import "context"

// Provider is the external collaborator that calls the LLM.
type Provider interface {
	// Name returns the provider identifier.
	Name() string

	// Complete performs a single completion with the given credential and
	// model. Failures should wrap ErrQuotaExceeded, ErrRateLimited,
	// ErrAuthFailed or ErrProviderUnavailable so they can be classified.
	Complete(ctx context.Context, req ProviderRequest) (ProviderResponse, error)
}

// ProviderRequest is the request sent to a provider adapter.
type ProviderRequest struct {
	Credential Credential
	Model      string
	Messages   []Message

	Temperature *float64
	MaxTokens   *int
}

// ProviderResponse is the response from a provider adapter.
type ProviderResponse struct {
	ID      string
	Content string
	Usage   Usage
	Model   string
}

// Units returns the quota units consumed under the given unit.
func (r ProviderResponse) Units(unit QuotaUnit) int64 {
	if unit == QuotaTokens {
		return r.Usage.TotalTokens
	}
	return 1
}
