// Package mock provides an in-process Provider for tests and examples.
package mock

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	keyrouter "github.com/ineyio/keyrouter"
)

// Provider is a mock LLM provider for testing.
type Provider struct {
	name         string
	latency      time.Duration
	failAfter    int
	callCount    atomic.Int64
	staticErr    error
	usage        keyrouter.Usage
	responseFunc func(keyrouter.ProviderRequest) (keyrouter.ProviderResponse, error)

	mu       sync.Mutex
	script   []error
	credErrs map[string]error
	calls    []keyrouter.ProviderRequest
}

var _ keyrouter.Provider = (*Provider)(nil)

// Option configures a mock Provider.
type Option func(*Provider)

// New creates a mock provider with the given options.
func New(opts ...Option) *Provider {
	p := &Provider{
		name: "mock",
		usage: keyrouter.Usage{
			PromptTokens:     10,
			CompletionTokens: 20,
			TotalTokens:      30,
		},
		credErrs: make(map[string]error),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WithName sets the provider name.
func WithName(name string) Option {
	return func(p *Provider) { p.name = name }
}

// WithLatency adds simulated latency to each call.
func WithLatency(d time.Duration) Option {
	return func(p *Provider) { p.latency = d }
}

// WithFailAfter makes the provider fail after N successful calls.
func WithFailAfter(n int) Option {
	return func(p *Provider) { p.failAfter = n }
}

// WithError makes the provider always return this error.
func WithError(err error) Option {
	return func(p *Provider) { p.staticErr = err }
}

// WithScript returns the given errors on consecutive calls, one per call.
// A nil entry means success. Once the script is used up calls succeed.
func WithScript(errs ...error) Option {
	return func(p *Provider) { p.script = append(p.script, errs...) }
}

// WithCredentialError makes every call with credentialID fail with err.
func WithCredentialError(credentialID string, err error) Option {
	return func(p *Provider) { p.credErrs[credentialID] = err }
}

// WithUsage sets the usage returned by the mock.
func WithUsage(u keyrouter.Usage) Option {
	return func(p *Provider) { p.usage = u }
}

// WithResponseFunc sets a custom response function.
func WithResponseFunc(fn func(keyrouter.ProviderRequest) (keyrouter.ProviderResponse, error)) Option {
	return func(p *Provider) { p.responseFunc = fn }
}

func (p *Provider) Name() string { return p.name }

// SetCredentialError changes the failure of a credential at runtime. A nil
// err makes it healthy again.
func (p *Provider) SetCredentialError(credentialID string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.credErrs, credentialID)
		return
	}
	p.credErrs[credentialID] = err
}

func (p *Provider) Complete(ctx context.Context, req keyrouter.ProviderRequest) (keyrouter.ProviderResponse, error) {
	if p.latency > 0 {
		select {
		case <-time.After(p.latency):
		case <-ctx.Done():
			return keyrouter.ProviderResponse{}, ctx.Err()
		}
	}

	count := p.callCount.Add(1)

	p.mu.Lock()
	p.calls = append(p.calls, req)
	var scripted error
	if len(p.script) > 0 {
		scripted = p.script[0]
		p.script = p.script[1:]
	}
	credErr := p.credErrs[req.Credential.ID]
	p.mu.Unlock()

	switch {
	case p.staticErr != nil:
		return keyrouter.ProviderResponse{}, p.staticErr
	case credErr != nil:
		return keyrouter.ProviderResponse{}, credErr
	case scripted != nil:
		return keyrouter.ProviderResponse{}, scripted
	}

	if p.failAfter > 0 && int(count) > p.failAfter {
		return keyrouter.ProviderResponse{}, keyrouter.ErrProviderUnavailable
	}

	if p.responseFunc != nil {
		return p.responseFunc(req)
	}

	return keyrouter.ProviderResponse{
		ID:      fmt.Sprintf("mock-%d", count),
		Content: reply(req.Messages),
		Usage:   p.usage,
		Model:   req.Model,
	}, nil
}

// CallCount returns the number of calls made to the provider.
func (p *Provider) CallCount() int64 { return p.callCount.Load() }

// Calls returns a copy of every request received so far.
func (p *Provider) Calls() []keyrouter.ProviderRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]keyrouter.ProviderRequest, len(p.calls))
	copy(out, p.calls)
	return out
}

// CredentialsUsed returns the credential of every call, in order.
func (p *Provider) CredentialsUsed() []string {
	calls := p.Calls()
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.Credential.ID
	}
	return out
}

func reply(msgs []keyrouter.Message) string {
	var parts []string
	for _, m := range msgs {
		if m.Role == "user" {
			parts = append(parts, m.Content)
		}
	}
	if len(parts) == 0 {
		return "Hello from mock provider"
	}
	return "echo: " + strings.Join(parts, " | ")
}
