package mock_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	keyrouter "github.com/ineyio/keyrouter"
	"github.com/ineyio/keyrouter/provider/mock"
)

func request(cred string, texts ...string) keyrouter.ProviderRequest {
	req := keyrouter.ProviderRequest{Credential: keyrouter.Credential{ID: cred}, Model: "flash"}
	for _, t := range texts {
		req.Messages = append(req.Messages, keyrouter.Message{Role: "user", Content: t})
	}
	return req
}

func TestProvider_Echo(t *testing.T) {
	p := mock.New()
	resp, err := p.Complete(context.Background(), request("k1", "a", "b"))
	require.NoError(t, err)
	assert.Equal(t, "echo: a | b", resp.Content)
	assert.Equal(t, "mock-1", resp.ID)
	assert.Equal(t, "flash", resp.Model)

	resp, err = p.Complete(context.Background(), request("k1"))
	require.NoError(t, err)
	assert.Equal(t, "Hello from mock provider", resp.Content)
	assert.Equal(t, int64(2), p.CallCount())
}

func TestProvider_Script(t *testing.T) {
	p := mock.New(mock.WithScript(keyrouter.ErrRateLimited, nil, keyrouter.ErrProviderUnavailable))
	ctx := context.Background()

	_, err := p.Complete(ctx, request("k1", "x"))
	assert.ErrorIs(t, err, keyrouter.ErrRateLimited)
	_, err = p.Complete(ctx, request("k1", "x"))
	assert.NoError(t, err)
	_, err = p.Complete(ctx, request("k1", "x"))
	assert.ErrorIs(t, err, keyrouter.ErrProviderUnavailable)
	_, err = p.Complete(ctx, request("k1", "x"))
	assert.NoError(t, err)
}

func TestProvider_CredentialError(t *testing.T) {
	p := mock.New(mock.WithCredentialError("bad", keyrouter.ErrAuthFailed))
	ctx := context.Background()

	_, err := p.Complete(ctx, request("bad", "x"))
	assert.ErrorIs(t, err, keyrouter.ErrAuthFailed)
	_, err = p.Complete(ctx, request("good", "x"))
	assert.NoError(t, err)

	p.SetCredentialError("bad", nil)
	_, err = p.Complete(ctx, request("bad", "x"))
	assert.NoError(t, err)
	assert.Equal(t, []string{"bad", "good", "bad"}, p.CredentialsUsed())
}

func TestProvider_FailAfter(t *testing.T) {
	p := mock.New(mock.WithFailAfter(1), mock.WithUsage(keyrouter.Usage{TotalTokens: 7}))
	resp, err := p.Complete(context.Background(), request("k1", "x"))
	require.NoError(t, err)
	assert.Equal(t, int64(7), resp.Usage.TotalTokens)
	assert.Equal(t, int64(7), resp.Units(keyrouter.QuotaTokens))
	assert.Equal(t, int64(1), resp.Units(keyrouter.QuotaRequests))

	_, err = p.Complete(context.Background(), request("k1", "x"))
	assert.ErrorIs(t, err, keyrouter.ErrProviderUnavailable)
}
