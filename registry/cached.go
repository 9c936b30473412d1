package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	keyrouter "github.com/ineyio/keyrouter"
)

// ErrReadOnly is returned by Cached admin calls when the wrapped registry
// does not accept changes.
var ErrReadOnly = errors.New("keyrouter/registry: registry is read-only")

const defaultCacheTTL = 10 * time.Second

// Cached keeps ListCandidates results for a short TTL. Concurrent misses for
// the same (tenant, family) are collapsed into one lookup. Admin calls made
// through Cached invalidate the cache so they are visible to the next
// selection.
type Cached struct {
	inner keyrouter.Registry
	ttl   time.Duration
	now   func() time.Time

	mu      sync.Mutex
	entries map[string]cacheEntry
	gen     uint64
	group   singleflight.Group
}

type cacheEntry struct {
	instances []keyrouter.ModelInstance
	fetchedAt time.Time
}

var (
	_ keyrouter.Registry           = (*Cached)(nil)
	_ keyrouter.Admin              = (*Cached)(nil)
	_ keyrouter.CredentialDisabler = (*Cached)(nil)
)

// CachedOption configures Cached.
type CachedOption func(*Cached)

// WithTTL sets how long results are reused (default 10s).
func WithTTL(d time.Duration) CachedOption {
	return func(c *Cached) { c.ttl = d }
}

// WithCacheClock sets the time source.
func WithCacheClock(now func() time.Time) CachedOption {
	return func(c *Cached) { c.now = now }
}

// NewCached wraps inner with a TTL cache.
func NewCached(inner keyrouter.Registry, opts ...CachedOption) *Cached {
	c := &Cached{
		inner:   inner,
		ttl:     defaultCacheTTL,
		now:     time.Now,
		entries: make(map[string]cacheEntry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Inner returns the wrapped registry.
func (c *Cached) Inner() keyrouter.Registry { return c.inner }

func (c *Cached) ListCandidates(ctx context.Context, tenantID, family string) ([]keyrouter.ModelInstance, error) {
	key := tenantID + "\x00" + family

	c.mu.Lock()
	if e, ok := c.entries[key]; ok && c.now().Sub(e.fetchedAt) < c.ttl {
		c.mu.Unlock()
		return clone(e.instances), nil
	}
	gen := c.gen
	c.mu.Unlock()

	v, err, _ := c.group.Do(key, func() (any, error) {
		instances, err := c.inner.ListCandidates(ctx, tenantID, family)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		// A result fetched before an invalidation must not be cached.
		if c.gen == gen {
			c.entries[key] = cacheEntry{instances: instances, fetchedAt: c.now()}
		}
		c.mu.Unlock()
		return instances, nil
	})
	if err != nil {
		return nil, err
	}
	return clone(v.([]keyrouter.ModelInstance)), nil
}

// ListInstances is never cached.
func (c *Cached) ListInstances(ctx context.Context) ([]keyrouter.ModelInstance, error) {
	return c.inner.ListInstances(ctx)
}

// Invalidate drops every cached entry.
func (c *Cached) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
	c.gen++
}

func (c *Cached) admin() (keyrouter.Admin, error) {
	a, ok := c.inner.(keyrouter.Admin)
	if !ok {
		return nil, ErrReadOnly
	}
	return a, nil
}

func (c *Cached) SetEnabled(ctx context.Context, key keyrouter.InstanceKey, enabled bool) error {
	a, err := c.admin()
	if err != nil {
		return err
	}
	defer c.Invalidate()
	return a.SetEnabled(ctx, key, enabled)
}

func (c *Cached) SetPriority(ctx context.Context, key keyrouter.InstanceKey, priority int) error {
	a, err := c.admin()
	if err != nil {
		return err
	}
	defer c.Invalidate()
	return a.SetPriority(ctx, key, priority)
}

func (c *Cached) UpsertCredential(ctx context.Context, cred keyrouter.Credential) error {
	a, err := c.admin()
	if err != nil {
		return err
	}
	defer c.Invalidate()
	return a.UpsertCredential(ctx, cred)
}

func (c *Cached) RemoveCredential(ctx context.Context, credentialID string) error {
	a, err := c.admin()
	if err != nil {
		return err
	}
	defer c.Invalidate()
	return a.RemoveCredential(ctx, credentialID)
}

func (c *Cached) UpsertInstance(ctx context.Context, inst keyrouter.ModelInstance) error {
	a, err := c.admin()
	if err != nil {
		return err
	}
	defer c.Invalidate()
	return a.UpsertInstance(ctx, inst)
}

func (c *Cached) DisableCredential(ctx context.Context, credentialID, reason string) error {
	d, ok := c.inner.(keyrouter.CredentialDisabler)
	if !ok {
		return ErrReadOnly
	}
	defer c.Invalidate()
	return d.DisableCredential(ctx, credentialID, reason)
}

func clone(in []keyrouter.ModelInstance) []keyrouter.ModelInstance {
	if in == nil {
		return nil
	}
	out := make([]keyrouter.ModelInstance, len(in))
	copy(out, in)
	return out
}
