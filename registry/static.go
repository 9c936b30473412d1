package registry

import (
	"context"
	"fmt"
	"slices"
	"sync"

	keyrouter "github.com/ineyio/keyrouter"
	"github.com/ineyio/keyrouter/batch"
)

// Static is an in-memory registry seeded from a Config. Admin changes are
// applied in place and are visible to the next ListCandidates call.
type Static struct {
	mu            sync.RWMutex
	creds         map[string]keyrouter.Credential
	instances     map[keyrouter.InstanceKey]keyrouter.ModelInstance
	order         []keyrouter.InstanceKey
	tenants       map[string]keyrouter.TenantConfig
	batching      keyrouter.BatchingConfig
	defaultFamily string
	visibility    keyrouter.VisibilityPolicy
}

var (
	_ keyrouter.Registry           = (*Static)(nil)
	_ keyrouter.Admin              = (*Static)(nil)
	_ keyrouter.CredentialDisabler = (*Static)(nil)
	_ batch.SettingsSource         = (*Static)(nil)
)

// StaticOption configures Static.
type StaticOption func(*Static)

// WithVisibility replaces DefaultVisibility.
func WithVisibility(v keyrouter.VisibilityPolicy) StaticOption {
	return func(s *Static) { s.visibility = v }
}

// NewStatic builds a registry from cfg. cfg should already be validated.
func NewStatic(cfg keyrouter.Config, opts ...StaticOption) *Static {
	s := &Static{
		creds:         make(map[string]keyrouter.Credential, len(cfg.Credentials)),
		instances:     make(map[keyrouter.InstanceKey]keyrouter.ModelInstance, len(cfg.Instances)),
		tenants:       make(map[string]keyrouter.TenantConfig, len(cfg.Tenants)),
		batching:      cfg.Batching,
		defaultFamily: cfg.Router.DefaultFamily,
		visibility:    DefaultVisibility,
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, cc := range cfg.Credentials {
		s.creds[cc.ID] = cc.Credential()
	}
	for _, inst := range cfg.ModelInstances() {
		s.instances[inst.Key] = inst
		s.order = append(s.order, inst.Key)
	}
	for _, t := range cfg.Tenants {
		s.tenants[t.ID] = t
	}
	return s
}

// ListCandidates returns the enabled instances of family on active
// credentials visible to tenantID, in configuration order.
func (s *Static) ListCandidates(_ context.Context, tenantID, family string) ([]keyrouter.ModelInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []keyrouter.ModelInstance
	for _, key := range s.order {
		inst := s.instances[key]
		cred, ok := s.creds[key.CredentialID]
		if !ok || !cred.Active || !inst.Enabled {
			continue
		}
		if !keyrouter.MatchesFamily(inst, family) || !s.visibility.Visible(tenantID, cred) {
			continue
		}
		inst.Credential = cred
		out = append(out, inst)
	}
	return out, nil
}

// ListInstances returns every instance, including disabled ones.
func (s *Static) ListInstances(context.Context) ([]keyrouter.ModelInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]keyrouter.ModelInstance, 0, len(s.order))
	for _, key := range s.order {
		inst := s.instances[key]
		inst.Credential = s.creds[key.CredentialID]
		out = append(out, inst)
	}
	return out, nil
}

// SetEnabled toggles the admin kill-switch of an instance.
func (s *Static) SetEnabled(_ context.Context, key keyrouter.InstanceKey, enabled bool) error {
	return s.update(key, func(inst *keyrouter.ModelInstance) { inst.Enabled = enabled })
}

// SetPriority changes the priority of an instance.
func (s *Static) SetPriority(_ context.Context, key keyrouter.InstanceKey, priority int) error {
	return s.update(key, func(inst *keyrouter.ModelInstance) { inst.Priority = priority })
}

func (s *Static) update(key keyrouter.InstanceKey, fn func(*keyrouter.ModelInstance)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[key]
	if !ok {
		return fmt.Errorf("%w: %s", keyrouter.ErrInstanceNotFound, key)
	}
	fn(&inst)
	s.instances[key] = inst
	return nil
}

// UpsertCredential adds or replaces a credential.
func (s *Static) UpsertCredential(_ context.Context, c keyrouter.Credential) error {
	if c.ID == "" {
		return fmt.Errorf("keyrouter/registry: credential id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[c.ID] = c
	return nil
}

// RemoveCredential deletes a credential and all of its instances.
func (s *Static) RemoveCredential(_ context.Context, credentialID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.creds[credentialID]; !ok {
		return fmt.Errorf("%w: %s", keyrouter.ErrCredentialNotFound, credentialID)
	}
	delete(s.creds, credentialID)
	s.order = slices.DeleteFunc(s.order, func(k keyrouter.InstanceKey) bool {
		if k.CredentialID == credentialID {
			delete(s.instances, k)
			return true
		}
		return false
	})
	return nil
}

// UpsertInstance adds or replaces an instance. Its credential must exist.
func (s *Static) UpsertInstance(_ context.Context, inst keyrouter.ModelInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.creds[inst.Key.CredentialID]; !ok {
		return fmt.Errorf("%w: %s", keyrouter.ErrCredentialNotFound, inst.Key.CredentialID)
	}
	if _, ok := s.instances[inst.Key]; !ok {
		s.order = append(s.order, inst.Key)
	}
	inst.Credential = keyrouter.Credential{}
	s.instances[inst.Key] = inst
	return nil
}

// DisableCredential marks a credential inactive.
func (s *Static) DisableCredential(_ context.Context, credentialID, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.creds[credentialID]
	if !ok {
		return fmt.Errorf("%w: %s", keyrouter.ErrCredentialNotFound, credentialID)
	}
	c.Active = false
	s.creds[credentialID] = c
	return nil
}

// Family returns the model family a tenant's replies use.
func (s *Static) Family(_ context.Context, tenantID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if t, ok := s.tenants[tenantID]; ok && t.Family != "" {
		return t.Family, nil
	}
	if s.defaultFamily == "" {
		return "", fmt.Errorf("keyrouter/registry: no family configured for tenant %q", tenantID)
	}
	return s.defaultFamily, nil
}

// BatchSettings returns the tenant's batching settings merged over the
// global defaults.
func (s *Static) BatchSettings(_ context.Context, tenantID string) batch.Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg := s.batching
	if t, ok := s.tenants[tenantID]; ok {
		cfg = t.Batching.Merge(s.batching)
	}
	return batch.FromConfig(cfg)
}
