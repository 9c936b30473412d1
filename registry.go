package keyrouter

import "context"

// Registry returns the model instances visible to a tenant. It performs no
// quota or exclusion filtering.
type Registry interface {
	// ListCandidates returns the enabled instances of family on active
	// credentials the tenant may use.
	ListCandidates(ctx context.Context, tenantID, family string) ([]ModelInstance, error)

	// ListInstances returns every configured instance.
	ListInstances(ctx context.Context) ([]ModelInstance, error)
}

// VisibilityPolicy decides whether a tenant may use a credential.
type VisibilityPolicy interface {
	Visible(tenantID string, c Credential) bool
}

// VisibilityFunc adapts a function to VisibilityPolicy.
type VisibilityFunc func(tenantID string, c Credential) bool

func (f VisibilityFunc) Visible(tenantID string, c Credential) bool { return f(tenantID, c) }

// Admin is the write side of the admin configuration collaborator. Changes
// must be visible to the next ListCandidates call.
type Admin interface {
	SetEnabled(ctx context.Context, key InstanceKey, enabled bool) error
	SetPriority(ctx context.Context, key InstanceKey, priority int) error
	UpsertCredential(ctx context.Context, c Credential) error
	RemoveCredential(ctx context.Context, credentialID string) error
	UpsertInstance(ctx context.Context, inst ModelInstance) error
}

// CredentialDisabler is implemented by registries that can switch off a
// credential the provider reported as invalid.
type CredentialDisabler interface {
	DisableCredential(ctx context.Context, credentialID, reason string) error
}

// MatchesFamily reports whether inst serves family.
func MatchesFamily(inst ModelInstance, family string) bool {
	return inst.FamilyName() == family || inst.Key.Model == family
}
