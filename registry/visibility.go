// Package registry provides Registry implementations.
package registry

import (
	"slices"

	keyrouter "github.com/ineyio/keyrouter"
)

// DefaultVisibility lets a tenant use its own credentials and every shared
// credential, unless the shared credential lists AllowedTenants.
var DefaultVisibility keyrouter.VisibilityPolicy = keyrouter.VisibilityFunc(visible)

func visible(tenantID string, c keyrouter.Credential) bool {
	switch c.Scope {
	case keyrouter.ScopeTenant:
		return c.TenantID == tenantID
	case keyrouter.ScopeShared:
		return len(c.AllowedTenants) == 0 || slices.Contains(c.AllowedTenants, tenantID)
	default:
		return false
	}
}
