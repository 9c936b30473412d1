package keyrouter

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// InstanceStatus is the observable state of one model instance.
type InstanceStatus struct {
	Key              InstanceKey      `json:"key"`
	Family           string           `json:"family"`
	Priority         int              `json:"priority"`
	Enabled          bool             `json:"enabled"`
	CredentialActive bool             `json:"credential_active"`
	Scope            OwnerScope       `json:"scope"`
	TenantID         string           `json:"tenant_id,omitempty"`
	Usage            UsageSnapshot    `json:"usage"`
	Exclusion        *ExclusionRecord `json:"exclusion,omitempty"`
}

// Snapshot is a read-only view of the router state.
type Snapshot struct {
	TakenAt   time.Time              `json:"taken_at"`
	Instances []InstanceStatus       `json:"instances"`
	LastUsed  map[string]InstanceKey `json:"last_used"`
}

// Snapshot collects usage counters, exclusions and round-robin positions of
// every configured instance. It never reserves capacity or moves a cursor.
func (r *Router) Snapshot(ctx context.Context) (Snapshot, error) {
	instances, err := r.registry.ListInstances(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("keyrouter: list instances: %w", err)
	}

	snap := Snapshot{
		TakenAt:   time.Now(),
		Instances: make([]InstanceStatus, 0, len(instances)),
		LastUsed:  r.rotator.LastUsedAll(),
	}

	for _, inst := range instances {
		usage, err := r.ledger.Snapshot(ctx, inst)
		if err != nil {
			return Snapshot{}, fmt.Errorf("keyrouter: snapshot %s: %w", inst.Key, err)
		}
		st := InstanceStatus{
			Key:              inst.Key,
			Family:           inst.FamilyName(),
			Priority:         inst.Priority,
			Enabled:          inst.Enabled,
			CredentialActive: inst.Credential.Active,
			Scope:            inst.Credential.Scope,
			TenantID:         inst.Credential.TenantID,
			Usage:            usage,
		}
		if rec, ok := r.exclusions.Record(inst.Key); ok {
			st.Exclusion = &rec
		}
		snap.Instances = append(snap.Instances, st)
	}

	sort.Slice(snap.Instances, func(i, j int) bool {
		a, b := snap.Instances[i], snap.Instances[j]
		if a.Family != b.Family {
			return a.Family < b.Family
		}
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.Key.String() < b.Key.String()
	})

	return snap, nil
}
