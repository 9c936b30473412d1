package keyrouter

import (
	"sort"
	"sync"
)

// RoundRobin breaks priority ties per tenant and model family. Each
// (tenant, family) pair keeps an ordered view of every instance key it has
// seen and a cursor on the last one picked; the next pick is the first
// survivor after the cursor. Tenants see different credential sets, so a
// cursor shared between them could pin one tenant to a single key.
type RoundRobin struct {
	rotations sync.Map // rotationKey -> *rotation

	mu   sync.Mutex
	last map[string]InstanceKey // family -> last pick of any tenant
}

type rotationKey struct {
	tenantID string
	family   string
}

type rotation struct {
	mu     sync.Mutex
	order  []InstanceKey
	index  map[InstanceKey]int
	cursor int
}

// NewRoundRobin creates an empty rotator.
func NewRoundRobin() *RoundRobin {
	return &RoundRobin{last: make(map[string]InstanceKey)}
}

func (r *RoundRobin) rotation(tenantID, family string) *rotation {
	k := rotationKey{tenantID: tenantID, family: family}
	if v, ok := r.rotations.Load(k); ok {
		return v.(*rotation)
	}
	v, _ := r.rotations.LoadOrStore(k, &rotation{index: make(map[InstanceKey]int), cursor: -1})
	return v.(*rotation)
}

// Order returns candidates in the order they would be picked for tenantID,
// starting after the cursor. It does not move the cursor.
func (r *RoundRobin) Order(tenantID, family string, candidates []ModelInstance) []ModelInstance {
	if len(candidates) <= 1 {
		return candidates
	}
	rot := r.rotation(tenantID, family)
	rot.mu.Lock()
	defer rot.mu.Unlock()

	byKey := make(map[InstanceKey]ModelInstance, len(candidates))
	var fresh []InstanceKey
	for _, c := range candidates {
		byKey[c.Key] = c
		if _, ok := rot.index[c.Key]; !ok {
			fresh = append(fresh, c.Key)
		}
	}
	sort.Slice(fresh, func(i, j int) bool { return fresh[i].String() < fresh[j].String() })
	for _, k := range fresh {
		rot.index[k] = len(rot.order)
		rot.order = append(rot.order, k)
	}

	out := make([]ModelInstance, 0, len(candidates))
	n := len(rot.order)
	for i := 1; i <= n; i++ {
		k := rot.order[(rot.cursor+i)%n]
		if c, ok := byKey[k]; ok {
			out = append(out, c)
		}
	}
	return out
}

// Advance moves the cursor of (tenantID, family) to key and records it as
// the family's last used key.
func (r *RoundRobin) Advance(tenantID, family string, key InstanceKey) {
	rot := r.rotation(tenantID, family)
	rot.mu.Lock()
	idx, ok := rot.index[key]
	if !ok {
		idx = len(rot.order)
		rot.index[key] = idx
		rot.order = append(rot.order, key)
	}
	rot.cursor = idx
	rot.mu.Unlock()

	r.mu.Lock()
	r.last[family] = key
	r.mu.Unlock()
}

// PickAmongEqualPriority returns the next candidate in rotation and advances
// the cursor to it.
func (r *RoundRobin) PickAmongEqualPriority(tenantID, family string, candidates []ModelInstance) (ModelInstance, bool) {
	ordered := r.Order(tenantID, family, candidates)
	if len(ordered) == 0 {
		return ModelInstance{}, false
	}
	r.Advance(tenantID, family, ordered[0].Key)
	return ordered[0], true
}

// LastUsed returns the key most recently picked for family by any tenant.
func (r *RoundRobin) LastUsed(family string) (InstanceKey, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k, ok := r.last[family]
	return k, ok
}

// LastUsedAll returns the last picked key of every family.
func (r *RoundRobin) LastUsedAll() map[string]InstanceKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]InstanceKey, len(r.last))
	for f, k := range r.last {
		out[f] = k
	}
	return out
}
