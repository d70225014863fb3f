// Package authority holds the role allow-lists that gate every state-changing
// entry point of the engine.
//
// Nothing in the engine trusts a caller implicitly: the state machine, the
// evidence inbox, the scaling gate and the reflex arc all act under their own
// system principals, and each must be granted the role it calls with.
package authority

import (
	"sort"
	"sync"

	"github.com/Beijing-Datoms-Technology-Corp/vagus/pkg/contracts"
)

// Role is a capability granted to a principal.
type Role string

const (
	RoleGovernor       Role = "governor"        // administrative surface
	RoleToneOracle     Role = "tone_oracle"     // tone updates
	RoleStateManager   Role = "state_manager"   // reflex on-state-change
	RoleEvidenceSource Role = "evidence_source" // reflex on-evidence
	RoleAttestor       Role = "attestor"        // evidence posting
	RoleGate           Role = "gate"            // call the issuer directly
	RolePlanner        Role = "planner"         // submit intents through the brake
	RoleKeeper         Role = "keeper"          // reflex pulse
	RoleOperator       Role = "operator"        // reflex manual trigger
)

// System principals the engine components act under.
const (
	SystemANS      contracts.Principal = "system:ans"
	SystemAfferent contracts.Principal = "system:afferent"
	SystemBrake    contracts.Principal = "system:brake"
	SystemReflex   contracts.Principal = "system:reflex"
)

// Roles lists every known role.
func Roles() []Role {
	return []Role{RoleGovernor, RoleToneOracle, RoleStateManager, RoleEvidenceSource, RoleAttestor, RoleGate, RolePlanner, RoleKeeper, RoleOperator}
}

// Registry maps principals to granted roles.
type Registry struct {
	mu     sync.RWMutex
	grants map[contracts.Principal]map[Role]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{grants: make(map[contracts.Principal]map[Role]struct{})}
}

// Grant adds roles to p.
func (r *Registry) Grant(p contracts.Principal, roles ...Role) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.grants[p]
	if !ok {
		set = make(map[Role]struct{})
		r.grants[p] = set
	}
	for _, role := range roles {
		set[role] = struct{}{}
	}
}

// Withdraw removes a role from p.
func (r *Registry) Withdraw(p contracts.Principal, role Role) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if set, ok := r.grants[p]; ok {
		delete(set, role)
		if len(set) == 0 {
			delete(r.grants, p)
		}
	}
}

// Has reports whether p holds role.
func (r *Registry) Has(p contracts.Principal, role Role) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.grants[p][role]
	return ok
}

// Require returns an Unauthorized error unless p holds at least one of roles.
func (r *Registry) Require(op string, p contracts.Principal, roles ...Role) error {
	for _, role := range roles {
		if r.Has(p, role) {
			return nil
		}
	}
	return contracts.Errorf(contracts.KindUnauthorized, op, "principal %q lacks role %v", p, roles)
}

// Holders returns the principals holding role, sorted.
func (r *Registry) Holders(role Role) []contracts.Principal {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []contracts.Principal
	for p, set := range r.grants {
		if _, ok := set[role]; ok {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RolesOf returns the roles held by p, sorted.
func (r *Registry) RolesOf(p contracts.Principal) []Role {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Role, 0, len(r.grants[p]))
	for role := range r.grants[p] {
		out = append(out, role)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
