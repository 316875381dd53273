// Package roles binds accounts to their one-time role. A role is assigned
// once and never updated or transferred; there is no unbind operation.
package roles

import (
	"encoding/json"
	"sync"

	"github.com/lodetrace/lode-node/internal/domain"
	"github.com/lodetrace/lode-node/internal/ledger"
	"github.com/lodetrace/lode-node/pkg/identity"
)

// Registry holds the in-memory role table, rebuilt from the event stream.
type Registry struct {
	mu    sync.RWMutex
	roles map[identity.Address]domain.Role
}

// NewRegistry returns an empty role registry.
func NewRegistry() *Registry {
	return &Registry{roles: make(map[identity.Address]domain.Role)}
}

// Register validates a role binding for account and returns the event to
// append. It does not mutate state; Apply does, after the append is durable.
func (r *Registry) Register(account identity.Address, role domain.Role) (*ledger.RoleRegistered, error) {
	if !role.Valid() {
		return nil, domain.Errf(domain.KindValidation, domain.ReasonBadRole, "unknown role %d", role)
	}

	r.mu.RLock()
	_, bound := r.roles[account]
	r.mu.RUnlock()
	if bound {
		return nil, domain.Errf(domain.KindStateConflict, domain.ReasonAlreadyRegistered, "account %s already has a role", account)
	}

	return &ledger.RoleRegistered{Account: account, Role: role}, nil
}

// RoleOf returns the role bound to account.
func (r *Registry) RoleOf(account identity.Address) (domain.Role, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	role, ok := r.roles[account]
	if !ok {
		return 0, domain.Errf(domain.KindNotFound, domain.ReasonNotRegistered, "account %s has no role", account)
	}
	return role, nil
}

// Has reports whether account holds role.
func (r *Registry) Has(account identity.Address, role domain.Role) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	bound, ok := r.roles[account]
	return ok && bound == role
}

// Apply folds a ledger event into the registry. Events of other kinds are
// ignored.
func (r *Registry) Apply(ev ledger.Event) {
	reg, ok := ev.(*ledger.RoleRegistered)
	if !ok {
		return
	}
	r.mu.Lock()
	r.roles[reg.Account] = reg.Role
	r.mu.Unlock()
}

// Reset clears the registry ahead of a full replay.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.roles = make(map[identity.Address]domain.Role)
	r.mu.Unlock()
}

type roleState struct {
	Role domain.Role `json:"role"`
}

// Snapshot returns the encoded state for account, written to the ledger's
// state surface at each mutation position.
func (r *Registry) Snapshot(account identity.Address) ([]byte, bool) {
	r.mu.RLock()
	role, ok := r.roles[account]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	data, err := json.Marshal(roleState{Role: role})
	if err != nil {
		return nil, false
	}
	return data, true
}
