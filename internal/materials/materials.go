// Package materials tracks material tokens: minting by certified
// suppliers, the delivery lifecycle, transfer approvals, and composition of
// delivered materials into assemblies.
package materials

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/lodetrace/lode-node/internal/certs"
	"github.com/lodetrace/lode-node/internal/domain"
	"github.com/lodetrace/lode-node/internal/ledger"
	"github.com/lodetrace/lode-node/internal/roles"
	"github.com/lodetrace/lode-node/pkg/identity"
)

// DefaultTTL is the material expiration applied when a mint does not name
// one: six months of shelf life.
const DefaultTTL = 180 * 24 * time.Hour

// Material is a tracked token.
type Material struct {
	ID          uint64           `json:"id"`
	Owner       identity.Address `json:"owner"`
	Status      domain.Status    `json:"status"`
	ExpiresAt   int64            `json:"expires_at"` // unix seconds
	MetadataRef string           `json:"metadata_ref,omitempty"`
	ComposedOf  []uint64         `json:"composed_of,omitempty"`
	MintedAt    int64            `json:"minted_at"` // unix seconds
	Approved    identity.Address `json:"approved"`  // zero = no approval
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the expiry clock. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// Registry holds the material table, rebuilt from the event stream. Role
// and certificate gates are re-read from the live registries on every mint.
type Registry struct {
	mu     sync.RWMutex
	roles  *roles.Registry
	certs  *certs.Registry
	items  map[uint64]*Material
	nextID uint64
	now    func() time.Time
}

// NewRegistry returns an empty material registry gated by the given role
// and certificate registries.
func NewRegistry(roleReg *roles.Registry, certReg *certs.Registry, opts ...Option) *Registry {
	r := &Registry{
		roles: roleReg,
		certs: certReg,
		items: make(map[uint64]*Material),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Mint validates creation of a material by caller and returns the events to
// append: the mint itself, the transfer from the zero address, and one
// status change per composed component forced to assembled. expiresAt==0
// applies the six-month default. The assigned token id is returned with the
// events.
func (r *Registry) Mint(caller identity.Address, expiresAt int64, metadataRef string, composedOf []uint64) ([]ledger.Event, uint64, error) {
	if !r.roles.Has(caller, domain.RoleSupplier) {
		return nil, 0, domain.Errf(domain.KindAuthorization, domain.ReasonNotSupplier, "caller %s is not a supplier", caller)
	}
	if !r.certs.IsValid(caller) {
		return nil, 0, domain.Errf(domain.KindValidation, domain.ReasonNoValidCertificate, "caller %s holds no valid certificate", caller)
	}

	now := r.now()
	if expiresAt == 0 {
		expiresAt = now.Add(DefaultTTL).Unix()
	}
	if expiresAt <= now.Unix() {
		return nil, 0, domain.Errf(domain.KindValidation, domain.ReasonExpiryInPast, "expiry %d is not in the future", expiresAt)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[uint64]bool, len(composedOf))
	components := make([]*Material, 0, len(composedOf))
	for _, compID := range composedOf {
		if seen[compID] {
			return nil, 0, domain.Errf(domain.KindValidation, domain.ReasonDuplicateComponent, "component %d listed twice", compID)
		}
		seen[compID] = true

		comp, ok := r.items[compID]
		if !ok {
			return nil, 0, domain.Errf(domain.KindNotFound, domain.ReasonUnknownMaterial, "component %d does not exist", compID)
		}
		if comp.Owner != caller {
			return nil, 0, domain.Errf(domain.KindAuthorization, domain.ReasonNotOwner, "component %d is owned by %s", compID, comp.Owner)
		}
		if comp.Status == domain.StatusAssembled {
			return nil, 0, domain.Errf(domain.KindStateConflict, domain.ReasonAlreadyAssembled, "component %d is already assembled", compID)
		}
		components = append(components, comp)
	}

	id := r.nextID + 1
	events := []ledger.Event{
		&ledger.MaterialMinted{
			ID:          id,
			Owner:       caller,
			ExpiresAt:   expiresAt,
			MetadataRef: metadataRef,
			ComposedOf:  composedOf,
		},
		&ledger.Transferred{
			Asset:   ledger.AssetMaterial,
			TokenID: id,
			From:    identity.Zero,
			To:      caller,
		},
	}
	for _, comp := range components {
		events = append(events, &ledger.StatusChanged{
			ID:    comp.ID,
			From:  comp.Status,
			To:    domain.StatusAssembled,
			Actor: caller,
		})
	}
	return events, id, nil
}

// UpdateStatus validates a lifecycle transition requested by caller.
func (r *Registry) UpdateStatus(caller identity.Address, id uint64, to domain.Status) (*ledger.StatusChanged, error) {
	if !to.Valid() {
		return nil, domain.Errf(domain.KindValidation, domain.ReasonInvalidTransition, "unknown status %d", to)
	}

	r.mu.RLock()
	m, ok := r.items[id]
	r.mu.RUnlock()
	if !ok {
		return nil, domain.Errf(domain.KindNotFound, domain.ReasonUnknownMaterial, "material %d does not exist", id)
	}
	if m.Owner != caller {
		return nil, domain.Errf(domain.KindAuthorization, domain.ReasonNotOwner, "material %d is owned by %s", id, m.Owner)
	}
	if m.Status == domain.StatusAssembled {
		return nil, domain.Errf(domain.KindStateConflict, domain.ReasonTerminal, "material %d is assembled", id)
	}
	if !domain.CanTransition(m.Status, to) {
		return nil, domain.Errf(domain.KindStateConflict, domain.ReasonInvalidTransition, "material %d cannot go %s -> %s", id, m.Status, to)
	}

	return &ledger.StatusChanged{ID: id, From: m.Status, To: to, Actor: caller}, nil
}

// Approve validates setting the approved transfer operator for a token.
// A zero operator clears the approval.
func (r *Registry) Approve(caller identity.Address, id uint64, operator identity.Address) (*ledger.ApprovalSet, error) {
	r.mu.RLock()
	m, ok := r.items[id]
	r.mu.RUnlock()
	if !ok {
		return nil, domain.Errf(domain.KindNotFound, domain.ReasonUnknownMaterial, "material %d does not exist", id)
	}
	if m.Owner != caller {
		return nil, domain.Errf(domain.KindAuthorization, domain.ReasonNotOwner, "material %d is owned by %s", id, m.Owner)
	}

	return &ledger.ApprovalSet{
		Asset:    ledger.AssetMaterial,
		TokenID:  id,
		Owner:    caller,
		Operator: operator,
	}, nil
}

// Get returns a copy of the material.
func (r *Registry) Get(id uint64) (*Material, error) {
	r.mu.RLock()
	m, ok := r.items[id]
	r.mu.RUnlock()
	if !ok {
		return nil, domain.Errf(domain.KindNotFound, domain.ReasonUnknownMaterial, "material %d does not exist", id)
	}
	c := *m
	c.ComposedOf = append([]uint64(nil), m.ComposedOf...)
	return &c, nil
}

// Expiration returns the material's expiry in unix seconds.
func (r *Registry) Expiration(id uint64) (int64, error) {
	m, err := r.Get(id)
	if err != nil {
		return 0, err
	}
	return m.ExpiresAt, nil
}

// Owner returns the current owner of id, re-read at call time.
func (r *Registry) Owner(id uint64) (identity.Address, error) {
	m, err := r.Get(id)
	if err != nil {
		return identity.Zero, err
	}
	return m.Owner, nil
}

// Apply folds a ledger event into the registry. t is the record time in
// unix nanoseconds. Events of other kinds are ignored.
func (r *Registry) Apply(ev ledger.Event, t int64) {
	switch e := ev.(type) {
	case *ledger.MaterialMinted:
		r.mu.Lock()
		r.items[e.ID] = &Material{
			ID:          e.ID,
			Owner:       e.Owner,
			Status:      domain.StatusAvailable,
			ExpiresAt:   e.ExpiresAt,
			MetadataRef: e.MetadataRef,
			ComposedOf:  append([]uint64(nil), e.ComposedOf...),
			MintedAt:    time.Unix(0, t).Unix(),
		}
		if e.ID > r.nextID {
			r.nextID = e.ID
		}
		r.mu.Unlock()
	case *ledger.Transferred:
		if e.Asset != ledger.AssetMaterial {
			return
		}
		r.mu.Lock()
		if m, ok := r.items[e.TokenID]; ok {
			m.Owner = e.To
			// ERC-721 semantics: a transfer clears the operator approval.
			m.Approved = identity.Zero
		}
		r.mu.Unlock()
	case *ledger.StatusChanged:
		r.mu.Lock()
		if m, ok := r.items[e.ID]; ok {
			m.Status = e.To
		}
		r.mu.Unlock()
	case *ledger.ApprovalSet:
		if e.Asset != ledger.AssetMaterial {
			return
		}
		r.mu.Lock()
		if m, ok := r.items[e.TokenID]; ok {
			m.Approved = e.Operator
		}
		r.mu.Unlock()
	}
}

// Reset clears the registry ahead of a full replay.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.items = make(map[uint64]*Material)
	r.nextID = 0
	r.mu.Unlock()
}

// Snapshot returns the encoded state for material id.
func (r *Registry) Snapshot(id uint64) ([]byte, bool) {
	r.mu.RLock()
	m, ok := r.items[id]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, false
	}
	return data, true
}

// StateKey is the ledger state-surface key for material id.
func StateKey(id uint64) string {
	return fmt.Sprintf("material/%d", id)
}
