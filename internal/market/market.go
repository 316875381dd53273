// Package market runs the resale marketplace: listings, cancellation, and
// atomic purchases with per-seller proceeds tracking. The marketplace acts
// through a derived principal that sellers must approve as the transfer
// operator before listing.
package market

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/lodetrace/lode-node/internal/domain"
	"github.com/lodetrace/lode-node/internal/ledger"
	"github.com/lodetrace/lode-node/internal/materials"
	"github.com/lodetrace/lode-node/pkg/identity"
)

// Principal is the operator identity the marketplace transfers tokens
// under. Owners approve it before listing.
var Principal = identity.Derive("lode/marketplace")

// Listing is an offer to sell a token.
type Listing struct {
	Asset    string           `json:"asset"`
	TokenID  uint64           `json:"token_id"`
	Seller   identity.Address `json:"seller"`
	Price    uint64           `json:"price"` // minor units
	Active   bool             `json:"active"`
	ListedAt int64            `json:"listed_at"` // unix seconds
}

// Option configures a Marketplace.
type Option func(*Marketplace)

// Marketplace holds the listing table and proceeds ledger, rebuilt from the
// event stream. Ownership and status are re-read from the material registry
// at call time for every check.
type Marketplace struct {
	mu        sync.RWMutex
	materials *materials.Registry
	listings  map[string]*Listing
	proceeds  map[identity.Address]uint64
}

// New returns an empty marketplace over the given material registry.
func New(matReg *materials.Registry, opts ...Option) *Marketplace {
	m := &Marketplace{
		materials: matReg,
		listings:  make(map[string]*Listing),
		proceeds:  make(map[identity.Address]uint64),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// List validates a new listing by caller and returns the event to append.
func (m *Marketplace) List(caller identity.Address, asset string, tokenID uint64, price uint64) (*ledger.Listed, error) {
	if asset != ledger.AssetMaterial {
		return nil, domain.Errf(domain.KindValidation, domain.ReasonBadReference, "unknown asset %q", asset)
	}
	if price == 0 {
		return nil, domain.Errf(domain.KindValidation, domain.ReasonBadPrice, "price must be positive")
	}

	mat, err := m.materials.Get(tokenID)
	if err != nil {
		return nil, err
	}
	if mat.Owner != caller {
		return nil, domain.Errf(domain.KindAuthorization, domain.ReasonNotOwner, "token %d is owned by %s", tokenID, mat.Owner)
	}
	if mat.Approved != Principal {
		return nil, domain.Errf(domain.KindAuthorization, domain.ReasonNotApproved, "marketplace is not the approved operator for token %d", tokenID)
	}
	if mat.Status == domain.StatusAssembled {
		return nil, domain.Errf(domain.KindStateConflict, domain.ReasonTerminal, "token %d is assembled", tokenID)
	}

	m.mu.RLock()
	existing, ok := m.listings[listingKey(asset, tokenID)]
	m.mu.RUnlock()
	if ok && existing.Active {
		return nil, domain.Errf(domain.KindStateConflict, domain.ReasonAlreadyListed, "token %d is already listed", tokenID)
	}

	return &ledger.Listed{Asset: asset, TokenID: tokenID, Seller: caller, Price: price}, nil
}

// Cancel validates withdrawal of a listing by its seller.
func (m *Marketplace) Cancel(caller identity.Address, asset string, tokenID uint64) (*ledger.Cancelled, error) {
	m.mu.RLock()
	l, ok := m.listings[listingKey(asset, tokenID)]
	m.mu.RUnlock()
	if !ok {
		return nil, domain.Errf(domain.KindNotFound, domain.ReasonNotListed, "token %d has never been listed", tokenID)
	}
	if l.Seller != caller {
		return nil, domain.Errf(domain.KindAuthorization, domain.ReasonNotSeller, "listing for token %d belongs to %s", tokenID, l.Seller)
	}
	if !l.Active {
		return nil, domain.Errf(domain.KindStateConflict, domain.ReasonAlreadyInactive, "listing for token %d is not active", tokenID)
	}

	return &ledger.Cancelled{Asset: asset, TokenID: tokenID, Seller: caller}, nil
}

// Buy validates a purchase and returns the events to append: the sale and
// the ownership transfer. Payment must equal the asked price exactly.
func (m *Marketplace) Buy(caller identity.Address, asset string, tokenID uint64, payment uint64) ([]ledger.Event, error) {
	m.mu.RLock()
	l, ok := m.listings[listingKey(asset, tokenID)]
	m.mu.RUnlock()
	if !ok || !l.Active {
		return nil, domain.Errf(domain.KindNotFound, domain.ReasonNotListed, "token %d is not listed", tokenID)
	}
	if caller == l.Seller {
		return nil, domain.Errf(domain.KindValidation, domain.ReasonSelfPurchase, "seller cannot buy own listing")
	}
	if payment < l.Price {
		return nil, domain.Errf(domain.KindValidation, domain.ReasonInsufficientFunds, "payment %d below price %d", payment, l.Price)
	}
	if payment > l.Price {
		return nil, domain.Errf(domain.KindValidation, domain.ReasonOverpaymentRejected, "payment %d above price %d", payment, l.Price)
	}

	// The seller may have lost ownership since listing.
	owner, err := m.materials.Owner(tokenID)
	if err != nil {
		return nil, err
	}
	if owner != l.Seller {
		return nil, domain.Errf(domain.KindAuthorization, domain.ReasonNotOwner, "seller %s no longer owns token %d", l.Seller, tokenID)
	}

	return []ledger.Event{
		&ledger.Sold{Asset: asset, TokenID: tokenID, Seller: l.Seller, Buyer: caller, Price: l.Price},
		&ledger.Transferred{Asset: asset, TokenID: tokenID, From: l.Seller, To: caller},
	}, nil
}

// GetListing returns a copy of the listing for (asset, tokenID), active or
// not.
func (m *Marketplace) GetListing(asset string, tokenID uint64) (*Listing, error) {
	m.mu.RLock()
	l, ok := m.listings[listingKey(asset, tokenID)]
	m.mu.RUnlock()
	if !ok {
		return nil, domain.Errf(domain.KindNotFound, domain.ReasonNotListed, "token %d has never been listed", tokenID)
	}
	c := *l
	return &c, nil
}

// Proceeds returns the cumulative sale proceeds credited to seller.
func (m *Marketplace) Proceeds(seller identity.Address) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.proceeds[seller]
}

// Apply folds a ledger event into the marketplace. t is the record time in
// unix nanoseconds. Events of other kinds are ignored.
func (m *Marketplace) Apply(ev ledger.Event, t int64) {
	switch e := ev.(type) {
	case *ledger.Listed:
		m.mu.Lock()
		m.listings[listingKey(e.Asset, e.TokenID)] = &Listing{
			Asset:    e.Asset,
			TokenID:  e.TokenID,
			Seller:   e.Seller,
			Price:    e.Price,
			Active:   true,
			ListedAt: time.Unix(0, t).Unix(),
		}
		m.mu.Unlock()
	case *ledger.Cancelled:
		m.mu.Lock()
		if l, ok := m.listings[listingKey(e.Asset, e.TokenID)]; ok {
			l.Active = false
		}
		m.mu.Unlock()
	case *ledger.Sold:
		m.mu.Lock()
		if l, ok := m.listings[listingKey(e.Asset, e.TokenID)]; ok {
			l.Active = false
		}
		m.proceeds[e.Seller] += e.Price
		m.mu.Unlock()
	}
}

// Reset clears the marketplace ahead of a full replay.
func (m *Marketplace) Reset() {
	m.mu.Lock()
	m.listings = make(map[string]*Listing)
	m.proceeds = make(map[identity.Address]uint64)
	m.mu.Unlock()
}

// Snapshot returns the encoded listing state for (asset, tokenID).
func (m *Marketplace) Snapshot(asset string, tokenID uint64) ([]byte, bool) {
	m.mu.RLock()
	l, ok := m.listings[listingKey(asset, tokenID)]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	data, err := json.Marshal(l)
	if err != nil {
		return nil, false
	}
	return data, true
}

// StateKey is the ledger state-surface key for a listing.
func StateKey(asset string, tokenID uint64) string {
	return fmt.Sprintf("listing/%s/%d", asset, tokenID)
}

func listingKey(asset string, tokenID uint64) string {
	return fmt.Sprintf("%s/%d", asset, tokenID)
}
