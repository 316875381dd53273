// Package certs manages supplier certificates granted by a single
// configured authority. A holder is certified at most once, ever: a revoked
// certificate still blocks reissue.
package certs

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/lodetrace/lode-node/internal/domain"
	"github.com/lodetrace/lode-node/internal/ledger"
	"github.com/lodetrace/lode-node/pkg/identity"
	"github.com/lodetrace/lode-node/pkg/reference"
)

// Certificate is the stored grant.
type Certificate struct {
	ID          string           `json:"id"`
	Holder      identity.Address `json:"holder"`
	ExpiresAt   int64            `json:"expires_at"` // unix seconds, 0 = never
	Revoked     bool             `json:"revoked"`
	MetadataRef string           `json:"metadata_ref,omitempty"`
	IssuedAt    int64            `json:"issued_at"` // unix seconds
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the validity clock. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// Registry holds the certificate table, rebuilt from the event stream.
type Registry struct {
	mu        sync.RWMutex
	authority identity.Address
	certs     map[identity.Address]*Certificate
	now       func() time.Time
}

// NewRegistry returns a registry trusting the given authority.
func NewRegistry(authority identity.Address, opts ...Option) *Registry {
	r := &Registry{
		authority: authority,
		certs:     make(map[identity.Address]*Certificate),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Authority returns the configured issuing authority.
func (r *Registry) Authority() identity.Address {
	return r.authority
}

// Issue validates a certificate grant and returns the event to append.
// expiresAt is unix seconds; 0 means the certificate never expires.
func (r *Registry) Issue(caller, holder identity.Address, expiresAt int64, metadataRef string) (*ledger.CertificateIssued, error) {
	if caller != r.authority {
		return nil, domain.Errf(domain.KindAuthorization, domain.ReasonNotAuthority, "caller %s is not the certificate authority", caller)
	}

	r.mu.RLock()
	_, exists := r.certs[holder]
	r.mu.RUnlock()
	if exists {
		return nil, domain.Errf(domain.KindStateConflict, domain.ReasonAlreadyCertified, "holder %s was already certified", holder)
	}

	if expiresAt != 0 && expiresAt <= r.now().Unix() {
		return nil, domain.Errf(domain.KindValidation, domain.ReasonExpiryInPast, "expiry %d is not in the future", expiresAt)
	}

	return &ledger.CertificateIssued{
		ID:          certID(holder, metadataRef),
		Authority:   caller,
		Holder:      holder,
		ExpiresAt:   expiresAt,
		MetadataRef: metadataRef,
	}, nil
}

// Revoke validates revocation of holder's certificate. Revoking an already
// revoked certificate is a conflict, not a no-op.
func (r *Registry) Revoke(caller, holder identity.Address) (*ledger.CertificateRevoked, error) {
	if caller != r.authority {
		return nil, domain.Errf(domain.KindAuthorization, domain.ReasonNotAuthority, "caller %s is not the certificate authority", caller)
	}

	r.mu.RLock()
	cert, exists := r.certs[holder]
	r.mu.RUnlock()
	if !exists {
		return nil, domain.Errf(domain.KindNotFound, domain.ReasonNoCertificate, "holder %s has no certificate", holder)
	}
	if cert.Revoked {
		return nil, domain.Errf(domain.KindStateConflict, domain.ReasonAlreadyRevoked, "certificate of %s is already revoked", holder)
	}

	return &ledger.CertificateRevoked{Authority: caller, Holder: holder}, nil
}

// IsValid reports whether holder carries a currently valid certificate.
// A certificate expiring exactly now is no longer valid.
func (r *Registry) IsValid(holder identity.Address) bool {
	r.mu.RLock()
	cert, exists := r.certs[holder]
	r.mu.RUnlock()

	if !exists || cert.Revoked {
		return false
	}
	return cert.ExpiresAt == 0 || r.now().Unix() < cert.ExpiresAt
}

// CertificateOf returns holder's certificate, revoked or not.
func (r *Registry) CertificateOf(holder identity.Address) (*Certificate, error) {
	r.mu.RLock()
	cert, exists := r.certs[holder]
	r.mu.RUnlock()

	if !exists {
		return nil, domain.Errf(domain.KindNotFound, domain.ReasonNoCertificate, "holder %s has no certificate", holder)
	}
	c := *cert
	return &c, nil
}

// Apply folds a ledger event into the registry. t is the record time in
// unix nanoseconds. Events of other kinds are ignored.
func (r *Registry) Apply(ev ledger.Event, t int64) {
	switch e := ev.(type) {
	case *ledger.CertificateIssued:
		r.mu.Lock()
		r.certs[e.Holder] = &Certificate{
			ID:          e.ID,
			Holder:      e.Holder,
			ExpiresAt:   e.ExpiresAt,
			MetadataRef: e.MetadataRef,
			IssuedAt:    time.Unix(0, t).Unix(),
		}
		r.mu.Unlock()
	case *ledger.CertificateRevoked:
		r.mu.Lock()
		if cert, ok := r.certs[e.Holder]; ok {
			cert.Revoked = true
		}
		r.mu.Unlock()
	}
}

// Reset clears the registry ahead of a full replay.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.certs = make(map[identity.Address]*Certificate)
	r.mu.Unlock()
}

// Snapshot returns the encoded state for holder's certificate.
func (r *Registry) Snapshot(holder identity.Address) ([]byte, bool) {
	r.mu.RLock()
	cert, ok := r.certs[holder]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	data, err := json.Marshal(cert)
	if err != nil {
		return nil, false
	}
	return data, true
}

// certID derives a stable certificate identifier. Holders are certified at
// most once, so the holder address anchors uniqueness.
func certID(holder identity.Address, metadataRef string) string {
	return reference.Hex(reference.Compute(append([]byte("cert/"+holder.String()+"/"), metadataRef...)))
}
