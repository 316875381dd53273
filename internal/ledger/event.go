package ledger

import (
	"encoding/json"
	"fmt"

	"github.com/lodetrace/lode-node/internal/domain"
	"github.com/lodetrace/lode-node/pkg/identity"
)

// Kind discriminates event payloads on the wire.
type Kind string

const (
	KindRoleRegistered     Kind = "role_registered"
	KindCertificateIssued  Kind = "certificate_issued"
	KindCertificateRevoked Kind = "certificate_revoked"
	KindMaterialMinted     Kind = "material_minted"
	KindStatusChanged      Kind = "status_changed"
	KindTransferred        Kind = "transferred"
	KindApprovalSet        Kind = "approval_set"
	KindListed             Kind = "listed"
	KindCancelled          Kind = "cancelled"
	KindSold               Kind = "sold"
)

// AssetMaterial is the asset namespace for material tokens. Transfer,
// approval, and listing events are namespaced so further asset classes can
// share the ledger.
const AssetMaterial = "material"

// Event is a ledger payload. Implementations are plain structs with stable
// JSON field names.
type Event interface {
	Kind() Kind
}

// RoleRegistered binds an account to a role. Roles bind once.
type RoleRegistered struct {
	Account identity.Address `json:"account"`
	Role    domain.Role      `json:"role"`
}

func (RoleRegistered) Kind() Kind { return KindRoleRegistered }

// CertificateIssued records a certificate grant by the authority.
type CertificateIssued struct {
	ID          string           `json:"id"`
	Authority   identity.Address `json:"authority"`
	Holder      identity.Address `json:"holder"`
	ExpiresAt   int64            `json:"expires_at"` // unix seconds, 0 = never
	MetadataRef string           `json:"metadata_ref,omitempty"`
}

func (CertificateIssued) Kind() Kind { return KindCertificateIssued }

// CertificateRevoked marks a holder's certificate revoked.
type CertificateRevoked struct {
	Authority identity.Address `json:"authority"`
	Holder    identity.Address `json:"holder"`
}

func (CertificateRevoked) Kind() Kind { return KindCertificateRevoked }

// MaterialMinted records creation of a material token.
type MaterialMinted struct {
	ID          uint64           `json:"id"`
	Owner       identity.Address `json:"owner"`
	ExpiresAt   int64            `json:"expires_at"` // unix seconds
	MetadataRef string           `json:"metadata_ref,omitempty"`
	ComposedOf  []uint64         `json:"composed_of,omitempty"`
}

func (MaterialMinted) Kind() Kind { return KindMaterialMinted }

// StatusChanged records a material lifecycle transition.
type StatusChanged struct {
	ID    uint64           `json:"id"`
	From  domain.Status    `json:"from"`
	To    domain.Status    `json:"to"`
	Actor identity.Address `json:"actor"`
}

func (StatusChanged) Kind() Kind { return KindStatusChanged }

// Transferred records an ownership change. From is the zero address on mint.
type Transferred struct {
	Asset   string           `json:"asset"`
	TokenID uint64           `json:"token_id"`
	From    identity.Address `json:"from"`
	To      identity.Address `json:"to"`
}

func (Transferred) Kind() Kind { return KindTransferred }

// ApprovalSet records the approved transfer operator for a token. A zero
// operator clears the approval.
type ApprovalSet struct {
	Asset    string           `json:"asset"`
	TokenID  uint64           `json:"token_id"`
	Owner    identity.Address `json:"owner"`
	Operator identity.Address `json:"operator"`
}

func (ApprovalSet) Kind() Kind { return KindApprovalSet }

// Listed records a new active listing.
type Listed struct {
	Asset   string           `json:"asset"`
	TokenID uint64           `json:"token_id"`
	Seller  identity.Address `json:"seller"`
	Price   uint64           `json:"price"`
}

func (Listed) Kind() Kind { return KindListed }

// Cancelled records a seller withdrawing a listing.
type Cancelled struct {
	Asset   string           `json:"asset"`
	TokenID uint64           `json:"token_id"`
	Seller  identity.Address `json:"seller"`
}

func (Cancelled) Kind() Kind { return KindCancelled }

// Sold records a completed purchase.
type Sold struct {
	Asset   string           `json:"asset"`
	TokenID uint64           `json:"token_id"`
	Seller  identity.Address `json:"seller"`
	Buyer   identity.Address `json:"buyer"`
	Price   uint64           `json:"price"`
}

func (Sold) Kind() Kind { return KindSold }

// Record is the durable row: an event payload bound to its ledger position
// and append time.
type Record struct {
	Position uint64          `json:"position"`
	Time     int64           `json:"time"` // unix nanoseconds
	Kind     Kind            `json:"kind"`
	Payload  json.RawMessage `json:"payload"`
}

// NewRecord binds an event to a position and timestamp.
func NewRecord(pos uint64, t int64, ev Event) (*Record, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", ev.Kind(), err)
	}
	return &Record{Position: pos, Time: t, Kind: ev.Kind(), Payload: payload}, nil
}

// Decode returns the typed event carried by the record.
func (r *Record) Decode() (Event, error) {
	var ev Event
	switch r.Kind {
	case KindRoleRegistered:
		ev = &RoleRegistered{}
	case KindCertificateIssued:
		ev = &CertificateIssued{}
	case KindCertificateRevoked:
		ev = &CertificateRevoked{}
	case KindMaterialMinted:
		ev = &MaterialMinted{}
	case KindStatusChanged:
		ev = &StatusChanged{}
	case KindTransferred:
		ev = &Transferred{}
	case KindApprovalSet:
		ev = &ApprovalSet{}
	case KindListed:
		ev = &Listed{}
	case KindCancelled:
		ev = &Cancelled{}
	case KindSold:
		ev = &Sold{}
	default:
		return nil, fmt.Errorf("unknown event kind %q at position %d", r.Kind, r.Position)
	}
	if err := json.Unmarshal(r.Payload, ev); err != nil {
		return nil, fmt.Errorf("decode %s payload at position %d: %w", r.Kind, r.Position, err)
	}
	return ev, nil
}
