// Package domain defines the shared vocabulary of the provenance core:
// roles, material statuses, and the failure taxonomy every mutation
// reports against.
package domain

import (
	"errors"
	"fmt"
)

// Role is the permanent classification of a registered principal.
type Role uint8

const (
	RoleBuyer    Role = 0
	RoleSupplier Role = 1
)

// String implements fmt.Stringer.
func (r Role) String() string {
	switch r {
	case RoleBuyer:
		return "buyer"
	case RoleSupplier:
		return "supplier"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

// Valid reports whether r is a defined role.
func (r Role) Valid() bool {
	return r == RoleBuyer || r == RoleSupplier
}

// ParseRole decodes a role name.
func ParseRole(s string) (Role, error) {
	switch s {
	case "buyer":
		return RoleBuyer, nil
	case "supplier":
		return RoleSupplier, nil
	default:
		return 0, fmt.Errorf("unknown role %q", s)
	}
}

// Status is a material lifecycle state. The ordinals are part of the wire
// encoding of persisted events and must not be reordered.
type Status uint8

const (
	StatusAvailable Status = 0
	StatusInTransit Status = 1
	StatusDelivered Status = 2
	StatusAssembled Status = 3
)

var statusNames = [...]string{"available", "in_transit", "delivered", "assembled"}

// String implements fmt.Stringer.
func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// Valid reports whether s is a defined status.
func (s Status) Valid() bool {
	return int(s) < len(statusNames)
}

// ParseStatus decodes a status name.
func ParseStatus(s string) (Status, error) {
	for i, name := range statusNames {
		if name == s {
			return Status(i), nil
		}
	}
	return 0, fmt.Errorf("unknown status %q", s)
}

// CanTransition reports whether the lifecycle table allows from -> to.
// Available -> InTransit -> Delivered -> {Assembled, Available}.
// Assembled is terminal.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusAvailable:
		return to == StatusInTransit
	case StatusInTransit:
		return to == StatusDelivered
	case StatusDelivered:
		return to == StatusAssembled || to == StatusAvailable
	default:
		return false
	}
}

// Kind classifies a mutation failure.
type Kind uint8

const (
	KindAuthorization Kind = iota + 1
	KindStateConflict
	KindValidation
	KindNotFound
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindAuthorization:
		return "authorization"
	case KindStateConflict:
		return "state_conflict"
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Failure reasons. Every mutation failure names one of these so callers
// never see a generic error.
const (
	ReasonBadRole             = "BadRole"
	ReasonAlreadyRegistered   = "AlreadyRegistered"
	ReasonNotRegistered       = "NotRegistered"
	ReasonNotAuthority        = "NotAuthority"
	ReasonAlreadyCertified    = "AlreadyCertified"
	ReasonNoCertificate       = "NoCertificate"
	ReasonAlreadyRevoked      = "AlreadyRevoked"
	ReasonNoValidCertificate  = "NoValidCertificate"
	ReasonNotSupplier         = "NotSupplier"
	ReasonNotOwner            = "NotOwner"
	ReasonNotApproved         = "NotApproved"
	ReasonUnknownMaterial     = "UnknownMaterial"
	ReasonDuplicateComponent  = "DuplicateComponent"
	ReasonAlreadyAssembled    = "AlreadyAssembled"
	ReasonTerminal            = "Terminal"
	ReasonInvalidTransition   = "InvalidTransition"
	ReasonExpiryInPast        = "ExpiryInPast"
	ReasonBadPrice            = "BadPrice"
	ReasonBadReference        = "BadReference"
	ReasonBadFilter           = "BadFilter"
	ReasonAlreadyListed       = "AlreadyListed"
	ReasonAlreadyInactive     = "AlreadyInactive"
	ReasonNotSeller           = "NotSeller"
	ReasonNotListed           = "NotListed"
	ReasonInsufficientFunds   = "InsufficientFunds"
	ReasonOverpaymentRejected = "OverpaymentRejected"
	ReasonSelfPurchase        = "SelfPurchase"
)

// Error is a classified mutation failure. Mutation failures are terminal
// for the call; nothing in the core retries.
type Error struct {
	Kind   Kind
	Reason string
	Detail string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Reason, e.Detail)
}

// Errf builds a classified failure with a formatted detail.
func Errf(kind Kind, reason, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// AsError extracts a classified failure from err, if present.
func AsError(err error) (*Error, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// IsKind reports whether err is a classified failure of the given kind.
func IsKind(err error, kind Kind) bool {
	de, ok := AsError(err)
	return ok && de.Kind == kind
}

// IsReason reports whether err carries the given failure reason.
func IsReason(err error, reason string) bool {
	de, ok := AsError(err)
	return ok && de.Reason == reason
}
