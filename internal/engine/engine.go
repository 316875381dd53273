// Package engine serializes mutations against the event ledger. Every
// mutation validates against current component state, appends its events as
// one atomic batch, folds them back into the components, and writes entity
// state snapshots at the append position. Boot replays the full stream
// through the same fold, so recovery and live mutation share one code path.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"

	"github.com/lodetrace/lode-node/internal/certs"
	"github.com/lodetrace/lode-node/internal/domain"
	"github.com/lodetrace/lode-node/internal/ledger"
	"github.com/lodetrace/lode-node/internal/market"
	"github.com/lodetrace/lode-node/internal/materials"
	"github.com/lodetrace/lode-node/internal/observability"
	"github.com/lodetrace/lode-node/internal/roles"
	"github.com/lodetrace/lode-node/pkg/identity"
)

// Engine coordinates the domain components over one ledger. The mutation
// mutex stands in for the external ledger's total order: validation and
// append happen under it, so no two mutations interleave.
type Engine struct {
	mu sync.Mutex

	ledger    *ledger.Ledger
	roles     *roles.Registry
	certs     *certs.Registry
	materials *materials.Registry
	market    *market.Marketplace
	metrics   *observability.Metrics
}

// New wires an engine over the given ledger and components.
func New(l *ledger.Ledger, roleReg *roles.Registry, certReg *certs.Registry, matReg *materials.Registry, mkt *market.Marketplace, m *observability.Metrics) *Engine {
	return &Engine{
		ledger:    l,
		roles:     roleReg,
		certs:     certReg,
		materials: matReg,
		market:    mkt,
		metrics:   m,
	}
}

// Boot replays the full event stream into the components. Call before
// serving; the components must be empty.
func (e *Engine) Boot(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.roles.Reset()
	e.certs.Reset()
	e.materials.Reset()
	e.market.Reset()

	var count int
	err := e.ledger.Stream(ctx, 0, func(rec *ledger.Record) error {
		ev, err := rec.Decode()
		if err != nil {
			return err
		}
		e.fold(ev, rec.Time)
		count++
		return nil
	})
	if err != nil {
		return fmt.Errorf("replay: %w", err)
	}

	slog.InfoContext(ctx, "engine booted", "events", count, "position", e.ledger.Last())
	return nil
}

// RegisterRole binds account to role.
func (e *Engine) RegisterRole(ctx context.Context, account identity.Address, role domain.Role) (*ledger.Receipt, error) {
	op, ctx := observability.StartOperation(ctx, e.metrics, "register_role",
		attribute.String("account", account.String()))
	receipt, err := e.mutate(ctx, func() ([]ledger.Event, error) {
		ev, err := e.roles.Register(account, role)
		if err != nil {
			return nil, err
		}
		return []ledger.Event{ev}, nil
	})
	op.End(err)
	return receipt, err
}

// IssueCertificate grants holder a certificate. caller must be the
// authority. Returns the certificate id with the receipt.
func (e *Engine) IssueCertificate(ctx context.Context, caller, holder identity.Address, expiresAt int64, metadataRef string) (string, *ledger.Receipt, error) {
	op, ctx := observability.StartOperation(ctx, e.metrics, "issue_certificate",
		attribute.String("holder", holder.String()))
	var certID string
	receipt, err := e.mutate(ctx, func() ([]ledger.Event, error) {
		ev, err := e.certs.Issue(caller, holder, expiresAt, metadataRef)
		if err != nil {
			return nil, err
		}
		certID = ev.ID
		return []ledger.Event{ev}, nil
	})
	op.End(err)
	return certID, receipt, err
}

// RevokeCertificate revokes holder's certificate.
func (e *Engine) RevokeCertificate(ctx context.Context, caller, holder identity.Address) (*ledger.Receipt, error) {
	op, ctx := observability.StartOperation(ctx, e.metrics, "revoke_certificate",
		attribute.String("holder", holder.String()))
	receipt, err := e.mutate(ctx, func() ([]ledger.Event, error) {
		ev, err := e.certs.Revoke(caller, holder)
		if err != nil {
			return nil, err
		}
		return []ledger.Event{ev}, nil
	})
	op.End(err)
	return receipt, err
}

// MintMaterial creates a material owned by caller, consuming any composed
// components. Returns the assigned token id with the receipt.
func (e *Engine) MintMaterial(ctx context.Context, caller identity.Address, expiresAt int64, metadataRef string, composedOf []uint64) (uint64, *ledger.Receipt, error) {
	op, ctx := observability.StartOperation(ctx, e.metrics, "mint_material",
		attribute.String("caller", caller.String()),
		attribute.Int("components", len(composedOf)))
	var tokenID uint64
	receipt, err := e.mutate(ctx, func() ([]ledger.Event, error) {
		events, id, err := e.materials.Mint(caller, expiresAt, metadataRef, composedOf)
		if err != nil {
			return nil, err
		}
		tokenID = id
		return events, nil
	})
	op.End(err)
	return tokenID, receipt, err
}

// UpdateStatus moves material id through its lifecycle.
func (e *Engine) UpdateStatus(ctx context.Context, caller identity.Address, id uint64, to domain.Status) (*ledger.Receipt, error) {
	op, ctx := observability.StartOperation(ctx, e.metrics, "update_status",
		attribute.Int64("token_id", int64(id)),
		attribute.String("to", to.String()))
	receipt, err := e.mutate(ctx, func() ([]ledger.Event, error) {
		ev, err := e.materials.UpdateStatus(caller, id, to)
		if err != nil {
			return nil, err
		}
		return []ledger.Event{ev}, nil
	})
	op.End(err)
	return receipt, err
}

// Approve sets the approved transfer operator for material id.
func (e *Engine) Approve(ctx context.Context, caller identity.Address, id uint64, operator identity.Address) (*ledger.Receipt, error) {
	op, ctx := observability.StartOperation(ctx, e.metrics, "approve",
		attribute.Int64("token_id", int64(id)))
	receipt, err := e.mutate(ctx, func() ([]ledger.Event, error) {
		ev, err := e.materials.Approve(caller, id, operator)
		if err != nil {
			return nil, err
		}
		return []ledger.Event{ev}, nil
	})
	op.End(err)
	return receipt, err
}

// List offers a token for sale.
func (e *Engine) List(ctx context.Context, caller identity.Address, asset string, tokenID, price uint64) (*ledger.Receipt, error) {
	op, ctx := observability.StartOperation(ctx, e.metrics, "list",
		attribute.Int64("token_id", int64(tokenID)))
	receipt, err := e.mutate(ctx, func() ([]ledger.Event, error) {
		ev, err := e.market.List(caller, asset, tokenID, price)
		if err != nil {
			return nil, err
		}
		return []ledger.Event{ev}, nil
	})
	op.End(err)
	return receipt, err
}

// CancelListing withdraws caller's listing.
func (e *Engine) CancelListing(ctx context.Context, caller identity.Address, asset string, tokenID uint64) (*ledger.Receipt, error) {
	op, ctx := observability.StartOperation(ctx, e.metrics, "cancel_listing",
		attribute.Int64("token_id", int64(tokenID)))
	receipt, err := e.mutate(ctx, func() ([]ledger.Event, error) {
		ev, err := e.market.Cancel(caller, asset, tokenID)
		if err != nil {
			return nil, err
		}
		return []ledger.Event{ev}, nil
	})
	op.End(err)
	return receipt, err
}

// Buy purchases a listed token. Payment must match the price exactly.
func (e *Engine) Buy(ctx context.Context, caller identity.Address, asset string, tokenID, payment uint64) (*ledger.Receipt, error) {
	op, ctx := observability.StartOperation(ctx, e.metrics, "buy",
		attribute.Int64("token_id", int64(tokenID)))
	receipt, err := e.mutate(ctx, func() ([]ledger.Event, error) {
		return e.market.Buy(caller, asset, tokenID, payment)
	})
	op.End(err)
	return receipt, err
}

// mutate runs validate under the order mutex, appends the produced events
// as one batch, folds them into the components, and writes snapshots.
// Success is reported only after the append is durable.
func (e *Engine) mutate(ctx context.Context, validate func() ([]ledger.Event, error)) (*ledger.Receipt, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	events, err := validate()
	if err != nil {
		return nil, err
	}

	receipt, err := e.ledger.Append(ctx, events...)
	if err != nil {
		return nil, err
	}

	for i, ev := range events {
		e.fold(ev, receipt.Time)
		e.snapshot(ctx, ev, receipt.First+uint64(i))
	}
	return receipt, nil
}

// fold dispatches an event to every component; each ignores kinds it does
// not own.
func (e *Engine) fold(ev ledger.Event, t int64) {
	e.roles.Apply(ev)
	e.certs.Apply(ev, t)
	e.materials.Apply(ev, t)
	e.market.Apply(ev, t)
}

// snapshot writes the touched entity's state at the event's position.
// Snapshot failures are logged, not fatal: the event log remains the source
// of truth and a rebuild regenerates the state surface.
func (e *Engine) snapshot(ctx context.Context, ev ledger.Event, pos uint64) {
	var key string
	var data []byte
	var ok bool

	switch v := ev.(type) {
	case *ledger.RoleRegistered:
		key = "role/" + v.Account.String()
		data, ok = e.roles.Snapshot(v.Account)
	case *ledger.CertificateIssued:
		key = "cert/" + v.Holder.String()
		data, ok = e.certs.Snapshot(v.Holder)
	case *ledger.CertificateRevoked:
		key = "cert/" + v.Holder.String()
		data, ok = e.certs.Snapshot(v.Holder)
	case *ledger.MaterialMinted:
		key = materials.StateKey(v.ID)
		data, ok = e.materials.Snapshot(v.ID)
	case *ledger.StatusChanged:
		key = materials.StateKey(v.ID)
		data, ok = e.materials.Snapshot(v.ID)
	case *ledger.Transferred:
		key = materials.StateKey(v.TokenID)
		data, ok = e.materials.Snapshot(v.TokenID)
	case *ledger.ApprovalSet:
		key = materials.StateKey(v.TokenID)
		data, ok = e.materials.Snapshot(v.TokenID)
	case *ledger.Listed:
		key = market.StateKey(v.Asset, v.TokenID)
		data, ok = e.market.Snapshot(v.Asset, v.TokenID)
	case *ledger.Cancelled:
		key = market.StateKey(v.Asset, v.TokenID)
		data, ok = e.market.Snapshot(v.Asset, v.TokenID)
	case *ledger.Sold:
		key = market.StateKey(v.Asset, v.TokenID)
		data, ok = e.market.Snapshot(v.Asset, v.TokenID)
	default:
		return
	}
	if !ok {
		return
	}
	if err := e.ledger.PutState(ctx, key, pos, data); err != nil {
		slog.WarnContext(ctx, "state snapshot write failed", "key", key, "position", pos, "error", err)
	}
}

// Ledger exposes the underlying ledger for the indexer and queries.
func (e *Engine) Ledger() *ledger.Ledger { return e.ledger }

// Roles exposes the role registry for queries.
func (e *Engine) Roles() *roles.Registry { return e.roles }

// Certs exposes the certificate registry for queries.
func (e *Engine) Certs() *certs.Registry { return e.certs }

// Materials exposes the material registry for queries.
func (e *Engine) Materials() *materials.Registry { return e.materials }

// Market exposes the marketplace for queries.
func (e *Engine) Market() *market.Marketplace { return e.market }
