// Package indexer replays the ledger event stream into read views:
// ownership sets, active listings, and per-token history. It is a pure
// projection and never mutates domain state.
package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/lodetrace/lode-node/internal/domain"
	"github.com/lodetrace/lode-node/internal/ledger"
	"github.com/lodetrace/lode-node/internal/materials"
	"github.com/lodetrace/lode-node/internal/metastore"
	"github.com/lodetrace/lode-node/pkg/identity"
)

// DefaultProbeWindow bounds the backward probe used to locate an implied
// status transition, in ledger positions.
const DefaultProbeWindow = 100

// Confidence labels how precisely a history entry's position is known.
type Confidence string

const (
	// ConfidenceExact means the entry sits at the position of an observed
	// event or a resolved snapshot boundary.
	ConfidenceExact Confidence = "exact"
	// ConfidenceApproximate means the transition happened at or before the
	// recorded position but could not be pinned down within the probe
	// window.
	ConfidenceApproximate Confidence = "approximate"
)

// HistoryEntry is one step in a token's lifecycle.
type HistoryEntry struct {
	Position   uint64      `json:"position"`
	Time       int64       `json:"time"` // unix nanoseconds
	Kind       ledger.Kind `json:"kind"`
	Detail     string      `json:"detail"`
	Confidence Confidence  `json:"confidence"`
}

// Listing is an active listing joined with its token's metadata.
type Listing struct {
	Asset       string           `json:"asset"`
	TokenID     uint64           `json:"token_id"`
	Seller      identity.Address `json:"seller"`
	Price       uint64           `json:"price"`
	Status      domain.Status    `json:"status"`
	Name        string           `json:"name,omitempty"`
	Supplier    string           `json:"supplier,omitempty"`
	Batch       string           `json:"batch,omitempty"`
	Description string           `json:"description,omitempty"`
}

// errDiscontinuity aborts a fold when the stream skips a position.
var errDiscontinuity = errors.New("stream discontinuity")

type listingKey struct {
	asset   string
	tokenID uint64
}

type listingState struct {
	seller identity.Address
	price  uint64
}

// pendingFlip is a component consumed into an assembly whose forced status
// change has not yet been explained by an explicit event.
type pendingFlip struct {
	entry      int    // index into history[id]
	consumedAt uint64 // position of the consuming mint
}

// Option configures an Indexer.
type Option func(*Indexer)

// WithProbeWindow overrides the backward probe bound.
func WithProbeWindow(window uint64) Option {
	return func(i *Indexer) { i.probeWindow = window }
}

// Indexer folds ledger records into query views. All views are guarded by
// one RWMutex: queries observe pre- or post-batch state, never a partially
// applied batch.
type Indexer struct {
	mu          sync.RWMutex
	led         *ledger.Ledger
	meta        *metastore.Store
	probeWindow uint64

	next uint64 // next expected stream position

	owners   map[identity.Address]map[uint64]bool
	allIDs   map[uint64]bool
	status   map[uint64]domain.Status
	metaRefs map[uint64]string
	listings map[listingKey]*listingState
	history  map[uint64][]HistoryEntry
	pending  map[uint64]pendingFlip

	docMu    sync.Mutex
	docCache map[string]*metastore.MaterialDocument
}

// New returns an empty indexer over the given ledger. The metadata store
// resolves listing documents for filtering; it may be nil, in which case
// metadata filters match nothing.
func New(led *ledger.Ledger, meta *metastore.Store, opts ...Option) *Indexer {
	i := &Indexer{
		led:         led,
		meta:        meta,
		probeWindow: DefaultProbeWindow,
	}
	i.resetLocked()
	for _, opt := range opts {
		opt(i)
	}
	return i
}

func (i *Indexer) resetLocked() {
	i.next = 1
	i.owners = make(map[identity.Address]map[uint64]bool)
	i.allIDs = make(map[uint64]bool)
	i.status = make(map[uint64]domain.Status)
	i.metaRefs = make(map[uint64]string)
	i.listings = make(map[listingKey]*listingState)
	i.history = make(map[uint64][]HistoryEntry)
	i.pending = make(map[uint64]pendingFlip)
}

// Sync folds records appended since the last call. On a position
// discontinuity the views are rebuilt from genesis.
func (i *Indexer) Sync(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	err := i.led.Stream(ctx, i.next, i.fold)
	if errors.Is(err, errDiscontinuity) {
		slog.WarnContext(ctx, "ledger stream discontinuity, rebuilding views", "expected", i.next)
		return i.rebuildLocked(ctx)
	}
	if err != nil {
		return fmt.Errorf("index sync: %w", err)
	}
	i.resolvePending(ctx)
	return nil
}

// Rebuild discards all views and replays the stream from genesis. Replaying
// one fixed stream any number of times yields identical views.
func (i *Indexer) Rebuild(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.rebuildLocked(ctx)
}

func (i *Indexer) rebuildLocked(ctx context.Context) error {
	i.resetLocked()
	if err := i.led.Stream(ctx, 1, i.fold); err != nil {
		return fmt.Errorf("index rebuild: %w", err)
	}
	i.resolvePending(ctx)
	return nil
}

// fold applies one record. Caller holds the write lock.
func (i *Indexer) fold(rec *ledger.Record) error {
	if rec.Position != i.next {
		return errDiscontinuity
	}
	i.next = rec.Position + 1

	ev, err := rec.Decode()
	if err != nil {
		return err
	}

	switch ev := ev.(type) {
	case *ledger.MaterialMinted:
		i.allIDs[ev.ID] = true
		i.status[ev.ID] = domain.StatusAvailable
		i.metaRefs[ev.ID] = ev.MetadataRef
		i.append(ev.ID, rec, fmt.Sprintf("minted by %s", ev.Owner), ConfidenceExact)
		for _, comp := range ev.ComposedOf {
			i.append(comp, rec, fmt.Sprintf("assembled into token %d", ev.ID), "")
			i.pending[comp] = pendingFlip{
				entry:      len(i.history[comp]) - 1,
				consumedAt: rec.Position,
			}
		}

	case *ledger.StatusChanged:
		i.status[ev.ID] = ev.To
		if p, ok := i.pending[ev.ID]; ok && ev.To == domain.StatusAssembled {
			// The forced transition from the consuming mint. Confirm the
			// assembly entry instead of recording a second step.
			i.history[ev.ID][p.entry].Confidence = ConfidenceExact
			delete(i.pending, ev.ID)
			return nil
		}
		i.append(ev.ID, rec, fmt.Sprintf("status %s -> %s", ev.From, ev.To), ConfidenceExact)

	case *ledger.Transferred:
		i.allIDs[ev.TokenID] = true
		if !ev.From.IsZero() {
			if set := i.owners[ev.From]; set != nil {
				delete(set, ev.TokenID)
			}
			i.append(ev.TokenID, rec, fmt.Sprintf("transferred %s -> %s", ev.From, ev.To), ConfidenceExact)
		}
		set := i.owners[ev.To]
		if set == nil {
			set = make(map[uint64]bool)
			i.owners[ev.To] = set
		}
		set[ev.TokenID] = true

	case *ledger.Listed:
		i.listings[listingKey{ev.Asset, ev.TokenID}] = &listingState{seller: ev.Seller, price: ev.Price}
		i.append(ev.TokenID, rec, fmt.Sprintf("listed for %d", ev.Price), ConfidenceExact)

	case *ledger.Cancelled:
		delete(i.listings, listingKey{ev.Asset, ev.TokenID})
		i.append(ev.TokenID, rec, "listing cancelled", ConfidenceExact)

	case *ledger.Sold:
		delete(i.listings, listingKey{ev.Asset, ev.TokenID})
		i.append(ev.TokenID, rec, fmt.Sprintf("sold to %s for %d", ev.Buyer, ev.Price), ConfidenceExact)
	}
	return nil
}

func (i *Indexer) append(id uint64, rec *ledger.Record, detail string, conf Confidence) {
	i.allIDs[id] = true
	i.history[id] = append(i.history[id], HistoryEntry{
		Position:   rec.Position,
		Time:       rec.Time,
		Kind:       rec.Kind,
		Detail:     detail,
		Confidence: conf,
	})
}

// resolvePending settles assembly flips no explicit event explained by the
// end of the batch: probe backward through state snapshots for the
// transition. Probe failures degrade the entry to approximate, they never
// abort the fold.
func (i *Indexer) resolvePending(ctx context.Context) {
	for id, p := range i.pending {
		entry := &i.history[id][p.entry]
		pos, found, err := i.probeAssembled(ctx, id, p.consumedAt)
		switch {
		case err != nil:
			slog.WarnContext(ctx, "history probe failed", "token", id, "error", err)
			entry.Confidence = ConfidenceApproximate
		case found:
			entry.Position = pos
			entry.Confidence = ConfidenceExact
		default:
			entry.Confidence = ConfidenceApproximate
		}
		i.status[id] = domain.StatusAssembled
		delete(i.pending, id)
	}
}

// probeAssembled walks state snapshots backward from the consuming mint
// looking for the position where the token first reads assembled. The walk
// gives up once it crosses the probe window.
func (i *Indexer) probeAssembled(ctx context.Context, id, from uint64) (uint64, bool, error) {
	var floor uint64
	if from > i.probeWindow {
		floor = from - i.probeWindow
	}

	key := materials.StateKey(id)
	var candidate uint64
	at := from
	for {
		data, pos, err := i.led.StateAt(ctx, key, at)
		if errors.Is(err, ledger.ErrNotFound) {
			// No snapshot earlier than the candidate: assembled since its
			// first recorded state.
			return candidate, candidate != 0, nil
		}
		if err != nil {
			return 0, false, err
		}

		var snap struct {
			Status domain.Status `json:"status"`
		}
		if err := json.Unmarshal(data, &snap); err != nil {
			return 0, false, fmt.Errorf("decode snapshot %s@%d: %w", key, pos, err)
		}

		if snap.Status != domain.StatusAssembled {
			return candidate, candidate != 0, nil
		}
		candidate = pos
		if pos == 1 {
			// Genesis snapshot, assembled from the first recorded state.
			return candidate, true, nil
		}
		if pos-1 < floor {
			// Window exhausted without finding the boundary.
			return 0, false, nil
		}
		at = pos - 1
	}
}
