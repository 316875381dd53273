package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/lodetrace/lode-node/internal/certs"
	"github.com/lodetrace/lode-node/internal/domain"
	"github.com/lodetrace/lode-node/internal/engine"
	"github.com/lodetrace/lode-node/internal/ledger"
	ledgerphys "github.com/lodetrace/lode-node/internal/ledger/physical"
	"github.com/lodetrace/lode-node/internal/market"
	"github.com/lodetrace/lode-node/internal/materials"
	"github.com/lodetrace/lode-node/internal/metastore"
	metaphys "github.com/lodetrace/lode-node/internal/metastore/physical"
	"github.com/lodetrace/lode-node/internal/observability"
	"github.com/lodetrace/lode-node/internal/roles"
	"github.com/lodetrace/lode-node/pkg/identity"
	"github.com/lodetrace/lode-node/pkg/reference"
)

var (
	authority = identity.Derive("test/authority")
	supplier  = identity.Derive("test/supplier")
	buyer     = identity.Derive("test/buyer")
)

const testNow = int64(1700000000)

type harness struct {
	engine *engine.Engine
	meta   *metastore.Store
	idx    *Indexer
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	ctx := context.Background()
	clock := func() time.Time { return time.Unix(testNow, 0) }

	backend, err := ledgerphys.New(ctx, "memory", nil)
	if err != nil {
		t.Fatalf("ledger backend: %v", err)
	}
	l, err := ledger.Open(ctx, backend, ledger.WithClock(clock))
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}

	roleReg := roles.NewRegistry()
	certReg := certs.NewRegistry(authority, certs.WithClock(clock))
	matReg := materials.NewRegistry(roleReg, certReg, materials.WithClock(clock))
	mkt := market.New(matReg)
	e := engine.New(l, roleReg, certReg, matReg, mkt, observability.NewMetrics())
	if err := e.Boot(ctx); err != nil {
		t.Fatalf("Boot: %v", err)
	}

	meta := metastore.New(metaphys.NewMemory(), observability.NewMetrics())

	h := &harness{engine: e, meta: meta, idx: New(l, meta, opts...)}

	for _, bind := range []struct {
		account identity.Address
		role    domain.Role
	}{
		{supplier, domain.RoleSupplier},
		{buyer, domain.RoleBuyer},
	} {
		if _, err := e.RegisterRole(ctx, bind.account, bind.role); err != nil {
			t.Fatalf("RegisterRole(%s): %v", bind.account, err)
		}
	}
	if _, _, err := e.IssueCertificate(ctx, authority, supplier, 0, ""); err != nil {
		t.Fatalf("IssueCertificate: %v", err)
	}
	return h
}

func (h *harness) storeDoc(t *testing.T, doc *metastore.MaterialDocument) string {
	t.Helper()
	data, err := doc.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	r, err := h.meta.Put(context.Background(), data)
	if err != nil {
		t.Fatalf("meta.Put: %v", err)
	}
	return reference.Hex(r)
}

func (h *harness) mint(t *testing.T, doc *metastore.MaterialDocument, composedOf ...uint64) uint64 {
	t.Helper()
	var ref string
	if doc != nil {
		ref = h.storeDoc(t, doc)
	}
	id, _, err := h.engine.MintMaterial(context.Background(), supplier, 0, ref, composedOf)
	if err != nil {
		t.Fatalf("MintMaterial: %v", err)
	}
	return id
}

// approveAndList grants the marketplace operator approval and lists the
// token.
func (h *harness) approveAndList(t *testing.T, id, price uint64) {
	t.Helper()
	ctx := context.Background()
	if _, err := h.engine.Approve(ctx, supplier, id, market.Principal); err != nil {
		t.Fatalf("Approve(%d): %v", id, err)
	}
	if _, err := h.engine.List(ctx, supplier, ledger.AssetMaterial, id, price); err != nil {
		t.Fatalf("List(%d): %v", id, err)
	}
}

func (h *harness) sync(t *testing.T) {
	t.Helper()
	if err := h.idx.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}
}

func TestOwnershipFold(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id1 := h.mint(t, nil)
	id2 := h.mint(t, nil)
	h.sync(t)

	got := h.idx.OwnershipSet(supplier)
	if len(got) != 2 || got[0] != id1 || got[1] != id2 {
		t.Fatalf("OwnershipSet(supplier) = %v, want [%d %d]", got, id1, id2)
	}

	// Sell token 1 to the buyer; ownership moves on the next sync.
	h.approveAndList(t, id1, 500)
	if _, err := h.engine.Buy(ctx, buyer, ledger.AssetMaterial, id1, 500); err != nil {
		t.Fatalf("Buy: %v", err)
	}
	h.sync(t)

	if got := h.idx.OwnershipSet(supplier); len(got) != 1 || got[0] != id2 {
		t.Errorf("OwnershipSet(supplier) = %v, want [%d]", got, id2)
	}
	if got := h.idx.OwnershipSet(buyer); len(got) != 1 || got[0] != id1 {
		t.Errorf("OwnershipSet(buyer) = %v, want [%d]", got, id1)
	}
	if got := h.idx.AllKnownIDs(); len(got) != 2 {
		t.Errorf("AllKnownIDs = %v, want 2 ids", got)
	}
}

func TestEndToEndHistory(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id1 := h.mint(t, nil)
	for _, to := range []domain.Status{domain.StatusInTransit, domain.StatusDelivered} {
		if _, err := h.engine.UpdateStatus(ctx, supplier, id1, to); err != nil {
			t.Fatalf("UpdateStatus(%s): %v", to, err)
		}
	}
	id2 := h.mint(t, nil, id1)
	h.sync(t)

	entries := h.idx.History(id1)
	if len(entries) != 4 {
		t.Fatalf("History(%d) has %d entries, want 4: %+v", id1, len(entries), entries)
	}
	wantDetails := []string{
		fmt.Sprintf("minted by %s", supplier),
		"status available -> in_transit",
		"status in_transit -> delivered",
		fmt.Sprintf("assembled into token %d", id2),
	}
	for n, want := range wantDetails {
		if entries[n].Detail != want {
			t.Errorf("entry %d detail = %q, want %q", n, entries[n].Detail, want)
		}
		if entries[n].Confidence != ConfidenceExact {
			t.Errorf("entry %d confidence = %q, want exact", n, entries[n].Confidence)
		}
	}
	for n := 1; n < len(entries); n++ {
		if entries[n].Position <= entries[n-1].Position {
			t.Errorf("entries out of order at %d: %d <= %d", n, entries[n].Position, entries[n-1].Position)
		}
	}
}

func TestAssembledListingDropped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id1 := h.mint(t, nil)
	h.approveAndList(t, id1, 900)
	h.sync(t)

	listings, err := h.idx.ActiveListings(ctx, Filter{})
	if err != nil {
		t.Fatalf("ActiveListings: %v", err)
	}
	if len(listings) != 1 || listings[0].TokenID != id1 {
		t.Fatalf("ActiveListings = %+v, want token %d", listings, id1)
	}

	// Deliver and consume the token; its listing must disappear from the
	// active view even though no cancel event exists.
	for _, to := range []domain.Status{domain.StatusInTransit, domain.StatusDelivered} {
		if _, err := h.engine.UpdateStatus(ctx, supplier, id1, to); err != nil {
			t.Fatalf("UpdateStatus(%s): %v", to, err)
		}
	}
	h.mint(t, nil, id1)
	h.sync(t)

	listings, err = h.idx.ActiveListings(ctx, Filter{})
	if err != nil {
		t.Fatalf("ActiveListings: %v", err)
	}
	for _, l := range listings {
		if l.TokenID == id1 {
			t.Errorf("assembled token %d still listed: %+v", id1, l)
		}
	}
}

func TestListingFilters(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	pipe := h.mint(t, &metastore.MaterialDocument{
		Name: "Copper Pipe 22mm", SupplierName: "Nordic Timber", BatchNumber: "B-7",
		Description: "potable water rated",
	})
	plank := h.mint(t, &metastore.MaterialDocument{
		Name: "Oak Plank", SupplierName: "Baltic Steel", BatchNumber: "B-9",
		Description: "kiln dried",
	})
	h.approveAndList(t, pipe, 1500)
	h.approveAndList(t, plank, 300)
	h.sync(t)

	cases := []struct {
		name   string
		filter Filter
		want   []uint64
	}{
		{"no filter", Filter{}, []uint64{pipe, plank}},
		{"name substring", Filter{Name: "pipe"}, []uint64{pipe}},
		{"supplier substring", Filter{Supplier: "baltic"}, []uint64{plank}},
		{"and-combined", Filter{Name: "pipe", Batch: "B-9"}, nil},
		{"description", Filter{Description: "kiln"}, []uint64{plank}},
		{"cel price", Filter{Expr: "price > 1000"}, []uint64{pipe}},
		{"cel compound", Filter{Expr: `price < 1000 && supplier.contains("Baltic")`}, []uint64{plank}},
		{"cel with substring", Filter{Name: "plank", Expr: "price < 1000"}, []uint64{plank}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := h.idx.ActiveListings(ctx, tc.filter)
			if err != nil {
				t.Fatalf("ActiveListings: %v", err)
			}
			ids := make([]uint64, 0, len(got))
			for _, l := range got {
				ids = append(ids, l.TokenID)
			}
			if len(ids) != len(tc.want) {
				t.Fatalf("got tokens %v, want %v", ids, tc.want)
			}
			for n := range ids {
				if ids[n] != tc.want[n] {
					t.Fatalf("got tokens %v, want %v", ids, tc.want)
				}
			}
		})
	}

	if _, err := h.idx.ActiveListings(ctx, Filter{Expr: "price >"}); err == nil {
		t.Error("malformed expression accepted")
	} else if !domain.IsReason(err, domain.ReasonBadFilter) {
		t.Errorf("malformed expression error = %v, want BadFilter", err)
	}
}

func TestStatusFilter(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id1 := h.mint(t, nil)
	h.approveAndList(t, id1, 100)
	if _, err := h.engine.UpdateStatus(ctx, supplier, id1, domain.StatusInTransit); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	h.sync(t)

	avail := domain.StatusAvailable
	got, err := h.idx.ActiveListings(ctx, Filter{Status: &avail})
	if err != nil {
		t.Fatalf("ActiveListings: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("available filter matched in-transit token: %+v", got)
	}

	transit := domain.StatusInTransit
	got, err = h.idx.ActiveListings(ctx, Filter{Status: &transit})
	if err != nil {
		t.Fatalf("ActiveListings: %v", err)
	}
	if len(got) != 1 || got[0].TokenID != id1 {
		t.Errorf("in-transit filter = %+v, want token %d", got, id1)
	}
}

// rawLedger builds a ledger whose events and state snapshots are written by
// hand, standing in for a stream produced by another writer.
func rawLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	backend, err := ledgerphys.New(context.Background(), "memory", nil)
	if err != nil {
		t.Fatalf("ledger backend: %v", err)
	}
	l, err := ledger.Open(context.Background(), backend)
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	return l
}

func putStatus(t *testing.T, l *ledger.Ledger, id, pos uint64, status domain.Status) {
	t.Helper()
	data, err := json.Marshal(map[string]any{"id": id, "status": status})
	if err != nil {
		t.Fatalf("marshal snapshot: %v", err)
	}
	if err := l.PutState(context.Background(), materials.StateKey(id), pos, data); err != nil {
		t.Fatalf("PutState: %v", err)
	}
}

func TestProbeResolvesWithinWindow(t *testing.T) {
	l := rawLedger(t)
	ctx := context.Background()

	// Stream with no explicit assembled transition for token 1: the flip is
	// visible only through state snapshots.
	appendEvents(t, l,
		&ledger.MaterialMinted{ID: 1, Owner: supplier, ExpiresAt: testNow + 3600}, // pos 1
		&ledger.StatusChanged{ID: 1, From: domain.StatusAvailable, To: domain.StatusInTransit, Actor: supplier}, // pos 2
		&ledger.StatusChanged{ID: 1, From: domain.StatusInTransit, To: domain.StatusDelivered, Actor: supplier}, // pos 3
	)
	putStatus(t, l, 1, 1, domain.StatusAvailable)
	putStatus(t, l, 1, 2, domain.StatusInTransit)
	putStatus(t, l, 1, 3, domain.StatusAssembled)
	appendEvents(t, l,
		&ledger.MaterialMinted{ID: 2, Owner: supplier, ExpiresAt: testNow + 3600, ComposedOf: []uint64{1}}, // pos 4
	)

	idx := New(l, nil)
	if err := idx.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	entries := idx.History(1)
	last := entries[len(entries)-1]
	if last.Detail != "assembled into token 2" {
		t.Fatalf("last entry = %+v", last)
	}
	if last.Confidence != ConfidenceExact {
		t.Errorf("confidence = %q, want exact", last.Confidence)
	}
	if last.Position != 3 {
		t.Errorf("position = %d, want 3 (resolved snapshot boundary)", last.Position)
	}
}

func TestProbeDegradesBeyondWindow(t *testing.T) {
	l := rawLedger(t)
	ctx := context.Background()

	appendEvents(t, l,
		&ledger.MaterialMinted{ID: 1, Owner: supplier, ExpiresAt: testNow + 3600}, // pos 1
	)
	filler := make([]ledger.Event, 8)
	for n := range filler {
		filler[n] = &ledger.RoleRegistered{Account: identity.Derive(fmt.Sprintf("test/filler%d", n)), Role: domain.RoleBuyer}
	}
	appendEvents(t, l, filler...) // pos 2-9
	putStatus(t, l, 1, 1, domain.StatusAvailable)
	putStatus(t, l, 1, 3, domain.StatusAvailable)
	// Token reads assembled well before the consuming mint; the true
	// boundary sits below the probe window.
	putStatus(t, l, 1, 7, domain.StatusAssembled)
	putStatus(t, l, 1, 8, domain.StatusAssembled)
	putStatus(t, l, 1, 9, domain.StatusAssembled)
	appendEvents(t, l,
		&ledger.MaterialMinted{ID: 2, Owner: supplier, ExpiresAt: testNow + 3600, ComposedOf: []uint64{1}}, // pos 10
	)

	idx := New(l, nil, WithProbeWindow(2))
	if err := idx.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	entries := idx.History(1)
	last := entries[len(entries)-1]
	if last.Confidence != ConfidenceApproximate {
		t.Errorf("confidence = %q, want approximate", last.Confidence)
	}
	if last.Position != 10 {
		t.Errorf("position = %d, want 10 (nearest known position)", last.Position)
	}
}

func TestProbeWithoutSnapshotsDegrades(t *testing.T) {
	l := rawLedger(t)

	appendEvents(t, l,
		&ledger.MaterialMinted{ID: 1, Owner: supplier, ExpiresAt: testNow + 3600},
		&ledger.MaterialMinted{ID: 2, Owner: supplier, ExpiresAt: testNow + 3600, ComposedOf: []uint64{1}},
	)

	idx := New(l, nil)
	if err := idx.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	entries := idx.History(1)
	last := entries[len(entries)-1]
	if last.Confidence != ConfidenceApproximate {
		t.Errorf("confidence = %q, want approximate", last.Confidence)
	}
	if idx.statusOf(1) != domain.StatusAssembled {
		t.Errorf("status = %v, want assembled", idx.statusOf(1))
	}
}

func appendEvents(t *testing.T, l *ledger.Ledger, events ...ledger.Event) {
	t.Helper()
	if _, err := l.Append(context.Background(), events...); err != nil {
		t.Fatalf("Append: %v", err)
	}
}

// viewDump serializes every view for whole-state comparison.
func viewDump(t *testing.T, idx *Indexer, ids []uint64, addrs []identity.Address) string {
	t.Helper()
	var b strings.Builder
	for _, addr := range addrs {
		fmt.Fprintf(&b, "own %s %v\n", addr, idx.OwnershipSet(addr))
	}
	fmt.Fprintf(&b, "all %v\n", idx.AllKnownIDs())
	listings, err := idx.ActiveListings(context.Background(), Filter{})
	if err != nil {
		t.Fatalf("ActiveListings: %v", err)
	}
	data, err := json.Marshal(listings)
	if err != nil {
		t.Fatalf("marshal listings: %v", err)
	}
	b.Write(data)
	b.WriteByte('\n')
	for _, id := range ids {
		data, err := json.Marshal(idx.History(id))
		if err != nil {
			t.Fatalf("marshal history: %v", err)
		}
		fmt.Fprintf(&b, "hist %d %s\n", id, data)
	}
	return b.String()
}

func TestRebuildIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id1 := h.mint(t, &metastore.MaterialDocument{Name: "Rebar", SupplierName: "Baltic Steel"})
	for _, to := range []domain.Status{domain.StatusInTransit, domain.StatusDelivered} {
		if _, err := h.engine.UpdateStatus(ctx, supplier, id1, to); err != nil {
			t.Fatalf("UpdateStatus: %v", err)
		}
	}
	id2 := h.mint(t, nil, id1)
	h.approveAndList(t, id2, 800)
	h.sync(t)

	ids := []uint64{id1, id2}
	addrs := []identity.Address{supplier, buyer}
	want := viewDump(t, h.idx, ids, addrs)

	for n := 0; n < 3; n++ {
		if err := h.idx.Rebuild(ctx); err != nil {
			t.Fatalf("Rebuild %d: %v", n, err)
		}
		if got := viewDump(t, h.idx, ids, addrs); got != want {
			t.Fatalf("rebuild %d diverged:\ngot:  %s\nwant: %s", n, got, want)
		}
	}
}

func TestIncrementalSyncMatchesRebuild(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id1 := h.mint(t, nil)
	h.sync(t)

	h.approveAndList(t, id1, 250)
	if _, err := h.engine.Buy(ctx, buyer, ledger.AssetMaterial, id1, 250); err != nil {
		t.Fatalf("Buy: %v", err)
	}
	h.sync(t)

	fresh := New(h.engine.Ledger(), h.meta)
	if err := fresh.Rebuild(ctx); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	ids := []uint64{id1}
	addrs := []identity.Address{supplier, buyer}
	if got, want := viewDump(t, h.idx, ids, addrs), viewDump(t, fresh, ids, addrs); got != want {
		t.Fatalf("incremental sync diverged from rebuild:\ngot:  %s\nwant: %s", got, want)
	}
}
