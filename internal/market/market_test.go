package market

import (
	"testing"
	"time"

	"github.com/lodetrace/lode-node/internal/certs"
	"github.com/lodetrace/lode-node/internal/domain"
	"github.com/lodetrace/lode-node/internal/ledger"
	"github.com/lodetrace/lode-node/internal/materials"
	"github.com/lodetrace/lode-node/internal/roles"
	"github.com/lodetrace/lode-node/pkg/identity"
)

var (
	authority = identity.Derive("test/authority")
	seller    = identity.Derive("test/seller")
	buyer     = identity.Derive("test/buyer")
)

const testNow = int64(1700000000)

type fixture struct {
	materials *materials.Registry
	market    *Marketplace
}

// newFixture mints one approved, listable material owned by seller.
func newFixture(t *testing.T) (*fixture, uint64) {
	t.Helper()
	clock := func() time.Time { return time.Unix(testNow, 0) }

	roleReg := roles.NewRegistry()
	certReg := certs.NewRegistry(authority, certs.WithClock(clock))
	matReg := materials.NewRegistry(roleReg, certReg, materials.WithClock(clock))

	rv, err := roleReg.Register(seller, domain.RoleSupplier)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	roleReg.Apply(rv)
	cv, err := certReg.Issue(authority, seller, 0, "")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	certReg.Apply(cv, testNow*1e9)

	events, id, err := matReg.Mint(seller, 0, "", nil)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	for _, ev := range events {
		matReg.Apply(ev, testNow*1e9)
	}
	av, err := matReg.Approve(seller, id, Principal)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	matReg.Apply(av, testNow*1e9)

	return &fixture{materials: matReg, market: New(matReg)}, id
}

func (f *fixture) list(t *testing.T, id, price uint64) {
	t.Helper()
	ev, err := f.market.List(seller, ledger.AssetMaterial, id, price)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	f.market.Apply(ev, testNow*1e9)
}

func TestListAndGet(t *testing.T) {
	f, id := newFixture(t)
	f.list(t, id, 500)

	l, err := f.market.GetListing(ledger.AssetMaterial, id)
	if err != nil {
		t.Fatalf("GetListing: %v", err)
	}
	if !l.Active || l.Price != 500 || l.Seller != seller {
		t.Errorf("listing = %+v", l)
	}
}

func TestListGuards(t *testing.T) {
	f, id := newFixture(t)

	if _, err := f.market.List(seller, ledger.AssetMaterial, id, 0); !domain.IsReason(err, domain.ReasonBadPrice) {
		t.Errorf("zero price err = %v, want BadPrice", err)
	}
	if _, err := f.market.List(buyer, ledger.AssetMaterial, id, 100); !domain.IsReason(err, domain.ReasonNotOwner) {
		t.Errorf("list by non-owner err = %v, want NotOwner", err)
	}
	if _, err := f.market.List(seller, ledger.AssetMaterial, 99, 100); !domain.IsReason(err, domain.ReasonUnknownMaterial) {
		t.Errorf("list unknown token err = %v, want UnknownMaterial", err)
	}

	f.list(t, id, 100)
	if _, err := f.market.List(seller, ledger.AssetMaterial, id, 200); !domain.IsReason(err, domain.ReasonAlreadyListed) {
		t.Errorf("double list err = %v, want AlreadyListed", err)
	}
}

func TestListRequiresApproval(t *testing.T) {
	f, id := newFixture(t)

	// Clearing the approval blocks listing.
	av, err := f.materials.Approve(seller, id, identity.Zero)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	f.materials.Apply(av, testNow*1e9)

	if _, err := f.market.List(seller, ledger.AssetMaterial, id, 100); !domain.IsReason(err, domain.ReasonNotApproved) {
		t.Errorf("list without approval err = %v, want NotApproved", err)
	}
}

func TestListRejectsAssembled(t *testing.T) {
	f, id := newFixture(t)

	for _, to := range []domain.Status{domain.StatusInTransit, domain.StatusDelivered, domain.StatusAssembled} {
		ev, err := f.materials.UpdateStatus(seller, id, to)
		if err != nil {
			t.Fatalf("UpdateStatus(%v): %v", to, err)
		}
		f.materials.Apply(ev, testNow*1e9)
	}

	if _, err := f.market.List(seller, ledger.AssetMaterial, id, 100); !domain.IsReason(err, domain.ReasonTerminal) {
		t.Errorf("list assembled err = %v, want Terminal", err)
	}
}

func TestCancel(t *testing.T) {
	f, id := newFixture(t)

	if _, err := f.market.Cancel(seller, ledger.AssetMaterial, id); !domain.IsReason(err, domain.ReasonNotListed) {
		t.Errorf("cancel unlisted err = %v, want NotListed", err)
	}

	f.list(t, id, 100)

	if _, err := f.market.Cancel(buyer, ledger.AssetMaterial, id); !domain.IsReason(err, domain.ReasonNotSeller) {
		t.Errorf("cancel by stranger err = %v, want NotSeller", err)
	}

	ev, err := f.market.Cancel(seller, ledger.AssetMaterial, id)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	f.market.Apply(ev, testNow*1e9)

	if _, err := f.market.Cancel(seller, ledger.AssetMaterial, id); !domain.IsReason(err, domain.ReasonAlreadyInactive) {
		t.Errorf("double cancel err = %v, want AlreadyInactive", err)
	}

	// Cancelled listings stay queryable but inactive.
	l, err := f.market.GetListing(ledger.AssetMaterial, id)
	if err != nil {
		t.Fatalf("GetListing: %v", err)
	}
	if l.Active {
		t.Error("listing still active after cancel")
	}
}

func TestBuy(t *testing.T) {
	f, id := newFixture(t)
	f.list(t, id, 500)

	events, err := f.market.Buy(buyer, ledger.AssetMaterial, id, 500)
	if err != nil {
		t.Fatalf("Buy: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	sold, ok := events[0].(*ledger.Sold)
	if !ok || sold.Buyer != buyer || sold.Price != 500 {
		t.Errorf("events[0] = %+v", events[0])
	}
	tr, ok := events[1].(*ledger.Transferred)
	if !ok || tr.From != seller || tr.To != buyer {
		t.Errorf("events[1] = %+v", events[1])
	}

	for _, ev := range events {
		f.market.Apply(ev, testNow*1e9)
		f.materials.Apply(ev, testNow*1e9)
	}

	owner, err := f.materials.Owner(id)
	if err != nil {
		t.Fatalf("Owner: %v", err)
	}
	if owner != buyer {
		t.Errorf("owner = %s, want buyer", owner)
	}
	if got := f.market.Proceeds(seller); got != 500 {
		t.Errorf("Proceeds = %d, want 500", got)
	}

	// The listing is spent.
	if _, err := f.market.Buy(buyer, ledger.AssetMaterial, id, 500); !domain.IsReason(err, domain.ReasonNotListed) {
		t.Errorf("rebuy err = %v, want NotListed", err)
	}
}

func TestBuyGuards(t *testing.T) {
	f, id := newFixture(t)
	f.list(t, id, 500)

	if _, err := f.market.Buy(buyer, ledger.AssetMaterial, 99, 500); !domain.IsReason(err, domain.ReasonNotListed) {
		t.Errorf("buy unlisted err = %v, want NotListed", err)
	}
	if _, err := f.market.Buy(seller, ledger.AssetMaterial, id, 500); !domain.IsReason(err, domain.ReasonSelfPurchase) {
		t.Errorf("self purchase err = %v, want SelfPurchase", err)
	}
	if _, err := f.market.Buy(buyer, ledger.AssetMaterial, id, 499); !domain.IsReason(err, domain.ReasonInsufficientFunds) {
		t.Errorf("underpayment err = %v, want InsufficientFunds", err)
	}
	if _, err := f.market.Buy(buyer, ledger.AssetMaterial, id, 501); !domain.IsReason(err, domain.ReasonOverpaymentRejected) {
		t.Errorf("overpayment err = %v, want OverpaymentRejected", err)
	}
}

func TestBuyFromStaleSeller(t *testing.T) {
	f, id := newFixture(t)
	f.list(t, id, 500)

	// Ownership moved away while the listing stayed active.
	elsewhere := identity.Derive("test/elsewhere")
	f.materials.Apply(&ledger.Transferred{Asset: ledger.AssetMaterial, TokenID: id, From: seller, To: elsewhere}, testNow*1e9)

	_, err := f.market.Buy(buyer, ledger.AssetMaterial, id, 500)
	if !domain.IsReason(err, domain.ReasonNotOwner) {
		t.Fatalf("buy from stale seller err = %v, want NotOwner", err)
	}
	if !domain.IsKind(err, domain.KindAuthorization) {
		t.Errorf("buy from stale seller kind = %v, want Authorization", err)
	}
}

func TestProceedsAccumulate(t *testing.T) {
	f, id := newFixture(t)
	f.list(t, id, 300)

	events, err := f.market.Buy(buyer, ledger.AssetMaterial, id, 300)
	if err != nil {
		t.Fatalf("Buy: %v", err)
	}
	for _, ev := range events {
		f.market.Apply(ev, testNow*1e9)
		f.materials.Apply(ev, testNow*1e9)
	}

	// Second sale by the same seller on a fresh token.
	evs, id2, err := f.materials.Mint(seller, 0, "", nil)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	for _, ev := range evs {
		f.materials.Apply(ev, testNow*1e9)
	}
	av, _ := f.materials.Approve(seller, id2, Principal)
	f.materials.Apply(av, testNow*1e9)
	f.list(t, id2, 200)

	events, err = f.market.Buy(buyer, ledger.AssetMaterial, id2, 200)
	if err != nil {
		t.Fatalf("Buy second: %v", err)
	}
	for _, ev := range events {
		f.market.Apply(ev, testNow*1e9)
		f.materials.Apply(ev, testNow*1e9)
	}

	if got := f.market.Proceeds(seller); got != 500 {
		t.Errorf("Proceeds = %d, want 500", got)
	}
	if got := f.market.Proceeds(buyer); got != 0 {
		t.Errorf("buyer Proceeds = %d, want 0", got)
	}
}
