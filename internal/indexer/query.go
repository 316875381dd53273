package indexer

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/lodetrace/lode-node/internal/cel"
	"github.com/lodetrace/lode-node/internal/domain"
	"github.com/lodetrace/lode-node/internal/metastore"
	"github.com/lodetrace/lode-node/pkg/identity"
	"github.com/lodetrace/lode-node/pkg/reference"
)

// filterKeys are the variables a listing filter expression may reference.
var filterKeys = map[string]bool{
	"token_id":    true,
	"seller":      true,
	"price":       true,
	"status":      true,
	"name":        true,
	"supplier":    true,
	"batch":       true,
	"description": true,
}

// Filter narrows ActiveListings results. Substring fields are AND-combined
// and matched case-insensitively against the token's metadata document.
// Expr is an optional CEL expression over the same attributes.
type Filter struct {
	Name        string
	Supplier    string
	Batch       string
	Description string
	Status      *domain.Status
	Expr        string
}

// OwnershipSet returns the token ids currently owned by addr, ascending.
func (i *Indexer) OwnershipSet(addr identity.Address) []uint64 {
	i.mu.RLock()
	defer i.mu.RUnlock()

	set := i.owners[addr]
	out := make([]uint64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(a, b int) bool { return out[a] < out[b] })
	return out
}

// AllKnownIDs returns every token id ever observed on the stream,
// ascending.
func (i *Indexer) AllKnownIDs() []uint64 {
	i.mu.RLock()
	defer i.mu.RUnlock()

	out := make([]uint64, 0, len(i.allIDs))
	for id := range i.allIDs {
		out = append(out, id)
	}
	sort.Slice(out, func(a, b int) bool { return out[a] < out[b] })
	return out
}

// statusOf returns the event-derived status of a token.
func (i *Indexer) statusOf(id uint64) domain.Status {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.status[id]
}

// History returns the ordered lifecycle entries for a token. The slice is a
// copy.
func (i *Indexer) History(id uint64) []HistoryEntry {
	i.mu.RLock()
	defer i.mu.RUnlock()

	entries := i.history[id]
	out := make([]HistoryEntry, len(entries))
	copy(out, entries)
	return out
}

// ActiveListings returns listings still open for purchase, joined with the
// token's current status and metadata document, filtered by f. Listings
// whose token reached assembled after listing are dropped.
func (i *Indexer) ActiveListings(ctx context.Context, f Filter) ([]Listing, error) {
	var expr *cel.Filter
	if f.Expr != "" {
		compiled, err := cel.Compile(f.Expr, filterKeys)
		if err != nil {
			return nil, domain.Errf(domain.KindValidation, domain.ReasonBadFilter, "filter expression: %v", err)
		}
		expr = compiled
	}

	type row struct {
		asset   string
		tokenID uint64
		state   listingState
		status  domain.Status
		ref     string
	}

	i.mu.RLock()
	rows := make([]row, 0, len(i.listings))
	for key, st := range i.listings {
		status := i.status[key.tokenID]
		if status == domain.StatusAssembled {
			continue
		}
		rows = append(rows, row{key.asset, key.tokenID, *st, status, i.metaRefs[key.tokenID]})
	}
	i.mu.RUnlock()

	out := make([]Listing, 0, len(rows))
	for _, r := range rows {
		l := Listing{
			Asset:   r.asset,
			TokenID: r.tokenID,
			Seller:  r.state.seller,
			Price:   r.state.price,
			Status:  r.status,
		}
		if doc := i.resolveDoc(ctx, r.ref); doc != nil {
			l.Name = doc.Name
			l.Supplier = doc.SupplierName
			l.Batch = doc.BatchNumber
			l.Description = doc.Description
		}
		if !matches(&l, f, expr) {
			continue
		}
		out = append(out, l)
	}

	sort.Slice(out, func(a, b int) bool {
		if out[a].Asset != out[b].Asset {
			return out[a].Asset < out[b].Asset
		}
		return out[a].TokenID < out[b].TokenID
	})
	return out, nil
}

func matches(l *Listing, f Filter, expr *cel.Filter) bool {
	if f.Status != nil && l.Status != *f.Status {
		return false
	}
	for _, sub := range []struct{ needle, hay string }{
		{f.Name, l.Name},
		{f.Supplier, l.Supplier},
		{f.Batch, l.Batch},
		{f.Description, l.Description},
	} {
		if sub.needle == "" {
			continue
		}
		if !strings.Contains(strings.ToLower(sub.hay), strings.ToLower(sub.needle)) {
			return false
		}
	}
	if expr != nil {
		return expr.Match(map[string]any{
			"token_id":    int64(l.TokenID),
			"seller":      l.Seller.String(),
			"price":       int64(l.Price),
			"status":      l.Status.String(),
			"name":        l.Name,
			"supplier":    l.Supplier,
			"batch":       l.Batch,
			"description": l.Description,
		})
	}
	return true
}

// resolveDoc fetches and caches the metadata document behind ref.
// Resolution failures leave the listing's metadata fields empty.
func (i *Indexer) resolveDoc(ctx context.Context, ref string) *metastore.MaterialDocument {
	if ref == "" || i.meta == nil {
		return nil
	}

	i.docMu.Lock()
	defer i.docMu.Unlock()
	if doc, ok := i.docCache[ref]; ok {
		return doc
	}

	doc := i.fetchDoc(ctx, ref)
	if i.docCache == nil {
		i.docCache = make(map[string]*metastore.MaterialDocument)
	}
	i.docCache[ref] = doc
	return doc
}

func (i *Indexer) fetchDoc(ctx context.Context, ref string) *metastore.MaterialDocument {
	r, err := reference.Parse(ref)
	if err != nil {
		slog.WarnContext(ctx, "bad metadata reference on stream", "ref", ref, "error", err)
		return nil
	}
	data, err := i.meta.Get(ctx, r)
	if err != nil {
		slog.WarnContext(ctx, "metadata document unavailable", "ref", ref, "error", err)
		return nil
	}
	doc, err := metastore.DecodeMaterialDocument(data)
	if err != nil {
		slog.WarnContext(ctx, "metadata document undecodable", "ref", ref, "error", err)
		return nil
	}
	return doc
}
