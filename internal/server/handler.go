package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/lodetrace/lode-node/internal/domain"
	"github.com/lodetrace/lode-node/internal/engine"
	"github.com/lodetrace/lode-node/internal/indexer"
	"github.com/lodetrace/lode-node/internal/ledger"
	"github.com/lodetrace/lode-node/internal/metastore"
	"github.com/lodetrace/lode-node/pkg/identity"
	"github.com/lodetrace/lode-node/pkg/reference"
)

const maxRequestBodyBytes = 1 << 20

type handler struct {
	engine *engine.Engine
	idx    *indexer.Indexer
	meta   *metastore.Store
	mux    *http.ServeMux
}

func newHandler(eng *engine.Engine, idx *indexer.Indexer, meta *metastore.Store) *handler {
	h := &handler{engine: eng, idx: idx, meta: meta, mux: http.NewServeMux()}

	h.mux.HandleFunc("POST /v1/roles", h.registerRole)
	h.mux.HandleFunc("POST /v1/certificates", h.issueCertificate)
	h.mux.HandleFunc("POST /v1/certificates/{holder}/revoke", h.revokeCertificate)
	h.mux.HandleFunc("POST /v1/materials", h.mintMaterial)
	h.mux.HandleFunc("POST /v1/materials/{id}/status", h.updateStatus)
	h.mux.HandleFunc("POST /v1/materials/{id}/approve", h.approve)
	h.mux.HandleFunc("POST /v1/listings", h.list)
	h.mux.HandleFunc("POST /v1/listings/{asset}/{id}/cancel", h.cancelListing)
	h.mux.HandleFunc("POST /v1/listings/{asset}/{id}/buy", h.buy)

	h.mux.HandleFunc("GET /v1/roles/{addr}", h.getRole)
	h.mux.HandleFunc("GET /v1/certificates/{holder}", h.getCertificate)
	h.mux.HandleFunc("GET /v1/certificates/{holder}/valid", h.certificateValid)
	h.mux.HandleFunc("GET /v1/materials/{id}", h.getMaterial)
	h.mux.HandleFunc("GET /v1/materials/{id}/expiration", h.getExpiration)
	h.mux.HandleFunc("GET /v1/owners/{addr}/tokens", h.ownedTokens)
	h.mux.HandleFunc("GET /v1/tokens", h.allTokens)
	h.mux.HandleFunc("GET /v1/listings", h.activeListings)
	h.mux.HandleFunc("GET /v1/tokens/{id}/history", h.tokenHistory)
	h.mux.HandleFunc("GET /v1/meta/{ref}", h.getMetadata)
	h.mux.HandleFunc("GET /v1/health", h.health)

	return h
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// --- mutations ---

func (h *handler) registerRole(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Account identity.Address `json:"account"`
		Role    string           `json:"role"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	role, err := domain.ParseRole(req.Role)
	if err != nil {
		h.fail(w, r, domain.Errf(domain.KindValidation, domain.ReasonBadRole, "%v", err))
		return
	}

	receipt, err := h.engine.RegisterRole(r.Context(), req.Account, role)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.committed(w, r, receipt, map[string]any{"account": req.Account, "role": role.String()})
}

func (h *handler) issueCertificate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller      identity.Address `json:"caller"`
		Holder      identity.Address `json:"holder"`
		ExpiresAt   int64            `json:"expires_at"`
		MetadataRef string           `json:"metadata_ref"`
	}
	if !h.decode(w, r, &req) {
		return
	}

	id, receipt, err := h.engine.IssueCertificate(r.Context(), req.Caller, req.Holder, req.ExpiresAt, req.MetadataRef)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.committed(w, r, receipt, map[string]any{"certificate_id": id, "holder": req.Holder})
}

func (h *handler) revokeCertificate(w http.ResponseWriter, r *http.Request) {
	holder, ok := h.pathAddr(w, r, "holder")
	if !ok {
		return
	}
	var req struct {
		Caller identity.Address `json:"caller"`
	}
	if !h.decode(w, r, &req) {
		return
	}

	receipt, err := h.engine.RevokeCertificate(r.Context(), req.Caller, holder)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.committed(w, r, receipt, map[string]any{"holder": holder})
}

func (h *handler) mintMaterial(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller     identity.Address            `json:"caller"`
		ExpiresAt  int64                       `json:"expires_at"`
		Metadata   *metastore.MaterialDocument `json:"metadata"`
		ComposedOf []uint64                    `json:"composed_of"`
	}
	if !h.decode(w, r, &req) {
		return
	}

	// The metadata document is stored first so the mint event can carry its
	// content address.
	var ref string
	if req.Metadata != nil {
		if err := req.Metadata.Validate(); err != nil {
			h.fail(w, r, domain.Errf(domain.KindValidation, domain.ReasonBadReference, "%v", err))
			return
		}
		data, err := req.Metadata.Encode()
		if err != nil {
			h.fail(w, r, err)
			return
		}
		stored, err := h.meta.Put(r.Context(), data)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		ref = reference.Hex(stored)
	}

	id, receipt, err := h.engine.MintMaterial(r.Context(), req.Caller, req.ExpiresAt, ref, req.ComposedOf)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.committed(w, r, receipt, map[string]any{"token_id": id, "metadata_ref": ref})
}

func (h *handler) updateStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		Caller identity.Address `json:"caller"`
		Status string           `json:"status"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	to, err := domain.ParseStatus(req.Status)
	if err != nil {
		h.fail(w, r, domain.Errf(domain.KindValidation, domain.ReasonInvalidTransition, "%v", err))
		return
	}

	receipt, err := h.engine.UpdateStatus(r.Context(), req.Caller, id, to)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.committed(w, r, receipt, map[string]any{"token_id": id, "status": to.String()})
}

func (h *handler) approve(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		Caller   identity.Address `json:"caller"`
		Operator identity.Address `json:"operator"`
	}
	if !h.decode(w, r, &req) {
		return
	}

	receipt, err := h.engine.Approve(r.Context(), req.Caller, id, req.Operator)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.committed(w, r, receipt, map[string]any{"token_id": id, "operator": req.Operator})
}

func (h *handler) list(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller  identity.Address `json:"caller"`
		Asset   string           `json:"asset"`
		TokenID uint64           `json:"token_id"`
		Price   uint64           `json:"price"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	if req.Asset == "" {
		req.Asset = ledger.AssetMaterial
	}

	receipt, err := h.engine.List(r.Context(), req.Caller, req.Asset, req.TokenID, req.Price)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.committed(w, r, receipt, map[string]any{"asset": req.Asset, "token_id": req.TokenID, "price": req.Price})
}

func (h *handler) cancelListing(w http.ResponseWriter, r *http.Request) {
	asset, id, ok := h.pathListing(w, r)
	if !ok {
		return
	}
	var req struct {
		Caller identity.Address `json:"caller"`
	}
	if !h.decode(w, r, &req) {
		return
	}

	receipt, err := h.engine.CancelListing(r.Context(), req.Caller, asset, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.committed(w, r, receipt, map[string]any{"asset": asset, "token_id": id})
}

func (h *handler) buy(w http.ResponseWriter, r *http.Request) {
	asset, id, ok := h.pathListing(w, r)
	if !ok {
		return
	}
	var req struct {
		Caller  identity.Address `json:"caller"`
		Payment uint64           `json:"payment"`
	}
	if !h.decode(w, r, &req) {
		return
	}

	receipt, err := h.engine.Buy(r.Context(), req.Caller, asset, id, req.Payment)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.committed(w, r, receipt, map[string]any{"asset": asset, "token_id": id, "buyer": req.Caller})
}

// --- queries ---

func (h *handler) getRole(w http.ResponseWriter, r *http.Request) {
	addr, ok := h.pathAddr(w, r, "addr")
	if !ok {
		return
	}
	role, err := h.engine.Roles().RoleOf(addr)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.ok(w, map[string]any{"account": addr, "role": role.String()})
}

func (h *handler) getCertificate(w http.ResponseWriter, r *http.Request) {
	holder, ok := h.pathAddr(w, r, "holder")
	if !ok {
		return
	}
	cert, err := h.engine.Certs().CertificateOf(holder)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.ok(w, cert)
}

func (h *handler) certificateValid(w http.ResponseWriter, r *http.Request) {
	holder, ok := h.pathAddr(w, r, "holder")
	if !ok {
		return
	}
	h.ok(w, map[string]any{"holder": holder, "valid": h.engine.Certs().IsValid(holder)})
}

func (h *handler) getMaterial(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	mat, err := h.engine.Materials().Get(id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.ok(w, mat)
}

func (h *handler) getExpiration(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	exp, err := h.engine.Materials().Expiration(id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.ok(w, map[string]any{"token_id": id, "expires_at": exp})
}

func (h *handler) ownedTokens(w http.ResponseWriter, r *http.Request) {
	addr, ok := h.pathAddr(w, r, "addr")
	if !ok {
		return
	}
	h.ok(w, map[string]any{"owner": addr, "tokens": h.idx.OwnershipSet(addr)})
}

func (h *handler) allTokens(w http.ResponseWriter, r *http.Request) {
	h.ok(w, map[string]any{"tokens": h.idx.AllKnownIDs()})
}

func (h *handler) activeListings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := indexer.Filter{
		Name:        q.Get("name"),
		Supplier:    q.Get("supplier"),
		Batch:       q.Get("batch"),
		Description: q.Get("description"),
		Expr:        q.Get("expr"),
	}
	if s := q.Get("status"); s != "" {
		status, err := domain.ParseStatus(s)
		if err != nil {
			h.fail(w, r, domain.Errf(domain.KindValidation, domain.ReasonBadFilter, "%v", err))
			return
		}
		f.Status = &status
	}

	listings, err := h.idx.ActiveListings(r.Context(), f)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.ok(w, map[string]any{"listings": listings})
}

func (h *handler) tokenHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	h.ok(w, map[string]any{"token_id": id, "history": h.idx.History(id)})
}

func (h *handler) getMetadata(w http.ResponseWriter, r *http.Request) {
	ref, err := reference.Parse(r.PathValue("ref"))
	if err != nil {
		h.fail(w, r, domain.Errf(domain.KindValidation, domain.ReasonBadReference, "%v", err))
		return
	}
	data, err := h.meta.Get(r.Context(), ref)
	if errors.Is(err, metastore.ErrNotFound) {
		h.fail(w, r, domain.Errf(domain.KindNotFound, domain.ReasonBadReference, "no document %s", r.PathValue("ref")))
		return
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		slog.Warn("write metadata response", "error", err)
	}
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	h.ok(w, map[string]any{"status": "ok", "position": h.engine.Ledger().Last()})
}

// --- plumbing ---

func (h *handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodyBytes))
	if err != nil {
		h.fail(w, r, domain.Errf(domain.KindValidation, reasonBadRequest, "read body: %v", err))
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		h.fail(w, r, domain.Errf(domain.KindValidation, reasonBadRequest, "decode body: %v", err))
		return false
	}
	return true
}

func (h *handler) pathAddr(w http.ResponseWriter, r *http.Request, name string) (identity.Address, bool) {
	addr, err := identity.ParseAddress(r.PathValue(name))
	if err != nil {
		h.fail(w, r, domain.Errf(domain.KindValidation, reasonBadRequest, "%s: %v", name, err))
		return identity.Zero, false
	}
	return addr, true
}

func (h *handler) pathID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		h.fail(w, r, domain.Errf(domain.KindValidation, reasonBadRequest, "id: %v", err))
		return 0, false
	}
	return id, true
}

func (h *handler) pathListing(w http.ResponseWriter, r *http.Request) (string, uint64, bool) {
	id, ok := h.pathID(w, r)
	if !ok {
		return "", 0, false
	}
	return r.PathValue("asset"), id, true
}

const reasonBadRequest = "BadRequest"

// committed answers a successful mutation: views are refreshed so the
// caller can immediately read what it wrote, then the receipt is returned
// alongside operation data.
func (h *handler) committed(w http.ResponseWriter, r *http.Request, receipt *ledger.Receipt, data map[string]any) {
	if err := h.idx.Sync(r.Context()); err != nil {
		// The mutation is finalized on the ledger; a stale view must not
		// mask it as failed.
		slog.WarnContext(r.Context(), "view sync after mutation", "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": data, "receipt": receipt})
}

func (h *handler) ok(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, map[string]any{"data": data})
}

func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if de, ok := domain.AsError(err); ok {
		writeJSON(w, statusFor(de.Kind), map[string]any{"error": map[string]any{
			"kind":   de.Kind.String(),
			"reason": de.Reason,
			"detail": de.Detail,
		}})
		return
	}
	slog.ErrorContext(r.Context(), "internal error", "path", r.URL.Path, "error", err)
	writeJSON(w, http.StatusInternalServerError, map[string]any{"error": map[string]any{
		"kind":   "internal",
		"detail": err.Error(),
	}})
}

func statusFor(kind domain.Kind) int {
	switch kind {
	case domain.KindAuthorization:
		return http.StatusForbidden
	case domain.KindStateConflict:
		return http.StatusConflict
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("write response", "error", err)
	}
}
