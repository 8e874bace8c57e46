package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/pharmapos/pharmapos-backend/internal/inventory/domain"
	"github.com/pharmapos/pharmapos-backend/internal/inventory/repository"
	"github.com/pharmapos/pharmapos-backend/internal/inventory/service"
	"github.com/pharmapos/pharmapos-backend/pkg/errors"
	"github.com/pharmapos/pharmapos-backend/pkg/httputil"
	"github.com/pharmapos/pharmapos-backend/pkg/logger"
)

// BatchHandler handles batch registry and ledger endpoints
type BatchHandler struct {
	registry *service.RegistryService
	logger   *logger.Logger
}

// NewBatchHandler creates a new batch handler
func NewBatchHandler(registry *service.RegistryService, log *logger.Logger) *BatchHandler {
	return &BatchHandler{
		registry: registry,
		logger:   log,
	}
}

type createBatchRequest struct {
	ID          string     `json:"id"`
	ProductID   string     `json:"product_id" validate:"required"`
	SupplierID  string     `json:"supplier_id" validate:"required"`
	ReceivedAt  *time.Time `json:"received_at"`
	ExpireDate  string     `json:"expire_date" validate:"required,datetime=2006-01-02"`
	UnitCost    string     `json:"unit_cost" validate:"omitempty,decimal"`
	Quantity    int64      `json:"quantity" validate:"gt=0"`
	ReferenceID string     `json:"reference_id"`
}

// Create registers a batch with its received quantity
func (h *BatchHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createBatchRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}
	if err := httputil.Validate(&req); err != nil {
		httputil.Error(w, err)
		return
	}

	expire, _ := time.Parse(dateLayout, req.ExpireDate)
	nb := domain.NewBatch{
		ID:         req.ID,
		ProductID:  req.ProductID,
		SupplierID: req.SupplierID,
		ExpireDate: expire,
		Quantity:   req.Quantity,
		Reference:  req.ReferenceID,
	}
	if req.ReceivedAt != nil {
		nb.ReceivedAt = *req.ReceivedAt
	}
	if req.UnitCost != "" {
		nb.UnitCost, _ = decimal.NewFromString(req.UnitCost)
	}

	batch, err := h.registry.Create(r.Context(), nb)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.Created(w, batch)
}

// Get gets a batch by ID
func (h *BatchHandler) Get(w http.ResponseWriter, r *http.Request) {
	batch, err := h.registry.GetBatch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, batch)
}

// Entries returns the ledger history of a batch
func (h *BatchHandler) Entries(w http.ResponseWriter, r *http.Request) {
	entries, err := h.registry.BatchEntries(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSONWithMeta(w, http.StatusOK, entries, &httputil.Meta{Count: len(entries)})
}

// ListActive lists the batches of a product with stock, in FEFO order
func (h *BatchHandler) ListActive(w http.ResponseWriter, r *http.Request) {
	asOf, err := parseTimeParam(r, "as_of")
	if err != nil {
		httputil.Error(w, err)
		return
	}

	batches, err := h.registry.ListActive(r.Context(), chi.URLParam(r, "id"), asOf)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSONWithMeta(w, http.StatusOK, batches, &httputil.Meta{Count: len(batches)})
}

// Snapshot returns every batch of a product at one version
func (h *BatchHandler) Snapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.registry.Snapshot(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSONWithMeta(w, http.StatusOK, snap, &httputil.Meta{Count: len(snap.Batches), Version: snap.Version})
}

// Ledger runs an audit query over ledger entries
func (h *BatchHandler) Ledger(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repository.EntryFilter{
		BatchID:         q.Get("batch_id"),
		ProductID:       q.Get("product_id"),
		ReferenceID:     q.Get("reference_id"),
		OriginReference: q.Get("origin_reference"),
		Kind:            domain.EntryKind(q.Get("kind")),
	}

	from, err := parseTimeParam(r, "from")
	if err != nil {
		httputil.Error(w, err)
		return
	}
	if !from.IsZero() {
		filter.From = &from
	}
	to, err := parseTimeParam(r, "to")
	if err != nil {
		httputil.Error(w, err)
		return
	}
	if !to.IsZero() {
		filter.To = &to
	}
	if filter.Limit, err = parseIntParam(r, "limit", 0); err != nil {
		httputil.Error(w, err)
		return
	}

	entries, err := h.registry.QueryLedger(r.Context(), filter)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSONWithMeta(w, http.StatusOK, entries, &httputil.Meta{Count: len(entries), Limit: filter.Limit})
}

func badParam(name, msg string) error {
	return errors.Validation(map[string]string{name: msg})
}
