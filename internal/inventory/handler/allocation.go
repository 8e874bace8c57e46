package handler

import (
	"net/http"

	"github.com/pharmapos/pharmapos-backend/internal/inventory/domain"
	"github.com/pharmapos/pharmapos-backend/internal/inventory/service"
	"github.com/pharmapos/pharmapos-backend/pkg/errors"
	"github.com/pharmapos/pharmapos-backend/pkg/httputil"
	"github.com/pharmapos/pharmapos-backend/pkg/logger"
)

// AllocationHandler handles allocation, dispense and return endpoints
type AllocationHandler struct {
	allocation *service.AllocationService
	returns    *service.ReturnService
	logger     *logger.Logger
}

// NewAllocationHandler creates a new allocation handler
func NewAllocationHandler(allocation *service.AllocationService, returns *service.ReturnService, log *logger.Logger) *AllocationHandler {
	return &AllocationHandler{
		allocation: allocation,
		returns:    returns,
		logger:     log,
	}
}

type allocateRequest struct {
	ProductID    string `json:"product_id" validate:"required"`
	Quantity     int64  `json:"quantity" validate:"gte=0"`
	AllowExpired bool   `json:"allow_expired"`
}

type commitRequest struct {
	Plan        *domain.AllocationPlan `json:"plan" validate:"required"`
	ReferenceID string                 `json:"reference_id" validate:"required"`
}

type dispenseRequest struct {
	ProductID    string `json:"product_id" validate:"required"`
	Quantity     int64  `json:"quantity" validate:"gte=0"`
	ReferenceID  string `json:"reference_id" validate:"required"`
	AllowExpired bool   `json:"allow_expired"`
}

// Allocate computes a FEFO plan without booking it
func (h *AllocationHandler) Allocate(w http.ResponseWriter, r *http.Request) {
	var req allocateRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}
	if err := httputil.Validate(&req); err != nil {
		httputil.Error(w, err)
		return
	}

	plan, err := h.allocation.Allocate(r.Context(), req.ProductID, req.Quantity, domain.AllocationPolicy{AllowExpired: req.AllowExpired})
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, plan)
}

// Commit books a previously computed plan under a sale reference
func (h *AllocationHandler) Commit(w http.ResponseWriter, r *http.Request) {
	var req commitRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}
	if err := httputil.Validate(&req); err != nil {
		httputil.Error(w, err)
		return
	}
	if req.Plan.ProductID == "" {
		httputil.Error(w, errors.Validation(map[string]string{"plan.product_id": "is required"}))
		return
	}
	for _, line := range req.Plan.Lines {
		if line.BatchID == "" || line.Qty <= 0 {
			httputil.Error(w, errors.Validation(map[string]string{"plan.lines": "every line needs a batch_id and a positive qty"}))
			return
		}
	}

	version, err := h.allocation.Commit(r.Context(), req.Plan, req.ReferenceID)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.Created(w, service.Allocation{Plan: req.Plan, ReferenceID: req.ReferenceID, Version: version})
}

// Dispense allocates and commits in one call
func (h *AllocationHandler) Dispense(w http.ResponseWriter, r *http.Request) {
	var req dispenseRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}
	if err := httputil.Validate(&req); err != nil {
		httputil.Error(w, err)
		return
	}

	res, err := h.allocation.Dispense(r.Context(), req.ProductID, req.Quantity, req.ReferenceID,
		domain.AllocationPolicy{AllowExpired: req.AllowExpired})
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.Created(w, res)
}

// Return posts a customer return
func (h *AllocationHandler) Return(w http.ResponseWriter, r *http.Request) {
	var rec domain.ReturnRecord
	if err := httputil.DecodeJSON(r, &rec); err != nil {
		httputil.Error(w, err)
		return
	}
	if err := httputil.Validate(&rec); err != nil {
		httputil.Error(w, err)
		return
	}

	entry, err := h.returns.Process(r.Context(), rec)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.Created(w, entry)
}
