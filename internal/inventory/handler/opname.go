package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pharmapos/pharmapos-backend/internal/inventory/domain"
	"github.com/pharmapos/pharmapos-backend/internal/inventory/service"
	"github.com/pharmapos/pharmapos-backend/pkg/httputil"
	"github.com/pharmapos/pharmapos-backend/pkg/logger"
)

// OpnameHandler handles stock opname session endpoints
type OpnameHandler struct {
	opname *service.OpnameService
	logger *logger.Logger
}

// NewOpnameHandler creates a new opname handler
func NewOpnameHandler(opname *service.OpnameService, log *logger.Logger) *OpnameHandler {
	return &OpnameHandler{
		opname: opname,
		logger: log,
	}
}

// opnameView adds the expected, counted and variance maps to a session
type opnameView struct {
	*domain.OpnameSession
	Expected  map[string]int64 `json:"expected"`
	Counted   map[string]int64 `json:"counted"`
	Variances map[string]int64 `json:"variances"`
}

func viewOf(s *domain.OpnameSession) opnameView {
	return opnameView{
		OpnameSession: s,
		Expected:      s.Expected(),
		Counted:       s.Counted(),
		Variances:     s.Variances(),
	}
}

type openRequest struct {
	ProductID string `json:"product_id" validate:"required"`
}

type countRequest struct {
	Counted *int64 `json:"counted" validate:"required,gte=0"`
}

// Open starts a draft session
func (h *OpnameHandler) Open(w http.ResponseWriter, r *http.Request) {
	var req openRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}
	if err := httputil.Validate(&req); err != nil {
		httputil.Error(w, err)
		return
	}

	session, err := h.opname.Open(r.Context(), req.ProductID)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.Created(w, viewOf(session))
}

// List lists sessions, optionally for one product
func (h *OpnameHandler) List(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.opname.List(r.Context(), r.URL.Query().Get("product_id"))
	if err != nil {
		httputil.Error(w, err)
		return
	}

	views := make([]opnameView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, viewOf(s))
	}
	httputil.JSONWithMeta(w, http.StatusOK, views, &httputil.Meta{Count: len(views)})
}

// Get gets a session
func (h *OpnameHandler) Get(w http.ResponseWriter, r *http.Request) {
	session, err := h.opname.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, viewOf(session))
}

// StartCounting takes the product lock
func (h *OpnameHandler) StartCounting(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, h.opname.StartCounting)
}

// RecordCount stores a physical count for one batch
func (h *OpnameHandler) RecordCount(w http.ResponseWriter, r *http.Request) {
	var req countRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}
	if err := httputil.Validate(&req); err != nil {
		httputil.Error(w, err)
		return
	}

	session, err := h.opname.RecordCount(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "batchId"), *req.Counted)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, viewOf(session))
}

// Reconcile computes the variances
func (h *OpnameHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, h.opname.Reconcile)
}

// Close books the adjustments and releases the lock
func (h *OpnameHandler) Close(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, h.opname.Close)
}

// Abandon discards the session
func (h *OpnameHandler) Abandon(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, h.opname.Abandon)
}

func (h *OpnameHandler) respond(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id string) (*domain.OpnameSession, error)) {
	session, err := op(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, viewOf(session))
}
