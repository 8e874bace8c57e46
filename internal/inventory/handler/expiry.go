package handler

import (
	"net/http"

	"github.com/pharmapos/pharmapos-backend/internal/inventory/service"
	"github.com/pharmapos/pharmapos-backend/pkg/httputil"
	"github.com/pharmapos/pharmapos-backend/pkg/logger"
)

// ExpiryHandler serves the near-expiry view
type ExpiryHandler struct {
	expiry           *service.ExpiryService
	defaultThreshold int
	logger           *logger.Logger
}

// NewExpiryHandler creates a new expiry handler
func NewExpiryHandler(expiry *service.ExpiryService, defaultThreshold int, log *logger.Logger) *ExpiryHandler {
	return &ExpiryHandler{
		expiry:           expiry,
		defaultThreshold: defaultThreshold,
		logger:           log,
	}
}

// NearExpiry lists batches expiring within threshold_days of as_of
func (h *ExpiryHandler) NearExpiry(w http.ResponseWriter, r *http.Request) {
	threshold, err := parseIntParam(r, "threshold_days", h.defaultThreshold)
	if err != nil {
		httputil.Error(w, err)
		return
	}
	asOf, err := parseTimeParam(r, "as_of")
	if err != nil {
		httputil.Error(w, err)
		return
	}

	rows, err := h.expiry.NearExpiry(r.Context(), threshold, asOf)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSONWithMeta(w, http.StatusOK, rows, &httputil.Meta{Count: len(rows)})
}
