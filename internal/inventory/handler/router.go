package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/pharmapos/pharmapos-backend/pkg/httputil"
	"github.com/pharmapos/pharmapos-backend/pkg/logger"
)

// Handlers groups the endpoint handlers of the service
type Handlers struct {
	Batches    *BatchHandler
	Allocation *AllocationHandler
	Opname     *OpnameHandler
	Expiry     *ExpiryHandler
	// Health reports dependency status; a plain ok is served when nil
	Health http.HandlerFunc
}

// NewRouter builds the HTTP router with the standard middleware stack
func NewRouter(h Handlers, allowedOrigins []string, log *logger.Logger) http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RealIP)
	r.Use(httputil.RequestID)
	r.Use(httputil.CorrelationMiddleware)
	r.Use(httputil.TenantMiddleware) // before Logger so the access log carries the scope
	r.Use(httputil.Logger(log))
	r.Use(httputil.Recoverer(log))

	if len(allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   allowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type", "X-Tenant-ID", "X-Request-ID", "X-Correlation-ID"},
			ExposedHeaders:   []string{"X-Request-ID", "Retry-After"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	health := h.Health
	if health == nil {
		health = func(w http.ResponseWriter, r *http.Request) {
			httputil.JSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": "inventory-service"})
		}
	}
	r.Get("/health", health)

	r.Route("/api/v1/inventory", func(r chi.Router) {
		r.Post("/batches", h.Batches.Create)
		r.Get("/batches/{id}", h.Batches.Get)
		r.Get("/batches/{id}/entries", h.Batches.Entries)

		r.Get("/products/{id}/batches", h.Batches.ListActive)
		r.Get("/products/{id}/snapshot", h.Batches.Snapshot)

		r.Get("/ledger", h.Batches.Ledger)

		r.Post("/allocations", h.Allocation.Allocate)
		r.Post("/allocations/commit", h.Allocation.Commit)
		r.Post("/dispense", h.Allocation.Dispense)
		r.Post("/returns", h.Allocation.Return)

		r.Get("/expiry", h.Expiry.NearExpiry)

		r.Route("/opname", func(r chi.Router) {
			r.Get("/", h.Opname.List)
			r.Post("/", h.Opname.Open)
			r.Get("/{id}", h.Opname.Get)
			r.Post("/{id}/counting", h.Opname.StartCounting)
			r.Put("/{id}/counts/{batchId}", h.Opname.RecordCount)
			r.Post("/{id}/reconcile", h.Opname.Reconcile)
			r.Post("/{id}/close", h.Opname.Close)
			r.Post("/{id}/abandon", h.Opname.Abandon)
		})
	})

	return r
}
