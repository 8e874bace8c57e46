package client_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pharmapos/pharmapos-backend/internal/inventory/client"
	"github.com/pharmapos/pharmapos-backend/pkg/errors"
	"github.com/pharmapos/pharmapos-backend/pkg/logger"
	"github.com/pharmapos/pharmapos-backend/pkg/messaging"
	"github.com/pharmapos/pharmapos-backend/pkg/tenant"
)

func TestCatalogClient_GetProduct(t *testing.T) {
	var gotTenant, gotCorrelation, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTenant = r.Header.Get("X-Tenant-ID")
		gotCorrelation = r.Header.Get("X-Correlation-ID")
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success":true,"data":{"id":"prod-1","code":"PCM500","name":"Paracetamol 500mg","reorder_threshold":30}}`))
	}))
	defer srv.Close()

	c := client.NewCatalogClient(srv.URL, logger.Nop())
	ctx := tenant.WithTenantID(context.Background(), "store-7")
	ctx = messaging.WithCorrelationID(ctx, "corr-1")

	p, err := c.GetProduct(ctx, "prod-1")
	require.NoError(t, err)
	assert.Equal(t, "PCM500", p.Code)
	assert.Equal(t, int64(30), p.ReorderThreshold)
	assert.Equal(t, "store-7", gotTenant)
	assert.Equal(t, "corr-1", gotCorrelation)
	assert.Equal(t, "/api/v1/catalog/products/prod-1", gotPath)
}

func TestCatalogClient_StatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		check  func(t *testing.T, err error)
	}{
		{"not found", http.StatusNotFound, func(t *testing.T, err error) {
			assert.True(t, errors.Is(err, errors.ErrNotFound))
		}},
		{"server error", http.StatusBadGateway, func(t *testing.T, err error) {
			assert.True(t, errors.Is(err, errors.ErrUnavailable))
			assert.True(t, errors.IsRetryable(err))
		}},
		{"other", http.StatusForbidden, func(t *testing.T, err error) {
			assert.Error(t, err)
			assert.False(t, errors.IsRetryable(err))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			_, err := client.NewCatalogClient(srv.URL, logger.Nop()).GetProduct(context.Background(), "prod-1")
			tt.check(t, err)
		})
	}
}

func TestCatalogClient_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := client.NewCatalogClient(url, logger.Nop()).GetProduct(context.Background(), "prod-1")
	assert.True(t, errors.Is(err, errors.ErrUnavailable))
}
