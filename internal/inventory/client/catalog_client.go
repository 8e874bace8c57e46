package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/pharmapos/pharmapos-backend/pkg/errors"
	"github.com/pharmapos/pharmapos-backend/pkg/logger"
	"github.com/pharmapos/pharmapos-backend/pkg/messaging"
	"github.com/pharmapos/pharmapos-backend/pkg/tenant"
)

// CatalogClient calls the product catalog service
type CatalogClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *logger.Logger
}

// NewCatalogClient creates a new catalog service client
func NewCatalogClient(baseURL string, log *logger.Logger) *CatalogClient {
	return &CatalogClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		logger:     log,
	}
}

// Product is the catalog view of a product the stock engine needs
type Product struct {
	ID               string `json:"id"`
	Code             string `json:"code"`
	Name             string `json:"name"`
	UnitOfPurchase   string `json:"unit_of_purchase"`
	UnitOfSale       string `json:"unit_of_sale"`
	ReorderThreshold int64  `json:"reorder_threshold"`
}

// GetProduct fetches a product by ID.
// A 404 from the catalog becomes a NotFound error; transport failures and 5xx are Unavailable.
func (c *CatalogClient) GetProduct(ctx context.Context, productID string) (*Product, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/api/v1/catalog/products/"+url.PathEscape(productID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	// forward the tenant so the catalog resolves the product in the same store
	if tenantID, ok := tenant.TenantID(ctx); ok {
		httpReq.Header.Set("X-Tenant-ID", tenantID)
	}
	if correlationID := messaging.CorrelationID(ctx); correlationID != "" {
		httpReq.Header.Set("X-Correlation-ID", correlationID)
	}
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.logger.Error().Err(err).Str("product_id", productID).Msg("failed to call catalog service")
		return nil, errors.Unavailable("catalog service unreachable")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, errors.NotFound("product")
	case resp.StatusCode >= http.StatusInternalServerError:
		c.logger.Error().Int("status", resp.StatusCode).Str("product_id", productID).Msg("catalog lookup failed")
		return nil, errors.Unavailable("catalog service error")
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("catalog lookup failed with status %d", resp.StatusCode)
	}

	// catalog wraps responses in {"success": true, "data": ...}
	var response struct {
		Success bool    `json:"success"`
		Data    Product `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &response.Data, nil
}
