package messaging

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types published by the inventory service
const (
	EventBatchReceived      = "inventory.batch.received"
	EventStockAllocated     = "inventory.stock.allocated"
	EventReturnProcessed    = "inventory.return.processed"
	EventOpnameClosed       = "inventory.opname.closed"
	EventBatchExpiring      = "inventory.batch.expiring"
	EventStockLow           = "inventory.stock.low"
	EventAllocationRejected = "inventory.allocation.rejected"
	EventReturnRejected     = "inventory.return.rejected"
)

// Event types consumed from collaborator feeds
const (
	EventGoodsReceiptPosted = "goods_receipt.posted"
	EventSaleDispensed      = "sale.dispensed"
	EventSaleReturned       = "sale.returned"
)

// Exchange names
const (
	ExchangeInventoryEvents   = "inventory.events"
	ExchangeProcurementEvents = "procurement.events"
	ExchangeSalesEvents       = "sales.events"
	ExchangeDeadLetter        = "dlx.events"
)

// Event is the base event structure
type Event struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Source        string          `json:"source"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id"`
	TenantID      string          `json:"tenant_id,omitempty"`
	Data          json.RawMessage `json:"data"`
}

// NewEvent creates a new event with the given type and data
func NewEvent(eventType, source, correlationID string, data interface{}) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:            GenerateEventID(),
		Type:          eventType,
		Source:        source,
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
		Data:          dataBytes,
	}, nil
}

// UnmarshalData unmarshals the event data into the provided struct
func (e *Event) UnmarshalData(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// Inventory Events

// BatchReceivedEvent is published when a goods receipt creates a batch
type BatchReceivedEvent struct {
	BatchID    string    `json:"batch_id"`
	ProductID  string    `json:"product_id"`
	SupplierID string    `json:"supplier_id"`
	Quantity   int64     `json:"quantity"`
	ExpireDate time.Time `json:"expire_date"`
	UnitCost   string    `json:"unit_cost"`
	Version    int64     `json:"version"`
}

// AllocatedLine is one batch pick inside StockAllocatedEvent
type AllocatedLine struct {
	BatchID string `json:"batch_id"`
	Qty     int64  `json:"qty"`
}

// StockAllocatedEvent is published after a sale allocation is committed
type StockAllocatedEvent struct {
	ProductID   string          `json:"product_id"`
	ReferenceID string          `json:"reference_id"`
	Quantity    int64           `json:"quantity"`
	Lines       []AllocatedLine `json:"lines"`
	Version     int64           `json:"version"`
}

// ReturnProcessedEvent is published after a return is posted to the ledger
type ReturnProcessedEvent struct {
	ReturnID          string `json:"return_id"`
	OriginalReference string `json:"original_sale_reference"`
	BatchID           string `json:"batch_id"`
	ProductID         string `json:"product_id"`
	Quantity          int64  `json:"quantity"`
	Reason            string `json:"reason"`
	Restocked         bool   `json:"restocked"`
	Quarantined       bool   `json:"quarantined"`
	Version           int64  `json:"version"`
}

// OpnameClosedEvent is published when a stock opname applies its adjustments
type OpnameClosedEvent struct {
	SessionID string           `json:"session_id"`
	ProductID string           `json:"product_id"`
	Variances map[string]int64 `json:"variances"`
	Version   int64            `json:"version"`
}

// BatchExpiringEvent is published by the expiry scan for each near-expiry batch
type BatchExpiringEvent struct {
	BatchID       string    `json:"batch_id"`
	ProductID     string    `json:"product_id"`
	ExpireDate    time.Time `json:"expire_date"`
	DaysRemaining int       `json:"days_remaining"`
	QtyOnHand     int64     `json:"qty_on_hand"`
	ValueAtRisk   string    `json:"value_at_risk"`
}

// StockLowEvent is published when on-hand stock drops below the reorder threshold
type StockLowEvent struct {
	ProductID        string `json:"product_id"`
	OnHand           int64  `json:"on_hand"`
	ReorderThreshold int64  `json:"reorder_threshold"`
}

// RejectionEvent is published when a feed message fails terminally
type RejectionEvent struct {
	ReferenceID string            `json:"reference_id"`
	ProductID   string            `json:"product_id,omitempty"`
	BatchID     string            `json:"batch_id,omitempty"`
	Code        string            `json:"code"`
	Message     string            `json:"message"`
	Details     map[string]string `json:"details,omitempty"`
}

// Feed Events

// GoodsReceiptLine is one received batch of a goods receipt
type GoodsReceiptLine struct {
	BatchID    string    `json:"batch_id"`
	ProductID  string    `json:"product_id"`
	Quantity   int64     `json:"quantity"`
	ExpireDate time.Time `json:"expire_date"`
	UnitCost   string    `json:"unit_cost"`
}

// GoodsReceiptPostedEvent is consumed from procurement
type GoodsReceiptPostedEvent struct {
	ReceiptID  string             `json:"receipt_id"`
	SupplierID string             `json:"supplier_id"`
	ReceivedAt time.Time          `json:"received_at"`
	Lines      []GoodsReceiptLine `json:"lines"`
}

// SaleDispensedEvent is consumed from the POS sales feed
type SaleDispensedEvent struct {
	ReferenceID  string `json:"reference_id"`
	ProductID    string `json:"product_id"`
	Quantity     int64  `json:"quantity"`
	AllowExpired bool   `json:"allow_expired"`
}

// SaleReturnedEvent is consumed from the POS sales feed
type SaleReturnedEvent struct {
	ReturnID          string `json:"return_id"`
	OriginalReference string `json:"original_sale_reference"`
	BatchID           string `json:"batch_id"`
	Quantity          int64  `json:"quantity"`
	Reason            string `json:"reason"`
	Restock           *bool  `json:"restock,omitempty"`
}

// GenerateEventID generates a unique event ID
func GenerateEventID() string {
	return uuid.New().String()
}
