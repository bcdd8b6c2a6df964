package orders

import (
	"encoding/json"
	"time"
)

const (
	EventOrderCreated   = "OrderCreated"
	EventStockReserved  = "StockReserved"
	EventStockRejected  = "StockRejected"
	EventOrderCancelled = "OrderCancelled"
)

// Envelope wraps every event on the wire (version 1).
type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // order_id
	Payload       json.RawMessage `json:"payload"`
}

type ItemQty struct {
	ProductID string `json:"product_id"`
	Qty       int    `json:"qty"`
}

type OrderCreatedPayload struct {
	OrderID    string    `json:"order_id"`
	ExternalID string    `json:"external_id"`
	UserID     string    `json:"user_id"`
	Items      []ItemQty `json:"items"`
	TotalCents int       `json:"total_cents"`
}

type StockReservedPayload struct {
	OrderID string    `json:"order_id"`
	Items   []ItemQty `json:"items"`
}

// StockRejectedPayload reports why a reservation did not happen. For
// OUT_OF_STOCK the shortage names the first line that could not be covered.
type StockRejectedPayload struct {
	OrderID  string         `json:"order_id"`
	Reason   string         `json:"reason"` // OUT_OF_STOCK | VALIDATION_FAILED
	Shortage *StockShortage `json:"shortage,omitempty"`
}

type StockShortage struct {
	ProductID string `json:"product_id"`
	Requested int    `json:"requested"`
}

type OrderCancelledPayload struct {
	OrderID string    `json:"order_id"`
	Items   []ItemQty `json:"items"` // stock handed back per item
}
