package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	kafkago "github.com/segmentio/kafka-go"

	kafkax "github.com/rakadewa/go-stock-reserve/internal/kafka"
	"github.com/rakadewa/go-stock-reserve/internal/metrics"
	"github.com/rakadewa/go-stock-reserve/internal/orders"
)

// OrderStore is the persistence surface of the API.
type OrderStore interface {
	CreateOrder(ctx context.Context, externalID, userID string, items []orders.ItemInput) (orderID string, total int, existed bool, err error)
	GetOrderStatus(ctx context.Context, orderID string) (orders.Status, error)
	ListProducts(ctx context.Context) ([]orders.Product, error)
	Cancel(ctx context.Context, orderID string) ([]orders.ItemQty, error)
}

type Publisher interface {
	Publish(key, value []byte, headers ...kafkago.Header)
}

// StatusCache holds order status documents; never stock counts.
type StatusCache interface {
	GetStatus(ctx context.Context, orderID string) (string, error)
	SetStatus(ctx context.Context, orderID, doc string) error
	SetIdempotency(ctx context.Context, externalID, orderID string) error
}

type OrdersHandler struct {
	Store          OrderStore
	Producer       Publisher // order.created
	CancelProducer Publisher // order.cancelled
	Cache          StatusCache
	Service        string
}

type CreateOrderReq struct {
	ExternalID string             `json:"external_id"`
	UserID     string             `json:"user_id"`
	Items      []orders.ItemInput `json:"items"`
}

type CreateOrderResp struct {
	OrderID    string `json:"order_id"`
	TotalCents int    `json:"total_cents"`
	Idempotent bool   `json:"idempotent"`
}

func (h *OrdersHandler) Register(r *chi.Mux) {
	r.Post("/orders", h.createOrder)
	r.Get("/orders/{id}", h.getOrder)
	r.Post("/orders/{id}/cancel", h.cancelOrder)
	r.Get("/products", h.listProducts)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *OrdersHandler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if req.ExternalID == "" || req.UserID == "" || len(req.Items) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing fields"})
		return
	}
	for _, it := range req.Items {
		if it.ProductID == "" || it.Qty <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "items need product_id and positive qty"})
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	orderID, total, existed, err := h.Store.CreateOrder(ctx, req.ExternalID, req.UserID, req.Items)
	if err != nil {
		if errors.Is(err, orders.ErrNotFound) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		log.Error().Err(err).Msg("create order")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	_ = h.Cache.SetIdempotency(ctx, req.ExternalID, orderID)
	_ = h.Cache.SetStatus(ctx, orderID, `{"status":"CREATED"}`)

	if !existed {
		metrics.OrdersCreated.Inc()
		h.publishCreated(r, orderID, req, total)
	}

	writeJSON(w, http.StatusAccepted, CreateOrderResp{OrderID: orderID, TotalCents: total, Idempotent: existed})
}

func (h *OrdersHandler) publishCreated(r *http.Request, orderID string, req CreateOrderReq, total int) {
	items := make([]orders.ItemQty, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, orders.ItemQty{ProductID: it.ProductID, Qty: it.Qty})
	}
	ev := orders.Envelope{
		EventID:       uuid.NewString(),
		EventType:     orders.EventOrderCreated,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      h.Service,
		TraceID:       r.Header.Get("X-Request-Id"),
		CorrelationID: orderID,
		Payload: kafkax.MustMarshal(orders.OrderCreatedPayload{
			OrderID:    orderID,
			ExternalID: req.ExternalID,
			UserID:     req.UserID,
			Items:      items,
			TotalCents: total,
		}),
	}
	h.Producer.Publish(orders.PartitionKey(orderID), kafkax.MustMarshal(ev),
		kafkago.Header{Key: "x-event-type", Value: []byte(orders.EventOrderCreated)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	)
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	if orderID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing id"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if doc, err := h.Cache.GetStatus(ctx, orderID); err == nil && doc != "" {
		writeJSON(w, http.StatusOK, json.RawMessage(doc))
		return
	}

	status, err := h.Store.GetOrderStatus(ctx, orderID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	b, _ := json.Marshal(map[string]any{"status": status})
	_ = h.Cache.SetStatus(ctx, orderID, string(b))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(b)
}

// cancelOrder hands reserved stock back through the ledger and emits
// order.cancelled. The store guards the status transition, so a double
// cancel cannot restore twice.
func (h *OrdersHandler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	if orderID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing id"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	items, err := h.Store.Cancel(ctx, orderID)
	switch {
	case errors.Is(err, orders.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	case errors.Is(err, orders.ErrInvalidTransition):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "order not cancellable"})
		return
	case err != nil:
		log.Error().Err(err).Str("order_id", orderID).Msg("cancel order")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	metrics.OrdersCancelled.Inc()
	_ = h.Cache.SetStatus(ctx, orderID, `{"status":"CANCELLED"}`)

	ev := orders.Envelope{
		EventID:       uuid.NewString(),
		EventType:     orders.EventOrderCancelled,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      h.Service,
		TraceID:       r.Header.Get("X-Request-Id"),
		CorrelationID: orderID,
		Payload:       kafkax.MustMarshal(orders.OrderCancelledPayload{OrderID: orderID, Items: items}),
	}
	h.CancelProducer.Publish(orders.PartitionKey(orderID), kafkax.MustMarshal(ev),
		kafkago.Header{Key: "x-event-type", Value: []byte(orders.EventOrderCancelled)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	)

	writeJSON(w, http.StatusOK, map[string]string{"order_id": orderID, "status": string(orders.StatusCancelled)})
}

func (h *OrdersHandler) listProducts(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	ps, err := h.Store.ListProducts(ctx)
	if err != nil {
		log.Error().Err(err).Msg("list products")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, ps)
}
