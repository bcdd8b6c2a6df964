package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	kafkago "github.com/segmentio/kafka-go"

	kafkax "github.com/rakadewa/go-stock-reserve/internal/kafka"
	"github.com/rakadewa/go-stock-reserve/internal/orders"
	"github.com/rakadewa/go-stock-reserve/internal/reservation"
)

// Reserver is the coordinator surface the worker needs.
type Reserver interface {
	Reserve(ctx context.Context, orderID string, lines []reservation.Line) (reservation.Result, error)
}

// OrderStore advances order status as reservations resolve.
type OrderStore interface {
	GetOrderStatus(ctx context.Context, orderID string) (orders.Status, error)
	Transition(ctx context.Context, orderID string, from, to orders.Status) error
}

type Publisher interface {
	Publish(key, value []byte, headers ...kafkago.Header)
}

// Deduper remembers handled event ids. Mark must only run after the event
// was handled, so failed events get redelivered and reprocessed.
type Deduper interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	Mark(ctx context.Context, eventID string) error
}

// Service consumes order.created events and resolves them against the stock
// ledger through the reservation coordinator.
type Service struct {
	Reserver       Reserver
	Store          OrderStore
	Dedup          Deduper
	ProducerOK     Publisher // order.stock.reserved
	ProducerReject Publisher // order.stock.rejected
	ServiceName    string
}

// HandleOrderCreated is installed as the consumer handler. Returning an error
// keeps the offset uncommitted so the broker redelivers; that is how
// TRANSIENT_FAILURE turns into another try later.
func (s *Service) HandleOrderCreated(ctx context.Context, m kafkago.Message) error {
	var env orders.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		// Unparseable message: log and commit, redelivery cannot fix it.
		log.Error().Err(err).Msg("drop unparseable event")
		return nil
	}
	if env.EventType != orders.EventOrderCreated {
		return nil
	}

	if seen, err := s.Dedup.Seen(ctx, env.EventID); err != nil {
		return fmt.Errorf("dedup check: %w", err)
	} else if seen {
		return nil
	}

	p, err := kafkax.UnwrapPayload[orders.OrderCreatedPayload](env.Payload)
	if err != nil {
		log.Error().Err(err).Str("event_id", env.EventID).Msg("drop event with bad payload")
		return nil
	}

	lines := make([]reservation.Line, 0, len(p.Items))
	for _, it := range p.Items {
		lines = append(lines, reservation.Line{ProductID: it.ProductID, Qty: it.Qty})
	}

	// Idempotency short-circuit: a replayed event for an already reserved
	// order just re-announces the outcome.
	if st, err := s.Store.GetOrderStatus(ctx, p.OrderID); err == nil && st == orders.StatusStockReserved {
		s.publishReserved(p.OrderID, p.Items, env.TraceID)
		return s.Dedup.Mark(ctx, env.EventID)
	}

	res, err := s.Reserver.Reserve(ctx, p.OrderID, lines)
	switch {
	case errors.Is(err, reservation.ErrNoLines),
		errors.Is(err, reservation.ErrInvalidQuantity),
		errors.Is(err, reservation.ErrUnknownProduct):
		// Contract violation in the order itself; retrying cannot help.
		log.Warn().Err(err).Str("order_id", p.OrderID).Msg("reservation rejected by validation")
		s.failOrder(ctx, p.OrderID)
		s.publishRejected(p.OrderID, "VALIDATION_FAILED", nil, env.TraceID)
		return s.Dedup.Mark(ctx, env.EventID)
	case err != nil:
		return fmt.Errorf("reserve order %s: %w", p.OrderID, err)
	}

	switch res.Status {
	case reservation.StatusReserved:
		if err := s.Store.Transition(ctx, p.OrderID, orders.StatusCreated, orders.StatusStockReserved); err != nil && !errors.Is(err, orders.ErrInvalidTransition) {
			return fmt.Errorf("advance order %s: %w", p.OrderID, err)
		}
		s.publishReserved(p.OrderID, p.Items, env.TraceID)
		log.Info().Str("order_id", p.OrderID).Int("attempts", res.Attempts).Msg("stock reserved")

	case reservation.StatusInsufficientStock:
		s.failOrder(ctx, p.OrderID)
		var shortage *orders.StockShortage
		if res.Shortage != nil {
			shortage = &orders.StockShortage{ProductID: res.Shortage.ProductID, Requested: res.Shortage.Requested}
		}
		s.publishRejected(p.OrderID, "OUT_OF_STOCK", shortage, env.TraceID)
		log.Info().Str("order_id", p.OrderID).Msg("stock rejected")

	case reservation.StatusTransientFailure:
		// High contention: leave the offset uncommitted and try again on
		// redelivery.
		return fmt.Errorf("order %s: reservation under high contention", p.OrderID)
	}

	return s.Dedup.Mark(ctx, env.EventID)
}

func (s *Service) failOrder(ctx context.Context, orderID string) {
	err := s.Store.Transition(ctx, orderID, orders.StatusCreated, orders.StatusFailed)
	if err != nil && !errors.Is(err, orders.ErrInvalidTransition) {
		log.Error().Err(err).Str("order_id", orderID).Msg("could not mark order failed")
	}
}

func (s *Service) publishReserved(orderID string, items []orders.ItemQty, trace string) {
	ev := orders.Envelope{
		EventID:       uuid.NewString(),
		EventType:     orders.EventStockReserved,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      s.ServiceName,
		TraceID:       trace,
		CorrelationID: orderID,
		Payload:       kafkax.MustMarshal(orders.StockReservedPayload{OrderID: orderID, Items: items}),
	}
	s.ProducerOK.Publish(orders.PartitionKey(orderID), kafkax.MustMarshal(ev),
		kafkago.Header{Key: "x-event-type", Value: []byte(orders.EventStockReserved)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	)
}

func (s *Service) publishRejected(orderID, reason string, shortage *orders.StockShortage, trace string) {
	ev := orders.Envelope{
		EventID:       uuid.NewString(),
		EventType:     orders.EventStockRejected,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      s.ServiceName,
		TraceID:       trace,
		CorrelationID: orderID,
		Payload: kafkax.MustMarshal(orders.StockRejectedPayload{
			OrderID: orderID, Reason: reason, Shortage: shortage,
		}),
	}
	s.ProducerReject.Publish(orders.PartitionKey(orderID), kafkax.MustMarshal(ev),
		kafkago.Header{Key: "x-event-type", Value: []byte(orders.EventStockRejected)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	)
}
