package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	kafkax "github.com/rakadewa/go-stock-reserve/internal/kafka"
	"github.com/rakadewa/go-stock-reserve/internal/orders"
	"github.com/rakadewa/go-stock-reserve/internal/reservation"
)

type fakeReserver struct {
	mu     sync.Mutex
	calls  int
	result reservation.Result
	err    error
}

func (f *fakeReserver) Reserve(ctx context.Context, orderID string, lines []reservation.Line) (reservation.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.result, f.err
}

type fakeStore struct {
	mu     sync.Mutex
	status map[string]orders.Status
}

func newFakeStore(id string, st orders.Status) *fakeStore {
	return &fakeStore{status: map[string]orders.Status{id: st}}
}

func (f *fakeStore) GetOrderStatus(ctx context.Context, orderID string) (orders.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.status[orderID]
	if !ok {
		return "", orders.ErrNotFound
	}
	return st, nil
}

func (f *fakeStore) Transition(ctx context.Context, orderID string, from, to orders.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status[orderID] != from || !orders.CanTransition(from, to) {
		return orders.ErrInvalidTransition
	}
	f.status[orderID] = to
	return nil
}

func (f *fakeStore) get(orderID string) orders.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status[orderID]
}

type fakePublisher struct {
	mu       sync.Mutex
	messages [][]byte
}

func (f *fakePublisher) Publish(key, value []byte, headers ...kafkago.Header) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, value)
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

func (f *fakePublisher) lastEnvelope(t *testing.T) orders.Envelope {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.messages) == 0 {
		t.Fatal("no message published")
	}
	var env orders.Envelope
	if err := json.Unmarshal(f.messages[len(f.messages)-1], &env); err != nil {
		t.Fatalf("bad envelope: %v", err)
	}
	return env
}

type fakeDedup struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newFakeDedup() *fakeDedup { return &fakeDedup{seen: make(map[string]bool)} }

func (f *fakeDedup) Seen(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seen[id], nil
}

func (f *fakeDedup) Mark(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen[id] = true
	return nil
}

func orderCreatedMessage(t *testing.T, eventID, orderID string) kafkago.Message {
	t.Helper()
	env := orders.Envelope{
		EventID:       eventID,
		EventType:     orders.EventOrderCreated,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      "test",
		CorrelationID: orderID,
		Payload: kafkax.MustMarshal(orders.OrderCreatedPayload{
			OrderID: orderID,
			UserID:  "user-1",
			Items:   []orders.ItemQty{{ProductID: "p1", Qty: 2}},
		}),
	}
	return kafkago.Message{Value: kafkax.MustMarshal(env)}
}

func newService(r *fakeReserver, st *fakeStore) (*Service, *fakePublisher, *fakePublisher, *fakeDedup) {
	ok := &fakePublisher{}
	rj := &fakePublisher{}
	dd := newFakeDedup()
	return &Service{
		Reserver:       r,
		Store:          st,
		Dedup:          dd,
		ProducerOK:     ok,
		ProducerReject: rj,
		ServiceName:    "test-inventory",
	}, ok, rj, dd
}

func TestHandleOrderCreated_Reserved(t *testing.T) {
	r := &fakeReserver{result: reservation.Result{Status: reservation.StatusReserved, Attempts: 1}}
	st := newFakeStore("order-1", orders.StatusCreated)
	svc, ok, rj, dd := newService(r, st)

	err := svc.HandleOrderCreated(context.Background(), orderCreatedMessage(t, "ev-1", "order-1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st.get("order-1") != orders.StatusStockReserved {
		t.Errorf("expected order STOCK_RESERVED, got %s", st.get("order-1"))
	}
	if ok.count() != 1 || rj.count() != 0 {
		t.Errorf("expected 1 reserved / 0 rejected, got %d / %d", ok.count(), rj.count())
	}
	env := ok.lastEnvelope(t)
	if env.EventType != orders.EventStockReserved {
		t.Errorf("expected %s, got %s", orders.EventStockReserved, env.EventType)
	}
	if seen, _ := dd.Seen(context.Background(), "ev-1"); !seen {
		t.Error("event must be marked after success")
	}
}

func TestHandleOrderCreated_InsufficientStock(t *testing.T) {
	r := &fakeReserver{result: reservation.Result{
		Status:   reservation.StatusInsufficientStock,
		Shortage: &reservation.Shortage{ProductID: "p1", Requested: 2},
	}}
	st := newFakeStore("order-1", orders.StatusCreated)
	svc, ok, rj, _ := newService(r, st)

	err := svc.HandleOrderCreated(context.Background(), orderCreatedMessage(t, "ev-1", "order-1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st.get("order-1") != orders.StatusFailed {
		t.Errorf("expected order FAILED, got %s", st.get("order-1"))
	}
	if ok.count() != 0 || rj.count() != 1 {
		t.Errorf("expected 0 reserved / 1 rejected, got %d / %d", ok.count(), rj.count())
	}
	env := rj.lastEnvelope(t)
	p, err := kafkax.UnwrapPayload[orders.StockRejectedPayload](env.Payload)
	if err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p.Reason != "OUT_OF_STOCK" || p.Shortage == nil || p.Shortage.ProductID != "p1" {
		t.Errorf("unexpected rejected payload: %+v", p)
	}
}

func TestHandleOrderCreated_TransientFailure_Redelivers(t *testing.T) {
	r := &fakeReserver{result: reservation.Result{Status: reservation.StatusTransientFailure, Attempts: 3}}
	st := newFakeStore("order-1", orders.StatusCreated)
	svc, ok, rj, dd := newService(r, st)

	err := svc.HandleOrderCreated(context.Background(), orderCreatedMessage(t, "ev-1", "order-1"))
	if err == nil {
		t.Fatal("expected error so the offset stays uncommitted")
	}
	if ok.count() != 0 || rj.count() != 0 {
		t.Error("nothing must be published on transient failure")
	}
	if seen, _ := dd.Seen(context.Background(), "ev-1"); seen {
		t.Error("event must not be marked, redelivery has to reprocess it")
	}
	if st.get("order-1") != orders.StatusCreated {
		t.Errorf("order status must not change, got %s", st.get("order-1"))
	}
}

func TestHandleOrderCreated_ValidationFault(t *testing.T) {
	r := &fakeReserver{err: reservation.ErrInvalidQuantity}
	st := newFakeStore("order-1", orders.StatusCreated)
	svc, ok, rj, dd := newService(r, st)

	err := svc.HandleOrderCreated(context.Background(), orderCreatedMessage(t, "ev-1", "order-1"))
	if err != nil {
		t.Fatalf("validation faults must not trigger redelivery: %v", err)
	}
	if ok.count() != 0 || rj.count() != 1 {
		t.Errorf("expected a rejected event, got %d / %d", ok.count(), rj.count())
	}
	p, _ := kafkax.UnwrapPayload[orders.StockRejectedPayload](rj.lastEnvelope(t).Payload)
	if p.Reason != "VALIDATION_FAILED" {
		t.Errorf("expected VALIDATION_FAILED, got %s", p.Reason)
	}
	if st.get("order-1") != orders.StatusFailed {
		t.Errorf("expected order FAILED, got %s", st.get("order-1"))
	}
	if seen, _ := dd.Seen(context.Background(), "ev-1"); !seen {
		t.Error("poison event must be marked so it is not replayed forever")
	}
}

func TestHandleOrderCreated_DuplicateEventSkipped(t *testing.T) {
	r := &fakeReserver{result: reservation.Result{Status: reservation.StatusReserved}}
	st := newFakeStore("order-1", orders.StatusCreated)
	svc, ok, _, dd := newService(r, st)
	_ = dd.Mark(context.Background(), "ev-1")

	err := svc.HandleOrderCreated(context.Background(), orderCreatedMessage(t, "ev-1", "order-1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.calls != 0 {
		t.Errorf("duplicate event must not reach the coordinator, got %d calls", r.calls)
	}
	if ok.count() != 0 {
		t.Error("duplicate event must not publish")
	}
}

func TestHandleOrderCreated_AlreadyReservedShortCircuit(t *testing.T) {
	r := &fakeReserver{err: errors.New("coordinator must not be called")}
	st := newFakeStore("order-1", orders.StatusStockReserved)
	svc, ok, _, _ := newService(r, st)

	err := svc.HandleOrderCreated(context.Background(), orderCreatedMessage(t, "ev-2", "order-1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.calls != 0 {
		t.Error("already reserved order must short-circuit")
	}
	if ok.count() != 1 {
		t.Errorf("expected the reserved event to be re-announced, got %d", ok.count())
	}
}

func TestHandleOrderCreated_IgnoresOtherEventTypes(t *testing.T) {
	r := &fakeReserver{}
	st := newFakeStore("order-1", orders.StatusCreated)
	svc, ok, rj, _ := newService(r, st)

	env := orders.Envelope{EventID: "ev-x", EventType: orders.EventStockReserved, EventVersion: 1}
	err := svc.HandleOrderCreated(context.Background(), kafkago.Message{Value: kafkax.MustMarshal(env)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.calls != 0 || ok.count() != 0 || rj.count() != 0 {
		t.Error("foreign event types must be ignored")
	}
}
