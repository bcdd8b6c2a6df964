package reservation

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rakadewa/go-stock-reserve/internal/metrics"
	"github.com/rakadewa/go-stock-reserve/internal/stock"
)

// Line is one (product, quantity) pair of a reservation attempt.
type Line struct {
	ProductID string `json:"product_id"`
	Qty       int    `json:"qty"`
}

type Status string

const (
	StatusReserved          Status = "RESERVED"
	StatusInsufficientStock Status = "INSUFFICIENT_STOCK"
	StatusTransientFailure  Status = "TRANSIENT_FAILURE"
)

// Shortage identifies the first line that could not be covered.
type Shortage struct {
	ProductID string `json:"product_id"`
	Requested int    `json:"requested"`
}

// Result is the outcome of one Reserve call. Shortage is set iff Status is
// StatusInsufficientStock.
type Result struct {
	Status   Status
	Shortage *Shortage
	Attempts int
}

// Validation faults. Rejected before any decrement, never reported as
// insufficient stock.
var (
	ErrNoLines         = errors.New("reservation: order has no lines")
	ErrInvalidQuantity = errors.New("reservation: quantity must be positive")
	ErrUnknownProduct  = errors.New("reservation: unknown product")
)

// LedgerTx is one transactional view of the stock ledger. Satisfied by
// *stock.Tx.
type LedgerTx interface {
	Exists(ctx context.Context, productID string) (bool, error)
	TryDecrement(ctx context.Context, productID string, qty int) (bool, error)
	Restore(ctx context.Context, productID string, qty int) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Ledger opens ledger transactions.
type Ledger interface {
	Begin(ctx context.Context) (LedgerTx, error)
}

// PostgresLedger adapts *stock.Ledger to the coordinator's Ledger interface.
type PostgresLedger struct {
	*stock.Ledger
}

func (l PostgresLedger) Begin(ctx context.Context) (LedgerTx, error) {
	tx, err := l.Ledger.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

const (
	defaultMaxAttempts = 3
	defaultBackoff     = 10 * time.Millisecond
)

// Coordinator applies TryDecrement across all lines of an order with
// all-or-nothing effect, retrying whole attempts on transient conflicts.
type Coordinator struct {
	Ledger      Ledger
	MaxAttempts int           // retry budget, 0 means 3
	Backoff     time.Duration // base backoff between attempts, 0 means 10ms
}

// Reserve attempts to decrement stock for every line of the order.
//
// Lines are processed in ascending product_id order so concurrent
// reservations touch rows in a consistent order. The first insufficient line
// stops processing; lines decremented so far are restored in reverse order,
// exactly once each, inside the same transaction. Transient storage
// conflicts retry the whole call up to the budget, then surface as
// StatusTransientFailure.
func (c *Coordinator) Reserve(ctx context.Context, orderID string, lines []Line) (Result, error) {
	start := time.Now()
	defer func() { metrics.ReserveDuration.Observe(time.Since(start).Seconds()) }()

	if len(lines) == 0 {
		metrics.ReservationsTotal.WithLabelValues("invalid").Inc()
		return Result{}, fmt.Errorf("order %s: %w", orderID, ErrNoLines)
	}
	for _, ln := range lines {
		if ln.Qty <= 0 {
			metrics.ReservationsTotal.WithLabelValues("invalid").Inc()
			return Result{}, fmt.Errorf("order %s, product %s, qty %d: %w", orderID, ln.ProductID, ln.Qty, ErrInvalidQuantity)
		}
	}

	sorted := make([]Line, len(lines))
	copy(sorted, lines)
	slices.SortStableFunc(sorted, func(a, b Line) int {
		return strings.Compare(a.ProductID, b.ProductID)
	})

	maxAttempts := c.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res, err := c.attempt(ctx, sorted)
		if err == nil {
			res.Attempts = attempt
			metrics.ReservationsTotal.WithLabelValues(outcomeLabel(res.Status)).Inc()
			return res, nil
		}
		if !stock.IsTransient(err) {
			if errors.Is(err, ErrUnknownProduct) {
				metrics.ReservationsTotal.WithLabelValues("invalid").Inc()
			}
			return Result{}, fmt.Errorf("order %s: %w", orderID, err)
		}
		if attempt == maxAttempts {
			break
		}
		metrics.ReservationRetries.Inc()
		log.Debug().Str("order_id", orderID).Int("attempt", attempt).Msg("reserve conflict, retrying")
		if err := c.wait(ctx, attempt); err != nil {
			return Result{}, fmt.Errorf("order %s: %w", orderID, err)
		}
	}

	metrics.ReservationsTotal.WithLabelValues(outcomeLabel(StatusTransientFailure)).Inc()
	return Result{Status: StatusTransientFailure, Attempts: maxAttempts}, nil
}

// attempt runs one transactional pass over the sorted lines.
func (c *Coordinator) attempt(ctx context.Context, lines []Line) (Result, error) {
	tx, err := c.Ledger.Begin(ctx)
	if err != nil {
		return Result{}, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	// Unknown products are a contract violation, checked before any
	// decrement so validation faults leave stock untouched.
	for _, ln := range lines {
		ok, err := tx.Exists(ctx, ln.ProductID)
		if err != nil {
			return Result{}, err
		}
		if !ok {
			return Result{}, fmt.Errorf("%w: %s", ErrUnknownProduct, ln.ProductID)
		}
	}

	decremented := make([]Line, 0, len(lines))
	for _, ln := range lines {
		ok, err := tx.TryDecrement(ctx, ln.ProductID, ln.Qty)
		if err != nil {
			return Result{}, err
		}
		if ok {
			decremented = append(decremented, ln)
			continue
		}

		// Insufficient stock: stop here, hand back every decrement made so
		// far in reverse order, once each, then commit the net-zero change.
		for i := len(decremented) - 1; i >= 0; i-- {
			if err := tx.Restore(ctx, decremented[i].ProductID, decremented[i].Qty); err != nil {
				return Result{}, err
			}
		}
		if err := tx.Commit(ctx); err != nil {
			return Result{}, err
		}
		committed = true
		return Result{
			Status:   StatusInsufficientStock,
			Shortage: &Shortage{ProductID: ln.ProductID, Requested: ln.Qty},
		}, nil
	}

	if err := tx.Commit(ctx); err != nil {
		return Result{}, err
	}
	committed = true
	return Result{Status: StatusReserved}, nil
}

// wait sleeps for a jittered, linearly growing backoff or until ctx ends.
func (c *Coordinator) wait(ctx context.Context, attempt int) error {
	base := c.Backoff
	if base <= 0 {
		base = defaultBackoff
	}
	d := time.Duration(attempt)*base + rand.N(base)
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func outcomeLabel(s Status) string {
	return strings.ToLower(string(s))
}
