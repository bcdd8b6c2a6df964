package stock

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Entry is one row of the stock ledger. AvailableQty is the only mutable
// business field; Version bumps on every successful mutation.
type Entry struct {
	ProductID    string
	AvailableQty int
	Version      int64
	UpdatedAt    time.Time
}

var (
	// ErrConflict marks a transient storage conflict (serialization failure,
	// deadlock). Callers may retry the whole operation.
	ErrConflict = errors.New("stock: transient conflict")

	ErrNotFound = errors.New("stock: no such product")
)

// Querier is the subset of pgx shared by *pgxpool.Pool and pgx.Tx, so the
// ledger primitives run either standalone or inside a caller's transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TryDecrement subtracts qty iff enough stock remains. The check and the
// write are one conditional statement; there is no read-then-write window.
// Returns false when stock is insufficient or the product row is missing.
func TryDecrement(ctx context.Context, q Querier, productID string, qty int) (bool, error) {
	ct, err := q.Exec(ctx, `
		UPDATE stock_entries
		SET available_qty = available_qty - $2, version = version + 1, updated_at = now()
		WHERE product_id = $1 AND available_qty >= $2`, productID, qty)
	if err != nil {
		return false, asConflict(err)
	}
	return ct.RowsAffected() == 1, nil
}

// Restore adds qty back unconditionally. Not idempotent: callers must invoke
// it at most once per successful decrement.
func Restore(ctx context.Context, q Querier, productID string, qty int) error {
	ct, err := q.Exec(ctx, `
		UPDATE stock_entries
		SET available_qty = available_qty + $2, version = version + 1, updated_at = now()
		WHERE product_id = $1`, productID, qty)
	if err != nil {
		return asConflict(err)
	}
	if ct.RowsAffected() != 1 {
		return fmt.Errorf("restore %s: %w", productID, ErrNotFound)
	}
	return nil
}

// Exists reports whether a ledger row exists for the product.
func Exists(ctx context.Context, q Querier, productID string) (bool, error) {
	var ok bool
	err := q.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM stock_entries WHERE product_id = $1)`, productID).Scan(&ok)
	if err != nil {
		return false, asConflict(err)
	}
	return ok, nil
}

// Get reads the current entry. Read-only; never feed this into a decrement
// decision, TryDecrement re-checks atomically.
func Get(ctx context.Context, q Querier, productID string) (Entry, error) {
	var e Entry
	err := q.QueryRow(ctx, `
		SELECT product_id, available_qty, version, updated_at
		FROM stock_entries WHERE product_id = $1`, productID).
		Scan(&e.ProductID, &e.AvailableQty, &e.Version, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, fmt.Errorf("get %s: %w", productID, ErrNotFound)
	}
	if err != nil {
		return Entry{}, asConflict(err)
	}
	return e, nil
}

// IsTransient reports whether err belongs to the retryable fault class:
// serialization failures, deadlocks and connection-level trouble.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConflict) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "40001", pgErr.Code == "40P01": // serialization_failure, deadlock_detected
			return true
		case strings.HasPrefix(pgErr.Code, "08"): // connection exception class
			return true
		}
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// asConflict translates retryable failures into ErrConflict.
func asConflict(err error) error {
	if err == nil || errors.Is(err, ErrConflict) {
		return err
	}
	if IsTransient(err) {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

// Ledger is the Postgres-backed stock ledger.
type Ledger struct {
	DB *pgxpool.Pool
}

// Begin opens a ledger transaction. All decrements and rollback restores of
// one reservation attempt run inside it, so partial effects stay invisible.
func (l *Ledger) Begin(ctx context.Context) (*Tx, error) {
	tx, err := l.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, asConflict(err)
	}
	return &Tx{tx: tx}, nil
}

// Tx is one ledger transaction.
type Tx struct {
	tx pgx.Tx
}

func (t *Tx) Exists(ctx context.Context, productID string) (bool, error) {
	return Exists(ctx, t.tx, productID)
}

func (t *Tx) TryDecrement(ctx context.Context, productID string, qty int) (bool, error) {
	return TryDecrement(ctx, t.tx, productID, qty)
}

func (t *Tx) Restore(ctx context.Context, productID string, qty int) error {
	return Restore(ctx, t.tx, productID, qty)
}

func (t *Tx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return asConflict(err)
	}
	return nil
}

func (t *Tx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return err
	}
	return nil
}
