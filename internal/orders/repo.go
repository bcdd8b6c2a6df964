package orders

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rakadewa/go-stock-reserve/internal/stock"
)

type ItemInput struct {
	ProductID string `json:"product_id"`
	Qty       int    `json:"qty"`
}

var (
	ErrNotFound          = errors.New("orders: not found")
	ErrInvalidTransition = errors.New("orders: invalid status transition")
)

type Repo struct{ DB *pgxpool.Pool }

// CreateOrder is idempotent via external_id: a replayed request returns the
// existing order_id and total with existed=true. Prices come from the
// products table, never from the client.
func (r *Repo) CreateOrder(ctx context.Context, externalID, userID string, items []ItemInput) (orderID string, total int, existed bool, err error) {
	row := r.DB.QueryRow(ctx, `SELECT id, total_cents FROM orders WHERE external_id=$1`, externalID)
	if err = row.Scan(&orderID, &total); err == nil {
		return orderID, total, true, nil
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return "", 0, false, fmt.Errorf("lookup external_id: %w", err)
	}
	total = 0

	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return "", 0, false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	params := ""
	productIDs := make([]any, 0, len(items))
	for i, it := range items {
		if i > 0 {
			params += ","
		}
		params += fmt.Sprintf("$%d", i+1)
		productIDs = append(productIDs, it.ProductID)
	}
	rows, err := tx.Query(ctx, `SELECT id, price_cents FROM products WHERE id IN (`+params+`)`, productIDs...)
	if err != nil {
		return "", 0, false, fmt.Errorf("query prices: %w", err)
	}
	prices := map[string]int{}
	for rows.Next() {
		var id string
		var price int
		if err := rows.Scan(&id, &price); err != nil {
			return "", 0, false, err
		}
		prices[id] = price
	}
	if err := rows.Err(); err != nil {
		return "", 0, false, err
	}

	for _, it := range items {
		price, ok := prices[it.ProductID]
		if !ok {
			return "", 0, false, fmt.Errorf("product %s: %w", it.ProductID, ErrNotFound)
		}
		if it.Qty <= 0 {
			return "", 0, false, fmt.Errorf("invalid qty %d for product %s", it.Qty, it.ProductID)
		}
		total += price * it.Qty
	}

	orderID = uuid.NewString()
	_, err = tx.Exec(ctx, `
		INSERT INTO orders(id, external_id, user_id, status, total_cents)
		VALUES ($1, $2, $3, 'CREATED', $4)`, orderID, externalID, userID, total)
	if err != nil {
		// Two identical requests can both miss the lookup above; the loser
		// hits the external_id unique index and gets the winner's order back.
		if isUniqueViolation(err) {
			_ = tx.Rollback(ctx)
			row := r.DB.QueryRow(ctx, `SELECT id, total_cents FROM orders WHERE external_id=$1`, externalID)
			if scanErr := row.Scan(&orderID, &total); scanErr == nil {
				return orderID, total, true, nil
			}
		}
		return "", 0, false, fmt.Errorf("insert order: %w", err)
	}

	for _, it := range items {
		_, err = tx.Exec(ctx, `
			INSERT INTO order_items(order_id, product_id, qty, price_cents)
			VALUES ($1, $2, $3, $4)`,
			orderID, it.ProductID, it.Qty, prices[it.ProductID],
		)
		if err != nil {
			return "", 0, false, fmt.Errorf("insert item: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return "", 0, false, err
	}
	return orderID, total, false, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (r *Repo) GetOrderStatus(ctx context.Context, orderID string) (Status, error) {
	var s string
	err := r.DB.QueryRow(ctx, `SELECT status FROM orders WHERE id=$1`, orderID).Scan(&s)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("order %s: %w", orderID, ErrNotFound)
	}
	if err != nil {
		return "", err
	}
	return Status(s), nil
}

// Transition moves an order from one status to another, guarded both by the
// status machine and by a conditional update so concurrent writers cannot
// race past each other.
func (r *Repo) Transition(ctx context.Context, orderID string, from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%s -> %s: %w", from, to, ErrInvalidTransition)
	}
	ct, err := r.DB.Exec(ctx, `
		UPDATE orders SET status=$3, updated_at=now()
		WHERE id=$1 AND status=$2`, orderID, from, to)
	if err != nil {
		return fmt.Errorf("transition order: %w", err)
	}
	if ct.RowsAffected() != 1 {
		return fmt.Errorf("%s -> %s: %w", from, to, ErrInvalidTransition)
	}
	return nil
}

// ListProducts joins the catalog against the stock ledger for the read side.
func (r *Repo) ListProducts(ctx context.Context) ([]Product, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT p.id, p.sku, p.name, p.price_cents, s.available_qty, p.created_at, p.updated_at
		FROM products p
		JOIN stock_entries s ON s.product_id = p.id
		ORDER BY p.sku`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Product
	for rows.Next() {
		var p Product
		if err := rows.Scan(&p.ID, &p.SKU, &p.Name, &p.PriceCents, &p.Available, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Cancel flips a cancellable order to CANCELLED and hands its stock back
// through the ledger's Restore primitive, all in one transaction. The status
// guard makes the restore run at most once per order; this path deliberately
// bypasses the reservation coordinator.
func (r *Repo) Cancel(ctx context.Context, orderID string) ([]ItemQty, error) {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var status string
	err = tx.QueryRow(ctx, `SELECT status FROM orders WHERE id=$1 FOR UPDATE`, orderID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", orderID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if !CanCancel(Status(status)) {
		return nil, fmt.Errorf("cancel from %s: %w", status, ErrInvalidTransition)
	}

	// Restores run in ascending product_id, the same order reservations
	// decrement in, so overlapping cancel and reserve keep one lock order.
	rows, err := tx.Query(ctx, `SELECT product_id, qty FROM order_items WHERE order_id=$1 ORDER BY product_id`, orderID)
	if err != nil {
		return nil, err
	}
	var items []ItemQty
	for rows.Next() {
		var it ItemQty
		if err := rows.Scan(&it.ProductID, &it.Qty); err != nil {
			rows.Close()
			return nil, err
		}
		items = append(items, it)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, it := range items {
		if err := stock.Restore(ctx, tx, it.ProductID, it.Qty); err != nil {
			return nil, fmt.Errorf("restore %s: %w", it.ProductID, err)
		}
	}

	if _, err := tx.Exec(ctx, `UPDATE orders SET status='CANCELLED', updated_at=now() WHERE id=$1`, orderID); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return items, nil
}
