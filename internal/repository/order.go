package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/kart-checkout/internal/domain/order"
)

const (
	createOrderSQL = `INSERT INTO orders (id, session_id, user_id, coupon_code, items, total, currency, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	findOrderBySessionSQL = `SELECT id, session_id, user_id, coupon_code, items, total, currency, created_at
		FROM orders WHERE session_id = $1`

	uniqueViolation       = "23505"
	orderSessionIDUniqKey = "orders_session_id_key"
)

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository backed by PostgreSQL.
type OrderRepository struct {
	pool *pgxpool.Pool
}

// NewOrderRepository returns an OrderRepository that uses the given pool.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

// InsertIfAbsent persists o unless its session already has an order, in
// which case the stored order is returned. The unique constraint on
// session_id decides races between concurrent writers.
func (r *OrderRepository) InsertIfAbsent(ctx context.Context, o *order.Order) (*order.Order, bool, error) {
	err := r.create(ctx, o)
	switch {
	case err == nil:
		return o, true, nil
	case errors.Is(err, order.ErrConflict):
		existing, err := r.FindBySession(ctx, o.SessionID)
		if err != nil {
			return nil, false, fmt.Errorf("loading existing order for session %q: %w", o.SessionID, err)
		}
		return existing, false, nil
	default:
		return nil, false, err
	}
}

// create inserts the order. Items are serialized to JSON for the JSONB column.
func (r *OrderRepository) create(ctx context.Context, o *order.Order) error {
	itemsJSON, err := json.Marshal(o.Items)
	if err != nil {
		return fmt.Errorf("marshaling order items: %w", err)
	}

	_, err = r.pool.Exec(ctx, createOrderSQL,
		o.ID, o.SessionID, o.UserID, o.CouponCode, itemsJSON, o.Total, o.Currency, o.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == orderSessionIDUniqKey {
			return order.ErrConflict
		}
		return fmt.Errorf("creating order %q: %w", o.ID, err)
	}
	return nil
}

// FindBySession returns the order recorded for sessionID.
func (r *OrderRepository) FindBySession(ctx context.Context, sessionID string) (*order.Order, error) {
	rows, err := r.pool.Query(ctx, findOrderBySessionSQL, sessionID)
	if err != nil {
		return nil, fmt.Errorf("finding order for session %q: %w", sessionID, err)
	}

	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, fmt.Errorf("finding order for session %q: %w", sessionID, err)
	}
	return &o, nil
}

func scanOrder(row pgx.CollectableRow) (order.Order, error) {
	var (
		o         order.Order
		itemsJSON []byte
	)
	if err := row.Scan(
		&o.ID, &o.SessionID, &o.UserID, &o.CouponCode, &itemsJSON, &o.Total, &o.Currency, &o.CreatedAt,
	); err != nil {
		return o, err
	}
	if err := json.Unmarshal(itemsJSON, &o.Items); err != nil {
		return o, fmt.Errorf("unmarshaling order items: %w", err)
	}
	return o, nil
}
