package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/kart-checkout/internal/domain/coupon"
)

const (
	findActiveCouponSQL = `SELECT code, user_id, discount_percent, active, expires_at, created_at
		FROM coupons WHERE UPPER(code) = UPPER($1) AND user_id = $2 AND active`

	deactivateCouponSQL = `UPDATE coupons SET active = FALSE
		WHERE UPPER(code) = UPPER($1) AND user_id = $2 AND active`

	lockUserSQL = `SELECT pg_advisory_xact_lock(hashtext($1))`

	deleteUserCouponsSQL = `DELETE FROM coupons WHERE user_id = $1`

	insertCouponSQL = `INSERT INTO coupons (code, user_id, discount_percent, active, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
)

var (
	_ coupon.Repository = (*CouponRepository)(nil)
	_ coupon.Store      = (*CouponRepository)(nil)
)

// CouponRepository implements coupon.Repository and coupon.Store backed by
// PostgreSQL.
type CouponRepository struct {
	pool *pgxpool.Pool
}

// NewCouponRepository returns a CouponRepository that uses the given pool.
func NewCouponRepository(pool *pgxpool.Pool) *CouponRepository {
	return &CouponRepository{pool: pool}
}

// FindActive looks up the active coupon of userID by code (case-insensitive).
func (r *CouponRepository) FindActive(ctx context.Context, code, userID string) (*coupon.Coupon, error) {
	rows, err := r.pool.Query(ctx, findActiveCouponSQL, code, userID)
	if err != nil {
		return nil, fmt.Errorf("finding coupon %q: %w", code, err)
	}

	c, err := pgx.CollectExactlyOneRow(rows, scanCoupon)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, coupon.ErrNotFound
		}
		return nil, fmt.Errorf("finding coupon %q: %w", code, err)
	}
	return &c, nil
}

// Deactivate retires the coupon. Matching no active row is not an error.
func (r *CouponRepository) Deactivate(ctx context.Context, code, userID string) error {
	if _, err := r.pool.Exec(ctx, deactivateCouponSQL, code, userID); err != nil {
		return fmt.Errorf("deactivating coupon %q: %w", code, err)
	}
	return nil
}

// ExecTx runs fn in a transaction, committing only when fn succeeds.
func (r *CouponRepository) ExecTx(ctx context.Context, fn func(coupon.Querier) error) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(&couponQuerier{tx: tx})
	})
}

type couponQuerier struct {
	tx pgx.Tx
}

func (q *couponQuerier) LockUser(ctx context.Context, userID string) error {
	if _, err := q.tx.Exec(ctx, lockUserSQL, userID); err != nil {
		return fmt.Errorf("locking coupons of %q: %w", userID, err)
	}
	return nil
}

func (q *couponQuerier) DeleteForUser(ctx context.Context, userID string) error {
	if _, err := q.tx.Exec(ctx, deleteUserCouponsSQL, userID); err != nil {
		return fmt.Errorf("deleting coupons of %q: %w", userID, err)
	}
	return nil
}

func (q *couponQuerier) Insert(ctx context.Context, c *coupon.Coupon) error {
	var expiresAt *time.Time
	if !c.ExpiresAt.IsZero() {
		expiresAt = &c.ExpiresAt
	}
	createdAt := c.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := q.tx.Exec(ctx, insertCouponSQL,
		c.Code, c.UserID, c.DiscountPercent, c.Active, expiresAt, createdAt,
	)
	if err != nil {
		return fmt.Errorf("inserting coupon %q: %w", c.Code, err)
	}
	return nil
}

func scanCoupon(row pgx.CollectableRow) (coupon.Coupon, error) {
	var (
		c         coupon.Coupon
		percent   int32
		expiresAt *time.Time
	)
	err := row.Scan(&c.Code, &c.UserID, &percent, &c.Active, &expiresAt, &c.CreatedAt)
	c.DiscountPercent = int(percent)
	if expiresAt != nil {
		c.ExpiresAt = *expiresAt
	}
	return c, err
}
