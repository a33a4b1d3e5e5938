package balance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockledger/internal/platform/db"
)

// StockFilter narrows stock balance listings.
type StockFilter struct {
	ProductID  int64
	VariantID  *int64
	LocationID int64
	NonZero    bool
	Limit      int
	Offset     int
}

// LotFilter narrows lot balance listings.
type LotFilter struct {
	ProductID      int64
	LotID          int64
	LocationID     int64
	NonZero        bool
	ExpiringBefore *time.Time
	Limit          int
	Offset         int
}

// Reader exposes balance queries.
type Reader interface {
	GetStock(ctx context.Context, key StockKey) (StockBalance, error)
	ListStock(ctx context.Context, filter StockFilter) ([]StockBalance, error)
	ListLots(ctx context.Context, filter LotFilter) ([]LotBalance, error)
	GetLot(ctx context.Context, id int64) (Lot, error)
}

// Repository reads balances from PostgreSQL.
type Repository struct {
	q db.DBTX
}

// NewRepository constructs Repository.
func NewRepository(q db.DBTX) *Repository {
	return &Repository{q: q}
}

var _ Reader = (*Repository)(nil)

// GetStock returns the balance for key, or a zero balance when no row exists.
func (r *Repository) GetStock(ctx context.Context, key StockKey) (StockBalance, error) {
	bal := StockBalance{StockKey: key, QtyOnHand: decimal.Zero}
	err := r.q.QueryRow(ctx, `SELECT qty_on_hand, updated_at FROM stock_balances
WHERE product_id = $1 AND variant_id IS NOT DISTINCT FROM $2::bigint AND location_id = $3`,
		key.ProductID, key.VariantID, key.LocationID).Scan(&bal.QtyOnHand, &bal.UpdatedAt)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return StockBalance{}, fmt.Errorf("balance: get stock %s: %w", key, err)
	}
	return bal, nil
}

// ListStock lists balances ordered by product and location.
func (r *Repository) ListStock(ctx context.Context, filter StockFilter) ([]StockBalance, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if filter.ProductID != 0 {
		add("product_id = $%d", filter.ProductID)
	}
	if filter.VariantID != nil {
		add("variant_id = $%d", *filter.VariantID)
	}
	if filter.LocationID != 0 {
		add("location_id = $%d", filter.LocationID)
	}
	if filter.NonZero {
		where = append(where, "qty_on_hand > 0")
	}
	sql := `SELECT product_id, variant_id, location_id, qty_on_hand, updated_at FROM stock_balances`
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	limit, offset := pageBounds(filter.Limit, filter.Offset)
	args = append(args, limit, offset)
	sql += fmt.Sprintf(" ORDER BY product_id, variant_id NULLS FIRST, location_id LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := r.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("balance: list stock: %w", err)
	}
	defer rows.Close()
	var out []StockBalance
	for rows.Next() {
		var bal StockBalance
		if err := rows.Scan(&bal.ProductID, &bal.VariantID, &bal.LocationID, &bal.QtyOnHand, &bal.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, bal)
	}
	return out, rows.Err()
}

// ListLots lists lot balances joined with lot metadata, earliest expiry first.
func (r *Repository) ListLots(ctx context.Context, filter LotFilter) ([]LotBalance, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if filter.ProductID != 0 {
		add("l.product_id = $%d", filter.ProductID)
	}
	if filter.LotID != 0 {
		add("lb.lot_id = $%d", filter.LotID)
	}
	if filter.LocationID != 0 {
		add("lb.location_id = $%d", filter.LocationID)
	}
	if filter.ExpiringBefore != nil {
		add("l.expires_at < $%d", *filter.ExpiringBefore)
	}
	if filter.NonZero {
		where = append(where, "lb.qty_on_hand > 0")
	}
	sql := `SELECT lb.lot_id, lb.location_id, l.product_id, l.lot_number, l.expires_at, lb.qty_on_hand, lb.updated_at
FROM lot_balances lb JOIN lots l ON l.id = lb.lot_id`
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	limit, offset := pageBounds(filter.Limit, filter.Offset)
	args = append(args, limit, offset)
	sql += fmt.Sprintf(" ORDER BY l.expires_at NULLS LAST, l.lot_number, lb.location_id LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := r.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("balance: list lots: %w", err)
	}
	defer rows.Close()
	var out []LotBalance
	for rows.Next() {
		var bal LotBalance
		if err := rows.Scan(&bal.LotID, &bal.LocationID, &bal.ProductID, &bal.LotNumber, &bal.ExpiresAt, &bal.QtyOnHand, &bal.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, bal)
	}
	return out, rows.Err()
}

// GetLot loads a lot by id.
func (r *Repository) GetLot(ctx context.Context, id int64) (Lot, error) {
	return scanLot(r.q.QueryRow(ctx, `SELECT id, product_id, lot_number, expires_at, qty_received, created_at
FROM lots WHERE id = $1`, id))
}

func pageBounds(limit, offset int) (int, int) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
