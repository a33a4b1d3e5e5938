package balance

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockledger/internal/platform/db"
)

// Mutator is the only write path to balances. Implementations are bound to
// the posting transaction.
type Mutator interface {
	IncrementStock(ctx context.Context, key StockKey, qty decimal.Decimal) (decimal.Decimal, error)
	DecrementStock(ctx context.Context, key StockKey, qty decimal.Decimal) (decimal.Decimal, error)
	IncrementLot(ctx context.Context, key LotKey, qty decimal.Decimal) (decimal.Decimal, error)
	DecrementLot(ctx context.Context, key LotKey, qty decimal.Decimal) (decimal.Decimal, error)
	EnsureLot(ctx context.Context, spec LotSpec) (Lot, error)
	FindLot(ctx context.Context, productID int64, lotNumber string) (Lot, error)
}

// Store implements Mutator with single-statement upserts and conditional
// decrements so concurrent postings on the same key serialise on the row.
type Store struct {
	q db.DBTX
}

// NewStore binds a Store to q, normally the posting pgx.Tx.
func NewStore(q db.DBTX) *Store {
	return &Store{q: q}
}

var _ Mutator = (*Store)(nil)

const incrementStockSQL = `INSERT INTO stock_balances (product_id, variant_id, location_id, qty_on_hand, updated_at)
VALUES ($1, $2, $3, $4, NOW())
ON CONFLICT (product_id, variant_id, location_id)
DO UPDATE SET qty_on_hand = stock_balances.qty_on_hand + EXCLUDED.qty_on_hand, updated_at = NOW()
RETURNING qty_on_hand`

const decrementStockSQL = `UPDATE stock_balances
SET qty_on_hand = qty_on_hand - $4, updated_at = NOW()
WHERE product_id = $1 AND variant_id IS NOT DISTINCT FROM $2::bigint AND location_id = $3 AND qty_on_hand >= $4
RETURNING qty_on_hand`

const currentStockSQL = `SELECT qty_on_hand FROM stock_balances
WHERE product_id = $1 AND variant_id IS NOT DISTINCT FROM $2::bigint AND location_id = $3`

const incrementLotSQL = `INSERT INTO lot_balances (lot_id, location_id, qty_on_hand, updated_at)
VALUES ($1, $2, $3, NOW())
ON CONFLICT (lot_id, location_id)
DO UPDATE SET qty_on_hand = lot_balances.qty_on_hand + EXCLUDED.qty_on_hand, updated_at = NOW()
RETURNING qty_on_hand`

const decrementLotSQL = `UPDATE lot_balances
SET qty_on_hand = qty_on_hand - $3, updated_at = NOW()
WHERE lot_id = $1 AND location_id = $2 AND qty_on_hand >= $3
RETURNING qty_on_hand`

const currentLotSQL = `SELECT qty_on_hand FROM lot_balances WHERE lot_id = $1 AND location_id = $2`

// IncrementStock adds qty, creating the row when absent.
func (s *Store) IncrementStock(ctx context.Context, key StockKey, qty decimal.Decimal) (decimal.Decimal, error) {
	if !qty.IsPositive() {
		return decimal.Zero, ErrInvalidQuantity
	}
	var after decimal.Decimal
	if err := s.q.QueryRow(ctx, incrementStockSQL, key.ProductID, key.VariantID, key.LocationID, qty).Scan(&after); err != nil {
		return decimal.Zero, fmt.Errorf("balance: increment stock %s: %w", key, err)
	}
	return after, nil
}

// DecrementStock subtracts qty only when enough is on hand.
func (s *Store) DecrementStock(ctx context.Context, key StockKey, qty decimal.Decimal) (decimal.Decimal, error) {
	if !qty.IsPositive() {
		return decimal.Zero, ErrInvalidQuantity
	}
	var after decimal.Decimal
	err := s.q.QueryRow(ctx, decrementStockSQL, key.ProductID, key.VariantID, key.LocationID, qty).Scan(&after)
	if err == nil {
		return after, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, fmt.Errorf("balance: decrement stock %s: %w", key, err)
	}
	available, err := s.current(ctx, currentStockSQL, key.ProductID, key.VariantID, key.LocationID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("balance: read stock %s: %w", key, err)
	}
	return decimal.Zero, &InsufficientStockError{
		ProductID:  key.ProductID,
		VariantID:  key.VariantID,
		LocationID: key.LocationID,
		Available:  available,
		Requested:  qty,
	}
}

// IncrementLot adds qty to a lot balance, creating the row when absent.
func (s *Store) IncrementLot(ctx context.Context, key LotKey, qty decimal.Decimal) (decimal.Decimal, error) {
	if !qty.IsPositive() {
		return decimal.Zero, ErrInvalidQuantity
	}
	var after decimal.Decimal
	if err := s.q.QueryRow(ctx, incrementLotSQL, key.LotID, key.LocationID, qty).Scan(&after); err != nil {
		return decimal.Zero, fmt.Errorf("balance: increment lot %d@%d: %w", key.LotID, key.LocationID, err)
	}
	return after, nil
}

// DecrementLot subtracts qty from a lot balance only when enough is on hand.
// The returned error carries LotID; callers add product context.
func (s *Store) DecrementLot(ctx context.Context, key LotKey, qty decimal.Decimal) (decimal.Decimal, error) {
	if !qty.IsPositive() {
		return decimal.Zero, ErrInvalidQuantity
	}
	var after decimal.Decimal
	err := s.q.QueryRow(ctx, decrementLotSQL, key.LotID, key.LocationID, qty).Scan(&after)
	if err == nil {
		return after, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, fmt.Errorf("balance: decrement lot %d@%d: %w", key.LotID, key.LocationID, err)
	}
	available, err := s.current(ctx, currentLotSQL, key.LotID, key.LocationID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("balance: read lot %d@%d: %w", key.LotID, key.LocationID, err)
	}
	lotID := key.LotID
	return decimal.Zero, &InsufficientStockError{
		LotID:      &lotID,
		LocationID: key.LocationID,
		Available:  available,
		Requested:  qty,
	}
}

const ensureLotSQL = `INSERT INTO lots (product_id, lot_number, expires_at, qty_received)
VALUES ($1, $2, $3, $4)
ON CONFLICT (product_id, lot_number) DO UPDATE SET lot_number = EXCLUDED.lot_number
RETURNING id, product_id, lot_number, expires_at, qty_received, created_at`

// EnsureLot returns the lot for (product, lot number), creating it with the
// received quantity on first sight.
func (s *Store) EnsureLot(ctx context.Context, spec LotSpec) (Lot, error) {
	number := strings.TrimSpace(spec.LotNumber)
	if spec.ProductID == 0 || number == "" {
		return Lot{}, fmt.Errorf("balance: lot requires product and number")
	}
	var lot Lot
	err := s.q.QueryRow(ctx, ensureLotSQL, spec.ProductID, number, spec.ExpiresAt, spec.QtyReceived).
		Scan(&lot.ID, &lot.ProductID, &lot.LotNumber, &lot.ExpiresAt, &lot.QtyReceived, &lot.CreatedAt)
	if err != nil {
		return Lot{}, fmt.Errorf("balance: ensure lot %s: %w", number, err)
	}
	return lot, nil
}

// FindLot looks a lot up by its natural key.
func (s *Store) FindLot(ctx context.Context, productID int64, lotNumber string) (Lot, error) {
	return scanLot(s.q.QueryRow(ctx, `SELECT id, product_id, lot_number, expires_at, qty_received, created_at
FROM lots WHERE product_id = $1 AND lot_number = $2`, productID, strings.TrimSpace(lotNumber)))
}

func (s *Store) current(ctx context.Context, sql string, args ...any) (decimal.Decimal, error) {
	var qty decimal.Decimal
	if err := s.q.QueryRow(ctx, sql, args...).Scan(&qty); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, nil
		}
		return decimal.Zero, err
	}
	return qty, nil
}

func scanLot(row pgx.Row) (Lot, error) {
	var lot Lot
	if err := row.Scan(&lot.ID, &lot.ProductID, &lot.LotNumber, &lot.ExpiresAt, &lot.QtyReceived, &lot.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Lot{}, ErrLotNotFound
		}
		return Lot{}, err
	}
	return lot, nil
}
