// Package balance owns the materialised on-hand quantities per
// (product, variant, location) and per (lot, location).
package balance

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// StockKey identifies a product-level balance row. A nil VariantID means the
// product has no variants.
type StockKey struct {
	ProductID  int64  `json:"product_id"`
	VariantID  *int64 `json:"variant_id,omitempty"`
	LocationID int64  `json:"location_id"`
}

// String renders the key for logs and cache keys.
func (k StockKey) String() string {
	variant := "-"
	if k.VariantID != nil {
		variant = strconv.FormatInt(*k.VariantID, 10)
	}
	return fmt.Sprintf("%d:%s:%d", k.ProductID, variant, k.LocationID)
}

// StockBalance is the current quantity for a StockKey.
type StockBalance struct {
	StockKey
	QtyOnHand decimal.Decimal `json:"qty_on_hand"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// LotKey identifies a lot-level balance row.
type LotKey struct {
	LotID      int64 `json:"lot_id"`
	LocationID int64 `json:"location_id"`
}

// LotBalance is the current quantity of a lot at a location.
type LotBalance struct {
	LotKey
	ProductID int64           `json:"product_id"`
	LotNumber string          `json:"lot_number"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
	QtyOnHand decimal.Decimal `json:"qty_on_hand"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Lot is a batch of a product, unique per (product, lot number).
type Lot struct {
	ID          int64           `json:"id"`
	ProductID   int64           `json:"product_id"`
	LotNumber   string          `json:"lot_number"`
	ExpiresAt   *time.Time      `json:"expires_at,omitempty"`
	QtyReceived decimal.Decimal `json:"qty_received"`
	CreatedAt   time.Time       `json:"created_at"`
}

// LotSpec describes a lot to find or create. QtyReceived is only recorded
// when the lot is created.
type LotSpec struct {
	ProductID   int64
	LotNumber   string
	ExpiresAt   *time.Time
	QtyReceived decimal.Decimal
}

var (
	// ErrInsufficientStock is matched by every *InsufficientStockError.
	ErrInsufficientStock = errors.New("balance: insufficient stock")
	// ErrInvalidQuantity rejects zero or negative deltas.
	ErrInvalidQuantity = errors.New("balance: quantity must be positive")
	// ErrLotNotFound indicates a missing lot.
	ErrLotNotFound = errors.New("balance: lot not found")
	// ErrInvalidFilter rejects incomplete balance queries.
	ErrInvalidFilter = errors.New("balance: invalid filter")
)

// InsufficientStockError reports a decrement that would drive a balance
// below zero.
type InsufficientStockError struct {
	ProductID  int64
	VariantID  *int64
	LotID      *int64
	LotNumber  string
	LocationID int64
	Available  decimal.Decimal
	Requested  decimal.Decimal
}

// Shortfall is the quantity missing to satisfy the request.
func (e *InsufficientStockError) Shortfall() decimal.Decimal {
	return e.Requested.Sub(e.Available)
}

func (e *InsufficientStockError) Error() string {
	subject := fmt.Sprintf("product %d", e.ProductID)
	if e.VariantID != nil {
		subject += fmt.Sprintf(" variant %d", *e.VariantID)
	}
	switch {
	case e.LotNumber != "":
		subject += fmt.Sprintf(" lot %s", e.LotNumber)
	case e.LotID != nil:
		subject += fmt.Sprintf(" lot #%d", *e.LotID)
	}
	return fmt.Sprintf("insufficient stock for %s at location %d: available %s, requested %s, short %s",
		subject, e.LocationID, e.Available.String(), e.Requested.String(), e.Shortfall().String())
}

// Unwrap lets errors.Is match ErrInsufficientStock.
func (e *InsufficientStockError) Unwrap() error {
	return ErrInsufficientStock
}
