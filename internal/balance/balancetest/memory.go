// Package balancetest provides an in-memory balance store for tests.
package balancetest

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockledger/internal/balance"
)

// Memory implements balance.Mutator and balance.Reader. Clone and Replace let
// a fake repository model transaction commit and rollback.
type Memory struct {
	mu     sync.Mutex
	stock  map[string]balance.StockBalance
	lots   map[int64]balance.Lot
	lotBal map[balance.LotKey]balance.LotBalance
	nextID int64
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{
		stock:  make(map[string]balance.StockBalance),
		lots:   make(map[int64]balance.Lot),
		lotBal: make(map[balance.LotKey]balance.LotBalance),
	}
}

var (
	_ balance.Mutator = (*Memory)(nil)
	_ balance.Reader  = (*Memory)(nil)
)

// Clone returns a deep copy.
func (m *Memory) Clone() *Memory {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := NewMemory()
	c.nextID = m.nextID
	for k, v := range m.stock {
		c.stock[k] = v
	}
	for k, v := range m.lots {
		c.lots[k] = v
	}
	for k, v := range m.lotBal {
		c.lotBal[k] = v
	}
	return c
}

// Replace overwrites m with the contents of other.
func (m *Memory) Replace(other *Memory) {
	snap := other.Clone()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stock, m.lots, m.lotBal, m.nextID = snap.stock, snap.lots, snap.lotBal, snap.nextID
}

// Seed sets a stock balance directly.
func (m *Memory) Seed(key balance.StockKey, qty decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stock[key.String()] = balance.StockBalance{StockKey: key, QtyOnHand: qty, UpdatedAt: time.Now()}
}

// SeedLot creates a lot with a balance at location.
func (m *Memory) SeedLot(productID int64, number string, locationID int64, qty decimal.Decimal) balance.Lot {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	lot := balance.Lot{ID: m.nextID, ProductID: productID, LotNumber: number, QtyReceived: qty, CreatedAt: time.Now()}
	m.lots[lot.ID] = lot
	key := balance.LotKey{LotID: lot.ID, LocationID: locationID}
	m.lotBal[key] = balance.LotBalance{LotKey: key, ProductID: productID, LotNumber: number, QtyOnHand: qty}
	return lot
}

// Qty returns the stock quantity for key, zero when absent.
func (m *Memory) Qty(key balance.StockKey) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stock[key.String()].QtyOnHand
}

// LotQty returns the lot quantity for key, zero when absent.
func (m *Memory) LotQty(key balance.LotKey) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lotBal[key].QtyOnHand
}

func (m *Memory) IncrementStock(_ context.Context, key balance.StockKey, qty decimal.Decimal) (decimal.Decimal, error) {
	if !qty.IsPositive() {
		return decimal.Zero, balance.ErrInvalidQuantity
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	bal, ok := m.stock[key.String()]
	if !ok {
		bal = balance.StockBalance{StockKey: key}
	}
	bal.QtyOnHand = bal.QtyOnHand.Add(qty)
	bal.UpdatedAt = time.Now()
	m.stock[key.String()] = bal
	return bal.QtyOnHand, nil
}

func (m *Memory) DecrementStock(_ context.Context, key balance.StockKey, qty decimal.Decimal) (decimal.Decimal, error) {
	if !qty.IsPositive() {
		return decimal.Zero, balance.ErrInvalidQuantity
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	bal := m.stock[key.String()]
	if bal.QtyOnHand.LessThan(qty) {
		return decimal.Zero, &balance.InsufficientStockError{
			ProductID:  key.ProductID,
			VariantID:  key.VariantID,
			LocationID: key.LocationID,
			Available:  bal.QtyOnHand,
			Requested:  qty,
		}
	}
	bal.StockKey = key
	bal.QtyOnHand = bal.QtyOnHand.Sub(qty)
	bal.UpdatedAt = time.Now()
	m.stock[key.String()] = bal
	return bal.QtyOnHand, nil
}

func (m *Memory) IncrementLot(_ context.Context, key balance.LotKey, qty decimal.Decimal) (decimal.Decimal, error) {
	if !qty.IsPositive() {
		return decimal.Zero, balance.ErrInvalidQuantity
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	bal, ok := m.lotBal[key]
	if !ok {
		lot := m.lots[key.LotID]
		bal = balance.LotBalance{LotKey: key, ProductID: lot.ProductID, LotNumber: lot.LotNumber, ExpiresAt: lot.ExpiresAt}
	}
	bal.QtyOnHand = bal.QtyOnHand.Add(qty)
	bal.UpdatedAt = time.Now()
	m.lotBal[key] = bal
	return bal.QtyOnHand, nil
}

func (m *Memory) DecrementLot(_ context.Context, key balance.LotKey, qty decimal.Decimal) (decimal.Decimal, error) {
	if !qty.IsPositive() {
		return decimal.Zero, balance.ErrInvalidQuantity
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	bal := m.lotBal[key]
	if bal.QtyOnHand.LessThan(qty) {
		lotID := key.LotID
		return decimal.Zero, &balance.InsufficientStockError{
			LotID:      &lotID,
			LocationID: key.LocationID,
			Available:  bal.QtyOnHand,
			Requested:  qty,
		}
	}
	bal.LotKey = key
	bal.QtyOnHand = bal.QtyOnHand.Sub(qty)
	m.lotBal[key] = bal
	return bal.QtyOnHand, nil
}

func (m *Memory) EnsureLot(_ context.Context, spec balance.LotSpec) (balance.Lot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	number := strings.TrimSpace(spec.LotNumber)
	for _, lot := range m.lots {
		if lot.ProductID == spec.ProductID && lot.LotNumber == number {
			return lot, nil
		}
	}
	m.nextID++
	lot := balance.Lot{ID: m.nextID, ProductID: spec.ProductID, LotNumber: number, ExpiresAt: spec.ExpiresAt, QtyReceived: spec.QtyReceived, CreatedAt: time.Now()}
	m.lots[lot.ID] = lot
	return lot, nil
}

func (m *Memory) FindLot(_ context.Context, productID int64, lotNumber string) (balance.Lot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	number := strings.TrimSpace(lotNumber)
	for _, lot := range m.lots {
		if lot.ProductID == productID && lot.LotNumber == number {
			return lot, nil
		}
	}
	return balance.Lot{}, balance.ErrLotNotFound
}

func (m *Memory) GetStock(_ context.Context, key balance.StockKey) (balance.StockBalance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if bal, ok := m.stock[key.String()]; ok {
		return bal, nil
	}
	return balance.StockBalance{StockKey: key, QtyOnHand: decimal.Zero}, nil
}

func (m *Memory) ListStock(_ context.Context, filter balance.StockFilter) ([]balance.StockBalance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []balance.StockBalance
	for _, bal := range m.stock {
		if filter.ProductID != 0 && bal.ProductID != filter.ProductID {
			continue
		}
		if filter.LocationID != 0 && bal.LocationID != filter.LocationID {
			continue
		}
		if filter.VariantID != nil && (bal.VariantID == nil || *bal.VariantID != *filter.VariantID) {
			continue
		}
		if filter.NonZero && !bal.QtyOnHand.IsPositive() {
			continue
		}
		out = append(out, bal)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

func (m *Memory) ListLots(_ context.Context, filter balance.LotFilter) ([]balance.LotBalance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []balance.LotBalance
	for _, bal := range m.lotBal {
		if filter.ProductID != 0 && bal.ProductID != filter.ProductID {
			continue
		}
		if filter.LotID != 0 && bal.LotID != filter.LotID {
			continue
		}
		if filter.LocationID != 0 && bal.LocationID != filter.LocationID {
			continue
		}
		if filter.NonZero && !bal.QtyOnHand.IsPositive() {
			continue
		}
		out = append(out, bal)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LotNumber != out[j].LotNumber {
			return out[i].LotNumber < out[j].LotNumber
		}
		return out[i].LocationID < out[j].LocationID
	})
	return out, nil
}

func (m *Memory) GetLot(_ context.Context, id int64) (balance.Lot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lot, ok := m.lots[id]
	if !ok {
		return balance.Lot{}, balance.ErrLotNotFound
	}
	return lot, nil
}
