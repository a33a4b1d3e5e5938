// Package catalog is the read-only boundary to product, variant and location
// master data owned by another service.
package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/odyssey-erp/stockledger/internal/platform/db"
)

// ErrNotFound indicates a missing or inactive catalog entry.
var ErrNotFound = errors.New("catalog: not found")

// Product is a stock keeping item.
type Product struct {
	ID         int64
	SKU        string
	Name       string
	LotTracked bool
}

// Variant is a sellable variation of a product.
type Variant struct {
	ID        int64
	ProductID int64
	SKU       string
	Name      string
}

// Location is a place stock can sit.
type Location struct {
	ID   int64
	Code string
	Name string
}

// Lookup is what the ledger needs from the catalog.
type Lookup interface {
	Product(ctx context.Context, id int64) (Product, error)
	Variant(ctx context.Context, productID, variantID int64) (Variant, error)
	Location(ctx context.Context, id int64) (Location, error)
}

// Repository reads active catalog rows from PostgreSQL.
type Repository struct {
	q db.DBTX
}

// NewRepository constructs Repository.
func NewRepository(q db.DBTX) *Repository {
	return &Repository{q: q}
}

var _ Lookup = (*Repository)(nil)

// Product loads an active product.
func (r *Repository) Product(ctx context.Context, id int64) (Product, error) {
	var p Product
	err := r.q.QueryRow(ctx, `SELECT id, sku, name, lot_tracked FROM products WHERE id = $1 AND is_active`, id).
		Scan(&p.ID, &p.SKU, &p.Name, &p.LotTracked)
	if err != nil {
		return Product{}, notFound(err, "product", id)
	}
	return p, nil
}

// Variant loads an active variant belonging to productID.
func (r *Repository) Variant(ctx context.Context, productID, variantID int64) (Variant, error) {
	var v Variant
	err := r.q.QueryRow(ctx, `SELECT id, product_id, sku, name FROM product_variants
WHERE id = $1 AND product_id = $2 AND is_active`, variantID, productID).
		Scan(&v.ID, &v.ProductID, &v.SKU, &v.Name)
	if err != nil {
		return Variant{}, notFound(err, "variant", variantID)
	}
	return v, nil
}

// Location loads an active location.
func (r *Repository) Location(ctx context.Context, id int64) (Location, error) {
	var l Location
	err := r.q.QueryRow(ctx, `SELECT id, code, name FROM locations WHERE id = $1 AND is_active`, id).
		Scan(&l.ID, &l.Code, &l.Name)
	if err != nil {
		return Location{}, notFound(err, "location", id)
	}
	return l, nil
}

func notFound(err error, kind string, id int64) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s %d", ErrNotFound, kind, id)
	}
	return fmt.Errorf("catalog: load %s %d: %w", kind, id, err)
}
