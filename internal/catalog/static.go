package catalog

import (
	"context"
	"fmt"
)

// Static is an in-memory Lookup backed by maps.
type Static struct {
	Products  map[int64]Product
	Variants  map[int64]Variant
	Locations map[int64]Location
}

// NewStatic returns an empty Static catalog.
func NewStatic() *Static {
	return &Static{
		Products:  make(map[int64]Product),
		Variants:  make(map[int64]Variant),
		Locations: make(map[int64]Location),
	}
}

var _ Lookup = (*Static)(nil)

// Product implements Lookup.
func (s *Static) Product(_ context.Context, id int64) (Product, error) {
	if p, ok := s.Products[id]; ok {
		return p, nil
	}
	return Product{}, fmt.Errorf("%w: product %d", ErrNotFound, id)
}

// Variant implements Lookup.
func (s *Static) Variant(_ context.Context, productID, variantID int64) (Variant, error) {
	if v, ok := s.Variants[variantID]; ok && v.ProductID == productID {
		return v, nil
	}
	return Variant{}, fmt.Errorf("%w: variant %d", ErrNotFound, variantID)
}

// Location implements Lookup.
func (s *Static) Location(_ context.Context, id int64) (Location, error) {
	if l, ok := s.Locations[id]; ok {
		return l, nil
	}
	return Location{}, fmt.Errorf("%w: location %d", ErrNotFound, id)
}
