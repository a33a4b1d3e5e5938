package movement

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockledger/internal/balance"
	"github.com/odyssey-erp/stockledger/internal/catalog"
)

const (
	// MaxLines bounds a single document.
	MaxLines = 500
	maxNote  = 2000

	// Quantities and costs are stored as NUMERIC(18,4).
	numericScale = 4
)

var numericLimit = decimal.New(1, 18-numericScale)

// LotFinder resolves existing lots by natural key.
type LotFinder interface {
	FindLot(ctx context.Context, productID int64, lotNumber string) (balance.Lot, error)
}

// lineValidator checks lines against the catalog, memoising lookups for the
// duration of one request.
type lineValidator struct {
	catalog   catalog.Lookup
	lots      LotFinder
	products  map[int64]catalog.Product
	locations map[int64]struct{}
}

func newLineValidator(cat catalog.Lookup, lots LotFinder) *lineValidator {
	return &lineValidator{
		catalog:   cat,
		lots:      lots,
		products:  make(map[int64]catalog.Product),
		locations: make(map[int64]struct{}),
	}
}

// build validates inputs for type t and returns numbered lines.
func (v *lineValidator) build(ctx context.Context, t MovementType, inputs []LineInput) ([]Line, error) {
	if len(inputs) > MaxLines {
		return nil, invalid("lines", "at most %d lines per document", MaxLines)
	}
	lines := make([]Line, 0, len(inputs))
	for i, in := range inputs {
		field := fmt.Sprintf("lines[%d]", i)
		line, err := v.line(ctx, t, field, in)
		if err != nil {
			return nil, err
		}
		line.LineNo = i + 1
		lines = append(lines, line)
	}
	return lines, nil
}

func (v *lineValidator) line(ctx context.Context, t MovementType, field string, in LineInput) (Line, error) {
	if in.ProductID <= 0 {
		return Line{}, invalid(field+".product_id", "required")
	}
	if err := checkQty(t, field, in.Qty); err != nil {
		return Line{}, err
	}
	if in.UnitCost.IsNegative() {
		return Line{}, invalid(field+".unit_cost", "must be >= 0")
	}
	if err := checkNumeric(field+".unit_cost", in.UnitCost); err != nil {
		return Line{}, err
	}
	if err := checkLocations(t, field, in.FromLocationID, in.ToLocationID); err != nil {
		return Line{}, err
	}

	product, err := v.product(ctx, field, in.ProductID)
	if err != nil {
		return Line{}, err
	}
	if in.VariantID != nil {
		if _, err := v.catalog.Variant(ctx, in.ProductID, *in.VariantID); err != nil {
			return Line{}, lookupError(field+".variant_id", err)
		}
	}
	for _, loc := range []*int64{in.FromLocationID, in.ToLocationID} {
		if loc == nil {
			continue
		}
		if err := v.location(ctx, field, *loc); err != nil {
			return Line{}, err
		}
	}

	line := Line{
		ProductID:      in.ProductID,
		VariantID:      in.VariantID,
		FromLocationID: in.FromLocationID,
		ToLocationID:   in.ToLocationID,
		Qty:            in.Qty,
		UnitCost:       in.UnitCost,
	}
	if in.Lot == nil {
		if product.LotTracked {
			return Line{}, invalid(field+".lot", "product %s is lot tracked", product.SKU)
		}
		return line, nil
	}
	lot, err := v.lot(ctx, t, field, in)
	if err != nil {
		return Line{}, err
	}
	line.Lot = lot
	return line, nil
}

func (v *lineValidator) lot(ctx context.Context, t MovementType, field string, in LineInput) (*LineLot, error) {
	number := strings.TrimSpace(in.Lot.LotNumber)
	if number == "" {
		return nil, invalid(field+".lot.lot_number", "required")
	}
	magnitude := in.Qty.Abs()
	qty := in.Lot.Qty
	if qty.IsZero() {
		qty = magnitude
	}
	if !qty.IsPositive() || qty.GreaterThan(magnitude) {
		return nil, invalid(field+".lot.qty", "must be > 0 and <= line qty %s", magnitude)
	}
	if err := checkNumeric(field+".lot.qty", qty); err != nil {
		return nil, err
	}
	out := &LineLot{LotNumber: number, ExpiresAt: in.Lot.ExpiresAt, Qty: qty}
	existing, err := v.lots.FindLot(ctx, in.ProductID, number)
	switch {
	case err == nil:
		out.LotID = ptr(existing.ID)
		if out.ExpiresAt == nil {
			out.ExpiresAt = existing.ExpiresAt
		}
	case errors.Is(err, balance.ErrLotNotFound):
		if decrements(t, in.Qty) {
			return nil, invalid(field+".lot.lot_number", "lot %s does not exist for product %d", number, in.ProductID)
		}
	default:
		return nil, err
	}
	return out, nil
}

func (v *lineValidator) product(ctx context.Context, field string, id int64) (catalog.Product, error) {
	if p, ok := v.products[id]; ok {
		return p, nil
	}
	p, err := v.catalog.Product(ctx, id)
	if err != nil {
		return catalog.Product{}, lookupError(field+".product_id", err)
	}
	v.products[id] = p
	return p, nil
}

func (v *lineValidator) location(ctx context.Context, field string, id int64) error {
	if _, ok := v.locations[id]; ok {
		return nil
	}
	if _, err := v.catalog.Location(ctx, id); err != nil {
		return lookupError(field+".location", err)
	}
	v.locations[id] = struct{}{}
	return nil
}

func lookupError(field string, err error) error {
	if errors.Is(err, catalog.ErrNotFound) {
		return &ValidationError{Field: field, Reason: err.Error()}
	}
	return err
}

func checkQty(t MovementType, field string, qty decimal.Decimal) error {
	switch t {
	case TypeAdjust:
		if qty.IsZero() {
			return invalid(field+".qty", "must not be zero")
		}
	case TypeReceive, TypeIssue, TypeTransfer, TypeReturn:
		if !qty.IsPositive() {
			return invalid(field+".qty", "must be > 0")
		}
	default:
		return invalid("type", "unknown movement type %q", t)
	}
	return checkNumeric(field+".qty", qty)
}

// checkNumeric rejects values the database would round or overflow.
func checkNumeric(field string, v decimal.Decimal) error {
	if !v.Equal(v.Truncate(numericScale)) {
		return invalid(field, "at most %d decimal places", numericScale)
	}
	if v.Abs().GreaterThanOrEqual(numericLimit) {
		return invalid(field, "must be below %s in magnitude", numericLimit)
	}
	return nil
}

// checkLocations enforces the location roles of each type.
func checkLocations(t MovementType, field string, from, to *int64) error {
	needFrom, needTo := false, false
	switch t {
	case TypeReceive, TypeReturn, TypeAdjust:
		needTo = true
	case TypeIssue:
		needFrom = true
	case TypeTransfer:
		needFrom, needTo = true, true
	default:
		return invalid("type", "unknown movement type %q", t)
	}
	if needFrom && (from == nil || *from <= 0) {
		return invalid(field+".from_location_id", "required for %s", t)
	}
	if !needFrom && from != nil {
		return invalid(field+".from_location_id", "not allowed for %s", t)
	}
	if needTo && (to == nil || *to <= 0) {
		return invalid(field+".to_location_id", "required for %s", t)
	}
	if !needTo && to != nil {
		return invalid(field+".to_location_id", "not allowed for %s", t)
	}
	if needFrom && needTo && *from == *to {
		return invalid(field+".to_location_id", "must differ from from_location_id")
	}
	return nil
}

// decrements reports whether a line of type t with signed qty removes stock
// from at least one location.
func decrements(t MovementType, qty decimal.Decimal) bool {
	switch t {
	case TypeIssue, TypeTransfer:
		return true
	case TypeAdjust:
		return qty.IsNegative()
	case TypeReceive, TypeReturn:
		return false
	}
	return false
}

func appendNote(note, prefix, reason string) string {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return note
	}
	entry := fmt.Sprintf("[%s] %s", prefix, reason)
	if strings.TrimSpace(note) == "" {
		return entry
	}
	return note + "\n" + entry
}

func checkNote(note string) error {
	if len(note) > maxNote {
		return invalid("note", "at most %d characters", maxNote)
	}
	return nil
}
