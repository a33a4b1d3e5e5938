package balance

import (
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestInsufficientStockErrorNamesSubjectAndShortfall(t *testing.T) {
	variant := int64(7)
	err := &InsufficientStockError{
		ProductID:  3,
		VariantID:  &variant,
		LotNumber:  "L-2024-01",
		LocationID: 11,
		Available:  decimal.RequireFromString("60"),
		Requested:  decimal.RequireFromString("1000"),
	}

	require.True(t, err.Shortfall().Equal(decimal.RequireFromString("940")))
	require.Equal(t, "insufficient stock for product 3 variant 7 lot L-2024-01 at location 11: available 60, requested 1000, short 940", err.Error())

	wrapped := fmt.Errorf("post ISS2403-00002: %w", err)
	require.ErrorIs(t, wrapped, ErrInsufficientStock)

	var target *InsufficientStockError
	require.True(t, errors.As(wrapped, &target))
	require.Equal(t, int64(11), target.LocationID)
}

func TestInsufficientStockErrorFallsBackToLotID(t *testing.T) {
	lotID := int64(42)
	err := &InsufficientStockError{
		ProductID:  1,
		LotID:      &lotID,
		LocationID: 2,
		Available:  decimal.Zero,
		Requested:  decimal.RequireFromString("0.5"),
	}
	require.Contains(t, err.Error(), "lot #42")
	require.Contains(t, err.Error(), "short 0.5")
}

func TestStockKeyString(t *testing.T) {
	variant := int64(9)
	require.Equal(t, "1:-:2", StockKey{ProductID: 1, LocationID: 2}.String())
	require.Equal(t, "1:9:2", StockKey{ProductID: 1, VariantID: &variant, LocationID: 2}.String())
}
