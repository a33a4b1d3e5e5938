package catalog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStaticLookup(t *testing.T) {
	cat := NewStatic()
	cat.Products[1] = Product{ID: 1, SKU: "SKU-1", Name: "Widget"}
	cat.Variants[5] = Variant{ID: 5, ProductID: 1, SKU: "SKU-1-RED"}
	cat.Locations[9] = Location{ID: 9, Code: "WH-A"}
	ctx := context.Background()

	p, err := cat.Product(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, "Widget", p.Name)

	_, err = cat.Variant(ctx, 1, 5)
	require.NoError(t, err)
	_, err = cat.Variant(ctx, 2, 5)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = cat.Location(ctx, 10)
	require.ErrorIs(t, err, ErrNotFound)
}
