package shared

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewPagination(t *testing.T) {
	p := NewPagination(0, 0, 45)
	require.Equal(t, Pagination{Page: 1, PerPage: 20, Total: 45, TotalPages: 3}, p)
	require.Equal(t, 0, NewPagination(1, 10, 0).TotalPages)
}

func TestActorContext(t *testing.T) {
	_, ok := ActorFromContext(context.Background())
	require.False(t, ok)

	ctx := ContextWithActor(context.Background(), Actor{ID: 3, Name: "ops"})
	actor, ok := ActorFromContext(ctx)
	require.True(t, ok)
	require.Equal(t, "ops", actor.Name)

	_, ok = ActorFromContext(ContextWithActor(context.Background(), Actor{}))
	require.False(t, ok)
}

func TestNilIdempotencyStore(t *testing.T) {
	var store *IdempotencyStore
	ctx := context.Background()

	require.Error(t, store.CheckAndInsert(ctx, "k", "movement.create"))
	_, err := store.Lookup(ctx, "k", "movement.create")
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrNotFound)
	require.NotErrorIs(t, err, ErrIdempotencyPending)
}
