package cart_test

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/panel-checkout/internal/cart"
	"github.com/noah-isme/panel-checkout/internal/pricing"
)

func TestSnapshotItems(t *testing.T) {
	snap := cart.Snapshot{Entries: []cart.Entry{
		{ID: "vps-1", Name: "VPS", UnitPrice: decimal.RequireFromString("19.99"), Quantity: 2},
		{ID: "ip-1", Name: "Extra IP", UnitPrice: decimal.NewFromInt(3), Quantity: 1},
	}}
	items, err := snap.Items()
	require.NoError(t, err)
	require.Equal(t, []pricing.Item{
		{ProductID: "vps-1", Name: "VPS", Qty: 2, UnitPrice: 1_999},
		{ProductID: "ip-1", Name: "Extra IP", Qty: 1, UnitPrice: 300},
	}, items)
}

func TestSnapshotItemsRejectsInvalidEntries(t *testing.T) {
	_, err := cart.Snapshot{}.Items()
	require.ErrorIs(t, err, pricing.ErrEmptyCart)

	_, err = cart.Snapshot{Entries: []cart.Entry{{ID: "a", Quantity: 0}}}.Items()
	require.ErrorIs(t, err, pricing.ErrInvalidQuantity)

	_, err = cart.Snapshot{Entries: []cart.Entry{{ID: "a", Quantity: 1, UnitPrice: decimal.RequireFromString("1.005")}}}.Items()
	require.ErrorIs(t, err, cart.ErrInvalidInput)
}

func TestSnapshotProductIDsDistinct(t *testing.T) {
	snap := cart.Snapshot{Entries: []cart.Entry{{ID: "a"}, {ID: "b"}, {ID: "a"}, {ID: " "}}}
	require.Equal(t, []string{"a", "b"}, snap.ProductIDs())
}

func TestRedisClearer(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	require.NoError(t, client.Set(ctx, "cart:abc", "{}", 0).Err())
	require.NoError(t, client.HSet(ctx, "cart:abc:items", "vps-1", "2").Err())

	require.NoError(t, cart.RedisClearer{R: client}.Clear(ctx, "abc"))
	require.False(t, mr.Exists("cart:abc"))
	require.False(t, mr.Exists("cart:abc:items"))
}
