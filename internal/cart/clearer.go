package cart

import (
	"context"
	"errors"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Clearer empties the storefront cart once an order exists.
type Clearer interface {
	Clear(ctx context.Context, key string) error
}

// RedisClearer removes the cart document the storefront keeps in Redis.
type RedisClearer struct {
	R      *redis.Client
	Prefix string
}

// Clear deletes the cart hash and its item index.
func (c RedisClearer) Clear(ctx context.Context, key string) error {
	if c.R == nil {
		return errors.New("cart: redis client not configured")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	base := c.prefix() + key
	return c.R.Del(ctx, base, base+":items").Err()
}

func (c RedisClearer) prefix() string {
	if c.Prefix == "" {
		return "cart:"
	}
	return c.Prefix
}
