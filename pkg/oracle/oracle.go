// Package oracle supplies index prices from outside the order book.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// ErrUnavailable means no usable price exists for the market right now.
var ErrUnavailable = errors.New("oracle: price unavailable")

type Source interface {
	Price(ctx context.Context, market string) (decimal.Decimal, error)
}

// Static is an in-memory source set by tests or an admin endpoint.
type Static struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
}

func NewStatic() *Static {
	return &Static{prices: make(map[string]decimal.Decimal)}
}

func (s *Static) Set(market string, price decimal.Decimal) {
	s.mu.Lock()
	s.prices[market] = price
	s.mu.Unlock()
}

// Clear makes the market unavailable again.
func (s *Static) Clear(market string) {
	s.mu.Lock()
	delete(s.prices, market)
	s.mu.Unlock()
}

func (s *Static) Price(_ context.Context, market string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prices[market]
	if !ok || !p.IsPositive() {
		return decimal.Zero, ErrUnavailable
	}
	return p, nil
}

// RedisSource reads prices an external ingester writes to
// oracle:price:<market> as decimal strings.
type RedisSource struct {
	rdb *redis.Client
}

func NewRedisSource(rdb *redis.Client) *RedisSource {
	return &RedisSource{rdb: rdb}
}

func PriceKey(market string) string { return fmt.Sprintf("oracle:price:%s", market) }

func (s *RedisSource) Price(ctx context.Context, market string) (decimal.Decimal, error) {
	raw, err := s.rdb.Get(ctx, PriceKey(market)).Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, ErrUnavailable
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	p, err := decimal.NewFromString(raw)
	if err != nil || !p.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: bad value %q for %s", ErrUnavailable, raw, market)
	}
	return p, nil
}

// Publish writes a price, used by the ingester side and admin tooling.
func (s *RedisSource) Publish(ctx context.Context, market string, price decimal.Decimal) error {
	return s.rdb.Set(ctx, PriceKey(market), price.String(), 0).Err()
}
