package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/uhyunpark/perpengine/pkg/app/core"
)

// CachedStore wraps a primary Store with a Redis read-through cache for
// single-document reads. Writes go to the primary first and then refresh the
// cached copy; lists always hit the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{primary: primary, rdb: rdb, ttl: ttl}
}

// --- Write-through ---

func (s *CachedStore) SaveOrder(ctx context.Context, o *core.Order) error {
	if err := s.primary.SaveOrder(ctx, o); err != nil {
		return err
	}
	s.cache(ctx, cacheOrderKey(o.ID), o)
	return nil
}

func (s *CachedStore) SavePosition(ctx context.Context, p *core.Position) error {
	if err := s.primary.SavePosition(ctx, p); err != nil {
		return err
	}
	s.cache(ctx, cachePositionKey(p.ID), p)
	return nil
}

// --- Read-through ---

func (s *CachedStore) GetOrder(ctx context.Context, id string) (*core.Order, error) {
	if data, err := s.rdb.Get(ctx, cacheOrderKey(id)).Bytes(); err == nil {
		var o core.Order
		if json.Unmarshal(data, &o) == nil {
			return &o, nil
		}
	}
	o, err := s.primary.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, cacheOrderKey(id), o)
	return o, nil
}

func (s *CachedStore) GetPosition(ctx context.Context, id string) (*core.Position, error) {
	if data, err := s.rdb.Get(ctx, cachePositionKey(id)).Bytes(); err == nil {
		var p core.Position
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}
	p, err := s.primary.GetPosition(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, cachePositionKey(id), p)
	return p, nil
}

// --- Passthrough ---

func (s *CachedStore) ListOrders(ctx context.Context, f OrderFilter) ([]*core.Order, error) {
	return s.primary.ListOrders(ctx, f)
}

func (s *CachedStore) SaveTrade(ctx context.Context, t *core.Trade) error {
	return s.primary.SaveTrade(ctx, t)
}

func (s *CachedStore) ListTrades(ctx context.Context, market string, limit int) ([]*core.Trade, error) {
	return s.primary.ListTrades(ctx, market, limit)
}

func (s *CachedStore) ListPositions(ctx context.Context, f PositionFilter) ([]*core.Position, error) {
	return s.primary.ListPositions(ctx, f)
}

func (s *CachedStore) SaveBalance(ctx context.Context, b core.Balance) error {
	return s.primary.SaveBalance(ctx, b)
}

func (s *CachedStore) ListBalances(ctx context.Context, user common.Address) ([]core.Balance, error) {
	return s.primary.ListBalances(ctx, user)
}

func (s *CachedStore) AllBalances(ctx context.Context) ([]core.Balance, error) {
	return s.primary.AllBalances(ctx)
}

func (s *CachedStore) SaveFunding(ctx context.Context, r *core.FundingRecord) error {
	return s.primary.SaveFunding(ctx, r)
}

func (s *CachedStore) ListFunding(ctx context.Context, market string, limit int) ([]*core.FundingRecord, error) {
	return s.primary.ListFunding(ctx, market, limit)
}

func (s *CachedStore) Close() error {
	rerr := s.rdb.Close()
	if err := s.primary.Close(); err != nil {
		return err
	}
	return rerr
}

// --- Cache helpers ---

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func cacheOrderKey(id string) string    { return fmt.Sprintf("order:%s", id) }
func cachePositionKey(id string) string { return fmt.Sprintf("position:%s", id) }

var _ Store = (*CachedStore)(nil)
