package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/perpengine/pkg/app/core"
)

type balanceID struct {
	user  common.Address
	asset string
}

// MemoryStore keeps documents in maps. Nothing survives a restart.
type MemoryStore struct {
	mu        sync.RWMutex
	orders    map[string]*core.Order
	trades    map[string][]*core.Trade
	positions map[string]*core.Position
	balances  map[balanceID]core.Balance
	funding   map[string][]*core.FundingRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:    make(map[string]*core.Order),
		trades:    make(map[string][]*core.Trade),
		positions: make(map[string]*core.Position),
		balances:  make(map[balanceID]core.Balance),
		funding:   make(map[string][]*core.FundingRecord),
	}
}

func (s *MemoryStore) SaveOrder(_ context.Context, o *core.Order) error {
	s.mu.Lock()
	s.orders[o.ID] = o.Clone()
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id string) (*core.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return o.Clone(), nil
}

func (s *MemoryStore) ListOrders(_ context.Context, f OrderFilter) ([]*core.Order, error) {
	s.mu.RLock()
	out := make([]*core.Order, 0)
	for _, o := range s.orders {
		if f.Match(o) {
			out = append(out, o.Clone())
		}
	}
	s.mu.RUnlock()
	sortOrders(out)
	return out, nil
}

func (s *MemoryStore) SaveTrade(_ context.Context, t *core.Trade) error {
	s.mu.Lock()
	cp := *t
	s.trades[t.Market] = append(s.trades[t.Market], &cp)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) ListTrades(_ context.Context, market string, limit int) ([]*core.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.trades[market]
	n := limitOr(limit, len(all))
	out := make([]*core.Trade, 0, n)
	for i := len(all) - 1; i >= 0 && len(out) < n; i-- {
		cp := *all[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) SavePosition(_ context.Context, p *core.Position) error {
	s.mu.Lock()
	s.positions[p.ID] = p.Clone()
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) GetPosition(_ context.Context, id string) (*core.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

func (s *MemoryStore) ListPositions(_ context.Context, f PositionFilter) ([]*core.Position, error) {
	s.mu.RLock()
	out := make([]*core.Position, 0)
	for _, p := range s.positions {
		if f.Match(p) {
			out = append(out, p.Clone())
		}
	}
	s.mu.RUnlock()
	sortPositions(out)
	return out, nil
}

func (s *MemoryStore) SaveBalance(_ context.Context, b core.Balance) error {
	s.mu.Lock()
	s.balances[balanceID{b.User, b.Asset}] = b
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) ListBalances(_ context.Context, user common.Address) ([]core.Balance, error) {
	s.mu.RLock()
	var out []core.Balance
	for k, b := range s.balances {
		if k.user == user {
			out = append(out, b)
		}
	}
	s.mu.RUnlock()
	sortBalances(out)
	return out, nil
}

func (s *MemoryStore) AllBalances(_ context.Context) ([]core.Balance, error) {
	s.mu.RLock()
	out := make([]core.Balance, 0, len(s.balances))
	for _, b := range s.balances {
		out = append(out, b)
	}
	s.mu.RUnlock()
	sortBalances(out)
	return out, nil
}

func (s *MemoryStore) SaveFunding(_ context.Context, r *core.FundingRecord) error {
	s.mu.Lock()
	cp := *r
	s.funding[r.Market] = append(s.funding[r.Market], &cp)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) ListFunding(_ context.Context, market string, limit int) ([]*core.FundingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.funding[market]
	n := limitOr(limit, len(all))
	out := make([]*core.FundingRecord, 0, n)
	for i := len(all) - 1; i >= 0 && len(out) < n; i-- {
		cp := *all[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)

func limitOr(limit, n int) int {
	if limit <= 0 || limit > n {
		return n
	}
	return limit
}

func sortOrders(os []*core.Order) {
	sort.Slice(os, func(i, j int) bool {
		if os[i].CreatedAt.Equal(os[j].CreatedAt) {
			return os[i].ID < os[j].ID
		}
		return os[i].CreatedAt.Before(os[j].CreatedAt)
	})
}

func sortPositions(ps []*core.Position) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].OpenedAt.Equal(ps[j].OpenedAt) {
			return ps[i].ID < ps[j].ID
		}
		return ps[i].OpenedAt.Before(ps[j].OpenedAt)
	})
}

func sortBalances(bs []core.Balance) {
	sort.Slice(bs, func(i, j int) bool {
		if bs[i].User != bs[j].User {
			return bs[i].User.Hex() < bs[j].User.Hex()
		}
		return bs[i].Asset < bs[j].Asset
	})
}
