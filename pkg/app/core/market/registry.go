package market

import (
	"fmt"
	"sort"
	"sync"
)

// MarketRegistry manages multiple markets in a thread-safe manner.
// Reads hand out copies; mutation goes through Update so that callers never
// share a *Market with a concurrent writer.
type MarketRegistry struct {
	mu      sync.RWMutex
	markets map[string]*Market // symbol -> market
}

// NewMarketRegistry creates an empty market registry
func NewMarketRegistry() *MarketRegistry {
	return &MarketRegistry{
		markets: make(map[string]*Market),
	}
}

// RegisterMarket adds a new market to the registry
func (mr *MarketRegistry) RegisterMarket(m *Market) error {
	if m == nil {
		return fmt.Errorf("cannot register nil market")
	}
	if err := m.Validate(); err != nil {
		return err
	}

	mr.mu.Lock()
	defer mr.mu.Unlock()

	if _, exists := mr.markets[m.Symbol]; exists {
		return fmt.Errorf("%w: %s", ErrExists, m.Symbol)
	}

	mr.markets[m.Symbol] = m.Clone()
	return nil
}

// GetMarket returns a copy of the market.
func (mr *MarketRegistry) GetMarket(symbol string) (*Market, error) {
	mr.mu.RLock()
	defer mr.mu.RUnlock()

	m, exists := mr.markets[symbol]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, symbol)
	}

	return m.Clone(), nil
}

// ListMarkets returns copies of all markets sorted by symbol.
func (mr *MarketRegistry) ListMarkets() []*Market {
	mr.mu.RLock()
	defer mr.mu.RUnlock()

	markets := make([]*Market, 0, len(mr.markets))
	for _, m := range mr.markets {
		markets = append(markets, m.Clone())
	}
	sort.Slice(markets, func(i, j int) bool { return markets[i].Symbol < markets[j].Symbol })

	return markets
}

// ListActiveMarkets returns only markets with Active status
func (mr *MarketRegistry) ListActiveMarkets() []*Market {
	var out []*Market
	for _, m := range mr.ListMarkets() {
		if m.Status == Active {
			out = append(out, m)
		}
	}
	return out
}

// Update applies fn to the stored market under the write lock. The market is
// left untouched if fn or the post-update validation fails.
func (mr *MarketRegistry) Update(symbol string, fn func(m *Market) error) (*Market, error) {
	mr.mu.Lock()
	defer mr.mu.Unlock()

	m, exists := mr.markets[symbol]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, symbol)
	}

	next := m.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	if err := mr.validateStatusTransition(m.Status, next.Status); err != nil {
		return nil, err
	}
	mr.markets[symbol] = next
	return next.Clone(), nil
}

// UpdateMarketStatus changes the trading status of a market
func (mr *MarketRegistry) UpdateMarketStatus(symbol string, status MarketStatus) error {
	_, err := mr.Update(symbol, func(m *Market) error {
		m.Status = status
		return nil
	})
	return err
}

// Settled is terminal; everything else may move freely.
func (mr *MarketRegistry) validateStatusTransition(from, to MarketStatus) error {
	if from == Settled && to != Settled {
		return ErrTerminal
	}
	return nil
}

// RemoveMarket removes a settled market from the registry.
func (mr *MarketRegistry) RemoveMarket(symbol string) error {
	mr.mu.Lock()
	defer mr.mu.Unlock()

	m, exists := mr.markets[symbol]
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, symbol)
	}

	if m.Status != Settled {
		return fmt.Errorf("cannot remove market %s with status %s (must be settled)", symbol, m.Status)
	}

	delete(mr.markets, symbol)
	return nil
}

// Count returns the total number of registered markets
func (mr *MarketRegistry) Count() int {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	return len(mr.markets)
}

// Exists checks if a market is registered
func (mr *MarketRegistry) Exists(symbol string) bool {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	_, exists := mr.markets[symbol]
	return exists
}
