package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/perpengine/pkg/app/core"
)

// PebbleStore keeps JSON documents in an embedded Pebble database. A document
// and its index entries are written in one batch, so readers never see an
// index pointing at a stale status.
type PebbleStore struct {
	db *pebble.DB
	// serializes read-modify-write of index entries
	mu sync.Mutex
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	opts := &pebble.Options{
		Cache:                    pebble.NewCache(128 << 20), // 128MB
		MemTableSize:             64 << 20,
		MaxConcurrentCompactions: func() int { return 3 },
		L0CompactionThreshold:    2,
		L0StopWritesThreshold:    12,
		LBaseMaxBytes:            64 << 20,
		MaxOpenFiles:             1000,
		BytesPerSync:             512 << 10,
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble db at %s: %w", path, err)
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

// ============================================================================
// Orders
// ============================================================================

func (s *PebbleStore) SaveOrder(_ context.Context, o *core.Order) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshal order: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.db.NewBatch()
	defer b.Close()

	var prev core.Order
	found, err := s.getJSON(orderKey(o.ID), &prev)
	if err != nil {
		return err
	}
	if found {
		for _, k := range orderIndexKeys(&prev) {
			if err := b.Delete(k, nil); err != nil {
				return err
			}
		}
	}
	if err := b.Set(orderKey(o.ID), data, nil); err != nil {
		return err
	}
	for _, k := range orderIndexKeys(o) {
		if err := b.Set(k, nil, nil); err != nil {
			return err
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("save order %s: %w", o.ID, err)
	}
	return nil
}

func orderIndexKeys(o *core.Order) [][]byte {
	status := string(o.Status)
	return [][]byte{
		indexKey("ord", "mkt", o.Market, status, o.ID),
		indexKey("ord", "usr", addrKey(o.User), status, o.ID),
	}
}

func (s *PebbleStore) GetOrder(_ context.Context, id string) (*core.Order, error) {
	var o core.Order
	found, err := s.getJSON(orderKey(id), &o)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound
	}
	return &o, nil
}

func (s *PebbleStore) ListOrders(_ context.Context, f OrderFilter) ([]*core.Order, error) {
	statuses := make([]string, len(f.Statuses))
	for i, st := range f.Statuses {
		statuses[i] = string(st)
	}

	var ids []string
	var err error
	switch {
	case f.Market != "":
		ids, err = s.scanIndex("ord", "mkt", f.Market, statuses)
	case f.User != (common.Address{}):
		ids, err = s.scanIndex("ord", "usr", addrKey(f.User), statuses)
	default:
		ids, err = s.scanIDs([]byte(prefixOrder))
	}
	if err != nil {
		return nil, err
	}

	out := make([]*core.Order, 0, len(ids))
	for _, id := range ids {
		var o core.Order
		found, err := s.getJSON(orderKey(id), &o)
		if err != nil {
			return nil, err
		}
		if found && f.Match(&o) {
			out = append(out, &o)
		}
	}
	sortOrders(out)
	return out, nil
}

// ============================================================================
// Positions
// ============================================================================

func (s *PebbleStore) SavePosition(_ context.Context, p *core.Position) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal position: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.db.NewBatch()
	defer b.Close()

	var prev core.Position
	found, err := s.getJSON(positionKey(p.ID), &prev)
	if err != nil {
		return err
	}
	if found {
		for _, k := range positionIndexKeys(&prev) {
			if err := b.Delete(k, nil); err != nil {
				return err
			}
		}
	}
	if err := b.Set(positionKey(p.ID), data, nil); err != nil {
		return err
	}
	for _, k := range positionIndexKeys(p) {
		if err := b.Set(k, nil, nil); err != nil {
			return err
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("save position %s: %w", p.ID, err)
	}
	return nil
}

func positionIndexKeys(p *core.Position) [][]byte {
	status := string(p.Status)
	return [][]byte{
		indexKey("pos", "mkt", p.Market, status, p.ID),
		indexKey("pos", "usr", addrKey(p.User), status, p.ID),
	}
}

func (s *PebbleStore) GetPosition(_ context.Context, id string) (*core.Position, error) {
	var p core.Position
	found, err := s.getJSON(positionKey(id), &p)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (s *PebbleStore) ListPositions(_ context.Context, f PositionFilter) ([]*core.Position, error) {
	statuses := make([]string, len(f.Statuses))
	for i, st := range f.Statuses {
		statuses[i] = string(st)
	}

	var ids []string
	var err error
	switch {
	case f.Market != "":
		ids, err = s.scanIndex("pos", "mkt", f.Market, statuses)
	case f.User != (common.Address{}):
		ids, err = s.scanIndex("pos", "usr", addrKey(f.User), statuses)
	default:
		ids, err = s.scanIDs([]byte(prefixPosition))
	}
	if err != nil {
		return nil, err
	}

	out := make([]*core.Position, 0, len(ids))
	for _, id := range ids {
		var p core.Position
		found, err := s.getJSON(positionKey(id), &p)
		if err != nil {
			return nil, err
		}
		if found && f.Match(&p) {
			out = append(out, &p)
		}
	}
	sortPositions(out)
	return out, nil
}

// ============================================================================
// Balances
// ============================================================================

func (s *PebbleStore) SaveBalance(_ context.Context, b core.Balance) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal balance: %w", err)
	}
	if err := s.db.Set(balanceKey(b.User, b.Asset), data, pebble.Sync); err != nil {
		return fmt.Errorf("save balance: %w", err)
	}
	return nil
}

func (s *PebbleStore) ListBalances(_ context.Context, user common.Address) ([]core.Balance, error) {
	return s.scanBalances(balancePrefix(&user))
}

func (s *PebbleStore) AllBalances(_ context.Context) ([]core.Balance, error) {
	return s.scanBalances(balancePrefix(nil))
}

func (s *PebbleStore) scanBalances(prefix []byte) ([]core.Balance, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []core.Balance
	for iter.First(); iter.Valid(); iter.Next() {
		var b core.Balance
		if err := json.Unmarshal(iter.Value(), &b); err != nil {
			return nil, fmt.Errorf("decode balance %s: %w", iter.Key(), err)
		}
		out = append(out, b)
	}
	sortBalances(out)
	return out, iter.Error()
}

// ============================================================================
// Trades and funding (append-only time series)
// ============================================================================

func (s *PebbleStore) SaveTrade(_ context.Context, t *core.Trade) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal trade: %w", err)
	}
	// NoSync: trades are replayable from order fills and written at high rate
	if err := s.db.Set(timeKey(prefixTrade, t.Market, t.CreatedAt, t.ID), data, pebble.NoSync); err != nil {
		return fmt.Errorf("save trade: %w", err)
	}
	return nil
}

func (s *PebbleStore) ListTrades(_ context.Context, market string, limit int) ([]*core.Trade, error) {
	var out []*core.Trade
	err := s.reverseScan(seriesPrefix(prefixTrade, market), limit, func(v []byte) error {
		var t core.Trade
		if err := json.Unmarshal(v, &t); err != nil {
			return err
		}
		out = append(out, &t)
		return nil
	})
	return out, err
}

func (s *PebbleStore) SaveFunding(_ context.Context, r *core.FundingRecord) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal funding record: %w", err)
	}
	if err := s.db.Set(timeKey(prefixFunding, r.Market, r.Timestamp, r.ID), data, pebble.Sync); err != nil {
		return fmt.Errorf("save funding record: %w", err)
	}
	return nil
}

func (s *PebbleStore) ListFunding(_ context.Context, market string, limit int) ([]*core.FundingRecord, error) {
	var out []*core.FundingRecord
	err := s.reverseScan(seriesPrefix(prefixFunding, market), limit, func(v []byte) error {
		var r core.FundingRecord
		if err := json.Unmarshal(v, &r); err != nil {
			return err
		}
		out = append(out, &r)
		return nil
	})
	return out, err
}

// ============================================================================
// Helpers
// ============================================================================

func (s *PebbleStore) getJSON(key []byte, v any) (bool, error) {
	data, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s: %w", key, err)
	}
	defer closer.Close()
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// scanIndex collects document ids under one index dimension, once per status
// or across all statuses when none are given.
func (s *PebbleStore) scanIndex(kind, dim, value string, statuses []string) ([]string, error) {
	if len(statuses) == 0 {
		return s.scanIDs(indexPrefix(kind, dim, value, ""))
	}
	var ids []string
	for _, st := range statuses {
		part, err := s.scanIDs(indexPrefix(kind, dim, value, st))
		if err != nil {
			return nil, err
		}
		ids = append(ids, part...)
	}
	return ids, nil
}

// scanIDs returns the trailing id segment of every key under prefix.
func (s *PebbleStore) scanIDs(prefix []byte) ([]string, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var ids []string
	for iter.First(); iter.Valid(); iter.Next() {
		if string(prefix) == prefixOrder || string(prefix) == prefixPosition {
			ids = append(ids, string(iter.Key()[len(prefix):]))
			continue
		}
		ids = append(ids, idFromIndexKey(iter.Key()))
	}
	return ids, iter.Error()
}

// reverseScan visits values under prefix newest first.
func (s *PebbleStore) reverseScan(prefix []byte, limit int, fn func([]byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	n := 0
	for iter.Last(); iter.Valid(); iter.Prev() {
		if limit > 0 && n >= limit {
			break
		}
		if err := fn(iter.Value()); err != nil {
			return fmt.Errorf("decode %s: %w", iter.Key(), err)
		}
		n++
	}
	return iter.Error()
}

var _ Store = (*PebbleStore)(nil)
