package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/perpengine/pkg/app/core"
)

// Persister receives every balance document the ledger changes.
type Persister interface {
	SaveBalance(ctx context.Context, b core.Balance) error
}

type balanceKey struct {
	user  common.Address
	asset string
}

// Memory is the in-process ledger. State lives in memory and is written
// through to an optional Persister before each call returns. Writes happen
// under mu, so the store sees the snapshots of one balance in the order they
// were taken. A failed write is logged and superseded by the next save of the
// same balance.
type Memory struct {
	mu       sync.Mutex
	balances map[balanceKey]*core.Balance

	feeAccount common.Address
	persist    Persister
	logger     *zap.Logger
}

type Option func(*Memory)

func WithPersister(p Persister) Option { return func(m *Memory) { m.persist = p } }

func WithLogger(l *zap.Logger) Option { return func(m *Memory) { m.logger = l } }

func WithFeeAccount(a common.Address) Option { return func(m *Memory) { m.feeAccount = a } }

func NewMemory(opts ...Option) *Memory {
	m := &Memory{
		balances:   make(map[balanceKey]*core.Balance),
		feeAccount: FeeAccount,
		logger:     zap.NewNop(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Restore loads persisted balances, replacing any in-memory state for them.
func (m *Memory) Restore(balances []core.Balance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range balances {
		cp := b
		m.balances[balanceKey{b.User, b.Asset}] = &cp
	}
}

func (m *Memory) FeeAccount() common.Address { return m.feeAccount }

// get returns the live balance, creating a zero one on first touch.
func (m *Memory) get(user common.Address, asset string) *core.Balance {
	k := balanceKey{user, asset}
	b, ok := m.balances[k]
	if !ok {
		b = &core.Balance{User: user, Asset: asset, Free: decimal.Zero, Locked: decimal.Zero}
		m.balances[k] = b
	}
	return b
}

func (m *Memory) Lock(ctx context.Context, user common.Address, asset string, amount decimal.Decimal, ref Ref) error {
	if amount.IsNegative() {
		return ErrInvalidAmount
	}
	if amount.IsZero() {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.get(user, asset)
	if b.Free.LessThan(amount) {
		return &InsufficientBalanceError{User: user, Asset: asset, Required: amount, Available: b.Free}
	}
	b.Free = b.Free.Sub(amount)
	b.Locked = b.Locked.Add(amount)

	m.save(ctx, "lock", ref, *b)
	return nil
}

func (m *Memory) Unlock(ctx context.Context, user common.Address, asset string, amount decimal.Decimal, ref Ref) error {
	if amount.IsNegative() {
		return ErrInvalidAmount
	}
	if amount.IsZero() {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.get(user, asset)
	if b.Locked.LessThan(amount) {
		return fmt.Errorf("%w: %s %s locked=%s unlock=%s", ErrInsufficientLocked, user.Hex(), asset, b.Locked, amount)
	}
	b.Locked = b.Locked.Sub(amount)
	b.Free = b.Free.Add(amount)

	m.save(ctx, "unlock", ref, *b)
	return nil
}

func (m *Memory) SettleTrade(ctx context.Context, s Settlement) error {
	if !s.Quantity.IsPositive() || s.QuoteValue.IsNegative() || s.Fee.IsNegative() {
		return ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	base := m.get(s.User, s.Base)
	quote := m.get(s.User, s.Quote)
	fee := m.get(m.feeAccount, s.Quote)

	switch s.Side {
	case core.Buy:
		pay := s.QuoteValue.Add(s.Fee)
		if quote.Locked.LessThan(pay) {
			return fmt.Errorf("%w: %s %s locked=%s settle=%s", ErrInsufficientLocked, s.User.Hex(), s.Quote, quote.Locked, pay)
		}
		quote.Locked = quote.Locked.Sub(pay)
		base.Free = base.Free.Add(s.Quantity)
	case core.Sell:
		if base.Locked.LessThan(s.Quantity) {
			return fmt.Errorf("%w: %s %s locked=%s settle=%s", ErrInsufficientLocked, s.User.Hex(), s.Base, base.Locked, s.Quantity)
		}
		if s.Fee.GreaterThan(s.QuoteValue) {
			return fmt.Errorf("ledger: fee %s exceeds proceeds %s", s.Fee, s.QuoteValue)
		}
		base.Locked = base.Locked.Sub(s.Quantity)
		quote.Free = quote.Free.Add(s.QuoteValue.Sub(s.Fee))
	default:
		return fmt.Errorf("ledger: unknown side %q", s.Side)
	}
	fee.Free = fee.Free.Add(s.Fee)

	ref := Ref{Reason: "settle", OrderID: s.OrderID, TradeID: s.TradeID}
	for _, b := range []*core.Balance{base, quote, fee} {
		m.save(ctx, "settle", ref, *b)
	}
	return nil
}

func (m *Memory) Apply(ctx context.Context, ref Ref, postings ...Posting) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// net per balance first so a user appearing twice is validated once
	net := make(map[balanceKey]decimal.Decimal)
	var order []balanceKey
	for _, p := range postings {
		if p.Amount.IsZero() {
			continue
		}
		k := balanceKey{p.User, p.Asset}
		if _, seen := net[k]; !seen {
			order = append(order, k)
			net[k] = decimal.Zero
		}
		net[k] = net[k].Add(p.Amount)
	}
	for _, k := range order {
		b := m.get(k.user, k.asset)
		if next := b.Free.Add(net[k]); next.IsNegative() {
			return &InsufficientBalanceError{User: k.user, Asset: k.asset, Required: net[k].Neg(), Available: b.Free}
		}
	}
	for _, k := range order {
		b := m.get(k.user, k.asset)
		b.Free = b.Free.Add(net[k])
	}
	for _, k := range order {
		m.save(ctx, "apply", ref, *m.get(k.user, k.asset))
	}
	return nil
}

func (m *Memory) Balance(user common.Address, asset string) core.Balance {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.balances[balanceKey{user, asset}]; ok {
		return *b
	}
	return core.Balance{User: user, Asset: asset, Free: decimal.Zero, Locked: decimal.Zero}
}

// Balances returns every asset the user has touched, sorted by asset.
func (m *Memory) Balances(user common.Address) []core.Balance {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.Balance
	for k, b := range m.balances {
		if k.user == user {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out
}

// Total sums free+locked of asset across all users. Used by audits and tests.
func (m *Memory) Total(asset string) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	sum := decimal.Zero
	for k, b := range m.balances {
		if k.asset == asset {
			sum = sum.Add(b.Total())
		}
	}
	return sum
}

// save writes b through to the persister. The caller holds m.mu.
func (m *Memory) save(ctx context.Context, op string, ref Ref, b core.Balance) {
	if m.persist == nil {
		return
	}
	if err := m.persist.SaveBalance(ctx, b); err != nil {
		m.logger.Error("balance_persist_failed",
			zap.String("op", op),
			zap.String("user", b.User.Hex()),
			zap.String("asset", b.Asset),
			zap.String("reason", ref.Reason),
			zap.String("order_id", ref.OrderID),
			zap.Error(err))
	}
}
