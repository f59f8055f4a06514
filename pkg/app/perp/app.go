// Package perp is the engine: it owns the market registry, one order book and
// matching engine per market, and the shared ledger, positions, store and
// event sink. Every mutation of a market runs under that market's lock.
package perp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/perpengine/pkg/app/core"
	"github.com/uhyunpark/perpengine/pkg/app/core/events"
	"github.com/uhyunpark/perpengine/pkg/app/core/ledger"
	"github.com/uhyunpark/perpengine/pkg/app/core/market"
	"github.com/uhyunpark/perpengine/pkg/app/core/matching"
	"github.com/uhyunpark/perpengine/pkg/app/core/orderbook"
	"github.com/uhyunpark/perpengine/pkg/app/core/position"
	"github.com/uhyunpark/perpengine/pkg/metrics"
	"github.com/uhyunpark/perpengine/pkg/oracle"
	"github.com/uhyunpark/perpengine/pkg/storage"
	"github.com/uhyunpark/perpengine/pkg/util"
)

// marketState is everything that must change together for one market.
type marketState struct {
	mu     sync.Mutex
	book   *orderbook.OrderBook
	engine *matching.Engine
}

type closeKey struct {
	user   common.Address
	market string
}

type App struct {
	registry *market.MarketRegistry

	mu      sync.RWMutex
	markets map[string]*marketState

	ledger    ledger.Ledger
	positions *position.Manager
	store     storage.Store
	sink      events.Sink
	oracle    oracle.Source
	clock     util.Clock
	logger    *zap.Logger
	newID     func() string

	preventSelfTrade bool
	liqInterval      time.Duration
	fundingInterval  time.Duration

	// resting order id -> market symbol
	locMu   sync.Mutex
	locator map[string]string

	closeMu    sync.Mutex
	closeLocks map[closeKey]*sync.Mutex

	statsMu sync.Mutex
	stats   LiquidationStats

	sched *Scheduler
}

type Option func(*App)

func WithStore(s storage.Store) Option { return func(a *App) { a.store = s } }

func WithLedger(l ledger.Ledger) Option { return func(a *App) { a.ledger = l } }

func WithSink(s events.Sink) Option { return func(a *App) { a.sink = s } }

func WithOracle(o oracle.Source) Option { return func(a *App) { a.oracle = o } }

func WithClock(c util.Clock) Option { return func(a *App) { a.clock = c } }

func WithLogger(l *zap.Logger) Option { return func(a *App) { a.logger = l } }

func WithIDGenerator(fn func() string) Option { return func(a *App) { a.newID = fn } }

// WithSelfTradePrevention cancels a taker's own resting orders instead of
// matching against them.
func WithSelfTradePrevention(on bool) Option { return func(a *App) { a.preventSelfTrade = on } }

// WithIntervals sets how often the scheduler runs liquidation and funding checks.
func WithIntervals(liquidation, funding time.Duration) Option {
	return func(a *App) {
		a.liqInterval = liquidation
		a.fundingInterval = funding
	}
}

func NewApp(opts ...Option) *App {
	a := &App{
		registry:        market.NewMarketRegistry(),
		markets:         make(map[string]*marketState),
		locator:         make(map[string]string),
		closeLocks:      make(map[closeKey]*sync.Mutex),
		liqInterval:     time.Second,
		fundingInterval: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = zap.NewNop()
	}
	if a.clock == nil {
		a.clock = util.RealClock{}
	}
	if a.newID == nil {
		a.newID = uuid.NewString
	}
	if a.store == nil {
		a.store = storage.NewMemoryStore()
	}
	if a.sink == nil {
		a.sink = events.Nop{}
	}
	if a.oracle == nil {
		a.oracle = oracle.NewStatic()
	}
	if a.ledger == nil {
		a.ledger = ledger.NewMemory(ledger.WithPersister(a.store), ledger.WithLogger(a.logger))
	}
	a.positions = position.NewManager(a.clock)
	a.sched = newScheduler(a, a.liqInterval, a.fundingInterval)
	return a
}

func (a *App) Ledger() ledger.Ledger { return a.ledger }

func (a *App) Oracle() oracle.Source { return a.oracle }

// AddMarket registers m and creates its book. Perpetuals get their first
// funding time one interval from now unless already set.
func (a *App) AddMarket(m *market.Market) error {
	m = m.Clone()
	if m.Type == market.Perpetual && m.NextFundingTime.IsZero() {
		m.NextFundingTime = a.clock.Now().Add(m.FundingInterval)
	}
	if m.LaunchedAt.IsZero() {
		m.LaunchedAt = a.clock.Now()
	}
	if err := a.registry.RegisterMarket(m); err != nil {
		return err
	}

	book := orderbook.NewOrderBook(m.Symbol, a.clock)
	book.OnDelta(func(d orderbook.Delta) {
		a.sink.Publish(context.Background(), events.BookDelta{
			Market: d.Market, Side: d.Side, Price: d.Price, Quantity: d.Quantity, Timestamp: d.Timestamp,
		})
	})
	ms := &marketState{
		book: book,
		engine: matching.New(matching.Config{
			MakerFee:         m.MakerFee,
			TakerFee:         m.TakerFee,
			PreventSelfTrade: a.preventSelfTrade,
			Clock:            a.clock,
			NewID:            a.newID,
		}),
	}

	a.mu.Lock()
	a.markets[m.Symbol] = ms
	a.mu.Unlock()

	a.refreshMarketGauge()
	a.logger.Info("market_added",
		zap.String("market", m.Symbol),
		zap.String("type", m.Type.String()),
		zap.String("max_leverage", m.MaxLeverage.String()),
	)
	return nil
}

// Market returns a copy of the market's current parameters.
func (a *App) Market(symbol string) (*market.Market, error) {
	m, err := a.registry.GetMarket(symbol)
	if err != nil {
		return nil, wrap(CodeNotFound, err, "market %s", symbol)
	}
	return m, nil
}

func (a *App) Markets() []*market.Market { return a.registry.ListMarkets() }

// SetMarketStatus moves a market between active, paused, settling and
// settled. Settled is terminal.
func (a *App) SetMarketStatus(symbol string, status market.MarketStatus) error {
	if err := a.registry.UpdateMarketStatus(symbol, status); err != nil {
		if errors.Is(err, market.ErrNotFound) {
			return wrap(CodeNotFound, err, "market %s", symbol)
		}
		return wrap(CodeInvalidRequest, err, "set status of %s", symbol)
	}
	a.refreshMarketGauge()
	a.logger.Info("market_status_changed", zap.String("market", symbol), zap.String("status", status.String()))
	return nil
}

func (a *App) refreshMarketGauge() {
	metrics.ActiveMarkets.Set(float64(len(a.registry.ListActiveMarkets())))
}

// halt pauses a market after a fault that left its book or balances suspect.
func (a *App) halt(symbol string, cause error) {
	if err := a.registry.UpdateMarketStatus(symbol, market.Paused); err != nil {
		a.logger.Error("market_halt_failed", zap.String("market", symbol), zap.Error(err))
	}
	a.refreshMarketGauge()
	a.logger.Error("market_halted", zap.String("market", symbol), zap.Error(cause))
}

func (a *App) state(symbol string) (*marketState, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ms, ok := a.markets[symbol]
	return ms, ok
}

// Deposit credits free balance.
func (a *App) Deposit(ctx context.Context, user common.Address, asset string, amount decimal.Decimal) error {
	if asset == "" {
		return errorf(CodeInvalidRequest, "asset is required")
	}
	if err := ledger.Credit(ctx, a.ledger, user, asset, amount, "deposit"); err != nil {
		return ledgerError(err, "deposit")
	}
	a.logger.Info("deposit", zap.String("user", user.Hex()), zap.String("asset", asset), zap.String("amount", amount.String()))
	return nil
}

// Withdraw debits free balance. Locked funds cannot be withdrawn, and neither
// can the balance that lets the user's open positions be closed.
func (a *App) Withdraw(ctx context.Context, user common.Address, asset string, amount decimal.Decimal) error {
	if asset == "" {
		return errorf(CodeInvalidRequest, "asset is required")
	}
	if backing := a.positionBacking(user, asset); backing.IsPositive() && amount.IsPositive() {
		free := a.ledger.Balance(user, asset).Free
		if free.Sub(amount).LessThan(backing) {
			short := &ledger.InsufficientBalanceError{
				User:      user,
				Asset:     asset,
				Required:  amount,
				Available: decimal.Max(free.Sub(backing), decimal.Zero),
			}
			return wrap(CodeInsufficientBalance, short, "withdraw: %s %s backs open positions", backing, asset)
		}
	}
	if err := ledger.Debit(ctx, a.ledger, user, asset, amount, "withdraw"); err != nil {
		return ledgerError(err, "withdraw")
	}
	a.logger.Info("withdraw", zap.String("user", user.Hex()), zap.String("asset", asset), zap.String("amount", amount.String()))
	return nil
}

// positionBacking is how much of asset must stay free for user's open
// positions to remain closable: the base size of longs, and for shorts the
// market-buy reservation at mark plus the default slippage.
func (a *App) positionBacking(user common.Address, asset string) decimal.Decimal {
	need := decimal.Zero
	for _, p := range a.positions.OpenForUser(user) {
		m, err := a.registry.GetMarket(p.Market)
		if err != nil {
			continue
		}
		switch {
		case p.Side == core.Long && m.BaseAsset == asset:
			need = need.Add(p.Size)
		case p.Side == core.Short && m.QuoteAsset == asset:
			mark, ok := a.MarkPrice(p.Market)
			if !ok {
				mark = p.EntryPrice
			}
			limit := mark.Mul(decimal.NewFromInt(1).Add(matching.DefaultMarketSlippage))
			_, amt := reservationFor(m, &core.Order{Side: core.Buy, Price: m.RoundPrice(limit), Quantity: p.Size})
			need = need.Add(amt)
		}
	}
	return need
}

func (a *App) locate(orderID, symbol string) {
	a.locMu.Lock()
	a.locator[orderID] = symbol
	a.locMu.Unlock()
}

func (a *App) unlocate(orderID string) {
	a.locMu.Lock()
	delete(a.locator, orderID)
	a.locMu.Unlock()
}

func (a *App) lookup(orderID string) (string, bool) {
	a.locMu.Lock()
	defer a.locMu.Unlock()
	sym, ok := a.locator[orderID]
	return sym, ok
}

func (a *App) closeLock(user common.Address, symbol string) *sync.Mutex {
	a.closeMu.Lock()
	defer a.closeMu.Unlock()
	k := closeKey{user, symbol}
	lk, ok := a.closeLocks[k]
	if !ok {
		lk = &sync.Mutex{}
		a.closeLocks[k] = lk
	}
	return lk
}

// Start launches the periodic liquidation and funding jobs.
func (a *App) Start(ctx context.Context) error {
	if err := a.sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	return nil
}

// Stop halts the periodic jobs. Markets stay registered.
func (a *App) Stop() { a.sched.Stop() }
