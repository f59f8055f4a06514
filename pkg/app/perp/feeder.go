package perp

import (
	"context"
	"math/big"
	"math/rand"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/perpengine/pkg/app/core"
)

// FeederConfig controls the synthetic order flow generator.
type FeederConfig struct {
	Interval    time.Duration // how often a batch is generated
	BatchSize   int           // orders (and cancels) per batch
	NumAccounts int           // simulated traders
	Symbols     []string      // markets to quote; empty means all active markets
	// BasePrice anchors quotes when a market has no mid, index or last price
	BasePrice decimal.Decimal
	// Spread is the maximum relative distance of a quote from the reference
	Spread decimal.Decimal
	// Funding deposited per account and asset at start
	Funding decimal.Decimal
}

func DefaultFeederConfig() FeederConfig {
	return FeederConfig{
		Interval:    100 * time.Millisecond,
		BatchSize:   10,
		NumAccounts: 50,
		BasePrice:   decimal.NewFromInt(50000),
		Spread:      decimal.RequireFromString("0.005"),
		Funding:     decimal.NewFromInt(1_000_000_000),
	}
}

// FeederStats counts what the feeder submitted.
type FeederStats struct {
	Orders   int
	Cancels  int
	Rejected int
}

// Feeder places synthetic limit orders around each market's reference price
// and cancels some of them again. Synthetic orders never open positions.
type Feeder struct {
	app *App
	cfg FeederConfig
	rng *rand.Rand

	accounts []common.Address

	mu      sync.Mutex
	resting []restingRef
	stats   FeederStats
}

type restingRef struct {
	user common.Address
	id   string
}

// feederAccountBase is the first synthetic trader address.
const feederAccountBase = 0xfeed0000

func NewFeeder(app *App, cfg FeederConfig) *Feeder {
	if cfg.NumAccounts <= 0 {
		cfg.NumAccounts = 1
	}
	accounts := make([]common.Address, cfg.NumAccounts)
	for i := range accounts {
		accounts[i] = common.BigToAddress(big.NewInt(int64(feederAccountBase + i + 1)))
	}
	return &Feeder{
		app:      app,
		cfg:      cfg,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		accounts: accounts,
	}
}

// Fund deposits cfg.Funding of every base and quote asset the feeder trades
// into each synthetic account.
func (f *Feeder) Fund(ctx context.Context) error {
	assets := make(map[string]struct{})
	for _, sym := range f.symbols() {
		m, err := f.app.Market(sym)
		if err != nil {
			return err
		}
		assets[m.BaseAsset] = struct{}{}
		assets[m.QuoteAsset] = struct{}{}
	}
	for _, acct := range f.accounts {
		for asset := range assets {
			if err := f.app.Deposit(ctx, acct, asset, f.cfg.Funding); err != nil {
				return err
			}
		}
	}
	return nil
}

func (f *Feeder) symbols() []string {
	if len(f.cfg.Symbols) > 0 {
		return f.cfg.Symbols
	}
	var out []string
	for _, m := range f.app.registry.ListActiveMarkets() {
		out = append(out, m.Symbol)
	}
	return out
}

// Run generates batches until ctx is done.
func (f *Feeder) Run(ctx context.Context) {
	ticker := time.NewTicker(f.cfg.Interval)
	defer ticker.Stop()

	start := time.Now()
	f.app.logger.Info("feeder_started",
		zap.Int("batch", f.cfg.BatchSize),
		zap.Duration("interval", f.cfg.Interval),
		zap.Int("accounts", len(f.accounts)),
	)
	for {
		select {
		case <-ctx.Done():
			s := f.Stats()
			f.app.logger.Info("feeder_stopped",
				zap.Int("orders", s.Orders),
				zap.Int("cancels", s.Cancels),
				zap.Int("rejected", s.Rejected),
				zap.Duration("elapsed", time.Since(start).Round(time.Second)),
			)
			return
		case <-ticker.C:
			f.Step(ctx)
		}
	}
}

// Step submits one batch: 90% new orders, 10% cancels of earlier ones.
func (f *Feeder) Step(ctx context.Context) {
	symbols := f.symbols()
	if len(symbols) == 0 {
		return
	}
	for i := 0; i < f.cfg.BatchSize; i++ {
		if f.rng.Intn(100) < 90 {
			f.placeRandom(ctx, symbols[f.rng.Intn(len(symbols))])
		} else {
			f.cancelRandom(ctx)
		}
	}
}

func (f *Feeder) placeRandom(ctx context.Context, symbol string) {
	m, err := f.app.Market(symbol)
	if err != nil {
		return
	}
	ref := f.reference(symbol, m.IndexPrice)

	side := core.Buy
	if f.rng.Intn(2) == 1 {
		side = core.Sell
	}
	// quotes sit on their own side of the reference so most of them rest
	offset := f.cfg.Spread.Mul(decimal.NewFromFloat(f.rng.Float64()))
	price := ref.Mul(decimal.NewFromInt(1).Sub(offset))
	if side == core.Sell {
		price = ref.Mul(decimal.NewFromInt(1).Add(offset))
	}
	lots := int64(f.rng.Intn(100) + 1)
	qty := m.MinOrderSize.Mul(decimal.NewFromInt(lots))

	user := f.accounts[f.rng.Intn(len(f.accounts))]
	res, err := f.app.PlaceOrder(ctx, OrderRequest{
		User:      user,
		Market:    symbol,
		Side:      side,
		Type:      core.Limit,
		Price:     price,
		Quantity:  qty,
		Synthetic: true,
	})

	f.mu.Lock()
	defer f.mu.Unlock()
	if err != nil {
		f.stats.Rejected++
		return
	}
	f.stats.Orders++
	if !res.Order.Status.Terminal() {
		f.resting = append(f.resting, restingRef{user: user, id: res.Order.ID})
	}
}

func (f *Feeder) cancelRandom(ctx context.Context) {
	f.mu.Lock()
	if len(f.resting) == 0 {
		f.mu.Unlock()
		return
	}
	i := f.rng.Intn(len(f.resting))
	ref := f.resting[i]
	f.resting = append(f.resting[:i], f.resting[i+1:]...)
	f.mu.Unlock()

	_, err := f.app.CancelOrder(ctx, ref.user, ref.id)

	f.mu.Lock()
	defer f.mu.Unlock()
	if err != nil {
		// most misses are orders that filled in the meantime
		f.stats.Rejected++
		return
	}
	f.stats.Cancels++
}

// reference is the mid, else index, else last, else the configured base.
func (f *Feeder) reference(symbol string, index decimal.Decimal) decimal.Decimal {
	if ms, ok := f.app.state(symbol); ok {
		view := ms.book.View()
		if p, ok := markPrice(view.Mid, index, view.LastPrice); ok {
			return p
		}
	}
	return f.cfg.BasePrice
}

func (f *Feeder) Stats() FeederStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}
