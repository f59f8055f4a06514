// Package matching executes incoming orders against a book under strict
// price-time priority. Every execution happens at the resting order's price.
package matching

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/perpengine/pkg/app/core"
	"github.com/uhyunpark/perpengine/pkg/app/core/orderbook"
	"github.com/uhyunpark/perpengine/pkg/util"
)

// DefaultMarketSlippage is how far through the best opposite price a market
// order is willing to trade.
var DefaultMarketSlippage = decimal.RequireFromString("0.10")

// feePrecision is the number of decimals fees are truncated to.
const feePrecision = 8

// SettleFunc settles both legs of a trade before matching continues.
type SettleFunc func(trade *core.Trade, maker *core.Order) error

type Config struct {
	MakerFee         decimal.Decimal
	TakerFee         decimal.Decimal
	PreventSelfTrade bool
	Clock            util.Clock
	NewID            func() string
}

type Engine struct {
	cfg Config
}

func New(cfg Config) *Engine {
	if cfg.Clock == nil {
		cfg.Clock = util.RealClock{}
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &Engine{cfg: cfg}
}

// Result of one Match call. Trades are in execution order.
type Result struct {
	Trades []*core.Trade
	// makers pulled from the book instead of matched (self-trade prevention)
	SelfTradeCancelled []*core.Order
}

// Match runs taker against the opposite side of book until the taker is
// filled or no acceptable level remains. Makers are updated in place and
// settle is invoked once per trade. An error from settle stops matching;
// trades already settled stay in the result.
func (e *Engine) Match(taker *core.Order, book *orderbook.OrderBook, settle SettleFunc) (*Result, error) {
	res := &Result{}
	makerSide := taker.Side.Opposite()

	for taker.Remaining.IsPositive() {
		lvl := book.Best(makerSide)
		if lvl == nil || !Acceptable(taker.Side, taker.Price, lvl.Price) {
			break
		}
		maker := lvl.Front()
		if maker == nil {
			return res, fmt.Errorf("matching %s: level %s has no resting orders", book.Market(), lvl.Price)
		}

		if e.cfg.PreventSelfTrade && maker.User == taker.User {
			if _, ok := book.RemoveOrder(maker.ID); !ok {
				return res, fmt.Errorf("matching %s: self-trade maker %s not resting", book.Market(), maker.ID)
			}
			res.SelfTradeCancelled = append(res.SelfTradeCancelled, maker)
			continue
		}

		now := e.cfg.Clock.Now()
		price := lvl.Price
		qty := decimal.Min(taker.Remaining, maker.Remaining)

		if err := maker.ApplyFill(qty, price, now); err != nil {
			return res, err
		}
		if err := taker.ApplyFill(qty, price, now); err != nil {
			return res, err
		}
		if err := maker.Transition(maker.FillStatus(), now); err != nil {
			return res, err
		}
		if err := book.Remove(makerSide, price, qty); err != nil {
			return res, err
		}
		book.SetLastPrice(price)

		quote := price.Mul(qty)
		trade := &core.Trade{
			ID:             e.cfg.NewID(),
			Market:         book.Market(),
			MakerOrderID:   maker.ID,
			MakerUser:      maker.User,
			MakerSynthetic: maker.Synthetic,
			TakerOrderID:   taker.ID,
			TakerUser:      taker.User,
			TakerSynthetic: taker.Synthetic,
			TakerSide:      taker.Side,
			Price:          price,
			Quantity:       qty,
			QuoteQuantity:  quote,
			MakerFee:       quote.Mul(e.cfg.MakerFee).Truncate(feePrecision),
			TakerFee:       quote.Mul(e.cfg.TakerFee).Truncate(feePrecision),
			CreatedAt:      now,
		}
		res.Trades = append(res.Trades, trade)

		if settle != nil {
			if err := settle(trade, maker); err != nil {
				return res, fmt.Errorf("settle trade %s: %w", trade.ID, err)
			}
		}
	}
	return res, nil
}

// Acceptable reports whether a resting level at levelPrice may trade with an
// incoming order on side s limited at limit.
func Acceptable(s core.Side, limit, levelPrice decimal.Decimal) bool {
	if s == core.Buy {
		return levelPrice.LessThanOrEqual(limit)
	}
	return levelPrice.GreaterThanOrEqual(limit)
}

// WouldCross reports whether an order at price would execute immediately.
func WouldCross(book *orderbook.OrderBook, s core.Side, price decimal.Decimal) bool {
	lvl := book.Best(s.Opposite())
	return lvl != nil && Acceptable(s, price, lvl.Price)
}

// EffectivePrice derives a market order's limit: slippage through the best
// opposite price. False when the opposite side is empty.
func EffectivePrice(book *orderbook.OrderBook, s core.Side, slippage decimal.Decimal) (decimal.Decimal, bool) {
	one := decimal.NewFromInt(1)
	if s == core.Buy {
		ask, ok := book.BestAsk()
		if !ok {
			return decimal.Zero, false
		}
		return ask.Mul(one.Add(slippage)), true
	}
	bid, ok := book.BestBid()
	if !ok {
		return decimal.Zero, false
	}
	return bid.Mul(one.Sub(slippage)), true
}
