// Package risk runs the pre-trade checks every order passes before it
// reaches the book. Each check fails fast with a distinct machine-
// readable reason; a failed order is persisted as rejected, never
// silently dropped.
package risk

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/peertrade/tradecore/internal/trading/balance"
	"github.com/peertrade/tradecore/internal/trading/fixedpoint"
	"github.com/peertrade/tradecore/internal/trading/model"
)

// Rejection is a risk-gate failure with the reason to persist on the
// rejected order.
type Rejection struct {
	Reason string
	Detail string
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return r.Reason
	}
	return fmt.Sprintf("%s: %s", r.Reason, r.Detail)
}

func reject(reason, format string, args ...interface{}) *Rejection {
	return &Rejection{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// Config bounds the gate's price sanity check.
type Config struct {
	// PriceBand is the maximum fractional deviation of a limit or stop
	// price from the last traded price, e.g. 0.10 for +/-10%.
	PriceBand fixedpoint.Value
}

// Gate validates orders against portfolio state, pair rules, price
// bounds and balances, and places the balance hold that backs an
// accepted order.
type Gate struct {
	cfg        Config
	pairs      model.PairRepository
	portfolios model.PortfolioRepository
	feed       model.PriceFeed
	balances   *balance.Service
	clock      model.Clock
	logger     *zap.Logger
}

// NewGate builds a risk gate.
func NewGate(cfg Config, pairs model.PairRepository, portfolios model.PortfolioRepository, feed model.PriceFeed, balances *balance.Service, clock model.Clock, logger *zap.Logger) *Gate {
	return &Gate{cfg: cfg, pairs: pairs, portfolios: portfolios, feed: feed, balances: balances, clock: clock, logger: logger}
}

// Check runs all pre-trade checks for the order and, when they pass,
// places the balance hold backing it. A *Rejection return means the
// caller must persist the order as rejected with that reason; any other
// error is an infrastructure failure.
func (g *Gate) Check(ctx context.Context, order *model.Order) error {
	portfolio, err := g.portfolios.GetPortfolio(ctx, order.PortfolioID)
	if err != nil {
		return reject(model.RejectPortfolioDeactivated, "unknown portfolio %s", order.PortfolioID)
	}
	if !portfolio.Active {
		return reject(model.RejectPortfolioDeactivated, "portfolio %s is deactivated", order.PortfolioID)
	}

	pair, err := g.pairs.GetPair(ctx, order.Pair)
	if err != nil {
		return reject(model.RejectPairInactive, "unknown pair %s", order.Pair)
	}
	if !pair.Active {
		return reject(model.RejectPairInactive, "pair %s is not trading", order.Pair)
	}

	if order.Quantity.LessThan(pair.MinQuantity) {
		return reject(model.RejectQuantityBelowMinimum, "quantity %s below pair minimum %s", order.Quantity, pair.MinQuantity)
	}

	if order.GoodTillDate != nil && !order.GoodTillDate.After(g.clock.Now()) {
		return reject(model.RejectExpiryNotInFuture, "good_till_date %s is not in the future", order.GoodTillDate)
	}

	last, lastErr := g.feed.LastTradedPrice(ctx, order.Pair)
	if lastErr == nil && !last.IsZero() {
		if err := g.checkPriceBand(order, last); err != nil {
			return err
		}
	}

	if err := g.checkReduceOnly(ctx, order, pair); err != nil {
		return err
	}
	return g.placeHold(ctx, order, pair, last)
}

// checkPriceBand rejects limit and stop prices further than PriceBand
// from the last traded price. Catches fat-finger orders before they can
// distort the book.
func (g *Gate) checkPriceBand(order *model.Order, last fixedpoint.Value) error {
	if g.cfg.PriceBand.IsZero() {
		return nil
	}
	band := last.Mul(g.cfg.PriceBand)
	lo := last.Sub(band)
	hi := last.Add(band)
	for _, p := range []fixedpoint.Value{order.Price, order.StopPrice} {
		if p.IsZero() {
			continue
		}
		if p.LessThan(lo) || p.GreaterThan(hi) {
			return reject(model.RejectInvalidPriceBounds,
				"price %s outside band [%s, %s] around last trade %s", p, lo, hi, last)
		}
	}
	return nil
}

// checkReduceOnly enforces that reduce-only orders can only shrink the
// base position. Buys always grow it; sells must fit inside the open
// position.
func (g *Gate) checkReduceOnly(ctx context.Context, order *model.Order, pair *model.TradingPair) error {
	if !order.ReduceOnly {
		return nil
	}
	if order.Side == model.SideBuy {
		return reject(model.RejectReduceOnlyViolation, "reduce-only buy would increase position")
	}
	position, err := g.balances.Position(ctx, order.PortfolioID, pair.BaseAsset)
	if err != nil {
		return fmt.Errorf("reduce-only position check: %w", err)
	}
	if position.LessThan(order.Quantity) {
		return reject(model.RejectReduceOnlyViolation,
			"reduce-only sell %s exceeds open position %s", order.Quantity, position)
	}
	return nil
}

// placeHold reserves the funds the order can spend. Buys hold quote
// notional (limit price, or last trade for unpriced orders); sells hold
// the base quantity.
func (g *Gate) placeHold(ctx context.Context, order *model.Order, pair *model.TradingPair, last fixedpoint.Value) error {
	var asset string
	var amount fixedpoint.Value
	if order.Side == model.SideBuy {
		asset = pair.QuoteAsset
		ref := order.Price
		if ref.IsZero() {
			ref = order.StopPrice
		}
		if ref.IsZero() {
			ref = last
		}
		if ref.IsZero() {
			return reject(model.RejectInsufficientBalance, "no reference price to size buy notional")
		}
		amount = ref.Mul(order.Quantity)
	} else {
		asset = pair.BaseAsset
		amount = order.Quantity
	}

	err := g.balances.PlaceHold(ctx, order.ID, order.PortfolioID, asset, amount)
	if err == nil {
		return nil
	}
	if errors.Is(err, balance.ErrInsufficientBalance) {
		return reject(model.RejectInsufficientBalance, "%v", err)
	}
	return fmt.Errorf("place hold for order %s: %w", order.ID, err)
}
