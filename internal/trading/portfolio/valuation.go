// Package portfolio maintains portfolio valuations and performance
// metrics, and runs the rebalancing engine that keeps holdings on their
// target allocation.
package portfolio

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/peertrade/tradecore/internal/trading/balance"
	"github.com/peertrade/tradecore/internal/trading/fixedpoint"
	"github.com/peertrade/tradecore/internal/trading/model"
)

// Valuation is a point-in-time view of a portfolio's holdings priced in
// the cash asset.
type Valuation struct {
	PortfolioID uuid.UUID
	TotalValue  fixedpoint.Value
	Holdings    map[string]fixedpoint.Value // asset -> value in cash terms
	Quantities  map[string]fixedpoint.Value // asset -> total quantity held
	Prices      map[string]fixedpoint.Value // asset -> mark price
	Weights     map[string]fixedpoint.Value // asset -> fraction of total value
	TakenAt     time.Time
}

// Weight returns the asset's current weight, zero when unheld.
func (v *Valuation) Weight(asset string) fixedpoint.Value {
	return v.Weights[asset]
}

// valueSeries accumulates one portfolio's observed values for drawdown
// and ratio computation. Ratios are computed in float64: they are
// statistics over the series, not monetary amounts, so decimal exactness
// buys nothing.
type valueSeries struct {
	values      []float64
	peak        float64
	maxDrawdown float64
}

func (s *valueSeries) observe(v float64) {
	if v <= 0 {
		return
	}
	s.values = append(s.values, v)
	if v > s.peak {
		s.peak = v
	}
	if s.peak > 0 {
		if dd := (s.peak - v) / s.peak; dd > s.maxDrawdown {
			s.maxDrawdown = dd
		}
	}
}

func (s *valueSeries) returns() []float64 {
	if len(s.values) < 2 {
		return nil
	}
	out := make([]float64, 0, len(s.values)-1)
	for i := 1; i < len(s.values); i++ {
		prev := s.values[i-1]
		if prev == 0 {
			continue
		}
		out = append(out, (s.values[i]-prev)/prev)
	}
	return out
}

// Valuer prices portfolios off the mark-price feed and maintains the
// performance metrics stored on the portfolio.
type Valuer struct {
	cash     string
	repo     model.PortfolioRepository
	balances *balance.Service
	feed     model.PriceFeed
	clock    model.Clock
	logger   *zap.Logger

	mu     sync.Mutex
	series map[uuid.UUID]*valueSeries
}

// NewValuer builds a valuer. cash names the asset everything is priced
// in; its own mark price is always 1.
func NewValuer(cash string, repo model.PortfolioRepository, balances *balance.Service, feed model.PriceFeed, clock model.Clock, logger *zap.Logger) *Valuer {
	return &Valuer{
		cash:     cash,
		repo:     repo,
		balances: balances,
		feed:     feed,
		clock:    clock,
		logger:   logger,
		series:   make(map[uuid.UUID]*valueSeries),
	}
}

// Snapshot prices every holding of the portfolio. Assets without a mark
// price are skipped with a warning rather than failing the whole
// valuation.
func (v *Valuer) Snapshot(ctx context.Context, portfolioID uuid.UUID) (*Valuation, error) {
	balances, err := v.balances.Balances(ctx, portfolioID)
	if err != nil {
		return nil, fmt.Errorf("value portfolio %s: %w", portfolioID, err)
	}

	val := &Valuation{
		PortfolioID: portfolioID,
		Holdings:    make(map[string]fixedpoint.Value),
		Quantities:  make(map[string]fixedpoint.Value),
		Prices:      make(map[string]fixedpoint.Value),
		Weights:     make(map[string]fixedpoint.Value),
		TakenAt:     v.clock.Now(),
	}
	one := fixedpoint.FromInt(1)
	for _, b := range balances {
		qty := b.Total()
		if qty.IsZero() {
			continue
		}
		price := one
		if b.Asset != v.cash {
			p, err := v.feed.MarkPrice(ctx, b.Asset)
			if err != nil || p.IsZero() {
				v.logger.Warn("asset skipped in valuation, no mark price",
					zap.String("portfolio_id", portfolioID.String()),
					zap.String("asset", b.Asset))
				continue
			}
			price = p
		}
		held := qty.Mul(price)
		val.Quantities[b.Asset] = qty
		val.Prices[b.Asset] = price
		val.Holdings[b.Asset] = held
		val.TotalValue = val.TotalValue.Add(held)
	}

	if val.TotalValue.IsPositive() {
		for asset, held := range val.Holdings {
			w, err := held.Div(val.TotalValue)
			if err == nil {
				val.Weights[asset] = w
			}
		}
	}
	return val, nil
}

// Revalue snapshots the portfolio, refreshes its stored value and
// performance metrics, and persists it. The passed portfolio is updated
// in place.
func (v *Valuer) Revalue(ctx context.Context, p *model.Portfolio) (*Valuation, error) {
	val, err := v.Snapshot(ctx, p.ID)
	if err != nil {
		return nil, err
	}

	p.CurrentValue = val.TotalValue
	p.UnrealizedPnL = val.TotalValue.Sub(p.InitialCapital).Sub(p.RealizedPnL)

	v.mu.Lock()
	s, ok := v.series[p.ID]
	if !ok {
		s = &valueSeries{}
		v.series[p.ID] = s
	}
	s.observe(val.TotalValue.Decimal().InexactFloat64())
	returns := s.returns()
	p.MaxDrawdown = fromFloat(s.maxDrawdown)
	v.mu.Unlock()

	p.SharpeRatio = fromFloat(sharpe(returns))
	p.SortinoRatio = fromFloat(sortino(returns))
	p.UpdatedAt = v.clock.Now()

	if err := v.repo.UpdatePortfolio(ctx, p); err != nil {
		return nil, fmt.Errorf("persist valuation for %s: %w", p.ID, err)
	}
	return val, nil
}

func fromFloat(f float64) fixedpoint.Value {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fixedpoint.Zero()
	}
	return fixedpoint.New(decimal.NewFromFloat(f))
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// sharpe is the mean per-observation return over its standard deviation.
// Too few observations, or a flat series, yields zero.
func sharpe(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	m := mean(returns)
	variance := 0.0
	for _, r := range returns {
		d := r - m
		variance += d * d
	}
	variance /= float64(len(returns))
	if variance == 0 {
		return 0
	}
	return m / math.Sqrt(variance)
}

// sortino penalizes only downside deviation: the root mean square of the
// negative returns.
func sortino(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	m := mean(returns)
	downside := 0.0
	for _, r := range returns {
		if r < 0 {
			downside += r * r
		}
	}
	downside /= float64(len(returns))
	if downside == 0 {
		return 0
	}
	return m / math.Sqrt(downside)
}
