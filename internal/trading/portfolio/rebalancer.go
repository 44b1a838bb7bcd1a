package portfolio

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/peertrade/tradecore/internal/trading/events"
	"github.com/peertrade/tradecore/internal/trading/fixedpoint"
	"github.com/peertrade/tradecore/internal/trading/model"
	"github.com/peertrade/tradecore/pkg/metrics"
)

// ErrPortfolioInactive is returned for rebalance requests against a
// deactivated portfolio.
var ErrPortfolioInactive = errors.New("portfolio is not active")

// Trader submits rebalance legs into the order path. Legs go through the
// same risk gate and matching as user orders.
type Trader interface {
	Submit(ctx context.Context, req *model.SubmitRequest) (*model.Order, error)
}

// Config tunes the rebalancing engine.
type Config struct {
	// CashAsset is the funding currency. Sell proceeds land in it and buy
	// legs spend from it; residual value that cannot be balanced exactly
	// stays here.
	CashAsset string
	// FeeRate estimates per-leg execution cost as a fraction of notional,
	// accumulated into the record's cost field.
	FeeRate fixedpoint.Value
	// MinLegNotional suppresses dust legs below this cash value.
	MinLegNotional fixedpoint.Value
	// CheckInterval is the cadence of the background drift/schedule scan.
	CheckInterval time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		CashAsset:      "USDT",
		FeeRate:        fixedpoint.MustFromString("0.001"),
		MinLegNotional: fixedpoint.MustFromString("1"),
		CheckInterval:  time.Minute,
	}
}

// leg is one planned rebalance trade.
type leg struct {
	asset    string
	side     string
	quantity fixedpoint.Value
	notional fixedpoint.Value
}

// Rebalancer detects allocation drift and elapsed schedules, generates
// the closed-loop order set restoring target weights, and records every
// execution. Checks for one portfolio are serialized; different
// portfolios rebalance concurrently.
type Rebalancer struct {
	cfg    Config
	repo   model.PortfolioRepository
	valuer *Valuer
	trader Trader
	feed   model.PriceFeed
	clock  model.Clock
	bus    events.Bus
	logger *zap.Logger

	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

// NewRebalancer builds a rebalancing engine.
func NewRebalancer(cfg Config, repo model.PortfolioRepository, valuer *Valuer, trader Trader, feed model.PriceFeed, clock model.Clock, bus events.Bus, logger *zap.Logger) *Rebalancer {
	if cfg.CashAsset == "" {
		cfg.CashAsset = DefaultConfig().CashAsset
	}
	return &Rebalancer{
		cfg:    cfg,
		repo:   repo,
		valuer: valuer,
		trader: trader,
		feed:   feed,
		clock:  clock,
		bus:    bus,
		logger: logger,
		locks:  make(map[uuid.UUID]*sync.Mutex),
	}
}

func (r *Rebalancer) portfolioLock(portfolioID uuid.UUID) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[portfolioID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[portfolioID] = l
	}
	return l
}

// CheckAndRebalance revalues the portfolio, decides whether a rebalance
// is due, and executes it. reason may force RebalanceReasonManual;
// otherwise drift and schedule are evaluated. Returns nil, nil when
// nothing is due.
func (r *Rebalancer) CheckAndRebalance(ctx context.Context, portfolioID uuid.UUID, reason string) (*model.RebalancingRecord, error) {
	l := r.portfolioLock(portfolioID)
	l.Lock()
	defer l.Unlock()

	p, err := r.repo.GetPortfolio(ctx, portfolioID)
	if err != nil {
		return nil, err
	}
	if !p.Active {
		return nil, fmt.Errorf("%w: %s", ErrPortfolioInactive, portfolioID)
	}
	if reason != model.RebalanceReasonManual && !p.AutoRebalance {
		return nil, nil
	}

	val, err := r.valuer.Revalue(ctx, p)
	if err != nil {
		return nil, err
	}
	due, why := r.due(p, val, reason)
	if !due {
		return nil, nil
	}
	return r.execute(ctx, p, val, why)
}

// due decides whether the portfolio needs rebalancing and why. Drift
// wins over schedule when both apply.
func (r *Rebalancer) due(p *model.Portfolio, val *Valuation, requested string) (bool, string) {
	if requested == model.RebalanceReasonManual {
		return true, requested
	}
	if !val.TotalValue.IsPositive() {
		return false, ""
	}
	if maxDrift(p, val).GreaterThan(p.RebalanceThreshold) {
		return true, model.RebalanceReasonDrift
	}
	if p.RebalanceInterval > 0 {
		if p.LastRebalancedAt == nil || r.clock.Now().Sub(*p.LastRebalancedAt) >= p.RebalanceInterval {
			return true, model.RebalanceReasonScheduled
		}
	}
	return false, ""
}

// maxDrift is the largest per-asset deviation between current and target
// weight, over the union of held and targeted assets.
func maxDrift(p *model.Portfolio, val *Valuation) fixedpoint.Value {
	assets := make(map[string]struct{})
	for asset := range p.AssetAllocation {
		assets[asset] = struct{}{}
	}
	for asset := range val.Weights {
		assets[asset] = struct{}{}
	}

	worst := fixedpoint.Zero()
	for asset := range assets {
		drift := val.Weight(asset).Sub(p.AssetAllocation[asset]).Abs()
		worst = worst.Max(drift)
	}
	return worst
}

// planLegs sizes the trades that move every non-cash asset to its target
// value. Sells come first so their proceeds fund the buys; any value
// that cannot be balanced exactly stays in cash.
func (r *Rebalancer) planLegs(ctx context.Context, p *model.Portfolio, val *Valuation) []leg {
	assets := make(map[string]struct{})
	for asset := range p.AssetAllocation {
		if asset != r.cfg.CashAsset {
			assets[asset] = struct{}{}
		}
	}
	for asset := range val.Holdings {
		if asset != r.cfg.CashAsset {
			assets[asset] = struct{}{}
		}
	}

	var sells, buys []leg
	for asset := range assets {
		target := val.TotalValue.Mul(p.AssetAllocation[asset])
		diff := val.Holdings[asset].Sub(target)
		if diff.Abs().LessThan(r.cfg.MinLegNotional) {
			continue
		}

		price := val.Prices[asset]
		if price.IsZero() {
			// Asset not currently held; price the buy off the feed.
			mark, err := r.feed.MarkPrice(ctx, asset)
			if err != nil || mark.IsZero() {
				r.logger.Warn("rebalance leg skipped, no mark price",
					zap.String("portfolio_id", p.ID.String()),
					zap.String("asset", asset))
				continue
			}
			price = mark
		}
		qty, err := diff.Abs().Div(price)
		if err != nil || !qty.IsPositive() {
			continue
		}

		l := leg{asset: asset, quantity: qty, notional: diff.Abs()}
		if diff.IsPositive() {
			l.side = model.SideSell
			sells = append(sells, l)
		} else {
			l.side = model.SideBuy
			buys = append(buys, l)
		}
	}

	sort.Slice(sells, func(i, j int) bool { return sells[i].asset < sells[j].asset })
	sort.Slice(buys, func(i, j int) bool { return buys[i].asset < buys[j].asset })
	return append(sells, buys...)
}

// execute runs the planned legs through the order path and writes the
// audit record. A rejected leg is recorded, not retried; the next drift
// check re-evaluates what remains.
func (r *Rebalancer) execute(ctx context.Context, p *model.Portfolio, val *Valuation, reason string) (*model.RebalancingRecord, error) {
	recordID := uuid.New()
	legs := r.planLegs(ctx, p, val)

	actions := make([]model.RebalanceAction, 0, len(legs))
	cost := fixedpoint.Zero()
	partial := false
	for _, l := range legs {
		action := model.RebalanceAction{Asset: l.asset, Side: l.side, Quantity: l.quantity}
		order, err := r.trader.Submit(ctx, &model.SubmitRequest{
			PortfolioID: p.ID,
			Pair:        l.asset + "/" + r.cfg.CashAsset,
			Side:        l.side,
			Quantity:    l.quantity,
			Params:      model.MarketParams{},
			TimeInForce: model.TimeInForceGTC,
			RebalanceID: &recordID,
		})
		switch {
		case err != nil:
			action.Rejected = true
			action.Reason = err.Error()
		case order.Status == model.StatusRejected:
			action.Rejected = true
			action.Reason = order.RejectReason
		default:
			id := order.ID
			action.OrderID = &id
			cost = cost.Add(l.notional.Mul(r.cfg.FeeRate))
		}
		if action.Rejected {
			partial = true
			metrics.RebalanceLegFailures.Inc()
			r.logger.Warn("rebalance leg rejected",
				zap.String("portfolio_id", p.ID.String()),
				zap.String("asset", l.asset),
				zap.String("side", l.side),
				zap.String("reason", action.Reason))
		}
		actions = append(actions, action)
	}

	after, err := r.valuer.Snapshot(ctx, p.ID)
	if err != nil {
		return nil, err
	}

	now := r.clock.Now()
	record := &model.RebalancingRecord{
		ID:               recordID,
		PortfolioID:      p.ID,
		BeforeAllocation: val.Weights,
		AfterAllocation:  after.Weights,
		Actions:          actions,
		TotalValue:       val.TotalValue,
		Cost:             cost,
		Reason:           reason,
		Partial:          partial,
		CreatedAt:        now,
	}
	if err := r.repo.CreateRebalancingRecord(ctx, record); err != nil {
		return nil, fmt.Errorf("persist rebalancing record %s: %w", recordID, err)
	}

	p.LastRebalancedAt = &now
	p.CurrentValue = after.TotalValue
	p.UpdatedAt = now
	if err := r.repo.UpdatePortfolio(ctx, p); err != nil {
		return nil, fmt.Errorf("persist portfolio %s after rebalance: %w", p.ID, err)
	}

	metrics.RebalanceRuns.WithLabelValues(reason).Inc()
	eventType := events.TypeRebalanceExecuted
	if partial {
		eventType = events.TypeRebalancePartial
	}
	failed := 0
	for _, a := range actions {
		if a.Rejected {
			failed++
		}
	}
	r.bus.Publish(ctx, events.Event{
		Topic:     events.TopicRebalance,
		Type:      eventType,
		Timestamp: now,
		Payload: events.RebalanceNotice{
			RecordID:    recordID.String(),
			PortfolioID: p.ID.String(),
			Reason:      reason,
			Legs:        len(actions),
			FailedLegs:  failed,
			Timestamp:   now,
		},
	})
	r.logger.Info("rebalance executed",
		zap.String("portfolio_id", p.ID.String()),
		zap.String("record_id", recordID.String()),
		zap.String("reason", reason),
		zap.Int("legs", len(actions)),
		zap.Int("failed_legs", failed),
		zap.Bool("partial", partial))
	return record, nil
}

// Run scans active portfolios on the configured cadence until the
// context is canceled.
func (r *Rebalancer) Run(ctx context.Context) {
	interval := r.cfg.CheckInterval
	if interval <= 0 {
		interval = DefaultConfig().CheckInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			portfolios, err := r.repo.ListActivePortfolios(ctx)
			if err != nil {
				r.logger.Error("rebalance scan failed", zap.Error(err))
				continue
			}
			for _, p := range portfolios {
				if _, err := r.CheckAndRebalance(ctx, p.ID, ""); err != nil && !errors.Is(err, ErrPortfolioInactive) {
					r.logger.Error("rebalance check failed",
						zap.Error(err),
						zap.String("portfolio_id", p.ID.String()))
				}
			}
		}
	}
}
