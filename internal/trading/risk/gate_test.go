package risk

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/peertrade/tradecore/internal/trading/balance"
	"github.com/peertrade/tradecore/internal/trading/fixedpoint"
	"github.com/peertrade/tradecore/internal/trading/model"
	"github.com/peertrade/tradecore/internal/trading/repository"
)

func fp(s string) fixedpoint.Value { return fixedpoint.MustFromString(s) }

type staticFeed struct {
	last fixedpoint.Value
}

func (f staticFeed) LastTradedPrice(ctx context.Context, pair string) (fixedpoint.Value, error) {
	if f.last.IsZero() {
		return fixedpoint.Zero(), fmt.Errorf("no trades yet")
	}
	return f.last, nil
}

func (f staticFeed) MarkPrice(ctx context.Context, asset string) (fixedpoint.Value, error) {
	return f.last, nil
}

func newGate(t *testing.T, band, last string) (*Gate, *balance.Service, uuid.UUID) {
	t.Helper()
	store := repository.NewMemoryStore()
	require.NoError(t, store.SavePair(context.Background(), &model.TradingPair{
		ID:          uuid.New(),
		Symbol:      "BTC/USDT",
		BaseAsset:   "BTC",
		QuoteAsset:  "USDT",
		MinQuantity: fp("0.01"),
		Active:      true,
	}))
	balances := balance.NewService(store, zap.NewNop())
	g := NewGate(Config{PriceBand: fp(band)}, store, store, staticFeed{last: fp(last)}, balances, model.RealClock{}, zap.NewNop())
	pid := uuid.New()
	require.NoError(t, store.UpdatePortfolio(context.Background(), &model.Portfolio{ID: pid, Active: true}))
	return g, balances, pid
}

func order(pid uuid.UUID, side, orderType, qty string) *model.Order {
	return &model.Order{
		ID:          uuid.New(),
		PortfolioID: pid,
		Pair:        "BTC/USDT",
		Side:        side,
		Type:        orderType,
		Quantity:    fp(qty),
		TimeInForce: model.TimeInForceGTC,
		Status:      model.StatusReceived,
	}
}

func requireRejection(t *testing.T, err error, reason string) {
	t.Helper()
	var rej *Rejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, reason, rej.Reason)
}

func TestUnknownPairRejected(t *testing.T) {
	g, _, pid := newGate(t, "0", "100")
	o := order(pid, model.SideBuy, model.TypeLimit, "1")
	o.Pair = "DOGE/USDT"
	requireRejection(t, g.Check(context.Background(), o), model.RejectPairInactive)
}

func TestQuantityBelowMinimumRejected(t *testing.T) {
	g, _, pid := newGate(t, "0", "100")
	o := order(pid, model.SideBuy, model.TypeLimit, "0.001")
	o.Price = fp("100")
	requireRejection(t, g.Check(context.Background(), o), model.RejectQuantityBelowMinimum)
}

func TestExpiryMustBeInFuture(t *testing.T) {
	g, balances, pid := newGate(t, "0", "100")
	require.NoError(t, balances.Credit(context.Background(), pid, "USDT", fp("1000")))

	o := order(pid, model.SideBuy, model.TypeLimit, "1")
	o.Price = fp("100")
	o.TimeInForce = model.TimeInForceGTD
	past := time.Now().UTC().Add(-time.Minute)
	o.GoodTillDate = &past
	requireRejection(t, g.Check(context.Background(), o), model.RejectExpiryNotInFuture)

	future := time.Now().UTC().Add(time.Hour)
	o.GoodTillDate = &future
	assert.NoError(t, g.Check(context.Background(), o))
}

func TestPriceBandRejectsOutliers(t *testing.T) {
	g, balances, pid := newGate(t, "0.10", "100")
	require.NoError(t, balances.Credit(context.Background(), pid, "USDT", fp("10000")))

	o := order(pid, model.SideBuy, model.TypeLimit, "1")
	o.Price = fp("111")
	requireRejection(t, g.Check(context.Background(), o), model.RejectInvalidPriceBounds)

	o = order(pid, model.SideBuy, model.TypeStopLimit, "1")
	o.Price = fp("100")
	o.StopPrice = fp("80")
	requireRejection(t, g.Check(context.Background(), o), model.RejectInvalidPriceBounds)

	o = order(pid, model.SideBuy, model.TypeLimit, "1")
	o.Price = fp("110")
	assert.NoError(t, g.Check(context.Background(), o), "band is inclusive")
}

func TestPriceBandSkippedWithoutLastTrade(t *testing.T) {
	g, balances, pid := newGate(t, "0.10", "0")
	require.NoError(t, balances.Credit(context.Background(), pid, "USDT", fp("10000")))

	o := order(pid, model.SideBuy, model.TypeLimit, "1")
	o.Price = fp("5000")
	assert.NoError(t, g.Check(context.Background(), o), "no reference price, no band check")
}

func TestReduceOnlyBuyAlwaysRejected(t *testing.T) {
	g, balances, pid := newGate(t, "0", "100")
	require.NoError(t, balances.Credit(context.Background(), pid, "USDT", fp("1000")))
	require.NoError(t, balances.Credit(context.Background(), pid, "BTC", fp("10")))

	o := order(pid, model.SideBuy, model.TypeLimit, "1")
	o.Price = fp("100")
	o.ReduceOnly = true
	requireRejection(t, g.Check(context.Background(), o), model.RejectReduceOnlyViolation)
}

func TestReduceOnlySellBoundedByPosition(t *testing.T) {
	g, balances, pid := newGate(t, "0", "100")
	require.NoError(t, balances.Credit(context.Background(), pid, "BTC", fp("2")))

	o := order(pid, model.SideSell, model.TypeLimit, "3")
	o.Price = fp("100")
	o.ReduceOnly = true
	requireRejection(t, g.Check(context.Background(), o), model.RejectReduceOnlyViolation)

	o = order(pid, model.SideSell, model.TypeLimit, "2")
	o.Price = fp("100")
	o.ReduceOnly = true
	assert.NoError(t, g.Check(context.Background(), o))
}

func TestBuyHoldSizedByLimitPrice(t *testing.T) {
	g, balances, pid := newGate(t, "0", "100")
	ctx := context.Background()
	require.NoError(t, balances.Credit(ctx, pid, "USDT", fp("250")))

	o := order(pid, model.SideBuy, model.TypeLimit, "2")
	o.Price = fp("120")
	require.NoError(t, g.Check(ctx, o))

	avail, err := balances.Available(ctx, pid, "USDT")
	require.NoError(t, err)
	assert.Equal(t, "10", avail.String(), "240 held for 2 @ 120")
}

func TestMarketBuyHoldUsesLastPrice(t *testing.T) {
	g, balances, pid := newGate(t, "0", "100")
	ctx := context.Background()
	require.NoError(t, balances.Credit(ctx, pid, "USDT", fp("150")))

	o := order(pid, model.SideBuy, model.TypeMarket, "1")
	require.NoError(t, g.Check(ctx, o))

	avail, err := balances.Available(ctx, pid, "USDT")
	require.NoError(t, err)
	assert.Equal(t, "50", avail.String())
}

func TestSellHoldSizedByQuantity(t *testing.T) {
	g, balances, pid := newGate(t, "0", "100")
	ctx := context.Background()
	require.NoError(t, balances.Credit(ctx, pid, "BTC", fp("3")))

	o := order(pid, model.SideSell, model.TypeLimit, "2")
	o.Price = fp("100")
	require.NoError(t, g.Check(ctx, o))

	avail, err := balances.Available(ctx, pid, "BTC")
	require.NoError(t, err)
	assert.Equal(t, "1", avail.String())
}

func TestInsufficientBalanceRejected(t *testing.T) {
	g, balances, pid := newGate(t, "0", "100")
	require.NoError(t, balances.Credit(context.Background(), pid, "USDT", fp("50")))

	o := order(pid, model.SideBuy, model.TypeLimit, "1")
	o.Price = fp("100")
	requireRejection(t, g.Check(context.Background(), o), model.RejectInsufficientBalance)
}

func TestInactivePairRejected(t *testing.T) {
	store := repository.NewMemoryStore()
	require.NoError(t, store.SavePair(context.Background(), &model.TradingPair{
		ID:     uuid.New(),
		Symbol: "BTC/USDT",
		Active: false,
	}))
	pid := uuid.New()
	require.NoError(t, store.UpdatePortfolio(context.Background(), &model.Portfolio{ID: pid, Active: true}))
	balances := balance.NewService(store, zap.NewNop())
	g := NewGate(Config{}, store, store, staticFeed{}, balances, model.RealClock{}, zap.NewNop())

	o := order(pid, model.SideBuy, model.TypeLimit, "1")
	o.Price = fp("100")
	requireRejection(t, g.Check(context.Background(), o), model.RejectPairInactive)
}

func TestDeactivatedPortfolioRejected(t *testing.T) {
	g, _, _ := newGate(t, "0", "100")

	// Unknown portfolio.
	o := order(uuid.New(), model.SideBuy, model.TypeLimit, "1")
	o.Price = fp("100")
	requireRejection(t, g.Check(context.Background(), o), model.RejectPortfolioDeactivated)
}
