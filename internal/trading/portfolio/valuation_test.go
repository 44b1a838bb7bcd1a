package portfolio

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peertrade/tradecore/internal/trading/fixedpoint"
)

func newValuerFixture(t *testing.T) (*Valuer, *fixture) {
	t.Helper()
	f := newFixture(t)
	return f.valuer, f
}

func TestSnapshotWeights(t *testing.T) {
	v, f := newValuerFixture(t)
	ctx := context.Background()
	pid := uuid.New()
	f.fund(t, pid, "BTC", "7")   // 70 at mark 10
	f.fund(t, pid, "ETH", "2")   // 20
	f.fund(t, pid, "USDT", "10") // cash at par

	val, err := v.Snapshot(ctx, pid)
	require.NoError(t, err)
	assert.Equal(t, "100", val.TotalValue.String())
	assert.Equal(t, "0.7", val.Weights["BTC"].String())
	assert.Equal(t, "0.2", val.Weights["ETH"].String())
	assert.Equal(t, "0.1", val.Weights["USDT"].String())
	assert.Equal(t, "10", val.Prices["BTC"].String())
	assert.Equal(t, "1", val.Prices["USDT"].String())
}

func TestSnapshotCountsHeldBalances(t *testing.T) {
	v, f := newValuerFixture(t)
	ctx := context.Background()
	pid := uuid.New()
	f.fund(t, pid, "BTC", "4")
	require.NoError(t, f.balances.PlaceHold(ctx, uuid.New(), pid, "BTC", fixedpoint.FromInt(1)))

	val, err := v.Snapshot(ctx, pid)
	require.NoError(t, err)
	assert.Equal(t, "40", val.TotalValue.String(), "held quantity still belongs to the portfolio")
}

func TestSnapshotSkipsUnpricedAssets(t *testing.T) {
	v, f := newValuerFixture(t)
	pid := uuid.New()
	f.fund(t, pid, "BTC", "1")
	f.fund(t, pid, "XYZ", "1000")

	val, err := v.Snapshot(context.Background(), pid)
	require.NoError(t, err)
	assert.Equal(t, "10", val.TotalValue.String())
	_, priced := val.Weights["XYZ"]
	assert.False(t, priced)
}

func TestRevalueUpdatesPortfolioMetrics(t *testing.T) {
	v, f := newValuerFixture(t)
	ctx := context.Background()
	p := f.portfolio(t, map[string]fixedpoint.Value{"BTC": fp("1")}, "0.05")
	f.fund(t, p.ID, "BTC", "12")

	_, err := v.Revalue(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, "120", p.CurrentValue.String())
	assert.Equal(t, "20", p.UnrealizedPnL.String(), "current 120 minus initial capital 100")

	stored, err := f.store.GetPortfolio(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "120", stored.CurrentValue.String())
}

func TestMaxDrawdownTracksPeakToTrough(t *testing.T) {
	v, f := newValuerFixture(t)
	ctx := context.Background()
	p := f.portfolio(t, map[string]fixedpoint.Value{"BTC": fp("1")}, "0.05")
	f.fund(t, p.ID, "BTC", "10")

	// Value path 100 -> 200 -> 120: drawdown (200-120)/200 = 0.4.
	for _, mark := range []string{"10", "20", "12"} {
		f.feed.marks["BTC"] = fp(mark)
		_, err := v.Revalue(ctx, p)
		require.NoError(t, err)
	}
	assert.Equal(t, "0.4", p.MaxDrawdown.String())

	// Recovery never shrinks the recorded maximum.
	f.feed.marks["BTC"] = fp("30")
	_, err := v.Revalue(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, "0.4", p.MaxDrawdown.String())
}

func TestRatiosZeroWithoutHistory(t *testing.T) {
	v, f := newValuerFixture(t)
	ctx := context.Background()
	p := f.portfolio(t, map[string]fixedpoint.Value{"BTC": fp("1")}, "0.05")
	f.fund(t, p.ID, "BTC", "10")

	_, err := v.Revalue(ctx, p)
	require.NoError(t, err)
	assert.True(t, p.SharpeRatio.IsZero())
	assert.True(t, p.SortinoRatio.IsZero())
	assert.True(t, p.MaxDrawdown.IsZero())
}

func TestSharpeSignFollowsTrend(t *testing.T) {
	v, f := newValuerFixture(t)
	ctx := context.Background()
	p := f.portfolio(t, map[string]fixedpoint.Value{"BTC": fp("1")}, "0.05")
	f.fund(t, p.ID, "BTC", "10")

	for _, mark := range []string{"10", "11", "13", "12", "15"} {
		f.feed.marks["BTC"] = fp(mark)
		_, err := v.Revalue(ctx, p)
		require.NoError(t, err)
	}
	assert.True(t, p.SharpeRatio.IsPositive(), "rising value series has positive risk-adjusted return")
	assert.True(t, p.SortinoRatio.IsPositive())

	down := f.portfolio(t, map[string]fixedpoint.Value{"BTC": fp("1")}, "0.05")
	f.fund(t, down.ID, "BTC", "10")
	for _, mark := range []string{"15", "12", "13", "10", "8"} {
		f.feed.marks["BTC"] = fp(mark)
		_, err := v.Revalue(ctx, down)
		require.NoError(t, err)
	}
	assert.True(t, down.SharpeRatio.IsNegative(), "falling value series has negative risk-adjusted return")
}

func TestSharpeStatistics(t *testing.T) {
	assert.Zero(t, sharpe(nil))
	assert.Zero(t, sharpe([]float64{0.1}))
	assert.Zero(t, sharpe([]float64{0.1, 0.1, 0.1}), "flat series has no deviation")
	assert.InDelta(t, 1.0, sharpe([]float64{0.0, 0.2}), 1e-9, "mean 0.1 over std 0.1")

	assert.Zero(t, sortino([]float64{0.1, 0.2}), "no downside, ratio undefined, reported as zero")
	assert.Negative(t, sortino([]float64{-0.1, -0.2}))
}

func TestValuationTimeFromClock(t *testing.T) {
	v, f := newValuerFixture(t)
	pid := uuid.New()
	f.fund(t, pid, "USDT", "1")

	val, err := v.Snapshot(context.Background(), pid)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), val.TakenAt)
}
