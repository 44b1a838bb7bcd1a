package orderbook

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peertrade/tradecore/internal/trading/fixedpoint"
	"github.com/peertrade/tradecore/internal/trading/model"
)

func restingOrder(side, price, qty string) *model.Order {
	return &model.Order{
		ID:        uuid.New(),
		Pair:      "BTC/USDT",
		Side:      side,
		Type:      model.TypeLimit,
		Price:     fixedpoint.MustFromString(price),
		Quantity:  fixedpoint.MustFromString(qty),
		Status:    model.StatusOpen,
		CreatedAt: time.Now(),
	}
}

func TestEmptyBookQuotesInvalid(t *testing.T) {
	b := New("BTC/USDT")
	assert.False(t, b.BestBid().Valid)
	assert.False(t, b.BestAsk().Valid)
}

func TestBestBidAskAggregation(t *testing.T) {
	b := New("BTC/USDT")
	require.NoError(t, b.Insert(restingOrder(model.SideBuy, "100", "2")))
	require.NoError(t, b.Insert(restingOrder(model.SideBuy, "100", "3")))
	require.NoError(t, b.Insert(restingOrder(model.SideBuy, "99", "10")))
	require.NoError(t, b.Insert(restingOrder(model.SideSell, "101", "1")))
	require.NoError(t, b.Insert(restingOrder(model.SideSell, "105", "4")))

	bid := b.BestBid()
	require.True(t, bid.Valid)
	assert.Equal(t, "100", bid.Price.String())
	assert.Equal(t, "5", bid.Quantity.String())

	ask := b.BestAsk()
	require.True(t, ask.Valid)
	assert.Equal(t, "101", ask.Price.String())
	assert.Equal(t, "1", ask.Quantity.String())
}

func TestPriceTimePriorityWithinLevel(t *testing.T) {
	b := New("BTC/USDT")
	first := restingOrder(model.SideSell, "100", "1")
	second := restingOrder(model.SideSell, "100", "1")
	require.NoError(t, b.Insert(first))
	require.NoError(t, b.Insert(second))

	maker := b.BestMaker(model.SideBuy, fixedpoint.MustFromString("100"), true)
	require.NotNil(t, maker)
	assert.Equal(t, first.ID, maker.ID, "earlier insertion fills first")

	_, err := b.Remove(first.ID)
	require.NoError(t, err)
	maker = b.BestMaker(model.SideBuy, fixedpoint.MustFromString("100"), true)
	require.NotNil(t, maker)
	assert.Equal(t, second.ID, maker.ID)
}

func TestBestMakerHonorsTakerLimit(t *testing.T) {
	b := New("BTC/USDT")
	require.NoError(t, b.Insert(restingOrder(model.SideSell, "102", "1")))

	assert.Nil(t, b.BestMaker(model.SideBuy, fixedpoint.MustFromString("101"), true))
	assert.NotNil(t, b.BestMaker(model.SideBuy, fixedpoint.MustFromString("102"), true))
	assert.NotNil(t, b.BestMaker(model.SideBuy, fixedpoint.Zero(), false), "no-limit taker matches any price")
}

func TestRemoveUnknownOrder(t *testing.T) {
	b := New("BTC/USDT")
	_, err := b.Remove(uuid.New())
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestInsertRejectsUnpricedOrder(t *testing.T) {
	b := New("BTC/USDT")
	o := restingOrder(model.SideBuy, "0", "1")
	assert.ErrorIs(t, b.Insert(o), ErrNotRestable)
}

func TestAvailableDepthCapsAtNeed(t *testing.T) {
	b := New("BTC/USDT")
	require.NoError(t, b.Insert(restingOrder(model.SideSell, "100", "2")))
	require.NoError(t, b.Insert(restingOrder(model.SideSell, "101", "2")))
	require.NoError(t, b.Insert(restingOrder(model.SideSell, "110", "50")))

	// Limit 101 reaches only the first two levels.
	depth := b.AvailableDepth(model.SideBuy, fixedpoint.MustFromString("101"), true, fixedpoint.MustFromString("10"))
	assert.Equal(t, "4", depth.String())

	// Without a limit the cap applies.
	depth = b.AvailableDepth(model.SideBuy, fixedpoint.Zero(), false, fixedpoint.MustFromString("10"))
	assert.Equal(t, "10", depth.String())
}

func TestWouldCross(t *testing.T) {
	b := New("BTC/USDT")
	require.NoError(t, b.Insert(restingOrder(model.SideSell, "100", "1")))

	assert.True(t, b.WouldCross(model.SideBuy, fixedpoint.MustFromString("100")))
	assert.True(t, b.WouldCross(model.SideBuy, fixedpoint.MustFromString("101")))
	assert.False(t, b.WouldCross(model.SideBuy, fixedpoint.MustFromString("99")))
	assert.False(t, b.WouldCross(model.SideSell, fixedpoint.MustFromString("99")), "no bids to cross")
}

func TestSnapshotDetachedFromBook(t *testing.T) {
	b := New("BTC/USDT")
	o := restingOrder(model.SideBuy, "100", "5")
	require.NoError(t, b.Insert(o))

	snap := b.Snapshot(10, time.Now())
	require.Len(t, snap.Bids, 1)
	assert.Equal(t, "5", snap.Bids[0].Quantity.String())

	_, err := b.Remove(o.ID)
	require.NoError(t, err)
	assert.Len(t, snap.Bids, 1, "snapshot unaffected by later mutation")
	assert.False(t, b.BestBid().Valid)
}

func TestSnapshotDepthAndOrdering(t *testing.T) {
	b := New("BTC/USDT")
	for _, p := range []string{"98", "99", "100"} {
		require.NoError(t, b.Insert(restingOrder(model.SideBuy, p, "1")))
	}
	for _, p := range []string{"101", "102", "103"} {
		require.NoError(t, b.Insert(restingOrder(model.SideSell, p, "1")))
	}
	snap := b.Snapshot(2, time.Now())
	require.Len(t, snap.Bids, 2)
	require.Len(t, snap.Asks, 2)
	assert.Equal(t, "100", snap.Bids[0].Price.String(), "bids descend from best")
	assert.Equal(t, "99", snap.Bids[1].Price.String())
	assert.Equal(t, "101", snap.Asks[0].Price.String(), "asks ascend from best")
	assert.Equal(t, "102", snap.Asks[1].Price.String())
}
