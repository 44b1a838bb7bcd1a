package trigger

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/peertrade/tradecore/internal/trading/fixedpoint"
	"github.com/peertrade/tradecore/internal/trading/model"
)

func stopOrder(orderType, side, stop, offset string) *model.Order {
	return &model.Order{
		ID:             uuid.New(),
		Pair:           "BTC/USDT",
		Side:           side,
		Type:           orderType,
		Quantity:       fixedpoint.MustFromString("1"),
		StopPrice:      fixedpoint.MustFromString(stop),
		TrailingOffset: fixedpoint.MustFromString(offset),
		Status:         model.StatusOpen,
		CreatedAt:      time.Now(),
	}
}

func TestSellStopFiresOnDrop(t *testing.T) {
	x := NewIndex("BTC/USDT", zap.NewNop())
	o := stopOrder(model.TypeStopLoss, model.SideSell, "95", "0")
	x.Add(o, fixedpoint.MustFromString("100"))

	assert.Empty(t, x.OnPrice(fixedpoint.MustFromString("96")))
	fired := x.OnPrice(fixedpoint.MustFromString("95"))
	require.Len(t, fired, 1)
	assert.Equal(t, o.ID, fired[0].ID)
	assert.False(t, x.Contains(o.ID))
}

func TestBuyStopFiresOnRise(t *testing.T) {
	x := NewIndex("BTC/USDT", zap.NewNop())
	o := stopOrder(model.TypeStopLimit, model.SideBuy, "105", "0")
	x.Add(o, fixedpoint.MustFromString("100"))

	assert.Empty(t, x.OnPrice(fixedpoint.MustFromString("104.99999999")))
	fired := x.OnPrice(fixedpoint.MustFromString("105"))
	require.Len(t, fired, 1)
}

func TestTrailingStopRatchetsUpOnly(t *testing.T) {
	x := NewIndex("BTC/USDT", zap.NewNop())
	o := stopOrder(model.TypeTrailingStop, model.SideSell, "0", "5")
	x.Add(o, fixedpoint.MustFromString("100"))
	assert.Equal(t, "95", o.StopPrice.String(), "initial stop derived from last price")

	// Price rises: stop follows up.
	assert.Empty(t, x.OnPrice(fixedpoint.MustFromString("110")))
	assert.Equal(t, "105", o.StopPrice.String())

	// Price dips but stays above the stop: stop must not move down.
	assert.Empty(t, x.OnPrice(fixedpoint.MustFromString("107")))
	assert.Equal(t, "105", o.StopPrice.String())

	// Drop through the stop fires it.
	fired := x.OnPrice(fixedpoint.MustFromString("105"))
	require.Len(t, fired, 1)
}

func TestTrailingBuyStopRatchetsDownOnly(t *testing.T) {
	x := NewIndex("BTC/USDT", zap.NewNop())
	o := stopOrder(model.TypeTrailingStop, model.SideBuy, "0", "5")
	x.Add(o, fixedpoint.MustFromString("100"))
	assert.Equal(t, "105", o.StopPrice.String())

	assert.Empty(t, x.OnPrice(fixedpoint.MustFromString("90")))
	assert.Equal(t, "95", o.StopPrice.String())

	assert.Empty(t, x.OnPrice(fixedpoint.MustFromString("92")))
	assert.Equal(t, "95", o.StopPrice.String(), "stop never rises for a buy trail")

	fired := x.OnPrice(fixedpoint.MustFromString("95"))
	require.Len(t, fired, 1)
}

func TestRemovePendingOrder(t *testing.T) {
	x := NewIndex("BTC/USDT", zap.NewNop())
	o := stopOrder(model.TypeStopLoss, model.SideSell, "95", "0")
	x.Add(o, fixedpoint.Zero())

	removed := x.Remove(o.ID)
	require.NotNil(t, removed)
	assert.Equal(t, o.ID, removed.ID)
	assert.Nil(t, x.Remove(o.ID), "second remove finds nothing")
	assert.Empty(t, x.OnPrice(fixedpoint.MustFromString("90")))
}
