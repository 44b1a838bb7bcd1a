package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/peertrade/tradecore/internal/trading/events"
	"github.com/peertrade/tradecore/internal/trading/fixedpoint"
	"github.com/peertrade/tradecore/internal/trading/model"
	"github.com/peertrade/tradecore/internal/trading/repository"
)

func fp(s string) fixedpoint.Value { return fixedpoint.MustFromString(s) }

func newManager(t *testing.T) (*Manager, *repository.MemoryStore) {
	t.Helper()
	store := repository.NewMemoryStore()
	bus := events.NewInMemoryBus(zap.NewNop())
	return NewManager(store, bus, model.RealClock{}, zap.NewNop()), store
}

func newOrder(qty string) *model.Order {
	now := time.Now().UTC()
	return &model.Order{
		ID:          uuid.New(),
		PortfolioID: uuid.New(),
		Pair:        "BTC/USDT",
		Side:        model.SideBuy,
		Type:        model.TypeLimit,
		Quantity:    fp(qty),
		Price:       fp("100"),
		TimeInForce: model.TimeInForceGTC,
		Status:      model.StatusReceived,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(model.StatusReceived, model.StatusOpen))
	assert.True(t, CanTransition(model.StatusReceived, model.StatusFilled), "immediate full fill skips open")
	assert.True(t, CanTransition(model.StatusOpen, model.StatusPartiallyFilled))
	assert.True(t, CanTransition(model.StatusPartiallyFilled, model.StatusCanceled))
	assert.True(t, CanTransition(model.StatusPartiallyFilled, model.StatusExpired))

	assert.False(t, CanTransition(model.StatusFilled, model.StatusOpen), "terminal states are absorbing")
	assert.False(t, CanTransition(model.StatusCanceled, model.StatusOpen))
	assert.False(t, CanTransition(model.StatusRejected, model.StatusCanceled))
	assert.False(t, CanTransition(model.StatusExpired, model.StatusOpen))
	assert.False(t, CanTransition(model.StatusOpen, model.StatusReceived), "no way back to received")
	assert.False(t, CanTransition(model.StatusOpen, model.StatusRejected), "rejection happens before the book")
}

func TestCreateRequiresReceivedState(t *testing.T) {
	m, store := newManager(t)
	ctx := context.Background()

	o := newOrder("1")
	require.NoError(t, m.Create(ctx, o))
	stored, err := store.GetOrderByID(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusReceived, stored.Status)

	bad := newOrder("1")
	bad.Status = model.StatusOpen
	assert.ErrorIs(t, m.Create(ctx, bad), ErrIllegalTransition)
}

func TestTransitionPersistsAndRejectsIllegalEdges(t *testing.T) {
	m, store := newManager(t)
	ctx := context.Background()

	o := newOrder("1")
	require.NoError(t, m.Create(ctx, o))
	require.NoError(t, m.Transition(ctx, o, model.StatusOpen, ""))
	require.NoError(t, m.Transition(ctx, o, model.StatusCanceled, ""))

	err := m.Transition(ctx, o, model.StatusOpen, "")
	assert.ErrorIs(t, err, ErrIllegalTransition)

	stored, err := store.GetOrderByID(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCanceled, stored.Status)
}

func TestTransitionRollsBackOnPersistFailure(t *testing.T) {
	m, store := newManager(t)
	ctx := context.Background()

	o := newOrder("1")
	require.NoError(t, m.Create(ctx, o))

	store.FailNextWrite = true
	err := m.Transition(ctx, o, model.StatusOpen, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrPersistence)
	assert.Equal(t, model.StatusReceived, o.Status, "in-memory state rolled back")

	stored, err := store.GetOrderByID(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusReceived, stored.Status)
}

func TestApplyFillAdvancesBothOrders(t *testing.T) {
	m, store := newManager(t)
	ctx := context.Background()

	maker := newOrder("2")
	maker.Side = model.SideSell
	taker := newOrder("1")
	require.NoError(t, m.Create(ctx, maker))
	require.NoError(t, m.Create(ctx, taker))
	require.NoError(t, m.Transition(ctx, maker, model.StatusOpen, ""))

	fill := &model.Fill{
		ID:           uuid.New(),
		MakerOrderID: maker.ID,
		TakerOrderID: taker.ID,
		Pair:         "BTC/USDT",
		Price:        fp("100"),
		Quantity:     fp("1"),
		ExecutedAt:   time.Now().UTC(),
	}
	require.NoError(t, m.ApplyFill(ctx, fill, maker, taker))

	assert.Equal(t, model.StatusPartiallyFilled, maker.Status)
	assert.Equal(t, model.StatusFilled, taker.Status)
	assert.Equal(t, "1", maker.FilledQuantity.String())
	assert.Equal(t, "100", taker.AvgFillPrice.String())

	fills, err := store.GetFillsByOrder(ctx, maker.ID)
	require.NoError(t, err)
	require.Len(t, fills, 1)
}

func TestApplyFillWeightedAveragePrice(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	taker := newOrder("3")
	require.NoError(t, m.Create(ctx, taker))

	for i, step := range []struct{ price, qty string }{
		{"100", "1"},
		{"106", "2"},
	} {
		maker := newOrder(step.qty)
		maker.Side = model.SideSell
		require.NoError(t, m.Create(ctx, maker))
		fill := &model.Fill{
			ID:           uuid.New(),
			MakerOrderID: maker.ID,
			TakerOrderID: taker.ID,
			Pair:         "BTC/USDT",
			Price:        fp(step.price),
			Quantity:     fp(step.qty),
			ExecutedAt:   time.Now().UTC(),
		}
		require.NoError(t, m.ApplyFill(ctx, fill, maker, taker))
		if i == 0 {
			assert.Equal(t, model.StatusPartiallyFilled, taker.Status)
		}
	}

	// (1*100 + 2*106) / 3 = 104.
	assert.Equal(t, "104", taker.AvgFillPrice.String())
	assert.Equal(t, "3", taker.FilledQuantity.String())
	assert.Equal(t, model.StatusFilled, taker.Status)
}

func TestApplyFillRejectsOverfill(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	maker := newOrder("1")
	maker.Side = model.SideSell
	taker := newOrder("1")
	require.NoError(t, m.Create(ctx, maker))
	require.NoError(t, m.Create(ctx, taker))

	fill := &model.Fill{
		ID:           uuid.New(),
		MakerOrderID: maker.ID,
		TakerOrderID: taker.ID,
		Price:        fp("100"),
		Quantity:     fp("2"),
		ExecutedAt:   time.Now().UTC(),
	}
	err := m.ApplyFill(ctx, fill, maker, taker)
	require.Error(t, err)
	assert.Equal(t, "0", taker.FilledQuantity.String(), "filled quantity never exceeds order quantity")
}

func TestApplyFillRollsBackOnPersistFailure(t *testing.T) {
	m, store := newManager(t)
	ctx := context.Background()

	maker := newOrder("1")
	maker.Side = model.SideSell
	taker := newOrder("1")
	require.NoError(t, m.Create(ctx, maker))
	require.NoError(t, m.Create(ctx, taker))

	store.FailNextWrite = true
	fill := &model.Fill{
		ID:           uuid.New(),
		MakerOrderID: maker.ID,
		TakerOrderID: taker.ID,
		Price:        fp("100"),
		Quantity:     fp("1"),
		ExecutedAt:   time.Now().UTC(),
	}
	err := m.ApplyFill(ctx, fill, maker, taker)
	require.ErrorIs(t, err, model.ErrPersistence)

	assert.Equal(t, model.StatusReceived, maker.Status)
	assert.Equal(t, "0", maker.FilledQuantity.String())
	assert.Equal(t, "0", taker.FilledQuantity.String())

	fills, err := store.GetFillsByOrder(ctx, maker.ID)
	require.NoError(t, err)
	assert.Empty(t, fills, "no fill recorded when the transaction fails")
}
