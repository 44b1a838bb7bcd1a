package balance

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/peertrade/tradecore/internal/trading/fixedpoint"
	"github.com/peertrade/tradecore/internal/trading/model"
	"github.com/peertrade/tradecore/internal/trading/repository"
)

func fp(s string) fixedpoint.Value { return fixedpoint.MustFromString(s) }

func newService(t *testing.T) (*Service, *repository.MemoryStore) {
	t.Helper()
	store := repository.NewMemoryStore()
	return NewService(store, zap.NewNop()), store
}

func TestCreditAndAvailable(t *testing.T) {
	s, store := newService(t)
	ctx := context.Background()
	pid := uuid.New()

	require.NoError(t, s.Credit(ctx, pid, "USDT", fp("100")))
	require.NoError(t, s.Credit(ctx, pid, "USDT", fp("50")))

	got, err := s.Available(ctx, pid, "USDT")
	require.NoError(t, err)
	assert.Equal(t, "150", got.String())

	// Written through to the repository.
	stored, err := store.GetBalances(ctx, pid)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "150", stored[0].Available.String())

	assert.Error(t, s.Credit(ctx, pid, "USDT", fp("-1")))
}

func TestPlaceHoldMovesAvailableToHeld(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()
	pid, orderID := uuid.New(), uuid.New()

	require.NoError(t, s.Credit(ctx, pid, "USDT", fp("100")))
	require.NoError(t, s.PlaceHold(ctx, orderID, pid, "USDT", fp("60")))

	avail, err := s.Available(ctx, pid, "USDT")
	require.NoError(t, err)
	assert.Equal(t, "40", avail.String())

	pos, err := s.Position(ctx, pid, "USDT")
	require.NoError(t, err)
	assert.Equal(t, "100", pos.String(), "held funds still count toward the position")

	err = s.PlaceHold(ctx, uuid.New(), pid, "USDT", fp("41"))
	assert.ErrorIs(t, err, ErrInsufficientBalance)
}

func TestPlaceHoldRollsBackOnPersistFailure(t *testing.T) {
	s, store := newService(t)
	ctx := context.Background()
	pid, orderID := uuid.New(), uuid.New()

	require.NoError(t, s.Credit(ctx, pid, "USDT", fp("100")))
	store.FailNextWrite = true
	err := s.PlaceHold(ctx, orderID, pid, "USDT", fp("60"))
	require.ErrorIs(t, err, model.ErrPersistence)

	avail, err := s.Available(ctx, pid, "USDT")
	require.NoError(t, err)
	assert.Equal(t, "100", avail.String(), "failed hold leaves balances untouched")

	assert.NoError(t, s.ReleaseHold(ctx, orderID), "no hold was registered")
}

func TestReleaseHoldReturnsFunds(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()
	pid, orderID := uuid.New(), uuid.New()

	require.NoError(t, s.Credit(ctx, pid, "USDT", fp("100")))
	require.NoError(t, s.PlaceHold(ctx, orderID, pid, "USDT", fp("60")))
	require.NoError(t, s.ReleaseHold(ctx, orderID))

	avail, err := s.Available(ctx, pid, "USDT")
	require.NoError(t, err)
	assert.Equal(t, "100", avail.String())

	assert.NoError(t, s.ReleaseHold(ctx, orderID), "double release is a no-op")
}

func TestSettleFillSwapsAssets(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()
	pid, orderID := uuid.New(), uuid.New()

	// Buy 1 BTC with a 100 USDT hold, filled at 95.
	require.NoError(t, s.Credit(ctx, pid, "USDT", fp("100")))
	require.NoError(t, s.PlaceHold(ctx, orderID, pid, "USDT", fp("100")))
	require.NoError(t, s.SettleFill(ctx, orderID, fp("95"), "BTC", fp("1")))

	btc, err := s.Available(ctx, pid, "BTC")
	require.NoError(t, err)
	assert.Equal(t, "1", btc.String())

	// The 5 USDT surplus stays held until the hold is released.
	avail, err := s.Available(ctx, pid, "USDT")
	require.NoError(t, err)
	assert.Equal(t, "0", avail.String())
	require.NoError(t, s.ReleaseHold(ctx, orderID))
	avail, err = s.Available(ctx, pid, "USDT")
	require.NoError(t, err)
	assert.Equal(t, "5", avail.String())
}

func TestSettleFillUnknownHold(t *testing.T) {
	s, _ := newService(t)
	err := s.SettleFill(context.Background(), uuid.New(), fp("1"), "BTC", fp("1"))
	assert.ErrorIs(t, err, ErrHoldNotFound)
}

func TestSettleFillPartialConsumption(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()
	pid, orderID := uuid.New(), uuid.New()

	// Sell 3 BTC in two fills against one hold.
	require.NoError(t, s.Credit(ctx, pid, "BTC", fp("3")))
	require.NoError(t, s.PlaceHold(ctx, orderID, pid, "BTC", fp("3")))

	require.NoError(t, s.SettleFill(ctx, orderID, fp("1"), "USDT", fp("100")))
	require.NoError(t, s.SettleFill(ctx, orderID, fp("2"), "USDT", fp("200")))

	usdt, err := s.Available(ctx, pid, "USDT")
	require.NoError(t, err)
	assert.Equal(t, "300", usdt.String())

	pos, err := s.Position(ctx, pid, "BTC")
	require.NoError(t, err)
	assert.Equal(t, "0", pos.String(), "hold fully consumed")
}

func TestBalancesLoadedFromRepository(t *testing.T) {
	store := repository.NewMemoryStore()
	ctx := context.Background()
	pid := uuid.New()
	require.NoError(t, store.SaveBalance(ctx, &model.Balance{
		PortfolioID: pid,
		Asset:       "ETH",
		Available:   fp("10"),
	}))

	s := NewService(store, zap.NewNop())
	got, err := s.Available(ctx, pid, "ETH")
	require.NoError(t, err)
	assert.Equal(t, "10", got.String())
}

func TestSettleFillRejectsDebitBeyondHold(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()
	pid, orderID := uuid.New(), uuid.New()

	require.NoError(t, s.Credit(ctx, pid, "USDT", fp("100")))
	require.NoError(t, s.PlaceHold(ctx, orderID, pid, "USDT", fp("100")))

	// A fill that debits more than the order reserved must not settle:
	// crediting the counterparty anyway would mint quote currency.
	err := s.SettleFill(ctx, orderID, fp("150"), "BTC", fp("1"))
	require.ErrorIs(t, err, ErrInsufficientBalance)

	avail, err := s.Available(ctx, pid, "USDT")
	require.NoError(t, err)
	assert.Equal(t, "0", avail.String())
	pos, err := s.Position(ctx, pid, "USDT")
	require.NoError(t, err)
	assert.Equal(t, "100", pos.String(), "held amount untouched by the refused debit")
	btc, err := s.Available(ctx, pid, "BTC")
	require.NoError(t, err)
	assert.Equal(t, "0", btc.String())
	assert.Equal(t, "100", s.HoldRemaining(orderID).String())
}

func TestHoldRemainingTracksConsumption(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()
	pid, orderID := uuid.New(), uuid.New()

	assert.Equal(t, "0", s.HoldRemaining(orderID).String(), "unknown order has no hold")

	require.NoError(t, s.Credit(ctx, pid, "USDT", fp("100")))
	require.NoError(t, s.PlaceHold(ctx, orderID, pid, "USDT", fp("100")))
	assert.Equal(t, "100", s.HoldRemaining(orderID).String())

	require.NoError(t, s.SettleFill(ctx, orderID, fp("40"), "BTC", fp("0.5")))
	assert.Equal(t, "60", s.HoldRemaining(orderID).String())

	require.NoError(t, s.ReleaseHold(ctx, orderID))
	assert.Equal(t, "0", s.HoldRemaining(orderID).String())
}
