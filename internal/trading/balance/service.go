// Package balance tracks per-portfolio asset balances and the holds the
// risk gate places for open orders. All mutation for one portfolio is
// serialized under that portfolio's lock, so fills landing concurrently
// from different pairs cannot lose updates.
package balance

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/peertrade/tradecore/internal/trading/fixedpoint"
	"github.com/peertrade/tradecore/internal/trading/model"
)

// ErrInsufficientBalance is returned when a debit or hold exceeds the
// available amount.
var ErrInsufficientBalance = fmt.Errorf("insufficient balance")

// ErrHoldNotFound is returned when releasing or consuming an unknown hold.
var ErrHoldNotFound = fmt.Errorf("hold not found")

type hold struct {
	portfolioID uuid.UUID
	asset       string
	amount      fixedpoint.Value
}

type portfolioState struct {
	mu       sync.Mutex
	balances map[string]*model.Balance // asset -> balance
}

// Service is the balance and hold ledger. State is cached in memory and
// written through to the portfolio repository.
type Service struct {
	repo   model.PortfolioRepository
	logger *zap.Logger

	mu         sync.Mutex
	portfolios map[uuid.UUID]*portfolioState
	holds      map[uuid.UUID]*hold // order id -> hold
}

// NewService creates a balance service backed by repo.
func NewService(repo model.PortfolioRepository, logger *zap.Logger) *Service {
	return &Service{
		repo:       repo,
		logger:     logger,
		portfolios: make(map[uuid.UUID]*portfolioState),
		holds:      make(map[uuid.UUID]*hold),
	}
}

// state returns the cached state for a portfolio, loading balances from
// the repository on first touch.
func (s *Service) state(ctx context.Context, portfolioID uuid.UUID) (*portfolioState, error) {
	s.mu.Lock()
	ps, ok := s.portfolios[portfolioID]
	if !ok {
		ps = &portfolioState{balances: make(map[string]*model.Balance)}
		s.portfolios[portfolioID] = ps
	}
	s.mu.Unlock()

	ps.mu.Lock()
	defer ps.mu.Unlock()
	if len(ps.balances) == 0 {
		stored, err := s.repo.GetBalances(ctx, portfolioID)
		if err != nil {
			return nil, fmt.Errorf("load balances for %s: %w", portfolioID, err)
		}
		for _, b := range stored {
			ps.balances[b.Asset] = b
		}
	}
	return ps, nil
}

func (ps *portfolioState) balance(portfolioID uuid.UUID, asset string) *model.Balance {
	b, ok := ps.balances[asset]
	if !ok {
		b = &model.Balance{PortfolioID: portfolioID, Asset: asset}
		ps.balances[asset] = b
	}
	return b
}

func (s *Service) persist(ctx context.Context, b *model.Balance) error {
	if err := s.repo.SaveBalance(ctx, b); err != nil {
		return fmt.Errorf("persist balance %s/%s: %w", b.PortfolioID, b.Asset, err)
	}
	return nil
}

// Available returns the spendable amount of one asset.
func (s *Service) Available(ctx context.Context, portfolioID uuid.UUID, asset string) (fixedpoint.Value, error) {
	ps, err := s.state(ctx, portfolioID)
	if err != nil {
		return fixedpoint.Zero(), err
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.balance(portfolioID, asset).Available, nil
}

// Position returns the total (available + held) amount of one asset,
// which is the open position the reduce-only check measures against.
func (s *Service) Position(ctx context.Context, portfolioID uuid.UUID, asset string) (fixedpoint.Value, error) {
	ps, err := s.state(ctx, portfolioID)
	if err != nil {
		return fixedpoint.Zero(), err
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.balance(portfolioID, asset).Total(), nil
}

// Balances returns a copy of all balances for the portfolio.
func (s *Service) Balances(ctx context.Context, portfolioID uuid.UUID) ([]*model.Balance, error) {
	ps, err := s.state(ctx, portfolioID)
	if err != nil {
		return nil, err
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	out := make([]*model.Balance, 0, len(ps.balances))
	for _, b := range ps.balances {
		c := *b
		out = append(out, &c)
	}
	return out, nil
}

// Credit adds to an asset's available balance.
func (s *Service) Credit(ctx context.Context, portfolioID uuid.UUID, asset string, amount fixedpoint.Value) error {
	if amount.IsNegative() {
		return fmt.Errorf("credit amount must not be negative")
	}
	ps, err := s.state(ctx, portfolioID)
	if err != nil {
		return err
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	b := ps.balance(portfolioID, asset)
	b.Available = b.Available.Add(amount)
	return s.persist(ctx, b)
}

// PlaceHold reserves amount of asset against an order. The hold is keyed
// by order id so fills and cancels can settle or release it later.
func (s *Service) PlaceHold(ctx context.Context, orderID, portfolioID uuid.UUID, asset string, amount fixedpoint.Value) error {
	ps, err := s.state(ctx, portfolioID)
	if err != nil {
		return err
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()

	b := ps.balance(portfolioID, asset)
	if b.Available.LessThan(amount) {
		return fmt.Errorf("%w: need %s %s, have %s", ErrInsufficientBalance, amount, asset, b.Available)
	}
	b.Available = b.Available.Sub(amount)
	b.Held = b.Held.Add(amount)
	if err := s.persist(ctx, b); err != nil {
		b.Available = b.Available.Add(amount)
		b.Held = b.Held.Sub(amount)
		return err
	}

	s.mu.Lock()
	s.holds[orderID] = &hold{portfolioID: portfolioID, asset: asset, amount: amount}
	s.mu.Unlock()
	return nil
}

// ReleaseHold returns an order's remaining held amount to available.
// Called on cancel, rejection after acceptance, and expiry. Releasing an
// order with no hold is a no-op so terminal paths can call it blindly.
func (s *Service) ReleaseHold(ctx context.Context, orderID uuid.UUID) error {
	s.mu.Lock()
	h, ok := s.holds[orderID]
	if ok {
		delete(s.holds, orderID)
	}
	s.mu.Unlock()
	if !ok || h.amount.IsZero() {
		return nil
	}

	ps, err := s.state(ctx, h.portfolioID)
	if err != nil {
		return err
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	b := ps.balance(h.portfolioID, h.asset)
	b.Held = b.Held.Sub(h.amount)
	b.Available = b.Available.Add(h.amount)
	return s.persist(ctx, b)
}

// HoldRemaining returns the unconsumed amount of an order's hold, or
// zero when no hold exists. The engine sizes fills against this so a
// fill can never debit more than the order reserved.
func (s *Service) HoldRemaining(orderID uuid.UUID) fixedpoint.Value {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.holds[orderID]
	if !ok {
		return fixedpoint.Zero()
	}
	return h.amount
}

// SettleFill consumes debitAmount from the order's hold and credits
// creditAmount of creditAsset, moving both sides of one execution. A
// fill at a better price than the hold anticipated leaves the surplus
// in the hold until the order terminates. A debit beyond the remaining
// hold is refused outright: the credit side of a fill must never exceed
// what the debit side actually pays.
func (s *Service) SettleFill(ctx context.Context, orderID uuid.UUID, debitAmount fixedpoint.Value, creditAsset string, creditAmount fixedpoint.Value) error {
	s.mu.Lock()
	h, ok := s.holds[orderID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: order %s", ErrHoldNotFound, orderID)
	}

	ps, err := s.state(ctx, h.portfolioID)
	if err != nil {
		return err
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if h.amount.LessThan(debitAmount) {
		return fmt.Errorf("%w: hold for order %s has %s, fill debits %s",
			ErrInsufficientBalance, orderID, h.amount, debitAmount)
	}
	consumed := debitAmount
	debit := ps.balance(h.portfolioID, h.asset)
	debit.Held = debit.Held.Sub(consumed)
	h.amount = h.amount.Sub(consumed)
	if err := s.persist(ctx, debit); err != nil {
		debit.Held = debit.Held.Add(consumed)
		h.amount = h.amount.Add(consumed)
		return err
	}

	credit := ps.balance(h.portfolioID, creditAsset)
	credit.Available = credit.Available.Add(creditAmount)
	if err := s.persist(ctx, credit); err != nil {
		s.logger.Error("fill credit persist failed after debit",
			zap.Error(err),
			zap.String("order_id", orderID.String()),
			zap.String("asset", creditAsset))
		return err
	}
	return nil
}
