// Package trading is the facade over the matching engine, order
// lifecycle and rebalancing engine. Collaborators (HTTP layer,
// schedulers) talk to Service; they never reach into the engines.
package trading

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/peertrade/tradecore/internal/trading/engine"
	"github.com/peertrade/tradecore/internal/trading/model"
	"github.com/peertrade/tradecore/internal/trading/orderbook"
	"github.com/peertrade/tradecore/internal/trading/portfolio"
)

// Service exposes the trading subsystem's operations.
type Service struct {
	engine     *engine.Engine
	orders     model.OrderRepository
	portfolios model.PortfolioRepository
	rebalancer *portfolio.Rebalancer
	valuer     *portfolio.Valuer
	logger     *zap.Logger
}

// NewService wires the facade. The rebalancer is attached afterwards via
// SetRebalancer because it needs the service as its order path.
func NewService(eng *engine.Engine, orders model.OrderRepository, portfolios model.PortfolioRepository, valuer *portfolio.Valuer, logger *zap.Logger) *Service {
	return &Service{
		engine:     eng,
		orders:     orders,
		portfolios: portfolios,
		valuer:     valuer,
		logger:     logger,
	}
}

// SetRebalancer attaches the rebalancing engine. Must be called before
// TriggerRebalanceCheck is used.
func (s *Service) SetRebalancer(r *portfolio.Rebalancer) { s.rebalancer = r }

// SubmitOrder validates, persists and matches a submission. The returned
// orders are in their final synchronous state: resting, filled, or
// rejected with a reason.
func (s *Service) SubmitOrder(ctx context.Context, req *model.SubmitRequest) (*engine.SubmitResult, error) {
	return s.engine.SubmitOrder(ctx, req)
}

// Submit is the single-order submission used by the rebalancing engine
// for its legs. Implements portfolio.Trader.
func (s *Service) Submit(ctx context.Context, req *model.SubmitRequest) (*model.Order, error) {
	res, err := s.engine.SubmitOrder(ctx, req)
	if err != nil {
		return nil, err
	}
	return res.Primary(), nil
}

// CancelOrder cancels a resting or pending-trigger order.
func (s *Service) CancelOrder(ctx context.Context, orderID uuid.UUID) (*model.Order, error) {
	return s.engine.CancelOrder(ctx, orderID)
}

// GetOrderStatus returns the order's current persisted state.
func (s *Service) GetOrderStatus(ctx context.Context, orderID uuid.UUID) (*model.Order, error) {
	return s.orders.GetOrderByID(ctx, orderID)
}

// GetOrderFills returns the executions recorded against an order.
func (s *Service) GetOrderFills(ctx context.Context, orderID uuid.UUID) ([]*model.Fill, error) {
	if _, err := s.orders.GetOrderByID(ctx, orderID); err != nil {
		return nil, err
	}
	return s.orders.GetFillsByOrder(ctx, orderID)
}

// GetOpenOrders returns a portfolio's open and partially filled orders.
func (s *Service) GetOpenOrders(ctx context.Context, portfolioID uuid.UUID) ([]*model.Order, error) {
	if _, err := s.portfolios.GetPortfolio(ctx, portfolioID); err != nil {
		return nil, err
	}
	return s.orders.GetOpenOrdersByPortfolio(ctx, portfolioID)
}

// TriggerRebalanceCheck runs a manual rebalance evaluation for the
// portfolio. A nil record means nothing was due.
func (s *Service) TriggerRebalanceCheck(ctx context.Context, portfolioID uuid.UUID) (*model.RebalancingRecord, error) {
	if s.rebalancer == nil {
		return nil, fmt.Errorf("rebalancer not attached")
	}
	return s.rebalancer.CheckAndRebalance(ctx, portfolioID, model.RebalanceReasonManual)
}

// GetPortfolio returns the portfolio with a fresh valuation applied.
func (s *Service) GetPortfolio(ctx context.Context, portfolioID uuid.UUID) (*model.Portfolio, error) {
	p, err := s.portfolios.GetPortfolio(ctx, portfolioID)
	if err != nil {
		return nil, err
	}
	if _, err := s.valuer.Revalue(ctx, p); err != nil {
		// Valuation staleness is not fatal to the read.
		s.logger.Warn("portfolio revaluation failed", zap.Error(err), zap.String("portfolio_id", portfolioID.String()))
	}
	return p, nil
}

// ListRebalancingRecords returns the portfolio's rebalance history,
// newest first.
func (s *Service) ListRebalancingRecords(ctx context.Context, portfolioID uuid.UUID, limit int) ([]*model.RebalancingRecord, error) {
	if _, err := s.portfolios.GetPortfolio(ctx, portfolioID); err != nil {
		return nil, err
	}
	return s.portfolios.ListRebalancingRecords(ctx, portfolioID, limit)
}

// DeactivatePortfolio marks the portfolio inactive and cancels its open
// orders. Order and rebalance history is kept.
func (s *Service) DeactivatePortfolio(ctx context.Context, portfolioID uuid.UUID) error {
	p, err := s.portfolios.GetPortfolio(ctx, portfolioID)
	if err != nil {
		return err
	}
	if p.Active {
		p.Active = false
		if err := s.portfolios.UpdatePortfolio(ctx, p); err != nil {
			return fmt.Errorf("deactivate portfolio %s: %w", portfolioID, err)
		}
	}
	if err := s.engine.CancelPortfolioOrders(ctx, portfolioID); err != nil {
		return fmt.Errorf("cancel open orders for %s: %w", portfolioID, err)
	}
	s.logger.Info("portfolio deactivated", zap.String("portfolio_id", portfolioID.String()))
	return nil
}

// BookSnapshot returns current depth for one pair.
func (s *Service) BookSnapshot(pair string, depth int) (*orderbook.Snapshot, error) {
	return s.engine.BookSnapshot(pair, depth)
}
