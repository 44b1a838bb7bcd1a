package model

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/peertrade/tradecore/internal/trading/fixedpoint"
)

// Storage error sentinels shared across repository implementations.
var (
	ErrOrderNotFound     = errors.New("order not found")
	ErrPairNotFound      = errors.New("trading pair not found")
	ErrPortfolioNotFound = errors.New("portfolio not found")
	ErrPersistence       = errors.New("persistence failure")
)

// OrderRepository stores orders and the append-only fill ledger.
// ApplyFill must persist the fill and both order updates in one
// transaction so no reader ever observes a fill without its order
// mutations or vice versa.
type OrderRepository interface {
	CreateOrder(ctx context.Context, order *Order) error
	GetOrderByID(ctx context.Context, orderID uuid.UUID) (*Order, error)
	GetOpenOrdersByPair(ctx context.Context, pair string) ([]*Order, error)
	GetOpenOrdersByPortfolio(ctx context.Context, portfolioID uuid.UUID) ([]*Order, error)
	UpdateOrderStatus(ctx context.Context, orderID uuid.UUID, status, reason string) error
	ApplyFill(ctx context.Context, fill *Fill, maker, taker *Order) error
	GetExpiredGTDOrders(ctx context.Context, pair string, now time.Time) ([]*Order, error)
	GetFillsByOrder(ctx context.Context, orderID uuid.UUID) ([]*Fill, error)
}

// PortfolioRepository stores portfolios, balances and rebalancing history.
type PortfolioRepository interface {
	GetPortfolio(ctx context.Context, portfolioID uuid.UUID) (*Portfolio, error)
	ListActivePortfolios(ctx context.Context) ([]*Portfolio, error)
	UpdatePortfolio(ctx context.Context, portfolio *Portfolio) error
	GetBalances(ctx context.Context, portfolioID uuid.UUID) ([]*Balance, error)
	SaveBalance(ctx context.Context, balance *Balance) error
	CreateRebalancingRecord(ctx context.Context, record *RebalancingRecord) error
	ListRebalancingRecords(ctx context.Context, portfolioID uuid.UUID, limit int) ([]*RebalancingRecord, error)
}

// PairRepository resolves trading pair definitions.
type PairRepository interface {
	GetPair(ctx context.Context, symbol string) (*TradingPair, error)
	ListActivePairs(ctx context.Context) ([]*TradingPair, error)
}

// PriceFeed supplies last-traded and mark prices. LastTradedPrice drives
// stop triggering and the risk gate's price band; MarkPrice values one
// asset in quote-currency terms for portfolio valuation.
type PriceFeed interface {
	LastTradedPrice(ctx context.Context, pair string) (fixedpoint.Value, error)
	MarkPrice(ctx context.Context, asset string) (fixedpoint.Value, error)
}

// Clock abstracts time so expiry and trigger logic is deterministic
// under test.
type Clock interface {
	Now() time.Time
}

// RealClock is the production Clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now().UTC() }
