package model

import (
	"time"

	"github.com/google/uuid"

	"github.com/peertrade/tradecore/internal/trading/fixedpoint"
)

// Order sides.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Order types.
const (
	TypeMarket       = "MARKET"
	TypeLimit        = "LIMIT"
	TypeStopLoss     = "STOP_LOSS"
	TypeStopLimit    = "STOP_LIMIT"
	TypeMarketMaker  = "MARKET_MAKER"
	TypeTrailingStop = "TRAILING_STOP"
)

// Order statuses. Filled, canceled, rejected and expired are terminal;
// an order never leaves a terminal status.
const (
	StatusReceived        = "RECEIVED"
	StatusOpen            = "OPEN"
	StatusPartiallyFilled = "PARTIALLY_FILLED"
	StatusFilled          = "FILLED"
	StatusCanceled        = "CANCELED"
	StatusRejected        = "REJECTED"
	StatusExpired         = "EXPIRED"
)

// Time in force.
const (
	TimeInForceGTC = "GTC" // Good Till Canceled
	TimeInForceIOC = "IOC" // Immediate Or Cancel
	TimeInForceFOK = "FOK" // Fill Or Kill
	TimeInForceGTD = "GTD" // Good Till Date
)

// Machine-readable rejection reasons carried on rejected orders.
const (
	RejectInvalidFields        = "invalid_fields"
	RejectPairInactive         = "pair_inactive"
	RejectQuantityBelowMinimum = "quantity_below_minimum"
	RejectInvalidPriceBounds   = "invalid_price_bounds"
	RejectExpiryNotInFuture    = "expiry_not_in_future"
	RejectInsufficientBalance  = "insufficient_balance"
	RejectReduceOnlyViolation  = "reduce_only_would_increase_position"
	RejectFOKLiquidity         = "insufficient_liquidity_for_FOK"
	RejectPostOnlyWouldCross   = "post_only_would_cross"
	RejectPortfolioDeactivated = "portfolio_deactivated"
)

// Rebalance trigger reasons recorded on RebalancingRecord.
const (
	RebalanceReasonDrift     = "drift"
	RebalanceReasonScheduled = "scheduled"
	RebalanceReasonManual    = "manual"
)

// TradingPair describes a tradeable base/quote market. Everything except
// Active is immutable once trading has occurred on the pair.
type TradingPair struct {
	ID          uuid.UUID        `json:"id"`
	Symbol      string           `json:"symbol"` // e.g. "BTC/USDT"
	BaseAsset   string           `json:"base_asset"`
	QuoteAsset  string           `json:"quote_asset"`
	TickSize    fixedpoint.Value `json:"tick_size"`
	MinQuantity fixedpoint.Value `json:"min_quantity"`
	Active      bool             `json:"active"`
}

// Order is a trading order moving through the lifecycle state machine.
// Price fields are populated according to Type; the typed OrderParams
// variants in params.go are the only way requests can supply them.
type Order struct {
	ID             uuid.UUID        `json:"id"`
	PortfolioID    uuid.UUID        `json:"portfolio_id"`
	Pair           string           `json:"pair"`
	Side           string           `json:"side"`
	Type           string           `json:"type"`
	Quantity       fixedpoint.Value `json:"quantity"`
	Price          fixedpoint.Value `json:"price,omitempty"`           // limit/stop_limit/market_maker legs
	StopPrice      fixedpoint.Value `json:"stop_price,omitempty"`      // stop_loss/stop_limit/trailing_stop
	TrailingOffset fixedpoint.Value `json:"trailing_offset,omitempty"` // trailing_stop only
	TimeInForce    string           `json:"time_in_force"`
	GoodTillDate   *time.Time       `json:"good_till_date,omitempty"` // GTD only
	PostOnly       bool             `json:"post_only,omitempty"`
	ReduceOnly     bool             `json:"reduce_only,omitempty"`
	FilledQuantity fixedpoint.Value `json:"filled_quantity"`
	AvgFillPrice   fixedpoint.Value `json:"avg_fill_price"`
	Status         string           `json:"status"`
	RejectReason   string           `json:"reject_reason,omitempty"`
	RebalanceID    *uuid.UUID       `json:"rebalance_id,omitempty"` // correlates rebalance legs
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() fixedpoint.Value {
	return o.Quantity.Sub(o.FilledQuantity)
}

// IsTerminal reports whether the order's status is terminal.
func (o *Order) IsTerminal() bool {
	switch o.Status {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// IsStopType reports whether the order is held in the trigger index
// rather than the book until its stop price is crossed.
func (o *Order) IsStopType() bool {
	switch o.Type {
	case TypeStopLoss, TypeStopLimit, TypeTrailingStop:
		return true
	}
	return false
}

// Fill is one execution between a maker and a taker order. Fills are
// append-only; they are never updated or deleted.
type Fill struct {
	ID           uuid.UUID        `json:"id"`
	MakerOrderID uuid.UUID        `json:"maker_order_id"`
	TakerOrderID uuid.UUID        `json:"taker_order_id"`
	Pair         string           `json:"pair"`
	Price        fixedpoint.Value `json:"price"`
	Quantity     fixedpoint.Value `json:"quantity"`
	ExecutedAt   time.Time        `json:"executed_at"`
}

// Portfolio holds capital, target allocation and computed performance
// metrics for one owner.
type Portfolio struct {
	ID                 uuid.UUID                   `json:"id"`
	OwnerID            uuid.UUID                   `json:"owner_id"`
	InitialCapital     fixedpoint.Value            `json:"initial_capital"`
	CurrentValue       fixedpoint.Value            `json:"current_value"`
	AssetAllocation    map[string]fixedpoint.Value `json:"asset_allocation"` // asset -> target weight
	AutoRebalance      bool                        `json:"auto_rebalance"`
	RebalanceThreshold fixedpoint.Value            `json:"rebalance_threshold"` // fractional drift tolerance
	RebalanceInterval  time.Duration               `json:"rebalance_interval"`  // scheduled cadence, 0 = drift-only
	LastRebalancedAt   *time.Time                  `json:"last_rebalanced_at,omitempty"`
	Active             bool                        `json:"active"`

	// Performance metrics maintained by the valuation service.
	RealizedPnL   fixedpoint.Value `json:"realized_pnl"`
	UnrealizedPnL fixedpoint.Value `json:"unrealized_pnl"`
	MaxDrawdown   fixedpoint.Value `json:"max_drawdown"`
	SharpeRatio   fixedpoint.Value `json:"sharpe_ratio"`
	SortinoRatio  fixedpoint.Value `json:"sortino_ratio"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Balance is a per-portfolio, per-asset balance. Held tracks amounts
// reserved by the risk gate for open orders.
type Balance struct {
	PortfolioID uuid.UUID        `json:"portfolio_id"`
	Asset       string           `json:"asset"`
	Available   fixedpoint.Value `json:"available"`
	Held        fixedpoint.Value `json:"held"`
}

// Total returns available plus held.
func (b *Balance) Total() fixedpoint.Value {
	return b.Available.Add(b.Held)
}

// RebalanceAction is one leg of a rebalance execution.
type RebalanceAction struct {
	Asset    string           `json:"asset"`
	Side     string           `json:"side"` // SideBuy or SideSell
	Quantity fixedpoint.Value `json:"quantity"`
	OrderID  *uuid.UUID       `json:"order_id,omitempty"` // nil when the leg was rejected
	Rejected bool             `json:"rejected,omitempty"`
	Reason   string           `json:"reason,omitempty"` // rejection reason when Rejected
}

// RebalancingRecord is the append-only audit record of one rebalance
// execution. Only the rebalancing engine creates these.
type RebalancingRecord struct {
	ID               uuid.UUID                   `json:"id"`
	PortfolioID      uuid.UUID                   `json:"portfolio_id"`
	BeforeAllocation map[string]fixedpoint.Value `json:"before_allocation"`
	AfterAllocation  map[string]fixedpoint.Value `json:"after_allocation"`
	Actions          []RebalanceAction           `json:"actions"`
	TotalValue       fixedpoint.Value            `json:"total_value"`
	Cost             fixedpoint.Value            `json:"cost"`
	Reason           string                      `json:"reason"`
	Partial          bool                        `json:"partial"` // true when one or more legs were rejected
	CreatedAt        time.Time                   `json:"created_at"`
}
