package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/peertrade/tradecore/internal/trading/fixedpoint"
)

// ErrInvalidOrder is wrapped by every field-combination validation failure.
var ErrInvalidOrder = errors.New("invalid order")

// OrderParams is the typed per-order-type parameter variant. Each variant
// carries only the fields its order type uses, so a stop price on a plain
// limit order is unrepresentable rather than merely rejected.
type OrderParams interface {
	OrderType() string
	validate() error
}

// MarketParams configures a market order. Market orders carry no price.
type MarketParams struct{}

func (MarketParams) OrderType() string { return TypeMarket }
func (MarketParams) validate() error   { return nil }

// LimitParams configures a limit order.
type LimitParams struct {
	Price fixedpoint.Value
}

func (p LimitParams) OrderType() string { return TypeLimit }
func (p LimitParams) validate() error {
	if !p.Price.IsPositive() {
		return fmt.Errorf("%w: limit price must be positive", ErrInvalidOrder)
	}
	return nil
}

// StopLossParams configures a stop-loss order: released as a market order
// once the last traded price crosses StopPrice.
type StopLossParams struct {
	StopPrice fixedpoint.Value
}

func (p StopLossParams) OrderType() string { return TypeStopLoss }
func (p StopLossParams) validate() error {
	if !p.StopPrice.IsPositive() {
		return fmt.Errorf("%w: stop price must be positive", ErrInvalidOrder)
	}
	return nil
}

// StopLimitParams configures a stop-limit order: released as a limit order
// at Price once the last traded price crosses StopPrice.
type StopLimitParams struct {
	StopPrice fixedpoint.Value
	Price     fixedpoint.Value
}

func (p StopLimitParams) OrderType() string { return TypeStopLimit }
func (p StopLimitParams) validate() error {
	if !p.StopPrice.IsPositive() {
		return fmt.Errorf("%w: stop price must be positive", ErrInvalidOrder)
	}
	if !p.Price.IsPositive() {
		return fmt.Errorf("%w: limit price must be positive", ErrInvalidOrder)
	}
	return nil
}

// TrailingStopParams configures a trailing stop. The stop price ratchets to
// best price -/+ Offset in the holder's favor and never moves against them.
type TrailingStopParams struct {
	Offset fixedpoint.Value
}

func (p TrailingStopParams) OrderType() string { return TypeTrailingStop }
func (p TrailingStopParams) validate() error {
	if !p.Offset.IsPositive() {
		return fmt.Errorf("%w: trailing offset must be positive", ErrInvalidOrder)
	}
	return nil
}

// MarketMakerParams configures a two-sided quote: a post-only bid and ask
// around ReferencePrice, HalfSpread away on each side. A zero HalfSpread
// uses the engine's configured default.
type MarketMakerParams struct {
	ReferencePrice fixedpoint.Value
	HalfSpread     fixedpoint.Value
}

func (p MarketMakerParams) OrderType() string { return TypeMarketMaker }
func (p MarketMakerParams) validate() error {
	if !p.ReferencePrice.IsPositive() {
		return fmt.Errorf("%w: reference price must be positive", ErrInvalidOrder)
	}
	if p.HalfSpread.IsNegative() {
		return fmt.Errorf("%w: half spread must not be negative", ErrInvalidOrder)
	}
	return nil
}

// SubmitRequest is the validated order intake contract. The upstream HTTP
// layer has already checked field presence; the engine re-validates the
// combinations here before anything reaches the risk gate.
type SubmitRequest struct {
	PortfolioID  uuid.UUID
	Pair         string
	Side         string
	Quantity     fixedpoint.Value
	Params       OrderParams
	TimeInForce  string
	GoodTillDate *time.Time
	PostOnly     bool
	ReduceOnly   bool
	RebalanceID  *uuid.UUID
}

// Validate checks the request's field combinations. Failures wrap
// ErrInvalidOrder and are never persisted as open orders.
func (r *SubmitRequest) Validate() error {
	if r.Side != SideBuy && r.Side != SideSell {
		return fmt.Errorf("%w: unknown side %q", ErrInvalidOrder, r.Side)
	}
	if !r.Quantity.IsPositive() {
		return fmt.Errorf("%w: quantity must be positive", ErrInvalidOrder)
	}
	if r.Params == nil {
		return fmt.Errorf("%w: missing order parameters", ErrInvalidOrder)
	}
	if err := r.Params.validate(); err != nil {
		return err
	}
	switch r.TimeInForce {
	case TimeInForceGTC, TimeInForceIOC, TimeInForceFOK:
		if r.GoodTillDate != nil {
			return fmt.Errorf("%w: good_till_date only valid with GTD", ErrInvalidOrder)
		}
	case TimeInForceGTD:
		if r.GoodTillDate == nil {
			return fmt.Errorf("%w: GTD requires good_till_date", ErrInvalidOrder)
		}
	default:
		return fmt.Errorf("%w: unknown time in force %q", ErrInvalidOrder, r.TimeInForce)
	}
	if r.PostOnly && r.Params.OrderType() == TypeMarket {
		return fmt.Errorf("%w: market orders cannot be post-only", ErrInvalidOrder)
	}
	if r.Params.OrderType() == TypeMarketMaker && (r.TimeInForce == TimeInForceIOC || r.TimeInForce == TimeInForceFOK) {
		return fmt.Errorf("%w: market maker quotes must rest", ErrInvalidOrder)
	}
	return nil
}

// BuildOrder flattens the request into a persistable Order in the
// received state. Trailing stops get their initial stop price from the
// engine once the last traded price is known.
func (r *SubmitRequest) BuildOrder(now time.Time) *Order {
	o := &Order{
		ID:           uuid.New(),
		PortfolioID:  r.PortfolioID,
		Pair:         r.Pair,
		Side:         r.Side,
		Type:         r.Params.OrderType(),
		Quantity:     r.Quantity,
		TimeInForce:  r.TimeInForce,
		GoodTillDate: r.GoodTillDate,
		PostOnly:     r.PostOnly,
		ReduceOnly:   r.ReduceOnly,
		RebalanceID:  r.RebalanceID,
		Status:       StatusReceived,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	switch p := r.Params.(type) {
	case LimitParams:
		o.Price = p.Price
	case StopLossParams:
		o.StopPrice = p.StopPrice
	case StopLimitParams:
		o.StopPrice = p.StopPrice
		o.Price = p.Price
	case TrailingStopParams:
		o.TrailingOffset = p.Offset
	case MarketMakerParams:
		o.Price = p.ReferencePrice
		o.PostOnly = true
	}
	return o
}
