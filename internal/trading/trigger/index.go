// Package trigger holds stop, stop-limit and trailing-stop orders
// outside the book until the last traded price crosses their trigger.
// One Index serves one trading pair and is driven by that pair's engine
// worker, which serializes all calls.
package trigger

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/peertrade/tradecore/internal/trading/fixedpoint"
	"github.com/peertrade/tradecore/internal/trading/model"
)

// Trigger directions.
const (
	directionAbove = "above" // fires when price rises to or past the stop
	directionBelow = "below" // fires when price falls to or past the stop
)

type condition struct {
	order     *model.Order
	direction string
	stop      fixedpoint.Value
	trailing  bool
}

// Index is the pending-trigger store for one pair.
type Index struct {
	pair   string
	logger *zap.Logger

	mu         sync.Mutex
	conditions map[uuid.UUID]*condition
}

// NewIndex creates an empty trigger index for the pair.
func NewIndex(pair string, logger *zap.Logger) *Index {
	return &Index{
		pair:       pair,
		logger:     logger,
		conditions: make(map[uuid.UUID]*condition),
	}
}

// direction returns which way the price must move to fire the order.
// A sell stop protects a long position: it fires on the way down. A buy
// stop fires on the way up.
func direction(side string) string {
	if side == model.SideSell {
		return directionBelow
	}
	return directionAbove
}

// Add registers a stop-type order. Trailing stops without an initial
// stop price derive one from the last traded price and their offset.
func (x *Index) Add(order *model.Order, lastPrice fixedpoint.Value) {
	c := &condition{
		order:     order,
		direction: direction(order.Side),
		stop:      order.StopPrice,
		trailing:  order.Type == model.TypeTrailingStop,
	}
	if c.trailing && c.stop.IsZero() && !lastPrice.IsZero() {
		if c.direction == directionBelow {
			c.stop = lastPrice.Sub(order.TrailingOffset)
		} else {
			c.stop = lastPrice.Add(order.TrailingOffset)
		}
		order.StopPrice = c.stop
	}

	x.mu.Lock()
	x.conditions[order.ID] = c
	x.mu.Unlock()

	x.logger.Debug("stop order registered",
		zap.String("order_id", order.ID.String()),
		zap.String("pair", x.pair),
		zap.String("type", order.Type),
		zap.String("stop", c.stop.String()))
}

// Remove drops a pending order, for cancels. Returns the order, or nil
// if it was not pending.
func (x *Index) Remove(orderID uuid.UUID) *model.Order {
	x.mu.Lock()
	defer x.mu.Unlock()
	c, ok := x.conditions[orderID]
	if !ok {
		return nil
	}
	delete(x.conditions, orderID)
	return c.order
}

// Contains reports whether the order is pending in this index.
func (x *Index) Contains(orderID uuid.UUID) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	_, ok := x.conditions[orderID]
	return ok
}

// Pending returns all pending orders, for deactivation sweeps.
func (x *Index) Pending() []*model.Order {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := make([]*model.Order, 0, len(x.conditions))
	for _, c := range x.conditions {
		out = append(out, c.order)
	}
	return out
}

// OnPrice feeds a new last-traded price through the index. Trailing
// stops ratchet in the holder's favor first, then every crossed
// condition fires. Fired orders are removed and returned for release
// into the matching engine.
func (x *Index) OnPrice(price fixedpoint.Value) []*model.Order {
	x.mu.Lock()
	defer x.mu.Unlock()

	var fired []*model.Order
	for id, c := range x.conditions {
		if c.trailing {
			x.ratchet(c, price)
		}
		if crossed(c, price) {
			delete(x.conditions, id)
			fired = append(fired, c.order)
			x.logger.Debug("stop order triggered",
				zap.String("order_id", c.order.ID.String()),
				zap.String("pair", x.pair),
				zap.String("stop", c.stop.String()),
				zap.String("price", price.String()))
		}
	}
	return fired
}

// ratchet moves a trailing stop toward the price, never away. A sell
// trail only rises; a buy trail only falls.
func (x *Index) ratchet(c *condition, price fixedpoint.Value) {
	if c.direction == directionBelow {
		candidate := price.Sub(c.order.TrailingOffset)
		if candidate.GreaterThan(c.stop) {
			c.stop = candidate
			c.order.StopPrice = candidate
		}
		return
	}
	candidate := price.Add(c.order.TrailingOffset)
	if c.stop.IsZero() || candidate.LessThan(c.stop) {
		c.stop = candidate
		c.order.StopPrice = candidate
	}
}

func crossed(c *condition, price fixedpoint.Value) bool {
	if c.stop.IsZero() {
		return false
	}
	if c.direction == directionBelow {
		return price.LessThanOrEqual(c.stop)
	}
	return price.GreaterThanOrEqual(c.stop)
}
