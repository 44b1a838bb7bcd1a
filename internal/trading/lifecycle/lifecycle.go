// Package lifecycle owns the order state machine. Transitions are
// monotonic: once an order reaches a terminal state it never leaves it.
// A fill's quantity, average-price and status changes are applied to
// storage as one unit, so readers never observe a half-updated order.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/peertrade/tradecore/internal/trading/events"
	"github.com/peertrade/tradecore/internal/trading/fixedpoint"
	"github.com/peertrade/tradecore/internal/trading/model"
	"github.com/peertrade/tradecore/pkg/metrics"
)

// ErrIllegalTransition is returned when a transition would leave a
// terminal state or skip the machine's edges.
var ErrIllegalTransition = fmt.Errorf("illegal order state transition")

// legal maps each state to its allowed successors. An incoming order that
// matches immediately moves straight from received to a fill state.
var legal = map[string]map[string]bool{
	model.StatusReceived: {
		model.StatusOpen:            true,
		model.StatusPartiallyFilled: true,
		model.StatusFilled:          true,
		model.StatusCanceled:        true,
		model.StatusRejected:        true,
	},
	model.StatusOpen: {
		model.StatusPartiallyFilled: true,
		model.StatusFilled:          true,
		model.StatusCanceled:        true,
		model.StatusExpired:         true,
	},
	model.StatusPartiallyFilled: {
		model.StatusPartiallyFilled: true,
		model.StatusFilled:          true,
		model.StatusCanceled:        true,
		model.StatusExpired:         true,
	},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to string) bool {
	return legal[from][to]
}

// Manager applies state transitions and fills, persists them, and
// publishes lifecycle events.
type Manager struct {
	repo   model.OrderRepository
	bus    events.Bus
	clock  model.Clock
	logger *zap.Logger
}

// NewManager builds a lifecycle manager.
func NewManager(repo model.OrderRepository, bus events.Bus, clock model.Clock, logger *zap.Logger) *Manager {
	return &Manager{repo: repo, bus: bus, clock: clock, logger: logger}
}

// Create persists a new order in the received state.
func (m *Manager) Create(ctx context.Context, order *model.Order) error {
	if order.Status != model.StatusReceived {
		return fmt.Errorf("%w: new orders start as %s", ErrIllegalTransition, model.StatusReceived)
	}
	if err := m.repo.CreateOrder(ctx, order); err != nil {
		return fmt.Errorf("create order %s: %w", order.ID, err)
	}
	return nil
}

// Transition moves an order to a new state and persists it. The reason
// is recorded for rejected/canceled/expired orders.
func (m *Manager) Transition(ctx context.Context, order *model.Order, to, reason string) error {
	if !CanTransition(order.Status, to) {
		return fmt.Errorf("%w: %s -> %s for order %s", ErrIllegalTransition, order.Status, to, order.ID)
	}
	from := order.Status
	order.Status = to
	order.RejectReason = reason
	order.UpdatedAt = m.clock.Now()

	if err := m.repo.UpdateOrderStatus(ctx, order.ID, to, reason); err != nil {
		// Roll the in-memory order back so the book and storage agree.
		order.Status = from
		order.RejectReason = ""
		return fmt.Errorf("persist transition %s -> %s for order %s: %w", from, to, order.ID, err)
	}

	m.logger.Debug("order transition",
		zap.String("order_id", order.ID.String()),
		zap.String("from", from),
		zap.String("to", to),
		zap.String("reason", reason))
	m.publishOrder(ctx, order, transitionEventType(to), reason)
	return nil
}

// ApplyFill records a fill against its maker and taker orders. Both
// orders' filled quantity, average price and status advance together,
// and the repository persists fill plus order updates in one
// transaction. Fill sequencing per order is guaranteed by the pair
// worker that calls this.
func (m *Manager) ApplyFill(ctx context.Context, fill *model.Fill, maker, taker *model.Order) error {
	if fill.Quantity.GreaterThan(maker.Remaining()) || fill.Quantity.GreaterThan(taker.Remaining()) {
		return fmt.Errorf("fill %s quantity %s exceeds remaining quantity", fill.ID, fill.Quantity)
	}

	makerPrev := snapshotFillState(maker)
	takerPrev := snapshotFillState(taker)
	now := m.clock.Now()
	applyToOrder(maker, fill, now)
	applyToOrder(taker, fill, now)

	if err := m.repo.ApplyFill(ctx, fill, maker, taker); err != nil {
		restoreFillState(maker, makerPrev)
		restoreFillState(taker, takerPrev)
		return fmt.Errorf("persist fill %s: %w", fill.ID, err)
	}
	metrics.FillsRecorded.Inc()

	m.bus.Publish(ctx, events.Event{
		Topic:     events.TopicFill,
		Type:      events.TypeFillRecorded,
		Timestamp: now,
		Payload: events.FillNotice{
			FillID:       fill.ID.String(),
			MakerOrderID: fill.MakerOrderID.String(),
			TakerOrderID: fill.TakerOrderID.String(),
			Pair:         fill.Pair,
			Price:        fill.Price.String(),
			Quantity:     fill.Quantity.String(),
			Timestamp:    fill.ExecutedAt,
		},
	})
	for _, o := range []*model.Order{maker, taker} {
		if o.Status == model.StatusFilled {
			m.publishOrder(ctx, o, events.TypeOrderFilled, "")
		}
	}
	return nil
}

type fillState struct {
	filled fixedpoint.Value
	avg    fixedpoint.Value
	status string
}

func snapshotFillState(o *model.Order) fillState {
	return fillState{filled: o.FilledQuantity, avg: o.AvgFillPrice, status: o.Status}
}

func restoreFillState(o *model.Order, s fillState) {
	o.FilledQuantity = s.filled
	o.AvgFillPrice = s.avg
	o.Status = s.status
}

// applyToOrder advances one order's fill accounting. The average fill
// price is the quantity-weighted mean of all fills.
func applyToOrder(o *model.Order, fill *model.Fill, now time.Time) {
	prevNotional := o.AvgFillPrice.Mul(o.FilledQuantity)
	o.FilledQuantity = o.FilledQuantity.Add(fill.Quantity)
	newNotional := prevNotional.Add(fill.Price.Mul(fill.Quantity))
	if avg, err := newNotional.Div(o.FilledQuantity); err == nil {
		o.AvgFillPrice = avg
	}
	if o.FilledQuantity.Equal(o.Quantity) {
		o.Status = model.StatusFilled
	} else {
		o.Status = model.StatusPartiallyFilled
	}
	o.UpdatedAt = now
}

func (m *Manager) publishOrder(ctx context.Context, o *model.Order, eventType, reason string) {
	m.bus.Publish(ctx, events.Event{
		Topic:     events.TopicOrder,
		Type:      eventType,
		Timestamp: o.UpdatedAt,
		Payload: events.OrderNotice{
			OrderID:     o.ID.String(),
			PortfolioID: o.PortfolioID.String(),
			Pair:        o.Pair,
			Side:        o.Side,
			Type:        o.Type,
			Status:      o.Status,
			Reason:      reason,
			Timestamp:   o.UpdatedAt,
		},
	})
}

func transitionEventType(to string) string {
	switch to {
	case model.StatusOpen:
		return events.TypeOrderAccepted
	case model.StatusRejected:
		return events.TypeOrderRejected
	case model.StatusCanceled:
		return events.TypeOrderCanceled
	case model.StatusExpired:
		return events.TypeOrderExpired
	case model.StatusFilled:
		return events.TypeOrderFilled
	default:
		return events.TypeOrderAccepted
	}
}

// GetOrder fetches an order by id for status queries.
func (m *Manager) GetOrder(ctx context.Context, orderID uuid.UUID) (*model.Order, error) {
	return m.repo.GetOrderByID(ctx, orderID)
}
