package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/peertrade/tradecore/internal/trading/fixedpoint"
	"github.com/peertrade/tradecore/internal/trading/model"
	"github.com/peertrade/tradecore/internal/trading/orderbook"
	"github.com/peertrade/tradecore/internal/trading/trigger"
	"github.com/peertrade/tradecore/pkg/metrics"
)

type cmdKind int

const (
	cmdSubmit cmdKind = iota
	cmdCancel
	cmdExpireSweep
)

type command struct {
	kind    cmdKind
	orders  []*model.Order
	orderID uuid.UUID
	reply   chan cmdResult
}

type cmdResult struct {
	order *model.Order
	err   error
}

// pairWorker is the single writer for one pair's book and trigger
// index. Everything that mutates them flows through its command loop.
type pairWorker struct {
	engine   *Engine
	pair     *model.TradingPair
	book     *orderbook.Book
	stops    *trigger.Index
	logger   *zap.Logger
	commands chan command

	priceMu sync.RWMutex
	last    fixedpoint.Value
}

func newPairWorker(e *Engine, pair *model.TradingPair) *pairWorker {
	return &pairWorker{
		engine:   e,
		pair:     pair,
		book:     orderbook.New(pair.Symbol),
		stops:    trigger.NewIndex(pair.Symbol, e.logger),
		logger:   e.logger.With(zap.String("pair", pair.Symbol)),
		commands: make(chan command, e.cfg.QueueSize),
	}
}

func (w *pairWorker) lastPrice() fixedpoint.Value {
	w.priceMu.RLock()
	defer w.priceMu.RUnlock()
	return w.last
}

func (w *pairWorker) setLastPrice(p fixedpoint.Value) {
	w.priceMu.Lock()
	w.last = p
	w.priceMu.Unlock()
}

// recover rebuilds the book and trigger index from the durable store.
// Run before the worker loop starts, so no locking is needed.
func (w *pairWorker) recover(ctx context.Context) error {
	orders, err := w.engine.repo.GetOpenOrdersByPair(ctx, w.pair.Symbol)
	if err != nil {
		return err
	}
	if last, err := w.engine.feed.LastTradedPrice(ctx, w.pair.Symbol); err == nil {
		w.last = last
	}
	for _, o := range orders {
		if o.IsStopType() {
			w.stops.Add(o, w.last)
			continue
		}
		if err := w.book.Insert(o); err != nil {
			w.logger.Warn("skip unrecoverable open order", zap.Error(err), zap.String("order_id", o.ID.String()))
		}
	}
	if len(orders) > 0 {
		w.logger.Info("book recovered from durable store", zap.Int("orders", len(orders)))
	}
	// Stops crossed while the engine was down fire as soon as the book
	// is rebuilt.
	w.fireTriggers(ctx)
	w.updateDepthMetrics()
	return nil
}

func (w *pairWorker) send(ctx context.Context, cmd command) error {
	select {
	case <-w.engine.stopCh:
		return ErrNotRunning
	case w.commands <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *pairWorker) run(wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case <-w.engine.stopCh:
			w.drainCommands()
			return
		case cmd := <-w.commands:
			w.handle(cmd)
		}
	}
}

// drainCommands fails every queued command after shutdown so callers
// blocked on a reply are not left hanging.
func (w *pairWorker) drainCommands() {
	for {
		select {
		case cmd := <-w.commands:
			if cmd.reply != nil {
				cmd.reply <- cmdResult{err: ErrNotRunning}
			}
		default:
			return
		}
	}
}

func (w *pairWorker) handle(cmd command) {
	ctx := context.Background()
	switch cmd.kind {
	case cmdSubmit:
		err := w.processSubmission(ctx, cmd.orders)
		if cmd.reply != nil {
			cmd.reply <- cmdResult{err: err}
		}
	case cmdCancel:
		order, err := w.processCancel(ctx, cmd.orderID)
		if cmd.reply != nil {
			cmd.reply <- cmdResult{order: order, err: err}
		}
	case cmdExpireSweep:
		w.processExpiry(ctx)
	}
	w.updateDepthMetrics()
}

// processSubmission runs the matching algorithm for one submission.
// Market-maker submissions arrive as a bid/ask pair and are accepted or
// rejected atomically; everything else is a single order.
func (w *pairWorker) processSubmission(ctx context.Context, orders []*model.Order) error {
	start := time.Now()
	defer func() { metrics.MatchLatency.Observe(time.Since(start).Seconds()) }()

	if len(orders) == 2 && orders[0].Type == model.TypeMarketMaker {
		return w.processQuotePair(ctx, orders[0], orders[1])
	}
	return w.processOrder(ctx, orders[0])
}

// processQuotePair places a two-sided post-only quote. If either side
// would take liquidity the whole quote is rejected.
func (w *pairWorker) processQuotePair(ctx context.Context, bid, ask *model.Order) error {
	bidCanceled := w.engine.takePendingCancel(bid.ID)
	askCanceled := w.engine.takePendingCancel(ask.ID)
	if bidCanceled || askCanceled {
		// A quote is atomic, so canceling either leg cancels both.
		for _, o := range []*model.Order{bid, ask} {
			w.releaseHold(ctx, o)
			if err := w.engine.lifecycle.Transition(ctx, o, model.StatusCanceled, ""); err != nil {
				return err
			}
		}
		return nil
	}
	if w.book.WouldCross(model.SideBuy, bid.Price) || w.book.WouldCross(model.SideSell, ask.Price) {
		for _, o := range []*model.Order{bid, ask} {
			w.releaseHold(ctx, o)
			if err := w.engine.lifecycle.Transition(ctx, o, model.StatusRejected, model.RejectPostOnlyWouldCross); err != nil {
				return err
			}
			metrics.OrdersRejected.WithLabelValues(model.RejectPostOnlyWouldCross).Inc()
		}
		return nil
	}
	for _, o := range []*model.Order{bid, ask} {
		if err := w.rest(ctx, o); err != nil {
			return err
		}
	}
	return nil
}

// processOrder routes one order by type through trigger registration or
// matching, honoring time-in-force.
func (w *pairWorker) processOrder(ctx context.Context, order *model.Order) error {
	if w.engine.takePendingCancel(order.ID) {
		w.releaseHold(ctx, order)
		return w.engine.lifecycle.Transition(ctx, order, model.StatusCanceled, "")
	}
	metrics.OrdersSubmitted.WithLabelValues(order.Side, order.Type).Inc()

	if order.IsStopType() {
		if err := w.engine.lifecycle.Transition(ctx, order, model.StatusOpen, ""); err != nil {
			return err
		}
		w.stops.Add(order, w.lastPrice())
		// A trigger the last trade already satisfies fires now instead
		// of waiting for the next fill.
		w.fireTriggers(ctx)
		return nil
	}
	return w.match(ctx, order)
}

// executesAsMarket reports whether the order takes whatever liquidity
// is there with no price limit. Triggered stop-loss and trailing stops
// execute like market orders; stop-limits keep their limit price.
func executesAsMarket(o *model.Order) bool {
	switch o.Type {
	case model.TypeMarket, model.TypeStopLoss, model.TypeTrailingStop:
		return true
	}
	return false
}

// match executes the taker against the book, then applies residual
// policy: market and IOC residuals cancel, FOK is all-or-nothing, and
// GTC/GTD limit residuals rest.
func (w *pairWorker) match(ctx context.Context, taker *model.Order) error {
	hasLimit := !executesAsMarket(taker)

	if taker.PostOnly && hasLimit {
		if w.book.WouldCross(taker.Side, taker.Price) {
			return w.rejectOrder(ctx, taker, model.RejectPostOnlyWouldCross)
		}
		return w.rest(ctx, taker)
	}

	if taker.TimeInForce == model.TimeInForceFOK {
		// The worker serializes all book access, so the depth check and
		// the fills below are one atomic step: no partial FOK fill is
		// ever observable.
		available := w.book.AvailableDepth(taker.Side, taker.Price, hasLimit, taker.Quantity)
		if available.LessThan(taker.Quantity) {
			return w.rejectOrder(ctx, taker, model.RejectFOKLiquidity)
		}
		if taker.Side == model.SideBuy {
			// Depth alone is not enough for a buy: the fills execute at
			// maker prices, which can exceed the reference the hold was
			// sized at.
			cost := w.book.FillCost(taker.Side, taker.Price, hasLimit, taker.Quantity)
			if w.engine.balances.HoldRemaining(taker.ID).LessThan(cost) {
				return w.rejectOrder(ctx, taker, model.RejectInsufficientBalance)
			}
		}
	}

	for taker.Remaining().IsPositive() {
		maker := w.book.BestMaker(taker.Side, taker.Price, hasLimit)
		if maker == nil {
			break
		}
		qty := taker.Remaining().Min(maker.Remaining())
		if taker.Side == model.SideBuy {
			qty = qty.Min(w.affordableQuantity(taker, maker.Price))
		}
		if !qty.IsPositive() {
			break
		}
		if err := w.fill(ctx, maker, taker, qty); err != nil {
			return err
		}
	}

	if !taker.Remaining().IsPositive() {
		w.releaseHold(ctx, taker) // surplus from price improvement
		w.fireTriggers(ctx)
		return nil
	}

	// Residual handling.
	switch {
	case executesAsMarket(taker),
		taker.TimeInForce == model.TimeInForceIOC:
		w.releaseHold(ctx, taker)
		if err := w.engine.lifecycle.Transition(ctx, taker, model.StatusCanceled, ""); err != nil {
			return err
		}
	default:
		if err := w.rest(ctx, taker); err != nil {
			return err
		}
	}
	w.fireTriggers(ctx)
	return nil
}

// affordableQuantity caps a buy fill at the quantity the taker's
// remaining quote hold pays for at the maker's price. Limit buys are
// held at their limit price and never hit the cap; market-execution
// buys can meet makers priced above the reference the hold was sized
// at, and must not fill beyond what they reserved.
func (w *pairWorker) affordableQuantity(taker *model.Order, price fixedpoint.Value) fixedpoint.Value {
	held := w.engine.balances.HoldRemaining(taker.ID)
	qty, err := held.Div(price)
	if err != nil {
		return fixedpoint.Zero()
	}
	return qty
}

// fill executes one match of qty at the maker's resting price (takers
// get the price improvement, never the makers).
func (w *pairWorker) fill(ctx context.Context, maker, taker *model.Order, qty fixedpoint.Value) error {
	price := maker.Price
	now := w.engine.clock.Now()
	f := &model.Fill{
		ID:           uuid.New(),
		MakerOrderID: maker.ID,
		TakerOrderID: taker.ID,
		Pair:         w.pair.Symbol,
		Price:        price,
		Quantity:     qty,
		ExecutedAt:   now,
	}
	if err := w.engine.lifecycle.ApplyFill(ctx, f, maker, taker); err != nil {
		// The in-memory orders were rolled back; the maker stays in the
		// book and storage still agrees with it.
		return err
	}
	w.settle(ctx, maker, price, qty)
	w.settle(ctx, taker, price, qty)
	if maker.Status == model.StatusFilled {
		if _, err := w.book.Remove(maker.ID); err != nil {
			w.logger.Error("filled maker missing from book", zap.Error(err), zap.String("order_id", maker.ID.String()))
		}
		w.releaseHold(ctx, maker)
	}
	w.setLastPrice(price)
	return nil
}

// settle moves one side's balances for a fill: buyers consume quote
// hold and receive base, sellers consume base hold and receive quote.
func (w *pairWorker) settle(ctx context.Context, o *model.Order, price, qty fixedpoint.Value) {
	notional := price.Mul(qty)
	var err error
	if o.Side == model.SideBuy {
		err = w.engine.balances.SettleFill(ctx, o.ID, notional, w.pair.BaseAsset, qty)
	} else {
		err = w.engine.balances.SettleFill(ctx, o.ID, qty, w.pair.QuoteAsset, notional)
	}
	if err != nil {
		w.logger.Error("balance settlement failed",
			zap.Error(err),
			zap.String("order_id", o.ID.String()),
			zap.String("price", price.String()),
			zap.String("quantity", qty.String()))
	}
}

// rest inserts the order's remainder into the book and advances its
// state when it has not been touched by fills yet.
func (w *pairWorker) rest(ctx context.Context, order *model.Order) error {
	if order.Status == model.StatusReceived {
		if err := w.engine.lifecycle.Transition(ctx, order, model.StatusOpen, ""); err != nil {
			return err
		}
	}
	return w.book.Insert(order)
}

func (w *pairWorker) rejectOrder(ctx context.Context, order *model.Order, reason string) error {
	w.releaseHold(ctx, order)
	metrics.OrdersRejected.WithLabelValues(reason).Inc()
	return w.engine.lifecycle.Transition(ctx, order, model.StatusRejected, reason)
}

func (w *pairWorker) releaseHold(ctx context.Context, order *model.Order) {
	if err := w.engine.balances.ReleaseHold(ctx, order.ID); err != nil {
		w.logger.Error("release hold failed", zap.Error(err), zap.String("order_id", order.ID.String()))
	}
}

// fireTriggers releases stop orders crossed by the new last price and
// feeds them back through the matching algorithm: stop-loss and
// trailing stops as market orders, stop-limits as limit orders.
func (w *pairWorker) fireTriggers(ctx context.Context) {
	last := w.lastPrice()
	if last.IsZero() {
		return
	}
	for _, order := range w.stops.OnPrice(last) {
		if err := w.match(ctx, order); err != nil {
			w.logger.Error("triggered order failed to match", zap.Error(err), zap.String("order_id", order.ID.String()))
		}
	}
}

// processCancel serializes cancels with matching. By the time a cancel
// reaches here any racing fill has already been recorded, so it either
// removes the live remainder or reports the order gone.
func (w *pairWorker) processCancel(ctx context.Context, orderID uuid.UUID) (*model.Order, error) {
	var order *model.Order
	if o, err := w.book.Remove(orderID); err == nil {
		order = o
	} else if o := w.stops.Remove(orderID); o != nil {
		order = o
	} else {
		return nil, model.ErrOrderNotFound
	}

	w.releaseHold(ctx, order)
	if err := w.engine.lifecycle.Transition(ctx, order, model.StatusCanceled, ""); err != nil {
		return nil, err
	}
	return order, nil
}

// processExpiry expires GTD orders whose expiry has passed.
func (w *pairWorker) processExpiry(ctx context.Context) {
	now := w.engine.clock.Now()
	expired, err := w.engine.repo.GetExpiredGTDOrders(ctx, w.pair.Symbol, now)
	if err != nil {
		w.logger.Warn("expiry sweep query failed", zap.Error(err))
		return
	}
	for _, stale := range expired {
		var order *model.Order
		if o, err := w.book.Remove(stale.ID); err == nil {
			order = o
		} else if o := w.stops.Remove(stale.ID); o != nil {
			order = o
		} else {
			continue // already gone from in-memory state
		}
		w.releaseHold(ctx, order)
		if err := w.engine.lifecycle.Transition(ctx, order, model.StatusExpired, ""); err != nil {
			w.logger.Error("expire transition failed", zap.Error(err), zap.String("order_id", order.ID.String()))
		}
	}
}

func (w *pairWorker) updateDepthMetrics() {
	metrics.BookDepth.WithLabelValues(w.pair.Symbol, model.SideBuy).Set(float64(w.book.Len(model.SideBuy)))
	metrics.BookDepth.WithLabelValues(w.pair.Symbol, model.SideSell).Set(float64(w.book.Len(model.SideSell)))
}
