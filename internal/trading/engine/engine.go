// Package engine matches incoming orders against per-pair books.
// Price-time priority and FOK atomicity require a total order of
// operations per book, so each trading pair gets exactly one worker
// goroutine that owns its book and trigger index; different pairs run
// fully in parallel.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/peertrade/tradecore/internal/trading/balance"
	"github.com/peertrade/tradecore/internal/trading/events"
	"github.com/peertrade/tradecore/internal/trading/fixedpoint"
	"github.com/peertrade/tradecore/internal/trading/lifecycle"
	"github.com/peertrade/tradecore/internal/trading/model"
	"github.com/peertrade/tradecore/internal/trading/orderbook"
	"github.com/peertrade/tradecore/internal/trading/risk"
)

// ErrNotRunning is returned for submissions before Start or after Stop.
var ErrNotRunning = errors.New("engine: not running")

// ErrUnknownPair is returned for orders on pairs without a worker.
var ErrUnknownPair = errors.New("engine: unknown trading pair")

// Config tunes the engine.
type Config struct {
	// QueueSize bounds each pair worker's command queue.
	QueueSize int
	// DefaultHalfSpread prices market-maker quotes when the submission
	// does not carry its own, as a fraction of the reference price.
	DefaultHalfSpread fixedpoint.Value
	// ExpirySweepInterval is how often GTD expiry is checked.
	ExpirySweepInterval time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		QueueSize:           1024,
		DefaultHalfSpread:   fixedpoint.MustFromString("0.001"),
		ExpirySweepInterval: time.Second,
	}
}

// SubmitResult is the synchronous outcome of a submission. Most order
// types produce exactly one order; a market-maker submission produces a
// bid and an ask.
type SubmitResult struct {
	Orders []*model.Order
}

// Primary returns the first (usually only) order of the result.
func (r *SubmitResult) Primary() *model.Order {
	if len(r.Orders) == 0 {
		return nil
	}
	return r.Orders[0]
}

// Engine owns the pair workers and routes submissions, cancels and
// sweeps to them.
type Engine struct {
	cfg       Config
	logger    *zap.Logger
	repo      model.OrderRepository
	pairsRepo model.PairRepository
	gate      *risk.Gate
	balances  *balance.Service
	lifecycle *lifecycle.Manager
	feed      model.PriceFeed
	clock     model.Clock
	bus       events.Bus

	mu      sync.RWMutex
	workers map[string]*pairWorker
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	// Orders persisted but not yet handed to their worker are tracked
	// here so a cancel arriving in that window is honored instead of
	// failing with not-found.
	inflightMu     sync.Mutex
	inflight       map[uuid.UUID]struct{}
	pendingCancels map[uuid.UUID]struct{}
}

// New builds an engine. Start must be called before submissions.
func New(
	cfg Config,
	repo model.OrderRepository,
	pairsRepo model.PairRepository,
	gate *risk.Gate,
	balances *balance.Service,
	lc *lifecycle.Manager,
	feed model.PriceFeed,
	clock model.Clock,
	bus events.Bus,
	logger *zap.Logger,
) *Engine {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	return &Engine{
		cfg:       cfg,
		logger:    logger,
		repo:      repo,
		pairsRepo: pairsRepo,
		gate:      gate,
		balances:  balances,
		lifecycle: lc,
		feed:      feed,
		clock:     clock,
		bus:       bus,
		workers:   make(map[string]*pairWorker),
		stopCh:    make(chan struct{}),

		inflight:       make(map[uuid.UUID]struct{}),
		pendingCancels: make(map[uuid.UUID]struct{}),
	}
}

// Start spins up one worker per active pair and reloads open orders
// from the durable store into books and trigger indexes. In-memory
// state is always rebuilt from storage, never trusted across restarts.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return fmt.Errorf("engine already running")
	}

	pairs, err := e.pairsRepo.ListActivePairs(ctx)
	if err != nil {
		return fmt.Errorf("load trading pairs: %w", err)
	}
	for _, pair := range pairs {
		w := newPairWorker(e, pair)
		if err := w.recover(ctx); err != nil {
			return fmt.Errorf("recover book for %s: %w", pair.Symbol, err)
		}
		e.workers[pair.Symbol] = w
		e.wg.Add(1)
		go w.run(&e.wg)
	}
	e.running = true

	if e.cfg.ExpirySweepInterval > 0 {
		e.wg.Add(1)
		go e.expiryLoop()
	}

	e.logger.Info("matching engine started", zap.Int("pairs", len(e.workers)))
	return nil
}

// Stop drains the workers and stops the expiry loop.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	close(e.stopCh)
	e.mu.Unlock()

	e.wg.Wait()
	e.logger.Info("matching engine stopped")
}

func (e *Engine) worker(pair string) (*pairWorker, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.running {
		return nil, ErrNotRunning
	}
	w, ok := e.workers[pair]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPair, pair)
	}
	return w, nil
}

// SubmitOrder validates, persists and matches one submission. The order
// always reaches a resting or terminal state before this returns; a
// rejected order is returned with its reason, not an error.
func (e *Engine) SubmitOrder(ctx context.Context, req *model.SubmitRequest) (*SubmitResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	w, err := e.worker(req.Pair)
	if err != nil {
		return nil, err
	}

	orders, err := e.prepareOrders(req, w)
	if err != nil {
		return nil, err
	}
	for _, o := range orders {
		if err := e.lifecycle.Create(ctx, o); err != nil {
			return nil, err
		}
	}
	e.trackInflight(orders)
	defer e.untrackInflight(orders)

	// Risk gate runs outside the worker: it touches balances and the
	// price feed, not the book.
	for i, o := range orders {
		if gateErr := e.gate.Check(ctx, o); gateErr != nil {
			var rej *risk.Rejection
			if errors.As(gateErr, &rej) {
				// One bad market-maker leg rejects the whole quote.
				return e.rejectAll(ctx, orders, rej.Reason, i)
			}
			return nil, gateErr
		}
	}

	reply := make(chan cmdResult, 1)
	if err := w.send(ctx, command{kind: cmdSubmit, orders: orders, reply: reply}); err != nil {
		return nil, err
	}
	select {
	case res := <-reply:
		if res.err != nil {
			return nil, res.err
		}
		return &SubmitResult{Orders: orders}, nil
	case <-e.stopCh:
		return nil, ErrNotRunning
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// prepareOrders builds the order set for a request: one order normally,
// a post-only bid/ask pair for market-maker submissions.
func (e *Engine) prepareOrders(req *model.SubmitRequest, w *pairWorker) ([]*model.Order, error) {
	now := e.clock.Now()
	if mm, ok := req.Params.(model.MarketMakerParams); ok {
		half := mm.HalfSpread
		if half.IsZero() {
			half = mm.ReferencePrice.Mul(e.cfg.DefaultHalfSpread)
		}
		bidReq := *req
		bidReq.Side = model.SideBuy
		bid := bidReq.BuildOrder(now)
		bid.Price = mm.ReferencePrice.Sub(half)
		askReq := *req
		askReq.Side = model.SideSell
		ask := askReq.BuildOrder(now)
		ask.Price = mm.ReferencePrice.Add(half)
		if !bid.Price.IsPositive() {
			return nil, fmt.Errorf("%w: spread wider than reference price", model.ErrInvalidOrder)
		}
		return []*model.Order{bid, ask}, nil
	}
	return []*model.Order{req.BuildOrder(now)}, nil
}

// rejectAll rejects every order of a submission. Orders before index
// already hold funds, which are released.
func (e *Engine) rejectAll(ctx context.Context, orders []*model.Order, reason string, heldBefore int) (*SubmitResult, error) {
	for i, o := range orders {
		if i < heldBefore {
			if err := e.balances.ReleaseHold(ctx, o.ID); err != nil {
				e.logger.Error("release hold on rejection", zap.Error(err), zap.String("order_id", o.ID.String()))
			}
		}
		if err := e.lifecycle.Transition(ctx, o, model.StatusRejected, reason); err != nil {
			return nil, err
		}
	}
	return &SubmitResult{Orders: orders}, nil
}

// CancelOrder removes a resting or pending-trigger order. Cancels are
// serialized with matching on the pair worker: a cancel racing a match
// either wins cleanly or loses to an already-recorded fill.
func (e *Engine) CancelOrder(ctx context.Context, orderID uuid.UUID) (*model.Order, error) {
	order, err := e.repo.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.IsTerminal() {
		return nil, fmt.Errorf("%w: order %s is %s", model.ErrOrderNotFound, orderID, order.Status)
	}
	w, err := e.worker(order.Pair)
	if err != nil {
		return nil, err
	}

	reply := make(chan cmdResult, 1)
	if err := w.send(ctx, command{kind: cmdCancel, orderID: orderID, reply: reply}); err != nil {
		return nil, err
	}
	select {
	case res := <-reply:
		if res.err != nil {
			if errors.Is(res.err, model.ErrOrderNotFound) && e.deferCancel(orderID) {
				// The order is still between persistence and its worker;
				// the worker cancels it on arrival.
				return order, nil
			}
			return nil, res.err
		}
		return res.order, nil
	case <-e.stopCh:
		return nil, ErrNotRunning
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// trackInflight marks orders as persisted but not yet owned by a
// worker.
func (e *Engine) trackInflight(orders []*model.Order) {
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()
	for _, o := range orders {
		e.inflight[o.ID] = struct{}{}
	}
}

// untrackInflight clears the in-flight window once the worker has
// replied or the submission failed, dropping any unconsumed cancel
// marks with it.
func (e *Engine) untrackInflight(orders []*model.Order) {
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()
	for _, o := range orders {
		delete(e.inflight, o.ID)
		delete(e.pendingCancels, o.ID)
	}
}

// deferCancel records a cancel for an order still in flight. It reports
// false when the order already left the window, in which case the
// worker's not-found answer stands.
func (e *Engine) deferCancel(orderID uuid.UUID) bool {
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()
	if _, ok := e.inflight[orderID]; !ok {
		return false
	}
	e.pendingCancels[orderID] = struct{}{}
	return true
}

// takePendingCancel consumes a deferred cancel mark, if one exists.
func (e *Engine) takePendingCancel(orderID uuid.UUID) bool {
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()
	if _, ok := e.pendingCancels[orderID]; !ok {
		return false
	}
	delete(e.pendingCancels, orderID)
	return true
}

// BookSnapshot returns an immutable depth snapshot for one pair.
func (e *Engine) BookSnapshot(pair string, depth int) (*orderbook.Snapshot, error) {
	w, err := e.worker(pair)
	if err != nil {
		return nil, err
	}
	return w.book.Snapshot(depth, e.clock.Now()), nil
}

// LastPrice returns the pair's last traded price, falling back to the
// external feed when the book has not traded yet.
func (e *Engine) LastPrice(ctx context.Context, pair string) (fixedpoint.Value, error) {
	w, err := e.worker(pair)
	if err != nil {
		return fixedpoint.Zero(), err
	}
	if p := w.lastPrice(); !p.IsZero() {
		return p, nil
	}
	return e.feed.LastTradedPrice(ctx, pair)
}

// CancelPortfolioOrders cancels every open order of a portfolio, used
// when a portfolio is deactivated. History is never deleted.
func (e *Engine) CancelPortfolioOrders(ctx context.Context, portfolioID uuid.UUID) error {
	orders, err := e.repo.GetOpenOrdersByPortfolio(ctx, portfolioID)
	if err != nil {
		return err
	}
	for _, o := range orders {
		if _, err := e.CancelOrder(ctx, o.ID); err != nil && !errors.Is(err, model.ErrOrderNotFound) {
			return fmt.Errorf("cancel order %s: %w", o.ID, err)
		}
	}
	return nil
}

// expiryLoop periodically sweeps GTD orders past their expiry.
func (e *Engine) expiryLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.ExpirySweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.mu.RLock()
			workers := make([]*pairWorker, 0, len(e.workers))
			for _, w := range e.workers {
				workers = append(workers, w)
			}
			e.mu.RUnlock()
			for _, w := range workers {
				ctx, cancel := context.WithTimeout(context.Background(), e.cfg.ExpirySweepInterval)
				if err := w.send(ctx, command{kind: cmdExpireSweep}); err != nil && !errors.Is(err, ErrNotRunning) {
					e.logger.Warn("expiry sweep dispatch failed", zap.Error(err), zap.String("pair", w.pair.Symbol))
				}
				cancel()
			}
		}
	}
}
