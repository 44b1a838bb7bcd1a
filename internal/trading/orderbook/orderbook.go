// Package orderbook maintains per-pair resting limit orders with
// price-time priority. All mutation for one pair is serialized by the
// engine's pair worker; the internal RWMutex only protects concurrent
// read access from snapshot and quote consumers.
package orderbook

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/btree"

	"github.com/peertrade/tradecore/internal/trading/fixedpoint"
	"github.com/peertrade/tradecore/internal/trading/model"
)

// ErrOrderNotFound is returned by Remove for unknown order ids.
var ErrOrderNotFound = errors.New("orderbook: order not found")

// ErrNotRestable is returned by Insert for orders that can never rest.
var ErrNotRestable = errors.New("orderbook: order type cannot rest in the book")

// Quote is a top-of-book price and aggregate quantity. An empty side
// yields Valid == false, which is the no-liquidity sentinel, not an error.
type Quote struct {
	Price    fixedpoint.Value
	Quantity fixedpoint.Value
	Valid    bool
}

// Level is one aggregated price level in a snapshot.
type Level struct {
	Price    fixedpoint.Value `json:"price"`
	Quantity fixedpoint.Value `json:"quantity"`
	Orders   int              `json:"orders"`
}

// Snapshot is an immutable copy of book depth taken at one instant.
type Snapshot struct {
	Pair    string    `json:"pair"`
	Bids    []Level   `json:"bids"`
	Asks    []Level   `json:"asks"`
	TakenAt time.Time `json:"taken_at"`
}

// priceLevel keeps resting orders at one price, strictly FIFO. Orders are
// only reordered by explicit removal, never by matching.
type priceLevel struct {
	price  fixedpoint.Value
	orders []*model.Order
}

func (pl *priceLevel) remaining() fixedpoint.Value {
	total := fixedpoint.Zero()
	for _, o := range pl.orders {
		total = total.Add(o.Remaining())
	}
	return total
}

func lessAscending(a, b *priceLevel) bool { return a.price.LessThan(b.price) }

// Book holds both sides of one trading pair.
type Book struct {
	pair string

	mu         sync.RWMutex
	bids       *btree.BTreeG[*priceLevel] // ascending price; best bid = max
	asks       *btree.BTreeG[*priceLevel] // ascending price; best ask = min
	ordersByID map[uuid.UUID]*model.Order
}

// New creates an empty book for the pair.
func New(pair string) *Book {
	return &Book{
		pair:       pair,
		bids:       btree.NewBTreeG(lessAscending),
		asks:       btree.NewBTreeG(lessAscending),
		ordersByID: make(map[uuid.UUID]*model.Order),
	}
}

// Pair returns the book's trading pair symbol.
func (b *Book) Pair() string { return b.pair }

func (b *Book) sideTree(side string) *btree.BTreeG[*priceLevel] {
	if side == model.SideBuy {
		return b.bids
	}
	return b.asks
}

// Insert adds a resting order at its limit price. Only limit-priced
// orders rest; market orders are never inserted.
func (b *Book) Insert(order *model.Order) error {
	if order.Price.IsZero() {
		return ErrNotRestable
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	tree := b.sideTree(order.Side)
	key := &priceLevel{price: order.Price}
	level, ok := tree.Get(key)
	if !ok {
		level = &priceLevel{price: order.Price}
		tree.Set(level)
	}
	level.orders = append(level.orders, order)
	b.ordersByID[order.ID] = order
	return nil
}

// Remove cancels a resting order. Returns ErrOrderNotFound if the order
// is not resting in this book.
func (b *Book) Remove(orderID uuid.UUID) (*model.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.removeLocked(orderID)
}

func (b *Book) removeLocked(orderID uuid.UUID) (*model.Order, error) {
	order, ok := b.ordersByID[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	tree := b.sideTree(order.Side)
	key := &priceLevel{price: order.Price}
	level, ok := tree.Get(key)
	if !ok {
		return nil, ErrOrderNotFound
	}
	for i, o := range level.orders {
		if o.ID == orderID {
			level.orders = append(level.orders[:i], level.orders[i+1:]...)
			break
		}
	}
	if len(level.orders) == 0 {
		tree.Delete(key)
	}
	delete(b.ordersByID, orderID)
	return order, nil
}

// Contains reports whether the order is resting in this book.
func (b *Book) Contains(orderID uuid.UUID) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.ordersByID[orderID]
	return ok
}

// BestBid returns the highest-priced bid level.
func (b *Book) BestBid() Quote {
	b.mu.RLock()
	defer b.mu.RUnlock()
	level, ok := b.bids.Max()
	if !ok {
		return Quote{}
	}
	return Quote{Price: level.price, Quantity: level.remaining(), Valid: true}
}

// BestAsk returns the lowest-priced ask level.
func (b *Book) BestAsk() Quote {
	b.mu.RLock()
	defer b.mu.RUnlock()
	level, ok := b.asks.Min()
	if !ok {
		return Quote{}
	}
	return Quote{Price: level.price, Quantity: level.remaining(), Valid: true}
}

// priceAcceptable reports whether a maker at makerPrice is at-or-better
// than the taker's limit. Takers without a limit accept any price.
func priceAcceptable(takerSide string, makerPrice, limit fixedpoint.Value, hasLimit bool) bool {
	if !hasLimit {
		return true
	}
	if takerSide == model.SideBuy {
		return makerPrice.LessThanOrEqual(limit)
	}
	return makerPrice.GreaterThanOrEqual(limit)
}

// BestMaker returns the front resting order on the opposite side priced
// at-or-better than the taker's limit, or nil when there is none.
func (b *Book) BestMaker(takerSide string, limit fixedpoint.Value, hasLimit bool) *model.Order {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var level *priceLevel
	var ok bool
	if takerSide == model.SideBuy {
		level, ok = b.asks.Min()
	} else {
		level, ok = b.bids.Max()
	}
	if !ok || len(level.orders) == 0 {
		return nil
	}
	if !priceAcceptable(takerSide, level.price, limit, hasLimit) {
		return nil
	}
	return level.orders[0]
}

// AvailableDepth sums matchable quantity on the opposite side, capped at
// need. Used for the FOK all-or-nothing pre-check.
func (b *Book) AvailableDepth(takerSide string, limit fixedpoint.Value, hasLimit bool, need fixedpoint.Value) fixedpoint.Value {
	b.mu.RLock()
	defer b.mu.RUnlock()

	total := fixedpoint.Zero()
	walk := func(level *priceLevel) bool {
		if !priceAcceptable(takerSide, level.price, limit, hasLimit) {
			return false
		}
		total = total.Add(level.remaining())
		return total.LessThan(need)
	}
	if takerSide == model.SideBuy {
		b.asks.Scan(walk)
	} else {
		b.bids.Reverse(walk)
	}
	return total.Min(need)
}

// FillCost prices the first need units of matchable depth at the maker
// prices they would actually execute at, walking levels best-first. The
// engine compares it against a buyer's remaining hold before committing
// to an all-or-nothing fill.
func (b *Book) FillCost(takerSide string, limit fixedpoint.Value, hasLimit bool, need fixedpoint.Value) fixedpoint.Value {
	b.mu.RLock()
	defer b.mu.RUnlock()

	cost := fixedpoint.Zero()
	left := need
	walk := func(level *priceLevel) bool {
		if !priceAcceptable(takerSide, level.price, limit, hasLimit) {
			return false
		}
		take := level.remaining().Min(left)
		cost = cost.Add(level.price.Mul(take))
		left = left.Sub(take)
		return left.IsPositive()
	}
	if takerSide == model.SideBuy {
		b.asks.Scan(walk)
	} else {
		b.bids.Reverse(walk)
	}
	return cost
}

// WouldCross reports whether a resting order at price on side would
// immediately match the opposite side. Post-only orders that would cross
// are rejected by the engine.
func (b *Book) WouldCross(side string, price fixedpoint.Value) bool {
	if side == model.SideBuy {
		ask := b.BestAsk()
		return ask.Valid && price.GreaterThanOrEqual(ask.Price)
	}
	bid := b.BestBid()
	return bid.Valid && price.LessThanOrEqual(bid.Price)
}

// RestingOrders returns all resting order ids, used by the GTD expiry
// sweep and portfolio deactivation.
func (b *Book) RestingOrders() []*model.Order {
	b.mu.RLock()
	defer b.mu.RUnlock()
	orders := make([]*model.Order, 0, len(b.ordersByID))
	for _, o := range b.ordersByID {
		orders = append(orders, o)
	}
	return orders
}

// Snapshot copies the top depth levels of both sides. The copy is
// detached from the live book and safe to hold while matching continues.
func (b *Book) Snapshot(depth int, now time.Time) *Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	snap := &Snapshot{Pair: b.pair, TakenAt: now}
	b.bids.Reverse(func(level *priceLevel) bool {
		snap.Bids = append(snap.Bids, Level{Price: level.price, Quantity: level.remaining(), Orders: len(level.orders)})
		return len(snap.Bids) < depth
	})
	b.asks.Scan(func(level *priceLevel) bool {
		snap.Asks = append(snap.Asks, Level{Price: level.price, Quantity: level.remaining(), Orders: len(level.orders)})
		return len(snap.Asks) < depth
	})
	return snap
}

// Len returns the number of resting orders on one side.
func (b *Book) Len(side string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	b.sideTree(side).Scan(func(level *priceLevel) bool {
		n += len(level.orders)
		return true
	})
	return n
}
