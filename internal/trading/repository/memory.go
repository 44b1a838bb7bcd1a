package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/peertrade/tradecore/internal/trading/model"
)

// MemoryStore is an in-memory implementation of the order, portfolio and
// pair repositories. It backs unit tests and the recovery scenarios that
// rebuild books from the durable store.
type MemoryStore struct {
	mu         sync.RWMutex
	orders     map[uuid.UUID]*model.Order
	fills      []*model.Fill
	portfolios map[uuid.UUID]*model.Portfolio
	balances   map[uuid.UUID]map[string]*model.Balance
	records    map[uuid.UUID][]*model.RebalancingRecord
	pairs      map[string]*model.TradingPair

	// FailNextWrite makes the next mutating call fail, for exercising
	// persistence-failure paths in tests.
	FailNextWrite bool
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:     make(map[uuid.UUID]*model.Order),
		portfolios: make(map[uuid.UUID]*model.Portfolio),
		balances:   make(map[uuid.UUID]map[string]*model.Balance),
		records:    make(map[uuid.UUID][]*model.RebalancingRecord),
		pairs:      make(map[string]*model.TradingPair),
	}
}

func (s *MemoryStore) failWrite() bool {
	if s.FailNextWrite {
		s.FailNextWrite = false
		return true
	}
	return false
}

func cloneOrder(o *model.Order) *model.Order {
	c := *o
	return &c
}

// --- model.OrderRepository ---

func (s *MemoryStore) CreateOrder(ctx context.Context, order *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrite() {
		return model.ErrPersistence
	}
	s.orders[order.ID] = cloneOrder(order)
	return nil
}

func (s *MemoryStore) GetOrderByID(ctx context.Context, orderID uuid.UUID) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[orderID]
	if !ok {
		return nil, model.ErrOrderNotFound
	}
	return cloneOrder(o), nil
}

func (s *MemoryStore) GetOpenOrdersByPair(ctx context.Context, pair string) ([]*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Order
	for _, o := range s.orders {
		if o.Pair == pair && !o.IsTerminal() && o.Status != model.StatusReceived {
			out = append(out, cloneOrder(o))
		}
	}
	sortOrdersByCreation(out)
	return out, nil
}

func (s *MemoryStore) GetOpenOrdersByPortfolio(ctx context.Context, portfolioID uuid.UUID) ([]*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Order
	for _, o := range s.orders {
		if o.PortfolioID == portfolioID && !o.IsTerminal() && o.Status != model.StatusReceived {
			out = append(out, cloneOrder(o))
		}
	}
	sortOrdersByCreation(out)
	return out, nil
}

func (s *MemoryStore) UpdateOrderStatus(ctx context.Context, orderID uuid.UUID, status, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrite() {
		return model.ErrPersistence
	}
	o, ok := s.orders[orderID]
	if !ok {
		return model.ErrOrderNotFound
	}
	o.Status = status
	o.RejectReason = reason
	o.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) ApplyFill(ctx context.Context, fill *model.Fill, maker, taker *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrite() {
		return model.ErrPersistence
	}
	f := *fill
	s.fills = append(s.fills, &f)
	s.orders[maker.ID] = cloneOrder(maker)
	s.orders[taker.ID] = cloneOrder(taker)
	return nil
}

func (s *MemoryStore) GetExpiredGTDOrders(ctx context.Context, pair string, now time.Time) ([]*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Order
	for _, o := range s.orders {
		if o.Pair == pair && !o.IsTerminal() && o.TimeInForce == model.TimeInForceGTD &&
			o.GoodTillDate != nil && !o.GoodTillDate.After(now) {
			out = append(out, cloneOrder(o))
		}
	}
	sortOrdersByCreation(out)
	return out, nil
}

func (s *MemoryStore) GetFillsByOrder(ctx context.Context, orderID uuid.UUID) ([]*model.Fill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Fill
	for _, f := range s.fills {
		if f.MakerOrderID == orderID || f.TakerOrderID == orderID {
			c := *f
			out = append(out, &c)
		}
	}
	return out, nil
}

// --- model.PortfolioRepository ---

func (s *MemoryStore) GetPortfolio(ctx context.Context, portfolioID uuid.UUID) (*model.Portfolio, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.portfolios[portfolioID]
	if !ok {
		return nil, model.ErrPortfolioNotFound
	}
	c := *p
	return &c, nil
}

func (s *MemoryStore) ListActivePortfolios(ctx context.Context) ([]*model.Portfolio, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Portfolio
	for _, p := range s.portfolios {
		if p.Active {
			c := *p
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

func (s *MemoryStore) UpdatePortfolio(ctx context.Context, portfolio *model.Portfolio) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrite() {
		return model.ErrPersistence
	}
	c := *portfolio
	s.portfolios[portfolio.ID] = &c
	return nil
}

func (s *MemoryStore) GetBalances(ctx context.Context, portfolioID uuid.UUID) ([]*model.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Balance
	for _, b := range s.balances[portfolioID] {
		c := *b
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out, nil
}

func (s *MemoryStore) SaveBalance(ctx context.Context, balance *model.Balance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrite() {
		return model.ErrPersistence
	}
	byAsset, ok := s.balances[balance.PortfolioID]
	if !ok {
		byAsset = make(map[string]*model.Balance)
		s.balances[balance.PortfolioID] = byAsset
	}
	c := *balance
	byAsset[balance.Asset] = &c
	return nil
}

func (s *MemoryStore) CreateRebalancingRecord(ctx context.Context, record *model.RebalancingRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrite() {
		return model.ErrPersistence
	}
	c := *record
	s.records[record.PortfolioID] = append(s.records[record.PortfolioID], &c)
	return nil
}

func (s *MemoryStore) ListRebalancingRecords(ctx context.Context, portfolioID uuid.UUID, limit int) ([]*model.RebalancingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := s.records[portfolioID]
	if limit <= 0 || limit > len(recs) {
		limit = len(recs)
	}
	out := make([]*model.RebalancingRecord, 0, limit)
	for i := len(recs) - 1; i >= 0 && len(out) < limit; i-- {
		c := *recs[i]
		out = append(out, &c)
	}
	return out, nil
}

// --- model.PairRepository ---

func (s *MemoryStore) GetPair(ctx context.Context, symbol string) (*model.TradingPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pairs[symbol]
	if !ok {
		return nil, model.ErrPairNotFound
	}
	c := *p
	return &c, nil
}

func (s *MemoryStore) ListActivePairs(ctx context.Context) ([]*model.TradingPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.TradingPair
	for _, p := range s.pairs {
		if p.Active {
			c := *p
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// SavePair seeds a trading pair. Used by tests and bootstrap.
func (s *MemoryStore) SavePair(ctx context.Context, pair *model.TradingPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *pair
	s.pairs[pair.Symbol] = &c
	return nil
}

func sortOrdersByCreation(orders []*model.Order) {
	sort.Slice(orders, func(i, j int) bool {
		if orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].ID.String() < orders[j].ID.String()
		}
		return orders[i].CreatedAt.Before(orders[j].CreatedAt)
	})
}
