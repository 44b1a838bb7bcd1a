package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/peertrade/tradecore/internal/trading/model"
)

const orderCacheTTL = 30 * time.Second

// GormStore implements the order, portfolio and pair repositories on a
// gorm database. An optional redis client serves as a read-through cache
// for hot order lookups; cache misses and cache failures fall back to
// the database.
type GormStore struct {
	db     *gorm.DB
	cache  *redis.Client
	logger *zap.Logger
}

// NewGormStore migrates the trading tables and returns a store.
func NewGormStore(db *gorm.DB, cache *redis.Client, logger *zap.Logger) (*GormStore, error) {
	err := db.AutoMigrate(
		&orderRow{},
		&fillRow{},
		&pairRow{},
		&portfolioRow{},
		&balanceRow{},
		&rebalancingRecordRow{},
	)
	if err != nil {
		return nil, fmt.Errorf("migrate trading tables: %w", err)
	}
	return &GormStore{db: db, cache: cache, logger: logger}, nil
}

func orderCacheKey(orderID uuid.UUID) string {
	return "tradecore:order:" + orderID.String()
}

func (s *GormStore) cacheOrder(ctx context.Context, o *model.Order) {
	if s.cache == nil {
		return
	}
	payload, err := json.Marshal(o)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, orderCacheKey(o.ID), payload, orderCacheTTL).Err(); err != nil {
		s.logger.Debug("order cache set failed", zap.Error(err))
	}
}

func (s *GormStore) cachedOrder(ctx context.Context, orderID uuid.UUID) *model.Order {
	if s.cache == nil {
		return nil
	}
	payload, err := s.cache.Get(ctx, orderCacheKey(orderID)).Bytes()
	if err != nil {
		return nil
	}
	var o model.Order
	if err := json.Unmarshal(payload, &o); err != nil {
		return nil
	}
	return &o
}

func (s *GormStore) dropCachedOrder(ctx context.Context, orderID uuid.UUID) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Del(ctx, orderCacheKey(orderID)).Err(); err != nil {
		s.logger.Debug("order cache del failed", zap.Error(err))
	}
}

// --- model.OrderRepository ---

func (s *GormStore) CreateOrder(ctx context.Context, order *model.Order) error {
	if err := s.db.WithContext(ctx).Create(toOrderRow(order)).Error; err != nil {
		return fmt.Errorf("%w: create order %s: %v", model.ErrPersistence, order.ID, err)
	}
	s.cacheOrder(ctx, order)
	return nil
}

func (s *GormStore) GetOrderByID(ctx context.Context, orderID uuid.UUID) (*model.Order, error) {
	if o := s.cachedOrder(ctx, orderID); o != nil {
		return o, nil
	}
	var row orderRow
	if err := s.db.WithContext(ctx).Where("id = ?", orderID).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, model.ErrOrderNotFound
		}
		return nil, fmt.Errorf("%w: get order %s: %v", model.ErrPersistence, orderID, err)
	}
	o := fromOrderRow(&row)
	s.cacheOrder(ctx, o)
	return o, nil
}

func (s *GormStore) GetOpenOrdersByPair(ctx context.Context, pair string) ([]*model.Order, error) {
	var rows []orderRow
	err := s.db.WithContext(ctx).
		Where("pair = ? AND status IN ?", pair, []string{model.StatusOpen, model.StatusPartiallyFilled}).
		Order("created_at asc").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("%w: open orders for %s: %v", model.ErrPersistence, pair, err)
	}
	orders := make([]*model.Order, len(rows))
	for i := range rows {
		orders[i] = fromOrderRow(&rows[i])
	}
	return orders, nil
}

func (s *GormStore) GetOpenOrdersByPortfolio(ctx context.Context, portfolioID uuid.UUID) ([]*model.Order, error) {
	var rows []orderRow
	err := s.db.WithContext(ctx).
		Where("portfolio_id = ? AND status IN ?", portfolioID, []string{model.StatusOpen, model.StatusPartiallyFilled}).
		Order("created_at asc").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("%w: open orders for portfolio %s: %v", model.ErrPersistence, portfolioID, err)
	}
	orders := make([]*model.Order, len(rows))
	for i := range rows {
		orders[i] = fromOrderRow(&rows[i])
	}
	return orders, nil
}

func (s *GormStore) UpdateOrderStatus(ctx context.Context, orderID uuid.UUID, status, reason string) error {
	res := s.db.WithContext(ctx).Model(&orderRow{}).
		Where("id = ?", orderID).
		Updates(map[string]interface{}{
			"status":        status,
			"reject_reason": reason,
			"updated_at":    time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("%w: update order %s: %v", model.ErrPersistence, orderID, res.Error)
	}
	if res.RowsAffected == 0 {
		return model.ErrOrderNotFound
	}
	s.dropCachedOrder(ctx, orderID)
	return nil
}

// ApplyFill writes the fill and both order updates in one transaction.
func (s *GormStore) ApplyFill(ctx context.Context, fill *model.Fill, maker, taker *model.Order) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(toFillRow(fill)).Error; err != nil {
			return fmt.Errorf("insert fill: %w", err)
		}
		for _, o := range []*model.Order{maker, taker} {
			res := tx.Model(&orderRow{}).Where("id = ?", o.ID).Updates(map[string]interface{}{
				"filled_quantity": o.FilledQuantity.String(),
				"avg_fill_price":  o.AvgFillPrice.String(),
				"status":          o.Status,
				"updated_at":      o.UpdatedAt,
			})
			if res.Error != nil {
				return fmt.Errorf("update order %s: %w", o.ID, res.Error)
			}
			if res.RowsAffected == 0 {
				return fmt.Errorf("update order %s: no such row", o.ID)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: apply fill %s: %v", model.ErrPersistence, fill.ID, err)
	}
	s.dropCachedOrder(ctx, maker.ID)
	s.dropCachedOrder(ctx, taker.ID)
	return nil
}

func (s *GormStore) GetExpiredGTDOrders(ctx context.Context, pair string, now time.Time) ([]*model.Order, error) {
	var rows []orderRow
	err := s.db.WithContext(ctx).
		Where("pair = ? AND time_in_force = ? AND good_till_date <= ? AND status IN ?",
			pair, model.TimeInForceGTD, now, []string{model.StatusOpen, model.StatusPartiallyFilled}).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("%w: expired GTD orders for %s: %v", model.ErrPersistence, pair, err)
	}
	orders := make([]*model.Order, len(rows))
	for i := range rows {
		orders[i] = fromOrderRow(&rows[i])
	}
	return orders, nil
}

func (s *GormStore) GetFillsByOrder(ctx context.Context, orderID uuid.UUID) ([]*model.Fill, error) {
	var rows []fillRow
	err := s.db.WithContext(ctx).
		Where("maker_order_id = ? OR taker_order_id = ?", orderID, orderID).
		Order("executed_at asc").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("%w: fills for order %s: %v", model.ErrPersistence, orderID, err)
	}
	fills := make([]*model.Fill, len(rows))
	for i := range rows {
		fills[i] = fromFillRow(&rows[i])
	}
	return fills, nil
}

// --- model.PortfolioRepository ---

func (s *GormStore) GetPortfolio(ctx context.Context, portfolioID uuid.UUID) (*model.Portfolio, error) {
	var row portfolioRow
	if err := s.db.WithContext(ctx).Where("id = ?", portfolioID).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, model.ErrPortfolioNotFound
		}
		return nil, fmt.Errorf("%w: get portfolio %s: %v", model.ErrPersistence, portfolioID, err)
	}
	return fromPortfolioRow(&row)
}

func (s *GormStore) ListActivePortfolios(ctx context.Context) ([]*model.Portfolio, error) {
	var rows []portfolioRow
	if err := s.db.WithContext(ctx).Where("active = ?", true).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("%w: list active portfolios: %v", model.ErrPersistence, err)
	}
	portfolios := make([]*model.Portfolio, 0, len(rows))
	for i := range rows {
		p, err := fromPortfolioRow(&rows[i])
		if err != nil {
			s.logger.Error("skip unreadable portfolio", zap.Error(err), zap.String("portfolio_id", rows[i].ID.String()))
			continue
		}
		portfolios = append(portfolios, p)
	}
	return portfolios, nil
}

func (s *GormStore) UpdatePortfolio(ctx context.Context, portfolio *model.Portfolio) error {
	row, err := toPortfolioRow(portfolio)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Save(row).Error; err != nil {
		return fmt.Errorf("%w: update portfolio %s: %v", model.ErrPersistence, portfolio.ID, err)
	}
	return nil
}

func (s *GormStore) GetBalances(ctx context.Context, portfolioID uuid.UUID) ([]*model.Balance, error) {
	var rows []balanceRow
	if err := s.db.WithContext(ctx).Where("portfolio_id = ?", portfolioID).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("%w: balances for portfolio %s: %v", model.ErrPersistence, portfolioID, err)
	}
	balances := make([]*model.Balance, len(rows))
	for i, r := range rows {
		balances[i] = &model.Balance{
			PortfolioID: r.PortfolioID,
			Asset:       r.Asset,
			Available:   fp(r.Available),
			Held:        fp(r.Held),
		}
	}
	return balances, nil
}

func (s *GormStore) SaveBalance(ctx context.Context, balance *model.Balance) error {
	row := &balanceRow{
		PortfolioID: balance.PortfolioID,
		Asset:       balance.Asset,
		Available:   balance.Available.String(),
		Held:        balance.Held.String(),
	}
	if err := s.db.WithContext(ctx).Save(row).Error; err != nil {
		return fmt.Errorf("%w: save balance %s/%s: %v", model.ErrPersistence, balance.PortfolioID, balance.Asset, err)
	}
	return nil
}

func (s *GormStore) CreateRebalancingRecord(ctx context.Context, record *model.RebalancingRecord) error {
	row, err := toRecordRow(record)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("%w: create rebalancing record %s: %v", model.ErrPersistence, record.ID, err)
	}
	return nil
}

func (s *GormStore) ListRebalancingRecords(ctx context.Context, portfolioID uuid.UUID, limit int) ([]*model.RebalancingRecord, error) {
	q := s.db.WithContext(ctx).
		Where("portfolio_id = ?", portfolioID).
		Order("created_at desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []rebalancingRecordRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("%w: rebalancing records for %s: %v", model.ErrPersistence, portfolioID, err)
	}
	records := make([]*model.RebalancingRecord, 0, len(rows))
	for i := range rows {
		rec, err := fromRecordRow(&rows[i])
		if err != nil {
			s.logger.Error("skip unreadable rebalancing record", zap.Error(err), zap.String("record_id", rows[i].ID.String()))
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// --- model.PairRepository ---

func (s *GormStore) GetPair(ctx context.Context, symbol string) (*model.TradingPair, error) {
	var row pairRow
	if err := s.db.WithContext(ctx).Where("symbol = ?", symbol).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, model.ErrPairNotFound
		}
		return nil, fmt.Errorf("%w: get pair %s: %v", model.ErrPersistence, symbol, err)
	}
	return fromPairRow(&row), nil
}

func (s *GormStore) ListActivePairs(ctx context.Context) ([]*model.TradingPair, error) {
	var rows []pairRow
	if err := s.db.WithContext(ctx).Where("active = ?", true).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("%w: list active pairs: %v", model.ErrPersistence, err)
	}
	pairs := make([]*model.TradingPair, len(rows))
	for i := range rows {
		pairs[i] = fromPairRow(&rows[i])
	}
	return pairs, nil
}

// SavePair creates or updates a trading pair definition.
func (s *GormStore) SavePair(ctx context.Context, pair *model.TradingPair) error {
	if err := s.db.WithContext(ctx).Save(toPairRow(pair)).Error; err != nil {
		return fmt.Errorf("%w: save pair %s: %v", model.ErrPersistence, pair.Symbol, err)
	}
	return nil
}
