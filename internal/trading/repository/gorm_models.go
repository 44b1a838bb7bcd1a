package repository

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/peertrade/tradecore/internal/trading/fixedpoint"
	"github.com/peertrade/tradecore/internal/trading/model"
)

// Database rows keep decimals as numeric strings so the 8-decimal
// fixed-point values survive storage exactly.

type orderRow struct {
	ID             uuid.UUID  `gorm:"primaryKey;type:uuid"`
	PortfolioID    uuid.UUID  `gorm:"type:uuid;index;not null"`
	Pair           string     `gorm:"index;not null"`
	Side           string     `gorm:"not null"`
	Type           string     `gorm:"not null"`
	Quantity       string     `gorm:"type:numeric(30,8);not null"`
	Price          string     `gorm:"type:numeric(30,8)"`
	StopPrice      string     `gorm:"type:numeric(30,8)"`
	TrailingOffset string     `gorm:"type:numeric(30,8)"`
	TimeInForce    string     `gorm:"not null"`
	GoodTillDate   *time.Time `gorm:"index"`
	PostOnly       bool
	ReduceOnly     bool
	FilledQuantity string `gorm:"type:numeric(30,8);not null"`
	AvgFillPrice   string `gorm:"type:numeric(30,8)"`
	Status         string `gorm:"index;not null"`
	RejectReason   string
	RebalanceID    *uuid.UUID `gorm:"type:uuid;index"`
	CreatedAt      time.Time  `gorm:"index;not null"`
	UpdatedAt      time.Time  `gorm:"not null"`
}

func (orderRow) TableName() string { return "orders" }

type fillRow struct {
	ID           uuid.UUID `gorm:"primaryKey;type:uuid"`
	MakerOrderID uuid.UUID `gorm:"type:uuid;index;not null"`
	TakerOrderID uuid.UUID `gorm:"type:uuid;index;not null"`
	Pair         string    `gorm:"index;not null"`
	Price        string    `gorm:"type:numeric(30,8);not null"`
	Quantity     string    `gorm:"type:numeric(30,8);not null"`
	ExecutedAt   time.Time `gorm:"index;not null"`
}

func (fillRow) TableName() string { return "fills" }

type pairRow struct {
	ID          uuid.UUID `gorm:"primaryKey;type:uuid"`
	Symbol      string    `gorm:"uniqueIndex;not null"`
	BaseAsset   string    `gorm:"not null"`
	QuoteAsset  string    `gorm:"not null"`
	TickSize    string    `gorm:"type:numeric(30,8);not null"`
	MinQuantity string    `gorm:"type:numeric(30,8);not null"`
	Active      bool      `gorm:"not null"`
}

func (pairRow) TableName() string { return "trading_pairs" }

type portfolioRow struct {
	ID                 uuid.UUID `gorm:"primaryKey;type:uuid"`
	OwnerID            uuid.UUID `gorm:"type:uuid;index;not null"`
	InitialCapital     string    `gorm:"type:numeric(30,8);not null"`
	CurrentValue       string    `gorm:"type:numeric(30,8);not null"`
	AssetAllocation    string    `gorm:"type:jsonb"`
	AutoRebalance      bool
	RebalanceThreshold string `gorm:"type:numeric(30,8)"`
	RebalanceInterval  int64  // nanoseconds
	LastRebalancedAt   *time.Time
	Active             bool   `gorm:"not null"`
	RealizedPnL        string `gorm:"type:numeric(30,8)"`
	UnrealizedPnL      string `gorm:"type:numeric(30,8)"`
	MaxDrawdown        string `gorm:"type:numeric(30,8)"`
	SharpeRatio        string `gorm:"type:numeric(30,8)"`
	SortinoRatio       string `gorm:"type:numeric(30,8)"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (portfolioRow) TableName() string { return "trading_portfolios" }

type balanceRow struct {
	PortfolioID uuid.UUID `gorm:"primaryKey;type:uuid"`
	Asset       string    `gorm:"primaryKey"`
	Available   string    `gorm:"type:numeric(30,8);not null"`
	Held        string    `gorm:"type:numeric(30,8);not null"`
}

func (balanceRow) TableName() string { return "portfolio_balances" }

type rebalancingRecordRow struct {
	ID               uuid.UUID `gorm:"primaryKey;type:uuid"`
	PortfolioID      uuid.UUID `gorm:"type:uuid;index;not null"`
	BeforeAllocation string    `gorm:"type:jsonb"`
	AfterAllocation  string    `gorm:"type:jsonb"`
	Actions          string    `gorm:"type:jsonb"`
	TotalValue       string    `gorm:"type:numeric(30,8)"`
	Cost             string    `gorm:"type:numeric(30,8)"`
	Reason           string    `gorm:"not null"`
	Partial          bool
	CreatedAt        time.Time `gorm:"index;not null"`
}

func (rebalancingRecordRow) TableName() string { return "rebalancing_records" }

func fp(s string) fixedpoint.Value {
	if s == "" {
		return fixedpoint.Zero()
	}
	v, err := fixedpoint.FromString(s)
	if err != nil {
		return fixedpoint.Zero()
	}
	return v
}

func toOrderRow(o *model.Order) *orderRow {
	return &orderRow{
		ID:             o.ID,
		PortfolioID:    o.PortfolioID,
		Pair:           o.Pair,
		Side:           o.Side,
		Type:           o.Type,
		Quantity:       o.Quantity.String(),
		Price:          o.Price.String(),
		StopPrice:      o.StopPrice.String(),
		TrailingOffset: o.TrailingOffset.String(),
		TimeInForce:    o.TimeInForce,
		GoodTillDate:   o.GoodTillDate,
		PostOnly:       o.PostOnly,
		ReduceOnly:     o.ReduceOnly,
		FilledQuantity: o.FilledQuantity.String(),
		AvgFillPrice:   o.AvgFillPrice.String(),
		Status:         o.Status,
		RejectReason:   o.RejectReason,
		RebalanceID:    o.RebalanceID,
		CreatedAt:      o.CreatedAt,
		UpdatedAt:      o.UpdatedAt,
	}
}

func fromOrderRow(r *orderRow) *model.Order {
	return &model.Order{
		ID:             r.ID,
		PortfolioID:    r.PortfolioID,
		Pair:           r.Pair,
		Side:           r.Side,
		Type:           r.Type,
		Quantity:       fp(r.Quantity),
		Price:          fp(r.Price),
		StopPrice:      fp(r.StopPrice),
		TrailingOffset: fp(r.TrailingOffset),
		TimeInForce:    r.TimeInForce,
		GoodTillDate:   r.GoodTillDate,
		PostOnly:       r.PostOnly,
		ReduceOnly:     r.ReduceOnly,
		FilledQuantity: fp(r.FilledQuantity),
		AvgFillPrice:   fp(r.AvgFillPrice),
		Status:         r.Status,
		RejectReason:   r.RejectReason,
		RebalanceID:    r.RebalanceID,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

func toFillRow(f *model.Fill) *fillRow {
	return &fillRow{
		ID:           f.ID,
		MakerOrderID: f.MakerOrderID,
		TakerOrderID: f.TakerOrderID,
		Pair:         f.Pair,
		Price:        f.Price.String(),
		Quantity:     f.Quantity.String(),
		ExecutedAt:   f.ExecutedAt,
	}
}

func fromFillRow(r *fillRow) *model.Fill {
	return &model.Fill{
		ID:           r.ID,
		MakerOrderID: r.MakerOrderID,
		TakerOrderID: r.TakerOrderID,
		Pair:         r.Pair,
		Price:        fp(r.Price),
		Quantity:     fp(r.Quantity),
		ExecutedAt:   r.ExecutedAt,
	}
}

func fromPairRow(r *pairRow) *model.TradingPair {
	return &model.TradingPair{
		ID:          r.ID,
		Symbol:      r.Symbol,
		BaseAsset:   r.BaseAsset,
		QuoteAsset:  r.QuoteAsset,
		TickSize:    fp(r.TickSize),
		MinQuantity: fp(r.MinQuantity),
		Active:      r.Active,
	}
}

func toPairRow(p *model.TradingPair) *pairRow {
	return &pairRow{
		ID:          p.ID,
		Symbol:      p.Symbol,
		BaseAsset:   p.BaseAsset,
		QuoteAsset:  p.QuoteAsset,
		TickSize:    p.TickSize.String(),
		MinQuantity: p.MinQuantity.String(),
		Active:      p.Active,
	}
}

func marshalAllocation(alloc map[string]fixedpoint.Value) (string, error) {
	b, err := json.Marshal(alloc)
	if err != nil {
		return "", fmt.Errorf("marshal allocation: %w", err)
	}
	return string(b), nil
}

func unmarshalAllocation(s string) (map[string]fixedpoint.Value, error) {
	if s == "" {
		return map[string]fixedpoint.Value{}, nil
	}
	var alloc map[string]fixedpoint.Value
	if err := json.Unmarshal([]byte(s), &alloc); err != nil {
		return nil, fmt.Errorf("unmarshal allocation: %w", err)
	}
	return alloc, nil
}

func toPortfolioRow(p *model.Portfolio) (*portfolioRow, error) {
	alloc, err := marshalAllocation(p.AssetAllocation)
	if err != nil {
		return nil, err
	}
	return &portfolioRow{
		ID:                 p.ID,
		OwnerID:            p.OwnerID,
		InitialCapital:     p.InitialCapital.String(),
		CurrentValue:       p.CurrentValue.String(),
		AssetAllocation:    alloc,
		AutoRebalance:      p.AutoRebalance,
		RebalanceThreshold: p.RebalanceThreshold.String(),
		RebalanceInterval:  int64(p.RebalanceInterval),
		LastRebalancedAt:   p.LastRebalancedAt,
		Active:             p.Active,
		RealizedPnL:        p.RealizedPnL.String(),
		UnrealizedPnL:      p.UnrealizedPnL.String(),
		MaxDrawdown:        p.MaxDrawdown.String(),
		SharpeRatio:        p.SharpeRatio.String(),
		SortinoRatio:       p.SortinoRatio.String(),
		CreatedAt:          p.CreatedAt,
		UpdatedAt:          p.UpdatedAt,
	}, nil
}

func fromPortfolioRow(r *portfolioRow) (*model.Portfolio, error) {
	alloc, err := unmarshalAllocation(r.AssetAllocation)
	if err != nil {
		return nil, err
	}
	return &model.Portfolio{
		ID:                 r.ID,
		OwnerID:            r.OwnerID,
		InitialCapital:     fp(r.InitialCapital),
		CurrentValue:       fp(r.CurrentValue),
		AssetAllocation:    alloc,
		AutoRebalance:      r.AutoRebalance,
		RebalanceThreshold: fp(r.RebalanceThreshold),
		RebalanceInterval:  time.Duration(r.RebalanceInterval),
		LastRebalancedAt:   r.LastRebalancedAt,
		Active:             r.Active,
		RealizedPnL:        fp(r.RealizedPnL),
		UnrealizedPnL:      fp(r.UnrealizedPnL),
		MaxDrawdown:        fp(r.MaxDrawdown),
		SharpeRatio:        fp(r.SharpeRatio),
		SortinoRatio:       fp(r.SortinoRatio),
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}, nil
}

func toRecordRow(rec *model.RebalancingRecord) (*rebalancingRecordRow, error) {
	before, err := marshalAllocation(rec.BeforeAllocation)
	if err != nil {
		return nil, err
	}
	after, err := marshalAllocation(rec.AfterAllocation)
	if err != nil {
		return nil, err
	}
	actions, err := json.Marshal(rec.Actions)
	if err != nil {
		return nil, fmt.Errorf("marshal actions: %w", err)
	}
	return &rebalancingRecordRow{
		ID:               rec.ID,
		PortfolioID:      rec.PortfolioID,
		BeforeAllocation: before,
		AfterAllocation:  after,
		Actions:          string(actions),
		TotalValue:       rec.TotalValue.String(),
		Cost:             rec.Cost.String(),
		Reason:           rec.Reason,
		Partial:          rec.Partial,
		CreatedAt:        rec.CreatedAt,
	}, nil
}

func fromRecordRow(r *rebalancingRecordRow) (*model.RebalancingRecord, error) {
	before, err := unmarshalAllocation(r.BeforeAllocation)
	if err != nil {
		return nil, err
	}
	after, err := unmarshalAllocation(r.AfterAllocation)
	if err != nil {
		return nil, err
	}
	var actions []model.RebalanceAction
	if r.Actions != "" {
		if err := json.Unmarshal([]byte(r.Actions), &actions); err != nil {
			return nil, fmt.Errorf("unmarshal actions: %w", err)
		}
	}
	return &model.RebalancingRecord{
		ID:               r.ID,
		PortfolioID:      r.PortfolioID,
		BeforeAllocation: before,
		AfterAllocation:  after,
		Actions:          actions,
		TotalValue:       fp(r.TotalValue),
		Cost:             fp(r.Cost),
		Reason:           r.Reason,
		Partial:          r.Partial,
		CreatedAt:        r.CreatedAt,
	}, nil
}
