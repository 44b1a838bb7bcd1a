package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/peertrade/tradecore/internal/trading/engine"
	"github.com/peertrade/tradecore/internal/trading/fixedpoint"
	"github.com/peertrade/tradecore/internal/trading/model"
	"github.com/peertrade/tradecore/internal/trading/portfolio"
)

// submitOrderRequest is the order intake contract. Price fields are
// decimal strings; which ones are required depends on type.
type submitOrderRequest struct {
	PortfolioID    string     `json:"portfolio_id" binding:"required"`
	Pair           string     `json:"pair" binding:"required"`
	Side           string     `json:"side" binding:"required"`
	Type           string     `json:"type" binding:"required"`
	Quantity       string     `json:"quantity" binding:"required"`
	Price          string     `json:"price"`
	StopPrice      string     `json:"stop_price"`
	TrailingOffset string     `json:"trailing_offset"`
	ReferencePrice string     `json:"reference_price"`
	HalfSpread     string     `json:"half_spread"`
	TimeInForce    string     `json:"time_in_force"`
	GoodTillDate   *time.Time `json:"good_till_date"`
	PostOnly       bool       `json:"post_only"`
	ReduceOnly     bool       `json:"reduce_only"`
}

func parseDecimal(field, value string) (fixedpoint.Value, error) {
	if value == "" {
		return fixedpoint.Zero(), nil
	}
	v, err := fixedpoint.FromString(value)
	if err != nil {
		return fixedpoint.Zero(), fmt.Errorf("%w: invalid %s %q", model.ErrInvalidOrder, field, value)
	}
	return v, nil
}

// toSubmitRequest converts the wire request into the typed submission.
func (r *submitOrderRequest) toSubmitRequest() (*model.SubmitRequest, error) {
	portfolioID, err := uuid.Parse(r.PortfolioID)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid portfolio_id", model.ErrInvalidOrder)
	}
	quantity, err := parseDecimal("quantity", r.Quantity)
	if err != nil {
		return nil, err
	}
	price, err := parseDecimal("price", r.Price)
	if err != nil {
		return nil, err
	}
	stopPrice, err := parseDecimal("stop_price", r.StopPrice)
	if err != nil {
		return nil, err
	}
	trailingOffset, err := parseDecimal("trailing_offset", r.TrailingOffset)
	if err != nil {
		return nil, err
	}
	referencePrice, err := parseDecimal("reference_price", r.ReferencePrice)
	if err != nil {
		return nil, err
	}
	halfSpread, err := parseDecimal("half_spread", r.HalfSpread)
	if err != nil {
		return nil, err
	}

	var params model.OrderParams
	switch strings.ToUpper(r.Type) {
	case model.TypeMarket:
		params = model.MarketParams{}
	case model.TypeLimit:
		params = model.LimitParams{Price: price}
	case model.TypeStopLoss:
		params = model.StopLossParams{StopPrice: stopPrice}
	case model.TypeStopLimit:
		params = model.StopLimitParams{StopPrice: stopPrice, Price: price}
	case model.TypeTrailingStop:
		params = model.TrailingStopParams{Offset: trailingOffset}
	case model.TypeMarketMaker:
		params = model.MarketMakerParams{ReferencePrice: referencePrice, HalfSpread: halfSpread}
	default:
		return nil, fmt.Errorf("%w: unknown order type %q", model.ErrInvalidOrder, r.Type)
	}

	tif := strings.ToUpper(r.TimeInForce)
	if tif == "" {
		tif = model.TimeInForceGTC
	}
	return &model.SubmitRequest{
		PortfolioID:  portfolioID,
		Pair:         r.Pair,
		Side:         strings.ToUpper(r.Side),
		Quantity:     quantity,
		Params:       params,
		TimeInForce:  tif,
		GoodTillDate: r.GoodTillDate,
		PostOnly:     r.PostOnly,
		ReduceOnly:   r.ReduceOnly,
	}, nil
}

func (s *Server) handleSubmitOrder(c *gin.Context) {
	var wire submitOrderRequest
	if err := c.ShouldBindJSON(&wire); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req, err := wire.toSubmitRequest()
	if err != nil {
		s.writeError(c, err)
		return
	}
	res, err := s.svc.SubmitOrder(c.Request.Context(), req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"orders": res.Orders})
}

func (s *Server) handleGetOrder(c *gin.Context) {
	id, ok := s.pathID(c)
	if !ok {
		return
	}
	order, err := s.svc.GetOrderStatus(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (s *Server) handleGetOrderFills(c *gin.Context) {
	id, ok := s.pathID(c)
	if !ok {
		return
	}
	fills, err := s.svc.GetOrderFills(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"fills": fills})
}

func (s *Server) handleCancelOrder(c *gin.Context) {
	id, ok := s.pathID(c)
	if !ok {
		return
	}
	order, err := s.svc.CancelOrder(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (s *Server) handleGetPortfolio(c *gin.Context) {
	id, ok := s.pathID(c)
	if !ok {
		return
	}
	p, err := s.svc.GetPortfolio(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) handleGetOpenOrders(c *gin.Context) {
	id, ok := s.pathID(c)
	if !ok {
		return
	}
	orders, err := s.svc.GetOpenOrders(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

func (s *Server) handleTriggerRebalance(c *gin.Context) {
	id, ok := s.pathID(c)
	if !ok {
		return
	}
	record, err := s.svc.TriggerRebalanceCheck(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if record == nil {
		c.JSON(http.StatusOK, gin.H{"rebalanced": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rebalanced": true, "record": record})
}

func (s *Server) handleListRebalances(c *gin.Context) {
	id, ok := s.pathID(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	records, err := s.svc.ListRebalancingRecords(c.Request.Context(), id, limit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}

func (s *Server) handleDeactivatePortfolio(c *gin.Context) {
	id, ok := s.pathID(c)
	if !ok {
		return
	}
	if err := s.svc.DeactivatePortfolio(c.Request.Context(), id); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deactivated": true})
}

func (s *Server) handleGetOrderBook(c *gin.Context) {
	pair := c.Query("pair")
	if pair == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "pair query parameter required"})
		return
	}
	depth, _ := strconv.Atoi(c.DefaultQuery("depth", "20"))
	snapshot, err := s.svc.BookSnapshot(pair, depth)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

func (s *Server) pathID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return uuid.Nil, false
	}
	return id, true
}

// writeError maps service errors onto HTTP statuses.
func (s *Server) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrInvalidOrder):
		status = http.StatusBadRequest
	case errors.Is(err, model.ErrOrderNotFound),
		errors.Is(err, model.ErrPortfolioNotFound),
		errors.Is(err, model.ErrPairNotFound),
		errors.Is(err, engine.ErrUnknownPair):
		status = http.StatusNotFound
	case errors.Is(err, portfolio.ErrPortfolioInactive):
		status = http.StatusConflict
	case errors.Is(err, engine.ErrNotRunning):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err), zap.String("path", c.FullPath()))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
