// Package server exposes the trading service over HTTP.
package server

import (
	"net/http"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/peertrade/tradecore/internal/trading"
)

// Server is the HTTP front of the trading service.
type Server struct {
	logger *zap.Logger
	svc    *trading.Service
}

// NewServer creates an HTTP server over the trading service.
func NewServer(logger *zap.Logger, svc *trading.Service) *Server {
	return &Server{logger: logger, svc: svc}
}

// Router builds the gin router with all routes attached.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(ginzap.Ginzap(s.logger, "2006-01-02T15:04:05Z07:00", true))
	router.Use(ginzap.RecoveryWithZap(s.logger, true))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		orders := v1.Group("/orders")
		{
			orders.POST("", s.handleSubmitOrder)
			orders.GET("/:id", s.handleGetOrder)
			orders.GET("/:id/fills", s.handleGetOrderFills)
			orders.DELETE("/:id", s.handleCancelOrder)
		}

		portfolios := v1.Group("/portfolios")
		{
			portfolios.GET("/:id", s.handleGetPortfolio)
			portfolios.GET("/:id/orders", s.handleGetOpenOrders)
			portfolios.POST("/:id/rebalance", s.handleTriggerRebalance)
			portfolios.GET("/:id/rebalances", s.handleListRebalances)
			portfolios.DELETE("/:id", s.handleDeactivatePortfolio)
		}

		v1.GET("/orderbook", s.handleGetOrderBook)
	}
	return router
}
