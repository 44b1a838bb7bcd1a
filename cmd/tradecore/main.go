package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/peertrade/tradecore/internal/config"
	"github.com/peertrade/tradecore/internal/server"
	"github.com/peertrade/tradecore/internal/trading"
	"github.com/peertrade/tradecore/internal/trading/balance"
	"github.com/peertrade/tradecore/internal/trading/engine"
	"github.com/peertrade/tradecore/internal/trading/events"
	"github.com/peertrade/tradecore/internal/trading/fixedpoint"
	"github.com/peertrade/tradecore/internal/trading/lifecycle"
	"github.com/peertrade/tradecore/internal/trading/model"
	"github.com/peertrade/tradecore/internal/trading/portfolio"
	"github.com/peertrade/tradecore/internal/trading/pricefeed"
	"github.com/peertrade/tradecore/internal/trading/repository"
	"github.com/peertrade/tradecore/internal/trading/risk"
	"github.com/peertrade/tradecore/pkg/logger"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file, using environment variables")
	}

	cfg, err := config.Load(configPaths()...)
	if err != nil {
		log.Fatalf("load configuration: %v", err)
	}

	zapLogger, err := logger.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("create logger: %v", err)
	}
	defer zapLogger.Sync()

	if err := run(cfg, zapLogger); err != nil {
		zapLogger.Fatal("service exited", zap.Error(err))
	}
}

func configPaths() []string {
	if path := os.Getenv("TRADECORE_CONFIG"); path != "" {
		return []string{path}
	}
	return nil
}

func run(cfg *config.Config, zapLogger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := openDatabase(cfg.Database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	var cache *redis.Client
	if cfg.Redis.Enabled {
		cache = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := cache.Ping(ctx).Err(); err != nil {
			zapLogger.Warn("redis unreachable, continuing without order cache", zap.Error(err))
			cache = nil
		}
	}

	store, err := repository.NewGormStore(db, cache, zapLogger)
	if err != nil {
		return fmt.Errorf("initialize store: %w", err)
	}
	if err := seedPairs(ctx, store, cfg.Pairs); err != nil {
		return err
	}

	bus := events.NewInMemoryBus(zapLogger)
	if cfg.Kafka.Enabled {
		publisher := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, zapLogger)
		publisher.Attach(bus, events.TopicOrder, events.TopicFill, events.TopicRebalance)
		defer publisher.Close()
	}

	feed, err := pricefeed.New(cfg.Rebalance.CashAsset, cfg.PriceFeed.Seeds, zapLogger)
	if err != nil {
		return err
	}
	feed.Listen(bus)

	clock := model.RealClock{}
	balances := balance.NewService(store, zapLogger)
	gate := risk.NewGate(riskConfig(cfg.Engine), store, store, feed, balances, clock, zapLogger)
	lifecycleMgr := lifecycle.NewManager(store, bus, clock, zapLogger)

	engineCfg, err := engineConfig(cfg.Engine)
	if err != nil {
		return err
	}
	eng := engine.New(engineCfg, store, store, gate, balances, lifecycleMgr, feed, clock, bus, zapLogger)
	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start matching engine: %w", err)
	}
	defer eng.Stop()

	valuer := portfolio.NewValuer(cfg.Rebalance.CashAsset, store, balances, feed, clock, zapLogger)
	svc := trading.NewService(eng, store, store, valuer, zapLogger)

	rebalanceCfg, err := rebalanceConfig(cfg.Rebalance)
	if err != nil {
		return err
	}
	rebalancer := portfolio.NewRebalancer(rebalanceCfg, store, valuer, svc, feed, clock, bus, zapLogger)
	svc.SetRebalancer(rebalancer)
	go rebalancer.Run(ctx)

	httpServer := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: server.NewServer(zapLogger, svc).Router(),
	}
	errCh := make(chan error, 1)
	go func() {
		zapLogger.Info("http server listening", zap.String("addr", cfg.HTTP.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	zapLogger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func openDatabase(cfg config.DatabaseConfig) (*gorm.DB, error) {
	switch cfg.Driver {
	case "postgres":
		return gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{})
	case "sqlite":
		return gorm.Open(sqlite.Open(cfg.DSN), &gorm.Config{})
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

func seedPairs(ctx context.Context, store *repository.GormStore, pairs []config.PairConfig) error {
	for _, p := range pairs {
		tickSize, err := fixedpoint.FromString(p.TickSize)
		if err != nil {
			return fmt.Errorf("pair %s: tick size: %w", p.Symbol, err)
		}
		minQty, err := fixedpoint.FromString(p.MinQuantity)
		if err != nil {
			return fmt.Errorf("pair %s: min quantity: %w", p.Symbol, err)
		}
		err = store.SavePair(ctx, &model.TradingPair{
			Symbol:      p.Symbol,
			BaseAsset:   p.BaseAsset,
			QuoteAsset:  p.QuoteAsset,
			TickSize:    tickSize,
			MinQuantity: minQty,
			Active:      true,
		})
		if err != nil {
			return fmt.Errorf("seed pair %s: %w", p.Symbol, err)
		}
	}
	return nil
}

func riskConfig(cfg config.EngineConfig) risk.Config {
	band, err := fixedpoint.FromString(cfg.PriceBand)
	if err != nil {
		band = fixedpoint.Zero()
	}
	return risk.Config{PriceBand: band}
}

func engineConfig(cfg config.EngineConfig) (engine.Config, error) {
	out := engine.DefaultConfig()
	if cfg.QueueSize > 0 {
		out.QueueSize = cfg.QueueSize
	}
	if cfg.ExpirySweepInterval > 0 {
		out.ExpirySweepInterval = cfg.ExpirySweepInterval
	}
	if cfg.DefaultHalfSpread != "" {
		spread, err := fixedpoint.FromString(cfg.DefaultHalfSpread)
		if err != nil {
			return out, fmt.Errorf("default half spread: %w", err)
		}
		out.DefaultHalfSpread = spread
	}
	return out, nil
}

func rebalanceConfig(cfg config.RebalanceConfig) (portfolio.Config, error) {
	out := portfolio.DefaultConfig()
	if cfg.CashAsset != "" {
		out.CashAsset = cfg.CashAsset
	}
	if cfg.CheckInterval > 0 {
		out.CheckInterval = cfg.CheckInterval
	}
	if cfg.FeeRate != "" {
		rate, err := fixedpoint.FromString(cfg.FeeRate)
		if err != nil {
			return out, fmt.Errorf("rebalance fee rate: %w", err)
		}
		out.FeeRate = rate
	}
	if cfg.MinLegNotional != "" {
		floor, err := fixedpoint.FromString(cfg.MinLegNotional)
		if err != nil {
			return out, fmt.Errorf("rebalance min leg notional: %w", err)
		}
		out.MinLegNotional = floor
	}
	return out, nil
}
