// Package pricefeed maintains the last-traded and mark prices the risk
// gate, trigger index and valuation engine consume. Prices start from
// configured seeds and are kept current by the fill stream.
package pricefeed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/peertrade/tradecore/internal/trading/events"
	"github.com/peertrade/tradecore/internal/trading/fixedpoint"
	"github.com/peertrade/tradecore/internal/trading/model"
)

// ErrNoPrice is returned when no price is known for a pair or asset.
var ErrNoPrice = errors.New("pricefeed: no price available")

// Feed is an in-process price source. Mark prices are quoted in the
// cash asset; the cash asset itself always marks at 1.
type Feed struct {
	cash   string
	logger *zap.Logger

	mu    sync.RWMutex
	last  map[string]fixedpoint.Value // by pair symbol
	marks map[string]fixedpoint.Value // by base asset
}

var _ model.PriceFeed = (*Feed)(nil)

// New builds a feed seeded from asset -> price strings.
func New(cashAsset string, seeds map[string]string, logger *zap.Logger) (*Feed, error) {
	f := &Feed{
		cash:   cashAsset,
		logger: logger,
		last:   make(map[string]fixedpoint.Value),
		marks:  make(map[string]fixedpoint.Value),
	}
	for asset, raw := range seeds {
		price, err := fixedpoint.FromString(raw)
		if err != nil {
			return nil, fmt.Errorf("pricefeed: seed price for %s: %w", asset, err)
		}
		f.marks[asset] = price
		f.last[asset+"/"+cashAsset] = price
	}
	return f, nil
}

// Listen subscribes the feed to the fill stream so traded prices keep
// the marks current.
func (f *Feed) Listen(bus events.Bus) {
	bus.Subscribe(events.TopicFill, f.onFill)
}

func (f *Feed) onFill(event events.Event) {
	notice, ok := event.Payload.(events.FillNotice)
	if !ok {
		return
	}
	price, err := fixedpoint.FromString(notice.Price)
	if err != nil || !price.IsPositive() {
		f.logger.Warn("ignoring fill with unusable price",
			zap.String("pair", notice.Pair), zap.String("price", notice.Price))
		return
	}
	f.Observe(notice.Pair, price)
}

// Observe records a traded price for the pair. Pairs quoted in the cash
// asset also update the base asset's mark price.
func (f *Feed) Observe(pair string, price fixedpoint.Value) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last[pair] = price
	if base, quote, ok := splitPair(pair); ok && quote == f.cash {
		f.marks[base] = price
	}
}

// LastTradedPrice returns the most recent traded price for the pair.
func (f *Feed) LastTradedPrice(ctx context.Context, pair string) (fixedpoint.Value, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	price, ok := f.last[pair]
	if !ok {
		return fixedpoint.Zero(), fmt.Errorf("%w: pair %s", ErrNoPrice, pair)
	}
	return price, nil
}

// MarkPrice returns the asset's value in cash-asset terms.
func (f *Feed) MarkPrice(ctx context.Context, asset string) (fixedpoint.Value, error) {
	if asset == f.cash {
		return fixedpoint.FromInt(1), nil
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	price, ok := f.marks[asset]
	if !ok {
		return fixedpoint.Zero(), fmt.Errorf("%w: asset %s", ErrNoPrice, asset)
	}
	return price, nil
}

func splitPair(pair string) (base, quote string, ok bool) {
	parts := strings.SplitN(pair, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
