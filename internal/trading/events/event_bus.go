// Package events carries fill and rebalance notifications out of the
// trading core. Delivery is fire-and-forget: a slow or failing sink must
// never roll back or delay a trade.
package events

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Standard topics.
const (
	TopicOrder     = "order"
	TopicFill      = "fill"
	TopicRebalance = "rebalance"
)

// Event is the envelope published on the bus.
type Event struct {
	Topic     string
	Type      string // e.g. "ORDER_FILLED", "REBALANCE_EXECUTED"
	Timestamp time.Time
	Payload   interface{}
}

// Handler consumes one event. Handlers run on their own goroutine; a
// panicking handler is recovered and logged.
type Handler func(Event)

// Bus is the publish/subscribe boundary consumed by the engine and the
// rebalancer.
type Bus interface {
	Publish(ctx context.Context, event Event)
	Subscribe(topic string, handler Handler)
}

// InMemoryBus fans events out to subscribers on dedicated goroutines.
type InMemoryBus struct {
	logger *zap.Logger
	mu     sync.RWMutex
	subs   map[string][]Handler
}

// NewInMemoryBus creates an empty bus.
func NewInMemoryBus(logger *zap.Logger) *InMemoryBus {
	return &InMemoryBus{
		logger: logger,
		subs:   make(map[string][]Handler),
	}
}

// Publish delivers the event to every subscriber of its topic.
func (b *InMemoryBus) Publish(ctx context.Context, event Event) {
	b.mu.RLock()
	handlers := append([]Handler{}, b.subs[event.Topic]...)
	b.mu.RUnlock()
	for _, handler := range handlers {
		go func(h Handler) {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("event handler panic",
						zap.Any("recover", r),
						zap.String("topic", event.Topic),
						zap.String("type", event.Type))
				}
			}()
			h(event)
		}(handler)
	}
}

// Subscribe registers a handler for a topic.
func (b *InMemoryBus) Subscribe(topic string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = append(b.subs[topic], handler)
}
