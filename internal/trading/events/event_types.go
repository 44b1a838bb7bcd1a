package events

import "time"

// Event type names.
const (
	TypeOrderAccepted     = "ORDER_ACCEPTED"
	TypeOrderRejected     = "ORDER_REJECTED"
	TypeOrderCanceled     = "ORDER_CANCELED"
	TypeOrderExpired      = "ORDER_EXPIRED"
	TypeOrderFilled       = "ORDER_FILLED"
	TypeFillRecorded      = "FILL_RECORDED"
	TypeRebalanceExecuted = "REBALANCE_EXECUTED"
	TypeRebalancePartial  = "REBALANCE_PARTIAL"
)

// OrderNotice is the payload for order lifecycle events.
type OrderNotice struct {
	OrderID     string    `json:"order_id"`
	PortfolioID string    `json:"portfolio_id"`
	Pair        string    `json:"pair"`
	Side        string    `json:"side"`
	Type        string    `json:"type"`
	Status      string    `json:"status"`
	Reason      string    `json:"reason,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// FillNotice is the payload for fill events.
type FillNotice struct {
	FillID       string    `json:"fill_id"`
	MakerOrderID string    `json:"maker_order_id"`
	TakerOrderID string    `json:"taker_order_id"`
	Pair         string    `json:"pair"`
	Price        string    `json:"price"`
	Quantity     string    `json:"quantity"`
	Timestamp    time.Time `json:"timestamp"`
}

// RebalanceNotice is the payload for rebalance events.
type RebalanceNotice struct {
	RecordID    string    `json:"record_id"`
	PortfolioID string    `json:"portfolio_id"`
	Reason      string    `json:"reason"`
	Legs        int       `json:"legs"`
	FailedLegs  int       `json:"failed_legs"`
	Timestamp   time.Time `json:"timestamp"`
}
