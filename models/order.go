package models

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Order is a locally tracked order. Records are created only from confirmed
// placement responses and are handed out as copies, never as live references.
type Order struct {
	OrderID    string  `json:"order_id"`
	Instrument string  `json:"instrument"`
	Side       Side    `json:"side"`
	Quantity   float64 `json:"quantity"`
	Price      float64 `json:"price"`
}
