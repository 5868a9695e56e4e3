package exchange

import "time"

// Order side constants
const (
	SideLong  = "LONG"
	SideShort = "SHORT"
)

// Margin type constants
const (
	MarginIsolated = "ISOLATED"
	MarginCrossed  = "CROSSED"
)

// OrderRequest describes one order submission.
type OrderRequest struct {
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"` // LONG or SHORT
	Amount        float64 `json:"amount"`
	Leverage      int     `json:"leverage"`
	ReduceOnly    bool    `json:"reduce_only"`
	ClientOrderID string  `json:"client_order_id"`
}

// OrderResult is the exchange's acknowledgement of a filled order.
type OrderResult struct {
	OrderID       int64     `json:"order_id"`
	ClientOrderID string    `json:"client_order_id"`
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"`
	AvgPrice      float64   `json:"avg_price"`
	ExecutedQty   float64   `json:"executed_qty"`
	FilledAt      time.Time `json:"filled_at"`
}

// ExchangePosition is one open position as reported by the exchange.
type ExchangePosition struct {
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"`
	EntryPrice float64 `json:"entry_price"`
	Amount     float64 `json:"amount"`
	Leverage   int     `json:"leverage"`
	MarkPrice  float64 `json:"mark_price"`
}

// Balance holds the account's free and used margin balance.
type Balance struct {
	Free float64 `json:"free"`
	Used float64 `json:"used"`
}
