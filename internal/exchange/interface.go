// Package exchange defines the boundary to the derivatives exchange API:
// the client interface, wire types, and the error taxonomy used by the
// execution gateway to decide between retrying, rejecting, and halting.
package exchange

import "context"

// Client defines the operations the trading core needs from the exchange.
// All calls are synchronous; retry, rate limiting and backoff are layered
// on top by the gateway, never inside an implementation.
type Client interface {
	// ==================== TRADING ====================

	// PlaceOrder submits a market order and returns the fill result.
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)

	// CancelOrder cancels an open order. Returns true if an order was
	// actually cancelled, false if it was already gone.
	CancelOrder(ctx context.Context, orderID int64, symbol string) (bool, error)

	// ==================== LEVERAGE & MARGIN ====================

	// SetLeverage sets the leverage for a symbol (1-125x).
	SetLeverage(ctx context.Context, symbol string, leverage int) error

	// SetMarginType sets the margin type (ISOLATED or CROSSED).
	SetMarginType(ctx context.Context, symbol string, marginType string) error

	// ==================== ACCOUNT & MARKET DATA ====================

	// GetTicker returns the current price for a symbol.
	GetTicker(ctx context.Context, symbol string) (float64, error)

	// GetOpenPositions returns all open positions on the exchange.
	GetOpenPositions(ctx context.Context) ([]ExchangePosition, error)

	// GetBalance returns the free and used margin balance.
	GetBalance(ctx context.Context) (*Balance, error)
}
