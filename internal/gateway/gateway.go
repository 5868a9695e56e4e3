// Package gateway is the single entry point for every outbound exchange
// call. It layers the shared rate limiter, per-call timeouts, error
// classification, retry with exponential backoff and jitter, and pre-trade
// margin validation over the raw exchange client. Order-reducing calls run
// on a widened "critical" retry budget so closes always get more attempts
// than anything else.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/loureed691/RAD-sub002/internal/events"
	"github.com/loureed691/RAD-sub002/internal/exchange"
	"github.com/loureed691/RAD-sub002/internal/ratelimit"
)

// Config holds gateway tuning.
type Config struct {
	MaxRetries         int           `json:"max_retries"`         // Attempt budget for normal calls
	CriticalMultiplier int           `json:"critical_multiplier"` // Budget multiplier for reducing calls
	CloseAttempts      int           `json:"close_attempts"`      // Outer close-loop attempts
	CloseRetryDelay    time.Duration `json:"close_retry_delay"`   // Base delay between close attempts
	CallTimeout        time.Duration `json:"call_timeout"`        // Per-attempt network timeout
	InitialBackoff     time.Duration `json:"initial_backoff"`
	MaxBackoff         time.Duration `json:"max_backoff"`
	MarginHeadroom     float64       `json:"margin_headroom"` // Usable fraction of free balance
	MinNotional        float64       `json:"min_notional"`    // Smallest order value worth submitting
	MarginType         string        `json:"margin_type"`
}

// DefaultConfig returns safe gateway defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:         3,
		CriticalMultiplier: 3,
		CloseAttempts:      5,
		CloseRetryDelay:    2 * time.Second,
		CallTimeout:        10 * time.Second,
		InitialBackoff:     500 * time.Millisecond,
		MaxBackoff:         15 * time.Second,
		MarginHeadroom:     0.95,
		MinNotional:        5,
		MarginType:         exchange.MarginIsolated,
	}
}

// ErrCloseFailed is returned when every close attempt was exhausted; the
// position needs manual attention.
var ErrCloseFailed = errors.New("close attempts exhausted")

// Gateway wraps the exchange client. Exactly one shared Limiter must be
// injected; no call path is allowed around it.
type Gateway struct {
	client  exchange.Client
	limiter *ratelimit.Limiter
	bus     *events.Bus
	logger  zerolog.Logger
	cfg     Config
}

// New builds a gateway, filling zero config values with defaults.
func New(client exchange.Client, limiter *ratelimit.Limiter, bus *events.Bus, logger zerolog.Logger, cfg Config) *Gateway {
	def := DefaultConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.CriticalMultiplier <= 0 {
		cfg.CriticalMultiplier = def.CriticalMultiplier
	}
	if cfg.CloseAttempts <= 0 {
		cfg.CloseAttempts = def.CloseAttempts
	}
	if cfg.CloseRetryDelay <= 0 {
		cfg.CloseRetryDelay = def.CloseRetryDelay
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.MarginHeadroom <= 0 || cfg.MarginHeadroom > 1 {
		cfg.MarginHeadroom = def.MarginHeadroom
	}
	if cfg.MarginType == "" {
		cfg.MarginType = def.MarginType
	}
	return &Gateway{
		client:  client,
		limiter: limiter,
		bus:     bus,
		logger:  logger.With().Str("component", "Gateway").Logger(),
		cfg:     cfg,
	}
}

// call runs fn through the limiter with retry, backoff and classification.
// Critical calls get the widened attempt budget. Terminal and fatal errors
// abort immediately; retryable errors are retried until the budget runs out
// and are then returned classified.
func (g *Gateway) call(ctx context.Context, operation string, critical bool, fn func(context.Context) error) error {
	budget := g.cfg.MaxRetries
	if critical {
		budget *= g.cfg.CriticalMultiplier
	}

	attempt := 0
	op := func() error {
		attempt++

		if err := g.limiter.Acquire(ctx); err != nil {
			if errors.Is(err, ratelimit.ErrCircuitOpen) {
				g.emit(operation, attempt, "circuit_open", 0)
				return err // retry after backoff; breaker may have recovered
			}
			return backoff.Permanent(err) // context cancelled
		}

		callCtx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
		start := time.Now()
		err := fn(callCtx)
		cancel()
		latency := time.Since(start)

		if err == nil {
			g.limiter.RecordResult(true)
			g.emit(operation, attempt, "ok", latency)
			return nil
		}

		kind := exchange.ClassifyError(err)
		// A terminal reject is a healthy exchange saying no; only
		// transport-level failures count against the breaker.
		g.limiter.RecordResult(kind == exchange.KindTerminalReject)

		switch kind {
		case exchange.KindRetryable:
			g.emit(operation, attempt, "retryable", latency)
			g.logger.Warn().Err(err).
				Str("operation", operation).
				Int("attempt", attempt).
				Msg("Retryable exchange error")
			return err
		case exchange.KindFatal:
			g.emit(operation, attempt, "fatal", latency)
			g.logger.Error().Err(err).
				Str("operation", operation).
				Msg("Fatal exchange error, halting retries")
			return backoff.Permanent(err)
		default:
			g.emit(operation, attempt, "terminal", latency)
			return backoff.Permanent(err)
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = g.cfg.InitialBackoff
	bo.MaxInterval = g.cfg.MaxBackoff
	bo.MaxElapsedTime = 0 // attempts are bounded by the retry count

	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(budget-1)), ctx))
}

// emit publishes one gateway call attempt record.
func (g *Gateway) emit(operation string, attempt int, outcome string, latency time.Duration) {
	if g.bus == nil {
		return
	}
	g.bus.PublishGatewayCall(events.GatewayEvent{
		Operation: operation,
		Attempt:   attempt,
		Outcome:   outcome,
		Latency:   latency,
	})
}

// newClientOrderID generates a recognizable client order ID.
func newClientOrderID() string {
	return "RAD-" + strings.ToUpper(uuid.NewString()[:18])
}

// ==================== OPEN ====================

// OpenResult is the outcome of OpenPosition, including any deterministic
// downsizing applied to fit available margin.
type OpenResult struct {
	Order    *exchange.OrderResult
	Amount   float64
	Leverage int
	Adjusted bool
}

// OpenPosition validates margin, downsizes the order once if needed, sets
// leverage and margin type, and submits the entry order. A request that
// still cannot fit available margin after adjustment is rejected with
// exchange.ErrInsufficientMargin before anything is submitted.
func (g *Gateway) OpenPosition(ctx context.Context, symbol, side string, amount float64, leverage int, referencePrice float64) (*OpenResult, error) {
	if referencePrice <= 0 {
		price, err := g.FetchTicker(ctx, symbol)
		if err != nil {
			return nil, fmt.Errorf("fetch reference price: %w", err)
		}
		referencePrice = price
	}

	balance, err := g.FetchBalance(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch balance: %w", err)
	}

	amount, leverage, adjusted, err := g.fitToMargin(amount, leverage, referencePrice, balance.Free)
	if err != nil {
		return nil, err
	}
	if adjusted {
		g.logger.Info().
			Str("symbol", symbol).
			Float64("amount", amount).
			Int("leverage", leverage).
			Msg("Order downsized to fit available margin")
	}

	if err := g.call(ctx, "SetLeverage", false, func(c context.Context) error {
		return g.client.SetLeverage(c, symbol, leverage)
	}); err != nil {
		return nil, fmt.Errorf("set leverage: %w", err)
	}
	if err := g.call(ctx, "SetMarginType", false, func(c context.Context) error {
		return g.client.SetMarginType(c, symbol, g.cfg.MarginType)
	}); err != nil {
		// Margin type is usually already set; not worth failing the entry.
		g.logger.Warn().Err(err).Str("symbol", symbol).Msg("Could not set margin type")
	}

	req := exchange.OrderRequest{
		Symbol:        symbol,
		Side:          side,
		Amount:        amount,
		Leverage:      leverage,
		ClientOrderID: newClientOrderID(),
	}

	var result *exchange.OrderResult
	err = g.call(ctx, "PlaceOrder", false, func(c context.Context) error {
		r, placeErr := g.client.PlaceOrder(c, req)
		if placeErr != nil {
			return placeErr
		}
		result = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &OpenResult{Order: result, Amount: amount, Leverage: leverage, Adjusted: adjusted}, nil
}

// fitToMargin checks required margin against the usable balance and applies
// at most one deterministic downward adjustment: first shrink the amount to
// what the balance supports at the requested leverage, then re-validate.
// Orders that still do not fit (or fall under the minimum notional) are
// rejected without being submitted.
func (g *Gateway) fitToMargin(amount float64, leverage int, price, freeBalance float64) (float64, int, bool, error) {
	if leverage < 1 {
		leverage = 1
	}
	usable := freeBalance * g.cfg.MarginHeadroom
	required := amount * price / float64(leverage)
	if required <= usable {
		return amount, leverage, false, nil
	}

	adjusted := usable * float64(leverage) / price
	if adjusted*price < g.cfg.MinNotional || adjusted <= 0 {
		return 0, 0, false, fmt.Errorf("%w: need %.4f, usable %.4f", exchange.ErrInsufficientMargin, required, usable)
	}
	if adjusted*price/float64(leverage) > usable {
		return 0, 0, false, fmt.Errorf("%w after adjustment", exchange.ErrInsufficientMargin)
	}
	return adjusted, leverage, true, nil
}

// ==================== CLOSE / REDUCE ====================

// ClosePosition closes amount contracts of an open position with a
// reduce-only order on the critical retry path. The outer loop retries the
// whole budgeted call up to CloseAttempts times; an exchange report that
// the position no longer exists counts as success, because some other path
// already closed it. Leverage and margin-mode calls are skipped: closing
// must never be blocked by margin state.
func (g *Gateway) ClosePosition(ctx context.Context, symbol, side string, amount float64) error {
	req := exchange.OrderRequest{
		Symbol:        symbol,
		Side:          opposite(side),
		Amount:        amount,
		ReduceOnly:    true,
		ClientOrderID: newClientOrderID(),
	}

	var lastErr error
	for attempt := 1; attempt <= g.cfg.CloseAttempts; attempt++ {
		err := g.call(ctx, "ClosePosition", true, func(c context.Context) error {
			_, placeErr := g.client.PlaceOrder(c, req)
			return placeErr
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, exchange.ErrPositionNotFound) {
			g.logger.Info().Str("symbol", symbol).Msg("Position already gone on exchange, treating close as done")
			return nil
		}
		if exchange.IsFatal(err) {
			return err
		}
		lastErr = err
		g.logger.Warn().Err(err).
			Str("symbol", symbol).
			Int("close_attempt", attempt).
			Int("max_attempts", g.cfg.CloseAttempts).
			Msg("Close attempt failed")

		if attempt < g.cfg.CloseAttempts {
			select {
			case <-time.After(g.cfg.CloseRetryDelay * time.Duration(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("%w for %s: %v", ErrCloseFailed, symbol, lastErr)
}

// ScaleOut reduces an open position by amount contracts with a single
// reduce-only order on the critical path. Not-found means the position was
// already closed elsewhere.
func (g *Gateway) ScaleOut(ctx context.Context, symbol, side string, amount float64) error {
	req := exchange.OrderRequest{
		Symbol:        symbol,
		Side:          opposite(side),
		Amount:        amount,
		ReduceOnly:    true,
		ClientOrderID: newClientOrderID(),
	}
	err := g.call(ctx, "ScaleOut", true, func(c context.Context) error {
		_, placeErr := g.client.PlaceOrder(c, req)
		return placeErr
	})
	if errors.Is(err, exchange.ErrPositionNotFound) {
		return nil
	}
	return err
}

// CancelOrder cancels an open order through the limited/retried path.
// Returns true if an order was actually cancelled, false if it was already
// gone.
func (g *Gateway) CancelOrder(ctx context.Context, orderID int64, symbol string) (bool, error) {
	var cancelled bool
	err := g.call(ctx, "CancelOrder", false, func(c context.Context) error {
		ok, cancelErr := g.client.CancelOrder(c, orderID, symbol)
		if cancelErr != nil {
			return cancelErr
		}
		cancelled = ok
		return nil
	})
	return cancelled, err
}

// ==================== READS ====================

// FetchTicker returns the current price through the limited/retried path.
func (g *Gateway) FetchTicker(ctx context.Context, symbol string) (float64, error) {
	var price float64
	err := g.call(ctx, "GetTicker", false, func(c context.Context) error {
		p, tickErr := g.client.GetTicker(c, symbol)
		if tickErr != nil {
			return tickErr
		}
		price = p
		return nil
	})
	return price, err
}

// FetchOpenPositions lists the exchange's open positions.
func (g *Gateway) FetchOpenPositions(ctx context.Context) ([]exchange.ExchangePosition, error) {
	var out []exchange.ExchangePosition
	err := g.call(ctx, "GetOpenPositions", false, func(c context.Context) error {
		ps, listErr := g.client.GetOpenPositions(c)
		if listErr != nil {
			return listErr
		}
		out = ps
		return nil
	})
	return out, err
}

// FetchBalance returns the account balance.
func (g *Gateway) FetchBalance(ctx context.Context) (*exchange.Balance, error) {
	var out *exchange.Balance
	err := g.call(ctx, "GetBalance", false, func(c context.Context) error {
		b, balErr := g.client.GetBalance(c)
		if balErr != nil {
			return balErr
		}
		out = b
		return nil
	})
	return out, err
}

// opposite returns the order side that reduces a position held on side.
func opposite(side string) string {
	if side == exchange.SideLong {
		return exchange.SideShort
	}
	return exchange.SideLong
}
