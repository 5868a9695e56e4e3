package gateway

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/loureed691/RAD-sub002/internal/events"
	"github.com/loureed691/RAD-sub002/internal/exchange"
	"github.com/loureed691/RAD-sub002/internal/ratelimit"
)

const eps = 1e-9

func fastConfig() Config {
	return Config{
		MaxRetries:         3,
		CriticalMultiplier: 2,
		CloseAttempts:      2,
		CloseRetryDelay:    time.Millisecond,
		CallTimeout:        time.Second,
		InitialBackoff:     time.Millisecond,
		MaxBackoff:         5 * time.Millisecond,
		MarginHeadroom:     0.95,
		MinNotional:        5,
	}
}

func fastLimiter() *ratelimit.Limiter {
	return ratelimit.New(ratelimit.Config{
		MinInterval:      time.Millisecond,
		FailureThreshold: 100,
		RecoveryTimeout:  10 * time.Millisecond,
	})
}

func newTestGateway(client exchange.Client, cfg Config) (*Gateway, *ratelimit.Limiter) {
	limiter := fastLimiter()
	return New(client, limiter, events.NewBus(), zerolog.Nop(), cfg), limiter
}

func priceAt(p float64) func(string) (float64, error) {
	return func(string) (float64, error) { return p, nil }
}

func TestRetryThenSuccess(t *testing.T) {
	client := exchange.NewMockClient(1000, priceAt(100))
	client.FailNext("GetTicker", exchange.ErrRateLimited, exchange.ErrRateLimited)
	gw, _ := newTestGateway(client, fastConfig())

	price, err := gw.FetchTicker(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("fetch failed after retries: %v", err)
	}
	if price != 100 {
		t.Errorf("price = %v, want 100", price)
	}
	if got := client.CallCount("GetTicker"); got != 3 {
		t.Errorf("GetTicker called %d times, want 3", got)
	}
}

func TestRetryBudgetExhausted(t *testing.T) {
	client := exchange.NewMockClient(1000, priceAt(100))
	client.FailNext("GetTicker",
		exchange.ErrRateLimited, exchange.ErrRateLimited,
		exchange.ErrRateLimited, exchange.ErrRateLimited)
	gw, _ := newTestGateway(client, fastConfig())

	if _, err := gw.FetchTicker(context.Background(), "BTCUSDT"); err == nil {
		t.Fatal("expected failure once the retry budget ran out")
	}
	if got := client.CallCount("GetTicker"); got != 3 {
		t.Errorf("GetTicker called %d times, want the budget of 3", got)
	}
}

func TestTerminalRejectAbortsImmediately(t *testing.T) {
	client := exchange.NewMockClient(1000, priceAt(100))
	client.FailNext("PlaceOrder", exchange.ErrInvalidParams)
	gw, _ := newTestGateway(client, fastConfig())

	err := gw.ScaleOut(context.Background(), "BTCUSDT", exchange.SideLong, 1)
	if !errors.Is(err, exchange.ErrInvalidParams) {
		t.Fatalf("error = %v, want ErrInvalidParams", err)
	}
	if got := client.CallCount("PlaceOrder"); got != 1 {
		t.Errorf("terminal reject retried: %d calls, want 1", got)
	}
}

func TestFatalErrorHaltsRetries(t *testing.T) {
	client := exchange.NewMockClient(1000, priceAt(100))
	client.FailNext("GetTicker", exchange.ErrAuthFailed)
	gw, _ := newTestGateway(client, fastConfig())

	_, err := gw.FetchTicker(context.Background(), "BTCUSDT")
	if !exchange.IsFatal(err) {
		t.Fatalf("error = %v, want fatal", err)
	}
	if got := client.CallCount("GetTicker"); got != 1 {
		t.Errorf("fatal error retried: %d calls, want 1", got)
	}
}

func TestTerminalRejectCountsAsBreakerSuccess(t *testing.T) {
	client := exchange.NewMockClient(1000, priceAt(100))
	client.FailNext("PlaceOrder", exchange.ErrInsufficientMargin)
	gw, limiter := newTestGateway(client, fastConfig())

	// Drive a real failure streak in first so the reset is observable.
	client.FailNext("GetTicker", exchange.ErrRateLimited, exchange.ErrRateLimited, exchange.ErrRateLimited)
	if _, err := gw.FetchTicker(context.Background(), "BTCUSDT"); err == nil {
		t.Fatal("expected the ticker fetch to exhaust its budget")
	}
	if got := limiter.ConsecutiveFailures(); got == 0 {
		t.Fatal("expected a non-zero failure streak before the reject")
	}

	if err := gw.ScaleOut(context.Background(), "BTCUSDT", exchange.SideLong, 1); err == nil {
		t.Fatal("expected the scripted reject to surface")
	}
	if got := limiter.ConsecutiveFailures(); got != 0 {
		t.Errorf("failure streak = %d after a terminal reject, want 0", got)
	}
	if got := limiter.State(); got != ratelimit.StateClosed {
		t.Errorf("breaker state = %v, want closed", got)
	}
}

func TestCancelOrderRetriesTransientFailures(t *testing.T) {
	client := exchange.NewMockClient(1000, priceAt(100))
	client.FailNext("CancelOrder", exchange.ErrRateLimited)
	gw, _ := newTestGateway(client, fastConfig())

	cancelled, err := gw.CancelOrder(context.Background(), 42, "BTCUSDT")
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if !cancelled {
		t.Error("cancelled = false, want true")
	}
	if got := client.CallCount("CancelOrder"); got != 2 {
		t.Errorf("CancelOrder called %d times, want retry + success = 2", got)
	}
}

func TestClosePositionNotFoundIsSuccess(t *testing.T) {
	client := exchange.NewMockClient(1000, priceAt(100))
	gw, _ := newTestGateway(client, fastConfig())

	// Nothing on the exchange: the reduce-only order reports not-found,
	// which means some other path already closed it.
	if err := gw.ClosePosition(context.Background(), "BTCUSDT", exchange.SideLong, 1); err != nil {
		t.Fatalf("close of an already-gone position failed: %v", err)
	}
	if got := client.CallCount("PlaceOrder"); got != 1 {
		t.Errorf("PlaceOrder called %d times, want 1", got)
	}
}

func TestClosePositionRecoversOnLaterAttempt(t *testing.T) {
	client := exchange.NewMockClient(10000, priceAt(100))
	client.SetPosition(exchange.ExchangePosition{
		Symbol: "BTCUSDT", Side: exchange.SideLong, EntryPrice: 100, Amount: 2, Leverage: 10,
	})
	// Exhaust the entire first inner budget (3 retries x 2 critical).
	client.FailNext("PlaceOrder",
		exchange.ErrRateLimited, exchange.ErrRateLimited, exchange.ErrRateLimited,
		exchange.ErrRateLimited, exchange.ErrRateLimited, exchange.ErrRateLimited)
	gw, _ := newTestGateway(client, fastConfig())

	if err := gw.ClosePosition(context.Background(), "BTCUSDT", exchange.SideLong, 2); err != nil {
		t.Fatalf("close failed despite a second outer attempt: %v", err)
	}
	if got := client.CallCount("PlaceOrder"); got != 7 {
		t.Errorf("PlaceOrder called %d times, want 7 (6 failures + 1 fill)", got)
	}
	positions, _ := client.GetOpenPositions(context.Background())
	if len(positions) != 0 {
		t.Errorf("position still on the exchange: %+v", positions)
	}
}

func TestClosePositionExhaustsAllAttempts(t *testing.T) {
	client := exchange.NewMockClient(1000, priceAt(100))
	// 2 outer attempts x (3 retries x 2 critical) = 12 calls, all failing.
	errs := make([]error, 12)
	for i := range errs {
		errs[i] = exchange.ErrRateLimited
	}
	client.FailNext("PlaceOrder", errs...)
	gw, _ := newTestGateway(client, fastConfig())

	err := gw.ClosePosition(context.Background(), "BTCUSDT", exchange.SideLong, 1)
	if !errors.Is(err, ErrCloseFailed) {
		t.Fatalf("error = %v, want ErrCloseFailed", err)
	}
	if got := client.CallCount("PlaceOrder"); got != 12 {
		t.Errorf("PlaceOrder called %d times, want 12", got)
	}
}

func TestCloseSkipsLeverageAndMarginCalls(t *testing.T) {
	client := exchange.NewMockClient(1000, priceAt(100))
	client.SetPosition(exchange.ExchangePosition{
		Symbol: "BTCUSDT", Side: exchange.SideLong, EntryPrice: 100, Amount: 1, Leverage: 10,
	})
	gw, _ := newTestGateway(client, fastConfig())

	if err := gw.ClosePosition(context.Background(), "BTCUSDT", exchange.SideLong, 1); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if got := client.CallCount("SetLeverage"); got != 0 {
		t.Errorf("close path called SetLeverage %d times", got)
	}
	if got := client.CallCount("SetMarginType"); got != 0 {
		t.Errorf("close path called SetMarginType %d times", got)
	}
}

func TestOpenPositionHappyPath(t *testing.T) {
	client := exchange.NewMockClient(10000, priceAt(100))
	gw, _ := newTestGateway(client, fastConfig())

	res, err := gw.OpenPosition(context.Background(), "BTCUSDT", exchange.SideLong, 5, 10, 100)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if res.Adjusted {
		t.Error("order should not have been downsized")
	}
	if res.Order.ExecutedQty != 5 {
		t.Errorf("executed qty = %v, want 5", res.Order.ExecutedQty)
	}
	if res.Order.ClientOrderID == "" {
		t.Error("client order ID missing")
	}
	if got := client.CallCount("SetLeverage"); got != 1 {
		t.Errorf("SetLeverage called %d times, want 1", got)
	}
}

func TestOpenPositionDownsizesOnce(t *testing.T) {
	// Free balance 100, headroom 0.95: margin for 20 contracts at price 10
	// and 1x is 200, twice the usable 95. One deterministic shrink to 9.5.
	client := exchange.NewMockClient(100, priceAt(10))
	gw, _ := newTestGateway(client, fastConfig())

	res, err := gw.OpenPosition(context.Background(), "BTCUSDT", exchange.SideLong, 20, 1, 10)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if !res.Adjusted {
		t.Fatal("order should have been downsized")
	}
	if want := 9.5; math.Abs(res.Amount-want) > eps {
		t.Errorf("adjusted amount = %v, want %v", res.Amount, want)
	}
}

func TestOpenPositionInsufficientMarginRejectedPreSubmit(t *testing.T) {
	client := exchange.NewMockClient(0.1, priceAt(10))
	gw, _ := newTestGateway(client, fastConfig())

	_, err := gw.OpenPosition(context.Background(), "BTCUSDT", exchange.SideLong, 20, 1, 10)
	if !errors.Is(err, exchange.ErrInsufficientMargin) {
		t.Fatalf("error = %v, want ErrInsufficientMargin", err)
	}
	if got := client.CallCount("PlaceOrder"); got != 0 {
		t.Errorf("order submitted despite failing margin validation: %d calls", got)
	}
}

func TestOpenPositionMarginTypeFailureIsNonFatal(t *testing.T) {
	client := exchange.NewMockClient(10000, priceAt(100))
	client.FailNext("SetMarginType",
		exchange.ErrInvalidParams)
	gw, _ := newTestGateway(client, fastConfig())

	if _, err := gw.OpenPosition(context.Background(), "BTCUSDT", exchange.SideLong, 5, 10, 100); err != nil {
		t.Fatalf("open failed on a margin-type error: %v", err)
	}
}

func TestScaleOutNotFoundIsSuccess(t *testing.T) {
	client := exchange.NewMockClient(1000, priceAt(100))
	gw, _ := newTestGateway(client, fastConfig())

	if err := gw.ScaleOut(context.Background(), "BTCUSDT", exchange.SideLong, 1); err != nil {
		t.Errorf("scale-out of a gone position = %v, want nil", err)
	}
}

func TestCircuitOpenFailsFast(t *testing.T) {
	client := exchange.NewMockClient(1000, priceAt(100))
	limiter := ratelimit.New(ratelimit.Config{
		MinInterval:      time.Millisecond,
		FailureThreshold: 1,
		RecoveryTimeout:  time.Minute,
	})
	gw := New(client, limiter, events.NewBus(), zerolog.Nop(), fastConfig())

	// Trip the breaker.
	client.FailNext("GetTicker", exchange.ErrRateLimited, exchange.ErrRateLimited, exchange.ErrRateLimited)
	gw.FetchTicker(context.Background(), "BTCUSDT")
	if limiter.State() != ratelimit.StateOpen {
		t.Fatalf("breaker state = %v, want open", limiter.State())
	}

	// Calls now fail without reaching the client.
	before := client.CallCount("GetTicker")
	if _, err := gw.FetchTicker(context.Background(), "BTCUSDT"); err == nil {
		t.Fatal("expected failure while the breaker is open")
	}
	if after := client.CallCount("GetTicker"); after != before {
		t.Errorf("client reached %d times while the breaker was open", after-before)
	}
}
