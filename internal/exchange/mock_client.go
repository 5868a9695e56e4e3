package exchange

import (
	"context"
	"sync"
	"time"
)

// MockClient implements the Client interface for dry-run mode and tests.
// It keeps an in-memory position book, fills every order at the price
// provider's current price, and can be scripted to fail specific operations.
type MockClient struct {
	mu            sync.Mutex
	positions     map[string]*ExchangePosition
	leverage      map[string]int
	marginType    map[string]string
	balance       Balance
	nextOrderID   int64
	priceProvider func(symbol string) (float64, error)

	// Scripted failures, keyed by operation name ("PlaceOrder",
	// "GetTicker", ...). Each call consumes one queued error.
	failures map[string][]error

	// Call log for assertions.
	calls []string
}

// NewMockClient creates a mock client with the given starting free balance.
func NewMockClient(freeBalance float64, priceProvider func(symbol string) (float64, error)) *MockClient {
	return &MockClient{
		positions:     make(map[string]*ExchangePosition),
		leverage:      make(map[string]int),
		marginType:    make(map[string]string),
		balance:       Balance{Free: freeBalance},
		nextOrderID:   1000,
		priceProvider: priceProvider,
		failures:      make(map[string][]error),
	}
}

// FailNext queues errors to be returned by the next calls to operation.
func (c *MockClient) FailNext(operation string, errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[operation] = append(c.failures[operation], errs...)
}

// Calls returns the operations invoked so far, in order.
func (c *MockClient) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.calls))
	copy(out, c.calls)
	return out
}

// CallCount returns how many times operation was invoked.
func (c *MockClient) CallCount(operation string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, op := range c.calls {
		if op == operation {
			n++
		}
	}
	return n
}

// SetPosition seeds an exchange-side position (for reconciliation tests).
func (c *MockClient) SetPosition(pos ExchangePosition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := pos
	c.positions[pos.Symbol] = &p
}

// RemovePosition drops an exchange-side position (simulates external close).
func (c *MockClient) RemovePosition(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.positions, symbol)
}

func (c *MockClient) record(operation string) error {
	c.calls = append(c.calls, operation)
	if queue := c.failures[operation]; len(queue) > 0 {
		err := queue[0]
		c.failures[operation] = queue[1:]
		return err
	}
	return nil
}

func (c *MockClient) price(symbol string) (float64, error) {
	if c.priceProvider != nil {
		return c.priceProvider(symbol)
	}
	return 100, nil
}

// PlaceOrder fills the order at the provider's current price and mutates
// the in-memory position book accordingly.
func (c *MockClient) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.record("PlaceOrder"); err != nil {
		return nil, err
	}

	price, err := c.price(req.Symbol)
	if err != nil {
		return nil, err
	}

	if req.ReduceOnly {
		pos, ok := c.positions[req.Symbol]
		if !ok {
			return nil, ErrPositionNotFound
		}
		if req.Amount >= pos.Amount {
			delete(c.positions, req.Symbol)
		} else {
			pos.Amount -= req.Amount
		}
	} else {
		if _, exists := c.positions[req.Symbol]; exists {
			return nil, NewAPIError(KindTerminalReject, 4061, "position already exists", nil)
		}
		required := req.Amount * price / float64(max(req.Leverage, 1))
		if required > c.balance.Free {
			return nil, ErrInsufficientMargin
		}
		c.balance.Free -= required
		c.balance.Used += required
		c.positions[req.Symbol] = &ExchangePosition{
			Symbol:     req.Symbol,
			Side:       req.Side,
			EntryPrice: price,
			Amount:     req.Amount,
			Leverage:   req.Leverage,
			MarkPrice:  price,
		}
	}

	c.nextOrderID++
	return &OrderResult{
		OrderID:       c.nextOrderID,
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		AvgPrice:      price,
		ExecutedQty:   req.Amount,
		FilledAt:      time.Now(),
	}, nil
}

func (c *MockClient) CancelOrder(ctx context.Context, orderID int64, symbol string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.record("CancelOrder"); err != nil {
		return false, err
	}
	return true, nil
}

func (c *MockClient) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.record("SetLeverage"); err != nil {
		return err
	}
	c.leverage[symbol] = leverage
	return nil
}

func (c *MockClient) SetMarginType(ctx context.Context, symbol string, marginType string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.record("SetMarginType"); err != nil {
		return err
	}
	c.marginType[symbol] = marginType
	return nil
}

func (c *MockClient) GetTicker(ctx context.Context, symbol string) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.record("GetTicker"); err != nil {
		return 0, err
	}
	return c.price(symbol)
}

func (c *MockClient) GetOpenPositions(ctx context.Context) ([]ExchangePosition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.record("GetOpenPositions"); err != nil {
		return nil, err
	}
	out := make([]ExchangePosition, 0, len(c.positions))
	for _, pos := range c.positions {
		p := *pos
		if price, err := c.price(pos.Symbol); err == nil {
			p.MarkPrice = price
		}
		out = append(out, p)
	}
	return out, nil
}

func (c *MockClient) GetBalance(ctx context.Context) (*Balance, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.record("GetBalance"); err != nil {
		return nil, err
	}
	b := c.balance
	return &b, nil
}

// Compile-time interface check.
var _ Client = (*MockClient)(nil)
