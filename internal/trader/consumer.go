package trader

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/loureed691/RAD-sub002/internal/events"
	"github.com/loureed691/RAD-sub002/internal/exchange"
	"github.com/loureed691/RAD-sub002/internal/gateway"
	"github.com/loureed691/RAD-sub002/internal/position"
	"github.com/loureed691/RAD-sub002/internal/signal"
	"github.com/loureed691/RAD-sub002/internal/store"
)

// ConsumerConfig tunes the opportunity consumer loop.
type ConsumerConfig struct {
	ScanInterval   time.Duration `json:"scan_interval"`
	FirstScanDelay time.Duration `json:"first_scan_delay"` // Guarantees the monitor sees the API first

	MinConfidence    float64 `json:"min_confidence"`
	MaxOpenPositions int     `json:"max_open_positions"`
	MaxPerBaseAsset  int     `json:"max_per_base_asset"`
	MaxLeverage      int     `json:"max_leverage"`

	// Margin committed per position, in quote currency.
	PositionMargin float64 `json:"position_margin"`

	// Initial stop distance as leveraged ROI (0.05 == stop at -5% ROI).
	InitialStopROI float64 `json:"initial_stop_roi"`
}

// DefaultConsumerConfig returns the standard consumer tuning.
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		ScanInterval:     60 * time.Second,
		FirstScanDelay:   15 * time.Second,
		MinConfidence:    0.60,
		MaxOpenPositions: 5,
		MaxPerBaseAsset:  1,
		MaxLeverage:      20,
		PositionMargin:   50,
		InitialStopROI:   0.10,
	}
}

// Consumer is the normal-priority loop: it drains the ranked opportunity
// stream from the signal collaborator and opens positions through the
// gateway, subject to margin and diversification checks. A failed open is a
// skipped opportunity, never a crash; only a fatal (auth) error escalates.
type Consumer struct {
	registry  *position.Registry
	gw        *gateway.Gateway
	provider  signal.Provider
	targets   *position.TargetEngine
	bus       *events.Bus
	snapshots *store.SnapshotStore
	logger    zerolog.Logger
	cfg       ConsumerConfig

	// onFatal is invoked once when a fatal exchange error surfaces.
	onFatal func(error)

	stop     chan struct{}
	stopOnce sync.Once
}

// NewConsumer builds the consumer loop.
func NewConsumer(
	registry *position.Registry,
	gw *gateway.Gateway,
	provider signal.Provider,
	targets *position.TargetEngine,
	bus *events.Bus,
	snapshots *store.SnapshotStore,
	logger zerolog.Logger,
	cfg ConsumerConfig,
	onFatal func(error),
) *Consumer {
	def := DefaultConsumerConfig()
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = def.ScanInterval
	}
	if cfg.FirstScanDelay < 0 {
		cfg.FirstScanDelay = def.FirstScanDelay
	}
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = def.MinConfidence
	}
	if cfg.MaxOpenPositions <= 0 {
		cfg.MaxOpenPositions = def.MaxOpenPositions
	}
	if cfg.MaxPerBaseAsset <= 0 {
		cfg.MaxPerBaseAsset = def.MaxPerBaseAsset
	}
	if cfg.MaxLeverage <= 0 {
		cfg.MaxLeverage = def.MaxLeverage
	}
	if cfg.PositionMargin <= 0 {
		cfg.PositionMargin = def.PositionMargin
	}
	if cfg.InitialStopROI <= 0 {
		cfg.InitialStopROI = def.InitialStopROI
	}
	return &Consumer{
		registry:  registry,
		gw:        gw,
		provider:  provider,
		targets:   targets,
		bus:       bus,
		snapshots: snapshots,
		logger:    logger.With().Str("component", "Consumer").Logger(),
		cfg:       cfg,
		onFatal:   onFatal,
		stop:      make(chan struct{}),
	}
}

// Run executes scans until Stop is called or ctx is cancelled. The first
// scan waits out FirstScanDelay on top of the trader-level startup stagger.
// The stop signal is observed between iterations and leaves ctx intact, so
// an in-flight open finishes its gateway calls before the loop exits.
func (c *Consumer) Run(ctx context.Context) {
	c.logger.Info().
		Dur("interval", c.cfg.ScanInterval).
		Dur("first_delay", c.cfg.FirstScanDelay).
		Msg("Opportunity consumer started")

	select {
	case <-c.stop:
		return
	case <-ctx.Done():
		return
	case <-time.After(c.cfg.FirstScanDelay):
	}

	ticker := time.NewTicker(c.cfg.ScanInterval)
	defer ticker.Stop()

	c.scan(ctx)
	for {
		select {
		case <-c.stop:
			c.logger.Info().Msg("Opportunity consumer stopped")
			return
		case <-ctx.Done():
			c.logger.Info().Msg("Opportunity consumer stopped")
			return
		case <-ticker.C:
			c.scan(ctx)
		}
	}
}

// Stop signals the loop to exit after the in-flight scan completes.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// stopping reports whether Stop has been called.
func (c *Consumer) stopping() bool {
	select {
	case <-c.stop:
		return true
	default:
		return false
	}
}

// scan drains one batch of ranked opportunities.
func (c *Consumer) scan(ctx context.Context) {
	opps, err := c.provider.Opportunities(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Opportunity fetch failed, skipping scan")
		return
	}

	for _, opp := range opps {
		if c.stopping() || ctx.Err() != nil {
			return
		}
		if c.registry.Len() >= c.cfg.MaxOpenPositions {
			c.logger.Debug().Int("max", c.cfg.MaxOpenPositions).Msg("Position cap reached, ending scan")
			return
		}
		if !c.admit(opp) {
			continue
		}
		c.open(ctx, opp)
	}
}

// admit applies the pre-trade filters: confidence floor, duplicate symbol,
// and the per-base-asset diversification cap.
func (c *Consumer) admit(opp signal.Opportunity) bool {
	if opp.Confidence < c.cfg.MinConfidence {
		return false
	}
	if opp.Side != exchange.SideLong && opp.Side != exchange.SideShort {
		c.logger.Warn().Str("symbol", opp.Symbol).Str("side", opp.Side).Msg("Opportunity with unknown side dropped")
		return false
	}
	if c.registry.Has(opp.Symbol) {
		return false
	}

	base := baseAsset(opp.Symbol)
	count := 0
	for _, sym := range c.registry.Symbols() {
		if baseAsset(sym) == base {
			count++
		}
	}
	return count < c.cfg.MaxPerBaseAsset
}

// open sizes, submits and registers one position.
func (c *Consumer) open(ctx context.Context, opp signal.Opportunity) {
	price, err := c.gw.FetchTicker(ctx, opp.Symbol)
	if err != nil {
		c.logger.Warn().Err(err).Str("symbol", opp.Symbol).Msg("Ticker unavailable, skipping opportunity")
		return
	}

	leverage := opp.SuggestedLeverage
	if leverage < 1 {
		leverage = 1
	}
	if leverage > c.cfg.MaxLeverage {
		leverage = c.cfg.MaxLeverage
	}
	amount := c.cfg.PositionMargin * float64(leverage) / price

	res, err := c.gw.OpenPosition(ctx, opp.Symbol, opp.Side, amount, leverage, price)
	if err != nil {
		if exchange.IsFatal(err) {
			c.logger.Error().Err(err).Msg("Fatal exchange error during open, halting trading")
			if c.onFatal != nil {
				c.onFatal(err)
			}
			return
		}
		c.logger.Warn().Err(err).
			Str("symbol", opp.Symbol).
			Str("side", opp.Side).
			Float64("amount", amount).
			Int("leverage", leverage).
			Msg("Open failed, opportunity skipped")
		return
	}

	entry := res.Order.AvgPrice
	stop := initialStop(opp.Side, entry, c.cfg.InitialStopROI, res.Leverage)
	target := c.targets.InitialTakeProfit(opp.Side, entry, opp.Volatility, opp.SupportLevel, opp.ResistanceLevel)

	pos, err := position.New(opp.Symbol, opp.Side, entry, res.Order.ExecutedQty, res.Leverage, stop, target, opp.Volatility)
	if err != nil {
		c.logger.Error().Err(err).Str("symbol", opp.Symbol).Msg("Filled order produced invalid position, unwinding")
		c.unwind(ctx, opp.Symbol, opp.Side, res.Order.ExecutedQty)
		return
	}

	if err := c.registry.Add(pos); err != nil {
		if errors.Is(err, position.ErrDuplicatePosition) {
			// Lost the race with the other loop; unwind our fill.
			c.logger.Warn().Str("symbol", opp.Symbol).Msg("Duplicate position after fill, unwinding")
			c.unwind(ctx, opp.Symbol, opp.Side, res.Order.ExecutedQty)
		}
		return
	}

	c.logger.Info().
		Str("symbol", opp.Symbol).
		Str("side", opp.Side).
		Float64("entry", entry).
		Float64("amount", res.Order.ExecutedQty).
		Int("leverage", res.Leverage).
		Float64("confidence", opp.Confidence).
		Bool("downsized", res.Adjusted).
		Msg("Position opened")
	c.bus.PublishPosition(events.EventPositionOpened, events.PositionEvent{
		Symbol: opp.Symbol, Side: opp.Side, Reason: "opportunity", Price: entry,
	})

	if c.snapshots != nil {
		if err := c.snapshots.Save(ctx, c.registry.Snapshot()); err != nil {
			c.logger.Warn().Err(err).Msg("Snapshot save failed")
		}
	}
}

// unwind reduces an orphaned fill that never made it into the registry.
func (c *Consumer) unwind(ctx context.Context, symbol, side string, amount float64) {
	if err := c.gw.ClosePosition(ctx, symbol, side, amount); err != nil {
		c.logger.Error().Err(err).Str("symbol", symbol).Msg("Unwind failed, position needs manual attention")
	}
}

// initialStop places the stop at the configured leveraged ROI distance.
func initialStop(side string, entry, stopROI float64, leverage int) float64 {
	dist := stopROI / float64(leverage)
	if side == exchange.SideShort {
		return entry * (1 + dist)
	}
	return entry * (1 - dist)
}

// baseAsset strips the quote suffix from a symbol for diversification
// bucketing.
func baseAsset(symbol string) string {
	for _, quote := range []string{"USDT", "USDC", "BUSD", "USD"} {
		if strings.HasSuffix(symbol, quote) && len(symbol) > len(quote) {
			return strings.TrimSuffix(symbol, quote)
		}
	}
	return symbol
}
