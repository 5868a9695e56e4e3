package trader

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/loureed691/RAD-sub002/internal/events"
	"github.com/loureed691/RAD-sub002/internal/gateway"
	"github.com/loureed691/RAD-sub002/internal/position"
	"github.com/loureed691/RAD-sub002/internal/signal"
	"github.com/loureed691/RAD-sub002/internal/store"
)

// Monitor is the critical-priority loop. Every cycle it reconciles the
// registry, then walks each open position: refreshes price and market
// context, updates excursions and targets, evaluates the exit machine, and
// executes the resulting closes and scale-outs through the gateway's
// critical path. The registry lock is taken per position mutation, never
// for a whole cycle.
type Monitor struct {
	registry   *position.Registry
	gw         *gateway.Gateway
	provider   signal.Provider
	reconciler *position.Reconciler
	exits      *position.ExitEngine
	targets    *position.TargetEngine
	bus        *events.Bus
	snapshots  *store.SnapshotStore
	logger     zerolog.Logger
	interval   time.Duration

	firstCycle chan struct{}
	firstOnce  sync.Once
	stop       chan struct{}
	stopOnce   sync.Once
}

// NewMonitor builds the monitor loop.
func NewMonitor(
	registry *position.Registry,
	gw *gateway.Gateway,
	provider signal.Provider,
	reconciler *position.Reconciler,
	exits *position.ExitEngine,
	targets *position.TargetEngine,
	bus *events.Bus,
	snapshots *store.SnapshotStore,
	logger zerolog.Logger,
	interval time.Duration,
) *Monitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Monitor{
		registry:   registry,
		gw:         gw,
		provider:   provider,
		reconciler: reconciler,
		exits:      exits,
		targets:    targets,
		bus:        bus,
		snapshots:  snapshots,
		logger:     logger.With().Str("component", "Monitor").Logger(),
		interval:   interval,
		firstCycle: make(chan struct{}),
		stop:       make(chan struct{}),
	}
}

// FirstCycle is closed once the first full cycle has completed. The trader
// uses it to stagger the consumer loop behind the monitor.
func (m *Monitor) FirstCycle() <-chan struct{} {
	return m.firstCycle
}

// Run executes cycles until Stop is called or ctx is cancelled. The stop
// signal is observed at the top of each iteration and leaves ctx intact, so
// an in-flight cycle finishes its gateway calls before the loop exits; ctx
// cancellation is the hard abort path.
func (m *Monitor) Run(ctx context.Context) {
	m.logger.Info().Dur("interval", m.interval).Msg("Position monitor started")

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.cycle(ctx)
	m.firstOnce.Do(func() { close(m.firstCycle) })

	for {
		select {
		case <-m.stop:
			m.logger.Info().Msg("Position monitor stopped")
			return
		case <-ctx.Done():
			m.logger.Info().Msg("Position monitor stopped")
			return
		case <-ticker.C:
			m.cycle(ctx)
		}
	}
}

// Stop signals the loop to exit after the in-flight cycle completes.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

// stopping reports whether Stop has been called.
func (m *Monitor) stopping() bool {
	select {
	case <-m.stop:
		return true
	default:
		return false
	}
}

// cycle runs one monitor pass.
func (m *Monitor) cycle(ctx context.Context) {
	// Reconciliation pre-step: best effort, a transient failure must not
	// stall exit management for positions we already know about.
	if m.reconciler != nil {
		if _, _, err := m.reconciler.Reconcile(ctx); err != nil {
			m.logger.Warn().Err(err).Msg("Pre-cycle reconciliation skipped")
		}
	}

	for _, snap := range m.registry.Snapshot() {
		if m.stopping() || ctx.Err() != nil {
			return
		}
		if snap.State != position.StateOpen {
			continue
		}
		m.processPosition(ctx, snap)
	}
}

// processPosition drives one position through one cycle: I/O on the
// snapshot, mutations committed under the lock with a liveness re-check.
func (m *Monitor) processPosition(ctx context.Context, snap *position.Position) {
	symbol := snap.Symbol

	price, err := m.gw.FetchTicker(ctx, symbol)
	if err != nil {
		m.logger.Warn().Err(err).Str("symbol", symbol).Msg("Ticker unavailable, skipping position this cycle")
		return
	}

	mc, err := m.provider.Context(ctx, symbol)
	if err != nil {
		m.logger.Warn().Err(err).Str("symbol", symbol).Msg("Market context unavailable, skipping position this cycle")
		return
	}
	mc.Price = price

	var (
		decisions []position.Decision
		side      string
		stopMoved bool
		newStop   float64
		tpMoved   bool
		newTarget float64
	)
	err = m.registry.Commit(symbol, func(p *position.Position) error {
		if p.State != position.StateOpen {
			return position.ErrCloseInProgress
		}
		side = p.Side
		p.UpdateExcursions(price)
		newStop, stopMoved = m.targets.UpdateTrailingStop(p, mc)
		newTarget, tpMoved = m.targets.UpdateTakeProfit(p, mc)
		decisions = m.exits.Evaluate(p, mc, time.Now())
		return nil
	})
	if err != nil {
		// Closed or claimed by the other loop since the snapshot.
		return
	}

	if stopMoved {
		m.bus.PublishPosition(events.EventStopUpdated, events.PositionEvent{
			Symbol: symbol, Side: side, Reason: "trailing_stop", Price: newStop,
		})
	}
	if tpMoved {
		m.bus.PublishPosition(events.EventTargetUpdated, events.PositionEvent{
			Symbol: symbol, Side: side, Reason: "target_recompute", Price: newTarget,
		})
	}

	for _, d := range decisions {
		switch d.Kind {
		case position.StopUpdate:
			m.applyStopDecision(symbol, side, d)
		case position.PartialClose:
			m.executeScaleOut(ctx, symbol, side, price, d)
		case position.FullClose:
			m.executeClose(ctx, symbol, price, d.Reason)
		}
	}
}

// applyStopDecision commits a stop mutation from the exit machine
// (breakeven-plus).
func (m *Monitor) applyStopDecision(symbol, side string, d position.Decision) {
	err := m.registry.Commit(symbol, func(p *position.Position) error {
		return p.ApplyStop(d.StopPrice)
	})
	if err != nil {
		if !errors.Is(err, position.ErrNotTracked) {
			m.logger.Warn().Err(err).Str("symbol", symbol).Msg("Stop update rejected")
		}
		return
	}
	m.logger.Info().
		Str("symbol", symbol).
		Str("reason", d.Reason).
		Float64("stop", d.StopPrice).
		Msg("Stop loss moved")
	m.bus.PublishPosition(events.EventStopUpdated, events.PositionEvent{
		Symbol: symbol, Side: side, Reason: d.Reason, Price: d.StopPrice,
	})
}

// executeScaleOut performs a partial close and commits the reduced amount.
func (m *Monitor) executeScaleOut(ctx context.Context, symbol, side string, price float64, d position.Decision) {
	snap, ok := m.registry.Get(symbol)
	if !ok || snap.State != position.StateOpen {
		return
	}
	qty := snap.Amount * d.Fraction
	if qty <= 0 {
		return
	}

	if err := m.gw.ScaleOut(ctx, symbol, side, qty); err != nil {
		m.logger.Error().Err(err).
			Str("symbol", symbol).
			Float64("qty", qty).
			Msg("Scale-out order failed")
		return
	}

	var pnl float64
	err := m.registry.Commit(symbol, func(p *position.Position) error {
		p.Reduce(qty, price, d.Reason)
		pnl = p.LeveragedPnL(price)
		return nil
	})
	if err != nil {
		// Position vanished between the order and the commit; the next
		// reconciliation pass squares the books.
		return
	}

	m.logger.Info().
		Str("symbol", symbol).
		Float64("qty", qty).
		Float64("fraction", d.Fraction).
		Float64("pnl_pct", pnl).
		Msg("Scaled out of position")
	m.bus.PublishPosition(events.EventPositionScaledOut, events.PositionEvent{
		Symbol: symbol, Side: side, Reason: d.Reason, Price: price, PnLPct: pnl,
	})
	m.saveSnapshot(ctx)
}

// executeClose claims the position and closes it on the critical path.
// BeginClose is the at-most-once gate: whoever loses the race backs off
// silently.
func (m *Monitor) executeClose(ctx context.Context, symbol string, price float64, reason string) {
	snap, err := m.registry.BeginClose(symbol)
	if err != nil {
		return
	}

	if err := m.gw.ClosePosition(ctx, symbol, snap.Side, snap.Amount); err != nil {
		m.registry.AbortClose(symbol)
		m.logger.Error().Err(err).
			Str("symbol", symbol).
			Str("reason", reason).
			Msg("Close failed after all attempts, position needs manual attention")
		return
	}

	closed, ok := m.registry.Remove(symbol)
	if !ok {
		return
	}
	pnl := closed.LeveragedPnL(price)
	m.logger.Info().
		Str("symbol", symbol).
		Str("side", closed.Side).
		Str("reason", reason).
		Float64("price", price).
		Float64("pnl_pct", pnl).
		Msg("Position closed")
	m.bus.PublishPosition(events.EventPositionClosed, events.PositionEvent{
		Symbol: symbol, Side: closed.Side, Reason: reason, Price: price, PnLPct: pnl,
	})
	m.saveSnapshot(ctx)
}

// saveSnapshot persists the current book, best effort.
func (m *Monitor) saveSnapshot(ctx context.Context) {
	if m.snapshots == nil {
		return
	}
	if err := m.snapshots.Save(ctx, m.registry.Snapshot()); err != nil {
		m.logger.Warn().Err(err).Msg("Snapshot save failed")
	}
}
