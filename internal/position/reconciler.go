package position

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/loureed691/RAD-sub002/internal/events"
	"github.com/loureed691/RAD-sub002/internal/exchange"
)

// PositionLister is the one gateway operation reconciliation needs.
type PositionLister interface {
	FetchOpenPositions(ctx context.Context) ([]exchange.ExchangePosition, error)
}

// AdoptionConfig shapes the risk parameters given to positions adopted from
// the exchange (present remotely, unknown locally).
type AdoptionConfig struct {
	// Initial stop distance for adopted positions, as a fraction of the
	// exchange-reported entry price.
	StopDistancePct float64 `json:"stop_distance_pct"`
}

// DefaultAdoptionConfig returns the standard adoption parameters.
func DefaultAdoptionConfig() AdoptionConfig {
	return AdoptionConfig{StopDistancePct: 0.02}
}

// Reconciler periodically diffs the registry against the exchange's open
// position list and repairs drift in both directions. It is the recovery
// path after crashes and externally-initiated closes; local state is never
// discarded on a transient read failure.
type Reconciler struct {
	registry *Registry
	lister   PositionLister
	bus      *events.Bus
	logger   zerolog.Logger
	cfg      AdoptionConfig
}

// NewReconciler builds a reconciler.
func NewReconciler(registry *Registry, lister PositionLister, bus *events.Bus, logger zerolog.Logger, cfg AdoptionConfig) *Reconciler {
	if cfg.StopDistancePct <= 0 {
		cfg.StopDistancePct = DefaultAdoptionConfig().StopDistancePct
	}
	return &Reconciler{
		registry: registry,
		lister:   lister,
		bus:      bus,
		logger:   logger.With().Str("component", "Reconciler").Logger(),
		cfg:      cfg,
	}
}

// Run executes reconciliation passes on a fixed ticker until ctx is
// cancelled. The monitor runs its own pass at the start of every cycle;
// this schedule keeps drift repair going when the monitor is stalled in a
// long close-retry sequence.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	r.logger.Info().Dur("interval", interval).Msg("Reconciliation loop started")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("Reconciliation loop stopped")
			return
		case <-ticker.C:
			// Reconcile logs its own failures.
			r.Reconcile(ctx)
		}
	}
}

// Reconcile fetches the exchange's open positions and repairs the registry:
// symbols tracked locally but gone remotely are removed (externally closed),
// symbols open remotely but unknown locally are adopted. Running it twice
// with no exchange-side change is a no-op the second time.
func (r *Reconciler) Reconcile(ctx context.Context) (removed, adopted int, err error) {
	remote, err := r.lister.FetchOpenPositions(ctx)
	if err != nil {
		// Transient failure: keep consistent local state, try next pass.
		r.logger.Warn().Err(err).Msg("Skipping reconciliation, exchange position list unavailable")
		return 0, 0, err
	}

	remoteBySymbol := make(map[string]exchange.ExchangePosition, len(remote))
	for _, ep := range remote {
		remoteBySymbol[ep.Symbol] = ep
	}

	// Locally tracked but absent on the exchange: closed externally.
	for _, symbol := range r.registry.Symbols() {
		if _, ok := remoteBySymbol[symbol]; ok {
			continue
		}
		p, ok := r.registry.Remove(symbol)
		if !ok {
			continue
		}
		removed++
		r.logger.Info().
			Str("symbol", symbol).
			Str("side", p.Side).
			Msg("Position closed externally, removed from registry")
		if r.bus != nil {
			r.bus.PublishPosition(events.EventPositionExternallyClosed, events.PositionEvent{
				Symbol: symbol,
				Side:   p.Side,
				Reason: "reconcile_missing_on_exchange",
				Price:  p.PeakFavorablePrice,
				PnLPct: p.PeakPnlPct,
			})
		}
	}

	// Open on the exchange but unknown locally: adopt with default risk.
	for symbol, ep := range remoteBySymbol {
		if r.registry.Has(symbol) {
			continue
		}
		p, buildErr := r.adopt(ep)
		if buildErr != nil {
			r.logger.Error().Err(buildErr).
				Str("symbol", symbol).
				Msg("Could not build position from exchange state")
			continue
		}
		if addErr := r.registry.Add(p); addErr != nil {
			// Raced with the consumer loop opening the same symbol.
			continue
		}
		adopted++
		r.logger.Info().
			Str("symbol", symbol).
			Str("side", p.Side).
			Float64("entry_price", p.EntryPrice).
			Float64("amount", p.Amount).
			Msg("Adopted exchange-side position into registry")
		if r.bus != nil {
			r.bus.PublishPosition(events.EventPositionAdopted, events.PositionEvent{
				Symbol: symbol,
				Side:   p.Side,
				Reason: "reconcile_unknown_locally",
				Price:  ep.MarkPrice,
			})
		}
	}

	return removed, adopted, nil
}

// adopt constructs a Position from exchange-reported fields with default
// risk parameters. Entry time is unknown; now is the conservative choice so
// the max-hold clock starts fresh rather than firing immediately.
func (r *Reconciler) adopt(ep exchange.ExchangePosition) (*Position, error) {
	lev := ep.Leverage
	if lev < 1 {
		lev = 1
	}
	var stop float64
	if ep.Side == exchange.SideLong {
		stop = ep.EntryPrice * (1 - r.cfg.StopDistancePct)
	} else {
		stop = ep.EntryPrice * (1 + r.cfg.StopDistancePct)
	}
	p, err := New(ep.Symbol, ep.Side, ep.EntryPrice, ep.Amount, lev, stop, 0, 0)
	if err != nil {
		return nil, err
	}
	p.EntryTime = time.Now()
	return p, nil
}
