package position

import (
	"fmt"
	"time"

	"github.com/loureed691/RAD-sub002/internal/signal"
)

// DecisionKind tags one exit-machine verdict.
type DecisionKind int

const (
	NoAction DecisionKind = iota
	FullClose
	PartialClose
	StopUpdate
)

// Decision is one verdict from the exit machine. FullClose and PartialClose
// require an exchange call; StopUpdate is a pure state mutation.
type Decision struct {
	Kind      DecisionKind
	Reason    string
	Fraction  float64 // PartialClose: fraction of current amount to close
	StopPrice float64 // StopUpdate: new stop loss
}

// Reason codes attached to decisions and emitted on lifecycle events.
const (
	ReasonMaxHoldTime      = "max_hold_time"
	ReasonVolatilitySpike  = "volatility_spike"
	ReasonMomentumReversal = "momentum_reversal"
	ReasonAdverseStreak    = "adverse_streak"
	ReasonProfitLock       = "profit_lock"
	ReasonScaleOut         = "profit_target_scale_out"
	ReasonBreakevenLock    = "breakeven_lock"
	ReasonStopLoss         = "stop_loss"
	ReasonTakeProfit       = "take_profit"
	ReasonEmergencyStop    = "emergency_stop"
)

// ScaleOutRung is one profit-target scaling step: once leveraged PnL crosses
// Threshold, Fraction of the remaining amount is closed. Rungs fire at most
// once, in order.
type ScaleOutRung struct {
	Threshold float64 `json:"threshold"`
	Fraction  float64 `json:"fraction"`
}

// ExitConfig tunes the exit-strategy state machine. All PnL thresholds are
// leveraged ROI fractions (0.20 == 20%).
type ExitConfig struct {
	MaxHoldDuration time.Duration `json:"max_hold_duration"`

	VolatilitySpikeRatio float64 `json:"volatility_spike_ratio"` // vs volatility at entry

	MomentumReversalThreshold float64 `json:"momentum_reversal_threshold"` // positive magnitude
	RSIOverbought             float64 `json:"rsi_overbought"`
	RSIOversold               float64 `json:"rsi_oversold"`

	// Consecutive worsening updates tolerated while underwater before the
	// position is cut. Zero disables the check.
	AdverseStreakLimit int `json:"adverse_streak_limit"`

	ProfitLockActivation      float64 `json:"profit_lock_activation"`
	ProfitLockRetraceFraction float64 `json:"profit_lock_retrace_fraction"`

	ScaleOutRungs []ScaleOutRung `json:"scale_out_rungs"`

	BreakevenActivation float64 `json:"breakeven_activation"`
	BreakevenLockIn     float64 `json:"breakeven_lock_in"` // price fraction above/below entry

	TakeProfitROI float64 `json:"take_profit_roi"`

	// Tiered emergency ROI floors, most shallow first. Breaching any floor
	// closes unconditionally, before every other check.
	EmergencyStops []float64 `json:"emergency_stops"`
}

// DefaultExitConfig returns the standard exit tuning.
func DefaultExitConfig() ExitConfig {
	return ExitConfig{
		MaxHoldDuration:           8 * time.Hour,
		VolatilitySpikeRatio:      2.0,
		MomentumReversalThreshold: 0.02,
		RSIOverbought:             70,
		RSIOversold:               30,
		AdverseStreakLimit:        5,
		ProfitLockActivation:      0.10,
		ProfitLockRetraceFraction: 0.30,
		ScaleOutRungs: []ScaleOutRung{
			{Threshold: 0.08, Fraction: 0.25},
			{Threshold: 0.15, Fraction: 0.25},
			{Threshold: 0.25, Fraction: 0.33},
		},
		BreakevenActivation: 0.05,
		BreakevenLockIn:     0.002,
		TakeProfitROI:       0.20,
		EmergencyStops:      []float64{-0.15, -0.25, -0.40},
	}
}

// exitCheck is one step of the machine. Checks may mutate bookkeeping flags
// (arming, counters) but never the stop, the amount, or the lifecycle state;
// those changes travel back as decisions.
type exitCheck func(p *Position, mc *signal.MarketContext, cfg *ExitConfig, now time.Time) Decision

// ExitEngine evaluates exit triggers in a fixed priority order, one decision
// per position per cycle.
type ExitEngine struct {
	cfg    ExitConfig
	checks []exitCheck
}

// NewExitEngine builds the engine with the spec'd check ordering.
func NewExitEngine(cfg ExitConfig) *ExitEngine {
	return &ExitEngine{
		cfg: cfg,
		checks: []exitCheck{
			checkEmergencyStops,
			checkMaxHold,
			checkVolatilitySpike,
			checkMomentumReversal,
			checkAdverseStreak,
			checkProfitLock,
			checkScaleOut,
			checkBreakeven,
			checkStopTakeProfit,
		},
	}
}

// Evaluate runs the checks in priority order against the live position
// (caller holds the registry lock). The first full close wins and ends
// evaluation. A partial close does not terminate the machine: later checks
// can still upgrade it to a full close. Breakeven-plus only contributes a
// stop update and never blocks anything.
//
// The returned slice holds at most one StopUpdate followed by at most one
// FullClose or PartialClose.
func (e *ExitEngine) Evaluate(p *Position, mc *signal.MarketContext, now time.Time) []Decision {
	var out []Decision
	var partial *Decision

	for _, check := range e.checks {
		d := check(p, mc, &e.cfg, now)
		switch d.Kind {
		case FullClose:
			return append(out, d)
		case PartialClose:
			if partial == nil {
				partial = &d
			}
		case StopUpdate:
			out = append(out, d)
		}
	}

	if partial != nil {
		out = append(out, *partial)
	}
	return out
}

// checkEmergencyStops enforces the tiered absolute ROI floors. These
// override everything else.
func checkEmergencyStops(p *Position, mc *signal.MarketContext, cfg *ExitConfig, now time.Time) Decision {
	pnl := p.LeveragedPnL(mc.Price)
	for _, floor := range cfg.EmergencyStops {
		if pnl <= floor {
			return Decision{
				Kind:   FullClose,
				Reason: fmt.Sprintf("%s_%.0f", ReasonEmergencyStop, floor*100),
			}
		}
	}
	return Decision{}
}

// checkMaxHold closes positions that have outlived the maximum hold time.
func checkMaxHold(p *Position, mc *signal.MarketContext, cfg *ExitConfig, now time.Time) Decision {
	if cfg.MaxHoldDuration > 0 && p.Age(now) >= cfg.MaxHoldDuration {
		return Decision{Kind: FullClose, Reason: ReasonMaxHoldTime}
	}
	return Decision{}
}

// checkVolatilitySpike closes when current volatility has blown out
// relative to the volatility observed at entry.
func checkVolatilitySpike(p *Position, mc *signal.MarketContext, cfg *ExitConfig, now time.Time) Decision {
	if p.EntryVolatility > 0 && mc.Volatility >= cfg.VolatilitySpikeRatio*p.EntryVolatility {
		return Decision{Kind: FullClose, Reason: ReasonVolatilitySpike}
	}
	return Decision{}
}

// checkMomentumReversal closes a long when momentum has turned negative
// while RSI is overbought, and the mirrored condition for shorts.
func checkMomentumReversal(p *Position, mc *signal.MarketContext, cfg *ExitConfig, now time.Time) Decision {
	if p.IsLong() {
		if mc.Momentum <= -cfg.MomentumReversalThreshold && mc.RSI >= cfg.RSIOverbought {
			return Decision{Kind: FullClose, Reason: ReasonMomentumReversal}
		}
	} else {
		if mc.Momentum >= cfg.MomentumReversalThreshold && mc.RSI <= cfg.RSIOversold {
			return Decision{Kind: FullClose, Reason: ReasonMomentumReversal}
		}
	}
	return Decision{}
}

// checkAdverseStreak cuts a position that has worsened on too many
// consecutive updates while underwater. The streak itself is maintained by
// UpdateExcursions; any favorable tick resets it.
func checkAdverseStreak(p *Position, mc *signal.MarketContext, cfg *ExitConfig, now time.Time) Decision {
	if cfg.AdverseStreakLimit <= 0 {
		return Decision{}
	}
	if p.ConsecutiveNegativeUpdates >= cfg.AdverseStreakLimit && p.LeveragedPnL(mc.Price) < 0 {
		return Decision{Kind: FullClose, Reason: ReasonAdverseStreak}
	}
	return Decision{}
}

// checkProfitLock arms once peak PnL crosses the activation threshold, then
// closes if the current PnL has retraced more than the configured fraction
// of that peak.
func checkProfitLock(p *Position, mc *signal.MarketContext, cfg *ExitConfig, now time.Time) Decision {
	if !p.ProfitLockArmed && p.PeakPnlPct >= cfg.ProfitLockActivation {
		p.ProfitLockArmed = true
	}
	if !p.ProfitLockArmed {
		return Decision{}
	}
	pnl := p.LeveragedPnL(mc.Price)
	if pnl < p.PeakPnlPct*(1-cfg.ProfitLockRetraceFraction) {
		return Decision{Kind: FullClose, Reason: ReasonProfitLock}
	}
	return Decision{}
}

// checkScaleOut fires the next untaken profit-target rung, at most one per
// cycle. Partial closes never terminate the machine.
func checkScaleOut(p *Position, mc *signal.MarketContext, cfg *ExitConfig, now time.Time) Decision {
	if p.ScaledRungs >= len(cfg.ScaleOutRungs) {
		return Decision{}
	}
	rung := cfg.ScaleOutRungs[p.ScaledRungs]
	if p.LeveragedPnL(mc.Price) >= rung.Threshold {
		return Decision{Kind: PartialClose, Fraction: rung.Fraction, Reason: ReasonScaleOut}
	}
	return Decision{}
}

// checkBreakeven moves the stop to entry plus a small lock-in once profit
// clears the activation threshold. Mutates state only, never closes.
func checkBreakeven(p *Position, mc *signal.MarketContext, cfg *ExitConfig, now time.Time) Decision {
	if p.BreakevenLockActive {
		return Decision{}
	}
	if p.LeveragedPnL(mc.Price) < cfg.BreakevenActivation {
		return Decision{}
	}
	var lockStop float64
	if p.IsLong() {
		lockStop = p.EntryPrice * (1 + cfg.BreakevenLockIn)
		if lockStop <= p.StopLoss {
			// Trailing already tightened past breakeven.
			p.BreakevenLockActive = true
			return Decision{}
		}
	} else {
		lockStop = p.EntryPrice * (1 - cfg.BreakevenLockIn)
		if lockStop >= p.StopLoss {
			p.BreakevenLockActive = true
			return Decision{}
		}
	}
	p.BreakevenLockActive = true
	return Decision{Kind: StopUpdate, StopPrice: lockStop, Reason: ReasonBreakevenLock}
}

// checkStopTakeProfit is the standard stop-loss / take-profit backstop:
// price through the stop, price through the target, or leveraged ROI at the
// configured take-profit level.
func checkStopTakeProfit(p *Position, mc *signal.MarketContext, cfg *ExitConfig, now time.Time) Decision {
	price := mc.Price
	if p.IsLong() {
		if price <= p.StopLoss {
			return Decision{Kind: FullClose, Reason: ReasonStopLoss}
		}
		if p.TakeProfit > 0 && price >= p.TakeProfit {
			return Decision{Kind: FullClose, Reason: ReasonTakeProfit}
		}
	} else {
		if price >= p.StopLoss {
			return Decision{Kind: FullClose, Reason: ReasonStopLoss}
		}
		if p.TakeProfit > 0 && price <= p.TakeProfit {
			return Decision{Kind: FullClose, Reason: ReasonTakeProfit}
		}
	}
	if cfg.TakeProfitROI > 0 && p.LeveragedPnL(price) >= cfg.TakeProfitROI {
		return Decision{Kind: FullClose, Reason: ReasonTakeProfit}
	}
	return Decision{}
}
