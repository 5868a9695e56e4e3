package position

import (
	"math"

	"github.com/loureed691/RAD-sub002/internal/exchange"
	"github.com/loureed691/RAD-sub002/internal/signal"
)

// TargetConfig tunes the per-cycle trailing stop and take-profit engine.
type TargetConfig struct {
	// Trailing stop distance bounds, as a fraction of the peak price.
	MinTrailingPct float64 `json:"min_trailing_pct"`
	MaxTrailingPct float64 `json:"max_trailing_pct"`

	// Base trailing distance before market-context modulation.
	BaseTrailingPct float64 `json:"base_trailing_pct"`

	// Multiplier from volatility to trailing distance.
	VolatilityWeight float64 `json:"volatility_weight"`

	// Take-profit distance as a multiple of volatility, with floor/cap
	// as a fraction of the entry price.
	TakeProfitVolMultiple float64 `json:"take_profit_vol_multiple"`
	MinTakeProfitPct      float64 `json:"min_take_profit_pct"`
	MaxTakeProfitPct      float64 `json:"max_take_profit_pct"`

	// Once price has covered this fraction of the entry-to-target
	// distance, the target freezes and may never be pushed away.
	ApproachZone float64 `json:"approach_zone"`

	// Extension applied when price reaches the target exactly and
	// conditions stay favorable, as a fraction of the original distance.
	ExtensionFraction float64 `json:"extension_fraction"`

	// Trend strength required before an at-target extension is granted.
	ExtensionMinTrend float64 `json:"extension_min_trend"`
}

// DefaultTargetConfig returns the standard target tuning.
func DefaultTargetConfig() TargetConfig {
	return TargetConfig{
		MinTrailingPct:        0.004,
		MaxTrailingPct:        0.04,
		BaseTrailingPct:       0.01,
		VolatilityWeight:      0.5,
		TakeProfitVolMultiple: 3.0,
		MinTakeProfitPct:      0.01,
		MaxTakeProfitPct:      0.08,
		ApproachZone:          0.70,
		ExtensionFraction:     0.5,
		ExtensionMinTrend:     0.5,
	}
}

// TargetEngine recomputes trailing stops and take-profit targets every
// monitor cycle from the market context. Two hard rules hold regardless of
// the inputs: the stop only ever tightens, and a target in its final
// approach zone is never pushed further away.
type TargetEngine struct {
	cfg TargetConfig
}

// NewTargetEngine builds a target engine.
func NewTargetEngine(cfg TargetConfig) *TargetEngine {
	return &TargetEngine{cfg: cfg}
}

// TrailingPct derives this cycle's trailing distance from the market
// context, clamped to the configured bounds. Wider in high volatility and
// strong trends, tighter when momentum fades against the position.
func (e *TargetEngine) TrailingPct(p *Position, mc *signal.MarketContext) float64 {
	pct := e.cfg.BaseTrailingPct + mc.Volatility*e.cfg.VolatilityWeight

	// Let a strong trend breathe; tighten when it weakens.
	if mc.TrendStrength > 0.5 {
		pct *= 1.25
	} else if mc.TrendStrength < 0.2 {
		pct *= 0.8
	}

	// Momentum running against the position argues for a tighter leash.
	against := (p.IsLong() && mc.Momentum < 0) || (!p.IsLong() && mc.Momentum > 0)
	if against {
		pct *= 0.75
	}

	// RSI at an extreme in the favorable direction means the move is
	// stretched; protect more of it.
	if p.IsLong() && mc.RSI >= 75 || !p.IsLong() && mc.RSI <= 25 {
		pct *= 0.85
	}

	return clamp(pct, e.cfg.MinTrailingPct, e.cfg.MaxTrailingPct)
}

// UpdateTrailingStop recomputes the trailing stop from the peak favorable
// price and applies it if and only if it tightens the current stop.
// Returns the new stop and true when the stop moved.
func (e *TargetEngine) UpdateTrailingStop(p *Position, mc *signal.MarketContext) (float64, bool) {
	pct := e.TrailingPct(p, mc)
	p.TrailingStopPct = pct

	var candidate float64
	if p.IsLong() {
		candidate = p.PeakFavorablePrice * (1 - pct)
		if candidate <= p.StopLoss {
			return p.StopLoss, false
		}
	} else {
		candidate = p.PeakFavorablePrice * (1 + pct)
		if candidate >= p.StopLoss {
			return p.StopLoss, false
		}
	}
	if err := p.ApplyStop(candidate); err != nil {
		return p.StopLoss, false
	}
	return candidate, true
}

// InitialTakeProfit computes a fresh target for a new position from the
// entry volatility, capped by the nearest resistance (long) or support
// (short) when one is known.
func (e *TargetEngine) InitialTakeProfit(side string, entryPrice, volatility, support, resistance float64) float64 {
	dist := clamp(volatility*e.cfg.TakeProfitVolMultiple, e.cfg.MinTakeProfitPct, e.cfg.MaxTakeProfitPct)
	if side == exchange.SideShort {
		target := entryPrice * (1 - dist)
		if support > 0 && target < support {
			target = support
		}
		if target >= entryPrice {
			return 0
		}
		return target
	}
	target := entryPrice * (1 + dist)
	if resistance > 0 && target > resistance {
		target = resistance
	}
	if target <= entryPrice {
		return 0
	}
	return target
}

// UpdateTakeProfit recomputes the take-profit target under the
// non-regression rules:
//
//   - outside the approach zone the target floats freely with conditions,
//     capped by the nearest support/resistance;
//   - at or past the approach-zone fraction of the way to the target, the
//     target freezes: it is never moved further away;
//   - the explicit equality branch: when price has covered exactly 100% of
//     the distance (or beyond), the target may be extended once per touch
//     by the configured fraction of the original distance, only while the
//     trend stays strong, and still capped by support/resistance.
//
// Returns the target and true when it changed.
func (e *TargetEngine) UpdateTakeProfit(p *Position, mc *signal.MarketContext) (float64, bool) {
	if p.TakeProfit <= 0 {
		target := e.InitialTakeProfit(p.Side, p.EntryPrice, mc.Volatility, mc.SupportLevel, mc.ResistanceLevel)
		if target > 0 {
			if err := p.ApplyTakeProfit(target); err == nil {
				return target, true
			}
		}
		return p.TakeProfit, false
	}

	progress := e.progress(p, mc.Price)

	switch {
	case progress >= 1.0:
		// Final approach completed. Extend only on a strong trend with
		// momentum still pointing the position's way.
		favorable := mc.TrendStrength >= e.cfg.ExtensionMinTrend &&
			((p.IsLong() && mc.Momentum > 0) || (!p.IsLong() && mc.Momentum < 0))
		if !favorable {
			return p.TakeProfit, false
		}
		ext := math.Abs(p.TakeProfit-p.EntryPrice) * e.cfg.ExtensionFraction
		var candidate float64
		if p.IsLong() {
			candidate = p.TakeProfit + ext
			if mc.ResistanceLevel > 0 && candidate > mc.ResistanceLevel {
				candidate = mc.ResistanceLevel
			}
			if candidate <= p.TakeProfit {
				return p.TakeProfit, false
			}
		} else {
			candidate = p.TakeProfit - ext
			if mc.SupportLevel > 0 && candidate < mc.SupportLevel {
				candidate = mc.SupportLevel
			}
			if candidate >= p.TakeProfit {
				return p.TakeProfit, false
			}
		}
		if err := p.ApplyTakeProfit(candidate); err != nil {
			return p.TakeProfit, false
		}
		return candidate, true

	case progress >= e.cfg.ApproachZone:
		// Inside the final approach zone the target holds.
		return p.TakeProfit, false
	}

	// Free zone: recompute from current conditions. Moves in either
	// direction are allowed out here; the zone rules above are what stop
	// a reached target from drifting away.
	candidate := e.InitialTakeProfit(p.Side, p.EntryPrice, mc.Volatility, mc.SupportLevel, mc.ResistanceLevel)
	if candidate <= 0 || candidate == p.TakeProfit {
		return p.TakeProfit, false
	}
	// Never pull the target inside the price's current progress; a target
	// behind the price would close instantly for no exit-logic reason.
	if p.IsLong() && candidate <= mc.Price || !p.IsLong() && candidate >= mc.Price {
		return p.TakeProfit, false
	}
	if err := p.ApplyTakeProfit(candidate); err != nil {
		return p.TakeProfit, false
	}
	return candidate, true
}

// progress returns how far price has travelled from entry toward the
// current target, as a fraction (1.0 == target reached).
func (e *TargetEngine) progress(p *Position, price float64) float64 {
	dist := p.TakeProfit - p.EntryPrice
	if dist == 0 {
		return 0
	}
	return (price - p.EntryPrice) / dist
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
