// Package position owns the in-memory position book: the Position entity
// and its adaptive exit parameters, the lock-protected Registry that is the
// single source of local truth, the exit-strategy state machine, the
// trailing stop / take-profit target engine, and the reconciliation engine
// that repairs drift between the Registry and the exchange.
package position

import (
	"errors"
	"fmt"
	"time"

	"github.com/loureed691/RAD-sub002/internal/exchange"
)

// State is the position lifecycle state.
type State string

const (
	StateOpen    State = "OPEN"
	StateClosing State = "CLOSING"
	StateClosed  State = "CLOSED"
)

// Errors returned by entity-level validation.
var (
	ErrInvalidSide     = errors.New("invalid position side")
	ErrInvalidEntry    = errors.New("entry price must be positive")
	ErrInvalidAmount   = errors.New("amount must be positive")
	ErrInvalidLever    = errors.New("leverage must be in 1..125")
	ErrStopWrongSide   = errors.New("stop loss on wrong side of entry")
	ErrStopLoosened    = errors.New("stop loss update would loosen the stop")
	ErrTargetWrongSide = errors.New("take profit on wrong side of entry")
)

// ScaleOutEvent is one partial-close record. The history is append-only.
type ScaleOutEvent struct {
	Fraction float64   `json:"fraction"`
	Amount   float64   `json:"amount"`
	Price    float64   `json:"price"`
	Reason   string    `json:"reason"`
	Time     time.Time `json:"time"`
}

// Position is the in-memory record of one open trade. All mutation happens
// under the Registry lock; code outside the registry only ever sees copies.
type Position struct {
	Symbol     string    `json:"symbol"`
	Side       string    `json:"side"`
	EntryPrice float64   `json:"entry_price"`
	Amount     float64   `json:"amount"`
	Leverage   int       `json:"leverage"`
	EntryTime  time.Time `json:"entry_time"`

	// Volatility observed at entry, baseline for the spike exit.
	EntryVolatility float64 `json:"entry_volatility"`

	// Mutable risk state.
	StopLoss           float64 `json:"stop_loss"`
	TakeProfit         float64 `json:"take_profit,omitempty"`
	TrailingStopPct    float64 `json:"trailing_stop_pct"`
	PeakFavorablePrice float64 `json:"peak_favorable_price"`
	PeakPnlPct         float64 `json:"peak_pnl_pct"`
	MaxAdversePnlPct   float64 `json:"max_adverse_pnl_pct"`

	// Exit-strategy bookkeeping.
	LastPnlPct                 float64         `json:"last_pnl_pct"`
	ConsecutiveNegativeUpdates int             `json:"consecutive_negative_updates"`
	BreakevenLockActive        bool            `json:"breakeven_lock_active"`
	ProfitLockArmed            bool            `json:"profit_lock_armed"`
	ScaleOutHistory            []ScaleOutEvent `json:"scale_out_history,omitempty"`
	ScaledRungs                int             `json:"scaled_rungs"`

	State State `json:"state"`
}

// New validates the static-at-open fields and builds an OPEN position.
// stopLoss and takeProfit must sit on the correct side of the entry price;
// takeProfit may be zero (unset).
func New(symbol, side string, entryPrice, amount float64, leverage int, stopLoss, takeProfit, entryVolatility float64) (*Position, error) {
	if side != exchange.SideLong && side != exchange.SideShort {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSide, side)
	}
	if entryPrice <= 0 {
		return nil, ErrInvalidEntry
	}
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if leverage < 1 || leverage > 125 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLever, leverage)
	}

	long := side == exchange.SideLong
	if stopLoss <= 0 || (long && stopLoss >= entryPrice) || (!long && stopLoss <= entryPrice) {
		return nil, fmt.Errorf("%w: side=%s entry=%.8f stop=%.8f", ErrStopWrongSide, side, entryPrice, stopLoss)
	}
	if takeProfit != 0 {
		if (long && takeProfit <= entryPrice) || (!long && takeProfit >= entryPrice) {
			return nil, fmt.Errorf("%w: side=%s entry=%.8f target=%.8f", ErrTargetWrongSide, side, entryPrice, takeProfit)
		}
	}

	return &Position{
		Symbol:             symbol,
		Side:               side,
		EntryPrice:         entryPrice,
		Amount:             amount,
		Leverage:           leverage,
		EntryTime:          time.Now(),
		EntryVolatility:    entryVolatility,
		StopLoss:           stopLoss,
		TakeProfit:         takeProfit,
		PeakFavorablePrice: entryPrice,
		State:              StateOpen,
	}, nil
}

// IsLong reports whether the position is long.
func (p *Position) IsLong() bool {
	return p.Side == exchange.SideLong
}

// LeveragedPnL returns the leveraged unrealized PnL at price as a fraction
// (0.20 == +20% ROI on margin).
func (p *Position) LeveragedPnL(price float64) float64 {
	if p.EntryPrice <= 0 {
		return 0
	}
	move := (price - p.EntryPrice) / p.EntryPrice
	if !p.IsLong() {
		move = -move
	}
	return move * float64(p.Leverage)
}

// Age returns how long the position has been open.
func (p *Position) Age(now time.Time) time.Duration {
	return now.Sub(p.EntryTime)
}

// UpdateExcursions folds a new price into the peak/adverse bookkeeping.
// The peak favorable price only ever improves in the favorable direction.
// Any favorable update (PnL better than the previous tick, even while
// underwater) resets the negative streak; a worsening tick extends it.
func (p *Position) UpdateExcursions(price float64) {
	if p.IsLong() {
		if price > p.PeakFavorablePrice {
			p.PeakFavorablePrice = price
		}
	} else {
		if price < p.PeakFavorablePrice {
			p.PeakFavorablePrice = price
		}
	}

	pnl := p.LeveragedPnL(price)
	if pnl > p.PeakPnlPct {
		p.PeakPnlPct = pnl
	}
	if pnl < p.MaxAdversePnlPct {
		p.MaxAdversePnlPct = pnl
	}
	if pnl > p.LastPnlPct {
		p.ConsecutiveNegativeUpdates = 0
	} else if pnl < p.LastPnlPct {
		p.ConsecutiveNegativeUpdates++
	}
	p.LastPnlPct = pnl
}

// ApplyStop moves the stop loss. Updates may only tighten: up for longs,
// down for shorts. A loosening update is rejected, never clamped.
func (p *Position) ApplyStop(newStop float64) error {
	if newStop <= 0 {
		return ErrStopWrongSide
	}
	if p.IsLong() {
		if newStop < p.StopLoss {
			return fmt.Errorf("%w: %.8f -> %.8f", ErrStopLoosened, p.StopLoss, newStop)
		}
	} else {
		if newStop > p.StopLoss {
			return fmt.Errorf("%w: %.8f -> %.8f", ErrStopLoosened, p.StopLoss, newStop)
		}
	}
	p.StopLoss = newStop
	return nil
}

// ApplyTakeProfit replaces the take-profit target. The target must stay on
// the profitable side of the entry price; approach-zone non-regression is
// enforced by the target engine, which owns the current price.
func (p *Position) ApplyTakeProfit(newTarget float64) error {
	if newTarget <= 0 {
		return ErrTargetWrongSide
	}
	if p.IsLong() && newTarget <= p.EntryPrice {
		return fmt.Errorf("%w: entry=%.8f target=%.8f", ErrTargetWrongSide, p.EntryPrice, newTarget)
	}
	if !p.IsLong() && newTarget >= p.EntryPrice {
		return fmt.Errorf("%w: entry=%.8f target=%.8f", ErrTargetWrongSide, p.EntryPrice, newTarget)
	}
	p.TakeProfit = newTarget
	return nil
}

// Reduce records a partial close of qty contracts at price. Amount never
// goes negative; a reduction to zero (or below dust) leaves the caller
// responsible for removing the position.
func (p *Position) Reduce(qty, price float64, reason string) {
	if qty <= 0 {
		return
	}
	if qty > p.Amount {
		qty = p.Amount
	}
	fraction := qty / p.Amount
	p.Amount -= qty
	p.ScaledRungs++
	p.ScaleOutHistory = append(p.ScaleOutHistory, ScaleOutEvent{
		Fraction: fraction,
		Amount:   qty,
		Price:    price,
		Reason:   reason,
		Time:     time.Now(),
	})
}

// Clone returns a deep copy safe to use outside the registry lock.
func (p *Position) Clone() *Position {
	cp := *p
	if len(p.ScaleOutHistory) > 0 {
		cp.ScaleOutHistory = make([]ScaleOutEvent, len(p.ScaleOutHistory))
		copy(cp.ScaleOutHistory, p.ScaleOutHistory)
	}
	return &cp
}
