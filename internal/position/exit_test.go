package position

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/loureed691/RAD-sub002/internal/exchange"
	"github.com/loureed691/RAD-sub002/internal/signal"
)

// neutralContext returns market conditions that trigger nothing on their own.
func neutralContext(price float64) *signal.MarketContext {
	return &signal.MarketContext{Price: price, RSI: 50}
}

func fullCloseReason(decisions []Decision) (string, bool) {
	for _, d := range decisions {
		if d.Kind == FullClose {
			return d.Reason, true
		}
	}
	return "", false
}

func TestEmergencyStopOverridesEverything(t *testing.T) {
	e := NewExitEngine(DefaultExitConfig())
	p := mustPosition(t, "BTCUSDT", exchange.SideLong, 100, 1, 10, 50, 0)
	p.StopLoss = 50 // stop far away so only the ROI floor can fire

	// -2% price move at 10x is -20% ROI, through the -15% floor.
	decisions := e.Evaluate(p, neutralContext(98), time.Now())
	reason, ok := fullCloseReason(decisions)
	if !ok {
		t.Fatal("expected a full close")
	}
	if !strings.HasPrefix(reason, ReasonEmergencyStop) {
		t.Errorf("reason = %q, want %q prefix", reason, ReasonEmergencyStop)
	}
	if len(decisions) != 1 {
		t.Errorf("emergency close should be the only decision, got %d", len(decisions))
	}
}

func TestTakeProfitROIClose(t *testing.T) {
	e := NewExitEngine(DefaultExitConfig())
	p := mustPosition(t, "BTCUSDT", exchange.SideLong, 100, 1, 10, 95, 0)
	p.UpdateExcursions(102)

	// +2% at 10x is +20% ROI, the configured take-profit level.
	decisions := e.Evaluate(p, neutralContext(102), time.Now())
	reason, ok := fullCloseReason(decisions)
	if !ok {
		t.Fatal("expected a full close at the take-profit ROI")
	}
	if reason != ReasonTakeProfit {
		t.Errorf("reason = %q, want %q", reason, ReasonTakeProfit)
	}
}

func TestScaleOutRungsFireInOrder(t *testing.T) {
	e := NewExitEngine(DefaultExitConfig())
	p := mustPosition(t, "BTCUSDT", exchange.SideLong, 100, 10, 10, 95, 0)

	// +1% at 10x is +10% ROI: past the first rung, short of the second.
	mc := neutralContext(101)
	decisions := e.Evaluate(p, mc, time.Now())

	var partial *Decision
	for i := range decisions {
		if decisions[i].Kind == PartialClose {
			partial = &decisions[i]
		}
	}
	if partial == nil {
		t.Fatal("expected a partial close at the first rung")
	}
	if math.Abs(partial.Fraction-0.25) > eps {
		t.Errorf("fraction = %v, want 0.25", partial.Fraction)
	}

	// Record the fill; the same rung must not fire again.
	p.Reduce(p.Amount*partial.Fraction, 101, partial.Reason)
	decisions = e.Evaluate(p, mc, time.Now())
	for _, d := range decisions {
		if d.Kind == PartialClose {
			t.Errorf("rung fired twice: %+v", d)
		}
	}
}

func TestProfitLockRetrace(t *testing.T) {
	e := NewExitEngine(DefaultExitConfig())
	p := mustPosition(t, "BTCUSDT", exchange.SideLong, 100, 1, 10, 95, 0)

	// Peak at +12% ROI arms the lock, then a retrace to +7% breaches the
	// 30% give-back allowance (floor at 8.4%).
	p.UpdateExcursions(101.2)
	decisions := e.Evaluate(p, neutralContext(100.7), time.Now())
	reason, ok := fullCloseReason(decisions)
	if !ok {
		t.Fatal("expected a profit-lock close")
	}
	if reason != ReasonProfitLock {
		t.Errorf("reason = %q, want %q", reason, ReasonProfitLock)
	}
}

func TestProfitLockNotArmedBelowActivation(t *testing.T) {
	e := NewExitEngine(DefaultExitConfig())
	p := mustPosition(t, "BTCUSDT", exchange.SideLong, 100, 1, 10, 95, 0)

	// Peak +6% ROI never reaches the 10% activation; a fade back to +1%
	// must not close.
	p.UpdateExcursions(100.6)
	decisions := e.Evaluate(p, neutralContext(100.1), time.Now())
	if reason, ok := fullCloseReason(decisions); ok {
		t.Errorf("unexpected close %q below profit-lock activation", reason)
	}
}

func TestMaxHoldTimeClose(t *testing.T) {
	e := NewExitEngine(DefaultExitConfig())
	p := mustPosition(t, "BTCUSDT", exchange.SideLong, 100, 1, 10, 95, 0)
	p.EntryTime = time.Now().Add(-9 * time.Hour)

	decisions := e.Evaluate(p, neutralContext(100), time.Now())
	reason, ok := fullCloseReason(decisions)
	if !ok || reason != ReasonMaxHoldTime {
		t.Errorf("decisions = %+v, want max-hold close", decisions)
	}
}

func TestVolatilitySpikeClose(t *testing.T) {
	e := NewExitEngine(DefaultExitConfig())
	p := mustPosition(t, "BTCUSDT", exchange.SideLong, 100, 1, 10, 95, 0)
	p.EntryVolatility = 0.01

	mc := neutralContext(100)
	mc.Volatility = 0.025 // 2.5x entry volatility, over the 2.0 ratio
	decisions := e.Evaluate(p, mc, time.Now())
	reason, ok := fullCloseReason(decisions)
	if !ok || reason != ReasonVolatilitySpike {
		t.Errorf("decisions = %+v, want volatility-spike close", decisions)
	}
}

func TestMomentumReversalClose(t *testing.T) {
	e := NewExitEngine(DefaultExitConfig())

	t.Run("long", func(t *testing.T) {
		p := mustPosition(t, "BTCUSDT", exchange.SideLong, 100, 1, 10, 95, 0)
		mc := neutralContext(100)
		mc.Momentum = -0.03
		mc.RSI = 75
		reason, ok := fullCloseReason(e.Evaluate(p, mc, time.Now()))
		if !ok || reason != ReasonMomentumReversal {
			t.Errorf("want momentum-reversal close, got %q ok=%v", reason, ok)
		}
	})

	t.Run("short", func(t *testing.T) {
		p := mustPosition(t, "BTCUSDT", exchange.SideShort, 100, 1, 10, 105, 0)
		mc := neutralContext(100)
		mc.Momentum = 0.03
		mc.RSI = 25
		reason, ok := fullCloseReason(e.Evaluate(p, mc, time.Now()))
		if !ok || reason != ReasonMomentumReversal {
			t.Errorf("want momentum-reversal close, got %q ok=%v", reason, ok)
		}
	})

	t.Run("momentum alone is not enough", func(t *testing.T) {
		p := mustPosition(t, "BTCUSDT", exchange.SideLong, 100, 1, 10, 95, 0)
		mc := neutralContext(100)
		mc.Momentum = -0.03 // RSI stays neutral
		if reason, ok := fullCloseReason(e.Evaluate(p, mc, time.Now())); ok {
			t.Errorf("unexpected close %q without overbought RSI", reason)
		}
	})
}

func TestAdverseStreakClose(t *testing.T) {
	e := NewExitEngine(DefaultExitConfig())
	p := mustPosition(t, "BTCUSDT", exchange.SideLong, 100, 1, 10, 95, 0)

	// Five consecutive worsening ticks while underwater.
	for _, price := range []float64{99.9, 99.8, 99.7, 99.6, 99.5} {
		p.UpdateExcursions(price)
	}

	decisions := e.Evaluate(p, neutralContext(99.5), time.Now())
	reason, ok := fullCloseReason(decisions)
	if !ok {
		t.Fatal("expected a full close after the adverse streak")
	}
	if reason != ReasonAdverseStreak {
		t.Errorf("reason = %q, want %q", reason, ReasonAdverseStreak)
	}
}

func TestAdverseStreakResetByRecoveryTick(t *testing.T) {
	e := NewExitEngine(DefaultExitConfig())
	p := mustPosition(t, "BTCUSDT", exchange.SideLong, 100, 1, 10, 95, 0)

	for _, price := range []float64{99.9, 99.8, 99.7, 99.6} {
		p.UpdateExcursions(price)
	}
	// An improving tick resets the streak even though PnL is still negative.
	p.UpdateExcursions(99.65)

	decisions := e.Evaluate(p, neutralContext(99.65), time.Now())
	if reason, ok := fullCloseReason(decisions); ok {
		t.Errorf("unexpected close %q after the streak reset", reason)
	}
}

func TestBreakevenLockArmsOnce(t *testing.T) {
	e := NewExitEngine(DefaultExitConfig())
	p := mustPosition(t, "BTCUSDT", exchange.SideLong, 100, 1, 10, 95, 0)

	// +0.6% price at 10x is +6% ROI, past the 5% activation.
	mc := neutralContext(100.6)
	decisions := e.Evaluate(p, mc, time.Now())

	var stopUpdate *Decision
	for i := range decisions {
		if decisions[i].Kind == StopUpdate {
			stopUpdate = &decisions[i]
		}
	}
	if stopUpdate == nil {
		t.Fatal("expected a breakeven stop update")
	}
	if want := 100 * 1.002; math.Abs(stopUpdate.StopPrice-want) > eps {
		t.Errorf("lock-in stop = %v, want %v", stopUpdate.StopPrice, want)
	}
	if !p.BreakevenLockActive {
		t.Error("breakeven lock should be recorded as active")
	}

	// Second cycle at the same level: the lock never re-fires.
	for _, d := range e.Evaluate(p, mc, time.Now()) {
		if d.Kind == StopUpdate && d.Reason == ReasonBreakevenLock {
			t.Errorf("breakeven lock fired twice: %+v", d)
		}
	}
}

func TestStopLossBackstop(t *testing.T) {
	e := NewExitEngine(DefaultExitConfig())

	t.Run("long", func(t *testing.T) {
		p := mustPosition(t, "BTCUSDT", exchange.SideLong, 100, 1, 1, 95, 0)
		reason, ok := fullCloseReason(e.Evaluate(p, neutralContext(94.5), time.Now()))
		if !ok || reason != ReasonStopLoss {
			t.Errorf("want stop-loss close, got %q ok=%v", reason, ok)
		}
	})

	t.Run("short", func(t *testing.T) {
		p := mustPosition(t, "BTCUSDT", exchange.SideShort, 100, 1, 1, 105, 0)
		reason, ok := fullCloseReason(e.Evaluate(p, neutralContext(105.5), time.Now()))
		if !ok || reason != ReasonStopLoss {
			t.Errorf("want stop-loss close, got %q ok=%v", reason, ok)
		}
	})
}

func TestTakeProfitPriceBackstop(t *testing.T) {
	e := NewExitEngine(DefaultExitConfig())
	p := mustPosition(t, "BTCUSDT", exchange.SideLong, 100, 1, 1, 95, 101)

	reason, ok := fullCloseReason(e.Evaluate(p, neutralContext(101.5), time.Now()))
	if !ok || reason != ReasonTakeProfit {
		t.Errorf("want take-profit close through the target, got %q ok=%v", reason, ok)
	}
}

func TestNoActionWhenQuiet(t *testing.T) {
	e := NewExitEngine(DefaultExitConfig())
	p := mustPosition(t, "BTCUSDT", exchange.SideLong, 100, 1, 10, 95, 0)

	decisions := e.Evaluate(p, neutralContext(100.1), time.Now())
	for _, d := range decisions {
		if d.Kind == FullClose || d.Kind == PartialClose {
			t.Errorf("unexpected decision on a quiet position: %+v", d)
		}
	}
}
