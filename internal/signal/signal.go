// Package signal defines the contracts between the trading core and the
// external scanning/indicator collaborator. The core consumes an
// already-ranked opportunity stream and per-symbol market context; it never
// recomputes ranking or indicators itself.
package signal

import "context"

// Opportunity is one ranked trade candidate emitted by the scanner.
type Opportunity struct {
	Symbol            string  `json:"symbol"`
	Side              string  `json:"side"` // LONG or SHORT
	Confidence        float64 `json:"confidence"` // 0-1
	SuggestedLeverage int     `json:"suggested_leverage"`
	Volatility        float64 `json:"volatility"`
	Momentum          float64 `json:"momentum"`
	TrendStrength     float64 `json:"trend_strength"`
	RSI               float64 `json:"rsi"`
	SupportLevel      float64 `json:"support_level"`
	ResistanceLevel   float64 `json:"resistance_level"`
}

// MarketContext is the per-cycle market snapshot used to drive exit logic
// for an open position.
type MarketContext struct {
	Price           float64 `json:"price"`
	Volatility      float64 `json:"volatility"`
	Momentum        float64 `json:"momentum"`
	TrendStrength   float64 `json:"trend_strength"`
	RSI             float64 `json:"rsi"`
	SupportLevel    float64 `json:"support_level"`
	ResistanceLevel float64 `json:"resistance_level"`
}

// Provider supplies opportunities and market context from the collaborator.
type Provider interface {
	// Opportunities returns the current ranked opportunity list, best first.
	Opportunities(ctx context.Context) ([]Opportunity, error)

	// Context returns the current market context for a symbol.
	Context(ctx context.Context, symbol string) (*MarketContext, error)
}

// StaticProvider serves a fixed opportunity list and per-symbol contexts.
// Used in tests and as a stand-in when the scanner is disabled.
type StaticProvider struct {
	Opps     []Opportunity
	Contexts map[string]*MarketContext
}

// Opportunities returns the configured opportunity list.
func (p *StaticProvider) Opportunities(ctx context.Context) ([]Opportunity, error) {
	return p.Opps, nil
}

// Context returns the configured context for symbol, or a neutral one.
func (p *StaticProvider) Context(ctx context.Context, symbol string) (*MarketContext, error) {
	if mc, ok := p.Contexts[symbol]; ok {
		return mc, nil
	}
	return &MarketContext{RSI: 50}, nil
}
