package signal

import (
	"context"
	"testing"
)

func TestStaticProviderOpportunities(t *testing.T) {
	p := &StaticProvider{Opps: []Opportunity{
		{Symbol: "BTCUSDT", Side: "LONG", Confidence: 0.9},
		{Symbol: "ETHUSDT", Side: "SHORT", Confidence: 0.7},
	}}

	opps, err := p.Opportunities(context.Background())
	if err != nil {
		t.Fatalf("opportunities failed: %v", err)
	}
	if len(opps) != 2 || opps[0].Symbol != "BTCUSDT" {
		t.Errorf("opportunities = %+v", opps)
	}
}

func TestStaticProviderContext(t *testing.T) {
	p := &StaticProvider{Contexts: map[string]*MarketContext{
		"BTCUSDT": {Price: 100, RSI: 60},
	}}

	mc, err := p.Context(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("context failed: %v", err)
	}
	if mc.Price != 100 || mc.RSI != 60 {
		t.Errorf("context = %+v", mc)
	}

	// Unknown symbols get a neutral context, never an error.
	mc, err = p.Context(context.Background(), "XRPUSDT")
	if err != nil {
		t.Fatalf("unknown symbol context failed: %v", err)
	}
	if mc.RSI != 50 {
		t.Errorf("neutral RSI = %v, want 50", mc.RSI)
	}
}
