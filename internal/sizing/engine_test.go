package sizing

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"go.uber.org/zap"

	"ordergate/internal/broker"
	"ordergate/internal/config"
	"ordergate/internal/instrument"
	"ordergate/internal/pricing"
)

func TestCombineTakesMinimumBelowCap(t *testing.T) {
	// 未收口候选的最小值 300 已低于权重上限 350
	if got := Combine([]float64{500, 300}, 350); got != 300 {
		t.Errorf("Combine([500,300], 350) = %d, want 300", got)
	}
}

func TestCombineClampsToCap(t *testing.T) {
	if got := Combine([]float64{500, 420}, 350); got != 350 {
		t.Errorf("Combine([500,420], 350) = %d, want 350", got)
	}
}

func TestCombineFailsClosedOnInvalidCandidate(t *testing.T) {
	cases := [][]float64{
		{500, math.NaN()},
		{500, math.Inf(1)},
		{500, 0},
		{500, -10},
		nil,
	}
	for _, candidates := range cases {
		if got := Combine(candidates, 350); got != 0 {
			t.Errorf("Combine(%v, 350) = %d, want 0", candidates, got)
		}
	}
}

func TestCorrelationAdjusted(t *testing.T) {
	cases := []struct {
		corr float64
		want float64
	}{
		{0.8, 50},  // 高相关减半
		{0.1, 120}, // 低相关放大
		{0.45, 100},
	}
	for _, tc := range cases {
		if got := correlationAdjusted(100, tc.corr, 0.6); got != tc.want {
			t.Errorf("correlationAdjusted(100, %v, 0.6) = %v, want %v", tc.corr, got, tc.want)
		}
	}
}

type fakeCandles struct {
	candles map[string][]broker.Candle
	err     error
}

func (f *fakeCandles) Candles(_ context.Context, inst instrument.Instrument, _ int) ([]broker.Candle, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.candles[inst.Symbol], nil
}

func trendCandles(n int, start, drift, wiggle float64) []broker.Candle {
	candles := make([]broker.Candle, n)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	price := start
	for i := range candles {
		price += drift + wiggle*math.Sin(float64(i))
		candles[i] = broker.Candle{
			Timestamp: base.Add(time.Duration(i) * 24 * time.Hour),
			Open:      price,
			High:      price + 2,
			Low:       price - 2,
			Close:     price,
			Volume:    1000,
		}
	}
	return candles
}

func testSizingConfig() config.SizingConfig {
	return config.SizingConfig{
		RiskPerTrade: 0.01,
		VaRBudget:    0.02,
		StopMultiple: 2,
		ATRPeriod:    14,
		Lookback:     40,
	}
}

func testLimits() config.RiskConfig {
	return config.RiskConfig{
		MaxPositionWeight:    0.25,
		CorrelationThreshold: 0.6,
		VaRLevel:             0.05,
	}
}

func fixedPriceResolver(price float64) *pricing.Resolver {
	return pricing.NewResolver(zap.NewNop(), pricing.NewSourceFunc("venue_quote",
		func(context.Context, instrument.Instrument) (float64, error) {
			return price, nil
		}))
}

func TestSizeProducesPositiveQuantity(t *testing.T) {
	inst := instrument.Parse("AAPL")
	provider := &fakeCandles{candles: map[string][]broker.Candle{
		"AAPL": trendCandles(60, 100, 0.1, 1.5),
	}}

	engine := NewEngine(testSizingConfig(), fixedPriceResolver(150), provider, zap.NewNop())

	result, err := engine.Size(context.Background(), inst,
		broker.AccountSnapshot{Equity: 100000}, nil, testLimits())
	if err != nil {
		t.Fatalf("Size() error: %v", err)
	}
	if result.Quantity <= 0 {
		t.Errorf("Quantity = %d, want positive", result.Quantity)
	}
	if result.PriceSource != "venue_quote" {
		t.Errorf("PriceSource = %q, want venue_quote", result.PriceSource)
	}

	// 收口上限:权重 25% × 100000 / 150 ≈ 166 股
	capQty := int64(100000 * 0.25 / 150)
	if result.Quantity > capQty {
		t.Errorf("Quantity = %d exceeds weight cap %d", result.Quantity, capQty)
	}
}

func TestSizeFailsClosedWhenPriceUnavailable(t *testing.T) {
	inst := instrument.Parse("AAPL")
	provider := &fakeCandles{candles: map[string][]broker.Candle{
		"AAPL": trendCandles(60, 100, 0.1, 1.5),
	}}

	resolver := pricing.NewResolver(zap.NewNop(), pricing.NewSourceFunc("venue_quote",
		func(context.Context, instrument.Instrument) (float64, error) {
			return 0, pricing.ErrNoData
		}))
	engine := NewEngine(testSizingConfig(), resolver, provider, zap.NewNop())

	_, err := engine.Size(context.Background(), inst,
		broker.AccountSnapshot{Equity: 100000}, nil, testLimits())
	if !errors.Is(err, pricing.ErrUnavailable) {
		t.Errorf("Size() error = %v, want ErrUnavailable", err)
	}
}

func TestSizeFailsClosedWhenHistoryMissing(t *testing.T) {
	inst := instrument.Parse("AAPL")
	provider := &fakeCandles{err: errors.New("history backend down")}

	engine := NewEngine(testSizingConfig(), fixedPriceResolver(150), provider, zap.NewNop())

	if _, err := engine.Size(context.Background(), inst,
		broker.AccountSnapshot{Equity: 100000}, nil, testLimits()); err == nil {
		t.Error("Size() should fail when candle history is unavailable")
	}
}

func TestSizeCorrelationPenaltyAgainstExistingPosition(t *testing.T) {
	inst := instrument.Parse("AAPL")
	shared := trendCandles(60, 100, 0.2, 2)
	provider := &fakeCandles{candles: map[string][]broker.Candle{
		"AAPL": shared,
		"MSFT": shared, // 完全同向,相关性≈1
	}}

	engine := NewEngine(testSizingConfig(), fixedPriceResolver(150), provider, zap.NewNop())

	positions := []broker.Position{{
		Instrument: instrument.Parse("MSFT"),
		Quantity:   100,
		LastPrice:  300,
	}}

	result, err := engine.Size(context.Background(), inst,
		broker.AccountSnapshot{Equity: 100000}, positions, testLimits())
	if err != nil {
		t.Fatalf("Size() error: %v", err)
	}
	if result.PeakCorrelation < 0.9 {
		t.Errorf("PeakCorrelation = %v, want near 1", result.PeakCorrelation)
	}
	if result.Candidates.CorrelationAdjusted >= result.Candidates.VolNormalized {
		t.Errorf("correlation candidate %v should be penalized below vol candidate %v",
			result.Candidates.CorrelationAdjusted, result.Candidates.VolNormalized)
	}
}
