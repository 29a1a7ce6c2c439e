package indicator

import (
	"errors"
	"math"
	"testing"
	"time"

	"ordergate/internal/broker"
)

func makeCandles(closes []float64, spread float64) []broker.Candle {
	candles := make([]broker.Candle, len(closes))
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, c := range closes {
		candles[i] = broker.Candle{
			Timestamp: base.Add(time.Duration(i) * 24 * time.Hour),
			Open:      c,
			High:      c + spread,
			Low:       c - spread,
			Close:     c,
			Volume:    1000,
		}
	}
	return candles
}

func TestATR(t *testing.T) {
	closes := make([]float64, 30)
	for i := range closes {
		closes[i] = 100 + float64(i%3)
	}
	candles := makeCandles(closes, 2)

	atr, err := ATR(candles, 14)
	if err != nil {
		t.Fatalf("ATR() error: %v", err)
	}
	if atr <= 0 || math.IsNaN(atr) {
		t.Errorf("ATR() = %v, want positive", atr)
	}
}

func TestATRInsufficientData(t *testing.T) {
	candles := makeCandles([]float64{100, 101, 102}, 1)

	if _, err := ATR(candles, 14); !errors.Is(err, ErrInsufficientData) {
		t.Errorf("ATR() error = %v, want ErrInsufficientData", err)
	}
}

func TestRealizedVolatility(t *testing.T) {
	closes := make([]float64, 40)
	for i := range closes {
		closes[i] = 100 * (1 + 0.01*math.Sin(float64(i)))
	}

	vol, err := RealizedVolatility(closes, 20)
	if err != nil {
		t.Fatalf("RealizedVolatility() error: %v", err)
	}
	if vol <= 0 {
		t.Errorf("RealizedVolatility() = %v, want positive", vol)
	}
}

func TestRealizedVolatilityInsufficientData(t *testing.T) {
	if _, err := RealizedVolatility([]float64{100, 101}, 20); !errors.Is(err, ErrInsufficientData) {
		t.Errorf("RealizedVolatility() error = %v, want ErrInsufficientData", err)
	}
}

func TestCorrelationPerfectlyCorrelated(t *testing.T) {
	a := make([]float64, 30)
	b := make([]float64, 30)
	for i := range a {
		a[i] = 100 + float64(i) + 3*math.Sin(float64(i))
		b[i] = 2 * a[i]
	}

	corr, err := Correlation(a, b, 20)
	if err != nil {
		t.Fatalf("Correlation() error: %v", err)
	}
	if corr < 0.99 {
		t.Errorf("Correlation() = %v, want close to 1", corr)
	}
}

func TestCorrelationClampedToRange(t *testing.T) {
	a := make([]float64, 30)
	b := make([]float64, 30)
	for i := range a {
		a[i] = 100 + 5*math.Sin(float64(i))
		b[i] = 100 - 5*math.Sin(float64(i))
	}

	corr, err := Correlation(a, b, 20)
	if err != nil {
		t.Fatalf("Correlation() error: %v", err)
	}
	if corr < -1 || corr > 1 {
		t.Errorf("Correlation() = %v, out of [-1,1]", corr)
	}
	if corr > -0.99 {
		t.Errorf("Correlation() = %v, want close to -1", corr)
	}
}

func TestReturns(t *testing.T) {
	returns := Returns([]float64{100, 110, 99})
	if len(returns) != 2 {
		t.Fatalf("Returns() length = %d, want 2", len(returns))
	}
	if math.Abs(returns[0]-0.1) > 1e-9 {
		t.Errorf("returns[0] = %v, want 0.1", returns[0])
	}
	if math.Abs(returns[1]+0.1) > 1e-9 {
		t.Errorf("returns[1] = %v, want -0.1", returns[1])
	}
}
