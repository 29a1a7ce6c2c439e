package risk

import (
	"math"
	"testing"
)

func TestHistoricalVaR(t *testing.T) {
	returns := []float64{-0.05, -0.03, -0.01, 0.0, 0.01, 0.02, 0.03, 0.04, 0.05, 0.06}

	varValue := HistoricalVaR(returns, 0.05)
	if math.IsNaN(varValue) {
		t.Fatal("HistoricalVaR() returned NaN for valid input")
	}
	if varValue > -0.03 {
		t.Errorf("HistoricalVaR(0.05) = %v, want deep in the loss tail", varValue)
	}
}

func TestHistoricalVaREmptyInput(t *testing.T) {
	if v := HistoricalVaR(nil, 0.05); !math.IsNaN(v) {
		t.Errorf("HistoricalVaR(nil) = %v, want NaN", v)
	}
	if v := HistoricalVaR([]float64{0.01}, 0); !math.IsNaN(v) {
		t.Errorf("HistoricalVaR(level=0) = %v, want NaN", v)
	}
}

func TestHistoricalCVaRBelowVaR(t *testing.T) {
	returns := []float64{-0.10, -0.05, -0.02, 0.0, 0.01, 0.02, 0.03, 0.04, 0.05, 0.06}

	varValue := HistoricalVaR(returns, 0.10)
	cvar := HistoricalCVaR(returns, 0.10)
	if math.IsNaN(cvar) {
		t.Fatal("HistoricalCVaR() returned NaN")
	}
	if cvar > varValue {
		t.Errorf("CVaR %v should not exceed VaR %v", cvar, varValue)
	}
}
