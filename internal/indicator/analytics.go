package indicator

import (
	"errors"
	"fmt"
	"math"

	talib "github.com/markcheno/go-talib"

	"ordergate/internal/broker"
)

// ErrInsufficientData 表示历史数据不足以计算指标。
// 调用方必须把该错误当作保守信号处理,不允许用猜测值顶替。
var ErrInsufficientData = errors.New("indicator: insufficient history")

// ATR 计算平均真实波幅,数据不足或结果非法时报错。
func ATR(candles []broker.Candle, period int) (float64, error) {
	if period <= 1 {
		return 0, fmt.Errorf("indicator: ATR 周期必须大于1, got %d", period)
	}
	if len(candles) <= period {
		return 0, fmt.Errorf("%w: ATR 需要至少 %d 根K线, got %d", ErrInsufficientData, period+1, len(candles))
	}

	series := NewSeries(candles)
	atr := Last(talib.Atr(series.High, series.Low, series.Close, period))
	if math.IsNaN(atr) || math.IsInf(atr, 0) || atr <= 0 {
		return 0, fmt.Errorf("%w: ATR 计算结果非法", ErrInsufficientData)
	}
	return atr, nil
}

// RealizedVolatility 计算近 lookback 期收益率的标准差。
func RealizedVolatility(closes []float64, lookback int) (float64, error) {
	if lookback <= 1 {
		return 0, fmt.Errorf("indicator: 波动率回看期必须大于1, got %d", lookback)
	}

	returns := Returns(closes)
	if len(returns) < lookback {
		return 0, fmt.Errorf("%w: 波动率需要至少 %d 个收益率, got %d", ErrInsufficientData, lookback, len(returns))
	}

	vol := Last(talib.StdDev(SliceTail(returns, lookback), lookback, 1))
	if math.IsNaN(vol) || math.IsInf(vol, 0) || vol <= 0 {
		return 0, fmt.Errorf("%w: 波动率计算结果非法", ErrInsufficientData)
	}
	return vol, nil
}

// Correlation 计算两条收盘价序列在 lookback 期内的收益率相关性。
func Correlation(closesA, closesB []float64, lookback int) (float64, error) {
	if lookback <= 1 {
		return 0, fmt.Errorf("indicator: 相关性回看期必须大于1, got %d", lookback)
	}

	returnsA := Returns(closesA)
	returnsB := Returns(closesB)
	if len(returnsA) < lookback || len(returnsB) < lookback {
		return 0, fmt.Errorf("%w: 相关性需要至少 %d 个收益率", ErrInsufficientData, lookback)
	}

	tailA := SliceTail(returnsA, lookback)
	tailB := SliceTail(returnsB, lookback)
	corr := Last(talib.Correl(tailA, tailB, lookback))
	if math.IsNaN(corr) || math.IsInf(corr, 0) {
		return 0, fmt.Errorf("%w: 相关性计算结果非法", ErrInsufficientData)
	}

	// Correl 理论上位于[-1,1],数值误差收敛回区间内
	return math.Max(-1, math.Min(1, corr)), nil
}
