package risk

import (
	"math"
	"sort"
)

// HistoricalVaR 返回收益率序列在给定分位上的历史 VaR。
// 返回值为收益率分位本身(亏损为负),样本不足时返回 NaN。
func HistoricalVaR(returns []float64, level float64) float64 {
	if len(returns) == 0 || level <= 0 || level >= 1 {
		return math.NaN()
	}

	sorted := make([]float64, len(returns))
	copy(sorted, returns)
	sort.Float64s(sorted)

	// 线性插值分位数
	pos := level * float64(len(sorted)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return sorted[lower]
	}
	frac := pos - float64(lower)
	return sorted[lower]*(1-frac) + sorted[upper]*frac
}

// HistoricalCVaR 返回落在 VaR 之下的收益率均值(条件尾部损失)。
func HistoricalCVaR(returns []float64, level float64) float64 {
	varValue := HistoricalVaR(returns, level)
	if math.IsNaN(varValue) {
		return math.NaN()
	}

	sum := 0.0
	count := 0
	for _, r := range returns {
		if r <= varValue {
			sum += r
			count++
		}
	}
	if count == 0 {
		return varValue
	}
	return sum / float64(count)
}
