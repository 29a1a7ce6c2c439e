package sizing

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"ordergate/internal/broker"
	"ordergate/internal/config"
	"ordergate/internal/indicator"
	"ordergate/internal/instrument"
	"ordergate/internal/pricing"
	"ordergate/internal/risk"
)

// ErrNoBudget 表示限额约束下测算不出正数量。
var ErrNoBudget = errors.New("sizing: no size within limits")

// CandleProvider 提供测算所需的历史K线。
type CandleProvider interface {
	Candles(ctx context.Context, inst instrument.Instrument, limit int) ([]broker.Candle, error)
}

// Candidates 记录各路独立候选仓位,便于审计与调试。
type Candidates struct {
	VolNormalized       float64
	VaRBudget           float64
	CorrelationAdjusted float64
	WeightCap           float64
}

// Result 为一次仓位测算的结果。
type Result struct {
	Quantity        int64
	Price           float64
	PriceSource     string
	ATR             float64
	PeakCorrelation float64
	Candidates      Candidates
}

// Engine 组合多路风险因子计算订单数量。
// 任一必需输入不可得时测算失败关闭,绝不以默认值顶替。
type Engine struct {
	cfg      config.SizingConfig
	resolver *pricing.Resolver
	candles  CandleProvider
	logger   *zap.Logger
}

// NewEngine 创建仓位测算引擎。
func NewEngine(cfg config.SizingConfig, resolver *pricing.Resolver, candles CandleProvider, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:      cfg,
		resolver: resolver,
		candles:  candles,
		logger:   logger,
	}
}

// Size 为标的测算下单数量:取各候选的最小值,再按组合权重上限收口。
func (e *Engine) Size(ctx context.Context, inst instrument.Instrument, account broker.AccountSnapshot,
	positions []broker.Position, limits config.RiskConfig) (Result, error) {

	if account.Equity <= 0 {
		return Result{}, fmt.Errorf("sizing: 账户净值非法: %.2f", account.Equity)
	}

	quote, err := e.resolver.Resolve(ctx, inst)
	if err != nil {
		return Result{}, fmt.Errorf("sizing: 价格不可得: %w", err)
	}

	candles, err := e.candles.Candles(ctx, inst, e.cfg.Lookback+1)
	if err != nil {
		return Result{}, fmt.Errorf("sizing: 历史K线不可得: %w", err)
	}

	atr, err := indicator.ATR(candles, e.cfg.ATRPeriod)
	if err != nil {
		return Result{}, fmt.Errorf("sizing: %w", err)
	}

	closes := indicator.NewSeries(candles).Close

	volCandidate := e.volNormalized(account.Equity, atr)
	varCandidate, err := e.varBudget(account.Equity, quote.Price, closes, limits.VaRLevel)
	if err != nil {
		return Result{}, err
	}

	peakCorr, err := e.peakCorrelation(ctx, closes, positions)
	if err != nil {
		return Result{}, err
	}
	corrCandidate := correlationAdjusted(volCandidate, peakCorr, limits.CorrelationThreshold)

	capQty := account.Equity * limits.MaxPositionWeight / quote.Price

	quantity := Combine([]float64{volCandidate, varCandidate, corrCandidate}, capQty)
	if quantity <= 0 {
		return Result{}, fmt.Errorf("%w: %s", ErrNoBudget, inst.Symbol)
	}

	result := Result{
		Quantity:        quantity,
		Price:           quote.Price,
		PriceSource:     quote.Source,
		ATR:             atr,
		PeakCorrelation: peakCorr,
		Candidates: Candidates{
			VolNormalized:       volCandidate,
			VaRBudget:           varCandidate,
			CorrelationAdjusted: corrCandidate,
			WeightCap:           capQty,
		},
	}

	e.logger.Info("仓位测算完成",
		zap.String("symbol", inst.Symbol),
		zap.Int64("quantity", result.Quantity),
		zap.Float64("price", quote.Price),
		zap.String("price_source", quote.Source),
		zap.Float64("vol_candidate", volCandidate),
		zap.Float64("var_candidate", varCandidate),
		zap.Float64("corr_candidate", corrCandidate),
		zap.Float64("weight_cap", capQty),
	)

	return result, nil
}

// Combine 取候选最小值并按权重上限收口,向下取整到整数股。
func Combine(candidates []float64, capQty float64) int64 {
	if len(candidates) == 0 {
		return 0
	}

	minCandidate := math.Inf(1)
	for _, c := range candidates {
		if math.IsNaN(c) || math.IsInf(c, 0) || c <= 0 {
			return 0
		}
		if c < minCandidate {
			minCandidate = c
		}
	}

	if capQty > 0 && minCandidate > capQty {
		minCandidate = capQty
	}

	return int64(math.Floor(minCandidate))
}

// volNormalized 按单笔风险预算与止损距离折算股数。
func (e *Engine) volNormalized(equity, atr float64) float64 {
	riskPerShare := atr * e.cfg.StopMultiple
	if riskPerShare <= 0 {
		return 0
	}
	return equity * e.cfg.RiskPerTrade / riskPerShare
}

// varBudget 按历史 VaR 折算单标的可承受股数。
func (e *Engine) varBudget(equity, price float64, closes []float64, level float64) (float64, error) {
	returns := indicator.Returns(closes)
	if len(returns) < e.cfg.ATRPeriod {
		return 0, fmt.Errorf("sizing: %w: VaR 需要至少 %d 个收益率", indicator.ErrInsufficientData, e.cfg.ATRPeriod)
	}

	varValue := risk.HistoricalVaR(returns, level)
	if math.IsNaN(varValue) {
		return 0, fmt.Errorf("sizing: %w: VaR 不可得", indicator.ErrInsufficientData)
	}

	lossPerShare := math.Abs(varValue) * price
	if lossPerShare <= 0 {
		return 0, fmt.Errorf("sizing: %w: 每股 VaR 为零", indicator.ErrInsufficientData)
	}

	return equity * e.cfg.VaRBudget / lossPerShare, nil
}

// peakCorrelation 计算候选标的与现有持仓的最大收益率相关性。
func (e *Engine) peakCorrelation(ctx context.Context, closes []float64, positions []broker.Position) (float64, error) {
	peak := 0.0
	for _, pos := range positions {
		if pos.Quantity == 0 {
			continue
		}

		peerCandles, err := e.candles.Candles(ctx, pos.Instrument, e.cfg.Lookback+1)
		if err != nil {
			return 0, fmt.Errorf("sizing: 持仓 %s 历史K线不可得: %w", pos.Instrument.Symbol, err)
		}

		corr, err := indicator.Correlation(closes, indicator.NewSeries(peerCandles).Close, e.cfg.Lookback)
		if err != nil {
			return 0, fmt.Errorf("sizing: %w", err)
		}
		if corr > peak {
			peak = corr
		}
	}
	return peak, nil
}

// correlationAdjusted 按相关性惩罚或奖励基准仓位:
// 高相关减半,低相关(<0.3)放大 1.2 倍,其余不变。
func correlationAdjusted(base, corr, threshold float64) float64 {
	switch {
	case corr > threshold:
		return base * 0.5
	case corr < 0.3:
		return base * 1.2
	default:
		return base
	}
}
