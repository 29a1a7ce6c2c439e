package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"ordergate/internal/broker"
	"ordergate/internal/indicator"
	"ordergate/internal/instrument"
	"ordergate/internal/oms"
	"ordergate/internal/pricing"
	"ordergate/internal/risk"
	"ordergate/internal/sizing"
	"ordergate/internal/stops"
)

var (
	// ErrRiskVeto 表示风控明确拒绝,调用方不应自动重试。
	ErrRiskVeto = errors.New("app: risk veto")
	// ErrRiskDeferred 表示订单等待外部确认,持有后按原请求重提。
	ErrRiskDeferred = errors.New("app: risk deferred, confirmation required")
)

// SizedOrder 为测算完成、等待风控与提交的订单。
type SizedOrder struct {
	Request    oms.SubmitRequest
	Sizing     sizing.Result
	PreparedAt time.Time
}

// Service 为执行核心对外的门面:
// Prepare 测算 → Confirm 评估 → Execute 提交,全部返回结构化结果。
type Service struct {
	logger   *zap.Logger
	resolver *pricing.Resolver
	sizer    *sizing.Engine
	gate     *risk.Gate
	stops    *stops.Engine
	orders   *oms.Manager
	candles  sizing.CandleProvider
	lookback int

	mu       sync.Mutex
	lastATR  map[string]float64
	lastSide map[string]broker.Side
}

// NewService 组装执行核心门面并接通成交回调。
func NewService(logger *zap.Logger, resolver *pricing.Resolver, sizer *sizing.Engine,
	gate *risk.Gate, stopEngine *stops.Engine, orders *oms.Manager,
	candles sizing.CandleProvider, lookback int) *Service {

	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		logger:   logger,
		resolver: resolver,
		sizer:    sizer,
		gate:     gate,
		stops:    stopEngine,
		orders:   orders,
		candles:  candles,
		lookback: lookback,
		lastATR:  make(map[string]float64),
		lastSide: make(map[string]broker.Side),
	}

	orders.SetFillHandler(s.onFill)

	return s
}

// Prepare 为交易意图测算数量,返回待确认的订单。
// 目标数量只会被压缩,绝不放大。
func (s *Service) Prepare(ctx context.Context, symbol string, side broker.Side, targetQty int64) (SizedOrder, error) {
	inst := instrument.Parse(symbol)

	snap, err := s.freshSnapshot(ctx)
	if err != nil {
		return SizedOrder{}, err
	}

	result, err := s.sizer.Size(ctx, inst, snap.Account, snap.Positions, s.gate.Limits())
	if err != nil {
		return SizedOrder{}, err
	}

	quantity := result.Quantity
	if targetQty > 0 && targetQty < quantity {
		quantity = targetQty
	}

	s.mu.Lock()
	s.lastATR[inst.Symbol] = result.ATR
	s.lastSide[inst.Symbol] = side
	s.mu.Unlock()

	return SizedOrder{
		Request: oms.SubmitRequest{
			Instrument:  inst,
			Side:        side,
			Quantity:    quantity,
			Type:        broker.TypeMarket,
			TimeInForce: "day",
		},
		Sizing:     result,
		PreparedAt: time.Now().UTC(),
	}, nil
}

// Confirm 对测算结果执行风控评估,不提交订单。
func (s *Service) Confirm(ctx context.Context, sized SizedOrder) (risk.Decision, error) {
	return s.evaluate(ctx, sized)
}

// Execute 提交订单。评估在提交前重新执行:
// VETO 直接报错;DEFER 且未经确认时持有不提交。
// 确认后的重复执行依赖 OMS 指纹去重,不会产生第二笔提交。
func (s *Service) Execute(ctx context.Context, sized SizedOrder, confirmed bool) (oms.Order, error) {
	decision, err := s.evaluate(ctx, sized)
	if err != nil {
		return oms.Order{}, err
	}

	switch decision.Action {
	case risk.ActionVeto:
		return oms.Order{}, fmt.Errorf("%w: %s", ErrRiskVeto, decision.Reason)
	case risk.ActionDefer:
		if !confirmed {
			return oms.Order{}, fmt.Errorf("%w: %s", ErrRiskDeferred, decision.Reason)
		}
	}

	return s.orders.Submit(ctx, sized.Request)
}

// Cancel 通过 OMS 撤单。
func (s *Service) Cancel(ctx context.Context, orderID string) error {
	return s.orders.Cancel(ctx, orderID)
}

// Positions 返回最近快照中的持仓。
func (s *Service) Positions() []broker.Position {
	return s.orders.Snapshot().Positions
}

// Account 返回最近账户快照。
func (s *Service) Account() broker.AccountSnapshot {
	return s.orders.Snapshot().Account
}

// Orders 返回全部订单。
func (s *Service) Orders() []oms.Order {
	return s.orders.Orders()
}

func (s *Service) evaluate(ctx context.Context, sized SizedOrder) (risk.Decision, error) {
	snap, err := s.freshSnapshot(ctx)
	if err != nil {
		return risk.Decision{}, err
	}

	returns, err := s.instrumentReturns(ctx, sized.Request.Instrument)
	if err != nil {
		return risk.Decision{}, err
	}

	return s.gate.Evaluate(ctx, risk.EvaluationInput{
		Order: risk.ProposedOrder{
			Instrument: sized.Request.Instrument,
			Side:       sized.Request.Side,
			Quantity:   sized.Request.Quantity,
			Price:      sized.Sizing.Price,
		},
		Positions:        snap.Positions,
		Account:          snap.Account,
		PortfolioReturns: returns,
		PeakCorrelation:  sized.Sizing.PeakCorrelation,
	})
}

func (s *Service) freshSnapshot(ctx context.Context) (*oms.Snapshot, error) {
	snap := s.orders.Snapshot()
	if snap.AsOf.IsZero() {
		if err := s.orders.Refresh(ctx); err != nil {
			return nil, err
		}
		snap = s.orders.Snapshot()
	}
	return snap, nil
}

func (s *Service) instrumentReturns(ctx context.Context, inst instrument.Instrument) ([]float64, error) {
	candles, err := s.candles.Candles(ctx, inst, s.lookback+1)
	if err != nil {
		return nil, fmt.Errorf("app: 历史K线不可得: %w", err)
	}
	return indicator.Returns(indicator.NewSeries(candles).Close), nil
}

// onFill 在订单成交后建立止损状态,ATR 取最近一次测算的值。
func (s *Service) onFill(order oms.Order) {
	s.mu.Lock()
	atr, ok := s.lastATR[order.Instrument.Symbol]
	s.mu.Unlock()
	if !ok {
		s.logger.Warn("成交缺少 ATR 输入,跳过止损创建",
			zap.String("symbol", order.Instrument.Symbol),
		)
		return
	}

	entry := order.AverageFillPrice
	if entry <= 0 {
		entry = order.LimitPrice
	}
	if entry <= 0 {
		s.logger.Warn("成交缺少有效入场价,跳过止损创建",
			zap.String("order_id", order.ID),
		)
		return
	}

	if err := s.stops.OnFill(order.Instrument, order.Side, entry, atr); err != nil {
		s.logger.Error("创建止损状态失败",
			zap.String("order_id", order.ID),
			zap.Error(err),
		)
	}
}

// UpdateStops 用解析价刷新持仓止损,返回被触发的标的。
func (s *Service) UpdateStops(ctx context.Context) []string {
	var triggered []string
	for _, pos := range s.Positions() {
		quote, err := s.resolver.Resolve(ctx, pos.Instrument)
		if err != nil {
			s.logger.Debug("止损价格解析失败",
				zap.String("symbol", pos.Instrument.Symbol),
				zap.Error(err),
			)
			continue
		}

		hit, stopPrice, err := s.stops.OnPrice(pos.Instrument.Symbol, quote.Price)
		if err != nil {
			s.logger.Warn("止损更新失败", zap.Error(err))
			continue
		}
		if hit {
			s.logger.Warn("止损触发,标的待平仓",
				zap.String("symbol", pos.Instrument.Symbol),
				zap.Float64("stop", stopPrice),
				zap.Float64("price", quote.Price),
			)
			triggered = append(triggered, pos.Instrument.Symbol)
		}
	}
	return triggered
}
