package stops

import (
	"errors"
	"fmt"
	"math"

	"ordergate/internal/broker"
	"ordergate/internal/config"
	"ordergate/internal/instrument"
)

// Phase 为单个持仓止损状态机的阶段。
type Phase string

const (
	PhaseEntry        Phase = "ENTRY"
	PhaseTracking     Phase = "TRACKING"
	PhaseBreakEven    Phase = "BREAKEVEN_ACTIVE"
	PhaseProfitTarget Phase = "PROFIT_TARGET_ACTIVE"
	PhaseClosed       Phase = "CLOSED"
)

// ErrInvalidPrice 表示传入的价格不是有限正数。
var ErrInvalidPrice = errors.New("stops: invalid price")

// StopState 维护单个持仓的移动止损。
// 止损只收紧不放松;保本激活后多头止损不再低于入场价。
type StopState struct {
	Instrument instrument.Instrument
	Side       broker.Side
	EntryPrice float64
	ATR        float64
	Multiplier float64
	Phase      Phase
	StopPrice  float64

	cfg config.StopConfig
}

// NewStopState 在首次成交时创建止损状态。
func NewStopState(inst instrument.Instrument, side broker.Side, entry, atr float64, cfg config.StopConfig) (*StopState, error) {
	if !finitePositive(entry) {
		return nil, fmt.Errorf("%w: entry %.4f", ErrInvalidPrice, entry)
	}
	if !finitePositive(atr) {
		return nil, fmt.Errorf("stops: ATR 必须为有限正数, got %.4f", atr)
	}

	s := &StopState{
		Instrument: inst,
		Side:       side,
		EntryPrice: entry,
		ATR:        atr,
		Multiplier: cfg.ATRMultiplier,
		Phase:      PhaseEntry,
		cfg:        cfg,
	}
	s.StopPrice = s.candidateStop(entry)

	return s, nil
}

// Update 按最新价格推进状态机,返回止损是否被触发。
// 非法价格直接报错,不参与任何止损计算。
func (s *StopState) Update(price float64) (bool, error) {
	if !finitePositive(price) {
		return false, fmt.Errorf("%w: %.4f", ErrInvalidPrice, price)
	}
	if s.Phase == PhaseClosed {
		return false, nil
	}

	if s.Phase == PhaseEntry {
		s.Phase = PhaseTracking
	}

	gain := s.unrealizedGain(price)
	switch {
	case gain >= s.cfg.ProfitTargetThreshold:
		s.Phase = PhaseProfitTarget
		s.Multiplier = s.cfg.ProfitTargetMultiplier
	case gain >= s.cfg.BreakEvenThreshold && s.Phase != PhaseProfitTarget:
		s.Phase = PhaseBreakEven
	}

	// BREAKEVEN 阶段止损停靠在入场价,继续追踪要等止盈档激活后
	// 以收紧后的倍数恢复。
	var candidate float64
	switch s.Phase {
	case PhaseBreakEven:
		candidate = s.EntryPrice
	case PhaseProfitTarget:
		candidate = s.floorAtEntry(s.candidateStop(price))
	default:
		candidate = s.candidateStop(price)
	}
	s.tighten(candidate)

	if s.triggered(price) {
		s.Phase = PhaseClosed
		return true, nil
	}
	return false, nil
}

// UpdateATR 刷新波幅输入,非法值被忽略。
func (s *StopState) UpdateATR(atr float64) {
	if finitePositive(atr) {
		s.ATR = atr
	}
}

// Close 在持仓平掉时销毁状态。
func (s *StopState) Close() {
	s.Phase = PhaseClosed
}

func (s *StopState) candidateStop(price float64) float64 {
	if s.Side == broker.SideSell {
		return price + s.ATR*s.Multiplier
	}
	return price - s.ATR*s.Multiplier
}

func (s *StopState) unrealizedGain(price float64) float64 {
	if s.Side == broker.SideSell {
		return (s.EntryPrice - price) / s.EntryPrice
	}
	return (price - s.EntryPrice) / s.EntryPrice
}

func (s *StopState) floorAtEntry(candidate float64) float64 {
	if s.Side == broker.SideSell {
		return math.Min(candidate, s.EntryPrice)
	}
	return math.Max(candidate, s.EntryPrice)
}

// tighten 只允许向保护方向移动止损。
func (s *StopState) tighten(candidate float64) {
	if s.Side == broker.SideSell {
		if candidate < s.StopPrice {
			s.StopPrice = candidate
		}
		return
	}
	if candidate > s.StopPrice {
		s.StopPrice = candidate
	}
}

func (s *StopState) triggered(price float64) bool {
	if s.Side == broker.SideSell {
		return price >= s.StopPrice
	}
	return price <= s.StopPrice
}

func finitePositive(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v > 0
}
