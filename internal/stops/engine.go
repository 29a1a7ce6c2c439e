package stops

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"ordergate/internal/broker"
	"ordergate/internal/config"
	"ordergate/internal/instrument"
)

// Engine 按标的管理止损状态与分批计划。
// 状态在首次成交时创建,持仓平掉时销毁。
type Engine struct {
	cfg    config.StopConfig
	logger *zap.Logger

	mu     sync.Mutex
	states map[string]*StopState
	plans  map[string]*TrenchPlan
}

// NewEngine 创建止损引擎。
func NewEngine(cfg config.StopConfig, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:    cfg,
		logger: logger,
		states: make(map[string]*StopState),
		plans:  make(map[string]*TrenchPlan),
	}
}

// OnFill 在首次成交时建立止损状态,重复成交只刷新 ATR。
func (e *Engine) OnFill(inst instrument.Instrument, side broker.Side, entryPrice, atr float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if existing, ok := e.states[inst.Symbol]; ok && existing.Phase != PhaseClosed {
		existing.UpdateATR(atr)
		return nil
	}

	state, err := NewStopState(inst, side, entryPrice, atr, e.cfg)
	if err != nil {
		return err
	}
	e.states[inst.Symbol] = state

	e.logger.Info("创建止损状态",
		zap.String("symbol", inst.Symbol),
		zap.String("side", string(side)),
		zap.Float64("entry", entryPrice),
		zap.Float64("initial_stop", state.StopPrice),
	)
	return nil
}

// OnPrice 推送最新价格,返回止损是否被触发及当前止损价。
func (e *Engine) OnPrice(symbol string, price float64) (bool, float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	state, ok := e.states[symbol]
	if !ok {
		return false, 0, nil
	}

	hit, err := state.Update(price)
	if err != nil {
		return false, state.StopPrice, fmt.Errorf("stops: %s 价格更新失败: %w", symbol, err)
	}

	if hit {
		e.logger.Warn("止损触发",
			zap.String("symbol", symbol),
			zap.Float64("price", price),
			zap.Float64("stop", state.StopPrice),
		)
		delete(e.states, symbol)
	}
	return hit, state.StopPrice, nil
}

// OnClose 在持仓平掉时销毁止损状态与分批计划。
func (e *Engine) OnClose(symbol string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if state, ok := e.states[symbol]; ok {
		state.Close()
		delete(e.states, symbol)
	}
	if plan, ok := e.plans[symbol]; ok {
		plan.Cancel()
		delete(e.plans, symbol)
	}
}

// State 返回指定标的的止损状态快照。
func (e *Engine) State(symbol string) (StopState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	state, ok := e.states[symbol]
	if !ok {
		return StopState{}, false
	}
	return *state, true
}

// CreateTrenchPlan 为标的建立分批建仓计划,同一标的同时只允许一份。
func (e *Engine) CreateTrenchPlan(inst instrument.Instrument, side broker.Side, avgPrice float64,
	baseQty int64, atr float64, multipliers, qtyWeights []float64) (*TrenchPlan, error) {

	e.mu.Lock()
	defer e.mu.Unlock()

	if existing, ok := e.plans[inst.Symbol]; ok && !existing.Exhausted() {
		return nil, fmt.Errorf("stops: %s 已存在未完成的分批计划", inst.Symbol)
	}

	plan, err := NewTrenchPlan(inst, side, avgPrice, baseQty, atr, multipliers, qtyWeights)
	if err != nil {
		return nil, err
	}
	e.plans[inst.Symbol] = plan

	return plan, nil
}

// Plan 返回指定标的的分批计划,已耗尽的计划会被顺手清掉。
func (e *Engine) Plan(symbol string) (*TrenchPlan, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	plan, ok := e.plans[symbol]
	if !ok {
		return nil, false
	}
	if plan.Exhausted() {
		delete(e.plans, symbol)
		return nil, false
	}
	return plan, true
}
