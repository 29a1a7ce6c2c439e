package risk

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"ordergate/internal/config"
	"ordergate/internal/store"
)

// Gate 负责在订单提交前执行风控评估。
// 检查按固定顺序短路:杀开关、日度回撤、全程回撤、VaR、集中度、审批模式。
type Gate struct {
	cfg     config.RiskConfig
	tracker *DailyTracker
	store   *store.Store
	logger  *zap.Logger

	killed atomic.Bool
}

// NewGate 创建风控闸门。
func NewGate(cfg config.RiskConfig, st *store.Store, logger *zap.Logger) (*Gate, error) {
	if st == nil {
		return nil, errors.New("risk: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	tracker, err := NewDailyTracker(st.DB(), cfg, logger)
	if err != nil {
		return nil, err
	}

	gate := &Gate{
		cfg:     cfg,
		tracker: tracker,
		store:   st,
		logger:  logger,
	}
	gate.killed.Store(cfg.KillSwitch)

	return gate, nil
}

// KillSwitchActive 返回杀开关当前状态。
func (g *Gate) KillSwitchActive() bool {
	return g.killed.Load()
}

// TripKillSwitch 手动拉下杀开关,之后所有订单一律否决。
func (g *Gate) TripKillSwitch(reason string) {
	g.killed.Store(true)
	g.logger.Warn("杀开关被触发", zap.String("reason", reason))
}

// Limits 返回闸门的只读限额配置,供仓位测算使用。
func (g *Gate) Limits() config.RiskConfig {
	return g.cfg
}

// Evaluate 对候选订单执行全部风控检查并落盘裁决。
func (g *Gate) Evaluate(ctx context.Context, input EvaluationInput) (Decision, error) {
	decision, err := g.evaluate(ctx, input)
	if err != nil {
		return Decision{}, err
	}

	if auditErr := g.store.Append(ctx, store.AuditRecord{
		Kind:     "risk_decision",
		Decision: string(decision.Action),
		Reason:   decision.Reason,
		Payload: map[string]interface{}{
			"symbol":   input.Order.Instrument.Symbol,
			"side":     string(input.Order.Side),
			"quantity": input.Order.Quantity,
			"price":    input.Order.Price,
			"notional": input.Order.Notional(),
		},
	}); auditErr != nil {
		return Decision{}, auditErr
	}

	g.logger.Info("风控评估完成",
		zap.String("symbol", input.Order.Instrument.Symbol),
		zap.String("action", string(decision.Action)),
		zap.String("reason", decision.Reason),
	)

	return decision, nil
}

func (g *Gate) evaluate(ctx context.Context, input EvaluationInput) (Decision, error) {
	if g.killed.Load() {
		return Decision{Action: ActionVeto, Reason: "kill_switch"}, nil
	}

	if input.Order.Quantity <= 0 || !isFinite(input.Order.Price) || input.Order.Price <= 0 {
		return Decision{Action: ActionVeto, Reason: "invalid_order_numerics"}, nil
	}

	status, err := g.tracker.Update(ctx, time.Now().UTC(), input.Account.Equity)
	if err != nil {
		return Decision{}, err
	}

	if status.DailyDrawdown > g.cfg.MaxDailyDrawdown {
		return Decision{
			Action: ActionVeto,
			Reason: fmt.Sprintf("daily_drawdown %.4f exceeds limit %.4f", status.DailyDrawdown, g.cfg.MaxDailyDrawdown),
		}, nil
	}

	if status.TotalDrawdown > g.cfg.MaxTotalDrawdown {
		// 全程回撤击穿后杀开关落闸,直到人工复位
		g.killed.Store(true)
		g.logger.Error("全程回撤击穿限额,杀开关落闸",
			zap.Float64("total_drawdown", status.TotalDrawdown),
			zap.Float64("limit", g.cfg.MaxTotalDrawdown),
		)
		return Decision{
			Action: ActionVeto,
			Reason: fmt.Sprintf("total_drawdown %.4f exceeds limit %.4f", status.TotalDrawdown, g.cfg.MaxTotalDrawdown),
		}, nil
	}

	if len(input.PortfolioReturns) > 0 {
		varValue := HistoricalVaR(input.PortfolioReturns, g.cfg.VaRLevel)
		if math.IsNaN(varValue) {
			return Decision{Action: ActionVeto, Reason: "var_unavailable"}, nil
		}
		if loss := -varValue; loss > g.cfg.MaxVaR {
			return Decision{
				Action: ActionVeto,
				Reason: fmt.Sprintf("portfolio_var %.4f exceeds limit %.4f", loss, g.cfg.MaxVaR),
			}, nil
		}
	}

	if input.Account.Equity > 0 {
		weight := g.projectedWeight(input)
		if weight > g.cfg.MaxPositionWeight {
			return Decision{
				Action: ActionVeto,
				Reason: fmt.Sprintf("position_weight %.4f exceeds limit %.4f", weight, g.cfg.MaxPositionWeight),
			}, nil
		}
	}

	if input.PeakCorrelation > g.cfg.CorrelationThreshold {
		return Decision{
			Action: ActionVeto,
			Reason: fmt.Sprintf("correlation %.4f exceeds threshold %.4f", input.PeakCorrelation, g.cfg.CorrelationThreshold),
		}, nil
	}

	switch strings.ToUpper(g.cfg.ApprovalMode) {
	case "MANUAL":
		return Decision{Action: ActionDefer, Reason: "manual approval required"}, nil
	case "SEMI":
		if input.Order.Notional() <= g.cfg.MicroSizeNotional {
			return Decision{Action: ActionApprove, Reason: "micro-size auto approval"}, nil
		}
		return Decision{Action: ActionDefer, Reason: "semi mode requires confirmation"}, nil
	default:
		return Decision{Action: ActionApprove, Reason: "all checks passed"}, nil
	}
}

// projectedWeight 计算成交后该标的占组合的权重。
func (g *Gate) projectedWeight(input EvaluationInput) float64 {
	existing := 0.0
	for _, pos := range input.Positions {
		if pos.Instrument.Symbol == input.Order.Instrument.Symbol {
			existing += float64(pos.Quantity) * pos.LastPrice
		}
	}

	notional := input.Order.Notional()
	if input.Order.Side == "SELL" {
		notional = -notional
	}

	return math.Abs(existing+notional) / input.Account.Equity
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
