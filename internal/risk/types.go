package risk

import (
	"ordergate/internal/broker"
	"ordergate/internal/instrument"
)

// Action 为风控闸门的三种裁决。
type Action string

const (
	ActionApprove Action = "APPROVE"
	ActionDefer   Action = "DEFER"
	ActionVeto    Action = "VETO"
)

// Decision 为一次评估的结果。DEFER 不是失败,
// 调用方应持有订单等待外部确认后按原指纹重新提交。
type Decision struct {
	Action Action
	Reason string
}

// ProposedOrder 为提交评估的候选订单。
type ProposedOrder struct {
	Instrument instrument.Instrument
	Side       broker.Side
	Quantity   int64
	Price      float64
}

// Notional 返回订单名义金额。
func (p ProposedOrder) Notional() float64 {
	return float64(p.Quantity) * p.Price
}

// EvaluationInput 汇总一次评估所需的全部输入,评估期间只读。
type EvaluationInput struct {
	Order     ProposedOrder
	Positions []broker.Position
	Account   broker.AccountSnapshot
	// PortfolioReturns 为加入候选订单后组合的历史收益率序列,
	// 为空时跳过 VaR 检查。
	PortfolioReturns []float64
	// PeakCorrelation 为候选标的与现有集中持仓的最大相关性,
	// 无持仓时传 0。
	PeakCorrelation float64
}

// DailyStatus 为日度与全程回撤的最新状态。
type DailyStatus struct {
	TradingDate   string
	StartEquity   float64
	CurrentEquity float64
	PeakEquity    float64
	DailyDrawdown float64
	TotalDrawdown float64
}
