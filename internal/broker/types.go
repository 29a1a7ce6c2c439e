package broker

import (
	"time"

	"ordergate/internal/instrument"
)

// Side 表示买卖方向。
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType 表示委托类型。
type OrderType string

const (
	TypeMarket    OrderType = "MARKET"
	TypeLimit     OrderType = "LIMIT"
	TypeStop      OrderType = "STOP"
	TypeStopLimit OrderType = "STOP_LIMIT"
)

// OrderRequest 为 OMS 下发给连接器的委托内容。
// 符号在提交前由连接器剥离市场后缀,读取时再恢复。
type OrderRequest struct {
	ClientOrderID string
	Instrument    instrument.Instrument
	Side          Side
	Quantity      int64
	Type          OrderType
	LimitPrice    float64
	StopPrice     float64
	TimeInForce   string
}

// Ack 为场所对一次提交的应答。
type Ack struct {
	BrokerOrderID string
	Status        Status
	Reason        string
	SubmittedAt   time.Time
}

// OrderStatusReport 为归一化后的订单状态汇报。
type OrderStatusReport struct {
	BrokerOrderID    string
	Status           Status
	FilledQuantity   int64
	AverageFillPrice float64
	Reason           string
	UpdatedAt        time.Time
}

// Position 为归一化后的持仓。LastPrice 可能过期,以 PriceAsOf 标注。
type Position struct {
	Instrument    instrument.Instrument
	Quantity      int64
	AverageCost   float64
	Currency      string
	LastPrice     float64
	PriceAsOf     time.Time
	UnrealizedPnL float64
}

// AccountSnapshot 为账户快照,整体替换,不做字段级修补。
type AccountSnapshot struct {
	BuyingPower    float64
	Cash           float64
	Equity         float64
	PortfolioValue float64
	AsOf           time.Time
}

// TickerQuote 为单个标的的行情快照,缺失字段以 NaN 填充。
type TickerQuote struct {
	Bid           float64
	Ask           float64
	Last          float64
	PreviousClose float64
	AsOf          time.Time
}

// Candle 代表单根K线。
type Candle struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}
