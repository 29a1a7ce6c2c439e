package oms

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"ordergate/internal/broker"
	"ordergate/internal/instrument"
	"ordergate/internal/store"
)

// Order 为订单领域模型,归 OMS 独占,只通过状态机迁移修改。
type Order struct {
	ID               string
	Instrument       instrument.Instrument
	Side             broker.Side
	Quantity         int64
	Type             broker.OrderType
	TimeInForce      string
	LimitPrice       float64
	StopPrice        float64
	Status           broker.Status
	BrokerOrderID    string
	FilledQuantity   int64
	AverageFillPrice float64
	RejectionReason  string
	Fingerprint      string
	Venue            string
	CreatedAt        time.Time
	UpdatedAt        time.Time

	cancelPending bool
	ackRecorded   bool
}

// SubmitRequest 为调用方提交给 OMS 的下单内容。
type SubmitRequest struct {
	Instrument  instrument.Instrument
	Side        broker.Side
	Quantity    int64
	Type        broker.OrderType
	TimeInForce string
	LimitPrice  float64
	StopPrice   float64
}

// fingerprint 对订单定义字段做内容寻址,时间桶宽度即去重窗口。
// 同一窗口内完全相同的提交得到相同指纹。
func fingerprint(req SubmitRequest, ts time.Time, window time.Duration) string {
	bucket := int64(0)
	if window > 0 {
		bucket = ts.UnixNano() / int64(window)
	}

	payload := fmt.Sprintf("%s|%s|%d|%s|%.8f|%.8f|%d",
		req.Instrument.Symbol, req.Side, req.Quantity, req.Type,
		req.LimitPrice, req.StopPrice, bucket,
	)

	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// record 转换为存储层行视图。
func (o *Order) record() store.OrderRecord {
	return store.OrderRecord{
		ID:               o.ID,
		Symbol:           o.Instrument.Symbol,
		Side:             string(o.Side),
		Quantity:         o.Quantity,
		OrderType:        string(o.Type),
		TimeInForce:      o.TimeInForce,
		LimitPrice:       o.LimitPrice,
		StopPrice:        o.StopPrice,
		Status:           string(o.Status),
		BrokerOrderID:    o.BrokerOrderID,
		FilledQuantity:   o.FilledQuantity,
		AverageFillPrice: o.AverageFillPrice,
		Fingerprint:      o.Fingerprint,
		Venue:            o.Venue,
		RejectionReason:  o.RejectionReason,
		CreatedAt:        o.CreatedAt,
		UpdatedAt:        o.UpdatedAt,
	}
}

// orderFromRecord 从存储行恢复领域模型,用于启动时恢复未完结订单。
func orderFromRecord(rec store.OrderRecord) *Order {
	status := broker.Status(rec.Status)
	return &Order{
		ID:               rec.ID,
		Instrument:       instrument.Parse(rec.Symbol),
		Side:             broker.Side(rec.Side),
		Quantity:         rec.Quantity,
		Type:             broker.OrderType(rec.OrderType),
		TimeInForce:      rec.TimeInForce,
		LimitPrice:       rec.LimitPrice,
		StopPrice:        rec.StopPrice,
		Status:           status,
		BrokerOrderID:    rec.BrokerOrderID,
		FilledQuantity:   rec.FilledQuantity,
		AverageFillPrice: rec.AverageFillPrice,
		Fingerprint:      rec.Fingerprint,
		Venue:            rec.Venue,
		RejectionReason:  rec.RejectionReason,
		CreatedAt:        rec.CreatedAt,
		UpdatedAt:        rec.UpdatedAt,
		ackRecorded:      status != broker.StatusPending,
	}
}

// statusRank 定义状态机的前进方向,终态不参与排序比较。
func statusRank(s broker.Status) int {
	switch s {
	case broker.StatusPending:
		return 0
	case broker.StatusSubmitted:
		return 1
	case broker.StatusPartiallyFilled:
		return 2
	case broker.StatusFilled:
		return 3
	default:
		return -1
	}
}
