package broker

import (
	"context"
	"time"
)

// Connector 为场所连接器的能力接口。
// 只有 OMS 允许调用变更类方法;读取类方法可被多方共享。
type Connector interface {
	Name() string

	Connect(ctx context.Context, timeout time.Duration) error
	Disconnect() error

	SubmitOrder(ctx context.Context, req OrderRequest) (Ack, error)
	CancelOrder(ctx context.Context, brokerOrderID string) (bool, error)

	OrderStatus(ctx context.Context, brokerOrderID string) (OrderStatusReport, error)
	OpenOrders(ctx context.Context) ([]OrderStatusReport, error)
	Positions(ctx context.Context) ([]Position, error)
	Account(ctx context.Context) (AccountSnapshot, error)

	// SettleDelay 返回提交后首次读取状态前必须等待的时长。
	// 会话型场所的确认先于状态可见,零延迟读取会得到假阴性。
	SettleDelay() time.Duration
}

// ConnState 为会话型场所的连接状态机。
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	default:
		return "DISCONNECTED"
	}
}
