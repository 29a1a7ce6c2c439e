package broker

import (
	"errors"
	"net"

	ccxt "github.com/ccxt/ccxt/go/v4"
)

var (
	// ErrConnectorUnavailable 表示重试预算耗尽后场所仍不可达。
	ErrConnectorUnavailable = errors.New("broker: connector unavailable")
	// ErrNotConnected 表示会话型场所尚未建立连接。
	ErrNotConnected = errors.New("broker: session not connected")
	// ErrMaintenance 表示场所处于维护状态,上层应跳过交易。
	ErrMaintenance = errors.New("broker: venue on maintenance")
	// ErrOrderNotFound 表示场所查不到指定订单。
	ErrOrderNotFound = errors.New("broker: order not found")
	// ErrAckTimeout 表示在限定时间内未等到场所应答。
	ErrAckTimeout = errors.New("broker: ack wait timed out")
)

// IsRetryable 判断错误是否可按退避策略重试。
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		switch ccxtErr.Type {
		case ccxt.NetworkErrorErrType,
			ccxt.RequestTimeoutErrType,
			ccxt.ExchangeNotAvailableErrType,
			ccxt.RateLimitExceededErrType,
			ccxt.DDoSProtectionErrType,
			ccxt.BadResponseErrType,
			ccxt.NullResponseErrType:
			return true
		default:
			return false
		}
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
