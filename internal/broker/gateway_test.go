package broker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"ordergate/internal/config"
	"ordergate/internal/instrument"
)

var upgrader = websocket.Upgrader{}

// fakeVenue 模拟会话型场所,按请求类型返回固定应答。
func fakeVenue(t *testing.T, handle func(conn *websocket.Conn, env wsEnvelope) *wsEnvelope) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()

		for {
			var env wsEnvelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			if env.Type == "hello" || env.Type == "ping" {
				continue
			}
			resp := handle(conn, env)
			if resp == nil {
				continue
			}
			resp.ReqID = env.ReqID
			if err := conn.WriteJSON(resp); err != nil {
				return
			}
		}
	}))
}

func gatewayConfig(url string) config.SessionVenueConfig {
	return config.SessionVenueConfig{
		URL:               strings.Replace(url, "http://", "ws://", 1),
		ClientID:          7,
		ConnectTimeout:    2 * time.Second,
		AckTimeout:        2 * time.Second,
		SettleDelay:       50 * time.Millisecond,
		HeartbeatInterval: time.Minute,
		Reconnect: config.RetryConfig{
			MaxAttempts: 2,
			MinDelay:    10 * time.Millisecond,
			MaxDelay:    50 * time.Millisecond,
		},
	}
}

func TestGatewaySubmitOrder(t *testing.T) {
	server := fakeVenue(t, func(_ *websocket.Conn, env wsEnvelope) *wsEnvelope {
		if env.Type != "submit_order" {
			t.Errorf("unexpected request type %q", env.Type)
			return &wsEnvelope{Error: "bad request"}
		}
		if env.Submit == nil || env.Submit.Symbol != "RELIANCE" {
			t.Errorf("expected venue symbol without suffix, got %+v", env.Submit)
		}
		if env.Submit.Exchange != "NSE" {
			t.Errorf("expected exchange NSE, got %q", env.Submit.Exchange)
		}
		return &wsEnvelope{
			Type:  "submit_order_result",
			OK:    true,
			Order: &wsOrderStatus{OrderID: "g-1001", Status: "PreSubmitted"},
		}
	})
	defer server.Close()

	gw := NewGateway(gatewayConfig(server.URL), zap.NewNop())
	if err := gw.Connect(context.Background(), 2*time.Second); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer gw.Disconnect()

	ack, err := gw.SubmitOrder(context.Background(), OrderRequest{
		ClientOrderID: "c-1",
		Instrument:    instrument.Parse("RELIANCE.NS"),
		Side:          SideBuy,
		Quantity:      10,
		Type:          TypeMarket,
	})
	if err != nil {
		t.Fatalf("SubmitOrder() error: %v", err)
	}
	if ack.BrokerOrderID != "g-1001" {
		t.Errorf("BrokerOrderID = %q, want g-1001", ack.BrokerOrderID)
	}
	if ack.Status != StatusPending {
		t.Errorf("ack status = %s, want PENDING", ack.Status)
	}
	if gw.SettleDelay() != 50*time.Millisecond {
		t.Errorf("SettleDelay() = %v", gw.SettleDelay())
	}
}

func TestGatewayAsyncStatusPush(t *testing.T) {
	server := fakeVenue(t, func(conn *websocket.Conn, env wsEnvelope) *wsEnvelope {
		if env.Type == "submit_order" {
			resp := &wsEnvelope{
				Type:  "submit_order_result",
				ReqID: env.ReqID,
				Order: &wsOrderStatus{OrderID: "g-2002", Status: "Submitted"},
			}
			if err := conn.WriteJSON(resp); err != nil {
				return nil
			}
			// 确认之后异步推送成交
			push := wsEnvelope{
				Type:  "order_status",
				Order: &wsOrderStatus{OrderID: "g-2002", Status: "Filled", Filled: 5, AvgFillPrice: 101.5},
			}
			_ = conn.WriteJSON(push)
			return nil
		}
		return &wsEnvelope{Error: "unexpected"}
	})
	defer server.Close()

	gw := NewGateway(gatewayConfig(server.URL), zap.NewNop())
	if err := gw.Connect(context.Background(), 2*time.Second); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer gw.Disconnect()

	pushed := make(chan OrderStatusReport, 1)
	gw.SetStatusHandler(func(report OrderStatusReport) {
		pushed <- report
	})

	if _, err := gw.SubmitOrder(context.Background(), OrderRequest{
		ClientOrderID: "c-2",
		Instrument:    instrument.Parse("AAPL"),
		Side:          SideBuy,
		Quantity:      5,
		Type:          TypeMarket,
	}); err != nil {
		t.Fatalf("SubmitOrder() error: %v", err)
	}

	select {
	case report := <-pushed:
		if report.Status != StatusFilled {
			t.Errorf("pushed status = %s, want FILLED", report.Status)
		}
		if report.FilledQuantity != 5 {
			t.Errorf("pushed filled = %d, want 5", report.FilledQuantity)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for async status push")
	}

	// 终态命中缓存,不再发起同步查询
	report, err := gw.OrderStatus(context.Background(), "g-2002")
	if err != nil {
		t.Fatalf("OrderStatus() error: %v", err)
	}
	if report.Status != StatusFilled {
		t.Errorf("cached status = %s, want FILLED", report.Status)
	}
}

// 非终态缓存不可信:成交推送可能在断线期间丢失,
// 显式查询必须回场所拿最新状态,而不是停留在提交确认上。
func TestGatewayOrderStatusRequeriesNonTerminal(t *testing.T) {
	server := fakeVenue(t, func(_ *websocket.Conn, env wsEnvelope) *wsEnvelope {
		switch env.Type {
		case "submit_order":
			return &wsEnvelope{
				Type:  "submit_order_result",
				OK:    true,
				Order: &wsOrderStatus{OrderID: "g-3003", Status: "Submitted"},
			}
		case "order_status":
			if env.OrderID != "g-3003" {
				t.Errorf("order_status for %q, want g-3003", env.OrderID)
			}
			return &wsEnvelope{
				Type:  "order_status_result",
				OK:    true,
				Order: &wsOrderStatus{OrderID: "g-3003", Status: "Filled", Filled: 10, AvgFillPrice: 99.25},
			}
		default:
			return &wsEnvelope{Error: "unexpected"}
		}
	})
	defer server.Close()

	gw := NewGateway(gatewayConfig(server.URL), zap.NewNop())
	if err := gw.Connect(context.Background(), 2*time.Second); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer gw.Disconnect()

	if _, err := gw.SubmitOrder(context.Background(), OrderRequest{
		ClientOrderID: "c-3",
		Instrument:    instrument.Parse("AAPL"),
		Side:          SideBuy,
		Quantity:      10,
		Type:          TypeMarket,
	}); err != nil {
		t.Fatalf("SubmitOrder() error: %v", err)
	}

	// 此时缓存里是提交确认的 SUBMITTED,场所侧已经成交
	report, err := gw.OrderStatus(context.Background(), "g-3003")
	if err != nil {
		t.Fatalf("OrderStatus() error: %v", err)
	}
	if report.Status != StatusFilled {
		t.Fatalf("status = %s, want FILLED from venue, not the stale cache", report.Status)
	}
	if report.FilledQuantity != 10 {
		t.Errorf("filled = %d, want 10", report.FilledQuantity)
	}
}

// 重连预算耗尽后整个会话周期终止:后台循环退出,不残留心跳。
func TestGatewayReconnectExhaustionStopsSession(t *testing.T) {
	server := fakeVenue(t, func(_ *websocket.Conn, _ wsEnvelope) *wsEnvelope {
		return nil
	})

	gw := NewGateway(gatewayConfig(server.URL), zap.NewNop())
	if err := gw.Connect(context.Background(), 2*time.Second); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	// 场所下线,读取循环进入重连并最终耗尽预算
	server.Close()

	deadline := time.After(5 * time.Second)
	for gw.State() != StateDisconnected {
		select {
		case <-deadline:
			t.Fatalf("state = %v, want disconnected after reconnect budget exhausted", gw.State())
		case <-time.After(20 * time.Millisecond):
		}
	}

	gw.mu.Lock()
	done := gw.done
	gw.mu.Unlock()
	if done != nil {
		t.Error("session done channel should be released after exhaustion")
	}

	// 再次 Disconnect 必须安全,不触发重复关闭
	if err := gw.Disconnect(); err != nil {
		t.Errorf("Disconnect() error: %v", err)
	}
}

func TestGatewayRequestWithoutConnection(t *testing.T) {
	gw := NewGateway(gatewayConfig("http://127.0.0.1:1"), zap.NewNop())

	if _, err := gw.OpenOrders(context.Background()); err != ErrNotConnected {
		t.Errorf("OpenOrders() error = %v, want ErrNotConnected", err)
	}
	if gw.State() != StateDisconnected {
		t.Errorf("State() = %v, want disconnected", gw.State())
	}
}

func TestGatewayAckTimeout(t *testing.T) {
	server := fakeVenue(t, func(_ *websocket.Conn, _ wsEnvelope) *wsEnvelope {
		return nil // 永不应答
	})
	defer server.Close()

	cfg := gatewayConfig(server.URL)
	cfg.AckTimeout = 100 * time.Millisecond

	gw := NewGateway(cfg, zap.NewNop())
	if err := gw.Connect(context.Background(), 2*time.Second); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer gw.Disconnect()

	_, err := gw.CancelOrder(context.Background(), "g-9")
	if !errors.Is(err, ErrAckTimeout) {
		t.Errorf("CancelOrder() error = %v, want ErrAckTimeout", err)
	}
}
