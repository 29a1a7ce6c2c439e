package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"ordergate/internal/config"
	"ordergate/internal/instrument"
)

// gatewayStatus 归一化会话网关(TWS 风格)的状态词汇。
// Inactive 只是订单暂未激活,绝不能当作失败。
var gatewayStatus = map[string]Status{
	"PendingSubmit":   StatusPending,
	"PendingCancel":   StatusPending,
	"PreSubmitted":    StatusPending,
	"ApiPending":      StatusPending,
	"Inactive":        StatusPending,
	"Submitted":       StatusSubmitted,
	"PartiallyFilled": StatusPartiallyFilled,
	"Filled":          StatusFilled,
	"Cancelled":       StatusCancelled,
	"ApiCancelled":    StatusCancelled,
	"Rejected":        StatusRejected,
}

type wsOrderStatus struct {
	OrderID      string  `json:"order_id"`
	Status       string  `json:"status"`
	Filled       int64   `json:"filled"`
	AvgFillPrice float64 `json:"avg_fill_price"`
	Reason       string  `json:"reason,omitempty"`
}

type wsPosition struct {
	Symbol        string  `json:"symbol"`
	Exchange      string  `json:"exchange"`
	Quantity      int64   `json:"quantity"`
	AverageCost   float64 `json:"average_cost"`
	LastPrice     float64 `json:"last_price"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
}

type wsAccount struct {
	BuyingPower    float64 `json:"buying_power"`
	Cash           float64 `json:"cash"`
	Equity         float64 `json:"equity"`
	PortfolioValue float64 `json:"portfolio_value"`
}

type wsSubmit struct {
	ClientOrderID string  `json:"client_order_id"`
	Symbol        string  `json:"symbol"`
	Exchange      string  `json:"exchange"`
	Currency      string  `json:"currency"`
	Side          string  `json:"side"`
	Quantity      int64   `json:"quantity"`
	OrderType     string  `json:"order_type"`
	LimitPrice    float64 `json:"limit_price,omitempty"`
	StopPrice     float64 `json:"stop_price,omitempty"`
	TimeInForce   string  `json:"time_in_force,omitempty"`
}

type wsEnvelope struct {
	Type      string          `json:"type"`
	ReqID     string          `json:"req_id,omitempty"`
	ClientID  int             `json:"client_id,omitempty"`
	OK        bool            `json:"ok,omitempty"`
	Error     string          `json:"error,omitempty"`
	Submit    *wsSubmit       `json:"submit,omitempty"`
	CancelID  string          `json:"cancel_id,omitempty"`
	OrderID   string          `json:"order_id,omitempty"`
	Order     *wsOrderStatus  `json:"order,omitempty"`
	Orders    []wsOrderStatus `json:"orders,omitempty"`
	Positions []wsPosition    `json:"positions,omitempty"`
	Account   *wsAccount      `json:"account,omitempty"`
}

// Gateway 为会话型场所连接器:必须先建立长连接,
// 订单状态既有提交时的即时确认,也有后续异步推送。
type Gateway struct {
	cfg    config.SessionVenueConfig
	logger *zap.Logger

	state atomic.Int32

	writeMu sync.Mutex
	conn    *websocket.Conn

	mu          sync.Mutex
	pending     map[string]chan wsEnvelope
	statusCache map[string]OrderStatusReport
	onStatus    func(OrderStatusReport)
	done        chan struct{}
}

// NewGateway 构造会话型场所连接器,不会立即建连。
func NewGateway(cfg config.SessionVenueConfig, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		cfg:         cfg,
		logger:      logger,
		pending:     make(map[string]chan wsEnvelope),
		statusCache: make(map[string]OrderStatusReport),
	}
}

func (g *Gateway) Name() string { return "gateway" }

// State 返回当前连接状态。
func (g *Gateway) State() ConnState {
	return ConnState(g.state.Load())
}

// SettleDelay 会话型场所确认先于状态可见,读取前必须等待。
func (g *Gateway) SettleDelay() time.Duration {
	return g.cfg.SettleDelay
}

// SetStatusHandler 注册异步状态推送回调,由 OMS 在启动时设置。
func (g *Gateway) SetStatusHandler(fn func(OrderStatusReport)) {
	g.mu.Lock()
	g.onStatus = fn
	g.mu.Unlock()
}

// Connect 建立会话连接并启动读取与心跳循环。
func (g *Gateway) Connect(ctx context.Context, timeout time.Duration) error {
	if g.State() == StateConnected {
		return nil
	}
	g.state.Store(int32(StateConnecting))

	if err := g.dial(ctx, timeout); err != nil {
		g.state.Store(int32(StateDisconnected))
		return err
	}

	g.mu.Lock()
	g.done = make(chan struct{})
	done := g.done
	g.mu.Unlock()
	g.state.Store(int32(StateConnected))

	go g.readPump(done)
	go g.heartbeat(done)

	g.logger.Info("会话场所连接建立",
		zap.String("url", g.cfg.URL),
		zap.Int("client_id", g.cfg.ClientID),
	)
	return nil
}

// Disconnect 主动断开会话。
func (g *Gateway) Disconnect() error {
	if g.State() == StateDisconnected {
		return nil
	}
	g.state.Store(int32(StateDisconnected))
	g.closeSession()

	g.writeMu.Lock()
	conn := g.conn
	g.conn = nil
	g.writeMu.Unlock()

	g.failPending(ErrNotConnected)

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// SubmitOrder 提交委托并等待会话即时确认。
// 返回的确认只代表场所已接收,后续状态以异步推送为准。
func (g *Gateway) SubmitOrder(ctx context.Context, req OrderRequest) (Ack, error) {
	env := wsEnvelope{
		Type: "submit_order",
		Submit: &wsSubmit{
			ClientOrderID: req.ClientOrderID,
			Symbol:        req.Instrument.VenueSymbol(),
			Exchange:      req.Instrument.Exchange,
			Currency:      req.Instrument.Currency,
			Side:          string(req.Side),
			Quantity:      req.Quantity,
			OrderType:     string(req.Type),
			LimitPrice:    req.LimitPrice,
			StopPrice:     req.StopPrice,
			TimeInForce:   req.TimeInForce,
		},
	}

	resp, err := g.request(ctx, env)
	if err != nil {
		return Ack{}, err
	}
	if resp.Order == nil {
		return Ack{}, fmt.Errorf("broker: 提交应答缺少订单信息")
	}

	status := mapStatus(gatewayStatus, resp.Order.Status)
	ack := Ack{
		BrokerOrderID: resp.Order.OrderID,
		Status:        status,
		SubmittedAt:   time.Now().UTC(),
	}
	if status == StatusRejected || status == StatusCancelled {
		ack.Reason = resp.Order.Reason
		if ack.Reason == "" {
			ack.Reason = fmt.Sprintf("venue status %q", resp.Order.Status)
		}
	}

	g.cacheReport(g.convertStatus(*resp.Order))
	return ack, nil
}

// CancelOrder 请求撤单,仅在场所确认后返回 true。
func (g *Gateway) CancelOrder(ctx context.Context, brokerOrderID string) (bool, error) {
	resp, err := g.request(ctx, wsEnvelope{Type: "cancel_order", CancelID: brokerOrderID})
	if err != nil {
		return false, err
	}
	if !resp.OK {
		if resp.Error != "" {
			return false, fmt.Errorf("broker: 撤单被场所拒绝: %s", resp.Error)
		}
		return false, nil
	}
	return true, nil
}

// OrderStatus 只有终态才信任推送缓存;非终态必须回场所查询,
// 否则断线期间丢失的成交推送会让缓存永远停留在旧状态。
func (g *Gateway) OrderStatus(ctx context.Context, brokerOrderID string) (OrderStatusReport, error) {
	g.mu.Lock()
	report, ok := g.statusCache[brokerOrderID]
	g.mu.Unlock()
	if ok && report.Status.Terminal() {
		return report, nil
	}

	resp, err := g.request(ctx, wsEnvelope{Type: "order_status", OrderID: brokerOrderID})
	if err != nil {
		return OrderStatusReport{}, err
	}
	if resp.Order == nil {
		return OrderStatusReport{}, fmt.Errorf("%w: %s", ErrOrderNotFound, brokerOrderID)
	}

	converted := g.convertStatus(*resp.Order)
	g.cacheReport(converted)
	return converted, nil
}

// OpenOrders 返回全部未完结订单。
func (g *Gateway) OpenOrders(ctx context.Context) ([]OrderStatusReport, error) {
	resp, err := g.request(ctx, wsEnvelope{Type: "open_orders"})
	if err != nil {
		return nil, err
	}

	reports := make([]OrderStatusReport, 0, len(resp.Orders))
	for _, order := range resp.Orders {
		converted := g.convertStatus(order)
		g.cacheReport(converted)
		reports = append(reports, converted)
	}
	return reports, nil
}

// Positions 返回归一化持仓,符号恢复完整标识。
func (g *Gateway) Positions(ctx context.Context) ([]Position, error) {
	resp, err := g.request(ctx, wsEnvelope{Type: "positions"})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	positions := make([]Position, 0, len(resp.Positions))
	for _, pos := range resp.Positions {
		if pos.Quantity == 0 {
			continue
		}
		inst := instrument.Restore(pos.Symbol, pos.Exchange)
		positions = append(positions, Position{
			Instrument:    inst,
			Quantity:      pos.Quantity,
			AverageCost:   pos.AverageCost,
			Currency:      inst.Currency,
			LastPrice:     pos.LastPrice,
			PriceAsOf:     now,
			UnrealizedPnL: pos.UnrealizedPnL,
		})
	}
	return positions, nil
}

// Account 返回账户整体快照。
func (g *Gateway) Account(ctx context.Context) (AccountSnapshot, error) {
	resp, err := g.request(ctx, wsEnvelope{Type: "account"})
	if err != nil {
		return AccountSnapshot{}, err
	}
	if resp.Account == nil {
		return AccountSnapshot{}, fmt.Errorf("broker: 账户应答缺少数据")
	}

	return AccountSnapshot{
		BuyingPower:    resp.Account.BuyingPower,
		Cash:           resp.Account.Cash,
		Equity:         resp.Account.Equity,
		PortfolioValue: resp.Account.PortfolioValue,
		AsOf:           time.Now().UTC(),
	}, nil
}

func (g *Gateway) dial(ctx context.Context, timeout time.Duration) error {
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, g.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnectorUnavailable, err)
	}

	hello := wsEnvelope{Type: "hello", ClientID: g.cfg.ClientID}
	if err := conn.WriteJSON(hello); err != nil {
		_ = conn.Close()
		return fmt.Errorf("%w: 握手失败: %v", ErrConnectorUnavailable, err)
	}

	g.writeMu.Lock()
	g.conn = conn
	g.writeMu.Unlock()
	return nil
}

func (g *Gateway) request(ctx context.Context, env wsEnvelope) (wsEnvelope, error) {
	if g.State() != StateConnected {
		return wsEnvelope{}, ErrNotConnected
	}

	env.ReqID = uuid.NewString()
	ch := make(chan wsEnvelope, 1)

	g.mu.Lock()
	g.pending[env.ReqID] = ch
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		delete(g.pending, env.ReqID)
		g.mu.Unlock()
	}()

	if err := g.write(env); err != nil {
		return wsEnvelope{}, err
	}

	timeout := g.cfg.AckTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return wsEnvelope{}, ctx.Err()
	case <-timer.C:
		return wsEnvelope{}, fmt.Errorf("%w: %s", ErrAckTimeout, env.Type)
	case resp := <-ch:
		if resp.Error != "" && resp.Type != "submit_order_result" {
			return resp, fmt.Errorf("broker: 场所返回错误: %s", resp.Error)
		}
		return resp, nil
	}
}

func (g *Gateway) write(env wsEnvelope) error {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	if g.conn == nil {
		return ErrNotConnected
	}
	return g.conn.WriteJSON(env)
}

func (g *Gateway) readPump(done chan struct{}) {
	for {
		g.writeMu.Lock()
		conn := g.conn
		g.writeMu.Unlock()
		if conn == nil {
			return
		}

		var env wsEnvelope
		if err := conn.ReadJSON(&env); err != nil {
			select {
			case <-done:
				return
			default:
			}
			g.logger.Warn("会话读取中断,进入重连", zap.Error(err))
			g.reconnect(done)
			return
		}

		switch {
		case env.ReqID != "":
			g.mu.Lock()
			ch, ok := g.pending[env.ReqID]
			g.mu.Unlock()
			if ok {
				ch <- env
			}
		case env.Type == "order_status" && env.Order != nil:
			report := g.convertStatus(*env.Order)
			g.cacheReport(report)
			g.mu.Lock()
			handler := g.onStatus
			g.mu.Unlock()
			if handler != nil {
				handler(report)
			}
		case env.Type == "pong":
			// 心跳应答,无需处理
		default:
			g.logger.Debug("忽略未识别的推送", zap.String("type", env.Type))
		}
	}
}

// reconnect 在读取中断后按退避策略重建会话,绝不无限挂起。
// 旧连接先释放,重连预算耗尽时同时终止心跳循环。
func (g *Gateway) reconnect(done chan struct{}) {
	g.state.Store(int32(StateReconnecting))
	g.failPending(ErrNotConnected)

	g.writeMu.Lock()
	if g.conn != nil {
		_ = g.conn.Close()
		g.conn = nil
	}
	g.writeMu.Unlock()

	delay := g.cfg.Reconnect.MinDelay
	if delay <= 0 {
		delay = time.Second
	}
	maxDelay := g.cfg.Reconnect.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}

	for attempt := 1; attempt <= g.cfg.Reconnect.MaxAttempts; attempt++ {
		select {
		case <-done:
			return
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), g.cfg.ConnectTimeout)
		err := g.dial(ctx, g.cfg.ConnectTimeout)
		cancel()

		if err == nil {
			g.state.Store(int32(StateConnected))
			g.logger.Info("会话重连成功", zap.Int("attempt", attempt))
			go g.readPump(done)
			return
		}

		g.logger.Warn("会话重连失败",
			zap.Int("attempt", attempt),
			zap.Duration("next_wait", delay),
			zap.Error(err),
		)

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}

	g.state.Store(int32(StateDisconnected))
	g.closeSession()
	g.logger.Error("会话重连预算耗尽,连接器标记为不可用",
		zap.Int("max_attempts", g.cfg.Reconnect.MaxAttempts),
	)
}

// closeSession 终止当前会话周期的后台循环,可安全重复调用。
func (g *Gateway) closeSession() {
	g.mu.Lock()
	if g.done != nil {
		close(g.done)
		g.done = nil
	}
	g.mu.Unlock()
}

func (g *Gateway) heartbeat(done chan struct{}) {
	interval := g.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if g.State() != StateConnected {
				continue
			}
			if err := g.write(wsEnvelope{Type: "ping"}); err != nil && !errors.Is(err, ErrNotConnected) {
				g.logger.Debug("心跳发送失败", zap.Error(err))
			}
		}
	}
}

func (g *Gateway) convertStatus(raw wsOrderStatus) OrderStatusReport {
	return OrderStatusReport{
		BrokerOrderID:    raw.OrderID,
		Status:           mapStatus(gatewayStatus, raw.Status),
		FilledQuantity:   raw.Filled,
		AverageFillPrice: raw.AvgFillPrice,
		Reason:           raw.Reason,
		UpdatedAt:        time.Now().UTC(),
	}
}

func (g *Gateway) cacheReport(report OrderStatusReport) {
	g.mu.Lock()
	g.statusCache[report.BrokerOrderID] = report
	g.mu.Unlock()
}

func (g *Gateway) failPending(err error) {
	g.mu.Lock()
	for reqID, ch := range g.pending {
		select {
		case ch <- wsEnvelope{Error: err.Error()}:
		default:
		}
		delete(g.pending, reqID)
	}
	g.mu.Unlock()
}
