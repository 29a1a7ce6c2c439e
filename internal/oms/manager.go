package oms

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ordergate/internal/broker"
	"ordergate/internal/config"
	"ordergate/internal/store"
)

var (
	// ErrUnknownOrder 表示 OMS 不认识该订单。
	ErrUnknownOrder = errors.New("oms: unknown order")
	// ErrTerminalOrder 表示订单已处于终态,不接受进一步操作。
	ErrTerminalOrder = errors.New("oms: order already terminal")
	// ErrCancelUnconfirmed 表示撤单在限时内未得到场所确认,
	// 订单进入未知状态,需要人工对账,绝不默认视为已撤。
	ErrCancelUnconfirmed = errors.New("oms: cancel unconfirmed, requires reconciliation")
)

// Snapshot 为账户与持仓的一致性快照,整体替换,并发读取安全。
type Snapshot struct {
	Account   broker.AccountSnapshot
	Positions []broker.Position
	AsOf      time.Time
}

// Manager 独占订单生命周期:去重、状态机、持久化与恢复。
// 连接器的全部修改型调用只允许从这里发起。
type Manager struct {
	cfg       config.OMSConfig
	store     *store.Store
	connector broker.Connector
	logger    *zap.Logger

	mu            sync.Mutex
	orders        map[string]*Order
	byFingerprint map[string]*Order
	byBrokerID    map[string]*Order

	snapshot atomic.Value // *Snapshot

	fillHandler func(Order)
}

// NewManager 创建订单管理器。
func NewManager(cfg config.OMSConfig, st *store.Store, connector broker.Connector, logger *zap.Logger) (*Manager, error) {
	if st == nil {
		return nil, errors.New("oms: store 不能为空")
	}
	if connector == nil {
		return nil, errors.New("oms: connector 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Manager{
		cfg:           cfg,
		store:         st,
		connector:     connector,
		logger:        logger,
		orders:        make(map[string]*Order),
		byFingerprint: make(map[string]*Order),
		byBrokerID:    make(map[string]*Order),
	}
	m.snapshot.Store(&Snapshot{})

	return m, nil
}

// SetFillHandler 注册成交回调,止损引擎在此接入。
func (m *Manager) SetFillHandler(fn func(Order)) {
	m.mu.Lock()
	m.fillHandler = fn
	m.mu.Unlock()
}

// Recover 启动时从存储恢复全部未完结订单。
func (m *Manager) Recover(ctx context.Context) (int, error) {
	records, err := m.store.LoadOpenOrders(ctx)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	for _, rec := range records {
		order := orderFromRecord(rec)
		m.orders[order.ID] = order
		m.byFingerprint[order.Fingerprint] = order
		if order.BrokerOrderID != "" {
			m.byBrokerID[order.BrokerOrderID] = order
		}
	}
	m.mu.Unlock()

	if len(records) > 0 {
		m.logger.Info("恢复未完结订单", zap.Int("count", len(records)))
	}
	return len(records), nil
}

// Submit 为唯一下单入口,提交是幂等的:
// 去重窗口内相同指纹的重复提交直接返回已存在的订单。
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (Order, error) {
	if req.Quantity <= 0 {
		return Order{}, fmt.Errorf("oms: 数量必须为正, got %d", req.Quantity)
	}

	now := time.Now().UTC()
	fp := fingerprint(req, now, m.cfg.DedupWindow)

	// 时间桶边界上的重复提交落在上一个桶里,两个桶都要查
	prevFp := fingerprint(req, now.Add(-m.cfg.DedupWindow), m.cfg.DedupWindow)

	m.mu.Lock()
	for _, candidate := range []string{fp, prevFp} {
		if existing, ok := m.byFingerprint[candidate]; ok && now.Sub(existing.CreatedAt) <= m.cfg.DedupWindow {
			snapshot := *existing
			m.mu.Unlock()
			m.logger.Info("命中去重窗口,返回已有订单",
				zap.String("order_id", snapshot.ID),
				zap.String("fingerprint", candidate),
			)
			return snapshot, nil
		}
	}

	order := &Order{
		ID:          uuid.NewString(),
		Instrument:  req.Instrument,
		Side:        req.Side,
		Quantity:    req.Quantity,
		Type:        req.Type,
		TimeInForce: req.TimeInForce,
		LimitPrice:  req.LimitPrice,
		StopPrice:   req.StopPrice,
		Status:      broker.StatusPending,
		Fingerprint: fp,
		Venue:       m.connector.Name(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.orders[order.ID] = order
	m.byFingerprint[fp] = order
	m.mu.Unlock()

	if err := m.persist(ctx, order, "order_created", ""); err != nil {
		return Order{}, err
	}

	ack, err := m.connector.SubmitOrder(ctx, broker.OrderRequest{
		ClientOrderID: order.ID,
		Instrument:    req.Instrument,
		Side:          req.Side,
		Quantity:      req.Quantity,
		Type:          req.Type,
		LimitPrice:    req.LimitPrice,
		StopPrice:     req.StopPrice,
		TimeInForce:   req.TimeInForce,
	})
	if err != nil {
		m.logger.Error("订单提交失败,保持 PENDING 等待处置",
			zap.String("order_id", order.ID),
			zap.Error(err),
		)
		return m.copyOf(order), fmt.Errorf("oms: 提交订单失败: %w", err)
	}

	m.mu.Lock()
	order.BrokerOrderID = ack.BrokerOrderID
	if ack.BrokerOrderID != "" {
		m.byBrokerID[ack.BrokerOrderID] = order
	}
	m.mu.Unlock()

	switch ack.Status {
	case broker.StatusRejected:
		m.transition(ctx, order, broker.StatusRejected, 0, 0, ack.Reason)
	case broker.StatusCancelled:
		m.transition(ctx, order, broker.StatusCancelled, 0, 0, ack.Reason)
	default:
		// 确认即视为 SUBMITTED,后续成交由状态汇报推进
		m.transition(ctx, order, broker.StatusSubmitted, 0, 0, "")
	}

	// 会话型场所的确认先于状态可见,等待落定后再读一次
	if delay := m.connector.SettleDelay(); delay > 0 && !m.copyOf(order).Status.Terminal() {
		if err := m.settle(ctx, order, delay); err != nil {
			m.logger.Warn("落定后的状态读取失败",
				zap.String("order_id", order.ID),
				zap.Error(err),
			)
		}
	}

	return m.copyOf(order), nil
}

func (m *Manager) settle(ctx context.Context, order *Order, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	report, err := m.connector.OrderStatus(ctx, order.BrokerOrderID)
	if err != nil {
		return err
	}
	m.ApplyReport(ctx, report)
	return nil
}

// Cancel 请求撤单。撤单同样经过去重:已有未决撤单时不重复下发。
// 场所限时未确认时返回 ErrCancelUnconfirmed,订单状态保持不变。
func (m *Manager) Cancel(ctx context.Context, orderID string) error {
	m.mu.Lock()
	order, ok := m.orders[orderID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownOrder, orderID)
	}
	if order.Status.Terminal() {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrTerminalOrder, orderID, order.Status)
	}
	if order.cancelPending {
		m.mu.Unlock()
		return nil
	}
	order.cancelPending = true
	brokerID := order.BrokerOrderID
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		order.cancelPending = false
		m.mu.Unlock()
	}()

	cancelCtx, cancel := context.WithTimeout(ctx, m.cfg.CancelTimeout)
	defer cancel()

	confirmed, err := m.connector.CancelOrder(cancelCtx, brokerID)
	if err != nil || !confirmed {
		if auditErr := m.store.Append(ctx, store.AuditRecord{
			Kind:     "cancel_unconfirmed",
			OrderID:  orderID,
			Decision: "RECONCILE",
			Reason:   fmt.Sprintf("cancel not confirmed: %v", err),
		}); auditErr != nil {
			m.logger.Error("撤单审计写入失败", zap.Error(auditErr))
		}
		return fmt.Errorf("%w: %s", ErrCancelUnconfirmed, orderID)
	}

	m.transition(ctx, order, broker.StatusCancelled, 0, 0, "cancel confirmed")
	return nil
}

// ApplyReport 将场所状态汇报套用到状态机上,按观察顺序处理。
func (m *Manager) ApplyReport(ctx context.Context, report broker.OrderStatusReport) {
	m.mu.Lock()
	order, ok := m.byBrokerID[report.BrokerOrderID]
	m.mu.Unlock()
	if !ok {
		m.logger.Debug("收到未知订单的状态汇报", zap.String("broker_order_id", report.BrokerOrderID))
		return
	}

	m.transition(ctx, order, report.Status, report.FilledQuantity, report.AverageFillPrice, report.Reason)
}

// transition 为唯一写路径:校验迁移合法性、落盘、触发回调。
// 非法迁移视为数据完整性异常,记录后忽略,绝不盲目套用。
func (m *Manager) transition(ctx context.Context, order *Order, next broker.Status,
	filled int64, avgPrice float64, reason string) {

	m.mu.Lock()
	current := order.Status

	if anomaly := transitionAnomaly(order, next); anomaly != "" {
		m.mu.Unlock()
		m.logger.Warn("状态迁移被拒绝",
			zap.String("order_id", order.ID),
			zap.String("from", string(current)),
			zap.String("to", string(next)),
			zap.String("anomaly", anomaly),
		)
		if err := m.store.Append(ctx, store.AuditRecord{
			Kind:     "integrity_anomaly",
			OrderID:  order.ID,
			Decision: "IGNORED",
			Reason:   anomaly,
			Payload: map[string]string{
				"from": string(current),
				"to":   string(next),
			},
		}); err != nil {
			m.logger.Error("异常审计写入失败", zap.Error(err))
		}
		return
	}

	if current == next && filled == order.FilledQuantity {
		m.mu.Unlock()
		return
	}

	order.Status = next
	if filled > order.FilledQuantity {
		order.FilledQuantity = filled
	}
	if avgPrice > 0 {
		order.AverageFillPrice = avgPrice
	}
	if next == broker.StatusRejected || next == broker.StatusCancelled {
		order.RejectionReason = reason
	}
	if next == broker.StatusSubmitted {
		order.ackRecorded = true
	}
	order.UpdatedAt = time.Now().UTC()

	snapshot := *order
	handler := m.fillHandler
	m.mu.Unlock()

	if err := m.persist(ctx, order, "order_transition",
		fmt.Sprintf("%s -> %s", current, next)); err != nil {
		m.logger.Error("订单落盘失败", zap.String("order_id", order.ID), zap.Error(err))
	}

	m.logger.Info("订单状态迁移",
		zap.String("order_id", order.ID),
		zap.String("from", string(current)),
		zap.String("to", string(next)),
		zap.Int64("filled", snapshot.FilledQuantity),
	)

	if next == broker.StatusFilled && handler != nil {
		handler(snapshot)
	}
}

// transitionAnomaly 返回非空说明迁移违反状态机约束。
func transitionAnomaly(order *Order, next broker.Status) string {
	current := order.Status

	if current.Terminal() && current != next {
		return "terminal state cannot move"
	}

	switch next {
	case broker.StatusFilled, broker.StatusPartiallyFilled:
		if !order.ackRecorded {
			return "fill reported before acknowledgment recorded"
		}
	case broker.StatusCancelled:
		if current == broker.StatusPending {
			return "cancel confirmation without acknowledgment"
		}
	case broker.StatusPending:
		if current != broker.StatusPending {
			return "cannot move back to pending"
		}
	}

	currentRank := statusRank(current)
	nextRank := statusRank(next)
	if currentRank >= 0 && nextRank >= 0 && nextRank < currentRank {
		return "backward transition"
	}

	return ""
}

func (m *Manager) persist(ctx context.Context, order *Order, kind, reason string) error {
	m.mu.Lock()
	rec := order.record()
	m.mu.Unlock()

	if err := m.store.SaveOrder(ctx, rec); err != nil {
		return err
	}
	return m.store.Append(ctx, store.AuditRecord{
		Kind:     kind,
		OrderID:  order.ID,
		Decision: rec.Status,
		Reason:   reason,
	})
}

// PollStatuses 拉取所有未完结订单的最新状态并套用。
func (m *Manager) PollStatuses(ctx context.Context) {
	m.mu.Lock()
	pending := make([]*Order, 0, len(m.orders))
	for _, order := range m.orders {
		if !order.Status.Terminal() && order.BrokerOrderID != "" {
			pending = append(pending, order)
		}
	}
	m.mu.Unlock()

	for _, order := range pending {
		report, err := m.connector.OrderStatus(ctx, order.BrokerOrderID)
		if err != nil {
			if !errors.Is(err, broker.ErrOrderNotFound) {
				m.logger.Warn("查询订单状态失败",
					zap.String("order_id", order.ID),
					zap.Error(err),
				)
			}
			continue
		}
		m.ApplyReport(ctx, report)
	}
}

// Refresh 并发拉取账户与持仓,整体替换快照。
func (m *Manager) Refresh(ctx context.Context) error {
	var (
		account   broker.AccountSnapshot
		positions []broker.Position
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		account, err = m.connector.Account(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		positions, err = m.connector.Positions(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("oms: 刷新快照失败: %w", err)
	}

	m.snapshot.Store(&Snapshot{
		Account:   account,
		Positions: positions,
		AsOf:      time.Now().UTC(),
	})
	return nil
}

// Snapshot 返回最近一次刷新得到的快照,读取方不会看到半成品。
func (m *Manager) Snapshot() *Snapshot {
	return m.snapshot.Load().(*Snapshot)
}

// Orders 返回全部订单的副本。
func (m *Manager) Orders() []Order {
	m.mu.Lock()
	defer m.mu.Unlock()

	orders := make([]Order, 0, len(m.orders))
	for _, order := range m.orders {
		orders = append(orders, *order)
	}
	return orders
}

// Order 按 id 查询订单。
func (m *Manager) Order(id string) (Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.orders[id]
	if !ok {
		return Order{}, fmt.Errorf("%w: %s", ErrUnknownOrder, id)
	}
	return *order, nil
}

func (m *Manager) copyOf(order *Order) Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *order
}
