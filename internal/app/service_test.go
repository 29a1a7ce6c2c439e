package app

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"ordergate/internal/broker"
	"ordergate/internal/config"
	"ordergate/internal/instrument"
	"ordergate/internal/oms"
	"ordergate/internal/pricing"
	"ordergate/internal/risk"
	"ordergate/internal/sizing"
	"ordergate/internal/stops"
	"ordergate/internal/store"
)

type stubConnector struct {
	submitCalls int32
}

func (s *stubConnector) Name() string                                 { return "stub" }
func (s *stubConnector) Connect(context.Context, time.Duration) error { return nil }
func (s *stubConnector) Disconnect() error                            { return nil }
func (s *stubConnector) SettleDelay() time.Duration                   { return 0 }

func (s *stubConnector) SubmitOrder(_ context.Context, req broker.OrderRequest) (broker.Ack, error) {
	atomic.AddInt32(&s.submitCalls, 1)
	return broker.Ack{BrokerOrderID: "b-" + req.ClientOrderID, Status: broker.StatusSubmitted}, nil
}

func (s *stubConnector) CancelOrder(context.Context, string) (bool, error) { return true, nil }

func (s *stubConnector) OrderStatus(context.Context, string) (broker.OrderStatusReport, error) {
	return broker.OrderStatusReport{}, broker.ErrOrderNotFound
}

func (s *stubConnector) OpenOrders(context.Context) ([]broker.OrderStatusReport, error) {
	return nil, nil
}

func (s *stubConnector) Positions(context.Context) ([]broker.Position, error) { return nil, nil }

func (s *stubConnector) Account(context.Context) (broker.AccountSnapshot, error) {
	return broker.AccountSnapshot{Equity: 100000, Cash: 100000, AsOf: time.Now().UTC()}, nil
}

type stubCandles struct{}

func (stubCandles) Candles(_ context.Context, _ instrument.Instrument, _ int) ([]broker.Candle, error) {
	candles := make([]broker.Candle, 60)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	price := 100.0
	for i := range candles {
		price += 0.05 + 0.8*math.Sin(float64(i))
		candles[i] = broker.Candle{
			Timestamp: base.Add(time.Duration(i) * 24 * time.Hour),
			Open:      price,
			High:      price + 1,
			Low:       price - 1,
			Close:     price,
			Volume:    1000,
		}
	}
	return candles, nil
}

type serviceFixture struct {
	service   *Service
	connector *stubConnector
	stops     *stops.Engine
	manager   *oms.Manager
}

func newServiceFixture(t *testing.T, riskCfg config.RiskConfig) *serviceFixture {
	t.Helper()

	st, err := store.NewSQLite(config.DatabaseConfig{InMemory: true, MaxOpenConns: 1})
	if err != nil {
		t.Fatalf("NewSQLite() error: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	connector := &stubConnector{}
	manager, err := oms.NewManager(config.OMSConfig{
		DedupWindow:   30 * time.Second,
		CancelTimeout: time.Second,
	}, st, connector, zap.NewNop())
	if err != nil {
		t.Fatalf("NewManager() error: %v", err)
	}

	gate, err := risk.NewGate(riskCfg, st, zap.NewNop())
	if err != nil {
		t.Fatalf("NewGate() error: %v", err)
	}

	resolver := pricing.NewResolver(zap.NewNop(), pricing.NewSourceFunc("venue_quote",
		func(context.Context, instrument.Instrument) (float64, error) {
			return 100, nil
		}))

	candles := stubCandles{}
	sizer := sizing.NewEngine(config.SizingConfig{
		RiskPerTrade: 0.01,
		VaRBudget:    0.05,
		StopMultiple: 2,
		ATRPeriod:    14,
		Lookback:     40,
	}, resolver, candles, zap.NewNop())

	stopEngine := stops.NewEngine(config.StopConfig{
		ATRMultiplier:          2,
		BreakEvenThreshold:     0.05,
		ProfitTargetThreshold:  0.15,
		ProfitTargetMultiplier: 1,
	}, zap.NewNop())

	service := NewService(zap.NewNop(), resolver, sizer, gate, stopEngine, manager, candles, 40)

	return &serviceFixture{
		service:   service,
		connector: connector,
		stops:     stopEngine,
		manager:   manager,
	}
}

func semiRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		ApprovalMode:         "SEMI",
		MaxDailyDrawdown:     0.03,
		MaxTotalDrawdown:     0.12,
		MaxVaR:               0.05,
		VaRLevel:             0.05,
		MaxPositionWeight:    0.25,
		CorrelationThreshold: 0.6,
		MicroSizeNotional:    1000,
	}
}

// 端到端:1000 股意图被测算压缩,SEMI 模式先挂起,
// 确认后按同一指纹重提,连接器只收到一笔提交。
func TestPrepareConfirmExecuteFlow(t *testing.T) {
	fx := newServiceFixture(t, semiRiskConfig())
	ctx := context.Background()

	sized, err := fx.service.Prepare(ctx, "AAPL", broker.SideBuy, 1000)
	if err != nil {
		t.Fatalf("Prepare() error: %v", err)
	}
	if sized.Request.Quantity <= 0 || sized.Request.Quantity >= 1000 {
		t.Fatalf("sized quantity = %d, want reduced below 1000", sized.Request.Quantity)
	}

	decision, err := fx.service.Confirm(ctx, sized)
	if err != nil {
		t.Fatalf("Confirm() error: %v", err)
	}
	if decision.Action != risk.ActionDefer {
		t.Fatalf("decision = %s (%s), want DEFER", decision.Action, decision.Reason)
	}

	// 未经确认的执行被挂起,不触达连接器
	if _, err := fx.service.Execute(ctx, sized, false); !errors.Is(err, ErrRiskDeferred) {
		t.Fatalf("Execute(unconfirmed) error = %v, want ErrRiskDeferred", err)
	}
	if calls := atomic.LoadInt32(&fx.connector.submitCalls); calls != 0 {
		t.Fatalf("submit calls before confirmation = %d, want 0", calls)
	}

	// 确认后执行
	order, err := fx.service.Execute(ctx, sized, true)
	if err != nil {
		t.Fatalf("Execute(confirmed) error: %v", err)
	}
	if order.Status != broker.StatusSubmitted {
		t.Errorf("order status = %s, want SUBMITTED", order.Status)
	}

	// 重复执行命中指纹去重,连接器仍只有一笔提交
	again, err := fx.service.Execute(ctx, sized, true)
	if err != nil {
		t.Fatalf("Execute(repeat) error: %v", err)
	}
	if again.ID != order.ID {
		t.Errorf("repeat execution created new order %s, want %s", again.ID, order.ID)
	}
	if calls := atomic.LoadInt32(&fx.connector.submitCalls); calls != 1 {
		t.Errorf("submit calls = %d, want exactly 1", calls)
	}
}

func TestExecuteVetoedByKillSwitch(t *testing.T) {
	cfg := semiRiskConfig()
	cfg.KillSwitch = true
	fx := newServiceFixture(t, cfg)
	ctx := context.Background()

	sized, err := fx.service.Prepare(ctx, "AAPL", broker.SideBuy, 100)
	if err != nil {
		t.Fatalf("Prepare() error: %v", err)
	}

	if _, err := fx.service.Execute(ctx, sized, true); !errors.Is(err, ErrRiskVeto) {
		t.Errorf("Execute() error = %v, want ErrRiskVeto", err)
	}
	if calls := atomic.LoadInt32(&fx.connector.submitCalls); calls != 0 {
		t.Errorf("submit calls = %d, want 0", calls)
	}
}

func TestFillCreatesStopState(t *testing.T) {
	cfg := semiRiskConfig()
	cfg.ApprovalMode = "AUTO"
	fx := newServiceFixture(t, cfg)
	ctx := context.Background()

	sized, err := fx.service.Prepare(ctx, "AAPL", broker.SideBuy, 50)
	if err != nil {
		t.Fatalf("Prepare() error: %v", err)
	}

	order, err := fx.service.Execute(ctx, sized, false)
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}

	fx.manager.ApplyReport(ctx, broker.OrderStatusReport{
		BrokerOrderID:    order.BrokerOrderID,
		Status:           broker.StatusFilled,
		FilledQuantity:   order.Quantity,
		AverageFillPrice: 100.5,
	})

	state, ok := fx.stops.State("AAPL")
	if !ok {
		t.Fatal("stop state should exist after fill")
	}
	if state.EntryPrice != 100.5 {
		t.Errorf("entry = %v, want 100.5", state.EntryPrice)
	}
	if state.StopPrice >= state.EntryPrice {
		t.Errorf("initial stop %v should sit below entry %v", state.StopPrice, state.EntryPrice)
	}
}
