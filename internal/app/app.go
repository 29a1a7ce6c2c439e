package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
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

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store
}

// New 创建 App 实例。
func New(cfg *config.Config, logger *zap.Logger, store *store.Store) *App {
	return &App{
		cfg:    cfg,
		logger: logger,
		store:  store,
	}
}

// Run 组装连接器、风控与订单管理,进入主循环直到收到退出信号。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("执行核心已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("venue", a.cfg.App.Venue),
	)

	// 行情统一走轮询型场所,执行场所按配置选择
	data := broker.NewAlpaca(a.cfg.Polling, a.logger.Named("broker"))
	if err := data.Connect(ctx, a.cfg.Polling.ConnectTimeout); err != nil {
		return fmt.Errorf("行情场所连接失败: %w", err)
	}
	defer func() { _ = data.Disconnect() }()

	var execution broker.Connector = data
	if strings.EqualFold(a.cfg.App.Venue, "session") {
		gateway := broker.NewGateway(a.cfg.Session, a.logger.Named("gateway"))
		if err := gateway.Connect(ctx, a.cfg.Session.ConnectTimeout); err != nil {
			return fmt.Errorf("执行场所连接失败: %w", err)
		}
		defer func() { _ = gateway.Disconnect() }()
		execution = gateway
	}

	manager, err := oms.NewManager(a.cfg.OMS, a.store, execution, a.logger.Named("oms"))
	if err != nil {
		return err
	}

	// 会话型场所的异步推送直接进入状态机
	if gateway, ok := execution.(*broker.Gateway); ok {
		gateway.SetStatusHandler(func(report broker.OrderStatusReport) {
			manager.ApplyReport(context.Background(), report)
		})
	}

	gate, err := risk.NewGate(a.cfg.Risk, a.store, a.logger.Named("risk"))
	if err != nil {
		return err
	}

	candles := candleSource{venue: data}
	resolver := a.priceChain(data)
	sizer := sizing.NewEngine(a.cfg.Sizing, resolver, candles, a.logger.Named("sizing"))
	stopEngine := stops.NewEngine(a.cfg.Stops, a.logger.Named("stops"))

	service := NewService(a.logger.Named("exec"), resolver, sizer, gate, stopEngine, manager,
		candles, a.cfg.Sizing.Lookback)

	if recovered, err := manager.Recover(ctx); err != nil {
		return err
	} else if recovered > 0 {
		a.logger.Info("订单恢复完成", zap.Int("count", recovered))
	}

	if err := manager.Refresh(ctx); err != nil {
		a.logger.Warn("首次快照刷新失败", zap.Error(err))
	}

	if a.cfg.Monitor.Enabled {
		if err := startMonitorServer(ctx, service, a.store, a.cfg.Monitor.Port, a.logger.Named("monitor")); err != nil {
			return err
		}
	}

	return a.loop(ctx, manager, service)
}

func (a *App) loop(ctx context.Context, manager *oms.Manager, service *Service) error {
	refresh := time.NewTicker(a.cfg.Scheduler.RefreshInterval)
	defer refresh.Stop()
	poll := time.NewTicker(a.cfg.Scheduler.StatusPollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("系统异常退出: %w", err)
			}
			a.logger.Info("系统收到退出信号,正在停止")
			return nil
		case <-refresh.C:
			if err := manager.Refresh(ctx); err != nil {
				a.logger.Warn("快照刷新失败", zap.Error(err))
				continue
			}
			if triggered := service.UpdateStops(ctx); len(triggered) > 0 {
				a.logger.Warn("止损触发待处置", zap.Strings("symbols", triggered))
			}
		case <-poll.C:
			manager.PollStatuses(ctx)
		}
	}
}

// priceChain 构造价格解析链:场所报价 → 最新成交 → 昨收。
// 外部行情增强源可通过 Append 挂到链尾。
func (a *App) priceChain(data *broker.Alpaca) *pricing.Resolver {
	quote := pricing.NewSourceFunc("venue_quote", func(ctx context.Context, inst instrument.Instrument) (float64, error) {
		t, err := data.Ticker(ctx, inst)
		if err != nil {
			return 0, err
		}
		if pricing.Valid(t.Bid) && pricing.Valid(t.Ask) {
			return (t.Bid + t.Ask) / 2, nil
		}
		return 0, pricing.ErrNoData
	})

	last := pricing.NewSourceFunc("last_trade", func(ctx context.Context, inst instrument.Instrument) (float64, error) {
		t, err := data.Ticker(ctx, inst)
		if err != nil {
			return 0, err
		}
		if pricing.Valid(t.Last) {
			return t.Last, nil
		}
		return 0, pricing.ErrNoData
	})

	prev := pricing.NewSourceFunc("previous_close", func(ctx context.Context, inst instrument.Instrument) (float64, error) {
		t, err := data.Ticker(ctx, inst)
		if err != nil {
			return 0, err
		}
		if pricing.Valid(t.PreviousClose) {
			return t.PreviousClose, nil
		}
		return 0, pricing.ErrNoData
	})

	return pricing.NewResolver(a.logger.Named("pricing"), quote, last, prev)
}

// candleSource 把行情场所适配成测算引擎需要的K线提供方。
type candleSource struct {
	venue *broker.Alpaca
}

func (c candleSource) Candles(ctx context.Context, inst instrument.Instrument, limit int) ([]broker.Candle, error) {
	return c.venue.Candles(ctx, inst, int64(limit))
}
