package broker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"ordergate/internal/config"
	"ordergate/internal/instrument"
)

// alpacaStatus 将场所原生状态归一化。
// 只有显式的撤单/拒单字符串才映射到终态负值,
// 其余挂起类或未识别状态一律 PENDING。
var alpacaStatus = map[string]Status{
	"new":                  StatusPending,
	"pending_new":          StatusPending,
	"accepted":             StatusSubmitted,
	"accepted_for_bidding": StatusSubmitted,
	"replaced":             StatusSubmitted,
	"pending_cancel":       StatusPending,
	"pending_replace":      StatusPending,
	"partially_filled":     StatusPartiallyFilled,
	"filled":               StatusFilled,
	"done_for_day":         StatusFilled,
	"canceled":             StatusCancelled,
	"expired":              StatusCancelled,
	"stopped":              StatusCancelled,
	"rejected":             StatusRejected,
}

// Alpaca 为轮询型场所连接器:每次调用无状态,凭证认证,同步应答。
type Alpaca struct {
	cfg      config.PollingVenueConfig
	logger   *zap.Logger
	exchange *ccxt.Alpaca

	marketsMu     sync.Mutex
	marketsLoaded atomic.Bool
}

// NewAlpaca 构造轮询型场所连接器。
func NewAlpaca(cfg config.PollingVenueConfig, logger *zap.Logger) *Alpaca {
	if logger == nil {
		logger = zap.NewNop()
	}

	userConfig := map[string]interface{}{
		"enableRateLimit": true,
	}
	if cfg.APIKey != "" {
		userConfig["apiKey"] = cfg.APIKey
	}
	if cfg.APISecret != "" {
		userConfig["secret"] = cfg.APISecret
	}

	ex := ccxt.NewAlpaca(userConfig)
	if cfg.UseSandbox {
		ex.SetSandboxMode(true)
	}

	return &Alpaca{
		cfg:      cfg,
		logger:   logger,
		exchange: ex,
	}
}

func (a *Alpaca) Name() string { return "alpaca" }

// Connect 对轮询型场所仅做一次可达性探测。
func (a *Alpaca) Connect(ctx context.Context, timeout time.Duration) error {
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return a.ensureMarketsLoaded(probeCtx)
}

func (a *Alpaca) Disconnect() error { return nil }

// SettleDelay 轮询型场所的应答即终局,无需等待。
func (a *Alpaca) SettleDelay() time.Duration { return 0 }

// SubmitOrder 提交委托并返回归一化应答。
func (a *Alpaca) SubmitOrder(ctx context.Context, req OrderRequest) (Ack, error) {
	symbol := req.Instrument.VenueSymbol()
	side := strings.ToLower(string(req.Side))
	qty := float64(req.Quantity)

	params := map[string]interface{}{}
	if req.ClientOrderID != "" {
		params["client_order_id"] = req.ClientOrderID
	}
	if req.TimeInForce != "" {
		params["timeInForce"] = strings.ToLower(req.TimeInForce)
	}

	var raw ccxt.Order
	err := a.callWithRetry(ctx, "submit_order", func() error {
		if err := a.ensureMarketsLoaded(ctx); err != nil {
			return err
		}

		var callErr error
		switch req.Type {
		case TypeMarket:
			raw, callErr = a.exchange.CreateMarketOrder(symbol, side, qty,
				ccxt.WithCreateMarketOrderParams(params))
		case TypeLimit:
			raw, callErr = a.exchange.CreateLimitOrder(symbol, side, qty, req.LimitPrice,
				ccxt.WithCreateLimitOrderParams(params))
		case TypeStop:
			params["stopPrice"] = req.StopPrice
			raw, callErr = a.exchange.CreateOrder(symbol, "stop", side, qty,
				ccxt.WithCreateOrderParams(params))
		case TypeStopLimit:
			params["stopPrice"] = req.StopPrice
			raw, callErr = a.exchange.CreateOrder(symbol, "stop_limit", side, qty,
				ccxt.WithCreateOrderPrice(req.LimitPrice),
				ccxt.WithCreateOrderParams(params))
		default:
			return fmt.Errorf("broker: 不支持的委托类型 %s", req.Type)
		}
		return callErr
	})
	if err != nil {
		return Ack{}, err
	}

	status := mapStatus(alpacaStatus, strings.ToLower(derefString(raw.Status)))
	ack := Ack{
		BrokerOrderID: derefString(raw.Id),
		Status:        status,
		SubmittedAt:   time.Now().UTC(),
	}
	if status == StatusRejected {
		ack.Reason = fmt.Sprintf("venue status %q", derefString(raw.Status))
	}

	return ack, nil
}

// CancelOrder 请求撤单,仅在场所确认后返回 true。
func (a *Alpaca) CancelOrder(ctx context.Context, brokerOrderID string) (bool, error) {
	err := a.callWithRetry(ctx, "cancel_order", func() error {
		_, callErr := a.exchange.CancelOrder(brokerOrderID)
		return callErr
	})
	if err != nil {
		var ccxtErr *ccxt.Error
		if errors.As(err, &ccxtErr) && ccxtErr.Type == ccxt.OrderNotFoundErrType {
			return false, fmt.Errorf("%w: %s", ErrOrderNotFound, brokerOrderID)
		}
		return false, err
	}
	return true, nil
}

// CancelAllOrders 撤掉指定标的的全部未完结订单,返回确认撤销的数量。
// 单笔失败不中断,最后以合并错误返回。
func (a *Alpaca) CancelAllOrders(ctx context.Context, inst instrument.Instrument) (int, error) {
	var raw []ccxt.Order
	err := a.callWithRetry(ctx, "fetch_open_orders", func() error {
		if err := a.ensureMarketsLoaded(ctx); err != nil {
			return err
		}
		var callErr error
		raw, callErr = a.exchange.FetchOpenOrders(
			ccxt.WithFetchOpenOrdersSymbol(inst.VenueSymbol()),
		)
		return callErr
	})
	if err != nil {
		return 0, err
	}

	var (
		cancelled int
		errs      error
	)
	for _, order := range raw {
		id := derefString(order.Id)
		if id == "" {
			continue
		}
		ok, cancelErr := a.CancelOrder(ctx, id)
		if cancelErr != nil && !errors.Is(cancelErr, ErrOrderNotFound) {
			errs = multierr.Append(errs, cancelErr)
			continue
		}
		if ok {
			cancelled++
		}
	}

	return cancelled, errs
}

// OrderStatus 拉取单个订单的最新状态。
func (a *Alpaca) OrderStatus(ctx context.Context, brokerOrderID string) (OrderStatusReport, error) {
	var raw ccxt.Order
	err := a.callWithRetry(ctx, "fetch_order", func() error {
		var callErr error
		raw, callErr = a.exchange.FetchOrder(brokerOrderID)
		return callErr
	})
	if err != nil {
		var ccxtErr *ccxt.Error
		if errors.As(err, &ccxtErr) && ccxtErr.Type == ccxt.OrderNotFoundErrType {
			return OrderStatusReport{}, fmt.Errorf("%w: %s", ErrOrderNotFound, brokerOrderID)
		}
		return OrderStatusReport{}, err
	}

	return a.convertOrder(raw), nil
}

// OpenOrders 返回全部未完结订单。
func (a *Alpaca) OpenOrders(ctx context.Context) ([]OrderStatusReport, error) {
	var raw []ccxt.Order
	err := a.callWithRetry(ctx, "fetch_open_orders", func() error {
		var callErr error
		raw, callErr = a.exchange.FetchOpenOrders()
		return callErr
	})
	if err != nil {
		return nil, err
	}

	reports := make([]OrderStatusReport, 0, len(raw))
	for _, order := range raw {
		reports = append(reports, a.convertOrder(order))
	}
	return reports, nil
}

// Positions 返回归一化持仓,符号在读取路径上恢复完整标识。
func (a *Alpaca) Positions(ctx context.Context) ([]Position, error) {
	var raw []ccxt.Position
	err := a.callWithRetry(ctx, "fetch_positions", func() error {
		var callErr error
		raw, callErr = a.exchange.FetchPositions()
		return callErr
	})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	positions := make([]Position, 0, len(raw))
	for _, pos := range raw {
		qty := int64(derefFloat(pos.Contracts))
		if qty == 0 {
			continue
		}
		inst := instrument.Restore(derefString(pos.Symbol), "SMART")
		positions = append(positions, Position{
			Instrument:    inst,
			Quantity:      qty,
			AverageCost:   derefFloat(pos.EntryPrice),
			Currency:      inst.Currency,
			LastPrice:     derefFloat(pos.MarkPrice),
			PriceAsOf:     now,
			UnrealizedPnL: derefFloat(pos.UnrealizedPnl),
		})
	}

	return positions, nil
}

// Account 返回账户整体快照。
func (a *Alpaca) Account(ctx context.Context) (AccountSnapshot, error) {
	var raw ccxt.Balances
	err := a.callWithRetry(ctx, "fetch_balance", func() error {
		var callErr error
		raw, callErr = a.exchange.FetchBalance()
		return callErr
	})
	if err != nil {
		return AccountSnapshot{}, err
	}

	snapshot := AccountSnapshot{AsOf: time.Now().UTC()}
	if raw.Info != nil {
		snapshot.BuyingPower = parseNumeric(raw.Info["buying_power"])
		snapshot.Cash = parseNumeric(raw.Info["cash"])
		snapshot.Equity = parseNumeric(raw.Info["equity"])
		snapshot.PortfolioValue = parseNumeric(raw.Info["portfolio_value"])
	}
	if snapshot.Cash == 0 && raw.Free != nil {
		if free, ok := raw.Free["USD"]; ok && free != nil {
			snapshot.Cash = *free
		}
	}
	if snapshot.Equity == 0 && raw.Total != nil {
		if total, ok := raw.Total["USD"]; ok && total != nil {
			snapshot.Equity = *total
		}
	}

	return snapshot, nil
}

// Ticker 返回行情快照,供价格解析链使用。
func (a *Alpaca) Ticker(ctx context.Context, inst instrument.Instrument) (TickerQuote, error) {
	var raw ccxt.Ticker
	err := a.callWithRetry(ctx, "fetch_ticker", func() error {
		if err := a.ensureMarketsLoaded(ctx); err != nil {
			return err
		}
		var callErr error
		raw, callErr = a.exchange.FetchTicker(inst.VenueSymbol())
		return callErr
	})
	if err != nil {
		return TickerQuote{}, err
	}

	quote := TickerQuote{
		Bid:           derefFloatNaN(raw.Bid),
		Ask:           derefFloatNaN(raw.Ask),
		Last:          derefFloatNaN(raw.Last),
		PreviousClose: derefFloatNaN(raw.Close),
		AsOf:          time.Now().UTC(),
	}
	if raw.Timestamp != nil {
		quote.AsOf = time.UnixMilli(int64(*raw.Timestamp)).UTC()
	}

	return quote, nil
}

// Candles 拉取日线K线,供波动率与 ATR 计算。
func (a *Alpaca) Candles(ctx context.Context, inst instrument.Instrument, limit int64) ([]Candle, error) {
	if limit <= 0 {
		limit = 1
	}

	var raw []ccxt.OHLCV
	err := a.callWithRetry(ctx, "fetch_ohlcv", func() error {
		if err := a.ensureMarketsLoaded(ctx); err != nil {
			return err
		}
		var callErr error
		raw, callErr = a.exchange.FetchOHLCV(inst.VenueSymbol(),
			ccxt.WithFetchOHLCVTimeframe("1d"),
			ccxt.WithFetchOHLCVLimit(limit),
		)
		return callErr
	})
	if err != nil {
		return nil, err
	}

	candles := make([]Candle, 0, len(raw))
	for _, item := range raw {
		candles = append(candles, Candle{
			Timestamp: time.UnixMilli(item.Timestamp).UTC(),
			Open:      item.Open,
			High:      item.High,
			Low:       item.Low,
			Close:     item.Close,
			Volume:    item.Volume,
		})
	}

	return candles, nil
}

func (a *Alpaca) convertOrder(raw ccxt.Order) OrderStatusReport {
	report := OrderStatusReport{
		BrokerOrderID:    derefString(raw.Id),
		Status:           mapStatus(alpacaStatus, strings.ToLower(derefString(raw.Status))),
		FilledQuantity:   int64(derefFloat(raw.Filled)),
		AverageFillPrice: derefFloat(raw.Average),
		UpdatedAt:        time.Now().UTC(),
	}
	if raw.Timestamp != nil {
		report.UpdatedAt = time.UnixMilli(int64(*raw.Timestamp)).UTC()
	}
	return report
}

func (a *Alpaca) ensureMarketsLoaded(ctx context.Context) error {
	if a.marketsLoaded.Load() {
		return nil
	}

	a.marketsMu.Lock()
	defer a.marketsMu.Unlock()

	if a.marketsLoaded.Load() {
		return nil
	}

	loadErr := a.callWithRetry(ctx, "load_markets", func() error {
		_, err := a.exchange.LoadMarkets()
		return err
	})
	if loadErr != nil {
		return loadErr
	}

	a.marketsLoaded.Store(true)
	a.logger.Info("场所市场元数据加载完成")
	return nil
}

func (a *Alpaca) callWithRetry(ctx context.Context, operation string, fn func() error) error {
	attempt := 0
	delay := a.cfg.Retry.MinDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	maxDelay := a.cfg.Retry.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		attempt++
		start := time.Now()
		err := fn()
		duration := time.Since(start)
		if err == nil {
			if attempt > 1 {
				a.logger.Info("场所调用重试后成功",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
					zap.Duration("latency", duration),
				)
			}
			return nil
		}

		normalizedErr, retry := a.classifyError(err)

		if errors.Is(normalizedErr, ErrMaintenance) {
			a.logger.Warn("场所维护中",
				zap.String("operation", operation),
				zap.Error(normalizedErr),
			)
			return normalizedErr
		}

		if !retry || attempt >= a.cfg.Retry.MaxAttempts {
			a.logger.Error("场所调用失败",
				zap.String("operation", operation),
				zap.Int("attempts", attempt),
				zap.Duration("latency", duration),
				zap.Error(normalizedErr),
			)
			if retry {
				return fmt.Errorf("%w: %s: %v", ErrConnectorUnavailable, operation, normalizedErr)
			}
			return normalizedErr
		}

		wait := delay
		if wait > maxDelay {
			wait = maxDelay
		}

		a.logger.Warn("场所调用失败,等待重试",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(normalizedErr),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

func (a *Alpaca) classifyError(err error) (error, bool) {
	if err == nil {
		return nil, false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err, false
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		if ccxtErr.Type == ccxt.OnMaintenanceErrType {
			message := strings.TrimSpace(ccxtErr.Message)
			if message == "" {
				message = "venue under maintenance"
			}
			return fmt.Errorf("%w: %s", ErrMaintenance, message), false
		}
	}

	return err, IsRetryable(err)
}

func derefFloat(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func derefFloatNaN(v *float64) float64 {
	if v == nil {
		return math.NaN()
	}
	return *v
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func parseNumeric(value interface{}) float64 {
	switch v := value.(type) {
	case nil:
		return 0
	case float64:
		return v
	case *float64:
		if v != nil {
			return *v
		}
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return 0
		}
		var f float64
		if _, err := fmt.Sscanf(s, "%f", &f); err == nil {
			return f
		}
	}
	return 0
}
