package risk

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"ordergate/internal/config"
)

// DailyTracker 维护日度与全程净值状态,回撤基于落盘数据计算,
// 进程重启后不会丢失峰值。
type DailyTracker struct {
	db     *sql.DB
	cfg    config.RiskConfig
	logger *zap.Logger
}

// NewDailyTracker 创建净值监控器并初始化表结构。
func NewDailyTracker(db *sql.DB, cfg config.RiskConfig, logger *zap.Logger) (*DailyTracker, error) {
	if db == nil {
		return nil, errors.New("risk: 数据库实例不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	tracker := &DailyTracker{
		db:     db,
		cfg:    cfg,
		logger: logger,
	}

	if err := tracker.initSchema(); err != nil {
		return nil, err
	}

	return tracker, nil
}

func (t *DailyTracker) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS risk_daily_metrics (
			trading_date TEXT PRIMARY KEY,
			start_equity REAL NOT NULL,
			current_equity REAL NOT NULL,
			peak_equity REAL NOT NULL,
			updated_at TEXT NOT NULL
		);`,
	}

	for _, stmt := range schema {
		if _, err := t.db.Exec(stmt); err != nil {
			return fmt.Errorf("risk: 初始化表结构失败: %w", err)
		}
	}

	return nil
}

// Update 根据当前净值更新当日状态,返回最新回撤指标。
func (t *DailyTracker) Update(ctx context.Context, ts time.Time, equity float64) (DailyStatus, error) {
	var result DailyStatus

	tradingDate := tradingDay(ts, t.cfg.DailyResetHour)
	now := time.Now().UTC().Format(time.RFC3339)

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("risk: 开启事务失败: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var (
		startEquity float64
		peakEquity  float64
	)

	row := tx.QueryRowContext(ctx,
		`SELECT start_equity, peak_equity FROM risk_daily_metrics WHERE trading_date = ?`, tradingDate)
	switch scanErr := row.Scan(&startEquity, &peakEquity); {
	case scanErr == nil:
		if equity > peakEquity {
			peakEquity = equity
		}
		if _, execErr := tx.ExecContext(ctx,
			`UPDATE risk_daily_metrics SET current_equity = ?, peak_equity = ?, updated_at = ? WHERE trading_date = ?`,
			equity, peakEquity, now, tradingDate,
		); execErr != nil {
			err = fmt.Errorf("risk: 更新日度净值失败: %w", execErr)
			return result, err
		}
	case errors.Is(scanErr, sql.ErrNoRows):
		startEquity = equity
		peakEquity = equity
		if _, execErr := tx.ExecContext(ctx,
			`INSERT INTO risk_daily_metrics (trading_date, start_equity, current_equity, peak_equity, updated_at)
			 VALUES (?, ?, ?, ?, ?)`,
			tradingDate, equity, equity, equity, now,
		); execErr != nil {
			err = fmt.Errorf("risk: 初始化日度净值失败: %w", execErr)
			return result, err
		}
	default:
		err = fmt.Errorf("risk: 查询日度净值失败: %w", scanErr)
		return result, err
	}

	var allTimePeak sql.NullFloat64
	if scanErr := tx.QueryRowContext(ctx,
		`SELECT MAX(peak_equity) FROM risk_daily_metrics`).Scan(&allTimePeak); scanErr != nil {
		err = fmt.Errorf("risk: 查询历史峰值失败: %w", scanErr)
		return result, err
	}

	peak := peakEquity
	if allTimePeak.Valid && allTimePeak.Float64 > peak {
		peak = allTimePeak.Float64
	}

	result = DailyStatus{
		TradingDate:   tradingDate,
		StartEquity:   startEquity,
		CurrentEquity: equity,
		PeakEquity:    peak,
	}
	if startEquity > 0 {
		result.DailyDrawdown = (startEquity - equity) / startEquity
	}
	if peak > 0 {
		result.TotalDrawdown = (peak - equity) / peak
	}

	if commitErr := tx.Commit(); commitErr != nil {
		return result, fmt.Errorf("risk: 提交事务失败: %w", commitErr)
	}

	return result, nil
}

func tradingDay(ts time.Time, resetHour int) string {
	if resetHour < 0 || resetHour > 23 {
		resetHour = 0
	}
	utc := ts.UTC()
	shifted := utc.Add(-time.Duration(resetHour) * time.Hour)
	day := time.Date(shifted.Year(), shifted.Month(), shifted.Day(), 0, 0, 0, 0, time.UTC)
	return day.Format("2006-01-02")
}
