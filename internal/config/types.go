package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合执行核心运行所需的全部配置项。
type Config struct {
	App       AppConfig          `mapstructure:"app"`
	Polling   PollingVenueConfig `mapstructure:"polling_venue"`
	Session   SessionVenueConfig `mapstructure:"session_venue"`
	Risk      RiskConfig         `mapstructure:"risk"`
	Sizing    SizingConfig       `mapstructure:"sizing"`
	Stops     StopConfig         `mapstructure:"stops"`
	OMS       OMSConfig          `mapstructure:"oms"`
	Database  DatabaseConfig     `mapstructure:"database"`
	Logging   LoggingConfig      `mapstructure:"logging"`
	Monitor   MonitorConfig      `mapstructure:"monitor"`
	Scheduler SchedulerConfig    `mapstructure:"scheduler"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
	// Venue 指定默认下单场所:polling 或 session。
	Venue string `mapstructure:"venue"`
}

// RetryConfig 统一控制重试机制。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// PollingVenueConfig 描述轮询型场所(REST)的连接信息。
type PollingVenueConfig struct {
	APIKey         string        `mapstructure:"api_key"`
	APISecret      string        `mapstructure:"api_secret"`
	UseSandbox     bool          `mapstructure:"use_sandbox"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	Retry          RetryConfig   `mapstructure:"retry"`
}

// SessionVenueConfig 描述会话型场所(长连接网关)的参数。
type SessionVenueConfig struct {
	URL               string        `mapstructure:"url"`
	ClientID          int           `mapstructure:"client_id"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	AckTimeout        time.Duration `mapstructure:"ack_timeout"`
	SettleDelay       time.Duration `mapstructure:"settle_delay"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	Reconnect         RetryConfig   `mapstructure:"reconnect"`
}

// RiskConfig 承载风控闸门的全部限额,构造后只读。
type RiskConfig struct {
	KillSwitch           bool    `mapstructure:"kill_switch"`
	ApprovalMode         string  `mapstructure:"approval_mode"` // AUTO | SEMI | MANUAL
	MaxDailyDrawdown     float64 `mapstructure:"max_daily_drawdown"`
	MaxTotalDrawdown     float64 `mapstructure:"max_total_drawdown"`
	MaxVaR               float64 `mapstructure:"max_var"`
	VaRLevel             float64 `mapstructure:"var_level"`
	MaxPositionWeight    float64 `mapstructure:"max_position_weight"`
	CorrelationThreshold float64 `mapstructure:"correlation_threshold"`
	MicroSizeNotional    float64 `mapstructure:"micro_size_notional"`
	DailyResetHour       int     `mapstructure:"daily_reset_hour"`
}

// SizingConfig 控制仓位测算参数。
type SizingConfig struct {
	RiskPerTrade float64 `mapstructure:"risk_per_trade"`
	VaRBudget    float64 `mapstructure:"var_budget"`
	StopMultiple float64 `mapstructure:"stop_multiple"`
	ATRPeriod    int     `mapstructure:"atr_period"`
	Lookback     int     `mapstructure:"lookback"`
}

// StopConfig 控制移动止损与分批建仓。
type StopConfig struct {
	ATRMultiplier          float64 `mapstructure:"atr_multiplier"`
	BreakEvenThreshold     float64 `mapstructure:"break_even_threshold"`
	ProfitTargetThreshold  float64 `mapstructure:"profit_target_threshold"`
	ProfitTargetMultiplier float64 `mapstructure:"profit_target_multiplier"`
}

// OMSConfig 控制订单生命周期管理。
type OMSConfig struct {
	DedupWindow   time.Duration `mapstructure:"dedup_window"`
	CancelTimeout time.Duration `mapstructure:"cancel_timeout"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// MonitorConfig 控制只读监控服务。
type MonitorConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// SchedulerConfig 控制后台刷新节奏。
type SchedulerConfig struct {
	RefreshInterval    time.Duration `mapstructure:"refresh_interval"`
	StatusPollInterval time.Duration `mapstructure:"status_poll_interval"`
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	switch strings.ToLower(c.App.Venue) {
	case "polling", "session":
	default:
		err = multierr.Append(err, errors.New("app.venue 必须为 polling 或 session"))
	}
	if c.Polling.ConnectTimeout <= 0 {
		err = multierr.Append(err, errors.New("polling_venue.connect_timeout 必须大于0"))
	}
	if c.Polling.Retry.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("polling_venue.retry.max_attempts 必须大于0"))
	}
	if c.Polling.Retry.MinDelay <= 0 || c.Polling.Retry.MaxDelay <= 0 {
		err = multierr.Append(err, errors.New("polling_venue.retry.delay 必须为正"))
	}
	if c.Polling.Retry.MinDelay > c.Polling.Retry.MaxDelay {
		err = multierr.Append(err, errors.New("polling_venue.retry.min_delay 不能大于 max_delay"))
	}
	if c.Session.URL == "" {
		err = multierr.Append(err, errors.New("session_venue.url 不能为空"))
	}
	if c.Session.ConnectTimeout <= 0 {
		err = multierr.Append(err, errors.New("session_venue.connect_timeout 必须大于0"))
	}
	if c.Session.AckTimeout <= 0 {
		err = multierr.Append(err, errors.New("session_venue.ack_timeout 必须大于0"))
	}
	if c.Session.SettleDelay <= 0 {
		err = multierr.Append(err, errors.New("session_venue.settle_delay 必须大于0,会话型场所禁止零延迟读取状态"))
	}
	if c.Session.Reconnect.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("session_venue.reconnect.max_attempts 必须大于0"))
	}
	if c.Session.Reconnect.MinDelay <= 0 || c.Session.Reconnect.MaxDelay <= 0 {
		err = multierr.Append(err, errors.New("session_venue.reconnect.delay 必须为正"))
	}

	switch strings.ToUpper(c.Risk.ApprovalMode) {
	case "AUTO", "SEMI", "MANUAL":
	default:
		err = multierr.Append(err, errors.New("risk.approval_mode 必须为 AUTO、SEMI 或 MANUAL"))
	}
	if c.Risk.MaxDailyDrawdown <= 0 || c.Risk.MaxDailyDrawdown > 1 {
		err = multierr.Append(err, errors.New("risk.max_daily_drawdown 必须位于(0,1]"))
	}
	if c.Risk.MaxTotalDrawdown <= 0 || c.Risk.MaxTotalDrawdown > 1 {
		err = multierr.Append(err, errors.New("risk.max_total_drawdown 必须位于(0,1]"))
	}
	if c.Risk.MaxDailyDrawdown > c.Risk.MaxTotalDrawdown {
		err = multierr.Append(err, errors.New("risk.max_daily_drawdown 不应大于 max_total_drawdown"))
	}
	if c.Risk.MaxVaR <= 0 || c.Risk.MaxVaR > 1 {
		err = multierr.Append(err, errors.New("risk.max_var 必须位于(0,1]"))
	}
	if c.Risk.VaRLevel <= 0 || c.Risk.VaRLevel >= 0.5 {
		err = multierr.Append(err, errors.New("risk.var_level 必须位于(0,0.5)"))
	}
	if c.Risk.MaxPositionWeight <= 0 || c.Risk.MaxPositionWeight > 1 {
		err = multierr.Append(err, errors.New("risk.max_position_weight 必须位于(0,1]"))
	}
	if c.Risk.CorrelationThreshold <= 0 || c.Risk.CorrelationThreshold > 1 {
		err = multierr.Append(err, errors.New("risk.correlation_threshold 必须位于(0,1]"))
	}
	if c.Risk.MicroSizeNotional < 0 {
		err = multierr.Append(err, errors.New("risk.micro_size_notional 不能为负"))
	}
	if c.Risk.DailyResetHour < 0 || c.Risk.DailyResetHour > 23 {
		err = multierr.Append(err, errors.New("risk.daily_reset_hour 必须位于[0,23]"))
	}

	if c.Sizing.RiskPerTrade <= 0 || c.Sizing.RiskPerTrade > 1 {
		err = multierr.Append(err, errors.New("sizing.risk_per_trade 必须位于(0,1]"))
	}
	if c.Sizing.VaRBudget <= 0 || c.Sizing.VaRBudget > 1 {
		err = multierr.Append(err, errors.New("sizing.var_budget 必须位于(0,1]"))
	}
	if c.Sizing.StopMultiple <= 0 {
		err = multierr.Append(err, errors.New("sizing.stop_multiple 必须大于0"))
	}
	if c.Sizing.ATRPeriod <= 1 {
		err = multierr.Append(err, errors.New("sizing.atr_period 必须大于1"))
	}
	if c.Sizing.Lookback <= c.Sizing.ATRPeriod {
		err = multierr.Append(err, errors.New("sizing.lookback 必须大于 atr_period"))
	}

	if c.Stops.ATRMultiplier <= 0 {
		err = multierr.Append(err, errors.New("stops.atr_multiplier 必须大于0"))
	}
	if c.Stops.BreakEvenThreshold <= 0 {
		err = multierr.Append(err, errors.New("stops.break_even_threshold 必须大于0"))
	}
	if c.Stops.ProfitTargetThreshold <= c.Stops.BreakEvenThreshold {
		err = multierr.Append(err, errors.New("stops.profit_target_threshold 必须大于 break_even_threshold"))
	}
	if c.Stops.ProfitTargetMultiplier <= 0 || c.Stops.ProfitTargetMultiplier >= c.Stops.ATRMultiplier {
		err = multierr.Append(err, errors.New("stops.profit_target_multiplier 必须位于(0, atr_multiplier)"))
	}

	if c.OMS.DedupWindow <= 0 {
		err = multierr.Append(err, errors.New("oms.dedup_window 必须大于0"))
	}
	if c.OMS.CancelTimeout <= 0 {
		err = multierr.Append(err, errors.New("oms.cancel_timeout 必须大于0"))
	}

	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Database.ConnMaxLifetime < 0 {
		err = multierr.Append(err, errors.New("database.conn_max_lifetime 不能为负"))
	}

	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}

	if c.Monitor.Enabled && (c.Monitor.Port <= 0 || c.Monitor.Port > 65535) {
		err = multierr.Append(err, errors.New("monitor.port 必须位于(0,65535]"))
	}
	if c.Scheduler.RefreshInterval <= 0 {
		err = multierr.Append(err, errors.New("scheduler.refresh_interval 必须大于0"))
	}
	if c.Scheduler.StatusPollInterval <= 0 {
		err = multierr.Append(err, errors.New("scheduler.status_poll_interval 必须大于0"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}
