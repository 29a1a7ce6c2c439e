package config

import (
	"errors"
	"fmt"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "ordergate"
)

// Load 读取配置文件并结合环境变量返回 Config。
func Load(path string) (*Config, error) {
	v := viper.New()

	if path == "" {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.venue", "polling")

	v.SetDefault("polling_venue.use_sandbox", true)
	v.SetDefault("polling_venue.connect_timeout", "10s")
	v.SetDefault("polling_venue.retry.max_attempts", 5)
	v.SetDefault("polling_venue.retry.min_delay", "500ms")
	v.SetDefault("polling_venue.retry.max_delay", "5s")

	v.SetDefault("session_venue.url", "ws://127.0.0.1:4002/session")
	v.SetDefault("session_venue.client_id", 0)
	v.SetDefault("session_venue.connect_timeout", "5s")
	v.SetDefault("session_venue.ack_timeout", "5s")
	v.SetDefault("session_venue.settle_delay", "1s")
	v.SetDefault("session_venue.heartbeat_interval", "15s")
	v.SetDefault("session_venue.reconnect.max_attempts", 5)
	v.SetDefault("session_venue.reconnect.min_delay", "1s")
	v.SetDefault("session_venue.reconnect.max_delay", "30s")

	v.SetDefault("risk.kill_switch", false)
	v.SetDefault("risk.approval_mode", "SEMI")
	v.SetDefault("risk.max_daily_drawdown", 0.03)
	v.SetDefault("risk.max_total_drawdown", 0.12)
	v.SetDefault("risk.max_var", 0.05)
	v.SetDefault("risk.var_level", 0.05)
	v.SetDefault("risk.max_position_weight", 0.15)
	v.SetDefault("risk.correlation_threshold", 0.60)
	v.SetDefault("risk.micro_size_notional", 1000.0)
	v.SetDefault("risk.daily_reset_hour", 0)

	v.SetDefault("sizing.risk_per_trade", 0.01)
	v.SetDefault("sizing.var_budget", 0.02)
	v.SetDefault("sizing.stop_multiple", 2.0)
	v.SetDefault("sizing.atr_period", 14)
	v.SetDefault("sizing.lookback", 120)

	v.SetDefault("stops.atr_multiplier", 2.0)
	v.SetDefault("stops.break_even_threshold", 0.05)
	v.SetDefault("stops.profit_target_threshold", 0.10)
	v.SetDefault("stops.profit_target_multiplier", 1.0)

	v.SetDefault("oms.dedup_window", "30s")
	v.SetDefault("oms.cancel_timeout", "10s")

	v.SetDefault("database.path", "data/ordergate.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})

	v.SetDefault("monitor.enabled", true)
	v.SetDefault("monitor.port", 8787)

	v.SetDefault("scheduler.refresh_interval", "30s")
	v.SetDefault("scheduler.status_poll_interval", "5s")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
