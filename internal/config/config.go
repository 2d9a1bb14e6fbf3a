package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"perp-executor/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Logging    logging.Config   `mapstructure:"logging"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Ethereum   EthereumConfig   `mapstructure:"ethereum"`
	Oracle     OracleConfig     `mapstructure:"oracle"`
	Fees       FeeConfig        `mapstructure:"fees"`
	Executor   ExecutorConfig   `mapstructure:"executor"`
	Reconciler ReconcilerConfig `mapstructure:"reconciler"`
	Trading    TradingConfig    `mapstructure:"trading"`
	Alerting   AlertingConfig   `mapstructure:"alerting"`
	Export     ExportConfig     `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig covers the distributed lock backend.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	LockTTL  time.Duration `mapstructure:"lock_ttl"`
	LockWait time.Duration `mapstructure:"lock_wait"`
}

// EthereumConfig covers chain access and signing.
type EthereumConfig struct {
	RPCURL         string        `mapstructure:"rpc_url"`
	ChainID        int64         `mapstructure:"chain_id"`
	PrivateKey     string        `mapstructure:"private_key"`
	RouterAddress  string        `mapstructure:"router_address"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// OracleConfig parameterises the dual-source price facade.
type OracleConfig struct {
	Primary         string          `mapstructure:"primary"`
	Secondary       string          `mapstructure:"secondary"`
	MaxAgeSeconds   int             `mapstructure:"max_age_seconds"`
	MaxDeviationBps int64           `mapstructure:"max_deviation_bps"`
	Pyth            PythConfig      `mapstructure:"pyth"`
	Chainlink       ChainlinkConfig `mapstructure:"chainlink"`
}

// PythConfig captures pull-oracle HTTP connectivity.
type PythConfig struct {
	BaseURL        string            `mapstructure:"base_url"`
	RequestTimeout time.Duration     `mapstructure:"request_timeout"`
	UserAgent      string            `mapstructure:"user_agent"`
	Feeds          map[string]string `mapstructure:"feeds"`
}

// ChainlinkConfig captures on-chain aggregator reads.
type ChainlinkConfig struct {
	Aggregators    map[string]string `mapstructure:"aggregators"`
	RequestTimeout time.Duration     `mapstructure:"request_timeout"`
}

// FeeConfig governs EIP-1559 fee quoting and replace-by-fee escalation.
type FeeConfig struct {
	MaxFeePerGasGwei         int64   `mapstructure:"max_fee_per_gas_gwei"`
	MaxPriorityFeePerGasGwei int64   `mapstructure:"max_priority_fee_per_gas_gwei"`
	BumpMultiplier           float64 `mapstructure:"bump_multiplier"`
	GasBufferPct             int     `mapstructure:"gas_buffer_pct"`
}

// ExecutorConfig governs the transaction state machine.
type ExecutorConfig struct {
	MaxAttempts      int           `mapstructure:"max_attempts"`
	BroadcastRetries int           `mapstructure:"broadcast_retries"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	PollTimeout      time.Duration `mapstructure:"poll_timeout"`
	FinalPollTimeout time.Duration `mapstructure:"final_poll_timeout"`
	Confirmations    uint64        `mapstructure:"confirmations"`
	IntentLockWait   time.Duration `mapstructure:"intent_lock_wait"`
}

// ReconcilerConfig drives the out-of-band receipt sweep.
type ReconcilerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToInterval bool          `mapstructure:"align_to_interval"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	BatchSize       int           `mapstructure:"batch_size"`
}

// TradingConfig bounds position sizing.
type TradingConfig struct {
	MinPositionUSD float64 `mapstructure:"min_position_usd"`
	MaxLeverage    int     `mapstructure:"max_leverage"`
	SlippageBps    int64   `mapstructure:"slippage_bps"`
}

// AlertingConfig defines operational alert routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Channels []string       `mapstructure:"channels"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes Telegram delivery parameters.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PERPEXEC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "perpexec")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.lock_ttl", "30s")
	v.SetDefault("redis.lock_wait", "10s")

	v.SetDefault("ethereum.chain_id", int64(42161))
	v.SetDefault("ethereum.request_timeout", "10s")

	v.SetDefault("oracle.primary", "pyth")
	v.SetDefault("oracle.secondary", "chainlink")
	v.SetDefault("oracle.max_age_seconds", 30)
	v.SetDefault("oracle.max_deviation_bps", int64(50))
	v.SetDefault("oracle.pyth.base_url", "https://hermes.pyth.network")
	v.SetDefault("oracle.pyth.request_timeout", "5s")
	v.SetDefault("oracle.pyth.user_agent", "perpexec/1.0")
	v.SetDefault("oracle.chainlink.request_timeout", "10s")

	v.SetDefault("fees.max_fee_per_gas_gwei", int64(300))
	v.SetDefault("fees.max_priority_fee_per_gas_gwei", int64(5))
	v.SetDefault("fees.bump_multiplier", 1.25)
	v.SetDefault("fees.gas_buffer_pct", 20)

	v.SetDefault("executor.max_attempts", 3)
	v.SetDefault("executor.broadcast_retries", 2)
	v.SetDefault("executor.poll_interval", "2s")
	v.SetDefault("executor.poll_timeout", "45s")
	v.SetDefault("executor.final_poll_timeout", "3m")
	v.SetDefault("executor.confirmations", uint64(1))
	v.SetDefault("executor.intent_lock_wait", "30s")

	v.SetDefault("reconciler.interval", "1m")
	v.SetDefault("reconciler.align_to_interval", true)
	v.SetDefault("reconciler.advisory_lock_key", int64(0x70657870))
	v.SetDefault("reconciler.startup_delay", "5s")
	v.SetDefault("reconciler.batch_size", 100)

	v.SetDefault("trading.min_position_usd", 10.0)
	v.SetDefault("trading.max_leverage", 50)
	v.SetDefault("trading.slippage_bps", int64(30))

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 100000)
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

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Oracle.MaxAgeSeconds <= 0 {
		return fmt.Errorf("oracle.max_age_seconds must be greater than zero")
	}
	if c.Oracle.MaxDeviationBps <= 0 {
		return fmt.Errorf("oracle.max_deviation_bps must be greater than zero")
	}
	if c.Oracle.Primary == "" {
		return fmt.Errorf("oracle.primary must be configured")
	}
	if c.Oracle.Secondary != "" && c.Oracle.Secondary == c.Oracle.Primary {
		return fmt.Errorf("oracle.secondary must differ from oracle.primary")
	}
	if c.Fees.BumpMultiplier <= 1.0 {
		return fmt.Errorf("fees.bump_multiplier must be greater than 1")
	}
	if c.Fees.MaxFeePerGasGwei <= 0 {
		return fmt.Errorf("fees.max_fee_per_gas_gwei must be greater than zero")
	}
	if c.Executor.MaxAttempts <= 0 {
		return fmt.Errorf("executor.max_attempts must be greater than zero")
	}
	if c.Executor.PollTimeout <= 0 || c.Executor.FinalPollTimeout <= 0 {
		return fmt.Errorf("executor poll timeouts must be greater than zero")
	}
	if c.Reconciler.Interval <= 0 {
		return fmt.Errorf("reconciler.interval must be greater than zero")
	}
	if c.Trading.MaxLeverage <= 0 {
		return fmt.Errorf("trading.max_leverage must be greater than zero")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token must be configured")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id must be configured")
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
