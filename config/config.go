package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Config struct {
	BinanceConfig      BinanceConfig      `json:"binance" yaml:"binance"`
	TradingConfig      TradingConfig      `json:"trading" yaml:"trading"`
	SignalConfig       SignalConfig       `json:"signal" yaml:"signal"`
	IndicatorConfig    IndicatorConfig    `json:"indicators" yaml:"indicators"`
	RiskConfig         RiskConfig         `json:"risk" yaml:"risk"`
	RetryConfig        RetryConfig        `json:"retry" yaml:"retry"`
	SnapshotConfig     SnapshotConfig     `json:"snapshot" yaml:"snapshot"`
	LoggingConfig      LoggingConfig      `json:"logging" yaml:"logging"`
	ServerConfig       ServerConfig       `json:"server" yaml:"server"`
	AuthConfig         AuthConfig         `json:"auth" yaml:"auth"`
	VaultConfig        VaultConfig        `json:"vault" yaml:"vault"`
	RedisConfig        RedisConfig        `json:"redis" yaml:"redis"`
	DatabaseConfig     DatabaseConfig     `json:"database" yaml:"database"`
	KafkaConfig        KafkaConfig        `json:"kafka" yaml:"kafka"`
	NotificationConfig NotificationConfig `json:"notification" yaml:"notification"`
}

type BinanceConfig struct {
	APIKey    string `json:"api_key" yaml:"api_key"`
	SecretKey string `json:"secret_key" yaml:"secret_key"`
	BaseURL   string `json:"base_url" yaml:"base_url" default:"https://api.binance.com" validate:"required,url"`
	StreamURL string `json:"stream_url" yaml:"stream_url" default:"wss://stream.binance.com:9443/ws"`
	TestNet   bool   `json:"testnet" yaml:"testnet"`
	PaperMode bool   `json:"paper_mode" yaml:"paper_mode"` // Fill orders locally against the live price
	UseStream bool   `json:"use_stream" yaml:"use_stream"` // Read current price from the trade stream
	TimeoutMs int    `json:"timeout_ms" yaml:"timeout_ms" default:"10000" validate:"gte=100"`
}

type TradingConfig struct {
	Symbol             string  `json:"symbol" yaml:"symbol" default:"BTCUSDT" validate:"required"`
	BaseAsset          string  `json:"base_asset" yaml:"base_asset" default:"BTC" validate:"required"`
	Interval           string  `json:"interval" yaml:"interval" default:"5m" validate:"oneof=1m 3m 5m 15m 30m 1h 4h 1d"`
	WindowSize         int     `json:"window_size" yaml:"window_size" default:"120" validate:"gte=10,lte=1000"`
	OrderSize          float64 `json:"order_size" yaml:"order_size" default:"0.001" validate:"gt=0"`
	TickIntervalSecs   int     `json:"tick_interval_secs" yaml:"tick_interval_secs" default:"30" validate:"gte=1"`
	HaltBackoffSecs    int     `json:"halt_backoff_secs" yaml:"halt_backoff_secs" default:"300" validate:"gte=1"`
	OrderTimeoutSecs   int     `json:"order_timeout_secs" yaml:"order_timeout_secs" default:"600" validate:"gte=0"`
	LedgerLookbackDays int     `json:"ledger_lookback_days" yaml:"ledger_lookback_days" default:"30" validate:"gte=1"`
	DryRun             bool    `json:"dry_run" yaml:"dry_run"` // Evaluate and log, never submit orders
}

// SignalConfig controls the convergence rules. Thresholds are placeholders
// meant to be tuned per market.
type SignalConfig struct {
	EntryQuorum         int               `json:"entry_quorum" yaml:"entry_quorum" default:"7" validate:"gte=1"`
	EntryLookbackTicks  int               `json:"entry_lookback_ticks" yaml:"entry_lookback_ticks" default:"1" validate:"gte=1"`
	MinDivergence       int               `json:"min_divergence" yaml:"min_divergence" default:"3" validate:"gte=1"`
	TrendingDelaySecs   int               `json:"trending_delay_secs" yaml:"trending_delay_secs" default:"60" validate:"gte=0"`
	RangingDelaySecs    int               `json:"ranging_delay_secs" yaml:"ranging_delay_secs" default:"300" validate:"gte=0"`
	MomentumLookback    int               `json:"momentum_lookback" yaml:"momentum_lookback" default:"14" validate:"gte=1"`
	TrendingThresholdPc float64           `json:"trending_threshold_pct" yaml:"trending_threshold_pct" default:"1.5" validate:"gte=0"`
	DivergenceMaxAgeSec int               `json:"divergence_max_age_secs" yaml:"divergence_max_age_secs" validate:"gte=0"` // 0 disables expiry
	EntryIndicators     []string          `json:"entry_indicators" yaml:"entry_indicators" validate:"required,min=1,dive,required"`
	ExitIndicators      []string          `json:"exit_indicators" yaml:"exit_indicators" validate:"required,min=1,dive,required"`
	ExitBuckets         map[string]string `json:"exit_buckets" yaml:"exit_buckets"`
	SupportIndicator    string            `json:"support_indicator" yaml:"support_indicator" default:"support_hold"` // Trigger price reported as entry support
}

// SetDefaults implements defaults.Setter.
func (s *SignalConfig) SetDefaults() {
	if len(s.EntryIndicators) == 0 {
		s.EntryIndicators = []string{
			"sma_cross_up", "bollinger_lower_reclaim", "rsi_oversold_exit", "macd_histogram_up",
			"higher_low", "volume_surge_up", "support_hold", "stochastic_cross_up",
		}
	}
	if len(s.ExitIndicators) == 0 {
		s.ExitIndicators = []string{
			"rsi_overbought", "bollinger_upper_reject", "stochastic_cross_down", "sma_cross_down",
			"macd_histogram_down", "lower_high", "ema_trend_break", "volume_climax",
		}
	}
	if s.ExitBuckets == nil {
		s.ExitBuckets = map[string]string{
			"rsi_overbought":         "fast",
			"bollinger_upper_reject": "fast",
			"stochastic_cross_down":  "fast",
			"sma_cross_down":         "medium",
			"macd_histogram_down":    "medium",
			"lower_high":             "slow",
			"ema_trend_break":        "slow",
			"volume_climax":          "volume",
		}
	}
}

// IndicatorConfig holds the structural constants the indicator bank reads.
type IndicatorConfig struct {
	SMAFast          int     `json:"sma_fast" yaml:"sma_fast" default:"9" validate:"gte=2"`
	SMASlow          int     `json:"sma_slow" yaml:"sma_slow" default:"21" validate:"gtfield=SMAFast"`
	EMATrend         int     `json:"ema_trend" yaml:"ema_trend" default:"50" validate:"gte=2"`
	BollingerPeriod  int     `json:"bollinger_period" yaml:"bollinger_period" default:"20" validate:"gte=2"`
	BollingerStdDev  float64 `json:"bollinger_stddev" yaml:"bollinger_stddev" default:"2" validate:"gt=0"`
	RSIPeriod        int     `json:"rsi_period" yaml:"rsi_period" default:"14" validate:"gte=2"`
	RSIOversold      float64 `json:"rsi_oversold" yaml:"rsi_oversold" default:"30" validate:"gt=0,lt=100"`
	RSIOverbought    float64 `json:"rsi_overbought" yaml:"rsi_overbought" default:"70" validate:"gtfield=RSIOversold,lt=100"`
	MACDFast         int     `json:"macd_fast" yaml:"macd_fast" default:"12" validate:"gte=2"`
	MACDSlow         int     `json:"macd_slow" yaml:"macd_slow" default:"26" validate:"gtfield=MACDFast"`
	MACDSignal       int     `json:"macd_signal" yaml:"macd_signal" default:"9" validate:"gte=2"`
	StochK           int     `json:"stoch_k" yaml:"stoch_k" default:"14" validate:"gte=2"`
	StochD           int     `json:"stoch_d" yaml:"stoch_d" default:"3" validate:"gte=1"`
	SwingLookback    int     `json:"swing_lookback" yaml:"swing_lookback" default:"10" validate:"gte=2"`
	SupportLookback  int     `json:"support_lookback" yaml:"support_lookback" default:"30" validate:"gte=2"`
	SupportTolerance float64 `json:"support_tolerance_pct" yaml:"support_tolerance_pct" default:"0.5" validate:"gte=0"`
	VolumePeriod     int     `json:"volume_period" yaml:"volume_period" default:"20" validate:"gte=2"`
	VolumeMultiplier float64 `json:"volume_multiplier" yaml:"volume_multiplier" default:"1.8" validate:"gt=1"`
}

type RiskConfig struct {
	MinPrice             float64 `json:"min_price" yaml:"min_price" default:"0.10" validate:"gte=0"`
	MaxSpikePercent      float64 `json:"max_spike_percent" yaml:"max_spike_percent" default:"100" validate:"gt=0"`
	MaxConsecutiveErrors int     `json:"max_consecutive_errors" yaml:"max_consecutive_errors" default:"5" validate:"gte=1"`
}

type RetryConfig struct {
	MaxRetries      int   `json:"max_retries" yaml:"max_retries" default:"3" validate:"gte=0"`
	BackoffDelaysMs []int `json:"backoff_delays_ms" yaml:"backoff_delays_ms" default:"[500,2000,5000]"`
}

type SnapshotConfig struct {
	Backend  string `json:"backend" yaml:"backend" default:"file" validate:"oneof=file redis"`
	Path     string `json:"path" yaml:"path" default:"data/recovery.json"`
	RedisKey string `json:"redis_key" yaml:"redis_key" default:"convergence:recovery"`
}

type LoggingConfig struct {
	Level       string `json:"level" yaml:"level" default:"INFO"`     // DEBUG, INFO, WARN, ERROR
	Output      string `json:"output" yaml:"output" default:"stdout"` // stdout, stderr, or file path
	JSONFormat  bool   `json:"json_format" yaml:"json_format"`        // Output as JSON
	IncludeFile bool   `json:"include_file" yaml:"include_file"`      // Include file and line number
}

type ServerConfig struct {
	Enabled         bool   `json:"enabled" yaml:"enabled"`
	Port            int    `json:"port" yaml:"port" default:"8090" validate:"gte=1,lte=65535"`
	Host            string `json:"host" yaml:"host" default:"0.0.0.0"`
	AllowedOrigins  string `json:"allowed_origins" yaml:"allowed_origins" default:"*"`
	ReadTimeout     int    `json:"read_timeout" yaml:"read_timeout" default:"30"`         // Seconds
	WriteTimeout    int    `json:"write_timeout" yaml:"write_timeout" default:"30"`       // Seconds
	ShutdownTimeout int    `json:"shutdown_timeout" yaml:"shutdown_timeout" default:"10"` // Seconds
	ProductionMode  bool   `json:"production_mode" yaml:"production_mode"`
}

type AuthConfig struct {
	Enabled         bool   `json:"enabled" yaml:"enabled"`
	JWTSecret       string `json:"jwt_secret" yaml:"jwt_secret" validate:"required_if=Enabled true"`
	TokenTTLMinutes int    `json:"token_ttl_minutes" yaml:"token_ttl_minutes" default:"60" validate:"gte=1"`
}

type VaultConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	Address    string `json:"address" yaml:"address" default:"http://localhost:8200"`
	Token      string `json:"token" yaml:"token"`
	MountPath  string `json:"mount_path" yaml:"mount_path" default:"secret"`                // KV secrets engine mount path
	SecretPath string `json:"secret_path" yaml:"secret_path" default:"convergence/binance"` // Path of the exchange credentials
	TLSEnabled bool   `json:"tls_enabled" yaml:"tls_enabled"`
	CACert     string `json:"ca_cert" yaml:"ca_cert"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Address  string `json:"address" yaml:"address" default:"localhost:6379"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	PoolSize int    `json:"pool_size" yaml:"pool_size" default:"10"`
}

type DatabaseConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Host     string `json:"host" yaml:"host" default:"localhost"`
	Port     int    `json:"port" yaml:"port" default:"5432"`
	User     string `json:"user" yaml:"user" default:"trader"`
	Password string `json:"password" yaml:"password"`
	Database string `json:"database" yaml:"database" default:"convergence"`
	SSLMode  string `json:"ssl_mode" yaml:"ssl_mode" default:"disable"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers" validate:"required_if=Enabled true"`
	Topic   string   `json:"topic" yaml:"topic" default:"convergence.decisions"`
}

// NotificationConfig holds operator alert settings
type NotificationConfig struct {
	Enabled  bool           `json:"enabled" yaml:"enabled"`
	Telegram TelegramConfig `json:"telegram" yaml:"telegram"`
	Discord  DiscordConfig  `json:"discord" yaml:"discord"`
}

type TelegramConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	BotToken string `json:"bot_token" yaml:"bot_token"`
	ChatID   string `json:"chat_id" yaml:"chat_id"`
}

type DiscordConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	WebhookURL string `json:"webhook_url" yaml:"webhook_url" validate:"omitempty,url"`
}

var validate = validator.New()

// Load reads the config file at path (JSON or YAML by extension), fills
// defaults, applies environment overrides and validates the result. A missing
// file is not an error; the defaults plus environment are used instead.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("error applying defaults: %w", err)
	}

	if path != "" {
		if err := loadFromFile(path, cfg); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a config populated only from struct defaults.
func Default() *Config {
	cfg := &Config{}
	_ = defaults.Set(cfg)
	return cfg
}

// Validate checks field constraints and the cross-section rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.SignalConfig.EntryQuorum > len(c.SignalConfig.EntryIndicators) {
		return fmt.Errorf("invalid config: entry_quorum %d exceeds entry indicator count %d",
			c.SignalConfig.EntryQuorum, len(c.SignalConfig.EntryIndicators))
	}
	for _, name := range c.SignalConfig.ExitIndicators {
		if _, ok := c.SignalConfig.ExitBuckets[name]; !ok {
			return fmt.Errorf("invalid config: exit indicator %q has no timeframe bucket", name)
		}
	}
	if c.SnapshotConfig.Backend == "redis" && !c.RedisConfig.Enabled {
		return fmt.Errorf("invalid config: snapshot backend redis requires redis.enabled")
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to the config
func applyEnvOverrides(cfg *Config) {
	// Binance
	cfg.BinanceConfig.APIKey = getEnvOrDefault("BINANCE_API_KEY", cfg.BinanceConfig.APIKey)
	cfg.BinanceConfig.SecretKey = getEnvOrDefault("BINANCE_SECRET_KEY", cfg.BinanceConfig.SecretKey)
	cfg.BinanceConfig.BaseURL = getEnvOrDefault("BINANCE_BASE_URL", cfg.BinanceConfig.BaseURL)
	cfg.BinanceConfig.StreamURL = getEnvOrDefault("BINANCE_STREAM_URL", cfg.BinanceConfig.StreamURL)
	cfg.BinanceConfig.PaperMode = getEnvBoolOrDefault("PAPER_MODE", cfg.BinanceConfig.PaperMode)

	// Trading
	cfg.TradingConfig.Symbol = getEnvOrDefault("TRADING_SYMBOL", cfg.TradingConfig.Symbol)
	cfg.TradingConfig.BaseAsset = getEnvOrDefault("TRADING_BASE_ASSET", cfg.TradingConfig.BaseAsset)
	cfg.TradingConfig.Interval = getEnvOrDefault("TRADING_INTERVAL", cfg.TradingConfig.Interval)
	cfg.TradingConfig.OrderSize = getEnvFloatOrDefault("TRADING_ORDER_SIZE", cfg.TradingConfig.OrderSize)
	cfg.TradingConfig.TickIntervalSecs = getEnvIntOrDefault("TRADING_TICK_INTERVAL_SECS", cfg.TradingConfig.TickIntervalSecs)
	cfg.TradingConfig.DryRun = getEnvBoolOrDefault("TRADING_DRY_RUN", cfg.TradingConfig.DryRun)

	// Risk
	cfg.RiskConfig.MinPrice = getEnvFloatOrDefault("RISK_MIN_PRICE", cfg.RiskConfig.MinPrice)
	cfg.RiskConfig.MaxSpikePercent = getEnvFloatOrDefault("RISK_MAX_SPIKE_PERCENT", cfg.RiskConfig.MaxSpikePercent)
	cfg.RiskConfig.MaxConsecutiveErrors = getEnvIntOrDefault("RISK_MAX_CONSECUTIVE_ERRORS", cfg.RiskConfig.MaxConsecutiveErrors)

	// Snapshot
	cfg.SnapshotConfig.Backend = getEnvOrDefault("SNAPSHOT_BACKEND", cfg.SnapshotConfig.Backend)
	cfg.SnapshotConfig.Path = getEnvOrDefault("SNAPSHOT_PATH", cfg.SnapshotConfig.Path)

	// Logging
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", cfg.LoggingConfig.Output)
	cfg.LoggingConfig.JSONFormat = getEnvBoolOrDefault("LOG_JSON", cfg.LoggingConfig.JSONFormat)

	// Server
	cfg.ServerConfig.Enabled = getEnvBoolOrDefault("SERVER_ENABLED", cfg.ServerConfig.Enabled)
	cfg.ServerConfig.Port = getEnvIntOrDefault("WEB_PORT", cfg.ServerConfig.Port)
	cfg.ServerConfig.Host = getEnvOrDefault("WEB_HOST", cfg.ServerConfig.Host)

	// Auth
	cfg.AuthConfig.Enabled = getEnvBoolOrDefault("AUTH_ENABLED", cfg.AuthConfig.Enabled)
	cfg.AuthConfig.JWTSecret = getEnvOrDefault("AUTH_JWT_SECRET", cfg.AuthConfig.JWTSecret)

	// Vault
	cfg.VaultConfig.Enabled = getEnvBoolOrDefault("VAULT_ENABLED", cfg.VaultConfig.Enabled)
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", cfg.VaultConfig.Address)
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)

	// Redis
	cfg.RedisConfig.Enabled = getEnvBoolOrDefault("REDIS_ENABLED", cfg.RedisConfig.Enabled)
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDR", cfg.RedisConfig.Address)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)

	// Database
	cfg.DatabaseConfig.Enabled = getEnvBoolOrDefault("DB_ENABLED", cfg.DatabaseConfig.Enabled)
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", cfg.DatabaseConfig.Host)
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", cfg.DatabaseConfig.Port)
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", cfg.DatabaseConfig.User)
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", cfg.DatabaseConfig.Database)

	// Kafka
	cfg.KafkaConfig.Enabled = getEnvBoolOrDefault("KAFKA_ENABLED", cfg.KafkaConfig.Enabled)
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaConfig.Brokers = strings.Split(brokers, ",")
	}
	cfg.KafkaConfig.Topic = getEnvOrDefault("KAFKA_TOPIC", cfg.KafkaConfig.Topic)

	// Notifications
	cfg.NotificationConfig.Enabled = getEnvBoolOrDefault("NOTIFICATIONS_ENABLED", cfg.NotificationConfig.Enabled)
	cfg.NotificationConfig.Telegram.Enabled = getEnvBoolOrDefault("TELEGRAM_ENABLED", cfg.NotificationConfig.Telegram.Enabled)
	cfg.NotificationConfig.Telegram.BotToken = getEnvOrDefault("TELEGRAM_BOT_TOKEN", cfg.NotificationConfig.Telegram.BotToken)
	cfg.NotificationConfig.Telegram.ChatID = getEnvOrDefault("TELEGRAM_CHAT_ID", cfg.NotificationConfig.Telegram.ChatID)
	cfg.NotificationConfig.Discord.Enabled = getEnvBoolOrDefault("DISCORD_ENABLED", cfg.NotificationConfig.Discord.Enabled)
	cfg.NotificationConfig.Discord.WebhookURL = getEnvOrDefault("DISCORD_WEBHOOK_URL", cfg.NotificationConfig.Discord.WebhookURL)
}

func loadFromFile(filename string, cfg *Config) error {
	file, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(file, cfg); err != nil {
			return fmt.Errorf("error parsing config file: %w", err)
		}
	default:
		if err := json.Unmarshal(file, cfg); err != nil {
			return fmt.Errorf("error parsing config file: %w", err)
		}
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

// TickInterval is the idle delay between loop ticks.
func (t TradingConfig) TickInterval() time.Duration {
	return time.Duration(t.TickIntervalSecs) * time.Second
}

// HaltBackoff is the wait between checks while trading is halted.
func (t TradingConfig) HaltBackoff() time.Duration {
	return time.Duration(t.HaltBackoffSecs) * time.Second
}

func (t TradingConfig) OrderTimeout() time.Duration {
	return time.Duration(t.OrderTimeoutSecs) * time.Second
}

func (t TradingConfig) LedgerLookback() time.Duration {
	return time.Duration(t.LedgerLookbackDays) * 24 * time.Hour
}

// BackoffDelays converts the configured millisecond delays.
func (r RetryConfig) BackoffDelays() []time.Duration {
	delays := make([]time.Duration, len(r.BackoffDelaysMs))
	for i, ms := range r.BackoffDelaysMs {
		delays[i] = time.Duration(ms) * time.Millisecond
	}
	return delays
}
