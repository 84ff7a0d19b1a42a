package config

import (
	"bytes"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"bitget-spot/internal/core"
	"bitget-spot/internal/queue"
)

type Config struct {
	InstanceID     string               `yaml:"instance_id"`
	TradingPairs   []string             `yaml:"trading_pairs"`
	Exchange       ExchangeConfig       `yaml:"exchange"`
	MarketData     MarketDataConfig     `yaml:"market_data"`
	UserStream     UserStreamConfig     `yaml:"user_stream"`
	Reconcile      ReconcileConfig      `yaml:"reconcile"`
	State          StateConfig          `yaml:"state"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Logging        LoggingConfig        `yaml:"logging"`
	Observability  ObservabilityConfig  `yaml:"observability"`
}

type ExchangeConfig struct {
	APIKey          string  `yaml:"api_key"`
	SecretKey       string  `yaml:"secret_key"`
	Passphrase      string  `yaml:"passphrase"`
	RestBaseURL     string  `yaml:"rest_base_url"`
	WSBaseURL       string  `yaml:"ws_base_url"`
	HTTPTimeoutSec  int64   `yaml:"http_timeout_sec"`
	SnapshotDepth   int     `yaml:"snapshot_depth"`
	PingIntervalSec int64   `yaml:"ping_interval_sec"`
	DefaultMakerFee FeeRate `yaml:"default_maker_fee"`
	DefaultTakerFee FeeRate `yaml:"default_taker_fee"`
}

type MarketDataConfig struct {
	QueueSize     int          `yaml:"queue_size"`
	DropPolicy    queue.Policy `yaml:"drop_policy"`
	MaxBackoffSec int64        `yaml:"max_backoff_sec"`
	StableSec     int64        `yaml:"stable_sec"`
}

type UserStreamConfig struct {
	RetryIntervalSec int64 `yaml:"retry_interval_sec"`
	LoginTimeoutSec  int64 `yaml:"login_timeout_sec"`
	QueueSize        int   `yaml:"queue_size"`
}

type ReconcileConfig struct {
	IntervalSec    int64 `yaml:"interval_sec"`
	MaxOrderAgeSec int64 `yaml:"max_order_age_sec"`
}

type StateConfig struct {
	Dir          string `yaml:"dir"`
	LockTakeover *bool  `yaml:"lock_takeover"`
	LockStaleSec int64  `yaml:"lock_stale_sec"`
}

type CircuitBreakerConfig struct {
	Enabled              bool  `yaml:"enabled"`
	MaxPlaceFailures     int   `yaml:"max_place_failures"`
	MaxCancelFailures    int   `yaml:"max_cancel_failures"`
	MaxReconnectFailures int   `yaml:"max_reconnect_failures"`
	CooldownSec          int64 `yaml:"cooldown_sec"`
	HalfOpenSuccesses    int   `yaml:"half_open_successes"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	MaxAgeDays int    `yaml:"max_age_days"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
}

type ObservabilityConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Runtime  RuntimeConfig  `yaml:"runtime"`
}

type TelegramConfig struct {
	Enabled    bool   `yaml:"enabled"`
	BotToken   string `yaml:"bot_token"`
	ChatID     string `yaml:"chat_id"`
	APIBaseURL string `yaml:"api_base_url"`
	TimeoutSec int64  `yaml:"timeout_sec"`
}

type RuntimeConfig struct {
	HeartbeatSec       int64 `yaml:"heartbeat_sec"`
	AlertQueueSize     int   `yaml:"alert_queue_size"`
	AlertDropReportSec int64 `yaml:"alert_drop_report_sec"`
}

// secrets are read from the environment and win over the file.
type secrets struct {
	APIKey           string `env:"BITGET_API_KEY"`
	SecretKey        string `env:"BITGET_SECRET_KEY"`
	Passphrase       string `env:"BITGET_PASSPHRASE"`
	TelegramBotToken string `env:"TELEGRAM_BOT_TOKEN"`
	TelegramChatID   string `env:"TELEGRAM_CHAT_ID"`
}

func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, err
	}
	var extra yaml.Node
	if err := dec.Decode(&extra); err != io.EOF {
		if err == nil {
			return Config{}, fmt.Errorf("config must contain a single YAML document")
		}
		return Config{}, err
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	cfg.normalize()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var s secrets
	if err := env.Parse(&s); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}
	override := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	override(&c.Exchange.APIKey, s.APIKey)
	override(&c.Exchange.SecretKey, s.SecretKey)
	override(&c.Exchange.Passphrase, s.Passphrase)
	override(&c.Observability.Telegram.BotToken, s.TelegramBotToken)
	override(&c.Observability.Telegram.ChatID, s.TelegramChatID)
	return nil
}

func (c *Config) normalize() {
	c.InstanceID = strings.ToLower(strings.TrimSpace(c.InstanceID))
	pairs := make([]string, 0, len(c.TradingPairs))
	seen := make(map[string]bool, len(c.TradingPairs))
	for _, p := range c.TradingPairs {
		p = strings.ToUpper(strings.TrimSpace(p))
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		pairs = append(pairs, p)
	}
	c.TradingPairs = pairs
	c.Exchange.APIKey = strings.TrimSpace(c.Exchange.APIKey)
	c.Exchange.SecretKey = strings.TrimSpace(c.Exchange.SecretKey)
	c.Exchange.Passphrase = strings.TrimSpace(c.Exchange.Passphrase)
	c.Exchange.RestBaseURL = strings.TrimSpace(c.Exchange.RestBaseURL)
	c.Exchange.WSBaseURL = strings.TrimSpace(c.Exchange.WSBaseURL)
	c.MarketData.DropPolicy = queue.Policy(strings.ToLower(strings.TrimSpace(string(c.MarketData.DropPolicy))))
	c.State.Dir = strings.TrimSpace(c.State.Dir)
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	c.Logging.Output = strings.TrimSpace(c.Logging.Output)
	c.Observability.Telegram.BotToken = strings.TrimSpace(c.Observability.Telegram.BotToken)
	c.Observability.Telegram.ChatID = strings.TrimSpace(c.Observability.Telegram.ChatID)
	c.Observability.Telegram.APIBaseURL = strings.TrimSpace(c.Observability.Telegram.APIBaseURL)
}

func (c *Config) applyDefaults() {
	if c.InstanceID == "" {
		c.InstanceID = "default"
	}
	if c.Exchange.RestBaseURL == "" {
		c.Exchange.RestBaseURL = "https://api.bitget.com"
	}
	if c.Exchange.WSBaseURL == "" {
		c.Exchange.WSBaseURL = "wss://ws.bitget.com/spot/v1/stream"
	}
	if c.Exchange.HTTPTimeoutSec == 0 {
		c.Exchange.HTTPTimeoutSec = 15
	}
	if c.Exchange.SnapshotDepth == 0 {
		c.Exchange.SnapshotDepth = 100
	}
	if c.Exchange.PingIntervalSec == 0 {
		c.Exchange.PingIntervalSec = 30
	}
	if c.Exchange.DefaultMakerFee.IsZero() {
		c.Exchange.DefaultMakerFee = FeeRate{Decimal: core.DefaultFees.Maker}
	}
	if c.Exchange.DefaultTakerFee.IsZero() {
		c.Exchange.DefaultTakerFee = FeeRate{Decimal: core.DefaultFees.Taker}
	}
	if c.MarketData.QueueSize == 0 {
		c.MarketData.QueueSize = 1024
	}
	if c.MarketData.DropPolicy == "" {
		c.MarketData.DropPolicy = queue.DropOldest
	}
	if c.MarketData.MaxBackoffSec == 0 {
		c.MarketData.MaxBackoffSec = 30
	}
	if c.MarketData.StableSec == 0 {
		c.MarketData.StableSec = 60
	}
	if c.UserStream.RetryIntervalSec == 0 {
		c.UserStream.RetryIntervalSec = 5
	}
	if c.UserStream.LoginTimeoutSec == 0 {
		c.UserStream.LoginTimeoutSec = 10
	}
	if c.UserStream.QueueSize == 0 {
		c.UserStream.QueueSize = 1024
	}
	if c.Reconcile.IntervalSec == 0 {
		c.Reconcile.IntervalSec = 10
	}
	if c.Reconcile.MaxOrderAgeSec == 0 {
		c.Reconcile.MaxOrderAgeSec = 86400
	}
	if c.State.Dir == "" {
		c.State.Dir = "state"
	}
	if c.State.LockTakeover == nil {
		enabled := true
		c.State.LockTakeover = &enabled
	}
	if c.State.LockStaleSec == 0 {
		c.State.LockStaleSec = 600
	}
	if c.CircuitBreaker.MaxPlaceFailures == 0 {
		c.CircuitBreaker.MaxPlaceFailures = 5
	}
	if c.CircuitBreaker.MaxCancelFailures == 0 {
		c.CircuitBreaker.MaxCancelFailures = 5
	}
	if c.CircuitBreaker.MaxReconnectFailures == 0 {
		c.CircuitBreaker.MaxReconnectFailures = 10
	}
	if c.CircuitBreaker.CooldownSec == 0 {
		c.CircuitBreaker.CooldownSec = 30
	}
	if c.CircuitBreaker.HalfOpenSuccesses == 0 {
		c.CircuitBreaker.HalfOpenSuccesses = 1
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}
	if c.Observability.Telegram.APIBaseURL == "" {
		c.Observability.Telegram.APIBaseURL = "https://api.telegram.org"
	}
	if c.Observability.Telegram.TimeoutSec == 0 {
		c.Observability.Telegram.TimeoutSec = 10
	}
	if c.Observability.Runtime.HeartbeatSec == 0 {
		c.Observability.Runtime.HeartbeatSec = 30
	}
	if c.Observability.Runtime.AlertQueueSize == 0 {
		c.Observability.Runtime.AlertQueueSize = 256
	}
	if c.Observability.Runtime.AlertDropReportSec == 0 {
		c.Observability.Runtime.AlertDropReportSec = 60
	}
}

func (c Config) Validate() error {
	if !isValidInstanceID(c.InstanceID) {
		return fmt.Errorf("instance_id must match [a-z0-9_-], length 1..24")
	}
	if len(c.TradingPairs) == 0 {
		return fmt.Errorf("trading_pairs is required")
	}
	for _, p := range c.TradingPairs {
		if !isValidPair(p) {
			return fmt.Errorf("trading pair %q must look like BASE-QUOTE", p)
		}
	}
	if c.Exchange.APIKey == "" || c.Exchange.SecretKey == "" || c.Exchange.Passphrase == "" {
		return fmt.Errorf("exchange api_key/secret_key/passphrase are required")
	}
	if err := validateURL(c.Exchange.RestBaseURL, "http", "https"); err != nil {
		return fmt.Errorf("exchange rest_base_url %v", err)
	}
	if err := validateURL(c.Exchange.WSBaseURL, "ws", "wss"); err != nil {
		return fmt.Errorf("exchange ws_base_url %v", err)
	}
	if c.Exchange.HTTPTimeoutSec < 1 || c.Exchange.HTTPTimeoutSec > 120 {
		return fmt.Errorf("exchange http_timeout_sec must be between 1 and 120")
	}
	if c.Exchange.SnapshotDepth < 1 || c.Exchange.SnapshotDepth > 200 {
		return fmt.Errorf("exchange snapshot_depth must be between 1 and 200")
	}
	if c.Exchange.PingIntervalSec < 1 || c.Exchange.PingIntervalSec > 120 {
		return fmt.Errorf("exchange ping_interval_sec must be between 1 and 120")
	}
	if c.Exchange.DefaultMakerFee.Cmp(decimal.Zero) < 0 || c.Exchange.DefaultTakerFee.Cmp(decimal.Zero) < 0 {
		return fmt.Errorf("exchange default fees must be >= 0")
	}
	if _, err := queue.ParsePolicy(string(c.MarketData.DropPolicy)); err != nil {
		return fmt.Errorf("market_data.drop_policy: %v", err)
	}
	if c.MarketData.QueueSize < 1 || c.MarketData.QueueSize > 1<<20 {
		return fmt.Errorf("market_data.queue_size must be between 1 and 1048576")
	}
	if c.MarketData.MaxBackoffSec < 1 || c.MarketData.MaxBackoffSec > 3600 {
		return fmt.Errorf("market_data.max_backoff_sec must be between 1 and 3600")
	}
	if c.MarketData.StableSec < 1 || c.MarketData.StableSec > 3600 {
		return fmt.Errorf("market_data.stable_sec must be between 1 and 3600")
	}
	if c.UserStream.RetryIntervalSec < 1 || c.UserStream.RetryIntervalSec > 300 {
		return fmt.Errorf("user_stream.retry_interval_sec must be between 1 and 300")
	}
	if c.UserStream.LoginTimeoutSec < 1 || c.UserStream.LoginTimeoutSec > 120 {
		return fmt.Errorf("user_stream.login_timeout_sec must be between 1 and 120")
	}
	if c.UserStream.QueueSize < 1 || c.UserStream.QueueSize > 1<<20 {
		return fmt.Errorf("user_stream.queue_size must be between 1 and 1048576")
	}
	if c.Reconcile.IntervalSec < 1 || c.Reconcile.IntervalSec > 3600 {
		return fmt.Errorf("reconcile.interval_sec must be between 1 and 3600")
	}
	if c.Reconcile.MaxOrderAgeSec < 60 {
		return fmt.Errorf("reconcile.max_order_age_sec must be >= 60")
	}
	if c.State.LockStaleSec < 0 || c.State.LockStaleSec > 86400 {
		return fmt.Errorf("state.lock_stale_sec must be between 0 and 86400")
	}
	if c.CircuitBreaker.Enabled {
		if c.CircuitBreaker.MaxPlaceFailures < 1 {
			return fmt.Errorf("circuit_breaker.max_place_failures must be >= 1")
		}
		if c.CircuitBreaker.MaxCancelFailures < 1 {
			return fmt.Errorf("circuit_breaker.max_cancel_failures must be >= 1")
		}
		if c.CircuitBreaker.MaxReconnectFailures < 1 {
			return fmt.Errorf("circuit_breaker.max_reconnect_failures must be >= 1")
		}
		if c.CircuitBreaker.CooldownSec < 1 || c.CircuitBreaker.CooldownSec > 3600 {
			return fmt.Errorf("circuit_breaker.cooldown_sec must be between 1 and 3600")
		}
		if c.CircuitBreaker.HalfOpenSuccesses < 1 || c.CircuitBreaker.HalfOpenSuccesses > 20 {
			return fmt.Errorf("circuit_breaker.half_open_successes must be between 1 and 20")
		}
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format must be json or text")
	}
	if c.Observability.Runtime.HeartbeatSec < 1 || c.Observability.Runtime.HeartbeatSec > 3600 {
		return fmt.Errorf("observability.runtime.heartbeat_sec must be between 1 and 3600")
	}
	if c.Observability.Runtime.AlertQueueSize < 1 {
		return fmt.Errorf("observability.runtime.alert_queue_size must be >= 1")
	}
	if c.Observability.Runtime.AlertDropReportSec < 0 || c.Observability.Runtime.AlertDropReportSec > 3600 {
		return fmt.Errorf("observability.runtime.alert_drop_report_sec must be between 0 and 3600")
	}
	if c.Observability.Telegram.Enabled {
		if c.Observability.Telegram.BotToken == "" {
			return fmt.Errorf("observability.telegram.bot_token is required when telegram enabled")
		}
		if c.Observability.Telegram.ChatID == "" {
			return fmt.Errorf("observability.telegram.chat_id is required when telegram enabled")
		}
		if c.Observability.Telegram.TimeoutSec < 1 || c.Observability.Telegram.TimeoutSec > 120 {
			return fmt.Errorf("observability.telegram.timeout_sec must be between 1 and 120")
		}
		if err := validateURL(c.Observability.Telegram.APIBaseURL, "http", "https"); err != nil {
			return fmt.Errorf("observability.telegram.api_base_url %v", err)
		}
	}
	return nil
}

// Fees returns the configured fallback fee schedule.
func (c Config) Fees() core.Fees {
	return core.Fees{Maker: c.Exchange.DefaultMakerFee.Decimal, Taker: c.Exchange.DefaultTakerFee.Decimal}
}

func isValidInstanceID(v string) bool {
	if len(v) < 1 || len(v) > 24 {
		return false
	}
	for _, r := range v {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}

func isValidPair(v string) bool {
	base, quote, ok := strings.Cut(v, "-")
	return ok && isAlnum(base, 1, 12) && isAlnum(quote, 2, 8)
}

func isAlnum(v string, minLen, maxLen int) bool {
	if len(v) < minLen || len(v) > maxLen {
		return false
	}
	for _, r := range v {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			continue
		}
		return false
	}
	return true
}

func validateURL(raw string, schemes ...string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("must be a valid URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("must include scheme and host")
	}
	for _, s := range schemes {
		if parsed.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("scheme must be %s", strings.Join(schemes, " or "))
}
