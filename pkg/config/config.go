package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Environment string           `yaml:"environment" default:"development" validate:"oneof=development staging production"`
	Server      ServerConfig     `yaml:"server"`
	Metrics     MetricsConfig    `yaml:"metrics"`
	Log         LogConfig        `yaml:"log"`
	Kafka       KafkaConfig      `yaml:"kafka"`
	ClickHouse  ClickHouseConfig `yaml:"clickhouse"`
	Redis       RedisConfig      `yaml:"redis"`
	MarketData  MarketDataConfig `yaml:"market_data"`
	Analytics   AnalyticsConfig  `yaml:"analytics"`
	Broker      BrokerConfig     `yaml:"broker"`
	Trading     TradingConfig    `yaml:"trading"`
	Risk        RiskConfig       `yaml:"risk"`
	Agent       AgentConfig      `yaml:"agent"`
	Debate      DebateConfig     `yaml:"debate"`
	News        NewsConfig       `yaml:"news"`
}

type ServerConfig struct {
	Enabled         bool          `yaml:"enabled" default:"true"`
	Port            int           `yaml:"port" default:"8080" validate:"gte=1,lte=65535"`
	ReadTimeout     time.Duration `yaml:"read_timeout" default:"10s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" default:"10s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" default:"15s"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" default:"true"`
	Path    string `yaml:"path" default:"/metrics"`
}

type LogConfig struct {
	Level      string `yaml:"level" default:"info" validate:"oneof=debug info warn error"`
	Format     string `yaml:"format" default:"console" validate:"oneof=json console"`
	Output     string `yaml:"output" default:"stdout"`
	TimeFormat string `yaml:"time_format"`
	MaxSizeMB  int    `yaml:"max_size_mb" default:"100"`
	MaxBackups int    `yaml:"max_backups" default:"5"`
	MaxAgeDays int    `yaml:"max_age_days" default:"14"`
	Compress   bool   `yaml:"compress"`
	Collector  struct {
		Enabled   bool          `yaml:"enabled"`
		Interval  time.Duration `yaml:"interval" default:"30s"`
		Threshold int           `yaml:"threshold" default:"100"`
		Level     string        `yaml:"level" default:"error" validate:"oneof=warn error"`
	} `yaml:"collector"`
}

type KafkaConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Brokers      []string `yaml:"brokers"`
	EventsTopic  string   `yaml:"events_topic" default:"fingate.events"`
	LogsTopic    string   `yaml:"logs_topic" default:"fingate.logs"`
	RequiredAcks int      `yaml:"required_acks" default:"-1"`
	Compression  string   `yaml:"compression" default:"gzip" validate:"oneof=gzip snappy lz4 zstd"`
	SinkBuffer   int      `yaml:"sink_buffer" default:"1024" validate:"gte=1"`
	Producer     struct {
		MaxAttempts  int           `yaml:"max_attempts" default:"3"`
		Linger       time.Duration `yaml:"linger" default:"500ms"`
		BatchBytes   int           `yaml:"batch_bytes" default:"1048576"`
		BatchSize    int           `yaml:"batch_size" default:"100"`
		WriteTimeout time.Duration `yaml:"write_timeout" default:"10s"`
		ReadTimeout  time.Duration `yaml:"read_timeout" default:"10s"`
	} `yaml:"producer"`
}

type ClickHouseConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Host             string        `yaml:"host" default:"localhost"`
	Port             int           `yaml:"port" default:"9000"`
	Database         string        `yaml:"database" default:"fingate"`
	User             string        `yaml:"user" default:"default"`
	Password         string        `yaml:"password"`
	UseHTTP          bool          `yaml:"use_http"`
	AsyncInsert      bool          `yaml:"async_insert"`
	WaitForAsync     bool          `yaml:"wait_for_async_insert"`
	DialTimeout      time.Duration `yaml:"dial_timeout" default:"5s"`
	ReadTimeout      time.Duration `yaml:"read_timeout" default:"10s"`
	WriteTimeout     time.Duration `yaml:"write_timeout" default:"10s"`
	MaxExecutionTime time.Duration `yaml:"max_execution_time" default:"30s"`
	Journal          struct {
		Enabled       bool          `yaml:"enabled" default:"true"`
		BatchSize     int           `yaml:"batch_size" default:"200"`
		FlushInterval time.Duration `yaml:"flush_interval" default:"2s"`
	} `yaml:"journal"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host" default:"localhost"`
	Port     int    `yaml:"port" default:"6379"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix" default:"fingate"`
	StateKey string `yaml:"state_key" default:"risk:global"`
}

// MarketDataConfig selects where bars come from.
type MarketDataConfig struct {
	Source string `yaml:"source" default:"clickhouse" validate:"oneof=clickhouse bridge"`
}

type AnalyticsConfig struct {
	ServiceURL   string        `yaml:"service_url" validate:"required,url"`
	Timeout      time.Duration `yaml:"timeout" default:"8s"`
	Retries      int           `yaml:"retries" default:"2" validate:"gte=0,lte=5"`
	RetryBackoff time.Duration `yaml:"retry_backoff" default:"200ms"`
}

type BrokerConfig struct {
	Mode    string        `yaml:"mode" default:"paper" validate:"oneof=paper bridge"`
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout" default:"10s"`
	Retries int           `yaml:"retries" default:"2" validate:"gte=0,lte=5"`

	// RateLimit throttles mutating bridge calls (orders, modifications, closes).
	RateLimit struct {
		Burst     float64 `yaml:"burst" default:"5" validate:"gte=1"`
		PerSecond float64 `yaml:"per_second" default:"2" validate:"gt=0"`
	} `yaml:"rate_limit"`
	Paper struct {
		InitialBalance float64 `yaml:"initial_balance" default:"10000" validate:"gt=0"`
		SpreadBps      float64 `yaml:"spread_bps" default:"1"`
		VolumeMin      float64 `yaml:"volume_min" default:"0.01"`
		VolumeMax      float64 `yaml:"volume_max" default:"50"`
		VolumeStep     float64 `yaml:"volume_step" default:"0.01"`
		ContractSize   float64 `yaml:"contract_size" default:"100000"`
	} `yaml:"paper"`
}

// TradingConfig drives the orchestrator.
type TradingConfig struct {
	Symbols         []string          `yaml:"symbols" validate:"required,min=1,dive,required"`
	AssetClasses    map[string]string `yaml:"asset_classes"`
	Cadence         time.Duration     `yaml:"cadence" default:"60s"`
	ScanTimeout     time.Duration     `yaml:"scan_timeout" default:"20s"`
	ManageTimeout   time.Duration     `yaml:"manage_timeout" default:"10s"`
	JoinGrace       time.Duration     `yaml:"join_grace" default:"2s"`
	ExecuteTimeout  time.Duration     `yaml:"execute_timeout" default:"10s"`
	CriticInterval  time.Duration     `yaml:"critic_interval" default:"5m"`
	HistorySize     int               `yaml:"history_size" default:"50" validate:"gte=1"`
	HistoryLookback time.Duration     `yaml:"history_lookback" default:"24h"`
}

// SessionConfig is a UTC trading window. StartHour > EndHour wraps midnight.
type SessionConfig struct {
	Enabled      bool `yaml:"enabled"`
	StartHour    int  `yaml:"start_hour" default:"7" validate:"gte=0,lte=23"`
	EndHour      int  `yaml:"end_hour" default:"20" validate:"gte=0,lte=24"`
	SkipWeekends bool `yaml:"skip_weekends" default:"true"`
}

// RiskTier maps a minimum confluence score to a risk percent of equity.
type RiskTier struct {
	MinConfluence float64 `yaml:"min_confluence"`
	RiskPercent   float64 `yaml:"risk_percent"`
}

// CorrelationGroup lists symbols that move together. Member weight -1 marks inverse correlation.
type CorrelationGroup struct {
	Name    string         `yaml:"name"`
	Members map[string]int `yaml:"members"`
}

type RiskConfig struct {
	MaxDailyTrades       int                `yaml:"max_daily_trades" default:"10" validate:"gte=1"`
	MaxDailyLoss         float64            `yaml:"max_daily_loss" default:"500" validate:"gt=0"`
	MaxOpenPositions     int                `yaml:"max_open_positions" default:"5" validate:"gte=1"`
	CircuitBreakerLosses int                `yaml:"circuit_breaker_losses" default:"5" validate:"gte=1"`
	Cooldown             time.Duration      `yaml:"cooldown" default:"15m"`
	MinRewardRisk        float64            `yaml:"min_reward_risk" default:"1.5" validate:"gt=0"`
	MaxSpreadBps         map[string]float64 `yaml:"max_spread_bps"`
	DefaultMaxSpreadBps  float64            `yaml:"default_max_spread_bps" default:"10"`
	Commission           map[string]float64 `yaml:"commission"`
	Session              SessionConfig      `yaml:"session"`
	KillSwitch           struct {
		Lookback      time.Duration `yaml:"lookback" default:"720h"`
		StatsTTL      time.Duration `yaml:"stats_ttl" default:"10m"`
		MinSamples    int           `yaml:"min_samples" default:"10"`
		LossThreshold float64       `yaml:"loss_threshold" default:"-200"`
		Overrides     []string      `yaml:"overrides"`
	} `yaml:"kill_switch"`
	Payoff struct {
		Ratio      float64 `yaml:"ratio" default:"2" validate:"gt=0"`
		MinSamples int     `yaml:"min_samples" default:"10"`
	} `yaml:"payoff"`
	Sizing struct {
		KellyFraction     float64    `yaml:"kelly_fraction" default:"0.25" validate:"gt=0,lte=1"`
		KellyMinSamples   int        `yaml:"kelly_min_samples" default:"20"`
		MaxRiskPercent    float64    `yaml:"max_risk_percent" default:"1" validate:"gt=0,lte=10"`
		MinRiskPercent    float64    `yaml:"min_risk_percent" default:"0.1" validate:"gte=0"`
		Tiers             []RiskTier `yaml:"tiers"`
		HighVolMultiplier float64    `yaml:"high_vol_multiplier" default:"0.5" validate:"gt=0,lte=1"`
		HighVolSymbols    []string   `yaml:"high_vol_symbols"`
	} `yaml:"sizing"`
	Correlation struct {
		MaxGroupExposure int                `yaml:"max_group_exposure" default:"1" validate:"gte=1"`
		Groups           []CorrelationGroup `yaml:"groups"`
	} `yaml:"correlation"`
}

type AgentConfig struct {
	Timeframe                string        `yaml:"timeframe" default:"15m" validate:"oneof=1m 5m 15m 1h 4h"`
	HTFTimeframe             string        `yaml:"htf_timeframe" default:"1h" validate:"oneof=1m 5m 15m 1h 4h"`
	HTFEnabled               bool          `yaml:"htf_enabled" default:"true"`
	Bars                     int           `yaml:"bars" default:"200" validate:"gte=20"`
	HTFBars                  int           `yaml:"htf_bars" default:"100"`
	MinBars                  int           `yaml:"min_bars" default:"60" validate:"gte=20"`
	MinProbability           float64       `yaml:"min_probability" default:"0.55" validate:"gte=0,lte=1"`
	MinConfluence            float64       `yaml:"min_confluence" default:"0.6" validate:"gte=0,lte=1"`
	RegimeConflictConfidence float64       `yaml:"regime_conflict_confidence" default:"0.6"`
	ATRPeriod                int           `yaml:"atr_period" default:"14" validate:"gte=2"`
	StopATRMultiplier        float64       `yaml:"stop_atr_multiplier" default:"1.5" validate:"gt=0"`
	TargetATRMultiplier      float64       `yaml:"target_atr_multiplier" default:"3" validate:"gt=0"`
	VolatilityTTL            time.Duration `yaml:"volatility_ttl" default:"5m"`
	CircuitBreakerReset      time.Duration `yaml:"circuit_breaker_reset" default:"4h"`
	Secondary                struct {
		Enabled           bool    `yaml:"enabled" default:"true"`
		BreakoutLookback  int     `yaml:"breakout_lookback" default:"20" validate:"gte=2"`
		EMAFast           int     `yaml:"ema_fast" default:"20" validate:"gte=2"`
		EMASlow           int     `yaml:"ema_slow" default:"50" validate:"gte=3"`
		Confluence        float64 `yaml:"confluence" default:"0.65"`
		MaxSpreadToTarget float64 `yaml:"max_spread_to_target" default:"0.1" validate:"gt=0,lt=1"`
		LiquidStartHour   int     `yaml:"liquid_start_hour" default:"7"`
		LiquidEndHour     int     `yaml:"liquid_end_hour" default:"20"`
	} `yaml:"secondary"`
	Management struct {
		BreakevenR            float64 `yaml:"breakeven_r" default:"1" validate:"gt=0"`
		BreakevenOffsetR      float64 `yaml:"breakeven_offset_r" default:"0.1" validate:"gte=0"`
		TrailingActivationR   float64 `yaml:"trailing_activation_r" default:"1.5" validate:"gt=0"`
		TrailingATRMultiplier float64 `yaml:"trailing_atr_multiplier" default:"1" validate:"gt=0"`
		MinTrailDeltaR        float64 `yaml:"min_trail_delta_r" default:"0.1" validate:"gte=0"`
		PartialR              float64 `yaml:"partial_r" default:"2" validate:"gt=0"`
		PartialFraction       float64 `yaml:"partial_fraction" default:"0.5" validate:"gt=0,lt=1"`
		RegimeExitConfidence  float64 `yaml:"regime_exit_confidence" default:"0.75"`
	} `yaml:"management"`
}

type DebateConfig struct {
	Enabled             bool          `yaml:"enabled"`
	Timeout             time.Duration `yaml:"timeout" default:"15s"`
	MinConfidence       float64       `yaml:"min_confidence" default:"0.6"`
	HighConvictionScore float64       `yaml:"high_conviction_score" default:"0.85"`
	PermissiveMode      bool          `yaml:"permissive_mode"`
	MinimalConfluence   float64       `yaml:"minimal_confluence" default:"0.5"`
}

// NewsEvent is one scheduled release.
type NewsEvent struct {
	Currency string    `yaml:"currency"`
	Title    string    `yaml:"title"`
	Impact   string    `yaml:"impact"`
	Time     time.Time `yaml:"time"`
}

type NewsConfig struct {
	Enabled          bool                `yaml:"enabled"`
	PreWindow        time.Duration       `yaml:"pre_window" default:"30m"`
	PostWindow       time.Duration       `yaml:"post_window" default:"15m"`
	MinImpact        string              `yaml:"min_impact" default:"high" validate:"oneof=low medium high"`
	Events           []NewsEvent         `yaml:"events"`
	SymbolCurrencies map[string][]string `yaml:"symbol_currencies"`
}

var validate = validator.New()

// Load reads and parses a YAML configuration file.
// Defaults are applied before decoding so explicit false/zero values in the file win.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b)
}

// Parse decodes, defaults and validates a YAML document.
func Parse(b []byte) (*Config, error) {
	var c Config
	if err := defaults.Set(&c); err != nil {
		return nil, fmt.Errorf("set defaults: %w", err)
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	c.applyDerivedDefaults()

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &c, nil
}

// LoadWithEnv loads config from YAML and overrides with environment variables.
func LoadWithEnv(path string) (*Config, error) {
	c, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("FINGATE_SYMBOLS"); v != "" {
		c.Trading.Symbols = splitList(v)
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = splitList(v)
		c.Kafka.Enabled = true
	}
	if v := os.Getenv("BROKER_MODE"); v != "" {
		c.Broker.Mode = v
	}
	if v := os.Getenv("BROKER_URL"); v != "" {
		c.Broker.BaseURL = v
	}
	if v := os.Getenv("BROKER_API_KEY"); v != "" {
		c.Broker.APIKey = v
	}
	if v := os.Getenv("ANALYTICS_URL"); v != "" {
		c.Analytics.ServiceURL = v
	}
	if v := os.Getenv("REDIS_HOST"); v != "" {
		c.Redis.Host = v
		c.Redis.Enabled = true
	}
	if v := os.Getenv("CLICKHOUSE_PASSWORD"); v != "" {
		c.ClickHouse.Password = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return c, nil
}

func (c *Config) applyDerivedDefaults() {
	if len(c.Risk.Sizing.Tiers) == 0 {
		c.Risk.Sizing.Tiers = []RiskTier{
			{MinConfluence: 0.85, RiskPercent: 1.0},
			{MinConfluence: 0.75, RiskPercent: 0.75},
			{MinConfluence: 0.6, RiskPercent: 0.5},
			{MinConfluence: 0, RiskPercent: 0.25},
		}
	}
	if c.Risk.MaxSpreadBps == nil {
		c.Risk.MaxSpreadBps = map[string]float64{"forex": 3, "metal": 6, "index": 5, "crypto": 15}
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}

	var errs []error
	if c.Broker.Mode == "bridge" && c.Broker.BaseURL == "" {
		errs = append(errs, errors.New("broker.base_url is required in bridge mode"))
	}
	if c.MarketData.Source == "bridge" && c.Broker.Mode != "bridge" {
		errs = append(errs, errors.New("market_data.source=bridge requires broker.mode=bridge"))
	}
	if c.MarketData.Source == "clickhouse" && !c.ClickHouse.Enabled {
		errs = append(errs, errors.New("market_data.source=clickhouse requires clickhouse.enabled"))
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("kafka.brokers cannot be empty when kafka is enabled"))
	}
	if c.Risk.Sizing.MinRiskPercent > c.Risk.Sizing.MaxRiskPercent {
		errs = append(errs, fmt.Errorf("risk.sizing.min_risk_percent %.2f exceeds max_risk_percent %.2f",
			c.Risk.Sizing.MinRiskPercent, c.Risk.Sizing.MaxRiskPercent))
	}
	if c.Agent.TargetATRMultiplier/c.Agent.StopATRMultiplier < c.Risk.MinRewardRisk {
		errs = append(errs, fmt.Errorf("agent target/stop multipliers give %.2f R:R, below risk.min_reward_risk %.2f",
			c.Agent.TargetATRMultiplier/c.Agent.StopATRMultiplier, c.Risk.MinRewardRisk))
	}
	if c.Agent.Secondary.EMAFast >= c.Agent.Secondary.EMASlow {
		errs = append(errs, errors.New("agent.secondary.ema_fast must be below ema_slow"))
	}
	if c.Agent.MinBars > c.Agent.Bars {
		errs = append(errs, errors.New("agent.min_bars cannot exceed agent.bars"))
	}
	if c.Agent.Management.BreakevenR > c.Agent.Management.PartialR {
		errs = append(errs, errors.New("agent.management.breakeven_r must not exceed partial_r"))
	}
	seen := make(map[string]struct{}, len(c.Trading.Symbols))
	for _, s := range c.Trading.Symbols {
		if _, ok := seen[s]; ok {
			errs = append(errs, fmt.Errorf("trading.symbols: duplicate %q", s))
		}
		seen[s] = struct{}{}
	}
	for _, g := range c.Risk.Correlation.Groups {
		for sym, w := range g.Members {
			if w != 1 && w != -1 {
				errs = append(errs, fmt.Errorf("risk.correlation.groups[%s]: weight for %s must be 1 or -1", g.Name, sym))
			}
		}
	}
	return errors.Join(errs...)
}

// AssetClass returns the configured asset class of a symbol, or a guess from its shape.
func (t TradingConfig) AssetClass(symbol string) string {
	if ac, ok := t.AssetClasses[symbol]; ok {
		return ac
	}
	switch {
	case strings.HasPrefix(symbol, "XAU") || strings.HasPrefix(symbol, "XAG"):
		return "metal"
	case strings.HasSuffix(symbol, "USDT") || strings.HasPrefix(symbol, "BTC") || strings.HasPrefix(symbol, "ETH"):
		return "crypto"
	case len(symbol) == 6 && strings.ToUpper(symbol) == symbol:
		return "forex"
	default:
		return "index"
	}
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
