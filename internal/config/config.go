package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Intake     IntakeConfig     `yaml:"intake" mapstructure:"intake"`
	Complexity ComplexityConfig `yaml:"complexity" mapstructure:"complexity"`
	Scorer     ScorerConfig     `yaml:"scorer" mapstructure:"scorer"`
	Dispatch   DispatchConfig   `yaml:"dispatch" mapstructure:"dispatch"`
	Delivery   DeliveryConfig   `yaml:"delivery" mapstructure:"delivery"`
	Escalation EscalationConfig `yaml:"escalation" mapstructure:"escalation"`
	Temporal   TemporalConfig   `yaml:"temporal" mapstructure:"temporal"`
	Circuit    CircuitConfig    `yaml:"circuit" mapstructure:"circuit"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// AnthropicConfig holds Anthropic API settings for field extraction.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// RetryConfig mirrors resilience.RetryConfig in config-friendly units.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// IntakeConfig configures the qualification state machine.
type IntakeConfig struct {
	RequiredFields     []string    `yaml:"required_fields" mapstructure:"required_fields"`
	MaxFollowUps       int         `yaml:"max_follow_ups" mapstructure:"max_follow_ups"`
	ExtractTimeoutSecs int         `yaml:"extract_timeout_secs" mapstructure:"extract_timeout_secs"`
	NotifyTimeoutSecs  int         `yaml:"notify_timeout_secs" mapstructure:"notify_timeout_secs"`
	LoadNumberPrefix   string      `yaml:"load_number_prefix" mapstructure:"load_number_prefix"`
	DefaultPickupHour  int         `yaml:"default_pickup_hour" mapstructure:"default_pickup_hour"`
	ExtractRetry       RetryConfig `yaml:"extract_retry" mapstructure:"extract_retry"`
}

// ComplexityConfig holds the keyword tables and thresholds of the complexity
// classifier. Empty tables fall back to the built-in defaults.
type ComplexityConfig struct {
	HazmatKeywords       []string `yaml:"hazmat_keywords" mapstructure:"hazmat_keywords"`
	OversizeKeywords     []string `yaml:"oversize_keywords" mapstructure:"oversize_keywords"`
	MultiStopKeywords    []string `yaml:"multi_stop_keywords" mapstructure:"multi_stop_keywords"`
	IntermodalKeywords   []string `yaml:"intermodal_keywords" mapstructure:"intermodal_keywords"`
	LTLKeywords          []string `yaml:"ltl_keywords" mapstructure:"ltl_keywords"`
	PartialKeywords      []string `yaml:"partial_keywords" mapstructure:"partial_keywords"`
	FlatbedKeywords      []string `yaml:"flatbed_keywords" mapstructure:"flatbed_keywords"`
	SpecializedEquipment []string `yaml:"specialized_equipment" mapstructure:"specialized_equipment"`
	IntermodalEquipment  []string `yaml:"intermodal_equipment" mapstructure:"intermodal_equipment"`
	MaxLegalWeightLb     int      `yaml:"max_legal_weight_lb" mapstructure:"max_legal_weight_lb"`
	LTLMaxWeightLb       int      `yaml:"ltl_max_weight_lb" mapstructure:"ltl_max_weight_lb"`
	LTLMinPieces         int      `yaml:"ltl_min_pieces" mapstructure:"ltl_min_pieces"`
	MaxDistinctZips      int      `yaml:"max_distinct_zips" mapstructure:"max_distinct_zips"`
}

// ScorerConfig configures carrier scoring.
type ScorerConfig struct {
	EquipmentCompatibility map[string][]string `yaml:"equipment_compatibility" mapstructure:"equipment_compatibility"`
	GeneralistMinTypes     int                 `yaml:"generalist_min_types" mapstructure:"generalist_min_types"`
	ZipPrefixRegions       map[string]string   `yaml:"zip_prefix_regions" mapstructure:"zip_prefix_regions"`
	MinTotalScore          int                 `yaml:"min_total_score" mapstructure:"min_total_score"`
}

// TierConfig defines one outreach tier.
type TierConfig struct {
	MinScore     int `yaml:"min_score" mapstructure:"min_score"`
	MaxCarriers  int `yaml:"max_carriers" mapstructure:"max_carriers"`
	DelayMinutes int `yaml:"delay_minutes" mapstructure:"delay_minutes"`
}

// DispatchConfig configures the tier scheduler.
type DispatchConfig struct {
	Tiers              []TierConfig `yaml:"tiers" mapstructure:"tiers"`
	Workers            int          `yaml:"workers" mapstructure:"workers"`
	StaggerMs          int          `yaml:"stagger_ms" mapstructure:"stagger_ms"`
	CallTimeoutSecs    int          `yaml:"call_timeout_secs" mapstructure:"call_timeout_secs"`
	MaxDeliveryRetries int          `yaml:"max_delivery_retries" mapstructure:"max_delivery_retries"`
	RetrySweepCron     string       `yaml:"retry_sweep_cron" mapstructure:"retry_sweep_cron"`
	Channel            string       `yaml:"channel" mapstructure:"channel"`
	// AutoStart launches the tier schedule as soon as a load qualifies.
	AutoStart          bool         `yaml:"auto_start" mapstructure:"auto_start"`
}

// DeliveryConfig configures the outbound message gateway.
type DeliveryConfig struct {
	Mode        string `yaml:"mode" mapstructure:"mode"`
	WebhookURL  string `yaml:"webhook_url" mapstructure:"webhook_url"`
	APIKey      string `yaml:"api_key" mapstructure:"api_key"`
	FromAddress string `yaml:"from_address" mapstructure:"from_address"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// EscalationConfig configures operator notifications.
type EscalationConfig struct {
	SlackWebhookURL string `yaml:"slack_webhook_url" mapstructure:"slack_webhook_url"`
	SlackChannel    string `yaml:"slack_channel" mapstructure:"slack_channel"`
}

// TemporalConfig configures the optional durable dispatch worker.
type TemporalConfig struct {
	HostPort  string `yaml:"host_port" mapstructure:"host_port"`
	Namespace string `yaml:"namespace" mapstructure:"namespace"`
	TaskQueue string `yaml:"task_queue" mapstructure:"task_queue"`
}

// CircuitConfig configures the delivery circuit breaker.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// MonitoringConfig holds backlog alert thresholds checked by the worker.
// A zero threshold disables its alert.
type MonitoringConfig struct {
	CheckIntervalSecs      int `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	StaleIncompleteHours   int `yaml:"stale_incomplete_hours" mapstructure:"stale_incomplete_hours"`
	DLQThreshold           int `yaml:"dlq_threshold" mapstructure:"dlq_threshold"`
	ReviewBacklogThreshold int `yaml:"review_backlog_threshold" mapstructure:"review_backlog_threshold"`
	RetryBacklogThreshold  int `yaml:"retry_backlog_threshold" mapstructure:"retry_backlog_threshold"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// DefaultTiers returns the four outreach tiers: >=80, >=60, >=40 and below 40,
// capped at 10/15/20/25 carriers and spaced 0/30/60/120 minutes apart.
func DefaultTiers() []TierConfig {
	return []TierConfig{
		{MinScore: 80, MaxCarriers: 10, DelayMinutes: 0},
		{MinScore: 60, MaxCarriers: 15, DelayMinutes: 30},
		{MinScore: 40, MaxCarriers: 20, DelayMinutes: 30},
		{MinScore: 0, MaxCarriers: 25, DelayMinutes: 60},
	}
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("LOADBLAST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 1024)
	v.SetDefault("intake.required_fields", []string{"origin_zip", "dest_zip", "pickup_dt", "equipment", "weight_lb"})
	v.SetDefault("intake.max_follow_ups", 3)
	v.SetDefault("intake.extract_timeout_secs", 30)
	v.SetDefault("intake.notify_timeout_secs", 15)
	v.SetDefault("intake.load_number_prefix", "LD")
	v.SetDefault("intake.default_pickup_hour", 8)
	v.SetDefault("intake.extract_retry.max_attempts", 3)
	v.SetDefault("intake.extract_retry.initial_backoff_ms", 500)
	v.SetDefault("intake.extract_retry.max_backoff_ms", 10000)
	v.SetDefault("intake.extract_retry.multiplier", 2.0)
	v.SetDefault("intake.extract_retry.jitter_fraction", 0.25)
	v.SetDefault("complexity.max_legal_weight_lb", 80000)
	v.SetDefault("complexity.ltl_max_weight_lb", 10000)
	v.SetDefault("complexity.ltl_min_pieces", 10)
	v.SetDefault("complexity.max_distinct_zips", 2)
	v.SetDefault("scorer.generalist_min_types", 3)
	v.SetDefault("scorer.min_total_score", 1)
	v.SetDefault("dispatch.workers", 5)
	v.SetDefault("dispatch.stagger_ms", 2000)
	v.SetDefault("dispatch.call_timeout_secs", 20)
	v.SetDefault("dispatch.max_delivery_retries", 3)
	v.SetDefault("dispatch.retry_sweep_cron", "*/5 * * * *")
	v.SetDefault("dispatch.channel", "email")
	v.SetDefault("dispatch.auto_start", true)
	v.SetDefault("delivery.mode", "log")
	v.SetDefault("delivery.timeout_secs", 15)
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("temporal.task_queue", "loadblast-dispatch")
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.reset_timeout_secs", 30)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.stale_incomplete_hours", 24)
	v.SetDefault("monitoring.dlq_threshold", 1)
	v.SetDefault("monitoring.review_backlog_threshold", 10)
	v.SetDefault("monitoring.retry_backlog_threshold", 50)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	if len(cfg.Dispatch.Tiers) == 0 {
		cfg.Dispatch.Tiers = DefaultTiers()
	}

	return &cfg, nil
}

// Validate checks the settings a command mode depends on. Modes: "serve",
// "worker", "qualify", "dispatch", "migrate".
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "serve", "worker", "qualify", "dispatch", "migrate":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required for postgres")
		}
	case "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("store.driver must be postgres or sqlite, got %q", c.Store.Driver))
	}

	if mode == "serve" && c.Server.Port <= 0 {
		errs = append(errs, "server.port must be > 0")
	}

	if mode == "serve" || mode == "qualify" {
		if c.Anthropic.Key == "" {
			errs = append(errs, "anthropic.key is required")
		}
		if c.Intake.MaxFollowUps < 0 {
			errs = append(errs, "intake.max_follow_ups must be >= 0")
		}
		if c.Intake.ExtractRetry.MaxAttempts < 1 {
			errs = append(errs, "intake.extract_retry.max_attempts must be >= 1")
		}
	}

	if mode == "serve" || mode == "worker" || mode == "dispatch" {
		if c.Dispatch.Workers < 1 || c.Dispatch.Workers > 50 {
			errs = append(errs, "dispatch.workers must be between 1 and 50")
		}
		if len(c.Dispatch.Tiers) == 0 {
			errs = append(errs, "dispatch.tiers must not be empty")
		}
		prev := 101
		for i, t := range c.Dispatch.Tiers {
			if t.MinScore < 0 || t.MinScore >= prev {
				errs = append(errs, fmt.Sprintf("dispatch.tiers[%d].min_score must be descending within 0-100", i))
			}
			if t.MaxCarriers < 1 {
				errs = append(errs, fmt.Sprintf("dispatch.tiers[%d].max_carriers must be >= 1", i))
			}
			if t.DelayMinutes < 0 {
				errs = append(errs, fmt.Sprintf("dispatch.tiers[%d].delay_minutes must be >= 0", i))
			}
			prev = t.MinScore
		}
		switch c.Delivery.Mode {
		case "log":
		case "webhook":
			if c.Delivery.WebhookURL == "" {
				errs = append(errs, "delivery.webhook_url is required for webhook mode")
			}
		default:
			errs = append(errs, fmt.Sprintf("delivery.mode must be log or webhook, got %q", c.Delivery.Mode))
		}
	}

	if len(errs) > 0 {
		return eris.New("config: " + strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
