package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"oracle-integrity-watch/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Window    WindowConfig    `mapstructure:"window"`
	Intake    IntakeConfig    `mapstructure:"intake"`
	Consensus ConsensusConfig `mapstructure:"consensus"`
	Anomaly   AnomalyConfig   `mapstructure:"anomaly"`
	Scoring   ScoringConfig   `mapstructure:"scoring"`
	Bus       BusConfig       `mapstructure:"bus"`
	Feed      FeedConfig      `mapstructure:"feed"`
	Sink      SinkConfig      `mapstructure:"sink"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// SourceConfig registers one oracle provider.
type SourceConfig struct {
	ID            string        `mapstructure:"id"`
	LatencyBudget time.Duration `mapstructure:"latency_budget"`
}

// SubjectConfig registers one monitored feed. RangeMin/RangeMax bound the
// physically valid values; readings outside are always critical anomalies.
type SubjectConfig struct {
	ID       string   `mapstructure:"id"`
	Kind     string   `mapstructure:"kind"`
	Scale    float64  `mapstructure:"scale"`
	RangeMin *float64 `mapstructure:"range_min"`
	RangeMax *float64 `mapstructure:"range_max"`
}

// RegistryConfig is the cached snapshot from the source registry
// collaborator.
type RegistryConfig struct {
	Sources  []SourceConfig  `mapstructure:"sources"`
	Subjects []SubjectConfig `mapstructure:"subjects"`
}

// WindowConfig governs aggregation intervals and the close sweep.
type WindowConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	Grace         time.Duration `mapstructure:"grace"`
	MaxWait       time.Duration `mapstructure:"max_wait"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	AlignSweep    bool          `mapstructure:"align_sweep"`
	StartupDelay  time.Duration `mapstructure:"startup_delay"`
}

// IntakeConfig tunes per-source validation behaviour.
type IntakeConfig struct {
	OfflineThreshold int           `mapstructure:"offline_threshold"`
	LivenessTimeout  time.Duration `mapstructure:"liveness_timeout"`
}

// ConsensusConfig tunes reconciliation.
type ConsensusConfig struct {
	SingleSourceCap float64 `mapstructure:"single_source_cap"`
}

// AnomalyConfig holds the severity threshold ladder.
type AnomalyConfig struct {
	LowThreshold      float64 `mapstructure:"low_threshold"`
	ModerateThreshold float64 `mapstructure:"moderate_threshold"`
	CriticalThreshold float64 `mapstructure:"critical_threshold"`
	EscalationRun     int     `mapstructure:"escalation_run"`
	HistoryCapacity   int     `mapstructure:"history_capacity"`
}

// ScoringConfig tunes integrity score evolution.
type ScoringConfig struct {
	DecayFactor       float64 `mapstructure:"decay_factor"`
	NeutralDefault    float64 `mapstructure:"neutral_default"`
	ReportGranularity float64 `mapstructure:"report_granularity"`
}

// BusConfig bounds subscriber buffering.
type BusConfig struct {
	BufferSize int `mapstructure:"buffer_size"`
}

// FeedConfig wires the Redis observation feed. Empty address disables it.
type FeedConfig struct {
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	Channel       string `mapstructure:"channel"`
}

// SinkConfig wires the Kafka event forwarder. Empty brokers disable it.
type SinkConfig struct {
	KafkaBrokers []string `mapstructure:"kafka_brokers"`
	Topic        string   `mapstructure:"topic"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// AlertingConfig routes repeat-offender recommendations.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
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
	v.SetEnvPrefix("ORACLEWATCH")
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
	v.SetDefault("app.name", "oraclewatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("window.interval", "15s")
	v.SetDefault("window.grace", "5s")
	v.SetDefault("window.max_wait", "0s")
	v.SetDefault("window.sweep_interval", "1s")
	v.SetDefault("window.align_sweep", true)
	v.SetDefault("window.startup_delay", "0s")

	v.SetDefault("intake.offline_threshold", 5)
	v.SetDefault("intake.liveness_timeout", "2m")

	v.SetDefault("consensus.single_source_cap", 0.6)

	v.SetDefault("anomaly.low_threshold", 0.05)
	v.SetDefault("anomaly.moderate_threshold", 0.15)
	v.SetDefault("anomaly.critical_threshold", 0.5)
	v.SetDefault("anomaly.escalation_run", 3)
	v.SetDefault("anomaly.history_capacity", 256)

	v.SetDefault("scoring.decay_factor", 0.9)
	v.SetDefault("scoring.neutral_default", 0.5)
	v.SetDefault("scoring.report_granularity", 0.01)

	v.SetDefault("bus.buffer_size", 64)

	v.SetDefault("feed.channel", "oracle.observations")

	v.SetDefault("sink.topic", "oracle.events")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
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
	if c.Window.Interval <= 0 {
		return fmt.Errorf("window.interval must be greater than zero")
	}
	if c.Window.Grace < 0 {
		return fmt.Errorf("window.grace cannot be negative")
	}
	if c.Window.SweepInterval <= 0 {
		return fmt.Errorf("window.sweep_interval must be greater than zero")
	}
	if c.Intake.OfflineThreshold < 0 {
		return fmt.Errorf("intake.offline_threshold cannot be negative")
	}
	if c.Consensus.SingleSourceCap <= 0 || c.Consensus.SingleSourceCap >= 1 {
		return fmt.Errorf("consensus.single_source_cap must be inside (0, 1)")
	}
	if c.Anomaly.LowThreshold <= 0 ||
		c.Anomaly.ModerateThreshold <= c.Anomaly.LowThreshold ||
		c.Anomaly.CriticalThreshold <= c.Anomaly.ModerateThreshold {
		return fmt.Errorf("anomaly thresholds must be positive and strictly ascending")
	}
	if c.Scoring.DecayFactor <= 0 || c.Scoring.DecayFactor >= 1 {
		return fmt.Errorf("scoring.decay_factor must be inside (0, 1)")
	}
	if c.Scoring.NeutralDefault <= 0 || c.Scoring.NeutralDefault > 1 {
		return fmt.Errorf("scoring.neutral_default must be inside (0, 1]")
	}
	if c.Bus.BufferSize <= 0 {
		return fmt.Errorf("bus.buffer_size must be greater than zero")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	for _, sub := range c.Registry.Subjects {
		if sub.Kind == "" || sub.Kind == "numeric" {
			if sub.Scale <= 0 {
				return fmt.Errorf("registry.subjects[%s]: scale must be greater than zero", sub.ID)
			}
		}
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
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
