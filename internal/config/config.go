package config

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/perf-recon/internal/calc"
	"github.com/sells-group/perf-recon/internal/model"
	"github.com/sells-group/perf-recon/internal/quality"
	"github.com/sells-group/perf-recon/internal/reconcile"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Reconcile  ReconcileConfig  `yaml:"reconcile" mapstructure:"reconcile"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	AMQP       AMQPConfig       `yaml:"amqp" mapstructure:"amqp"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig selects and configures the persistence gateway.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ReconcileConfig holds the batch engine settings.
type ReconcileConfig struct {
	MappingsDir           string             `yaml:"mappings_dir" mapstructure:"mappings_dir"`
	Tolerances            map[string]float64 `yaml:"tolerances" mapstructure:"tolerances"`
	MissingVendorPolicy   string             `yaml:"missing_vendor_policy" mapstructure:"missing_vendor_policy"`
	UndefinedPolicy       string             `yaml:"undefined_policy" mapstructure:"undefined_policy"`
	RejectionCeiling      float64            `yaml:"rejection_ceiling" mapstructure:"rejection_ceiling"`
	MaxConcurrentAccounts int                `yaml:"max_concurrent_accounts" mapstructure:"max_concurrent_accounts"`
	OutlierSigma          float64            `yaml:"outlier_sigma" mapstructure:"outlier_sigma"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port              int      `yaml:"port" mapstructure:"port"`
	RequestsPerSecond float64  `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	Burst             int      `yaml:"burst" mapstructure:"burst"`
	AllowedOrigins    []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// AMQPConfig configures summary publication. An empty URL disables it.
type AMQPConfig struct {
	URL        string `yaml:"url" mapstructure:"url"`
	Exchange   string `yaml:"exchange" mapstructure:"exchange"`
	RoutingKey string `yaml:"routing_key" mapstructure:"routing_key"`
}

// MonitoringConfig configures batch health alerting. An empty webhook URL
// disables the background checker.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	PassRateThreshold    float64 `yaml:"pass_rate_threshold" mapstructure:"pass_rate_threshold"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from an optional .env file, config.yaml and
// PERFRECON_* environment variables. Environment wins over the file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, eris.Wrap(err, "config: load .env")
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("PERFRECON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("reconcile.mappings_dir", "mappings")
	v.SetDefault("reconcile.tolerances", map[string]float64{
		model.FieldTWRR:              0.0001,
		model.FieldEndingMarketValue: 0.01,
		model.FieldNetFlow:           0.01,
	})
	v.SetDefault("reconcile.missing_vendor_policy", string(reconcile.MissingSkip))
	v.SetDefault("reconcile.undefined_policy", string(calc.PolicyPropagate))
	v.SetDefault("reconcile.rejection_ceiling", 0.05)
	v.SetDefault("reconcile.max_concurrent_accounts", 8)
	v.SetDefault("reconcile.outlier_sigma", 3.0)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.requests_per_second", 20.0)
	v.SetDefault("server.burst", 40)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("amqp.url", "")
	v.SetDefault("amqp.exchange", "perf-recon")
	v.SetDefault("amqp.routing_key", "batch.completed")
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.failure_rate_threshold", 0.2)
	v.SetDefault("monitoring.pass_rate_threshold", 0.95)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.check_interval_secs", 300)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command mode needs. Modes are "reconcile",
// "serve" and "store"; every mode validates the store.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required")
		}
	case "sqlite":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required (sqlite file path)")
		}
	default:
		errs = append(errs, "store.driver must be postgres or sqlite")
	}

	switch mode {
	case "reconcile":
		if c.Reconcile.MappingsDir == "" {
			errs = append(errs, "reconcile.mappings_dir is required")
		}
		if _, err := c.Tolerances(); err != nil {
			errs = append(errs, err.Error())
		}
		if _, err := reconcile.ParseMissingPolicy(c.Reconcile.MissingVendorPolicy); err != nil {
			errs = append(errs, err.Error())
		}
		if _, err := calc.ParsePolicy(c.Reconcile.UndefinedPolicy); err != nil {
			errs = append(errs, err.Error())
		}
		if err := c.QualityConfig().Validate(); err != nil {
			errs = append(errs, err.Error())
		}
		if c.Reconcile.MaxConcurrentAccounts < 1 {
			errs = append(errs, "reconcile.max_concurrent_accounts must be at least 1")
		}
		if c.Reconcile.OutlierSigma < 0 {
			errs = append(errs, "reconcile.outlier_sigma must not be negative")
		}
	case "serve":
		if c.Server.Port < 1 || c.Server.Port > 65535 {
			errs = append(errs, "server.port must be between 1 and 65535")
		}
		if c.Server.RequestsPerSecond <= 0 {
			errs = append(errs, "server.requests_per_second must be positive")
		}
		if c.Monitoring.WebhookURL != "" && c.Monitoring.LookbackWindowHours < 1 {
			errs = append(errs, "monitoring.lookback_window_hours must be at least 1")
		}
	case "store":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: invalid %s configuration: %s", mode, strings.Join(errs, "; "))
	}
	return nil
}

// Tolerances converts the configured thresholds and validates them.
func (c *Config) Tolerances() (reconcile.Tolerances, error) {
	t := make(reconcile.Tolerances, len(c.Reconcile.Tolerances))
	for field, v := range c.Reconcile.Tolerances {
		t[strings.ToLower(field)] = decimal.NewFromFloat(v)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// QualityConfig returns the aggregation thresholds.
func (c *Config) QualityConfig() quality.Config {
	return quality.Config{RejectionCeiling: c.Reconcile.RejectionCeiling}
}

// InitLogger initializes the global zap logger from config.
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
