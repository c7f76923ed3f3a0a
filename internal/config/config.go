package config

import (
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. RESEARCH_SCHEDULER_CONCURRENCY
const EnvPrefix = "RESEARCH"

type Config struct {
	Database      DatabaseConfig      `mapstructure:"database"`
	Server        ServerConfig        `mapstructure:"server"`
	Scheduler     SchedulerConfig     `mapstructure:"scheduler"`
	RateLimit     RateLimitConfig     `mapstructure:"ratelimit"`
	Enrichment    EnrichmentConfig    `mapstructure:"enrichment"`
	OrphanMonitor OrphanMonitorConfig `mapstructure:"orphan_monitor"`
	Log           LogConfig           `mapstructure:"log"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

type ServerConfig struct {
	Port int `mapstructure:"port" validate:"min=1,max=65535"`
}

type SchedulerConfig struct {
	Concurrency     int           `mapstructure:"concurrency" validate:"min=1"`
	MaxAttempts     int           `mapstructure:"max_attempts" validate:"min=1"`
	RetryBaseDelay  time.Duration `mapstructure:"retry_base_delay" validate:"gte=0"`
	RetryMaxDelay   time.Duration `mapstructure:"retry_max_delay" validate:"gtefield=RetryBaseDelay"`
	CallTimeout     time.Duration `mapstructure:"call_timeout" validate:"gte=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// RateLimitConfig bounds calls per job kind; zero requests_per_second disables limiting.
type RateLimitConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second" validate:"gte=0"`
	Burst             int     `mapstructure:"burst" validate:"min=1"`
}

type EnrichmentConfig struct {
	Provider  string `mapstructure:"provider" validate:"oneof=claude gemini"`
	Model     string `mapstructure:"model"`
	APIKey    string `mapstructure:"api_key"`
	MaxTokens int64  `mapstructure:"max_tokens" validate:"min=1"`
	BaseURL   string `mapstructure:"base_url" validate:"omitempty,url"`
}

type OrphanMonitorConfig struct {
	Schedule string `mapstructure:"schedule"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=trace debug info warn warning error fatal panic"`
	Format string `mapstructure:"format" validate:"oneof=text json"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "research.db")
	v.SetDefault("server.port", 8080)
	v.SetDefault("scheduler.concurrency", 50)
	v.SetDefault("scheduler.max_attempts", 3)
	v.SetDefault("scheduler.retry_base_delay", 500*time.Millisecond)
	v.SetDefault("scheduler.retry_max_delay", 10*time.Second)
	v.SetDefault("scheduler.call_timeout", 90*time.Second)
	v.SetDefault("scheduler.shutdown_timeout", 30*time.Second)
	v.SetDefault("ratelimit.requests_per_second", 10.0)
	v.SetDefault("ratelimit.burst", 10)
	v.SetDefault("enrichment.provider", "claude")
	v.SetDefault("enrichment.model", "")
	v.SetDefault("enrichment.api_key", "")
	v.SetDefault("enrichment.max_tokens", 1024)
	v.SetDefault("enrichment.base_url", "")
	v.SetDefault("orphan_monitor.schedule", "@every 30s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// flag name -> config key
var flagKeys = map[string]string{
	"db":          "database.path",
	"port":        "server.port",
	"concurrency": "scheduler.concurrency",
	"provider":    "enrichment.provider",
	"log-level":   "log.level",
}

// AddFlags registers the command-line overrides on fs. Unset flags leave file and
// environment values in place.
func AddFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "path to a config file (yaml, toml or json)")
	fs.String("db", "research.db", "path to SQLite database")
	fs.Int("port", 8080, "HTTP server port")
	fs.Int("concurrency", 50, "maximum in-flight items per job")
	fs.String("provider", "claude", "enrichment provider (claude or gemini)")
	fs.String("log-level", "info", "log level")
}

// Load builds the configuration from defaults, an optional config file, RESEARCH_*
// environment variables and flags, in increasing precedence. fs may be nil.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		for name, key := range flagKeys {
			if flag := fs.Lookup(name); flag != nil {
				if err := v.BindPFlag(key, flag); err != nil {
					return nil, errors.Wrapf(err, "failed to bind flag %s", name)
				}
			}
		}
		if flag := fs.Lookup("config"); flag != nil && flag.Value.String() != "" {
			v.SetConfigFile(flag.Value.String())
			if err := v.ReadInConfig(); err != nil {
				return nil, errors.Wrap(err, "failed to read config file")
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return errors.Wrap(err, "invalid config")
	}
	return nil
}

// ConfigureLogging applies the level and format to the standard logrus logger
func ConfigureLogging(cfg LogConfig) error {
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		return errors.Wrap(err, "invalid log level")
	}
	log.SetLevel(level)
	if cfg.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	log.SetOutput(os.Stdout)
	return nil
}
