package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Environment value that disables the debug overlay.
const Production = "production"

// Config represents the runtime configuration
type Config struct {
	URL                 string           `yaml:"url" envconfig:"AMQP_URL"`
	Host                string           `yaml:"host" envconfig:"AMQP_HOST" default:"localhost:5672"`
	ServiceName         string           `yaml:"service_name" envconfig:"CAROTTE_SERVICE_NAME"`
	Environment         string           `yaml:"environment" envconfig:"CAROTTE_ENV" default:"development"`
	DebugToken          string           `yaml:"debug_token" envconfig:"CAROTTE_DEBUG_TOKEN"`
	SubscribeTimeout    time.Duration    `yaml:"subscribe_timeout" envconfig:"CAROTTE_SUBSCRIBE_TIMEOUT" default:"30s"`
	AutoDescribe        bool             `yaml:"auto_describe" envconfig:"CAROTTE_AUTO_DESCRIBE" default:"false"`
	Introspection       bool             `yaml:"introspection" envconfig:"CAROTTE_INTROSPECTION" default:"false"`
	RetryableErrorCodes []int            `yaml:"retryable_error_codes" envconfig:"CAROTTE_RETRYABLE_ERROR_CODES" default:"320,501,504,505,506,541"`
	DeadLetter          DeadLetterConfig `yaml:"dead_letter"`
	Retry               RetryConfig      `yaml:"retry"`
	Logger              LoggerConfig     `yaml:"logger"`
}

// DeadLetterConfig represents the terminal failure queue
type DeadLetterConfig struct {
	Enabled   bool   `yaml:"enabled" envconfig:"CAROTTE_DEAD_LETTER_ENABLED" default:"true"`
	Qualifier string `yaml:"qualifier" envconfig:"CAROTTE_DEAD_LETTER_QUALIFIER" default:"dead-letter"`
}

// RetryConfig is the retry policy applied to subscriptions that don't set
// their own
type RetryConfig struct {
	Max      int           `yaml:"max" envconfig:"CAROTTE_RETRY_MAX" default:"5"`
	Strategy string        `yaml:"strategy" envconfig:"CAROTTE_RETRY_STRATEGY" default:"direct"`
	Interval time.Duration `yaml:"interval" envconfig:"CAROTTE_RETRY_INTERVAL" default:"0s"`
	Jitter   time.Duration `yaml:"jitter" envconfig:"CAROTTE_RETRY_JITTER" default:"0s"`
}

// LoggerConfig represents logger configuration
type LoggerConfig struct {
	Level  string `yaml:"level" envconfig:"LOG_LEVEL" default:"info"`
	Format string `yaml:"format" envconfig:"LOG_FORMAT" default:"json"` // json or text
}

// Default returns the configuration obtained with no file and an empty
// environment.
func Default() Config {
	return Config{
		Host:                "localhost:5672",
		Environment:         "development",
		SubscribeTimeout:    30 * time.Second,
		RetryableErrorCodes: []int{320, 501, 504, 505, 506, 541},
		DeadLetter:          DeadLetterConfig{Enabled: true, Qualifier: "dead-letter"},
		Retry:               RetryConfig{Max: 5, Strategy: "direct"},
		Logger:              LoggerConfig{Level: "info", Format: "json"},
	}
}

// Load loads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := loadFromFile(configPath, &cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// applyEnv overrides cfg with the variables actually set. Defaults were
// already applied by Default, so envconfig must not reapply them over
// file values.
func applyEnv(cfg *Config) error {
	var env Config
	if err := envconfig.Process("", &env); err != nil {
		return err
	}

	override := func(name string, apply func()) {
		if _, ok := os.LookupEnv(name); ok {
			apply()
		}
	}
	override("AMQP_URL", func() { cfg.URL = env.URL })
	override("AMQP_HOST", func() { cfg.Host = env.Host })
	override("CAROTTE_SERVICE_NAME", func() { cfg.ServiceName = env.ServiceName })
	override("CAROTTE_ENV", func() { cfg.Environment = env.Environment })
	override("CAROTTE_DEBUG_TOKEN", func() { cfg.DebugToken = env.DebugToken })
	override("CAROTTE_SUBSCRIBE_TIMEOUT", func() { cfg.SubscribeTimeout = env.SubscribeTimeout })
	override("CAROTTE_AUTO_DESCRIBE", func() { cfg.AutoDescribe = env.AutoDescribe })
	override("CAROTTE_INTROSPECTION", func() { cfg.Introspection = env.Introspection })
	override("CAROTTE_RETRYABLE_ERROR_CODES", func() { cfg.RetryableErrorCodes = env.RetryableErrorCodes })
	override("CAROTTE_DEAD_LETTER_ENABLED", func() { cfg.DeadLetter.Enabled = env.DeadLetter.Enabled })
	override("CAROTTE_DEAD_LETTER_QUALIFIER", func() { cfg.DeadLetter.Qualifier = env.DeadLetter.Qualifier })
	override("CAROTTE_RETRY_MAX", func() { cfg.Retry.Max = env.Retry.Max })
	override("CAROTTE_RETRY_STRATEGY", func() { cfg.Retry.Strategy = env.Retry.Strategy })
	override("CAROTTE_RETRY_INTERVAL", func() { cfg.Retry.Interval = env.Retry.Interval })
	override("CAROTTE_RETRY_JITTER", func() { cfg.Retry.Jitter = env.Retry.Jitter })
	override("LOG_LEVEL", func() { cfg.Logger.Level = env.Logger.Level })
	override("LOG_FORMAT", func() { cfg.Logger.Format = env.Logger.Format })
	return nil
}

// loadFromFile loads configuration from YAML file
func loadFromFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true) // Strict parsing

	return decoder.Decode(cfg)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.URL == "" && c.Host == "" {
		return fmt.Errorf("broker url or host is required")
	}

	if c.DeadLetter.Enabled && c.DeadLetter.Qualifier == "" {
		return fmt.Errorf("dead letter qualifier is required when dead lettering is enabled")
	}

	if c.SubscribeTimeout < 0 {
		return fmt.Errorf("invalid subscribe timeout: %v", c.SubscribeTimeout)
	}

	if c.Retry.Max < 0 {
		return fmt.Errorf("invalid retry max: %d", c.Retry.Max)
	}

	switch c.Retry.Strategy {
	case "", "direct", "exponential", "fixed":
	default:
		return fmt.Errorf("invalid retry strategy: %q", c.Retry.Strategy)
	}

	switch c.Logger.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("invalid log format: %q", c.Logger.Format)
	}

	return nil
}

// BrokerURL returns the URL to dial.
func (c *Config) BrokerURL() string {
	if c.URL != "" {
		return c.URL
	}
	return "amqp://" + c.Host
}

// IsProduction reports whether the debug overlay must stay off.
func (c *Config) IsProduction() bool {
	return c.Environment == Production
}
