package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config top-level struct
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Credits   CreditsConfig   `yaml:"credits"`
	Evolink   EvolinkConfig   `yaml:"evolink"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type RateLimitConfig struct {
	RPS   int `yaml:"rps"`
	Burst int `yaml:"burst"`
}

// CreditsConfig describes how credit consumption is priced.
// Mode is "fixed" (static per-feature cost) or "dynamic" (cost scales
// with token usage).
type CreditsConfig struct {
	Mode        string               `yaml:"consumption_mode"`
	Fixed       map[string]FixedCost `yaml:"fixed"`
	Dynamic     DynamicPricing       `yaml:"dynamic"`
	SignupBonus int64                `yaml:"signup_bonus"`
}

// FixedCost is a default amount plus optional per-model overrides.
// An empty Models map means flat pricing for every model.
type FixedCost struct {
	Default int64            `yaml:"default"`
	Models  map[string]int64 `yaml:"models"`
}

type DynamicPricing struct {
	TokensPerCredit  int64              `yaml:"tokens_per_credit"`
	ModelMultipliers map[string]float64 `yaml:"model_multipliers"`
}

// EvolinkConfig points at the image generation provider.
type EvolinkConfig struct {
	BaseURL      string   `yaml:"base_url"`
	APIKey       string   `yaml:"api_key"`
	PollInterval Duration `yaml:"poll_interval"`
	MaxPolls     int      `yaml:"max_polls"`
}

// Duration parses yaml values like "1500ms" or "2s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Load reads yaml file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	// override secrets from env if present
	if pw := os.Getenv("POSTGRES_PASSWORD"); pw != "" {
		cfg.Postgres.DSN = cfg.Postgres.DSN + " password=" + pw
	}
	if key := os.Getenv("EVOLINK_API_KEY"); key != "" {
		cfg.Evolink.APIKey = key
	}
	if err := cfg.Credits.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *CreditsConfig) validate() error {
	switch c.Mode {
	case "fixed", "dynamic":
	default:
		return fmt.Errorf("credits: unknown consumption_mode %q", c.Mode)
	}
	if c.Mode == "dynamic" && c.Dynamic.TokensPerCredit <= 0 {
		return fmt.Errorf("credits: tokens_per_credit must be positive, got %d", c.Dynamic.TokensPerCredit)
	}
	return nil
}
