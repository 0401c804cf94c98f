package conf

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"premium/internal/utils"
)

// Config holds the full service configuration. Values come from an optional
// YAML file, with environment variables taking precedence.
type Config struct {
	Platform   string   `yaml:"platform"`
	ProductIDs []string `yaml:"product_ids"`

	Server   ServerConfig   `yaml:"server"`
	Verifier VerifierConfig `yaml:"verifier"`
	NATS     NATSConfig     `yaml:"nats"`
	Redis    RedisConfig    `yaml:"redis"`
	Audit    AuditConfig    `yaml:"audit"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Port string `yaml:"port"`
}

// VerifierConfig holds receipt verification endpoint settings
type VerifierConfig struct {
	BaseURL   string        `yaml:"base_url"`
	AppKey    string        `yaml:"app_key"`
	AppSecret string        `yaml:"app_secret"`
	Timeout   time.Duration `yaml:"timeout"`
}

// NATSConfig holds billing bridge transport settings
type NATSConfig struct {
	Host          string `yaml:"host"`
	Port          string `yaml:"port"`
	Username      string `yaml:"username"`
	Password      string `yaml:"password"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// RedisConfig holds entitlement record store settings
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// AuditConfig holds purchase audit trail settings
type AuditConfig struct {
	Enabled bool `yaml:"enabled"`
}

// defaultConfig returns the built-in defaults
func defaultConfig() *Config {
	return &Config{
		Platform:   "ios",
		ProductIDs: []string{"premium.monthly", "premium.yearly"},
		Server: ServerConfig{
			Port: "8080",
		},
		Verifier: VerifierConfig{
			Timeout: 10 * time.Second,
		},
		NATS: NATSConfig{
			Host:          "localhost",
			Port:          "4222",
			SubjectPrefix: "billing.store",
		},
		Redis: RedisConfig{
			Host: "localhost",
			Port: "6379",
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file and
// environment variable overrides, in that order.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()

	if len(cfg.ProductIDs) == 0 {
		return nil, fmt.Errorf("product_ids must not be empty")
	}

	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	c.Platform = utils.GetEnvOrDefault("PREMIUM_PLATFORM", c.Platform)
	if ids := os.Getenv("PREMIUM_PRODUCT_IDS"); ids != "" {
		c.ProductIDs = splitAndTrim(ids)
	}

	c.Server.Port = utils.GetEnvOrDefault("PREMIUM_PORT", c.Server.Port)

	c.Verifier.BaseURL = utils.GetEnvOrDefault("VERIFIER_BASE_URL", c.Verifier.BaseURL)
	c.Verifier.AppKey = utils.GetEnvOrDefault("OS_APP_KEY", c.Verifier.AppKey)
	c.Verifier.AppSecret = utils.GetEnvOrDefault("OS_APP_SECRET", c.Verifier.AppSecret)

	c.NATS.Host = utils.GetEnvOrDefault("NATS_HOST", c.NATS.Host)
	c.NATS.Port = utils.GetEnvOrDefault("NATS_PORT", c.NATS.Port)
	c.NATS.Username = utils.GetEnvOrDefault("NATS_USERNAME", c.NATS.Username)
	c.NATS.Password = utils.GetEnvOrDefault("NATS_PASSWORD", c.NATS.Password)
	c.NATS.SubjectPrefix = utils.GetEnvOrDefault("NATS_SUBJECT_BILLING_STORE", c.NATS.SubjectPrefix)

	c.Redis.Host = utils.GetEnvOrDefault("REDIS_HOST", c.Redis.Host)
	c.Redis.Port = utils.GetEnvOrDefault("REDIS_PORT", c.Redis.Port)
	c.Redis.Password = utils.GetEnvOrDefault("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = utils.GetEnvOrDefaultInt("REDIS_DB", c.Redis.DB)

	c.Audit.Enabled = utils.GetEnvOrDefaultBool("PURCHASE_AUDIT_ENABLED", c.Audit.Enabled)
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
