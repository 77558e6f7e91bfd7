package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Cloud CloudConfig `yaml:"cloud"`
	Push  PushConfig  `yaml:"push"`
	Sync  SyncConfig  `yaml:"sync"`
	MQTT  MQTTConfig  `yaml:"mqtt"`
	HTTP  HTTPConfig  `yaml:"http"`
	Log   LogConfig   `yaml:"log"`
}

// CloudConfig holds cloud API and identity-provider configuration.
type CloudConfig struct {
	APIBase  string `yaml:"api_base" env:"AQUA_API_BASE"`
	APIKey   string `yaml:"api_key" env:"AQUA_API_KEY"`
	Username string `yaml:"username" env:"AQUA_USERNAME"`
	Password string `yaml:"password" env:"AQUA_PASSWORD"`
	Location string `yaml:"location" env:"AQUA_LOCATION"`
}

// PushConfig holds push broker configuration.
type PushConfig struct {
	Endpoint    string `yaml:"endpoint" env:"AQUA_PUSH_ENDPOINT"`
	TopicPrefix string `yaml:"topic_prefix" env:"AQUA_PUSH_TOPIC_PREFIX"`
}

// SyncConfig holds device polling configuration.
type SyncConfig struct {
	PollInterval  time.Duration `yaml:"poll_interval" env:"AQUA_POLL_INTERVAL"`
	FirmwareEvery int           `yaml:"firmware_every" env:"AQUA_FIRMWARE_EVERY"`
}

// MQTTConfig holds Home Assistant MQTT bridge configuration.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled" env:"AQUA_MQTT_ENABLED"`
	Broker      string `yaml:"broker" env:"AQUA_MQTT_BROKER"`
	Username    string `yaml:"username" env:"AQUA_MQTT_USERNAME"`
	Password    string `yaml:"password" env:"AQUA_MQTT_PASSWORD"`
	TopicPrefix string `yaml:"topic_prefix" env:"AQUA_MQTT_TOPIC_PREFIX"`
}

// HTTPConfig holds local HTTP API configuration.
type HTTPConfig struct {
	Addr    string `yaml:"addr" env:"AQUA_HTTP_ADDR"`
	CORSAll bool   `yaml:"cors_allow_all" env:"AQUA_CORS_ALLOW_ALL"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level" env:"AQUA_LOG_LEVEL"`
	Format string `yaml:"format" env:"AQUA_LOG_FORMAT"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() Config {
	return Config{
		Cloud: CloudConfig{
			APIBase: "https://api.meetflo.com/api/v1",
		},
		Push: PushConfig{
			Endpoint:    "wss://rt.meetflo.com/live",
			TopicPrefix: "device-updates",
		},
		Sync: SyncConfig{
			PollInterval:  60 * time.Second,
			FirmwareEvery: 60,
		},
		MQTT: MQTTConfig{
			TopicPrefix: "aquabridge",
		},
		HTTP: HTTPConfig{
			Addr: ":8080",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from a YAML file at path, then overlays a .env
// file (if present) and process environment variables. Env vars take
// precedence over YAML. If path is empty, only defaults + env vars are used.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("config: read %s: %w", path, err)
			}
			// file not found is ok, use defaults
		} else {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	_ = godotenv.Load()

	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("config: environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Validate checks that required fields are set and numeric knobs are sane.
func (c *Config) Validate() error {
	if c.Cloud.Username == "" {
		return fmt.Errorf("cloud username is required (AQUA_USERNAME)")
	}
	if c.Cloud.Password == "" {
		return fmt.Errorf("cloud password is required (AQUA_PASSWORD)")
	}
	if c.Sync.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", c.Sync.PollInterval)
	}
	if c.Sync.FirmwareEvery <= 0 {
		return fmt.Errorf("firmware cadence must be positive, got %d", c.Sync.FirmwareEvery)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt broker is required when mqtt is enabled")
	}
	return nil
}
