package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the ingest service
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	MQTT      MQTTConfig      `mapstructure:"mqtt"`
	Mongo     MongoConfig     `mapstructure:"mongo"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Inference InferenceConfig `mapstructure:"inference"`
	Features  FeaturesConfig  `mapstructure:"features"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Broadcast BroadcastConfig `mapstructure:"broadcast"`
	Alerts    AlertsConfig    `mapstructure:"alerts"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	JWTSecret    string        `mapstructure:"jwt_secret"`
}

// MQTTConfig holds broker connection and subscription settings
type MQTTConfig struct {
	BrokerURL string        `mapstructure:"broker_url"`
	ClientID  string        `mapstructure:"client_id"`
	Username  string        `mapstructure:"username"`
	Password  string        `mapstructure:"password"`
	Topics    []string      `mapstructure:"topics"`
	QoS       int           `mapstructure:"qos"`
	KeepAlive time.Duration `mapstructure:"keep_alive"`
}

// MongoConfig holds document store settings
type MongoConfig struct {
	URI                  string        `mapstructure:"uri"`
	Database             string        `mapstructure:"database"`
	RawCollection        string        `mapstructure:"raw_collection"`
	PredictionCollection string        `mapstructure:"prediction_collection"`
	RawRetention         time.Duration `mapstructure:"raw_retention"`
	PredictionRetention  time.Duration `mapstructure:"prediction_retention"`
	ConnectTimeout       time.Duration `mapstructure:"connect_timeout"`
}

// RegistryConfig holds the PostgreSQL sensor registry settings
type RegistryConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	PostgresDSN     string        `mapstructure:"postgres_dsn"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
}

// InferenceConfig holds the ML serving endpoint settings
type InferenceConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
	TopK    int           `mapstructure:"top_k"`
}

// FeaturesConfig holds feature extraction settings
type FeaturesConfig struct {
	ManifestPath string `mapstructure:"manifest_path"`
	WindowSize   int    `mapstructure:"window_size"`
}

// PipelineConfig holds message processing settings
type PipelineConfig struct {
	LaneCapacity  int           `mapstructure:"lane_capacity"`
	LaneCount     int           `mapstructure:"lane_count"`
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
}

// BroadcastConfig holds dashboard push settings
type BroadcastConfig struct {
	Buffer int `mapstructure:"buffer"`
}

// AlertsConfig holds NATS fault alert publishing settings
type AlertsConfig struct {
	Enabled   bool    `mapstructure:"enabled"`
	NATSURL   string  `mapstructure:"nats_url"`
	Threshold float64 `mapstructure:"threshold"`
}

// LoggingConfig holds log output settings
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.port", 8090)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.jwt_secret", "")

	v.SetDefault("mqtt.broker_url", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "plantpulse-ingest")
	v.SetDefault("mqtt.topics", []string{"sensors/#", "equipment/#", "+/+/sensors/#"})
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.keep_alive", "30s")

	v.SetDefault("mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("mongo.database", "plantpulse")
	v.SetDefault("mongo.raw_collection", "raw_telemetry")
	v.SetDefault("mongo.prediction_collection", "predictions")
	v.SetDefault("mongo.raw_retention", "720h")
	v.SetDefault("mongo.prediction_retention", "2160h")
	v.SetDefault("mongo.connect_timeout", "10s")

	v.SetDefault("registry.enabled", false)
	v.SetDefault("registry.postgres_dsn", "")
	v.SetDefault("registry.refresh_interval", "60s")

	v.SetDefault("inference.base_url", "http://localhost:8000")
	v.SetDefault("inference.api_key", "")
	v.SetDefault("inference.timeout", "5s")
	v.SetDefault("inference.top_k", 3)

	v.SetDefault("features.manifest_path", "")
	v.SetDefault("features.window_size", 14)

	v.SetDefault("pipeline.lane_capacity", 256)
	v.SetDefault("pipeline.lane_count", 32)
	v.SetDefault("pipeline.shutdown_grace", "10s")

	v.SetDefault("broadcast.buffer", 64)

	v.SetDefault("alerts.enabled", false)
	v.SetDefault("alerts.nats_url", "nats://localhost:4222")
	v.SetDefault("alerts.threshold", 0.6)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Environment variables override file config
	v.SetEnvPrefix("PLANTPULSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.MQTT.BrokerURL == "" {
		return fmt.Errorf("mqtt.broker_url is required")
	}
	if len(c.MQTT.Topics) == 0 {
		return fmt.Errorf("mqtt.topics must not be empty")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
	}
	if c.Mongo.URI == "" {
		return fmt.Errorf("mongo.uri is required")
	}
	if c.Inference.BaseURL == "" {
		return fmt.Errorf("inference.base_url is required")
	}
	if c.Registry.Enabled && c.Registry.PostgresDSN == "" {
		return fmt.Errorf("registry.postgres_dsn is required when registry is enabled")
	}
	if c.Alerts.Threshold < 0 || c.Alerts.Threshold > 1 {
		return fmt.Errorf("alerts.threshold must be within [0, 1]")
	}
	if c.Features.WindowSize <= 0 {
		return fmt.Errorf("features.window_size must be positive")
	}
	if c.Pipeline.LaneCount <= 0 {
		return fmt.Errorf("pipeline.lane_count must be positive")
	}
	return nil
}
