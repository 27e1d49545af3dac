// Package config provides configuration management for the acquisition gateway.
// It supports environment variables, an optional YAML config file, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the acquisition gateway.
type Config struct {
	// Environment is the deployment environment (development, staging, production)
	Environment string `mapstructure:"environment"`

	// DevicesConfigPath is the path to the device descriptor file
	DevicesConfigPath string `mapstructure:"devices_config_path"`

	HTTP     HTTPConfig     `mapstructure:"http"`
	Sampler  SamplerConfig  `mapstructure:"sampler"`
	Modbus   ModbusConfig   `mapstructure:"modbus"`
	MQTT     MQTTConfig     `mapstructure:"mqtt"`
	Commands CommandsConfig `mapstructure:"commands"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// SamplerConfig holds the tick clock configuration.
type SamplerConfig struct {
	TickInterval    time.Duration        `mapstructure:"tick_interval"`
	RefreshTimeout  time.Duration        `mapstructure:"refresh_timeout"`
	ShutdownTimeout time.Duration        `mapstructure:"shutdown_timeout"`
	CircuitBreaker  CircuitBreakerConfig `mapstructure:"circuit_breaker"`
}

// CircuitBreakerConfig holds the per-link circuit breaker settings.
type CircuitBreakerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	MaxRequests  uint32        `mapstructure:"max_requests"`
	Interval     time.Duration `mapstructure:"interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MinRequests  uint32        `mapstructure:"min_requests"`
	FailureRatio float64       `mapstructure:"failure_ratio"`
}

// ModbusConfig holds link and request grouping defaults.
type ModbusConfig struct {
	// DefaultTimeout applies to devices that do not set their own timeout
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`

	MaxRegistersPerRequest uint16 `mapstructure:"max_registers_per_request"`
	MaxBitsPerRequest      uint16 `mapstructure:"max_bits_per_request"`

	// MaxGap is the largest unused address gap merged into one request
	MaxGap uint16 `mapstructure:"max_gap"`
}

// MQTTConfig holds MQTT client configuration.
type MQTTConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BrokerURL      string        `mapstructure:"broker_url"`
	ClientID       string        `mapstructure:"client_id"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	CleanSession   bool          `mapstructure:"clean_session"`
	QoS            byte          `mapstructure:"qos"`
	KeepAlive      time.Duration `mapstructure:"keep_alive"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
	TLSEnabled     bool          `mapstructure:"tls_enabled"`
	TLSCertFile    string        `mapstructure:"tls_cert_file"`
	TLSKeyFile     string        `mapstructure:"tls_key_file"`
	TLSCAFile      string        `mapstructure:"tls_ca_file"`
	BufferSize     int           `mapstructure:"buffer_size"`
	TopicPrefix    string        `mapstructure:"topic_prefix"`
	RetainMessages bool          `mapstructure:"retain_messages"`
}

// CommandsConfig holds the MQTT write command configuration.
type CommandsConfig struct {
	Enabled               bool          `mapstructure:"enabled"`
	TopicPrefix           string        `mapstructure:"topic_prefix"`
	ResponseTopicPrefix   string        `mapstructure:"response_topic_prefix"`
	WriteTimeout          time.Duration `mapstructure:"write_timeout"`
	QoS                   byte          `mapstructure:"qos"`
	EnableAcknowledgement bool          `mapstructure:"enable_acknowledgement"`
	Workers               int           `mapstructure:"workers"`
	QueueSize             int           `mapstructure:"queue_size"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // json or console
	Output     string `mapstructure:"output"` // stdout, stderr, or file path
	TimeFormat string `mapstructure:"time_format"`
}

// Load loads configuration from the default search paths and the environment.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile loads configuration from path, or from the default search paths
// when path is empty. A missing file in the search paths is not an error.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/acquisition-gateway")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("GATEWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("devices_config_path", "./config/devices.yaml")

	// HTTP
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 10*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)

	// Sampler
	v.SetDefault("sampler.tick_interval", time.Second)
	v.SetDefault("sampler.refresh_timeout", 0)
	v.SetDefault("sampler.shutdown_timeout", 30*time.Second)
	v.SetDefault("sampler.circuit_breaker.enabled", false)
	v.SetDefault("sampler.circuit_breaker.max_requests", 3)
	v.SetDefault("sampler.circuit_breaker.interval", 10*time.Second)
	v.SetDefault("sampler.circuit_breaker.timeout", 30*time.Second)
	v.SetDefault("sampler.circuit_breaker.min_requests", 10)
	v.SetDefault("sampler.circuit_breaker.failure_ratio", 0.6)

	// Modbus
	v.SetDefault("modbus.default_timeout", 2*time.Second)
	v.SetDefault("modbus.max_registers_per_request", 125)
	v.SetDefault("modbus.max_bits_per_request", 2000)
	v.SetDefault("modbus.max_gap", 0)

	// MQTT
	v.SetDefault("mqtt.enabled", true)
	v.SetDefault("mqtt.broker_url", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "acquisition-gateway")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.clean_session", true)
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.keep_alive", 30*time.Second)
	v.SetDefault("mqtt.connect_timeout", 10*time.Second)
	v.SetDefault("mqtt.reconnect_delay", 5*time.Second)
	v.SetDefault("mqtt.publish_timeout", 5*time.Second)
	v.SetDefault("mqtt.tls_enabled", false)
	v.SetDefault("mqtt.buffer_size", 10000)
	v.SetDefault("mqtt.topic_prefix", "gateway/data")
	v.SetDefault("mqtt.retain_messages", false)

	// Commands
	v.SetDefault("commands.enabled", true)
	v.SetDefault("commands.topic_prefix", "gateway/cmd")
	v.SetDefault("commands.response_topic_prefix", "gateway/cmd/response")
	v.SetDefault("commands.write_timeout", 10*time.Second)
	v.SetDefault("commands.qos", 1)
	v.SetDefault("commands.enable_acknowledgement", true)
	v.SetDefault("commands.workers", 4)
	v.SetDefault("commands.queue_size", 100)

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.time_format", time.RFC3339)
}

func bindEnvVars(v *viper.Viper) {
	// MQTT
	_ = v.BindEnv("mqtt.broker_url", "MQTT_BROKER_URL")
	_ = v.BindEnv("mqtt.username", "MQTT_USERNAME")
	_ = v.BindEnv("mqtt.password", "MQTT_PASSWORD")
	_ = v.BindEnv("mqtt.client_id", "MQTT_CLIENT_ID")

	// General
	_ = v.BindEnv("environment", "ENVIRONMENT")
	_ = v.BindEnv("devices_config_path", "DEVICES_CONFIG_PATH")
	_ = v.BindEnv("http.port", "HTTP_PORT")

	// Logging
	_ = v.BindEnv("logging.level", "LOG_LEVEL")
	_ = v.BindEnv("logging.format", "LOG_FORMAT")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTP.Port)
	}
	if c.Sampler.TickInterval <= 0 {
		return fmt.Errorf("sampler tick interval must be positive")
	}
	if r := c.Sampler.CircuitBreaker.FailureRatio; r < 0 || r > 1 {
		return fmt.Errorf("circuit breaker failure ratio must be within [0, 1], got %v", r)
	}
	if n := c.Modbus.MaxRegistersPerRequest; n < 1 || n > 125 {
		return fmt.Errorf("modbus max registers per request must be within [1, 125], got %d", n)
	}
	if n := c.Modbus.MaxBitsPerRequest; n < 1 || n > 2000 {
		return fmt.Errorf("modbus max bits per request must be within [1, 2000], got %d", n)
	}
	if c.Modbus.DefaultTimeout <= 0 {
		return fmt.Errorf("modbus default timeout must be positive")
	}
	if c.MQTT.Enabled && c.MQTT.BrokerURL == "" {
		return fmt.Errorf("MQTT broker URL is required")
	}
	if c.MQTT.QoS > 2 || c.Commands.QoS > 2 {
		return fmt.Errorf("MQTT QoS must be 0, 1 or 2")
	}
	if c.Commands.Enabled && !c.MQTT.Enabled {
		return fmt.Errorf("commands require MQTT to be enabled")
	}
	return nil
}
