// Package config provides configuration management for Conductor.
// It supports loading configuration from environment variables, a config
// file, and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Conductor.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Docker   DockerConfig   `mapstructure:"docker"`
	LLM      LLMConfig      `mapstructure:"llm"`
	MCP      MCPConfig      `mapstructure:"mcp"`
	Watchdog WatchdogConfig `mapstructure:"watchdog"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP/WS server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`
	WriteTimeout int    `mapstructure:"writeTimeout"`
	// RateLimit is the REST gateway's requests-per-second budget, shared by
	// all clients of the process. Zero disables rate limiting.
	RateLimit int `mapstructure:"rateLimit"`
}

func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// DatabaseConfig selects and configures the persistence backend.
type DatabaseConfig struct {
	// Driver is one of "memory", "sqlite", "postgres".
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

// NATSConfig holds optional cross-process event fan-out configuration.
// An empty URL means the Subscription Hub uses its in-memory bus only.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// DockerConfig controls the Agent Host's sandboxed tool runner.
type DockerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Image   string `mapstructure:"image"`
}

// LLMConfig points the Agent Host's default Provider at an OpenAI-compatible
// chat completions endpoint.
type LLMConfig struct {
	BaseURL     string  `mapstructure:"baseUrl"`
	APIKey      string  `mapstructure:"apiKey"`
	Model       string  `mapstructure:"model"`
	Temperature float64 `mapstructure:"temperature"`
}

// MCPConfig controls the MCP Bridge's HTTP listener.
type MCPConfig struct {
	Port int `mapstructure:"port"`
}

// WatchdogConfig controls the stalled-conversation sweeper.
type WatchdogConfig struct {
	SweepInterval time.Duration `mapstructure:"sweepInterval"`
	StaleAfter    time.Duration `mapstructure:"staleAfter"`
	MinAge        time.Duration `mapstructure:"minAge"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8088)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.rateLimit", 20)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./conductor.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "conductor")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "conductor")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "conductor")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("docker.enabled", false)
	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.image", "alpine:3.20")

	v.SetDefault("llm.baseUrl", "https://api.openai.com/v1")
	v.SetDefault("llm.apiKey", "")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.temperature", 0.7)

	v.SetDefault("mcp.port", 9090)

	v.SetDefault("watchdog.sweepInterval", 30*time.Second)
	v.SetDefault("watchdog.staleAfter", 10*time.Minute)
	v.SetDefault("watchdog.minAge", time.Minute)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and
// defaults. Environment variables use the prefix CONDUCTOR_.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default
// locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CONDUCTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/conductor/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	validDrivers := map[string]bool{"memory": true, "sqlite": true, "postgres": true}
	if !validDrivers[cfg.Database.Driver] {
		errs = append(errs, "database.driver must be one of: memory, sqlite, postgres")
	}
	if cfg.Database.Driver == "postgres" {
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for postgres driver")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
