package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of the environment variables that override the listen address.
const EnvPrefix = "CHAT"

// Config holds all configuration settings
type Config struct {
	Server struct {
		Name    string `yaml:"name" validate:"required"`
		Host    string `yaml:"host"`
		Port    string `yaml:"port" validate:"required,numeric"`
		WebPort string `yaml:"web_port" validate:"omitempty,numeric"`
	} `yaml:"server"`
	Storage struct {
		SQLitePath string `yaml:"sqlite_path"`
	} `yaml:"storage"`
	Chat   ChatConfig   `yaml:"chat"`
	Logger LoggerConfig `yaml:"logger"`
}

// ChatConfig tunes sessions, channels and history.
type ChatConfig struct {
	DefaultChannel   string        `yaml:"default_channel" validate:"required,excludesall=0x2C "`
	MaxLineLength    int           `yaml:"max_line_length" validate:"gt=0"`
	MaxNickLength    int           `yaml:"max_nick_length" validate:"gt=0"`
	HistoryLimit     int           `yaml:"history_limit" validate:"gte=0"`
	SendQueueSize    int           `yaml:"send_queue_size" validate:"gt=0"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" validate:"gte=0"`
	IdleTimeout      time.Duration `yaml:"idle_timeout" validate:"gte=0"`
	WriteTimeout     time.Duration `yaml:"write_timeout" validate:"gt=0"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
}

// LoggerConfig represents the logger configuration
type LoggerConfig struct {
	Level      string `yaml:"level" validate:"oneof=debug info warn error"`
	Format     string `yaml:"format" validate:"oneof=json console"`
	Output     string `yaml:"output" validate:"oneof=stdout file"`
	FilePath   string `yaml:"file_path" validate:"required_if=Output file"`
	MaxSize    int    `yaml:"max_size"`    // megabytes
	MaxBackups int    `yaml:"max_backups"` // rotated files kept
	MaxAge     int    `yaml:"max_age"`     // days
	Compress   bool   `yaml:"compress"`
}

// Listen holds the only settings that may come from the environment.
type Listen struct {
	Host string `split_words:"true"`
	Port string `split_words:"true"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.Server.Name = "Chat Relay"
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = "12345"
	cfg.Server.WebPort = ""
	cfg.Storage.SQLitePath = ":memory:"
	cfg.Chat.DefaultChannel = "general"
	cfg.Chat.MaxLineLength = 4096
	cfg.Chat.MaxNickLength = 32
	cfg.Chat.HistoryLimit = 500
	cfg.Chat.SendQueueSize = 256
	cfg.Chat.HandshakeTimeout = 60 * time.Second
	cfg.Chat.IdleTimeout = 0
	cfg.Chat.WriteTimeout = 10 * time.Second
	cfg.Chat.ShutdownTimeout = 5 * time.Second
	cfg.Logger.Level = "info"
	cfg.Logger.Format = "console"
	cfg.Logger.Output = "stdout"
	cfg.Logger.FilePath = "chatrelay.log"
	cfg.Logger.MaxSize = 100
	cfg.Logger.MaxBackups = 3
	cfg.Logger.MaxAge = 7
	return cfg
}

// Load reads the configuration file, applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			// Config file doesn't exist, use defaults
		case err != nil:
			return nil, fmt.Errorf("error reading config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("error parsing config file: %w", err)
			}
		}
	}

	// A missing .env file is the common case.
	_ = godotenv.Load()

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides the listen address from CHAT_HOST and CHAT_PORT.
func (c *Config) ApplyEnv() error {
	listen := Listen{Host: c.Server.Host, Port: c.Server.Port}
	if err := envconfig.Process(EnvPrefix, &listen); err != nil {
		return fmt.Errorf("error reading environment: %w", err)
	}
	c.Server.Host = listen.Host
	c.Server.Port = listen.Port
	return nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// Addr returns the chat listen address.
func (c *Config) Addr() string {
	return c.Server.Host + ":" + c.Server.Port
}
