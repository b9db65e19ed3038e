// Package config loads broker settings from the environment.
//
// An optional .env file in the working directory is read first (existing
// environment variables win), then BROKER_* variables are parsed into Config.
// The positional port argument accepted by cmd/broker overrides BROKER_PORT.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/dreamware/topicbroker/internal/logger"
)

// DefaultPort is the broker's TCP port when neither BROKER_PORT nor a CLI
// argument is given.
const DefaultPort = 5000

// Config holds every runtime setting of the broker process.
type Config struct {
	Host            string        `env:"BROKER_HOST"`
	Port            int           `env:"BROKER_PORT" envDefault:"5000"`
	AdminAddr       string        `env:"BROKER_ADMIN_ADDR"`
	WriteTimeout    time.Duration `env:"BROKER_WRITE_TIMEOUT" envDefault:"10s"`
	MaxFrameSize    int           `env:"BROKER_MAX_FRAME_SIZE" envDefault:"1048576"`
	StatusInterval  time.Duration `env:"BROKER_STATUS_INTERVAL" envDefault:"0s"`
	ShutdownTimeout time.Duration `env:"BROKER_SHUTDOWN_TIMEOUT" envDefault:"5s"`
	LogLevel        string        `env:"BROKER_LOG_LEVEL" envDefault:"info"`
	LogFormat       string        `env:"BROKER_LOG_FORMAT" envDefault:"text"`
}

// Load reads .env (if present) and parses the environment into a validated
// Config.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load .env: %w", err)
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first setting that cannot work.
func (c Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}
	if c.WriteTimeout < 0 {
		return fmt.Errorf("config: negative write timeout %s", c.WriteTimeout)
	}
	if c.MaxFrameSize <= 0 {
		return fmt.Errorf("config: max frame size must be positive, got %d", c.MaxFrameSize)
	}
	if c.StatusInterval < 0 {
		return fmt.Errorf("config: negative status interval %s", c.StatusInterval)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("config: shutdown timeout must be positive, got %s", c.ShutdownTimeout)
	}
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := logger.ParseFormat(c.LogFormat); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// ListenAddr is the host:port the TCP listener binds to.
func (c Config) ListenAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// LoggerOptions converts the logging settings for logger.New.
func (c Config) LoggerOptions() logger.Options {
	return logger.Options{Level: c.LogLevel, Format: c.LogFormat}
}

// ParsePortArg returns the port given as the first positional argument, or
// ok=false when args is empty. Extra arguments are rejected.
func ParsePortArg(args []string) (port int, ok bool, err error) {
	switch len(args) {
	case 0:
		return 0, false, nil
	case 1:
	default:
		return 0, false, fmt.Errorf("config: expected at most one argument (port), got %d", len(args))
	}

	port, err = strconv.Atoi(args[0])
	if err != nil {
		return 0, false, fmt.Errorf("config: invalid port %q: %w", args[0], err)
	}
	if port < 0 || port > 65535 {
		return 0, false, fmt.Errorf("config: port %d out of range", port)
	}
	return port, true, nil
}
