package server

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

var (
	ErrNoListenAddr  = errors.New("server: listen address required")
	ErrBadBufferSize = errors.New("server: buffer sizes must be positive")
)

// Config holds the gateway's settings, loadable from a yaml file.
type Config struct {
	Listen          string `yaml:"listen" json:"listen"`
	ReadBufferSize  int    `yaml:"read_buffer_size" json:"read_buffer_size"`
	WriteBufferSize int    `yaml:"write_buffer_size" json:"write_buffer_size"`
	LogLevel        string `yaml:"log_level" json:"log_level"`
}

// DefaultConfig returns the gateway defaults.
func DefaultConfig() Config {
	return Config{
		Listen:          ":8356",
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		LogLevel:        "info",
	}
}

// LoadConfig reads a yaml config file over the defaults. A missing path
// returns the defaults unchanged.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.Listen == "" {
		errs = append(errs, ErrNoListenAddr)
	}
	if c.ReadBufferSize <= 0 || c.WriteBufferSize <= 0 {
		errs = append(errs, ErrBadBufferSize)
	}
	return errors.Join(errs...)
}
