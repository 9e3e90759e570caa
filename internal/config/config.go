package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config lists the tunable parameters for the scanning receiver.
type Config struct {
	Secret       string
	Validator    string
	DatabasePath string
	MQTTBind     string
	HTTPPort     int
	LogLevel     string
}

const (
	defaultHTTPPort = 8080
	defaultLogLevel = "info"
)

// Load derives configuration values from environment variables. The shared
// secret, validator token, database path, and queue bind address have no
// usable defaults and must be present; the rest fall back to defaults.
func Load() (Config, error) {
	cfg := Config{
		HTTPPort: defaultHTTPPort,
		LogLevel: defaultLogLevel,
	}

	cfg.Secret = os.Getenv("SCANSERVER_SECRET")
	if cfg.Secret == "" {
		return Config{}, fmt.Errorf("SCANSERVER_SECRET is required")
	}

	cfg.Validator = os.Getenv("SCANSERVER_VALIDATOR")
	if cfg.Validator == "" {
		return Config{}, fmt.Errorf("SCANSERVER_VALIDATOR is required")
	}

	cfg.DatabasePath = os.Getenv("SCANSERVER_DATABASE_PATH")
	if cfg.DatabasePath == "" {
		return Config{}, fmt.Errorf("SCANSERVER_DATABASE_PATH is required")
	}

	cfg.MQTTBind = os.Getenv("SCANSERVER_MQTT_BIND")
	if cfg.MQTTBind == "" {
		return Config{}, fmt.Errorf("SCANSERVER_MQTT_BIND is required")
	}

	if v := os.Getenv("SCANSERVER_HTTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid SCANSERVER_HTTP_PORT: %w", err)
		}
		cfg.HTTPPort = port
	}

	if v := os.Getenv("SCANSERVER_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	return cfg, nil
}
