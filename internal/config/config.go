// Package config reads runtime configuration from environment
// variables. cmd/main loads a .env file first via godotenv, so every
// value here can come from either source.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// Defaults for everything except HA_TOKEN, which has none.
const (
	DefaultHAHost       = "homeassistant.local"
	DefaultHAPort       = 8123
	DefaultMQTTHost     = "localhost"
	DefaultMQTTPort     = 1883
	DefaultMQTTClientID = "mirai"
	DefaultTimezone     = "Europe/Prague"
	DefaultDataDir      = "./data"
	DefaultConfigDir    = "./config"
)

// Config is the resolved runtime configuration.
type Config struct {
	HAHost  string
	HAPort  int
	HAToken string

	MQTTHost     string
	MQTTPort     int
	MQTTClientID string

	Timezone  string
	Latitude  float64
	Longitude float64
	// HasLocation is true only when both MIRAI_LATITUDE and
	// MIRAI_LONGITUDE parsed; sun schedules require it.
	HasLocation bool

	DataDir   string
	ConfigDir string
}

// Load resolves the configuration from the environment. It fails only
// on a missing HA_TOKEN; malformed optional values log a warning and
// fall back to their defaults.
func Load(logger *zap.Logger) (*Config, error) {
	cfg := &Config{
		HAHost:       envOr("HA_HOST", DefaultHAHost),
		HAToken:      os.Getenv("HA_TOKEN"),
		MQTTHost:     envOr("MQTT_HOST", DefaultMQTTHost),
		MQTTClientID: envOr("MQTT_CLIENT_ID", DefaultMQTTClientID),
		Timezone:     envOr("MIRAI_TIMEZONE", DefaultTimezone),
		DataDir:      envOr("MIRAI_DATA_DIR", DefaultDataDir),
		ConfigDir:    envOr("MIRAI_CONFIG_DIR", DefaultConfigDir),
	}

	if cfg.HAToken == "" {
		return nil, fmt.Errorf("HA_TOKEN environment variable must be set")
	}

	cfg.HAPort = envIntOr("HA_PORT", DefaultHAPort, logger)
	cfg.MQTTPort = envIntOr("MQTT_PORT", DefaultMQTTPort, logger)

	lat, latOK := envFloat("MIRAI_LATITUDE", logger)
	lng, lngOK := envFloat("MIRAI_LONGITUDE", logger)
	if latOK && lngOK {
		cfg.Latitude = lat
		cfg.Longitude = lng
		cfg.HasLocation = true
	} else if latOK != lngOK {
		logger.Warn("Ignoring partial location, need both MIRAI_LATITUDE and MIRAI_LONGITUDE")
	}

	return cfg, nil
}

// WebSocketURL returns the HA WebSocket endpoint.
func (c *Config) WebSocketURL() string {
	return fmt.Sprintf("ws://%s:%d/api/websocket", c.HAHost, c.HAPort)
}

// StatesURL returns the HA REST endpoint used for the state bootstrap.
func (c *Config) StatesURL() string {
	return fmt.Sprintf("http://%s:%d/api/states", c.HAHost, c.HAPort)
}

// BrokerURL returns the MQTT broker address.
func (c *Config) BrokerURL() string {
	return fmt.Sprintf("tcp://%s:%d", c.MQTTHost, c.MQTTPort)
}

// Location resolves the configured IANA timezone, falling back to UTC
// with a warning when the name does not resolve.
func (c *Config) Location(logger *zap.Logger) *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		logger.Warn("Unresolvable timezone, falling back to UTC",
			zap.String("timezone", c.Timezone),
			zap.Error(err))
		return time.UTC
	}
	return loc
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOr(key string, def int, logger *zap.Logger) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		logger.Warn("Invalid integer in environment, using default",
			zap.String("var", key),
			zap.String("value", v),
			zap.Int("default", def))
		return def
	}
	return n
}

func envFloat(key string, logger *zap.Logger) (float64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		logger.Warn("Invalid float in environment, ignoring",
			zap.String("var", key),
			zap.String("value", v))
		return 0, false
	}
	return f, true
}
