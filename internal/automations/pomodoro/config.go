package pomodoro

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Config tunes the pomodoro session. All fields are optional; an
// absent pomodoro.yaml uses the defaults.
type Config struct {
	WorkMinutes      int    `yaml:"work_minutes"`
	BreakMinutes     int    `yaml:"break_minutes"`
	HeartbeatMinutes int    `yaml:"heartbeat_minutes"`
	StatusTopic      string `yaml:"status_topic"`
}

// DefaultConfig returns the classic 25/5 split.
func DefaultConfig() Config {
	return Config{
		WorkMinutes:      25,
		BreakMinutes:     5,
		HeartbeatMinutes: 5,
		StatusTopic:      "pomodoro/timer/status",
	}
}

// LoadConfig reads pomodoro.yaml from configDir when present.
func LoadConfig(configDir string, logger *zap.Logger) (Config, error) {
	cfg := DefaultConfig()

	path := filepath.Join(configDir, "pomodoro.yaml")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		logger.Debug("No pomodoro config, using defaults", zap.String("path", path))
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("failed to read pomodoro config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse pomodoro config: %w", err)
	}
	if cfg.WorkMinutes <= 0 || cfg.BreakMinutes <= 0 || cfg.HeartbeatMinutes <= 0 {
		return cfg, fmt.Errorf("pomodoro durations must be positive")
	}
	if cfg.StatusTopic == "" {
		cfg.StatusTopic = DefaultConfig().StatusTopic
	}
	return cfg, nil
}

// WorkDuration returns the work phase length.
func (c Config) WorkDuration() time.Duration {
	return time.Duration(c.WorkMinutes) * time.Minute
}

// BreakDuration returns the break phase length.
func (c Config) BreakDuration() time.Duration {
	return time.Duration(c.BreakMinutes) * time.Minute
}

// HeartbeatInterval returns the status heartbeat period.
func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatMinutes) * time.Minute
}
