package nightmode

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Config shapes the nightly window and the lights involved.
type Config struct {
	NightStart          string   `yaml:"night_start"`
	NightEnd            string   `yaml:"night_end"`
	SunsetOffsetMinutes int      `yaml:"sunset_offset_minutes"`
	Lights              []string `yaml:"lights"`
	MotionSensor        string   `yaml:"motion_sensor"`
	NightLight          string   `yaml:"night_light"`
	NightBrightness     int      `yaml:"night_brightness"`
	EveningBrightness   int      `yaml:"evening_brightness"`
	MotionClearMinutes  int      `yaml:"motion_clear_minutes"`
}

// DefaultConfig returns a sensible nightly window with no entities
// bound; entity lists come from the YAML file.
func DefaultConfig() Config {
	return Config{
		NightStart:          "21:30",
		NightEnd:            "06:45",
		SunsetOffsetMinutes: -15,
		NightBrightness:     32,
		EveningBrightness:   192,
		MotionClearMinutes:  3,
	}
}

// LoadConfig reads nightmode.yaml from configDir when present.
func LoadConfig(configDir string, logger *zap.Logger) (Config, error) {
	cfg := DefaultConfig()

	path := filepath.Join(configDir, "nightmode.yaml")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		logger.Debug("No nightmode config, using defaults", zap.String("path", path))
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("failed to read nightmode config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse nightmode config: %w", err)
	}
	if _, err := time.Parse("15:04", cfg.NightStart); err != nil {
		return cfg, fmt.Errorf("invalid night_start %q", cfg.NightStart)
	}
	if _, err := time.Parse("15:04", cfg.NightEnd); err != nil {
		return cfg, fmt.Errorf("invalid night_end %q", cfg.NightEnd)
	}
	if cfg.MotionClearMinutes <= 0 {
		cfg.MotionClearMinutes = DefaultConfig().MotionClearMinutes
	}
	return cfg, nil
}
