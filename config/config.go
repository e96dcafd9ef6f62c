// Package config loads the daemon configuration: built-in defaults, then an
// optional config file, then FINGERD_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DeviceConfig describes one simulated reader to register at startup. Real
// hardware arrives through the capture backend instead; simulated readers
// exist for development and for exercising clients on machines without a
// sensor.
type DeviceConfig struct {
	Driver       string `mapstructure:"driver"`
	Name         string `mapstructure:"name"`
	ScanType     string `mapstructure:"scan_type"`
	EnrollStages int    `mapstructure:"enroll_stages"`
	Identify     bool   `mapstructure:"identify"`
	Storage      bool   `mapstructure:"storage"`
}

// Config holds every daemon setting.
type Config struct {
	// StorageDir overrides the print store location. Empty keeps the
	// STATE_DIRECTORY / built-in default resolution.
	StorageDir string `mapstructure:"storage_dir"`

	// IdleTimeout is how long the daemon lingers with no device in use.
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`

	// NoTimeout keeps the daemon alive indefinitely.
	NoTimeout bool `mapstructure:"no_timeout"`

	Debug bool `mapstructure:"debug"`

	Devices []DeviceConfig `mapstructure:"devices"`
}

func defaults(v *viper.Viper) {
	v.SetDefault("storage_dir", "")
	v.SetDefault("idle_timeout", 30*time.Second)
	v.SetDefault("no_timeout", false)
	v.SetDefault("debug", false)
}

// Load reads the configuration. An explicit path must exist; with an empty
// path the usual locations are searched and a missing file just yields the
// defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	defaults(v)

	v.SetEnvPrefix("fingerd")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("fingerd")
		v.SetConfigType("toml")
		v.AddConfigPath("/etc/fingerd")
		v.AddConfigPath("$HOME/.config/fingerd")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("reading config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return &cfg, nil
}
