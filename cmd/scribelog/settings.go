package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// configName is the config file name without extension.
const configName = ".scribelog"

// configType is the config file format.
const configType = "yaml"

// envPrefix is the environment variable prefix for scribelog settings.
const envPrefix = "SCRIBELOG"

// Settings is the service configuration for the serve command and the
// archive-facing subcommands.
type Settings struct {
	LogLevel string `mapstructure:"log_level"`

	Archive struct {
		Dir   string `mapstructure:"dir"`
		Owner string `mapstructure:"owner"`
	} `mapstructure:"archive"`

	Scheduler struct {
		MaxActiveJobs int `mapstructure:"max_active_jobs"`
		QueueDepth    int `mapstructure:"queue_depth"`
	} `mapstructure:"scheduler"`

	Governor struct {
		MinIdlePct float64       `mapstructure:"min_idle_pct"`
		Window     int           `mapstructure:"window"`
		Interval   time.Duration `mapstructure:"interval"`
	} `mapstructure:"governor"`

	Policy struct {
		AllowedEndpoints []string `mapstructure:"allowed_endpoints"`
		RateLimit        float64  `mapstructure:"rate_limit"`
		RateBurst        int      `mapstructure:"rate_burst"`
	} `mapstructure:"policy"`

	Transcriber struct {
		Command string   `mapstructure:"command"`
		Args    []string `mapstructure:"args"`
	} `mapstructure:"transcriber"`

	Classifier struct {
		Command string   `mapstructure:"command"`
		Args    []string `mapstructure:"args"`
	} `mapstructure:"classifier"`

	Spool struct {
		Dir            string         `mapstructure:"dir"`
		SettleInterval time.Duration  `mapstructure:"settle_interval"`
		Options        map[string]any `mapstructure:"options"`
	} `mapstructure:"spool"`

	Slices struct {
		Dir string `mapstructure:"dir"`
	} `mapstructure:"slices"`

	Exports struct {
		Dir string `mapstructure:"dir"`
	} `mapstructure:"exports"`

	Janitor struct {
		Interval   time.Duration `mapstructure:"interval"`
		StallAfter time.Duration `mapstructure:"stall_after"`
	} `mapstructure:"janitor"`
}

// loadSettings loads configuration from file, env vars, and defaults.
// If configPath is non-empty it is used as the explicit config file path;
// otherwise the config file is searched in CWD and $HOME. A missing config
// file is not an error, defaults are used.
func loadSettings(configPath string) (*Settings, error) {
	viperCfg := viper.New()

	applyDefaults(viperCfg)

	viperCfg.SetConfigType(configType)
	viperCfg.SetEnvPrefix(envPrefix)
	viperCfg.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viperCfg.AutomaticEnv()

	if configPath != "" {
		viperCfg.SetConfigFile(configPath)
	} else {
		viperCfg.SetConfigName(configName)
		viperCfg.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viperCfg.AddConfigPath(home)
		}
	}

	if err := viperCfg.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var set Settings
	if err := viperCfg.Unmarshal(&set); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := set.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &set, nil
}

func (s *Settings) validate() error {
	if s.Archive.Dir == "" {
		return errors.New("archive.dir is required")
	}
	if s.Archive.Owner == "" {
		return errors.New("archive.owner is required")
	}
	switch s.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log_level %q", s.LogLevel)
	}
	return nil
}

func applyDefaults(viperCfg *viper.Viper) {
	viperCfg.SetDefault("log_level", "info")

	viperCfg.SetDefault("archive.dir", "./scribelog-data")

	viperCfg.SetDefault("scheduler.max_active_jobs", 1)
	viperCfg.SetDefault("scheduler.queue_depth", 256)

	viperCfg.SetDefault("governor.min_idle_pct", 50.0)
	viperCfg.SetDefault("governor.window", 10)
	viperCfg.SetDefault("governor.interval", "1s")

	viperCfg.SetDefault("policy.rate_limit", 4.0)
	viperCfg.SetDefault("policy.rate_burst", 8)

	viperCfg.SetDefault("spool.settle_interval", "500ms")

	viperCfg.SetDefault("janitor.interval", "5m")
	viperCfg.SetDefault("janitor.stall_after", "30m")
}
