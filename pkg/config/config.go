package config

// Package config provides a reusable loader for Cell Core configuration
// files and environment variables. It is versioned so that applications
// can depend on a stable API contract.
//
// Version: v0.1.0

import (
	"fmt"

	"github.com/spf13/viper"

	"cellcore/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config represents the unified configuration for a Cell Core node. It
// mirrors the structure of the YAML files under cmd/config.
type Config struct {
	Network struct {
		Space          string   `mapstructure:"space" json:"space"`
		ListenAddr     string   `mapstructure:"listen_addr" json:"listen_addr"`
		DiscoveryTag   string   `mapstructure:"discovery_tag" json:"discovery_tag"`
		BootstrapPeers []string `mapstructure:"bootstrap_peers" json:"bootstrap_peers"`
		MaxPeers       int      `mapstructure:"max_peers" json:"max_peers"`
	} `mapstructure:"network" json:"network"`

	Gossip struct {
		RecentThresholdMinutes  int     `mapstructure:"recent_threshold_minutes" json:"recent_threshold_minutes"`
		RegionSize              int     `mapstructure:"region_size" json:"region_size"`
		BloomFalsePositiveRate  float64 `mapstructure:"bloom_false_positive_rate" json:"bloom_false_positive_rate"`
		RecentBandwidthMbps     float64 `mapstructure:"recent_bandwidth_mbps" json:"recent_bandwidth_mbps"`
		HistoricalBandwidthMbps float64 `mapstructure:"historical_bandwidth_mbps" json:"historical_bandwidth_mbps"`
		MaxRecentSessions       int     `mapstructure:"max_recent_sessions" json:"max_recent_sessions"`
		MaxHistoricalSessions   int     `mapstructure:"max_historical_sessions" json:"max_historical_sessions"`
	} `mapstructure:"gossip" json:"gossip"`

	Validation struct {
		MinReceipts    int `mapstructure:"min_receipts" json:"min_receipts"`
		MaxRetries     int `mapstructure:"max_retries" json:"max_retries"`
		BackoffBaseMS  int `mapstructure:"backoff_base_ms" json:"backoff_base_ms"`
		BackoffCapMS   int `mapstructure:"backoff_cap_ms" json:"backoff_cap_ms"`
	} `mapstructure:"validation" json:"validation"`

	Storage struct {
		DataDir string `mapstructure:"data_dir" json:"data_dir"`
	} `mapstructure:"storage" json:"storage"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and returned.
//
// The function uses the provided environment name to merge additional config
// files. If env is empty, only the default configuration is loaded.
func Load(env string) (*Config, error) {
	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.AutomaticEnv() // picks up from .env

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the CELL_ENV environment variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("CELL_ENV", ""))
}
