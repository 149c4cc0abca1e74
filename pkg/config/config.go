// Package config provides a reusable loader for the node's configuration
// files and environment variables, versioned so that applications can
// depend on a stable API contract.
//
// Version: v0.1.0
package config

import (
	"fmt"

	"github.com/spf13/viper"

	"chainkernel/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config is the unified configuration for a chain-core node process.
// Chain.StabilityDepth, Chain.RecentCacheLen, Chain.PruneRetain and Logging
// are loaded but not read anywhere in this module: triage uses a fixed
// two-epoch stability depth and Load a 4096-entry recent-hash cache.
type Config struct {
	Chain struct {
		GenesisFile    string `mapstructure:"genesis_file" json:"genesis_file"`
		StoreDir       string `mapstructure:"store_dir" json:"store_dir"`
		StabilityDepth int    `mapstructure:"stability_depth_epochs" json:"stability_depth_epochs"`
		RecentCacheLen int    `mapstructure:"recent_cache_len" json:"recent_cache_len"`
		PruneRetain    int    `mapstructure:"prune_retain" json:"prune_retain"`
	} `mapstructure:"chain" json:"chain"`

	Epoch struct {
		EventBufferLen   int `mapstructure:"event_buffer_len" json:"event_buffer_len"`
		HousekeepingSecs int `mapstructure:"housekeeping_interval_seconds" json:"housekeeping_interval_seconds"`
	} `mapstructure:"epoch" json:"epoch"`

	QueryAPI struct {
		ListenAddr string `mapstructure:"listen_addr" json:"listen_addr"`
		Enabled    bool   `mapstructure:"enabled" json:"enabled"`
	} `mapstructure:"query_api" json:"query_api"`

	Metrics struct {
		ListenAddr string `mapstructure:"listen_addr" json:"listen_addr"`
		Enabled    bool   `mapstructure:"enabled" json:"enabled"`
	} `mapstructure:"metrics" json:"metrics"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files and merges any environment-specific
// overrides. The resulting configuration is stored in AppConfig and
// returned. If env is empty, only the default configuration is loaded.
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

	viper.AutomaticEnv()

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the CHAIND_ENV environment variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("CHAIND_ENV", ""))
}
