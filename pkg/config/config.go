// Package config provides a reusable loader for radicle-node configuration
// files and environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/radicle-dev/heartwood-sub002/pkg/utils"
)

// Config is the unified configuration for a node. It mirrors the structure
// of the YAML file under a node's home directory (`node/config.yaml`).
type Config struct {
	Node struct {
		DataDir         string `mapstructure:"data_dir" json:"data_dir"`
		ListenAddr      string `mapstructure:"listen_addr" json:"listen_addr"`
		Alias           string `mapstructure:"alias" json:"alias"`
		ControlSocket   string `mapstructure:"control_socket" json:"control_socket"`
		BootstrapPeers  []string `mapstructure:"bootstrap_peers" json:"bootstrap_peers"`
	} `mapstructure:"node" json:"node"`

	Session struct {
		StableAfter       time.Duration `mapstructure:"stable_after" json:"stable_after"`
		FetchConcurrency  int           `mapstructure:"fetch_concurrency" json:"fetch_concurrency"`
		MaxFetchQueueSize int           `mapstructure:"max_fetch_queue_size" json:"max_fetch_queue_size"`
		ClockSkewTolerance time.Duration `mapstructure:"clock_skew_tolerance" json:"clock_skew_tolerance"`
	} `mapstructure:"session" json:"session"`

	Fetch struct {
		UploadPackTimeout time.Duration `mapstructure:"upload_pack_timeout" json:"upload_pack_timeout"`
	} `mapstructure:"fetch" json:"fetch"`

	Storage struct {
		CommitterTimeFixed bool   `mapstructure:"committer_time_fixed" json:"committer_time_fixed"`
		CommitterTimeUnix  int64  `mapstructure:"committer_time_unix" json:"committer_time_unix"`
	} `mapstructure:"storage" json:"storage"`

	Runtime struct {
		MaxPendingTasks int `mapstructure:"max_pending_tasks" json:"max_pending_tasks"`
	} `mapstructure:"runtime" json:"runtime"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// Default returns a Config populated with the node's documented defaults
// (§4.1, §4.7).
func Default() Config {
	var c Config
	c.Node.DataDir = "."
	c.Node.ListenAddr = "0.0.0.0:8776"
	c.Node.ControlSocket = "node/control.sock"
	c.Session.StableAfter = time.Minute
	c.Session.FetchConcurrency = 4
	c.Session.MaxFetchQueueSize = 128
	c.Session.ClockSkewTolerance = 2 * time.Minute
	c.Fetch.UploadPackTimeout = 30 * time.Second
	c.Runtime.MaxPendingTasks = 1024
	c.Logging.Level = "info"
	return c
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig = Default()

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and
// returned. env selects an optional overlay file (e.g. "test"); when empty
// only the default file is read.
func Load(dir, env string) (*Config, error) {
	AppConfig = Default()

	viper.SetConfigName("config")
	viper.AddConfigPath(dir)
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, utils.Wrap(err, "load config")
		}
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

// LoadFromEnv loads configuration using the RAD_HOME/RAD_ENV environment
// variables.
func LoadFromEnv() (*Config, error) {
	dir := utils.EnvOrDefault("RAD_HOME", ".")
	return Load(dir, utils.EnvOrDefault("RAD_ENV", ""))
}
