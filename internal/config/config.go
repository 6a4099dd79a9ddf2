// Package config loads init_db's parameters from a YAML settings file,
// grounded on SimonWaldherr-tinySQL's yaml-driven configuration.
package config

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/intellect4all/storage-engines/pkg/recovery"
)

// Config mirrors init_db's parameter list (spec.md §4.6). A zero-value
// Config is invalid; use Default() or Load() to get one with sane
// fallbacks already applied.
type Config struct {
	NumBuf         int    `yaml:"num_buf"`
	RecoveryFlag   int    `yaml:"recovery_flag"` // 0/1/2, mapped to recovery.Mode
	LogLimit       int    `yaml:"log_num"`
	LogPath        string `yaml:"log_path"`
	LogmsgPath     string `yaml:"logmsg_path"`
	CheckpointCron string `yaml:"checkpoint_cron"` // cron expr for the background log-flush scheduler; empty disables it
}

// Default returns the in-process fallback configuration the library uses
// when no YAML file is given.
func Default() Config {
	return Config{
		NumBuf:         256,
		RecoveryFlag:   0,
		LogLimit:       0,
		LogPath:        "wal.log",
		LogmsgPath:     "wal.msg",
		CheckpointCron: "@every 1m",
	}
}

// Load reads and parses a YAML config file at path, filling in Default()'s
// values for anything left zero.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var loaded Config
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return Config{}, err
	}
	if loaded.NumBuf != 0 {
		cfg.NumBuf = loaded.NumBuf
	}
	if loaded.LogPath != "" {
		cfg.LogPath = loaded.LogPath
	}
	if loaded.LogmsgPath != "" {
		cfg.LogmsgPath = loaded.LogmsgPath
	}
	if loaded.CheckpointCron != "" {
		cfg.CheckpointCron = loaded.CheckpointCron
	}
	cfg.RecoveryFlag = loaded.RecoveryFlag
	cfg.LogLimit = loaded.LogLimit
	return cfg, nil
}

// Mode maps the YAML-friendly integer recovery flag onto recovery.Mode.
func (c Config) Mode() recovery.Mode { return recovery.Mode(c.RecoveryFlag) }
