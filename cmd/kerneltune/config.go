package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the kerneltune configuration file
// (~/.config/kerneltune/config.yaml). Pointer fields distinguish "not set"
// from zero values.
type Config struct {
	// Device selection
	Backend string `yaml:"backend"`
	Arch    string `yaml:"arch"`
	Devices string `yaml:"devices"`

	// Tuning defaults, used when neither the flag nor the job sets them
	Iterations *int64 `yaml:"iterations"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress string `yaml:"server_address"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "kerneltune", "config.yaml")
}

// applyBackendConfig applies config file defaults to the backend flags that
// were not set explicitly.
func applyBackendConfig(c *cli.Command, cfg Config) {
	if cfg.Backend != "" && !c.IsSet("backend") {
		backendName = cfg.Backend
	}
	if cfg.Arch != "" && !c.IsSet("arch") {
		arch = cfg.Arch
	}
	if cfg.Devices != "" && !c.IsSet("device") {
		devices = cfg.Devices
	}
}

// applyServeConfig applies config file defaults to serve command variables.
func applyServeConfig(c *cli.Command, cfg Config, addr *string) {
	applyBackendConfig(c, cfg)
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
}

// LoadConfig reads the config file. Returns a zero Config if the file doesn't exist.
func LoadConfig() Config {
	return loadConfigFile(configPath())
}

func loadConfigFile(path string) Config {
	if path == "" {
		return Config{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}
	}
	return cfg
}
