// Package config reads and writes the persisted node configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	yaml "gopkg.in/yaml.v2"
)

// FileName is the configuration file inside the data directory.
const FileName = "config.yaml"

// Config is the persisted node configuration.
type Config struct {
	// RelayAddress is the host:port of a relay to bridge to. Empty means no relay.
	RelayAddress string `yaml:"relay_address"`
}

// Default returns the configuration written when none exists.
func Default() Config {
	return Config{}
}

// Load reads the configuration at path. Unknown keys are rejected.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config:\n%w", err)
	}

	var cfg Config
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s:\n%w", path, err)
	}

	return cfg, nil
}

// Save writes cfg to path.
func Save(path string, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config:\n%w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config %s:\n%w", path, err)
	}

	return nil
}

// LoadOrCreate reads config.yaml from dir, writing the default first if the
// file does not exist.
func LoadOrCreate(dir string) (Config, error) {
	path := filepath.Join(dir, FileName)

	cfg, err := Load(path)
	if err == nil {
		return cfg, nil
	}

	if !errors.Is(err, os.ErrNotExist) {
		return Config{}, err
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return Config{}, fmt.Errorf("create config directory:\n%w", err)
	}

	cfg = Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}
