package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

func applyFile(cfg *Config, path string) error {
	// #nosec G304 -- path comes from the operator controlled CONFIG_FILE variable.
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %q: %w", path, err)
	}
	return nil
}
