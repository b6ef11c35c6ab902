package cliproxy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// instanceConfig is the YAML file one cli2api child reads at boot.
type instanceConfig struct {
	Host             string   `yaml:"host"`
	Port             int      `yaml:"port"`
	AuthDir          string   `yaml:"auth-dir"`
	APIKeys          []string `yaml:"api-keys"`
	ManagementSecret string   `yaml:"remote-management-key,omitempty"`
	RequestRetry     int      `yaml:"request-retry"`
}

func writeInstanceConfig(path string, cfg instanceConfig) error {
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode instance config: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write instance config: %w", err)
	}
	return nil
}
