package config

import (
	"errors"
	"fmt"
	"os"

	"devplane/pkg/logging"

	"gopkg.in/yaml.v3"
)

// LoadConfig loads configuration from the given file path, layered over defaults.
// A missing file is not an error; the defaults are returned as-is. The hosted
// zone ID and domain suffix may also be supplied via the HOSTED_ZONE_ID and
// DOMAIN_SUFFIX environment variables, which take effect when the file leaves
// them unset.
func LoadConfig(path string) (Config, error) {
	cfg := GetDefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logging.Info("ConfigLoader", "No config file at %s, using defaults", path)
			return applyEnvOverrides(cfg)
		}
		return Config{}, err
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("error loading config from %s: %w", path, err)
	}

	logging.Info("ConfigLoader", "Loaded configuration from %s", path)
	return applyEnvOverrides(cfg)
}

func applyEnvOverrides(cfg Config) (Config, error) {
	if cfg.DNS.HostedZoneID == "" {
		cfg.DNS.HostedZoneID = os.Getenv("HOSTED_ZONE_ID")
	}
	if suffix := os.Getenv("DOMAIN_SUFFIX"); suffix != "" {
		cfg.DNS.DomainSuffix = suffix
	}
	return cfg, cfg.Validate()
}

// Validate checks that required fields are present.
func (c Config) Validate() error {
	if c.DNS.HostedZoneID == "" {
		return fmt.Errorf("dns.hostedZoneID is required")
	}
	if c.DNS.DomainSuffix == "" {
		return fmt.Errorf("dns.domainSuffix must not be empty")
	}
	if c.Sweep.GraceWindow <= 0 {
		return fmt.Errorf("sweep.graceWindow must be positive")
	}
	return nil
}
