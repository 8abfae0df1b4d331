package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from Go duration strings
// ("30m", "24h") in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config is the top-level configuration structure for the devplane controller.
type Config struct {
	Cluster ClusterConfig `yaml:"cluster"`
	DNS     DNSConfig     `yaml:"dns"`
	Sweep   SweepConfig   `yaml:"sweep"`
	Log     LogConfig     `yaml:"log"`
}

// ClusterConfig holds settings for the Kubernetes side of the controller.
type ClusterConfig struct {
	// StorageClass is the storage class used for workspace volume claims.
	StorageClass string `yaml:"storageClass,omitempty"`
	// WatchTimeout bounds a single watch subscription; on expiry the
	// subscription is reopened from current cluster state.
	WatchTimeout Duration `yaml:"watchTimeout,omitempty"`
	// ReconnectBackoff is the delay before reopening a failed watch stream.
	ReconnectBackoff Duration `yaml:"reconnectBackoff,omitempty"`
}

// DNSConfig holds settings for the external DNS provider.
type DNSConfig struct {
	// HostedZoneID is the Route53 hosted zone that receives record changes.
	// Required; the controller refuses to start without it.
	HostedZoneID string `yaml:"hostedZoneID"`
	// DomainSuffix is appended to environment short IDs to form hostnames.
	DomainSuffix string `yaml:"domainSuffix,omitempty"`
	// RecordTTL is the time-to-live applied to every managed record, in seconds.
	RecordTTL int64 `yaml:"recordTTL,omitempty"`
}

// SweepConfig controls the stale-record sweeper.
type SweepConfig struct {
	// Interval is the period between sweep cycles.
	Interval Duration `yaml:"interval,omitempty"`
	// GraceWindow is the minimum age before a managed record is eligible
	// for stale cleanup.
	GraceWindow Duration `yaml:"graceWindow,omitempty"`
}

// LogConfig controls logging output.
type LogConfig struct {
	Level string `yaml:"level,omitempty"` // debug, info, warn, error (default: info)
}

// GetDefaultConfig returns the default controller configuration.
func GetDefaultConfig() Config {
	return Config{
		Cluster: ClusterConfig{
			StorageClass:     "gp3",
			WatchTimeout:     Duration(5 * time.Minute),
			ReconnectBackoff: Duration(10 * time.Second),
		},
		DNS: DNSConfig{
			DomainSuffix: "dev-platform.company.com",
			RecordTTL:    300,
		},
		Sweep: SweepConfig{
			Interval:    Duration(time.Hour),
			GraceWindow: Duration(24 * time.Hour),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}
