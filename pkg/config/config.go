// Package config loads the property-tree configuration described in
// §6: one YAML document with a section per component. Grounded on
// cmd/warren's yaml.v3 usage for the wire format.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// VolumeManagerConfig is the volume_manager section: defaults applied
// to every volume unless its own VolumeConfig overrides them.
type VolumeManagerConfig struct {
	DataDir             string `yaml:"data_dir"`
	DefaultLBASize      uint32 `yaml:"default_lba_size"`
	DefaultClusterMult  uint32 `yaml:"default_cluster_multiplier"`
	DefaultSCOMult      uint32 `yaml:"default_sco_multiplier"`
	DefaultTLogMult     uint32 `yaml:"default_tlog_multiplier"`
}

// SCOCacheConfig is the scocache section: mount points and their
// fill-band thresholds.
type SCOCacheConfig struct {
	MountPoints []MountPointConfig `yaml:"mount_points"`
}

// MountPointConfig describes one local SCO cache mount point.
type MountPointConfig struct {
	Path        string `yaml:"path"`
	CapacityMiB uint64 `yaml:"capacity_mib"`
	TriggerGap  uint64 `yaml:"trigger_gap_mib"`
	BackoffGap  uint64 `yaml:"backoff_gap_mib"`
}

// MetadataServerConfig is the metadata_server section: which
// PageBackend to use and how large the LRU page cache is.
type MetadataServerConfig struct {
	Backend        string `yaml:"backend"` // "bbolt" or "buntdb"
	Path           string `yaml:"path"`
	MaxCachedPages int    `yaml:"max_cached_pages"`
}

// FailOverCacheConfig is the failovercache section: the remote DTL
// address and timeout/retry tuning.
type FailOverCacheConfig struct {
	Addr               string        `yaml:"addr"`
	RequestTimeout     time.Duration `yaml:"request_timeout"`
	MaxConsecutiveFail int           `yaml:"max_consecutive_fail"`
}

// BackendConnectionManagerConfig is the backend_connection_manager
// section: which object-store backend to connect to.
type BackendConnectionManagerConfig struct {
	Kind      string        `yaml:"kind"` // "fs" or "s3"
	LocalPath string        `yaml:"local_path,omitempty"`
	S3Bucket  string        `yaml:"s3_bucket,omitempty"`
	S3Region  string        `yaml:"s3_region,omitempty"`
	Retries   int           `yaml:"retries"`
	Timeout   time.Duration `yaml:"timeout"`
}

// Config is the full property tree, one section per component (§6).
type Config struct {
	VolumeManager          VolumeManagerConfig            `yaml:"volume_manager"`
	SCOCache               SCOCacheConfig                  `yaml:"scocache"`
	MetadataServer         MetadataServerConfig            `yaml:"metadata_server"`
	FailOverCache          FailOverCacheConfig              `yaml:"failovercache"`
	BackendConnectionMgr   BackendConnectionManagerConfig   `yaml:"backend_connection_manager"`
}

// Default returns a Config with the same sizing defaults
// voltypes.DefaultVolumeConfig uses, so a bare config file only needs
// to override what it cares about.
func Default() Config {
	return Config{
		VolumeManager: VolumeManagerConfig{
			DataDir:            "/var/lib/voldrv",
			DefaultLBASize:     512,
			DefaultClusterMult: 8,
			DefaultSCOMult:     1024,
			DefaultTLogMult:    20,
		},
		MetadataServer: MetadataServerConfig{
			Backend:        "bbolt",
			MaxCachedPages: 4096,
		},
		FailOverCache: FailOverCacheConfig{
			RequestTimeout:     5 * time.Second,
			MaxConsecutiveFail: 3,
		},
		BackendConnectionMgr: BackendConnectionManagerConfig{
			Kind:    "fs",
			Retries: 3,
			Timeout: 30 * time.Second,
		},
	}
}

// Load reads and parses the YAML configuration file at path, layering
// it over Default() so a config file only needs to name what it
// overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate checks that every section names a backend/kind this binary
// actually knows how to construct.
func (c Config) Validate() error {
	switch c.MetadataServer.Backend {
	case "bbolt", "buntdb":
	default:
		return fmt.Errorf("metadata_server.backend: unknown backend %q (want bbolt or buntdb)", c.MetadataServer.Backend)
	}
	if c.MetadataServer.Path == "" {
		return fmt.Errorf("metadata_server.path is required")
	}

	switch c.BackendConnectionMgr.Kind {
	case "fs":
		if c.BackendConnectionMgr.LocalPath == "" {
			return fmt.Errorf("backend_connection_manager.local_path is required for kind fs")
		}
	case "s3":
		if c.BackendConnectionMgr.S3Bucket == "" {
			return fmt.Errorf("backend_connection_manager.s3_bucket is required for kind s3")
		}
	default:
		return fmt.Errorf("backend_connection_manager.kind: unknown kind %q (want fs or s3)", c.BackendConnectionMgr.Kind)
	}

	if c.VolumeManager.DataDir == "" {
		return fmt.Errorf("volume_manager.data_dir is required")
	}
	return nil
}
