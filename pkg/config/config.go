package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by ValidateConfig to unset per-feed values.
const (
	DefaultConcurrency    = 10
	DefaultBatchMaxSize   = 100
	DefaultBatchMaxWait   = 100 * time.Millisecond
	DefaultEntityIDField  = "id"
	DefaultIdlePoll       = 100 * time.Millisecond
	DefaultBackoffInitial = 1 * time.Second
	DefaultBackoffMax     = 30 * time.Second
	DefaultMaxFileSize    = 64 << 20
	DefaultRetentionCron  = "0 2 * * *"
)

// Load reads and parses the YAML config file at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return &cfg, nil
}

// Addr returns the listen address in host:port form.
func (c *Config) Addr() string {
	host := c.Server.Address
	port := c.Server.Port
	if host == "" && port == 0 {
		return ""
	}
	if port == 0 {
		// address may already carry a port
		if _, _, err := net.SplitHostPort(host); err == nil {
			return host
		}
		return host
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// ValidateConfig checks the config for fatal problems and fills canonical
// defaults for unset values. It must be called before any component reads
// the config.
func ValidateConfig(cfg *Config) error {
	if cfg.Server.DBPath == "" {
		cfg.Server.DBPath = "./.database"
	}
	if cfg.Feedlog.Dir == "" {
		cfg.Feedlog.Dir = filepath.Join(cfg.Server.DBPath, "feedlog")
	}
	if cfg.Feedlog.MaxFileSize == 0 {
		cfg.Feedlog.MaxFileSize = SizeBytes(DefaultMaxFileSize)
	}
	if cfg.Retention.Cron == "" {
		cfg.Retention.Cron = DefaultRetentionCron
	}

	seen := make(map[string]struct{}, len(cfg.Feeds))
	for i := range cfg.Feeds {
		f := &cfg.Feeds[i]
		if f.Name == "" {
			return fmt.Errorf("feeds[%d]: missing name", i)
		}
		if _, dup := seen[f.Name]; dup {
			return fmt.Errorf("duplicate feed name %q", f.Name)
		}
		seen[f.Name] = struct{}{}
		if !f.Enabled {
			continue
		}
		if f.Source == "" {
			return fmt.Errorf("feed %q: missing source", f.Name)
		}
		if f.ProjectionCollection == "" {
			return fmt.Errorf("feed %q: missing projection_collection", f.Name)
		}
		if f.Mapper == "" {
			return fmt.Errorf("feed %q: missing mapper", f.Name)
		}
		if f.CheckpointKey == "" {
			f.CheckpointKey = f.Name + "-checkpoint"
		}
		if len(f.WatchOperations) == 0 {
			f.WatchOperations = []string{"insert"}
		}
		if f.Concurrency <= 0 {
			f.Concurrency = DefaultConcurrency
		}
		if f.BatchMaxSize <= 0 {
			f.BatchMaxSize = DefaultBatchMaxSize
		}
		if f.BatchMaxWait.Duration() <= 0 {
			f.BatchMaxWait = Duration(DefaultBatchMaxWait)
		}
		if f.EntityIDField == "" {
			f.EntityIDField = DefaultEntityIDField
		}
		if f.BackoffInitial.Duration() <= 0 {
			f.BackoffInitial = Duration(DefaultBackoffInitial)
		}
		if f.BackoffMax.Duration() < f.BackoffInitial.Duration() {
			f.BackoffMax = Duration(DefaultBackoffMax)
		}
		if f.IdlePoll.Duration() <= 0 {
			f.IdlePoll = Duration(DefaultIdlePoll)
		}
	}
	return nil
}
