package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config is the main configuration struct.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Feedlog   FeedlogConfig   `yaml:"feedlog"`
	Retention RetentionConfig `yaml:"retention"`
	Feeds     []FeedConfig    `yaml:"feeds"`
}

// ServerConfig holds the status HTTP listener and storage settings.
type ServerConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
	DBPath  string `yaml:"db_path"`
	// Engine selects the HTTP server implementation: "nethttp" (default)
	// or "fasthttp".
	Engine string `yaml:"engine"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text|json
}

// FeedlogConfig holds tunables for the file-backed change log.
type FeedlogConfig struct {
	Dir            string    `yaml:"dir"`
	MaxFileSize    SizeBytes `yaml:"max_file_size"`
	EnableCompress bool      `yaml:"enable_compress"`
}

// RetentionConfig holds configuration for the feed log compaction runner.
type RetentionConfig struct {
	Enabled bool     `yaml:"enabled"`
	Cron    string   `yaml:"cron"`
	MaxAge  Duration `yaml:"max_age"`
}

// FeedConfig describes one projection pipeline: which feed it consumes,
// which mapper transforms its documents and where projections land.
type FeedConfig struct {
	Name                 string   `yaml:"name"`
	Enabled              bool     `yaml:"enabled"`
	Source               string   `yaml:"source"`
	ProjectionCollection string   `yaml:"projection_collection"`
	Mapper               string   `yaml:"mapper"`
	CheckpointKey        string   `yaml:"checkpoint_key"`
	WatchOperations      []string `yaml:"watch_operations"`
	Concurrency          int      `yaml:"concurrency"`
	BatchMaxSize         int      `yaml:"batch_max_size"`
	BatchMaxWait         Duration `yaml:"batch_max_wait"`
	EntityIDField        string   `yaml:"entity_id_field"`
	BackoffInitial       Duration `yaml:"backoff_initial"`
	BackoffMax           Duration `yaml:"backoff_max"`
	IdlePoll             Duration `yaml:"idle_poll"`
}

// SizeBytes represents a number of bytes, unmarshaled from human-friendly strings like "64MB" or plain integers.
type SizeBytes int64

func (s *SizeBytes) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*s = 0
		return nil
	}
	raw := strings.TrimSpace(node.Value)
	if raw == "" {
		*s = 0
		return nil
	}
	if v, err := humanize.ParseBytes(raw); err == nil {
		*s = SizeBytes(v)
		return nil
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*s = SizeBytes(i)
		return nil
	}
	return fmt.Errorf("invalid size value: %q", node.Value)
}

func (s SizeBytes) Int64() int64 { return int64(s) }

// Duration is a wrapper around time.Duration that supports YAML parsing from strings like "100ms" or plain numbers (interpreted as seconds).
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*d = Duration(0)
		return nil
	}
	raw := strings.TrimSpace(node.Value)
	if raw == "" {
		*d = Duration(0)
		return nil
	}
	if td, err := time.ParseDuration(raw); err == nil {
		*d = Duration(td)
		return nil
	}
	// allow numeric seconds
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		*d = Duration(time.Duration(f * float64(time.Second)))
		return nil
	}
	return fmt.Errorf("invalid duration value: %q", node.Value)
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }
