package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAndDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  address: "127.0.0.1"
  port: 9090
feedlog:
  max_file_size: "8MB"
feeds:
  - name: orders
    enabled: true
    source: orders-log
    projection_collection: orders
    mapper: identity
    batch_max_wait: 250ms
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := ValidateConfig(cfg); err != nil {
		t.Fatalf("ValidateConfig: %v", err)
	}

	if got := cfg.Addr(); got != "127.0.0.1:9090" {
		t.Fatalf("Addr = %q", got)
	}
	if got := cfg.Feedlog.MaxFileSize.Int64(); got != 8*1000*1000 && got != 8<<20 {
		t.Fatalf("max_file_size = %d", got)
	}

	f := cfg.Feeds[0]
	if f.CheckpointKey != "orders-checkpoint" {
		t.Fatalf("checkpoint_key default = %q", f.CheckpointKey)
	}
	if len(f.WatchOperations) != 1 || f.WatchOperations[0] != "insert" {
		t.Fatalf("watch_operations default = %v", f.WatchOperations)
	}
	if f.Concurrency != DefaultConcurrency {
		t.Fatalf("concurrency default = %d", f.Concurrency)
	}
	if f.BatchMaxSize != DefaultBatchMaxSize {
		t.Fatalf("batch_max_size default = %d", f.BatchMaxSize)
	}
	if f.BatchMaxWait.Duration() != 250*time.Millisecond {
		t.Fatalf("batch_max_wait = %v, want configured 250ms", f.BatchMaxWait.Duration())
	}
	if f.EntityIDField != DefaultEntityIDField {
		t.Fatalf("entity_id_field default = %q", f.EntityIDField)
	}
	if f.BackoffInitial.Duration() != DefaultBackoffInitial || f.BackoffMax.Duration() != DefaultBackoffMax {
		t.Fatalf("backoff defaults = %v/%v", f.BackoffInitial.Duration(), f.BackoffMax.Duration())
	}
}

func TestValidateConfigRejectsIncompleteFeed(t *testing.T) {
	cases := []struct {
		name string
		feed FeedConfig
	}{
		{"missing name", FeedConfig{Enabled: true, Source: "s", ProjectionCollection: "c", Mapper: "identity"}},
		{"missing source", FeedConfig{Name: "f", Enabled: true, ProjectionCollection: "c", Mapper: "identity"}},
		{"missing collection", FeedConfig{Name: "f", Enabled: true, Source: "s", Mapper: "identity"}},
		{"missing mapper", FeedConfig{Name: "f", Enabled: true, Source: "s", ProjectionCollection: "c"}},
	}
	for _, tc := range cases {
		cfg := &Config{Feeds: []FeedConfig{tc.feed}}
		if err := ValidateConfig(cfg); err == nil {
			t.Fatalf("%s: ValidateConfig succeeded", tc.name)
		}
	}
}

func TestValidateConfigRejectsDuplicateFeedNames(t *testing.T) {
	cfg := &Config{Feeds: []FeedConfig{{Name: "f"}, {Name: "f"}}}
	if err := ValidateConfig(cfg); err == nil {
		t.Fatalf("duplicate feed names accepted")
	}
}

func TestValidateConfigSkipsDisabledFeeds(t *testing.T) {
	cfg := &Config{Feeds: []FeedConfig{{Name: "off", Enabled: false}}}
	if err := ValidateConfig(cfg); err != nil {
		t.Fatalf("disabled feed without source rejected: %v", err)
	}
}

func TestDurationUnmarshal(t *testing.T) {
	path := writeConfig(t, `
feeds:
  - name: f
    enabled: false
    batch_max_wait: 1.5
    backoff_initial: 2s
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	f := cfg.Feeds[0]
	if got := f.BatchMaxWait.Duration(); got != 1500*time.Millisecond {
		t.Fatalf("numeric duration = %v, want 1.5s", got)
	}
	if got := f.BackoffInitial.Duration(); got != 2*time.Second {
		t.Fatalf("string duration = %v, want 2s", got)
	}
}

func TestLoadEffectiveEnvOverlay(t *testing.T) {
	t.Setenv("PROJECTD_ADDR", "0.0.0.0:7070")
	t.Setenv("PROJECTD_DB_PATH", "/tmp/projectd-test-db")

	flags := Flags{Config: filepath.Join(t.TempDir(), "absent.yaml"), Set: map[string]bool{}}
	eff, err := LoadEffective(flags)
	if err != nil {
		t.Fatalf("LoadEffective: %v", err)
	}
	if eff.Addr != "0.0.0.0:7070" {
		t.Fatalf("addr = %q", eff.Addr)
	}
	if eff.DBPath != "/tmp/projectd-test-db" {
		t.Fatalf("db path = %q", eff.DBPath)
	}
	if eff.Source != "env" {
		t.Fatalf("source = %q, want env", eff.Source)
	}
}
