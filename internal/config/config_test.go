package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/JakeFAU/webshot/internal/shot"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8080 || cfg.Server.ResponseMode != "bytes" {
		t.Fatalf("unexpected server defaults %+v", cfg.Server)
	}
	if cfg.Browser.PoolSize != "auto" || !cfg.Browser.HealthCheckOnAcquire {
		t.Fatalf("unexpected browser defaults %+v", cfg.Browser)
	}
	if cfg.Render.NavigationTimeout != 15*time.Second || cfg.Render.CrashRetries != 1 {
		t.Fatalf("unexpected render defaults %+v", cfg.Render)
	}
	if cfg.Postprocess.WebPQuality != 75 || cfg.Postprocess.JPEGQuality != 80 {
		t.Fatalf("unexpected encoder defaults %+v", cfg.Postprocess)
	}
	if cfg.Cache.LocatorTTL >= cfg.Storage.SignTTL {
		t.Fatal("default locator ttl must be shorter than sign ttl")
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
  response_mode: redirect
  request_timeout: 45s
browser:
  pool_size: "6"
  acquire_timeout: 10s
  no_sandbox: true
render:
  settle_delay: 500ms
  max_concurrency: 4
  host_rps: 2.5
postprocess:
  workers: 3
  optipng_binary: optipng
storage:
  backend: gcs
  gcs_bucket: shots-bucket
  prefix: shots/
  sign_ttl: 1h
cache:
  locator_ttl: 30m
  redis:
    addr: localhost:6379
queue:
  backend: pubsub
  pubsub:
    project_id: proj
    topic: shots
    subscription: shots-worker
logging:
  development: true
  level: debug
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 || cfg.Server.RequestTimeout != 45*time.Second {
		t.Fatalf("expected server overrides, got %+v", cfg.Server)
	}
	if got := cfg.BrowserPool(); got.Capacity() != 6 || got.AcquireTimeout != 10*time.Second {
		t.Fatalf("expected pool overrides, got %+v", got)
	}
	if !cfg.ChromeOptions().NoSandbox || !cfg.ChromeOptions().Headless {
		t.Fatalf("expected chrome flags, got %+v", cfg.ChromeOptions())
	}
	if cfg.RenderTimings().SettleDelay != 500*time.Millisecond {
		t.Fatalf("expected settle delay override, got %v", cfg.RenderTimings().SettleDelay)
	}
	if cfg.RateLimit().HostRPS != 2.5 {
		t.Fatalf("expected host rps override, got %v", cfg.RateLimit().HostRPS)
	}
	if p := cfg.Processor(); p.Workers != 3 || p.OptipngBinary != "optipng" {
		t.Fatalf("expected postprocess overrides, got %+v", p)
	}
	if p := cfg.Pipeline(); p.MaxConcurrency != 4 || p.RequestTimeout != 45*time.Second {
		t.Fatalf("expected pipeline overrides, got %+v", p)
	}
	cc := cfg.CacheSettings()
	if cc.Mode != shot.LocateRedirect || cc.SignTTL != time.Hour || cc.LocatorTTL != 30*time.Minute {
		t.Fatalf("expected cache overrides, got %+v", cc)
	}
	if cfg.Cache.Redis.Addr != "localhost:6379" {
		t.Fatalf("expected redis addr, got %q", cfg.Cache.Redis.Addr)
	}
	if cfg.Queue.PubSub.Subscription != "shots-worker" {
		t.Fatalf("expected pubsub subscription, got %+v", cfg.Queue.PubSub)
	}
	if !cfg.Logging.Development || cfg.Logging.Level != "debug" {
		t.Fatalf("expected logging overrides, got %+v", cfg.Logging)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"invalid response mode", func(c *Config) { c.Server.ResponseMode = "inline" }, "server.response_mode"},
		{"invalid pool size", func(c *Config) { c.Browser.PoolSize = "many" }, "browser"},
		{"no postprocess workers", func(c *Config) { c.Postprocess.Workers = 0 }, "postprocess.workers"},
		{"webp quality", func(c *Config) { c.Postprocess.WebPQuality = 101 }, "postprocess.webp_quality"},
		{"gcs without bucket", func(c *Config) { c.Storage.Backend = StorageGCS }, "storage.gcs_bucket"},
		{"unknown storage", func(c *Config) { c.Storage.Backend = "s3" }, "storage.backend"},
		{"locator outlives signature", func(c *Config) { c.Cache.LocatorTTL = c.Storage.SignTTL }, "cache.locator_ttl"},
		{"pubsub without topic", func(c *Config) { c.Queue.Backend = QueuePubSub }, "queue.pubsub"},
		{"unknown queue", func(c *Config) { c.Queue.Backend = "kafka" }, "queue.backend"},
		{"negative crash retries", func(c *Config) { c.Render.CrashRetries = -1 }, "render.crash_retries"},
		{"sample ratio", func(c *Config) { c.Telemetry.SampleRatio = 2 }, "telemetry.sample_ratio"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := base
			tt.mutate(&c)
			err := c.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
