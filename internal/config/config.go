// Package config loads and validates webshot configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/webshot/internal/browser"
	"github.com/JakeFAU/webshot/internal/cache"
	redislocators "github.com/JakeFAU/webshot/internal/cache/redis"
	"github.com/JakeFAU/webshot/internal/logging"
	"github.com/JakeFAU/webshot/internal/pipeline"
	"github.com/JakeFAU/webshot/internal/policy/ratelimit"
	"github.com/JakeFAU/webshot/internal/postprocess"
	pubsubqueue "github.com/JakeFAU/webshot/internal/queue/pubsub"
	"github.com/JakeFAU/webshot/internal/render"
	"github.com/JakeFAU/webshot/internal/shot"
	"github.com/JakeFAU/webshot/internal/telemetry"
)

// Storage backends.
const (
	StorageGCS    = "gcs"
	StorageLocal  = "local"
	StorageMemory = "memory"
)

// Queue backends.
const (
	QueueMemory = "memory"
	QueuePubSub = "pubsub"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Browser     BrowserConfig     `mapstructure:"browser"`
	Render      RenderConfig      `mapstructure:"render"`
	Postprocess PostprocessConfig `mapstructure:"postprocess"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Queue       QueueConfig       `mapstructure:"queue"`
	Logging     logging.Config    `mapstructure:"logging"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// ResponseMode is "bytes" or "redirect".
	ResponseMode string `mapstructure:"response_mode"`
	CacheMaxAge  int    `mapstructure:"cache_max_age"`
}

// BrowserConfig sizes the Chrome pool.
type BrowserConfig struct {
	PoolSize             string        `mapstructure:"pool_size"`
	AcquireTimeout       time.Duration `mapstructure:"acquire_timeout"`
	HealthCheckOnAcquire bool          `mapstructure:"health_check_on_acquire"`
	PingTimeout          time.Duration `mapstructure:"ping_timeout"`
	WarmOnStart          bool          `mapstructure:"warm_on_start"`
	ExecPath             string        `mapstructure:"exec_path"`
	UserAgent            string        `mapstructure:"user_agent"`
	Headless             bool          `mapstructure:"headless"`
	NoSandbox            bool          `mapstructure:"no_sandbox"`
}

// RenderConfig governs navigation and capture.
type RenderConfig struct {
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	SettleDelay       time.Duration `mapstructure:"settle_delay"`
	SelectorTimeout   time.Duration `mapstructure:"selector_timeout"`
	CloseTimeout      time.Duration `mapstructure:"close_timeout"`
	MaxConcurrency    int           `mapstructure:"max_concurrency"`
	CrashRetries      int           `mapstructure:"crash_retries"`
	HostRPS           float64       `mapstructure:"host_rps"`
	HostBurst         int           `mapstructure:"host_burst"`
	TempDir           string        `mapstructure:"temp_dir"`
}

// PostprocessConfig names the codecs and their worker pool.
type PostprocessConfig struct {
	Workers        int           `mapstructure:"workers"`
	ConvertBinary  string        `mapstructure:"convert_binary"`
	CwebpBinary    string        `mapstructure:"cwebp_binary"`
	OptipngBinary  string        `mapstructure:"optipng_binary"`
	WebPQuality    int           `mapstructure:"webp_quality"`
	JPEGQuality    int           `mapstructure:"jpeg_quality"`
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
}

// StorageConfig selects the blob store.
type StorageConfig struct {
	Backend        string        `mapstructure:"backend"`
	GCSBucket      string        `mapstructure:"gcs_bucket"`
	Prefix         string        `mapstructure:"prefix"`
	LocalDir       string        `mapstructure:"local_dir"`
	SignTTL        time.Duration `mapstructure:"sign_ttl"`
	GoogleAccessID string        `mapstructure:"google_access_id"`
}

// CacheConfig controls the signed-URL locator cache.
type CacheConfig struct {
	LocatorTTL time.Duration        `mapstructure:"locator_ttl"`
	Redis      redislocators.Config `mapstructure:"redis"`
}

// QueueConfig selects the deferred queue and its consumers.
type QueueConfig struct {
	Backend     string             `mapstructure:"backend"`
	Capacity    int                `mapstructure:"capacity"`
	MaxAttempts int                `mapstructure:"max_attempts"`
	Workers     int                `mapstructure:"workers"`
	TrackJobs   int                `mapstructure:"track_jobs"`
	PubSub      pubsubqueue.Config `mapstructure:"pubsub"`
}

// TelemetryConfig toggles OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
	// ProjectID enables export to Google Cloud Trace.
	ProjectID string `mapstructure:"project_id"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("WEBSHOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.response_mode", string(shot.LocateBytes))
	v.SetDefault("server.cache_max_age", 86400)

	v.SetDefault("browser.pool_size", "auto")
	v.SetDefault("browser.acquire_timeout", 30*time.Second)
	v.SetDefault("browser.health_check_on_acquire", true)
	v.SetDefault("browser.ping_timeout", 5*time.Second)
	v.SetDefault("browser.warm_on_start", true)
	v.SetDefault("browser.user_agent", "")
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.no_sandbox", false)

	v.SetDefault("render.navigation_timeout", 15*time.Second)
	v.SetDefault("render.settle_delay", 2*time.Second)
	v.SetDefault("render.selector_timeout", 5*time.Second)
	v.SetDefault("render.close_timeout", 5*time.Second)
	v.SetDefault("render.max_concurrency", 0)
	v.SetDefault("render.crash_retries", 1)
	v.SetDefault("render.host_rps", 0)
	v.SetDefault("render.host_burst", 1)

	pp := postprocess.DefaultConfig()
	v.SetDefault("postprocess.workers", pp.Workers)
	v.SetDefault("postprocess.convert_binary", pp.ConvertBinary)
	v.SetDefault("postprocess.cwebp_binary", pp.CwebpBinary)
	v.SetDefault("postprocess.optipng_binary", pp.OptipngBinary)
	v.SetDefault("postprocess.webp_quality", pp.WebPQuality)
	v.SetDefault("postprocess.jpeg_quality", pp.JPEGQuality)
	v.SetDefault("postprocess.command_timeout", pp.CommandTimeout)

	v.SetDefault("storage.backend", StorageLocal)
	v.SetDefault("storage.local_dir", "shots")
	v.SetDefault("storage.sign_ttl", 15*time.Minute)

	v.SetDefault("cache.locator_ttl", 10*time.Minute)

	v.SetDefault("queue.backend", QueueMemory)
	v.SetDefault("queue.capacity", 256)
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.workers", 2)
	v.SetDefault("queue.track_jobs", 10000)
	v.SetDefault("queue.pubsub.max_outstanding", 8)

	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "webshot")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Server.RequestTimeout <= 0 {
		return fmt.Errorf("server.request_timeout must be > 0")
	}
	switch shot.LocateMode(c.Server.ResponseMode) {
	case shot.LocateBytes, shot.LocateRedirect:
	default:
		return fmt.Errorf("server.response_mode must be bytes or redirect, got %q", c.Server.ResponseMode)
	}
	if err := c.BrowserPool().Validate(); err != nil {
		return fmt.Errorf("browser: %w", err)
	}
	if c.Render.NavigationTimeout <= 0 {
		return fmt.Errorf("render.navigation_timeout must be > 0")
	}
	if c.Render.CrashRetries < 0 {
		return fmt.Errorf("render.crash_retries must be >= 0")
	}
	if c.Postprocess.Workers <= 0 {
		return fmt.Errorf("postprocess.workers must be > 0")
	}
	if q := c.Postprocess.WebPQuality; q < 1 || q > 100 {
		return fmt.Errorf("postprocess.webp_quality must be within 1..100")
	}
	if q := c.Postprocess.JPEGQuality; q < 1 || q > 100 {
		return fmt.Errorf("postprocess.jpeg_quality must be within 1..100")
	}
	switch c.Storage.Backend {
	case StorageGCS:
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
		}
	case StorageLocal:
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir must be set for the local backend")
		}
	case StorageMemory:
	default:
		return fmt.Errorf("storage.backend must be gcs, local or memory, got %q", c.Storage.Backend)
	}
	if c.Storage.SignTTL <= 0 {
		return fmt.Errorf("storage.sign_ttl must be > 0")
	}
	if c.Cache.LocatorTTL <= 0 || c.Cache.LocatorTTL >= c.Storage.SignTTL {
		return fmt.Errorf("cache.locator_ttl must be > 0 and shorter than storage.sign_ttl")
	}
	switch c.Queue.Backend {
	case QueueMemory:
		if c.Queue.Capacity <= 0 {
			return fmt.Errorf("queue.capacity must be > 0")
		}
	case QueuePubSub:
		if c.Queue.PubSub.ProjectID == "" || c.Queue.PubSub.Topic == "" {
			return fmt.Errorf("queue.pubsub.project_id and queue.pubsub.topic must be set for the pubsub backend")
		}
	default:
		return fmt.Errorf("queue.backend must be memory or pubsub, got %q", c.Queue.Backend)
	}
	if c.Queue.Workers < 0 {
		return fmt.Errorf("queue.workers must be >= 0")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within 0..1")
	}
	return nil
}

// BrowserPool converts the browser section into pool settings.
func (c Config) BrowserPool() browser.Config {
	return browser.Config{
		Size:                 c.Browser.PoolSize,
		AcquireTimeout:       c.Browser.AcquireTimeout,
		HealthCheckOnAcquire: c.Browser.HealthCheckOnAcquire,
		PingTimeout:          c.Browser.PingTimeout,
		WarmOnStart:          c.Browser.WarmOnStart,
	}
}

// ChromeOptions converts the browser section into launcher flags.
func (c Config) ChromeOptions() browser.ChromeOptions {
	return browser.ChromeOptions{
		ExecPath:  c.Browser.ExecPath,
		UserAgent: c.Browser.UserAgent,
		Headless:  c.Browser.Headless,
		NoSandbox: c.Browser.NoSandbox,
	}
}

// RenderTimings converts the render section.
func (c Config) RenderTimings() render.Config {
	return render.Config{
		NavigationTimeout: c.Render.NavigationTimeout,
		SettleDelay:       c.Render.SettleDelay,
		SelectorTimeout:   c.Render.SelectorTimeout,
		CloseTimeout:      c.Render.CloseTimeout,
		PingTimeout:       c.Browser.PingTimeout,
		TempDir:           c.Render.TempDir,
	}
}

// RateLimit converts the per-host limiter settings.
func (c Config) RateLimit() ratelimit.Config {
	return ratelimit.Config{HostRPS: c.Render.HostRPS, HostBurst: c.Render.HostBurst}
}

// Processor converts the postprocess section.
func (c Config) Processor() postprocess.Config {
	return postprocess.Config{
		Workers:        c.Postprocess.Workers,
		ConvertBinary:  c.Postprocess.ConvertBinary,
		CwebpBinary:    c.Postprocess.CwebpBinary,
		OptipngBinary:  c.Postprocess.OptipngBinary,
		WebPQuality:    c.Postprocess.WebPQuality,
		JPEGQuality:    c.Postprocess.JPEGQuality,
		TempDir:        c.Render.TempDir,
		CommandTimeout: c.Postprocess.CommandTimeout,
	}
}

// Tracing converts the telemetry section.
func (c Config) Tracing() telemetry.Config {
	return telemetry.Config{
		Enabled:     c.Telemetry.Enabled,
		ServiceName: c.Telemetry.ServiceName,
		SampleRatio: c.Telemetry.SampleRatio,
		ProjectID:   c.Telemetry.ProjectID,
	}
}

// Pipeline converts the orchestration settings.
func (c Config) Pipeline() pipeline.Config {
	return pipeline.Config{
		MaxConcurrency: c.Render.MaxConcurrency,
		RequestTimeout: c.Server.RequestTimeout,
		CrashRetries:   c.Render.CrashRetries,
	}
}

// CacheSettings converts the locator settings.
func (c Config) CacheSettings() cache.Config {
	return cache.Config{
		Mode:       shot.LocateMode(c.Server.ResponseMode),
		SignTTL:    c.Storage.SignTTL,
		LocatorTTL: c.Cache.LocatorTTL,
	}
}
