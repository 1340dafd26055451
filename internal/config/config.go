package config

import (
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/SkynetNext/xsk-fastpath/pkg/classifier"
)

// Config holds all fast-path daemon configuration
type Config struct {
	Interface  InterfaceConfig  `yaml:"interface"`
	Classifier ClassifierConfig `yaml:"classifier"`
	FastPath   FastPathConfig   `yaml:"fast_path"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Redis      RedisConfig      `yaml:"redis"`
	Tracing    TracingConfig    `yaml:"tracing"`
	Lifecycle  LifecycleConfig  `yaml:"lifecycle"`
	Log        LogConfig        `yaml:"log"`
	Routes     RoutesConfig     `yaml:"routes"`
}

type InterfaceConfig struct {
	// Empty runs the in-process path only; no program is attached.
	Name string `yaml:"name" env:"FASTPATH_INTERFACE"`
	// auto, driver or generic
	XDPMode string `yaml:"xdp_mode" env:"FASTPATH_XDP_MODE"`
}

type ClassifierConfig struct {
	// literal or corrected
	ListenerCheck string `yaml:"listener_check" env:"FASTPATH_LISTENER_CHECK"`
	// No-listener trace lines per second
	TraceRate  float64 `yaml:"trace_rate" env:"FASTPATH_TRACE_RATE"`
	TraceBurst int     `yaml:"trace_burst" env:"FASTPATH_TRACE_BURST"`
}

type FastPathConfig struct {
	// Queues that get an in-process fast-path socket at startup
	Queues   []uint32 `yaml:"queues" env:"FASTPATH_QUEUES"`
	RingSize int      `yaml:"ring_size" env:"FASTPATH_RING_SIZE"`
	// Initial per-queue status flags, file only
	QueueStatus map[uint32]uint32 `yaml:"queue_status"`
}

type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled" env:"METRICS_ENABLED"`
	ListenAddr string `yaml:"listen_addr" env:"METRICS_LISTEN_ADDR"`
}

type RedisConfig struct {
	Enabled   bool   `yaml:"enabled" env:"REDIS_ENABLED"`
	Addr      string `yaml:"addr" env:"REDIS_ADDR"`
	Password  string `yaml:"password" env:"REDIS_PASSWORD"`
	DB        int    `yaml:"db" env:"REDIS_DB"`
	KeyPrefix string `yaml:"key_prefix" env:"REDIS_KEY_PREFIX"`
}

type TracingConfig struct {
	// Empty disables tracing
	JaegerEndpoint string `yaml:"jaeger_endpoint" env:"JAEGER_ENDPOINT"`
	ServiceName    string `yaml:"service_name" env:"TRACING_SERVICE_NAME"`
}

type LifecycleConfig struct {
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// Time /ready reports draining before the admin listener closes
	DrainDelay          time.Duration `yaml:"drain_delay" env:"DRAIN_DELAY"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval" env:"HEALTH_CHECK_INTERVAL"`
	// Config file poll period; zero disables the watcher
	ConfigPollInterval time.Duration `yaml:"config_poll_interval" env:"CONFIG_POLL_INTERVAL"`
}

type RoutesConfig struct {
	// Fold entries sharing a next hop into their common supernet
	Merge  bool          `yaml:"merge" env:"ROUTES_MERGE"`
	Static []RouteConfig `yaml:"static"`
}

type RouteConfig struct {
	Destination string `yaml:"destination"`
	NextHop     string `yaml:"next_hop"`
	Outgoing    string `yaml:"outgoing"`
	HopCount    int    `yaml:"hop_count"`
	Priority    int    `yaml:"priority"`
}

type LogConfig struct {
	Level string `yaml:"level" env:"LOG_LEVEL"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Interface: InterfaceConfig{
			XDPMode: "auto",
		},
		Classifier: ClassifierConfig{
			ListenerCheck: classifier.ListenerCheckLiteral.String(),
			TraceRate:     1,
			TraceBurst:    5,
		},
		FastPath: FastPathConfig{
			RingSize: 2048,
		},
		Metrics: MetricsConfig{
			Enabled:    true,
			ListenAddr: ":9090",
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			KeyPrefix: "fastpath:",
		},
		Tracing: TracingConfig{
			ServiceName: "xsk-fastpath",
		},
		Lifecycle: LifecycleConfig{
			ShutdownTimeout:     30 * time.Second,
			DrainDelay:          5 * time.Second,
			HealthCheckInterval: 15 * time.Second,
			ConfigPollInterval:  5 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
		Routes: RoutesConfig{
			Merge: true,
		},
	}
}

// LoadConfig loads configuration from environment variables with defaults
func LoadConfig() *Config {
	cfg := Default()
	cfg.applyEnv()
	return cfg
}

// applyEnv overrides every field whose environment variable is set.
func (c *Config) applyEnv() {
	c.Interface.Name = getEnv("FASTPATH_INTERFACE", c.Interface.Name)
	c.Interface.XDPMode = getEnv("FASTPATH_XDP_MODE", c.Interface.XDPMode)

	c.Classifier.ListenerCheck = getEnv("FASTPATH_LISTENER_CHECK", c.Classifier.ListenerCheck)
	c.Classifier.TraceRate = getEnvFloat("FASTPATH_TRACE_RATE", c.Classifier.TraceRate)
	c.Classifier.TraceBurst = getEnvInt("FASTPATH_TRACE_BURST", c.Classifier.TraceBurst)

	if queues := getEnvSlice("FASTPATH_QUEUES"); queues != nil {
		c.FastPath.Queues = parseQueues(queues)
	}
	c.FastPath.RingSize = getEnvInt("FASTPATH_RING_SIZE", c.FastPath.RingSize)

	c.Metrics.Enabled = getEnvBool("METRICS_ENABLED", c.Metrics.Enabled)
	c.Metrics.ListenAddr = getEnv("METRICS_LISTEN_ADDR", c.Metrics.ListenAddr)

	c.Redis.Enabled = getEnvBool("REDIS_ENABLED", c.Redis.Enabled)
	c.Routes.Merge = getEnvBool("ROUTES_MERGE", c.Routes.Merge)
	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getEnvInt("REDIS_DB", c.Redis.DB)
	c.Redis.KeyPrefix = getEnv("REDIS_KEY_PREFIX", c.Redis.KeyPrefix)

	c.Tracing.JaegerEndpoint = getEnv("JAEGER_ENDPOINT", c.Tracing.JaegerEndpoint)
	c.Tracing.ServiceName = getEnv("TRACING_SERVICE_NAME", c.Tracing.ServiceName)

	c.Lifecycle.ShutdownTimeout = getEnvDuration("SHUTDOWN_TIMEOUT", c.Lifecycle.ShutdownTimeout)
	c.Lifecycle.DrainDelay = getEnvDuration("DRAIN_DELAY", c.Lifecycle.DrainDelay)
	c.Lifecycle.HealthCheckInterval = getEnvDuration("HEALTH_CHECK_INTERVAL", c.Lifecycle.HealthCheckInterval)
	c.Lifecycle.ConfigPollInterval = getEnvDuration("CONFIG_POLL_INTERVAL", c.Lifecycle.ConfigPollInterval)

	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
}

// Validate checks values the daemon cannot start with.
func (c *Config) Validate() error {
	if _, err := classifier.ParseListenerCheck(c.Classifier.ListenerCheck); err != nil {
		return err
	}
	switch c.Interface.XDPMode {
	case "auto", "driver", "generic":
	default:
		return fmt.Errorf("config: unknown xdp mode %q", c.Interface.XDPMode)
	}
	for _, q := range c.FastPath.Queues {
		if q >= classifier.MaxQueues {
			return fmt.Errorf("config: fast-path queue %d: %w", q, classifier.ErrQueueOutOfRange)
		}
	}
	for q := range c.FastPath.QueueStatus {
		if q >= classifier.MaxQueues {
			return fmt.Errorf("config: queue status %d: %w", q, classifier.ErrQueueOutOfRange)
		}
	}
	if c.FastPath.RingSize <= 0 {
		return fmt.Errorf("config: ring size must be positive, got %d", c.FastPath.RingSize)
	}
	for i, r := range c.Routes.Static {
		p, err := netip.ParsePrefix(r.Destination)
		if err != nil || !p.Addr().Is4() {
			return fmt.Errorf("config: route %d: destination %q is not an IPv4 prefix", i, r.Destination)
		}
	}
	return nil
}

// ListenerCheck returns the parsed listener-check mode.
func (c *Config) ListenerCheck() classifier.ListenerCheck {
	mode, _ := classifier.ParseListenerCheck(c.Classifier.ListenerCheck)
	return mode
}

// parseQueues keeps every entry that parses as an unsigned integer; range is
// left to Validate.
func parseQueues(parts []string) []uint32 {
	out := make([]uint32, 0, len(parts))
	for _, p := range parts {
		q, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			continue
		}
		out = append(out, uint32(q))
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvSlice(key string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, part := range parts {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		return out
	}
	return nil
}
