// Package config loads and validates engine configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/browser-fetch-engine/internal/crawler"
)

// Task cache tier names and priorities. Lower priorities are served first.
const (
	CacheRealtime = "realtime"
	CacheNormal   = "normal"
	CacheRetry    = "retry"

	PriorityRealtime = 0
	PriorityNormal   = 5
	PriorityRetry    = 10
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Emulator  EmulatorConfig  `mapstructure:"emulator"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	Pool      PoolConfig      `mapstructure:"pool"`
	Cache     CacheConfig     `mapstructure:"cache"`
	FatLink   FatLinkConfig   `mapstructure:"fatlink"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Resource  ResourceConfig  `mapstructure:"resource"`
	Proxy     ProxyConfig     `mapstructure:"proxy"`
	DB        DBConfig        `mapstructure:"db"`
	Redis     RedisConfig     `mapstructure:"redis"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Worker    WorkerConfig    `mapstructure:"worker"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// EmulatorConfig tunes the browse protocol.
type EmulatorConfig struct {
	ScriptTimeout        time.Duration `mapstructure:"script_timeout"`
	PageLoadTimeout      time.Duration `mapstructure:"page_load_timeout"`
	ScrollCount          int           `mapstructure:"scroll_count"`
	ScrollInterval       time.Duration `mapstructure:"scroll_interval"`
	PollInterval         time.Duration `mapstructure:"poll_interval"`
	EnableStartupScript  bool          `mapstructure:"enable_startup_script"`
	MinContentLength     int           `mapstructure:"min_content_length"`
	MaxContentPollRounds int           `mapstructure:"max_content_poll_rounds"`
	ContentPollInterval  time.Duration `mapstructure:"content_poll_interval"`
	MinInteractAnchors   int           `mapstructure:"min_interact_anchors"`
	InteractProbability  int           `mapstructure:"interact_probability"`
	FirstPageViews       int           `mapstructure:"first_page_views"`
}

// Settings converts the section into emulator settings.
func (c EmulatorConfig) Settings() crawler.EmulateSettings {
	return crawler.EmulateSettings{
		ScriptTimeout:        c.ScriptTimeout,
		PageLoadTimeout:      c.PageLoadTimeout,
		ScrollCount:          c.ScrollCount,
		ScrollInterval:       c.ScrollInterval,
		PollInterval:         c.PollInterval,
		EnableStartupScript:  c.EnableStartupScript,
		MinContentLength:     c.MinContentLength,
		MaxContentPollRounds: c.MaxContentPollRounds,
		ContentPollInterval:  c.ContentPollInterval,
		MinInteractAnchors:   c.MinInteractAnchors,
		InteractProbability:  c.InteractProbability,
		FirstPageViews:       c.FirstPageViews,
	}
}

// BrowserConfig controls how Chrome is launched.
type BrowserConfig struct {
	Headless      bool          `mapstructure:"headless"`
	ExecPath      string        `mapstructure:"exec_path"`
	UserAgent     string        `mapstructure:"user_agent"`
	WindowWidth   int           `mapstructure:"window_width"`
	WindowHeight  int           `mapstructure:"window_height"`
	LaunchTimeout time.Duration `mapstructure:"launch_timeout"`
	NoSandbox     bool          `mapstructure:"no_sandbox"`
}

// PoolConfig bounds the session pool and its health policy.
type PoolConfig struct {
	MaxSessions     int           `mapstructure:"max_sessions"`
	MaxUses         int           `mapstructure:"max_uses"`
	MaxAge          time.Duration `mapstructure:"max_age"`
	MaxErrorScore   float64       `mapstructure:"max_error_score"`
	LaunchAttempts  int           `mapstructure:"launch_attempts"`
	LaunchBaseDelay time.Duration `mapstructure:"launch_base_delay"`
	LaunchMaxDelay  time.Duration `mapstructure:"launch_max_delay"`
}

// CacheConfig sets the capacity of each task cache tier.
type CacheConfig struct {
	RealtimeCapacity int `mapstructure:"realtime_capacity"`
	NormalCapacity   int `mapstructure:"normal_capacity"`
	RetryCapacity    int `mapstructure:"retry_capacity"`
}

// FatLinkConfig configures the idle-group watchdog.
type FatLinkConfig struct {
	WatchdogInterval time.Duration `mapstructure:"watchdog_interval"`
	MaxIdle          time.Duration `mapstructure:"max_idle"`
}

// RateLimitConfig paces navigations per host.
type RateLimitConfig struct {
	DefaultRPS   float64            `mapstructure:"default_rps"`
	DefaultBurst int                `mapstructure:"default_burst"`
	Overrides    map[string]float64 `mapstructure:"overrides"`
}

// ResourceConfig configures the non-rendering resource loader.
type ResourceConfig struct {
	UserAgent     string        `mapstructure:"user_agent"`
	RespectRobots bool          `mapstructure:"respect_robots"`
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxBodySize   int           `mapstructure:"max_body_size"`
}

// ProxyConfig lists the identities sessions rotate through.
type ProxyConfig struct {
	Servers    []string `mapstructure:"servers"`
	UserAgents []string `mapstructure:"user_agents"`
}

// DBConfig controls access to Postgres. An empty DSN keeps statuses in memory.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	EnsureSchema    bool          `mapstructure:"ensure_schema"`
}

// RedisConfig selects the Redis status store when Addr is set and db.dsn is
// empty.
type RedisConfig struct {
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	TTL       time.Duration `mapstructure:"ttl"`
}

// PubSubConfig holds the result topic. An empty project keeps events in memory.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// NATSConfig selects the JetStream publisher when URL is set.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
	Username      string `mapstructure:"username"`
	Password      string `mapstructure:"password"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// WorkerConfig sizes the execution loop.
type WorkerConfig struct {
	Concurrency    int           `mapstructure:"concurrency"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	ExecuteTimeout time.Duration `mapstructure:"execute_timeout"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FETCH")
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
	emulate := crawler.DefaultEmulateSettings()

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("emulator.script_timeout", emulate.ScriptTimeout)
	v.SetDefault("emulator.page_load_timeout", emulate.PageLoadTimeout)
	v.SetDefault("emulator.scroll_count", emulate.ScrollCount)
	v.SetDefault("emulator.scroll_interval", emulate.ScrollInterval)
	v.SetDefault("emulator.poll_interval", emulate.PollInterval)
	v.SetDefault("emulator.enable_startup_script", emulate.EnableStartupScript)
	v.SetDefault("emulator.min_content_length", emulate.MinContentLength)
	v.SetDefault("emulator.max_content_poll_rounds", emulate.MaxContentPollRounds)
	v.SetDefault("emulator.content_poll_interval", emulate.ContentPollInterval)
	v.SetDefault("emulator.min_interact_anchors", emulate.MinInteractAnchors)
	v.SetDefault("emulator.interact_probability", emulate.InteractProbability)
	v.SetDefault("emulator.first_page_views", emulate.FirstPageViews)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.window_width", 1920)
	v.SetDefault("browser.window_height", 1080)
	v.SetDefault("browser.launch_timeout", 30*time.Second)
	v.SetDefault("browser.no_sandbox", false)
	v.SetDefault("pool.max_sessions", 4)
	v.SetDefault("pool.max_uses", 50)
	v.SetDefault("pool.max_age", 50*time.Minute)
	v.SetDefault("pool.max_error_score", 3.0)
	v.SetDefault("pool.launch_attempts", 3)
	v.SetDefault("pool.launch_base_delay", 250*time.Millisecond)
	v.SetDefault("pool.launch_max_delay", 5*time.Second)
	v.SetDefault("cache.realtime_capacity", 1000)
	v.SetDefault("cache.normal_capacity", 1000)
	v.SetDefault("cache.retry_capacity", 1000)
	v.SetDefault("fatlink.watchdog_interval", 30*time.Second)
	v.SetDefault("fatlink.max_idle", 10*time.Minute)
	v.SetDefault("ratelimit.default_rps", 1.0)
	v.SetDefault("ratelimit.default_burst", 1)
	v.SetDefault("resource.user_agent", "browser-fetch-engine/0.1")
	v.SetDefault("resource.respect_robots", false)
	v.SetDefault("resource.timeout", 30*time.Second)
	v.SetDefault("resource.max_body_size", 10<<20)
	v.SetDefault("db.table", "task_status")
	v.SetDefault("db.ensure_schema", true)
	v.SetDefault("redis.key_prefix", "fetch:task:")
	v.SetDefault("redis.ttl", 24*time.Hour)
	v.SetDefault("nats.subject_prefix", "fetchengine")
	v.SetDefault("logging.development", true)
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.max_attempts", 3)
	v.SetDefault("worker.execute_timeout", 3*time.Minute)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0")
	}
	if c.Pool.MaxSessions <= 0 {
		return fmt.Errorf("pool.max_sessions must be > 0")
	}
	if c.Cache.RealtimeCapacity <= 0 || c.Cache.NormalCapacity <= 0 || c.Cache.RetryCapacity <= 0 {
		return fmt.Errorf("cache capacities must be > 0")
	}
	if c.Emulator.ScriptTimeout <= 0 || c.Emulator.PageLoadTimeout <= 0 {
		return fmt.Errorf("emulator timeouts must be > 0")
	}
	if c.Emulator.InteractProbability <= 0 {
		return fmt.Errorf("emulator.interact_probability must be > 0")
	}
	if c.FatLink.WatchdogInterval <= 0 {
		return fmt.Errorf("fatlink.watchdog_interval must be > 0")
	}
	if c.DB.DSN != "" && c.Redis.Addr != "" {
		return fmt.Errorf("set only one of db.dsn and redis.addr")
	}
	if c.PubSub.ProjectID != "" && c.PubSub.TopicName == "" {
		return fmt.Errorf("pubsub.topic_name must be set when pubsub.project_id is set")
	}
	if c.PubSub.ProjectID != "" && c.NATS.URL != "" {
		return fmt.Errorf("set only one of pubsub.project_id and nats.url")
	}
	return nil
}
