package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the client runtime parameters. MetricsAddr serves /metrics when set.
type Config struct {
	ServerURL   string          `mapstructure:"server_url"`
	HTTPBase    string          `mapstructure:"http_base"`
	LogLevel    string          `mapstructure:"log_level"`
	Memory      bool            `mapstructure:"memory"`
	MetricsAddr string          `mapstructure:"metrics_addr"`
	Reconnect   ReconnectConfig `mapstructure:"reconnect"`
	Outbox      OutboxConfig    `mapstructure:"outbox"`
	Cache       CacheConfig     `mapstructure:"cache"`
	Call        CallConfig      `mapstructure:"call"`
	Mongo       MongoConfig     `mapstructure:"mongo"`
	Redis       RedisConfig     `mapstructure:"redis"`
	Server      ServerConfig    `mapstructure:"server"`
}

type ReconnectConfig struct {
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	Jitter      float64       `mapstructure:"jitter"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	Heartbeat   time.Duration `mapstructure:"heartbeat"`
}

type OutboxConfig struct {
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	Jitter      float64       `mapstructure:"jitter"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	Tick        time.Duration `mapstructure:"tick"`
}

type CacheConfig struct {
	DedupeMaxEntries     int   `mapstructure:"dedupe_max_entries"`
	AttachmentMaxEntries int   `mapstructure:"attachment_max_entries"`
	AttachmentMaxBytes   int64 `mapstructure:"attachment_max_bytes"`
}

type CallConfig struct {
	RingTimeout time.Duration `mapstructure:"ring_timeout"`
}

type MongoConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// ServerConfig is only read by the development relay.
type ServerConfig struct {
	ListenAddr string     `mapstructure:"listen_addr"`
	Turn       TurnConfig `mapstructure:"turn"`
}

// TurnConfig is handed to clients verbatim in turn_credentials.
type TurnConfig struct {
	URLs       []string `mapstructure:"urls"`
	Username   string   `mapstructure:"username"`
	Credential string   `mapstructure:"credential"`
	TTL        int      `mapstructure:"ttl"`
}

const (
	defaultServerURL            = "ws://localhost:9090/ws"
	defaultHTTPBase             = "http://localhost:9090"
	defaultLogLevel             = "info"
	defaultReconnectBase        = time.Second
	defaultReconnectMax         = 30 * time.Second
	defaultReconnectJitter      = 0.2
	defaultReconnectMaxAttempts = 5
	defaultHeartbeat            = 30 * time.Second
	defaultOutboxBase           = time.Second
	defaultOutboxMax            = 60 * time.Second
	defaultOutboxMaxAttempts    = 5
	defaultOutboxTick           = time.Second
	defaultDedupeMaxEntries     = 10000
	defaultAttachmentMaxEntries = 64
	defaultAttachmentMaxBytes   = 32 << 20
	defaultRingTimeout          = 30 * time.Second
	defaultMongoURI             = "mongodb://localhost:27017"
	defaultMongoDatabase        = "e2e_messenger"
	defaultRedisAddr            = "localhost:6379"
	defaultListenAddr           = "localhost:9090"
	defaultStunURL              = "stun:stun.l.google.com:19302"
	defaultTurnTTL              = 86400
)

var durationKeys = map[string]time.Duration{
	"reconnect.base_delay": defaultReconnectBase,
	"reconnect.max_delay":  defaultReconnectMax,
	"reconnect.heartbeat":  defaultHeartbeat,
	"outbox.base_delay":    defaultOutboxBase,
	"outbox.max_delay":     defaultOutboxMax,
	"outbox.tick":          defaultOutboxTick,
	"call.ring_timeout":    defaultRingTimeout,
}

// Load reads configuration from the provided file path (if any) and the environment.
// Environment variables are prefixed with E2E_ and can override file values.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("E2E")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("server_url", defaultServerURL)
	v.SetDefault("http_base", defaultHTTPBase)
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("memory", false)
	v.SetDefault("reconnect.jitter", defaultReconnectJitter)
	v.SetDefault("reconnect.max_attempts", defaultReconnectMaxAttempts)
	v.SetDefault("outbox.jitter", 0.0)
	v.SetDefault("outbox.max_attempts", defaultOutboxMaxAttempts)
	v.SetDefault("cache.dedupe_max_entries", defaultDedupeMaxEntries)
	v.SetDefault("cache.attachment_max_entries", defaultAttachmentMaxEntries)
	v.SetDefault("cache.attachment_max_bytes", defaultAttachmentMaxBytes)
	v.SetDefault("mongo.uri", defaultMongoURI)
	v.SetDefault("mongo.database", defaultMongoDatabase)
	v.SetDefault("redis.addr", defaultRedisAddr)
	v.SetDefault("redis.db", 0)
	v.SetDefault("server.listen_addr", defaultListenAddr)
	v.SetDefault("server.turn.urls", []string{defaultStunURL})
	v.SetDefault("server.turn.ttl", defaultTurnTTL)
	for key, def := range durationKeys {
		v.SetDefault(key, def.String())
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	// Viper leaves durations as strings when they come from env; normalize them here.
	durations := map[string]*time.Duration{
		"reconnect.base_delay": &cfg.Reconnect.BaseDelay,
		"reconnect.max_delay":  &cfg.Reconnect.MaxDelay,
		"reconnect.heartbeat":  &cfg.Reconnect.Heartbeat,
		"outbox.base_delay":    &cfg.Outbox.BaseDelay,
		"outbox.max_delay":     &cfg.Outbox.MaxDelay,
		"outbox.tick":          &cfg.Outbox.Tick,
		"call.ring_timeout":    &cfg.Call.RingTimeout,
	}
	for key, dst := range durations {
		dur, err := time.ParseDuration(v.GetString(key))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", key, err)
		}
		if dur <= 0 {
			dur = durationKeys[key]
		}
		*dst = dur
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Reconnect.Jitter < 0 || c.Reconnect.Jitter > 1 {
		return fmt.Errorf("reconnect.jitter must be within [0,1], got %v", c.Reconnect.Jitter)
	}
	if c.Outbox.Jitter < 0 || c.Outbox.Jitter > 1 {
		return fmt.Errorf("outbox.jitter must be within [0,1], got %v", c.Outbox.Jitter)
	}
	if c.Outbox.MaxAttempts <= 0 {
		return fmt.Errorf("outbox.max_attempts must be positive, got %d", c.Outbox.MaxAttempts)
	}
	if c.Reconnect.MaxDelay < c.Reconnect.BaseDelay {
		return fmt.Errorf("reconnect.max_delay %s is below base_delay %s", c.Reconnect.MaxDelay, c.Reconnect.BaseDelay)
	}
	if c.Outbox.MaxDelay < c.Outbox.BaseDelay {
		return fmt.Errorf("outbox.max_delay %s is below base_delay %s", c.Outbox.MaxDelay, c.Outbox.BaseDelay)
	}
	return nil
}
