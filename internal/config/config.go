// Package config loads relay configuration. Values start from Default, are
// overlaid by an optional YAML file and finally by environment variables,
// so a container can run with no file at all.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"
)

// Config is the complete relay configuration.
type Config struct {
	ServerName string `yaml:"server_name"`

	Server    ServerConfig    `yaml:"server"`
	Redis     RedisConfig     `yaml:"redis"`
	Database  DatabaseConfig  `yaml:"database"`
	NATS      NATSConfig      `yaml:"nats"`
	Auth      AuthConfig      `yaml:"auth"`
	Match     MatchConfig     `yaml:"match"`
	Presence  PresenceConfig  `yaml:"presence"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// ServerConfig configures the WebSocket listener.
type ServerConfig struct {
	ListenAddr        string        `yaml:"listen_addr"`
	MaxConnections    int           `yaml:"max_connections"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	MaxFrameBytes     int64         `yaml:"max_frame_bytes"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
}

// RedisConfig selects the Redis server. URL wins over Addr when both are set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// DatabaseConfig points at the profile database.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// NATSConfig configures lifecycle event publishing. An empty URL disables it.
type NATSConfig struct {
	URL string `yaml:"url"`
}

// AuthConfig configures token verification.
type AuthConfig struct {
	Secret string        `yaml:"secret"`
	Issuer string        `yaml:"issuer"`
	Leeway time.Duration `yaml:"leeway"`
}

// MatchConfig configures matchmaking pools and the reaper.
type MatchConfig struct {
	Types        []string      `yaml:"types"`
	MaxAttempts  int           `yaml:"max_attempts"`
	MaxWait      time.Duration `yaml:"max_wait"` // 0 = unlimited
	ReapInterval time.Duration `yaml:"reap_interval"`
}

// PresenceConfig configures presence records.
type PresenceConfig struct {
	TTL               time.Duration `yaml:"ttl"`
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
}

// RateLimitConfig throttles connection attempts per user.
type RateLimitConfig struct {
	ConnectLimit  int           `yaml:"connect_limit"` // 0 disables
	ConnectWindow time.Duration `yaml:"connect_window"`
}

// Default returns a configuration suitable for local development.
func Default() Config {
	serverName, _ := os.Hostname()
	if serverName == "" {
		serverName = "relay-1"
	}
	return Config{
		ServerName: serverName,
		Server: ServerConfig{
			ListenAddr:        ":8080",
			MaxConnections:    100000,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			MaxFrameBytes:     16 << 10,
			HeartbeatInterval: 30 * time.Second,
			HeartbeatTimeout:  10 * time.Second,
		},
		Redis:    RedisConfig{Addr: "localhost:6379"},
		Database: DatabaseConfig{URL: "postgres://localhost:5432/matchify?sslmode=disable"},
		Auth: AuthConfig{
			Secret: "dev-secret-change-me",
			Issuer: "matchify-api",
			Leeway: 30 * time.Second,
		},
		Match: MatchConfig{
			Types:        []string{"artist"},
			MaxAttempts:  5,
			ReapInterval: 30 * time.Second,
		},
		Presence: PresenceConfig{
			TTL:               2 * time.Minute,
			KeepaliveInterval: 30 * time.Second,
		},
		RateLimit: RateLimitConfig{
			ConnectLimit:  10,
			ConnectWindow: time.Minute,
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (if
// non-empty) and the process environment.
func Load(path string) (Config, error) {
	return load(path, os.Getenv)
}

func load(path string, getenv func(string) string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg, getenv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	var errs []error
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v := getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("SERVER_NAME", &cfg.ServerName)
	str("LISTEN_ADDR", &cfg.Server.ListenAddr)
	num("MAX_CONNECTIONS", &cfg.Server.MaxConnections)
	dur("READ_TIMEOUT", &cfg.Server.ReadTimeout)
	dur("WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	str("REDIS_ADDR", &cfg.Redis.Addr)
	str("REDIS_URL", &cfg.Redis.URL)
	str("DATABASE_URL", &cfg.Database.URL)
	str("NATS_URL", &cfg.NATS.URL)
	str("AUTH_SECRET", &cfg.Auth.Secret)
	str("AUTH_ISSUER", &cfg.Auth.Issuer)
	dur("MATCH_MAX_WAIT", &cfg.Match.MaxWait)
	dur("REAP_INTERVAL", &cfg.Match.ReapInterval)
	num("CONNECT_RATE_LIMIT", &cfg.RateLimit.ConnectLimit)

	if v := getenv("MATCH_TYPES"); v != "" {
		var types []string
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				types = append(types, t)
			}
		}
		cfg.Match.Types = types
	}
	return errors.Join(errs...)
}

// Validate reports settings the relay cannot start with.
func (c Config) Validate() error {
	var errs []error
	if c.Server.ListenAddr == "" {
		errs = append(errs, errors.New("config: server.listen_addr is required"))
	}
	if c.Redis.Addr == "" && c.Redis.URL == "" {
		errs = append(errs, errors.New("config: redis.addr or redis.url is required"))
	}
	if c.Auth.Secret == "" {
		errs = append(errs, errors.New("config: auth.secret is required"))
	}
	if len(c.Match.Types) == 0 {
		errs = append(errs, errors.New("config: match.types must not be empty"))
	}
	if c.Server.MaxFrameBytes <= 0 {
		errs = append(errs, errors.New("config: server.max_frame_bytes must be positive"))
	}
	return errors.Join(errs...)
}

// RedisOptions converts the Redis section into client options.
func (c Config) RedisOptions() (*redis.Options, error) {
	if c.Redis.URL != "" {
		opts, err := redis.ParseURL(c.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("config: redis url: %w", err)
		}
		return opts, nil
	}
	return &redis.Options{
		Addr:     c.Redis.Addr,
		Password: c.Redis.Password,
		DB:       c.Redis.DB,
	}, nil
}

// AllowsMatchType reports whether matchType is a configured pool.
func (c Config) AllowsMatchType(matchType string) bool {
	for _, t := range c.Match.Types {
		if t == matchType {
			return true
		}
	}
	return false
}
