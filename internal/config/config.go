package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/tailscale/hujson"
	"gopkg.in/yaml.v3"

	"github.com/HsiangNianian/mup/internal/component"
	"github.com/HsiangNianian/mup/internal/observability"
)

var (
	ErrUnknownFormat = errors.New("config: unknown file format")
	ErrInvalid       = errors.New("config: invalid")
)

// Duration is a time.Duration written as a Go duration string ("30s").
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

type Config struct {
	Server     ServerConfig            `json:"server" yaml:"server" toml:"server"`
	Session    SessionConfig           `json:"session" yaml:"session" toml:"session"`
	Queue      QueueConfig             `json:"queue" yaml:"queue" toml:"queue"`
	Store      StoreConfig             `json:"store" yaml:"store" toml:"store"`
	Log        observability.LogConfig `json:"log" yaml:"log" toml:"log"`
	Client     ClientConfig            `json:"client" yaml:"client" toml:"client"`
	Components []component.TypeDef     `json:"components,omitempty" yaml:"components,omitempty" toml:"components,omitempty"`
}

type ServerConfig struct {
	ListenAddr      string   `json:"listen_addr" yaml:"listen_addr" toml:"listen_addr"`
	Host            string   `json:"host" yaml:"host" toml:"host"`
	Port            int      `json:"port" yaml:"port" toml:"port"`
	Path            string   `json:"path" yaml:"path" toml:"path"`
	MetricsPath     string   `json:"metrics_path" yaml:"metrics_path" toml:"metrics_path"`
	HealthPath      string   `json:"health_path" yaml:"health_path" toml:"health_path"`
	AllowedOrigins  []string `json:"allowed_origins" yaml:"allowed_origins" toml:"allowed_origins"`
	ReadLimit       int64    `json:"read_limit" yaml:"read_limit" toml:"read_limit"`
	MalformedLimit  int      `json:"malformed_limit" yaml:"malformed_limit" toml:"malformed_limit"`
	AdmissionRate   float64  `json:"admission_rate" yaml:"admission_rate" toml:"admission_rate"`
	AdmissionBurst  int      `json:"admission_burst" yaml:"admission_burst" toml:"admission_burst"`
	WriteTimeout    Duration `json:"write_timeout" yaml:"write_timeout" toml:"write_timeout"`
	ShutdownTimeout Duration `json:"shutdown_timeout" yaml:"shutdown_timeout" toml:"shutdown_timeout"`

	// RateLimit caps routed actions per client within RateWindow; zero disables it.
	RateLimit  int      `json:"rate_limit" yaml:"rate_limit" toml:"rate_limit"`
	RateWindow Duration `json:"rate_window" yaml:"rate_window" toml:"rate_window"`

	// ViewsDir holds <intent>.json component trees served for ui-requests.
	ViewsDir string `json:"views_dir" yaml:"views_dir" toml:"views_dir"`
}

type SessionConfig struct {
	TTL             Duration `json:"ttl" yaml:"ttl" toml:"ttl"`
	SweepInterval   Duration `json:"sweep_interval" yaml:"sweep_interval" toml:"sweep_interval"`
	PersistInterval Duration `json:"persist_interval" yaml:"persist_interval" toml:"persist_interval"`
	RequireAuth     bool     `json:"require_auth" yaml:"require_auth" toml:"require_auth"`
	AuthToken       string   `json:"auth_token" yaml:"auth_token" toml:"auth_token"`
	JWTSecret       string   `json:"jwt_secret" yaml:"jwt_secret" toml:"jwt_secret"`
	JWTIssuer       string   `json:"jwt_issuer" yaml:"jwt_issuer" toml:"jwt_issuer"`
	JWTAudience     string   `json:"jwt_audience" yaml:"jwt_audience" toml:"jwt_audience"`
	MaxDepth        int      `json:"max_depth" yaml:"max_depth" toml:"max_depth"`

	// Capabilities overrides the advertised feature set when non-empty.
	Capabilities []string `json:"capabilities" yaml:"capabilities" toml:"capabilities"`
}

type QueueConfig struct {
	MaxSize        int      `json:"max_size" yaml:"max_size" toml:"max_size"`
	MaxRetries     int      `json:"max_retries" yaml:"max_retries" toml:"max_retries"`
	BaseDelay      Duration `json:"base_delay" yaml:"base_delay" toml:"base_delay"`
	MaxDelay       Duration `json:"max_delay" yaml:"max_delay" toml:"max_delay"`
	ProcessTimeout Duration `json:"process_timeout" yaml:"process_timeout" toml:"process_timeout"`
}

// StoreConfig selects the session and message-log backend.
type StoreConfig struct {
	Driver    string   `json:"driver" yaml:"driver" toml:"driver"`
	RedisAddr string   `json:"redis_addr" yaml:"redis_addr" toml:"redis_addr"`
	DSN       string   `json:"dsn" yaml:"dsn" toml:"dsn"`
	DedupeTTL Duration `json:"dedupe_ttl" yaml:"dedupe_ttl" toml:"dedupe_ttl"`
}

const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type ClientConfig struct {
	URL                  string   `json:"url" yaml:"url" toml:"url"`
	ClientID             string   `json:"client_id" yaml:"client_id" toml:"client_id"`
	Token                string   `json:"token" yaml:"token" toml:"token"`
	APIKey               string   `json:"api_key" yaml:"api_key" toml:"api_key"`
	AutoReconnect        bool     `json:"auto_reconnect" yaml:"auto_reconnect" toml:"auto_reconnect"`
	MaxReconnectAttempts int      `json:"max_reconnect_attempts" yaml:"max_reconnect_attempts" toml:"max_reconnect_attempts"`
	ReconnectDelay       Duration `json:"reconnect_delay" yaml:"reconnect_delay" toml:"reconnect_delay"`
	ReconnectGrowth      float64  `json:"reconnect_growth" yaml:"reconnect_growth" toml:"reconnect_growth"`
	MaxReconnectDelay    Duration `json:"max_reconnect_delay" yaml:"max_reconnect_delay" toml:"max_reconnect_delay"`
	HeartbeatInterval    Duration `json:"heartbeat_interval" yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	RequestTimeout       Duration `json:"request_timeout" yaml:"request_timeout" toml:"request_timeout"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr:      envOr("MUP_LISTEN_ADDR", ":8080"),
			Path:            "/ws",
			MetricsPath:     "/metrics",
			HealthPath:      "/healthz",
			ReadLimit:       1 << 20,
			MalformedLimit:  3,
			WriteTimeout:    Duration(10 * time.Second),
			ShutdownTimeout: Duration(10 * time.Second),
			RateWindow:      Duration(time.Minute),
			ViewsDir:        os.Getenv("MUP_VIEWS_DIR"),
		},
		Session: SessionConfig{
			TTL:             Duration(30 * time.Minute),
			SweepInterval:   Duration(time.Minute),
			PersistInterval: Duration(30 * time.Second),
			RequireAuth:     envBool("MUP_REQUIRE_AUTH"),
			AuthToken:       os.Getenv("MUP_AUTH_TOKEN"),
			JWTSecret:       os.Getenv("MUP_JWT_SECRET"),
			MaxDepth:        component.DefaultMaxDepth,
		},
		Queue: QueueConfig{
			MaxSize:        1000,
			MaxRetries:     3,
			BaseDelay:      Duration(time.Second),
			MaxDelay:       Duration(30 * time.Second),
			ProcessTimeout: Duration(30 * time.Second),
		},
		Store: StoreConfig{
			Driver:    envOr("MUP_STORE_DRIVER", DriverMemory),
			RedisAddr: os.Getenv("MUP_REDIS_ADDR"),
			DSN:       os.Getenv("MUP_STORE_DSN"),
			DedupeTTL: Duration(24 * time.Hour),
		},
		Log: observability.LogConfig{
			Level:  "info",
			Format: "console",
		},
		Client: ClientConfig{
			URL:                  envOr("MUP_SERVER_URL", "ws://localhost:8080/ws"),
			Token:                os.Getenv("MUP_AUTH_TOKEN"),
			AutoReconnect:        true,
			MaxReconnectAttempts: 5,
			ReconnectDelay:       Duration(time.Second),
			ReconnectGrowth:      2,
			MaxReconnectDelay:    Duration(30 * time.Second),
			HeartbeatInterval:    Duration(30 * time.Second),
			RequestTimeout:       Duration(30 * time.Second),
		},
	}
}

// Load reads path over Default(). The format follows the extension: .json,
// .jsonc and .hujson (comments and trailing commas allowed), .yaml/.yml or
// .toml. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config failed: %w", err)
	}
	if err := decode(path, content, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config failed: %w", err)
	}
	cfg.backfill()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(path string, content []byte, cfg *Config) error {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json", ".jsonc", ".hujson":
		std, err := hujson.Standardize(content)
		if err != nil {
			return err
		}
		return json.Unmarshal(std, cfg)
	case ".yaml", ".yml":
		return yaml.Unmarshal(content, cfg)
	case ".toml":
		_, err := toml.Decode(string(content), cfg)
		return err
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFormat, ext)
	}
}

// backfill restores defaults a file cleared with an explicit zero value.
func (c *Config) backfill() {
	def := Default()
	if c.Server.ListenAddr == "" {
		if c.Server.Host != "" && c.Server.Port > 0 {
			c.Server.ListenAddr = fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
		} else {
			c.Server.ListenAddr = def.Server.ListenAddr
		}
	}
	if c.Server.Path == "" {
		c.Server.Path = def.Server.Path
	}
	if c.Server.MetricsPath == "" {
		c.Server.MetricsPath = def.Server.MetricsPath
	}
	if c.Server.HealthPath == "" {
		c.Server.HealthPath = def.Server.HealthPath
	}
	if c.Server.MalformedLimit <= 0 {
		c.Server.MalformedLimit = def.Server.MalformedLimit
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = def.Server.ShutdownTimeout
	}
	if c.Session.TTL <= 0 {
		c.Session.TTL = def.Session.TTL
	}
	if c.Session.SweepInterval <= 0 {
		c.Session.SweepInterval = def.Session.SweepInterval
	}
	if c.Session.MaxDepth <= 0 {
		c.Session.MaxDepth = def.Session.MaxDepth
	}
	if c.Queue.MaxSize <= 0 {
		c.Queue.MaxSize = def.Queue.MaxSize
	}
	if c.Store.Driver == "" {
		c.Store.Driver = DriverMemory
	}
	if c.Client.ReconnectGrowth == 0 {
		c.Client.ReconnectGrowth = def.Client.ReconnectGrowth
	}
}

// Validate reports every problem found, joined.
func (c Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if !strings.HasPrefix(c.Server.Path, "/") {
		bad("server.path %q must start with /", c.Server.Path)
	}
	if c.Server.AdmissionRate < 0 {
		bad("server.admission_rate must not be negative")
	}
	if c.Server.RateLimit < 0 {
		bad("server.rate_limit must not be negative")
	}
	if c.Session.RequireAuth && c.Session.AuthToken == "" && c.Session.JWTSecret == "" {
		bad("session.require_auth needs auth_token or jwt_secret")
	}
	if c.Queue.MaxRetries < 0 {
		bad("queue.max_retries must not be negative")
	}
	if c.Queue.MaxDelay > 0 && c.Queue.MaxDelay < c.Queue.BaseDelay {
		bad("queue.max_delay %s is below base_delay %s", c.Queue.MaxDelay.Std(), c.Queue.BaseDelay.Std())
	}
	switch c.Store.Driver {
	case DriverMemory:
	case DriverRedis:
		if c.Store.RedisAddr == "" {
			bad("store.redis_addr is required for the redis driver")
		}
	case DriverSQLite, DriverPostgres:
		if c.Store.DSN == "" {
			bad("store.dsn is required for the %s driver", c.Store.Driver)
		}
	default:
		bad("store.driver %q is not one of memory, redis, sqlite, postgres", c.Store.Driver)
	}
	if c.Client.ReconnectGrowth < 1 {
		bad("client.reconnect_growth must be at least 1")
	}
	for i, def := range c.Components {
		if def.Name == "" {
			bad("components[%d].name is empty", i)
		}
	}
	return errors.Join(errs...)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	return err == nil && v
}
