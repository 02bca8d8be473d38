package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog/log"
)

// ARCHITECTURAL DISCOVERY: Configuration layer serves as system-wide settings coordinator
// Precedence is file > environment > defaults
type Config struct {
	HTTP      *HTTPConfig      `json:"http"`
	WebSocket *WebSocketConfig `json:"websocket"`
	Session   *SessionConfig   `json:"session"`
	Content   *ContentConfig   `json:"content"`
	Log       *LogConfig       `json:"log"`
}

type HTTPConfig struct {
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	ReadTimeout     time.Duration `json:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
	// AllowedOrigins applies to CORS and the WebSocket origin check; empty or "*" allows all
	AllowedOrigins []string `json:"allowed_origins"`
}

type WebSocketConfig struct {
	PingInterval time.Duration `json:"ping_interval"`
	PongWait     time.Duration `json:"pong_wait"`
	WriteTimeout time.Duration `json:"write_timeout"`
	SendBuffer   int           `json:"send_buffer"`
	ReadLimit    int64         `json:"read_limit"`
}

// SessionConfig tunes the sync core
type SessionConfig struct {
	GracePeriod      time.Duration `json:"grace_period"`
	StrictHostChecks bool          `json:"strict_host_checks"`
	RateLimit        int           `json:"rate_limit"`
	RateLimitSweep   time.Duration `json:"rate_limit_sweep"`
	ContentTimeout   time.Duration `json:"content_timeout"`
}

// ContentConfig locates the catalog database and the optional import directory
type ContentConfig struct {
	DatabasePath   string `json:"database_path"`
	DataDir        string `json:"data_dir"`
	MaxConnections int    `json:"max_connections"`
}

type LogConfig struct {
	Level  string `json:"level"`
	Pretty bool   `json:"pretty"`
}

// FUNCTIONAL DISCOVERY: a 30s grace window and 120 messages/minute fit a
// small recitation group on a flaky mobile network
func DefaultConfig() *Config {
	return &Config{
		HTTP: &HTTPConfig{
			Host:            "0.0.0.0",
			Port:            3001,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			AllowedOrigins:  []string{"*"},
		},
		WebSocket: &WebSocketConfig{
			PingInterval: 30 * time.Second,
			PongWait:     60 * time.Second,
			WriteTimeout: 5 * time.Second,
			SendBuffer:   100,
			ReadLimit:    64 * 1024,
		},
		Session: &SessionConfig{
			GracePeriod:    30 * time.Second,
			RateLimit:      120,
			RateLimitSweep: 5 * time.Minute,
			ContentTimeout: 5 * time.Second,
		},
		Content: &ContentConfig{
			DatabasePath:   "./data/duasync.db",
			MaxConnections: 10,
		},
		Log: &LogConfig{
			Level: "info",
		},
	}
}

var validLevels = map[string]bool{
	"trace": true, "debug": true, "info": true, "warn": true, "error": true, "disabled": true,
}

// Validate reports the first invalid setting
func (c *Config) Validate() error {
	if c.HTTP == nil || c.WebSocket == nil || c.Session == nil || c.Content == nil || c.Log == nil {
		return fmt.Errorf("http, websocket, session, content and log sections are required")
	}

	// Port 0 binds an ephemeral port
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 0 and 65535")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("HTTP timeouts must be positive")
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		return fmt.Errorf("HTTP shutdown timeout must be positive")
	}

	if c.WebSocket.PingInterval <= 0 {
		return fmt.Errorf("WebSocket ping interval must be positive")
	}
	if c.WebSocket.PongWait <= c.WebSocket.PingInterval {
		return fmt.Errorf("WebSocket pong wait must exceed the ping interval")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("WebSocket write timeout must be positive")
	}
	if c.WebSocket.SendBuffer <= 0 {
		return fmt.Errorf("WebSocket send buffer must be positive")
	}
	if c.WebSocket.ReadLimit <= 0 {
		return fmt.Errorf("WebSocket read limit must be positive")
	}

	if c.Session.GracePeriod <= 0 {
		return fmt.Errorf("session grace period must be positive")
	}
	if c.Session.RateLimit < 0 {
		return fmt.Errorf("session rate limit cannot be negative")
	}
	if c.Session.RateLimitSweep <= 0 {
		return fmt.Errorf("session rate limit sweep must be positive")
	}
	if c.Session.ContentTimeout <= 0 {
		return fmt.Errorf("session content timeout must be positive")
	}

	if c.Content.DatabasePath == "" {
		return fmt.Errorf("content database path cannot be empty")
	}
	if c.Content.MaxConnections <= 0 {
		return fmt.Errorf("content max connections must be positive")
	}

	if !validLevels[strings.ToLower(c.Log.Level)] {
		return fmt.Errorf("unknown log level %q", c.Log.Level)
	}
	return nil
}

// Addr is the listen address for the HTTP server
func (c *Config) Addr() string {
	return c.HTTP.Host + ":" + strconv.Itoa(c.HTTP.Port)
}

// LoadFromEnv overlays DUASYNC_* variables on the defaults. PORT and
// CLIENT_URL are honored for hosting platforms that set them.
func LoadFromEnv() *Config {
	config := DefaultConfig()
	applyEnv(config, os.Getenv)
	return config
}

func applyEnv(c *Config, getenv func(string) string) {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v := getenv(key); v != "" {
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				*dst = n
			} else {
				log.Warn().Str("var", key).Str("value", v).Msg("ignoring non-integer environment value")
			}
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v := getenv(key); v != "" {
			if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
				*dst = d
			} else {
				log.Warn().Str("var", key).Str("value", v).Msg("ignoring malformed duration")
			}
		}
	}
	boolean := func(key string, dst *bool) {
		if v := getenv(key); v != "" {
			if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
				*dst = b
			}
		}
	}

	integer("PORT", &c.HTTP.Port)
	integer("DUASYNC_HTTP_PORT", &c.HTTP.Port)
	str("DUASYNC_HTTP_HOST", &c.HTTP.Host)
	duration("DUASYNC_HTTP_READ_TIMEOUT", &c.HTTP.ReadTimeout)
	duration("DUASYNC_HTTP_WRITE_TIMEOUT", &c.HTTP.WriteTimeout)
	duration("DUASYNC_HTTP_SHUTDOWN_TIMEOUT", &c.HTTP.ShutdownTimeout)
	if v := strings.TrimSpace(getenv("CLIENT_URL")); v != "" {
		c.HTTP.AllowedOrigins = []string{v}
	}
	if v := getenv("DUASYNC_ALLOWED_ORIGINS"); v != "" {
		c.HTTP.AllowedOrigins = splitList(v)
	}

	duration("DUASYNC_WEBSOCKET_PING_INTERVAL", &c.WebSocket.PingInterval)
	duration("DUASYNC_WEBSOCKET_PONG_WAIT", &c.WebSocket.PongWait)
	duration("DUASYNC_WEBSOCKET_WRITE_TIMEOUT", &c.WebSocket.WriteTimeout)
	integer("DUASYNC_WEBSOCKET_SEND_BUFFER", &c.WebSocket.SendBuffer)

	duration("DUASYNC_GRACE_PERIOD", &c.Session.GracePeriod)
	boolean("DUASYNC_STRICT_HOST_CHECKS", &c.Session.StrictHostChecks)
	integer("DUASYNC_RATE_LIMIT", &c.Session.RateLimit)
	duration("DUASYNC_CONTENT_TIMEOUT", &c.Session.ContentTimeout)

	str("DUASYNC_CONTENT_DB", &c.Content.DatabasePath)
	str("DUASYNC_CONTENT_DIR", &c.Content.DataDir)

	str("DUASYNC_LOG_LEVEL", &c.Log.Level)
	boolean("DUASYNC_LOG_PRETTY", &c.Log.Pretty)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// fileConfig mirrors Config with string durations and pointer fields so a
// file only overrides what it sets
type fileConfig struct {
	HTTP *struct {
		Host            *string  `json:"host" toml:"host"`
		Port            *int     `json:"port" toml:"port"`
		ReadTimeout     *string  `json:"read_timeout" toml:"read_timeout"`
		WriteTimeout    *string  `json:"write_timeout" toml:"write_timeout"`
		ShutdownTimeout *string  `json:"shutdown_timeout" toml:"shutdown_timeout"`
		AllowedOrigins  []string `json:"allowed_origins" toml:"allowed_origins"`
	} `json:"http" toml:"http"`
	WebSocket *struct {
		PingInterval *string `json:"ping_interval" toml:"ping_interval"`
		PongWait     *string `json:"pong_wait" toml:"pong_wait"`
		WriteTimeout *string `json:"write_timeout" toml:"write_timeout"`
		SendBuffer   *int    `json:"send_buffer" toml:"send_buffer"`
		ReadLimit    *int64  `json:"read_limit" toml:"read_limit"`
	} `json:"websocket" toml:"websocket"`
	Session *struct {
		GracePeriod      *string `json:"grace_period" toml:"grace_period"`
		StrictHostChecks *bool   `json:"strict_host_checks" toml:"strict_host_checks"`
		RateLimit        *int    `json:"rate_limit" toml:"rate_limit"`
		RateLimitSweep   *string `json:"rate_limit_sweep" toml:"rate_limit_sweep"`
		ContentTimeout   *string `json:"content_timeout" toml:"content_timeout"`
	} `json:"session" toml:"session"`
	Content *struct {
		DatabasePath   *string `json:"database_path" toml:"database_path"`
		DataDir        *string `json:"data_dir" toml:"data_dir"`
		MaxConnections *int    `json:"max_connections" toml:"max_connections"`
	} `json:"content" toml:"content"`
	Log *struct {
		Level  *string `json:"level" toml:"level"`
		Pretty *bool   `json:"pretty" toml:"pretty"`
	} `json:"log" toml:"log"`
}

// LoadFromFile reads a .toml or .json file over the defaults and validates
// the result
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()
	if err := overlayFile(config, path); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return config, nil
}

func overlayFile(config *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var raw fileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(data, &raw)
	case ".json":
		err = json.Unmarshal(data, &raw)
	default:
		return fmt.Errorf("unsupported config format %q (want .toml or .json)", filepath.Ext(path))
	}
	if err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return raw.apply(config)
}

func (f *fileConfig) apply(c *Config) error {
	var firstErr error
	dur := func(name string, src *string, dst *time.Duration) {
		if src == nil || firstErr != nil {
			return
		}
		d, err := time.ParseDuration(strings.TrimSpace(*src))
		if err != nil {
			firstErr = fmt.Errorf("parse %s: %w", name, err)
			return
		}
		*dst = d
	}
	set := func(src *string, dst *string) {
		if src != nil {
			*dst = strings.TrimSpace(*src)
		}
	}

	if h := f.HTTP; h != nil {
		set(h.Host, &c.HTTP.Host)
		if h.Port != nil {
			c.HTTP.Port = *h.Port
		}
		dur("http.read_timeout", h.ReadTimeout, &c.HTTP.ReadTimeout)
		dur("http.write_timeout", h.WriteTimeout, &c.HTTP.WriteTimeout)
		dur("http.shutdown_timeout", h.ShutdownTimeout, &c.HTTP.ShutdownTimeout)
		if h.AllowedOrigins != nil {
			c.HTTP.AllowedOrigins = h.AllowedOrigins
		}
	}
	if w := f.WebSocket; w != nil {
		dur("websocket.ping_interval", w.PingInterval, &c.WebSocket.PingInterval)
		dur("websocket.pong_wait", w.PongWait, &c.WebSocket.PongWait)
		dur("websocket.write_timeout", w.WriteTimeout, &c.WebSocket.WriteTimeout)
		if w.SendBuffer != nil {
			c.WebSocket.SendBuffer = *w.SendBuffer
		}
		if w.ReadLimit != nil {
			c.WebSocket.ReadLimit = *w.ReadLimit
		}
	}
	if s := f.Session; s != nil {
		dur("session.grace_period", s.GracePeriod, &c.Session.GracePeriod)
		dur("session.rate_limit_sweep", s.RateLimitSweep, &c.Session.RateLimitSweep)
		dur("session.content_timeout", s.ContentTimeout, &c.Session.ContentTimeout)
		if s.StrictHostChecks != nil {
			c.Session.StrictHostChecks = *s.StrictHostChecks
		}
		if s.RateLimit != nil {
			c.Session.RateLimit = *s.RateLimit
		}
	}
	if ct := f.Content; ct != nil {
		set(ct.DatabasePath, &c.Content.DatabasePath)
		set(ct.DataDir, &c.Content.DataDir)
		if ct.MaxConnections != nil {
			c.Content.MaxConnections = *ct.MaxConnections
		}
	}
	if l := f.Log; l != nil {
		set(l.Level, &c.Log.Level)
		if l.Pretty != nil {
			c.Log.Pretty = *l.Pretty
		}
	}
	return firstErr
}

// LoadConfigWithPrecedence layers the file (if any) over the environment
// over the defaults. An unreadable or invalid file is logged and skipped.
func LoadConfigWithPrecedence(path string) *Config {
	config := LoadFromEnv()
	if path == "" {
		return config
	}

	layered := LoadFromEnv()
	if err := overlayFile(layered, path); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("config file ignored")
		return config
	}
	if err := layered.Validate(); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("config file ignored")
		return config
	}
	return layered
}
