// Package server provides configuration helpers that define runtime defaults,
// validation, and layered loading (file, environment, flags) for the relay.
package server

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// DefaultPort is the listening address used when none is configured.
const DefaultPort = ":9001"

// RateLimitConfig defines the parameters for per-connection message rate
// limiting. A Burst of zero disables limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// Enabled reports whether inbound messages are throttled.
func (r RateLimitConfig) Enabled() bool {
	return r.Burst > 0
}

// Config holds the relay server settings.
type Config struct {
	Port           string
	AllowedOrigins []string
	// MaxMessageSize bounds a single inbound message in bytes. Zero leaves
	// the size bounded only by the transport.
	MaxMessageSize int64
	// SendBufferSize is the number of messages queued per recipient before
	// the recipient is considered stuck and dropped.
	SendBufferSize int
	// MaxConnections caps the number of open connections. Zero is unbounded.
	MaxConnections  int
	RateLimit       RateLimitConfig
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
}

func defaultConfig() Config {
	return Config{
		Port:           DefaultPort,
		AllowedOrigins: []string{"*"},
		MaxMessageSize: 0,
		SendBufferSize: 256,
		MaxConnections: 0,
		RateLimit: RateLimitConfig{
			Burst:          0,
			RefillInterval: time.Second,
		},
		LogLevel:        "info",
		LogFormat:       "text",
		ShutdownTimeout: 10 * time.Second,
	}
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// Sanitized returns a copy of c with out-of-range values replaced by defaults
// and the port normalized to a listen address.
func (c Config) Sanitized() Config {
	def := defaultConfig()

	c.Port = normalizePort(c.Port)
	c.AllowedOrigins = append([]string(nil), c.AllowedOrigins...)

	if c.MaxMessageSize < 0 {
		c.MaxMessageSize = def.MaxMessageSize
	}
	if c.SendBufferSize <= 0 {
		c.SendBufferSize = def.SendBufferSize
	}
	if c.MaxConnections < 0 {
		c.MaxConnections = def.MaxConnections
	}
	if c.RateLimit.Burst < 0 {
		c.RateLimit.Burst = 0
	}
	if c.RateLimit.RefillInterval <= 0 {
		c.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = def.LogFormat
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = def.ShutdownTimeout
	}
	return c
}

// Validate reports settings that cannot be repaired by Sanitized.
func (c Config) Validate() error {
	if _, err := parseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if _, err := parseLogFormat(c.LogFormat); err != nil {
		return err
	}
	return nil
}

// Load builds the configuration from, in increasing precedence: defaults, the
// TOML file named by -config or RELAY_CONFIG, environment variables, and
// command line flags.
func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	fs := flag.NewFlagSet("signal-relay", flag.ContinueOnError)

	var (
		configPath      = fs.String("config", "", "path to a TOML config file (env RELAY_CONFIG)")
		port            = fs.String("port", "", "listen address or port (env SERVER_PORT)")
		origins         = fs.String("allowed-origins", "", "comma separated allowed origins, * for any (env ALLOWED_ORIGINS)")
		maxMessageSize  = fs.Int64("max-message-size", 0, "max inbound message size in bytes, 0 for no limit (env MAX_MESSAGE_SIZE)")
		sendBufferSize  = fs.Int("send-buffer", 0, "outbound messages queued per connection (env SEND_BUFFER_SIZE)")
		maxConnections  = fs.Int("max-connections", 0, "max open connections, 0 for no limit (env MAX_CONNECTIONS)")
		rateBurst       = fs.Int("rate-limit-burst", 0, "messages allowed per refill interval, 0 disables (env RATE_LIMIT_BURST)")
		rateInterval    = fs.Duration("rate-limit-interval", 0, "rate limit refill interval (env RATE_LIMIT_REFILL_INTERVAL, seconds)")
		logLevel        = fs.String("log-level", "", "debug, info, warn or error (env LOG_LEVEL)")
		logFormat       = fs.String("log-format", "", "text or json (env LOG_FORMAT)")
		shutdownTimeout = fs.Duration("shutdown-timeout", 0, "graceful shutdown timeout (env SHUTDOWN_TIMEOUT, seconds)")
	)

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := defaultConfig()

	path := *configPath
	if path == "" {
		path, _ = lookup("RELAY_CONFIG")
	}
	if path != "" {
		if err := applyConfigFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	applyEnv(lookup, &cfg)

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			cfg.Port = *port
		case "allowed-origins":
			cfg.AllowedOrigins = parseOrigins(*origins)
		case "max-message-size":
			cfg.MaxMessageSize = *maxMessageSize
		case "send-buffer":
			cfg.SendBufferSize = *sendBufferSize
		case "max-connections":
			cfg.MaxConnections = *maxConnections
		case "rate-limit-burst":
			cfg.RateLimit.Burst = *rateBurst
		case "rate-limit-interval":
			cfg.RateLimit.RefillInterval = *rateInterval
		case "log-level":
			cfg.LogLevel = *logLevel
		case "log-format":
			cfg.LogFormat = *logFormat
		case "shutdown-timeout":
			cfg.ShutdownTimeout = *shutdownTimeout
		}
	})

	cfg = cfg.Sanitized()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// NewConfigFromEnv creates a Config instance from environment variables.
// Falls back to default values if environment variables are not set.
func NewConfigFromEnv() *Config {
	cfg := defaultConfig()
	applyEnv(os.LookupEnv, &cfg)
	cfg = cfg.Sanitized()
	return &cfg
}

func applyEnv(lookup func(string) (string, bool), cfg *Config) {
	get := func(key string) string {
		v, _ := lookup(key)
		return strings.TrimSpace(v)
	}

	if port := get("SERVER_PORT"); port != "" {
		cfg.Port = port
	}

	if origins := get("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseOrigins(origins)
	}

	if maxSize := get("MAX_MESSAGE_SIZE"); maxSize != "" {
		cfg.MaxMessageSize = parseMaxMessageSize(maxSize, cfg.MaxMessageSize)
	}

	if size := get("SEND_BUFFER_SIZE"); size != "" {
		cfg.SendBufferSize = parseIntValue(size, cfg.SendBufferSize)
	}

	if limit := get("MAX_CONNECTIONS"); limit != "" {
		cfg.MaxConnections = parseNonNegativeInt(limit, cfg.MaxConnections)
	}

	if burst := get("RATE_LIMIT_BURST"); burst != "" {
		cfg.RateLimit.Burst = parseNonNegativeInt(burst, cfg.RateLimit.Burst)
	}

	if interval := get("RATE_LIMIT_REFILL_INTERVAL"); interval != "" {
		cfg.RateLimit.RefillInterval = parseSeconds(interval, cfg.RateLimit.RefillInterval)
	}

	if level := get("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if format := get("LOG_FORMAT"); format != "" {
		cfg.LogFormat = format
	}

	if timeout := get("SHUTDOWN_TIMEOUT"); timeout != "" {
		cfg.ShutdownTimeout = parseSeconds(timeout, cfg.ShutdownTimeout)
	}
}

// fileConfig mirrors the [relay] table of the TOML config file.
type fileConfig struct {
	Relay struct {
		Port                   string   `toml:"port"`
		AllowedOrigins         []string `toml:"allowed_origins"`
		MaxMessageSize         int64    `toml:"max_message_size"`
		SendBufferSize         int      `toml:"send_buffer_size"`
		MaxConnections         int      `toml:"max_connections"`
		RateLimitBurst         int      `toml:"rate_limit_burst"`
		RateLimitRefillSeconds int      `toml:"rate_limit_refill_seconds"`
		LogLevel               string   `toml:"log_level"`
		LogFormat              string   `toml:"log_format"`
		ShutdownTimeoutSeconds int      `toml:"shutdown_timeout_seconds"`
	} `toml:"relay"`
}

func applyConfigFile(path string, cfg *Config) error {
	var fc fileConfig
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return fmt.Errorf("load config file %s: %w", path, err)
	}

	r := fc.Relay
	if r.Port != "" {
		cfg.Port = r.Port
	}
	if len(r.AllowedOrigins) > 0 {
		cfg.AllowedOrigins = r.AllowedOrigins
	}
	if r.MaxMessageSize > 0 {
		cfg.MaxMessageSize = r.MaxMessageSize
	}
	if r.SendBufferSize > 0 {
		cfg.SendBufferSize = r.SendBufferSize
	}
	if r.MaxConnections > 0 {
		cfg.MaxConnections = r.MaxConnections
	}
	if r.RateLimitBurst > 0 {
		cfg.RateLimit.Burst = r.RateLimitBurst
	}
	if r.RateLimitRefillSeconds > 0 {
		cfg.RateLimit.RefillInterval = time.Duration(r.RateLimitRefillSeconds) * time.Second
	}
	if r.LogLevel != "" {
		cfg.LogLevel = r.LogLevel
	}
	if r.LogFormat != "" {
		cfg.LogFormat = r.LogFormat
	}
	if r.ShutdownTimeoutSeconds > 0 {
		cfg.ShutdownTimeout = time.Duration(r.ShutdownTimeoutSeconds) * time.Second
	}
	return nil
}

// normalizePort accepts "9001", ":9001" or "host:9001".
func normalizePort(port string) string {
	port = strings.TrimSpace(port)
	if port == "" {
		return DefaultPort
	}
	if strings.Contains(port, ":") {
		return port
	}
	return ":" + port
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseMaxMessageSize(value string, defaultValue int64) int64 {
	if size, err := strconv.ParseInt(value, 10, 64); err == nil && size >= 0 {
		return size
	}
	return defaultValue
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

func parseNonNegativeInt(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed >= 0 {
		return parsed
	}
	return defaultValue
}

func parseSeconds(value string, defaultValue time.Duration) time.Duration {
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parseLogFormat(raw string) (string, error) {
	switch f := strings.ToLower(strings.TrimSpace(raw)); f {
	case "text", "":
		return "text", nil
	case "json":
		return "json", nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}
