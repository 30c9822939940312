package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
)

// Config holds all runtime configuration for the VoiceBridge server.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir     string
	PostgresDSN string // when set, completed CDRs are archived to Postgres as well
	HTTPPort    int    // admin REST API
	SIPPort     int    // SIP UDP/TCP signaling
	RTPPortMin  int
	RTPPortMax  int
	MediaIP     string // IP advertised in SDP answers (auto-detected if empty)
	SIPRealm    string // digest authentication realm
	AIEndpoint  string // WebSocket URL of the AI backend, e.g. "wss://ai.example.com/stream"
	AISecret    string // shared secret for bridge HMAC signatures
	JWTSecret   string // hex-encoded secret for bridge bearer tokens and admin API tokens
	MaxCalls    int    // global concurrent call cap
	LogLevel    string
	LogFormat   string // "text" or "json"
}

// defaults
const (
	defaultDataDir    = "./data"
	defaultHTTPPort   = 8080
	defaultSIPPort    = 5060
	defaultRTPPortMin = 10000
	defaultRTPPortMax = 20000
	defaultSIPRealm   = "voicebridge"
	defaultMaxCalls   = 100
	defaultLogLevel   = "info"
	defaultLogFormat  = "text"
)

// envPrefix is the prefix for all VoiceBridge environment variables.
const envPrefix = "VOICEBRIDGE_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("voicebridge", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the embedded database")
	fs.StringVar(&cfg.PostgresDSN, "postgres-dsn", "", "Postgres DSN for long-term CDR archiving (optional)")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "admin REST API listen port")
	fs.IntVar(&cfg.SIPPort, "sip-port", defaultSIPPort, "SIP UDP/TCP listen port")
	fs.IntVar(&cfg.RTPPortMin, "rtp-port-min", defaultRTPPortMin, "minimum UDP port for RTP media")
	fs.IntVar(&cfg.RTPPortMax, "rtp-port-max", defaultRTPPortMax, "maximum UDP port for RTP media")
	fs.StringVar(&cfg.MediaIP, "media-ip", "", "IP address advertised in SDP answers (auto-detected if empty)")
	fs.StringVar(&cfg.SIPRealm, "sip-realm", defaultSIPRealm, "digest authentication realm")
	fs.StringVar(&cfg.AIEndpoint, "ai-endpoint", "", "WebSocket URL of the AI backend")
	fs.StringVar(&cfg.AISecret, "ai-secret", "", "shared secret for AI bridge HMAC signatures")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", "", "hex-encoded secret for bearer token signing")
	fs.IntVar(&cfg.MaxCalls, "max-calls", defaultMaxCalls, "global concurrent call limit")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the command line.
	// CLI flags take precedence over env vars.
	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	// Track which flags were explicitly set via CLI.
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	// Map of flag name to env var name.
	envMap := map[string]string{
		"data-dir":     envPrefix + "DATA_DIR",
		"postgres-dsn": envPrefix + "POSTGRES_DSN",
		"http-port":    envPrefix + "HTTP_PORT",
		"sip-port":     envPrefix + "SIP_PORT",
		"rtp-port-min": envPrefix + "RTP_PORT_MIN",
		"rtp-port-max": envPrefix + "RTP_PORT_MAX",
		"media-ip":     envPrefix + "MEDIA_IP",
		"sip-realm":    envPrefix + "SIP_REALM",
		"ai-endpoint":  envPrefix + "AI_ENDPOINT",
		"ai-secret":    envPrefix + "AI_SECRET",
		"jwt-secret":   envPrefix + "JWT_SECRET",
		"max-calls":    envPrefix + "MAX_CALLS",
		"log-level":    envPrefix + "LOG_LEVEL",
		"log-format":   envPrefix + "LOG_FORMAT",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "data-dir":
			cfg.DataDir = val
		case "postgres-dsn":
			cfg.PostgresDSN = val
		case "http-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.HTTPPort = v
			}
		case "sip-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.SIPPort = v
			}
		case "rtp-port-min":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.RTPPortMin = v
			}
		case "rtp-port-max":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.RTPPortMax = v
			}
		case "media-ip":
			cfg.MediaIP = val
		case "sip-realm":
			cfg.SIPRealm = val
		case "ai-endpoint":
			cfg.AIEndpoint = val
		case "ai-secret":
			cfg.AISecret = val
		case "jwt-secret":
			cfg.JWTSecret = val
		case "max-calls":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.MaxCalls = v
			}
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if c.SIPPort < 1 || c.SIPPort > 65535 {
		return fmt.Errorf("sip-port must be between 1 and 65535, got %d", c.SIPPort)
	}
	if c.RTPPortMin < 1024 || c.RTPPortMin > 65534 {
		return fmt.Errorf("rtp-port-min must be between 1024 and 65534, got %d", c.RTPPortMin)
	}
	if c.RTPPortMax < c.RTPPortMin+1 || c.RTPPortMax > 65535 {
		return fmt.Errorf("rtp-port-max must be between rtp-port-min+1 and 65535, got %d", c.RTPPortMax)
	}
	// RTP ports must be even (RTP uses even ports, RTCP uses the next odd port).
	if c.RTPPortMin%2 != 0 {
		return fmt.Errorf("rtp-port-min must be even, got %d", c.RTPPortMin)
	}
	if c.MaxCalls < 1 {
		return fmt.Errorf("max-calls must be at least 1, got %d", c.MaxCalls)
	}
	if c.AIEndpoint != "" {
		u, err := url.Parse(c.AIEndpoint)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			return fmt.Errorf("ai-endpoint must be a ws:// or wss:// URL, got %q", c.AIEndpoint)
		}
	}
	if c.MediaIP != "" && net.ParseIP(c.MediaIP) == nil {
		return fmt.Errorf("media-ip must be a valid IP address, got %q", c.MediaIP)
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	return nil
}

// SlogLevel converts the configured log level string to a slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ResolveMediaIP returns the IP to advertise in SDP answers. If media-ip was
// not configured, the first non-loopback IPv4 address is used.
func (c *Config) ResolveMediaIP() (string, error) {
	if c.MediaIP != "" {
		return c.MediaIP, nil
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", fmt.Errorf("listing interface addresses: %w", err)
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return ip4.String(), nil
		}
	}
	return "", fmt.Errorf("no non-loopback IPv4 address found; set -media-ip")
}
