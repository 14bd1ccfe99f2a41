// Package config manages gateway configuration using koanf/v2.
//
// Supports defaults, YAML files, and environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete gateway configuration.
type Config struct {
	Metrics  MetricsConfig   `koanf:"metrics"`
	Log      LogConfig       `koanf:"log"`
	Engine   EngineConfig    `koanf:"engine"`
	Sessions []SessionConfig `koanf:"sessions"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// EngineConfig holds the framer and session-layer defaults.
// Per-session values override these where it makes sense.
type EngineConfig struct {
	// LogFileDir is where sequence files are written.
	LogFileDir string `koanf:"log_file_dir"`

	// PublicationCapacity is the outbound ring size in bytes per
	// session. Must be a power of two.
	PublicationCapacity int `koanf:"publication_capacity"`

	// ShutdownTimeout bounds the graceful drain on engine close.
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`

	// HeartbeatInterval is the default FIX heartbeat period.
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`

	// KeepAliveInterval is the default ILink3 keepalive period.
	// The session layer caps it at 60s.
	KeepAliveInterval time.Duration `koanf:"keep_alive_interval"`

	// ReplyTimeout bounds the wait for Logon and Establish replies.
	ReplyTimeout time.Duration `koanf:"reply_timeout"`

	// NegotiateTimeout bounds each Negotiate attempt.
	NegotiateTimeout time.Duration `koanf:"negotiate_timeout"`

	// ReasonableTransmissionTime is the grace window added to the
	// heartbeat interval before a FIX peer is probed.
	ReasonableTransmissionTime time.Duration `koanf:"reasonable_transmission_time"`

	// SendingTimeWindow bounds the acceptable SendingTime skew.
	// Zero disables the check.
	SendingTimeWindow time.Duration `koanf:"sending_time_window"`

	// RetransmitBatchMax caps one ILink3 retransmit request.
	RetransmitBatchMax int `koanf:"retransmit_batch_max"`
}

// SessionConfig describes a declarative session from the configuration
// file. Each entry creates a session on daemon startup.
type SessionConfig struct {
	// Protocol is "fix" or "ilink3".
	Protocol string `koanf:"protocol"`

	// SenderCompID and TargetCompID identify the logical session.
	SenderCompID     string `koanf:"sender_comp_id"`
	SenderSubID      string `koanf:"sender_sub_id"`
	SenderLocationID string `koanf:"sender_location_id"`
	TargetCompID     string `koanf:"target_comp_id"`

	// Role is "initiator" or "acceptor". FIX only; ILink3 sessions are
	// always the initiator.
	Role string `koanf:"role"`

	// HostProfile names the target market-segment host (ILink3).
	HostProfile string `koanf:"host_profile"`

	// BeginString overrides the FIX version string.
	BeginString string `koanf:"begin_string"`

	// Credentials.
	Username    string `koanf:"username"`
	Password    string `koanf:"password"`
	AccessKeyID string `koanf:"access_key_id"`
	FirmID      string `koanf:"firm_id"`

	// ResetSeqNum requests a sequence reset at logon (FIX).
	ResetSeqNum bool `koanf:"reset_seq_num"`

	// ReEstablishLastConnection resumes the persisted ILink3 epoch
	// instead of negotiating a fresh uuid.
	ReEstablishLastConnection bool `koanf:"re_establish_last_connection"`

	// UseBackupHost selects the backup market-segment host profile.
	UseBackupHost bool `koanf:"use_backup_host"`
}

// SessionKey returns a unique identifier for diffing declarative
// sessions across reloads.
func (sc SessionConfig) SessionKey() string {
	return sc.Protocol + "|" + sc.SenderCompID + "|" + sc.TargetCompID + "|" + sc.HostProfile
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Engine: EngineConfig{
			LogFileDir:                 "/var/lib/artio",
			PublicationCapacity:        1 << 20,
			ShutdownTimeout:            5 * time.Second,
			HeartbeatInterval:          30 * time.Second,
			KeepAliveInterval:          30 * time.Second,
			ReplyTimeout:               10 * time.Second,
			NegotiateTimeout:           2 * time.Second,
			ReasonableTransmissionTime: 2 * time.Second,
			SendingTimeWindow:          2 * time.Minute,
			RetransmitBatchMax:         2500,
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for gateway configuration.
// Variables are named ARTIO_<section>_<key>, e.g., ARTIO_METRICS_ADDR.
const envPrefix = "ARTIO_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (ARTIO_ prefix), and merges on top of DefaultConfig().
// Missing fields inherit defaults.
//
// Environment variable mapping:
//
//	ARTIO_METRICS_ADDR -> metrics.addr
//	ARTIO_LOG_LEVEL    -> log.level
//	ARTIO_LOG_FORMAT   -> log.format
//
// Uses koanf/v2 with file + env providers and YAML parser.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms ARTIO_METRICS_ADDR -> metrics.addr.
// Strips the ARTIO_ prefix, lowercases, and replaces _ with .
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", ".")
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"metrics.addr":                        defaults.Metrics.Addr,
		"metrics.path":                        defaults.Metrics.Path,
		"log.level":                           defaults.Log.Level,
		"log.format":                          defaults.Log.Format,
		"engine.log_file_dir":                 defaults.Engine.LogFileDir,
		"engine.publication_capacity":         defaults.Engine.PublicationCapacity,
		"engine.shutdown_timeout":             defaults.Engine.ShutdownTimeout.String(),
		"engine.heartbeat_interval":           defaults.Engine.HeartbeatInterval.String(),
		"engine.keep_alive_interval":          defaults.Engine.KeepAliveInterval.String(),
		"engine.reply_timeout":                defaults.Engine.ReplyTimeout.String(),
		"engine.negotiate_timeout":            defaults.Engine.NegotiateTimeout.String(),
		"engine.reasonable_transmission_time": defaults.Engine.ReasonableTransmissionTime.String(),
		"engine.sending_time_window":          defaults.Engine.SendingTimeWindow.String(),
		"engine.retransmit_batch_max":         defaults.Engine.RetransmitBatchMax,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrEmptyLogFileDir indicates the sequence file directory is empty.
	ErrEmptyLogFileDir = errors.New("engine.log_file_dir must not be empty")

	// ErrInvalidPublicationCapacity indicates a non-power-of-two ring size.
	ErrInvalidPublicationCapacity = errors.New("engine.publication_capacity must be a power of two")

	// ErrInvalidHeartbeat indicates a non-positive heartbeat interval.
	ErrInvalidHeartbeat = errors.New("engine.heartbeat_interval must be > 0")

	// ErrInvalidKeepAlive indicates a non-positive keepalive interval.
	ErrInvalidKeepAlive = errors.New("engine.keep_alive_interval must be > 0")

	// ErrInvalidBatchMax indicates a non-positive retransmit batch cap.
	ErrInvalidBatchMax = errors.New("engine.retransmit_batch_max must be >= 1")

	// ErrInvalidProtocol indicates a session with an unrecognized protocol.
	ErrInvalidProtocol = errors.New("session protocol must be fix or ilink3")

	// ErrInvalidRole indicates a FIX session with an unrecognized role.
	ErrInvalidRole = errors.New("session role must be initiator or acceptor")

	// ErrMissingCompID indicates a session without both comp IDs.
	ErrMissingCompID = errors.New("session sender_comp_id and target_comp_id are required")

	// ErrDuplicateSessionKey indicates two sessions share the same key.
	ErrDuplicateSessionKey = errors.New("duplicate session key")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.Engine.LogFileDir == "" {
		return ErrEmptyLogFileDir
	}
	c := cfg.Engine.PublicationCapacity
	if c <= 0 || c&(c-1) != 0 {
		return ErrInvalidPublicationCapacity
	}
	if cfg.Engine.HeartbeatInterval <= 0 {
		return ErrInvalidHeartbeat
	}
	if cfg.Engine.KeepAliveInterval <= 0 {
		return ErrInvalidKeepAlive
	}
	if cfg.Engine.RetransmitBatchMax < 1 {
		return ErrInvalidBatchMax
	}
	return validateSessions(cfg.Sessions)
}

// ValidProtocols lists the recognized session protocol strings.
var ValidProtocols = map[string]bool{
	"fix":    true,
	"ilink3": true,
}

// validateSessions checks each declarative session entry for correctness.
func validateSessions(sessions []SessionConfig) error {
	seen := make(map[string]struct{}, len(sessions))

	for i, sc := range sessions {
		if !ValidProtocols[sc.Protocol] {
			return fmt.Errorf("sessions[%d] protocol %q: %w", i, sc.Protocol, ErrInvalidProtocol)
		}
		if sc.SenderCompID == "" || sc.TargetCompID == "" {
			return fmt.Errorf("sessions[%d]: %w", i, ErrMissingCompID)
		}
		if sc.Protocol == "fix" && sc.Role != "" && sc.Role != "initiator" && sc.Role != "acceptor" {
			return fmt.Errorf("sessions[%d] role %q: %w", i, sc.Role, ErrInvalidRole)
		}

		key := sc.SessionKey()
		if _, dup := seen[key]; dup {
			return fmt.Errorf("sessions[%d] key %q: %w", i, key, ErrDuplicateSessionKey)
		}
		seen[key] = struct{}{}
	}

	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
