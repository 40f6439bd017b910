// Package config loads the server's JSON configuration file and the
// credentials-file path from CLI flags, per spec.md §6.
//
// Grounded on the teacher's internal/config/config.go (envOr/envInt-style
// defaulting, sentinel Validate() errors), rewired from env vars to a JSON
// file plus github.com/spf13/pflag flags, since spec.md §6 specifies a
// "-c/--config" JSON file and a separate "--credentials" file rather than
// an environment-variable surface.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/pflag"
)

// Config is the recognized shape of the JSON config file (spec.md §6).
type Config struct {
	Host string `json:"host"`
	Port int    `json:"port"`

	APIKey      string `json:"apiKey"`
	AdminAPIKey string `json:"adminApiKey,omitempty"`

	Region      string `json:"region"`
	KiroVersion string `json:"kiroVersion,omitempty"`
	MachineID   string `json:"machineId,omitempty"`

	SystemVersion string `json:"systemVersion,omitempty"`
	NodeVersion   string `json:"nodeVersion,omitempty"`

	CountTokensAPIURL  string `json:"countTokensApiUrl,omitempty"`
	CountTokensAPIKey  string `json:"countTokensApiKey,omitempty"`
	CountTokensAuthType string `json:"countTokensAuthType,omitempty"`

	ProxyURL      string `json:"proxyUrl,omitempty"`
	ProxyUsername string `json:"proxyUsername,omitempty"`
	ProxyPassword string `json:"proxyPassword,omitempty"`

	// DisableThreshold is the consecutive-failure count (I5/§9 Open
	// Question b) past which a credential is auto-disabled. Not part of
	// the spec.md wire table; defaults to 10 when zero.
	DisableThreshold int `json:"disableThreshold,omitempty"`

	// AuditDBPath is where the dispatch-attempt history SQLite file lives
	// (SPEC_FULL.md §3). Empty disables the audit log entirely.
	AuditDBPath             string `json:"auditDbPath,omitempty"`
	AuditRetentionHours     int    `json:"auditRetentionHours,omitempty"`
	AuditPurgeIntervalHours int    `json:"auditPurgeIntervalHours,omitempty"`

	// LogRingSize bounds the admin surface's /api/admin/logs backlog.
	// Log level itself comes from RUST_LOG (§6), not this file.
	LogRingSize int `json:"logRingSize,omitempty"`

	RequestTimeout time.Duration `json:"-"`
}

// Flags holds the parsed CLI surface: the config file path and the
// credentials file path.
type Flags struct {
	ConfigPath      string
	CredentialsPath string
}

// ParseFlags parses -c/--config and --credentials from args (normally
// os.Args[1:]), per spec.md §6.
func ParseFlags(args []string) (*Flags, error) {
	fs := pflag.NewFlagSet("kiro-bridge", pflag.ContinueOnError)
	configPath := fs.StringP("config", "c", "", "path to JSON config file")
	credentialsPath := fs.String("credentials", "", "path to credentials JSON file")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parse flags: %w", err)
	}
	if *configPath == "" {
		return nil, errMissingFlag("-c/--config")
	}
	if *credentialsPath == "" {
		return nil, errMissingFlag("--credentials")
	}

	return &Flags{ConfigPath: *configPath, CredentialsPath: *credentialsPath}, nil
}

// Load reads and parses the JSON config file at path, applying defaults.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{
		Host:           "0.0.0.0",
		Port:           8080,
		RequestTimeout: 5 * time.Minute,
	}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if cfg.DisableThreshold == 0 {
		cfg.DisableThreshold = 10
	}
	if cfg.AuditRetentionHours == 0 {
		cfg.AuditRetentionHours = 7 * 24
	}
	if cfg.AuditPurgeIntervalHours == 0 {
		cfg.AuditPurgeIntervalHours = 6
	}
	if cfg.LogRingSize == 0 {
		cfg.LogRingSize = 1000
	}

	return cfg, nil
}

// Validate enforces the fields spec.md §6 marks as required.
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return errMissingField("apiKey")
	}
	if c.Region == "" {
		return errMissingField("region")
	}
	return nil
}

type configError struct{ what string }

func (e *configError) Error() string { return "config: missing required " + e.what }

func errMissingField(field string) error { return &configError{what: "field " + field} }
func errMissingFlag(flag string) error   { return &configError{what: "flag " + flag} }

// ErrConfig reports whether err originates from config loading/validation.
func ErrConfig(err error) bool {
	var ce *configError
	return errors.As(err, &ce)
}

// LogLevelFromEnv reads RUST_LOG (spec.md §6), matching the teacher's
// LOG_LEVEL mapping of debug/info/warn/error with info as the default.
func LogLevelFromEnv() slog.Level {
	switch os.Getenv("RUST_LOG") {
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
