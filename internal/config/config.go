// Package config loads server settings from defaults, an optional YAML file,
// LABRESERVE_* environment variables and command line flags, in increasing
// order of precedence.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config captures every setting of the labreserve binary.
type Config struct {
	HTTP     HTTPConfig     `mapstructure:"http"`
	Database DatabaseConfig `mapstructure:"database"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Audit    AuditConfig    `mapstructure:"audit"`
	Log      LogConfig      `mapstructure:"log"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
	// Timezone decides civil dates: "today", timetable weekdays and loan
	// due dates.
	Timezone string `mapstructure:"timezone"`
}

type HTTPConfig struct {
	Port int `mapstructure:"port"`
	// AllowedOrigins lists origins allowed to send state changing requests.
	// Empty means same origin only.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type DatabaseConfig struct {
	// Driver is sqlite or postgres.
	Driver       string        `mapstructure:"driver"`
	DSN          string        `mapstructure:"dsn"`
	MaxOpenConns int           `mapstructure:"max_open_conns"`
	BusyTimeout  time.Duration `mapstructure:"busy_timeout"`
}

type AuthConfig struct {
	TokenSecret string        `mapstructure:"token_secret"`
	TokenTTL    time.Duration `mapstructure:"token_ttl"`
}

type AuditConfig struct {
	RecordDenied bool          `mapstructure:"record_denied"`
	UndoWindow   time.Duration `mapstructure:"undo_window"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ArchiveConfig targets the S3 bucket activity exports are written to.
type ArchiveConfig struct {
	Bucket    string `mapstructure:"bucket"`
	Prefix    string `mapstructure:"prefix"`
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint"`
	PathStyle bool   `mapstructure:"path_style"`
}

// DefaultConfig returns the settings used when nothing overrides them.
func DefaultConfig() *Config {
	return &Config{
		HTTP: HTTPConfig{Port: 8080},
		Database: DatabaseConfig{
			Driver:       "sqlite",
			DSN:          "labreserve.db",
			MaxOpenConns: 4,
			BusyTimeout:  5 * time.Second,
		},
		Auth:     AuthConfig{TokenTTL: 12 * time.Hour},
		Audit:    AuditConfig{UndoWindow: 15 * time.Minute},
		Log:      LogConfig{Level: "info", Format: "json"},
		Archive:  ArchiveConfig{Prefix: "activity", Region: "us-east-1"},
		Timezone: "UTC",
	}
}

// Validate collects every missing or invalid key before failing so one run
// reports all of them.
func (c *Config) Validate() error {
	var missing, invalid []string

	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		invalid = append(invalid, "http.port")
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		invalid = append(invalid, "database.driver")
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		missing = append(missing, "database.dsn")
	}
	if c.Database.MaxOpenConns < 0 {
		invalid = append(invalid, "database.max_open_conns")
	}
	if c.Database.BusyTimeout < 0 {
		invalid = append(invalid, "database.busy_timeout")
	}
	if strings.TrimSpace(c.Auth.TokenSecret) == "" {
		missing = append(missing, "auth.token_secret")
	}
	if c.Auth.TokenTTL <= 0 {
		invalid = append(invalid, "auth.token_ttl")
	}
	if c.Audit.UndoWindow <= 0 {
		invalid = append(invalid, "audit.undo_window")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		invalid = append(invalid, "timezone")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		invalid = append(invalid, "log.level")
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		invalid = append(invalid, "log.format")
	}

	if len(missing) > 0 {
		return fmt.Errorf("required settings are missing: %s", strings.Join(missing, ", "))
	}
	if len(invalid) > 0 {
		return fmt.Errorf("settings have invalid values: %s", strings.Join(invalid, ", "))
	}
	return nil
}

// Location returns the configured time zone. Call after Validate.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
