package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "LABRESERVE"

// keys lists every setting. Each is bound to LABRESERVE_<KEY> with dots
// replaced by underscores.
var keys = []string{
	"http.port",
	"http.allowed_origins",
	"database.driver",
	"database.dsn",
	"database.max_open_conns",
	"database.busy_timeout",
	"auth.token_secret",
	"auth.token_ttl",
	"audit.record_denied",
	"audit.undo_window",
	"log.level",
	"log.format",
	"archive.bucket",
	"archive.prefix",
	"archive.region",
	"archive.endpoint",
	"archive.path_style",
	"timezone",
}

// Loader resolves a Config with viper.
type Loader struct {
	v          *viper.Viper
	configFile string
	flags      map[string]*pflag.Flag
}

// NewLoader creates a loader searching for labreserve.yaml in the working
// directory and /etc/labreserve.
func NewLoader() *Loader {
	return &Loader{v: viper.New(), flags: map[string]*pflag.Flag{}}
}

// SetConfigFile sets an explicit config file. A missing explicit file is an
// error; a missing default file is not.
func (l *Loader) SetConfigFile(path string) {
	l.configFile = path
}

// BindFlag lets a command line flag override key when the flag was set.
func (l *Loader) BindFlag(key string, flag *pflag.Flag) {
	if flag != nil {
		l.flags[key] = flag
	}
}

// Load applies defaults < config file < env vars < flags and validates the
// result.
func (l *Loader) Load() (*Config, error) {
	defaults := DefaultConfig()
	l.setup(defaults)

	if err := l.readConfigFile(); err != nil {
		return nil, err
	}
	for key, flag := range l.flags {
		if flag.Changed {
			if err := l.v.BindPFlag(key, flag); err != nil {
				return nil, fmt.Errorf("bind flag %s: %w", flag.Name, err)
			}
		}
	}

	cfg := &Config{}
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// ConfigFileUsed returns the config file that was read, if any.
func (l *Loader) ConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

func (l *Loader) setup(defaults *Config) {
	v := l.v
	v.SetConfigName("labreserve")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/labreserve")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("http.port", defaults.HTTP.Port)
	v.SetDefault("http.allowed_origins", defaults.HTTP.AllowedOrigins)
	v.SetDefault("database.driver", defaults.Database.Driver)
	v.SetDefault("database.dsn", defaults.Database.DSN)
	v.SetDefault("database.max_open_conns", defaults.Database.MaxOpenConns)
	v.SetDefault("database.busy_timeout", defaults.Database.BusyTimeout)
	v.SetDefault("auth.token_secret", defaults.Auth.TokenSecret)
	v.SetDefault("auth.token_ttl", defaults.Auth.TokenTTL)
	v.SetDefault("audit.record_denied", defaults.Audit.RecordDenied)
	v.SetDefault("audit.undo_window", defaults.Audit.UndoWindow)
	v.SetDefault("log.level", defaults.Log.Level)
	v.SetDefault("log.format", defaults.Log.Format)
	v.SetDefault("archive.bucket", defaults.Archive.Bucket)
	v.SetDefault("archive.prefix", defaults.Archive.Prefix)
	v.SetDefault("archive.region", defaults.Archive.Region)
	v.SetDefault("archive.endpoint", defaults.Archive.Endpoint)
	v.SetDefault("archive.path_style", defaults.Archive.PathStyle)
	v.SetDefault("timezone", defaults.Timezone)

	// Unmarshal only sees env vars for keys bound explicitly.
	for _, key := range keys {
		_ = v.BindEnv(key, envPrefix+"_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")))
	}
}

func (l *Loader) readConfigFile() error {
	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	}
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) && l.configFile == "" {
			return nil
		}
		return fmt.Errorf("failed to load config file: %w", err)
	}
	return nil
}
