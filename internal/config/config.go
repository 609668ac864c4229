// Package config loads process configuration from a .env file, an optional
// ajiaco.yaml file and AJIACO_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"ajiaco/internal/blob"
	"ajiaco/internal/core"
	"ajiaco/internal/infra/persistence/postgres"
	"ajiaco/internal/infra/persistence/sqlite"
	"ajiaco/internal/live"
	"ajiaco/internal/logging"
)

// EnvPrefix prefixes every environment override, e.g. AJIACO_STORAGE_DRIVER.
const EnvPrefix = "AJIACO"

// Config is the full process configuration.
type Config struct {
	Name            string             `mapstructure:"name"`
	Secret          string             `mapstructure:"secret"`
	Verbose         int                `mapstructure:"verbose"`
	Debug           bool               `mapstructure:"debug"`
	Storage         core.StorageConfig `mapstructure:"storage"`
	Blob            blob.Config        `mapstructure:"blob"`
	Redis           RedisConfig        `mapstructure:"redis"`
	HTTP            HTTPConfig         `mapstructure:"http"`
	Live            LiveConfig         `mapstructure:"live"`
	Experiments     string             `mapstructure:"experiments"`
	SessionDefaults map[string]any     `mapstructure:"session_defaults"`
}

// RedisConfig enables cross-process live fan-out when URL is set.
type RedisConfig struct {
	URL string `mapstructure:"url"`
}

// HTTPConfig configures the web server.
type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

// LiveConfig tunes live updates.
type LiveConfig struct {
	HighlightDelay time.Duration `mapstructure:"highlight_delay"`
	ReplayBuffer   int           `mapstructure:"replay_buffer"`
}

// Defaults returns the configuration used when nothing overrides it.
func Defaults() Config {
	return Config{
		Name:    "ajiaco",
		Verbose: 2,
		Storage: core.StorageConfig{
			Driver:      core.StorageSQLite,
			SQLitePath:  sqlite.DefaultPath,
			PostgresDSN: postgres.DefaultDSN,
		},
		Blob: blob.Config{Driver: blob.DriverFilesystem, FSRoot: blob.DefaultFSRoot},
		HTTP: HTTPConfig{Addr: ":8000"},
		Live: LiveConfig{
			HighlightDelay: live.DefaultHighlightDelay,
			ReplayBuffer:   live.DefaultReplayBuffer,
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("name", d.Name)
	v.SetDefault("secret", d.Secret)
	v.SetDefault("verbose", d.Verbose)
	v.SetDefault("debug", d.Debug)
	v.SetDefault("storage.driver", string(d.Storage.Driver))
	v.SetDefault("storage.sqlite_path", d.Storage.SQLitePath)
	v.SetDefault("storage.postgres_dsn", d.Storage.PostgresDSN)
	v.SetDefault("blob.driver", string(d.Blob.Driver))
	v.SetDefault("blob.fs_root", d.Blob.FSRoot)
	v.SetDefault("blob.s3.bucket", "")
	v.SetDefault("blob.s3.region", "")
	v.SetDefault("blob.s3.endpoint", "")
	v.SetDefault("blob.s3.path_style", false)
	v.SetDefault("blob.s3.access_key_id", "")
	v.SetDefault("blob.s3.secret_access_key", "")
	v.SetDefault("redis.url", "")
	v.SetDefault("http.addr", d.HTTP.Addr)
	v.SetDefault("live.highlight_delay", d.Live.HighlightDelay)
	v.SetDefault("live.replay_buffer", d.Live.ReplayBuffer)
	v.SetDefault("experiments", "")
}

// Options controls where Load looks for configuration.
type Options struct {
	// File is an explicit config file; empty searches ./ajiaco.yaml.
	File string
	// EnvFile is loaded into the process environment first; empty means ".env".
	EnvFile string
}

// Load reads configuration. Missing .env and config files are not errors.
func Load(opts Options) (Config, error) {
	envFile := opts.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load %s: %w", envFile, err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if opts.File != "" {
		v.SetConfigFile(opts.File)
	} else {
		v.SetConfigName("ajiaco")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if opts.File != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c Config) Validate() error {
	if c.Verbose < 0 || c.Verbose > logging.MaxVerbose {
		return fmt.Errorf("verbose must be between 0 and %d", logging.MaxVerbose)
	}
	if c.Live.HighlightDelay < 0 {
		return errors.New("live.highlight_delay must not be negative")
	}
	if c.Live.ReplayBuffer < 0 {
		return errors.New("live.replay_buffer must not be negative")
	}
	if err := core.ValidateSessionDefaults(c.SessionDefaults); err != nil {
		return fmt.Errorf("session_defaults: %w", err)
	}
	return nil
}
