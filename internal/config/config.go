package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. FIELDSYNC_SYNC_INTERVAL
const EnvPrefix = "FIELDSYNC"

// Config holds all application configuration
type Config struct {
	API        API        `mapstructure:"api" yaml:"api" json:"api"`
	Auth       Auth       `mapstructure:"auth" yaml:"auth" json:"auth"`
	Storage    Storage    `mapstructure:"storage" yaml:"storage" json:"storage"`
	Sync       Sync       `mapstructure:"sync" yaml:"sync" json:"sync"`
	Warmup     Warmup     `mapstructure:"warmup" yaml:"warmup" json:"warmup"`
	Network    Network    `mapstructure:"network" yaml:"network" json:"network"`
	Web        Web        `mapstructure:"web" yaml:"web" json:"web"`
	Monitoring Monitoring `mapstructure:"monitoring" yaml:"monitoring" json:"monitoring"`
	Logging    Logging    `mapstructure:"logging" yaml:"logging" json:"logging"`

	v *viper.Viper
}

// API holds the backend connection settings
type API struct {
	BaseURL string        `mapstructure:"base_url" yaml:"base_url" json:"base_url"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout" json:"timeout"`
}

// Auth holds credentials used until a login stores its own in the database
type Auth struct {
	Token  string `mapstructure:"token" yaml:"-" json:"-"`
	UserID string `mapstructure:"user_id" yaml:"user_id" json:"user_id"`
}

// Storage holds the local database location
type Storage struct {
	Path string `mapstructure:"path" yaml:"path" json:"path"`
}

// Sync holds queue and engine tuning
type Sync struct {
	Interval         time.Duration `mapstructure:"interval" yaml:"interval" json:"interval"`
	MaxAttempts      int           `mapstructure:"max_attempts" yaml:"max_attempts" json:"max_attempts"`
	MaxParallelism   int           `mapstructure:"max_parallelism" yaml:"max_parallelism" json:"max_parallelism"`
	BackoffBase      time.Duration `mapstructure:"backoff_base" yaml:"backoff_base" json:"backoff_base"`
	BackoffMax       time.Duration `mapstructure:"backoff_max" yaml:"backoff_max" json:"backoff_max"`
	MinFreeDiskSpace uint64        `mapstructure:"min_free_disk_space" yaml:"min_free_disk_space" json:"min_free_disk_space"`
}

// Warmup holds cache loader settings
type Warmup struct {
	CacheTTL    time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl" json:"cache_ttl"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout" json:"timeout"`
	Parallelism int           `mapstructure:"parallelism" yaml:"parallelism" json:"parallelism"`
}

// Network holds connectivity probe settings
type Network struct {
	CheckInterval time.Duration `mapstructure:"check_interval" yaml:"check_interval" json:"check_interval"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout" yaml:"probe_timeout" json:"probe_timeout"`
}

// Web holds web server settings
type Web struct {
	Host string `mapstructure:"host" yaml:"host" json:"host"`
	Port int    `mapstructure:"port" yaml:"port" json:"port"`
}

// Monitoring holds device metrics settings
type Monitoring struct {
	UpdateInterval      time.Duration `mapstructure:"update_interval" yaml:"update_interval" json:"update_interval"`
	CPUSmoothingSamples int           `mapstructure:"cpu_smoothing_samples" yaml:"cpu_smoothing_samples" json:"cpu_smoothing_samples"`
}

// Logging holds logging settings
type Logging struct {
	Level      string `mapstructure:"level" yaml:"level" json:"level"`
	File       string `mapstructure:"file" yaml:"file" json:"file"`
	MaxSize    int    `mapstructure:"max_size" yaml:"max_size" json:"max_size"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups" json:"max_backups"`
	MaxAge     int    `mapstructure:"max_age" yaml:"max_age" json:"max_age"`
}

// Load reads configuration from file or uses defaults
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.fieldsync")
		v.AddConfigPath("/etc/fieldsync")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// FIELDSYNC_API_TOKEN reads better than FIELDSYNC_AUTH_TOKEN
	if err := v.BindEnv("auth.token", EnvPrefix+"_API_TOKEN", EnvPrefix+"_AUTH_TOKEN"); err != nil {
		return nil, fmt.Errorf("failed to bind token env: %w", err)
	}

	// a config file is optional
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	cfg.v = v
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.base_url", "http://localhost:4000/api")
	v.SetDefault("api.timeout", "30s")

	v.SetDefault("auth.token", "")
	v.SetDefault("auth.user_id", "")

	v.SetDefault("storage.path", "data/fieldsync.db")

	v.SetDefault("sync.interval", "30s")
	v.SetDefault("sync.max_attempts", 5)
	v.SetDefault("sync.max_parallelism", 4)
	v.SetDefault("sync.backoff_base", "500ms")
	v.SetDefault("sync.backoff_max", "5m")
	v.SetDefault("sync.min_free_disk_space", 52428800) // 50 MB

	v.SetDefault("warmup.cache_ttl", "1h")
	v.SetDefault("warmup.timeout", "5m")
	v.SetDefault("warmup.parallelism", 4)

	v.SetDefault("network.check_interval", "10s")
	v.SetDefault("network.probe_timeout", "3s")

	v.SetDefault("web.host", "localhost")
	v.SetDefault("web.port", 8080)

	v.SetDefault("monitoring.update_interval", "2s")
	v.SetDefault("monitoring.cpu_smoothing_samples", 3)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", "logs/fieldsync.log")
	v.SetDefault("logging.max_size", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age", 30)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	u, err := url.Parse(c.API.BaseURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("invalid api.base_url: %q", c.API.BaseURL)
	}

	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}

	if c.Sync.MaxAttempts < 1 {
		return fmt.Errorf("sync.max_attempts must be at least 1")
	}

	if c.Sync.MaxParallelism < 1 {
		return fmt.Errorf("sync.max_parallelism must be at least 1")
	}

	if c.Sync.Interval <= 0 {
		return fmt.Errorf("sync.interval must be positive")
	}

	if c.Sync.BackoffBase <= 0 || c.Sync.BackoffMax < c.Sync.BackoffBase {
		return fmt.Errorf("sync backoff must satisfy 0 < backoff_base <= backoff_max")
	}

	if c.Warmup.Parallelism < 1 {
		return fmt.Errorf("warmup.parallelism must be at least 1")
	}

	if c.Web.Port < 1 || c.Web.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Web.Port)
	}

	return nil
}

// File returns the config file in use, or "" when running on defaults
func (c *Config) File() string {
	if c.v == nil {
		return ""
	}
	return c.v.ConfigFileUsed()
}

// Watch re-reads the config file whenever it changes and passes every valid
// new configuration to fn. Invalid edits are logged and ignored.
func (c *Config) Watch(fn func(*Config)) {
	if c.v == nil || c.v.ConfigFileUsed() == "" {
		log.Debug().Msg("No config file to watch")
		return
	}

	c.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		next, err := decode(c.v)
		if err != nil {
			log.Warn().Err(err).Str("file", e.Name).Msg("Ignoring config change")
			return
		}
		log.Info().Str("file", e.Name).Msg("Config reloaded")
		fn(next)
	})
	c.v.WatchConfig()
}
