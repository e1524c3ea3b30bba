package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	scm "github.com/axondata/go-scm"
)

// EnvPrefix prefixes every environment override, e.g. SCM_LISTEN
const EnvPrefix = "SCM"

// Config is the daemon configuration
type Config struct {
	StoreDir   string `mapstructure:"store_dir"`
	RuntimeDir string `mapstructure:"runtime_dir"`
	Listen     string `mapstructure:"listen"`
	LogLevel   string `mapstructure:"log_level"`
	DeviceHost string `mapstructure:"device_host"`

	// Timeouts in milliseconds
	PipeTimeoutMs        uint32 `mapstructure:"ServicesPipeTimeout"`
	KillTimeoutMs        uint32 `mapstructure:"WaitToKillServiceTimeout"`
	StartupLockTimeoutMs uint32 `mapstructure:"startup_lock_timeout"`

	Concurrency int `mapstructure:"concurrency"`
}

// Default returns the built in configuration
func Default() *Config {
	return &Config{
		StoreDir:             "/var/lib/scm/services",
		RuntimeDir:           "/run/scm",
		Listen:               "127.0.0.1:7070",
		LogLevel:             "info",
		PipeTimeoutMs:        uint32(scm.DefaultPipeTimeout.Milliseconds()),
		KillTimeoutMs:        uint32(scm.DefaultKillTimeout.Milliseconds()),
		StartupLockTimeoutMs: uint32(scm.DefaultStartupLockTimeout.Milliseconds()),
		Concurrency:          scm.DefaultConcurrency,
	}
}

// Load reads cfgFile, or scmd.yaml from the usual places when cfgFile is
// empty, and applies SCM_* environment overrides. A missing default file
// is not an error.
func Load(cfgFile string) (*Config, error) {
	cfg := Default()
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("scmd")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/scm")
		v.AddConfigPath(".")
	}

	// Defaults make every key known to AutomaticEnv
	v.SetDefault("store_dir", cfg.StoreDir)
	v.SetDefault("runtime_dir", cfg.RuntimeDir)
	v.SetDefault("listen", cfg.Listen)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("device_host", cfg.DeviceHost)
	v.SetDefault("ServicesPipeTimeout", cfg.PipeTimeoutMs)
	v.SetDefault("WaitToKillServiceTimeout", cfg.KillTimeoutMs)
	v.SetDefault("startup_lock_timeout", cfg.StartupLockTimeoutMs)
	v.SetDefault("concurrency", cfg.Concurrency)

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid setting
func (c *Config) Validate() error {
	merr := &scm.MultiError{}
	if c.StoreDir == "" {
		merr.Add(errors.New("store_dir must be set"))
	}
	if c.RuntimeDir == "" {
		merr.Add(errors.New("runtime_dir must be set"))
	}
	if c.Listen == "" {
		merr.Add(errors.New("listen must be set"))
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		merr.Add(fmt.Errorf("log_level %q: %w", c.LogLevel, err))
	}
	if c.PipeTimeoutMs == 0 {
		merr.Add(errors.New("ServicesPipeTimeout must be positive"))
	}
	if c.KillTimeoutMs == 0 {
		merr.Add(errors.New("WaitToKillServiceTimeout must be positive"))
	}
	if c.Concurrency < 1 {
		merr.Add(fmt.Errorf("concurrency %d is below 1", c.Concurrency))
	}
	return merr.Err()
}

// Level returns the parsed log level, info when unparsable
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}

// PipeTimeout returns ServicesPipeTimeout as a duration
func (c *Config) PipeTimeout() time.Duration {
	return time.Duration(c.PipeTimeoutMs) * time.Millisecond
}

// KillTimeout returns WaitToKillServiceTimeout as a duration
func (c *Config) KillTimeout() time.Duration {
	return time.Duration(c.KillTimeoutMs) * time.Millisecond
}

// StartupLockTimeout returns startup_lock_timeout as a duration
func (c *Config) StartupLockTimeout() time.Duration {
	return time.Duration(c.StartupLockTimeoutMs) * time.Millisecond
}

// ManagerOptions turns the configuration into manager options
func (c *Config) ManagerOptions() []scm.ManagerOption {
	return []scm.ManagerOption{
		scm.WithPipeTimeout(c.PipeTimeout()),
		scm.WithKillTimeout(c.KillTimeout()),
		scm.WithStartupLockTimeout(c.StartupLockTimeout()),
		scm.WithConcurrency(c.Concurrency),
		scm.WithDeviceHost(c.DeviceHost),
	}
}
