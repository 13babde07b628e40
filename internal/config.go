package internal

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

const (
	defaultConfigDir  = ".fedpool"
	defaultConfigName = "config"
	envPrefix         = "FEDPOOL"
)

type DeliveryConfig struct {
	PoolSize         int    `mapstructure:"pool_size"`
	WaitTimeoutMs    int    `mapstructure:"wait_timeout_ms"`
	ReclaimIdle      bool   `mapstructure:"reclaim_idle"`
	MaxIdleTimeSecs  int    `mapstructure:"max_idle_time_secs"`
	ReapIntervalSecs int    `mapstructure:"reap_interval_secs"`
	RequestTimeoutMs int    `mapstructure:"request_timeout_ms"`
	Concurrency      int    `mapstructure:"concurrency"`
	MaxRetries       int    `mapstructure:"max_retries"`
	RetryBackoffMs   int    `mapstructure:"retry_backoff_ms"`
	UserAgent        string `mapstructure:"user_agent"`
	InstanceID       string `mapstructure:"instance_id"`
	LogLevel         string `mapstructure:"log_level"`
	MetricsAddr      string `mapstructure:"metrics_addr"`
}

func setDeliveryDefaults(v *viper.Viper) {
	v.SetDefault("pool_size", 512)
	v.SetDefault("wait_timeout_ms", 5000)
	v.SetDefault("reclaim_idle", false)
	v.SetDefault("max_idle_time_secs", 30)
	v.SetDefault("reap_interval_secs", 30)
	v.SetDefault("request_timeout_ms", 10_000)
	v.SetDefault("concurrency", 8)
	v.SetDefault("max_retries", 3)
	v.SetDefault("retry_backoff_ms", 250)
	v.SetDefault("user_agent", "fedpool/1.0")
	v.SetDefault("instance_id", uuid.New().String())
	v.SetDefault("log_level", "info")
	v.SetDefault("metrics_addr", "")
}

// DefaultConfigPath is ~/.fedpool/config.toml, or config.toml in the working
// directory when the home directory cannot be resolved.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return defaultConfigName + ".toml"
	}
	return filepath.Join(home, defaultConfigDir, defaultConfigName+".toml")
}

// LoadDeliveryConfig reads the config file (or the default locations when
// configPath is empty), applies FEDPOOL_* env overrides and writes the
// defaults out on first run.
func LoadDeliveryConfig(configPath string) (*DeliveryConfig, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, errors.New("failed to load users home directory: " + err.Error())
	}

	v, found, err := initViper(configPath, filepath.Join(home, defaultConfigDir), defaultConfigName, "toml", envPrefix)
	if err != nil {
		return nil, err
	}
	setDeliveryDefaults(v)

	var cfg DeliveryConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Create-on-first-run only: nothing was read, so persist the defaults.
	if !found {
		writePath := expandPath(configPath)
		if writePath == "" {
			writePath = filepath.Join(home, defaultConfigDir, defaultConfigName+".toml")
		}
		if _, statErr := os.Stat(writePath); errors.Is(statErr, os.ErrNotExist) {
			if _, err := cfg.Save(writePath); err != nil {
				return nil, fmt.Errorf("persist default delivery config: %w", err)
			}
			Info("delivery config written", Fields{
				ConfigPath: writePath,
			})
		}
	}
	return &cfg, nil
}

func (cfg *DeliveryConfig) Validate() error {
	switch {
	case cfg.PoolSize <= 0:
		return fmt.Errorf("pool_size must be > 0, got %d", cfg.PoolSize)
	case cfg.WaitTimeoutMs < 0:
		return fmt.Errorf("wait_timeout_ms must be >= 0, got %d", cfg.WaitTimeoutMs)
	case cfg.MaxIdleTimeSecs <= 0:
		return fmt.Errorf("max_idle_time_secs must be > 0, got %d", cfg.MaxIdleTimeSecs)
	case cfg.ReapIntervalSecs < 0:
		return fmt.Errorf("reap_interval_secs must be >= 0, got %d", cfg.ReapIntervalSecs)
	case cfg.RequestTimeoutMs <= 0:
		return fmt.Errorf("request_timeout_ms must be > 0, got %d", cfg.RequestTimeoutMs)
	case cfg.Concurrency <= 0:
		return fmt.Errorf("concurrency must be > 0, got %d", cfg.Concurrency)
	case cfg.MaxRetries < 0:
		return fmt.Errorf("max_retries must be >= 0, got %d", cfg.MaxRetries)
	case cfg.RetryBackoffMs < 0:
		return fmt.Errorf("retry_backoff_ms must be >= 0, got %d", cfg.RetryBackoffMs)
	}
	return nil
}

func (cfg *DeliveryConfig) WaitTimeout() time.Duration {
	return time.Duration(cfg.WaitTimeoutMs) * time.Millisecond
}

func (cfg *DeliveryConfig) MaxIdleTime() time.Duration {
	return time.Duration(cfg.MaxIdleTimeSecs) * time.Second
}

func (cfg *DeliveryConfig) ReapInterval() time.Duration {
	return time.Duration(cfg.ReapIntervalSecs) * time.Second
}

func (cfg *DeliveryConfig) RequestTimeout() time.Duration {
	return time.Duration(cfg.RequestTimeoutMs) * time.Millisecond
}

func (cfg *DeliveryConfig) RetryBackoff() time.Duration {
	return time.Duration(cfg.RetryBackoffMs) * time.Millisecond
}

func (cfg *DeliveryConfig) Save(path string) (string, error) {
	if path == "" {
		path = DefaultConfigPath()
	}
	path = expandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}

	v := viper.New()
	v.SetConfigType("toml")
	v.Set("pool_size", cfg.PoolSize)
	v.Set("wait_timeout_ms", cfg.WaitTimeoutMs)
	v.Set("reclaim_idle", cfg.ReclaimIdle)
	v.Set("max_idle_time_secs", cfg.MaxIdleTimeSecs)
	v.Set("reap_interval_secs", cfg.ReapIntervalSecs)
	v.Set("request_timeout_ms", cfg.RequestTimeoutMs)
	v.Set("concurrency", cfg.Concurrency)
	v.Set("max_retries", cfg.MaxRetries)
	v.Set("retry_backoff_ms", cfg.RetryBackoffMs)
	v.Set("user_agent", cfg.UserAgent)
	v.Set("instance_id", cfg.InstanceID)
	v.Set("log_level", cfg.LogLevel)
	v.Set("metrics_addr", cfg.MetricsAddr)

	if err := v.WriteConfigAs(path); err != nil {
		return "", fmt.Errorf("write delivery config: %w", err)
	}
	_ = os.Chmod(path, 0o600)
	return path, nil
}

// initViper reports whether a config file was actually read.
func initViper(configPath, defaultDir, defaultName, defaultType, envPrefix string) (*viper.Viper, bool, error) {
	v := viper.New()
	v.SetConfigType(defaultType)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(expandPath(configPath))
	} else {
		v.AddConfigPath(defaultDir)
		v.AddConfigPath(".")
		v.SetConfigName(defaultName)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return v, false, nil
		}
		// an explicit path that does not exist yet is created on first run
		if configPath != "" && errors.Is(err, os.ErrNotExist) {
			return v, false, nil
		}
		Error("failed to read config", Fields{
			ConfigPath: configPath,
			FieldError: err.Error(),
		})
		return nil, false, fmt.Errorf("read config: %w", err)
	}
	return v, true, nil
}

func expandPath(p string) string {
	if p == "" {
		return p
	}
	p = os.ExpandEnv(p)
	if strings.HasPrefix(p, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
