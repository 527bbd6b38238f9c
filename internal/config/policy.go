package config

import (
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// PolicyConfig holds operational knobs that operators tune without a
// redeploy: the usage dispatcher cadence and retry guidance handed to
// clients on conflicts.
type PolicyConfig struct {
	Dispatch DispatchPolicy `mapstructure:"dispatch"`
	Retry    RetryPolicy    `mapstructure:"retry"`
}

type DispatchPolicy struct {
	Interval  time.Duration `mapstructure:"interval"`
	BatchSize int           `mapstructure:"batchSize"`
}

type RetryPolicy struct {
	ConflictBackoff time.Duration `mapstructure:"conflictBackoff"`
}

func DefaultPolicyConfig() PolicyConfig {
	return PolicyConfig{
		Dispatch: DispatchPolicy{
			Interval:  5 * time.Second,
			BatchSize: 100,
		},
		Retry: RetryPolicy{
			ConflictBackoff: 500 * time.Millisecond,
		},
	}
}

// PolicyHolder exposes the current policy and hot-reloads it when the config
// file changes on disk.
type PolicyHolder struct {
	current atomic.Value // holds PolicyConfig
}

func NewPolicyHolder() (*PolicyHolder, error) {
	v := viper.New()

	v.SetConfigName("ledger")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/crm-ledger/config")
	v.AddConfigPath("/etc/crm-ledger")
	v.AddConfigPath(".")

	v.SetEnvPrefix("LEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultPolicyConfig()
	v.SetDefault("policy.dispatch.interval", defaults.Dispatch.Interval)
	v.SetDefault("policy.dispatch.batchSize", defaults.Dispatch.BatchSize)
	v.SetDefault("policy.retry.conflictBackoff", defaults.Retry.ConflictBackoff)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg PolicyConfig
	if err := v.UnmarshalKey("policy", &cfg); err != nil {
		return nil, err
	}
	if err := validatePolicyConfig(cfg); err != nil {
		return nil, err
	}

	holder := &PolicyHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated PolicyConfig
		if err := v.UnmarshalKey("policy", &updated); err != nil {
			zap.L().Warn("policy reload failed", zap.Error(err))
			return
		}
		if err := validatePolicyConfig(updated); err != nil {
			zap.L().Warn("invalid policy config ignored", zap.Error(err))
			return
		}
		holder.current.Store(updated)
	})

	return holder, nil
}

// Current returns the active policy.
func (h *PolicyHolder) Current() PolicyConfig {
	if h == nil {
		return DefaultPolicyConfig()
	}
	if cfg, ok := h.current.Load().(PolicyConfig); ok {
		return cfg
	}
	return DefaultPolicyConfig()
}

func validatePolicyConfig(cfg PolicyConfig) error {
	if cfg.Dispatch.Interval <= 0 {
		return errors.New("dispatch interval must be positive")
	}
	if cfg.Dispatch.BatchSize <= 0 {
		return errors.New("dispatch batch size must be positive")
	}
	if cfg.Retry.ConflictBackoff < 0 {
		return errors.New("conflict backoff must not be negative")
	}
	return nil
}
