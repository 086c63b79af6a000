package config

import (
	"errors"
	"io/fs"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	DefaultMaxAttempts     = 3
	DefaultBaseDelay       = time.Second
	DefaultTotalTimeout    = 10 * time.Second
	DefaultHighValueAmount = 100_000 // minor units
)

// RetryPolicy governs how the webhook pipeline retries and escalates.
type RetryPolicy struct {
	MaxAttempts     int           `mapstructure:"maxAttempts"`
	BaseDelay       time.Duration `mapstructure:"baseDelay"`
	TotalTimeout    time.Duration `mapstructure:"totalTimeout"`
	HighValueAmount int64         `mapstructure:"highValueAmount"`
}

// Delay returns the linear backoff applied after the given 1-based attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(attempt) * p.BaseDelay
}

func (c Config) DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     c.Webhook.MaxAttempts,
		BaseDelay:       c.Webhook.BaseDelay,
		TotalTimeout:    c.Webhook.TotalTimeout,
		HighValueAmount: c.Webhook.HighValueAmount,
	}
}

type PolicyHolder struct {
	current atomic.Value // holds RetryPolicy
}

// NewStaticPolicyHolder returns a holder that never reloads.
func NewStaticPolicyHolder(policy RetryPolicy) *PolicyHolder {
	holder := &PolicyHolder{}
	holder.current.Store(normalizePolicy(policy))
	return holder
}

// NewPolicyHolder reads webhook.yml (when present) and hot-reloads it on change.
func NewPolicyHolder(cfg Config, log *zap.Logger) (*PolicyHolder, error) {
	log = log.Named("config.policy")
	defaults := cfg.DefaultRetryPolicy()

	v := viper.New()
	if cfg.Webhook.PolicyPath != "" {
		v.SetConfigFile(cfg.Webhook.PolicyPath)
	} else {
		v.SetConfigName("webhook")
		v.SetConfigType("yml")
		v.AddConfigPath("/etc/stripesync")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("STRIPESYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("webhook.maxAttempts", defaults.MaxAttempts)
	v.SetDefault("webhook.baseDelay", defaults.BaseDelay)
	v.SetDefault("webhook.totalTimeout", defaults.TotalTimeout)
	v.SetDefault("webhook.highValueAmount", defaults.HighValueAmount)

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		switch {
		case errors.As(err, &notFound):
		case cfg.Webhook.PolicyPath != "" && errors.Is(err, fs.ErrNotExist):
			log.Warn("webhook policy file missing, using defaults", zap.String("path", cfg.Webhook.PolicyPath))
		default:
			return nil, err
		}
		fileLoaded = false
	}

	policy, err := readPolicy(v)
	if err != nil {
		return nil, err
	}

	holder := &PolicyHolder{}
	holder.current.Store(policy)

	if fileLoaded {
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			updated, err := readPolicy(v)
			if err != nil {
				log.Warn("invalid webhook policy ignored", zap.String("file", e.Name), zap.Error(err))
				return
			}
			holder.current.Store(updated)
			log.Info("webhook policy reloaded",
				zap.String("file", e.Name),
				zap.Int("max_attempts", updated.MaxAttempts),
				zap.Duration("base_delay", updated.BaseDelay),
			)
		})
	}

	return holder, nil
}

func (h *PolicyHolder) Get() RetryPolicy {
	return h.current.Load().(RetryPolicy)
}

func readPolicy(v *viper.Viper) (RetryPolicy, error) {
	var policy RetryPolicy
	if err := v.UnmarshalKey("webhook", &policy); err != nil {
		return RetryPolicy{}, err
	}
	if err := validatePolicy(policy); err != nil {
		return RetryPolicy{}, err
	}
	return normalizePolicy(policy), nil
}

func validatePolicy(p RetryPolicy) error {
	if p.MaxAttempts < 1 {
		return errors.New("webhook.maxAttempts must be at least 1")
	}
	if p.BaseDelay < 0 {
		return errors.New("webhook.baseDelay cannot be negative")
	}
	if p.TotalTimeout < 0 {
		return errors.New("webhook.totalTimeout cannot be negative")
	}
	if p.HighValueAmount < 0 {
		return errors.New("webhook.highValueAmount cannot be negative")
	}
	return nil
}

func normalizePolicy(p RetryPolicy) RetryPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.TotalTimeout <= 0 {
		p.TotalTimeout = DefaultTotalTimeout
	}
	return p
}
