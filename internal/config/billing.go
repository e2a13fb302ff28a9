package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	ProrationModeNone      = "none"
	ProrationModeImmediate = "immediate"
)

// BonusTier grants Percent bonus on deposits of at least MinMajor whole
// currency units.
type BonusTier struct {
	MinMajor int64 `mapstructure:"minMajor"`
	Percent  int64 `mapstructure:"percent"`
}

// BillingConfig is the hot-reloadable ledger and subscription policy.
type BillingConfig struct {
	BonusTiers        []BonusTier   `mapstructure:"bonusTiers"`
	TrialDays         int           `mapstructure:"trialDays"`
	GraceRetries      int           `mapstructure:"graceRetries"`
	RetryInterval     time.Duration `mapstructure:"retryInterval"`
	ProrationMode     string        `mapstructure:"prorationMode"`
	MaxWorkers        int           `mapstructure:"maxWorkers"`
	OptimisticRetries int           `mapstructure:"optimisticRetries"`
}

func DefaultBillingConfig() BillingConfig {
	return BillingConfig{
		BonusTiers: []BonusTier{
			{MinMajor: 0, Percent: 0},
			{MinMajor: 100, Percent: 10},
			{MinMajor: 500, Percent: 15},
			{MinMajor: 1000, Percent: 20},
			{MinMajor: 5000, Percent: 30},
		},
		TrialDays:         14,
		GraceRetries:      3,
		RetryInterval:     24 * time.Hour,
		ProrationMode:     ProrationModeNone,
		MaxWorkers:        8,
		OptimisticRetries: 5,
	}
}

type BillingConfigHolder struct {
	current atomic.Value // holds BillingConfig
}

// NewStaticBillingConfigHolder wraps a fixed policy, mainly for tests and
// embedded use.
func NewStaticBillingConfigHolder(cfg BillingConfig) (*BillingConfigHolder, error) {
	cfg = normalizeBillingConfig(cfg)
	if err := validateBillingConfig(cfg); err != nil {
		return nil, err
	}
	holder := &BillingConfigHolder{}
	holder.current.Store(cfg)
	return holder, nil
}

func NewBillingConfigHolder() (*BillingConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("billing")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/walletledger/config") // Volume-mounted config
	v.AddConfigPath("/etc/walletledger")            // System config
	v.AddConfigPath(".")                            // Current directory (dev mode)

	v.SetEnvPrefix("WALLETLEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultBillingConfig()
	v.SetDefault("billing.bonusTiers", defaults.BonusTiers)
	v.SetDefault("billing.trialDays", defaults.TrialDays)
	v.SetDefault("billing.graceRetries", defaults.GraceRetries)
	v.SetDefault("billing.retryInterval", defaults.RetryInterval)
	v.SetDefault("billing.prorationMode", defaults.ProrationMode)
	v.SetDefault("billing.maxWorkers", defaults.MaxWorkers)
	v.SetDefault("billing.optimisticRetries", defaults.OptimisticRetries)

	fileFound := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileFound = false
	}

	cfg, err := decodeBillingConfig(v)
	if err != nil {
		return nil, err
	}

	holder := &BillingConfigHolder{}
	holder.current.Store(cfg)

	if fileFound {
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			updated, err := decodeBillingConfig(v)
			if err != nil {
				zap.L().Warn("billing config reload rejected", zap.String("file", e.Name), zap.Error(err))
				return
			}
			holder.current.Store(updated)
			zap.L().Info("billing config reloaded", zap.String("file", e.Name))
		})
	}

	return holder, nil
}

func (h *BillingConfigHolder) Get() BillingConfig {
	return h.current.Load().(BillingConfig)
}

func decodeBillingConfig(v *viper.Viper) (BillingConfig, error) {
	var cfg BillingConfig
	if err := v.UnmarshalKey("billing", &cfg); err != nil {
		return BillingConfig{}, err
	}
	cfg = normalizeBillingConfig(cfg)
	if err := validateBillingConfig(cfg); err != nil {
		return BillingConfig{}, err
	}
	return cfg, nil
}

func normalizeBillingConfig(cfg BillingConfig) BillingConfig {
	tiers := make([]BonusTier, len(cfg.BonusTiers))
	copy(tiers, cfg.BonusTiers)
	sort.SliceStable(tiers, func(i, j int) bool { return tiers[i].MinMajor < tiers[j].MinMajor })
	cfg.BonusTiers = tiers
	cfg.ProrationMode = strings.ToLower(strings.TrimSpace(cfg.ProrationMode))
	if cfg.ProrationMode == "" {
		cfg.ProrationMode = ProrationModeNone
	}
	return cfg
}

func validateBillingConfig(cfg BillingConfig) error {
	for i, tier := range cfg.BonusTiers {
		if tier.MinMajor < 0 {
			return fmt.Errorf("billing.bonusTiers[%d].minMajor cannot be negative", i)
		}
		if tier.Percent < 0 || tier.Percent > 100 {
			return fmt.Errorf("billing.bonusTiers[%d].percent must be within 0..100", i)
		}
		if i > 0 && cfg.BonusTiers[i-1].MinMajor == tier.MinMajor {
			return fmt.Errorf("billing.bonusTiers has duplicate minMajor %d", tier.MinMajor)
		}
	}
	if cfg.TrialDays < 0 {
		return errors.New("billing.trialDays cannot be negative")
	}
	if cfg.GraceRetries < 0 {
		return errors.New("billing.graceRetries cannot be negative")
	}
	if cfg.RetryInterval <= 0 {
		return errors.New("billing.retryInterval must be positive")
	}
	switch cfg.ProrationMode {
	case ProrationModeNone, ProrationModeImmediate:
	default:
		return fmt.Errorf("billing.prorationMode %q is not supported", cfg.ProrationMode)
	}
	if cfg.MaxWorkers <= 0 {
		return errors.New("billing.maxWorkers must be positive")
	}
	if cfg.OptimisticRetries <= 0 {
		return errors.New("billing.optimisticRetries must be positive")
	}
	return nil
}
