package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultBillingConfigIsValid(t *testing.T) {
	holder, err := NewStaticBillingConfigHolder(DefaultBillingConfig())
	require.NoError(t, err)

	cfg := holder.Get()
	assert.Equal(t, 14, cfg.TrialDays)
	assert.Equal(t, 3, cfg.GraceRetries)
	assert.Equal(t, 24*time.Hour, cfg.RetryInterval)
	assert.Equal(t, ProrationModeNone, cfg.ProrationMode)
	assert.Len(t, cfg.BonusTiers, 5)
}

func TestStaticHolderSortsTiers(t *testing.T) {
	cfg := DefaultBillingConfig()
	cfg.BonusTiers = []BonusTier{{MinMajor: 500, Percent: 15}, {MinMajor: 100, Percent: 10}}

	holder, err := NewStaticBillingConfigHolder(cfg)
	require.NoError(t, err)
	assert.Equal(t, int64(100), holder.Get().BonusTiers[0].MinMajor)
}

func TestValidateBillingConfigRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*BillingConfig)
	}{
		{"percent above 100", func(c *BillingConfig) { c.BonusTiers[1].Percent = 101 }},
		{"duplicate tier", func(c *BillingConfig) { c.BonusTiers[2].MinMajor = 100 }},
		{"negative grace", func(c *BillingConfig) { c.GraceRetries = -1 }},
		{"zero retry interval", func(c *BillingConfig) { c.RetryInterval = 0 }},
		{"unknown proration", func(c *BillingConfig) { c.ProrationMode = "retroactive" }},
		{"no workers", func(c *BillingConfig) { c.MaxWorkers = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultBillingConfig()
			tt.mutate(&cfg)
			_, err := NewStaticBillingConfigHolder(cfg)
			assert.Error(t, err)
		})
	}
}

func TestNewBillingConfigHolderReadsFile(t *testing.T) {
	dir := t.TempDir()
	content := `billing:
  trialDays: 7
  graceRetries: 5
  retryInterval: 12h
  prorationMode: immediate
  maxWorkers: 2
  optimisticRetries: 3
  bonusTiers:
    - minMajor: 0
      percent: 0
    - minMajor: 200
      percent: 5
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "billing.yml"), []byte(content), 0o600))

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	holder, err := NewBillingConfigHolder()
	require.NoError(t, err)

	cfg := holder.Get()
	assert.Equal(t, 7, cfg.TrialDays)
	assert.Equal(t, 5, cfg.GraceRetries)
	assert.Equal(t, 12*time.Hour, cfg.RetryInterval)
	assert.Equal(t, ProrationModeImmediate, cfg.ProrationMode)
	require.Len(t, cfg.BonusTiers, 2)
	assert.Equal(t, int64(5), cfg.BonusTiers[1].Percent)
}
