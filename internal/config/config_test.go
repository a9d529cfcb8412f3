package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sendolabs/custody-engine/internal/domain"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("OPERATOR_TOKEN", "test-operator-token-0123456789")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.HTTPPort)
	assert.Equal(t, domain.SweepModeSmart, cfg.SweepMode)

	assert.Equal(t, uint64(12), cfg.DepositConfirmations[domain.CurrencyPYUSD])
	assert.Equal(t, uint64(12), cfg.DepositConfirmations[domain.CurrencyUSDT])
	assert.Equal(t, uint64(3), cfg.DepositConfirmations[domain.CurrencySAT])
	assert.Equal(t, uint64(2), cfg.WithdrawalConfirmations)

	// Human units become base units: 100 PYUSD = 100e6 micros, sats verbatim.
	assert.Equal(t, int64(100_000_000), cfg.SweepThresholds[domain.CurrencyPYUSD])
	assert.Equal(t, int64(1_000_000), cfg.SweepThresholds[domain.CurrencySAT])
	assert.Equal(t, int64(1_000_000), cfg.SweepFloors[domain.CurrencyPYUSD])

	assert.Equal(t, int64(100_000), cfg.WithdrawalMin[domain.CurrencyUSDT])
	assert.Equal(t, int64(10_000_000_000), cfg.WithdrawalMax[domain.CurrencyUSDT])
	assert.Equal(t, int64(500_000), cfg.WithdrawalFee[domain.CurrencyUSDT])
	// Bitcoin is not withdrawal-eligible.
	_, ok := cfg.WithdrawalFee[domain.CurrencySAT]
	assert.False(t, ok)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("OPERATOR_TOKEN", "test-operator-token-0123456789")
	t.Setenv("SWEEP_MODE", "threshold")
	t.Setenv("SWEEP_THRESHOLD_PYUSD", "250.5")
	t.Setenv("EVM_CONFIRMATIONS", "6")
	t.Setenv("WITHDRAWAL_FEE", "0.25")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, domain.SweepModeThreshold, cfg.SweepMode)
	assert.Equal(t, int64(250_500_000), cfg.SweepThresholds[domain.CurrencyPYUSD])
	assert.Equal(t, uint64(6), cfg.DepositConfirmations[domain.CurrencyUSDT])
	assert.Equal(t, int64(250_000), cfg.WithdrawalFee[domain.CurrencyPYUSD])
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("OPERATOR_TOKEN", "test-operator-token-0123456789")

	t.Run("bad sweep mode", func(t *testing.T) {
		t.Setenv("SWEEP_MODE", "aggressive")
		_, err := Load()
		assert.ErrorContains(t, err, "SWEEP_MODE")
	})

	t.Run("bad interval", func(t *testing.T) {
		t.Setenv("SWEEP_INTERVAL", "soon")
		_, err := Load()
		assert.ErrorContains(t, err, "SWEEP_INTERVAL")
	})

	t.Run("negative threshold", func(t *testing.T) {
		t.Setenv("SWEEP_THRESHOLD_USDT", "-5")
		_, err := Load()
		assert.ErrorContains(t, err, "SWEEP_THRESHOLD_USDT")
	})
}

func TestLoadRequiresOperatorToken(t *testing.T) {
	t.Setenv("OPERATOR_TOKEN", "")
	_, err := Load()
	assert.ErrorContains(t, err, "OPERATOR_TOKEN")

	t.Setenv("OPERATOR_TOKEN", "short")
	_, err = Load()
	assert.ErrorContains(t, err, "OPERATOR_TOKEN")
}
