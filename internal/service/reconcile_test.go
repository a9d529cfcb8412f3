package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sendolabs/custody-engine/internal/domain"
)

func TestSyncReadOnlyReportsDrift(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	account := f.seedAccount(t, "+15550000001", arbAddr, "", map[string]int64{domain.CurrencyPYUSD: 10_000_000})

	f.evm.SetTokenBalance(pyusd.Contract, arbAddr, 4_000_000)

	report, err := f.reconcile.Sync(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, int64(6_000_000), report.DriftByCode[domain.CurrencyPYUSD])

	// Read-only pass leaves the ledger alone.
	assert.Equal(t, int64(10_000_000), f.balance(t, account.ID, domain.CurrencyPYUSD))
}

func TestSyncUpdateRepairsLedger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	account := f.seedAccount(t, "+15550000001", arbAddr, "", map[string]int64{domain.CurrencyPYUSD: 10_000_000})

	f.evm.SetTokenBalance(pyusd.Contract, arbAddr, 4_000_000)

	report, err := f.reconcile.Sync(ctx, true)
	require.NoError(t, err)
	require.NotEmpty(t, report.Entries)
	assert.True(t, report.Entries[0].Updated)
	assert.Equal(t, int64(4_000_000), f.balance(t, account.ID, domain.CurrencyPYUSD))
}

func TestSyncUpdateRefusedWhileMonitorActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedAccount(t, "+15550000001", arbAddr, "", nil)

	require.NoError(t, f.monitor.Start(ctx))
	defer f.monitor.Stop()

	_, err := f.reconcile.Sync(ctx, true)
	assert.ErrorIs(t, err, ErrMonitorActive)

	// The read-only pass stays available.
	_, err = f.reconcile.Sync(ctx, false)
	assert.NoError(t, err)
}

func TestSyncIsolatesPerAccountFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	broken := f.seedAccount(t, "+15550000001", arbAddr, "", map[string]int64{domain.CurrencyPYUSD: 10_000_000})
	healthy := f.seedAccount(t, "+15550000002", "0x4444444444444444444444444444444444444444", "", map[string]int64{domain.CurrencyPYUSD: 3_000_000})
	_ = broken

	// Every balance read fails; the pass still visits every account and
	// reports per-entry errors instead of aborting.
	f.evm.BalanceErr = assert.AnError

	report, err := f.reconcile.Sync(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, len(report.Entries), report.Failures)
	assert.GreaterOrEqual(t, len(report.Entries), 2)
	assert.Equal(t, int64(3_000_000), f.balance(t, healthy.ID, domain.CurrencyPYUSD))
}

func TestSyncBitcoinBalances(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	btcAddress := "bc1qtestaddress000000000000000000000001"
	account := f.seedAccount(t, "+15550000001", "", btcAddress, map[string]int64{domain.CurrencySAT: 50_000})

	f.btc.Balances = map[string]int64{btcAddress: 80_000}

	report, err := f.reconcile.Sync(ctx, true)
	require.NoError(t, err)
	require.NotEmpty(t, report.Entries)
	assert.Equal(t, int64(80_000), f.balance(t, account.ID, domain.CurrencySAT))
}
