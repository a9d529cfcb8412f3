package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sendolabs/custody-engine/internal/domain"
	"github.com/sendolabs/custody-engine/internal/models"
)

func TestRegister(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	account, err := f.accounts.Register(ctx, "+15550000001", "Ada", "ada@example.com")
	require.NoError(t, err)
	assert.NotEmpty(t, account.ID)

	// One zero balance entry per supported currency, no addresses yet.
	require.Len(t, account.Balances, 3)
	for _, c := range domain.SupportedCurrencies() {
		balance, ok := account.Balances[c.Code]
		assert.True(t, ok)
		assert.Zero(t, balance)
	}
	assert.Empty(t, account.ArbitrumAddress)
	assert.Empty(t, account.BitcoinAddress)
}

func TestRegisterDuplicateRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.accounts.Register(ctx, "+15550000001", "Ada", "ada@example.com")
	require.NoError(t, err)

	_, err = f.accounts.Register(ctx, "+15550000001", "Other", "other@example.com")
	assert.ErrorIs(t, err, models.ErrDuplicateAccount)
}

func TestRegisterValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.accounts.Register(ctx, "", "Ada", "ada@example.com")
	assert.ErrorIs(t, err, ErrInvalidPhone)

	_, err = f.accounts.Register(ctx, "+15550000001", "Ada", "not-an-email")
	assert.ErrorIs(t, err, ErrInvalidEmail)
}

func TestEnsureAddressCreateOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	account, err := f.accounts.Register(ctx, "+1 555 000 0001", "Ada", "ada@example.com")
	require.NoError(t, err)

	first, err := f.accounts.EnsureArbitrumAddress(ctx, account.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, first)

	// Second call returns the stored address without another derivation.
	second, err := f.accounts.EnsureArbitrumAddress(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Len(t, f.oracle.DerivedPaths, 1)
	assert.Equal(t, "arb-15550000001", f.oracle.DerivedPaths[0])

	btc, err := f.accounts.EnsureBitcoinAddress(ctx, account.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, btc)
	assert.NotEqual(t, first, btc)
	assert.Equal(t, "btc-15550000001", f.oracle.DerivedPaths[1])
}

func TestDepositInfo(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	account, err := f.accounts.Register(ctx, "+15550000001", "Ada", "ada@example.com")
	require.NoError(t, err)

	info, err := f.accounts.DepositInfo(ctx, account.ID, domain.CurrencyPYUSD)
	require.NoError(t, err)
	assert.Equal(t, "arbitrum", info.Chain)
	assert.NotEmpty(t, info.Address)
	assert.NotEmpty(t, info.Contract)
	assert.Equal(t, uint64(12), info.RequiredConfirmations)

	_, err = f.accounts.DepositInfo(ctx, account.ID, "DOGE")
	assert.ErrorIs(t, err, ErrInvalidCurrency)
}

func TestManualAdjust(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	account := f.seedAccount(t, "+15550000001", "", "", map[string]int64{domain.CurrencyUSDT: 5_000_000})

	tx, err := f.accounts.ManualAdjust(ctx, account.ID, domain.CurrencyUSDT, domain.TxTypeDeposit, 2_000_000, "support credit")
	require.NoError(t, err)
	assert.Equal(t, domain.TxStatusCompleted, tx.Status)
	assert.Equal(t, int64(7_000_000), f.balance(t, account.ID, domain.CurrencyUSDT))

	_, err = f.accounts.ManualAdjust(ctx, account.ID, domain.CurrencyUSDT, domain.TxTypeWithdrawal, 10_000_000, "oops")
	assert.ErrorIs(t, err, models.ErrInsufficientFunds)
	assert.Equal(t, int64(7_000_000), f.balance(t, account.ID, domain.CurrencyUSDT))

	_, err = f.accounts.ManualAdjust(ctx, account.ID, domain.CurrencyUSDT, domain.TxTypeDeposit, 0, "")
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	account := f.seedAccount(t, "+15550000001", "", "", nil)

	for i := 0; i < 3; i++ {
		_, err := f.accounts.ManualAdjust(ctx, account.ID, domain.CurrencyPYUSD, domain.TxTypeDeposit, 1_000_000, "seed")
		require.NoError(t, err)
	}

	txs, err := f.accounts.History(ctx, account.ID, 2)
	require.NoError(t, err)
	assert.Len(t, txs, 2)

	_, err = f.accounts.History(ctx, "missing", 10)
	assert.ErrorIs(t, err, models.ErrAccountNotFound)
}
