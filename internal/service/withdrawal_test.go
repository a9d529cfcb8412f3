package service

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sendolabs/custody-engine/internal/domain"
)

const destination = "0x3333333333333333333333333333333333333333"

func TestWithdrawalScenario(t *testing.T) {
	// 50 USDT with a 0.5 fee from a balance of 60 leaves 9.5 and produces
	// two completed transactions with distinct hashes.
	f := newFixture(t)
	ctx := context.Background()
	account := f.seedAccount(t, "+15550000001", "", "", map[string]int64{domain.CurrencyUSDT: 60_000_000})

	result, err := f.withdrawals.Process(ctx, account.ID, domain.CurrencyUSDT, 50_000_000, destination)
	require.NoError(t, err)

	assert.Equal(t, int64(9_500_000), result.RemainingBalance)
	assert.Equal(t, int64(9_500_000), f.balance(t, account.ID, domain.CurrencyUSDT))
	assert.NotEmpty(t, result.TxHash)
	assert.NotEmpty(t, result.FeeTxHash)
	assert.NotEqual(t, result.TxHash, result.FeeTxHash)

	txs := f.transactions(t, account.ID)
	require.Len(t, txs, 2)
	for _, tx := range txs {
		assert.Equal(t, domain.TxStatusCompleted, tx.Status)
	}

	// The hot wallet sent the amount out and the fee to the treasury.
	require.Len(t, f.evm.SentTokens, 2)
	assert.Equal(t, destination, f.evm.SentTokens[0].To)
	assert.Equal(t, int64(50_000_000), f.evm.SentTokens[0].Amount)
	assert.Equal(t, testTreasury, f.evm.SentTokens[1].To)
	assert.Equal(t, int64(500_000), f.evm.SentTokens[1].Amount)
}

func TestWithdrawalRollbackOnSendFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	account := f.seedAccount(t, "+15550000001", "", "", map[string]int64{domain.CurrencyUSDT: 60_000_000})

	f.evm.SendErr = errors.New("execution reverted")
	_, err := f.withdrawals.Process(ctx, account.ID, domain.CurrencyUSDT, 50_000_000, destination)
	require.Error(t, err)

	// Balance restored to its pre-debit value, terminal failed record kept.
	assert.Equal(t, int64(60_000_000), f.balance(t, account.ID, domain.CurrencyUSDT))
	txs := f.transactions(t, account.ID)
	require.Len(t, txs, 1)
	assert.Equal(t, domain.TxStatusFailed, txs[0].Status)
	assert.NotEmpty(t, txs[0].Metadata["error"])
}

func TestWithdrawalRollbackOnConfirmFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	account := f.seedAccount(t, "+15550000001", "", "", map[string]int64{domain.CurrencyUSDT: 60_000_000})

	f.evm.WaitErr = errors.New("transaction reverted")
	_, err := f.withdrawals.Process(ctx, account.ID, domain.CurrencyUSDT, 50_000_000, destination)
	require.Error(t, err)

	assert.Equal(t, int64(60_000_000), f.balance(t, account.ID, domain.CurrencyUSDT))
	txs := f.transactions(t, account.ID)
	require.Len(t, txs, 1)
	assert.Equal(t, domain.TxStatusFailed, txs[0].Status)
}

func TestWithdrawalFeeFailureDoesNotRevert(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	account := f.seedAccount(t, "+15550000001", "", "", map[string]int64{domain.CurrencyUSDT: 60_000_000})

	// The primary send goes through, the fee forward fails.
	f.evm.SendErrAfter = 1
	f.evm.LaterSendErr = errors.New("nonce too low")

	result, err := f.withdrawals.Process(ctx, account.ID, domain.CurrencyUSDT, 50_000_000, destination)
	require.NoError(t, err)

	assert.Empty(t, result.FeeTxHash)
	assert.Equal(t, int64(9_500_000), f.balance(t, account.ID, domain.CurrencyUSDT))
	assert.Equal(t, domain.TxStatusCompleted, result.Transaction.Status)
	assert.Equal(t, false, result.Transaction.Metadata["feesSentToTreasury"])
	assert.NotEmpty(t, result.Transaction.Metadata["feeError"])

	// One completed withdrawal record, no fee record.
	txs := f.transactions(t, account.ID)
	require.Len(t, txs, 1)
}

func TestValidateWithdrawal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	account := f.seedAccount(t, "+15550000001", "", "", map[string]int64{domain.CurrencyUSDT: 60_000_000})

	cases := []struct {
		name        string
		currency    string
		amount      int64
		destination string
		wantErr     string
	}{
		{"valid", domain.CurrencyUSDT, 50_000_000, destination, ""},
		{"ineligible currency", domain.CurrencySAT, 50_000, destination, "not withdrawal-eligible"},
		{"bad address", domain.CurrencyUSDT, 50_000_000, "not-an-address", "not a valid address"},
		{"hot wallet self send", domain.CurrencyUSDT, 50_000_000, testHotWallet, "hot wallet"},
		{"below minimum", domain.CurrencyUSDT, 50_000, destination, "below minimum"},
		{"above maximum", domain.CurrencyUSDT, 20_000_000_000, destination, "above maximum"},
		{"insufficient balance", domain.CurrencyUSDT, 59_900_000, destination, "insufficient balance"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v, err := f.withdrawals.Validate(ctx, account.ID, tc.currency, tc.amount, tc.destination)
			require.NoError(t, err)
			if tc.wantErr == "" {
				assert.True(t, v.Valid)
				assert.Equal(t, int64(500_000), v.Fee)
				assert.Equal(t, tc.amount+500_000, v.TotalRequired)
				return
			}
			assert.False(t, v.Valid)
			found := false
			for _, msg := range v.Errors {
				if strings.Contains(msg, tc.wantErr) {
					found = true
				}
			}
			assert.True(t, found, "expected an error mentioning %q, got %v", tc.wantErr, v.Errors)
		})
	}
}

func TestProcessRejectsInvalidWithoutDebit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	account := f.seedAccount(t, "+15550000001", "", "", map[string]int64{domain.CurrencyUSDT: 60_000_000})

	_, err := f.withdrawals.Process(ctx, account.ID, domain.CurrencyUSDT, 50_000_000, testHotWallet)
	assert.ErrorIs(t, err, ErrWithdrawalInvalid)
	assert.Equal(t, int64(60_000_000), f.balance(t, account.ID, domain.CurrencyUSDT))
	assert.Empty(t, f.evm.SentTokens)
}

func TestEstimateCost(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.evm.GasEstimate = 52_000

	estimate, err := f.withdrawals.EstimateCost(ctx, domain.CurrencyPYUSD, 10_000_000, destination)
	require.NoError(t, err)
	assert.Equal(t, uint64(52_000), estimate.GasEstimate)
	assert.Equal(t, int64(500_000), estimate.Fee)
	assert.NotEmpty(t, estimate.GasCostWei)

	_, err = f.withdrawals.EstimateCost(ctx, domain.CurrencySAT, 10_000, destination)
	assert.Error(t, err)
}

func TestHotWalletBalances(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	balances, err := f.withdrawals.HotWalletBalances(ctx)
	require.NoError(t, err)
	assert.Len(t, balances, 3) // two tokens plus native ETH
}

func TestValidateFlagsHotWalletShortfall(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	account := f.seedAccount(t, "+15550000001", "", "", map[string]int64{domain.CurrencyUSDT: 60_000_000})

	// The hot wallet verifiably holds less than the requested amount.
	usdt, err := domain.CurrencyByCode(domain.CurrencyUSDT)
	require.NoError(t, err)
	f.evm.SetTokenBalance(usdt.Contract, common.HexToAddress(testHotWallet).Hex(), 1_000_000)

	v, err := f.withdrawals.Validate(ctx, account.ID, domain.CurrencyUSDT, 50_000_000, destination)
	require.NoError(t, err)
	assert.False(t, v.Valid)

	found := false
	for _, msg := range v.Errors {
		if strings.Contains(msg, "hot wallet balance") {
			found = true
		}
	}
	assert.True(t, found, "expected a hot wallet balance error, got %v", v.Errors)
}

func TestValidateProceedsWhenHotWalletUnreadable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	account := f.seedAccount(t, "+15550000001", "", "", map[string]int64{domain.CurrencyUSDT: 60_000_000})

	// An unreadable hot wallet balance must not block the request; the
	// send itself is the backstop.
	f.evm.BalanceErr = assert.AnError

	v, err := f.withdrawals.Validate(ctx, account.ID, domain.CurrencyUSDT, 50_000_000, destination)
	require.NoError(t, err)
	assert.True(t, v.Valid)
}

func TestWithdrawalsDisabledWithoutHotWalletKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	account := f.seedAccount(t, "+15550000001", "", "", map[string]int64{domain.CurrencyUSDT: 60_000_000})

	svc := NewWithdrawalService(f.repo, f.evm, nil, f.locks, testTreasury,
		map[string]int64{domain.CurrencyUSDT: 100_000},
		map[string]int64{domain.CurrencyUSDT: 10_000_000_000},
		map[string]int64{domain.CurrencyUSDT: 500_000}, 2)

	_, err := svc.Validate(ctx, account.ID, domain.CurrencyUSDT, 50_000_000, destination)
	assert.ErrorIs(t, err, ErrHotWalletUnset)

	_, err = svc.Process(ctx, account.ID, domain.CurrencyUSDT, 50_000_000, destination)
	assert.ErrorIs(t, err, ErrHotWalletUnset)

	_, err = svc.HotWalletBalances(ctx)
	assert.ErrorIs(t, err, ErrHotWalletUnset)

	// Ledger untouched, nothing recorded.
	assert.Equal(t, int64(60_000_000), f.balance(t, account.ID, domain.CurrencyUSDT))
	assert.Empty(t, f.transactions(t, account.ID))
}
