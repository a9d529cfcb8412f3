package service

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/sendolabs/custody-engine/internal/chain"
	"github.com/sendolabs/custody-engine/internal/domain"
	"github.com/sendolabs/custody-engine/internal/locker"
	"github.com/sendolabs/custody-engine/internal/models"
	"github.com/sendolabs/custody-engine/internal/repository"
	"github.com/sendolabs/custody-engine/internal/signer"
)

const (
	testTreasury  = "0x00000000000000000000000000000000000000aa"
	testHotWallet = "0x00000000000000000000000000000000000000bb"
	testSponsor   = "0x00000000000000000000000000000000000000cc"
)

var testConfirmations = map[string]uint64{
	domain.CurrencyPYUSD: 12,
	domain.CurrencyUSDT:  12,
	domain.CurrencySAT:   3,
}

// fixture bundles the in-memory repository, mock chain clients and every
// service under test.
type fixture struct {
	repo   *repository.Memory
	evm    *chain.MockEVM
	btc    *chain.MockBitcoin
	oracle *signer.MockOracle
	locks  *locker.Locker

	accounts    *AccountService
	transfers   *TransferService
	monitor     *MonitorService
	reconcile   *ReconcileService
	sweeps      *SweepService
	withdrawals *WithdrawalService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		repo:   repository.NewMemory(),
		evm:    &chain.MockEVM{Height: 1000},
		btc:    &chain.MockBitcoin{},
		oracle: &signer.MockOracle{},
		locks:  locker.New(nil),
	}
	sponsor := &chain.MockSigner{Addr: common.HexToAddress(testSponsor)}
	hotWallet := &chain.MockSigner{Addr: common.HexToAddress(testHotWallet)}

	thresholds := map[string]int64{
		domain.CurrencyPYUSD: 100_000_000,
		domain.CurrencyUSDT:  100_000_000,
		domain.CurrencySAT:   1_000_000,
	}
	floors := map[string]int64{
		domain.CurrencyPYUSD: 1_000_000,
		domain.CurrencyUSDT:  1_000_000,
		domain.CurrencySAT:   10_000,
	}
	reserves := map[string]int64{
		domain.CurrencyPYUSD: 1_000_000_000,
		domain.CurrencyUSDT:  1_000_000_000,
		domain.CurrencySAT:   5_000_000,
	}
	withdrawalMin := map[string]int64{domain.CurrencyPYUSD: 100_000, domain.CurrencyUSDT: 100_000}
	withdrawalMax := map[string]int64{domain.CurrencyPYUSD: 10_000_000_000, domain.CurrencyUSDT: 10_000_000_000}
	withdrawalFee := map[string]int64{domain.CurrencyPYUSD: 500_000, domain.CurrencyUSDT: 500_000}

	f.accounts = NewAccountService(f.repo, f.oracle, testConfirmations)
	f.transfers = NewTransferService(f.repo, f.locks)
	f.monitor = NewMonitorService(f.repo, f.evm, f.btc, testConfirmations)
	f.reconcile = NewReconcileService(f.repo, f.evm, f.btc, f.monitor)
	f.sweeps = NewSweepService(f.repo, f.evm, f.oracle, sponsor, f.locks, testTreasury, thresholds, floors, reserves)
	f.withdrawals = NewWithdrawalService(f.repo, f.evm, hotWallet, f.locks, testTreasury, withdrawalMin, withdrawalMax, withdrawalFee, 2)

	// A well funded hot wallet, so withdrawal validation only rejects on
	// the conditions a test stages explicitly.
	for _, token := range domain.ArbitrumTokens() {
		f.evm.SetTokenBalance(token.Contract, common.HexToAddress(testHotWallet).Hex(), 1_000_000_000_000)
	}
	return f
}

// seedAccount creates an account with the given deposit addresses and
// ledger balances.
func (f *fixture) seedAccount(t *testing.T, phone, arbAddress, btcAddress string, balances map[string]int64) *models.Account {
	t.Helper()

	full := make(map[string]int64)
	for _, c := range domain.SupportedCurrencies() {
		full[c.Code] = balances[c.Code]
	}
	account := &models.Account{
		PhoneNumber:     phone,
		Name:            "Test " + phone,
		Email:           phone + "@example.com",
		ArbitrumAddress: arbAddress,
		BitcoinAddress:  btcAddress,
		Balances:        full,
	}
	require.NoError(t, f.repo.CreateAccount(context.Background(), account))
	return account
}

func (f *fixture) balance(t *testing.T, accountID, currency string) int64 {
	t.Helper()
	account, err := f.repo.FindAccountByID(context.Background(), accountID)
	require.NoError(t, err)
	return account.Balance(currency)
}

func (f *fixture) transactions(t *testing.T, accountID string) []*models.LedgerTransaction {
	t.Helper()
	txs, err := f.repo.ListTransactionsByAccount(context.Background(), accountID, 0)
	require.NoError(t, err)
	return txs
}
