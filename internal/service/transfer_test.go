package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sendolabs/custody-engine/internal/domain"
	"github.com/sendolabs/custody-engine/internal/models"
)

func TestTransfer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sender := f.seedAccount(t, "+15550000001", "", "", map[string]int64{domain.CurrencyUSDT: 100_000_000})
	recipient := f.seedAccount(t, "+15550000002", "", "", nil)

	result, err := f.transfers.Transfer(ctx, sender.ID, recipient.ID, domain.CurrencyUSDT, 40_000_000)
	require.NoError(t, err)

	assert.Equal(t, int64(60_000_000), result.SenderBalance)
	assert.Equal(t, int64(40_000_000), result.RecipientBalance)
	assert.Equal(t, domain.TxTypeTransferSent, result.SentTransaction.Type)
	assert.Equal(t, domain.TxTypeTransferReceived, result.ReceivedTransaction.Type)
	assert.Equal(t, recipient.ID, result.SentTransaction.RelatedAccountID)
	assert.Equal(t, sender.ID, result.ReceivedTransaction.RelatedAccountID)

	assert.Equal(t, int64(60_000_000), f.balance(t, sender.ID, domain.CurrencyUSDT))
	assert.Equal(t, int64(40_000_000), f.balance(t, recipient.ID, domain.CurrencyUSDT))
}

func TestTransferInsufficientFunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sender := f.seedAccount(t, "+15550000001", "", "", map[string]int64{domain.CurrencyUSDT: 10_000_000})
	recipient := f.seedAccount(t, "+15550000002", "", "", nil)

	_, err := f.transfers.Transfer(ctx, sender.ID, recipient.ID, domain.CurrencyUSDT, 20_000_000)
	assert.ErrorIs(t, err, models.ErrInsufficientFunds)

	// No balance moved, no records written.
	assert.Equal(t, int64(10_000_000), f.balance(t, sender.ID, domain.CurrencyUSDT))
	assert.Zero(t, f.balance(t, recipient.ID, domain.CurrencyUSDT))
	assert.Empty(t, f.transactions(t, sender.ID))
}

func TestTransferRejectsSelfAndBadInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	account := f.seedAccount(t, "+15550000001", "", "", map[string]int64{domain.CurrencyUSDT: 10_000_000})

	_, err := f.transfers.Transfer(ctx, account.ID, account.ID, domain.CurrencyUSDT, 1_000_000)
	assert.ErrorIs(t, err, ErrSelfTransfer)

	_, err = f.transfers.Transfer(ctx, account.ID, "other", domain.CurrencyUSDT, 0)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = f.transfers.Transfer(ctx, account.ID, "other", "DOGE", 1_000_000)
	assert.ErrorIs(t, err, ErrInvalidCurrency)
}

func TestTransferConservesTotalUnderConcurrency(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.seedAccount(t, "+15550000001", "", "", map[string]int64{domain.CurrencyPYUSD: 100_000_000})
	b := f.seedAccount(t, "+15550000002", "", "", map[string]int64{domain.CurrencyPYUSD: 100_000_000})

	n := 10
	errs := make(chan error, n*2)
	for i := 0; i < n; i++ {
		go func() {
			_, err := f.transfers.Transfer(ctx, a.ID, b.ID, domain.CurrencyPYUSD, 1_000_000)
			errs <- err
		}()
		go func() {
			_, err := f.transfers.Transfer(ctx, b.ID, a.ID, domain.CurrencyPYUSD, 1_000_000)
			errs <- err
		}()
	}
	for i := 0; i < n*2; i++ {
		assert.NoError(t, <-errs)
	}

	total := f.balance(t, a.ID, domain.CurrencyPYUSD) + f.balance(t, b.ID, domain.CurrencyPYUSD)
	assert.Equal(t, int64(200_000_000), total, "transfers must conserve the ledger total")
}
