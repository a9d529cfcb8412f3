package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sendolabs/custody-engine/internal/domain"
	"github.com/sendolabs/custody-engine/internal/locker"
	"github.com/sendolabs/custody-engine/internal/models"
	"github.com/sendolabs/custody-engine/internal/repository"
)

// TransferService moves funds between two internal accounts atomically.
type TransferService struct {
	repo  repository.LedgerRepository
	locks *locker.Locker
}

var ErrSelfTransfer = errors.New("cannot transfer to the same account")

func NewTransferService(repo repository.LedgerRepository, locks *locker.Locker) *TransferService {
	return &TransferService{repo: repo, locks: locks}
}

// TransferResult reports the ledger records produced by a transfer.
type TransferResult struct {
	SentTransaction     *models.LedgerTransaction `json:"sent_transaction"`
	ReceivedTransaction *models.LedgerTransaction `json:"received_transaction"`
	SenderBalance       int64                     `json:"sender_balance"`
	RecipientBalance    int64                     `json:"recipient_balance"`
}

// Transfer debits the sender and credits the recipient, producing a paired
// transfer-sent / transfer-received record. Locks are taken in sorted key
// order so two opposite transfers cannot deadlock; a compensating credit
// restores the sender when the recipient save fails.
func (s *TransferService) Transfer(ctx context.Context, fromID, toID, currencyCode string, amount int64) (*TransferResult, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if !domain.IsSupported(currencyCode) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidCurrency, currencyCode)
	}
	if fromID == toID {
		return nil, ErrSelfTransfer
	}

	keys := []string{locker.Key(fromID, currencyCode), locker.Key(toID, currencyCode)}
	sort.Strings(keys)
	for _, key := range keys {
		release, err := s.locks.Acquire(ctx, key)
		if err != nil {
			return nil, err
		}
		defer release()
	}

	sender, err := s.debitWithRetry(ctx, fromID, currencyCode, amount)
	if err != nil {
		return nil, err
	}

	recipient, err := s.creditWithRetry(ctx, toID, currencyCode, amount)
	if err != nil {
		// Put the sender's funds back before failing the call.
		if _, compErr := s.creditWithRetry(ctx, fromID, currencyCode, amount); compErr != nil {
			zap.L().Error("transfer compensation failed, ledger needs repair",
				zap.String("from", fromID),
				zap.String("to", toID),
				zap.String("currency", currencyCode),
				zap.Int64("amount", amount),
				zap.Error(compErr))
		}
		return nil, err
	}

	now := time.Now().UTC()
	sent := &models.LedgerTransaction{
		ID:               uuid.NewString(),
		AccountID:        fromID,
		Type:             domain.TxTypeTransferSent,
		Currency:         currencyCode,
		Amount:           amount,
		Status:           domain.TxStatusCompleted,
		RelatedAccountID: toID,
		Metadata:         models.TxMetadata{"processedAt": now},
	}
	received := &models.LedgerTransaction{
		ID:               uuid.NewString(),
		AccountID:        toID,
		Type:             domain.TxTypeTransferReceived,
		Currency:         currencyCode,
		Amount:           amount,
		Status:           domain.TxStatusCompleted,
		RelatedAccountID: fromID,
		Metadata:         models.TxMetadata{"processedAt": now},
	}
	if err := s.repo.CreateTransaction(ctx, sent); err != nil {
		return nil, fmt.Errorf("record transfer-sent: %w", err)
	}
	if err := s.repo.CreateTransaction(ctx, received); err != nil {
		return nil, fmt.Errorf("record transfer-received: %w", err)
	}

	zap.L().Info("internal transfer completed",
		zap.String("from", fromID),
		zap.String("to", toID),
		zap.String("currency", currencyCode),
		zap.Int64("amount", amount))

	return &TransferResult{
		SentTransaction:     sent,
		ReceivedTransaction: received,
		SenderBalance:       sender.Balance(currencyCode),
		RecipientBalance:    recipient.Balance(currencyCode),
	}, nil
}

func (s *TransferService) debitWithRetry(ctx context.Context, accountID, currency string, amount int64) (*models.Account, error) {
	for {
		account, err := s.repo.FindAccountByID(ctx, accountID)
		if err != nil {
			return nil, err
		}
		if err := account.Debit(currency, amount); err != nil {
			return nil, err
		}
		err = s.repo.SaveAccount(ctx, account)
		if errors.Is(err, models.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("save debit: %w", err)
		}
		return account, nil
	}
}

func (s *TransferService) creditWithRetry(ctx context.Context, accountID, currency string, amount int64) (*models.Account, error) {
	for {
		account, err := s.repo.FindAccountByID(ctx, accountID)
		if err != nil {
			return nil, err
		}
		account.Credit(currency, amount)
		err = s.repo.SaveAccount(ctx, account)
		if errors.Is(err, models.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("save credit: %w", err)
		}
		return account, nil
	}
}
