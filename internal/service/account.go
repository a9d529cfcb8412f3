package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sendolabs/custody-engine/internal/domain"
	"github.com/sendolabs/custody-engine/internal/models"
	"github.com/sendolabs/custody-engine/internal/repository"
	"github.com/sendolabs/custody-engine/internal/signer"
)

// AccountService handles registration, address derivation and account-level
// ledger operations.
type AccountService struct {
	repo                 repository.LedgerRepository
	oracle               signer.Oracle
	depositConfirmations map[string]uint64
}

var (
	ErrInvalidPhone    = errors.New("phone number is required")
	ErrInvalidEmail    = errors.New("a valid email is required")
	ErrInvalidAmount   = errors.New("amount must be positive")
	ErrInvalidCurrency = errors.New("unsupported currency")
)

func NewAccountService(repo repository.LedgerRepository, oracle signer.Oracle, depositConfirmations map[string]uint64) *AccountService {
	return &AccountService{
		repo:                 repo,
		oracle:               oracle,
		depositConfirmations: depositConfirmations,
	}
}

// Register creates an account with a zero balance entry for every supported
// currency. Chain addresses are not derived here; they are created lazily on
// first request.
func (s *AccountService) Register(ctx context.Context, phoneNumber, name, email string) (*models.Account, error) {
	phoneNumber = strings.TrimSpace(phoneNumber)
	email = strings.ToLower(strings.TrimSpace(email))
	if phoneNumber == "" {
		return nil, ErrInvalidPhone
	}
	if email == "" || !strings.Contains(email, "@") {
		return nil, ErrInvalidEmail
	}

	balances := make(map[string]int64, len(domain.SupportedCurrencies()))
	for _, c := range domain.SupportedCurrencies() {
		balances[c.Code] = 0
	}

	account := &models.Account{
		ID:          uuid.NewString(),
		PhoneNumber: phoneNumber,
		Name:        strings.TrimSpace(name),
		Email:       email,
		Balances:    balances,
	}
	if err := s.repo.CreateAccount(ctx, account); err != nil {
		return nil, err
	}
	zap.L().Info("account registered",
		zap.String("accountID", account.ID),
		zap.String("phone", phoneNumber))
	return account, nil
}

// Get loads an account by id.
func (s *AccountService) Get(ctx context.Context, id string) (*models.Account, error) {
	return s.repo.FindAccountByID(ctx, id)
}

// GetByPhone loads an account by its registered phone number.
func (s *AccountService) GetByPhone(ctx context.Context, phone string) (*models.Account, error) {
	return s.repo.FindAccountByPhone(ctx, strings.TrimSpace(phone))
}

// EnsureArbitrumAddress derives the account's Arbitrum deposit address on
// first call and returns the stored address on every call after that. The
// derivation path is a pure function of the phone number, so a crashed save
// re-derives the same address on retry.
func (s *AccountService) EnsureArbitrumAddress(ctx context.Context, accountID string) (string, error) {
	return s.ensureAddress(ctx, accountID, domain.ChainArbitrum)
}

// EnsureBitcoinAddress derives the account's Bitcoin deposit address on
// first call, create-once like the Arbitrum one.
func (s *AccountService) EnsureBitcoinAddress(ctx context.Context, accountID string) (string, error) {
	return s.ensureAddress(ctx, accountID, domain.ChainBitcoin)
}

func (s *AccountService) ensureAddress(ctx context.Context, accountID string, chain domain.Chain) (string, error) {
	for {
		account, err := s.repo.FindAccountByID(ctx, accountID)
		if err != nil {
			return "", err
		}
		if existing := account.AddressFor(string(chain)); existing != "" {
			return existing, nil
		}

		var path string
		if chain == domain.ChainBitcoin {
			path = signer.BitcoinPath(account.PhoneNumber)
		} else {
			path = signer.ArbitrumPath(account.PhoneNumber)
		}
		address, err := s.oracle.DeriveAddress(ctx, path)
		if err != nil {
			return "", fmt.Errorf("derive %s address: %w", chain, err)
		}

		if chain == domain.ChainBitcoin {
			account.BitcoinAddress = address
		} else {
			// EVM addresses are stored lowercased so event-log lookups
			// match regardless of checksum casing.
			account.ArbitrumAddress = strings.ToLower(address)
			address = account.ArbitrumAddress
		}
		err = s.repo.SaveAccount(ctx, account)
		if errors.Is(err, models.ErrConflict) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("save derived address: %w", err)
		}
		zap.L().Info("deposit address derived",
			zap.String("accountID", accountID),
			zap.String("chain", string(chain)),
			zap.String("address", address))
		return address, nil
	}
}

// DepositInfo is the client-facing description of how to fund an account
// with a given currency.
type DepositInfo struct {
	Currency              string `json:"currency"`
	Chain                 string `json:"chain"`
	Address               string `json:"address"`
	Contract              string `json:"contract,omitempty"`
	MinDeposit            int64  `json:"min_deposit"`
	RequiredConfirmations uint64 `json:"required_confirmations"`
}

// DepositInfo returns the deposit address and crediting policy for a
// currency, deriving the address if the account does not have one yet.
func (s *AccountService) DepositInfo(ctx context.Context, accountID, currencyCode string) (*DepositInfo, error) {
	currency, err := domain.CurrencyByCode(currencyCode)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidCurrency, currencyCode)
	}
	address, err := s.ensureAddress(ctx, accountID, currency.Chain)
	if err != nil {
		return nil, err
	}
	return &DepositInfo{
		Currency:              currency.Code,
		Chain:                 string(currency.Chain),
		Address:               address,
		Contract:              currency.Contract,
		MinDeposit:            1,
		RequiredConfirmations: s.depositConfirmations[currency.Code],
	}, nil
}

// History lists an account's ledger transactions, newest first.
func (s *AccountService) History(ctx context.Context, accountID string, limit int) ([]*models.LedgerTransaction, error) {
	if _, err := s.repo.FindAccountByID(ctx, accountID); err != nil {
		return nil, err
	}
	return s.repo.ListTransactionsByAccount(ctx, accountID, limit)
}

// ManualAdjust applies an operator-initiated deposit or withdrawal directly
// to the ledger. Withdrawals fail on insufficient balance before any write.
func (s *AccountService) ManualAdjust(ctx context.Context, accountID, currencyCode, txType string, amount int64, note string) (*models.LedgerTransaction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if !domain.IsSupported(currencyCode) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidCurrency, currencyCode)
	}
	if txType != domain.TxTypeDeposit && txType != domain.TxTypeWithdrawal {
		return nil, fmt.Errorf("invalid adjustment type: %s", txType)
	}

	for {
		account, err := s.repo.FindAccountByID(ctx, accountID)
		if err != nil {
			return nil, err
		}
		if txType == domain.TxTypeDeposit {
			account.Credit(currencyCode, amount)
		} else if err := account.Debit(currencyCode, amount); err != nil {
			return nil, err
		}
		err = s.repo.SaveAccount(ctx, account)
		if errors.Is(err, models.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("save adjustment: %w", err)
		}
		break
	}

	tx := &models.LedgerTransaction{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Type:      txType,
		Currency:  currencyCode,
		Amount:    amount,
		Status:    domain.TxStatusCompleted,
		Metadata: models.TxMetadata{
			"manual":      true,
			"note":        note,
			"processedAt": time.Now().UTC(),
		},
	}
	if err := s.repo.CreateTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("record adjustment: %w", err)
	}
	zap.L().Info("manual ledger adjustment",
		zap.String("accountID", accountID),
		zap.String("type", txType),
		zap.String("currency", currencyCode),
		zap.Int64("amount", amount))
	return tx, nil
}
