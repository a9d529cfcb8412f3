package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sendolabs/custody-engine/internal/chain"
	"github.com/sendolabs/custody-engine/internal/domain"
	"github.com/sendolabs/custody-engine/internal/locker"
	"github.com/sendolabs/custody-engine/internal/models"
	"github.com/sendolabs/custody-engine/internal/observability"
	"github.com/sendolabs/custody-engine/internal/repository"
)

// WithdrawalService moves ledger funds to external addresses through the hot
// wallet, with debit-before-send and rollback on failure.
type WithdrawalService struct {
	repo      repository.LedgerRepository
	evm       chain.EVMClient
	hotWallet chain.TxSigner
	locks     *locker.Locker

	treasuryAddress string
	minAmount       map[string]int64
	maxAmount       map[string]int64
	fee             map[string]int64
	confirmations   uint64
}

var (
	ErrWithdrawalInvalid = errors.New("withdrawal validation failed")
	// ErrHotWalletUnset reports a deployment without a hot wallet key.
	// Withdrawals are disabled; deposits and sweeps keep running.
	ErrHotWalletUnset = errors.New("hot wallet key is not configured")
)

func NewWithdrawalService(
	repo repository.LedgerRepository,
	evm chain.EVMClient,
	hotWallet chain.TxSigner,
	locks *locker.Locker,
	treasuryAddress string,
	minAmount, maxAmount, fee map[string]int64,
	confirmations uint64,
) *WithdrawalService {
	return &WithdrawalService{
		repo:            repo,
		evm:             evm,
		hotWallet:       hotWallet,
		locks:           locks,
		treasuryAddress: treasuryAddress,
		minAmount:       minAmount,
		maxAmount:       maxAmount,
		fee:             fee,
		confirmations:   confirmations,
	}
}

// Validation is the dry-run result of a withdrawal request.
type Validation struct {
	Valid         bool     `json:"valid"`
	Errors        []string `json:"errors,omitempty"`
	Fee           int64    `json:"fee"`
	TotalRequired int64    `json:"total_required"`
}

// Validate checks a withdrawal without side effects: currency eligibility,
// destination syntax, the hot-wallet self-send guard, limits and balance.
func (s *WithdrawalService) Validate(ctx context.Context, accountID, currencyCode string, amount int64, destination string) (*Validation, error) {
	if s.hotWallet == nil {
		return nil, ErrHotWalletUnset
	}
	account, err := s.repo.FindAccountByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return s.validate(ctx, account, currencyCode, amount, destination), nil
}

func (s *WithdrawalService) validate(ctx context.Context, account *models.Account, currencyCode string, amount int64, destination string) *Validation {
	v := &Validation{}

	min, eligible := s.minAmount[currencyCode]
	if !eligible {
		v.Errors = append(v.Errors, fmt.Sprintf("currency %s is not withdrawal-eligible", currencyCode))
		return v
	}
	v.Fee = s.fee[currencyCode]

	if !common.IsHexAddress(destination) {
		v.Errors = append(v.Errors, "destination is not a valid address")
	} else if strings.EqualFold(destination, s.hotWallet.Address().Hex()) {
		v.Errors = append(v.Errors, "destination must not be the hot wallet address")
	}

	if amount < min {
		v.Errors = append(v.Errors, fmt.Sprintf("amount below minimum %d", min))
	}
	if max := s.maxAmount[currencyCode]; amount > max {
		v.Errors = append(v.Errors, fmt.Sprintf("amount above maximum %d", max))
	}

	v.TotalRequired = amount + v.Fee
	if account.Balance(currencyCode) < v.TotalRequired {
		v.Errors = append(v.Errors, fmt.Sprintf("insufficient balance: need %d, have %d", v.TotalRequired, account.Balance(currencyCode)))
	}

	// Hot wallet liquidity is checked opportunistically: a verifiable
	// shortfall rejects the request, an unreadable balance (public RPCs
	// throttle) proceeds and lets the send in Process be the backstop.
	if currency, err := domain.CurrencyByCode(currencyCode); err == nil {
		hotBalance, err := s.evm.TokenBalance(ctx, currency.Contract, s.hotWallet.Address().Hex())
		if err != nil {
			zap.L().Warn("hot wallet balance unverifiable, proceeding",
				zap.String("currency", currencyCode), zap.Error(err))
		} else if hotBalance < amount {
			v.Errors = append(v.Errors, "insufficient hot wallet balance, contact support")
		}
	}

	v.Valid = len(v.Errors) == 0
	return v
}

// WithdrawalResult reports a processed withdrawal.
type WithdrawalResult struct {
	Transaction      *models.LedgerTransaction `json:"transaction"`
	TxHash           string                    `json:"tx_hash"`
	FeeTxHash        string                    `json:"fee_tx_hash,omitempty"`
	RemainingBalance int64                     `json:"remaining_balance"`
}

// Process executes a withdrawal: validate, record pending, debit the full
// amount plus fee, send from the hot wallet, wait for confirmations, then
// forward the fee to the treasury. Failure after the debit restores the
// balance and leaves a terminal failed record. Fee-forwarding failure never
// reverts the completed withdrawal.
func (s *WithdrawalService) Process(ctx context.Context, accountID, currencyCode string, amount int64, destination string) (*WithdrawalResult, error) {
	if s.hotWallet == nil {
		return nil, ErrHotWalletUnset
	}
	currency, err := domain.CurrencyByCode(currencyCode)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidCurrency, currencyCode)
	}

	release, err := s.locks.Acquire(ctx, locker.Key(accountID, currencyCode))
	if err != nil {
		return nil, err
	}
	defer release()

	account, err := s.repo.FindAccountByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	validation := s.validate(ctx, account, currencyCode, amount, destination)
	if !validation.Valid {
		observability.IncrementWithdrawal(currencyCode, "rejected")
		return nil, fmt.Errorf("%w: %s", ErrWithdrawalInvalid, strings.Join(validation.Errors, "; "))
	}
	total := validation.TotalRequired

	tx := &models.LedgerTransaction{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Type:      domain.TxTypeWithdrawal,
		Currency:  currencyCode,
		Amount:    amount,
		Status:    domain.TxStatusPending,
		Metadata: models.TxMetadata{
			"destinationAddress": destination,
			"hotWalletAddress":   s.hotWallet.Address().Hex(),
			"fee":                validation.Fee,
			"totalDeducted":      total,
			"initiatedAt":        time.Now().UTC(),
		},
	}
	if err := s.repo.CreateTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("record withdrawal: %w", err)
	}

	// Debit before the external send so a concurrent request cannot spend
	// the same funds while the transfer is in flight.
	if err := s.debit(ctx, accountID, currencyCode, total); err != nil {
		s.failWithdrawal(ctx, tx, err)
		observability.IncrementWithdrawal(currencyCode, "rejected")
		return nil, err
	}

	txHash, err := s.evm.SendToken(ctx, s.hotWallet, currency.Contract, destination, amount)
	if err != nil {
		s.rollback(ctx, tx, accountID, currencyCode, total, err)
		observability.IncrementWithdrawal(currencyCode, "failed")
		return nil, fmt.Errorf("send withdrawal: %w", err)
	}
	tx.Metadata["txHash"] = txHash
	tx.Metadata["sentAt"] = time.Now().UTC()
	if err := s.repo.SaveTransaction(ctx, tx); err != nil {
		zap.L().Error("withdrawal hash not persisted", zap.String("txHash", txHash), zap.Error(err))
	}

	receipt, err := s.evm.WaitForConfirmations(ctx, txHash, s.confirmations)
	if err != nil {
		s.rollback(ctx, tx, accountID, currencyCode, total, err)
		observability.IncrementWithdrawal(currencyCode, "failed")
		return nil, fmt.Errorf("confirm withdrawal %s: %w", txHash, err)
	}

	tx.Status = domain.TxStatusCompleted
	tx.Metadata["blockNumber"] = receipt.BlockNumber
	tx.Metadata["gasUsed"] = receipt.GasUsed
	tx.Metadata["completedAt"] = time.Now().UTC()
	if err := s.repo.SaveTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("finalize withdrawal: %w", err)
	}

	feeTxHash := s.forwardFee(ctx, tx, accountID, currency, validation.Fee)

	account, err = s.repo.FindAccountByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	observability.IncrementWithdrawal(currencyCode, "success")
	zap.L().Info("withdrawal completed",
		zap.String("accountID", accountID),
		zap.String("currency", currencyCode),
		zap.Int64("amount", amount),
		zap.String("txHash", txHash))

	return &WithdrawalResult{
		Transaction:      tx,
		TxHash:           txHash,
		FeeTxHash:        feeTxHash,
		RemainingBalance: account.Balance(currencyCode),
	}, nil
}

// forwardFee sends the flat fee to the treasury as an independent transfer.
// The withdrawal stays completed whatever happens here; the outcome lands in
// the withdrawal's metadata and, on success, a separate fee record.
func (s *WithdrawalService) forwardFee(ctx context.Context, withdrawal *models.LedgerTransaction, accountID string, currency domain.Currency, fee int64) string {
	if fee <= 0 || s.treasuryAddress == "" {
		return ""
	}

	feeTxHash, err := s.evm.SendToken(ctx, s.hotWallet, currency.Contract, s.treasuryAddress, fee)
	if err != nil {
		withdrawal.Metadata["feesSentToTreasury"] = false
		withdrawal.Metadata["feeError"] = err.Error()
		if saveErr := s.repo.SaveTransaction(ctx, withdrawal); saveErr != nil {
			zap.L().Error("fee failure metadata not persisted", zap.Error(saveErr))
		}
		zap.L().Error("fee forwarding failed, withdrawal unaffected",
			zap.String("withdrawalID", withdrawal.ID),
			zap.Error(err))
		return ""
	}

	withdrawal.Metadata["feesSentToTreasury"] = true
	withdrawal.Metadata["feeTxHash"] = feeTxHash
	if err := s.repo.SaveTransaction(ctx, withdrawal); err != nil {
		zap.L().Error("fee metadata not persisted", zap.Error(err))
	}

	feeTx := &models.LedgerTransaction{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Type:      domain.TxTypeWithdrawal,
		Currency:  currency.Code,
		Amount:    fee,
		Status:    domain.TxStatusCompleted,
		Metadata: models.TxMetadata{
			"txHash":          feeTxHash,
			"isFee":           true,
			"treasuryAddress": s.treasuryAddress,
			"completedAt":     time.Now().UTC(),
		},
	}
	if err := s.repo.CreateTransaction(ctx, feeTx); err != nil {
		zap.L().Error("fee record not persisted", zap.Error(err))
	}
	return feeTxHash
}

func (s *WithdrawalService) rollback(ctx context.Context, tx *models.LedgerTransaction, accountID, currency string, total int64, cause error) {
	if err := s.credit(ctx, accountID, currency, total); err != nil {
		zap.L().Error("withdrawal rollback credit failed, ledger needs repair",
			zap.String("accountID", accountID),
			zap.String("currency", currency),
			zap.Int64("amount", total),
			zap.Error(err))
	}
	s.failWithdrawal(ctx, tx, cause)
}

func (s *WithdrawalService) failWithdrawal(ctx context.Context, tx *models.LedgerTransaction, cause error) {
	tx.Status = domain.TxStatusFailed
	tx.Metadata["error"] = cause.Error()
	tx.Metadata["failedAt"] = time.Now().UTC()
	if err := s.repo.SaveTransaction(ctx, tx); err != nil {
		zap.L().Error("failed withdrawal record not persisted",
			zap.String("txID", tx.ID), zap.Error(err))
	}
}

func (s *WithdrawalService) debit(ctx context.Context, accountID, currency string, amount int64) error {
	for {
		account, err := s.repo.FindAccountByID(ctx, accountID)
		if err != nil {
			return err
		}
		if err := account.Debit(currency, amount); err != nil {
			return err
		}
		err = s.repo.SaveAccount(ctx, account)
		if errors.Is(err, models.ErrConflict) {
			continue
		}
		return err
	}
}

func (s *WithdrawalService) credit(ctx context.Context, accountID, currency string, amount int64) error {
	for {
		account, err := s.repo.FindAccountByID(ctx, accountID)
		if err != nil {
			return err
		}
		account.Credit(currency, amount)
		err = s.repo.SaveAccount(ctx, account)
		if errors.Is(err, models.ErrConflict) {
			continue
		}
		return err
	}
}

// CostEstimate is the operator/client-facing withdrawal cost preview.
type CostEstimate struct {
	Currency    string `json:"currency"`
	Amount      int64  `json:"amount"`
	Fee         int64  `json:"fee"`
	GasEstimate uint64 `json:"gas_estimate"`
	GasPriceWei string `json:"gas_price_wei"`
	GasCostWei  string `json:"gas_cost_wei"`
}

// EstimateCost previews the gas and flat fee of a withdrawal without
// touching the ledger.
func (s *WithdrawalService) EstimateCost(ctx context.Context, currencyCode string, amount int64, destination string) (*CostEstimate, error) {
	if s.hotWallet == nil {
		return nil, ErrHotWalletUnset
	}
	currency, err := domain.CurrencyByCode(currencyCode)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidCurrency, currencyCode)
	}
	if _, eligible := s.fee[currencyCode]; !eligible {
		return nil, fmt.Errorf("%w: %s is not withdrawal-eligible", ErrInvalidCurrency, currencyCode)
	}
	if !common.IsHexAddress(destination) {
		return nil, fmt.Errorf("%w: destination is not a valid address", ErrWithdrawalInvalid)
	}

	gas, err := s.evm.EstimateTokenTransferGas(ctx, currency.Contract, s.hotWallet.Address().Hex(), destination, amount)
	if err != nil {
		return nil, fmt.Errorf("estimate gas: %w", err)
	}
	gasPrice, err := s.evm.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch gas price: %w", err)
	}
	cost := new(big.Int).Mul(new(big.Int).SetUint64(gas), gasPrice)

	return &CostEstimate{
		Currency:    currencyCode,
		Amount:      amount,
		Fee:         s.fee[currencyCode],
		GasEstimate: gas,
		GasPriceWei: gasPrice.String(),
		GasCostWei:  cost.String(),
	}, nil
}

// HotWalletBalance is one asset position of the hot wallet.
type HotWalletBalance struct {
	Asset   string `json:"asset"`
	Balance string `json:"balance"`
}

// HotWalletBalances reads the hot wallet's token balances and native ETH.
func (s *WithdrawalService) HotWalletBalances(ctx context.Context) ([]HotWalletBalance, error) {
	if s.hotWallet == nil {
		return nil, ErrHotWalletUnset
	}
	address := s.hotWallet.Address().Hex()
	var out []HotWalletBalance
	for _, token := range domain.ArbitrumTokens() {
		balance, err := s.evm.TokenBalance(ctx, token.Contract, address)
		if err != nil {
			return nil, fmt.Errorf("read hot wallet %s balance: %w", token.Code, err)
		}
		out = append(out, HotWalletBalance{
			Asset:   token.Code,
			Balance: token.FromBaseUnits(balance).String(),
		})
	}
	eth, err := s.evm.NativeBalance(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("read hot wallet eth balance: %w", err)
	}
	out = append(out, HotWalletBalance{Asset: "ETH-wei", Balance: eth.String()})
	return out, nil
}
