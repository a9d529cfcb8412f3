package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sendolabs/custody-engine/internal/chain"
	"github.com/sendolabs/custody-engine/internal/domain"
	"github.com/sendolabs/custody-engine/internal/locker"
	"github.com/sendolabs/custody-engine/internal/models"
	"github.com/sendolabs/custody-engine/internal/observability"
	"github.com/sendolabs/custody-engine/internal/repository"
	"github.com/sendolabs/custody-engine/internal/signer"
)

// SweepService consolidates funds from user deposit addresses into the
// treasury. Users' addresses hold no ETH, so a gas sponsor wallet funds the
// exact shortfall before the oracle-signed transfer is broadcast.
type SweepService struct {
	repo    repository.LedgerRepository
	evm     chain.EVMClient
	oracle  signer.Oracle
	sponsor chain.TxSigner
	locks   *locker.Locker

	treasuryAddress string
	thresholds      map[string]int64
	floors          map[string]int64
	reserves        map[string]int64
}

var (
	ErrTreasuryUnset = errors.New("treasury address is not configured")
	// ErrSponsorUnset reports a deployment without a gas sponsor key.
	// Sweeps are disabled; deposits and withdrawals keep running.
	ErrSponsorUnset = errors.New("gas sponsor key is not configured")
)

// gasBufferPercent pads the estimated sweep gas cost against price movement
// between estimation and broadcast.
const gasBufferPercent = 20

// sweepConfirmations is how deep a sweep or sponsor-funding transaction must
// be buried before the next step proceeds.
const sweepConfirmations = 1

func NewSweepService(
	repo repository.LedgerRepository,
	evm chain.EVMClient,
	oracle signer.Oracle,
	sponsor chain.TxSigner,
	locks *locker.Locker,
	treasuryAddress string,
	thresholds, floors, reserves map[string]int64,
) *SweepService {
	return &SweepService{
		repo:            repo,
		evm:             evm,
		oracle:          oracle,
		sponsor:         sponsor,
		locks:           locks,
		treasuryAddress: treasuryAddress,
		thresholds:      thresholds,
		floors:          floors,
		reserves:        reserves,
	}
}

// SweepResult is the outcome of one (account, currency) sweep attempt.
type SweepResult struct {
	AccountID string `json:"account_id"`
	Currency  string `json:"currency"`
	Swept     bool   `json:"swept"`
	Amount    int64  `json:"amount,omitempty"`
	TxHash    string `json:"tx_hash,omitempty"`
	Skipped   string `json:"skipped,omitempty"`
	Err       string `json:"error,omitempty"`
}

// CheckAndSweep runs a threshold sweep: every (account, token) whose ledger
// balance has reached the configured threshold is swept in full. One
// account's failure never aborts the batch.
func (s *SweepService) CheckAndSweep(ctx context.Context) ([]SweepResult, error) {
	if s.sponsor == nil {
		return nil, ErrSponsorUnset
	}
	return s.sweepBatch(ctx, func(currency string, ledgerBalance int64) bool {
		return ledgerBalance >= s.thresholds[currency]
	}, domain.ArbitrumTokens())
}

// SmartSweep is the liquidity-driven mode: it only touches currencies whose
// treasury balance has fallen below the reserve, and lowers the bar to half
// the normal threshold to refill the treasury faster.
func (s *SweepService) SmartSweep(ctx context.Context) ([]SweepResult, error) {
	if s.sponsor == nil {
		return nil, ErrSponsorUnset
	}
	if s.treasuryAddress == "" {
		return nil, ErrTreasuryUnset
	}

	var deficient []domain.Currency
	for _, token := range domain.ArbitrumTokens() {
		balance, err := s.evm.TokenBalance(ctx, token.Contract, s.treasuryAddress)
		if err != nil {
			if errors.Is(err, chain.ErrTransient) {
				zap.L().Warn("treasury balance read throttled, skipping currency this cycle",
					zap.String("currency", token.Code), zap.Error(err))
				continue
			}
			return nil, fmt.Errorf("read treasury %s balance: %w", token.Code, err)
		}
		if balance < s.reserves[token.Code] {
			zap.L().Info("treasury below reserve, sweeping urgently",
				zap.String("currency", token.Code),
				zap.Int64("balance", balance),
				zap.Int64("reserve", s.reserves[token.Code]))
			deficient = append(deficient, token)
		}
	}
	if len(deficient) == 0 {
		return nil, nil
	}

	return s.sweepBatch(ctx, func(currency string, ledgerBalance int64) bool {
		return ledgerBalance >= s.thresholds[currency]/2
	}, deficient)
}

func (s *SweepService) sweepBatch(ctx context.Context, eligible func(currency string, ledgerBalance int64) bool, tokens []domain.Currency) ([]SweepResult, error) {
	accounts, err := s.repo.ListAccountsWithAddress(ctx, domain.ChainArbitrum)
	if err != nil {
		return nil, fmt.Errorf("list sweepable accounts: %w", err)
	}

	var results []SweepResult
	for _, account := range accounts {
		for _, token := range tokens {
			if !eligible(token.Code, account.Balance(token.Code)) {
				continue
			}
			result := s.SweepUserFunds(ctx, account.ID, token.Code)
			results = append(results, result)
		}
	}
	return results, nil
}

// SweepUserFunds moves one account's full on-chain token balance to the
// treasury. The on-chain balance is authoritative; the ledger balance only
// selects candidates. Transient RPC failures abandon the attempt without a
// failed record, leaving it for the next scheduled cycle.
func (s *SweepService) SweepUserFunds(ctx context.Context, accountID, currencyCode string) SweepResult {
	result := SweepResult{AccountID: accountID, Currency: currencyCode}

	currency, err := domain.CurrencyByCode(currencyCode)
	if err != nil || currency.Chain != domain.ChainArbitrum {
		result.Err = fmt.Sprintf("currency %s is not sweepable", currencyCode)
		return result
	}
	if s.treasuryAddress == "" {
		result.Err = ErrTreasuryUnset.Error()
		return result
	}
	if s.sponsor == nil {
		result.Err = ErrSponsorUnset.Error()
		return result
	}

	release, err := s.locks.TryAcquire(ctx, locker.Key(accountID, currencyCode))
	if err != nil {
		// Another sweep or a withdrawal holds the balance; next cycle.
		result.Skipped = "balance locked"
		return result
	}
	defer release()

	account, err := s.repo.FindAccountByID(ctx, accountID)
	if err != nil {
		result.Err = err.Error()
		return result
	}
	address := account.ArbitrumAddress
	if address == "" {
		result.Skipped = "no deposit address"
		return result
	}

	// Step 1: authoritative balance; below the floor there is nothing worth
	// the gas, but a stale positive ledger balance gets zeroed so the
	// candidate selection stops retrying it.
	onChain, err := s.evm.TokenBalance(ctx, currency.Contract, address)
	if err != nil {
		return s.finishError(ctx, result, account, 0, "read on-chain balance", err)
	}
	if onChain < s.floors[currencyCode] {
		if account.Balance(currencyCode) > 0 {
			if err := s.zeroLedgerBalance(ctx, accountID, currencyCode); err != nil {
				result.Err = err.Error()
				return result
			}
			zap.L().Info("stale ledger balance zeroed, nothing on chain",
				zap.String("accountID", accountID),
				zap.String("currency", currencyCode))
		}
		result.Skipped = "below materiality floor"
		observability.IncrementSweep(currencyCode, "empty")
		return result
	}

	// Step 2: gas requirement with safety buffer.
	gas, err := s.evm.EstimateTokenTransferGas(ctx, currency.Contract, address, s.treasuryAddress, onChain)
	if err != nil {
		return s.finishError(ctx, result, account, onChain, "estimate gas", err)
	}
	gasPrice, err := s.evm.SuggestGasPrice(ctx)
	if err != nil {
		return s.finishError(ctx, result, account, onChain, "fetch gas price", err)
	}
	required := new(big.Int).Mul(new(big.Int).SetUint64(gas), gasPrice)
	required.Mul(required, big.NewInt(100+gasBufferPercent))
	required.Div(required, big.NewInt(100))

	// Step 3: sponsor exactly the shortfall, never more, and wait for the
	// funding to confirm before the dependent transfer.
	if err := s.fundGasShortfall(ctx, address, required); err != nil {
		return s.finishError(ctx, result, account, onChain, "fund gas", err)
	}

	// Step 4: oracle signs as the user's derived key; broadcast through the
	// same path as every other transaction.
	path := signer.ArbitrumPath(account.PhoneNumber)
	userSigner := signer.ForPath(ctx, s.oracle, path, address)
	txHash, err := s.evm.SendToken(ctx, userSigner, currency.Contract, s.treasuryAddress, onChain)
	if err != nil {
		return s.finishError(ctx, result, account, onChain, "broadcast sweep", err)
	}

	// Step 5: confirmation, then ledger zero and the sweep record.
	receipt, err := s.evm.WaitForConfirmations(ctx, txHash, sweepConfirmations)
	if err != nil {
		return s.finishError(ctx, result, account, onChain, "confirm sweep "+txHash, err)
	}

	if err := s.zeroLedgerBalance(ctx, accountID, currencyCode); err != nil {
		result.Err = err.Error()
		return result
	}

	tx := &models.LedgerTransaction{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Type:      domain.TxTypeWithdrawal,
		Currency:  currencyCode,
		Amount:    onChain,
		Status:    domain.TxStatusCompleted,
		Metadata: models.TxMetadata{
			"txHash":          txHash,
			"sweepToTreasury": true,
			"treasuryAddress": s.treasuryAddress,
			"blockNumber":     receipt.BlockNumber,
			"gasUsed":         receipt.GasUsed,
			"completedAt":     time.Now().UTC(),
		},
	}
	if err := s.repo.CreateTransaction(ctx, tx); err != nil {
		result.Err = fmt.Sprintf("record sweep: %v", err)
		return result
	}

	observability.IncrementSweep(currencyCode, "success")
	observability.AddSweepValue(currencyCode, onChain)
	zap.L().Info("sweep completed",
		zap.String("accountID", accountID),
		zap.String("currency", currencyCode),
		zap.Int64("amount", onChain),
		zap.String("txHash", txHash))

	result.Swept = true
	result.Amount = onChain
	result.TxHash = txHash
	return result
}

// fundGasShortfall tops the address up to the required wei, sending exactly
// the missing amount from the sponsor and waiting for it to confirm.
func (s *SweepService) fundGasShortfall(ctx context.Context, address string, required *big.Int) error {
	current, err := s.evm.NativeBalance(ctx, address)
	if err != nil {
		return err
	}
	if current.Cmp(required) >= 0 {
		return nil
	}
	shortfall := new(big.Int).Sub(required, current)

	sponsorBalance, err := s.evm.NativeBalance(ctx, s.sponsor.Address().Hex())
	if err != nil {
		return err
	}
	if sponsorBalance.Cmp(shortfall) < 0 {
		return fmt.Errorf("gas sponsor balance %s wei below required %s wei", sponsorBalance, shortfall)
	}

	fundHash, err := s.evm.SendNative(ctx, s.sponsor, address, shortfall)
	if err != nil {
		return err
	}
	if _, err := s.evm.WaitForConfirmations(ctx, fundHash, sweepConfirmations); err != nil {
		return fmt.Errorf("confirm gas funding %s: %w", fundHash, err)
	}
	observability.IncrementGasSponsorTopup()
	zap.L().Info("gas shortfall sponsored",
		zap.String("address", address),
		zap.String("shortfallWei", shortfall.String()),
		zap.String("txHash", fundHash))
	return nil
}

// finishError classifies the failure: transient conditions are logged and
// left for the next cycle with no record, permanent ones persist a failed
// sweep transaction for the audit trail. attempted is the on-chain amount
// the sweep was moving, zero when the failure happened before it was read;
// the record then falls back to the ledger balance and is skipped entirely
// when neither is positive.
func (s *SweepService) finishError(ctx context.Context, result SweepResult, account *models.Account, attempted int64, op string, err error) SweepResult {
	if errors.Is(err, chain.ErrTransient) {
		observability.IncrementSweep(result.Currency, "deferred")
		zap.L().Warn("sweep deferred to next cycle",
			zap.String("accountID", result.AccountID),
			zap.String("currency", result.Currency),
			zap.String("op", op),
			zap.Error(err))
		result.Skipped = "transient: " + op
		return result
	}

	observability.IncrementSweep(result.Currency, "failed")
	zap.L().Error("sweep failed",
		zap.String("accountID", result.AccountID),
		zap.String("currency", result.Currency),
		zap.String("op", op),
		zap.Error(err))

	amount := attempted
	if amount <= 0 {
		amount = account.Balance(result.Currency)
	}
	if amount > 0 {
		tx := &models.LedgerTransaction{
			ID:        uuid.NewString(),
			AccountID: account.ID,
			Type:      domain.TxTypeWithdrawal,
			Currency:  result.Currency,
			Amount:    amount,
			Status:    domain.TxStatusFailed,
			Metadata: models.TxMetadata{
				"sweepToTreasury": true,
				"error":           fmt.Sprintf("%s: %v", op, err),
				"failedAt":        time.Now().UTC(),
			},
		}
		if recErr := s.repo.CreateTransaction(ctx, tx); recErr != nil {
			zap.L().Error("failed sweep record not persisted", zap.Error(recErr))
		}
	}

	result.Err = fmt.Sprintf("%s: %v", op, err)
	return result
}

func (s *SweepService) zeroLedgerBalance(ctx context.Context, accountID, currency string) error {
	for {
		account, err := s.repo.FindAccountByID(ctx, accountID)
		if err != nil {
			return err
		}
		if account.Balance(currency) == 0 {
			return nil
		}
		account.Balances[currency] = 0
		err = s.repo.SaveAccount(ctx, account)
		if errors.Is(err, models.ErrConflict) {
			continue
		}
		if err != nil {
			return fmt.Errorf("zero ledger balance: %w", err)
		}
		return nil
	}
}

// TreasuryStatus describes treasury liquidity for one currency.
type TreasuryStatus struct {
	Currency string `json:"currency"`
	Balance  int64  `json:"balance"`
	Reserve  int64  `json:"reserve"`
	Deficit  bool   `json:"deficit"`
}

// TreasuryLiquidity reads the treasury's on-chain token balances against the
// configured reserves.
func (s *SweepService) TreasuryLiquidity(ctx context.Context) ([]TreasuryStatus, error) {
	if s.treasuryAddress == "" {
		return nil, ErrTreasuryUnset
	}
	var out []TreasuryStatus
	for _, token := range domain.ArbitrumTokens() {
		balance, err := s.evm.TokenBalance(ctx, token.Contract, s.treasuryAddress)
		if err != nil {
			return nil, fmt.Errorf("read treasury %s balance: %w", token.Code, err)
		}
		out = append(out, TreasuryStatus{
			Currency: token.Code,
			Balance:  balance,
			Reserve:  s.reserves[token.Code],
			Deficit:  balance < s.reserves[token.Code],
		})
	}
	return out, nil
}

// SweepStats summarizes what the next sweep cycle would touch.
type SweepStats struct {
	Currency          string `json:"currency"`
	Threshold         int64  `json:"threshold"`
	EligibleAccounts  int    `json:"eligible_accounts"`
	EligibleBaseUnits int64  `json:"eligible_base_units"`
}

// SweepOverview is the operator-facing sweep statistics payload.
type SweepOverview struct {
	Stats              []SweepStats     `json:"stats"`
	SponsorETHWei      string           `json:"sponsor_eth_wei"`
	TreasuryBalances   []TreasuryStatus `json:"treasury_balances"`
	TreasuryConfigured bool             `json:"treasury_configured"`
}

// Stats reports per-currency sweepable totals, the gas sponsor's ETH balance
// and the treasury's token balances.
func (s *SweepService) Stats(ctx context.Context) (*SweepOverview, error) {
	accounts, err := s.repo.ListAccountsWithAddress(ctx, domain.ChainArbitrum)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}

	overview := &SweepOverview{TreasuryConfigured: s.treasuryAddress != ""}
	for _, token := range domain.ArbitrumTokens() {
		stat := SweepStats{Currency: token.Code, Threshold: s.thresholds[token.Code]}
		for _, account := range accounts {
			if balance := account.Balance(token.Code); balance >= stat.Threshold {
				stat.EligibleAccounts++
				stat.EligibleBaseUnits += balance
			}
		}
		overview.Stats = append(overview.Stats, stat)
	}

	if s.sponsor == nil {
		overview.SponsorETHWei = "unavailable"
	} else if sponsorWei, err := s.evm.NativeBalance(ctx, s.sponsor.Address().Hex()); err != nil {
		zap.L().Warn("sponsor balance read failed", zap.Error(err))
		overview.SponsorETHWei = "unavailable"
	} else {
		overview.SponsorETHWei = sponsorWei.String()
	}

	if overview.TreasuryConfigured {
		treasury, err := s.TreasuryLiquidity(ctx)
		if err != nil {
			zap.L().Warn("treasury balance read failed", zap.Error(err))
		} else {
			overview.TreasuryBalances = treasury
		}
	}
	return overview, nil
}
