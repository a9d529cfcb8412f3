package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sendolabs/custody-engine/internal/chain"
	"github.com/sendolabs/custody-engine/internal/domain"
	"github.com/sendolabs/custody-engine/internal/models"
	"github.com/sendolabs/custody-engine/internal/observability"
	"github.com/sendolabs/custody-engine/internal/repository"
)

// MonitorService detects incoming deposits, gates them on confirmation
// thresholds and credits the ledger exactly once per on-chain event.
type MonitorService struct {
	repo          repository.LedgerRepository
	evm           chain.EVMClient
	btc           chain.BitcoinClient
	confirmations map[string]uint64

	// pendingRecheckInterval drives re-evaluation of deposits recorded
	// below their confirmation threshold.
	pendingRecheckInterval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var (
	ErrMonitorActive     = errors.New("deposit monitor is active")
	ErrMonitorNotRunning = errors.New("deposit monitor is not running")
)

func NewMonitorService(repo repository.LedgerRepository, evm chain.EVMClient, btc chain.BitcoinClient, confirmations map[string]uint64) *MonitorService {
	return &MonitorService{
		repo:                   repo,
		evm:                    evm,
		btc:                    btc,
		confirmations:          confirmations,
		pendingRecheckInterval: time.Minute,
	}
}

// Observation is one detected transfer toward a watched address, from either
// chain. Confirmations are computed by the caller: current height minus the
// inclusion height for EVM events, the explorer's reported count for Bitcoin.
type Observation struct {
	Currency      string
	ToAddress     string
	Amount        int64
	TxHash        string
	BlockNumber   uint64
	Confirmations uint64
}

// Start launches the per-token event subscriptions, the single-threaded
// credit worker and the pending-deposit recheck loop. It fails when already
// running.
func (s *MonitorService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return ErrMonitorActive
	}

	watermark, err := s.repo.GetWatermark(ctx, domain.ChainArbitrum)
	if err != nil {
		return fmt.Errorf("load watermark: %w", err)
	}
	if watermark == 0 {
		head, err := s.evm.CurrentHeight(ctx)
		if err != nil {
			return fmt.Errorf("read chain head: %w", err)
		}
		watermark = head
		if err := s.repo.SetWatermark(ctx, domain.ChainArbitrum, watermark); err != nil {
			return fmt.Errorf("initialize watermark: %w", err)
		}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	events := make(chan Observation, 256)

	for _, token := range domain.ArbitrumTokens() {
		stream, err := s.evm.SubscribeTransferEvents(runCtx, token.Contract, watermark)
		if err != nil {
			cancel()
			return fmt.Errorf("subscribe %s transfers: %w", token.Code, err)
		}
		s.wg.Add(1)
		go s.forwardTransfers(runCtx, token.Code, stream, events)
	}

	s.wg.Add(2)
	go s.creditWorker(runCtx, events)
	go s.recheckLoop(runCtx)

	s.cancel = cancel
	zap.L().Info("deposit monitor started", zap.Uint64("watermark", watermark))
	return nil
}

// Stop cancels the subscriptions and waits for the workers to drain.
func (s *MonitorService) Stop() error {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return ErrMonitorNotRunning
	}
	cancel()
	s.wg.Wait()
	zap.L().Info("deposit monitor stopped")
	return nil
}

// Active reports whether the monitor is currently running.
func (s *MonitorService) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

func (s *MonitorService) forwardTransfers(ctx context.Context, currency string, stream <-chan chain.TransferEvent, out chan<- Observation) {
	defer s.wg.Done()
	for ev := range stream {
		head, err := s.evm.CurrentHeight(ctx)
		if err != nil {
			zap.L().Warn("head read failed, deferring event to pending recheck",
				zap.String("currency", currency),
				zap.String("txHash", ev.TxHash),
				zap.Error(err))
			head = ev.BlockNumber
		}
		var confirmations uint64
		if head > ev.BlockNumber {
			confirmations = head - ev.BlockNumber
		}
		obs := Observation{
			Currency:      currency,
			ToAddress:     strings.ToLower(ev.To),
			Amount:        ev.Value,
			TxHash:        ev.TxHash,
			BlockNumber:   ev.BlockNumber,
			Confirmations: confirmations,
		}
		select {
		case out <- obs:
		case <-ctx.Done():
			return
		}
	}
}

func (s *MonitorService) creditWorker(ctx context.Context, events <-chan Observation) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case obs := <-events:
			if _, err := s.ObserveTransfer(ctx, obs); err != nil {
				zap.L().Error("deposit observation failed",
					zap.String("currency", obs.Currency),
					zap.String("txHash", obs.TxHash),
					zap.Error(err))
				continue
			}
			if obs.BlockNumber > 0 {
				if err := s.repo.SetWatermark(ctx, domain.ChainArbitrum, obs.BlockNumber); err != nil {
					zap.L().Warn("watermark update failed", zap.Error(err))
				}
			}
		}
	}
}

func (s *MonitorService) recheckLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.pendingRecheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.ConfirmPendingDeposits(ctx); err != nil {
				zap.L().Warn("pending deposit recheck failed", zap.Error(err))
			}
		}
	}
}

// ObserveTransfer applies the dedup and confirmation-gating rules to one
// observation. The returned flag reports whether a credit was applied.
//
// At-most-once is the governing invariant: the completed transition is
// persisted before the balance credit, so a crash between the two leaves a
// missing credit for reconciliation to repair rather than a double credit.
func (s *MonitorService) ObserveTransfer(ctx context.Context, obs Observation) (bool, error) {
	currency, err := domain.CurrencyByCode(obs.Currency)
	if err != nil {
		return false, err
	}
	if obs.Amount <= 0 || obs.TxHash == "" {
		observability.IncrementDepositSkipped(obs.Currency, "malformed")
		return false, nil
	}

	account, err := s.repo.FindAccountByAddress(ctx, currency.Chain, obs.ToAddress)
	if errors.Is(err, models.ErrAccountNotFound) {
		// Foreign transfer on a watched contract; not ours.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("resolve deposit address: %w", err)
	}

	required := s.confirmations[obs.Currency]
	existing, err := s.repo.FindTransactionByExternalHash(ctx, account.ID, obs.TxHash)
	if err != nil && !errors.Is(err, models.ErrTransactionNotFound) {
		return false, fmt.Errorf("dedup lookup: %w", err)
	}

	if existing != nil {
		switch existing.Status {
		case domain.TxStatusCompleted:
			observability.IncrementDepositSkipped(obs.Currency, "duplicate")
			return false, nil
		case domain.TxStatusPending:
			if obs.Confirmations < required {
				existing.Metadata["confirmations"] = obs.Confirmations
				if err := s.repo.SaveTransaction(ctx, existing); err != nil {
					return false, fmt.Errorf("update confirmations: %w", err)
				}
				return false, nil
			}
			return true, s.completeDeposit(ctx, existing, account.ID, obs)
		default:
			return false, nil
		}
	}

	tx := &models.LedgerTransaction{
		ID:        uuid.NewString(),
		AccountID: account.ID,
		Type:      domain.TxTypeDeposit,
		Currency:  obs.Currency,
		Amount:    obs.Amount,
		Status:    domain.TxStatusPending,
		Metadata: models.TxMetadata{
			"txHash":                obs.TxHash,
			"blockNumber":           obs.BlockNumber,
			"confirmations":         obs.Confirmations,
			"requiredConfirmations": required,
			"detectedAt":            time.Now().UTC(),
		},
	}
	if err := s.repo.CreateTransaction(ctx, tx); err != nil {
		return false, fmt.Errorf("record deposit: %w", err)
	}
	zap.L().Info("deposit detected",
		zap.String("accountID", account.ID),
		zap.String("currency", obs.Currency),
		zap.Int64("amount", obs.Amount),
		zap.String("txHash", obs.TxHash),
		zap.Uint64("confirmations", obs.Confirmations),
		zap.Uint64("required", required))

	if obs.Confirmations < required {
		return false, nil
	}
	return true, s.completeDeposit(ctx, tx, account.ID, obs)
}

func (s *MonitorService) completeDeposit(ctx context.Context, tx *models.LedgerTransaction, accountID string, obs Observation) error {
	tx.Status = domain.TxStatusCompleted
	tx.Metadata["confirmations"] = obs.Confirmations
	tx.Metadata["confirmedAt"] = time.Now().UTC()
	if err := s.repo.SaveTransaction(ctx, tx); err != nil {
		return fmt.Errorf("complete deposit: %w", err)
	}

	if err := s.creditAccount(ctx, accountID, tx.Currency, tx.Amount); err != nil {
		// The record is terminal but the balance was not applied; the
		// reconciliation pass restores it from on-chain state.
		zap.L().Error("deposit credit failed after completion, ledger needs repair",
			zap.String("accountID", accountID),
			zap.String("txHash", obs.TxHash),
			zap.Error(err))
		return err
	}
	observability.IncrementDepositCredited(tx.Currency)
	zap.L().Info("deposit credited",
		zap.String("accountID", accountID),
		zap.String("currency", tx.Currency),
		zap.Int64("amount", tx.Amount),
		zap.String("txHash", obs.TxHash))
	return nil
}

func (s *MonitorService) creditAccount(ctx context.Context, accountID, currency string, amount int64) error {
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

// ConfirmPendingDeposits re-evaluates every pending deposit against the
// current chain state and completes the ones whose threshold is now met.
func (s *MonitorService) ConfirmPendingDeposits(ctx context.Context) error {
	pending, err := s.repo.ListPendingDeposits(ctx)
	if err != nil {
		return fmt.Errorf("list pending deposits: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	var evmHead uint64
	var headErr error
	headLoaded := false

	for _, tx := range pending {
		currency, err := domain.CurrencyByCode(tx.Currency)
		if err != nil {
			continue
		}
		account, err := s.repo.FindAccountByID(ctx, tx.AccountID)
		if err != nil {
			zap.L().Warn("pending deposit without account",
				zap.String("txID", tx.ID), zap.Error(err))
			continue
		}

		var confirmations uint64
		switch currency.Chain {
		case domain.ChainArbitrum:
			if !headLoaded {
				evmHead, headErr = s.evm.CurrentHeight(ctx)
				headLoaded = true
			}
			if headErr != nil {
				continue
			}
			block, ok := toUint64(tx.Metadata["blockNumber"])
			if !ok {
				// Without the inclusion block there is no confirmation
				// count; completing against block 0 would credit early.
				zap.L().Warn("pending deposit missing block number, skipped",
					zap.String("txID", tx.ID))
				continue
			}
			if evmHead > block {
				confirmations = evmHead - block
			}
		case domain.ChainBitcoin:
			// Bitcoin pendings advance through the poll loop, which
			// re-observes with the explorer's confirmation count.
			continue
		}

		obs := Observation{
			Currency:      tx.Currency,
			ToAddress:     account.AddressFor(string(currency.Chain)),
			Amount:        tx.Amount,
			TxHash:        tx.ExternalHash(),
			Confirmations: confirmations,
		}
		if _, err := s.ObserveTransfer(ctx, obs); err != nil {
			zap.L().Warn("pending deposit recheck failed",
				zap.String("txID", tx.ID), zap.Error(err))
		}
	}
	return nil
}

// PollBitcoinOnce scans every registered Bitcoin address for incoming
// transactions and feeds them through the observation path. Per-address
// failures are isolated; transient explorer errors wait for the next poll.
func (s *MonitorService) PollBitcoinOnce(ctx context.Context) error {
	accounts, err := s.repo.ListAccountsWithAddress(ctx, domain.ChainBitcoin)
	if err != nil {
		return fmt.Errorf("list bitcoin accounts: %w", err)
	}

	var failures int
	for _, account := range accounts {
		address := account.BitcoinAddress
		txs, err := s.btc.PollAddressTransactions(ctx, address)
		if err != nil {
			failures++
			if errors.Is(err, chain.ErrTransient) {
				zap.L().Warn("bitcoin poll throttled, retrying next cycle",
					zap.String("address", address), zap.Error(err))
			} else {
				zap.L().Error("bitcoin poll failed",
					zap.String("address", address), zap.Error(err))
			}
			continue
		}
		for _, tx := range txs {
			var received int64
			for _, out := range tx.Outputs {
				if out.Address == address {
					received += out.ValueSat
				}
			}
			if received <= 0 {
				continue
			}
			obs := Observation{
				Currency:      domain.CurrencySAT,
				ToAddress:     address,
				Amount:        received,
				TxHash:        tx.TxID,
				Confirmations: tx.Confirmations,
			}
			if _, err := s.ObserveTransfer(ctx, obs); err != nil {
				zap.L().Error("bitcoin deposit observation failed",
					zap.String("address", address),
					zap.String("txid", tx.TxID),
					zap.Error(err))
			}
		}
	}
	if failures > 0 && failures == len(accounts) && len(accounts) > 0 {
		return fmt.Errorf("bitcoin poll failed for all %d addresses", failures)
	}
	return nil
}

func toUint64(v any) (uint64, bool) {
	switch n := v.(type) {
	case uint64:
		return n, true
	case int64:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case int:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case int32:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case float64:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	}
	return 0, false
}
