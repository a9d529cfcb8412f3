package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/sendolabs/custody-engine/internal/chain"
	"github.com/sendolabs/custody-engine/internal/domain"
	"github.com/sendolabs/custody-engine/internal/models"
	"github.com/sendolabs/custody-engine/internal/observability"
	"github.com/sendolabs/custody-engine/internal/repository"
)

// ReconcileService compares ledger balances against the authoritative
// on-chain balances of deposit addresses and can repair drift.
type ReconcileService struct {
	repo    repository.LedgerRepository
	evm     chain.EVMClient
	btc     chain.BitcoinClient
	monitor *MonitorService
}

func NewReconcileService(repo repository.LedgerRepository, evm chain.EVMClient, btc chain.BitcoinClient, monitor *MonitorService) *ReconcileService {
	return &ReconcileService{repo: repo, evm: evm, btc: btc, monitor: monitor}
}

// ReconcileEntry is one (account, currency) comparison. Err carries a
// per-account failure without aborting the batch.
type ReconcileEntry struct {
	AccountID     string `json:"account_id"`
	Currency      string `json:"currency"`
	LedgerBalance int64  `json:"ledger_balance"`
	ChainBalance  int64  `json:"chain_balance"`
	Updated       bool   `json:"updated"`
	Err           string `json:"error,omitempty"`
}

// ReconcileReport aggregates one reconciliation pass.
type ReconcileReport struct {
	Entries     []ReconcileEntry `json:"entries"`
	DriftByCode map[string]int64 `json:"drift_by_currency"`
	Failures    int              `json:"failures"`
}

// Run performs a read-only pass for the scheduled worker, publishing drift
// metrics without mutating the ledger.
func (s *ReconcileService) Run(ctx context.Context) error {
	_, err := s.Sync(ctx, false)
	return err
}

// Sync walks every account holding a chain address and compares its ledger
// balance to the on-chain balance of its deposit address. With update set,
// the ledger is overwritten with the chain balance; on-chain state is
// authoritative in this custody model. Updating is refused while the live
// monitor runs, since both would race on the same balances.
func (s *ReconcileService) Sync(ctx context.Context, update bool) (*ReconcileReport, error) {
	if update && s.monitor != nil && s.monitor.Active() {
		return nil, ErrMonitorActive
	}

	report := &ReconcileReport{DriftByCode: make(map[string]int64)}
	for _, currency := range domain.SupportedCurrencies() {
		accounts, err := s.repo.ListAccountsWithAddress(ctx, currency.Chain)
		if err != nil {
			return nil, fmt.Errorf("list %s accounts: %w", currency.Chain, err)
		}
		for _, account := range accounts {
			entry := s.reconcileOne(ctx, account, currency, update)
			report.Entries = append(report.Entries, entry)
			if entry.Err != "" {
				report.Failures++
				continue
			}
			report.DriftByCode[currency.Code] += entry.LedgerBalance - entry.ChainBalance
		}
	}

	for code, drift := range report.DriftByCode {
		observability.SetReconcileDrift(code, drift)
		if drift != 0 {
			zap.L().Warn("ledger drift detected",
				zap.String("currency", code),
				zap.Int64("driftBaseUnits", drift),
				zap.Bool("updated", update))
		}
	}
	return report, nil
}

func (s *ReconcileService) reconcileOne(ctx context.Context, account *models.Account, currency domain.Currency, update bool) ReconcileEntry {
	entry := ReconcileEntry{
		AccountID:     account.ID,
		Currency:      currency.Code,
		LedgerBalance: account.Balance(currency.Code),
	}

	address := account.AddressFor(string(currency.Chain))
	var chainBalance int64
	var err error
	switch currency.Chain {
	case domain.ChainArbitrum:
		chainBalance, err = s.evm.TokenBalance(ctx, currency.Contract, address)
	case domain.ChainBitcoin:
		chainBalance, err = s.btc.AddressBalance(ctx, address)
	}
	if err != nil {
		entry.Err = err.Error()
		return entry
	}
	entry.ChainBalance = chainBalance

	if !update || chainBalance == entry.LedgerBalance {
		return entry
	}

	for {
		fresh, err := s.repo.FindAccountByID(ctx, account.ID)
		if err != nil {
			entry.Err = err.Error()
			return entry
		}
		fresh.Balances[currency.Code] = chainBalance
		err = s.repo.SaveAccount(ctx, fresh)
		if errors.Is(err, models.ErrConflict) {
			continue
		}
		if err != nil {
			entry.Err = err.Error()
			return entry
		}
		break
	}
	entry.Updated = true
	zap.L().Info("ledger balance repaired from chain",
		zap.String("accountID", account.ID),
		zap.String("currency", currency.Code),
		zap.Int64("ledger", entry.LedgerBalance),
		zap.Int64("chain", chainBalance))
	return entry
}
