package repository

import (
	"context"

	"github.com/sendolabs/custody-engine/internal/domain"
	"github.com/sendolabs/custody-engine/internal/models"
)

// LedgerRepository is the persistence contract required by the engine.
// Implementations must surface write conflicts from SaveAccount as
// models.ErrConflict so callers can re-read and retry.
type LedgerRepository interface {
	CreateAccount(ctx context.Context, account *models.Account) error
	// SaveAccount persists balance/address mutations using the account's
	// Version for optimistic concurrency. On success the Version is bumped.
	SaveAccount(ctx context.Context, account *models.Account) error
	FindAccountByID(ctx context.Context, id string) (*models.Account, error)
	FindAccountByPhone(ctx context.Context, phone string) (*models.Account, error)
	FindAccountByAddress(ctx context.Context, chain domain.Chain, address string) (*models.Account, error)
	// ListAccountsWithAddress returns every account holding an address on
	// the given chain.
	ListAccountsWithAddress(ctx context.Context, chain domain.Chain) ([]*models.Account, error)

	CreateTransaction(ctx context.Context, tx *models.LedgerTransaction) error
	// SaveTransaction persists a status/metadata transition.
	SaveTransaction(ctx context.Context, tx *models.LedgerTransaction) error
	FindTransactionByID(ctx context.Context, id string) (*models.LedgerTransaction, error)
	// FindTransactionByExternalHash resolves the (txHash, account) dedup key.
	FindTransactionByExternalHash(ctx context.Context, accountID, txHash string) (*models.LedgerTransaction, error)
	ListTransactionsByAccount(ctx context.Context, accountID string, limit int) ([]*models.LedgerTransaction, error)
	// ListPendingDeposits returns deposits still waiting for confirmations,
	// oldest first, so the monitor can re-evaluate their thresholds.
	ListPendingDeposits(ctx context.Context) ([]*models.LedgerTransaction, error)

	// Watermarks persist the last processed block height per chain so the
	// deposit monitor resumes after restarts.
	GetWatermark(ctx context.Context, chain domain.Chain) (uint64, error)
	SetWatermark(ctx context.Context, chain domain.Chain, height uint64) error
}
