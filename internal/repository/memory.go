package repository

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/sendolabs/custody-engine/internal/domain"
	"github.com/sendolabs/custody-engine/internal/models"
)

// Memory is an in-process LedgerRepository with the same optimistic-save
// semantics as the Mongo implementation. It backs the test suite and local
// development without a database.
type Memory struct {
	mu           sync.Mutex
	accounts     map[string]*models.Account
	transactions map[string]*models.LedgerTransaction
	watermarks   map[domain.Chain]uint64
	nextID       int
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{
		accounts:     make(map[string]*models.Account),
		transactions: make(map[string]*models.LedgerTransaction),
		watermarks:   make(map[domain.Chain]uint64),
	}
}

func (m *Memory) CreateAccount(_ context.Context, account *models.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.accounts {
		if existing.PhoneNumber == account.PhoneNumber || existing.Email == account.Email {
			return models.ErrDuplicateAccount
		}
	}
	if account.ID == "" {
		m.nextID++
		account.ID = "acct-" + strconv.Itoa(m.nextID)
	}
	now := time.Now().UTC()
	account.CreatedAt = now
	account.UpdatedAt = now
	account.Version = 1
	m.accounts[account.ID] = cloneAccount(account)
	return nil
}

func (m *Memory) SaveAccount(_ context.Context, account *models.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.accounts[account.ID]
	if !ok {
		return models.ErrAccountNotFound
	}
	if stored.Version != account.Version {
		return models.ErrConflict
	}
	account.Version++
	account.UpdatedAt = time.Now().UTC()
	m.accounts[account.ID] = cloneAccount(account)
	return nil
}

func (m *Memory) FindAccountByID(_ context.Context, id string) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	account, ok := m.accounts[id]
	if !ok {
		return nil, models.ErrAccountNotFound
	}
	return cloneAccount(account), nil
}

func (m *Memory) FindAccountByPhone(_ context.Context, phone string) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, account := range m.accounts {
		if account.PhoneNumber == phone {
			return cloneAccount(account), nil
		}
	}
	return nil, models.ErrAccountNotFound
}

func (m *Memory) FindAccountByAddress(_ context.Context, chain domain.Chain, address string) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, account := range m.accounts {
		if account.AddressFor(string(chain)) == address {
			return cloneAccount(account), nil
		}
	}
	return nil, models.ErrAccountNotFound
}

func (m *Memory) ListAccountsWithAddress(_ context.Context, chain domain.Chain) ([]*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.Account
	for _, account := range m.accounts {
		if account.AddressFor(string(chain)) != "" {
			out = append(out, cloneAccount(account))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) CreateTransaction(_ context.Context, tx *models.LedgerTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if tx.ID == "" {
		m.nextID++
		tx.ID = "tx-" + strconv.Itoa(m.nextID)
	}
	now := time.Now().UTC()
	tx.CreatedAt = now
	tx.UpdatedAt = now
	m.transactions[tx.ID] = cloneTransaction(tx)
	return nil
}

func (m *Memory) SaveTransaction(_ context.Context, tx *models.LedgerTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.transactions[tx.ID]; !ok {
		return models.ErrTransactionNotFound
	}
	tx.UpdatedAt = time.Now().UTC()
	m.transactions[tx.ID] = cloneTransaction(tx)
	return nil
}

func (m *Memory) FindTransactionByID(_ context.Context, id string) (*models.LedgerTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.transactions[id]
	if !ok {
		return nil, models.ErrTransactionNotFound
	}
	return cloneTransaction(tx), nil
}

func (m *Memory) FindTransactionByExternalHash(_ context.Context, accountID, txHash string) (*models.LedgerTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, tx := range m.transactions {
		if tx.AccountID == accountID && tx.ExternalHash() == txHash {
			return cloneTransaction(tx), nil
		}
	}
	return nil, models.ErrTransactionNotFound
}

func (m *Memory) ListTransactionsByAccount(_ context.Context, accountID string, limit int) ([]*models.LedgerTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.LedgerTransaction
	for _, tx := range m.transactions {
		if tx.AccountID == accountID {
			out = append(out, cloneTransaction(tx))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ListPendingDeposits(_ context.Context) ([]*models.LedgerTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.LedgerTransaction
	for _, tx := range m.transactions {
		if tx.Type == "deposit" && tx.Status == "pending" {
			out = append(out, cloneTransaction(tx))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) GetWatermark(_ context.Context, chain domain.Chain) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.watermarks[chain], nil
}

func (m *Memory) SetWatermark(_ context.Context, chain domain.Chain, height uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watermarks[chain] = height
	return nil
}

func cloneAccount(a *models.Account) *models.Account {
	out := *a
	out.Balances = make(map[string]int64, len(a.Balances))
	for k, v := range a.Balances {
		out.Balances[k] = v
	}
	return &out
}

func cloneTransaction(t *models.LedgerTransaction) *models.LedgerTransaction {
	out := *t
	out.Metadata = make(models.TxMetadata, len(t.Metadata))
	for k, v := range t.Metadata {
		out.Metadata[k] = v
	}
	return &out
}
