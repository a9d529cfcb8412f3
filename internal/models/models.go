package models

import (
	"errors"
	"time"
)

var (
	// ErrInsufficientFunds is returned when a debit would drive a balance negative.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrAccountNotFound is returned when no account matches the lookup key.
	ErrAccountNotFound = errors.New("account not found")
	// ErrTransactionNotFound is returned when no ledger transaction matches.
	ErrTransactionNotFound = errors.New("transaction not found")
	// ErrConflict is returned by SaveAccount when the stored version moved
	// underneath the caller; retry with a fresh read.
	ErrConflict = errors.New("account version conflict")
	// ErrDuplicateAccount is returned when phone or email is already registered.
	ErrDuplicateAccount = errors.New("account with this phone number or email already exists")
	// ErrAddressExists is returned when re-deriving an already set chain address.
	ErrAddressExists = errors.New("chain address already registered")
)

// Account is the custodial ledger account. Balances hold one entry per
// supported currency in int64 base units; entries are created at
// registration and never removed. Chain addresses are create-once: derived
// lazily on first request and immutable afterwards.
type Account struct {
	ID              string           `bson:"_id,omitempty" json:"id"`
	PhoneNumber     string           `bson:"phone_number" json:"phone_number"`
	Name            string           `bson:"name" json:"name"`
	Email           string           `bson:"email" json:"email"`
	ArbitrumAddress string           `bson:"arbitrum_address,omitempty" json:"arbitrum_address,omitempty"`
	BitcoinAddress  string           `bson:"bitcoin_address,omitempty" json:"bitcoin_address,omitempty"`
	Balances        map[string]int64 `bson:"balances" json:"balances"`
	// Version implements optimistic concurrency on saves.
	Version   int64     `bson:"version" json:"-"`
	CreatedAt time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time `bson:"updated_at" json:"updated_at"`
}

// Balance returns the stored balance for a currency (zero when absent).
func (a *Account) Balance(currency string) int64 {
	return a.Balances[currency]
}

// Credit adds amount base units to the currency balance.
func (a *Account) Credit(currency string, amount int64) {
	if a.Balances == nil {
		a.Balances = make(map[string]int64)
	}
	a.Balances[currency] += amount
}

// Debit removes amount base units, failing before any change when the
// balance would go negative.
func (a *Account) Debit(currency string, amount int64) error {
	if a.Balances[currency] < amount {
		return ErrInsufficientFunds
	}
	a.Balances[currency] -= amount
	return nil
}

// AddressFor returns the account's address on the given chain, if set.
func (a *Account) AddressFor(chain string) string {
	switch chain {
	case "arbitrum":
		return a.ArbitrumAddress
	case "bitcoin":
		return a.BitcoinAddress
	}
	return ""
}

// TxMetadata is the open metadata bag attached to a ledger transaction.
// Keys in use: txHash, confirmations, requiredConfirmations, blockNumber,
// gasUsed, fee, totalDeducted, destinationAddress, hotWalletAddress,
// treasuryAddress, sweepToTreasury, feeTxHash, feesSentToTreasury,
// feeError, isFee, error, detectedAt, initiatedAt, sentAt, processedAt,
// confirmedAt, completedAt, failedAt.
type TxMetadata map[string]any

// LedgerTransaction is the immutable record of a balance-affecting event.
// It is created once per externally observed event; deposits are deduped by
// (metadata.txHash, account).
type LedgerTransaction struct {
	ID        string     `bson:"_id,omitempty" json:"id"`
	AccountID string     `bson:"account_id" json:"account_id"`
	Type      string     `bson:"type" json:"type"`
	Currency  string     `bson:"currency" json:"currency"`
	Amount    int64      `bson:"amount" json:"amount"`
	Status    string     `bson:"status" json:"status"`
	// RelatedAccountID names the peer account on internal transfers.
	RelatedAccountID string     `bson:"related_account_id,omitempty" json:"related_account_id,omitempty"`
	Metadata         TxMetadata `bson:"metadata" json:"metadata"`
	CreatedAt        time.Time  `bson:"created_at" json:"created_at"`
	UpdatedAt        time.Time  `bson:"updated_at" json:"updated_at"`
}

// ExternalHash returns the chain transaction hash recorded in metadata.
func (t *LedgerTransaction) ExternalHash() string {
	if t.Metadata == nil {
		return ""
	}
	h, _ := t.Metadata["txHash"].(string)
	return h
}
