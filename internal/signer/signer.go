// Package signer holds the key material integrations: the remote MPC signing
// oracle for per-account derived keys, and locally held wallets for the hot
// wallet and gas sponsor.
package signer

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/sendolabs/custody-engine/internal/chain"
)

// Oracle is the MPC signing service. Keys never leave the oracle; the engine
// references them only by derivation path.
type Oracle interface {
	// DeriveAddress returns the chain address for a derivation path,
	// creating the key share if it does not exist yet.
	DeriveAddress(ctx context.Context, path string) (string, error)
	// SignTransaction signs an EVM transaction with the key at path.
	SignTransaction(ctx context.Context, path string, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// ArbitrumPath builds the oracle derivation path for an account's Arbitrum
// key from its phone number. Only digits participate so formatting variants
// of the same number derive the same key.
func ArbitrumPath(phoneNumber string) string {
	return "arb-" + digits(phoneNumber)
}

// BitcoinPath builds the oracle derivation path for an account's Bitcoin key.
func BitcoinPath(phoneNumber string) string {
	return "btc-" + digits(phoneNumber)
}

func digits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ForPath adapts an oracle derivation path to the chain.TxSigner interface
// so sweep transactions from user deposit addresses go through the same
// broadcast path as hot-wallet transactions. The context is captured because
// signing happens inside the chain client where no context parameter exists.
func ForPath(ctx context.Context, oracle Oracle, path, address string) chain.TxSigner {
	return &pathSigner{ctx: ctx, oracle: oracle, path: path, address: common.HexToAddress(address)}
}

type pathSigner struct {
	ctx     context.Context
	oracle  Oracle
	path    string
	address common.Address
}

func (s *pathSigner) Address() common.Address { return s.address }

func (s *pathSigner) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return s.oracle.SignTransaction(s.ctx, s.path, tx, chainID)
}
