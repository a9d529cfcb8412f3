package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// TransferEvent is one detected ERC-20 transfer. Value is in token base
// units (which equal the ledger's base units for all supported tokens).
type TransferEvent struct {
	Contract    string
	From        string
	To          string
	Value       int64
	TxHash      string
	BlockNumber uint64
}

// Receipt is the confirmation result of a broadcast transaction.
type Receipt struct {
	TxHash      string
	BlockNumber uint64
	GasUsed     uint64
}

// TxSigner signs transactions with a directly held key (hot wallet, gas
// sponsor). MPC-derived user keys go through signer.Oracle instead.
type TxSigner interface {
	Address() common.Address
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// EVMClient is the engine's view of the rollup. Implementations classify
// every failure as ErrTransient or ErrPermanent before returning it.
type EVMClient interface {
	ChainID() *big.Int
	CurrentHeight(ctx context.Context) (uint64, error)
	TokenBalance(ctx context.Context, contract, address string) (int64, error)
	NativeBalance(ctx context.Context, address string) (*big.Int, error)
	EstimateTokenTransferGas(ctx context.Context, contract, from, to string, amount int64) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	PendingNonce(ctx context.Context, address string) (uint64, error)
	SendNative(ctx context.Context, signer TxSigner, to string, amountWei *big.Int) (string, error)
	SendToken(ctx context.Context, signer TxSigner, contract, to string, amount int64) (string, error)
	WaitForConfirmations(ctx context.Context, txHash string, confirmations uint64) (*Receipt, error)
	// FilterTransferEvents returns transfers of the contract within the
	// inclusive block range, used for watermark backfill after restarts.
	FilterTransferEvents(ctx context.Context, contract string, fromBlock, toBlock uint64) ([]TransferEvent, error)
	// SubscribeTransferEvents streams transfers of the contract starting
	// after fromBlock until ctx is canceled. The channel closes on cancel.
	SubscribeTransferEvents(ctx context.Context, contract string, fromBlock uint64) (<-chan TransferEvent, error)
}

// TxOutput is a single output of a Bitcoin transaction.
type TxOutput struct {
	Address  string
	ValueSat int64
}

// AddressTx is one transaction touching a watched Bitcoin address.
type AddressTx struct {
	TxID          string
	Outputs       []TxOutput
	Confirmations uint64
}

// BitcoinClient is the engine's view of the Bitcoin explorer.
type BitcoinClient interface {
	// PollAddressTransactions lists recent transactions paying the address,
	// with real confirmation counts relative to the current tip.
	PollAddressTransactions(ctx context.Context, address string) ([]AddressTx, error)
	AddressBalance(ctx context.Context, address string) (int64, error)
	ValidateAddress(address string) bool
}
