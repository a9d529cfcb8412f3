package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
)

const erc20ABI = `[
  {"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
  {"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
  {"anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":false,"name":"value","type":"uint256"}],"name":"Transfer","type":"event"}
]`

// transferTopic is keccak256("Transfer(address,address,uint256)").
var transferTopic = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

// EVM adapts go-ethereum's ethclient to the EVMClient interface. Amounts
// cross the boundary as int64 base units; the supported tokens all fit.
type EVM struct {
	client  *ethclient.Client
	chainID *big.Int
	abi     abi.ABI

	receiptPollInterval time.Duration
	logPollInterval     time.Duration
}

// NewEVM dials the RPC endpoint and verifies the chain id matches.
func NewEVM(ctx context.Context, rpcURL string, chainID int64) (*EVM, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial evm rpc: %w", err)
	}
	remote, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("query chain id: %w", err)
	}
	if remote.Int64() != chainID {
		return nil, fmt.Errorf("chain id mismatch: rpc reports %d, expected %d", remote.Int64(), chainID)
	}
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}
	return &EVM{
		client:              client,
		chainID:             big.NewInt(chainID),
		abi:                 parsed,
		receiptPollInterval: 3 * time.Second,
		logPollInterval:     5 * time.Second,
	}, nil
}

func (e *EVM) ChainID() *big.Int { return new(big.Int).Set(e.chainID) }

func (e *EVM) CurrentHeight(ctx context.Context) (uint64, error) {
	height, err := e.client.BlockNumber(ctx)
	if err != nil {
		return 0, classify("block number", err)
	}
	return height, nil
}

func (e *EVM) TokenBalance(ctx context.Context, contract, address string) (int64, error) {
	data, err := e.abi.Pack("balanceOf", common.HexToAddress(address))
	if err != nil {
		return 0, permanent("pack balanceOf", err)
	}
	target := common.HexToAddress(contract)
	raw, err := e.client.CallContract(ctx, ethereum.CallMsg{To: &target, Data: data}, nil)
	if err != nil {
		return 0, classify("balanceOf", err)
	}
	out, err := e.abi.Unpack("balanceOf", raw)
	if err != nil {
		return 0, permanent("unpack balanceOf", err)
	}
	balance, ok := out[0].(*big.Int)
	if !ok {
		return 0, permanent("unpack balanceOf", fmt.Errorf("unexpected return type %T", out[0]))
	}
	if !balance.IsInt64() {
		return 0, permanent("balanceOf", fmt.Errorf("balance %s overflows int64", balance))
	}
	return balance.Int64(), nil
}

func (e *EVM) NativeBalance(ctx context.Context, address string) (*big.Int, error) {
	balance, err := e.client.BalanceAt(ctx, common.HexToAddress(address), nil)
	if err != nil {
		return nil, classify("native balance", err)
	}
	return balance, nil
}

func (e *EVM) EstimateTokenTransferGas(ctx context.Context, contract, from, to string, amount int64) (uint64, error) {
	data, err := e.abi.Pack("transfer", common.HexToAddress(to), big.NewInt(amount))
	if err != nil {
		return 0, permanent("pack transfer", err)
	}
	target := common.HexToAddress(contract)
	gas, err := e.client.EstimateGas(ctx, ethereum.CallMsg{
		From: common.HexToAddress(from),
		To:   &target,
		Data: data,
	})
	if err != nil {
		return 0, classify("estimate gas", err)
	}
	return gas, nil
}

func (e *EVM) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	price, err := e.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, classify("suggest gas price", err)
	}
	return price, nil
}

func (e *EVM) PendingNonce(ctx context.Context, address string) (uint64, error) {
	nonce, err := e.client.PendingNonceAt(ctx, common.HexToAddress(address))
	if err != nil {
		return 0, classify("pending nonce", err)
	}
	return nonce, nil
}

func (e *EVM) SendNative(ctx context.Context, signer TxSigner, to string, amountWei *big.Int) (string, error) {
	nonce, err := e.PendingNonce(ctx, signer.Address().Hex())
	if err != nil {
		return "", err
	}
	gasPrice, err := e.SuggestGasPrice(ctx)
	if err != nil {
		return "", err
	}
	dest := common.HexToAddress(to)
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &dest,
		Value:    amountWei,
		Gas:      21000,
		GasPrice: gasPrice,
	})
	return e.signAndBroadcast(ctx, signer, tx)
}

func (e *EVM) SendToken(ctx context.Context, signer TxSigner, contract, to string, amount int64) (string, error) {
	from := signer.Address().Hex()
	data, err := e.abi.Pack("transfer", common.HexToAddress(to), big.NewInt(amount))
	if err != nil {
		return "", permanent("pack transfer", err)
	}
	nonce, err := e.PendingNonce(ctx, from)
	if err != nil {
		return "", err
	}
	gasPrice, err := e.SuggestGasPrice(ctx)
	if err != nil {
		return "", err
	}
	gas, err := e.EstimateTokenTransferGas(ctx, contract, from, to, amount)
	if err != nil {
		return "", err
	}
	target := common.HexToAddress(contract)
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &target,
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	})
	return e.signAndBroadcast(ctx, signer, tx)
}

func (e *EVM) signAndBroadcast(ctx context.Context, signer TxSigner, tx *types.Transaction) (string, error) {
	signed, err := signer.SignTx(tx, e.chainID)
	if err != nil {
		return "", permanent("sign transaction", err)
	}
	if err := e.client.SendTransaction(ctx, signed); err != nil {
		return "", classify("broadcast transaction", err)
	}
	return signed.Hash().Hex(), nil
}

// WaitForConfirmations polls until the transaction is mined and buried under
// the requested number of confirmations, or ctx expires.
func (e *EVM) WaitForConfirmations(ctx context.Context, txHash string, confirmations uint64) (*Receipt, error) {
	hash := common.HexToHash(txHash)
	ticker := time.NewTicker(e.receiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := e.client.TransactionReceipt(ctx, hash)
		if err == nil {
			if receipt.Status != types.ReceiptStatusSuccessful {
				return nil, permanent("wait confirmations", fmt.Errorf("transaction %s reverted", txHash))
			}
			height, err := e.client.BlockNumber(ctx)
			if err == nil && height >= receipt.BlockNumber.Uint64()+confirmations-1 {
				return &Receipt{
					TxHash:      txHash,
					BlockNumber: receipt.BlockNumber.Uint64(),
					GasUsed:     receipt.GasUsed,
				}, nil
			}
		} else if err != ethereum.NotFound && !isTransient(err) {
			return nil, classify("wait confirmations", err)
		}

		select {
		case <-ctx.Done():
			return nil, transient("wait confirmations", ctx.Err())
		case <-ticker.C:
		}
	}
}

func (e *EVM) FilterTransferEvents(ctx context.Context, contract string, fromBlock, toBlock uint64) ([]TransferEvent, error) {
	logs, err := e.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{common.HexToAddress(contract)},
		Topics:    [][]common.Hash{{transferTopic}},
	})
	if err != nil {
		return nil, classify("filter logs", err)
	}
	events := make([]TransferEvent, 0, len(logs))
	for _, lg := range logs {
		ev, err := e.decodeTransfer(contract, lg)
		if err != nil {
			zap.L().Warn("skipping undecodable transfer log",
				zap.String("contract", contract),
				zap.String("txHash", lg.TxHash.Hex()),
				zap.Error(err))
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// SubscribeTransferEvents streams transfers by polling FilterLogs from the
// watermark forward. Public Arbitrum RPCs often reject eth_subscribe, so a
// poll loop is the portable equivalent of a log subscription.
func (e *EVM) SubscribeTransferEvents(ctx context.Context, contract string, fromBlock uint64) (<-chan TransferEvent, error) {
	out := make(chan TransferEvent, 64)
	go func() {
		defer close(out)
		next := fromBlock + 1
		ticker := time.NewTicker(e.logPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			head, err := e.CurrentHeight(ctx)
			if err != nil || head < next {
				continue
			}
			events, err := e.FilterTransferEvents(ctx, contract, next, head)
			if err != nil {
				zap.L().Warn("transfer log poll failed",
					zap.String("contract", contract),
					zap.Uint64("from", next),
					zap.Error(err))
				continue
			}
			for _, ev := range events {
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
			next = head + 1
		}
	}()
	return out, nil
}

func (e *EVM) decodeTransfer(contract string, lg types.Log) (TransferEvent, error) {
	if len(lg.Topics) != 3 {
		return TransferEvent{}, fmt.Errorf("expected 3 topics, got %d", len(lg.Topics))
	}
	value := new(big.Int).SetBytes(lg.Data)
	if !value.IsInt64() {
		return TransferEvent{}, fmt.Errorf("value %s overflows int64", value)
	}
	return TransferEvent{
		Contract:    contract,
		From:        common.BytesToAddress(lg.Topics[1].Bytes()).Hex(),
		To:          common.BytesToAddress(lg.Topics[2].Bytes()).Hex(),
		Value:       value.Int64(),
		TxHash:      lg.TxHash.Hex(),
		BlockNumber: lg.BlockNumber,
	}, nil
}
