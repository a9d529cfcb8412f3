package chain

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// MockEVM is a configurable in-memory EVMClient for tests. Zero value is
// usable; balances and behaviors are set directly on the fields.
type MockEVM struct {
	mu sync.Mutex

	Height         uint64
	TokenBalances  map[string]int64    // key: contract|address
	NativeBalances map[string]*big.Int // key: address
	GasEstimate    uint64
	GasPrice       *big.Int
	Nonces         map[string]uint64

	// Errors returned by the corresponding calls when set.
	HeightErr   error
	BalanceErr  error
	EstimateErr error
	SendErr     error
	WaitErr     error

	// LaterSendErr fails token sends once SendErrAfter of them succeeded,
	// for exercising partial-failure paths like fee forwarding.
	LaterSendErr error
	SendErrAfter int

	SentNative []MockNativeSend
	SentTokens []MockTokenSend
	Receipts   map[string]*Receipt
	Events     []TransferEvent

	nextHash int
}

type MockNativeSend struct {
	From      string
	To        string
	AmountWei *big.Int
	TxHash    string
}

type MockTokenSend struct {
	From     string
	Contract string
	To       string
	Amount   int64
	TxHash   string
}

func tokenKey(contract, address string) string { return contract + "|" + address }

func (m *MockEVM) ChainID() *big.Int { return big.NewInt(42161) }

func (m *MockEVM) CurrentHeight(context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.HeightErr != nil {
		return 0, m.HeightErr
	}
	return m.Height, nil
}

func (m *MockEVM) SetTokenBalance(contract, address string, amount int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.TokenBalances == nil {
		m.TokenBalances = make(map[string]int64)
	}
	m.TokenBalances[tokenKey(contract, address)] = amount
}

func (m *MockEVM) SetNativeBalance(address string, wei *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.NativeBalances == nil {
		m.NativeBalances = make(map[string]*big.Int)
	}
	m.NativeBalances[address] = new(big.Int).Set(wei)
}

func (m *MockEVM) TokenBalance(_ context.Context, contract, address string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.BalanceErr != nil {
		return 0, m.BalanceErr
	}
	return m.TokenBalances[tokenKey(contract, address)], nil
}

func (m *MockEVM) NativeBalance(_ context.Context, address string) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.BalanceErr != nil {
		return nil, m.BalanceErr
	}
	if bal, ok := m.NativeBalances[address]; ok {
		return new(big.Int).Set(bal), nil
	}
	return big.NewInt(0), nil
}

func (m *MockEVM) EstimateTokenTransferGas(context.Context, string, string, string, int64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.EstimateErr != nil {
		return 0, m.EstimateErr
	}
	if m.GasEstimate == 0 {
		return 60000, nil
	}
	return m.GasEstimate, nil
}

func (m *MockEVM) SuggestGasPrice(context.Context) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.GasPrice == nil {
		return big.NewInt(100_000_000), nil // 0.1 gwei
	}
	return new(big.Int).Set(m.GasPrice), nil
}

func (m *MockEVM) PendingNonce(_ context.Context, address string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Nonces[address], nil
}

func (m *MockEVM) SendNative(_ context.Context, signer TxSigner, to string, amountWei *big.Int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SendErr != nil {
		return "", m.SendErr
	}
	hash := m.mintHash()
	m.SentNative = append(m.SentNative, MockNativeSend{
		From:      signer.Address().Hex(),
		To:        to,
		AmountWei: new(big.Int).Set(amountWei),
		TxHash:    hash,
	})
	return hash, nil
}

func (m *MockEVM) SendToken(_ context.Context, signer TxSigner, contract, to string, amount int64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SendErr != nil {
		return "", m.SendErr
	}
	if m.LaterSendErr != nil && len(m.SentTokens) >= m.SendErrAfter {
		return "", m.LaterSendErr
	}
	hash := m.mintHash()
	m.SentTokens = append(m.SentTokens, MockTokenSend{
		From:     signer.Address().Hex(),
		Contract: contract,
		To:       to,
		Amount:   amount,
		TxHash:   hash,
	})
	return hash, nil
}

func (m *MockEVM) WaitForConfirmations(_ context.Context, txHash string, _ uint64) (*Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.WaitErr != nil {
		return nil, m.WaitErr
	}
	if r, ok := m.Receipts[txHash]; ok {
		return r, nil
	}
	return &Receipt{TxHash: txHash, BlockNumber: m.Height, GasUsed: 60000}, nil
}

func (m *MockEVM) FilterTransferEvents(_ context.Context, contract string, fromBlock, toBlock uint64) ([]TransferEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []TransferEvent
	for _, ev := range m.Events {
		if ev.Contract == contract && ev.BlockNumber >= fromBlock && ev.BlockNumber <= toBlock {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *MockEVM) SubscribeTransferEvents(ctx context.Context, contract string, fromBlock uint64) (<-chan TransferEvent, error) {
	events, err := m.FilterTransferEvents(ctx, contract, fromBlock+1, ^uint64(0))
	if err != nil {
		return nil, err
	}
	out := make(chan TransferEvent, len(events)+1)
	for _, ev := range events {
		out <- ev
	}
	go func() {
		<-ctx.Done()
		close(out)
	}()
	return out, nil
}

func (m *MockEVM) mintHash() string {
	m.nextHash++
	return fmt.Sprintf("0x%064x", m.nextHash)
}

// MockBitcoin is a configurable in-memory BitcoinClient for tests.
type MockBitcoin struct {
	mu sync.Mutex

	Txs      map[string][]AddressTx // by address
	Balances map[string]int64
	PollErr  error
	// InvalidAddresses fail ValidateAddress; everything else passes.
	InvalidAddresses map[string]bool
}

func (m *MockBitcoin) AddTx(address string, tx AddressTx) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Txs == nil {
		m.Txs = make(map[string][]AddressTx)
	}
	m.Txs[address] = append(m.Txs[address], tx)
}

func (m *MockBitcoin) PollAddressTransactions(_ context.Context, address string) ([]AddressTx, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PollErr != nil {
		return nil, m.PollErr
	}
	return append([]AddressTx(nil), m.Txs[address]...), nil
}

func (m *MockBitcoin) AddressBalance(_ context.Context, address string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Balances[address], nil
}

func (m *MockBitcoin) ValidateAddress(address string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return address != "" && !m.InvalidAddresses[address]
}

// MockSigner is a TxSigner with a fixed address that echoes transactions
// back unsigned. Enough for asserting send parameters in tests.
type MockSigner struct {
	Addr common.Address
}

func (s *MockSigner) Address() common.Address { return s.Addr }

func (s *MockSigner) SignTx(tx *types.Transaction, _ *big.Int) (*types.Transaction, error) {
	return tx, nil
}
