package signer

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDerivationPaths(t *testing.T) {
	assert.Equal(t, "arb-2348012345678", ArbitrumPath("+234 801 234 5678"))
	assert.Equal(t, "btc-2348012345678", BitcoinPath("+2348012345678"))
	assert.Equal(t, ArbitrumPath("+234-801-234-5678"), ArbitrumPath("2348012345678"))
}

func TestLocalWallet(t *testing.T) {
	// Well-known throwaway test vector key.
	wallet, err := NewLocalWallet("4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318")
	require.NoError(t, err)
	assert.Equal(t, "0x2c7536E3605D9C16a7a3D7b1898e529396a65c23", wallet.Address().Hex())

	to := common.HexToAddress("0x000000000000000000000000000000000000dEaD")
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    0,
		To:       &to,
		Gas:      21000,
		GasPrice: big.NewInt(1),
		Value:    big.NewInt(1),
	})
	signed, err := wallet.SignTx(tx, big.NewInt(42161))
	require.NoError(t, err)

	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(42161)), signed)
	require.NoError(t, err)
	assert.Equal(t, wallet.Address(), sender)
}

func TestLocalWalletRejectsGarbage(t *testing.T) {
	_, err := NewLocalWallet("not-a-key")
	assert.Error(t, err)
}
