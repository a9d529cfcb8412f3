package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
)

// Bitcoin adapts an esplora-style block explorer API (blockstream.info and
// compatible) to the BitcoinClient interface.
type Bitcoin struct {
	baseURL string
	params  *chaincfg.Params
	http    *http.Client
}

// NewBitcoin creates an explorer client. baseURL is the API root, e.g.
// https://blockstream.info/api for mainnet.
func NewBitcoin(baseURL string, params *chaincfg.Params) *Bitcoin {
	return &Bitcoin{
		baseURL: strings.TrimRight(baseURL, "/"),
		params:  params,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

type esploraVout struct {
	ScriptPubKeyAddress string `json:"scriptpubkey_address"`
	Value               int64  `json:"value"`
}

type esploraTx struct {
	TxID   string        `json:"txid"`
	Vout   []esploraVout `json:"vout"`
	Status struct {
		Confirmed   bool   `json:"confirmed"`
		BlockHeight uint64 `json:"block_height"`
	} `json:"status"`
}

type esploraAddress struct {
	ChainStats struct {
		FundedSat int64 `json:"funded_txo_sum"`
		SpentSat  int64 `json:"spent_txo_sum"`
	} `json:"chain_stats"`
}

// PollAddressTransactions lists the explorer's recent transactions for the
// address. Confirmation counts are computed against the current tip so a
// transaction in the tip block reports exactly one confirmation.
func (b *Bitcoin) PollAddressTransactions(ctx context.Context, address string) ([]AddressTx, error) {
	tip, err := b.tipHeight(ctx)
	if err != nil {
		return nil, err
	}

	var txs []esploraTx
	if err := b.getJSON(ctx, "/address/"+address+"/txs", &txs); err != nil {
		return nil, err
	}

	out := make([]AddressTx, 0, len(txs))
	for _, tx := range txs {
		var confirmations uint64
		if tx.Status.Confirmed && tip >= tx.Status.BlockHeight {
			confirmations = tip - tx.Status.BlockHeight + 1
		}
		outputs := make([]TxOutput, 0, len(tx.Vout))
		for _, vout := range tx.Vout {
			outputs = append(outputs, TxOutput{
				Address:  vout.ScriptPubKeyAddress,
				ValueSat: vout.Value,
			})
		}
		out = append(out, AddressTx{
			TxID:          tx.TxID,
			Outputs:       outputs,
			Confirmations: confirmations,
		})
	}
	return out, nil
}

// AddressBalance returns the confirmed balance in satoshis.
func (b *Bitcoin) AddressBalance(ctx context.Context, address string) (int64, error) {
	var info esploraAddress
	if err := b.getJSON(ctx, "/address/"+address, &info); err != nil {
		return 0, err
	}
	return info.ChainStats.FundedSat - info.ChainStats.SpentSat, nil
}

// ValidateAddress checks the address decodes for the configured network.
func (b *Bitcoin) ValidateAddress(address string) bool {
	addr, err := btcutil.DecodeAddress(address, b.params)
	if err != nil {
		return false
	}
	return addr.IsForNet(b.params)
}

func (b *Bitcoin) tipHeight(ctx context.Context) (uint64, error) {
	body, err := b.get(ctx, "/blocks/tip/height")
	if err != nil {
		return 0, err
	}
	var height uint64
	if _, err := fmt.Sscanf(strings.TrimSpace(string(body)), "%d", &height); err != nil {
		return 0, permanent("parse tip height", err)
	}
	return height, nil
}

func (b *Bitcoin) getJSON(ctx context.Context, path string, dest any) error {
	body, err := b.get(ctx, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, dest); err != nil {
		return permanent("decode "+path, err)
	}
	return nil
}

func (b *Bitcoin) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+path, nil)
	if err != nil {
		return nil, permanent("build request", err)
	}
	resp, err := b.http.Do(req)
	if err != nil {
		return nil, classify("explorer get "+path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, transient("read response", err)
	}
	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, transient("explorer get "+path, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	default:
		return nil, permanent("explorer get "+path, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}
}
