package signer

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
)

// HTTPOracle talks to the MPC signing service over its REST API.
type HTTPOracle struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewHTTPOracle creates an oracle client for the given service root.
func NewHTTPOracle(baseURL, apiKey string) *HTTPOracle {
	return &HTTPOracle{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

type deriveRequest struct {
	Path string `json:"path"`
}

type deriveResponse struct {
	Address string `json:"address"`
}

type signRequest struct {
	Path    string `json:"path"`
	ChainID int64  `json:"chain_id"`
	// RawTx is the hex-encoded unsigned transaction (RLP for legacy,
	// typed envelope otherwise).
	RawTx string `json:"raw_tx"`
}

type signResponse struct {
	// SignedTx is the hex-encoded signed transaction.
	SignedTx string `json:"signed_tx"`
}

func (o *HTTPOracle) DeriveAddress(ctx context.Context, path string) (string, error) {
	var resp deriveResponse
	if err := o.post(ctx, "/v1/keys/derive", deriveRequest{Path: path}, &resp); err != nil {
		return "", fmt.Errorf("derive address for %s: %w", path, err)
	}
	if resp.Address == "" {
		return "", fmt.Errorf("derive address for %s: empty address in response", path)
	}
	return resp.Address, nil
}

func (o *HTTPOracle) SignTransaction(ctx context.Context, path string, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encode transaction: %w", err)
	}
	var resp signResponse
	req := signRequest{Path: path, ChainID: chainID.Int64(), RawTx: hex.EncodeToString(raw)}
	if err := o.post(ctx, "/v1/keys/sign", req, &resp); err != nil {
		return nil, fmt.Errorf("sign with %s: %w", path, err)
	}
	signedRaw, err := hex.DecodeString(strings.TrimPrefix(resp.SignedTx, "0x"))
	if err != nil {
		return nil, fmt.Errorf("decode signed transaction: %w", err)
	}
	signed := new(types.Transaction)
	if err := signed.UnmarshalBinary(signedRaw); err != nil {
		return nil, fmt.Errorf("parse signed transaction: %w", err)
	}
	return signed, nil
}

func (o *HTTPOracle) post(ctx context.Context, path string, body, dest any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if o.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+o.apiKey)
	}

	resp, err := o.http.Do(req)
	if err != nil {
		return fmt.Errorf("call signing service: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("signing service status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
