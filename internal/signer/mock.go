package signer

import (
	"context"
	"crypto/sha256"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/core/types"
)

// MockOracle derives deterministic fake addresses from the path and echoes
// transactions back unsigned. For tests only.
type MockOracle struct {
	mu sync.Mutex

	DeriveErr error
	SignErr   error

	// Addresses overrides the derived address for specific paths.
	Addresses map[string]string

	DerivedPaths []string
	SignedPaths  []string
}

func (m *MockOracle) DeriveAddress(_ context.Context, path string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DeriveErr != nil {
		return "", m.DeriveErr
	}
	m.DerivedPaths = append(m.DerivedPaths, path)
	if addr, ok := m.Addresses[path]; ok {
		return addr, nil
	}
	sum := sha256.Sum256([]byte(path))
	return fmt.Sprintf("0x%x", sum[:20]), nil
}

func (m *MockOracle) SignTransaction(_ context.Context, path string, tx *types.Transaction, _ *big.Int) (*types.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SignErr != nil {
		return nil, m.SignErr
	}
	m.SignedPaths = append(m.SignedPaths, path)
	return tx, nil
}
