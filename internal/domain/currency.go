package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Chain identifies the settlement network a currency lives on.
type Chain string

const (
	ChainArbitrum Chain = "arbitrum"
	ChainBitcoin  Chain = "bitcoin"
)

// Currency describes a supported asset. Ledger amounts are stored as int64
// base units: for the Arbitrum tokens the base unit equals the token's
// on-chain unit (6 decimals), for Bitcoin it is the satoshi.
type Currency struct {
	Code     string
	Chain    Chain
	Decimals int32
	// Contract is the ERC-20 contract address; empty for native BTC.
	Contract string
}

const (
	CurrencyPYUSD = "PYUSD-ARB"
	CurrencyUSDT  = "USDT-ARB"
	CurrencySAT   = "SAT-BTC"
)

var currencies = map[string]Currency{
	CurrencyPYUSD: {
		Code:     CurrencyPYUSD,
		Chain:    ChainArbitrum,
		Decimals: 6,
		Contract: "0x46850ad61c2b7d64d08c9c754f45254596696984",
	},
	CurrencyUSDT: {
		Code:     CurrencyUSDT,
		Chain:    ChainArbitrum,
		Decimals: 6,
		Contract: "0xFd086bC7CD5C481DCC9C85ebE478A1C0b69FCbb9",
	},
	CurrencySAT: {
		Code:     CurrencySAT,
		Chain:    ChainBitcoin,
		Decimals: 0,
	},
}

// orderedCodes keeps iteration deterministic wherever all currencies are
// enumerated (balance initialization, sweeps, reconciliation).
var orderedCodes = []string{CurrencyPYUSD, CurrencyUSDT, CurrencySAT}

// CurrencyByCode looks up a supported currency.
func CurrencyByCode(code string) (Currency, error) {
	c, ok := currencies[code]
	if !ok {
		return Currency{}, fmt.Errorf("unsupported currency: %s", code)
	}
	return c, nil
}

// IsSupported reports whether the code names a supported currency.
func IsSupported(code string) bool {
	_, ok := currencies[code]
	return ok
}

// SupportedCurrencies returns all supported currencies in stable order.
func SupportedCurrencies() []Currency {
	out := make([]Currency, 0, len(orderedCodes))
	for _, code := range orderedCodes {
		out = append(out, currencies[code])
	}
	return out
}

// ArbitrumTokens returns the ERC-20 backed currencies.
func ArbitrumTokens() []Currency {
	var out []Currency
	for _, code := range orderedCodes {
		if currencies[code].Chain == ChainArbitrum {
			out = append(out, currencies[code])
		}
	}
	return out
}

// ToBaseUnits converts a human-denominated decimal amount ("12.5" PYUSD)
// into base units, truncating anything below the currency's granularity.
func (c Currency) ToBaseUnits(d decimal.Decimal) int64 {
	return d.Shift(c.Decimals).IntPart()
}

// FromBaseUnits converts base units back to a human-denominated decimal.
func (c Currency) FromBaseUnits(units int64) decimal.Decimal {
	return decimal.NewFromInt(units).Shift(-c.Decimals)
}

// FormatBaseUnits renders base units as a display string, e.g. "12.5 PYUSD-ARB".
func (c Currency) FormatBaseUnits(units int64) string {
	return fmt.Sprintf("%s %s", c.FromBaseUnits(units).String(), c.Code)
}
