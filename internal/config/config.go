package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/sendolabs/custody-engine/internal/domain"
)

// Config holds all runtime configuration derived from environment variables.
// Per-currency amounts are parsed from human units into int64 base units.
type Config struct {
	HTTPPort      string
	MongoURI      string
	MongoDatabase string
	RedisURL      string
	OperatorToken string
	LogLevel      string
	RateLimitRPS  int

	ArbitrumRPC    string
	BitcoinAPIURL  string
	BitcoinNetwork string

	SignerURL    string
	SignerAPIKey string

	HotWalletKey    string
	GasSponsorKey   string
	TreasuryAddress string

	// Confirmation gates. Deposit thresholds are per currency; withdrawals
	// share one threshold across currencies.
	DepositConfirmations    map[string]uint64
	WithdrawalConfirmations uint64

	SweepMode           string
	SweepInterval       time.Duration
	BitcoinPollInterval time.Duration
	ReconcileInterval   time.Duration

	// SweepThresholds trigger a sweep when the ledger balance reaches them.
	// SweepFloors are the materiality cutoff below which an on-chain balance
	// is not worth the gas. TreasuryReserves drive the liquidity-driven mode.
	SweepThresholds  map[string]int64
	SweepFloors      map[string]int64
	TreasuryReserves map[string]int64

	WithdrawalMin map[string]int64
	WithdrawalMax map[string]int64
	WithdrawalFee map[string]int64
}

// Load reads environment variables using viper and returns a typed config.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	bindEnv(v, "port", "PORT", "CUSTODY_PORT")
	bindEnv(v, "mongo_uri", "MONGO_URI", "CUSTODY_MONGO_URI")
	bindEnv(v, "mongo_database", "MONGO_DATABASE", "CUSTODY_MONGO_DATABASE")
	bindEnv(v, "redis_url", "REDIS_URL", "CUSTODY_REDIS_URL")
	bindEnv(v, "operator_token", "OPERATOR_TOKEN", "CUSTODY_OPERATOR_TOKEN")
	bindEnv(v, "log_level", "LOG_LEVEL", "CUSTODY_LOG_LEVEL")
	bindEnv(v, "rate_limit_rps", "RATE_LIMIT_RPS", "CUSTODY_RATE_LIMIT_RPS")
	bindEnv(v, "arbitrum_rpc", "ARBITRUM_RPC", "CUSTODY_ARBITRUM_RPC")
	bindEnv(v, "bitcoin_api_url", "BITCOIN_API_URL", "CUSTODY_BITCOIN_API_URL")
	bindEnv(v, "bitcoin_network", "BITCOIN_NETWORK", "CUSTODY_BITCOIN_NETWORK")
	bindEnv(v, "signer_url", "SIGNER_URL", "CUSTODY_SIGNER_URL")
	bindEnv(v, "signer_api_key", "SIGNER_API_KEY", "CUSTODY_SIGNER_API_KEY")
	bindEnv(v, "hot_wallet_key", "HOT_WALLET_KEY", "CUSTODY_HOT_WALLET_KEY")
	bindEnv(v, "gas_sponsor_key", "GAS_SPONSOR_KEY", "CUSTODY_GAS_SPONSOR_KEY")
	bindEnv(v, "treasury_address", "TREASURY_ADDRESS", "CUSTODY_TREASURY_ADDRESS")
	bindEnv(v, "evm_confirmations", "EVM_CONFIRMATIONS", "CUSTODY_EVM_CONFIRMATIONS")
	bindEnv(v, "btc_confirmations", "BTC_CONFIRMATIONS", "CUSTODY_BTC_CONFIRMATIONS")
	bindEnv(v, "withdrawal_confirmations", "WITHDRAWAL_CONFIRMATIONS", "CUSTODY_WITHDRAWAL_CONFIRMATIONS")
	bindEnv(v, "sweep_mode", "SWEEP_MODE", "CUSTODY_SWEEP_MODE")
	bindEnv(v, "sweep_interval", "SWEEP_INTERVAL", "CUSTODY_SWEEP_INTERVAL")
	bindEnv(v, "btc_poll_interval", "BTC_POLL_INTERVAL", "CUSTODY_BTC_POLL_INTERVAL")
	bindEnv(v, "reconcile_interval", "RECONCILE_INTERVAL", "CUSTODY_RECONCILE_INTERVAL")
	bindEnv(v, "sweep_threshold_pyusd", "SWEEP_THRESHOLD_PYUSD")
	bindEnv(v, "sweep_threshold_usdt", "SWEEP_THRESHOLD_USDT")
	bindEnv(v, "sweep_threshold_sat", "SWEEP_THRESHOLD_SAT")
	bindEnv(v, "sweep_floor_pyusd", "SWEEP_FLOOR_PYUSD")
	bindEnv(v, "sweep_floor_usdt", "SWEEP_FLOOR_USDT")
	bindEnv(v, "sweep_floor_sat", "SWEEP_FLOOR_SAT")
	bindEnv(v, "treasury_reserve_pyusd", "TREASURY_RESERVE_PYUSD")
	bindEnv(v, "treasury_reserve_usdt", "TREASURY_RESERVE_USDT")
	bindEnv(v, "treasury_reserve_sat", "TREASURY_RESERVE_SAT")
	bindEnv(v, "withdrawal_min", "WITHDRAWAL_MIN", "CUSTODY_WITHDRAWAL_MIN")
	bindEnv(v, "withdrawal_max", "WITHDRAWAL_MAX", "CUSTODY_WITHDRAWAL_MAX")
	bindEnv(v, "withdrawal_fee", "WITHDRAWAL_FEE", "CUSTODY_WITHDRAWAL_FEE")

	v.SetDefault("port", "8080")
	v.SetDefault("mongo_uri", "mongodb://localhost:27017")
	v.SetDefault("mongo_database", "custody_engine")
	v.SetDefault("redis_url", "")
	v.SetDefault("operator_token", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("rate_limit_rps", 20)
	v.SetDefault("arbitrum_rpc", "https://arb1.arbitrum.io/rpc")
	v.SetDefault("bitcoin_api_url", "https://blockstream.info/api")
	v.SetDefault("bitcoin_network", "mainnet")
	v.SetDefault("signer_url", "")
	v.SetDefault("signer_api_key", "")
	v.SetDefault("hot_wallet_key", "")
	v.SetDefault("gas_sponsor_key", "")
	v.SetDefault("treasury_address", "")
	v.SetDefault("evm_confirmations", 12)
	v.SetDefault("btc_confirmations", 3)
	v.SetDefault("withdrawal_confirmations", 2)
	v.SetDefault("sweep_mode", domain.SweepModeSmart)
	v.SetDefault("sweep_interval", "6h")
	v.SetDefault("btc_poll_interval", "60s")
	v.SetDefault("reconcile_interval", "24h")
	v.SetDefault("sweep_threshold_pyusd", "100")
	v.SetDefault("sweep_threshold_usdt", "100")
	v.SetDefault("sweep_threshold_sat", "1000000")
	v.SetDefault("sweep_floor_pyusd", "1")
	v.SetDefault("sweep_floor_usdt", "1")
	v.SetDefault("sweep_floor_sat", "10000")
	v.SetDefault("treasury_reserve_pyusd", "1000")
	v.SetDefault("treasury_reserve_usdt", "1000")
	v.SetDefault("treasury_reserve_sat", "5000000")
	v.SetDefault("withdrawal_min", "0.1")
	v.SetDefault("withdrawal_max", "10000")
	v.SetDefault("withdrawal_fee", "0.5")

	sweepInterval, err := time.ParseDuration(v.GetString("sweep_interval"))
	if err != nil {
		return nil, fmt.Errorf("invalid SWEEP_INTERVAL: %w", err)
	}
	btcPollInterval, err := time.ParseDuration(v.GetString("btc_poll_interval"))
	if err != nil {
		return nil, fmt.Errorf("invalid BTC_POLL_INTERVAL: %w", err)
	}
	reconcileInterval, err := time.ParseDuration(v.GetString("reconcile_interval"))
	if err != nil {
		return nil, fmt.Errorf("invalid RECONCILE_INTERVAL: %w", err)
	}

	sweepMode := strings.ToLower(v.GetString("sweep_mode"))
	switch sweepMode {
	case domain.SweepModeSmart, domain.SweepModeThreshold, domain.SweepModeDisabled:
	default:
		return nil, fmt.Errorf("invalid SWEEP_MODE %q: must be smart, threshold or disabled", sweepMode)
	}

	thresholds, err := perCurrencyAmounts(v, "sweep_threshold")
	if err != nil {
		return nil, err
	}
	floors, err := perCurrencyAmounts(v, "sweep_floor")
	if err != nil {
		return nil, err
	}
	reserves, err := perCurrencyAmounts(v, "treasury_reserve")
	if err != nil {
		return nil, err
	}

	withdrawalMin, err := flatAmounts(v, "withdrawal_min")
	if err != nil {
		return nil, err
	}
	withdrawalMax, err := flatAmounts(v, "withdrawal_max")
	if err != nil {
		return nil, err
	}
	withdrawalFee, err := flatAmounts(v, "withdrawal_fee")
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		HTTPPort:      v.GetString("port"),
		MongoURI:      v.GetString("mongo_uri"),
		MongoDatabase: v.GetString("mongo_database"),
		RedisURL:      v.GetString("redis_url"),
		OperatorToken: v.GetString("operator_token"),
		LogLevel:      v.GetString("log_level"),
		RateLimitRPS:  max(v.GetInt("rate_limit_rps"), 1),

		ArbitrumRPC:    v.GetString("arbitrum_rpc"),
		BitcoinAPIURL:  v.GetString("bitcoin_api_url"),
		BitcoinNetwork: v.GetString("bitcoin_network"),

		SignerURL:    v.GetString("signer_url"),
		SignerAPIKey: v.GetString("signer_api_key"),

		HotWalletKey:    v.GetString("hot_wallet_key"),
		GasSponsorKey:   v.GetString("gas_sponsor_key"),
		TreasuryAddress: v.GetString("treasury_address"),

		DepositConfirmations: map[string]uint64{
			domain.CurrencyPYUSD: v.GetUint64("evm_confirmations"),
			domain.CurrencyUSDT:  v.GetUint64("evm_confirmations"),
			domain.CurrencySAT:   v.GetUint64("btc_confirmations"),
		},
		WithdrawalConfirmations: max(v.GetUint64("withdrawal_confirmations"), 1),

		SweepMode:           sweepMode,
		SweepInterval:       sweepInterval,
		BitcoinPollInterval: btcPollInterval,
		ReconcileInterval:   reconcileInterval,

		SweepThresholds:  thresholds,
		SweepFloors:      floors,
		TreasuryReserves: reserves,

		WithdrawalMin: withdrawalMin,
		WithdrawalMax: withdrawalMax,
		WithdrawalFee: withdrawalFee,
	}

	if strings.TrimSpace(cfg.OperatorToken) == "" {
		return nil, fmt.Errorf("OPERATOR_TOKEN is required")
	}
	if len(cfg.OperatorToken) < 24 {
		return nil, fmt.Errorf("OPERATOR_TOKEN must be at least 24 characters")
	}

	return cfg, nil
}

// envSuffixes maps currency codes to the env-var suffix used for
// per-currency amounts, e.g. SWEEP_THRESHOLD_PYUSD.
var envSuffixes = map[string]string{
	domain.CurrencyPYUSD: "pyusd",
	domain.CurrencyUSDT:  "usdt",
	domain.CurrencySAT:   "sat",
}

func perCurrencyAmounts(v *viper.Viper, prefix string) (map[string]int64, error) {
	out := make(map[string]int64, len(envSuffixes))
	for _, c := range domain.SupportedCurrencies() {
		key := prefix + "_" + envSuffixes[c.Code]
		units, err := parseAmount(v.GetString(key), c)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", strings.ToUpper(key), err)
		}
		out[c.Code] = units
	}
	return out, nil
}

// flatAmounts applies one human-unit value to every withdrawal-eligible
// currency. Only token currencies are withdrawal-eligible.
func flatAmounts(v *viper.Viper, key string) (map[string]int64, error) {
	out := make(map[string]int64)
	for _, c := range domain.ArbitrumTokens() {
		units, err := parseAmount(v.GetString(key), c)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", strings.ToUpper(key), err)
		}
		out[c.Code] = units
	}
	return out, nil
}

func parseAmount(raw string, c domain.Currency) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", raw, err)
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("amount %q must not be negative", raw)
	}
	return c.ToBaseUnits(d), nil
}

func bindEnv(v *viper.Viper, key string, names ...string) {
	args := append([]string{key}, names...)
	_ = v.BindEnv(args...)
}
