package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sendolabs/custody-engine/internal/api"
	"github.com/sendolabs/custody-engine/internal/api/middleware"
	"github.com/sendolabs/custody-engine/internal/chain"
	"github.com/sendolabs/custody-engine/internal/config"
	"github.com/sendolabs/custody-engine/internal/domain"
	"github.com/sendolabs/custody-engine/internal/locker"
	"github.com/sendolabs/custody-engine/internal/repository"
	"github.com/sendolabs/custody-engine/internal/service"
	"github.com/sendolabs/custody-engine/internal/signer"
)

const (
	testOperatorToken = "test-operator-token-0123456789"
	testTreasuryAddr  = "0x00000000000000000000000000000000000000aa"
	testHotWalletAddr = "0x00000000000000000000000000000000000000bb"
)

func TestMain(m *testing.M) {
	zap.ReplaceGlobals(zap.NewNop())
	middleware.SetOperatorToken(testOperatorToken)
	os.Exit(m.Run())
}

type testServer struct {
	router  http.Handler
	evm     *chain.MockEVM
	oracle  *signer.MockOracle
	monitor *service.MonitorService
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	cfg := &config.Config{
		HTTPPort:      "8080",
		OperatorToken: testOperatorToken,
		RateLimitRPS:  1000,
		DepositConfirmations: map[string]uint64{
			domain.CurrencyPYUSD: 12,
			domain.CurrencyUSDT:  12,
			domain.CurrencySAT:   3,
		},
		WithdrawalConfirmations: 2,
	}

	repo := repository.NewMemory()
	evm := &chain.MockEVM{Height: 1000}
	btc := &chain.MockBitcoin{}
	oracle := &signer.MockOracle{}
	locks := locker.New(nil)
	hotWallet := &chain.MockSigner{Addr: ethcommon.HexToAddress(testHotWalletAddr)}

	thresholds := map[string]int64{domain.CurrencyPYUSD: 100_000_000, domain.CurrencyUSDT: 100_000_000}
	floors := map[string]int64{domain.CurrencyPYUSD: 1_000_000, domain.CurrencyUSDT: 1_000_000}
	reserves := map[string]int64{domain.CurrencyPYUSD: 1_000_000_000, domain.CurrencyUSDT: 1_000_000_000}
	min := map[string]int64{domain.CurrencyPYUSD: 100_000, domain.CurrencyUSDT: 100_000}
	max := map[string]int64{domain.CurrencyPYUSD: 10_000_000_000, domain.CurrencyUSDT: 10_000_000_000}
	fee := map[string]int64{domain.CurrencyPYUSD: 500_000, domain.CurrencyUSDT: 500_000}

	monitor := service.NewMonitorService(repo, evm, btc, cfg.DepositConfirmations)
	svcs := api.Services{
		Account:    service.NewAccountService(repo, oracle, cfg.DepositConfirmations),
		Transfer:   service.NewTransferService(repo, locks),
		Monitor:    monitor,
		Reconcile:  service.NewReconcileService(repo, evm, btc, monitor),
		Sweep:      service.NewSweepService(repo, evm, oracle, hotWallet, locks, testTreasuryAddr, thresholds, floors, reserves),
		Withdrawal: service.NewWithdrawalService(repo, evm, hotWallet, locks, testTreasuryAddr, min, max, fee, cfg.WithdrawalConfirmations),
	}

	router := api.NewRouter(cfg, zap.NewNop(), nil, nil, svcs)
	return &testServer{router: router.Routes(), evm: evm, oracle: oracle, monitor: monitor}
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}, token string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(dst))
}

func TestHealthEndpoints(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/healthz", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = ts.do(t, http.MethodGet, "/readyz", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestOperatorRoutesRequireToken(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/v1/monitor/status", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))

	rec = ts.do(t, http.MethodGet, "/v1/monitor/status", nil, "wrong-token")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodGet, "/v1/monitor/status", nil, testOperatorToken)
	assert.Equal(t, http.StatusOK, rec.Code)

	var status map[string]bool
	decodeJSON(t, rec, &status)
	assert.False(t, status["active"])
}

func TestAccountLifecycle(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/v1/accounts", map[string]string{
		"phone_number": "+15550000001",
		"name":         "Ada",
		"email":        "ada@example.com",
	}, testOperatorToken)
	require.Equal(t, http.StatusCreated, rec.Code)

	var account struct {
		ID       string           `json:"id"`
		Balances map[string]int64 `json:"balances"`
	}
	decodeJSON(t, rec, &account)
	require.NotEmpty(t, account.ID)
	assert.Len(t, account.Balances, 3)

	// Duplicate registration conflicts.
	rec = ts.do(t, http.MethodPost, "/v1/accounts", map[string]string{
		"phone_number": "+15550000001",
		"name":         "Ada",
		"email":        "ada@example.com",
	}, testOperatorToken)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodPost, "/v1/accounts/"+account.ID+"/addresses/arbitrum", nil, testOperatorToken)
	require.Equal(t, http.StatusOK, rec.Code)
	var addr map[string]string
	decodeJSON(t, rec, &addr)
	assert.NotEmpty(t, addr["address"])

	rec = ts.do(t, http.MethodGet, "/v1/accounts/"+account.ID+"/deposit-info/"+domain.CurrencyPYUSD, nil, testOperatorToken)
	require.Equal(t, http.StatusOK, rec.Code)
	var info struct {
		Address               string `json:"address"`
		RequiredConfirmations uint64 `json:"required_confirmations"`
	}
	decodeJSON(t, rec, &info)
	assert.Equal(t, addr["address"], info.Address)
	assert.Equal(t, uint64(12), info.RequiredConfirmations)

	rec = ts.do(t, http.MethodPost, "/v1/accounts/"+account.ID+"/adjustments", map[string]string{
		"currency": domain.CurrencyPYUSD,
		"type":     "deposit",
		"amount":   "25.5",
		"note":     "seed",
	}, testOperatorToken)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = ts.do(t, http.MethodGet, "/v1/accounts/"+account.ID+"/balances", nil, testOperatorToken)
	require.Equal(t, http.StatusOK, rec.Code)
	var balances struct {
		Balances map[string]struct {
			BaseUnits int64  `json:"base_units"`
			Amount    string `json:"amount"`
		} `json:"balances"`
	}
	decodeJSON(t, rec, &balances)
	assert.Equal(t, int64(25_500_000), balances.Balances[domain.CurrencyPYUSD].BaseUnits)
	assert.Equal(t, "25.5", balances.Balances[domain.CurrencyPYUSD].Amount)

	rec = ts.do(t, http.MethodGet, "/v1/accounts/"+account.ID+"/transactions", nil, testOperatorToken)
	require.Equal(t, http.StatusOK, rec.Code)
	var history []map[string]interface{}
	decodeJSON(t, rec, &history)
	assert.Len(t, history, 1)
}

func TestTransferEndpoint(t *testing.T) {
	ts := newTestServer(t)

	sender := registerAccount(t, ts, "+15550000001", "ada@example.com")
	recipient := registerAccount(t, ts, "+15550000002", "bob@example.com")

	rec := ts.do(t, http.MethodPost, "/v1/accounts/"+sender+"/adjustments", map[string]string{
		"currency": domain.CurrencyUSDT,
		"type":     "deposit",
		"amount":   "100",
	}, testOperatorToken)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = ts.do(t, http.MethodPost, "/v1/transfers", map[string]string{
		"from_account_id": sender,
		"to_account_id":   recipient,
		"currency":        domain.CurrencyUSDT,
		"amount":          "10.25",
	}, testOperatorToken)
	require.Equal(t, http.StatusCreated, rec.Code)

	var result struct {
		SenderBalance    int64 `json:"sender_balance"`
		RecipientBalance int64 `json:"recipient_balance"`
	}
	decodeJSON(t, rec, &result)
	assert.Equal(t, int64(89_750_000), result.SenderBalance)
	assert.Equal(t, int64(10_250_000), result.RecipientBalance)

	// Insufficient funds surfaces as 422.
	rec = ts.do(t, http.MethodPost, "/v1/transfers", map[string]string{
		"from_account_id": recipient,
		"to_account_id":   sender,
		"currency":        domain.CurrencyUSDT,
		"amount":          "999",
	}, testOperatorToken)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestWithdrawalValidateEndpoint(t *testing.T) {
	ts := newTestServer(t)
	account := registerAccount(t, ts, "+15550000001", "ada@example.com")

	rec := ts.do(t, http.MethodPost, "/v1/withdrawals/validate", map[string]string{
		"account_id":  account,
		"currency":    domain.CurrencyPYUSD,
		"amount":      "0.05",
		"destination": "0x000000000000000000000000000000000000dEaD",
	}, testOperatorToken)
	require.Equal(t, http.StatusOK, rec.Code)

	var validation struct {
		Valid  bool     `json:"valid"`
		Errors []string `json:"errors"`
	}
	decodeJSON(t, rec, &validation)
	assert.False(t, validation.Valid)
	assert.NotEmpty(t, validation.Errors)
}

func TestSweepStatsEndpoint(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/v1/sweeps/stats", nil, testOperatorToken)
	require.Equal(t, http.StatusOK, rec.Code)

	var overview struct {
		TreasuryConfigured bool `json:"treasury_configured"`
	}
	decodeJSON(t, rec, &overview)
	assert.True(t, overview.TreasuryConfigured)
}

func TestRejectsUnknownCurrency(t *testing.T) {
	ts := newTestServer(t)
	account := registerAccount(t, ts, "+15550000001", "ada@example.com")

	rec := ts.do(t, http.MethodPost, "/v1/accounts/"+account+"/adjustments", map[string]string{
		"currency": "DOGE",
		"type":     "deposit",
		"amount":   "1",
	}, testOperatorToken)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func registerAccount(t *testing.T, ts *testServer, phone, email string) string {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/v1/accounts", map[string]string{
		"phone_number": phone,
		"name":         "Test User",
		"email":        email,
	}, testOperatorToken)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var account struct {
		ID string `json:"id"`
	}
	decodeJSON(t, rec, &account)
	return account.ID
}

func TestProblemBodyShape(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/v1/accounts/missing", nil, testOperatorToken)
	require.Equal(t, http.StatusNotFound, rec.Code)

	var details struct {
		Type   string `json:"type"`
		Title  string `json:"title"`
		Status int    `json:"status"`
		Detail string `json:"detail"`
	}
	decodeJSON(t, rec, &details)
	assert.Equal(t, http.StatusNotFound, details.Status)
	assert.Contains(t, details.Type, "not-found")
	assert.NotEmpty(t, details.Detail)
}
