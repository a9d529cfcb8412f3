package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"

	"github.com/sendolabs/custody-engine/internal/api/handler"
	"github.com/sendolabs/custody-engine/internal/api/middleware"
	"github.com/sendolabs/custody-engine/internal/config"
	"github.com/sendolabs/custody-engine/internal/service"
)

// Services bundles the engine services the HTTP surface exposes.
type Services struct {
	Account    *service.AccountService
	Transfer   *service.TransferService
	Monitor    *service.MonitorService
	Reconcile  *service.ReconcileService
	Sweep      *service.SweepService
	Withdrawal *service.WithdrawalService
}

type Router struct {
	cfg    *config.Config
	logger *zap.Logger
	mongo  *mongo.Client
	redis  redis.Cmdable
	svcs   Services
}

func NewRouter(cfg *config.Config, logger *zap.Logger, mongoClient *mongo.Client, redisClient redis.Cmdable, svcs Services) *Router {
	return &Router{cfg: cfg, logger: logger, mongo: mongoClient, redis: redisClient, svcs: svcs}
}

func (api *Router) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.TraceMiddleware)
	r.Use(middleware.RecoverMiddleware(api.logger))
	r.Use(middleware.LoggingMiddleware(api.logger))
	r.Use(middleware.MetricsMiddleware)

	// Handlers
	healthHandler := handler.NewHealthHandler(api.mongo, api.redis)
	accountHandler := handler.NewAccountHandler(api.svcs.Account)
	transferHandler := handler.NewTransferHandler(api.svcs.Transfer)
	monitorHandler := handler.NewMonitorHandler(api.svcs.Monitor, api.svcs.Reconcile)
	sweepHandler := handler.NewSweepHandler(api.svcs.Sweep)
	withdrawalHandler := handler.NewWithdrawalHandler(api.svcs.Withdrawal)

	// Public routes
	r.Get("/healthz", healthHandler.Live)
	r.Get("/readyz", healthHandler.Ready)
	r.Handle("/metrics", promhttp.Handler())

	// Operator routes
	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimiter(api.cfg.RateLimitRPS))
		r.Use(middleware.AuthMiddleware)

		// Accounts
		r.Post("/v1/accounts", accountHandler.Register)
		r.Get("/v1/accounts/{id}", accountHandler.Get)
		r.Get("/v1/accounts/by-phone/{phone}", accountHandler.GetByPhone)
		r.Get("/v1/accounts/{id}/balances", accountHandler.Balances)
		r.Post("/v1/accounts/{id}/addresses/{chain}", accountHandler.EnsureAddress)
		r.Get("/v1/accounts/{id}/deposit-info/{currency}", accountHandler.DepositInfo)
		r.Get("/v1/accounts/{id}/transactions", accountHandler.History)
		r.Post("/v1/accounts/{id}/adjustments", accountHandler.ManualAdjust)

		// Internal transfers
		r.Post("/v1/transfers", transferHandler.MakeTransfer)

		// Deposit monitor and reconciliation
		r.Post("/v1/monitor/start", monitorHandler.Start)
		r.Post("/v1/monitor/stop", monitorHandler.Stop)
		r.Get("/v1/monitor/status", monitorHandler.Status)
		r.Post("/v1/reconcile", monitorHandler.Reconcile)

		// Sweeps and treasury
		r.Post("/v1/sweeps/threshold", sweepHandler.TriggerThreshold)
		r.Post("/v1/sweeps/smart", sweepHandler.TriggerSmart)
		r.Post("/v1/sweeps/accounts/{id}/{currency}", sweepHandler.SweepAccount)
		r.Get("/v1/sweeps/stats", sweepHandler.Stats)
		r.Get("/v1/treasury/liquidity", sweepHandler.TreasuryLiquidity)

		// Withdrawals
		r.Post("/v1/withdrawals/validate", withdrawalHandler.Validate)
		r.Post("/v1/withdrawals/estimate", withdrawalHandler.Estimate)
		r.Post("/v1/withdrawals", withdrawalHandler.Process)
		r.Get("/v1/hot-wallet/balances", withdrawalHandler.HotWalletBalances)
	})

	return r
}
