package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/sendolabs/custody-engine/internal/api"
	"github.com/sendolabs/custody-engine/internal/api/middleware"
	"github.com/sendolabs/custody-engine/internal/chain"
	"github.com/sendolabs/custody-engine/internal/config"
	"github.com/sendolabs/custody-engine/internal/domain"
	"github.com/sendolabs/custody-engine/internal/locker"
	"github.com/sendolabs/custody-engine/internal/observability"
	"github.com/sendolabs/custody-engine/internal/repository"
	"github.com/sendolabs/custody-engine/internal/service"
	"github.com/sendolabs/custody-engine/internal/signer"
	"github.com/sendolabs/custody-engine/internal/worker"
)

// Run bootstraps the HTTP server and background workers, blocking until shutdown.
func Run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)
	observability.Init()
	middleware.SetOperatorToken(cfg.OperatorToken)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return fmt.Errorf("connect mongodb: %w", err)
	}
	defer mongoClient.Disconnect(context.Background())

	repo, err := repository.NewMongo(ctx, mongoClient.Database(cfg.MongoDatabase))
	if err != nil {
		return fmt.Errorf("init ledger repository: %w", err)
	}

	redisClient := newRedisClient(cfg.RedisURL, logger)
	if redisClient != nil {
		defer redisClient.Close()
	}
	locks := locker.New(redisClient)

	evmClient, err := chain.NewEVM(ctx, cfg.ArbitrumRPC, domain.ArbitrumChainID)
	if err != nil {
		return fmt.Errorf("connect arbitrum rpc: %w", err)
	}
	btcClient := chain.NewBitcoin(cfg.BitcoinAPIURL, bitcoinParams(cfg.BitcoinNetwork))

	oracle := newOracle(cfg, logger)
	hotWallet, err := newOptionalWallet(cfg.HotWalletKey, "hot_wallet", logger)
	if err != nil {
		return fmt.Errorf("load hot wallet key: %w", err)
	}
	sponsor, err := newOptionalWallet(cfg.GasSponsorKey, "gas_sponsor", logger)
	if err != nil {
		return fmt.Errorf("load gas sponsor key: %w", err)
	}

	monitorSvc := service.NewMonitorService(repo, evmClient, btcClient, cfg.DepositConfirmations)
	svcs := api.Services{
		Account:    service.NewAccountService(repo, oracle, cfg.DepositConfirmations),
		Transfer:   service.NewTransferService(repo, locks),
		Monitor:    monitorSvc,
		Reconcile:  service.NewReconcileService(repo, evmClient, btcClient, monitorSvc),
		Sweep: service.NewSweepService(repo, evmClient, oracle, sponsor, locks,
			cfg.TreasuryAddress, cfg.SweepThresholds, cfg.SweepFloors, cfg.TreasuryReserves),
		Withdrawal: service.NewWithdrawalService(repo, evmClient, hotWallet, locks,
			cfg.TreasuryAddress, cfg.WithdrawalMin, cfg.WithdrawalMax, cfg.WithdrawalFee,
			cfg.WithdrawalConfirmations),
	}

	if err := monitorSvc.Start(ctx); err != nil {
		return fmt.Errorf("start deposit monitor: %w", err)
	}
	defer func() { _ = monitorSvc.Stop() }()

	stopBitcoinPoll := worker.NewBitcoinPollWorker(monitorSvc).
		WithInterval(cfg.BitcoinPollInterval).
		Run(ctx)
	stopSweep := worker.NewSweepWorker(svcs.Sweep, cfg.SweepMode).
		WithInterval(cfg.SweepInterval).
		Run(ctx)
	stopReconcile := worker.NewReconciliationWorker(svcs.Reconcile).
		WithInterval(cfg.ReconcileInterval).
		Run(ctx)

	router := api.NewRouter(cfg, logger, mongoClient, redisCmdable(redisClient), svcs)

	server := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("http server starting", zap.String("port", cfg.HTTPPort))
		serverErr <- server.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("stopping workers")
	stopBitcoinPoll()
	stopSweep()
	stopReconcile()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	switch strings.ToLower(level) {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info", "":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		return nil, fmt.Errorf("unknown log level: %s", level)
	}
	return cfg.Build()
}

// newRedisClient is best effort: the locker and readiness probe degrade
// gracefully when Redis is absent.
func newRedisClient(url string, logger *zap.Logger) *redis.Client {
	if url == "" {
		logger.Warn("redis url not set, balance locks are process-local only")
		return nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		logger.Warn("invalid redis url, balance locks are process-local only", zap.Error(err))
		return nil
	}
	return redis.NewClient(opts)
}

func redisCmdable(client *redis.Client) redis.Cmdable {
	if client == nil {
		return nil
	}
	return client
}

// newOptionalWallet treats an absent key as a deliberately disabled
// capability: the dependent operations fail with a configuration error
// while the rest of the engine keeps running.
func newOptionalWallet(hexKey, role string, logger *zap.Logger) (chain.TxSigner, error) {
	if hexKey == "" {
		logger.Warn("wallet key not set, dependent operations are disabled",
			zap.String("role", role))
		return nil, nil
	}
	return signer.NewLocalWallet(hexKey)
}

// newOracle picks the remote MPC signing service when configured and falls
// back to the in-process mock for local development.
func newOracle(cfg *config.Config, logger *zap.Logger) signer.Oracle {
	if cfg.SignerURL != "" {
		return signer.NewHTTPOracle(cfg.SignerURL, cfg.SignerAPIKey)
	}
	logger.Warn("signer url not set, using in-process mock oracle")
	return &signer.MockOracle{}
}

func bitcoinParams(network string) *chaincfg.Params {
	switch strings.ToLower(network) {
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params
	case "regtest":
		return &chaincfg.RegressionNetParams
	default:
		return &chaincfg.MainNetParams
	}
}
