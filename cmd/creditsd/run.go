package main

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/nper79/clothing-sub001/internal/creditsapi"
	"github.com/nper79/clothing-sub001/internal/events/kafkapub"
	"github.com/nper79/clothing-sub001/internal/lock"
	"github.com/nper79/clothing-sub001/internal/store/gormstore"
	"github.com/nper79/clothing-sub001/internal/store/memstore"
	"github.com/nper79/clothing-sub001/internal/store/pgstore"
	"github.com/nper79/clothing-sub001/pkg/ledger"
	"go.uber.org/zap"
)

const startupTimeout = 10 * time.Second

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	service, cleanup, err := buildService(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	return creditsapi.Run(ctx, cfg.API, service, logger)
}

func runMigrate(ctx context.Context, cfg *runtimeConfig) error {
	driver, _, err := gormstore.ResolveDriver(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	if driver == gormstore.DriverPostgres && cfg.StoreBackend == storeBackendPgx {
		return pgstore.Migrate(cfg.DatabaseURL)
	}
	db, closeDB, _, err := gormstore.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = closeDB() }()
	return gormstore.New(db).AutoMigrate(ctx)
}

// buildService wires the ledger with its stores, lock and publisher. Optional
// infrastructure that cannot be reached is logged and left out.
func buildService(ctx context.Context, cfg *runtimeConfig, logger *zap.Logger) (*ledger.Service, func(), error) {
	var cleanups []func()
	cleanup := func() {
		for index := len(cleanups) - 1; index >= 0; index-- {
			cleanups[index]()
		}
	}

	options := []ledger.ServiceOption{
		ledger.WithPricing(cfg.Pricing),
		ledger.WithLogger(logger),
		ledger.WithOperationLogger(ledger.NewZapOperationLogger(logger)),
	}

	if cfg.CatalogFile != "" {
		catalog, err := creditsapi.LoadCatalogFile(cfg.CatalogFile)
		if err != nil {
			return nil, nil, err
		}
		options = append(options, ledger.WithCatalog(catalog))
	}

	var store ledger.Store = memstore.New()
	primary, closeStore, err := openPrimaryStore(ctx, cfg)
	switch {
	case err != nil:
		logger.Warn("database unavailable, keeping balances in memory", zap.Error(err))
	case primary == nil:
		logger.Warn("no database configured, keeping balances in memory")
	default:
		cleanups = append(cleanups, closeStore)
		options = append(options, ledger.WithFallbackStore(store))
		store = primary
	}

	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		cleanups = append(cleanups, func() { _ = client.Close() })
		options = append(options, ledger.WithLocker(lock.NewRedisLocker(client)))
	} else {
		options = append(options, ledger.WithLocker(lock.NewLocalLocker()))
	}

	if len(cfg.KafkaBrokers) > 0 {
		publisher, err := kafkapub.Dial(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			logger.Warn("kafka unavailable, transaction events disabled", zap.Error(err))
		} else {
			cleanups = append(cleanups, func() { _ = publisher.Close() })
			options = append(options, ledger.WithTransactionPublisher(publisher))
		}
	}

	clock := func() int64 { return time.Now().UTC().Unix() }
	service, err := ledger.NewService(store, clock, options...)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("credit service init: %w", err)
	}
	return service, cleanup, nil
}

// openPrimaryStore returns a nil store when no database url is configured.
func openPrimaryStore(ctx context.Context, cfg *runtimeConfig) (ledger.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		return nil, nil, nil
	}
	startupCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	if cfg.StoreBackend == storeBackendPgx {
		pool, err := pgstore.ConnectAndMigrate(startupCtx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return pgstore.New(pool), pool.Close, nil
	}

	db, closeDB, _, err := gormstore.Open(startupCtx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	store := gormstore.New(db)
	if err := store.AutoMigrate(startupCtx); err != nil {
		_ = closeDB()
		return nil, nil, err
	}
	return store, func() { _ = closeDB() }, nil
}
