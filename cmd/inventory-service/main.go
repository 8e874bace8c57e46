package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/pharmapos/pharmapos-backend/internal/inventory/client"
	"github.com/pharmapos/pharmapos-backend/internal/inventory/consumers"
	"github.com/pharmapos/pharmapos-backend/internal/inventory/domain"
	"github.com/pharmapos/pharmapos-backend/internal/inventory/events"
	"github.com/pharmapos/pharmapos-backend/internal/inventory/handler"
	"github.com/pharmapos/pharmapos-backend/internal/inventory/lock"
	"github.com/pharmapos/pharmapos-backend/internal/inventory/repository"
	"github.com/pharmapos/pharmapos-backend/internal/inventory/service"
	"github.com/pharmapos/pharmapos-backend/pkg/config"
	"github.com/pharmapos/pharmapos-backend/pkg/database"
	"github.com/pharmapos/pharmapos-backend/pkg/httputil"
	"github.com/pharmapos/pharmapos-backend/pkg/logger"
	"github.com/pharmapos/pharmapos-backend/pkg/messaging"
)

func main() {
	// Load configuration with validation (fails fast in production if required config is missing)
	cfg, err := config.LoadWithValidation("inventory-service")
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New("inventory-service", cfg.Server.Environment, cfg.Server.LogLevel)
	log.Info().
		Str("store", cfg.Stock.Store).
		Str("lock_backend", cfg.Stock.LockBackend).
		Msg("starting Inventory Service")

	// trace context rides along on published and consumed stock events
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Select the ledger store
	var (
		db       *database.DB
		store    repository.Store
		sessions repository.SessionRepository
	)
	switch cfg.Stock.Store {
	case config.StorePostgres:
		db, err = database.New(&cfg.Database, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer db.Close()

		if err := repository.Migrate(ctx, db); err != nil {
			log.Fatal().Err(err).Msg("failed to apply ledger schema")
		}
		store = repository.NewPostgresStore(db)
		sessions = repository.NewPostgresSessionRepository(db)
	default:
		log.Warn().Msg("using in-memory stock store; ledger is lost on restart")
		store = repository.NewMemoryStore()
		sessions = repository.NewMemorySessionRepository()
	}

	// Select the opname lock backend
	var (
		rdb    *redis.Client
		locker lock.Locker
	)
	switch cfg.Stock.LockBackend {
	case config.LockRedis:
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		defer rdb.Close()

		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("failed to connect to Redis")
		}
		locker = lock.NewRedisLocker(rdb)
	default:
		locker = lock.NewMemoryLocker()
	}

	policies := make(domain.ReturnPolicies, len(cfg.Stock.ReturnPolicies))
	for reason, p := range cfg.Stock.ReturnPolicies {
		policies[reason] = domain.ReturnPolicy{Restock: p.Restock, Quarantine: p.Quarantine}
	}

	// Catalog lookups are optional
	var catalog service.Catalog
	if cfg.Services.CatalogServiceURL != "" {
		catalog = client.NewCatalogClient(cfg.Services.CatalogServiceURL, log)
	}

	// Connect to RabbitMQ
	rmq, err := messaging.New(&cfg.RabbitMQ, "inventory-service", log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to RabbitMQ")
	}
	defer rmq.Close()

	// Initialize event publisher
	publisher, err := events.NewStockEventPublisher(rmq, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create event publisher")
	}

	// Initialize services
	registryService := service.NewRegistryService(store, catalog, publisher, log)
	allocationService := service.NewAllocationService(store, locker, catalog, publisher, log)
	returnService := service.NewReturnService(store, locker, policies, publisher, log)
	opnameService := service.NewOpnameService(store, sessions, locker, cfg.Stock.OpnameLockTTL, publisher, log)
	expiryService := service.NewExpiryService(store)

	// Start feed consumers; rejected feed events are parked in dlq.inventory-service
	if err := rmq.DeclareDeadLetterQueue("inventory-service"); err != nil {
		log.Fatal().Err(err).Msg("failed to declare dead letter queue")
	}
	receiptConsumer, err := consumers.NewGoodsReceiptConsumer(rmq, registryService, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create goods receipt consumer")
	}
	salesConsumer, err := consumers.NewSalesConsumer(rmq, registryService, allocationService, returnService, publisher, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create sales consumer")
	}

	startConsumers := func(ctx context.Context) error {
		if err := receiptConsumer.Start(ctx); err != nil {
			return fmt.Errorf("goods receipt consumer: %w", err)
		}
		if err := salesConsumer.Start(ctx); err != nil {
			return fmt.Errorf("sales consumer: %w", err)
		}
		return nil
	}
	if err := startConsumers(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start consumers")
	}
	go rmq.Watch(ctx, startConsumers)

	// Start expiry scheduler
	scheduler := service.NewExpiryScheduler(expiryService, store, publisher,
		cfg.Stock.ExpiryThresholdDays, cfg.Stock.ExpiryScanInterval, log)
	scheduler.Start(ctx)
	defer scheduler.Stop()

	// Create router
	router := handler.NewRouter(handler.Handlers{
		Batches:    handler.NewBatchHandler(registryService, log),
		Allocation: handler.NewAllocationHandler(allocationService, returnService, log),
		Opname:     handler.NewOpnameHandler(opnameService, log),
		Expiry:     handler.NewExpiryHandler(expiryService, cfg.Stock.ExpiryThresholdDays, log),
		Health: func(w http.ResponseWriter, r *http.Request) {
			status := map[string]interface{}{
				"status":   "healthy",
				"service":  "inventory-service",
				"store":    cfg.Stock.Store,
				"rabbitmq": rmq.Health(),
			}
			if db != nil {
				status["database"] = db.Health(r.Context())
			}
			if rdb != nil {
				redisStatus := map[string]string{"status": "up"}
				if err := rdb.Ping(r.Context()).Err(); err != nil {
					redisStatus = map[string]string{"status": "down", "error": err.Error()}
				}
				status["redis"] = redisStatus
			}
			httputil.JSON(w, http.StatusOK, status)
		},
	}, cfg.Server.AllowedOrigins, log)

	// Create server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server
	go func() {
		log.Info().Str("addr", addr).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")

	// Cancel context to stop consumers and the scheduler
	cancel()

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}
