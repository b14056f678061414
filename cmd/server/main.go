package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/corebank/ledger/internal/config"
	"github.com/corebank/ledger/internal/database"
	"github.com/corebank/ledger/internal/logger"
	"github.com/corebank/ledger/internal/services"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// @title Core Banking Ledger API
// @version 1.0
// @description Two-phase transaction ledger: Pending records, completion, voids and an append-only audit trail.
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	cfg, err := config.Load(viper.New(), ".env")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zl, err := logger.New(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer zl.Sync()

	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStart()

	store, closeStore, err := openStore(startCtx, cfg, zl)
	if err != nil {
		zl.Fatal("failed to open ledger store", zap.Error(err))
	}
	defer closeStore()

	var publisher services.EventPublisher = services.NopPublisher{}
	if redisClient := database.InitRedis(startCtx, cfg.Redis, zl); redisClient != nil {
		defer redisClient.Close()
		publisher = services.NewBreakerPublisher(
			services.NewRedisPublisher(redisClient, cfg.Redis.EventsQueue),
			zl, uint32(cfg.Redis.BreakerFailures), cfg.Redis.BreakerOpenFor,
		)
	}

	router := newRouter(cfg, zl, store, publisher)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Graceful shutdown
	go func() {
		zl.Info("server starting", zap.String("addr", server.Addr), zap.String("store", cfg.Ledger.Store))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zl.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zl.Info("server shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		zl.Error("server forced to shutdown", zap.Error(err))
		return
	}

	zl.Info("server stopped")
}

// openStore builds the configured store. The returned func releases it.
func openStore(ctx context.Context, cfg *config.Config, zl *zap.Logger) (database.LedgerStore, func(), error) {
	if cfg.Ledger.Store == "memory" {
		accounts, err := database.ParseSeedAccounts(cfg.Ledger.SeedAccounts)
		if err != nil {
			return nil, nil, err
		}
		store := database.NewMemoryStore(accounts...)
		if _, err := store.GetAccount(ctx, cfg.Ledger.AdminAccount); err != nil {
			store.PutAccount(adminAccount(cfg.Ledger.AdminAccount))
		}
		zl.Warn("using in-memory ledger store; data is lost on restart", zap.Int("accounts", len(accounts)))
		return store, func() {}, nil
	}

	db, err := database.Open(ctx, cfg.Database, zl)
	if err != nil {
		return nil, nil, err
	}

	caps := database.FullSchema
	if cfg.Database.AutoMigrate {
		err = database.Migrate(ctx, db)
	} else {
		caps, err = database.DetectCapabilities(ctx, db)
	}
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	zl.Info("ledger schema ready",
		zap.Bool("fee", caps.HasFee),
		zap.Bool("note", caps.HasNote),
		zap.Bool("idempotency_key", caps.HasIdempotencyKey))

	return database.NewPostgresStore(db, caps, cfg.Database.LockTimeout), func() { db.Close() }, nil
}
