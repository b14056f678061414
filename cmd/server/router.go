package main

import (
	"context"
	"net/http"
	"time"

	"github.com/corebank/ledger/docs"
	"github.com/corebank/ledger/internal/config"
	"github.com/corebank/ledger/internal/database"
	"github.com/corebank/ledger/internal/handlers"
	mW "github.com/corebank/ledger/internal/middleware"
	"github.com/corebank/ledger/internal/models"
	"github.com/corebank/ledger/internal/services"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/shopspring/decimal"
	httpSwagger "github.com/swaggo/http-swagger"
	"go.uber.org/zap"
)

func adminAccount(number string) models.Account {
	return models.Account{
		AccountNumber: number,
		Name:          "Bank Administrator",
		Balance:       decimal.Zero,
		Status:        models.AccountActive,
	}
}

// newRouter wires the services over store and returns the full HTTP surface.
func newRouter(cfg *config.Config, zl *zap.Logger, store database.LedgerStore, publisher services.EventPublisher) http.Handler {
	ledger := services.NewLedgerService(store, zl,
		services.WithPublisher(publisher),
		services.WithMaxNoteLength(cfg.Ledger.MaxNoteLength),
	)
	history := services.NewHistoryService(store, zl.Named("history"), cfg.Ledger.HistoryLimit, cfg.Ledger.ExportLimit)
	receipts := services.NewReceiptService(ledger, store, cfg.Ledger.Currency)
	iso := services.NewISO20022Service(ledger, store, cfg.Ledger.Currency, cfg.Ledger.BankBIC)

	transactionHandler := handlers.NewTransactionHandler(ledger, history, receipts, iso, zl)
	accountHandler := handlers.NewAccountHandler(ledger, zl)
	auth := mW.NewAuthenticator(cfg.JWT.SecretKey, cfg.Ledger.AdminAccount, time.Duration(cfg.JWT.ExpiryHours)*time.Hour)

	docs.SwaggerInfo.Host = "localhost:" + cfg.Server.Port

	r := chi.NewRouter()

	// Middleware
	r.Use(mW.SecurityHeaders)
	r.Use(mW.RequestLogger(zl.Named("http")))
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", handlers.IdempotencyKeyHeader, mW.RequestIDHeader},
		ExposedHeaders:   []string{"Content-Disposition", mW.RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := store.Ping(ctx); err != nil {
			zl.Warn("health check failed", zap.Error(err))
			services.SendErrorResponse(w, "unhealthy", http.StatusServiceUnavailable, nil)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"healthy"}`))
	})

	// Swagger documentation
	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
	))

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(auth.Middleware)
		handlers.Mount(r, transactionHandler, accountHandler)
	})

	return r
}
