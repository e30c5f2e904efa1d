package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/calderhq/calder/internal"
	"github.com/calderhq/calder/internal/billing"
	"github.com/calderhq/calder/internal/handler"
	"github.com/calderhq/calder/internal/identity"
	"github.com/calderhq/calder/internal/middleware"
	"github.com/calderhq/calder/internal/postgres"
	"github.com/calderhq/calder/internal/router"
	"github.com/calderhq/calder/internal/service"
	"github.com/calderhq/calder/internal/telemetry"
)

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Load configuration
	cfg, err := internal.NewConfig()
	if err != nil {
		return fmt.Errorf("config initialization failed: %w", err)
	}

	// Configure logger
	logger := internal.NewLogger(os.Stdout, cfg.Env, cfg.LogLevel)

	// Initialize database/sql connection for migrations
	logger.Info("Connecting to database...")
	sqlDB, err := sql.Open("pgx", cfg.DatabaseUrl)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer sqlDB.Close()

	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	logger.Info("Database connection established")

	// Run migrations
	logger.Info("Running database migrations...")
	if err := internal.RunMigrations(sqlDB); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	logger.Info("Database migrations completed successfully")

	// Initialize pgx connection pool for application
	pool, err := pgxpool.New(ctx, cfg.DatabaseUrl)
	if err != nil {
		return fmt.Errorf("failed to create connection pool: %w", err)
	}
	defer pool.Close()

	store := postgres.NewBillingStore(pool)

	// Initialize Stripe billing provider
	logger.Info("Initializing Stripe billing provider...")
	billingProvider, err := billing.NewStripeProvider(cfg.Stripe)
	if err != nil {
		return fmt.Errorf("failed to initialize Stripe provider: %w", err)
	}
	logger.Info("Stripe billing provider initialized", "test_mode", cfg.Stripe.IsTestMode())

	// Initialize business metrics
	telemetry.InitBusinessMetrics("calder")

	// Initialize services
	capacityService := service.NewCapacityService(store, logger)
	creditService := service.NewCreditService(store, logger)
	subscriptionService := service.NewSubscriptionService(store, billingProvider, logger)
	checkoutService := service.NewCheckoutService(store, billingProvider, service.CheckoutConfig{
		BaseURL:  cfg.BaseURL,
		Currency: cfg.Currency,
	}, logger)
	webhookProcessor := service.NewWebhookProcessor(store, billingProvider, creditService, cfg.Stripe.WebhookSecret, logger)

	identityClient := identity.NewClient(cfg.IdentityURL, logger)

	billingHandler := handler.NewBillingHandler(
		capacityService,
		checkoutService,
		creditService,
		subscriptionService,
		webhookProcessor,
		middleware.UserIDFromContext,
		logger,
	)

	// ==========================================================================
	// Router
	// ==========================================================================

	r := router.New(
		router.Recovery(logger),
		router.Logger(logger),
	)

	// Operational endpoints
	r.Handle(http.MethodGet, "/metrics", promhttp.Handler())
	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Public catalog
	r.Get("/api/billing/tiers", billingHandler.ListTiers)

	// Provider webhook (signature-verified, not bearer-authenticated)
	r.Post("/webhooks/stripe", billingHandler.HandleWebhook)

	// Authenticated billing API
	api := r.Group(middleware.RequireUser(identityClient))
	api.Get("/api/billing/subscription", billingHandler.GetSubscription)
	api.Post("/api/billing/create-subscription", billingHandler.CreateSubscription)
	api.Post("/api/billing/create-event-payment", billingHandler.CreateEventPayment)
	api.Post("/api/billing/cancel-subscription", billingHandler.CancelSubscription)
	api.Get("/api/billing/credits", billingHandler.GetCredits)
	api.Get("/api/billing/invoices", billingHandler.ListInvoices)
	api.Get("/api/billing/capacity-check", billingHandler.CheckCapacity)

	// Operator endpoints
	admin := r.Group(middleware.RequireAdminToken(cfg.AdminToken))
	admin.Post("/api/admin/grant-subscription", billingHandler.GrantSubscription)

	// ==========================================================================
	// Start server
	// ==========================================================================

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting billing server", "address", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	logger.Info("Server stopped")

	return nil
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}
