package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/frahmantamala/crowdfunding-payments/api"
	"github.com/frahmantamala/crowdfunding-payments/internal"
	"github.com/frahmantamala/crowdfunding-payments/internal/auth"
	"github.com/frahmantamala/crowdfunding-payments/internal/core/events"
	"github.com/frahmantamala/crowdfunding-payments/internal/idempotency"
	idempotencyDynamo "github.com/frahmantamala/crowdfunding-payments/internal/idempotency/dynamodb"
	idempotencyPostgres "github.com/frahmantamala/crowdfunding-payments/internal/idempotency/postgres"
	"github.com/frahmantamala/crowdfunding-payments/internal/ledger"
	ledgerPostgres "github.com/frahmantamala/crowdfunding-payments/internal/ledger/postgres"
	"github.com/frahmantamala/crowdfunding-payments/internal/metrics"
	"github.com/frahmantamala/crowdfunding-payments/internal/notification"
	"github.com/frahmantamala/crowdfunding-payments/internal/payment"
	"github.com/frahmantamala/crowdfunding-payments/internal/paymentgateway"
	"github.com/frahmantamala/crowdfunding-payments/internal/payout"
	"github.com/frahmantamala/crowdfunding-payments/internal/project"
	projectPostgres "github.com/frahmantamala/crowdfunding-payments/internal/project/postgres"
	"github.com/frahmantamala/crowdfunding-payments/internal/transport"
	"github.com/frahmantamala/crowdfunding-payments/internal/transport/middleware"
	"github.com/frahmantamala/crowdfunding-payments/internal/transport/rest"
	"github.com/frahmantamala/crowdfunding-payments/pkg/logger"
)

const webhookPath = "/api/v1/webhooks/payments"

var httpServerCmd = &cobra.Command{
	Use:   "server",
	Short: "Start HTTP server",
	Long:  `Start the HTTP server to handle API requests`,
	Run: func(cmd *cobra.Command, args []string) {
		startHTTPServer()
	},
}

type Dependencies struct {
	Config   *internal.Config
	DB       *sqlx.DB
	Gorm     *gorm.DB
	Router   *chi.Mux
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	EventBus *events.EventBus

	closers []func()
}

func (d *Dependencies) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
}

func startHTTPServer() {
	deps, err := initializeDependencies()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize dependencies: %v\n", err)
		os.Exit(1)
	}

	if err := setupRoutes(deps); err != nil {
		deps.Logger.Error("failed to wire services", "error", err)
		deps.Close()
		os.Exit(1)
	}

	addr := fmt.Sprintf(":%d", deps.Config.Server.Port)
	deps.Logger.Info("Starting HTTP server", "address", addr, "provider", deps.Config.Payment.Provider)

	server := &http.Server{
		Addr:              addr,
		Handler:           deps.Router,
		ReadHeaderTimeout: deps.Config.Server.ReadHeaderTimeout,
		ReadTimeout:       deps.Config.Server.ReadTimeout,
		WriteTimeout:      deps.Config.Server.WriteTimeout,
		IdleTimeout:       deps.Config.Server.IdleTimeout,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serverErrChan := make(chan error, 1)
	go func() {
		serverErrChan <- server.ListenAndServe()
	}()

	select {
	case sig := <-sigChan:
		deps.Logger.Info("Received signal, shutting down...", "signal", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			deps.Logger.Error("Server shutdown error", "error", err)
		}
	case err := <-serverErrChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			deps.Logger.Error("Server failed to start", "error", err)
			deps.Close()
			os.Exit(1)
		}
	}

	deps.Close()
	deps.Logger.Info("Server stopped")
}

// setupRoutes builds every service once and mounts their handlers.
func setupRoutes(deps *Dependencies) error {
	ctx := context.Background()
	cfg := deps.Config
	lg := deps.Logger

	publicKey, err := cfg.Security.GetPublicKey()
	if err != nil {
		return fmt.Errorf("load jwt public key: %w", err)
	}

	rawGateway, stopGateway, err := paymentgateway.New(cfg.Payment, lg)
	if err != nil {
		return fmt.Errorf("build payment gateway: %w", err)
	}
	deps.closers = append(deps.closers, stopGateway)
	gateway := paymentgateway.NewInstrumented(rawGateway, deps.Metrics)

	idemStore, idemCheck, err := newIdempotencyStore(ctx, cfg.Idempotency, deps.Gorm)
	if err != nil {
		return err
	}
	guard := idempotency.NewGuard(idemStore, cfg.Idempotency, lg)

	store := ledger.NewRetryingStore(ledgerPostgres.NewLedgerStore(deps.Gorm), cfg.Database.WriteRetries, cfg.Database.RetryBaseDelay, lg)
	projects := projectPostgres.NewProjectRepository(deps.Gorm)

	notification.NewEventHandler(notification.NewLogSender(lg), lg).RegisterEventHandlers(deps.EventBus)

	timeout := cfg.Payment.GatewayTimeout
	paymentService := payment.NewService(store, projects, guard, gateway, deps.EventBus, deps.Metrics, timeout, lg)
	payoutService := payout.NewService(store, projects, gateway, deps.EventBus, deps.Metrics, cfg.Payout, timeout, lg)
	reconciler := payment.NewReconciler(store, guard, gateway, payoutService, deps.EventBus, deps.Metrics, timeout, lg)

	base := transport.NewBaseHandler(lg)
	checks := map[string]rest.Check{}
	if idemCheck != nil {
		checks["idempotency"] = idemCheck
	}

	handlers := rest.Handlers{
		Auth:        auth.NewHandler(base, auth.NewJWTTokenGenerator(publicKey, nil, cfg.Security.AccessTokenDuration)),
		RBAC:        auth.NewRBACAuthorization(auth.NewPermissionChecker(), base),
		Payment:     payment.NewHandler(base, paymentService),
		Webhook:     payment.NewWebhookHandler(base, reconciler),
		Payout:      payout.NewHandler(base, payoutService),
		Project:     project.NewHandler(base, project.NewService(projects, lg)),
		Health:      rest.NewHealthHandler(deps.DB, checks),
		Metrics:     deps.Metrics,
		MetricsPath: cfg.Observability.Metrics.Path,
		Limiter:     middleware.NewRateLimiter(cfg.RateLimit),
		Origins:     cfg.Server.Origins(),
		LogRequests: cfg.Observability.Logging.Level == "debug",
	}

	if _, err := api.Load(ctx); err != nil {
		lg.Warn("openapi document failed validation, not serving it", "error", err)
	} else {
		handlers.OpenAPI = api.Spec
	}

	rest.RegisterAllRoutes(deps.Router, handlers, lg)
	return nil
}

func newIdempotencyStore(ctx context.Context, cfg internal.IdempotencyConfig, db *gorm.DB) (idempotency.Store, rest.Check, error) {
	switch cfg.Backend {
	case internal.IdempotencyBackendDynamoDB:
		client, err := idempotencyDynamo.NewClient(ctx, cfg.DynamoDB)
		if err != nil {
			return nil, nil, fmt.Errorf("build dynamodb client: %w", err)
		}
		store := idempotencyDynamo.NewStore(client, cfg.DynamoDB.Table)
		return store, store.Ping, nil
	default:
		return idempotencyPostgres.NewStore(db), nil, nil
	}
}

func initializeDependencies() (*Dependencies, error) {
	config, err := loadValidConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	lg := logger.Init(config.Observability.Logging.Level, config.Observability.Logging.Format)

	db, err := initDB(config.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	gdb, err := initGorm(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	var m *metrics.Metrics
	if config.Observability.Metrics.Enabled {
		m = metrics.New()
	}

	bus := events.NewEventBus(lg)

	deps := &Dependencies{
		Config:   config,
		Logger:   lg,
		DB:       db,
		Gorm:     gdb,
		Router:   chi.NewRouter(),
		Metrics:  m,
		EventBus: bus,
	}
	deps.closers = append(deps.closers, func() {
		if err := db.Close(); err != nil {
			lg.Error("Database close error", "error", err)
		}
	}, bus.Wait)
	return deps, nil
}

// initDB initializes the database connection
func initDB(cfg internal.DatabaseConfig) (*sqlx.DB, error) {
	const driver = "pgx"

	dbConn, err := sqlx.Connect(driver, cfg.Source)
	if err != nil {
		return nil, fmt.Errorf("failed to open db connection: %w", err)
	}

	dbConn.SetMaxIdleConns(cfg.MaxIdleConns)
	dbConn.SetMaxOpenConns(cfg.MaxOpenConns)
	dbConn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	dbConn.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := dbConn.Ping(); err != nil {
		_ = dbConn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return dbConn, nil
}

// initGorm shares the sqlx pool with gorm.
func initGorm(db *sqlx.DB) (*gorm.DB, error) {
	gdb, err := gorm.Open(postgres.New(postgres.Config{Conn: db.DB}), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open gorm session: %w", err)
	}
	return gdb, nil
}
