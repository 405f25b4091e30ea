package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/hanko-field/store-api/internal/di"
	"github.com/hanko-field/store-api/internal/handlers"
	"github.com/hanko-field/store-api/internal/payments"
	"github.com/hanko-field/store-api/internal/platform/auth"
	"github.com/hanko-field/store-api/internal/platform/config"
	"github.com/hanko-field/store-api/internal/platform/idempotency"
	"github.com/hanko-field/store-api/internal/platform/jobs"
	"github.com/hanko-field/store-api/internal/platform/observability"
	"github.com/hanko-field/store-api/internal/platform/postgres"
	"github.com/hanko-field/store-api/internal/platform/requestctx"
	"github.com/hanko-field/store-api/internal/platform/secrets"
	"github.com/hanko-field/store-api/internal/repositories"
	pgrepo "github.com/hanko-field/store-api/internal/repositories/postgres"
	"github.com/hanko-field/store-api/internal/services"
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger(os.Getenv("LOG_LEVEL"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	ctx = requestctx.WithLogger(ctx, logger)

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(fetcher),
		config.WithRequiredSecrets("Database.URL"),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := buildInfoFromEnv(envValues, cfg, startedAt)

	db, err := postgres.NewProvider(ctx, cfg.Database)
	if err != nil {
		logger.Fatal("failed to initialise postgres", zap.Error(err))
	}
	if cfg.Database.MigrateOnStart {
		migrateCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		err := db.Migrate(migrateCtx, logger.Named("migrate"))
		cancel()
		if err != nil {
			logger.Fatal("database migration failed", zap.Error(err))
		}
	}

	healthRepo, err := newHealthRepository(db, fetcher, cfg.Secrets.DefaultProjectID)
	if err != nil {
		logger.Fatal("failed to initialise health checks", zap.Error(err))
	}
	registry, err := pgrepo.NewRegistry(db, healthRepo)
	if err != nil {
		logger.Fatal("failed to initialise repositories", zap.Error(err))
	}

	paymentManager, err := newPaymentManager(cfg, logger.Named("payments"))
	if err != nil {
		logger.Warn("payments disabled", zap.Error(err))
	} else {
		logger.Info("payment providers registered", zap.Strings("providers", paymentManager.Providers()))
	}

	publisher, closePublisher, err := newOrderEventPublisher(ctx, cfg, logger.Named("events"))
	if err != nil {
		logger.Warn("order event publishing disabled", zap.Error(err))
	}
	defer closePublisher()

	deps := di.Dependencies{
		Registry: registry,
		Payments: paymentManager,
		Logger:   logger,
		Build:    buildInfo,
	}
	if publisher != nil {
		deps.Events = publisher
	}
	container, err := di.NewContainer(ctx, cfg, deps)
	if err != nil {
		logger.Fatal("failed to initialise services", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("postgres close error", zap.Error(err))
		}
	}()

	verifier, err := newTokenVerifier(ctx, cfg.Auth)
	if err != nil {
		logger.Fatal("failed to initialise token verifier", zap.Error(err))
	}
	authenticator := auth.NewAuthenticator(verifier)

	idempotencyStore := idempotency.NewPostgresStore(db.Pool())
	idempotencyMiddleware := idempotency.Middleware(
		idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithMethods(http.MethodPost),
		idempotency.WithOptionalKey(),
		idempotency.WithLogger(logger.Named("idempotency")),
	)

	janitorCtx, janitorCancel := context.WithCancel(context.Background())
	var janitorWG sync.WaitGroup
	janitorWG.Add(1)
	go func() {
		defer janitorWG.Done()
		idempotency.RunJanitor(janitorCtx, idempotencyStore, cfg.Idempotency.CleanupInterval, cfg.Idempotency.CleanupBatchSize, logger.Named("idempotency"))
	}()

	svc := container.Services
	orderHandlers := handlers.NewOrderHandlers(authenticator, svc.Orders,
		handlers.WithOrderAdminRole(cfg.Auth.AdminRole),
		handlers.WithCreateOrderMiddleware(idempotencyMiddleware),
	)
	checkoutHandlers := handlers.NewCheckoutHandlers(authenticator, svc.Checkout)
	couponHandlers := handlers.NewCouponHandlers(authenticator, svc.Coupons,
		handlers.WithCouponRateLimit(cfg.Coupons.RateLimit, cfg.Coupons.RateWindow, time.Now),
	)
	adminHandlers := handlers.NewAdminOrderHandlers(authenticator, svc.Orders, cfg.Auth.AdminRole)
	webhookHandlers := handlers.NewPaymentWebhookHandlers(svc.PaymentCallbacks,
		handlers.WithWebhookLogger(observability.EventLogger(logger.Named("webhooks"))),
	)

	projectID := strings.TrimSpace(cfg.Events.ProjectID)
	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(projectID),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(projectID),
	}

	healthOpts := []handlers.HealthOption{handlers.WithHealthBuildInfo(buildInfo)}
	if svc.System != nil {
		healthOpts = append(healthOpts, handlers.WithHealthSystemService(svc.System))
	}

	router := handlers.NewRouter(
		handlers.WithMiddlewares(middlewares...),
		handlers.WithRequestTimeout(cfg.Server.RequestTimeout),
		handlers.WithHealthHandlers(handlers.NewHealthHandlers(healthOpts...)),
		handlers.WithMount("/orders", func(r chi.Router) {
			orderHandlers.Routes(r)
			checkoutHandlers.Routes(r)
		}),
		handlers.WithMount("", couponHandlers.Routes),
		handlers.WithMount("/admin", adminHandlers.Routes),
		handlers.WithMount("/webhooks", webhookHandlers.Routes),
	)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("store api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	janitorCancel()
	janitorWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	version := strings.TrimSpace(env["API_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["API_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	environment := strings.TrimSpace(cfg.Security.Environment)
	if environment == "" {
		environment = "local"
	}
	return services.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: environment,
		StartedAt:   started,
	}
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	secretsCfg := config.LoadSecretsConfig(env)
	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(secretsCfg.FallbackFile),
	}
	if secretsCfg.DefaultProjectID != "" {
		opts = append(opts, secrets.WithDefaultProject(secretsCfg.DefaultProjectID))
	}
	if credentials := strings.TrimSpace(env["API_FIREBASE_CREDENTIALS_FILE"]); credentials != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentials)))
	}
	return secrets.NewFetcher(ctx, opts...)
}

func newHealthRepository(db *postgres.Provider, fetcher *secrets.Fetcher, secretProject string) (repositories.HealthRepository, error) {
	checks := []repositories.DependencyCheck{
		{
			Name:     "postgres",
			Critical: true,
			Timeout:  1500 * time.Millisecond,
			Check:    db.Ping,
		},
	}
	if fetcher != nil && strings.TrimSpace(secretProject) != "" {
		checks = append(checks, repositories.DependencyCheck{
			Name:    "secret_manager",
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				return fetcher.Probe(ctx, "system-healthz")
			},
		})
	}
	return repositories.NewDependencyHealthRepository(checks)
}

func newTokenVerifier(ctx context.Context, cfg config.AuthConfig) (auth.TokenVerifier, error) {
	if strings.TrimSpace(cfg.FirebaseProjectID) != "" {
		return auth.NewFirebaseVerifier(ctx, cfg)
	}
	if strings.TrimSpace(cfg.JWTSecret) != "" {
		return auth.NewJWTVerifier(cfg.JWTSecret, cfg.JWTIssuer)
	}
	return nil, errors.New("set API_FIREBASE_PROJECT_ID or API_AUTH_JWT_SECRET")
}

func newPaymentManager(cfg config.Config, logger *zap.Logger) (*payments.Manager, error) {
	stripeProvider, err := payments.NewStripeProvider(payments.StripeProviderConfig{
		APIKey:        cfg.PSP.StripeAPIKey,
		WebhookSecret: cfg.PSP.StripeWebhookSecret,
		Logger:        payments.StripeLogger(observability.EventLogger(logger)),
		Clock:         time.Now,
	})
	if err != nil {
		return nil, err
	}
	return payments.NewManager(map[string]payments.Provider{
		"stripe": stripeProvider,
	}, payments.WithDefaultProvider("stripe"))
}

func newOrderEventPublisher(ctx context.Context, cfg config.Config, logger *zap.Logger) (*jobs.PubSubOrderEventPublisher, func(), error) {
	noop := func() {}
	projectID := strings.TrimSpace(cfg.Events.ProjectID)
	if projectID == "" {
		return nil, noop, errors.New("no events project configured")
	}
	var opts []option.ClientOption
	if credentials := strings.TrimSpace(cfg.Auth.FirebaseCredentialsFile); credentials != "" {
		opts = append(opts, option.WithCredentialsFile(credentials))
	}
	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, noop, fmt.Errorf("pubsub client: %w", err)
	}
	topic := client.Topic(cfg.Events.OrderTopic)
	publisher, err := jobs.NewPubSubOrderEventPublisher(topic)
	if err != nil {
		_ = client.Close()
		return nil, noop, err
	}
	return publisher, func() {
		topic.Stop()
		if err := client.Close(); err != nil {
			logger.Warn("pubsub close error", zap.Error(err))
		}
	}, nil
}
