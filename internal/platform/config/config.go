// Package config loads runtime settings from the environment. Precedence, lowest first: built-in
// defaults, the .env file, the process environment, an explicit map. Values written as secret:// or
// sm:// references are resolved through a SecretResolver before validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	defaultEnvFile              = ".env"
	defaultPort                 = "8080"
	defaultReadTimeout          = 15 * time.Second
	defaultWriteTimeout         = 30 * time.Second
	defaultIdleTimeout          = 120 * time.Second
	defaultRequestTimeout       = 60 * time.Second
	defaultDBMaxConns           = 10
	defaultDBMinConns           = 1
	defaultDBConnLifetime       = 30 * time.Minute
	defaultDBConnectTimeout     = 10 * time.Second
	defaultAdminRole            = "admin"
	defaultJWTIssuer            = "store-api"
	defaultCurrency             = "USD"
	defaultCouponRateLimit      = 30
	defaultCouponRateWindow     = time.Minute
	defaultOrderTopic           = "order-events"
	defaultSecurityEnvironment  = "local"
	defaultSecretsFallbackFile  = ".secrets.local"
	defaultIdempotencyHeader    = "Idempotency-Key"
	defaultIdempotencyTTL       = 24 * time.Hour
	defaultIdempotencyInterval  = time.Hour
	defaultIdempotencyBatchSize = 200
)

type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Auth        AuthConfig
	PSP         PSPConfig
	Store       StoreConfig
	Coupons     CouponsConfig
	Events      EventsConfig
	Secrets     SecretsConfig
	Security    SecurityConfig
	Idempotency IdempotencyConfig
}

type ServerConfig struct {
	Port         string        `validate:"required,numeric"`
	ReadTimeout  time.Duration `validate:"gt=0"`
	WriteTimeout time.Duration `validate:"gt=0"`
	IdleTimeout  time.Duration `validate:"gt=0"`
	// RequestTimeout bounds handler execution; zero disables it.
	RequestTimeout time.Duration `validate:"gte=0"`
}

type DatabaseConfig struct {
	URL             string `validate:"required"`
	MaxConns        int    `validate:"gt=0"`
	MinConns        int    `validate:"gte=0,ltefield=MaxConns"`
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
	MigrateOnStart  bool
}

// AuthConfig picks the token verifier: Firebase when FirebaseProjectID is set, otherwise HS256 JWTs
// signed with JWTSecret.
type AuthConfig struct {
	FirebaseProjectID       string
	FirebaseCredentialsFile string
	JWTSecret               string
	JWTIssuer               string
	AdminRole               string `validate:"required"`
}

type PSPConfig struct {
	StripeAPIKey        string
	StripeWebhookSecret string
	CheckoutSuccessURL  string `validate:"omitempty,url"`
	CheckoutCancelURL   string `validate:"omitempty,url"`
}

type StoreConfig struct {
	DefaultCurrency string `validate:"len=3,alpha"`
}

// CouponsConfig throttles coupon validation per caller. A zero RateLimit disables throttling.
type CouponsConfig struct {
	RateLimit  int           `validate:"gte=0"`
	RateWindow time.Duration `validate:"gt=0"`
}

// EventsConfig: an empty ProjectID disables Pub/Sub publishing.
type EventsConfig struct {
	ProjectID  string
	OrderTopic string `validate:"required"`
}

// SecretsConfig is read before the rest because resolving the other groups depends on it.
type SecretsConfig struct {
	DefaultProjectID string
	FallbackFile     string
}

type SecurityConfig struct {
	Environment string `validate:"required"`
}

type IdempotencyConfig struct {
	Header           string        `validate:"required"`
	TTL              time.Duration `validate:"gt=0"`
	CleanupInterval  time.Duration `validate:"gt=0"`
	CleanupBatchSize int           `validate:"gt=0"`
}

// ValidationError lists every field that failed validation as Group.Field.
type ValidationError struct {
	fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

func (e *ValidationError) Fields() []string {
	return append([]string(nil), e.fields...)
}

var configValidator = validator.New()

type Option func(*loaderOptions)

type loaderOptions struct {
	envFile               string
	envMap                map[string]string
	useSystemEnv          bool
	secret                SecretResolver
	requiredSecrets       []string
	panicOnMissingSecrets bool
}

func newLoaderOptions(opts []Option) loaderOptions {
	options := loaderOptions{envFile: defaultEnvFile, useSystemEnv: true}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	return options
}

// WithEnvFile sets the dotenv path. An empty path skips the file.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) { o.envFile = path }
}

// WithEnvMap overrides every other source.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) { o.envMap = values }
}

func WithoutSystemEnv() Option {
	return func(o *loaderOptions) { o.useSystemEnv = false }
}

func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) { o.secret = resolver }
}

// WithRequiredSecrets fails Load when a named secret field resolves empty. Names are field paths
// such as "PSP.StripeWebhookSecret".
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) { o.requiredSecrets = append(o.requiredSecrets, names...) }
}

// WithPanicOnMissingSecrets turns a missing required secret into a panic at startup.
func WithPanicOnMissingSecrets() Option {
	return func(o *loaderOptions) { o.panicOnMissingSecrets = true }
}

func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := newLoaderOptions(opts)
	values, err := EnvironmentValues(opts...)
	if err != nil {
		return Config{}, err
	}
	env := envValues(values)

	cfg := Config{
		Server: ServerConfig{
			Port:           env.str("API_SERVER_PORT", defaultPort),
			ReadTimeout:    env.duration("API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout:   env.duration("API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:    env.duration("API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
			RequestTimeout: env.duration("API_SERVER_REQUEST_TIMEOUT", defaultRequestTimeout),
		},
		Database: DatabaseConfig{
			URL:             env.str("API_DATABASE_URL", ""),
			MaxConns:        env.integer("API_DATABASE_MAX_CONNS", defaultDBMaxConns),
			MinConns:        env.integer("API_DATABASE_MIN_CONNS", defaultDBMinConns),
			ConnMaxLifetime: env.duration("API_DATABASE_CONN_MAX_LIFETIME", defaultDBConnLifetime),
			ConnectTimeout:  env.duration("API_DATABASE_CONNECT_TIMEOUT", defaultDBConnectTimeout),
			MigrateOnStart:  env.boolean("API_DATABASE_MIGRATE_ON_START", true),
		},
		Auth: AuthConfig{
			FirebaseProjectID:       env.str("API_FIREBASE_PROJECT_ID", ""),
			FirebaseCredentialsFile: env.str("API_FIREBASE_CREDENTIALS_FILE", ""),
			JWTSecret:               env.str("API_AUTH_JWT_SECRET", ""),
			JWTIssuer:               env.str("API_AUTH_JWT_ISSUER", defaultJWTIssuer),
			AdminRole:               strings.ToLower(env.str("API_AUTH_ADMIN_ROLE", defaultAdminRole)),
		},
		PSP: PSPConfig{
			StripeAPIKey:        env.str("API_PSP_STRIPE_API_KEY", ""),
			StripeWebhookSecret: env.str("API_PSP_STRIPE_WEBHOOK_SECRET", ""),
			CheckoutSuccessURL:  env.str("API_PSP_CHECKOUT_SUCCESS_URL", ""),
			CheckoutCancelURL:   env.str("API_PSP_CHECKOUT_CANCEL_URL", ""),
		},
		Store: StoreConfig{
			DefaultCurrency: strings.ToUpper(env.str("API_STORE_DEFAULT_CURRENCY", defaultCurrency)),
		},
		Coupons: CouponsConfig{
			RateLimit:  env.integer("API_COUPON_RATE_LIMIT", defaultCouponRateLimit),
			RateWindow: env.duration("API_COUPON_RATE_WINDOW", defaultCouponRateWindow),
		},
		Events: EventsConfig{
			ProjectID:  env.str("API_EVENTS_PROJECT_ID", env.str("API_FIREBASE_PROJECT_ID", "")),
			OrderTopic: env.str("API_EVENTS_ORDER_TOPIC", defaultOrderTopic),
		},
		Secrets: LoadSecretsConfig(values),
		Security: SecurityConfig{
			Environment: strings.ToLower(env.str("API_SECURITY_ENVIRONMENT", defaultSecurityEnvironment)),
		},
		Idempotency: IdempotencyConfig{
			Header:           env.str("API_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:              env.duration("API_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval:  env.duration("API_IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencyInterval),
			CleanupBatchSize: env.integer("API_IDEMPOTENCY_CLEANUP_BATCH", defaultIdempotencyBatchSize),
		},
	}

	resolved, err := resolveSecretFields(ctx, &cfg, options.secret)
	if err != nil {
		return Config{}, err
	}
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	if missing := findMissingSecrets(options.requiredSecrets, resolved); missing != nil {
		if options.panicOnMissingSecrets {
			fmt.Fprintf(os.Stderr, "config: %s\n", missing.Error())
			panic(missing)
		}
		return Config{}, missing
	}
	return cfg, nil
}

func validateConfig(cfg Config) error {
	err := configValidator.Struct(cfg)
	if err == nil {
		return nil
	}
	var failures validator.ValidationErrors
	if !errors.As(err, &failures) {
		return fmt.Errorf("config: validate: %w", err)
	}
	fields := make([]string, 0, len(failures))
	for _, failure := range failures {
		fields = append(fields, strings.TrimPrefix(failure.StructNamespace(), "Config."))
	}
	return &ValidationError{fields: fields}
}
