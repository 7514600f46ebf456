package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	aws_pkg "github.com/tuitrade/backend/pkg/aws"
)

const (
	StoreDynamoDB = "dynamodb"
	StoreMongo    = "mongo"
	StoreMemory   = "memory"
)

// StripeSecretName holds {"STRIPE_API_KEY": ..., "STRIPE_WEBHOOK_SECRET": ...} when
// AWS_USE_SECRETS is enabled.
const StripeSecretName = "payment/STRIPE_CREDENTIALS"

type Config struct {
	Port   string
	AppEnv string

	StoreBackend        string
	DynamoOrdersTable   string
	DynamoListingsTable string
	DynamoUsersTable    string
	MongoURL            string
	MongoDatabase       string

	RedisURL            string // empty keeps the webhook ledger in memory
	LedgerTTL           time.Duration
	LedgerProcessingTTL time.Duration // how long an unconfirmed claim blocks redeliveries

	StripeSecretKey  string
	StripeWebhookKey string

	JWTSecret       string
	JWTPublicKeyPEM string
	JWTIssuer       string
	JWTAudience     string

	OrderSNSTopicARN string
	AllowedOrigins   []string

	RateLimitPerMinute int
	RateLimitBurst     int

	PendingOrderTTL   time.Duration
	ReconcileInterval time.Duration

	UseSecrets bool
}

type secretMapGetter interface {
	GetSecretMap(ctx context.Context, name string) (map[string]string, error)
}

// LoadConfig reads the environment (and .env when present), applies the Secrets Manager
// override when AWS_USE_SECRETS=true, and validates the result.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	cfg, err := fromEnv()
	if err != nil {
		return nil, err
	}

	if cfg.UseSecrets {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		awsCfg, err := aws_pkg.LoadAWSConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load AWS config for secrets: %w", err)
		}
		if err := applyStripeSecrets(ctx, cfg, aws_pkg.NewSecretsClient(awsCfg)); err != nil {
			return nil, err
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func fromEnv() (*Config, error) {
	cfg := &Config{
		Port:                getEnv("PORT", "8087"),
		AppEnv:              getEnv("APP_ENV", "development"),
		StoreBackend:        strings.ToLower(getEnv("STORE_BACKEND", StoreDynamoDB)),
		DynamoOrdersTable:   getEnv("DDB_TABLE_ORDERS", "Orders"),
		DynamoListingsTable: getEnv("DDB_TABLE_LISTINGS", "Listings"),
		DynamoUsersTable:    getEnv("DDB_TABLE_USERS", "Users"),
		MongoURL:            getEnv("MONGO_URL", "mongodb://localhost:27017"),
		MongoDatabase:       getEnv("MONGO_DB", "tuitrade"),
		RedisURL:            os.Getenv("REDIS_URL"),
		StripeSecretKey:     os.Getenv("STRIPE_API_KEY"),
		StripeWebhookKey:    os.Getenv("STRIPE_WEBHOOK_SECRET"),
		JWTSecret:           os.Getenv("JWT_SECRET"),
		JWTPublicKeyPEM:     os.Getenv("JWT_PUBLIC_KEY"),
		JWTIssuer:           os.Getenv("JWT_ISSUER"),
		JWTAudience:         os.Getenv("JWT_AUDIENCE"),
		OrderSNSTopicARN:    os.Getenv("ORDER_SNS_TOPIC_ARN"),
		AllowedOrigins:      strings.Split(getEnv("ALLOWED_ORIGINS", "http://localhost:3000"), ","),
		UseSecrets:          os.Getenv("AWS_USE_SECRETS") == "true",
	}

	var err error
	if cfg.LedgerTTL, err = getDuration("WEBHOOK_EVENT_TTL", 72*time.Hour); err != nil {
		return nil, err
	}
	if cfg.LedgerProcessingTTL, err = getDuration("WEBHOOK_EVENT_PROCESSING_TTL", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.PendingOrderTTL, err = getDuration("PENDING_ORDER_TTL", 30*time.Minute); err != nil {
		return nil, err
	}
	if cfg.ReconcileInterval, err = getDuration("RECONCILE_INTERVAL", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.RateLimitPerMinute, err = getInt("RATE_LIMIT_PER_MINUTE", 100); err != nil {
		return nil, err
	}
	if cfg.RateLimitBurst, err = getInt("RATE_LIMIT_BURST", 50); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyStripeSecrets(ctx context.Context, cfg *Config, sm secretMapGetter) error {
	m, err := sm.GetSecretMap(ctx, StripeSecretName)
	if err != nil {
		return fmt.Errorf("read %s: %w", StripeSecretName, err)
	}
	if v := m["STRIPE_API_KEY"]; v != "" {
		cfg.StripeSecretKey = v
	}
	if v := m["STRIPE_WEBHOOK_SECRET"]; v != "" {
		cfg.StripeWebhookKey = v
	}
	return nil
}

func (c *Config) validate() error {
	var missing []string
	if c.StripeSecretKey == "" {
		missing = append(missing, "STRIPE_API_KEY")
	}
	if c.StripeWebhookKey == "" {
		missing = append(missing, "STRIPE_WEBHOOK_SECRET")
	}
	if c.JWTSecret == "" && c.JWTPublicKeyPEM == "" {
		missing = append(missing, "JWT_SECRET or JWT_PUBLIC_KEY")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	switch c.StoreBackend {
	case StoreDynamoDB, StoreMongo, StoreMemory:
	default:
		return fmt.Errorf("unsupported STORE_BACKEND %q", c.StoreBackend)
	}
	if c.PendingOrderTTL <= 0 || c.ReconcileInterval <= 0 || c.LedgerTTL <= 0 || c.LedgerProcessingTTL <= 0 {
		return fmt.Errorf("durations must be positive")
	}
	if c.LedgerProcessingTTL > c.LedgerTTL {
		return fmt.Errorf("WEBHOOK_EVENT_PROCESSING_TTL must not exceed WEBHOOK_EVENT_TTL")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func getInt(key string, fallback int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}
