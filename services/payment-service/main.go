package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/gin-gonic/gin"
	aws_pkg "github.com/tuitrade/backend/pkg/aws"
	ddb "github.com/tuitrade/backend/pkg/dynamodb"
	"github.com/tuitrade/backend/services/common/auth"
	"github.com/tuitrade/backend/services/common/logger"
	commonmw "github.com/tuitrade/backend/services/common/middleware"
	"github.com/tuitrade/backend/services/payment-service/config"
	"github.com/tuitrade/backend/services/payment-service/controllers"
	"github.com/tuitrade/backend/services/payment-service/repository"
	"github.com/tuitrade/backend/services/payment-service/routes"
	"github.com/tuitrade/backend/services/payment-service/services"
	"go.uber.org/zap"
)

type stores struct {
	orders   repository.OrderRepository
	listings repository.ListingRepository
	sellers  repository.SellerRepository
	close    func(context.Context) error
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Initialize(os.Getenv("APP_ENV"))
		logger.Log.Fatal("Config load failed", zap.Error(err))
	}

	rootCtx, stop := context.WithCancel(context.Background())
	defer stop()

	// --- AWS setup ---
	awsCfg, err := aws_pkg.LoadAWSConfig(rootCtx)
	if err != nil {
		logger.Initialize(cfg.AppEnv)
		logger.Log.Fatal("Failed to load AWS config", zap.Error(err))
	}

	cwWriter, err := aws_pkg.NewCloudWatchLogsClient(rootCtx, awsCfg, routes.ServiceName)
	if err != nil || !cwWriter.IsEnabled() {
		logger.Initialize(cfg.AppEnv)
		if err != nil {
			logger.Log.Warn("CloudWatch Logs disabled", zap.Error(err))
		}
	} else {
		logger.InitializeWithWriter(cfg.AppEnv, cwWriter)
	}
	log := logger.Log
	defer log.Sync()

	// --- Stores ---
	st, err := buildStores(rootCtx, cfg, awsCfg, log)
	if err != nil {
		log.Fatal("Store setup failed", zap.String("backend", cfg.StoreBackend), zap.Error(err))
	}

	var ledger repository.EventLedger
	var closeRedis func() error
	if cfg.RedisURL != "" {
		rdb, err := repository.NewRedisClient(rootCtx, cfg.RedisURL)
		if err != nil {
			log.Fatal("Redis connection failed", zap.Error(err))
		}
		ledger = repository.NewRedisEventLedger(rdb, cfg.LedgerProcessingTTL, cfg.LedgerTTL)
		closeRedis = rdb.Close
		log.Info("Webhook event ledger in Redis",
			zap.Duration("processing_ttl", cfg.LedgerProcessingTTL),
			zap.Duration("ttl", cfg.LedgerTTL),
		)
	} else {
		ledger = repository.NewMemoryEventLedger(cfg.LedgerProcessingTTL, cfg.LedgerTTL)
		log.Warn("REDIS_URL not set, webhook event ledger is per-process")
	}

	// --- Collaborators ---
	verifier, err := auth.NewJWTVerifier(auth.JWTConfig{
		Secret:       cfg.JWTSecret,
		PublicKeyPEM: cfg.JWTPublicKeyPEM,
		Issuer:       cfg.JWTIssuer,
		Audience:     cfg.JWTAudience,
	})
	if err != nil {
		log.Fatal("JWT verifier setup failed", zap.Error(err))
	}

	metricsClient := aws_pkg.NewMetricsClient(awsCfg)
	var snsPublisher aws_pkg.SNSPublisher
	if cfg.OrderSNSTopicARN != "" {
		snsPublisher = aws_pkg.NewSNSClient(awsCfg)
	} else {
		log.Info("ORDER_SNS_TOPIC_ARN not set, order events are not published")
	}

	paymentService := services.NewPaymentService(services.Dependencies{
		Orders:   st.orders,
		Listings: st.listings,
		Sellers:  st.sellers,
		Ledger:   ledger,
		Gateway:  services.NewStripeService(cfg.StripeSecretKey, cfg.StripeWebhookKey),
		Events:   snsPublisher,
		TopicARN: cfg.OrderSNSTopicARN,
		Metrics:  metricsClient,
		Logger:   log,
	})

	reconciler := services.NewOrderReconciler(st.orders, cfg.PendingOrderTTL, cfg.ReconcileInterval, metricsClient, log)
	go reconciler.Start(rootCtx)

	// --- HTTP router ---
	if cfg.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	if err := controllers.RegisterValidators(); err != nil {
		log.Fatal("Validator setup failed", zap.Error(err))
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.RequestID())
	r.Use(commonmw.CORS(cfg.AllowedOrigins))
	r.Use(commonmw.SecurityHeaders())
	r.Use(commonmw.MetricsMiddleware(metricsClient, routes.ServiceName))
	r.Use(commonmw.RequestLogger(log))
	r.Use(commonmw.Timeout(30 * time.Second))

	limiter := commonmw.NewRateLimiter(rootCtx, commonmw.PerMinute(cfg.RateLimitPerMinute), cfg.RateLimitBurst, 10*time.Minute)
	pc := controllers.NewPaymentController(paymentService, log)
	routes.RegisterPaymentRoutes(r, pc, verifier, limiter, log)

	// --- HTTP server ---
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("Payment Service started",
			zap.String("port", cfg.Port),
			zap.String("store", cfg.StoreBackend),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	// --- Graceful shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Initiating graceful shutdown...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server shutdown error", zap.Error(err))
	}
	stop()

	if st.close != nil {
		if err := st.close(shutdownCtx); err != nil {
			log.Error("Store close error", zap.Error(err))
		}
	}
	if closeRedis != nil {
		if err := closeRedis(); err != nil {
			log.Error("Redis close error", zap.Error(err))
		}
	}

	log.Info("Payment Service stopped gracefully")
}

func buildStores(ctx context.Context, cfg *config.Config, awsCfg sdkaws.Config, log *zap.Logger) (*stores, error) {
	switch cfg.StoreBackend {
	case config.StoreMongo:
		client, err := repository.ConnectMongo(ctx, cfg.MongoURL)
		if err != nil {
			return nil, err
		}
		db := client.Database(cfg.MongoDatabase)
		log.Info("Connected to MongoDB", zap.String("database", cfg.MongoDatabase))
		return &stores{
			orders:   repository.NewMongoOrderRepository(db),
			listings: repository.NewMongoListingRepository(db),
			sellers:  repository.NewMongoSellerRepository(db),
			close:    client.Disconnect,
		}, nil

	case config.StoreMemory:
		log.Warn("Using in-memory stores, data is lost on restart")
		return &stores{
			orders:   repository.NewMemoryOrderRepository(),
			listings: repository.NewMemoryListingRepository(),
			sellers:  repository.NewMemorySellerRepository(),
		}, nil

	default:
		client := ddb.NewClientFromConfig(awsCfg)
		log.Info("Using DynamoDB",
			zap.String("orders_table", cfg.DynamoOrdersTable),
			zap.String("listings_table", cfg.DynamoListingsTable),
			zap.String("endpoint", ddb.Endpoint()),
		)
		return &stores{
			orders:   repository.NewDynamoOrderRepository(client, cfg.DynamoOrdersTable),
			listings: repository.NewDynamoListingRepository(client, cfg.DynamoListingsTable),
			sellers:  repository.NewDynamoSellerRepository(client, cfg.DynamoUsersTable),
		}, nil
	}
}
