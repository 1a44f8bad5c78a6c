/**
 * @description
 * This is the main entry point for the affiliate-service. It is responsible for
 * initializing all components of the service, including configuration, database connection,
 * the payment processor client, message brokers, repositories, the core application service,
 * the cron scheduler, and the HTTP server. It wires everything together and starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/joho/godotenv: Optional .env loading for local development.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/paygate: Client for the payment processor API.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/waflow/affiliate-service/internal/api"
	"github.com/waflow/affiliate-service/internal/app"
	"github.com/waflow/affiliate-service/internal/config"
	"github.com/waflow/affiliate-service/internal/store"
	"github.com/waflow/affiliate-service/pkg/paygate"
	rmrabbit "github.com/waflow/affiliate-service/pkg/rabbitmq"
)

func main() {
	// Load a local .env file if present; real deployments set env vars directly.
	if err := godotenv.Load(); err != nil {
		log.Println("level=info component=bootstrap msg=\"no .env file found; using environment values\"")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"internal api key must be configured\" env=INTERNAL_API_KEY")
	}

	log.Printf("level=info component=bootstrap msg=\"starting affiliate-service\" port=%s", cfg.ServerPort)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	// Initialize the RabbitMQ producer used by the webhook handler.
	var producer rmrabbit.Publisher
	rabbitProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		producer = &rmrabbit.EventProducerFallback{}
	} else {
		defer rabbitProducer.Close()
		producer = rabbitProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Initialize the client for the payment processor API.
	paygateClient := paygate.NewClient(cfg.PaygateAPIBaseURL, cfg.PaygateAPIKey)

	var redisClient *redis.Client
	if cfg.ReprocessRateLimitPerMinute > 0 {
		if strings.TrimSpace(cfg.RedisURL) == "" {
			log.Println("level=warn component=bootstrap msg=\"redis url missing; reprocess rate limiting disabled\" env=REDIS_URL")
		} else {
			redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
			if parseErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; reprocess rate limiting disabled\" err=%v", parseErr)
			} else {
				redisClient = redis.NewClient(redisOptions)
				pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancelPing()
				if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
					log.Printf("level=warn component=bootstrap msg=\"redis ping failed; reprocess rate limiting disabled\" err=%v", pingErr)
					redisClient.Close()
					redisClient = nil
				} else {
					defer redisClient.Close()
					log.Println("level=info component=bootstrap msg=\"redis connected\"")
				}
			}
		}
	}

	// Initialize the data access layer (repository).
	repository := store.NewPostgresRepository(dbpool)

	// Initialize the core application service with its dependencies.
	affiliateService := app.NewService(
		repository,
		paygateClient,
		producer,
		cfg.TransferCurrency,
		cfg.DefaultCommissionRatePercent,
		time.Duration(cfg.SweepReferralTimeoutSeconds)*time.Second,
		cfg.OnboardingReturnURL,
		cfg.OnboardingRefreshURL,
	)

	var rateLimiter api.ReprocessRateLimiter
	if redisClient != nil {
		rateLimiter = app.NewRedisReprocessRateLimiter(redisClient, cfg.RedisRateLimitPrefix)
	}

	// Initialize the API handlers and webhook intake.
	affiliateHandlers := api.NewAffiliateHandlers(affiliateService, rateLimiter, cfg.ReprocessRateLimitPerMinute, cfg.InternalAPIKey)
	webhookHandler := api.NewWebhookHandler(producer, cfg.PaygateWebhookSecret, cfg.BillingEventExchange)

	router := api.AffiliateRoutes(affiliateHandlers, webhookHandler, cfg.JWKSURL, cfg.InternalAPIKey)

	// Wire up the billing event consumer.
	billingConsumer := app.NewBillingEventConsumer(affiliateService)

	rabbitConsumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"rabbitmq consumer init failed\" err=%v", err)
	}
	defer rabbitConsumer.Close()

	billingBindings := map[string]func([]byte) bool{
		"invoice.paid":    billingConsumer.HandleInvoicePaid,
		"account.updated": billingConsumer.HandleAccountUpdated,
	}

	if err := rabbitConsumer.ConsumeWithBindings(cfg.BillingEventExchange, cfg.BillingEventQueue, billingBindings); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"billing consumer start failed\" err=%v", err)
	}

	// Start the in-process sweep scheduler.
	slogger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	scheduler := app.NewScheduler(affiliateService, slogger, cfg.SweepCronSchedule)
	scheduler.Start()
	defer scheduler.Stop()

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
