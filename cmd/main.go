package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/uzpay/gateway-service/internal/api"
	"github.com/uzpay/gateway-service/internal/cache"
	"github.com/uzpay/gateway-service/internal/config"
	"github.com/uzpay/gateway-service/internal/gateway"
	"github.com/uzpay/gateway-service/internal/handlers"
	"github.com/uzpay/gateway-service/internal/idempotency"
	"github.com/uzpay/gateway-service/internal/lock"
	"github.com/uzpay/gateway-service/internal/notify"
	"github.com/uzpay/gateway-service/internal/ratelimit"
	"github.com/uzpay/gateway-service/internal/repository"
	"github.com/uzpay/gateway-service/internal/service"
	"github.com/uzpay/gateway-service/internal/statemachine"
	"github.com/uzpay/gateway-service/internal/telemetry"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize telemetry
	if err := telemetry.InitTelemetry("uzpay-gateway"); err != nil {
		panic(fmt.Sprintf("Failed to initialize telemetry: %v", err))
	}
	defer telemetry.Shutdown(context.Background())

	telemetry.Logger.Info("Starting Uzbek Payments Gateway")

	// Connect to PostgreSQL
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		telemetry.Logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	// Initialize repository
	repo := repository.NewPaymentRepository(db)
	if err := repo.InitDB(); err != nil {
		telemetry.Logger.Fatal("Failed to initialize database", zap.Error(err))
	}

	// Connect to Redis (shared lock + rate limit state)
	redisClient := redis.NewClient(&redis.Options{
		Addr: cfg.RedisURL,
	})

	// Kafka publisher for payment state changes
	var events service.EventPublisher
	if cfg.KafkaBrokers != "" {
		publisher := service.NewKafkaPublisher(cfg.KafkaBrokers)
		defer publisher.Close()
		events = publisher
	}

	// Gateway registry
	httpClient := &http.Client{Timeout: 15 * time.Second}
	registry := gateway.NewRegistry(
		gateway.NewPayme(httpClient, cfg.PaymeEndpoint, cfg.CallbackBaseURL+"/callback/Payme"),
		gateway.NewClick(httpClient, cfg.ClickEndpoint, cfg.CallbackBaseURL+"/callback/Click"),
		gateway.NewFreedomPay(httpClient, cfg.FreedomPayEndpoint, cfg.CallbackBaseURL+"/callback/FreedomPay"),
	)

	// Core components
	creds := cache.NewCredentialCache(repo, cfg.CredentialTTL)
	limiter := ratelimit.NewLimiter(ratelimit.NewRedisStore(redisClient), cfg.RateLimitMax, cfg.RateLimitWindow)
	locker := lock.NewRedisLocker(redisClient, cfg.LockTTL)
	idem := idempotency.NewPostgresStore(db, idempotency.Options{
		Wait:       cfg.IdempotencyWait,
		FailClosed: cfg.IdempotencyFailClosed,
	})

	// Outbound notification retrier
	retrier := notify.NewRetrier(repo, notify.NewHTTPSender(httpClient),
		cfg.RetryBase, cfg.RetryMaxAttempts, cfg.RetryPollInterval)
	retrierCtx, stopRetrier := context.WithCancel(context.Background())
	defer stopRetrier()
	go retrier.Run(retrierCtx)

	// Callback processor
	machine := statemachine.New(repo, retrier)
	processor := service.NewProcessor(registry, creds, limiter, locker, idem, machine, repo, events, cfg.LockTimeout)

	// HTTP surface
	r := api.NewRouter(
		handlers.NewCallbackHandler(processor),
		handlers.NewPaymentHandler(processor, repo, repo),
		handlers.NewCredentialHandler(repo, creds),
	)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}

	// Start server in goroutine
	go func() {
		telemetry.Logger.Info("Uzbek Payments Gateway starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			telemetry.Logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	telemetry.Logger.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		telemetry.Logger.Error("Server forced to shutdown", zap.Error(err))
	}

	telemetry.Logger.Info("Server exited")
}
