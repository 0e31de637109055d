package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	ginprometheus "github.com/zsais/go-gin-prometheus"
	"go.uber.org/zap"

	"aidm-server/internal/broadcast"
	"aidm-server/internal/config"
	"aidm-server/internal/database"
	httpdelivery "aidm-server/internal/delivery/http"
	wsdelivery "aidm-server/internal/delivery/websocket"
	"aidm-server/internal/logger"
	"aidm-server/internal/messaging"
	"aidm-server/internal/prompt"
	"aidm-server/internal/repository"
	"aidm-server/internal/service"
	"aidm-server/pkg/ai"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	zapLogger, err := logger.New(logger.Config{Level: cfg.LogLevel, Encoding: cfg.LogEncoding})
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() { _ = zapLogger.Sync() }()
	zap.ReplaceGlobals(zapLogger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- PostgreSQL ---
	pool, err := database.NewPool(ctx, cfg.GetDSN(), cfg.DBMaxConns, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to connect to PostgreSQL", zap.Error(err))
	}
	defer pool.Close()

	if err := database.RunMigrations(cfg.GetDSN(), zapLogger); err != nil {
		zapLogger.Fatal("Failed to run migrations", zap.Error(err))
	}

	// --- Redis (optional recap cache) ---
	var recapCache repository.RecapCache = repository.NopRecapCache{}
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			zapLogger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer func() { _ = redisClient.Close() }()
		recapCache = repository.NewRedisRecapCache(redisClient, cfg.RecapCacheTTL, zapLogger)
	} else {
		zapLogger.Info("REDIS_ADDR not set, recap caching disabled")
	}

	// --- RabbitMQ (optional lifecycle event publisher) ---
	var publisher messaging.EventPublisher = messaging.NopEventPublisher{}
	if cfg.RabbitMQURL != "" {
		mqConn, err := amqp.Dial(cfg.RabbitMQURL)
		if err != nil {
			zapLogger.Fatal("Failed to connect to RabbitMQ", zap.Error(err))
		}
		defer func() { _ = mqConn.Close() }()
		publisher, err = messaging.NewRabbitMQEventPublisher(mqConn, cfg.TurnEventsQueue, zapLogger)
		if err != nil {
			zapLogger.Fatal("Failed to create event publisher", zap.Error(err))
		}
	} else {
		zapLogger.Info("RABBITMQ_URL not set, lifecycle events disabled")
	}

	// --- AI client ---
	aiClient, err := ai.New(ai.Config{
		Provider:       cfg.AIProvider,
		APIKey:         cfg.AIAPIKey,
		BaseURL:        cfg.AIBaseURL,
		Model:          cfg.AIModel,
		Timeout:        cfg.AITimeout,
		MaxAttempts:    cfg.AIMaxAttempts,
		BaseRetryDelay: cfg.AIBaseRetryDelay,
		OllamaHost:     cfg.OllamaHost,
	})
	if err != nil {
		zapLogger.Fatal("Failed to create AI client", zap.Error(err))
	}

	narratorPrompt, err := ai.LoadPrompt(cfg.PromptsDir, ai.NarratorPromptFile)
	if err != nil {
		zapLogger.Fatal("Failed to load narrator prompt", zap.Error(err))
	}
	recapPrompt, err := ai.LoadPrompt(cfg.PromptsDir, ai.RecapPromptFile)
	if err != nil {
		zapLogger.Fatal("Failed to load recap prompt", zap.Error(err))
	}

	// --- Repositories and orchestration core ---
	worldRepo := repository.NewPgWorldRepository(pool, zapLogger)
	campaignRepo := repository.NewPgCampaignRepository(pool, zapLogger)
	playerRepo := repository.NewPgPlayerRepository(pool, zapLogger)
	sessionRepo := repository.NewPgSessionRepository(pool, zapLogger)

	hub := broadcast.NewHub(cfg.SubscriberBuffer, zapLogger)
	builder := prompt.NewBuilder(cfg.ContextMaxTokens, cfg.ContextMaxTurns)
	registry := service.NewRegistry(
		worldRepo, campaignRepo, playerRepo, sessionRepo, recapCache,
		aiClient, builder, hub, publisher,
		service.RegistryConfig{
			NarratorPrompt:  narratorPrompt,
			RecapPrompt:     recapPrompt,
			TurnHardTimeout: cfg.TurnHardTimeout,
			EndGraceTimeout: cfg.EndGraceTimeout,
		},
		zapLogger,
	)

	// --- HTTP server (Gin) ---
	gin.SetMode(gin.ReleaseMode)
	if cfg.LogLevel == "debug" {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(httpdelivery.GinZapLogger(zapLogger))
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) == 1 && cfg.AllowedOrigins[0] == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
		corsConfig.AllowCredentials = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "Authorization"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	healthHandler := func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
	router.GET("/health", healthHandler)
	router.HEAD("/health", healthHandler)

	restHandler := httpdelivery.NewHandler(worldRepo, campaignRepo, playerRepo, sessionRepo, registry, zapLogger)
	restHandler.RegisterRoutes(router)

	wsHandler := wsdelivery.NewHandler(registry, hub, cfg.AllowedOrigins, zapLogger)
	router.GET("/ws", wsHandler.ServeWS)

	p := ginprometheus.NewPrometheus("gin")
	p.Use(router)

	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: websocket connections outlive any sane value.
		IdleTimeout: 60 * time.Second,
	}

	zapLogger.Info("Starting DM server", zap.String("port", cfg.Port))
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zapLogger.Fatal("HTTP server listen error", zap.Error(err))
		}
	}()

	// --- Graceful shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zapLogger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.EndGraceTimeout+10*time.Second)
	defer shutdownCancel()

	// Drain in-flight turns before tearing down the HTTP listener so the
	// last chunks still reach connected clients.
	registry.Shutdown(shutdownCtx)

	if err := srv.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("HTTP server forced to shutdown", zap.Error(err))
	}

	zapLogger.Info("Server exiting")
}
