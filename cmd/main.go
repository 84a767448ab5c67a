package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/neuroroute/neuroroute/auth"
	"github.com/neuroroute/neuroroute/config"
	"github.com/neuroroute/neuroroute/handlers"
	"github.com/neuroroute/neuroroute/models"
	"github.com/neuroroute/neuroroute/services/impl"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load configuration:", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)

	db, err := initDB(cfg)
	if err != nil {
		logger.WithError(err).Error("failed to connect to database")
		os.Exit(1)
	}
	if err := db.AutoMigrate(&models.ConfigEntry{}, &models.ModelConfig{}); err != nil {
		logger.WithError(err).Error("failed to migrate database")
		os.Exit(1)
	}

	redisClient := initRedis(cfg, logger)

	configService := impl.NewConfigService(db, cfg.Auth.JWTSecret, nil, logger)
	cacheService := impl.NewCacheService(redisClient, cfg.Features.EnableCache, logger)
	classifier := impl.NewClassifierService()
	breaker := impl.NewCircuitBreaker(redisClient, logger)

	routerService, stopRouter, err := impl.NewRouterService(cfg, configService, cacheService, classifier, breaker, logger)
	if err != nil {
		logger.WithError(err).Error("failed to initialize router")
		os.Exit(1)
	}
	defer stopRouter()

	routerHandlers := handlers.NewRouterHandlers(routerService, cfg, db, redisClient, logger)
	adminHandlers := handlers.NewAdminHandlers(configService, cacheService, logger)

	engine := setupRouter(routerHandlers, adminHandlers, cfg)

	srv := &http.Server{
		Addr:         cfg.GetServerAddress(),
		Handler:      engine,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}

	go func() {
		logger.WithFields(logrus.Fields{
			"addr": cfg.GetServerAddress(),
			"env":  cfg.Server.Env,
		}).Info("server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("server failed")
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("forced shutdown")
		os.Exit(1)
	}
	logger.Info("server exited")
}

func newLogger(cfg *config.Config) *logrus.Logger {
	logger := logrus.New()
	if level, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		logger.SetLevel(level)
	}
	if cfg.IsProduction() {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return logger
}

func initDB(cfg *config.Config) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.Database.URL), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.Database.MaxLifetime) * time.Second)

	return db, nil
}

// initRedis connects the KV store. A failed connection disables the cache and
// circuit breaker rather than blocking startup.
func initRedis(cfg *config.Config, logger *logrus.Logger) *redis.Client {
	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		logger.WithError(err).Warn("invalid REDIS_URL, continuing without Redis")
		return nil
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.WithError(err).Warn("Redis connection failed, continuing without Redis")
		return nil
	}
	logger.Info("Redis connection established")
	return client
}

func setupRouter(routerHandlers *handlers.RouterHandlers, adminHandlers *handlers.AdminHandlers, cfg *config.Config) *gin.Engine {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Logger())
	engine.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	allowAll := false
	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			allowAll = true
		}
	}
	if allowAll || len(cfg.Server.AllowedOrigins) == 0 {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = cfg.Server.AllowedOrigins
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	engine.Use(cors.New(corsConfig))

	engine.GET("/health", routerHandlers.HandleHealth)

	jwtValidator := auth.NewJWTValidator(cfg.Auth.JWTSecret)
	protected := engine.Group("/")
	protected.Use(auth.Middleware(jwtValidator, cfg.Auth.Enabled))
	{
		protected.POST("/prompt", routerHandlers.HandlePrompt)
		protected.POST("/chat", routerHandlers.HandleChat)
		protected.GET("/models", routerHandlers.HandleListModels)
	}

	admin := engine.Group("/admin")
	admin.Use(auth.Middleware(jwtValidator, cfg.Auth.Enabled))
	{
		admin.GET("/api-keys/:provider", adminHandlers.HandleGetAPIKey)
		admin.PUT("/api-keys/:provider", adminHandlers.HandleSetAPIKey)
		admin.DELETE("/api-keys/:provider", adminHandlers.HandleDeleteAPIKey)

		admin.GET("/models", adminHandlers.HandleListModelConfigs)
		admin.GET("/models/:id", adminHandlers.HandleGetModelConfig)
		admin.PUT("/models/:id", adminHandlers.HandleSetModelConfig)

		admin.GET("/config/:key", adminHandlers.HandleGetConfig)
		admin.PUT("/config/:key", adminHandlers.HandleSetConfig)
		admin.DELETE("/config/:key", adminHandlers.HandleResetConfig)

		admin.POST("/cache/clear", adminHandlers.HandleClearCache)
	}

	return engine
}
